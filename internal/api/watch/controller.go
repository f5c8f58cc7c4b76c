package watch

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/isomoes/mvideo/internal/api/util"
	"github.com/isomoes/mvideo/internal/ingest"
	"github.com/labstack/echo/v4"
)

type (
	// ItemDto is the response used by endpoints that return
	// the items found in the watch folder (e.g., list, get)
	ItemDto struct {
		Id        uuid.UUID    `json:"id"`
		Path      string       `json:"sourcePath"`
		ProjectID string       `json:"projectId"`
		State     ItemStateDto `json:"state"`
		Trouble   *TroubleDto  `json:"trouble"`
	}

	ItemStateDto string

	// TroubleDto describes why the most recent ingestion of an item failed.
	TroubleDto struct {
		Stage   string `json:"stage"`
		Reason  string `json:"reason"`
		Message string `json:"message"`
	}

	Service interface {
		GetAllItems() []*ingest.WatchItem
		GetItem(uuid.UUID) *ingest.WatchItem
		RemoveItem(uuid.UUID) error
		RetryItem(uuid.UUID) error
		DiscoverNewFiles()
	}

	// Controller is the struct which is responsible for defining the
	// routes for the watch folder.
	Controller struct {
		service Service
	}
)

const (
	IDLE        ItemStateDto = "IDLE"
	IMPORT_HOLD ItemStateDto = "IMPORT_HOLD"
	INGESTING   ItemStateDto = "INGESTING"
	TROUBLED    ItemStateDto = "TROUBLED"
)

func New(service Service) *Controller {
	return &Controller{service: service}
}

// SetRoutes accepts the Echo group for the watch folder endpoints
// and sets the routes on them.
func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.GET("/", controller.list)
	eg.POST("/poll/", controller.performPoll)
	eg.GET("/:id/", controller.get)
	eg.DELETE("/:id/", controller.delete)
	eg.POST("/:id/retry/", controller.retry)
}

func (controller *Controller) list(ec echo.Context) error {
	return util.Success(ec, util.ApplyConversion(controller.service.GetAllItems(), NewDto))
}

func (controller *Controller) get(ec echo.Context) error {
	id, err := parseID(ec)
	if err != nil {
		return err
	}

	item := controller.service.GetItem(id)
	if item == nil {
		return echo.NewHTTPError(http.StatusNotFound, "Watch item not found")
	}

	return util.Success(ec, NewDto(item))
}

// delete stops tracking the item. The file is left in the watch folder.
func (controller *Controller) delete(ec echo.Context) error {
	id, err := parseID(ec)
	if err != nil {
		return err
	}

	return respond(ec, controller.service.RemoveItem(id))
}

func (controller *Controller) retry(ec echo.Context) error {
	id, err := parseID(ec)
	if err != nil {
		return err
	}

	return respond(ec, controller.service.RetryItem(id))
}

func (controller *Controller) performPoll(ec echo.Context) error {
	controller.service.DiscoverNewFiles()

	return util.Success(ec, nil)
}

func parseID(ec echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "Watch item ID is not a valid UUID")
	}

	return id, nil
}

func respond(ec echo.Context, err error) error {
	switch {
	case err == nil:
		return util.Success(ec, nil)
	case errors.Is(err, ingest.ErrItemNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "Watch item not found")
	case errors.Is(err, ingest.ErrItemIngesting), errors.Is(err, ingest.ErrItemNotTrouble):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}

	return err
}

// NewDto creates an ItemDto using the WatchItem model.
func NewDto(item *ingest.WatchItem) *ItemDto {
	var trouble *TroubleDto
	if item.Trouble != nil {
		trouble = &TroubleDto{
			Stage:   string(item.Trouble.Stage),
			Reason:  item.Trouble.Reason(),
			Message: item.Trouble.Error(),
		}
	}

	return &ItemDto{
		Id:        item.ID,
		Path:      item.Path,
		ProjectID: item.ProjectID,
		State:     StateModelToDto(item.State),
		Trouble:   trouble,
	}
}

func StateModelToDto(state ingest.WatchItemState) ItemStateDto {
	switch state {
	case ingest.IDLE:
		return IDLE
	case ingest.IMPORT_HOLD:
		return IMPORT_HOLD
	case ingest.INGESTING:
		return INGESTING
	case ingest.TROUBLED:
		return TROUBLED
	}

	panic(fmt.Sprintf("watch item state %s is not recognized by API layer, DTO cannot be created. Please report this error.", state))
}
