package assets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/isomoes/mvideo/internal/api/util"
	"github.com/isomoes/mvideo/internal/asset"
	"github.com/isomoes/mvideo/internal/derive"
	"github.com/isomoes/mvideo/internal/ingest"
	"github.com/isomoes/mvideo/pkg/logger"
	"github.com/labstack/echo/v4"
)

var controllerLogger = logger.Get("AssetsController")

type (
	Ingester interface {
		Ingest(ctx context.Context, projectID string, upload ingest.Upload) (*asset.Record, error)
	}

	Renderer interface {
		Render(ctx context.Context, projectID, assetID string, kind derive.RenderKind, opts derive.RenderOptions) (*asset.Record, error)
	}

	Store interface {
		GetAssetByCompositeKey(projectID, assetID string) (*asset.Record, error)
		FindAssetAnyProject(assetID string) (*asset.Record, error)
		List(projectID string) ([]*asset.Record, error)
		Update(projectID, assetID string, patch asset.Patch) (*asset.Record, error)
		Delete(projectID, assetID string) error
		DeleteProjectAssets(projectID string) error
	}

	// UpdateRequest is the body accepted by the PATCH endpoint. Only the
	// mutable fields of a record are honoured.
	UpdateRequest struct {
		OriginalName *string              `json:"originalName" validate:"omitempty,min=1,max=255,excludesall=/\\"`
		Metadata     *asset.MediaMetadata `json:"metadata"`
		Derived      *asset.DerivedRecord `json:"derived"`
	}

	// Controller defines the routes for the assets of a project, and
	// the global asset lookups.
	Controller struct {
		validate *validator.Validate
		ingester Ingester
		renderer Renderer
		store    Store
	}
)

func New(validate *validator.Validate, ingester Ingester, renderer Renderer, store Store) *Controller {
	return &Controller{validate: validate, ingester: ingester, renderer: renderer, store: store}
}

// SetRoutes accepts the Echo group for the assets of a project
// (/projects/:projectId/assets) and sets the routes on them.
func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.GET("/", controller.list)
	eg.DELETE("/", controller.deleteAll)
	eg.POST("/import/", controller.importAsset)
	eg.GET("/:assetId/", controller.get)
	eg.PATCH("/:assetId/", controller.update)
	eg.DELETE("/:assetId/", controller.delete)
	eg.GET("/:assetId/waveform/", controller.waveform)
	eg.GET("/:assetId/source/", controller.source)
	eg.POST("/:assetId/derived/:kind/", controller.render)
}

// SetGlobalRoutes accepts the Echo group for asset lookups which
// are not scoped to a project (/assets).
func (controller *Controller) SetGlobalRoutes(eg *echo.Group) {
	eg.GET("/:assetId/", controller.getAnyProject)
	eg.GET("/:assetId/waveform/", controller.waveformAnyProject)
}

func (controller *Controller) list(ec echo.Context) error {
	records, err := controller.store.List(ec.Param("projectId"))
	if err != nil {
		return err
	}

	return util.Success(ec, records)
}

// importAsset accepts a multipart upload in the 'file' field and passes it
// through the ingestion orchestrator, responding with the committed record.
func (controller *Controller) importAsset(ec echo.Context) error {
	header, err := ec.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Missing file upload")
	}

	file, err := header.Open()
	if err != nil {
		return fmt.Errorf("failed to open uploaded file: %w", err)
	}
	defer file.Close()

	record, err := controller.ingester.Ingest(ec.Request().Context(), ec.Param("projectId"), ingest.Upload{Name: header.Filename, Body: file})
	if err != nil {
		return err
	}

	return util.Success(ec, record)
}

func (controller *Controller) get(ec echo.Context) error {
	record, err := controller.getRecord(ec.Param("projectId"), ec.Param("assetId"))
	if err != nil {
		return err
	}

	return util.Success(ec, record)
}

func (controller *Controller) getAnyProject(ec echo.Context) error {
	record, err := controller.store.FindAssetAnyProject(ec.Param("assetId"))
	if err != nil {
		return err
	} else if record == nil {
		return &asset.NotFoundError{AssetID: ec.Param("assetId")}
	}

	return util.Success(ec, record)
}

func (controller *Controller) update(ec echo.Context) error {
	var request UpdateRequest
	if err := ec.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("JSON body illegal: %v", err))
	}
	if err := controller.validate.Struct(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("JSON body failed validation: %v", err))
	}

	record, err := controller.store.Update(ec.Param("projectId"), ec.Param("assetId"), asset.Patch{
		OriginalName: request.OriginalName,
		Metadata:     request.Metadata,
		Derived:      request.Derived,
	})
	if err != nil {
		return err
	}

	return util.Success(ec, record)
}

// delete removes the asset directory. Deleting an asset which does
// not exist is a success.
func (controller *Controller) delete(ec echo.Context) error {
	if err := controller.store.Delete(ec.Param("projectId"), ec.Param("assetId")); err != nil {
		return err
	}

	return util.Success(ec, nil)
}

// deleteAll removes every asset of the project, as done when the
// project itself is removed.
func (controller *Controller) deleteAll(ec echo.Context) error {
	if err := controller.store.DeleteProjectAssets(ec.Param("projectId")); err != nil {
		return err
	}

	return util.Success(ec, nil)
}

func (controller *Controller) waveform(ec echo.Context) error {
	record, err := controller.store.GetAssetByCompositeKey(ec.Param("projectId"), ec.Param("assetId"))
	if err != nil {
		return err
	}

	return serveWaveform(ec, record)
}

func (controller *Controller) waveformAnyProject(ec echo.Context) error {
	record, err := controller.store.FindAssetAnyProject(ec.Param("assetId"))
	if err != nil {
		return err
	}

	return serveWaveform(ec, record)
}

// source serves the bytes of the source file. Range requests are honoured
// so that clients can seek through media without downloading all of it.
func (controller *Controller) source(ec echo.Context) error {
	record, err := controller.getRecord(ec.Param("projectId"), ec.Param("assetId"))
	if err != nil {
		return err
	}

	file, err := os.Open(record.SourcePath)
	if err != nil {
		return fmt.Errorf("failed to open source for %s: %w", record, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat source for %s: %w", record, err)
	}

	headers := ec.Response().Header()
	headers.Set(echo.HeaderContentType, ContentTypeForPath(record.SourcePath))
	headers.Set("Accept-Ranges", "bytes")
	headers.Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeContent(ec.Response(), ec.Request(), filepath.Base(record.SourcePath), info.ModTime(), file)
	return nil
}

// render produces on-demand derived media for the asset. The JSON body is an
// option map whose accepted keys depend on the kind requested.
func (controller *Controller) render(ec echo.Context) error {
	kind, err := derive.ParseRenderKind(ec.Param("kind"))
	if err != nil {
		return err
	}

	options := make(map[string]any)
	if err := json.NewDecoder(ec.Request().Body).Decode(&options); err != nil && !errors.Is(err, io.EOF) {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("JSON body illegal: %v", err))
	}

	opts, err := derive.DecodeRenderOptions(options)
	if err != nil {
		return err
	}

	record, err := controller.renderer.Render(ec.Request().Context(), ec.Param("projectId"), ec.Param("assetId"), kind, opts)
	if err != nil {
		return err
	}

	return util.Success(ec, record)
}

func (controller *Controller) getRecord(projectID, assetID string) (*asset.Record, error) {
	record, err := controller.store.GetAssetByCompositeKey(projectID, assetID)
	if err != nil {
		return nil, err
	} else if record == nil {
		return nil, &asset.NotFoundError{ProjectID: projectID, AssetID: assetID}
	}

	return record, nil
}

func serveWaveform(ec echo.Context, record *asset.Record) error {
	if record == nil || record.Derived == nil || record.Derived.WaveformPath == "" {
		return echo.NewHTTPError(http.StatusNotFound, "Waveform not found")
	}

	payload, err := os.ReadFile(record.Derived.WaveformPath)
	if errors.Is(err, os.ErrNotExist) {
		controllerLogger.Emit(logger.WARNING, "Waveform for %s is recorded at %s, but the file is missing\n", record, record.Derived.WaveformPath)
		return echo.NewHTTPError(http.StatusNotFound, "Waveform not found")
	} else if err != nil {
		return fmt.Errorf("failed to read waveform for %s: %w", record, err)
	}

	return ec.Blob(http.StatusOK, echo.MIMEApplicationJSON, payload)
}

// ContentTypeForPath returns the MIME type used when serving a
// source file, based on the file extension.
func ContentTypeForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".mov":
		return "video/quicktime"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".aac":
		return "audio/aac"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return echo.MIMEOctetStream
	}
}
