package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/isomoes/mvideo/internal/api/util"
	"github.com/isomoes/mvideo/internal/asset"
	"github.com/isomoes/mvideo/internal/derive"
	"github.com/isomoes/mvideo/internal/ffmpeg"
	"github.com/isomoes/mvideo/internal/ingest"
	"github.com/isomoes/mvideo/pkg/logger"
	"github.com/labstack/echo/v4"
)

// httpErrorHandler returns an echo HTTP error handler which understands
// the errors returned by the ingestion pipeline, and renders every
// error using the util.ErrorResponse envelope.
func httpErrorHandler() echo.HTTPErrorHandler {
	return func(err error, ec echo.Context) {
		if ec.Response().Committed {
			return
		}

		status, message := describeError(err)
		if status >= http.StatusInternalServerError {
			log.Emit(logger.ERROR, "%s %s failed (%d): %v\n", ec.Request().Method, ec.Request().RequestURI, status, err)
		} else {
			log.Emit(logger.DEBUG, "%s %s rejected (%d): %v\n", ec.Request().Method, ec.Request().RequestURI, status, err)
		}

		var writeErr error
		if ec.Request().Method == http.MethodHead {
			writeErr = ec.NoContent(status)
		} else {
			writeErr = ec.JSON(status, util.ErrorResponse{Type: "error", Message: message})
		}
		if writeErr != nil {
			log.Emit(logger.WARNING, "Failed to write error response: %v\n", writeErr)
		}
	}
}

// describeError maps an error to the HTTP status and user facing
// message it should be reported with.
func describeError(err error) (int, string) {
	var (
		httpErr  *echo.HTTPError
		stageErr *ingest.StageError
		probeErr *ffmpeg.ProbeError
	)

	if errors.As(err, &httpErr) {
		return httpErr.Code, fmt.Sprint(httpErr.Message)
	}

	message := err.Error()
	if errors.As(err, &stageErr) {
		message = stageErr.Reason()
	}

	switch {
	case errors.Is(err, ffmpeg.ErrEngineUnavailable):
		return http.StatusServiceUnavailable, message
	case errors.As(err, &probeErr):
		return http.StatusUnprocessableEntity, message
	case errors.Is(err, asset.ErrNotFound):
		return http.StatusNotFound, "Asset not found"
	case errors.Is(err, ingest.ErrMissingUpload),
		errors.Is(err, asset.ErrInvalidKey),
		errors.Is(err, ffmpeg.ErrInvalidJobOptions),
		errors.Is(err, derive.ErrNotApplicable),
		errors.Is(err, derive.ErrUnknownKind):
		return http.StatusBadRequest, message
	}

	return http.StatusInternalServerError, message
}
