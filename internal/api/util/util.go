package util

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type (
	// SuccessResponse is the envelope every successful JSON response
	// is wrapped in. Data is omitted for responses with no content.
	SuccessResponse struct {
		Type string `json:"type"`
		Data any    `json:"data,omitempty"`
	}

	// ErrorResponse is the envelope used for every failed request.
	ErrorResponse struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
)

// Success writes the data provided with a 200 status, wrapped in a SuccessResponse.
func Success(ec echo.Context, data any) error {
	return ec.JSON(http.StatusOK, SuccessResponse{Type: "success", Data: data})
}

// ApplyConversion applies a converter function to each of the models
// provided to this function. The returned value is a slice which
// has been converted to the new values based on the returned value
// from the converter.
func ApplyConversion[T any, K any](models []T, converter func(T) K) []K {
	dtos := make([]K, 0, len(models))
	for _, v := range models {
		dtos = append(dtos, converter(v))
	}

	return dtos
}
