package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/toolgate/toolgate/pkg/errkind"
	"github.com/toolgate/toolgate/pkg/services"
)

// mapServiceError maps service-layer errors to HTTP error responses.
func mapServiceError(err error) *echo.HTTPError {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	if errors.Is(err, services.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, services.ErrAlreadyExists) {
		return echo.NewHTTPError(http.StatusConflict, "resource already exists")
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}

// mapManagerError maps process-manager errors to HTTP error responses.
func mapManagerError(err error) *echo.HTTPError {
	if errkind.Is(err, errkind.ServerNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "server not found")
	}
	return echo.NewHTTPError(http.StatusBadGateway, err.Error())
}
