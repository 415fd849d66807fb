package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/toolgate/toolgate/pkg/errkind"
	"github.com/toolgate/toolgate/pkg/models"
)

// interpretHandler handles POST /intent/interpret.
func (s *Server) interpretHandler(c *echo.Context) error {
	var req models.InterpretRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, models.NewErrorBody(
			errkind.Newf(errkind.ValidationError, "invalid request body: %v", err)))
	}

	resp, err := s.intents.Interpret(c.Request().Context(), &req)
	if err != nil {
		status := http.StatusInternalServerError
		if errkind.Is(err, errkind.ValidationError) {
			status = http.StatusBadRequest
		}
		return c.JSON(status, models.NewErrorBody(err))
	}
	return c.JSON(http.StatusOK, resp)
}

// confirmHandler handles POST /intent/confirm. Pipeline failures ride in
// the body; the HTTP status stays 200 so chat frontends always get a
// renderable shape.
func (s *Server) confirmHandler(c *echo.Context) error {
	var req models.ConfirmRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, models.NewErrorBody(
			errkind.Newf(errkind.ValidationError, "invalid request body: %v", err)))
	}
	return c.JSON(http.StatusOK, s.intents.Confirm(c.Request().Context(), &req))
}

// executeHandler handles POST /execute: one tool, no interpretation, no
// confirmation round.
func (s *Server) executeHandler(c *echo.Context) error {
	var req models.ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, models.NewErrorBody(
			errkind.Newf(errkind.ValidationError, "invalid request body: %v", err)))
	}
	return c.JSON(http.StatusOK, s.intents.Execute(c.Request().Context(), &req))
}
