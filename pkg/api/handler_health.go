package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/toolgate/toolgate/pkg/database"
	"github.com/toolgate/toolgate/pkg/llm"
	"github.com/toolgate/toolgate/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /health.
// Only the gateway's own dependencies are probed. A database failure makes
// the gateway unhealthy; a missing model credential merely degrades it, so
// an orchestrating supervisor does not restart the gateway when the LLM
// side is down. Tool-server health is reported separately on GET /servers.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	dbHealth, err := database.Health(reqCtx, s.db.Pool())
	if err != nil {
		status = healthStatusUnhealthy
		checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	} else {
		checks["database"] = HealthCheck{Status: healthStatusHealthy}
	}

	if llm.Configured() {
		checks["llm"] = HealthCheck{Status: healthStatusHealthy}
	} else {
		if status == healthStatusHealthy {
			status = healthStatusDegraded
		}
		checks["llm"] = HealthCheck{Status: healthStatusDegraded, Message: "LLM_API_KEY is not set"}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:  status,
		Version: version.GitCommit,
		Registry: RegistrySummary{
			Servers: len(s.cfg.Servers.Names()),
			Version: s.cfg.Servers.Version(),
		},
		Database: dbHealth,
		Checks:   checks,
	})
}
