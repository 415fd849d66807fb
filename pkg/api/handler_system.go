package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// listServersHandler handles GET /servers.
func (s *Server) listServersHandler(c *echo.Context) error {
	statuses := s.manager.Statuses()
	views := make([]ServerView, 0, len(statuses))
	for _, st := range statuses {
		views = append(views, ServerView{ServerStatus: st, Connected: s.pool.Connected(st.Name)})
	}
	return c.JSON(http.StatusOK, &ServersResponse{Servers: views})
}

// restartServerHandler handles POST /servers/:name/restart. The restart is
// forced: cooldown and the consecutive-failure cap do not apply.
func (s *Server) restartServerHandler(c *echo.Context) error {
	name := c.Param("name")
	res, err := s.manager.ForceRestart(c.Request().Context(), name)
	if err != nil {
		return mapManagerError(err)
	}
	return c.JSON(http.StatusOK, &RestartResponse{Server: name, PID: res.PID, Adopted: res.Adopted})
}

// resetFailuresHandler handles POST /servers/:name/reset. Clears the
// consecutive-failure count and the marked-failed flag so the supervisor
// resumes restarting the server.
func (s *Server) resetFailuresHandler(c *echo.Context) error {
	name := c.Param("name")
	if err := s.manager.ResetFailures(name); err != nil {
		return mapManagerError(err)
	}
	return c.JSON(http.StatusOK, &ResetResponse{Server: name, Reset: true})
}

// reloadConfigHandler handles POST /config/reload. The new registry file is
// validated in full before anything is applied; a bad file leaves the
// running config untouched.
func (s *Server) reloadConfigHandler(c *echo.Context) error {
	diff, version, err := s.cfg.Reload(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "reload rejected: "+err.Error())
	}
	s.manager.ApplyReload(c.Request().Context(), diff)
	return c.JSON(http.StatusOK, &ReloadResponse{
		Version: version,
		Added:   diff.Added,
		Removed: diff.Removed,
		Changed: diff.Changed,
	})
}

// listToolsHandler handles GET /tools. Pass ?enabled=true to restrict the
// listing to tools the model may propose.
func (s *Server) listToolsHandler(c *echo.Context) error {
	enabledOnly := c.QueryParam("enabled") == "true"
	records, err := s.tools.List(c.Request().Context(), enabledOnly)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &ToolsResponse{Tools: records, Count: len(records)})
}

// metricsHandler handles GET /metrics.
func (s *Server) metricsHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.metrics.Snapshot())
}
