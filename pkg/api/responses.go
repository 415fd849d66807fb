package api

import (
	"github.com/toolgate/toolgate/pkg/database"
	"github.com/toolgate/toolgate/pkg/models"
	"github.com/toolgate/toolgate/pkg/proc"
)

// HealthCheck is one subsystem's verdict inside a health response.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// RegistrySummary describes the loaded server registry.
type RegistrySummary struct {
	Servers int `json:"servers"`
	Version int `json:"version"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status   string                 `json:"status"`
	Version  string                 `json:"version"`
	Registry RegistrySummary        `json:"registry"`
	Database *database.HealthStatus `json:"database,omitempty"`
	Checks   map[string]HealthCheck `json:"checks"`
}

// ServerView is one entry of GET /servers: the manager's status snapshot
// plus whether the pool holds a live protocol connection.
type ServerView struct {
	proc.ServerStatus
	Connected bool `json:"connected"`
}

// ServersResponse is returned by GET /servers.
type ServersResponse struct {
	Servers []ServerView `json:"servers"`
}

// RestartResponse is returned by POST /servers/:name/restart.
type RestartResponse struct {
	Server  string `json:"server"`
	PID     int32  `json:"pid"`
	Adopted bool   `json:"adopted"`
}

// ResetResponse is returned by POST /servers/:name/reset.
type ResetResponse struct {
	Server string `json:"server"`
	Reset  bool   `json:"reset"`
}

// ReloadResponse is returned by POST /config/reload.
type ReloadResponse struct {
	Version int      `json:"version"`
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Changed []string `json:"changed"`
}

// ToolsResponse is returned by GET /tools.
type ToolsResponse struct {
	Tools []*models.ToolRecord `json:"tools"`
	Count int                  `json:"count"`
}

// SessionLogsResponse is returned by GET /sessions/:id/logs.
type SessionLogsResponse struct {
	SessionID string             `json:"session_id"`
	Logs      []*models.LogEntry `json:"logs"`
}
