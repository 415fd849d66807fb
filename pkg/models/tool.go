package models

import (
	"encoding/json"
	"time"
)

// ToolType distinguishes catalogue entries by transport.
type ToolType string

const (
	// ToolTypeMCP is a tool exposed by a managed subprocess.
	ToolTypeMCP ToolType = "mcp"
	// ToolTypeHTTP is a tool behind a plain HTTP endpoint.
	ToolTypeHTTP ToolType = "http"
)

// ToolRecord is one row of the tools catalogue. For MCP tools the tool_id
// is the wire-protocol tool name and server_name points at the subprocess
// that serves it.
type ToolRecord struct {
	ToolID        string          `json:"tool_id"`
	Name          string          `json:"name"`
	Type          ToolType        `json:"type"`
	Description   string          `json:"description,omitempty"`
	Endpoint      json.RawMessage `json:"endpoint,omitempty"`
	RequestSchema json.RawMessage `json:"request_schema,omitempty"`
	ServerName    string          `json:"server_name,omitempty"`
	Enabled       bool            `json:"enabled"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
