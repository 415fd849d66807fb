// Package mcp implements the line-delimited JSON protocol spoken with
// tool-server children over their stdio pipes, the per-server connection
// pool with staged recovery, and the tool-call executor.
package mcp

import (
	"bytes"
	"encoding/json"
	"strings"
)

// protocolVersion is sent in the hello greeting.
const protocolVersion = "1.0"

// Message types. Requests flow to the server, responses come back with
// the matching type; tool responses additionally correlate by id.
const (
	msgHello             = "hello"
	msgListTools         = "list_tools"
	msgListToolsResponse = "list_tools_response"
	msgToolCall          = "tool_call"
	msgToolResponse      = "tool_response"
	msgGoodbye           = "goodbye"
)

// message is the envelope for every protocol frame, one JSON object per
// line in both directions. The fields form a union across message types;
// Type discriminates.
type message struct {
	Type       string          `json:"type"`
	Version    string          `json:"version,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	ID         string          `json:"id,omitempty"`
	Name       string          `json:"name,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Tools      []Tool          `json:"tools,omitempty"`
	Content    *ToolContent    `json:"content,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Tool describes one callable tool advertised in a list_tools_response.
// Parameters is the tool's JSON-Schema, kept raw because the gateway only
// forwards it to the LLM.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ContentKind discriminates the shape a server chose for its reply.
type ContentKind int

const (
	// ContentText is a bare JSON string.
	ContentText ContentKind = iota
	// ContentList is a JSON array of further content items.
	ContentList
	// ContentJSON is any other JSON value, kept raw.
	ContentJSON
)

// ToolContent is the payload of a successful tool response. Servers reply
// with a plain string, a list of items, or an arbitrary JSON document;
// the variant records which so extraction stays deterministic.
type ToolContent struct {
	Kind ContentKind
	Text string
	List []ToolContent
	JSON json.RawMessage
}

func (c *ToolContent) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*c = ToolContent{Kind: ContentText}
		return nil
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*c = ToolContent{Kind: ContentText, Text: s}
	case '[':
		var items []ToolContent
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return err
		}
		*c = ToolContent{Kind: ContentList, List: items}
	default:
		*c = ToolContent{Kind: ContentJSON, JSON: append(json.RawMessage(nil), trimmed...)}
	}
	return nil
}

func (c ToolContent) MarshalJSON() ([]byte, error) {
	switch c.Kind {
	case ContentList:
		return json.Marshal(c.List)
	case ContentJSON:
		if len(c.JSON) == 0 {
			return []byte("null"), nil
		}
		return append([]byte(nil), c.JSON...), nil
	default:
		return json.Marshal(c.Text)
	}
}

// Flatten renders the content as a plain string: text verbatim, list
// items joined by newlines, anything else as compact JSON.
func (c *ToolContent) Flatten() string {
	if c == nil {
		return ""
	}
	switch c.Kind {
	case ContentText:
		return c.Text
	case ContentList:
		parts := make([]string, 0, len(c.List))
		for i := range c.List {
			if s := c.List[i].Flatten(); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n")
	default:
		var buf bytes.Buffer
		if err := json.Compact(&buf, c.JSON); err != nil {
			return string(c.JSON)
		}
		return buf.String()
	}
}

// responseType maps a request type to the response type it correlates
// with. Hello replies reuse the request type.
func responseType(reqType string) string {
	if reqType == msgListTools {
		return msgListToolsResponse
	}
	return reqType
}
