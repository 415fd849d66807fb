package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Default per-operation timeouts applied when the registry file omits them.
const (
	DefaultPingTimeout       = 5 * time.Second
	DefaultWarmupTimeout     = 10 * time.Second
	DefaultValidationTimeout = 30 * time.Second
	DefaultCallTimeout       = 30 * time.Second
)

// slowServerThreshold classifies a server as slow when its default timeout
// is at or above this value. Ping timeouts on slow servers do not invalidate
// pooled connections.
const slowServerThreshold = 60 * time.Second

// defaultSuccessIndicators are matched (case-insensitively) against startup
// output when a server declares none of its own.
var defaultSuccessIndicators = []string{
	"running on",
	"server started",
	"started",
	"listening",
	"ready",
	"mcp server",
}

// Timeouts holds the per-operation deadlines for one server.
type Timeouts struct {
	Ping       time.Duration
	Warmup     time.Duration
	Validation time.Duration
	Default    time.Duration
}

// ServerConfig describes one tool server from the registry file.
// Immutable after load; a reload produces fresh instances.
type ServerConfig struct {
	Name              string
	Command           string
	Args              []string
	Env               map[string]string
	RequiredEnv       []string
	SuccessIndicators []string
	Patterns          []string
	Timeouts          Timeouts
	Enabled           bool
	Description       string
}

// Slow reports whether the server is classified as slow.
func (sc *ServerConfig) Slow() bool {
	return sc.Timeouts.Default >= slowServerThreshold
}

// registryFile mirrors the JSON registry document.
type registryFile struct {
	MCPServers map[string]serverEntry `json:"mcpServers"`
}

// serverEntry is the raw per-server JSON shape. Enabled defaults to true
// when omitted, hence the pointer.
type serverEntry struct {
	Command           string            `json:"command"`
	Args              []string          `json:"args,omitempty"`
	Env               map[string]string `json:"env,omitempty"`
	Enabled           *bool             `json:"enabled,omitempty"`
	RequiredEnv       []string          `json:"required_env,omitempty"`
	SuccessIndicators []string          `json:"success_indicators,omitempty"`
	Timeout           *timeoutEntry     `json:"timeout,omitempty"`
	Patterns          []string          `json:"patterns,omitempty"`
	Description       string            `json:"description,omitempty"`
}

// timeoutEntry accepts either a plain number of seconds (applied to the
// default timeout) or an object with per-operation values.
type timeoutEntry struct {
	Ping       float64
	Warmup     float64
	Validation float64
	Default    float64
}

func (t *timeoutEntry) UnmarshalJSON(data []byte) error {
	var seconds float64
	if err := json.Unmarshal(data, &seconds); err == nil {
		t.Default = seconds
		return nil
	}

	var obj struct {
		Ping       float64 `json:"ping"`
		Warmup     float64 `json:"warmup"`
		Validation float64 `json:"validation"`
		Default    float64 `json:"default"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("timeout must be a number or an object: %w", err)
	}
	t.Ping = obj.Ping
	t.Warmup = obj.Warmup
	t.Validation = obj.Validation
	t.Default = obj.Default
	return nil
}

// toServerConfig converts a raw entry to the immutable ServerConfig,
// applying defaults.
func (e serverEntry) toServerConfig(name string) *ServerConfig {
	sc := &ServerConfig{
		Name:              name,
		Command:           e.Command,
		Args:              append([]string(nil), e.Args...),
		Env:               make(map[string]string, len(e.Env)),
		RequiredEnv:       append([]string(nil), e.RequiredEnv...),
		SuccessIndicators: append([]string(nil), e.SuccessIndicators...),
		Patterns:          append([]string(nil), e.Patterns...),
		Enabled:           true,
		Description:       e.Description,
		Timeouts: Timeouts{
			Ping:       DefaultPingTimeout,
			Warmup:     DefaultWarmupTimeout,
			Validation: DefaultValidationTimeout,
			Default:    DefaultCallTimeout,
		},
	}
	for k, v := range e.Env {
		sc.Env[k] = v
	}
	if e.Enabled != nil {
		sc.Enabled = *e.Enabled
	}
	if len(sc.SuccessIndicators) == 0 {
		sc.SuccessIndicators = append([]string(nil), defaultSuccessIndicators...)
	}
	if t := e.Timeout; t != nil {
		if t.Default > 0 {
			sc.Timeouts.Default = secondsToDuration(t.Default)
		}
		if t.Ping > 0 {
			sc.Timeouts.Ping = secondsToDuration(t.Ping)
		}
		if t.Warmup > 0 {
			sc.Timeouts.Warmup = secondsToDuration(t.Warmup)
		}
		if t.Validation > 0 {
			sc.Timeouts.Validation = secondsToDuration(t.Validation)
		}
	}
	if len(sc.Patterns) == 0 {
		sc.Patterns = DerivePatterns(sc.Command, sc.Args)
	}
	return sc
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// DerivePatterns builds process-identification patterns from the launch
// command: the command basename plus any args that look like package names
// (scoped @org/pkg references or anything mentioning "mcp").
func DerivePatterns(command string, args []string) []string {
	var patterns []string
	if base := filepath.Base(command); base != "" && base != "." {
		patterns = append(patterns, base)
	}
	for _, arg := range args {
		if strings.HasPrefix(arg, "-") {
			continue
		}
		if strings.HasPrefix(arg, "@") || strings.Contains(strings.ToLower(arg), "mcp") {
			patterns = append(patterns, arg)
			// Scoped packages also match by their short name.
			if idx := strings.LastIndex(arg, "/"); idx >= 0 && idx < len(arg)-1 {
				patterns = append(patterns, arg[idx+1:])
			}
		}
	}
	return patterns
}
