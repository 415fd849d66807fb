// Package config loads and validates the tool-server registry, the optional
// application settings file, and the environment-driven configuration.
//
// Two documents are involved:
//
//   - the registry (JSON, path from MCP_SERVERS_PATH, default ./mcp.json):
//     {"mcpServers": {<name>: {command, args, env, ...}}}
//   - optional app settings (YAML, path from TOOLGATE_CONFIG): supervisor
//     intervals, resource ceilings, pool tuning, retention, alerting.
//
// Registry reloads are diffed against the running snapshot so only affected
// servers are restarted; the registry keeps a version counter and the last
// 50 reload records.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
)

// DefaultRegistryPath is used when MCP_SERVERS_PATH is not set.
const DefaultRegistryPath = "./mcp.json"

// Config is the fully-loaded application configuration.
type Config struct {
	Servers      *Registry
	App          *AppConfig
	RegistryPath string
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Resolve file paths from the environment
//  2. Load + merge app settings (built-in defaults, optional YAML)
//  3. Load, default, and validate the server registry
//  4. Build the in-memory registry at version 1
func Initialize(ctx context.Context) (*Config, error) {
	registryPath := os.Getenv("MCP_SERVERS_PATH")
	if registryPath == "" {
		registryPath = DefaultRegistryPath
	}
	log := slog.With("component", "config", "registry_path", registryPath)

	app, err := LoadApp(os.Getenv("TOOLGATE_CONFIG"))
	if err != nil {
		return nil, fmt.Errorf("failed to load app settings: %w", err)
	}

	servers, err := LoadRegistryFile(ctx, registryPath)
	if err != nil {
		return nil, err
	}

	enabled := 0
	for _, sc := range servers {
		if sc.Enabled {
			enabled++
		}
	}
	log.Info("Configuration initialized",
		"servers", len(servers),
		"enabled", enabled,
		"app_config", os.Getenv("TOOLGATE_CONFIG") != "")

	return &Config{
		Servers:      NewRegistry(servers),
		App:          app,
		RegistryPath: registryPath,
	}, nil
}

// LoadRegistryFile reads, parses, defaults, and validates the registry
// document. The returned map is ready for Registry.Apply.
func LoadRegistryFile(ctx context.Context, path string) (map[string]*ServerConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("failed to read registry file %s: %w", path, err)
	}

	var file registryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if file.MCPServers == nil {
		return nil, fmt.Errorf("%w: missing top-level mcpServers object", ErrInvalidJSON)
	}

	servers := make(map[string]*ServerConfig, len(file.MCPServers))
	for name, entry := range file.MCPServers {
		sc := entry.toServerConfig(name)
		if err := validateServer(sc); err != nil {
			return nil, err
		}
		servers[name] = sc
	}
	return servers, nil
}

// Reload re-reads the registry file and applies the new snapshot.
// The whole document is validated before anything is installed; an invalid
// file leaves the running registry untouched. The version bumps on every
// successful reload, including a reload of an identical file.
func (c *Config) Reload(ctx context.Context) (Diff, int, error) {
	servers, err := LoadRegistryFile(ctx, c.RegistryPath)
	if err != nil {
		return Diff{}, c.Servers.Version(), err
	}

	diff, version := c.Servers.Apply(servers)
	slog.Info("Registry reloaded",
		"version", version,
		"added", len(diff.Added),
		"removed", len(diff.Removed),
		"changed", len(diff.Changed))
	return diff, version, nil
}

func validateServer(sc *ServerConfig) error {
	if sc.Name == "" {
		return &ValidationError{Server: sc.Name, Field: "name", Err: ErrMissingRequiredField}
	}
	if sc.Command == "" {
		return &ValidationError{Server: sc.Name, Field: "command", Err: ErrMissingRequiredField}
	}
	for field, d := range map[string]float64{
		"timeout.ping":       sc.Timeouts.Ping.Seconds(),
		"timeout.warmup":     sc.Timeouts.Warmup.Seconds(),
		"timeout.validation": sc.Timeouts.Validation.Seconds(),
		"timeout.default":    sc.Timeouts.Default.Seconds(),
	} {
		if d <= 0 {
			return &ValidationError{Server: sc.Name, Field: field, Err: ErrInvalidValue}
		}
	}
	return nil
}
