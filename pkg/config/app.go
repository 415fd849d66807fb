package config

import (
	"fmt"
	"os"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// AppConfig holds operator-tunable settings with built-in defaults.
// All fields are optional in the YAML file; unset values fall back to
// the defaults below via mergo.
type AppConfig struct {
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Pool       PoolConfig       `yaml:"pool"`
	Retention  RetentionConfig  `yaml:"retention"`
	Alerting   AlertingConfig   `yaml:"alerting"`
	HTTP       HTTPConfig       `yaml:"http"`
}

// SupervisorConfig tunes the lifecycle supervisor and health probe.
type SupervisorConfig struct {
	CheckIntervalSeconds   int     `yaml:"check_interval_seconds"`
	CooldownSeconds        int     `yaml:"cooldown_seconds"`
	CPUPercentCeiling      float64 `yaml:"cpu_percent_ceiling"`
	RSSMBCeiling           uint64  `yaml:"rss_mb_ceiling"`
	GracefulTimeoutSeconds int     `yaml:"graceful_timeout_seconds"`
}

func (c SupervisorConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

func (c SupervisorConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

func (c SupervisorConfig) GracefulTimeout() time.Duration {
	return time.Duration(c.GracefulTimeoutSeconds) * time.Second
}

// PoolConfig tunes connection acquisition.
type PoolConfig struct {
	BackoffBaseMS     int `yaml:"backoff_base_ms"`
	BackoffCapSeconds int `yaml:"backoff_cap_seconds"`
	MaxAttempts       int `yaml:"max_attempts"`
	MaxConnAgeMinutes int `yaml:"max_conn_age_minutes"`
}

func (c PoolConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMS) * time.Millisecond
}

func (c PoolConfig) BackoffCap() time.Duration {
	return time.Duration(c.BackoffCapSeconds) * time.Second
}

func (c PoolConfig) MaxConnAge() time.Duration {
	return time.Duration(c.MaxConnAgeMinutes) * time.Minute
}

// RetentionConfig tunes the terminal-session sweeper.
type RetentionConfig struct {
	SessionHours         int `yaml:"session_hours"`
	SweepIntervalMinutes int `yaml:"sweep_interval_minutes"`
}

func (c RetentionConfig) SessionAge() time.Duration {
	return time.Duration(c.SessionHours) * time.Hour
}

func (c RetentionConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMinutes) * time.Minute
}

// AlertingConfig enables leak alert delivery to Slack. SlackToken supports
// ${VAR} expansion, conventionally "${SLACK_BOT_TOKEN}". AutoClean lets the
// leak monitor run a cleanup sweep on its own when thresholds trip.
type AlertingConfig struct {
	Enabled      bool   `yaml:"enabled"`
	SlackChannel string `yaml:"slack_channel"`
	SlackToken   string `yaml:"slack_token"`
	AutoClean    bool   `yaml:"auto_clean"`
}

// HTTPConfig holds the listen address and the JWT secret passed through to
// the fronting auth layer (never used by the gateway itself).
type HTTPConfig struct {
	Addr      string `yaml:"addr"`
	JWTSecret string `yaml:"-"`
}

func defaultAppConfig() AppConfig {
	return AppConfig{
		Supervisor: SupervisorConfig{
			CheckIntervalSeconds:   3600,
			CooldownSeconds:        60,
			CPUPercentCeiling:      90,
			RSSMBCeiling:           1024,
			GracefulTimeoutSeconds: 30,
		},
		Pool: PoolConfig{
			BackoffBaseMS:     1000,
			BackoffCapSeconds: 30,
			MaxAttempts:       5,
			MaxConnAgeMinutes: 60,
		},
		Retention: RetentionConfig{
			SessionHours:         72,
			SweepIntervalMinutes: 60,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
	}
}

// LoadApp reads the optional YAML settings file and merges it over the
// built-in defaults. An empty path yields pure defaults. Environment
// overrides (HTTP_ADDR, JWT_SECRET) are applied last, and the Slack token
// is ${VAR}-expanded.
func LoadApp(path string) (*AppConfig, error) {
	cfg := AppConfig{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read app settings %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("invalid app settings YAML: %w", err)
		}
	}

	defaults := defaultAppConfig()
	if err := mergo.Merge(&cfg, defaults); err != nil {
		return nil, fmt.Errorf("failed to merge default settings: %w", err)
	}

	if addr := os.Getenv("HTTP_ADDR"); addr != "" {
		cfg.HTTP.Addr = addr
	}
	cfg.HTTP.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.Alerting.SlackToken = ExpandString(cfg.Alerting.SlackToken)

	return &cfg, nil
}
