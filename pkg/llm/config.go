// Package llm adapts an OpenAI-compatible chat-completions endpoint for
// the gateway: intent interpretation with tool-choice, confirmation
// classification, result summarisation, and confirm-question synthesis.
package llm

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/toolgate/toolgate/pkg/errkind"
)

// Defaults applied when the environment leaves a knob unset.
const (
	DefaultModel       = "gpt-4o-mini"
	DefaultTimeout     = 60 * time.Second
	DefaultTemperature = 0.1
	DefaultMaxTokens   = 1024
)

// Config holds the chat-completions endpoint settings.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	Temperature float32
	MaxTokens   int
}

// ConfigFromEnv reads the LLM_* environment variables. Only LLM_API_KEY
// is mandatory; everything else has a default.
func ConfigFromEnv() (*Config, error) {
	cfg := &Config{
		APIKey:      os.Getenv("LLM_API_KEY"),
		BaseURL:     os.Getenv("LLM_API_BASE"),
		Model:       getEnvOrDefault("LLM_MODEL", DefaultModel),
		Timeout:     DefaultTimeout,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
	}
	if cfg.APIKey == "" {
		return nil, errkind.Newf(errkind.ConfigMissingRequired, "LLM_API_KEY is not set")
	}

	if v := os.Getenv("LLM_TIMEOUT"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return nil, errkind.Newf(errkind.ConfigInvalid, "invalid LLM_TIMEOUT %q: want seconds", v)
		}
		cfg.Timeout = time.Duration(secs) * time.Second
	}
	if v := os.Getenv("LLM_TEMPERATURE"); v != "" {
		temp, err := strconv.ParseFloat(v, 32)
		if err != nil || temp < 0 || temp > 2 {
			return nil, errkind.Newf(errkind.ConfigInvalid, "invalid LLM_TEMPERATURE %q", v)
		}
		cfg.Temperature = float32(temp)
	}
	if v := os.Getenv("LLM_MAX_TOKENS"); v != "" {
		tokens, err := strconv.Atoi(v)
		if err != nil || tokens <= 0 {
			return nil, errkind.Newf(errkind.ConfigInvalid, "invalid LLM_MAX_TOKENS %q", v)
		}
		cfg.MaxTokens = tokens
	}
	return cfg, nil
}

// Configured reports whether the environment carries enough to build a
// client. Used by the health endpoint without failing startup.
func Configured() bool {
	return os.Getenv("LLM_API_KEY") != ""
}

// String renders the endpoint identity for logs, key redacted.
func (c *Config) String() string {
	base := c.BaseURL
	if base == "" {
		base = "api.openai.com"
	}
	return fmt.Sprintf("%s (%s)", c.Model, base)
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
