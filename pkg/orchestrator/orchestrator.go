// Package orchestrator binds the gateway pipeline together: the model
// proposes tool calls, the user confirms them, the executor runs them,
// and every step lands in the session record.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/toolgate/toolgate/pkg/errkind"
	"github.com/toolgate/toolgate/pkg/llm"
	"github.com/toolgate/toolgate/pkg/mcp"
	"github.com/toolgate/toolgate/pkg/services"
)

// confirmTimeout bounds one whole confirm-execute round. Expiry lands the
// session in the error state, recorded through background-context writes
// that survive the expired round.
const confirmTimeout = 90 * time.Second

// LLM is the language-model surface the orchestrator drives.
// *llm.Client implements it.
type LLM interface {
	Interpret(ctx context.Context, query string, tools []llm.ToolDefinition) (*llm.Interpretation, error)
	ClassifyIntent(ctx context.Context, input string) (llm.Intent, error)
	SynthesizeConfirm(ctx context.Context, query string, keyParams map[string]string) (string, error)
}

// ToolRunner executes one tool call end to end. *mcp.Executor implements
// it; tests substitute a stub.
type ToolRunner interface {
	Execute(ctx context.Context, toolID string, params json.RawMessage, targetServer string) (*mcp.Result, error)
}

// Orchestrator drives the interpret → confirm → execute pipeline over
// the session state machine.
type Orchestrator struct {
	sessions *services.SessionService
	tools    *services.ToolService
	llm      LLM
	runner   ToolRunner
	logger   *slog.Logger
}

// New wires the orchestrator.
func New(sessions *services.SessionService, tools *services.ToolService, model LLM, runner ToolRunner, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		sessions: sessions,
		tools:    tools,
		llm:      model,
		runner:   runner,
		logger:   logger.With("component", "orchestrator"),
	}
}

// classifyServiceError gives service-layer errors a taxonomy kind at the
// pipeline boundary so they serialize with a stable code.
func classifyServiceError(err error) error {
	if err == nil {
		return nil
	}
	if services.IsValidationError(err) || errors.Is(err, services.ErrNotFound) {
		return errkind.Wrap(errkind.ValidationError, err)
	}
	return err
}
