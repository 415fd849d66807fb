package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"

	"github.com/toolgate/toolgate/pkg/errkind"
	"github.com/toolgate/toolgate/pkg/llm"
	"github.com/toolgate/toolgate/pkg/models"
	"github.com/toolgate/toolgate/pkg/services"
)

// confirmFallback is used when the model produced tool calls but neither
// a confirmation question nor a usable synthesis.
const confirmFallback = "Do you want me to go ahead with that?"

// Interpret runs one user query through the model and either answers
// directly or parks the proposed tool calls for confirmation. Errors past
// session creation move the session to the error state before returning.
func (o *Orchestrator) Interpret(ctx context.Context, req *models.InterpretRequest) (*models.InterpretResponse, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, classifyServiceError(services.NewValidationError("query", "must not be empty"))
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	if _, err := o.sessions.CreateSession(ctx, sessionID, req.UserID.String()); err != nil {
		return nil, classifyServiceError(err)
	}
	logger := o.logger.With("session_id", sessionID)

	defs, err := o.catalogForModel(ctx)
	if err != nil {
		return nil, o.failInterpret(ctx, sessionID, err)
	}

	logger.Info("Interpreting query", "tools", len(defs))
	interp, err := o.llm.Interpret(ctx, query, defs)
	if err != nil {
		return nil, o.failInterpret(ctx, sessionID, err)
	}

	if len(interp.ToolCalls) == 0 {
		content := interp.Content
		if content == "" {
			return nil, o.failInterpret(ctx, sessionID,
				errkind.Newf(errkind.InternalError, "model returned neither content nor tool calls"))
		}
		if err := o.sessions.AppendLog(ctx, sessionID, models.StepInterpret, models.LogSuccess, content); err != nil {
			return nil, o.failInterpret(ctx, sessionID, classifyServiceError(err))
		}
		return &models.InterpretResponse{
			Type:      models.ResponseDirect,
			Content:   content,
			SessionID: sessionID,
		}, nil
	}

	calls, err := parseToolCalls(interp.ToolCalls)
	if err != nil {
		return nil, o.failInterpret(ctx, sessionID, err)
	}

	confirmText := interp.ConfirmText
	if confirmText == "" {
		confirmText = o.synthesizeConfirm(ctx, query, calls)
	}

	names := make([]string, len(calls))
	for i, call := range calls {
		names[i] = call.ToolID
	}
	note := fmt.Sprintf("proposed %d tool call(s): %s", len(calls), strings.Join(names, ", "))
	if err := o.sessions.AppendLog(ctx, sessionID, models.StepInterpret, models.LogSuccess, note); err != nil {
		return nil, o.failInterpret(ctx, sessionID, classifyServiceError(err))
	}
	if err := o.sessions.WritePendingTools(ctx, sessionID, &models.PendingToolsPayload{
		ToolCalls:     calls,
		OriginalQuery: query,
	}); err != nil {
		return nil, o.failInterpret(ctx, sessionID, classifyServiceError(err))
	}

	logger.Info("Awaiting user confirmation", "tool_calls", len(calls))
	return &models.InterpretResponse{
		Type:        models.ResponseToolCall,
		ToolCalls:   calls,
		ConfirmText: confirmText,
		SessionID:   sessionID,
	}, nil
}

// catalogForModel renders the enabled tool catalogue in the model's
// tool-choice shape.
func (o *Orchestrator) catalogForModel(ctx context.Context) ([]llm.ToolDefinition, error) {
	tools, err := o.tools.List(ctx, true)
	if err != nil {
		return nil, classifyServiceError(err)
	}
	defs := make([]llm.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, llm.ToolDefinition{
			Name:        t.ToolID,
			Description: t.Description,
			Parameters:  t.RequestSchema,
		})
	}
	return defs, nil
}

// parseToolCalls decodes each proposal's argument JSON, running the
// tolerant repair pass before giving up on malformed model output.
func parseToolCalls(proposals []llm.ToolCallProposal) ([]models.PendingToolCall, error) {
	calls := make([]models.PendingToolCall, 0, len(proposals))
	for _, p := range proposals {
		params, err := parseArguments(p.Arguments)
		if err != nil {
			return nil, errkind.Newf(errkind.ValidationError,
				"arguments for tool %q are not valid JSON: %v", p.ToolID, err)
		}
		calls = append(calls, models.PendingToolCall{ToolID: p.ToolID, Parameters: params})
	}
	return calls, nil
}

func parseArguments(raw string) (map[string]any, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return map[string]any{}, nil
	}

	var params map[string]any
	if err := json.Unmarshal([]byte(s), &params); err == nil {
		return params, nil
	}

	repaired, err := jsonrepair.JSONRepair(s)
	if err != nil {
		return nil, fmt.Errorf("repair failed: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), &params); err != nil {
		return nil, err
	}
	return params, nil
}

// synthesizeConfirm asks the model for a confirmation question built
// from the key parameters, falling back to a canned one.
func (o *Orchestrator) synthesizeConfirm(ctx context.Context, query string, calls []models.PendingToolCall) string {
	merged := make(map[string]any)
	for _, call := range calls {
		for k, v := range call.Parameters {
			merged[k] = v
		}
	}
	text, err := o.llm.SynthesizeConfirm(ctx, query, llm.KeyParams(merged))
	if err != nil || strings.TrimSpace(text) == "" {
		o.logger.Warn("Confirmation synthesis failed, using fallback", "error", err)
		return confirmFallback
	}
	return text
}

// failInterpret records the failure on the session before the error goes
// back to the caller. The recording itself is best-effort: a session
// already out of parsing (or a dead database) must not mask the cause.
func (o *Orchestrator) failInterpret(ctx context.Context, sessionID string, err error) error {
	terr := o.sessions.Transition(ctx, sessionID, models.StatusError,
		models.StepInterpret, models.LogError, err.Error())
	if terr != nil {
		o.logger.Error("Failed to record interpret failure",
			"session_id", sessionID, "error", terr, "cause", err)
	}
	return err
}
