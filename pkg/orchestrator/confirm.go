package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/toolgate/toolgate/pkg/llm"
	"github.com/toolgate/toolgate/pkg/models"
	"github.com/toolgate/toolgate/pkg/services"
)

// cancelledReply is the user-facing line after a rejection or an
// unreadable confirmation reply.
const cancelledReply = "Okay, I won't run that. Please tell me again what you'd like me to do."

// Keyword whitelists checked before any model round-trip. Matching is
// exact after lowercasing, trimming space, and stripping trailing
// punctuation.
var (
	confirmWords = map[string]bool{
		"yes": true, "y": true, "ok": true, "okay": true, "sure": true,
		"confirm": true, "go ahead": true, "do it": true, "proceed": true,
		"yes please": true, "确认": true, "好的": true, "是的": true,
	}
	rejectWords = map[string]bool{
		"no": true, "n": true, "cancel": true, "stop": true, "abort": true,
		"reject": true, "don't": true, "不要": true, "取消": true, "算了": true,
	}
)

// Confirm resolves a parked confirmation: rejection cancels the session,
// agreement executes the pending tool calls. It never returns a Go error;
// failures come back embedded so the client always has something to
// render. The whole round is bounded by confirmTimeout.
func (o *Orchestrator) Confirm(ctx context.Context, req *models.ConfirmRequest) *models.ConfirmResponse {
	resp := &models.ConfirmResponse{SessionID: req.SessionID}
	if strings.TrimSpace(req.SessionID) == "" {
		resp.Error = models.NewErrorBody(classifyServiceError(
			services.NewValidationError("session_id", "must not be empty")))
		return resp
	}

	ctx, cancel := context.WithTimeout(ctx, confirmTimeout)
	defer cancel()
	logger := o.logger.With("session_id", req.SessionID)

	session, err := o.sessions.GetSession(ctx, req.SessionID)
	if err != nil {
		resp.Error = models.NewErrorBody(classifyServiceError(err))
		return resp
	}

	switch session.Status {
	case models.StatusWaitingConfirm:
		// The normal path, handled below.
	case models.StatusDone:
		// Repeated confirm: hand back the recorded outcome, execute nothing.
		payload, err := o.sessions.LatestExecution(ctx, req.SessionID)
		if err != nil {
			resp.Error = models.NewErrorBody(classifyServiceError(err))
			return resp
		}
		resp.Success = true
		resp.Content = payload.Summary
		resp.DetailedResults = payload.DetailedResults
		return resp
	default:
		resp.Error = models.NewErrorBody(classifyServiceError(services.NewValidationError(
			"session_id", fmt.Sprintf("session is %s; nothing awaits confirmation", session.Status))))
		return resp
	}

	intent := o.classifyReply(ctx, req.UserInput)
	logger.Info("Confirmation reply classified", "intent", intent)

	if intent != llm.IntentConfirm {
		note := fmt.Sprintf("user input %q read as %s", req.UserInput, intent)
		if err := o.sessions.Transition(ctx, req.SessionID, models.StatusCancelled,
			models.StepCancel, models.LogInfo, note); err != nil {
			resp.Error = models.NewErrorBody(classifyServiceError(err))
			return resp
		}
		resp.Success = true
		resp.Content = cancelledReply
		return resp
	}

	payload, err := o.sessions.PendingTools(ctx, req.SessionID)
	if err != nil {
		resp.Error = models.NewErrorBody(o.failExecution(ctx, req.SessionID, classifyServiceError(err)))
		return resp
	}
	if err := o.sessions.BeginExecution(ctx, req.SessionID,
		fmt.Sprintf("user confirmed: %s", strings.TrimSpace(req.UserInput))); err != nil {
		// A concurrent confirm won the transition; leave its state alone.
		resp.Error = models.NewErrorBody(classifyServiceError(err))
		return resp
	}

	outcomes, summaries, failures := o.runPending(ctx, payload)
	if len(failures) > 0 {
		joined := joinErrors(failures)
		if terr := o.sessions.Transition(ctx, req.SessionID, models.StatusError,
			models.StepExecute, models.LogError, joined); terr != nil {
			logger.Error("Failed to record execution failure", "error", terr)
		}
		body := models.NewErrorBody(failures[0])
		if len(failures) > 1 {
			body.Message = joined
		}
		resp.Error = body
		resp.DetailedResults = outcomes
		return resp
	}

	content := strings.Join(summaries, "\n")
	if err := o.sessions.CompleteExecution(ctx, req.SessionID, &models.ExecutionPayload{
		Summary:         content,
		DetailedResults: outcomes,
	}); err != nil {
		resp.Error = models.NewErrorBody(classifyServiceError(err))
		return resp
	}

	logger.Info("Confirm-execute round finished", "tool_calls", len(outcomes))
	resp.Success = true
	resp.Content = content
	resp.DetailedResults = outcomes
	return resp
}

// classifyReply reads the user's confirmation reply: keyword whitelists
// first, then the model. Classification failures count as ambiguous so
// the user gets re-asked instead of an error page.
func (o *Orchestrator) classifyReply(ctx context.Context, input string) llm.Intent {
	normalized := strings.ToLower(strings.TrimSpace(input))
	normalized = strings.TrimRight(normalized, ".!?,;:\"'。！？，")
	if confirmWords[normalized] {
		return llm.IntentConfirm
	}
	if rejectWords[normalized] {
		return llm.IntentReject
	}

	intent, err := o.llm.ClassifyIntent(ctx, input)
	if err != nil {
		o.logger.Warn("Intent classification failed, treating as ambiguous", "error", err)
		return llm.IntentAmbiguous
	}
	return intent
}

// runPending executes the parked tool calls in order, collecting every
// outcome rather than stopping at the first failure.
func (o *Orchestrator) runPending(ctx context.Context, payload *models.PendingToolsPayload) ([]models.ToolOutcome, []string, []error) {
	var (
		outcomes  []models.ToolOutcome
		summaries []string
		failures  []error
	)
	for _, call := range payload.ToolCalls {
		params := json.RawMessage("{}")
		if len(call.Parameters) > 0 {
			encoded, err := json.Marshal(call.Parameters)
			if err != nil {
				failures = append(failures, fmt.Errorf("%s: %w", call.ToolID, err))
				outcomes = append(outcomes, models.ToolOutcome{ToolID: call.ToolID, Error: err.Error()})
				continue
			}
			params = encoded
		}

		res, err := o.runner.Execute(ctx, call.ToolID, params, "")
		if err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", call.ToolID, err))
			outcomes = append(outcomes, models.ToolOutcome{ToolID: call.ToolID, Error: err.Error()})
			continue
		}
		outcomes = append(outcomes, models.ToolOutcome{
			ToolID:  res.ToolID,
			Server:  res.Server,
			Success: true,
			Data:    res.Raw,
		})
		summaries = append(summaries, res.Summary)
	}
	return outcomes, summaries, failures
}

// failExecution mirrors failInterpret for the execution phase.
func (o *Orchestrator) failExecution(ctx context.Context, sessionID string, err error) error {
	terr := o.sessions.Transition(ctx, sessionID, models.StatusError,
		models.StepExecute, models.LogError, err.Error())
	if terr != nil {
		o.logger.Error("Failed to record execution failure",
			"session_id", sessionID, "error", terr, "cause", err)
	}
	return err
}

func joinErrors(errs []error) string {
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}
