package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/toolgate/toolgate/pkg/models"
	"github.com/toolgate/toolgate/pkg/services"
)

// Execute runs one tool directly, bypassing interpretation and
// confirmation. The session still tracks the run: executing on entry,
// done or error on exit. Like Confirm, failures come back embedded.
func (o *Orchestrator) Execute(ctx context.Context, req *models.ExecuteRequest) *models.ExecuteResponse {
	resp := &models.ExecuteResponse{ToolID: req.ToolID}
	if strings.TrimSpace(req.ToolID) == "" {
		resp.Error = models.NewErrorBody(classifyServiceError(
			services.NewValidationError("tool_id", "must not be empty")))
		return resp
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	resp.SessionID = sessionID

	if _, err := o.sessions.CreateSession(ctx, sessionID, req.UserID.String()); err != nil {
		resp.Error = models.NewErrorBody(classifyServiceError(err))
		return resp
	}
	if err := o.sessions.Transition(ctx, sessionID, models.StatusExecuting,
		models.StepExecute, models.LogInfo, fmt.Sprintf("direct execution of %s", req.ToolID)); err != nil {
		resp.Error = models.NewErrorBody(classifyServiceError(err))
		return resp
	}

	params := json.RawMessage("{}")
	if len(req.Params) > 0 {
		encoded, err := json.Marshal(req.Params)
		if err != nil {
			resp.Error = models.NewErrorBody(o.failExecution(ctx, sessionID, err))
			return resp
		}
		params = encoded
	}

	res, err := o.runner.Execute(ctx, req.ToolID, params, req.Server)
	if err != nil {
		resp.Error = models.NewErrorBody(o.failExecution(ctx, sessionID, err))
		return resp
	}

	if err := o.sessions.CompleteExecution(ctx, sessionID, &models.ExecutionPayload{
		Summary: res.Summary,
		DetailedResults: []models.ToolOutcome{
			{ToolID: res.ToolID, Server: res.Server, Success: true, Data: res.Raw},
		},
	}); err != nil {
		resp.Error = models.NewErrorBody(classifyServiceError(err))
		return resp
	}

	resp.Success = true
	resp.Data = res.Raw
	return resp
}
