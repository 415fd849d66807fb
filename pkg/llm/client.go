package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/toolgate/toolgate/pkg/errkind"
	"github.com/toolgate/toolgate/pkg/metrics"
)

// maxRetries is the number of repeat attempts after a failed call, with
// linearly growing waits between them. Three requests total.
const maxRetries = 2

// retryBaseWait is the unit for the linear retry waits; tests shorten it.
var retryBaseWait = time.Second

// summarizeInputLimit bounds how much raw tool output is shipped to the
// model. Anything longer is truncated with a marker.
const summarizeInputLimit = 4000

// ToolDefinition describes one callable tool for the model's
// tool-choice. Parameters is the tool's JSON-Schema, forwarded verbatim.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ToolCallProposal is one tool invocation proposed by the model.
// Arguments is the raw JSON argument string exactly as produced; parsing
// and repair are the orchestrator's job.
type ToolCallProposal struct {
	ID        string
	ToolID    string
	Arguments string
}

// Interpretation is the model's decision for one query: either a direct
// answer or tool calls with an optional confirmation question.
type Interpretation struct {
	Content     string
	ToolCalls   []ToolCallProposal
	ConfirmText string
}

// Intent is the classification of a confirmation reply.
type Intent string

const (
	IntentConfirm   Intent = "confirm"
	IntentReject    Intent = "reject"
	IntentRestart   Intent = "restart"
	IntentAmbiguous Intent = "ambiguous"
)

// Client wraps an OpenAI-compatible chat-completions endpoint.
type Client struct {
	api     *openai.Client
	cfg     *Config
	metrics *metrics.Recorder
	logger  *slog.Logger
}

// New builds the client for the configured endpoint.
func New(cfg *Config, rec *metrics.Recorder, logger *slog.Logger) *Client {
	cc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		cc.BaseURL = cfg.BaseURL
	}
	cc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	return &Client{
		api:     openai.NewClientWithConfig(cc),
		cfg:     cfg,
		metrics: rec,
		logger:  logger.With("component", "llm", "model", cfg.Model),
	}
}

// Interpret asks the model what to do with a user query given the tool
// catalogue. Tool calls win over content; content sent alongside calls
// becomes the confirmation question.
func (c *Client) Interpret(ctx context.Context, query string, tools []ToolDefinition) (*Interpretation, error) {
	req := openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: interpretSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: query},
		},
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}
	if len(tools) > 0 {
		req.Tools = toOpenAITools(tools)
		req.ToolChoice = "auto"
	}

	msg, err := c.chat(ctx, req)
	if err != nil {
		return nil, err
	}

	interp := &Interpretation{Content: strings.TrimSpace(msg.Content)}
	for _, tc := range msg.ToolCalls {
		if tc.Type != openai.ToolTypeFunction {
			continue
		}
		interp.ToolCalls = append(interp.ToolCalls, ToolCallProposal{
			ID:        tc.ID,
			ToolID:    tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	if len(interp.ToolCalls) > 0 {
		interp.ConfirmText = interp.Content
		interp.Content = ""
	}
	return interp, nil
}

// ClassifyIntent labels a free-form confirmation reply. Unparseable
// model output maps to ambiguous rather than an error so the caller can
// re-ask the user.
func (c *Client) ClassifyIntent(ctx context.Context, input string) (Intent, error) {
	msg, err := c.chat(ctx, openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: classifySystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: input},
		},
		Temperature: 0,
		MaxTokens:   8,
	})
	if err != nil {
		return IntentAmbiguous, err
	}

	label := strings.ToLower(strings.TrimSpace(msg.Content))
	label = strings.Trim(label, ".!\"'")
	switch Intent(label) {
	case IntentConfirm, IntentReject, IntentRestart:
		return Intent(label), nil
	default:
		return IntentAmbiguous, nil
	}
}

// Summarize condenses raw tool output into the user-facing reply.
func (c *Client) Summarize(ctx context.Context, toolName, raw string) (string, error) {
	if len(raw) > summarizeInputLimit {
		raw = raw[:summarizeInputLimit] + "\n…(truncated)"
	}
	msg, err := c.chat(ctx, openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: summarizeSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("Tool: %s\nOutput:\n%s", toolName, raw)},
		},
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(msg.Content), nil
}

// SynthesizeConfirm produces the confirmation question when the model
// proposed tool calls without one, fed with the user's query and the key
// parameters extracted from the proposed arguments.
func (c *Client) SynthesizeConfirm(ctx context.Context, query string, keyParams map[string]string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "User request: %s\n", query)
	if len(keyParams) > 0 {
		b.WriteString("Key details:\n")
		for _, k := range sortedKeys(keyParams) {
			fmt.Fprintf(&b, "- %s: %s\n", k, keyParams[k])
		}
	}

	msg, err := c.chat(ctx, openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: synthesizeConfirmSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: b.String()},
		},
		Temperature: c.cfg.Temperature,
		MaxTokens:   128,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(msg.Content), nil
}

// chat sends one completion request with linear retry on failures.
// Context errors stop the retry loop immediately.
func (c *Client) chat(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionMessage, error) {
	done := c.metrics.Observe(metrics.OpLLMCall)
	msg, err := c.chatWithRetry(ctx, req)
	done(err == nil)
	return msg, err
}

func (c *Client) chatWithRetry(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionMessage, error) {
	var (
		resp    openai.ChatCompletionResponse
		lastErr error
	)
	for attempt := 0; attempt <= maxRetries; attempt++ {
		resp, lastErr = c.api.CreateChatCompletion(ctx, req)
		if lastErr == nil {
			break
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			break
		}
		if attempt < maxRetries {
			wait := time.Duration(attempt+1) * retryBaseWait
			c.logger.Warn("LLM call failed, retrying", "attempt", attempt+1, "wait", wait, "error", lastErr)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return openai.ChatCompletionMessage{}, errkind.Wrap(errkind.ConnectionTimeout, ctx.Err())
			}
		}
	}
	if lastErr != nil {
		return openai.ChatCompletionMessage{}, errkind.Wrap(errkind.Classify(lastErr),
			fmt.Errorf("LLM call failed after %d attempts: %w", maxRetries+1, lastErr))
	}
	if len(resp.Choices) == 0 {
		return openai.ChatCompletionMessage{}, errkind.Newf(errkind.InternalError, "LLM returned no choices")
	}
	return resp.Choices[0].Message, nil
}

func toOpenAITools(tools []ToolDefinition) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

// keyParamNames are the argument fields worth repeating back to the user
// in a confirmation question.
var keyParamNames = []string{
	"city", "date", "time", "query", "location", "topic",
	"name", "path", "url", "text", "id",
}

// KeyParams pulls the recognisable scalar fields out of parsed tool
// arguments for confirm-question synthesis.
func KeyParams(args map[string]any) map[string]string {
	if len(args) == 0 {
		return nil
	}
	out := make(map[string]string)
	for _, key := range keyParamNames {
		v, ok := args[key]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case string:
			if val != "" {
				out[key] = val
			}
		case float64, bool, json.Number:
			out[key] = fmt.Sprint(val)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
