package e2e

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// ScriptedLLM is an OpenAI-compatible chat-completions endpoint serving
// canned decisions, so the real llm.Client runs against it unchanged.
// Requests are routed on their system prompt: tool-choice rounds return
// the scripted interpretation, classification rounds the scripted label,
// summary rounds the scripted summary, and anything else the scripted
// confirmation question.
type ScriptedLLM struct {
	srv *httptest.Server

	mu        sync.Mutex
	decision  Decision
	intent    string
	summary   string
	confirmQ  string
	rounds    []string
	lastTools []string
}

// Decision is one scripted interpretation outcome: either direct content
// or proposed tool calls with an optional confirmation question.
type Decision struct {
	Content     string
	ConfirmText string
	Calls       []ProposedCall
}

// ProposedCall is one scripted tool-call proposal. Args is the raw JSON
// argument string exactly as a model would emit it.
type ProposedCall struct {
	Tool string
	Args string
}

// NewScriptedLLM starts the endpoint; it is torn down with the test.
func NewScriptedLLM(t *testing.T) *ScriptedLLM {
	t.Helper()
	s := &ScriptedLLM{intent: "ambiguous"}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

// URL is the base URL for llm.Config.BaseURL.
func (s *ScriptedLLM) URL() string { return s.srv.URL }

// Decide scripts the next interpretation outcome.
func (s *ScriptedLLM) Decide(d Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decision = d
}

// ClassifyAs scripts the confirmation-reply label.
func (s *ScriptedLLM) ClassifyAs(label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intent = label
}

// SummarizeAs scripts the tool-output summary.
func (s *ScriptedLLM) SummarizeAs(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary = text
}

// ConfirmQuestion scripts the synthesized confirmation question used when
// a decision carries tool calls without its own ConfirmText.
func (s *ScriptedLLM) ConfirmQuestion(q string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmQ = q
}

// Rounds lists the request kinds served so far, in order.
func (s *ScriptedLLM) Rounds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.rounds...)
}

// AdvertisedTools lists the tool names offered on the most recent
// interpretation round.
func (s *ScriptedLLM) AdvertisedTools() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lastTools...)
}

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	Tools []struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	} `json:"tools"`
}

type chatToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []chatToolCall `json:"tool_calls,omitempty"`
}

func (s *ScriptedLLM) handle(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	system := ""
	if len(req.Messages) > 0 && req.Messages[0].Role == "system" {
		system = req.Messages[0].Content
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case strings.Contains(system, "routing brain"):
		s.rounds = append(s.rounds, "interpret")
		s.lastTools = s.lastTools[:0]
		for _, tl := range req.Tools {
			s.lastTools = append(s.lastTools, tl.Function.Name)
		}
		writeCompletion(w, req.Model, s.decision.message())
	case strings.Contains(system, "exactly one word"):
		s.rounds = append(s.rounds, "classify")
		writeCompletion(w, req.Model, chatMessage{Role: "assistant", Content: s.intent})
	case strings.Contains(system, "Summarize the tool output"):
		s.rounds = append(s.rounds, "summarize")
		writeCompletion(w, req.Model, chatMessage{Role: "assistant", Content: s.summary})
	default:
		s.rounds = append(s.rounds, "synthesize")
		writeCompletion(w, req.Model, chatMessage{Role: "assistant", Content: s.confirmQ})
	}
}

// message renders the decision in the wire shape the client parses:
// content next to tool_calls becomes the confirmation question.
func (d Decision) message() chatMessage {
	msg := chatMessage{Role: "assistant", Content: d.Content}
	if len(d.Calls) > 0 {
		msg.Content = d.ConfirmText
	}
	for i, call := range d.Calls {
		tc := chatToolCall{ID: "call_" + string(rune('a'+i)), Type: "function"}
		tc.Function.Name = call.Tool
		tc.Function.Arguments = call.Args
		msg.ToolCalls = append(msg.ToolCalls, tc)
	}
	return msg
}

func writeCompletion(w http.ResponseWriter, model string, msg chatMessage) {
	reason := "stop"
	if len(msg.ToolCalls) > 0 {
		reason = "tool_calls"
	}
	resp := map[string]any{
		"id":      "chatcmpl-scripted",
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       msg,
			"finish_reason": reason,
		}},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
