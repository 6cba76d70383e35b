package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// HTTPRuntime speaks JSON over HTTP to a runner service:
//
//	POST   /v1/sessions                     create → {"session_id": ...}
//	POST   /v1/sessions/{id}/messages       send prompt or tool result
//	DELETE /v1/sessions/{id}                delete
//
// A turn is a loop: the runner answers each message with either a tool call
// to execute ({"type":"tool_call"}) or the final reply ({"type":"reply"}).
type HTTPRuntime struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPRuntime creates a runtime client for the runner at baseURL.
func NewHTTPRuntime(baseURL string) *HTTPRuntime {
	return &HTTPRuntime{
		baseURL: baseURL,
		// Turns block on model inference; the per-turn watchdog context is
		// the real bound, not the transport timeout.
		client: &http.Client{Timeout: 0},
		logger: slog.With("component", "runtime"),
	}
}

type createRequest struct {
	SessionSpec
	Resume string `json:"resume_session_id,omitempty"`
}

type createResponse struct {
	SessionID string `json:"session_id"`
}

// runnerMessage is one answer from the runner inside a turn.
type runnerMessage struct {
	Type     string   `json:"type"` // "tool_call" | "reply"
	ToolCall ToolCall `json:"tool_call,omitempty"`
	Reply    string   `json:"reply,omitempty"`
}

// turnMessage is one message the client sends inside a turn.
type turnMessage struct {
	Type       string `json:"type"` // "prompt" | "tool_result"
	Prompt     string `json:"prompt,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	Result     string `json:"result,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
}

func (r *HTTPRuntime) Create(ctx context.Context, spec SessionSpec, hooks Hooks) (Session, error) {
	return r.start(ctx, spec, hooks, "")
}

func (r *HTTPRuntime) Resume(ctx context.Context, sessionID string, spec SessionSpec, hooks Hooks) (Session, error) {
	return r.start(ctx, spec, hooks, sessionID)
}

func (r *HTTPRuntime) start(ctx context.Context, spec SessionSpec, hooks Hooks, resume string) (Session, error) {
	var resp createResponse
	err := r.post(ctx, "/v1/sessions", createRequest{SessionSpec: spec, Resume: resume}, &resp)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if resp.SessionID == "" {
		return nil, fmt.Errorf("create session: runner returned no session id")
	}
	return &httpSession{runtime: r, id: resp.SessionID, hooks: hooks}, nil
}

func (r *HTTPRuntime) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("runner answered %d: %s", resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type httpSession struct {
	runtime *HTTPRuntime
	id      string
	hooks   Hooks
}

func (s *httpSession) ID() string { return s.id }

func (s *httpSession) SendAndWait(ctx context.Context, prompt string) (*TurnResult, error) {
	msg := turnMessage{Type: "prompt", Prompt: prompt}
	result := &TurnResult{}
	for {
		var answer runnerMessage
		err := s.runtime.post(ctx, "/v1/sessions/"+s.id+"/messages", msg, &answer)
		if err != nil {
			return nil, fmt.Errorf("session %s: %w", s.id, err)
		}

		switch answer.Type {
		case "reply":
			result.Reply = answer.Reply
			return result, nil
		case "tool_call":
			result.ToolCalls++
			msg = s.executeTool(ctx, answer.ToolCall)
		default:
			return nil, fmt.Errorf("session %s: unexpected message type %q", s.id, answer.Type)
		}
	}
}

// executeTool runs the pre-tool-use hook and, for allowed calls, the
// framework dispatcher, and shapes the tool_result message for the runner.
func (s *httpSession) executeTool(ctx context.Context, call ToolCall) turnMessage {
	if s.hooks.PreToolUse != nil {
		if err := s.hooks.PreToolUse(ctx, call); err != nil {
			return turnMessage{
				Type: "tool_result", ToolCallID: call.ID,
				Result: err.Error(), IsError: true,
			}
		}
	}
	if s.hooks.Dispatch == nil {
		return turnMessage{
			Type: "tool_result", ToolCallID: call.ID,
			Result: fmt.Sprintf("tool %q has no framework dispatcher", call.Name), IsError: true,
		}
	}
	out, err := s.hooks.Dispatch(ctx, call)
	if err != nil {
		return turnMessage{
			Type: "tool_result", ToolCallID: call.ID,
			Result: err.Error(), IsError: true,
		}
	}
	return turnMessage{Type: "tool_result", ToolCallID: call.ID, Result: out}
}

func (s *httpSession) Delete(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		s.runtime.baseURL+"/v1/sessions/"+s.id, nil)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	resp, err := s.runtime.client.Do(req.WithContext(ctx))
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete session %s: runner answered %d", s.id, resp.StatusCode)
	}
	return nil
}

var _ Runtime = (*HTTPRuntime)(nil)
