// Package runtime is the client side of the LLM agent runtime: an opaque
// service that executes a prompt with a configured tool set and yields tool
// calls and text. The core drives it through the Session interface
// (create / resume / send-and-wait / delete); framework tool calls come
// back through the dispatch callback, guarded by the pre-tool-use hook.
package runtime

import "context"

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Params map[string]any `json:"params"`
}

// ToolDefinition declares a custom framework tool to the runtime. Built-in
// runtime tools are named in the allowlist only.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// SessionSpec configures a new session.
type SessionSpec struct {
	// SystemPrompt is the interpolated role prompt.
	SystemPrompt string `json:"system_prompt"`
	// Model overrides the runtime default when non-empty.
	Model string `json:"model,omitempty"`
	// WorkingDir is the agent's worktree; runtime built-in tools operate
	// inside it.
	WorkingDir string `json:"working_dir,omitempty"`
	// AvailableTools is the allowlist: custom framework tool names plus
	// runtime built-in names, exactly as declared in the role frontmatter.
	AvailableTools []string `json:"available_tools"`
	// CustomTools carries the definitions for the custom entries in
	// AvailableTools so the runtime can dispatch them back.
	CustomTools []ToolDefinition `json:"custom_tools,omitempty"`
}

// Hooks are the framework callbacks a session invokes while a turn runs.
type Hooks struct {
	// PreToolUse runs before every tool call. A non-nil error denies the
	// call; the returned message is surfaced to the model.
	PreToolUse func(ctx context.Context, call ToolCall) error
	// Dispatch executes a custom framework tool call and returns its
	// result text.
	Dispatch func(ctx context.Context, call ToolCall) (string, error)
}

// TurnResult is the outcome of one send-and-wait round trip.
type TurnResult struct {
	// Reply is the model's final text for the turn.
	Reply string
	// ToolCalls is how many tool calls the turn executed.
	ToolCalls int
}

// Session is one live conversation. Exactly one goroutine may call
// SendAndWait at a time; the owning agent task holds the handle.
type Session interface {
	// ID is the opaque handle persisted on the agent record for resume.
	ID() string
	// SendAndWait delivers a prompt and blocks until the turn finishes,
	// dispatching tool calls through the hooks as they arrive.
	SendAndWait(ctx context.Context, prompt string) (*TurnResult, error)
	// Delete destroys the session on the runtime. Idempotent.
	Delete(ctx context.Context) error
}

// Runtime creates and resumes sessions.
type Runtime interface {
	Create(ctx context.Context, spec SessionSpec, hooks Hooks) (Session, error)
	Resume(ctx context.Context, sessionID string, spec SessionSpec, hooks Hooks) (Session, error)
}
