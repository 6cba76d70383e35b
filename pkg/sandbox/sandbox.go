// Package sandbox defines the isolation boundary around agent execution.
// The core spawns and talks to agents only through Manager, so deployments
// can substitute container- or VM-backed isolation without touching the
// orchestrator. The default manager is a pass-through.
package sandbox

import (
	"context"
	"log/slog"
	"sync"
)

// Decision is the outcome of a tool-call authorization check.
type Decision int

const (
	// Allow lets the tool call proceed.
	Allow Decision = iota
	// Deny rejects the tool call; the denial reason is surfaced to the
	// agent as a tool error.
	Deny
)

// TaskSpec describes the agent task being wrapped.
type TaskSpec struct {
	AgentID    string
	Role       string
	WorkingDir string
	Model      string
}

// CleanupFunc tears down whatever WrapAgentTask set up.
type CleanupFunc func(ctx context.Context) error

// Manager is the sandbox surface the agent manager calls. Implementations
// must tolerate concurrent calls for distinct agents.
type Manager interface {
	// WrapAgentTask prepares isolation for an agent before its session is
	// created and returns a cleanup to run when the agent terminates.
	WrapAgentTask(ctx context.Context, spec TaskSpec) (CleanupFunc, error)
	// AuthorizeToolCall verdicts a single tool call. token identifies the
	// calling agent's capability grant.
	AuthorizeToolCall(ctx context.Context, agentID, token, tool string, params map[string]any) (Decision, string)
	// PreserveForensics marks the agent's working state for retention so
	// cleanup keeps the worktree for inspection.
	PreserveForensics(ctx context.Context, agentID, reason string) error
}

// Passthrough is the default Manager: no isolation, every call allowed.
// Forensics preservation is recorded so worktree cleanup can honor it.
type Passthrough struct {
	mu        sync.Mutex
	logger    *slog.Logger
	preserved map[string]string
}

// NewPassthrough returns the default manager.
func NewPassthrough() *Passthrough {
	return &Passthrough{
		logger:    slog.With("component", "sandbox"),
		preserved: make(map[string]string),
	}
}

func (p *Passthrough) WrapAgentTask(_ context.Context, spec TaskSpec) (CleanupFunc, error) {
	p.logger.Debug("Agent task wrapped", "agent_id", spec.AgentID, "role", spec.Role)
	return func(context.Context) error { return nil }, nil
}

func (p *Passthrough) AuthorizeToolCall(context.Context, string, string, string, map[string]any) (Decision, string) {
	return Allow, ""
}

func (p *Passthrough) PreserveForensics(_ context.Context, agentID, reason string) error {
	p.mu.Lock()
	p.preserved[agentID] = reason
	p.mu.Unlock()
	p.logger.Info("Forensics preserved", "agent_id", agentID, "reason", reason)
	return nil
}

// Preserved reports whether forensics retention was requested for agentID.
func (p *Passthrough) Preserved(agentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.preserved[agentID]
	return ok
}

var _ Manager = (*Passthrough)(nil)
