// Package models defines the persisted domain records shared across the
// squadron orchestration core: agent records, pipeline and stage runs,
// gate checks, per-PR review state, and activity entries.
package models

import "time"

// AgentStatus represents the lifecycle state of an agent record.
type AgentStatus string

const (
	AgentStatusCreated   AgentStatus = "created"
	AgentStatusActive    AgentStatus = "active"
	AgentStatusSleeping  AgentStatus = "sleeping"
	AgentStatusCompleted AgentStatus = "completed"
	AgentStatusEscalated AgentStatus = "escalated"
	AgentStatusFailed    AgentStatus = "failed"
	AgentStatusCancelled AgentStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s AgentStatus) IsTerminal() bool {
	switch s {
	case AgentStatusCompleted, AgentStatusEscalated, AgentStatusFailed, AgentStatusCancelled:
		return true
	}
	return false
}

// AgentRecord is the durable state of one agent instance.
//
// Invariants enforced by the registry:
//   - ActiveSince is set iff Status == active; SleepingSince iff sleeping.
//   - At most one non-terminal record exists per (role, issue_number).
//   - The cross-agent blocker graph is acyclic.
type AgentRecord struct {
	AgentID        string      `db:"agent_id" json:"agent_id"`
	Role           string      `db:"role" json:"role"`
	IssueNumber    *int        `db:"issue_number" json:"issue_number,omitempty"`
	PRNumber       *int        `db:"pr_number" json:"pr_number,omitempty"`
	SessionID      *string     `db:"session_id" json:"session_id,omitempty"`
	Branch         *string     `db:"branch" json:"branch,omitempty"`
	WorktreePath   *string     `db:"worktree_path" json:"worktree_path,omitempty"`
	Status         AgentStatus `db:"status" json:"status"`
	BlockedBy      IntSet      `db:"blocked_by" json:"blocked_by"`
	IterationCount int         `db:"iteration_count" json:"iteration_count"`
	ToolCallCount  int         `db:"tool_call_count" json:"tool_call_count"`
	TurnCount      int         `db:"turn_count" json:"turn_count"`
	CreatedAt      time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time   `db:"updated_at" json:"updated_at"`
	ActiveSince    *time.Time  `db:"active_since" json:"active_since,omitempty"`
	SleepingSince  *time.Time  `db:"sleeping_since" json:"sleeping_since,omitempty"`
}

// IsBlocked reports whether the agent is waiting on at least one issue.
func (a *AgentRecord) IsBlocked() bool {
	return len(a.BlockedBy) > 0
}

// Provenance identifies where an inbound mail message originated.
type Provenance string

const (
	ProvenanceIssueComment Provenance = "issue_comment"
	ProvenancePRComment    Provenance = "pr_comment"
)

// MailMessage is one inbound @mention or command payload queued for an
// agent. Messages are drained into the next prompt exactly once and then
// discarded; they are never persisted.
type MailMessage struct {
	Sender      string     `json:"sender"`
	Body        string     `json:"body"`
	Provenance  Provenance `json:"provenance"`
	IssueNumber int        `json:"issue_number,omitempty"`
	PRNumber    int        `json:"pr_number,omitempty"`
	CommentID   int64      `json:"comment_id,omitempty"`
	ReceivedAt  time.Time  `json:"received_at"`
}
