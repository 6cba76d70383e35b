package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/squadron-dev/squadron/pkg/models"
)

// terminalStatuses is interpolated into queries that must distinguish live
// records from retained audit records. Keep in sync with
// models.AgentStatus.IsTerminal.
const terminalStatuses = `('completed', 'escalated', 'failed', 'cancelled')`

const insertAgentSQL = `
INSERT INTO agents (
    agent_id, role, issue_number, pr_number, session_id, branch, worktree_path,
    status, blocked_by, iteration_count, tool_call_count, turn_count,
    created_at, updated_at, active_since, sleeping_since
) VALUES (
    :agent_id, :role, :issue_number, :pr_number, :session_id, :branch, :worktree_path,
    :status, :blocked_by, :iteration_count, :tool_call_count, :turn_count,
    :created_at, :updated_at, :active_since, :sleeping_since
)`

const updateAgentSQL = `
UPDATE agents SET
    role = :role, issue_number = :issue_number, pr_number = :pr_number,
    session_id = :session_id, branch = :branch, worktree_path = :worktree_path,
    status = :status, blocked_by = :blocked_by,
    iteration_count = :iteration_count, tool_call_count = :tool_call_count,
    turn_count = :turn_count, updated_at = :updated_at,
    active_since = :active_since, sleeping_since = :sleeping_since
WHERE agent_id = :agent_id`

// CreateAgent inserts a new agent record. Returns ErrAlreadyExists when a
// record with the same agent_id exists, or when a non-terminal record for
// the same (role, issue_number) exists. Use ReplaceAgent to knowingly
// replace a terminal record.
func (r *Registry) CreateAgent(ctx context.Context, rec *models.AgentRecord) error {
	if rec.AgentID == "" {
		return fmt.Errorf("create agent: agent_id is required")
	}
	ts := now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = ts
	}
	rec.UpdatedAt = ts
	if rec.Status == "" {
		rec.Status = models.AgentStatusCreated
	}
	normalizeStatusTimestamps(rec, ts)

	if _, err := r.db.NamedExecContext(ctx, insertAgentSQL, rec); err != nil {
		if isConstraintErr(err) {
			return fmt.Errorf("agent %q: %w", rec.AgentID, ErrAlreadyExists)
		}
		return fmt.Errorf("create agent %q: %w", rec.AgentID, err)
	}
	return nil
}

// ReplaceAgent deletes a terminal record with the same agent_id (when one
// exists) and inserts rec in its place, in one transaction. A live record
// with the same id is never replaced.
func (r *Registry) ReplaceAgent(ctx context.Context, rec *models.AgentRecord) error {
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		var existing models.AgentRecord
		err := tx.GetContext(ctx, &existing, `SELECT * FROM agents WHERE agent_id = ?`, rec.AgentID)
		switch {
		case err == nil:
			if !existing.Status.IsTerminal() {
				return fmt.Errorf("agent %q is %s: %w", rec.AgentID, existing.Status, ErrAlreadyExists)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE agent_id = ?`, rec.AgentID); err != nil {
				return fmt.Errorf("delete terminal agent %q: %w", rec.AgentID, err)
			}
		case errors.Is(err, sql.ErrNoRows):
			// Nothing to replace.
		default:
			return fmt.Errorf("load agent %q: %w", rec.AgentID, err)
		}

		ts := now()
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = ts
		}
		rec.UpdatedAt = ts
		if rec.Status == "" {
			rec.Status = models.AgentStatusCreated
		}
		normalizeStatusTimestamps(rec, ts)

		if _, err := tx.NamedExecContext(ctx, insertAgentSQL, rec); err != nil {
			if isConstraintErr(err) {
				return fmt.Errorf("agent %q: %w", rec.AgentID, ErrAlreadyExists)
			}
			return fmt.Errorf("insert agent %q: %w", rec.AgentID, err)
		}
		return nil
	})
}

// GetAgent loads one record by id.
func (r *Registry) GetAgent(ctx context.Context, agentID string) (*models.AgentRecord, error) {
	var rec models.AgentRecord
	err := r.db.GetContext(ctx, &rec, `SELECT * FROM agents WHERE agent_id = ?`, agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %q: %w", agentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %q: %w", agentID, err)
	}
	return &rec, nil
}

// UpdateAgent writes the full record. The caller is responsible for keeping
// the status timestamps coherent; SetAgentStatus does that automatically.
func (r *Registry) UpdateAgent(ctx context.Context, rec *models.AgentRecord) error {
	rec.UpdatedAt = now()
	res, err := r.db.NamedExecContext(ctx, updateAgentSQL, rec)
	if err != nil {
		if isConstraintErr(err) {
			return fmt.Errorf("agent %q: %w", rec.AgentID, ErrAlreadyExists)
		}
		return fmt.Errorf("update agent %q: %w", rec.AgentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %q: %w", rec.AgentID, ErrNotFound)
	}
	return nil
}

// SetAgentStatus transitions an agent's status, maintaining the
// active_since / sleeping_since invariants, and returns the updated record.
func (r *Registry) SetAgentStatus(ctx context.Context, agentID string, status models.AgentStatus) (*models.AgentRecord, error) {
	var updated *models.AgentRecord
	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		var rec models.AgentRecord
		if err := tx.GetContext(ctx, &rec, `SELECT * FROM agents WHERE agent_id = ?`, agentID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("agent %q: %w", agentID, ErrNotFound)
			}
			return fmt.Errorf("load agent %q: %w", agentID, err)
		}
		ts := now()
		rec.Status = status
		rec.UpdatedAt = ts
		normalizeStatusTimestamps(&rec, ts)
		if _, err := tx.NamedExecContext(ctx, updateAgentSQL, &rec); err != nil {
			return fmt.Errorf("update agent %q: %w", agentID, err)
		}
		updated = &rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// UpdateAgentCounters persists the budget counters without touching the
// rest of the record.
func (r *Registry) UpdateAgentCounters(ctx context.Context, agentID string, iterations, toolCalls, turns int) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE agents SET iteration_count = ?, tool_call_count = ?, turn_count = ?, updated_at = ? WHERE agent_id = ?`,
		iterations, toolCalls, turns, now(), agentID)
	if err != nil {
		return fmt.Errorf("update counters for agent %q: %w", agentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %q: %w", agentID, ErrNotFound)
	}
	return nil
}

// GetAgentsByStatus returns all records in the given status, oldest first.
func (r *Registry) GetAgentsByStatus(ctx context.Context, status models.AgentStatus) ([]*models.AgentRecord, error) {
	var recs []*models.AgentRecord
	err := r.db.SelectContext(ctx, &recs,
		`SELECT * FROM agents WHERE status = ? ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("get agents by status %q: %w", status, err)
	}
	return recs, nil
}

// GetAgentsForIssue returns every record bound to the issue, all statuses.
func (r *Registry) GetAgentsForIssue(ctx context.Context, issueNumber int) ([]*models.AgentRecord, error) {
	var recs []*models.AgentRecord
	err := r.db.SelectContext(ctx, &recs,
		`SELECT * FROM agents WHERE issue_number = ? ORDER BY created_at ASC`, issueNumber)
	if err != nil {
		return nil, fmt.Errorf("get agents for issue %d: %w", issueNumber, err)
	}
	return recs, nil
}

// GetActiveAgents returns all records in status active.
func (r *Registry) GetActiveAgents(ctx context.Context) ([]*models.AgentRecord, error) {
	return r.GetAgentsByStatus(ctx, models.AgentStatusActive)
}

// ListAgents returns every record, newest first.
func (r *Registry) ListAgents(ctx context.Context) ([]*models.AgentRecord, error) {
	var recs []*models.AgentRecord
	err := r.db.SelectContext(ctx, &recs, `SELECT * FROM agents ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return recs, nil
}

// FindNonTerminal returns the live record for (role, issue), or ErrNotFound.
func (r *Registry) FindNonTerminal(ctx context.Context, role string, issueNumber int) (*models.AgentRecord, error) {
	var rec models.AgentRecord
	err := r.db.GetContext(ctx, &rec,
		`SELECT * FROM agents WHERE role = ? AND issue_number = ? AND status NOT IN `+terminalStatuses,
		role, issueNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("live agent for role %q issue %d: %w", role, issueNumber, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find live agent for role %q issue %d: %w", role, issueNumber, err)
	}
	return &rec, nil
}

// FindNonTerminalByPR returns the live record for (role, pr), or ErrNotFound.
func (r *Registry) FindNonTerminalByPR(ctx context.Context, role string, prNumber int) (*models.AgentRecord, error) {
	var rec models.AgentRecord
	err := r.db.GetContext(ctx, &rec,
		`SELECT * FROM agents WHERE role = ? AND pr_number = ? AND status NOT IN `+terminalStatuses,
		role, prNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("live agent for role %q pr %d: %w", role, prNumber, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find live agent for role %q pr %d: %w", role, prNumber, err)
	}
	return &rec, nil
}

// GetAgentsByPR returns live records bound to the PR.
func (r *Registry) GetAgentsByPR(ctx context.Context, prNumber int) ([]*models.AgentRecord, error) {
	var recs []*models.AgentRecord
	err := r.db.SelectContext(ctx, &recs,
		`SELECT * FROM agents WHERE pr_number = ? AND status NOT IN `+terminalStatuses+` ORDER BY created_at ASC`,
		prNumber)
	if err != nil {
		return nil, fmt.Errorf("get agents for pr %d: %w", prNumber, err)
	}
	return recs, nil
}

// CountNonTerminalByRole counts live records of one role, for singleton
// guards.
func (r *Registry) CountNonTerminalByRole(ctx context.Context, role string) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM agents WHERE role = ? AND status NOT IN `+terminalStatuses, role)
	if err != nil {
		return 0, fmt.Errorf("count live agents for role %q: %w", role, err)
	}
	return n, nil
}

// DeleteAgent removes a record outright. Used by the re-review path and
// terminal-record garbage collection.
func (r *Registry) DeleteAgent(ctx context.Context, agentID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM agents WHERE agent_id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("delete agent %q: %w", agentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %q: %w", agentID, ErrNotFound)
	}
	return nil
}

// PurgeTerminalAgents deletes terminal records last updated before cutoff
// and returns how many were removed.
func (r *Registry) PurgeTerminalAgents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM agents WHERE status IN `+terminalStatuses+` AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge terminal agents: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// normalizeStatusTimestamps keeps active_since / sleeping_since coherent
// with the record's status: each is set exactly while the agent is in the
// corresponding state.
func normalizeStatusTimestamps(rec *models.AgentRecord, ts time.Time) {
	switch rec.Status {
	case models.AgentStatusActive:
		if rec.ActiveSince == nil {
			t := ts
			rec.ActiveSince = &t
		}
		rec.SleepingSince = nil
	case models.AgentStatusSleeping:
		if rec.SleepingSince == nil {
			t := ts
			rec.SleepingSince = &t
		}
		rec.ActiveSince = nil
	default:
		rec.ActiveSince = nil
		rec.SleepingSince = nil
	}
}

func isConstraintErr(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}
