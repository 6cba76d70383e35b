package registry

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/squadron-dev/squadron/pkg/models"
)

// maxBlockerDepth bounds the cycle-detection walk. Chains this deep are a
// configuration problem, not a working dependency graph.
const maxBlockerDepth = 64

// AddBlocker records that the agent is blocked by the given issue. The edge
// is rejected with ErrCycleDetected — and the store left unchanged — when it
// would close a cycle in the graph {agent → blocking issues → live agents of
// those issues}. Adding an edge that is already present is a no-op.
func (r *Registry) AddBlocker(ctx context.Context, agentID string, blockerIssue int) error {
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		var live []*models.AgentRecord
		if err := tx.SelectContext(ctx, &live,
			`SELECT * FROM agents WHERE status NOT IN `+terminalStatuses); err != nil {
			return fmt.Errorf("load blocker graph: %w", err)
		}

		var target *models.AgentRecord
		for _, rec := range live {
			if rec.AgentID == agentID {
				target = rec
				break
			}
		}
		if target == nil {
			return fmt.Errorf("agent %q: %w", agentID, ErrNotFound)
		}
		if target.BlockedBy.Contains(blockerIssue) {
			return nil
		}
		if reachesAgent(live, blockerIssue, target.AgentID) {
			return fmt.Errorf("agent %q blocked by issue %d: %w", agentID, blockerIssue, ErrCycleDetected)
		}

		target.BlockedBy = target.BlockedBy.With(blockerIssue)
		if _, err := tx.ExecContext(ctx,
			`UPDATE agents SET blocked_by = ?, updated_at = ? WHERE agent_id = ?`,
			target.BlockedBy, now(), agentID); err != nil {
			return fmt.Errorf("update blockers for agent %q: %w", agentID, err)
		}
		return nil
	})
}

// ResolveBlocker removes the issue from every agent's blocked_by set and
// returns the affected records in their updated form.
func (r *Registry) ResolveBlocker(ctx context.Context, issueNumber int) ([]*models.AgentRecord, error) {
	var affected []*models.AgentRecord
	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		var recs []*models.AgentRecord
		if err := tx.SelectContext(ctx, &recs,
			`SELECT * FROM agents WHERE blocked_by != '[]' AND status NOT IN `+terminalStatuses); err != nil {
			return fmt.Errorf("load blocked agents: %w", err)
		}
		ts := now()
		for _, rec := range recs {
			if !rec.BlockedBy.Contains(issueNumber) {
				continue
			}
			rec.BlockedBy = rec.BlockedBy.Without(issueNumber)
			rec.UpdatedAt = ts
			if _, err := tx.ExecContext(ctx,
				`UPDATE agents SET blocked_by = ?, updated_at = ? WHERE agent_id = ?`,
				rec.BlockedBy, ts, rec.AgentID); err != nil {
				return fmt.Errorf("update blockers for agent %q: %w", rec.AgentID, err)
			}
			affected = append(affected, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return affected, nil
}

// reachesAgent walks the blocker graph from startIssue and reports whether
// it reaches the named agent. Visited issues are memoized; the walk is
// depth-bounded.
func reachesAgent(live []*models.AgentRecord, startIssue int, agentID string) bool {
	agentsByIssue := make(map[int][]*models.AgentRecord, len(live))
	for _, rec := range live {
		if rec.IssueNumber != nil {
			agentsByIssue[*rec.IssueNumber] = append(agentsByIssue[*rec.IssueNumber], rec)
		}
	}

	visited := make(map[int]bool)
	var visit func(issue, depth int) bool
	visit = func(issue, depth int) bool {
		if depth > maxBlockerDepth || visited[issue] {
			return false
		}
		visited[issue] = true
		for _, rec := range agentsByIssue[issue] {
			if rec.AgentID == agentID {
				return true
			}
			for _, next := range rec.BlockedBy {
				if visit(next, depth+1) {
					return true
				}
			}
		}
		return false
	}
	return visit(startIssue, 0)
}
