package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/squadron-dev/squadron/pkg/models"
)

// ReplacePRRequirements atomically swaps the review requirements for a PR.
func (r *Registry) ReplacePRRequirements(ctx context.Context, prNumber int, reqs []models.PRRequirement) error {
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM pr_requirements WHERE pr_number = ?`, prNumber); err != nil {
			return fmt.Errorf("clear requirements for pr %d: %w", prNumber, err)
		}
		for _, req := range reqs {
			req.PRNumber = prNumber
			if req.RequiredCount <= 0 {
				req.RequiredCount = 1
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO pr_requirements (pr_number, role, required_count) VALUES (?, ?, ?)`,
				req.PRNumber, req.Role, req.RequiredCount); err != nil {
				return fmt.Errorf("insert requirement %s for pr %d: %w", req.Role, prNumber, err)
			}
		}
		return nil
	})
}

// GetPRRequirements returns the review requirements declared for a PR.
func (r *Registry) GetPRRequirements(ctx context.Context, prNumber int) ([]models.PRRequirement, error) {
	var reqs []models.PRRequirement
	err := r.db.SelectContext(ctx, &reqs,
		`SELECT * FROM pr_requirements WHERE pr_number = ? ORDER BY role ASC`, prNumber)
	if err != nil {
		return nil, fmt.Errorf("get requirements for pr %d: %w", prNumber, err)
	}
	return reqs, nil
}

// RecordApproval upserts a review outcome for (pr, role, agent). A fresh
// record always starts non-stale.
func (r *Registry) RecordApproval(ctx context.Context, prNumber int, role, agentID string, state models.ApprovalState) error {
	ts := now()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pr_approvals (pr_number, role, agent_id, state, stale, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (pr_number, role, agent_id) DO UPDATE SET
			state = excluded.state, stale = 0, updated_at = excluded.updated_at`,
		prNumber, role, agentID, state, ts, ts)
	if err != nil {
		return fmt.Errorf("record %s by %s on pr %d: %w", state, role, prNumber, err)
	}
	return nil
}

// InvalidateApprovals marks every approval row for the PR stale. Rows are
// retained for audit; merge-readiness ignores them until re-recorded.
func (r *Registry) InvalidateApprovals(ctx context.Context, prNumber int) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE pr_approvals SET stale = 1, updated_at = ? WHERE pr_number = ? AND stale = 0`,
		now(), prNumber)
	if err != nil {
		return 0, fmt.Errorf("invalidate approvals for pr %d: %w", prNumber, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListApprovals returns every approval row for the PR, stale included.
func (r *Registry) ListApprovals(ctx context.Context, prNumber int) ([]*models.PRApproval, error) {
	var rows []*models.PRApproval
	err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM pr_approvals WHERE pr_number = ? ORDER BY id ASC`, prNumber)
	if err != nil {
		return nil, fmt.Errorf("list approvals for pr %d: %w", prNumber, err)
	}
	return rows, nil
}

// CheckPRMergeReady reports whether every requirement is met by non-stale
// approvals and no non-stale changes_requested outcome stands.
func (r *Registry) CheckPRMergeReady(ctx context.Context, prNumber int) (bool, error) {
	var blocked int
	err := r.db.GetContext(ctx, &blocked,
		`SELECT COUNT(*) FROM pr_approvals WHERE pr_number = ? AND stale = 0 AND state = ?`,
		prNumber, models.ApprovalStateChangesRequested)
	if err != nil {
		return false, fmt.Errorf("check changes_requested for pr %d: %w", prNumber, err)
	}
	if blocked > 0 {
		return false, nil
	}

	reqs, err := r.GetPRRequirements(ctx, prNumber)
	if err != nil {
		return false, err
	}
	for _, req := range reqs {
		var got int
		err := r.db.GetContext(ctx, &got,
			`SELECT COUNT(*) FROM pr_approvals WHERE pr_number = ? AND role = ? AND stale = 0 AND state = ?`,
			prNumber, req.Role, models.ApprovalStateApproved)
		if err != nil {
			return false, fmt.Errorf("count approvals for pr %d role %s: %w", prNumber, req.Role, err)
		}
		if got < req.RequiredCount {
			return false, nil
		}
	}
	return true, nil
}

// SetPRSequence installs (or resets) the ordered review chain for a PR.
func (r *Registry) SetPRSequence(ctx context.Context, prNumber int, roles []string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pr_sequence_state (pr_number, roles, current_index)
		VALUES (?, ?, 0)
		ON CONFLICT (pr_number) DO UPDATE SET roles = excluded.roles, current_index = 0`,
		prNumber, models.StringSlice(roles))
	if err != nil {
		return fmt.Errorf("set sequence for pr %d: %w", prNumber, err)
	}
	return nil
}

// GetPRSequence loads the review chain state for a PR.
func (r *Registry) GetPRSequence(ctx context.Context, prNumber int) (*models.PRSequenceState, error) {
	var seq models.PRSequenceState
	err := r.db.GetContext(ctx, &seq,
		`SELECT * FROM pr_sequence_state WHERE pr_number = ?`, prNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sequence for pr %d: %w", prNumber, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get sequence for pr %d: %w", prNumber, err)
	}
	return &seq, nil
}

// AdvancePRSequence moves the chain to the next role and returns it, or
// ("", false) when the chain is exhausted.
func (r *Registry) AdvancePRSequence(ctx context.Context, prNumber int) (string, bool, error) {
	var nextRole string
	var more bool
	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		var seq models.PRSequenceState
		if err := tx.GetContext(ctx, &seq,
			`SELECT * FROM pr_sequence_state WHERE pr_number = ?`, prNumber); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("sequence for pr %d: %w", prNumber, ErrNotFound)
			}
			return fmt.Errorf("load sequence for pr %d: %w", prNumber, err)
		}
		seq.CurrentIndex++
		if _, err := tx.ExecContext(ctx,
			`UPDATE pr_sequence_state SET current_index = ? WHERE pr_number = ?`,
			seq.CurrentIndex, prNumber); err != nil {
			return fmt.Errorf("advance sequence for pr %d: %w", prNumber, err)
		}
		if seq.CurrentIndex < len(seq.Roles) {
			nextRole = seq.Roles[seq.CurrentIndex]
			more = true
		}
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return nextRole, more, nil
}

// AddPRAssociation links a run to a PR it has touched. Re-adding is a no-op.
func (r *Registry) AddPRAssociation(ctx context.Context, runID string, prNumber int) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pr_associations (run_id, pr_number) VALUES (?, ?)
		ON CONFLICT (run_id, pr_number) DO NOTHING`, runID, prNumber)
	if err != nil {
		return fmt.Errorf("associate run %q with pr %d: %w", runID, prNumber, err)
	}
	return nil
}

// GetPRAssociations returns the PRs a run has touched.
func (r *Registry) GetPRAssociations(ctx context.Context, runID string) ([]int, error) {
	var prs []int
	err := r.db.SelectContext(ctx, &prs,
		`SELECT pr_number FROM pr_associations WHERE run_id = ? ORDER BY pr_number ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("get pr associations for run %q: %w", runID, err)
	}
	return prs, nil
}

// GetRunsForPR returns runs associated with the PR (multi-pr scope).
func (r *Registry) GetRunsForPR(ctx context.Context, prNumber int) ([]string, error) {
	var runIDs []string
	err := r.db.SelectContext(ctx, &runIDs,
		`SELECT run_id FROM pr_associations WHERE pr_number = ? ORDER BY run_id ASC`, prNumber)
	if err != nil {
		return nil, fmt.Errorf("get runs for pr %d: %w", prNumber, err)
	}
	return runIDs, nil
}
