package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/squadron-dev/squadron/pkg/models"
)

const insertRunSQL = `
INSERT INTO pipeline_runs (
    run_id, pipeline_name, definition_snapshot, trigger_delivery_id,
    issue_number, pr_number, scope, parent_run_id, parent_stage_id,
    nesting_depth, status, current_stage_id, context, error_message,
    created_at, updated_at, completed_at
) VALUES (
    :run_id, :pipeline_name, :definition_snapshot, :trigger_delivery_id,
    :issue_number, :pr_number, :scope, :parent_run_id, :parent_stage_id,
    :nesting_depth, :status, :current_stage_id, :context, :error_message,
    :created_at, :updated_at, :completed_at
)`

const updateRunSQL = `
UPDATE pipeline_runs SET
    status = :status, current_stage_id = :current_stage_id,
    context = :context, error_message = :error_message,
    issue_number = :issue_number, pr_number = :pr_number,
    updated_at = :updated_at, completed_at = :completed_at
WHERE run_id = :run_id`

// CreatePipelineRun inserts a new run row.
func (r *Registry) CreatePipelineRun(ctx context.Context, run *models.PipelineRun) error {
	ts := now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = ts
	}
	run.UpdatedAt = ts
	if run.Status == "" {
		run.Status = models.RunStatusPending
	}
	if run.Context == nil {
		run.Context = models.JSONMap{}
	}
	if _, err := r.db.NamedExecContext(ctx, insertRunSQL, run); err != nil {
		if isConstraintErr(err) {
			return fmt.Errorf("pipeline run %q: %w", run.RunID, ErrAlreadyExists)
		}
		return fmt.Errorf("create pipeline run %q: %w", run.RunID, err)
	}
	return nil
}

// GetPipelineRun loads one run by id.
func (r *Registry) GetPipelineRun(ctx context.Context, runID string) (*models.PipelineRun, error) {
	var run models.PipelineRun
	err := r.db.GetContext(ctx, &run, `SELECT * FROM pipeline_runs WHERE run_id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pipeline run %q: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline run %q: %w", runID, err)
	}
	return &run, nil
}

// UpdatePipelineRun writes the mutable run fields. Terminal statuses get a
// completion timestamp exactly once.
func (r *Registry) UpdatePipelineRun(ctx context.Context, run *models.PipelineRun) error {
	run.UpdatedAt = now()
	if run.Status.IsTerminal() && run.CompletedAt == nil {
		ts := run.UpdatedAt
		run.CompletedAt = &ts
	}
	res, err := r.db.NamedExecContext(ctx, updateRunSQL, run)
	if err != nil {
		return fmt.Errorf("update pipeline run %q: %w", run.RunID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pipeline run %q: %w", run.RunID, ErrNotFound)
	}
	return nil
}

// RunFilters narrows ListPipelineRuns.
type RunFilters struct {
	Status       models.RunStatus
	PipelineName string
	PRNumber     *int
	IssueNumber  *int
	Limit        int
	Offset       int
}

// ListPipelineRuns returns matching runs, newest first, plus the unpaginated
// total for the same filters.
func (r *Registry) ListPipelineRuns(ctx context.Context, f RunFilters) ([]*models.PipelineRun, int, error) {
	var conds []string
	var args []any
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.PipelineName != "" {
		conds = append(conds, "pipeline_name = ?")
		args = append(args, f.PipelineName)
	}
	if f.PRNumber != nil {
		conds = append(conds, "pr_number = ?")
		args = append(args, *f.PRNumber)
	}
	if f.IssueNumber != nil {
		conds = append(conds, "issue_number = ?")
		args = append(args, *f.IssueNumber)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM pipeline_runs`+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count pipeline runs: %w", err)
	}

	query := `SELECT * FROM pipeline_runs` + where + ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", f.Limit, f.Offset)
	}
	var runs []*models.PipelineRun
	if err := r.db.SelectContext(ctx, &runs, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list pipeline runs: %w", err)
	}
	return runs, total, nil
}

// ListRunsByStatus returns all runs in any of the given statuses.
func (r *Registry) ListRunsByStatus(ctx context.Context, statuses ...models.RunStatus) ([]*models.PipelineRun, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = s
	}
	var runs []*models.PipelineRun
	err := r.db.SelectContext(ctx, &runs,
		`SELECT * FROM pipeline_runs WHERE status IN (`+placeholders+`) ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs by status: %w", err)
	}
	return runs, nil
}

// FindActiveRun returns the pending/running/waiting run for the pipeline in
// the given scope key, or ErrNotFound. For single-pr scope the key is the
// PR; for issue scope, the issue.
func (r *Registry) FindActiveRun(ctx context.Context, pipelineName string, scope models.PipelineScope, issueNumber, prNumber *int) (*models.PipelineRun, error) {
	q := `SELECT * FROM pipeline_runs WHERE pipeline_name = ? AND status IN ('pending', 'running', 'waiting')`
	args := []any{pipelineName}
	switch scope {
	case models.ScopeSinglePR:
		if prNumber == nil {
			return nil, fmt.Errorf("active run lookup for %q: %w", pipelineName, ErrNotFound)
		}
		q += ` AND pr_number = ?`
		args = append(args, *prNumber)
	case models.ScopeIssue:
		if issueNumber == nil {
			return nil, fmt.Errorf("active run lookup for %q: %w", pipelineName, ErrNotFound)
		}
		q += ` AND issue_number = ?`
		args = append(args, *issueNumber)
	default:
		return nil, fmt.Errorf("active run lookup for %q scope %q: %w", pipelineName, scope, ErrNotFound)
	}

	var run models.PipelineRun
	err := r.db.GetContext(ctx, &run, q+` LIMIT 1`, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active run for %q: %w", pipelineName, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find active run for %q: %w", pipelineName, err)
	}
	return &run, nil
}

// GetChildRuns returns sub-pipeline runs started by the given parent run.
func (r *Registry) GetChildRuns(ctx context.Context, parentRunID string) ([]*models.PipelineRun, error) {
	var runs []*models.PipelineRun
	err := r.db.SelectContext(ctx, &runs,
		`SELECT * FROM pipeline_runs WHERE parent_run_id = ? ORDER BY created_at ASC`, parentRunID)
	if err != nil {
		return nil, fmt.Errorf("get child runs of %q: %w", parentRunID, err)
	}
	return runs, nil
}

// DeletePipelineRun removes a run. Stage runs, gate checks, human-stage
// state, PR associations, and child runs go with it via foreign keys.
func (r *Registry) DeletePipelineRun(ctx context.Context, runID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM pipeline_runs WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("delete pipeline run %q: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pipeline run %q: %w", runID, ErrNotFound)
	}
	return nil
}

const insertStageRunSQL = `
INSERT INTO stage_runs (
    run_id, stage_id, attempt_number, max_attempts, status, agent_id,
    branch_id, parent_stage_id, child_pipeline_run_id, outputs,
    error_message, started_at, completed_at
) VALUES (
    :run_id, :stage_id, :attempt_number, :max_attempts, :status, :agent_id,
    :branch_id, :parent_stage_id, :child_pipeline_run_id, :outputs,
    :error_message, :started_at, :completed_at
)`

const updateStageRunSQL = `
UPDATE stage_runs SET
    attempt_number = :attempt_number, status = :status, agent_id = :agent_id,
    child_pipeline_run_id = :child_pipeline_run_id, outputs = :outputs,
    error_message = :error_message, completed_at = :completed_at
WHERE id = :id`

// CreateStageRun inserts a stage run and fills in its generated id.
func (r *Registry) CreateStageRun(ctx context.Context, sr *models.StageRun) error {
	if sr.StartedAt.IsZero() {
		sr.StartedAt = now()
	}
	if sr.Status == "" {
		sr.Status = models.StageStatusPending
	}
	if sr.AttemptNumber == 0 {
		sr.AttemptNumber = 1
	}
	if sr.Outputs == nil {
		sr.Outputs = models.JSONMap{}
	}
	res, err := r.db.NamedExecContext(ctx, insertStageRunSQL, sr)
	if err != nil {
		return fmt.Errorf("create stage run %s/%s: %w", sr.RunID, sr.StageID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("stage run id for %s/%s: %w", sr.RunID, sr.StageID, err)
	}
	sr.ID = id
	return nil
}

// UpdateStageRun writes the mutable stage-run fields. Terminal statuses get
// a completion timestamp exactly once.
func (r *Registry) UpdateStageRun(ctx context.Context, sr *models.StageRun) error {
	if sr.Status.IsTerminal() && sr.CompletedAt == nil {
		ts := now()
		sr.CompletedAt = &ts
	}
	res, err := r.db.NamedExecContext(ctx, updateStageRunSQL, sr)
	if err != nil {
		return fmt.Errorf("update stage run %d: %w", sr.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("stage run %d: %w", sr.ID, ErrNotFound)
	}
	return nil
}

// GetStageRun loads one stage run by id.
func (r *Registry) GetStageRun(ctx context.Context, id int64) (*models.StageRun, error) {
	var sr models.StageRun
	err := r.db.GetContext(ctx, &sr, `SELECT * FROM stage_runs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stage run %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get stage run %d: %w", id, err)
	}
	return &sr, nil
}

// GetLatestStageRun returns the most recent attempt of a stage within a run.
func (r *Registry) GetLatestStageRun(ctx context.Context, runID, stageID string) (*models.StageRun, error) {
	var sr models.StageRun
	err := r.db.GetContext(ctx, &sr,
		`SELECT * FROM stage_runs WHERE run_id = ? AND stage_id = ? ORDER BY id DESC LIMIT 1`,
		runID, stageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stage run %s/%s: %w", runID, stageID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get stage run %s/%s: %w", runID, stageID, err)
	}
	return &sr, nil
}

// GetStageRunsForRun returns every stage run of a pipeline run in creation
// order.
func (r *Registry) GetStageRunsForRun(ctx context.Context, runID string) ([]*models.StageRun, error) {
	var srs []*models.StageRun
	err := r.db.SelectContext(ctx, &srs,
		`SELECT * FROM stage_runs WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("get stage runs for %q: %w", runID, err)
	}
	return srs, nil
}

// GetBranchStageRuns returns the child stage runs of a parallel stage.
func (r *Registry) GetBranchStageRuns(ctx context.Context, runID, parentStageID string) ([]*models.StageRun, error) {
	var srs []*models.StageRun
	err := r.db.SelectContext(ctx, &srs,
		`SELECT * FROM stage_runs WHERE run_id = ? AND parent_stage_id = ? ORDER BY id ASC`,
		runID, parentStageID)
	if err != nil {
		return nil, fmt.Errorf("get branch stage runs for %s/%s: %w", runID, parentStageID, err)
	}
	return srs, nil
}

// FindStageRunByAgent returns the newest non-terminal stage run that spawned
// the given agent, or ErrNotFound.
func (r *Registry) FindStageRunByAgent(ctx context.Context, agentID string) (*models.StageRun, error) {
	var sr models.StageRun
	err := r.db.GetContext(ctx, &sr,
		`SELECT * FROM stage_runs WHERE agent_id = ? AND status IN ('pending', 'running', 'waiting')
		 ORDER BY id DESC LIMIT 1`, agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stage run for agent %q: %w", agentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find stage run for agent %q: %w", agentID, err)
	}
	return &sr, nil
}

// FindStageRunByChildRun returns the stage run waiting on a sub-pipeline.
func (r *Registry) FindStageRunByChildRun(ctx context.Context, childRunID string) (*models.StageRun, error) {
	var sr models.StageRun
	err := r.db.GetContext(ctx, &sr,
		`SELECT * FROM stage_runs WHERE child_pipeline_run_id = ? ORDER BY id DESC LIMIT 1`, childRunID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stage run for child run %q: %w", childRunID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find stage run for child run %q: %w", childRunID, err)
	}
	return &sr, nil
}

// InsertGateCheck records one gate condition outcome.
func (r *Registry) InsertGateCheck(ctx context.Context, gc *models.GateCheckRecord) error {
	if gc.CheckedAt.IsZero() {
		gc.CheckedAt = now()
	}
	if gc.CheckConfig == nil {
		gc.CheckConfig = models.JSONMap{}
	}
	if gc.ResultData == nil {
		gc.ResultData = models.JSONMap{}
	}
	res, err := r.db.NamedExecContext(ctx, `
		INSERT INTO gate_checks (stage_run_id, check_type, check_config, passed, result_data, message, checked_at)
		VALUES (:stage_run_id, :check_type, :check_config, :passed, :result_data, :message, :checked_at)`, gc)
	if err != nil {
		return fmt.Errorf("insert gate check for stage run %d: %w", gc.StageRunID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("gate check id: %w", err)
	}
	gc.ID = id
	return nil
}

// ListGateChecks returns the recorded checks of one stage run in evaluation
// order.
func (r *Registry) ListGateChecks(ctx context.Context, stageRunID int64) ([]*models.GateCheckRecord, error) {
	var checks []*models.GateCheckRecord
	err := r.db.SelectContext(ctx, &checks,
		`SELECT * FROM gate_checks WHERE stage_run_id = ? ORDER BY id ASC`, stageRunID)
	if err != nil {
		return nil, fmt.Errorf("list gate checks for stage run %d: %w", stageRunID, err)
	}
	return checks, nil
}

// UpsertHumanStageState creates or replaces the human-stage bookkeeping row.
func (r *Registry) UpsertHumanStageState(ctx context.Context, hs *models.HumanStageState) error {
	if hs.AssignedUsers == nil {
		hs.AssignedUsers = models.StringSlice{}
	}
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO human_stage_state (stage_run_id, entry_notified_at, last_reminder_at, reminder_count,
			assigned_users, completed_by, completed_action)
		VALUES (:stage_run_id, :entry_notified_at, :last_reminder_at, :reminder_count,
			:assigned_users, :completed_by, :completed_action)
		ON CONFLICT (stage_run_id) DO UPDATE SET
			entry_notified_at = excluded.entry_notified_at,
			last_reminder_at = excluded.last_reminder_at,
			reminder_count = excluded.reminder_count,
			assigned_users = excluded.assigned_users,
			completed_by = excluded.completed_by,
			completed_action = excluded.completed_action`, hs)
	if err != nil {
		return fmt.Errorf("upsert human stage state for stage run %d: %w", hs.StageRunID, err)
	}
	return nil
}

// GetHumanStageState loads the human-stage bookkeeping row.
func (r *Registry) GetHumanStageState(ctx context.Context, stageRunID int64) (*models.HumanStageState, error) {
	var hs models.HumanStageState
	err := r.db.GetContext(ctx, &hs,
		`SELECT * FROM human_stage_state WHERE stage_run_id = ?`, stageRunID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("human stage state for stage run %d: %w", stageRunID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get human stage state for stage run %d: %w", stageRunID, err)
	}
	return &hs, nil
}
