package services

import (
	"context"
	"sort"

	"github.com/squadron-dev/squadron/pkg/models"
	"github.com/squadron-dev/squadron/pkg/pipeline"
	"github.com/squadron-dev/squadron/pkg/registry"
)

// maxPageSize caps the runs page size; the default applies when the caller
// asks for nothing.
const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Engine is the slice of the pipeline engine the dashboard needs.
type Engine interface {
	Definitions() map[string]*pipeline.Definition
	CancelPipeline(ctx context.Context, runID string) error
}

// Dashboard serves the read-only dashboard endpoints plus run cancellation.
type Dashboard struct {
	reg    *registry.Registry
	engine Engine
}

// NewDashboard builds the dashboard service.
func NewDashboard(reg *registry.Registry, engine Engine) *Dashboard {
	return &Dashboard{reg: reg, engine: engine}
}

// PipelineSummary is one configured pipeline in the listing.
type PipelineSummary struct {
	Name         string               `json:"name"`
	Scope        models.PipelineScope `json:"scope"`
	Stages       int                  `json:"stages"`
	TriggerEvent string               `json:"trigger_event,omitempty"`
}

// ListPipelines returns the loaded definitions, sorted by name.
func (d *Dashboard) ListPipelines(_ context.Context) []PipelineSummary {
	defs := d.engine.Definitions()
	out := make([]PipelineSummary, 0, len(defs))
	for _, def := range defs {
		s := PipelineSummary{Name: def.Name, Scope: def.Scope, Stages: len(def.Stages)}
		if def.Trigger != nil {
			s.TriggerEvent = def.Trigger.Event
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RunsQuery is the validated filter/pagination input for ListRuns.
type RunsQuery struct {
	Status      string
	Pipeline    string
	PRNumber    *int
	IssueNumber *int
	Limit       int
	Offset      int
}

// RunsPage is one page of runs plus the unpaginated total.
type RunsPage struct {
	Runs   []*models.PipelineRun `json:"runs"`
	Total  int                   `json:"total"`
	Limit  int                   `json:"limit"`
	Offset int                   `json:"offset"`
}

var runStatuses = map[models.RunStatus]bool{
	models.RunStatusPending:   true,
	models.RunStatusRunning:   true,
	models.RunStatusWaiting:   true,
	models.RunStatusCompleted: true,
	models.RunStatusFailed:    true,
	models.RunStatusCancelled: true,
	models.RunStatusEscalated: true,
}

// ListRuns returns the matching runs, newest first.
func (d *Dashboard) ListRuns(ctx context.Context, q RunsQuery) (*RunsPage, error) {
	status := models.RunStatus(q.Status)
	if q.Status != "" && !runStatuses[status] {
		return nil, NewValidationError("status", "unknown run status")
	}
	if q.Limit < 0 {
		return nil, NewValidationError("limit", "must be non-negative")
	}
	if q.Offset < 0 {
		return nil, NewValidationError("offset", "must be non-negative")
	}
	if q.PRNumber != nil && *q.PRNumber <= 0 {
		return nil, NewValidationError("pr_number", "must be positive")
	}
	if q.IssueNumber != nil && *q.IssueNumber <= 0 {
		return nil, NewValidationError("issue_number", "must be positive")
	}

	limit := q.Limit
	if limit == 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	runs, total, err := d.reg.ListPipelineRuns(ctx, registry.RunFilters{
		Status:       status,
		PipelineName: q.Pipeline,
		PRNumber:     q.PRNumber,
		IssueNumber:  q.IssueNumber,
		Limit:        limit,
		Offset:       q.Offset,
	})
	if err != nil {
		return nil, err
	}
	if runs == nil {
		runs = []*models.PipelineRun{}
	}
	return &RunsPage{Runs: runs, Total: total, Limit: limit, Offset: q.Offset}, nil
}

// RunDetail is one run with its stage history and sub-pipeline runs.
type RunDetail struct {
	Run       *models.PipelineRun   `json:"run"`
	StageRuns []*models.StageRun    `json:"stage_runs"`
	Children  []*models.PipelineRun `json:"children,omitempty"`
}

// GetRun loads a run with its stage runs and child runs.
func (d *Dashboard) GetRun(ctx context.Context, runID string) (*RunDetail, error) {
	if runID == "" {
		return nil, NewValidationError("run_id", "required")
	}
	run, err := d.reg.GetPipelineRun(ctx, runID)
	if err != nil {
		if registry.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	stages, err := d.reg.GetStageRunsForRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	children, err := d.reg.GetChildRuns(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &RunDetail{Run: run, StageRuns: stages, Children: children}, nil
}

// CancelRun cancels an active run through the engine.
func (d *Dashboard) CancelRun(ctx context.Context, runID string) error {
	if runID == "" {
		return NewValidationError("run_id", "required")
	}
	run, err := d.reg.GetPipelineRun(ctx, runID)
	if err != nil {
		if registry.IsNotFound(err) {
			return ErrNotFound
		}
		return err
	}
	if run.Status.IsTerminal() {
		return ErrNotRunning
	}
	return d.engine.CancelPipeline(ctx, runID)
}

// ListAgents returns every agent record, active first then by recency.
func (d *Dashboard) ListAgents(ctx context.Context) ([]*models.AgentRecord, error) {
	recs, err := d.reg.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(recs, func(i, j int) bool {
		ti, tj := recs[i].Status.IsTerminal(), recs[j].Status.IsTerminal()
		if ti != tj {
			return !ti
		}
		return recs[i].UpdatedAt.After(recs[j].UpdatedAt)
	})
	if recs == nil {
		recs = []*models.AgentRecord{}
	}
	return recs, nil
}
