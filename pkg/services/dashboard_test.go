package services

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadron-dev/squadron/pkg/models"
	"github.com/squadron-dev/squadron/pkg/pipeline"
	"github.com/squadron-dev/squadron/pkg/registry"
)

type fakeEngine struct {
	defs      map[string]*pipeline.Definition
	cancelled []string
}

func (f *fakeEngine) Definitions() map[string]*pipeline.Definition { return f.defs }

func (f *fakeEngine) CancelPipeline(_ context.Context, runID string) error {
	f.cancelled = append(f.cancelled, runID)
	return nil
}

type dashFixture struct {
	dash   *Dashboard
	reg    *registry.Registry
	engine *fakeEngine
}

func newDashFixture(t *testing.T) *dashFixture {
	t.Helper()
	reg, err := registry.Open(context.Background(), registry.DefaultConfig(filepath.Join(t.TempDir(), "squadron.db")))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	engine := &fakeEngine{defs: map[string]*pipeline.Definition{}}
	return &dashFixture{dash: NewDashboard(reg, engine), reg: reg, engine: engine}
}

func seedRun(t *testing.T, reg *registry.Registry, id, name string, status models.RunStatus, pr *int) {
	t.Helper()
	err := reg.CreatePipelineRun(context.Background(), &models.PipelineRun{
		RunID:        id,
		PipelineName: name,
		Scope:        models.ScopeSinglePR,
		Status:       status,
		PRNumber:     pr,
	})
	require.NoError(t, err)
}

func TestListPipelinesSorted(t *testing.T) {
	f := newDashFixture(t)
	f.engine.defs = map[string]*pipeline.Definition{
		"release": {Name: "release", Scope: models.ScopeIssue, Stages: []*pipeline.Stage{{ID: "a"}}},
		"feature": {
			Name:    "feature",
			Scope:   models.ScopeSinglePR,
			Trigger: &pipeline.Trigger{Event: "pr.opened"},
			Stages:  []*pipeline.Stage{{ID: "a"}, {ID: "b"}},
		},
	}

	out := f.dash.ListPipelines(context.Background())
	require.Len(t, out, 2)
	assert.Equal(t, "feature", out[0].Name)
	assert.Equal(t, 2, out[0].Stages)
	assert.Equal(t, "pr.opened", out[0].TriggerEvent)
	assert.Equal(t, "release", out[1].Name)
}

func TestListRunsFiltersAndPaginates(t *testing.T) {
	f := newDashFixture(t)
	ctx := context.Background()
	pr := 5
	seedRun(t, f.reg, "run-1", "feature", models.RunStatusRunning, &pr)
	seedRun(t, f.reg, "run-2", "feature", models.RunStatusCompleted, &pr)
	seedRun(t, f.reg, "run-3", "release", models.RunStatusRunning, nil)

	page, err := f.dash.ListRuns(ctx, RunsQuery{Status: "running"})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.Len(t, page.Runs, 2)

	page, err = f.dash.ListRuns(ctx, RunsQuery{PRNumber: &pr})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	page, err = f.dash.ListRuns(ctx, RunsQuery{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Runs, 1)
	assert.Equal(t, 1, page.Limit)
	assert.Equal(t, 1, page.Offset)
}

func TestListRunsRejectsBadFilters(t *testing.T) {
	f := newDashFixture(t)
	ctx := context.Background()

	_, err := f.dash.ListRuns(ctx, RunsQuery{Status: "bogus"})
	assert.True(t, IsValidationError(err))

	_, err = f.dash.ListRuns(ctx, RunsQuery{Limit: -1})
	assert.True(t, IsValidationError(err))

	bad := 0
	_, err = f.dash.ListRuns(ctx, RunsQuery{PRNumber: &bad})
	assert.True(t, IsValidationError(err))
}

func TestGetRunAggregatesStagesAndChildren(t *testing.T) {
	f := newDashFixture(t)
	ctx := context.Background()
	seedRun(t, f.reg, "run-parent", "feature", models.RunStatusRunning, nil)
	require.NoError(t, f.reg.CreateStageRun(ctx, &models.StageRun{
		RunID: "run-parent", StageID: "implement", Status: models.StageStatusRunning,
	}))
	parent := "run-parent"
	stage := "subflow"
	require.NoError(t, f.reg.CreatePipelineRun(ctx, &models.PipelineRun{
		RunID: "run-child", PipelineName: "checks", Scope: models.ScopeSinglePR,
		Status: models.RunStatusRunning, ParentRunID: &parent, ParentStageID: &stage,
		NestingDepth: 1,
	}))

	detail, err := f.dash.GetRun(ctx, "run-parent")
	require.NoError(t, err)
	assert.Equal(t, "run-parent", detail.Run.RunID)
	require.Len(t, detail.StageRuns, 1)
	assert.Equal(t, "implement", detail.StageRuns[0].StageID)
	require.Len(t, detail.Children, 1)
	assert.Equal(t, "run-child", detail.Children[0].RunID)

	_, err = f.dash.GetRun(ctx, "run-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancelRun(t *testing.T) {
	f := newDashFixture(t)
	ctx := context.Background()
	seedRun(t, f.reg, "run-live", "feature", models.RunStatusRunning, nil)
	seedRun(t, f.reg, "run-done", "feature", models.RunStatusCompleted, nil)

	require.NoError(t, f.dash.CancelRun(ctx, "run-live"))
	assert.Equal(t, []string{"run-live"}, f.engine.cancelled)

	assert.ErrorIs(t, f.dash.CancelRun(ctx, "run-done"), ErrNotRunning)
	assert.ErrorIs(t, f.dash.CancelRun(ctx, "run-missing"), ErrNotFound)
}

func TestListAgentsOrdersActiveFirst(t *testing.T) {
	f := newDashFixture(t)
	ctx := context.Background()
	issue := func(n int) *int { return &n }
	require.NoError(t, f.reg.CreateAgent(ctx, &models.AgentRecord{
		AgentID: "agent-done", Role: "developer", IssueNumber: issue(1),
		Status: models.AgentStatusCompleted,
	}))
	require.NoError(t, f.reg.CreateAgent(ctx, &models.AgentRecord{
		AgentID: "agent-live", Role: "developer", IssueNumber: issue(2),
		Status: models.AgentStatusActive,
	}))

	recs, err := f.dash.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "agent-live", recs[0].AgentID)
	assert.Equal(t, "agent-done", recs[1].AgentID)
}
