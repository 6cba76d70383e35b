package recovery

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadron-dev/squadron/pkg/activity"
	"github.com/squadron-dev/squadron/pkg/config"
	"github.com/squadron-dev/squadron/pkg/github"
	"github.com/squadron-dev/squadron/pkg/masking"
	"github.com/squadron-dev/squadron/pkg/models"
	"github.com/squadron-dev/squadron/pkg/registry"
)

type recoveryFixture struct {
	rec *Recoverer
	reg *registry.Registry
	gh  *github.Fake
}

func newRecoveryFixture(t *testing.T) *recoveryFixture {
	t.Helper()
	reg, err := registry.Open(context.Background(), registry.DefaultConfig(filepath.Join(t.TempDir(), "squadron.db")))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	store := config.NewStore(&config.Config{
		AgentRoles: map[string]*config.RoleConfig{
			"developer": {},
			"reviewer":  {},
		},
		BranchNaming: config.DefaultBranchNaming,
	})
	gh := &github.Fake{}
	act := activity.NewLog(reg, masking.NewMasker())
	return &recoveryFixture{rec: New(store, reg, gh, act), reg: reg, gh: gh}
}

func seedAgent(t *testing.T, reg *registry.Registry, id, role string, issue int, status models.AgentStatus) {
	t.Helper()
	n := issue
	err := reg.CreateAgent(context.Background(), &models.AgentRecord{
		AgentID:     id,
		Role:        role,
		IssueNumber: &n,
		Status:      status,
	})
	require.NoError(t, err)
}

func TestRunFailsStaleAgentsAndComments(t *testing.T) {
	f := newRecoveryFixture(t)
	ctx := context.Background()
	f.gh.SeedIssue(7, "add pagination")
	seedAgent(t, f.reg, "agent-stale-active", "developer", 7, models.AgentStatusActive)
	seedAgent(t, f.reg, "agent-stale-created", "reviewer", 9, models.AgentStatusCreated)
	seedAgent(t, f.reg, "agent-asleep", "developer", 11, models.AgentStatusSleeping)

	require.NoError(t, f.rec.Run(ctx))

	rec, err := f.reg.GetAgent(ctx, "agent-stale-active")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusFailed, rec.Status)
	assert.Nil(t, rec.ActiveSince)

	rec, err = f.reg.GetAgent(ctx, "agent-stale-created")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusFailed, rec.Status)

	// Sleeping agents survive a restart untouched.
	rec, err = f.reg.GetAgent(ctx, "agent-asleep")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusSleeping, rec.Status)

	bodies := f.gh.CommentBodies(7)
	require.Len(t, bodies, 1)
	assert.Contains(t, bodies[0], "interrupted by a restart")
}

func TestRunReconstructsFromLabeledIssues(t *testing.T) {
	f := newRecoveryFixture(t)
	ctx := context.Background()
	f.gh.SeedIssue(3, "stuck work", "blocked", "agent:developer")
	f.gh.SeedIssue(4, "someone look at this", "needs-human", "agent:reviewer")
	f.gh.SeedIssue(5, "mid-flight work", "in-progress", "agent:developer")
	// No ownership label: nothing to infer a role from.
	f.gh.SeedIssue(6, "merely labeled", "blocked")
	// Role nobody configured.
	f.gh.SeedIssue(8, "stranger's work", "blocked", "agent:intern")

	require.NoError(t, f.rec.Run(ctx))

	recs, err := f.reg.GetAgentsForIssue(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "developer", recs[0].Role)
	assert.Equal(t, models.AgentStatusSleeping, recs[0].Status)
	require.NotNil(t, recs[0].Branch)
	assert.Equal(t, "squadron/developer/issue-3", *recs[0].Branch)

	recs, err = f.reg.GetAgentsForIssue(ctx, 4)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, models.AgentStatusEscalated, recs[0].Status)

	recs, err = f.reg.GetAgentsForIssue(ctx, 5)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, models.AgentStatusFailed, recs[0].Status)

	for _, skipped := range []int{6, 8} {
		recs, err = f.reg.GetAgentsForIssue(ctx, skipped)
		require.NoError(t, err)
		assert.Empty(t, recs)
	}
}

func TestRunReconstructsFromOpenPRs(t *testing.T) {
	f := newRecoveryFixture(t)
	ctx := context.Background()
	pr := f.gh.SeedPR(41, "squadron/developer/issue-12", "squadron[bot]")
	f.gh.SeedPR(42, "feature/manual-work", "human")
	f.gh.SeedPR(43, "squadron/intern/issue-13", "squadron[bot]")

	require.NoError(t, f.rec.Run(ctx))

	recs, err := f.reg.GetAgentsForIssue(ctx, 12)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "developer", recs[0].Role)
	assert.Equal(t, models.AgentStatusFailed, recs[0].Status)
	require.NotNil(t, recs[0].PRNumber)
	assert.Equal(t, pr.Number, *recs[0].PRNumber)

	recs, err = f.reg.GetAgentsForIssue(ctx, 13)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRunSkipsIssuesWithExistingRecords(t *testing.T) {
	f := newRecoveryFixture(t)
	ctx := context.Background()
	f.gh.SeedIssue(3, "stuck work", "blocked", "agent:developer")
	seedAgent(t, f.reg, "agent-already-there", "developer", 3, models.AgentStatusSleeping)

	require.NoError(t, f.rec.Run(ctx))

	recs, err := f.reg.GetAgentsForIssue(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "agent-already-there", recs[0].AgentID)
}

func TestParseBranch(t *testing.T) {
	cfg := &config.Config{BranchNaming: config.DefaultBranchNaming}
	tests := []struct {
		ref   string
		role  string
		issue int
		ok    bool
	}{
		{"squadron/developer/issue-12", "developer", 12, true},
		{"squadron/release-bot/issue-4", "release-bot", 4, true},
		{"squadron/developer/issue-", "", 0, false},
		{"squadron/developer/issue-x", "", 0, false},
		{"feature/something", "", 0, false},
		{"", "", 0, false},
	}
	for _, tc := range tests {
		role, issue, ok := parseBranch(cfg, tc.ref)
		assert.Equal(t, tc.ok, ok, tc.ref)
		if tc.ok {
			assert.Equal(t, tc.role, role, tc.ref)
			assert.Equal(t, tc.issue, issue, tc.ref)
		}
	}
}
