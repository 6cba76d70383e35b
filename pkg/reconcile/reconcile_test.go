package reconcile

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadron-dev/squadron/pkg/activity"
	"github.com/squadron-dev/squadron/pkg/config"
	"github.com/squadron-dev/squadron/pkg/events"
	"github.com/squadron-dev/squadron/pkg/github"
	"github.com/squadron-dev/squadron/pkg/masking"
	"github.com/squadron-dev/squadron/pkg/models"
	"github.com/squadron-dev/squadron/pkg/registry"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []*events.Event
}

func (f *fakePublisher) PublishInternal(ev *events.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return true
}

func (f *fakePublisher) published() []*events.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*events.Event(nil), f.events...)
}

type fakeControl struct {
	mu        sync.Mutex
	completed map[string]string
}

func (f *fakeControl) CompleteAgent(_ context.Context, agentID, note string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completed == nil {
		f.completed = make(map[string]string)
	}
	f.completed[agentID] = note
	return nil
}

type sweepFixture struct {
	svc     *Service
	reg     *registry.Registry
	gh      *github.Fake
	pub     *fakePublisher
	control *fakeControl
}

func newSweepFixture(t *testing.T, rc config.ReconcileConfig) *sweepFixture {
	t.Helper()
	reg, err := registry.Open(context.Background(), registry.DefaultConfig(filepath.Join(t.TempDir(), "squadron.db")))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	store := config.NewStore(&config.Config{Reconcile: rc})
	gh := &github.Fake{}
	pub := &fakePublisher{}
	control := &fakeControl{}
	act := activity.NewLog(reg, masking.NewMasker())
	svc := New(store, reg, gh, pub, control, act)
	return &sweepFixture{svc: svc, reg: reg, gh: gh, pub: pub, control: control}
}

func sleepingAgent(id, role string, issue int, blockedBy ...int) *models.AgentRecord {
	n := issue
	return &models.AgentRecord{
		AgentID:     id,
		Role:        role,
		IssueNumber: &n,
		Status:      models.AgentStatusSleeping,
		BlockedBy:   models.IntSet(blockedBy),
	}
}

func TestSweepWakesAgentWhenBlockerCloses(t *testing.T) {
	f := newSweepFixture(t, config.ReconcileConfig{})
	ctx := context.Background()

	f.gh.SeedIssue(1, "feature")
	blocker := f.gh.SeedIssue(2, "dependency")
	blocker.State = "closed"

	require.NoError(t, f.reg.CreateAgent(ctx, sleepingAgent("agent-a", "developer", 1, 2)))
	f.svc.Sweep(ctx)

	published := f.pub.published()
	require.Len(t, published, 1)
	assert.Equal(t, events.WakeAgent, published[0].Type)
	assert.Equal(t, "agent-a", published[0].AgentID)
	assert.Contains(t, published[0].Reason, "#2")

	rec, err := f.reg.GetAgent(ctx, "agent-a")
	require.NoError(t, err)
	assert.Empty(t, rec.BlockedBy)
}

func TestSweepKeepsAgentWithOpenBlocker(t *testing.T) {
	f := newSweepFixture(t, config.ReconcileConfig{})
	ctx := context.Background()

	f.gh.SeedIssue(1, "feature")
	f.gh.SeedIssue(2, "dependency") // stays open
	closed := f.gh.SeedIssue(3, "other dependency")
	closed.State = "closed"

	require.NoError(t, f.reg.CreateAgent(ctx, sleepingAgent("agent-a", "developer", 1, 2, 3)))
	f.svc.Sweep(ctx)

	// One blocker resolved, one remains: no wake yet.
	assert.Empty(t, f.pub.published())
	rec, err := f.reg.GetAgent(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, models.IntSet{2}, rec.BlockedBy)
}

func TestSweepWakesOversleeper(t *testing.T) {
	f := newSweepFixture(t, config.ReconcileConfig{MaxSleepSeconds: 3600})
	ctx := context.Background()

	old := time.Now().UTC().Add(-2 * time.Hour)
	rec := sleepingAgent("agent-old", "developer", 5)
	rec.SleepingSince = &old
	require.NoError(t, f.reg.CreateAgent(ctx, rec))

	fresh := sleepingAgent("agent-fresh", "reviewer", 6)
	require.NoError(t, f.reg.CreateAgent(ctx, fresh))

	f.svc.Sweep(ctx)

	published := f.pub.published()
	require.Len(t, published, 1)
	assert.Equal(t, "agent-old", published[0].AgentID)
	assert.Contains(t, published[0].Reason, "sleep timeout")
}

func TestSweepCompletesAgentsForClosedWork(t *testing.T) {
	f := newSweepFixture(t, config.ReconcileConfig{})
	ctx := context.Background()

	pr := f.gh.SeedPR(31, "squadron/developer/issue-7", "squadron-bot")
	pr.Merged = true
	issue := f.gh.SeedIssue(8, "already fixed")
	issue.State = "closed"
	f.gh.SeedIssue(9, "still open")

	prNum := 31
	merged := &models.AgentRecord{AgentID: "agent-pr", Role: "developer", PRNumber: &prNum, Status: models.AgentStatusActive}
	require.NoError(t, f.reg.CreateAgent(ctx, merged))
	closedIssue := 8
	done := &models.AgentRecord{AgentID: "agent-issue", Role: "developer", IssueNumber: &closedIssue, Status: models.AgentStatusActive}
	require.NoError(t, f.reg.CreateAgent(ctx, done))
	openIssue := 9
	busy := &models.AgentRecord{AgentID: "agent-busy", Role: "reviewer", IssueNumber: &openIssue, Status: models.AgentStatusActive}
	require.NoError(t, f.reg.CreateAgent(ctx, busy))

	f.svc.Sweep(ctx)

	f.control.mu.Lock()
	defer f.control.mu.Unlock()
	assert.Contains(t, f.control.completed, "agent-pr")
	assert.Contains(t, f.control.completed["agent-pr"], "merged")
	assert.Contains(t, f.control.completed, "agent-issue")
	assert.NotContains(t, f.control.completed, "agent-busy")
}

func TestSweepPurgesExpiredTerminalRecords(t *testing.T) {
	f := newSweepFixture(t, config.ReconcileConfig{RetentionSeconds: 1})
	ctx := context.Background()

	issue := 4
	old := &models.AgentRecord{AgentID: "agent-done", Role: "developer", IssueNumber: &issue, Status: models.AgentStatusCompleted}
	require.NoError(t, f.reg.CreateAgent(ctx, old))

	time.Sleep(1100 * time.Millisecond)
	f.svc.Sweep(ctx)

	_, err := f.reg.GetAgent(ctx, "agent-done")
	assert.True(t, registry.IsNotFound(err))
}

func TestStartStop(t *testing.T) {
	f := newSweepFixture(t, config.ReconcileConfig{IntervalSeconds: 3600})
	f.svc.Start(context.Background())
	f.svc.Stop()
}
