package agentmgr

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadron-dev/squadron/pkg/activity"
	"github.com/squadron-dev/squadron/pkg/commands"
	"github.com/squadron-dev/squadron/pkg/config"
	"github.com/squadron-dev/squadron/pkg/events"
	"github.com/squadron-dev/squadron/pkg/github"
	"github.com/squadron-dev/squadron/pkg/masking"
	"github.com/squadron-dev/squadron/pkg/models"
	"github.com/squadron-dev/squadron/pkg/notify"
	"github.com/squadron-dev/squadron/pkg/registry"
	"github.com/squadron-dev/squadron/pkg/runtime"
	"github.com/squadron-dev/squadron/pkg/sandbox"
	"github.com/squadron-dev/squadron/pkg/worktree"
)

const testConfigYAML = `
project:
  name: squadron-demo
  owner: acme
  repo: widgets
runtime:
  max_concurrent_agents: 2
agent_roles:
  developer:
    agent_definition: developer
  reviewer:
    agent_definition: reviewer
    singleton: true
`

const testDeveloperMD = `---
description: Implements features from issues.
tools: [report_complete, report_blocked, create_blocker_issue, escalate_to_human, open_pr, comment_on_issue, check_for_events]
---
You are the developer for {project_name}. Work issue {issue_number}.
`

const testReviewerMD = `---
description: Reviews pull requests.
tools: [submit_pr_review, report_complete, report_blocked]
---
Review PR {pr_number}.
`

// fakeNotifier records escalations.
type fakeNotifier struct {
	mu   sync.Mutex
	sent []notify.Escalation
}

func (f *fakeNotifier) Notify(_ context.Context, esc notify.Escalation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, esc)
	return nil
}

func (f *fakeNotifier) escalations() []notify.Escalation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.Escalation(nil), f.sent...)
}

type mgrFixture struct {
	mgr      *Manager
	reg      *registry.Registry
	gh       *github.Fake
	rt       *runtime.FakeRuntime
	wt       *worktree.Fake
	notifier *fakeNotifier
	router   *events.Router
}

func newFixture(t *testing.T, extraYAML string) *mgrFixture {
	t.Helper()
	ctx := context.Background()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "agents"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(testConfigYAML+extraYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agents", "developer.md"), []byte(testDeveloperMD), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agents", "reviewer.md"), []byte(testReviewerMD), 0o644))
	cfg, err := config.Initialize(ctx, dir)
	require.NoError(t, err)
	store := config.NewStore(cfg)

	reg, err := registry.Open(ctx, registry.DefaultConfig(filepath.Join(t.TempDir(), "squadron.db")))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	gh := &github.Fake{}
	rt := &runtime.FakeRuntime{}
	wt := worktree.NewFake(t.TempDir())
	notifier := &fakeNotifier{}
	act := activity.NewLog(reg, masking.NewMasker())

	parser := commands.NewParser(commands.Config{KnownAgents: cfg.RoleNames()})
	router := events.NewRouter(events.DefaultConfig(), parser)

	mgr := New(store, reg, gh, wt, sandbox.NewPassthrough(), rt, act, Options{Notifier: notifier})
	mgr.Start(ctx, router)
	t.Cleanup(func() { mgr.Stop(2 * time.Second) })

	return &mgrFixture{mgr: mgr, reg: reg, gh: gh, rt: rt, wt: wt, notifier: notifier, router: router}
}

// waitStatus blocks until the agent record reaches status.
func (f *mgrFixture) waitStatus(t *testing.T, agentID string, status models.AgentStatus) *models.AgentRecord {
	t.Helper()
	var rec *models.AgentRecord
	require.Eventually(t, func() bool {
		current, err := f.reg.GetAgent(context.Background(), agentID)
		if err != nil {
			return false
		}
		rec = current
		return current.Status == status
	}, 3*time.Second, 10*time.Millisecond, "agent %s did not reach %s", agentID, status)
	return rec
}

func (f *mgrFixture) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.mgr.ActiveCount() == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func toolCall(name string, params map[string]any) runtime.ToolCall {
	return runtime.ToolCall{ID: "call-" + name, Name: name, Params: params}
}

func TestSpawnRunsToCompletion(t *testing.T) {
	f := newFixture(t, "")
	f.gh.SeedIssue(7, "Add retries")
	f.rt.Script = []runtime.ScriptedTurn{{
		ToolCalls: []runtime.ToolCall{toolCall("report_complete", map[string]any{"summary": "done, PR opened"})},
		Reply:     "finished",
	}}

	id, err := f.mgr.Spawn(context.Background(), SpawnSpec{Role: "developer", IssueNumber: 7})
	require.NoError(t, err)

	rec := f.waitStatus(t, id, models.AgentStatusCompleted)
	f.waitIdle(t)

	assert.Equal(t, []string{id}, f.wt.Removed())
	assert.Len(t, f.rt.Deleted, 1)
	bodies := f.gh.CommentBodies(7)
	require.NotEmpty(t, bodies)
	assert.Contains(t, bodies[0], "**[squadron:developer]**")
	assert.Contains(t, bodies[0], "done, PR opened")

	// The branch followed the naming template.
	require.NotNil(t, rec.Branch)
	assert.Equal(t, "squadron/developer/issue-7", *rec.Branch)
}

func TestSpawnGuards(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	f.gh.SeedIssue(1, "first")
	f.gh.SeedIssue(2, "second")
	f.gh.SeedIssue(3, "third")

	// Both agents park themselves on blockers so they stay live.
	f.rt.Script = []runtime.ScriptedTurn{
		{ToolCalls: []runtime.ToolCall{toolCall("report_blocked", map[string]any{"blocker_issue": 99, "reason": "waiting on infra"})}},
		{ToolCalls: []runtime.ToolCall{toolCall("report_blocked", map[string]any{"blocker_issue": 98, "reason": "waiting on CI"})}},
	}
	devID, err := f.mgr.Spawn(ctx, SpawnSpec{Role: "developer", IssueNumber: 1})
	require.NoError(t, err)
	f.waitStatus(t, devID, models.AgentStatusSleeping)

	_, err = f.mgr.Spawn(ctx, SpawnSpec{Role: "developer", IssueNumber: 1})
	assert.ErrorIs(t, err, ErrDuplicateAgent)

	// Singleton: one reviewer at a time, regardless of issue.
	revID, err := f.mgr.Spawn(ctx, SpawnSpec{Role: "reviewer", IssueNumber: 2})
	require.NoError(t, err)
	f.waitStatus(t, revID, models.AgentStatusSleeping)
	_, err = f.mgr.Spawn(ctx, SpawnSpec{Role: "reviewer", IssueNumber: 3})
	assert.ErrorIs(t, err, ErrSingletonActive)

	// Capacity: max_concurrent_agents is 2 and both slots are taken.
	_, err = f.mgr.Spawn(ctx, SpawnSpec{Role: "developer", IssueNumber: 3})
	assert.ErrorIs(t, err, ErrAtCapacity)
}

func TestUnknownRoleRefused(t *testing.T) {
	f := newFixture(t, "")
	_, err := f.mgr.Spawn(context.Background(), SpawnSpec{Role: "intern", IssueNumber: 1})
	assert.ErrorIs(t, err, ErrUnknownRole)
}

func TestReportBlockedRefusesCycle(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	f.gh.SeedIssue(1, "feature")
	f.gh.SeedIssue(2, "dependency")

	// Agent A on issue 1 sleeps blocked by issue 2.
	f.rt.Script = []runtime.ScriptedTurn{{
		ToolCalls: []runtime.ToolCall{toolCall("report_blocked", map[string]any{"blocker_issue": 2, "reason": "needs dependency"})},
	}}
	aID, err := f.mgr.Spawn(ctx, SpawnSpec{Role: "developer", IssueNumber: 1})
	require.NoError(t, err)
	f.waitStatus(t, aID, models.AgentStatusSleeping)

	// Agent B on issue 2 tries to block on issue 1: that edge closes the
	// loop {B → issue 1 → A → issue 2 → B} and must be refused. B then
	// finishes normally.
	f.rt.Script = append(f.rt.Script,
		runtime.ScriptedTurn{ToolCalls: []runtime.ToolCall{
			toolCall("report_blocked", map[string]any{"blocker_issue": 1, "reason": "circular"}),
		}},
		runtime.ScriptedTurn{ToolCalls: []runtime.ToolCall{
			toolCall("report_complete", map[string]any{"summary": "resolved without blocking"}),
		}},
	)
	bID, err := f.mgr.Spawn(ctx, SpawnSpec{Role: "reviewer", IssueNumber: 2})
	require.NoError(t, err)

	rec := f.waitStatus(t, bID, models.AgentStatusCompleted)
	assert.Empty(t, rec.BlockedBy, "refused blocker edge must leave no trace")

	a, err := f.reg.GetAgent(ctx, aID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusSleeping, a.Status)
}

func TestEscalateToHuman(t *testing.T) {
	f := newFixture(t, "")
	f.gh.SeedIssue(4, "tricky migration")
	f.rt.Script = []runtime.ScriptedTurn{{
		ToolCalls: []runtime.ToolCall{toolCall("escalate_to_human", map[string]any{
			"reason": "schema change needs sign-off", "category": "design",
		})},
	}}

	id, err := f.mgr.Spawn(context.Background(), SpawnSpec{Role: "developer", IssueNumber: 4})
	require.NoError(t, err)
	f.waitStatus(t, id, models.AgentStatusEscalated)
	f.waitIdle(t)

	assert.ElementsMatch(t, []string{"needs-human", "escalation:design"}, f.gh.AddedLabels[4])
	require.Len(t, f.notifier.escalations(), 1)
	assert.Equal(t, "schema change needs sign-off", f.notifier.escalations()[0].Reason)
	require.NotEmpty(t, f.gh.CommentBodies(4))
	assert.Contains(t, f.gh.CommentBodies(4)[0], "Escalated to a human")
}

func TestSubmitPRReviewForbiddenFallback(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	f.gh.SeedIssue(5, "review me")
	f.gh.SeedPR(31, "squadron/developer/issue-5", "squadron-bot")
	f.gh.SubmitReviewErr = github.ErrForbidden

	f.rt.Script = []runtime.ScriptedTurn{{
		ToolCalls: []runtime.ToolCall{
			toolCall("submit_pr_review", map[string]any{
				"pr": 31, "body": "needs a test", "event": "REQUEST_CHANGES",
			}),
			toolCall("report_complete", map[string]any{"summary": "review recorded"}),
		},
	}}

	id, err := f.mgr.Spawn(ctx, SpawnSpec{Role: "reviewer", IssueNumber: 5, PRNumber: 31})
	require.NoError(t, err)
	f.waitStatus(t, id, models.AgentStatusCompleted)
	f.waitIdle(t)

	// Both fallback halves applied independently of the 403.
	assert.Contains(t, f.gh.AddedLabels[31], "needs-changes")
	approvals, err := f.reg.ListApprovals(ctx, 31)
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	assert.Equal(t, models.ApprovalStateChangesRequested, approvals[0].State)
	assert.Equal(t, "reviewer", approvals[0].Role)
}

func TestToolCallBreakerEscalates(t *testing.T) {
	f := newFixture(t, `
circuit_breakers:
  roles:
    developer:
      max_tool_calls: 2
`)
	f.gh.SeedIssue(6, "busy work")
	f.rt.Script = []runtime.ScriptedTurn{{
		ToolCalls: []runtime.ToolCall{
			toolCall("comment_on_issue", map[string]any{"body": "one"}),
			toolCall("comment_on_issue", map[string]any{"body": "two"}),
			toolCall("comment_on_issue", map[string]any{"body": "three"}),
		},
	}}

	id, err := f.mgr.Spawn(context.Background(), SpawnSpec{Role: "developer", IssueNumber: 6})
	require.NoError(t, err)
	f.waitStatus(t, id, models.AgentStatusEscalated)
	f.waitIdle(t)

	// The third call was denied by the breaker.
	assert.Len(t, f.gh.CommentBodies(6), 3) // two signed comments + escalation notice
}

func TestRespawnSweepsTerminalRecord(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	f.gh.SeedIssue(8, "re-review")

	f.rt.Script = []runtime.ScriptedTurn{
		{ToolCalls: []runtime.ToolCall{toolCall("report_complete", map[string]any{"summary": "first pass"})}},
		{ToolCalls: []runtime.ToolCall{toolCall("report_complete", map[string]any{"summary": "second pass"})}},
	}

	first, err := f.mgr.Spawn(ctx, SpawnSpec{Role: "developer", IssueNumber: 8})
	require.NoError(t, err)
	f.waitStatus(t, first, models.AgentStatusCompleted)
	f.waitIdle(t)

	second, err := f.mgr.Spawn(ctx, SpawnSpec{Role: "developer", IssueNumber: 8})
	require.NoError(t, err)
	f.waitStatus(t, second, models.AgentStatusCompleted)
	f.waitIdle(t)

	// The terminal first record was deleted during the respawn.
	recs, err := f.reg.GetAgentsForIssue(ctx, 8)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, second, recs[0].AgentID)
}

func TestWakeOnBlockerIssueClosed(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	f.gh.SeedIssue(10, "feature")
	f.gh.SeedIssue(11, "blocker")

	f.rt.Script = []runtime.ScriptedTurn{
		{ToolCalls: []runtime.ToolCall{toolCall("report_blocked", map[string]any{"blocker_issue": 11, "reason": "waiting"})}},
		{ToolCalls: []runtime.ToolCall{toolCall("report_complete", map[string]any{"summary": "unblocked and done"})}},
	}

	id, err := f.mgr.Spawn(ctx, SpawnSpec{Role: "developer", IssueNumber: 10})
	require.NoError(t, err)
	f.waitStatus(t, id, models.AgentStatusSleeping)

	require.NoError(t, f.mgr.handleIssueClosed(ctx, &events.Event{
		Type: events.IssueClosed, IssueNumber: intp(11), Sender: "octocat",
	}))

	f.waitStatus(t, id, models.AgentStatusCompleted)
	f.waitIdle(t)
	assert.NotEmpty(t, f.rt.Resumed, "the wake must resume the kept session")
}

func TestMentionRoutingAndSelfLoopGuard(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	f.gh.SeedIssue(12, "please look")

	f.rt.Script = []runtime.ScriptedTurn{
		{ToolCalls: []runtime.ToolCall{toolCall("report_complete", map[string]any{"summary": "looked"})}},
	}

	// A human mention spawns the developer.
	require.NoError(t, f.mgr.handleComment(ctx, &events.Event{
		Type:           events.IssueComment,
		IssueNumber:    intp(12),
		Sender:         "octocat",
		CommentBody:    "@squadron developer: please take a look",
		MentionedRoles: []string{"developer"},
		Command:        &commands.ParsedCommand{Source: commands.SourceMention, TargetAgent: "developer", Message: "please take a look"},
	}))
	require.Eventually(t, func() bool {
		recs, err := f.reg.GetAgentsForIssue(ctx, 12)
		return err == nil && len(recs) == 1
	}, 3*time.Second, 10*time.Millisecond)
	f.waitIdle(t)
	first, err := f.reg.GetAgentsForIssue(ctx, 12)
	require.NoError(t, err)
	require.Len(t, first, 1)
	firstID := first[0].AgentID

	// The same mention inside a bot comment signed by the developer is a
	// self-loop and must not respawn it.
	require.NoError(t, f.mgr.handleComment(ctx, &events.Event{
		Type:           events.IssueComment,
		IssueNumber:    intp(12),
		Sender:         "squadron-bot",
		SenderIsBot:    true,
		CommentBody:    "**[squadron:developer]**\n\n@squadron developer: status?",
		MentionedRoles: []string{"developer"},
		Command:        &commands.ParsedCommand{Source: commands.SourceMention, TargetAgent: "developer", Message: "status?"},
	}))
	time.Sleep(50 * time.Millisecond)
	recs, err := f.reg.GetAgentsForIssue(ctx, 12)
	require.NoError(t, err)
	require.Len(t, recs, 1, "self-mention must not spawn")
	assert.Equal(t, firstID, recs[0].AgentID, "a respawn would have swept the terminal record")
}

func TestTriggerSpawnsOnMatchingEvent(t *testing.T) {
	f := newFixture(t, `
  ops:
    agent_definition: developer
    triggers:
      - event: issue.labeled
        condition:
          label: ops-task
`)
	ctx := context.Background()
	f.gh.SeedIssue(13, "rotate keys", "ops-task")
	f.rt.Script = []runtime.ScriptedTurn{
		{ToolCalls: []runtime.ToolCall{toolCall("report_complete", map[string]any{"summary": "rotated"})}},
	}

	ev := &events.Event{
		Type:        events.IssueLabeled,
		IssueNumber: intp(13),
		Sender:      "octocat",
		Payload:     map[string]any{"label": map[string]any{"name": "ops-task"}},
	}
	require.NoError(t, f.mgr.handleTriggers(ctx, ev))
	require.Eventually(t, func() bool {
		recs, err := f.reg.GetAgentsForIssue(ctx, 13)
		return err == nil && len(recs) == 1 && recs[0].Role == "ops"
	}, 3*time.Second, 10*time.Millisecond)

	// A non-matching label fires nothing.
	miss := &events.Event{
		Type:        events.IssueLabeled,
		IssueNumber: intp(14),
		Sender:      "octocat",
		Payload:     map[string]any{"label": map[string]any{"name": "docs"}},
	}
	require.NoError(t, f.mgr.handleTriggers(ctx, miss))
	recs, err := f.reg.GetAgentsForIssue(ctx, 14)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestCancelAgent(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	f.gh.SeedIssue(15, "long haul")

	// Suspend so the agent stays live without burning turns.
	f.rt.Script = []runtime.ScriptedTurn{{
		ToolCalls: []runtime.ToolCall{toolCall("report_blocked", map[string]any{"blocker_issue": 99, "reason": "parked"})},
	}}
	id, err := f.mgr.Spawn(ctx, SpawnSpec{Role: "developer", IssueNumber: 15})
	require.NoError(t, err)
	f.waitStatus(t, id, models.AgentStatusSleeping)

	require.NoError(t, f.mgr.CancelAgent(ctx, id))
	f.waitStatus(t, id, models.AgentStatusCancelled)
	f.waitIdle(t)
	assert.Contains(t, f.wt.Removed(), id)
}

func TestPreSleepHookRunsBeforeSuspend(t *testing.T) {
	var hooked []string
	var mu sync.Mutex

	f := newFixture(t, "")
	f.mgr.preSleep = func(_ context.Context, rec *models.AgentRecord) error {
		mu.Lock()
		hooked = append(hooked, rec.AgentID)
		mu.Unlock()
		return nil
	}

	f.gh.SeedIssue(16, "hooked")
	f.rt.Script = []runtime.ScriptedTurn{{
		ToolCalls: []runtime.ToolCall{toolCall("report_blocked", map[string]any{"blocker_issue": 99, "reason": "wip"})},
	}}
	id, err := f.mgr.Spawn(context.Background(), SpawnSpec{Role: "developer", IssueNumber: 16})
	require.NoError(t, err)
	f.waitStatus(t, id, models.AgentStatusSleeping)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{id}, hooked)
}

func intp(n int) *int { return &n }
