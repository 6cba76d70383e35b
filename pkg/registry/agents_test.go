package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadron-dev/squadron/pkg/models"
)

func intPtr(n int) *int { return &n }

func testAgent(id, role string, issue int) *models.AgentRecord {
	return &models.AgentRecord{
		AgentID:     id,
		Role:        role,
		IssueNumber: intPtr(issue),
		Status:      models.AgentStatusActive,
	}
}

func TestCreateAgent(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	t.Run("create and get round-trip", func(t *testing.T) {
		rec := testAgent("feat-dev-issue-42", "feat-dev", 42)
		require.NoError(t, reg.CreateAgent(ctx, rec))

		got, err := reg.GetAgent(ctx, "feat-dev-issue-42")
		require.NoError(t, err)
		assert.Equal(t, "feat-dev", got.Role)
		assert.Equal(t, 42, *got.IssueNumber)
		assert.Equal(t, models.AgentStatusActive, got.Status)
		assert.NotNil(t, got.ActiveSince)
		assert.Nil(t, got.SleepingSince)
	})

	t.Run("duplicate id rejected", func(t *testing.T) {
		err := reg.CreateAgent(ctx, testAgent("feat-dev-issue-42", "feat-dev", 42))
		assert.True(t, IsAlreadyExists(err))
	})

	t.Run("second live agent for same role and issue rejected", func(t *testing.T) {
		err := reg.CreateAgent(ctx, testAgent("feat-dev-issue-42-bis", "feat-dev", 42))
		assert.True(t, IsAlreadyExists(err))
	})

	t.Run("same role on another issue allowed", func(t *testing.T) {
		require.NoError(t, reg.CreateAgent(ctx, testAgent("feat-dev-issue-43", "feat-dev", 43)))
	})

	t.Run("get missing returns ErrNotFound", func(t *testing.T) {
		_, err := reg.GetAgent(ctx, "nope")
		assert.True(t, IsNotFound(err))
	})
}

func TestReplaceAgent(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	rec := testAgent("pr-review-issue-86", "pr-review", 86)
	require.NoError(t, reg.CreateAgent(ctx, rec))

	t.Run("live record not replaced", func(t *testing.T) {
		err := reg.ReplaceAgent(ctx, testAgent("pr-review-issue-86", "pr-review", 86))
		assert.True(t, IsAlreadyExists(err))
	})

	t.Run("terminal record replaced", func(t *testing.T) {
		_, err := reg.SetAgentStatus(ctx, "pr-review-issue-86", models.AgentStatusCompleted)
		require.NoError(t, err)

		fresh := testAgent("pr-review-issue-86", "pr-review", 86)
		branch := "feat/issue-86"
		fresh.Branch = &branch
		require.NoError(t, reg.ReplaceAgent(ctx, fresh))

		got, err := reg.GetAgent(ctx, "pr-review-issue-86")
		require.NoError(t, err)
		assert.Equal(t, models.AgentStatusActive, got.Status)
		assert.Equal(t, "feat/issue-86", *got.Branch)
	})

	t.Run("no existing record behaves like create", func(t *testing.T) {
		require.NoError(t, reg.ReplaceAgent(ctx, testAgent("pm-issue-1", "pm", 1)))
	})
}

func TestSetAgentStatus(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, reg.CreateAgent(ctx, testAgent("feat-dev-issue-7", "feat-dev", 7)))

	// Timestamps must track status exactly: active_since iff active,
	// sleeping_since iff sleeping.
	t.Run("sleeping sets sleeping_since and clears active_since", func(t *testing.T) {
		got, err := reg.SetAgentStatus(ctx, "feat-dev-issue-7", models.AgentStatusSleeping)
		require.NoError(t, err)
		assert.Nil(t, got.ActiveSince)
		assert.NotNil(t, got.SleepingSince)
	})

	t.Run("active restores active_since and clears sleeping_since", func(t *testing.T) {
		got, err := reg.SetAgentStatus(ctx, "feat-dev-issue-7", models.AgentStatusActive)
		require.NoError(t, err)
		assert.NotNil(t, got.ActiveSince)
		assert.Nil(t, got.SleepingSince)
	})

	t.Run("terminal clears both", func(t *testing.T) {
		got, err := reg.SetAgentStatus(ctx, "feat-dev-issue-7", models.AgentStatusCompleted)
		require.NoError(t, err)
		assert.Nil(t, got.ActiveSince)
		assert.Nil(t, got.SleepingSince)
	})

	t.Run("missing agent", func(t *testing.T) {
		_, err := reg.SetAgentStatus(ctx, "ghost", models.AgentStatusActive)
		assert.True(t, IsNotFound(err))
	})
}

func TestAgentQueries(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.CreateAgent(ctx, testAgent("feat-dev-issue-1", "feat-dev", 1)))
	require.NoError(t, reg.CreateAgent(ctx, testAgent("pm-issue-1", "pm", 1)))
	sleeping := testAgent("feat-dev-issue-2", "feat-dev", 2)
	sleeping.Status = models.AgentStatusSleeping
	require.NoError(t, reg.CreateAgent(ctx, sleeping))

	t.Run("by status", func(t *testing.T) {
		active, err := reg.GetActiveAgents(ctx)
		require.NoError(t, err)
		assert.Len(t, active, 2)

		asleep, err := reg.GetAgentsByStatus(ctx, models.AgentStatusSleeping)
		require.NoError(t, err)
		assert.Len(t, asleep, 1)
	})

	t.Run("for issue includes all statuses", func(t *testing.T) {
		_, err := reg.SetAgentStatus(ctx, "pm-issue-1", models.AgentStatusCompleted)
		require.NoError(t, err)

		recs, err := reg.GetAgentsForIssue(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, recs, 2)
	})

	t.Run("find non-terminal", func(t *testing.T) {
		rec, err := reg.FindNonTerminal(ctx, "feat-dev", 1)
		require.NoError(t, err)
		assert.Equal(t, "feat-dev-issue-1", rec.AgentID)

		_, err = reg.FindNonTerminal(ctx, "pm", 1)
		assert.True(t, IsNotFound(err))
	})

	t.Run("count non-terminal by role", func(t *testing.T) {
		n, err := reg.CountNonTerminalByRole(ctx, "feat-dev")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = reg.CountNonTerminalByRole(ctx, "pm")
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("update counters", func(t *testing.T) {
		require.NoError(t, reg.UpdateAgentCounters(ctx, "feat-dev-issue-1", 3, 17, 2))
		got, err := reg.GetAgent(ctx, "feat-dev-issue-1")
		require.NoError(t, err)
		assert.Equal(t, 3, got.IterationCount)
		assert.Equal(t, 17, got.ToolCallCount)
		assert.Equal(t, 2, got.TurnCount)
	})
}

func TestPurgeTerminalAgents(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.CreateAgent(ctx, testAgent("feat-dev-issue-9", "feat-dev", 9)))
	_, err := reg.SetAgentStatus(ctx, "feat-dev-issue-9", models.AgentStatusCompleted)
	require.NoError(t, err)
	require.NoError(t, reg.CreateAgent(ctx, testAgent("feat-dev-issue-10", "feat-dev", 10)))

	n, err := reg.PurgeTerminalAgents(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = reg.GetAgent(ctx, "feat-dev-issue-9")
	assert.True(t, IsNotFound(err))
	_, err = reg.GetAgent(ctx, "feat-dev-issue-10")
	assert.NoError(t, err)
}
