package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadron-dev/squadron/pkg/models"
)

func TestPRRequirementsAndMergeReady(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.ReplacePRRequirements(ctx, 7, []models.PRRequirement{
		{Role: "reviewer", RequiredCount: 2},
		{Role: "security", RequiredCount: 0}, // normalized to 1
	}))

	reqs, err := reg.GetPRRequirements(ctx, 7)
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, 1, reqs[1].RequiredCount)

	t.Run("unmet requirements block merge", func(t *testing.T) {
		ready, err := reg.CheckPRMergeReady(ctx, 7)
		require.NoError(t, err)
		assert.False(t, ready)
	})

	require.NoError(t, reg.RecordApproval(ctx, 7, "reviewer", "agent-r1", models.ApprovalStateApproved))
	require.NoError(t, reg.RecordApproval(ctx, 7, "reviewer", "agent-r2", models.ApprovalStateApproved))
	require.NoError(t, reg.RecordApproval(ctx, 7, "security", "agent-s1", models.ApprovalStateApproved))

	t.Run("all requirements met", func(t *testing.T) {
		ready, err := reg.CheckPRMergeReady(ctx, 7)
		require.NoError(t, err)
		assert.True(t, ready)
	})

	t.Run("changes_requested blocks even with approvals met", func(t *testing.T) {
		require.NoError(t, reg.RecordApproval(ctx, 7, "security", "agent-s2", models.ApprovalStateChangesRequested))
		ready, err := reg.CheckPRMergeReady(ctx, 7)
		require.NoError(t, err)
		assert.False(t, ready)
	})

	t.Run("re-approval by same agent clears the block", func(t *testing.T) {
		require.NoError(t, reg.RecordApproval(ctx, 7, "security", "agent-s2", models.ApprovalStateApproved))
		ready, err := reg.CheckPRMergeReady(ctx, 7)
		require.NoError(t, err)
		assert.True(t, ready)
	})

	t.Run("replacing requirements swaps atomically", func(t *testing.T) {
		require.NoError(t, reg.ReplacePRRequirements(ctx, 7, []models.PRRequirement{
			{Role: "reviewer", RequiredCount: 1},
		}))
		reqs, err := reg.GetPRRequirements(ctx, 7)
		require.NoError(t, err)
		require.Len(t, reqs, 1)
		assert.Equal(t, "reviewer", reqs[0].Role)
	})
}

func TestInvalidateApprovals(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.ReplacePRRequirements(ctx, 9, []models.PRRequirement{
		{Role: "reviewer", RequiredCount: 1},
	}))
	require.NoError(t, reg.RecordApproval(ctx, 9, "reviewer", "agent-r1", models.ApprovalStateApproved))
	require.NoError(t, reg.RecordApproval(ctx, 9, "security", "agent-s1", models.ApprovalStateApproved))

	n, err := reg.InvalidateApprovals(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	t.Run("stale approvals no longer satisfy requirements", func(t *testing.T) {
		ready, err := reg.CheckPRMergeReady(ctx, 9)
		require.NoError(t, err)
		assert.False(t, ready)
	})

	t.Run("rows survive for audit", func(t *testing.T) {
		rows, err := reg.ListApprovals(ctx, 9)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		for _, row := range rows {
			assert.True(t, row.Stale)
		}
	})

	t.Run("second invalidation touches nothing", func(t *testing.T) {
		n, err := reg.InvalidateApprovals(ctx, 9)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("fresh approval restores readiness", func(t *testing.T) {
		require.NoError(t, reg.RecordApproval(ctx, 9, "reviewer", "agent-r1", models.ApprovalStateApproved))
		ready, err := reg.CheckPRMergeReady(ctx, 9)
		require.NoError(t, err)
		assert.True(t, ready)
	})
}

func TestPRSequence(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.SetPRSequence(ctx, 5, []string{"reviewer", "security", "release"}))

	seq, err := reg.GetPRSequence(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 0, seq.CurrentIndex)
	assert.Equal(t, []string{"reviewer", "security", "release"}, []string(seq.Roles))

	next, more, err := reg.AdvancePRSequence(ctx, 5)
	require.NoError(t, err)
	require.True(t, more)
	assert.Equal(t, "security", next)

	next, more, err = reg.AdvancePRSequence(ctx, 5)
	require.NoError(t, err)
	require.True(t, more)
	assert.Equal(t, "release", next)

	_, more, err = reg.AdvancePRSequence(ctx, 5)
	require.NoError(t, err)
	assert.False(t, more)

	t.Run("reset starts the chain over", func(t *testing.T) {
		require.NoError(t, reg.SetPRSequence(ctx, 5, []string{"reviewer"}))
		seq, err := reg.GetPRSequence(ctx, 5)
		require.NoError(t, err)
		assert.Equal(t, 0, seq.CurrentIndex)
	})

	t.Run("missing sequence is ErrNotFound", func(t *testing.T) {
		_, err := reg.GetPRSequence(ctx, 404)
		assert.True(t, IsNotFound(err))
		_, _, err = reg.AdvancePRSequence(ctx, 404)
		assert.True(t, IsNotFound(err))
	})
}

func TestPRAssociations(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.AddPRAssociation(ctx, "run-1", 10))
	require.NoError(t, reg.AddPRAssociation(ctx, "run-1", 11))
	require.NoError(t, reg.AddPRAssociation(ctx, "run-2", 10))
	require.NoError(t, reg.AddPRAssociation(ctx, "run-1", 10)) // idempotent

	prs, err := reg.GetPRAssociations(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, []int{10, 11}, prs)

	runs, err := reg.GetRunsForPR(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"run-1", "run-2"}, runs)
}
