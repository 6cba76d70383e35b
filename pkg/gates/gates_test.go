package gates

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadron-dev/squadron/pkg/github"
	"github.com/squadron-dev/squadron/pkg/models"
	"github.com/squadron-dev/squadron/pkg/registry"
)

func newTestStore(t *testing.T) *registry.Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "squadron.db")
	reg, err := registry.Open(context.Background(), registry.DefaultConfig(path))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func builtinRegistry(t *testing.T, gh github.Client) (*Registry, *registry.Registry) {
	t.Helper()
	store := newTestStore(t)
	reg := NewRegistry()
	RegisterBuiltins(reg, gh, store, "squadron")
	return reg, store
}

func TestRegistryUnknownCheck(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Evaluate(context.Background(), "nope", Scope{}, nil)
	assert.ErrorIs(t, err, ErrUnknownCheck)
}

func TestRegistryHasAndNames(t *testing.T) {
	reg, _ := builtinRegistry(t, &github.Fake{})
	assert.True(t, reg.Has(CheckCIStatus))
	assert.False(t, reg.Has("bogus"))
	assert.Contains(t, reg.Names(), CheckCommand)
}

func TestCommandCheck(t *testing.T) {
	reg, _ := builtinRegistry(t, &github.Fake{})
	scope := Scope{WorktreePath: t.TempDir()}

	res, err := reg.Evaluate(context.Background(), CheckCommand, scope,
		map[string]any{"command": "true"})
	require.NoError(t, err)
	assert.True(t, res.Passed)

	res, err = reg.Evaluate(context.Background(), CheckCommand, scope,
		map[string]any{"command": "false"})
	require.NoError(t, err)
	assert.False(t, res.Passed)

	_, err = reg.Evaluate(context.Background(), CheckCommand, scope, nil)
	assert.Error(t, err)
}

func TestFileExistsCheck(t *testing.T) {
	reg, _ := builtinRegistry(t, &github.Fake{})
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module x\n"), 0o644))
	scope := Scope{WorktreePath: dir}

	res, err := reg.Evaluate(context.Background(), CheckFileExists, scope,
		map[string]any{"path": "go.mod"})
	require.NoError(t, err)
	assert.True(t, res.Passed)

	res, err = reg.Evaluate(context.Background(), CheckFileExists, scope,
		map[string]any{"path": "missing.txt"})
	require.NoError(t, err)
	assert.False(t, res.Passed)

	_, err = reg.Evaluate(context.Background(), CheckFileExists, scope,
		map[string]any{"path": "../escape.txt"})
	assert.Error(t, err)
}

func TestCIStatusCheck(t *testing.T) {
	fake := &github.Fake{}
	fake.SeedPR(12, "feature/issue-5", "squadron")
	reg, _ := builtinRegistry(t, fake)
	scope := Scope{PRNumber: 12}

	fake.Statuses = map[string]string{"feature/issue-5": "success"}
	res, err := reg.Evaluate(context.Background(), CheckCIStatus, scope, nil)
	require.NoError(t, err)
	assert.True(t, res.Passed)

	fake.Statuses["feature/issue-5"] = "failure"
	res, err = reg.Evaluate(context.Background(), CheckCIStatus, scope, nil)
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, "failure", res.Data["state"])
}

func TestLabelsCheck(t *testing.T) {
	fake := &github.Fake{}
	fake.SeedIssue(9, "Add caching", "type:feature", "priority:high")
	reg, _ := builtinRegistry(t, fake)
	scope := Scope{IssueNumber: 9}

	tests := []struct {
		name   string
		params map[string]any
		passed bool
	}{
		{"all present", map[string]any{"labels": []any{"type:feature", "priority:high"}}, true},
		{"one missing", map[string]any{"labels": []any{"type:feature", "blocked"}}, false},
		{"any matches", map[string]any{"labels": []any{"type:feature", "blocked"}, "match": "any"}, true},
		{"any none", map[string]any{"labels": []any{"blocked"}, "match": "any"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := reg.Evaluate(context.Background(), CheckLabels, scope, tt.params)
			require.NoError(t, err)
			assert.Equal(t, tt.passed, res.Passed)
		})
	}
}

func TestBranchUpToDateCheck(t *testing.T) {
	fake := &github.Fake{}
	pr := fake.SeedPR(3, "feature/issue-2", "squadron")
	pr.BaseRef = "main"
	reg, _ := builtinRegistry(t, fake)
	scope := Scope{PRNumber: 3}

	fake.Behind = map[string]int{"main...feature/issue-2": 0}
	res, err := reg.Evaluate(context.Background(), CheckBranchUpToDate, scope, nil)
	require.NoError(t, err)
	assert.True(t, res.Passed)

	fake.Behind["main...feature/issue-2"] = 4
	res, err = reg.Evaluate(context.Background(), CheckBranchUpToDate, scope, nil)
	require.NoError(t, err)
	assert.False(t, res.Passed)

	res, err = reg.Evaluate(context.Background(), CheckBranchUpToDate, scope,
		map[string]any{"max_behind": 5})
	require.NoError(t, err)
	assert.True(t, res.Passed)
}

func TestPRApprovalsMetCheck(t *testing.T) {
	reg, store := builtinRegistry(t, &github.Fake{})
	ctx := context.Background()
	scope := Scope{PRNumber: 21}

	require.NoError(t, store.ReplacePRRequirements(ctx, 21, []models.PRRequirement{
		{PRNumber: 21, Role: "security-reviewer", RequiredCount: 1},
	}))

	res, err := reg.Evaluate(ctx, CheckPRApprovalsMet, scope, nil)
	require.NoError(t, err)
	assert.False(t, res.Passed)

	require.NoError(t, store.RecordApproval(ctx, 21, "security-reviewer", "security-reviewer-issue-8", models.ApprovalStateApproved))
	res, err = reg.Evaluate(ctx, CheckPRApprovalsMet, scope, nil)
	require.NoError(t, err)
	assert.True(t, res.Passed)
}

func TestHumanReviewCheck(t *testing.T) {
	fake := &github.Fake{}
	fake.SeedPR(30, "feature/issue-29", "alice")
	fake.Reviews = map[int][]*github.Review{
		30: {
			{ID: 1, Author: "squadron", State: "APPROVED"},
			{ID: 2, Author: "bob", State: "COMMENTED"},
		},
	}
	reg, _ := builtinRegistry(t, fake)
	scope := Scope{PRNumber: 30}

	res, err := reg.Evaluate(context.Background(), CheckHumanReview, scope, nil)
	require.NoError(t, err)
	assert.False(t, res.Passed, "bot approval must not count")

	fake.Reviews[30] = append(fake.Reviews[30], &github.Review{ID: 3, Author: "bob", State: "APPROVED"})
	res, err = reg.Evaluate(context.Background(), CheckHumanReview, scope, nil)
	require.NoError(t, err)
	assert.True(t, res.Passed)

	// A later CHANGES_REQUESTED from the same reviewer overrides.
	fake.Reviews[30] = append(fake.Reviews[30], &github.Review{ID: 4, Author: "bob", State: "CHANGES_REQUESTED"})
	res, err = reg.Evaluate(context.Background(), CheckHumanReview, scope, nil)
	require.NoError(t, err)
	assert.False(t, res.Passed)
}
