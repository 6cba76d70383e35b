package gates

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/squadron-dev/squadron/pkg/github"
	"github.com/squadron-dev/squadron/pkg/registry"
)

// Built-in check names.
const (
	CheckCommand        = "command"
	CheckFileExists     = "file_exists"
	CheckPRApprovalsMet = "pr_approvals_met"
	CheckCIStatus       = "ci_status"
	CheckLabels         = "labels"
	CheckBranchUpToDate = "branch_up_to_date"
	CheckHumanReview    = "human_review"
)

const defaultCommandTimeout = 2 * time.Minute

// RegisterBuiltins wires the standard check set into reg. botUsername lets
// the human_review check tell bot reviews apart from human ones.
func RegisterBuiltins(reg *Registry, gh github.Client, store *registry.Registry, botUsername string) {
	reg.Register(&commandCheck{})
	reg.Register(&fileExistsCheck{})
	reg.Register(&prApprovalsCheck{store: store})
	reg.Register(&ciStatusCheck{gh: gh})
	reg.Register(&labelsCheck{gh: gh})
	reg.Register(&branchFreshnessCheck{gh: gh})
	reg.Register(&humanReviewCheck{gh: gh, botUsername: botUsername})
}

// commandCheck runs a shell command in the scope's worktree; exit 0 passes.
// Params: command (required), timeout_seconds.
type commandCheck struct{}

func (c *commandCheck) Name() string { return CheckCommand }

func (c *commandCheck) Evaluate(ctx context.Context, scope Scope, params map[string]any) (*Result, error) {
	command := stringParam(params, "command", "")
	if command == "" {
		return nil, fmt.Errorf("command check: missing command param")
	}
	timeout := time.Duration(intParam(params, "timeout_seconds", 0)) * time.Second
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = scope.WorktreePath
	output, err := cmd.CombinedOutput()

	tail := string(output)
	if len(tail) > 1024 {
		tail = tail[len(tail)-1024:]
	}
	if err != nil {
		return &Result{
			Passed:  false,
			Message: fmt.Sprintf("command failed: %v", err),
			Data:    map[string]any{"output": tail},
		}, nil
	}
	return &Result{Passed: true, Message: "command succeeded", Data: map[string]any{"output": tail}}, nil
}

// fileExistsCheck passes when a path exists inside the worktree.
// Params: path (required, relative).
type fileExistsCheck struct{}

func (c *fileExistsCheck) Name() string { return CheckFileExists }

func (c *fileExistsCheck) Evaluate(_ context.Context, scope Scope, params map[string]any) (*Result, error) {
	rel := stringParam(params, "path", "")
	if rel == "" {
		return nil, fmt.Errorf("file_exists check: missing path param")
	}
	if filepath.IsAbs(rel) {
		return nil, fmt.Errorf("file_exists check: path must be relative: %s", rel)
	}
	full := filepath.Clean(filepath.Join(scope.WorktreePath, rel))
	if !strings.HasPrefix(full, filepath.Clean(scope.WorktreePath)+string(filepath.Separator)) {
		return nil, fmt.Errorf("file_exists check: path escapes worktree: %s", rel)
	}
	if _, err := os.Stat(full); err != nil {
		if os.IsNotExist(err) {
			return &Result{Passed: false, Message: fmt.Sprintf("%s does not exist", rel)}, nil
		}
		return nil, fmt.Errorf("file_exists check: stat %s: %w", rel, err)
	}
	return &Result{Passed: true, Message: fmt.Sprintf("%s exists", rel)}, nil
}

// prApprovalsCheck passes when the PR's recorded requirements are met by
// non-stale approvals with no outstanding changes_requested.
// Params: pr_number (defaults to scope PR).
type prApprovalsCheck struct {
	store *registry.Registry
}

func (c *prApprovalsCheck) Name() string { return CheckPRApprovalsMet }

func (c *prApprovalsCheck) Evaluate(ctx context.Context, scope Scope, params map[string]any) (*Result, error) {
	pr := intParam(params, "pr_number", scope.PRNumber)
	if pr == 0 {
		return nil, fmt.Errorf("pr_approvals_met check: no PR in scope")
	}
	ready, err := c.store.CheckPRMergeReady(ctx, pr)
	if err != nil {
		return nil, fmt.Errorf("pr_approvals_met check: %w", err)
	}
	if !ready {
		return &Result{Passed: false, Message: fmt.Sprintf("PR #%d approvals not met", pr)}, nil
	}
	return &Result{Passed: true, Message: fmt.Sprintf("PR #%d approvals met", pr)}, nil
}

// ciStatusCheck passes when the combined commit status for a ref is
// "success". Params: ref (defaults to the scope PR's head branch),
// allow_pending.
type ciStatusCheck struct {
	gh github.Client
}

func (c *ciStatusCheck) Name() string { return CheckCIStatus }

func (c *ciStatusCheck) Evaluate(ctx context.Context, scope Scope, params map[string]any) (*Result, error) {
	ref := stringParam(params, "ref", "")
	if ref == "" {
		if scope.PRNumber == 0 {
			return nil, fmt.Errorf("ci_status check: no ref param and no PR in scope")
		}
		pr, err := c.gh.GetPR(ctx, scope.PRNumber)
		if err != nil {
			return nil, fmt.Errorf("ci_status check: get PR #%d: %w", scope.PRNumber, err)
		}
		ref = pr.HeadRef
	}
	state, err := c.gh.CombinedStatus(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("ci_status check: combined status for %s: %w", ref, err)
	}
	passed := state == "success"
	return &Result{
		Passed:  passed,
		Message: fmt.Sprintf("CI for %s is %s", ref, state),
		Data:    map[string]any{"state": state, "ref": ref},
	}, nil
}

// labelsCheck passes when the issue (or PR) carries the required labels.
// Params: labels (required), match ("all" default, or "any"),
// issue_number (defaults to scope issue, then scope PR).
type labelsCheck struct {
	gh github.Client
}

func (c *labelsCheck) Name() string { return CheckLabels }

func (c *labelsCheck) Evaluate(ctx context.Context, scope Scope, params map[string]any) (*Result, error) {
	want := stringsParam(params, "labels")
	if len(want) == 0 {
		return nil, fmt.Errorf("labels check: missing labels param")
	}
	number := intParam(params, "issue_number", scope.IssueNumber)
	if number == 0 {
		number = scope.PRNumber
	}
	if number == 0 {
		return nil, fmt.Errorf("labels check: no issue or PR in scope")
	}
	issue, err := c.gh.GetIssue(ctx, number)
	if err != nil {
		return nil, fmt.Errorf("labels check: get issue #%d: %w", number, err)
	}

	have := make(map[string]bool, len(issue.Labels))
	for _, l := range issue.Labels {
		have[l] = true
	}

	matched := 0
	for _, l := range want {
		if have[l] {
			matched++
		}
	}
	passed := matched == len(want)
	if stringParam(params, "match", "all") == "any" {
		passed = matched > 0
	}
	return &Result{
		Passed:  passed,
		Message: fmt.Sprintf("#%d has %d/%d required labels", number, matched, len(want)),
		Data:    map[string]any{"labels": issue.Labels},
	}, nil
}

// branchFreshnessCheck passes when the PR's head branch is at most
// max_behind commits behind base. Params: base (defaults to PR base),
// max_behind (default 0).
type branchFreshnessCheck struct {
	gh github.Client
}

func (c *branchFreshnessCheck) Name() string { return CheckBranchUpToDate }

func (c *branchFreshnessCheck) Evaluate(ctx context.Context, scope Scope, params map[string]any) (*Result, error) {
	if scope.PRNumber == 0 {
		return nil, fmt.Errorf("branch_up_to_date check: no PR in scope")
	}
	pr, err := c.gh.GetPR(ctx, scope.PRNumber)
	if err != nil {
		return nil, fmt.Errorf("branch_up_to_date check: get PR #%d: %w", scope.PRNumber, err)
	}
	base := stringParam(params, "base", pr.BaseRef)
	behind, err := c.gh.BehindBy(ctx, base, pr.HeadRef)
	if err != nil {
		return nil, fmt.Errorf("branch_up_to_date check: compare %s...%s: %w", base, pr.HeadRef, err)
	}
	maxBehind := intParam(params, "max_behind", 0)
	return &Result{
		Passed:  behind <= maxBehind,
		Message: fmt.Sprintf("%s is %d commits behind %s", pr.HeadRef, behind, base),
		Data:    map[string]any{"behind": behind, "base": base},
	}, nil
}

// humanReviewCheck passes when the PR has an approving review from someone
// other than the bot. Params: pr_number (defaults to scope PR), count
// (default 1).
type humanReviewCheck struct {
	gh          github.Client
	botUsername string
}

func (c *humanReviewCheck) Name() string { return CheckHumanReview }

func (c *humanReviewCheck) Evaluate(ctx context.Context, scope Scope, params map[string]any) (*Result, error) {
	pr := intParam(params, "pr_number", scope.PRNumber)
	if pr == 0 {
		return nil, fmt.Errorf("human_review check: no PR in scope")
	}
	reviews, err := c.gh.ListReviews(ctx, pr)
	if err != nil {
		return nil, fmt.Errorf("human_review check: list reviews for #%d: %w", pr, err)
	}

	// Latest review per author wins; a later CHANGES_REQUESTED overrides an
	// earlier APPROVED.
	latest := make(map[string]string)
	for _, rv := range reviews {
		if rv.Author == c.botUsername {
			continue
		}
		if rv.State == "APPROVED" || rv.State == "CHANGES_REQUESTED" {
			latest[rv.Author] = rv.State
		}
	}
	approvals := 0
	for _, state := range latest {
		if state == "APPROVED" {
			approvals++
		}
	}
	need := intParam(params, "count", 1)
	return &Result{
		Passed:  approvals >= need,
		Message: fmt.Sprintf("PR #%d has %d/%d human approvals", pr, approvals, need),
		Data:    map[string]any{"approvals": approvals},
	}, nil
}
