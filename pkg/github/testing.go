package github

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	gogithub "github.com/google/go-github/v75/github"
)

// Fake is an in-memory Client for tests across packages. All mutating calls
// are recorded; state is seeded directly on the struct. Zero value is
// usable.
type Fake struct {
	mu sync.Mutex

	Issues  map[int]*Issue
	PRs     map[int]*PullRequest
	Reviews map[int][]*Review

	// Statuses maps ref → combined CI state ("success", "pending", ...).
	Statuses map[string]string
	// BranchSHAs maps branch → head SHA.
	BranchSHAs map[string]string
	// Behind maps "base...head" → commits behind.
	Behind map[string]int

	// Comments records CreateComment calls as (issue, body) pairs.
	Comments []FakeComment
	// AddedLabels records AddLabels calls.
	AddedLabels map[int][]string
	// SubmittedReviews records SubmitReview calls.
	SubmittedReviews []FakeReview
	// MergedPRs records MergePR calls.
	MergedPRs []int

	// SubmitReviewErr, when set, is returned by SubmitReview. Use
	// ErrForbidden for the 403 fallback path.
	SubmitReviewErr error

	nextIssue int
	nextPR    int
}

// FakeComment is one recorded CreateComment call.
type FakeComment struct {
	Issue int
	Body  string
}

// FakeReview is one recorded SubmitReview call.
type FakeReview struct {
	PR    int
	Body  string
	Event string
}

// ErrForbidden is a ready-made 403 for exercising permission fallbacks.
var ErrForbidden = &gogithub.ErrorResponse{
	Response: &http.Response{StatusCode: http.StatusForbidden},
	Message:  "Resource not accessible by integration",
}

func (f *Fake) init() {
	if f.Issues == nil {
		f.Issues = make(map[int]*Issue)
	}
	if f.PRs == nil {
		f.PRs = make(map[int]*PullRequest)
	}
	if f.Reviews == nil {
		f.Reviews = make(map[int][]*Review)
	}
	if f.AddedLabels == nil {
		f.AddedLabels = make(map[int][]string)
	}
	if f.Statuses == nil {
		f.Statuses = make(map[string]string)
	}
	if f.BranchSHAs == nil {
		f.BranchSHAs = make(map[string]string)
	}
	if f.Behind == nil {
		f.Behind = make(map[string]int)
	}
}

// SeedIssue registers an issue and returns it.
func (f *Fake) SeedIssue(number int, title string, labels ...string) *Issue {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	issue := &Issue{Number: number, Title: title, State: "open", Labels: labels}
	f.Issues[number] = issue
	return issue
}

// SeedPR registers a pull request and returns it.
func (f *Fake) SeedPR(number int, headRef, author string) *PullRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	pr := &PullRequest{Number: number, State: "open", HeadRef: headRef, Author: author}
	f.PRs[number] = pr
	return pr
}

// CommentBodies returns all recorded comment bodies for an issue.
func (f *Fake) CommentBodies(issue int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.Comments {
		if c.Issue == issue {
			out = append(out, c.Body)
		}
	}
	return out
}

func (f *Fake) GetIssue(_ context.Context, number int) (*Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	issue, ok := f.Issues[number]
	if !ok {
		return nil, fmt.Errorf("issue %d: not found", number)
	}
	cp := *issue
	return &cp, nil
}

func (f *Fake) CreateIssue(_ context.Context, title, body string, labels []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	f.nextIssue++
	number := 1000 + f.nextIssue
	f.Issues[number] = &Issue{Number: number, Title: title, Body: body, State: "open", Labels: labels}
	return number, nil
}

func (f *Fake) CloseIssue(_ context.Context, number int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	if issue, ok := f.Issues[number]; ok {
		issue.State = "closed"
	}
	return nil
}

func (f *Fake) AssignIssue(_ context.Context, number int, assignees []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	if issue, ok := f.Issues[number]; ok {
		issue.Assignees = append(issue.Assignees, assignees...)
	}
	return nil
}

func (f *Fake) AddLabels(_ context.Context, number int, labels []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	f.AddedLabels[number] = append(f.AddedLabels[number], labels...)
	if issue, ok := f.Issues[number]; ok {
		issue.Labels = append(issue.Labels, labels...)
	}
	return nil
}

func (f *Fake) RemoveLabel(_ context.Context, number int, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	if issue, ok := f.Issues[number]; ok {
		kept := issue.Labels[:0]
		for _, l := range issue.Labels {
			if l != label {
				kept = append(kept, l)
			}
		}
		issue.Labels = kept
	}
	return nil
}

func (f *Fake) CreateComment(_ context.Context, issueNumber int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Comments = append(f.Comments, FakeComment{Issue: issueNumber, Body: body})
	return nil
}

func (f *Fake) ListOpenIssuesWithLabels(_ context.Context, labels []string) ([]*Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	var out []*Issue
	for _, issue := range f.Issues {
		if issue.State != "open" {
			continue
		}
		if hasAllLabels(issue.Labels, labels) {
			cp := *issue
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *Fake) GetPR(_ context.Context, number int) (*PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	pr, ok := f.PRs[number]
	if !ok {
		return nil, fmt.Errorf("pr %d: not found", number)
	}
	cp := *pr
	return &cp, nil
}

func (f *Fake) CreatePR(_ context.Context, title, body, head, base string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	f.nextPR++
	number := 2000 + f.nextPR
	f.PRs[number] = &PullRequest{
		Number: number, Title: title, Body: body, State: "open",
		HeadRef: head, BaseRef: base,
	}
	return number, nil
}

func (f *Fake) MergePR(_ context.Context, number int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	f.MergedPRs = append(f.MergedPRs, number)
	if pr, ok := f.PRs[number]; ok {
		pr.State = "closed"
		pr.Merged = true
	}
	return nil
}

func (f *Fake) ListOpenPRs(_ context.Context) ([]*PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	var out []*PullRequest
	for _, pr := range f.PRs {
		if pr.State == "open" {
			cp := *pr
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *Fake) ListReviews(_ context.Context, prNumber int) ([]*Review, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	return append([]*Review{}, f.Reviews[prNumber]...), nil
}

func (f *Fake) SubmitReview(_ context.Context, prNumber int, body, event string, _ []ReviewComment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubmitReviewErr != nil {
		return f.SubmitReviewErr
	}
	f.SubmittedReviews = append(f.SubmittedReviews, FakeReview{PR: prNumber, Body: body, Event: event})
	return nil
}

func (f *Fake) CombinedStatus(_ context.Context, ref string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	if state, ok := f.Statuses[ref]; ok {
		return state, nil
	}
	return "pending", nil
}

func (f *Fake) BranchHeadSHA(_ context.Context, branch string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	if sha, ok := f.BranchSHAs[branch]; ok {
		return sha, nil
	}
	return "", fmt.Errorf("branch %s: not found", branch)
}

func (f *Fake) BehindBy(_ context.Context, base, head string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	return f.Behind[base+"..."+head], nil
}

func hasAllLabels(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

var _ Client = (*Fake)(nil)
