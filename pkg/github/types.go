// Package github wraps the GitHub REST API behind the narrow Client
// interface the orchestration core consumes: issues, comments, labels, pull
// requests, reviews, and CI status. The implementation layers GitHub App
// authentication (JWT → installation token), rate-limit discipline, and an
// outage circuit breaker over go-github.
package github

import "context"

// Issue is the subset of issue state the core reads.
type Issue struct {
	Number    int
	Title     string
	Body      string
	State     string // "open" | "closed"
	Labels    []string
	Assignees []string
}

// PullRequest is the subset of PR state the core reads.
type PullRequest struct {
	Number  int
	Title   string
	Body    string
	State   string // "open" | "closed"
	Merged  bool
	Draft   bool
	Author  string
	HeadRef string
	HeadSHA string
	BaseRef string
}

// Review is one submitted PR review.
type Review struct {
	ID     int64
	Author string
	State  string // "APPROVED" | "CHANGES_REQUESTED" | "COMMENTED" | "DISMISSED"
	Body   string
}

// ReviewComment is one inline comment attached to a submitted review.
type ReviewComment struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Body string `json:"body"`
}

// Review event verbs accepted by SubmitReview.
const (
	ReviewApprove        = "APPROVE"
	ReviewRequestChanges = "REQUEST_CHANGES"
	ReviewCommentOnly    = "COMMENT"
)

// Client is the GitHub surface the core depends on. Production uses the
// REST implementation from New; tests use the Fake.
type Client interface {
	// Issues.
	GetIssue(ctx context.Context, number int) (*Issue, error)
	CreateIssue(ctx context.Context, title, body string, labels []string) (int, error)
	CloseIssue(ctx context.Context, number int) error
	AssignIssue(ctx context.Context, number int, assignees []string) error
	AddLabels(ctx context.Context, number int, labels []string) error
	RemoveLabel(ctx context.Context, number int, label string) error
	CreateComment(ctx context.Context, issueNumber int, body string) error
	ListOpenIssuesWithLabels(ctx context.Context, labels []string) ([]*Issue, error)

	// Pull requests.
	GetPR(ctx context.Context, number int) (*PullRequest, error)
	CreatePR(ctx context.Context, title, body, head, base string) (int, error)
	MergePR(ctx context.Context, number int, method string) error
	ListOpenPRs(ctx context.Context) ([]*PullRequest, error)
	ListReviews(ctx context.Context, prNumber int) ([]*Review, error)
	SubmitReview(ctx context.Context, prNumber int, body, event string, comments []ReviewComment) error

	// CI and branches.
	CombinedStatus(ctx context.Context, ref string) (string, error)
	BranchHeadSHA(ctx context.Context, branch string) (string, error)
	BehindBy(ctx context.Context, base, head string) (int, error)
}
