package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	gogithub "github.com/google/go-github/v75/github"
	"github.com/sony/gobreaker"
)

// Config holds the wire client configuration.
type Config struct {
	// Owner and Repo identify the single repository squadron operates on.
	Owner string
	Repo  string

	// App credentials. PrivateKey is the PEM-encoded App key.
	AppID          int64
	InstallationID int64
	PrivateKey     []byte

	// RateReserve is how many remaining API calls are held back before
	// throttling (default 50).
	RateReserve int

	// BaseURL overrides the API endpoint (tests, GitHub Enterprise).
	BaseURL string
}

// restClient is the production Client over go-github.
type restClient struct {
	gh      *gogithub.Client
	owner   string
	repo    string
	rate    *rateGuard
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// New builds the authenticated REST client: App JWT → installation token
// transport, rate-limit guard, and an outage breaker that opens after
// repeated transport or 5xx failures.
func New(cfg Config) (Client, error) {
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("github: owner and repo are required")
	}
	if cfg.AppID == 0 || cfg.InstallationID == 0 || len(cfg.PrivateKey) == 0 {
		return nil, fmt.Errorf("github: app credentials are required")
	}

	source := newAppTokenSource(cfg.AppID, cfg.InstallationID, cfg.PrivateKey)
	httpClient := &http.Client{
		Transport: &installationTransport{source: source},
		Timeout:   30 * time.Second,
	}
	gh := gogithub.NewClient(httpClient)
	if cfg.BaseURL != "" {
		var err error
		gh, err = gh.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("github: base url: %w", err)
		}
	}
	return newRESTClient(gh, cfg), nil
}

// NewWithClient wraps a pre-built go-github client (tests use this with an
// httptest server and no App auth).
func NewWithClient(gh *gogithub.Client, cfg Config) Client {
	return newRESTClient(gh, cfg)
}

func newRESTClient(gh *gogithub.Client, cfg Config) *restClient {
	logger := slog.With("component", "github")
	return &restClient{
		gh:    gh,
		owner: cfg.Owner,
		repo:  cfg.Repo,
		rate:  newRateGuard(cfg.RateReserve, logger),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "github",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
			// Client-side errors (403, 404, 422) are real answers from a
			// healthy API; only transport failures and 5xx count against
			// the circuit.
			IsSuccessful: func(err error) bool {
				return err == nil || !isServerFailure(err)
			},
		}),
		logger: logger,
	}
}

// retrySchedule is the backoff for retriable failures within one call.
var retrySchedule = []time.Duration{time.Second, 3 * time.Second, 9 * time.Second}

// call runs fn under the rate guard, breaker, and backoff retry. fn returns
// the go-github response so rate headers are always observed.
func (c *restClient) call(ctx context.Context, op string, fn func() (*gogithub.Response, error)) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := c.rate.wait(ctx); err != nil {
			return err
		}
		_, err := c.breaker.Execute(func() (any, error) {
			resp, err := fn()
			c.rate.observe(resp)
			return nil, err
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if !isServerFailure(err) || attempt >= len(retrySchedule) {
			break
		}
		c.logger.Warn("GitHub call failed, retrying",
			"op", op, "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retrySchedule[attempt]):
		}
	}
	return fmt.Errorf("%s: %w", op, lastErr)
}

// isServerFailure reports whether err is a transport error or a 5xx —
// the retriable class.
func isServerFailure(err error) bool {
	var ghErr *gogithub.ErrorResponse
	if errors.As(err, &ghErr) {
		return ghErr.Response != nil && ghErr.Response.StatusCode >= 500
	}
	var rateErr *gogithub.RateLimitError
	if errors.As(err, &rateErr) {
		return false
	}
	// Anything that is not a structured API answer is a transport problem.
	return true
}

// IsPermissionDenied reports whether err is a 403 from the API. The
// REQUEST_CHANGES-on-own-PR fallback keys off this.
func IsPermissionDenied(err error) bool {
	var ghErr *gogithub.ErrorResponse
	return errors.As(err, &ghErr) && ghErr.Response != nil &&
		ghErr.Response.StatusCode == http.StatusForbidden
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var ghErr *gogithub.ErrorResponse
	return errors.As(err, &ghErr) && ghErr.Response != nil &&
		ghErr.Response.StatusCode == http.StatusNotFound
}

func (c *restClient) GetIssue(ctx context.Context, number int) (*Issue, error) {
	var out *Issue
	err := c.call(ctx, fmt.Sprintf("get issue %d", number), func() (*gogithub.Response, error) {
		issue, resp, err := c.gh.Issues.Get(ctx, c.owner, c.repo, number)
		if err == nil {
			out = convertIssue(issue)
		}
		return resp, err
	})
	return out, err
}

func (c *restClient) CreateIssue(ctx context.Context, title, body string, labels []string) (int, error) {
	var number int
	err := c.call(ctx, "create issue", func() (*gogithub.Response, error) {
		req := &gogithub.IssueRequest{Title: &title, Body: &body}
		if len(labels) > 0 {
			req.Labels = &labels
		}
		issue, resp, err := c.gh.Issues.Create(ctx, c.owner, c.repo, req)
		if err == nil {
			number = issue.GetNumber()
		}
		return resp, err
	})
	return number, err
}

func (c *restClient) CloseIssue(ctx context.Context, number int) error {
	state := "closed"
	return c.call(ctx, fmt.Sprintf("close issue %d", number), func() (*gogithub.Response, error) {
		_, resp, err := c.gh.Issues.Edit(ctx, c.owner, c.repo, number, &gogithub.IssueRequest{State: &state})
		return resp, err
	})
}

func (c *restClient) AssignIssue(ctx context.Context, number int, assignees []string) error {
	return c.call(ctx, fmt.Sprintf("assign issue %d", number), func() (*gogithub.Response, error) {
		_, resp, err := c.gh.Issues.AddAssignees(ctx, c.owner, c.repo, number, assignees)
		return resp, err
	})
}

func (c *restClient) AddLabels(ctx context.Context, number int, labels []string) error {
	return c.call(ctx, fmt.Sprintf("label issue %d", number), func() (*gogithub.Response, error) {
		_, resp, err := c.gh.Issues.AddLabelsToIssue(ctx, c.owner, c.repo, number, labels)
		return resp, err
	})
}

func (c *restClient) RemoveLabel(ctx context.Context, number int, label string) error {
	return c.call(ctx, fmt.Sprintf("unlabel issue %d", number), func() (*gogithub.Response, error) {
		resp, err := c.gh.Issues.RemoveLabelForIssue(ctx, c.owner, c.repo, number, label)
		if IsNotFound(err) {
			// The label was not on the issue; removal is idempotent.
			err = nil
		}
		return resp, err
	})
}

func (c *restClient) CreateComment(ctx context.Context, issueNumber int, body string) error {
	return c.call(ctx, fmt.Sprintf("comment on %d", issueNumber), func() (*gogithub.Response, error) {
		_, resp, err := c.gh.Issues.CreateComment(ctx, c.owner, c.repo, issueNumber,
			&gogithub.IssueComment{Body: &body})
		return resp, err
	})
}

func (c *restClient) ListOpenIssuesWithLabels(ctx context.Context, labels []string) ([]*Issue, error) {
	var out []*Issue
	opts := &gogithub.IssueListByRepoOptions{
		State:       "open",
		Labels:      labels,
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}
	for {
		var page []*gogithub.Issue
		var resp *gogithub.Response
		err := c.call(ctx, "list open issues", func() (*gogithub.Response, error) {
			var err error
			page, resp, err = c.gh.Issues.ListByRepo(ctx, c.owner, c.repo, opts)
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, issue := range page {
			if issue.IsPullRequest() {
				continue
			}
			out = append(out, convertIssue(issue))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.ListOptions.Page = resp.NextPage
	}
	return out, nil
}

func (c *restClient) GetPR(ctx context.Context, number int) (*PullRequest, error) {
	var out *PullRequest
	err := c.call(ctx, fmt.Sprintf("get pr %d", number), func() (*gogithub.Response, error) {
		pr, resp, err := c.gh.PullRequests.Get(ctx, c.owner, c.repo, number)
		if err == nil {
			out = convertPR(pr)
		}
		return resp, err
	})
	return out, err
}

func (c *restClient) CreatePR(ctx context.Context, title, body, head, base string) (int, error) {
	var number int
	err := c.call(ctx, "create pr", func() (*gogithub.Response, error) {
		pr, resp, err := c.gh.PullRequests.Create(ctx, c.owner, c.repo, &gogithub.NewPullRequest{
			Title: &title, Body: &body, Head: &head, Base: &base,
		})
		if err == nil {
			number = pr.GetNumber()
		}
		return resp, err
	})
	return number, err
}

func (c *restClient) MergePR(ctx context.Context, number int, method string) error {
	if method == "" {
		method = "squash"
	}
	return c.call(ctx, fmt.Sprintf("merge pr %d", number), func() (*gogithub.Response, error) {
		_, resp, err := c.gh.PullRequests.Merge(ctx, c.owner, c.repo, number, "",
			&gogithub.PullRequestOptions{MergeMethod: method})
		return resp, err
	})
}

func (c *restClient) ListOpenPRs(ctx context.Context) ([]*PullRequest, error) {
	var out []*PullRequest
	opts := &gogithub.PullRequestListOptions{
		State:       "open",
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}
	for {
		var page []*gogithub.PullRequest
		var resp *gogithub.Response
		err := c.call(ctx, "list open prs", func() (*gogithub.Response, error) {
			var err error
			page, resp, err = c.gh.PullRequests.List(ctx, c.owner, c.repo, opts)
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, pr := range page {
			out = append(out, convertPR(pr))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (c *restClient) ListReviews(ctx context.Context, prNumber int) ([]*Review, error) {
	var out []*Review
	err := c.call(ctx, fmt.Sprintf("list reviews for pr %d", prNumber), func() (*gogithub.Response, error) {
		reviews, resp, err := c.gh.PullRequests.ListReviews(ctx, c.owner, c.repo, prNumber,
			&gogithub.ListOptions{PerPage: 100})
		if err == nil {
			for _, r := range reviews {
				out = append(out, &Review{
					ID:     r.GetID(),
					Author: r.GetUser().GetLogin(),
					State:  r.GetState(),
					Body:   r.GetBody(),
				})
			}
		}
		return resp, err
	})
	return out, err
}

func (c *restClient) SubmitReview(ctx context.Context, prNumber int, body, event string, comments []ReviewComment) error {
	req := &gogithub.PullRequestReviewRequest{Body: &body, Event: &event}
	for _, rc := range comments {
		path, line, text := rc.Path, rc.Line, rc.Body
		req.Comments = append(req.Comments, &gogithub.DraftReviewComment{
			Path: &path, Line: &line, Body: &text,
		})
	}
	return c.call(ctx, fmt.Sprintf("submit %s review on pr %d", event, prNumber), func() (*gogithub.Response, error) {
		_, resp, err := c.gh.PullRequests.CreateReview(ctx, c.owner, c.repo, prNumber, req)
		return resp, err
	})
}

func (c *restClient) CombinedStatus(ctx context.Context, ref string) (string, error) {
	var state string
	err := c.call(ctx, fmt.Sprintf("combined status for %s", ref), func() (*gogithub.Response, error) {
		status, resp, err := c.gh.Repositories.GetCombinedStatus(ctx, c.owner, c.repo, ref, nil)
		if err == nil {
			state = status.GetState()
		}
		return resp, err
	})
	return state, err
}

func (c *restClient) BranchHeadSHA(ctx context.Context, branch string) (string, error) {
	var sha string
	err := c.call(ctx, fmt.Sprintf("get branch %s", branch), func() (*gogithub.Response, error) {
		b, resp, err := c.gh.Repositories.GetBranch(ctx, c.owner, c.repo, branch, 1)
		if err == nil {
			sha = b.GetCommit().GetSHA()
		}
		return resp, err
	})
	return sha, err
}

func (c *restClient) BehindBy(ctx context.Context, base, head string) (int, error) {
	var behind int
	err := c.call(ctx, fmt.Sprintf("compare %s...%s", base, head), func() (*gogithub.Response, error) {
		cmp, resp, err := c.gh.Repositories.CompareCommits(ctx, c.owner, c.repo, base, head, nil)
		if err == nil {
			behind = cmp.GetBehindBy()
		}
		return resp, err
	})
	return behind, err
}

func convertIssue(issue *gogithub.Issue) *Issue {
	out := &Issue{
		Number: issue.GetNumber(),
		Title:  issue.GetTitle(),
		Body:   issue.GetBody(),
		State:  issue.GetState(),
	}
	for _, l := range issue.Labels {
		out.Labels = append(out.Labels, l.GetName())
	}
	for _, a := range issue.Assignees {
		out.Assignees = append(out.Assignees, a.GetLogin())
	}
	return out
}

func convertPR(pr *gogithub.PullRequest) *PullRequest {
	return &PullRequest{
		Number:  pr.GetNumber(),
		Title:   pr.GetTitle(),
		Body:    pr.GetBody(),
		State:   pr.GetState(),
		Merged:  pr.GetMerged(),
		Draft:   pr.GetDraft(),
		Author:  pr.GetUser().GetLogin(),
		HeadRef: pr.GetHead().GetRef(),
		HeadSHA: pr.GetHead().GetSHA(),
		BaseRef: pr.GetBase().GetRef(),
	}
}
