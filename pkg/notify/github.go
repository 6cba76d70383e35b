package notify

import (
	"context"
	"fmt"

	"github.com/squadron-dev/squadron/pkg/github"
)

// GitHubNotifier posts the escalation as a comment on the issue or PR the
// agent was working, mentioning the configured humans.
type GitHubNotifier struct {
	client  github.Client
	mention []string
}

// NewGitHubNotifier creates a notifier mentioning the given GitHub logins.
func NewGitHubNotifier(client github.Client, mention []string) *GitHubNotifier {
	return &GitHubNotifier{client: client, mention: mention}
}

func (n *GitHubNotifier) Notify(ctx context.Context, esc Escalation) error {
	number := esc.IssueNumber
	if number == 0 {
		number = esc.PRNumber
	}
	if number == 0 {
		return fmt.Errorf("escalation from %s has no issue or PR to comment on", esc.AgentID)
	}

	body := formatBody(esc)
	for _, login := range n.mention {
		body += " cc @" + login
	}
	if err := n.client.CreateComment(ctx, number, body); err != nil {
		return fmt.Errorf("post escalation comment on #%d: %w", number, err)
	}
	return nil
}

var _ Notifier = (*GitHubNotifier)(nil)
