package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadron-dev/squadron/pkg/commands"
)

func issuePayload(number int, extra map[string]any) map[string]any {
	issue := map[string]any{"number": float64(number)}
	for k, v := range extra {
		issue[k] = v
	}
	return map[string]any{
		"issue":  issue,
		"sender": map[string]any{"login": "octocat", "type": "User"},
	}
}

func TestConvert(t *testing.T) {
	t.Run("issue opened", func(t *testing.T) {
		ev, ok := Convert(&GitHubEvent{
			DeliveryID: "d-1",
			Type:       "issues",
			Action:     "opened",
			Payload:    issuePayload(42, nil),
		}, nil)
		require.True(t, ok)
		assert.Equal(t, IssueOpened, ev.Type)
		assert.Equal(t, "d-1", ev.SourceDeliveryID)
		require.NotNil(t, ev.IssueNumber)
		assert.Equal(t, 42, *ev.IssueNumber)
		assert.Nil(t, ev.PRNumber)
		assert.Equal(t, "octocat", ev.Sender)
		assert.False(t, ev.SenderIsBot)
	})

	t.Run("unknown pair dropped", func(t *testing.T) {
		_, ok := Convert(&GitHubEvent{Type: "issues", Action: "milestoned"}, nil)
		assert.False(t, ok)
	})

	t.Run("bare push", func(t *testing.T) {
		ev, ok := Convert(&GitHubEvent{Type: "push", Payload: map[string]any{
			"ref": "refs/heads/main",
		}}, nil)
		require.True(t, ok)
		assert.Equal(t, Push, ev.Type)
	})

	t.Run("pr synchronize", func(t *testing.T) {
		ev, ok := Convert(&GitHubEvent{
			Type:   "pull_request",
			Action: "synchronize",
			Payload: map[string]any{
				"pull_request": map[string]any{"number": float64(87)},
				"sender":       map[string]any{"login": "squadron[bot]", "type": "Bot"},
			},
		}, nil)
		require.True(t, ok)
		assert.Equal(t, PRSynchronized, ev.Type)
		require.NotNil(t, ev.PRNumber)
		assert.Equal(t, 87, *ev.PRNumber)
		assert.True(t, ev.SenderIsBot)
	})

	t.Run("issue comment on PR carries both numbers", func(t *testing.T) {
		payload := issuePayload(42, map[string]any{"pull_request": map[string]any{}})
		payload["comment"] = map[string]any{"id": float64(9001), "body": "looks fine"}
		ev, ok := Convert(&GitHubEvent{Type: "issue_comment", Action: "created", Payload: payload}, nil)
		require.True(t, ok)
		assert.Equal(t, 42, *ev.IssueNumber)
		assert.Equal(t, 42, *ev.PRNumber)
		assert.Equal(t, int64(9001), ev.CommentID)
		assert.Equal(t, "looks fine", ev.CommentBody)
	})

	t.Run("review comment falls back to pull_request_url", func(t *testing.T) {
		ev, ok := Convert(&GitHubEvent{
			Type:   "pull_request_review_comment",
			Action: "created",
			Payload: map[string]any{
				"comment": map[string]any{
					"body":             "nit",
					"pull_request_url": "https://api.github.com/repos/o/r/pulls/87",
				},
			},
		}, nil)
		require.True(t, ok)
		require.NotNil(t, ev.PRNumber)
		assert.Equal(t, 87, *ev.PRNumber)
	})

	t.Run("review body used when no comment", func(t *testing.T) {
		ev, ok := Convert(&GitHubEvent{
			Type:   "pull_request_review",
			Action: "submitted",
			Payload: map[string]any{
				"pull_request": map[string]any{"number": float64(10)},
				"review":       map[string]any{"body": "please fix", "state": "changes_requested"},
			},
		}, nil)
		require.True(t, ok)
		assert.Equal(t, PRReviewSubmitted, ev.Type)
		assert.Equal(t, "please fix", ev.CommentBody)
	})

	t.Run("commands and mentions extracted", func(t *testing.T) {
		parser := commands.NewParser(commands.Config{
			KnownAgents: []string{"feat-dev"},
		})
		payload := issuePayload(42, nil)
		payload["comment"] = map[string]any{"body": "/squadron status\ncc @feat-dev"}
		ev, ok := Convert(&GitHubEvent{Type: "issue_comment", Action: "created", Payload: payload}, parser)
		require.True(t, ok)
		require.NotNil(t, ev.Command)
		assert.Equal(t, "status", ev.Command.Name)
		assert.Equal(t, []string{"feat-dev"}, ev.MentionedRoles)
	})
}
