package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadron-dev/squadron/pkg/github"
)

type recordingNotifier struct {
	got []Escalation
	err error
}

func (r *recordingNotifier) Notify(_ context.Context, esc Escalation) error {
	r.got = append(r.got, esc)
	return r.err
}

func TestFanoutDeliversToAllChannels(t *testing.T) {
	a := &recordingNotifier{}
	b := &recordingNotifier{}
	fanout := NewFanout(a, nil, b)

	esc := Escalation{AgentID: "dev-42-a1b2", Role: "developer", Reason: "merge conflict"}
	require.NoError(t, fanout.Notify(context.Background(), esc))

	require.Len(t, a.got, 1)
	require.Len(t, b.got, 1)
	assert.Equal(t, "dev-42-a1b2", a.got[0].AgentID)
}

func TestFanoutIsFailOpen(t *testing.T) {
	failing := &recordingNotifier{err: errors.New("channel down")}
	healthy := &recordingNotifier{}
	fanout := NewFanout(failing, healthy)

	require.NoError(t, fanout.Notify(context.Background(), Escalation{AgentID: "x"}))
	assert.Len(t, healthy.got, 1)
}

func TestGitHubNotifierCommentsOnIssue(t *testing.T) {
	fake := &github.Fake{}
	fake.SeedIssue(7, "Flaky login test")
	n := NewGitHubNotifier(fake, []string{"oncall"})

	err := n.Notify(context.Background(), Escalation{
		AgentID:     "triage-7-c3d4",
		Role:        "triage",
		Reason:      "needs human judgement",
		IssueNumber: 7,
		Summary:     "Ambiguous reproduction steps.",
	})
	require.NoError(t, err)

	bodies := fake.CommentBodies(7)
	require.Len(t, bodies, 1)
	assert.Contains(t, bodies[0], "triage-7-c3d4")
	assert.Contains(t, bodies[0], "needs human judgement")
	assert.Contains(t, bodies[0], "cc @oncall")
}

func TestGitHubNotifierRequiresTarget(t *testing.T) {
	n := NewGitHubNotifier(&github.Fake{}, nil)
	err := n.Notify(context.Background(), Escalation{AgentID: "orphan"})
	assert.Error(t, err)
}

func TestNewSlackNotifierNilWithoutConfig(t *testing.T) {
	assert.Nil(t, NewSlackNotifier("", "#squadron"))
	assert.Nil(t, NewSlackNotifier("xoxb-token", ""))
	assert.NotNil(t, NewSlackNotifier("xoxb-token", "#squadron"))
}
