package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector records dispatched events in order.
type collector struct {
	mu  sync.Mutex
	got []*Event
}

func (c *collector) handler(_ context.Context, ev *Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, ev)
	return nil
}

func (c *collector) events() []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Event{}, c.got...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func rawIssueOpened(delivery string, number int) *GitHubEvent {
	return &GitHubEvent{
		DeliveryID: delivery,
		Type:       "issues",
		Action:     "opened",
		Payload:    issuePayload(number, nil),
	}
}

func TestRouterDedup(t *testing.T) {
	r := NewRouter(Config{QueueSize: 16, DedupWindow: 8}, nil)
	c := &collector{}
	r.Register(c.handler, IssueOpened)
	r.Start(context.Background())
	defer r.Stop()

	require.True(t, r.Enqueue(rawIssueOpened("X", 1)))
	require.True(t, r.Enqueue(rawIssueOpened("X", 1)))
	require.True(t, r.Enqueue(rawIssueOpened("Y", 2)))

	waitFor(t, func() bool { return len(c.events()) >= 2 })
	got := c.events()
	require.Len(t, got, 2)
	assert.Equal(t, "X", got[0].SourceDeliveryID)
	assert.Equal(t, "Y", got[1].SourceDeliveryID)
}

func TestRouterOrderingAndIsolation(t *testing.T) {
	r := NewRouter(Config{QueueSize: 16, DedupWindow: 8}, nil)
	c := &collector{}

	// A failing and a panicking handler registered before the collector:
	// both must be isolated.
	r.Register(func(context.Context, *Event) error {
		return errors.New("boom")
	}, IssueOpened)
	r.Register(func(context.Context, *Event) error {
		panic("worse boom")
	}, IssueOpened)
	r.Register(c.handler, IssueOpened)

	r.Start(context.Background())
	defer r.Stop()

	for i := 1; i <= 5; i++ {
		require.True(t, r.Enqueue(rawIssueOpened(string(rune('a'+i)), i)))
	}

	waitFor(t, func() bool { return len(c.events()) == 5 })
	for i, ev := range c.events() {
		assert.Equal(t, i+1, *ev.IssueNumber, "events must dispatch in arrival order")
	}
}

func TestRouterQueueFull(t *testing.T) {
	// Router not started: nothing drains the queue.
	r := NewRouter(Config{QueueSize: 2, DedupWindow: 8}, nil)
	assert.True(t, r.Enqueue(rawIssueOpened("a", 1)))
	assert.True(t, r.Enqueue(rawIssueOpened("b", 2)))
	assert.False(t, r.Enqueue(rawIssueOpened("c", 3)))
}

func TestRouterInternalEvents(t *testing.T) {
	r := NewRouter(Config{QueueSize: 16, DedupWindow: 8}, nil)
	c := &collector{}
	r.Register(c.handler, WakeAgent)
	r.Start(context.Background())
	defer r.Stop()

	require.True(t, r.PublishInternal(&Event{Type: WakeAgent, AgentID: "feat-dev-issue-42"}))

	waitFor(t, func() bool { return len(c.events()) == 1 })
	assert.Equal(t, "feat-dev-issue-42", c.events()[0].AgentID)
}

// sinkRecorder records pipeline sink calls.
type sinkRecorder struct {
	mu        sync.Mutex
	evaluated []*Event
	reacted   []*Event
}

func (s *sinkRecorder) EvaluateEvent(_ context.Context, ev *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evaluated = append(s.evaluated, ev)
}

func (s *sinkRecorder) OnEvent(_ context.Context, ev *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reacted = append(s.reacted, ev)
}

func (s *sinkRecorder) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.evaluated), len(s.reacted)
}

func TestRouterPipelineSink(t *testing.T) {
	r := NewRouter(Config{QueueSize: 16, DedupWindow: 8}, nil)
	sink := &sinkRecorder{}
	r.SetPipelineSink(sink)
	r.Start(context.Background())
	defer r.Stop()

	require.True(t, r.Enqueue(rawIssueOpened("d-1", 42)))

	waitFor(t, func() bool { e, o := sink.counts(); return e == 1 && o == 1 })
}
