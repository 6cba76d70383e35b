// Package activity is the append-only structured event store behind the
// dashboard: every component records milestones here; entries are persisted
// through the registry and fanned out to live SSE subscribers over bounded
// channels. A subscriber that falls behind is dropped rather than ever
// blocking a producer.
package activity

import (
	"context"
	"log/slog"
	"sync"

	"github.com/squadron-dev/squadron/pkg/masking"
	"github.com/squadron-dev/squadron/pkg/models"
	"github.com/squadron-dev/squadron/pkg/registry"
)

// defaultSubscriberBuffer is the per-subscriber channel capacity.
const defaultSubscriberBuffer = 64

// Log persists activity entries and fans them out to subscribers.
type Log struct {
	reg    *registry.Registry
	masker *masking.Masker
	logger *slog.Logger

	mu      sync.Mutex
	subs    map[int]chan *models.ActivityEvent
	nextSub int
}

// NewLog creates an activity log. masker may be nil (no redaction).
func NewLog(reg *registry.Registry, masker *masking.Masker) *Log {
	return &Log{
		reg:    reg,
		masker: masker,
		logger: slog.With("component", "activity"),
		subs:   make(map[int]chan *models.ActivityEvent),
	}
}

// Record masks, persists, and fans out one entry. Persistence failures are
// logged, never propagated: activity is observability, not control flow.
func (l *Log) Record(ctx context.Context, ev *models.ActivityEvent) {
	if l == nil {
		return
	}
	if l.masker != nil {
		ev.Message = l.masker.Mask(ev.Message)
		ev.Payload = models.JSONMap(l.masker.MaskMap(ev.Payload))
	}
	if err := l.reg.InsertActivity(ctx, ev); err != nil {
		l.logger.Error("Failed to persist activity entry", "kind", ev.Kind, "error", err)
		return
	}
	l.fanOut(ev)
}

// Agent records an agent-scoped entry.
func (l *Log) Agent(ctx context.Context, agentID, kind, message string, payload models.JSONMap) {
	l.Record(ctx, &models.ActivityEvent{
		AgentID: &agentID,
		Kind:    kind,
		Message: message,
		Payload: payload,
	})
}

// Run records a pipeline-run-scoped entry.
func (l *Log) Run(ctx context.Context, runID, kind, message string, payload models.JSONMap) {
	l.Record(ctx, &models.ActivityEvent{
		RunID:   &runID,
		Kind:    kind,
		Message: message,
		Payload: payload,
	})
}

// System records an unscoped entry.
func (l *Log) System(ctx context.Context, kind, message string, payload models.JSONMap) {
	l.Record(ctx, &models.ActivityEvent{Kind: kind, Message: message, Payload: payload})
}

// Subscribe registers a live subscriber and returns its channel plus a
// cancel function. The channel is closed on cancel or when the subscriber
// is dropped for falling behind.
func (l *Log) Subscribe() (<-chan *models.ActivityEvent, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextSub
	l.nextSub++
	ch := make(chan *models.ActivityEvent, defaultSubscriberBuffer)
	l.subs[id] = ch

	cancel := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if c, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// CatchUp returns persisted entries newer than sinceID, for subscribers
// resuming after a disconnect.
func (l *Log) CatchUp(ctx context.Context, sinceID int64, limit int) ([]*models.ActivityEvent, error) {
	return l.reg.ListActivitySince(ctx, sinceID, limit)
}

func (l *Log) fanOut(ev *models.ActivityEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, ch := range l.subs {
		select {
		case ch <- ev:
		default:
			// Full buffer means the consumer stopped reading. Drop it; it
			// can reconnect and catch up from the persisted log.
			delete(l.subs, id)
			close(ch)
			l.logger.Warn("Dropped slow activity subscriber", "subscriber", id)
		}
	}
}
