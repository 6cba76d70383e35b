package events

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/squadron-dev/squadron/pkg/commands"
)

// Handler reacts to one internal event. Handler errors are logged and
// isolated: later handlers for the same event still run.
type Handler func(ctx context.Context, ev *Event) error

// PipelineSink is the pipeline engine as seen by the router. EvaluateEvent
// checks pipeline triggers; OnEvent feeds reactive subscriptions. Both run
// after the registered handlers.
type PipelineSink interface {
	EvaluateEvent(ctx context.Context, ev *Event)
	OnEvent(ctx context.Context, ev *Event)
}

// Config sizes the router.
type Config struct {
	// QueueSize bounds the raw event queue; a full queue rejects deliveries
	// (the webhook endpoint answers 503).
	QueueSize int
	// DedupWindow is how many recent delivery ids are remembered. Oldest
	// entries are evicted first.
	DedupWindow int
}

// DefaultConfig returns production defaults for the router.
func DefaultConfig() Config {
	return Config{QueueSize: 256, DedupWindow: 1024}
}

// queued is one unit of work for the dispatch goroutine: either a raw
// delivery to convert, or an already-typed internal event.
type queued struct {
	raw      *GitHubEvent
	internal *Event
}

// Router owns the bounded event queue and the single dispatch goroutine
// that preserves arrival order.
type Router struct {
	queue  chan queued
	dedup  *lru.Cache[string, struct{}]
	parser *commands.Parser
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[EventType][]Handler
	pipeline PipelineSink

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRouter creates a router. parser may be nil (no command extraction).
func NewRouter(cfg Config, parser *commands.Parser) *Router {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultConfig().DedupWindow
	}
	dedup, _ := lru.New[string, struct{}](cfg.DedupWindow)
	return &Router{
		queue:    make(chan queued, cfg.QueueSize),
		dedup:    dedup,
		parser:   parser,
		logger:   slog.With("component", "events"),
		handlers: make(map[EventType][]Handler),
	}
}

// Register appends a handler for the given event types. Handlers run in
// registration order.
func (r *Router) Register(h Handler, types ...EventType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range types {
		r.handlers[t] = append(r.handlers[t], h)
	}
}

// SetPipelineSink wires the pipeline engine. Called once during startup.
func (r *Router) SetPipelineSink(s PipelineSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipeline = s
}

// Enqueue offers a raw delivery to the queue without blocking. Returns
// false when the queue is full; the caller surfaces back-pressure.
func (r *Router) Enqueue(ev *GitHubEvent) bool {
	select {
	case r.queue <- queued{raw: ev}:
		return true
	default:
		r.logger.Warn("Event queue full, delivery rejected",
			"delivery_id", ev.DeliveryID, "event", ev.String())
		return false
	}
}

// PublishInternal enqueues an internal event (blocker.resolved,
// wake.agent). Internal events skip dedup and conversion but share the
// dispatch queue, so ordering with webhook events is preserved. Returns
// false when the queue is full.
func (r *Router) PublishInternal(ev *Event) bool {
	select {
	case r.queue <- queued{internal: ev}:
		return true
	default:
		r.logger.Warn("Event queue full, internal event dropped", "type", ev.Type)
		return false
	}
}

// Start launches the dispatch goroutine.
func (r *Router) Start(ctx context.Context) {
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.run(ctx)
	r.logger.Info("Event router started", "queue_size", cap(r.queue))
}

// Stop signals the dispatch goroutine to exit and waits for it.
func (r *Router) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.logger.Info("Event router stopped")
}

func (r *Router) run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-r.queue:
			if item.internal != nil {
				r.dispatch(ctx, item.internal)
				continue
			}
			r.process(ctx, item.raw)
		}
	}
}

// process deduplicates, converts, and dispatches one raw delivery.
func (r *Router) process(ctx context.Context, raw *GitHubEvent) {
	if raw.DeliveryID != "" {
		if _, seen := r.dedup.Get(raw.DeliveryID); seen {
			r.logger.Debug("Duplicate delivery dropped", "delivery_id", raw.DeliveryID)
			return
		}
		r.dedup.Add(raw.DeliveryID, struct{}{})
	}

	ev, ok := Convert(raw, r.parser)
	if !ok {
		r.logger.Debug("Unknown event dropped",
			"event", raw.String(), "delivery_id", raw.DeliveryID)
		return
	}
	r.dispatch(ctx, ev)
}

// dispatch runs every handler registered for the event type, then hands the
// event to the pipeline engine. A failing or panicking handler never stops
// the others.
func (r *Router) dispatch(ctx context.Context, ev *Event) {
	r.mu.Lock()
	handlers := r.handlers[ev.Type]
	sink := r.pipeline
	r.mu.Unlock()

	for i, h := range handlers {
		r.invoke(ctx, ev, i, h)
	}
	if sink != nil {
		sink.EvaluateEvent(ctx, ev)
		sink.OnEvent(ctx, ev)
	}
}

func (r *Router) invoke(ctx context.Context, ev *Event, idx int, h Handler) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Event handler panicked",
				"type", ev.Type, "handler", idx, "panic", rec,
				"stack", string(debug.Stack()))
		}
	}()
	if err := h(ctx, ev); err != nil {
		r.logger.Error("Event handler failed",
			"type", ev.Type, "handler", idx, "error", err)
	}
}
