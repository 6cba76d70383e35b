package runtime

import (
	"context"
	"fmt"
	"sync"
)

// ScriptedTurn describes what a fake session does for one SendAndWait call:
// request the listed tool calls in order, then reply.
type ScriptedTurn struct {
	ToolCalls []ToolCall
	Reply     string
}

// FakeRuntime is an in-memory Runtime for tests. Sessions replay scripted
// turns, feeding each tool call through the real hooks so circuit breakers
// and framework tools are exercised.
type FakeRuntime struct {
	mu sync.Mutex

	// Script provides turns for every created session, consumed in order.
	// When exhausted, SendAndWait returns an empty reply.
	Script []ScriptedTurn

	// CreateErr, when set, fails Create and Resume.
	CreateErr error

	Created []string
	Resumed []string
	Deleted []string

	nextID  int
	cursor  int
	prompts []string
}

// FakeSession is one live fake conversation.
type FakeSession struct {
	runtime *FakeRuntime
	id      string
	hooks   Hooks

	// Prompts records everything sent to the session, drained-mail text
	// included, for assertions on prompt assembly.
	Prompts []string
}

func (f *FakeRuntime) Create(_ context.Context, _ SessionSpec, hooks Hooks) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	f.nextID++
	id := fmt.Sprintf("fake-session-%d", f.nextID)
	f.Created = append(f.Created, id)
	return &FakeSession{runtime: f, id: id, hooks: hooks}, nil
}

func (f *FakeRuntime) Resume(_ context.Context, sessionID string, _ SessionSpec, hooks Hooks) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	f.Resumed = append(f.Resumed, sessionID)
	return &FakeSession{runtime: f, id: sessionID, hooks: hooks}, nil
}

// nextTurn pops the next scripted turn.
func (f *FakeRuntime) nextTurn() (ScriptedTurn, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cursor >= len(f.Script) {
		return ScriptedTurn{}, false
	}
	turn := f.Script[f.cursor]
	f.cursor++
	return turn, true
}

// SessionPrompts returns every prompt sent across all fake sessions.
func (f *FakeRuntime) SessionPrompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.prompts...)
}

func (s *FakeSession) ID() string { return s.id }

func (s *FakeSession) SendAndWait(ctx context.Context, prompt string) (*TurnResult, error) {
	s.runtime.mu.Lock()
	s.Prompts = append(s.Prompts, prompt)
	s.runtime.prompts = append(s.runtime.prompts, prompt)
	s.runtime.mu.Unlock()

	turn, ok := s.runtime.nextTurn()
	if !ok {
		return &TurnResult{}, nil
	}

	result := &TurnResult{Reply: turn.Reply}
	for _, call := range turn.ToolCalls {
		result.ToolCalls++
		if s.hooks.PreToolUse != nil {
			if err := s.hooks.PreToolUse(ctx, call); err != nil {
				// Denied; the model is told and the fake simply moves on.
				continue
			}
		}
		if s.hooks.Dispatch != nil {
			_, _ = s.hooks.Dispatch(ctx, call)
		}
	}
	return result, nil
}

func (s *FakeSession) Delete(_ context.Context) error {
	s.runtime.mu.Lock()
	defer s.runtime.mu.Unlock()
	s.runtime.Deleted = append(s.runtime.Deleted, s.id)
	return nil
}

var _ Runtime = (*FakeRuntime)(nil)
