// Package gates implements the named checks pipeline gate stages evaluate.
// Checks are registered by name; a gate stage's conditions reference them
// with check-specific params. Evaluation is side-effect free: a check reads
// GitHub or registry state and reports pass/fail, never mutates.
package gates

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownCheck is returned when a gate condition names an unregistered
// check.
var ErrUnknownCheck = errors.New("unknown gate check")

// Scope carries the run context a check evaluates against.
type Scope struct {
	IssueNumber  int
	PRNumber     int
	WorktreePath string
	// Context is the pipeline run's mutable context.
	Context map[string]any
}

// Result is one check's verdict. Data is recorded on the gate check row for
// the dashboard.
type Result struct {
	Passed  bool
	Message string
	Data    map[string]any
}

// Check is a single named gate check.
type Check interface {
	Name() string
	Evaluate(ctx context.Context, scope Scope, params map[string]any) (*Result, error)
}

// Registry holds the named checks.
type Registry struct {
	mu     sync.RWMutex
	checks map[string]Check
}

// NewRegistry returns an empty check registry.
func NewRegistry() *Registry {
	return &Registry{checks: make(map[string]Check)}
}

// Register adds a check; a later registration under the same name replaces
// the earlier one.
func (r *Registry) Register(check Check) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[check.Name()] = check
}

// Evaluate runs the named check.
func (r *Registry) Evaluate(ctx context.Context, name string, scope Scope, params map[string]any) (*Result, error) {
	r.mu.RLock()
	check, ok := r.checks[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCheck, name)
	}
	return check.Evaluate(ctx, scope, params)
}

// Names lists registered check names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.checks))
	for name := range r.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.checks[name]
	return ok
}

// param helpers — gate params come from YAML, so values arrive as any.

func stringParam(params map[string]any, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func intParam(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

func stringsParam(params map[string]any, key string) []string {
	raw, ok := params[key]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
