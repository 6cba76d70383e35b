// Package notify delivers escalation notifications to humans. Delivery is
// fail-open: a notifier that errors is logged and skipped so an outage in a
// notification channel never blocks the escalating agent.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Escalation describes an agent handing control to a human.
type Escalation struct {
	AgentID     string
	Role        string
	Reason      string
	IssueNumber int
	PRNumber    int
	// Summary is the agent's own account of where it got stuck.
	Summary string
}

// Notifier delivers one escalation through one channel.
type Notifier interface {
	Notify(ctx context.Context, esc Escalation) error
}

// Fanout sends each escalation to every configured notifier. Nil notifiers
// are skipped so callers can wire optional channels unconditionally.
type Fanout struct {
	notifiers []Notifier
	logger    *slog.Logger
}

// NewFanout builds a fanout over the given notifiers.
func NewFanout(notifiers ...Notifier) *Fanout {
	kept := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			kept = append(kept, n)
		}
	}
	return &Fanout{notifiers: kept, logger: slog.With("component", "notify")}
}

// Notify delivers to all channels. Always returns nil; per-channel failures
// are logged.
func (f *Fanout) Notify(ctx context.Context, esc Escalation) error {
	for _, n := range f.notifiers {
		if err := n.Notify(ctx, esc); err != nil {
			f.logger.Error("Escalation notification failed",
				"agent_id", esc.AgentID, "error", err)
		}
	}
	return nil
}

// formatBody renders the escalation as markdown shared by the channels.
func formatBody(esc Escalation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🚨 **Agent escalation** (`%s`, role `%s`)\n\n", esc.AgentID, esc.Role)
	fmt.Fprintf(&b, "**Reason:** %s\n", esc.Reason)
	if esc.IssueNumber > 0 {
		fmt.Fprintf(&b, "**Issue:** #%d\n", esc.IssueNumber)
	}
	if esc.PRNumber > 0 {
		fmt.Fprintf(&b, "**PR:** #%d\n", esc.PRNumber)
	}
	if esc.Summary != "" {
		fmt.Fprintf(&b, "\n%s\n", esc.Summary)
	}
	b.WriteString("\nA human needs to pick this up.")
	return b.String()
}

var _ Notifier = (*Fanout)(nil)
