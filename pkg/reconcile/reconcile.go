// Package reconcile runs the periodic consistency sweep between the agent
// registry and GitHub: it clears blockers whose issues were closed while
// the webhook was missed, wakes agents that slept past the configured
// ceiling, completes agents whose PR or issue was closed underneath them,
// and purges terminal records past retention.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/squadron-dev/squadron/pkg/activity"
	"github.com/squadron-dev/squadron/pkg/config"
	"github.com/squadron-dev/squadron/pkg/events"
	"github.com/squadron-dev/squadron/pkg/github"
	"github.com/squadron-dev/squadron/pkg/models"
	"github.com/squadron-dev/squadron/pkg/registry"
)

// EventPublisher injects internal events into the router queue. Wakes ride
// the normal event path so they are ordered with webhook deliveries.
type EventPublisher interface {
	PublishInternal(ev *events.Event) bool
}

// AgentControl is the agent-manager surface the sweep completes agents
// through.
type AgentControl interface {
	CompleteAgent(ctx context.Context, agentID, note string) error
}

// Service is the ticker-driven reconciliation loop.
type Service struct {
	store   *config.Store
	reg     *registry.Registry
	gh      github.Client
	pub     EventPublisher
	control AgentControl
	act     *activity.Log
	logger  *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds the service.
func New(store *config.Store, reg *registry.Registry, gh github.Client,
	pub EventPublisher, control AgentControl, act *activity.Log) *Service {
	return &Service{
		store:   store,
		reg:     reg,
		gh:      gh,
		pub:     pub,
		control: control,
		act:     act,
		logger:  slog.With("component", "reconcile"),
	}
}

// Start launches the sweep loop. The first sweep runs after one interval.
func (s *Service) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})

	interval := time.Duration(s.store.Current().Reconcile.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Duration(config.DefaultReconcileInterval) * time.Second
	}

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.Sweep(runCtx)
			}
		}
	}()
	s.logger.Info("Reconciliation loop started", "interval", interval)
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Reconciliation loop stopped")
}

// Sweep runs one reconciliation pass. Every step tolerates per-item errors;
// a wedged GitHub call never stops the rest of the sweep.
func (s *Service) Sweep(ctx context.Context) {
	cfg := s.store.Current()
	s.sweepBlockers(ctx)
	s.sweepOversleepers(ctx, cfg)
	s.sweepGitHubInvariants(ctx)
	s.sweepRetention(ctx, cfg)
}

// sweepBlockers removes blockers whose issues are closed and wakes agents
// whose blocker set emptied.
func (s *Service) sweepBlockers(ctx context.Context) {
	sleepers, err := s.reg.GetAgentsByStatus(ctx, models.AgentStatusSleeping)
	if err != nil {
		s.logger.Error("Sleeping agent listing failed", "error", err)
		return
	}

	checked := make(map[int]bool)
	for _, rec := range sleepers {
		for _, issue := range rec.BlockedBy {
			if _, seen := checked[issue]; seen {
				continue
			}
			gi, err := s.gh.GetIssue(ctx, issue)
			if err != nil {
				s.logger.Warn("Blocker issue lookup failed", "issue_number", issue, "error", err)
				checked[issue] = false
				continue
			}
			checked[issue] = gi.State == "closed"
		}
	}

	for issue, closed := range checked {
		if !closed {
			continue
		}
		affected, err := s.reg.ResolveBlocker(ctx, issue)
		if err != nil {
			s.logger.Warn("Blocker resolution failed", "issue_number", issue, "error", err)
			continue
		}
		for _, rec := range affected {
			if rec.Status != models.AgentStatusSleeping || rec.IsBlocked() {
				continue
			}
			s.wake(ctx, rec.AgentID, fmt.Sprintf("blocker issue #%d is closed", issue))
		}
	}
}

// sweepOversleepers wakes agents that slept past max_sleep_seconds.
func (s *Service) sweepOversleepers(ctx context.Context, cfg *config.Config) {
	ceiling := time.Duration(cfg.Reconcile.MaxSleepSeconds) * time.Second
	if ceiling <= 0 {
		return
	}
	sleepers, err := s.reg.GetAgentsByStatus(ctx, models.AgentStatusSleeping)
	if err != nil {
		s.logger.Error("Sleeping agent listing failed", "error", err)
		return
	}
	now := time.Now().UTC()
	for _, rec := range sleepers {
		if rec.SleepingSince == nil || now.Sub(*rec.SleepingSince) < ceiling {
			continue
		}
		s.wake(ctx, rec.AgentID,
			fmt.Sprintf("sleep timeout: suspended for more than %s; reassess your blockers", ceiling))
	}
}

// sweepGitHubInvariants completes agents whose PR merged or closed, or
// whose issue closed, while they were busy.
func (s *Service) sweepGitHubInvariants(ctx context.Context) {
	recs, err := s.reg.ListAgents(ctx)
	if err != nil {
		s.logger.Error("Agent listing failed", "error", err)
		return
	}
	issueState := make(map[int]string)
	for _, rec := range recs {
		if rec.Status.IsTerminal() {
			continue
		}
		if rec.PRNumber != nil {
			pr, err := s.gh.GetPR(ctx, *rec.PRNumber)
			if err != nil {
				s.logger.Warn("PR lookup failed", "pr_number", *rec.PRNumber, "error", err)
			} else if pr.Merged || pr.State == "closed" {
				s.complete(ctx, rec.AgentID, fmt.Sprintf("PR #%d is %s", *rec.PRNumber, prState(pr)))
				continue
			}
		}
		if rec.IssueNumber != nil {
			state, ok := issueState[*rec.IssueNumber]
			if !ok {
				gi, err := s.gh.GetIssue(ctx, *rec.IssueNumber)
				if err != nil {
					s.logger.Warn("Issue lookup failed", "issue_number", *rec.IssueNumber, "error", err)
					continue
				}
				state = gi.State
				issueState[*rec.IssueNumber] = state
			}
			if state == "closed" {
				s.complete(ctx, rec.AgentID, fmt.Sprintf("issue #%d is closed", *rec.IssueNumber))
			}
		}
	}
}

// sweepRetention purges terminal records older than the retention window.
func (s *Service) sweepRetention(ctx context.Context, cfg *config.Config) {
	retention := time.Duration(cfg.Reconcile.RetentionSeconds) * time.Second
	if retention <= 0 {
		return
	}
	purged, err := s.reg.PurgeTerminalAgents(ctx, time.Now().UTC().Add(-retention))
	if err != nil {
		s.logger.Error("Terminal purge failed", "error", err)
		return
	}
	if purged > 0 {
		s.logger.Info("Terminal agents purged", "count", purged)
		s.act.System(ctx, models.ActivityReconcile, fmt.Sprintf("purged %d terminal agents", purged), nil)
	}
}

func (s *Service) wake(ctx context.Context, agentID, reason string) {
	ev := &events.Event{Type: events.WakeAgent, AgentID: agentID, Reason: reason}
	if !s.pub.PublishInternal(ev) {
		s.logger.Warn("Wake event dropped, queue full", "agent_id", agentID)
		return
	}
	s.act.Agent(ctx, agentID, models.ActivityReconcile, "wake queued: "+reason, nil)
}

func (s *Service) complete(ctx context.Context, agentID, note string) {
	if err := s.control.CompleteAgent(ctx, agentID, note); err != nil {
		s.logger.Warn("Reconcile complete failed", "agent_id", agentID, "error", err)
		return
	}
	s.act.Agent(ctx, agentID, models.ActivityReconcile, note, nil)
}

func prState(pr *github.PullRequest) string {
	if pr.Merged {
		return "merged"
	}
	return pr.State
}
