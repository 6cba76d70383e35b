// Package recovery reconciles the registry with reality at startup. A crash
// leaves agents recorded as active whose goroutines and sessions are gone;
// phase one fails those records. Phase two walks GitHub for work the lost
// process was tracking — open issues carrying lifecycle labels and open PRs
// on template-shaped branches — and reconstructs agent records for it.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/squadron-dev/squadron/pkg/activity"
	"github.com/squadron-dev/squadron/pkg/config"
	"github.com/squadron-dev/squadron/pkg/github"
	"github.com/squadron-dev/squadron/pkg/models"
	"github.com/squadron-dev/squadron/pkg/registry"

	"github.com/google/uuid"
)

// roleLabelPrefix marks an issue as owned by a role: "agent:developer".
const roleLabelPrefix = "agent:"

// Statuses implied by lifecycle state labels. A blocked agent was sleeping
// and can resume, everything else lost its goroutine and must be restarted.
var stateStatuses = map[string]models.AgentStatus{
	"blocked":     models.AgentStatusSleeping,
	"in-progress": models.AgentStatusFailed,
	"needs-human": models.AgentStatusEscalated,
}

// Recoverer runs the startup reconciliation.
type Recoverer struct {
	store  *config.Store
	reg    *registry.Registry
	gh     github.Client
	act    *activity.Log
	logger *slog.Logger
}

// New builds a recoverer.
func New(store *config.Store, reg *registry.Registry, gh github.Client, act *activity.Log) *Recoverer {
	return &Recoverer{
		store:  store,
		reg:    reg,
		gh:     gh,
		act:    act,
		logger: slog.With("component", "recovery"),
	}
}

// Run executes both phases. Per-item errors are logged and skipped; only a
// registry-wide failure in phase one is fatal.
func (r *Recoverer) Run(ctx context.Context) error {
	if err := r.failStaleAgents(ctx); err != nil {
		return err
	}
	r.reconstructFromGitHub(ctx)
	return nil
}

// failStaleAgents is phase one: every record a previous process left in
// active or created is failed. Their goroutines and sessions died with it.
func (r *Recoverer) failStaleAgents(ctx context.Context) error {
	for _, status := range []models.AgentStatus{models.AgentStatusActive, models.AgentStatusCreated} {
		recs, err := r.reg.GetAgentsByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("list %s agents: %w", status, err)
		}
		for _, rec := range recs {
			if _, err := r.reg.SetAgentStatus(ctx, rec.AgentID, models.AgentStatusFailed); err != nil {
				r.logger.Error("Stale agent fail failed", "agent_id", rec.AgentID, "error", err)
				continue
			}
			r.act.Agent(ctx, rec.AgentID, models.ActivityRecovery, "failed stale agent after restart", nil)
			r.logger.Info("Stale agent failed", "agent_id", rec.AgentID, "role", rec.Role, "was", string(status))

			if rec.IssueNumber != nil {
				body := fmt.Sprintf("The %s agent working here was interrupted by a restart and marked failed. Use retry to restart it.", rec.Role)
				if err := r.gh.CreateComment(ctx, *rec.IssueNumber, body); err != nil {
					r.logger.Warn("Restart comment failed", "issue_number", *rec.IssueNumber, "error", err)
				}
			}
		}
	}
	return nil
}

// reconstructFromGitHub is phase two: rebuild records for work GitHub still
// shows in flight.
func (r *Recoverer) reconstructFromGitHub(ctx context.Context) {
	cfg := r.store.Current()
	r.reconstructFromIssues(ctx, cfg)
	r.reconstructFromPRs(ctx, cfg)
}

func (r *Recoverer) reconstructFromIssues(ctx context.Context, cfg *config.Config) {
	states := cfg.Labels.States
	if len(states) == 0 {
		states = []string{"blocked", "in-progress", "needs-human"}
	}
	for _, state := range states {
		status, known := stateStatuses[state]
		if !known {
			continue
		}
		issues, err := r.gh.ListOpenIssuesWithLabels(ctx, []string{state})
		if err != nil {
			r.logger.Warn("Lifecycle issue listing failed", "label", state, "error", err)
			continue
		}
		for _, issue := range issues {
			role := roleFromLabels(issue.Labels)
			if role == "" || cfg.Role(role) == nil {
				continue
			}
			r.upsert(ctx, cfg, role, issue.Number, 0, status)
		}
	}
}

func (r *Recoverer) reconstructFromPRs(ctx context.Context, cfg *config.Config) {
	prs, err := r.gh.ListOpenPRs(ctx)
	if err != nil {
		r.logger.Warn("Open PR listing failed", "error", err)
		return
	}
	for _, pr := range prs {
		role, issue, ok := parseBranch(cfg, pr.HeadRef)
		if !ok || cfg.Role(role) == nil {
			continue
		}
		// An open PR means the agent was mid-flight when the process died.
		r.upsert(ctx, cfg, role, issue, pr.Number, models.AgentStatusFailed)
	}
}

// upsert creates an agent record unless one for (role, issue) already
// exists in any status.
func (r *Recoverer) upsert(ctx context.Context, cfg *config.Config, role string, issueNumber, prNumber int, status models.AgentStatus) {
	existing, err := r.reg.GetAgentsForIssue(ctx, issueNumber)
	if err != nil {
		r.logger.Warn("Existing record lookup failed", "issue_number", issueNumber, "error", err)
		return
	}
	for _, rec := range existing {
		if rec.Role == role {
			return
		}
	}

	branch := strings.ReplaceAll(cfg.BranchNaming, "{role}", role)
	branch = strings.ReplaceAll(branch, "{issue_number}", strconv.Itoa(issueNumber))
	rec := &models.AgentRecord{
		AgentID:     "agent-" + uuid.NewString(),
		Role:        role,
		IssueNumber: &issueNumber,
		Status:      status,
		Branch:      &branch,
	}
	if prNumber > 0 {
		rec.PRNumber = &prNumber
	}
	if err := r.reg.CreateAgent(ctx, rec); err != nil {
		r.logger.Warn("Record reconstruction failed", "role", role, "issue_number", issueNumber, "error", err)
		return
	}
	r.act.Agent(ctx, rec.AgentID, models.ActivityRecovery,
		fmt.Sprintf("reconstructed from GitHub as %s", status), models.JSONMap{
			"role": role, "issue_number": issueNumber,
		})
	r.logger.Info("Agent record reconstructed",
		"agent_id", rec.AgentID, "role", role, "issue_number", issueNumber, "status", string(status))
}

// roleFromLabels finds the agent:<role> ownership label.
func roleFromLabels(labels []string) string {
	for _, label := range labels {
		if rest, ok := strings.CutPrefix(label, roleLabelPrefix); ok {
			return rest
		}
	}
	return ""
}

// parseBranch matches a head ref against the branch naming template and
// extracts the role and issue number.
func parseBranch(cfg *config.Config, ref string) (role string, issue int, ok bool) {
	tmpl := cfg.BranchNaming
	if tmpl == "" {
		tmpl = config.DefaultBranchNaming
	}
	roleIdx := strings.Index(tmpl, "{role}")
	issueIdx := strings.Index(tmpl, "{issue_number}")
	if roleIdx < 0 || issueIdx < 0 || issueIdx < roleIdx {
		return "", 0, false
	}

	prefix := tmpl[:roleIdx]
	middle := tmpl[roleIdx+len("{role}") : issueIdx]
	suffix := tmpl[issueIdx+len("{issue_number}"):]

	rest, ok := strings.CutPrefix(ref, prefix)
	if !ok {
		return "", 0, false
	}
	role, rest, ok = cutAround(rest, middle)
	if !ok || role == "" {
		return "", 0, false
	}
	numText, ok := strings.CutSuffix(rest, suffix)
	if !ok {
		return "", 0, false
	}
	n, err := strconv.Atoi(numText)
	if err != nil || n <= 0 {
		return "", 0, false
	}
	return role, n, true
}

// cutAround splits s at the first occurrence of sep, which must be
// non-empty for the split to be meaningful.
func cutAround(s, sep string) (before, after string, ok bool) {
	if sep == "" {
		return "", "", false
	}
	return strings.Cut(s, sep)
}
