package agentmgr

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/squadron-dev/squadron/pkg/config"
	"github.com/squadron-dev/squadron/pkg/models"
	"github.com/squadron-dev/squadron/pkg/notify"
	"github.com/squadron-dev/squadron/pkg/runtime"
	"github.com/squadron-dev/squadron/pkg/sandbox"
)

// runAgent is the per-agent goroutine. It owns the session handle; every
// other goroutine talks to the agent through the registry record and the
// handle's queues.
func (m *Manager) runAgent(ctx context.Context, cfg *config.Config, h *agentHandle, rec *models.AgentRecord, spec SpawnSpec) {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Agent goroutine panicked", "agent_id", h.agentID, "panic", r)
			bg := context.WithoutCancel(ctx)
			if updated, err := m.reg.SetAgentStatus(bg, h.agentID, models.AgentStatusEscalated); err == nil {
				rec = updated
			}
			m.cleanup(bg, h, rec, true)
		}
	}()

	sandboxCleanup, err := m.sandbox.WrapAgentTask(ctx, sandbox.TaskSpec{
		AgentID:    h.agentID,
		Role:       h.role,
		WorkingDir: deref(rec.WorktreePath),
		Model:      m.modelFor(cfg, rec.Role),
	})
	if err != nil {
		m.failAgent(ctx, h, rec, fmt.Errorf("sandbox setup: %w", err))
		return
	}
	defer func() {
		if sandboxCleanup != nil {
			_ = sandboxCleanup(context.WithoutCancel(ctx))
		}
	}()

	budget := cfg.BreakerFor(rec.Role)
	toolCalls := int64(rec.ToolCallCount)
	var breakerTripped atomic.Bool

	hooks := runtime.Hooks{
		PreToolUse: func(hookCtx context.Context, call runtime.ToolCall) error {
			return m.preToolUse(hookCtx, h, rec, budget, &toolCalls, &breakerTripped, call)
		},
		Dispatch: func(hookCtx context.Context, call runtime.ToolCall) (string, error) {
			return m.dispatchTool(hookCtx, cfg, h, rec, call)
		},
	}

	session, err := m.openSession(ctx, cfg, rec, hooks)
	if err != nil {
		m.failAgent(ctx, h, rec, fmt.Errorf("open session: %w", err))
		return
	}
	h.mu.Lock()
	h.session = session
	h.mu.Unlock()
	if rec.SessionID == nil || *rec.SessionID != session.ID() {
		sid := session.ID()
		rec.SessionID = &sid
		if err := m.reg.UpdateAgent(ctx, rec); err != nil {
			m.logger.Warn("Session id persist failed", "agent_id", h.agentID, "error", err)
		}
	}

	if rec.Status == models.AgentStatusCreated {
		updated, err := m.reg.SetAgentStatus(ctx, h.agentID, models.AgentStatusActive)
		if err != nil {
			m.failAgent(ctx, h, rec, fmt.Errorf("activate: %w", err))
			return
		}
		rec = updated
	}

	prompt := m.firstPrompt(cfg, rec, spec)
	turns := 0
	for {
		prompt += m.drainQueues(ctx, h)

		turnCtx := ctx
		var cancelTurn context.CancelFunc
		if budget.MaxDurationSeconds > 0 {
			turnCtx, cancelTurn = context.WithTimeout(ctx, time.Duration(budget.MaxDurationSeconds)*time.Second)
		}
		result, err := session.SendAndWait(turnCtx, prompt)
		if cancelTurn != nil {
			cancelTurn()
		}

		turns++
		rec.TurnCount++
		rec.IterationCount++
		rec.ToolCallCount = int(atomic.LoadInt64(&toolCalls))
		if perr := m.reg.UpdateAgentCounters(ctx, h.agentID, rec.IterationCount, rec.ToolCallCount, rec.TurnCount); perr != nil {
			m.logger.Warn("Counter persist failed", "agent_id", h.agentID, "error", perr)
		}

		switch {
		case err != nil && errors.Is(turnCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			// Circuit breaker L2: the turn outlived its duration budget.
			m.escalateAgent(ctx, h, rec,
				fmt.Sprintf("turn exceeded the %ds duration budget", budget.MaxDurationSeconds))
			return
		case ctx.Err() != nil:
			// Cancelled from outside; the status was already set by the
			// canceller (or the manager is shutting down).
			m.finishFromRecord(context.WithoutCancel(ctx), h)
			return
		case err != nil:
			m.failAgent(ctx, h, rec, fmt.Errorf("turn failed: %w", err))
			return
		}

		m.act.Agent(ctx, h.agentID, models.ActivityTurnFinished, result.Reply, models.JSONMap{
			"tool_calls": result.ToolCalls,
			"turn":       rec.TurnCount,
		})

		if breakerTripped.Load() {
			m.escalateAgent(ctx, h, rec,
				fmt.Sprintf("tool call budget of %d exhausted", budget.MaxToolCalls))
			return
		}
		if budget.MaxTurns > 0 && turns >= budget.MaxTurns {
			m.escalateAgent(ctx, h, rec, fmt.Sprintf("turn budget of %d exhausted", budget.MaxTurns))
			return
		}
		if budget.MaxIterations > 0 && rec.IterationCount >= budget.MaxIterations {
			m.escalateAgent(ctx, h, rec, fmt.Sprintf("lifetime iteration budget of %d exhausted", budget.MaxIterations))
			return
		}

		// Post-turn checkpoint: the registry record is how wake, cancel,
		// and the framework tools signal this goroutine.
		current, err := m.reg.GetAgent(ctx, h.agentID)
		if err != nil {
			m.failAgent(ctx, h, rec, fmt.Errorf("post-turn read: %w", err))
			return
		}
		rec = current
		switch {
		case rec.Status == models.AgentStatusActive && !h.stopRequested():
			prompt = "Continue."
		case rec.Status == models.AgentStatusSleeping:
			// Goroutine stops; session and queues survive for the wake.
			m.act.Agent(ctx, h.agentID, models.ActivityAgentSleeping, "Agent sleeping", models.JSONMap{
				"blocked_by": rec.BlockedBy,
			})
			return
		default:
			if !rec.Status.IsTerminal() {
				// A tool requested a stop without a status change; treat
				// the turn loop as complete.
				if updated, serr := m.reg.SetAgentStatus(ctx, h.agentID, models.AgentStatusCompleted); serr == nil {
					rec = updated
				}
			}
			m.cleanup(context.WithoutCancel(ctx), h, rec, true)
			return
		}
	}
}

// preToolUse is circuit breaker L1 plus the sandbox authorization check.
func (m *Manager) preToolUse(ctx context.Context, h *agentHandle, rec *models.AgentRecord,
	budget config.BreakerBudget, toolCalls *int64, tripped *atomic.Bool, call runtime.ToolCall) error {
	if decision, reason := m.sandbox.AuthorizeToolCall(ctx, h.agentID, "", call.Name, call.Params); decision == sandbox.Deny {
		return fmt.Errorf("tool %q denied by sandbox: %s", call.Name, reason)
	}

	n := atomic.AddInt64(toolCalls, 1)
	if n%counterFlushEvery == 0 {
		if err := m.reg.UpdateAgentCounters(ctx, h.agentID, rec.IterationCount, int(n), rec.TurnCount); err != nil {
			m.logger.Warn("Counter flush failed", "agent_id", h.agentID, "error", err)
		}
	}
	if budget.MaxToolCalls > 0 && n > int64(budget.MaxToolCalls) {
		tripped.Store(true)
		h.requestStop()
		return fmt.Errorf("tool call budget of %d exhausted; stopping", budget.MaxToolCalls)
	}

	m.act.Agent(ctx, h.agentID, models.ActivityToolCall, call.Name, models.JSONMap{"params": call.Params})
	return nil
}

// openSession resumes the persisted session when one exists, falling back
// to a fresh one when the resume fails.
func (m *Manager) openSession(ctx context.Context, cfg *config.Config, rec *models.AgentRecord, hooks runtime.Hooks) (runtime.Session, error) {
	spec := m.sessionSpec(cfg, rec)
	if rec.SessionID != nil && *rec.SessionID != "" {
		session, err := m.runtime.Resume(ctx, *rec.SessionID, spec, hooks)
		if err == nil {
			return session, nil
		}
		m.logger.Warn("Session resume failed, creating fresh",
			"agent_id", rec.AgentID, "session_id", *rec.SessionID, "error", err)
	}
	return m.runtime.Create(ctx, spec, hooks)
}

func (m *Manager) sessionSpec(cfg *config.Config, rec *models.AgentRecord) runtime.SessionSpec {
	role := cfg.Role(rec.Role)
	def := cfg.Definition(role)

	spec := runtime.SessionSpec{
		SystemPrompt: m.systemPrompt(cfg, def, rec),
		Model:        m.modelFor(cfg, rec.Role),
		WorkingDir:   deref(rec.WorktreePath),
	}
	if def != nil {
		spec.AvailableTools = def.Tools
		spec.CustomTools = m.toolDefinitions(def.Tools)
	}
	return spec
}

func (m *Manager) modelFor(cfg *config.Config, role string) string {
	if def := cfg.Definition(cfg.Role(role)); def != nil && def.Model != "" {
		return def.Model
	}
	return cfg.Runtime.DefaultModel
}

// systemPrompt interpolates the role prompt and appends the role's skill
// documents.
func (m *Manager) systemPrompt(cfg *config.Config, def *config.RoleDefinition, rec *models.AgentRecord) string {
	if def == nil {
		return ""
	}
	prompt := interpolatePrompt(def.Prompt, cfg, rec)
	if m.skills == nil || len(def.Skills) == 0 {
		return prompt
	}
	var b strings.Builder
	b.WriteString(prompt)
	for _, name := range def.Skills {
		skill, err := m.skills.Load(name)
		if err != nil {
			m.logger.Warn("Skill load failed", "agent_id", rec.AgentID, "skill", name, "error", err)
			continue
		}
		b.WriteString("\n\n## Skill: ")
		b.WriteString(skill.Name)
		b.WriteString("\n\n")
		b.WriteString(skill.Content)
	}
	return b.String()
}

// interpolatePrompt fills {issue_number}, {pr_number} (empty when absent),
// and the project fields into a prompt template.
func interpolatePrompt(tmpl string, cfg *config.Config, rec *models.AgentRecord) string {
	pairs := []string{
		"{issue_number}", numOrEmpty(rec.IssueNumber),
		"{pr_number}", numOrEmpty(rec.PRNumber),
		"{branch}", deref(rec.Branch),
		"{role}", rec.Role,
		"{project_name}", cfg.Project.Name,
		"{owner}", cfg.Project.Owner,
		"{repo}", cfg.Project.Repo,
		"{default_branch}", cfg.Project.DefaultBranch,
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

func (m *Manager) firstPrompt(cfg *config.Config, rec *models.AgentRecord, spec SpawnSpec) string {
	if spec.InjectMessage != "" {
		return interpolatePrompt(spec.InjectMessage, cfg, rec)
	}
	switch {
	case rec.IssueNumber != nil:
		return fmt.Sprintf("Begin working on issue #%d.", *rec.IssueNumber)
	case rec.PRNumber != nil:
		return fmt.Sprintf("Begin working on pull request #%d.", *rec.PRNumber)
	}
	return "Begin."
}

// drainQueues renders the pending mail (exactly once, then discarded) and
// inbox lines as prompt sections.
func (m *Manager) drainQueues(ctx context.Context, h *agentHandle) string {
	var b strings.Builder

	wroteHeader := false
	for {
		select {
		case msg := <-h.mail:
			if !wroteHeader {
				b.WriteString("\n\n## Inbound Messages\n")
				wroteHeader = true
			}
			fmt.Fprintf(&b, "\n@%s via %s", msg.Sender, msg.Provenance)
			if msg.IssueNumber > 0 {
				fmt.Fprintf(&b, " on issue #%d", msg.IssueNumber)
			}
			if msg.PRNumber > 0 {
				fmt.Fprintf(&b, " on PR #%d", msg.PRNumber)
			}
			if msg.CommentID > 0 {
				fmt.Fprintf(&b, " (comment %d)", msg.CommentID)
			}
			b.WriteString(":\n")
			b.WriteString(msg.Body)
			b.WriteString("\n")
			m.act.Agent(ctx, h.agentID, models.ActivityMailDelivered, "Mail drained into prompt", models.JSONMap{
				"sender": msg.Sender,
			})
		default:
			goto inbox
		}
	}

inbox:
	wroteHeader = false
	for {
		select {
		case line := <-h.inbox:
			if !wroteHeader {
				b.WriteString("\n\n## Events\n")
				wroteHeader = true
			}
			b.WriteString("- ")
			b.WriteString(line)
			b.WriteString("\n")
		default:
			return b.String()
		}
	}
}

// drainInbox empties only the inbox, leaving mail for the next prompt.
func (h *agentHandle) drainInbox() []string {
	var lines []string
	for {
		select {
		case line := <-h.inbox:
			lines = append(lines, line)
		default:
			return lines
		}
	}
}

// escalateAgent trips the agent to escalated with a comment on its issue
// and a human notification, then cleans up.
func (m *Manager) escalateAgent(ctx context.Context, h *agentHandle, rec *models.AgentRecord, reason string) {
	bg := context.WithoutCancel(ctx)
	if updated, err := m.reg.SetAgentStatus(bg, h.agentID, models.AgentStatusEscalated); err == nil {
		rec = updated
	} else {
		m.logger.Error("Escalation status update failed", "agent_id", h.agentID, "error", err)
	}
	m.act.Agent(bg, h.agentID, models.ActivityAgentEscalated, reason, nil)
	m.logger.Warn("Agent escalated", "agent_id", h.agentID, "reason", reason)

	if rec.IssueNumber != nil {
		body := signature(rec.Role) + "\n\nEscalated to a human: " + reason
		if err := m.gh.CreateComment(bg, *rec.IssueNumber, body); err != nil {
			m.logger.Warn("Escalation comment failed", "agent_id", h.agentID, "error", err)
		}
	}
	m.notify(bg, rec, reason, "")
	m.cleanup(bg, h, rec, true)
}

func (m *Manager) failAgent(ctx context.Context, h *agentHandle, rec *models.AgentRecord, err error) {
	bg := context.WithoutCancel(ctx)
	m.logger.Error("Agent failed", "agent_id", h.agentID, "error", err)
	if updated, serr := m.reg.SetAgentStatus(bg, h.agentID, models.AgentStatusFailed); serr == nil {
		rec = updated
	}
	m.act.Agent(bg, h.agentID, models.ActivityAgentFailed, err.Error(), nil)
	m.cleanup(bg, h, rec, true)
}

// finishFromRecord cleans up after an externally driven termination; the
// status was already written by whoever cancelled us.
func (m *Manager) finishFromRecord(ctx context.Context, h *agentHandle) {
	rec, err := m.reg.GetAgent(ctx, h.agentID)
	if err != nil {
		m.logger.Warn("Post-cancel read failed", "agent_id", h.agentID, "error", err)
		m.mu.Lock()
		delete(m.active, h.agentID)
		m.mu.Unlock()
		return
	}
	if !rec.Status.IsTerminal() {
		if updated, serr := m.reg.SetAgentStatus(ctx, h.agentID, models.AgentStatusCancelled); serr == nil {
			rec = updated
		}
	}
	m.cleanup(ctx, h, rec, true)
}

// cleanup tears one agent down: session (when destroySession), worktree
// (unless forensics retention applies), queues, the active-map slot, and
// finally the workflow outcome report to the pipeline engine.
func (m *Manager) cleanup(ctx context.Context, h *agentHandle, rec *models.AgentRecord, destroySession bool) {
	h.mu.Lock()
	session := h.session
	summary := h.summary
	h.session = nil
	h.mu.Unlock()

	if destroySession && session != nil {
		if err := session.Delete(ctx); err != nil {
			m.logger.Warn("Session delete failed", "agent_id", h.agentID, "error", err)
		}
	}

	preserve := rec.Status == models.AgentStatusEscalated && m.store.Current().Sandbox.PreserveForensics
	if preserve {
		if err := m.sandbox.PreserveForensics(ctx, h.agentID, "agent escalated"); err != nil {
			m.logger.Warn("Forensics preservation failed", "agent_id", h.agentID, "error", err)
		}
	} else if rec.WorktreePath != nil {
		if err := m.worktrees.Remove(ctx, h.agentID); err != nil {
			m.logger.Warn("Worktree removal failed", "agent_id", h.agentID, "error", err)
		}
	}

	m.mu.Lock()
	delete(m.active, h.agentID)
	reporter := m.reporter
	m.mu.Unlock()

	if rec.Status == models.AgentStatusCompleted {
		m.act.Agent(ctx, h.agentID, models.ActivityAgentCompleted, summary, nil)
	}
	m.logger.Info("Agent cleaned up", "agent_id", h.agentID, "status", string(rec.Status))

	if reporter == nil {
		return
	}
	switch rec.Status {
	case models.AgentStatusCompleted:
		outputs := map[string]any{}
		if summary != "" {
			outputs["summary"] = summary
		}
		reporter.OnAgentComplete(ctx, h.agentID, outputs)
	case models.AgentStatusFailed:
		reporter.OnAgentError(ctx, h.agentID, "agent failed")
	case models.AgentStatusEscalated:
		reporter.OnAgentError(ctx, h.agentID, "agent escalated")
	}
}

// notify fans the escalation out to the configured channels.
func (m *Manager) notify(ctx context.Context, rec *models.AgentRecord, reason, summary string) {
	if m.notifier == nil {
		return
	}
	esc := notify.Escalation{
		AgentID: rec.AgentID,
		Role:    rec.Role,
		Reason:  reason,
		Summary: summary,
	}
	if rec.IssueNumber != nil {
		esc.IssueNumber = *rec.IssueNumber
	}
	if rec.PRNumber != nil {
		esc.PRNumber = *rec.PRNumber
	}
	if err := m.notifier.Notify(ctx, esc); err != nil {
		m.logger.Warn("Escalation notify failed", "agent_id", rec.AgentID, "error", err)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func numOrEmpty(n *int) string {
	if n == nil {
		return ""
	}
	return strconv.Itoa(*n)
}
