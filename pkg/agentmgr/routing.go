package agentmgr

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/squadron-dev/squadron/pkg/config"
	"github.com/squadron-dev/squadron/pkg/events"
	"github.com/squadron-dev/squadron/pkg/models"
	"github.com/squadron-dev/squadron/pkg/registry"
)

// githubEventTypes is every event the trigger table may name.
var githubEventTypes = []events.EventType{
	events.IssueOpened, events.IssueClosed, events.IssueAssigned,
	events.IssueLabeled, events.IssueReopened, events.IssueComment,
	events.PROpened, events.PRClosed, events.PRSynchronized,
	events.PRLabeled, events.PRReviewSubmitted, events.PRReviewComment,
	events.Push,
}

func (m *Manager) registerHandlers(router *events.Router) {
	router.Register(m.handleTriggers, githubEventTypes...)
	router.Register(m.handleComment, events.IssueComment, events.PRReviewComment)
	router.Register(m.handleIssueClosed, events.IssueClosed)
	router.Register(m.handleWake, events.WakeAgent, events.BlockerResolved)
}

// handleTriggers walks every role's configured triggers against the event.
// The configuration is re-read per event so hot reload applies immediately.
func (m *Manager) handleTriggers(ctx context.Context, ev *events.Event) error {
	cfg := m.store.Current()
	for roleName, role := range cfg.AgentRoles {
		for _, trigger := range role.Triggers {
			if events.EventType(trigger.Event) != ev.Type {
				continue
			}
			if !matchTrigger(trigger.Condition, ev) {
				continue
			}
			m.fireTrigger(ctx, roleName, trigger, ev)
		}
	}
	return nil
}

func (m *Manager) fireTrigger(ctx context.Context, role string, trigger *config.TriggerConfig, ev *events.Event) {
	action := trigger.Action
	if action == "" {
		action = "spawn"
	}
	switch action {
	case "spawn":
		spec := SpawnSpec{Role: role}
		if ev.IssueNumber != nil {
			spec.IssueNumber = *ev.IssueNumber
		}
		if ev.PRNumber != nil {
			spec.PRNumber = *ev.PRNumber
		}
		if _, err := m.Spawn(ctx, spec); err != nil {
			m.logger.Debug("Trigger spawn refused", "role", role, "event", string(ev.Type), "error", err)
		}
	case "sleep":
		if rec := m.findAgentFor(ctx, role, ev); rec != nil && rec.Status == models.AgentStatusActive {
			if _, err := m.reg.SetAgentStatus(ctx, rec.AgentID, models.AgentStatusSleeping); err != nil {
				m.logger.Warn("Trigger sleep failed", "agent_id", rec.AgentID, "error", err)
			}
		}
	case "wake":
		if rec := m.findAgentFor(ctx, role, ev); rec != nil && rec.Status == models.AgentStatusSleeping {
			if err := m.WakeAgent(ctx, rec.AgentID, "woken by "+string(ev.Type)+" trigger"); err != nil {
				m.logger.Warn("Trigger wake failed", "agent_id", rec.AgentID, "error", err)
			}
		}
	case "complete":
		if rec := m.findAgentFor(ctx, role, ev); rec != nil {
			m.completeExternally(ctx, rec, "completed by "+string(ev.Type)+" trigger")
		}
	default:
		m.logger.Warn("Unknown trigger action", "role", role, "action", action)
	}
}

// findAgentFor locates the live agent a trigger targets: by issue when the
// event carries one, falling back to the PR association.
func (m *Manager) findAgentFor(ctx context.Context, role string, ev *events.Event) *models.AgentRecord {
	if ev.IssueNumber != nil {
		if rec, err := m.reg.FindNonTerminal(ctx, role, *ev.IssueNumber); err == nil {
			return rec
		} else if !registry.IsNotFound(err) {
			m.logger.Warn("Agent lookup failed", "role", role, "error", err)
			return nil
		}
	}
	if ev.PRNumber != nil {
		if rec, err := m.reg.FindNonTerminalByPR(ctx, role, *ev.PRNumber); err == nil {
			return rec
		} else if !registry.IsNotFound(err) {
			m.logger.Warn("Agent lookup failed", "role", role, "error", err)
		}
	}
	return nil
}

// completeExternally marks the agent completed from outside its goroutine.
// Agents without a running goroutine are cleaned up inline; running ones
// observe the status at their next post-turn checkpoint.
func (m *Manager) completeExternally(ctx context.Context, rec *models.AgentRecord, note string) {
	wasSleeping := rec.Status == models.AgentStatusSleeping
	updated, err := m.reg.SetAgentStatus(ctx, rec.AgentID, models.AgentStatusCompleted)
	if err != nil {
		m.logger.Warn("External complete failed", "agent_id", rec.AgentID, "error", err)
		return
	}
	m.act.Agent(ctx, rec.AgentID, models.ActivityAgentCompleted, note, nil)

	if wasSleeping {
		m.mu.Lock()
		h, ok := m.active[rec.AgentID]
		m.mu.Unlock()
		if ok {
			m.cleanup(ctx, h, updated, true)
		}
	}
}

// handleComment routes parsed commands and @mentions from issue and PR
// comments. Bot comments carry a **[squadron:<role>]** header; mentions of
// that same role inside them are dropped to break self-loops.
func (m *Manager) handleComment(ctx context.Context, ev *events.Event) error {
	cfg := m.store.Current()

	selfRole := ""
	if ev.SenderIsBot {
		selfRole = signedBy(ev.CommentBody)
	}

	if ev.Command != nil {
		m.handleCommand(ctx, cfg, ev, selfRole)
	}

	for _, role := range ev.MentionedRoles {
		if role == selfRole {
			m.logger.Debug("Self-mention ignored", "role", role)
			continue
		}
		if ev.Command != nil && ev.Command.TargetAgent == role {
			continue // already routed as a command
		}
		if cfg.Role(role) == nil {
			continue
		}
		m.routeToRole(ctx, ev, role, ev.CommentBody, false)
	}
	return nil
}

func (m *Manager) handleCommand(ctx context.Context, cfg *config.Config, ev *events.Event, selfRole string) {
	cmd := ev.Command

	if cmd.TargetAgent != "" {
		if cmd.TargetAgent == selfRole {
			return
		}
		if cfg.Role(cmd.TargetAgent) == nil {
			m.reply(ctx, ev, fmt.Sprintf("unknown agent %q; try `%s help`", cmd.TargetAgent, cfg.CommandPrefix))
			return
		}
		m.routeToRole(ctx, ev, cmd.TargetAgent, cmd.Message, true)
		return
	}

	if cmd.IsHelp {
		m.reply(ctx, ev, m.helpText(cfg))
		return
	}

	switch cmd.Name {
	case "status":
		m.replyStatus(ctx, ev)
	case "cancel":
		m.cancelForEvent(ctx, ev)
	case "retry":
		m.retryForEvent(ctx, ev)
	default:
		m.runConfiguredCommand(ctx, cfg, ev, cmd.Name)
	}
}

func (m *Manager) runConfiguredCommand(ctx context.Context, cfg *config.Config, ev *events.Event, name string) {
	spec, ok := cfg.Commands[name]
	if !ok || !spec.IsEnabled() {
		m.reply(ctx, ev, fmt.Sprintf("unknown command %q; try `%s help`", name, cfg.CommandPrefix))
		return
	}
	if spec.Permissions.RequireHuman && ev.SenderIsBot {
		m.reply(ctx, ev, fmt.Sprintf("command %q requires a human sender", name))
		return
	}

	switch spec.Type {
	case config.CommandTypeResponse:
		m.reply(ctx, ev, spec.Response)
	case config.CommandTypeAction:
		switch spec.Action {
		case "cancel":
			m.cancelForEvent(ctx, ev)
		case "retry":
			m.retryForEvent(ctx, ev)
		case "status":
			m.replyStatus(ctx, ev)
		default:
			m.logger.Warn("Unknown command action", "command", name, "action", spec.Action)
		}
	case config.CommandTypeAgent:
		sspec := SpawnSpec{Role: spec.Agent, InjectMessage: spec.InjectMessage}
		if ev.IssueNumber != nil {
			sspec.IssueNumber = *ev.IssueNumber
		}
		if ev.PRNumber != nil {
			sspec.PRNumber = *ev.PRNumber
		}
		if _, err := m.Spawn(ctx, sspec); err != nil {
			m.reply(ctx, ev, "could not start "+spec.Agent+": "+err.Error())
		}
	}
}

// routeToRole delivers a message to the role's live agent for this issue or
// spawns one. isCommand additionally wakes a sleeping match.
func (m *Manager) routeToRole(ctx context.Context, ev *events.Event, role, message string, isCommand bool) {
	issue := 0
	if ev.IssueNumber != nil {
		issue = *ev.IssueNumber
	}

	var rec *models.AgentRecord
	if issue > 0 {
		found, err := m.reg.FindNonTerminal(ctx, role, issue)
		if err != nil && !registry.IsNotFound(err) {
			m.logger.Warn("Mention lookup failed", "role", role, "error", err)
			return
		}
		rec = found
	}

	if rec == nil {
		spec := SpawnSpec{Role: role, IssueNumber: issue, InjectMessage: message}
		if ev.PRNumber != nil {
			spec.PRNumber = *ev.PRNumber
		}
		if _, err := m.Spawn(ctx, spec); err != nil {
			m.logger.Debug("Mention spawn refused", "role", role, "error", err)
		}
		return
	}

	msg := models.MailMessage{
		Sender:     ev.Sender,
		Body:       message,
		Provenance: provenanceFor(ev),
		CommentID:  ev.CommentID,
		ReceivedAt: time.Now().UTC(),
	}
	if ev.IssueNumber != nil {
		msg.IssueNumber = *ev.IssueNumber
	}
	if ev.PRNumber != nil {
		msg.PRNumber = *ev.PRNumber
	}

	if rec.Status == models.AgentStatusSleeping && isCommand {
		if err := m.WakeAgent(ctx, rec.AgentID, "addressed by "+ev.Sender); err != nil {
			m.logger.Warn("Command wake failed", "agent_id", rec.AgentID, "error", err)
			return
		}
	}
	if err := m.DeliverMail(ctx, rec.AgentID, msg); err != nil {
		m.logger.Warn("Mail delivery failed", "agent_id", rec.AgentID, "error", err)
	}
}

// handleIssueClosed resolves blockers pointing at the closed issue and
// wakes agents whose blocker set just emptied.
func (m *Manager) handleIssueClosed(ctx context.Context, ev *events.Event) error {
	if ev.IssueNumber == nil {
		return nil
	}
	affected, err := m.reg.ResolveBlocker(ctx, *ev.IssueNumber)
	if err != nil {
		return fmt.Errorf("resolve blockers for issue #%d: %w", *ev.IssueNumber, err)
	}
	for _, rec := range affected {
		if rec.Status != models.AgentStatusSleeping || len(rec.BlockedBy) > 0 {
			continue
		}
		reason := fmt.Sprintf("blocker issue #%d was closed", *ev.IssueNumber)
		if err := m.WakeAgent(ctx, rec.AgentID, reason); err != nil {
			m.logger.Warn("Blocker wake failed", "agent_id", rec.AgentID, "error", err)
		}
	}
	return nil
}

// handleWake services internal wake.agent and blocker.resolved events.
func (m *Manager) handleWake(ctx context.Context, ev *events.Event) error {
	if ev.AgentID == "" {
		return nil
	}
	if err := m.WakeAgent(ctx, ev.AgentID, ev.Reason); err != nil {
		m.logger.Warn("Internal wake failed", "agent_id", ev.AgentID, "error", err)
	}
	return nil
}

func (m *Manager) reply(ctx context.Context, ev *events.Event, body string) {
	number := 0
	switch {
	case ev.IssueNumber != nil:
		number = *ev.IssueNumber
	case ev.PRNumber != nil:
		number = *ev.PRNumber
	default:
		return
	}
	if err := m.gh.CreateComment(ctx, number, body); err != nil {
		m.logger.Warn("Reply comment failed", "number", number, "error", err)
	}
}

func (m *Manager) replyStatus(ctx context.Context, ev *events.Event) {
	if ev.IssueNumber == nil {
		return
	}
	recs, err := m.reg.GetAgentsForIssue(ctx, *ev.IssueNumber)
	if err != nil {
		m.logger.Warn("Status lookup failed", "issue_number", *ev.IssueNumber, "error", err)
		return
	}
	var b strings.Builder
	b.WriteString("Agents on this issue:\n")
	for _, rec := range recs {
		fmt.Fprintf(&b, "- %s: %s", rec.Role, rec.Status)
		if rec.IsBlocked() {
			fmt.Fprintf(&b, " (blocked by %v)", rec.BlockedBy)
		}
		b.WriteString("\n")
	}
	if len(recs) == 0 {
		b.WriteString("- none\n")
	}
	m.reply(ctx, ev, b.String())
}

func (m *Manager) cancelForEvent(ctx context.Context, ev *events.Event) {
	if ev.IssueNumber == nil {
		return
	}
	recs, err := m.reg.GetAgentsForIssue(ctx, *ev.IssueNumber)
	if err != nil {
		m.logger.Warn("Cancel lookup failed", "issue_number", *ev.IssueNumber, "error", err)
		return
	}
	cancelled := 0
	for _, rec := range recs {
		if rec.Status.IsTerminal() {
			continue
		}
		if err := m.CancelAgent(ctx, rec.AgentID); err != nil {
			m.logger.Warn("Cancel failed", "agent_id", rec.AgentID, "error", err)
			continue
		}
		cancelled++
	}
	m.reply(ctx, ev, fmt.Sprintf("cancelled %d agent(s)", cancelled))
}

// retryForEvent respawns the most recently failed or escalated role on the
// issue. The terminal record is swept by the spawn path itself.
func (m *Manager) retryForEvent(ctx context.Context, ev *events.Event) {
	if ev.IssueNumber == nil {
		return
	}
	recs, err := m.reg.GetAgentsForIssue(ctx, *ev.IssueNumber)
	if err != nil {
		m.logger.Warn("Retry lookup failed", "issue_number", *ev.IssueNumber, "error", err)
		return
	}
	var target *models.AgentRecord
	for _, rec := range recs {
		if rec.Status != models.AgentStatusFailed && rec.Status != models.AgentStatusEscalated {
			continue
		}
		if target == nil || rec.UpdatedAt.After(target.UpdatedAt) {
			target = rec
		}
	}
	if target == nil {
		m.reply(ctx, ev, "nothing to retry on this issue")
		return
	}
	spec := SpawnSpec{Role: target.Role, IssueNumber: *ev.IssueNumber}
	if target.PRNumber != nil {
		spec.PRNumber = *target.PRNumber
	}
	if _, err := m.Spawn(ctx, spec); err != nil {
		m.reply(ctx, ev, "retry failed: "+err.Error())
		return
	}
	m.reply(ctx, ev, fmt.Sprintf("restarted %s on issue #%d", target.Role, *ev.IssueNumber))
}

func (m *Manager) helpText(cfg *config.Config) string {
	var b strings.Builder
	b.WriteString("Available commands: status, cancel, retry, list, help")
	for _, name := range cfg.CommandNames() {
		if spec := cfg.Commands[name]; spec != nil && spec.IsEnabled() {
			b.WriteString(", ")
			b.WriteString(name)
		}
	}
	b.WriteString("\nAgents: ")
	b.WriteString(strings.Join(cfg.RoleNames(), ", "))
	return b.String()
}

func provenanceFor(ev *events.Event) models.Provenance {
	if ev.Type == events.PRReviewComment || (ev.IssueNumber == nil && ev.PRNumber != nil) {
		return models.ProvenancePRComment
	}
	return models.ProvenanceIssueComment
}

// matchTrigger evaluates a trigger's literal condition map against the
// event, mirroring pipeline trigger conditions: the special keys sender,
// label, issue_number, and pr_number, then dotted payload paths.
func matchTrigger(cond map[string]any, ev *events.Event) bool {
	for key, want := range cond {
		switch key {
		case "sender":
			if fmt.Sprint(want) != ev.Sender {
				return false
			}
		case "label":
			got, ok := payloadPath(ev.Payload, "label", "name")
			if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
				return false
			}
		case "issue_number":
			if ev.IssueNumber == nil || fmt.Sprint(want) != fmt.Sprint(*ev.IssueNumber) {
				return false
			}
		case "pr_number":
			if ev.PRNumber == nil || fmt.Sprint(want) != fmt.Sprint(*ev.PRNumber) {
				return false
			}
		default:
			got, ok := payloadPath(ev.Payload, strings.Split(key, ".")...)
			if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
				return false
			}
		}
	}
	return true
}

func payloadPath(payload map[string]any, path ...string) (any, bool) {
	var cur any = payload
	for _, key := range path {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = node[key]; !ok {
			return nil, false
		}
	}
	return cur, true
}
