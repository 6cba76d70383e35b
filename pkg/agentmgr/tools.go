package agentmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/squadron-dev/squadron/pkg/config"
	"github.com/squadron-dev/squadron/pkg/github"
	"github.com/squadron-dev/squadron/pkg/models"
	"github.com/squadron-dev/squadron/pkg/registry"
	"github.com/squadron-dev/squadron/pkg/runtime"
)

// Framework tool names. Roles opt in through the frontmatter allowlist.
const (
	ToolReportBlocked      = "report_blocked"
	ToolReportComplete     = "report_complete"
	ToolCreateBlockerIssue = "create_blocker_issue"
	ToolEscalateToHuman    = "escalate_to_human"
	ToolCheckForEvents     = "check_for_events"
	ToolSubmitPRReview     = "submit_pr_review"
	ToolOpenPR             = "open_pr"
	ToolCommentOnIssue     = "comment_on_issue"
	ToolCommentOnPR        = "comment_on_pr"
	ToolAssignIssue        = "assign_issue"
	ToolLabelIssue         = "label_issue"
	ToolCreateIssue        = "create_issue"
	ToolReadIssue          = "read_issue"
	ToolCheckRegistry      = "check_registry"
)

// toolCatalogue declares every framework tool to the runtime. Parameter
// schemas follow the JSON-schema subset the runtime accepts.
var toolCatalogue = []runtime.ToolDefinition{
	{
		Name:        ToolReportBlocked,
		Description: "Suspend this agent until the given issue is resolved.",
		Parameters: map[string]any{
			"blocker_issue": map[string]any{"type": "integer"},
			"reason":        map[string]any{"type": "string"},
		},
	},
	{
		Name:        ToolReportComplete,
		Description: "Mark this agent's work complete and stop.",
		Parameters:  map[string]any{"summary": map[string]any{"type": "string"}},
	},
	{
		Name:        ToolCreateBlockerIssue,
		Description: "Open a new issue, register it as a blocker, and suspend.",
		Parameters: map[string]any{
			"title":  map[string]any{"type": "string"},
			"body":   map[string]any{"type": "string"},
			"labels": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
	},
	{
		Name:        ToolEscalateToHuman,
		Description: "Hand this task to a human and stop.",
		Parameters: map[string]any{
			"reason":   map[string]any{"type": "string"},
			"category": map[string]any{"type": "string"},
		},
	},
	{
		Name:        ToolCheckForEvents,
		Description: "List events delivered to this agent since the last check.",
	},
	{
		Name:        ToolSubmitPRReview,
		Description: "Submit a pull request review (APPROVE, REQUEST_CHANGES, or COMMENT).",
		Parameters: map[string]any{
			"pr":       map[string]any{"type": "integer"},
			"body":     map[string]any{"type": "string"},
			"event":    map[string]any{"type": "string"},
			"comments": map[string]any{"type": "array"},
		},
	},
	{
		Name:        ToolOpenPR,
		Description: "Open a pull request from this agent's branch.",
		Parameters: map[string]any{
			"title": map[string]any{"type": "string"},
			"body":  map[string]any{"type": "string"},
			"base":  map[string]any{"type": "string"},
		},
	},
	{
		Name:        ToolCommentOnIssue,
		Description: "Post a comment on an issue.",
		Parameters: map[string]any{
			"issue_number": map[string]any{"type": "integer"},
			"body":         map[string]any{"type": "string"},
		},
	},
	{
		Name:        ToolCommentOnPR,
		Description: "Post a comment on a pull request.",
		Parameters: map[string]any{
			"pr_number": map[string]any{"type": "integer"},
			"body":      map[string]any{"type": "string"},
		},
	},
	{
		Name:        ToolAssignIssue,
		Description: "Assign users to an issue.",
		Parameters: map[string]any{
			"issue_number": map[string]any{"type": "integer"},
			"assignees":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
	},
	{
		Name:        ToolLabelIssue,
		Description: "Add labels to an issue.",
		Parameters: map[string]any{
			"issue_number": map[string]any{"type": "integer"},
			"labels":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
	},
	{
		Name:        ToolCreateIssue,
		Description: "Open a new issue.",
		Parameters: map[string]any{
			"title":  map[string]any{"type": "string"},
			"body":   map[string]any{"type": "string"},
			"labels": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
	},
	{
		Name:        ToolReadIssue,
		Description: "Read an issue's title, labels, and state.",
		Parameters:  map[string]any{"issue_number": map[string]any{"type": "integer"}},
	},
	{
		Name:        ToolCheckRegistry,
		Description: "List the live agents and what they are working on.",
	},
}

// toolDefinitions selects the catalogue entries the role's allowlist names.
func (m *Manager) toolDefinitions(allowed []string) []runtime.ToolDefinition {
	set := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		set[name] = true
	}
	var defs []runtime.ToolDefinition
	for _, def := range toolCatalogue {
		if set[def.Name] {
			defs = append(defs, def)
		}
	}
	return defs
}

// dispatchTool executes one framework tool call on behalf of the agent.
// Returned errors are surfaced verbatim to the model as tool failures.
func (m *Manager) dispatchTool(ctx context.Context, cfg *config.Config, h *agentHandle, rec *models.AgentRecord, call runtime.ToolCall) (string, error) {
	switch call.Name {
	case ToolReportBlocked:
		return m.toolReportBlocked(ctx, h, rec, call.Params)
	case ToolReportComplete:
		return m.toolReportComplete(ctx, h, rec, call.Params)
	case ToolCreateBlockerIssue:
		return m.toolCreateBlockerIssue(ctx, h, rec, call.Params)
	case ToolEscalateToHuman:
		return m.toolEscalateToHuman(ctx, h, rec, call.Params)
	case ToolCheckForEvents:
		return m.toolCheckForEvents(h), nil
	case ToolSubmitPRReview:
		return m.toolSubmitPRReview(ctx, rec, call.Params)
	case ToolOpenPR:
		return m.toolOpenPR(ctx, cfg, rec, call.Params)
	case ToolCommentOnIssue:
		return m.toolComment(ctx, rec, call.Params, "issue_number", rec.IssueNumber)
	case ToolCommentOnPR:
		return m.toolComment(ctx, rec, call.Params, "pr_number", rec.PRNumber)
	case ToolAssignIssue:
		return m.toolAssignIssue(ctx, rec, call.Params)
	case ToolLabelIssue:
		return m.toolLabelIssue(ctx, rec, call.Params)
	case ToolCreateIssue:
		return m.toolCreateIssue(ctx, rec, call.Params)
	case ToolReadIssue:
		return m.toolReadIssue(ctx, rec, call.Params)
	case ToolCheckRegistry:
		return m.toolCheckRegistry(ctx)
	}
	return "", fmt.Errorf("unknown tool %q", call.Name)
}

func (m *Manager) toolReportBlocked(ctx context.Context, h *agentHandle, rec *models.AgentRecord, params map[string]any) (string, error) {
	blocker, ok := intParam(params, "blocker_issue")
	if !ok {
		return "", fmt.Errorf("report_blocked: blocker_issue is required")
	}
	reason := stringParam(params, "reason")

	if err := m.reg.AddBlocker(ctx, h.agentID, blocker); err != nil {
		if registry.IsCycleDetected(err) {
			return "", fmt.Errorf("blocking on issue #%d would create a circular dependency; pick another path or escalate", blocker)
		}
		return "", err
	}
	m.sleepAgent(ctx, h, rec)

	if rec.IssueNumber != nil {
		body := fmt.Sprintf("%s\n\nBlocked by #%d: %s", signature(rec.Role), blocker, reason)
		if err := m.gh.CreateComment(ctx, *rec.IssueNumber, body); err != nil {
			m.logger.Warn("Blocked comment failed", "agent_id", h.agentID, "error", err)
		}
	}
	if reporter := m.stageReporter(); reporter != nil {
		reporter.OnAgentBlocked(ctx, h.agentID, reason)
	}
	return fmt.Sprintf("suspended until issue #%d is resolved", blocker), nil
}

func (m *Manager) toolReportComplete(ctx context.Context, h *agentHandle, rec *models.AgentRecord, params map[string]any) (string, error) {
	summary := stringParam(params, "summary")
	h.mu.Lock()
	h.summary = summary
	h.mu.Unlock()

	if _, err := m.reg.SetAgentStatus(ctx, h.agentID, models.AgentStatusCompleted); err != nil {
		return "", err
	}
	h.requestStop()

	if rec.IssueNumber != nil && summary != "" {
		body := signature(rec.Role) + "\n\n" + summary
		if err := m.gh.CreateComment(ctx, *rec.IssueNumber, body); err != nil {
			m.logger.Warn("Completion comment failed", "agent_id", h.agentID, "error", err)
		}
	}
	return "work recorded as complete; you may stop", nil
}

func (m *Manager) toolCreateBlockerIssue(ctx context.Context, h *agentHandle, rec *models.AgentRecord, params map[string]any) (string, error) {
	title := stringParam(params, "title")
	if title == "" {
		return "", fmt.Errorf("create_blocker_issue: title is required")
	}
	number, err := m.gh.CreateIssue(ctx, title, stringParam(params, "body"), stringsParam(params, "labels"))
	if err != nil {
		return "", err
	}
	if err := m.reg.AddBlocker(ctx, h.agentID, number); err != nil {
		return "", fmt.Errorf("issue #%d created but not registered as blocker: %w", number, err)
	}
	m.sleepAgent(ctx, h, rec)
	if reporter := m.stageReporter(); reporter != nil {
		reporter.OnAgentBlocked(ctx, h.agentID, fmt.Sprintf("waiting on new issue #%d", number))
	}
	return fmt.Sprintf("created issue #%d and suspended until it is resolved", number), nil
}

func (m *Manager) toolEscalateToHuman(ctx context.Context, h *agentHandle, rec *models.AgentRecord, params map[string]any) (string, error) {
	reason := stringParam(params, "reason")
	category := stringParam(params, "category")
	if category == "" {
		category = "other"
	}

	if _, err := m.reg.SetAgentStatus(ctx, h.agentID, models.AgentStatusEscalated); err != nil {
		return "", err
	}
	h.requestStop()
	m.act.Agent(ctx, h.agentID, models.ActivityAgentEscalated, reason, models.JSONMap{"category": category})

	if rec.IssueNumber != nil {
		labels := []string{"needs-human", "escalation:" + category}
		if err := m.gh.AddLabels(ctx, *rec.IssueNumber, labels); err != nil {
			m.logger.Warn("Escalation labels failed", "agent_id", h.agentID, "error", err)
		}
		body := signature(rec.Role) + "\n\nEscalated to a human: " + reason
		if err := m.gh.CreateComment(ctx, *rec.IssueNumber, body); err != nil {
			m.logger.Warn("Escalation comment failed", "agent_id", h.agentID, "error", err)
		}
	}
	m.notify(ctx, rec, reason, stringParam(params, "summary"))
	return "escalated; a human will take over", nil
}

func (m *Manager) toolCheckForEvents(h *agentHandle) string {
	lines := h.drainInbox()
	if len(lines) == 0 {
		return "no new events"
	}
	return "- " + strings.Join(lines, "\n- ")
}

// toolSubmitPRReview submits a review. GitHub rejects REQUEST_CHANGES on
// your own PR with a 403; the fallback applies the needs-changes label and
// records the changes_requested verdict independently, and the returned
// message enumerates exactly what succeeded.
func (m *Manager) toolSubmitPRReview(ctx context.Context, rec *models.AgentRecord, params map[string]any) (string, error) {
	pr, ok := intParam(params, "pr")
	if !ok {
		if rec.PRNumber == nil {
			return "", fmt.Errorf("submit_pr_review: pr is required")
		}
		pr = *rec.PRNumber
	}
	event := strings.ToUpper(stringParam(params, "event"))
	body := stringParam(params, "body")
	comments := reviewCommentsParam(params, "comments")

	err := m.gh.SubmitReview(ctx, pr, body, event, comments)
	if err == nil {
		switch event {
		case github.ReviewApprove:
			m.recordVerdict(ctx, pr, rec, models.ApprovalStateApproved)
		case github.ReviewRequestChanges:
			m.recordVerdict(ctx, pr, rec, models.ApprovalStateChangesRequested)
		}
		return fmt.Sprintf("review submitted on PR #%d (%s)", pr, event), nil
	}

	if event != github.ReviewRequestChanges || !github.IsPermissionDenied(err) {
		return "", fmt.Errorf("submit review on PR #%d: %w", pr, err)
	}

	// 403 on REQUEST_CHANGES: fall back to label + recorded verdict. The
	// two halves are independent; report each on its own.
	var results []string
	if lerr := m.gh.AddLabels(ctx, pr, []string{"needs-changes"}); lerr != nil {
		results = append(results, "needs-changes label failed: "+lerr.Error())
	} else {
		results = append(results, "needs-changes label applied")
	}
	if rerr := m.reg.RecordApproval(ctx, pr, rec.Role, rec.AgentID, models.ApprovalStateChangesRequested); rerr != nil {
		results = append(results, "changes_requested verdict failed: "+rerr.Error())
	} else {
		results = append(results, "changes_requested verdict recorded")
	}
	return fmt.Sprintf("review rejected by GitHub (403); fallback: %s", strings.Join(results, "; ")), nil
}

func (m *Manager) recordVerdict(ctx context.Context, pr int, rec *models.AgentRecord, state models.ApprovalState) {
	if err := m.reg.RecordApproval(ctx, pr, rec.Role, rec.AgentID, state); err != nil {
		m.logger.Warn("Approval record failed", "agent_id", rec.AgentID, "pr_number", pr, "error", err)
	}
}

func (m *Manager) toolOpenPR(ctx context.Context, cfg *config.Config, rec *models.AgentRecord, params map[string]any) (string, error) {
	if rec.Branch == nil {
		return "", fmt.Errorf("open_pr: agent has no branch")
	}
	base := stringParam(params, "base")
	if base == "" {
		base = cfg.Project.DefaultBranch
	}
	body := stringParam(params, "body")
	if rec.IssueNumber != nil {
		body = fmt.Sprintf("%s\n\nCloses #%d", body, *rec.IssueNumber)
	}
	number, err := m.gh.CreatePR(ctx, stringParam(params, "title"), body, *rec.Branch, base)
	if err != nil {
		return "", err
	}
	n := number
	rec.PRNumber = &n
	if err := m.reg.UpdateAgent(ctx, rec); err != nil {
		m.logger.Warn("PR number persist failed", "agent_id", rec.AgentID, "error", err)
	}
	return fmt.Sprintf("opened PR #%d from %s into %s", number, *rec.Branch, base), nil
}

func (m *Manager) toolComment(ctx context.Context, rec *models.AgentRecord, params map[string]any, key string, fallback *int) (string, error) {
	number, ok := intParam(params, key)
	if !ok {
		if fallback == nil {
			return "", fmt.Errorf("%s is required", key)
		}
		number = *fallback
	}
	body := stringParam(params, "body")
	if body == "" {
		return "", fmt.Errorf("body is required")
	}
	if err := m.gh.CreateComment(ctx, number, signature(rec.Role)+"\n\n"+body); err != nil {
		return "", err
	}
	return fmt.Sprintf("comment posted on #%d", number), nil
}

func (m *Manager) toolAssignIssue(ctx context.Context, rec *models.AgentRecord, params map[string]any) (string, error) {
	number, ok := intParam(params, "issue_number")
	if !ok {
		if rec.IssueNumber == nil {
			return "", fmt.Errorf("assign_issue: issue_number is required")
		}
		number = *rec.IssueNumber
	}
	assignees := stringsParam(params, "assignees")
	if len(assignees) == 0 {
		return "", fmt.Errorf("assign_issue: assignees is required")
	}
	if err := m.gh.AssignIssue(ctx, number, assignees); err != nil {
		return "", err
	}
	return fmt.Sprintf("assigned %s to issue #%d", strings.Join(assignees, ", "), number), nil
}

func (m *Manager) toolLabelIssue(ctx context.Context, rec *models.AgentRecord, params map[string]any) (string, error) {
	number, ok := intParam(params, "issue_number")
	if !ok {
		if rec.IssueNumber == nil {
			return "", fmt.Errorf("label_issue: issue_number is required")
		}
		number = *rec.IssueNumber
	}
	labels := stringsParam(params, "labels")
	if len(labels) == 0 {
		return "", fmt.Errorf("label_issue: labels is required")
	}
	if err := m.gh.AddLabels(ctx, number, labels); err != nil {
		return "", err
	}
	return fmt.Sprintf("labeled issue #%d with %s", number, strings.Join(labels, ", ")), nil
}

func (m *Manager) toolCreateIssue(ctx context.Context, rec *models.AgentRecord, params map[string]any) (string, error) {
	title := stringParam(params, "title")
	if title == "" {
		return "", fmt.Errorf("create_issue: title is required")
	}
	body := signature(rec.Role) + "\n\n" + stringParam(params, "body")
	number, err := m.gh.CreateIssue(ctx, title, body, stringsParam(params, "labels"))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("created issue #%d", number), nil
}

func (m *Manager) toolReadIssue(ctx context.Context, rec *models.AgentRecord, params map[string]any) (string, error) {
	number, ok := intParam(params, "issue_number")
	if !ok {
		if rec.IssueNumber == nil {
			return "", fmt.Errorf("read_issue: issue_number is required")
		}
		number = *rec.IssueNumber
	}
	issue, err := m.gh.GetIssue(ctx, number)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(issue)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (m *Manager) toolCheckRegistry(ctx context.Context) (string, error) {
	recs, err := m.reg.ListAgents(ctx)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, rec := range recs {
		if rec.Status.IsTerminal() {
			continue
		}
		fmt.Fprintf(&b, "- %s (%s, %s)", rec.AgentID, rec.Role, rec.Status)
		if rec.IssueNumber != nil {
			fmt.Fprintf(&b, " issue #%d", *rec.IssueNumber)
		}
		if rec.PRNumber != nil {
			fmt.Fprintf(&b, " PR #%d", *rec.PRNumber)
		}
		b.WriteString("\n")
	}
	if b.Len() == 0 {
		return "no live agents", nil
	}
	return b.String(), nil
}

// sleepAgent runs the pre-sleep hook and writes the sleeping status. Hook
// failures never block the transition.
func (m *Manager) sleepAgent(ctx context.Context, h *agentHandle, rec *models.AgentRecord) {
	if m.preSleep != nil {
		if err := m.preSleep(ctx, rec); err != nil {
			m.logger.Warn("Pre-sleep hook failed", "agent_id", h.agentID, "error", err)
		}
	}
	if _, err := m.reg.SetAgentStatus(ctx, h.agentID, models.AgentStatusSleeping); err != nil {
		m.logger.Error("Sleep status update failed", "agent_id", h.agentID, "error", err)
	}
	h.requestStop()
}

func stringParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func intParam(params map[string]any, key string) (int, bool) {
	switch v := params[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

func stringsParam(params map[string]any, key string) []string {
	switch v := params[key].(type) {
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

func reviewCommentsParam(params map[string]any, key string) []github.ReviewComment {
	items, ok := params[key].([]any)
	if !ok {
		return nil
	}
	var out []github.ReviewComment
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		line, _ := intParam(entry, "line")
		out = append(out, github.ReviewComment{
			Path: stringParam(entry, "path"),
			Line: line,
			Body: stringParam(entry, "body"),
		})
	}
	return out
}
