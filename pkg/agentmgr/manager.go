// Package agentmgr owns live agents: their registry records, LLM sessions,
// worktrees, mail and inbox queues, and the goroutine driving each one. It
// spawns agents from configuration triggers, @mentions, slash commands, and
// pipeline stage requests, enforces the singleton/duplicate/concurrency
// guards, runs both circuit breakers, and reports workflow stage outcomes
// back to the pipeline engine.
package agentmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/squadron-dev/squadron/pkg/activity"
	"github.com/squadron-dev/squadron/pkg/config"
	"github.com/squadron-dev/squadron/pkg/events"
	"github.com/squadron-dev/squadron/pkg/github"
	"github.com/squadron-dev/squadron/pkg/models"
	"github.com/squadron-dev/squadron/pkg/notify"
	"github.com/squadron-dev/squadron/pkg/pipeline"
	"github.com/squadron-dev/squadron/pkg/registry"
	"github.com/squadron-dev/squadron/pkg/runtime"
	"github.com/squadron-dev/squadron/pkg/sandbox"
	"github.com/squadron-dev/squadron/pkg/skills"
	"github.com/squadron-dev/squadron/pkg/worktree"
)

// Spawn refusal sentinels. Callers distinguish "cannot right now" from real
// failures with errors.Is.
var (
	ErrUnknownRole     = errors.New("role is not configured")
	ErrSingletonActive = errors.New("singleton role already has a live agent")
	ErrDuplicateAgent  = errors.New("role already has a live agent for this issue")
	ErrAtCapacity      = errors.New("max concurrent agents reached")
)

const (
	mailQueueSize  = 32
	inboxQueueSize = 16

	// counterFlushEvery is how many tool calls pass between persisted
	// counter snapshots.
	counterFlushEvery = 10
)

// PreSleepHook runs before an agent transitions to sleeping, e.g. to
// WIP-commit and push its worktree. Failures are logged, never blocking.
type PreSleepHook func(ctx context.Context, rec *models.AgentRecord) error

// StageReporter is the pipeline engine surface the manager reports workflow
// agent outcomes to. The engine ignores agents that belong to no stage.
type StageReporter interface {
	OnAgentComplete(ctx context.Context, agentID string, outputs map[string]any)
	OnAgentBlocked(ctx context.Context, agentID, reason string)
	OnAgentError(ctx context.Context, agentID, errMsg string)
}

// SpawnSpec describes one agent to start.
type SpawnSpec struct {
	Role        string
	IssueNumber int
	PRNumber    int
	// OverrideBranch checks out an existing branch instead of one derived
	// from the role's naming template. Review agents use the PR head.
	OverrideBranch string
	// InjectMessage is prepended to the agent's first prompt.
	InjectMessage string
	// ResumeSessionID continues a previous session instead of creating a
	// fresh one.
	ResumeSessionID string
	// RunID and StageID tie a workflow agent to its pipeline stage.
	RunID   string
	StageID string
}

// agentHandle is the in-memory state of one live (active or sleeping) agent.
type agentHandle struct {
	agentID string
	role    string

	cancel context.CancelFunc
	mail   chan models.MailMessage
	inbox  chan string

	mu       sync.Mutex
	session  runtime.Session
	summary  string        // last report_complete summary
	stopTurn chan struct{} // closed when a tool requests the turn loop stop
}

func (h *agentHandle) requestStop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.stopTurn:
	default:
		close(h.stopTurn)
	}
}

func (h *agentHandle) stopRequested() bool {
	select {
	case <-h.stopTurn:
		return true
	default:
		return false
	}
}

// Manager owns every live agent.
type Manager struct {
	store     *config.Store
	reg       *registry.Registry
	gh        github.Client
	worktrees worktree.Service
	sandbox   sandbox.Manager
	runtime   runtime.Runtime
	act       *activity.Log
	notifier  notify.Notifier
	skills    *skills.Library
	reporter  StageReporter
	preSleep  PreSleepHook
	logger    *slog.Logger

	// mu is the spawn mutex: the duplicate/singleton guards and the
	// concurrency reservation are atomic under it.
	mu       sync.Mutex
	reserved int
	active   map[string]*agentHandle

	lifecycle context.Context
	stop      context.CancelFunc
	wg        sync.WaitGroup
}

// Options carries the optional collaborators.
type Options struct {
	Notifier      notify.Notifier
	Skills        *skills.Library
	StageReporter StageReporter
	PreSleep      PreSleepHook
}

// New builds a manager. Call Start before spawning.
func New(store *config.Store, reg *registry.Registry, gh github.Client,
	wt worktree.Service, sb sandbox.Manager, rt runtime.Runtime,
	act *activity.Log, opts Options) *Manager {
	return &Manager{
		store:     store,
		reg:       reg,
		gh:        gh,
		worktrees: wt,
		sandbox:   sb,
		runtime:   rt,
		act:       act,
		notifier:  opts.Notifier,
		skills:    opts.Skills,
		reporter:  opts.StageReporter,
		preSleep:  opts.PreSleep,
		logger:    slog.With("component", "agentmgr"),
		active:    make(map[string]*agentHandle),
	}
}

// SetStageReporter wires the pipeline engine after construction.
func (m *Manager) SetStageReporter(r StageReporter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reporter = r
}

func (m *Manager) stageReporter() StageReporter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reporter
}

// Start registers event handlers on the router and opens the manager for
// spawning.
func (m *Manager) Start(ctx context.Context, router *events.Router) {
	m.lifecycle, m.stop = context.WithCancel(context.WithoutCancel(ctx))
	m.registerHandlers(router)
	m.logger.Info("Agent manager started")
}

// Stop cancels every agent goroutine and waits up to grace for them to
// finish their cleanup. Stragglers are abandoned after their sessions are
// force-deleted.
func (m *Manager) Stop(grace time.Duration) {
	m.mu.Lock()
	handles := make([]*agentHandle, 0, len(m.active))
	cancels := make([]context.CancelFunc, 0, len(m.active))
	for _, h := range m.active {
		handles = append(handles, h)
		if h.cancel != nil {
			cancels = append(cancels, h.cancel)
		}
	}
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if m.stop != nil {
		m.stop()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		m.logger.Warn("Shutdown grace expired, force-deleting sessions")
		for _, h := range handles {
			h.mu.Lock()
			sess := h.session
			h.mu.Unlock()
			if sess != nil {
				delCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = sess.Delete(delCtx)
				cancel()
			}
		}
	}
	m.logger.Info("Agent manager stopped")
}

// ActiveCount reports the number of live handles (active or sleeping).
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Spawn starts a new agent. The registry guards and the concurrency
// reservation are checked atomically; the worktree and session are set up
// afterwards and the reservation rolled back on failure.
func (m *Manager) Spawn(ctx context.Context, spec SpawnSpec) (string, error) {
	cfg := m.store.Current()
	role := cfg.Role(spec.Role)
	if role == nil {
		return "", fmt.Errorf("role %q: %w", spec.Role, ErrUnknownRole)
	}
	def := cfg.Definition(role)
	if def == nil {
		return "", fmt.Errorf("role %q: agent definition %q: %w", spec.Role, role.AgentDefinition, ErrUnknownRole)
	}

	rec, release, err := m.reserve(ctx, cfg, role, spec)
	if err != nil {
		return "", err
	}

	path, err := m.worktrees.Create(ctx, rec.AgentID, *rec.Branch)
	if err != nil {
		release()
		m.discardRecord(ctx, rec.AgentID)
		return "", fmt.Errorf("create worktree for agent %q: %w", rec.AgentID, err)
	}
	rec.WorktreePath = &path
	if err := m.reg.UpdateAgent(ctx, rec); err != nil {
		release()
		_ = m.worktrees.Remove(ctx, rec.AgentID)
		m.discardRecord(ctx, rec.AgentID)
		return "", fmt.Errorf("save worktree path for agent %q: %w", rec.AgentID, err)
	}

	runCtx, cancel := context.WithCancel(m.lifecycle)
	h := &agentHandle{
		agentID:  rec.AgentID,
		role:     rec.Role,
		cancel:   cancel,
		mail:     make(chan models.MailMessage, mailQueueSize),
		inbox:    make(chan string, inboxQueueSize),
		stopTurn: make(chan struct{}),
	}
	m.mu.Lock()
	m.active[rec.AgentID] = h
	m.mu.Unlock()
	// The active-map entry holds the slot from here on; the reservation
	// only covered the window between the guard and the insert.
	release()

	m.act.Agent(ctx, rec.AgentID, models.ActivityAgentSpawned, "Agent spawned", models.JSONMap{
		"role":         rec.Role,
		"issue_number": spec.IssueNumber,
		"branch":       *rec.Branch,
	})
	m.logger.Info("Agent spawned", "agent_id", rec.AgentID, "role", rec.Role,
		"issue_number", spec.IssueNumber, "branch", *rec.Branch)

	m.wg.Add(1)
	go m.runAgent(runCtx, cfg, h, rec, spec)
	return rec.AgentID, nil
}

// reserve runs the spawn guards and creates the agent record under the
// spawn mutex. The returned release frees the concurrency slot, idempotent.
func (m *Manager) reserve(ctx context.Context, cfg *config.Config, role *config.RoleConfig, spec SpawnSpec) (*models.AgentRecord, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if role.Singleton {
		n, err := m.reg.CountNonTerminalByRole(ctx, spec.Role)
		if err != nil {
			return nil, nil, fmt.Errorf("singleton guard for role %q: %w", spec.Role, err)
		}
		if n > 0 {
			return nil, nil, fmt.Errorf("role %q: %w", spec.Role, ErrSingletonActive)
		}
	}
	if spec.IssueNumber > 0 {
		if _, err := m.reg.FindNonTerminal(ctx, spec.Role, spec.IssueNumber); err == nil {
			return nil, nil, fmt.Errorf("role %q issue #%d: %w", spec.Role, spec.IssueNumber, ErrDuplicateAgent)
		} else if !registry.IsNotFound(err) {
			return nil, nil, fmt.Errorf("duplicate guard for role %q: %w", spec.Role, err)
		}
		// Terminal leftovers of this role+issue never block a respawn.
		m.purgeTerminal(ctx, spec.Role, spec.IssueNumber)
	}

	limit := cfg.Runtime.MaxConcurrentAgents
	if limit > 0 && len(m.active)+m.reserved >= limit {
		return nil, nil, fmt.Errorf("%d agents live: %w", len(m.active), ErrAtCapacity)
	}
	m.reserved++
	var once sync.Once
	release := func() {
		once.Do(func() {
			m.mu.Lock()
			m.reserved--
			m.mu.Unlock()
		})
	}

	branch := spec.OverrideBranch
	if branch == "" {
		branch = branchFor(cfg, spec.Role, spec.IssueNumber)
	}
	rec := &models.AgentRecord{
		AgentID: "agent-" + uuid.NewString(),
		Role:    spec.Role,
		Status:  models.AgentStatusCreated,
		Branch:  &branch,
	}
	if spec.IssueNumber > 0 {
		n := spec.IssueNumber
		rec.IssueNumber = &n
	}
	if spec.PRNumber > 0 {
		n := spec.PRNumber
		rec.PRNumber = &n
	}
	if spec.ResumeSessionID != "" {
		sid := spec.ResumeSessionID
		rec.SessionID = &sid
	}
	if err := m.reg.CreateAgent(ctx, rec); err != nil {
		m.reserved-- // still under the spawn mutex, release would deadlock
		return nil, nil, fmt.Errorf("create agent record: %w", err)
	}
	return rec, release, nil
}

// purgeTerminal deletes terminal records of role for the issue so a
// re-review spawn starts from a clean slate.
func (m *Manager) purgeTerminal(ctx context.Context, role string, issueNumber int) {
	recs, err := m.reg.GetAgentsForIssue(ctx, issueNumber)
	if err != nil {
		m.logger.Warn("Terminal record sweep failed", "issue_number", issueNumber, "error", err)
		return
	}
	for _, rec := range recs {
		if rec.Role != role || !rec.Status.IsTerminal() {
			continue
		}
		if err := m.reg.DeleteAgent(ctx, rec.AgentID); err != nil {
			m.logger.Warn("Terminal record delete failed", "agent_id", rec.AgentID, "error", err)
		}
	}
}

func (m *Manager) discardRecord(ctx context.Context, agentID string) {
	if err := m.reg.DeleteAgent(ctx, agentID); err != nil {
		m.logger.Warn("Orphan record delete failed", "agent_id", agentID, "error", err)
	}
}

// DeliverMail queues an inbound @mention for the agent, blocking with ctx
// when the queue is full.
func (m *Manager) DeliverMail(ctx context.Context, agentID string, msg models.MailMessage) error {
	m.mu.Lock()
	h, ok := m.active[agentID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("agent %q has no live handle", agentID)
	}
	select {
	case h.mail <- msg:
		m.act.Agent(ctx, agentID, models.ActivityMailDelivered, "Mail queued", models.JSONMap{
			"sender": msg.Sender, "provenance": string(msg.Provenance),
		})
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pushInbox appends a short event line to the agent's inbox, dropping (with
// a log line) when the queue is full.
func (m *Manager) pushInbox(agentID, line string) {
	m.mu.Lock()
	h, ok := m.active[agentID]
	m.mu.Unlock()
	if !ok {
		return
	}
	select {
	case h.inbox <- line:
	default:
		m.logger.Warn("Inbox full, event dropped", "agent_id", agentID, "line", line)
	}
}

// WakeAgent transitions a sleeping agent back to active and restarts its
// goroutine, resuming the kept session.
func (m *Manager) WakeAgent(ctx context.Context, agentID, reason string) error {
	rec, err := m.reg.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if rec.Status != models.AgentStatusSleeping {
		return fmt.Errorf("agent %q is %s, not sleeping", agentID, rec.Status)
	}
	rec, err = m.reg.SetAgentStatus(ctx, agentID, models.AgentStatusActive)
	if err != nil {
		return err
	}

	m.mu.Lock()
	h, ok := m.active[agentID]
	if !ok {
		// Recovered sleeper with no in-memory handle: rebuild one. The
		// map entry takes the concurrency slot.
		h = &agentHandle{
			agentID:  agentID,
			role:     rec.Role,
			mail:     make(chan models.MailMessage, mailQueueSize),
			inbox:    make(chan string, inboxQueueSize),
			stopTurn: make(chan struct{}),
		}
		m.active[agentID] = h
	}
	h.mu.Lock()
	h.stopTurn = make(chan struct{})
	h.mu.Unlock()
	m.mu.Unlock()

	if reason != "" {
		m.pushInbox(agentID, reason)
	}
	m.act.Agent(ctx, agentID, models.ActivityAgentWoken, reason, nil)
	m.logger.Info("Agent woken", "agent_id", agentID, "reason", reason)

	runCtx, cancel := context.WithCancel(m.lifecycle)
	m.mu.Lock()
	h.cancel = cancel
	m.mu.Unlock()
	cfg := m.store.Current()
	m.wg.Add(1)
	go m.runAgent(runCtx, cfg, h, rec, SpawnSpec{Role: rec.Role})
	return nil
}

// CancelAgent marks the agent cancelled and interrupts its turn. Sleeping
// agents with no goroutine are cleaned up inline.
func (m *Manager) CancelAgent(ctx context.Context, agentID string) error {
	rec, err := m.reg.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if rec.Status.IsTerminal() {
		return nil
	}
	wasSleeping := rec.Status == models.AgentStatusSleeping
	rec, err = m.reg.SetAgentStatus(ctx, agentID, models.AgentStatusCancelled)
	if err != nil {
		return err
	}
	m.act.Agent(ctx, agentID, models.ActivityAgentCancelled, "Agent cancelled", nil)

	m.mu.Lock()
	h, ok := m.active[agentID]
	var cancel context.CancelFunc
	if ok {
		cancel = h.cancel
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if wasSleeping {
		m.cleanup(ctx, h, rec, true)
		return nil
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

// CompleteAgent marks a live agent completed from outside its goroutine,
// e.g. when its PR merged underneath it. Sleeping agents are cleaned up
// inline; running ones observe the status at the next post-turn checkpoint.
func (m *Manager) CompleteAgent(ctx context.Context, agentID, note string) error {
	rec, err := m.reg.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if rec.Status.IsTerminal() {
		return nil
	}
	m.completeExternally(ctx, rec, note)
	return nil
}

// SpawnWorkflowAgent starts an agent for a pipeline stage. Review stages
// targeting a PR check out the PR head branch, never a role-derived one.
func (m *Manager) SpawnWorkflowAgent(ctx context.Context, req pipeline.SpawnRequest) (string, error) {
	spec := SpawnSpec{
		Role:          req.Role,
		IssueNumber:   req.IssueNumber,
		PRNumber:      req.PRNumber,
		InjectMessage: req.Action,
		RunID:         req.RunID,
		StageID:       req.StageID,
	}
	if req.PRNumber > 0 {
		pr, err := m.gh.GetPR(ctx, req.PRNumber)
		if err != nil {
			return "", fmt.Errorf("resolve head branch of PR #%d: %w", req.PRNumber, err)
		}
		spec.OverrideBranch = pr.HeadRef
	}
	if req.ContinueSession {
		spec.ResumeSessionID = m.lastSessionID(ctx, req.Role, req.IssueNumber)
	}
	return m.Spawn(ctx, spec)
}

// lastSessionID finds the most recent session handle a terminal agent of
// role left behind for the issue, or "".
func (m *Manager) lastSessionID(ctx context.Context, role string, issueNumber int) string {
	if issueNumber == 0 {
		return ""
	}
	recs, err := m.reg.GetAgentsForIssue(ctx, issueNumber)
	if err != nil {
		return ""
	}
	var best *models.AgentRecord
	for _, rec := range recs {
		if rec.Role != role || rec.SessionID == nil {
			continue
		}
		if best == nil || rec.UpdatedAt.After(best.UpdatedAt) {
			best = rec
		}
	}
	if best == nil {
		return ""
	}
	return *best.SessionID
}

var _ pipeline.AgentRunner = (*Manager)(nil)

// branchFor renders the role's branch from the naming template.
func branchFor(cfg *config.Config, role string, issueNumber int) string {
	tmpl := cfg.BranchNaming
	if tmpl == "" {
		tmpl = config.DefaultBranchNaming
	}
	out := strings.ReplaceAll(tmpl, "{role}", role)
	out = strings.ReplaceAll(out, "{issue_number}", fmt.Sprintf("%d", issueNumber))
	return out
}

// signature is the bot comment header the self-loop guard keys on.
func signature(role string) string {
	return "**[squadron:" + role + "]**"
}

// signedBy extracts the role from a bot comment header, or "".
func signedBy(body string) string {
	const prefix = "**[squadron:"
	trimmed := strings.TrimSpace(body)
	if !strings.HasPrefix(trimmed, prefix) {
		return ""
	}
	rest := trimmed[len(prefix):]
	end := strings.Index(rest, "]**")
	if end < 0 {
		return ""
	}
	return rest[:end]
}
