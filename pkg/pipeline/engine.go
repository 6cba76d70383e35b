package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/squadron-dev/squadron/pkg/activity"
	"github.com/squadron-dev/squadron/pkg/events"
	"github.com/squadron-dev/squadron/pkg/gates"
	"github.com/squadron-dev/squadron/pkg/github"
	"github.com/squadron-dev/squadron/pkg/models"
	"github.com/squadron-dev/squadron/pkg/registry"
)

// SpawnRequest asks the agent manager to start an agent for a stage.
type SpawnRequest struct {
	Role            string
	IssueNumber     int
	PRNumber        int
	RunID           string
	StageID         string
	Action          string
	ContinueSession bool
	Trigger         *events.Event
}

// AgentRunner is the agent manager surface the engine depends on. The
// manager reports stage outcomes back through the On* callbacks.
type AgentRunner interface {
	SpawnWorkflowAgent(ctx context.Context, req SpawnRequest) (string, error)
	WakeAgent(ctx context.Context, agentID, reason string) error
	CancelAgent(ctx context.Context, agentID string) error
}

// Config sizes the engine.
type Config struct {
	// MaxNestingDepth caps sub-pipeline nesting. 0 means the default of 3.
	MaxNestingDepth int
	// HTTPTimeout bounds webhook stage requests. 0 means 30s.
	HTTPTimeout time.Duration
}

const (
	defaultMaxNestingDepth = 3
	defaultHTTPTimeout     = 30 * time.Second
)

// Engine executes pipeline runs. One event at a time enters through
// EvaluateEvent/OnEvent (the router's dispatch goroutine); per-run mutexes
// serialize stage transitions against delay timers and agent callbacks.
type Engine struct {
	store      *registry.Registry
	checks     *gates.Registry
	gh         github.Client
	act        *activity.Log
	httpClient *http.Client
	cfg        Config
	logger     *slog.Logger

	mu       sync.Mutex
	defs     map[string]*Definition
	runner   AgentRunner
	reactive map[events.EventType]map[string]bool
	locks    map[string]*sync.Mutex

	lifecycle context.Context
	cancel    context.CancelFunc
	timers    sync.WaitGroup
}

// NewEngine builds the engine. Definitions and the agent runner are wired
// afterwards (SetDefinitions, SetAgentRunner) to break the construction
// cycle with the agent manager.
func NewEngine(store *registry.Registry, checks *gates.Registry, gh github.Client, act *activity.Log, cfg Config) *Engine {
	if cfg.MaxNestingDepth <= 0 {
		cfg.MaxNestingDepth = defaultMaxNestingDepth
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}
	lifecycle, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:      store,
		checks:     checks,
		gh:         gh,
		act:        act,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		cfg:        cfg,
		logger:     slog.With("component", "pipeline"),
		defs:       map[string]*Definition{},
		reactive:   map[events.EventType]map[string]bool{},
		locks:      map[string]*sync.Mutex{},
		lifecycle:  lifecycle,
		cancel:     cancel,
	}
}

// SetDefinitions swaps the loaded pipeline set. Running runs are unaffected;
// they execute their frozen snapshots.
func (e *Engine) SetDefinitions(defs map[string]*Definition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defs = defs
}

// SetAgentRunner wires the agent manager.
func (e *Engine) SetAgentRunner(r AgentRunner) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runner = r
}

// Definitions returns the currently loaded definitions by name.
func (e *Engine) Definitions() map[string]*Definition {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]*Definition, len(e.defs))
	for name, def := range e.defs {
		out[name] = def
	}
	return out
}

// Start resumes state after a restart: waiting runs rejoin the reactive
// index and delay stages reschedule with their remaining time.
func (e *Engine) Start(ctx context.Context) error {
	runs, err := e.store.ListRunsByStatus(ctx, models.RunStatusWaiting, models.RunStatusRunning)
	if err != nil {
		return fmt.Errorf("pipeline: resume runs: %w", err)
	}
	for _, run := range runs {
		def, derr := e.snapshotDef(run)
		if derr != nil {
			e.logger.Error("Unreadable definition snapshot, failing run", "run_id", run.RunID, "error", derr)
			e.failRun(ctx, run, "unreadable definition snapshot")
			continue
		}
		for _, ev := range def.SubscribedEvents() {
			e.subscribe(events.EventType(ev), run.RunID)
		}
		if run.CurrentStageID == nil {
			continue
		}
		stage := def.StageByID(*run.CurrentStageID)
		if stage != nil && stage.Type == StageDelay && run.Status == models.RunStatusWaiting {
			e.resumeDelay(run, def, stage)
		}
	}
	e.logger.Info("Pipeline engine started", "resumed_runs", len(runs), "pipelines", len(e.Definitions()))
	return nil
}

// Stop cancels delay timers and waits for them to exit.
func (e *Engine) Stop() {
	e.cancel()
	e.timers.Wait()
}

// EvaluateEvent checks every loaded pipeline's trigger against the event and
// starts runs where it matches. Part of the router's PipelineSink.
func (e *Engine) EvaluateEvent(ctx context.Context, ev *events.Event) {
	for _, def := range e.Definitions() {
		if def.Trigger == nil || def.Trigger.Event != string(ev.Type) {
			continue
		}
		if !matchConditions(ev, def.Trigger.Conditions) {
			continue
		}
		if def.Scope != models.ScopeMultiPR {
			// One active run per scope key.
			if _, err := e.store.FindActiveRun(ctx, def.Name, def.Scope, ev.IssueNumber, ev.PRNumber); err == nil {
				e.logger.Debug("Trigger suppressed by active run", "pipeline", def.Name)
				continue
			}
		}
		if _, err := e.StartRun(ctx, def, ev, nil, ""); err != nil {
			e.logger.Error("Failed to start pipeline run", "pipeline", def.Name, "error", err)
		}
	}
}

// matchConditions compares literal trigger conditions against the event.
// A dotted key walks the raw payload; the bare keys "sender", "label",
// "issue_number", and "pr_number" match the enriched fields.
func matchConditions(ev *events.Event, conds map[string]any) bool {
	for key, want := range conds {
		var got any
		switch key {
		case "sender":
			got = ev.Sender
		case "label":
			got, _ = payloadLookup(ev.Payload, "label", "name")
		case "issue_number":
			if ev.IssueNumber != nil {
				got = *ev.IssueNumber
			}
		case "pr_number":
			if ev.PRNumber != nil {
				got = *ev.PRNumber
			}
		default:
			var ok bool
			if got, ok = payloadLookupPath(ev.Payload, key); !ok {
				return false
			}
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// StartRun creates and advances a new run. parent is non-nil for
// sub-pipeline stages.
func (e *Engine) StartRun(ctx context.Context, def *Definition, ev *events.Event, parent *models.PipelineRun, parentStageID string) (*models.PipelineRun, error) {
	snapshot, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("freeze definition %q: %w", def.Name, err)
	}

	run := &models.PipelineRun{
		RunID:              uuid.NewString(),
		PipelineName:       def.Name,
		DefinitionSnapshot: string(snapshot),
		Scope:              def.Scope,
		Status:             models.RunStatusPending,
		Context:            models.JSONMap{},
	}
	for k, v := range def.Context {
		run.Context[k] = v
	}
	if ev != nil {
		run.TriggerDeliveryID = ev.SourceDeliveryID
		run.IssueNumber = ev.IssueNumber
		run.PRNumber = ev.PRNumber
	}
	if parent != nil {
		run.ParentRunID = &parent.RunID
		run.ParentStageID = &parentStageID
		run.NestingDepth = parent.NestingDepth + 1
		if run.IssueNumber == nil {
			run.IssueNumber = parent.IssueNumber
		}
		if run.PRNumber == nil {
			run.PRNumber = parent.PRNumber
		}
		for k, v := range parent.Context {
			if _, set := run.Context[k]; !set {
				run.Context[k] = v
			}
		}
		if run.NestingDepth > e.cfg.MaxNestingDepth {
			return nil, fmt.Errorf("pipeline %q: nesting depth %d exceeds limit %d",
				def.Name, run.NestingDepth, e.cfg.MaxNestingDepth)
		}
	}

	if err := e.store.CreatePipelineRun(ctx, run); err != nil {
		return nil, err
	}
	if def.Scope == models.ScopeMultiPR && run.PRNumber != nil {
		if err := e.store.AddPRAssociation(ctx, run.RunID, *run.PRNumber); err != nil {
			e.logger.Warn("Failed to record PR association", "run_id", run.RunID, "error", err)
		}
	}
	e.act.Run(ctx, run.RunID, models.ActivityRunStarted,
		fmt.Sprintf("pipeline %s started", def.Name), models.JSONMap{"pipeline": def.Name})

	for _, sub := range def.SubscribedEvents() {
		e.subscribe(events.EventType(sub), run.RunID)
	}

	if len(def.Stages) == 0 {
		e.finishRun(ctx, run, models.RunStatusCompleted, "")
		return run, nil
	}
	e.advance(ctx, run.RunID, def.Stages[0].ID)
	return run, nil
}

// CancelPipeline cancels a run, its current stage's agent, and any running
// child runs.
func (e *Engine) CancelPipeline(ctx context.Context, runID string) error {
	lock := e.runLock(runID)
	lock.Lock()
	defer lock.Unlock()

	run, err := e.store.GetPipelineRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return nil
	}

	if run.CurrentStageID != nil {
		if sr, err := e.store.GetLatestStageRun(ctx, runID, *run.CurrentStageID); err == nil && !sr.Status.IsTerminal() {
			sr.Status = models.StageStatusCancelled
			if err := e.store.UpdateStageRun(ctx, sr); err != nil {
				e.logger.Warn("Failed to cancel stage run", "run_id", runID, "error", err)
			}
			if sr.AgentID != nil {
				e.cancelAgent(ctx, *sr.AgentID)
			}
		}
	}

	children, err := e.store.GetChildRuns(ctx, runID)
	if err == nil {
		for _, child := range children {
			if !child.Status.IsTerminal() {
				if err := e.CancelPipeline(ctx, child.RunID); err != nil {
					e.logger.Warn("Failed to cancel child run", "run_id", child.RunID, "error", err)
				}
			}
		}
	}

	e.finishRunLocked(ctx, run, models.RunStatusCancelled, "cancelled")
	return nil
}

// advance executes stages from stageID until the run waits or terminates.
func (e *Engine) advance(ctx context.Context, runID, stageID string) {
	lock := e.runLock(runID)
	lock.Lock()
	defer lock.Unlock()
	e.advanceLocked(ctx, runID, stageID)
}

func (e *Engine) advanceLocked(ctx context.Context, runID, stageID string) {
	for {
		run, err := e.store.GetPipelineRun(ctx, runID)
		if err != nil {
			e.logger.Error("Run vanished during advance", "run_id", runID, "error", err)
			return
		}
		if run.Status.IsTerminal() {
			return
		}
		def, err := e.snapshotDef(run)
		if err != nil {
			e.failRun(ctx, run, fmt.Sprintf("definition snapshot: %v", err))
			return
		}
		stage := def.StageByID(stageID)
		if stage == nil {
			e.failRun(ctx, run, fmt.Sprintf("unknown stage %q", stageID))
			return
		}

		// Self-loop budget: a transition's max_iterations caps how many
		// attempts the target stage may accumulate in this run.
		if exceeded, err := e.iterationExceeded(ctx, run, def, stage); err != nil {
			e.failRun(ctx, run, err.Error())
			return
		} else if exceeded {
			e.finishRunLocked(ctx, run, models.RunStatusEscalated,
				fmt.Sprintf("stage %q exceeded max_iterations", stage.ID))
			return
		}

		run.CurrentStageID = &stage.ID
		run.Status = models.RunStatusRunning
		if err := e.store.UpdatePipelineRun(ctx, run); err != nil {
			e.logger.Error("Failed to update run", "run_id", runID, "error", err)
			return
		}

		// Guard condition: false skips the stage.
		if stage.Condition != "" && !evalCondition(run.Context, stage.Condition) {
			sr := &models.StageRun{RunID: runID, StageID: stage.ID, Status: models.StageStatusSkipped}
			if err := e.store.CreateStageRun(ctx, sr); err != nil {
				e.logger.Error("Failed to record skipped stage", "run_id", runID, "error", err)
				return
			}
			e.act.Run(ctx, runID, models.ActivityStageFinished,
				fmt.Sprintf("stage %s skipped", stage.ID), models.JSONMap{"stage": stage.ID})
			next := e.resolveTarget(run, def, stage, stage.OnComplete)
			if e.terminalTarget(ctx, run, next) {
				return
			}
			stageID = next
			continue
		}

		next, waiting := e.runStage(ctx, run, def, stage)
		if waiting {
			return
		}
		if e.terminalTarget(ctx, run, next) {
			return
		}
		stageID = next
	}
}

// runStage executes one stage through its retry budget and resolves the
// follow-up target. waiting=true means the run parked (agent, human, delay,
// gate subscription, sub-pipeline, parallel).
func (e *Engine) runStage(ctx context.Context, run *models.PipelineRun, def *Definition, stage *Stage) (next string, waiting bool) {
	maxAttempts := 1
	if stage.OnError != nil && stage.OnError.Retry > 0 {
		maxAttempts = stage.OnError.Retry + 1
	}

	for attempt := 1; ; attempt++ {
		sr := &models.StageRun{
			RunID:         run.RunID,
			StageID:       stage.ID,
			AttemptNumber: attempt,
			MaxAttempts:   maxAttempts,
			Status:        models.StageStatusRunning,
		}
		if err := e.store.CreateStageRun(ctx, sr); err != nil {
			e.logger.Error("Failed to create stage run", "run_id", run.RunID, "error", err)
			e.failRun(ctx, run, "stage bookkeeping failure")
			return "", true
		}
		e.act.Run(ctx, run.RunID, models.ActivityStageStarted,
			fmt.Sprintf("stage %s started", stage.ID),
			models.JSONMap{"stage": stage.ID, "type": string(stage.Type), "attempt": attempt})

		out, err := e.executeStage(ctx, run, def, stage, sr)
		if err != nil {
			msg := err.Error()
			sr.Status = models.StageStatusFailed
			sr.ErrorMessage = &msg
			if uerr := e.store.UpdateStageRun(ctx, sr); uerr != nil {
				e.logger.Error("Failed to update stage run", "run_id", run.RunID, "error", uerr)
			}
			e.logger.Warn("Stage attempt errored",
				"run_id", run.RunID, "stage", stage.ID, "attempt", attempt, "error", err)
			if attempt < maxAttempts {
				continue
			}
			// Retries exhausted: on_error.then, default run failure.
			if stage.OnError != nil && stage.OnError.Then != "" {
				return e.resolveThen(run, def, stage, stage.OnError.Then), false
			}
			e.failRun(ctx, run, fmt.Sprintf("stage %q: %v", stage.ID, err))
			return "", true
		}

		if out.status == models.StageStatusWaiting {
			sr.Status = models.StageStatusWaiting
			run.Status = models.RunStatusWaiting
			if err := e.store.UpdateStageRun(ctx, sr); err != nil {
				e.logger.Error("Failed to park stage run", "run_id", run.RunID, "error", err)
			}
			if err := e.store.UpdatePipelineRun(ctx, run); err != nil {
				e.logger.Error("Failed to park run", "run_id", run.RunID, "error", err)
			}
			return "", true
		}

		sr.Status = out.status
		sr.Outputs = out.outputs
		if err := e.store.UpdateStageRun(ctx, sr); err != nil {
			e.logger.Error("Failed to finish stage run", "run_id", run.RunID, "error", err)
		}
		e.mergeOutputs(ctx, run, out.outputs)
		e.act.Run(ctx, run.RunID, models.ActivityStageFinished,
			fmt.Sprintf("stage %s %s", stage.ID, out.status),
			models.JSONMap{"stage": stage.ID, "status": string(out.status)})

		tr := e.pickTransition(stage, out)
		if tr != nil && tr.Delay != "" && tr.Goto != "" {
			e.scheduleTransitionDelay(ctx, run, tr)
			return "", true
		}
		return e.resolveTarget(run, def, stage, tr), false
	}
}

// stageOutcome is the synchronous result of a stage execution.
type stageOutcome struct {
	status  models.StageStatus
	passed  bool
	outputs models.JSONMap
}

// pickTransition selects the transition field the outcome routes through.
func (e *Engine) pickTransition(stage *Stage, out *stageOutcome) *Transition {
	switch stage.Type {
	case StageGate:
		if out.passed {
			return firstTransition(stage.OnPass, stage.OnComplete)
		}
		return stage.OnFail
	case StageWebhook:
		if out.passed {
			return firstTransition(stage.OnSuccess, stage.OnPass, stage.OnComplete)
		}
		return firstTransition(stage.OnFail, stage.OnError)
	default:
		if out.status == models.StageStatusFailed {
			return stage.OnFail
		}
		return firstTransition(stage.OnComplete, stage.OnSuccess)
	}
}

func firstTransition(trs ...*Transition) *Transition {
	for _, tr := range trs {
		if tr != nil {
			return tr
		}
	}
	return nil
}

// resolveTarget turns a transition into the next stage id or special token.
// A nil transition (or empty goto) falls through to the lexically next
// stage; past the last stage the run completes.
func (e *Engine) resolveTarget(run *models.PipelineRun, def *Definition, stage *Stage, tr *Transition) string {
	target := models.TargetNext
	if tr != nil && tr.Goto != "" {
		target = tr.Goto
	}
	if target == models.TargetNext {
		next := def.NextStageID(stage.ID)
		if next == "" {
			return models.TargetComplete
		}
		return next
	}
	return target
}

func (e *Engine) resolveThen(run *models.PipelineRun, def *Definition, stage *Stage, then string) string {
	if then == models.TargetNext {
		if next := def.NextStageID(stage.ID); next != "" {
			return next
		}
		return models.TargetComplete
	}
	return then
}

// terminalTarget handles the special tokens; returns true when the run
// reached a terminal state.
func (e *Engine) terminalTarget(ctx context.Context, run *models.PipelineRun, target string) bool {
	switch target {
	case models.TargetComplete:
		e.finishRunLocked(ctx, run, models.RunStatusCompleted, "")
		return true
	case models.TargetEscalate:
		e.finishRunLocked(ctx, run, models.RunStatusEscalated, "escalated by pipeline")
		return true
	case models.TargetFail:
		e.finishRunLocked(ctx, run, models.RunStatusFailed, "failed by pipeline")
		return true
	}
	return false
}

// iterationExceeded enforces a transition's max_iterations cap by counting
// prior attempts of the stage being entered.
func (e *Engine) iterationExceeded(ctx context.Context, run *models.PipelineRun, def *Definition, stage *Stage) (bool, error) {
	limit := 0
	for _, s := range def.Stages {
		for _, tr := range []*Transition{s.OnComplete, s.OnPass, s.OnFail, s.OnError, s.OnSuccess, s.OnTimeout} {
			if tr != nil && tr.Goto == stage.ID && tr.MaxIterations > 0 {
				if limit == 0 || tr.MaxIterations < limit {
					limit = tr.MaxIterations
				}
			}
		}
	}
	if limit == 0 {
		return false, nil
	}
	srs, err := e.store.GetStageRunsForRun(ctx, run.RunID)
	if err != nil {
		return false, fmt.Errorf("count stage iterations: %w", err)
	}
	count := 0
	for _, sr := range srs {
		if sr.StageID == stage.ID && sr.ParentStageID == nil {
			count++
		}
	}
	return count >= limit, nil
}

// finishRun locks the run and applies a terminal status.
func (e *Engine) finishRun(ctx context.Context, run *models.PipelineRun, status models.RunStatus, msg string) {
	lock := e.runLock(run.RunID)
	lock.Lock()
	defer lock.Unlock()
	e.finishRunLocked(ctx, run, status, msg)
}

func (e *Engine) finishRunLocked(ctx context.Context, run *models.PipelineRun, status models.RunStatus, msg string) {
	if run.Status.IsTerminal() {
		return
	}
	run.Status = status
	if msg != "" {
		run.ErrorMessage = &msg
	}
	if err := e.store.UpdatePipelineRun(ctx, run); err != nil {
		e.logger.Error("Failed to finish run", "run_id", run.RunID, "error", err)
		return
	}
	e.unsubscribeAll(run.RunID)
	e.act.Run(ctx, run.RunID, models.ActivityRunFinished,
		fmt.Sprintf("pipeline %s %s", run.PipelineName, status),
		models.JSONMap{"pipeline": run.PipelineName, "status": string(status)})

	if def, err := e.snapshotDef(run); err == nil {
		e.applyHook(ctx, run, def, status)
	}

	// A child run's terminal state completes its parent's pipeline stage.
	// Asynchronous so the child's lock is released before the parent's is
	// taken.
	if run.ParentRunID != nil {
		e.timers.Add(1)
		go func() {
			defer e.timers.Done()
			e.completeParentStage(context.WithoutCancel(ctx), run, status)
		}()
	}
}

// completeParentStage propagates a child run's terminal status to the
// waiting sub-pipeline stage of the parent run.
func (e *Engine) completeParentStage(ctx context.Context, child *models.PipelineRun, status models.RunStatus) {
	sr, err := e.store.FindStageRunByChildRun(ctx, child.RunID)
	if err != nil {
		e.logger.Warn("No parent stage run for child run", "run_id", child.RunID, "error", err)
		return
	}
	if sr.Status.IsTerminal() {
		return
	}
	parent, err := e.store.GetPipelineRun(ctx, sr.RunID)
	if err != nil || parent.Status.IsTerminal() {
		return
	}
	def, err := e.snapshotDef(parent)
	if err != nil {
		return
	}
	stage := def.StageByID(sr.StageID)

	lock := e.runLock(parent.RunID)
	lock.Lock()
	if status == models.RunStatusCompleted {
		sr.Status = models.StageStatusCompleted
	} else {
		sr.Status = models.StageStatusFailed
		msg := fmt.Sprintf("child pipeline %s %s", child.PipelineName, status)
		sr.ErrorMessage = &msg
	}
	if err := e.store.UpdateStageRun(ctx, sr); err != nil {
		e.logger.Error("Failed to complete parent stage", "run_id", parent.RunID, "error", err)
		lock.Unlock()
		return
	}

	if sr.ParentStageID != nil {
		// Child ran as a parallel branch; join logic decides.
		e.checkJoinLocked(ctx, parent, def, def.StageByID(*sr.ParentStageID))
		lock.Unlock()
		return
	}

	var next string
	if stage != nil && sr.Status == models.StageStatusCompleted {
		next = e.resolveTarget(parent, def, stage, firstTransition(stage.OnComplete, stage.OnSuccess))
	} else if stage != nil && stage.OnFail != nil {
		next = e.resolveTarget(parent, def, stage, stage.OnFail)
	} else {
		e.failRunLockedMsg(ctx, parent, fmt.Sprintf("sub-pipeline stage %q failed", sr.StageID))
		lock.Unlock()
		return
	}
	if e.terminalTarget(ctx, parent, next) {
		lock.Unlock()
		return
	}
	e.advanceLocked(ctx, parent.RunID, next)
	lock.Unlock()
}

func (e *Engine) failRun(ctx context.Context, run *models.PipelineRun, msg string) {
	e.finishRunLocked(ctx, run, models.RunStatusFailed, msg)
}

func (e *Engine) failRunLockedMsg(ctx context.Context, run *models.PipelineRun, msg string) {
	e.finishRunLocked(ctx, run, models.RunStatusFailed, msg)
}

// applyHook posts the on_complete / on_error hook effects.
func (e *Engine) applyHook(ctx context.Context, run *models.PipelineRun, def *Definition, status models.RunStatus) {
	var hook *Hook
	if status == models.RunStatusCompleted {
		hook = def.OnComplete
	} else if status == models.RunStatusFailed || status == models.RunStatusEscalated {
		hook = def.OnError
	}
	if hook == nil {
		return
	}
	number := 0
	if run.IssueNumber != nil {
		number = *run.IssueNumber
	} else if run.PRNumber != nil {
		number = *run.PRNumber
	}
	if number == 0 {
		return
	}
	if hook.Comment != "" {
		if err := e.gh.CreateComment(ctx, number, interpolate(hook.Comment, run)); err != nil {
			e.logger.Warn("Hook comment failed", "run_id", run.RunID, "error", err)
		}
	}
	if len(hook.Labels) > 0 {
		if err := e.gh.AddLabels(ctx, number, hook.Labels); err != nil {
			e.logger.Warn("Hook labels failed", "run_id", run.RunID, "error", err)
		}
	}
}

// mergeOutputs folds stage outputs into the run context.
func (e *Engine) mergeOutputs(ctx context.Context, run *models.PipelineRun, outputs models.JSONMap) {
	if len(outputs) == 0 {
		return
	}
	if run.Context == nil {
		run.Context = models.JSONMap{}
	}
	for k, v := range outputs {
		run.Context[k] = v
	}
	if err := e.store.UpdatePipelineRun(ctx, run); err != nil {
		e.logger.Warn("Failed to merge stage outputs", "run_id", run.RunID, "error", err)
	}
}

func (e *Engine) cancelAgent(ctx context.Context, agentID string) {
	e.mu.Lock()
	runner := e.runner
	e.mu.Unlock()
	if runner == nil {
		return
	}
	if err := runner.CancelAgent(ctx, agentID); err != nil {
		e.logger.Warn("Failed to cancel stage agent", "agent_id", agentID, "error", err)
	}
}

// snapshotDef parses a run's frozen definition.
func (e *Engine) snapshotDef(run *models.PipelineRun) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal([]byte(run.DefinitionSnapshot), &def); err != nil {
		return nil, fmt.Errorf("parse snapshot of run %q: %w", run.RunID, err)
	}
	return &def, nil
}

func (e *Engine) runLock(runID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[runID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[runID] = lock
	}
	return lock
}

// evalCondition evaluates a stage guard over the run context. Supported
// forms: "key" (truthy), "key == value", "key != value".
func evalCondition(runCtx map[string]any, expr string) bool {
	if key, want, ok := splitCondition(expr, "!="); ok {
		got, present := runCtx[key]
		return !present || fmt.Sprint(got) != want
	}
	if key, want, ok := splitCondition(expr, "=="); ok {
		got, present := runCtx[key]
		return present && fmt.Sprint(got) == want
	}
	got, present := runCtx[strings.TrimSpace(expr)]
	if !present || got == nil {
		return false
	}
	switch v := got.(type) {
	case bool:
		return v
	case string:
		return v != "" && v != "false"
	case float64:
		return v != 0
	case int:
		return v != 0
	}
	return true
}

func splitCondition(expr, op string) (key, value string, ok bool) {
	before, after, found := strings.Cut(expr, op)
	if !found {
		return "", "", false
	}
	return strings.TrimSpace(before), strings.TrimSpace(after), true
}

// payloadLookupPath walks a dotted key through the raw webhook payload.
func payloadLookupPath(payload map[string]any, dotted string) (any, bool) {
	return payloadLookup(payload, strings.Split(dotted, ".")...)
}

func payloadLookup(payload map[string]any, path ...string) (any, bool) {
	var cur any = payload
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[key]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// interpolate expands {run_id}, {pipeline}, {issue_number}, {pr_number} in
// hook text.
func interpolate(text string, run *models.PipelineRun) string {
	repl := map[string]string{
		"{run_id}":   run.RunID,
		"{pipeline}": run.PipelineName,
	}
	if run.IssueNumber != nil {
		repl["{issue_number}"] = fmt.Sprint(*run.IssueNumber)
	} else {
		repl["{issue_number}"] = ""
	}
	if run.PRNumber != nil {
		repl["{pr_number}"] = fmt.Sprint(*run.PRNumber)
	} else {
		repl["{pr_number}"] = ""
	}
	out := text
	for k, v := range repl {
		out = strings.ReplaceAll(out, k, v)
	}
	return out
}
