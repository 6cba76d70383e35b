package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/squadron-dev/squadron/pkg/events"
	"github.com/squadron-dev/squadron/pkg/models"
)

// subscribe adds a run to the reactive index for an event type.
func (e *Engine) subscribe(ev events.EventType, runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reactive[ev] == nil {
		e.reactive[ev] = map[string]bool{}
	}
	e.reactive[ev][runID] = true
}

// unsubscribeAll drops a run from the reactive index and frees its lock
// entry.
func (e *Engine) unsubscribeAll(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for ev, runs := range e.reactive {
		delete(runs, runID)
		if len(runs) == 0 {
			delete(e.reactive, ev)
		}
	}
}

// OnEvent delivers an event to every run subscribed to its type. Part of
// the router's PipelineSink; runs after EvaluateEvent in the same dispatch,
// so a trigger and a reaction from one delivery stay ordered.
func (e *Engine) OnEvent(ctx context.Context, ev *events.Event) {
	e.mu.Lock()
	var runIDs []string
	for runID := range e.reactive[ev.Type] {
		runIDs = append(runIDs, runID)
	}
	e.mu.Unlock()

	for _, runID := range runIDs {
		e.deliverEvent(ctx, runID, ev)
	}
}

// deliverEvent applies one event to one subscribed run.
func (e *Engine) deliverEvent(ctx context.Context, runID string, ev *events.Event) {
	lock := e.runLock(runID)
	lock.Lock()
	defer lock.Unlock()

	run, err := e.store.GetPipelineRun(ctx, runID)
	if err != nil || run.Status.IsTerminal() {
		e.unsubscribeAll(runID)
		return
	}
	if !e.eventInScope(ctx, run, ev) {
		return
	}
	def, err := e.snapshotDef(run)
	if err != nil {
		return
	}

	// Stage-level subscriptions first: a waiting gate re-evaluates, a
	// waiting human stage checks satisfaction.
	if run.CurrentStageID != nil {
		stage := def.StageByID(*run.CurrentStageID)
		if stage != nil && stageSubscribed(stage, ev.Type) {
			switch stage.Type {
			case StageGate:
				e.reevaluateGateLocked(ctx, run, def, stage)
				return
			}
		}
		if stage != nil && stage.Type == StageHuman && run.Status == models.RunStatusWaiting {
			if e.humanEventSatisfies(stage, ev) {
				e.completeHumanStageLocked(ctx, run, def, stage, ev)
				return
			}
		}
	}

	// Pipeline-level on_events reaction.
	if reaction, ok := def.OnEvents[string(ev.Type)]; ok && reaction != nil {
		e.applyReactionLocked(ctx, run, def, reaction, ev)
	}
}

// eventInScope reports whether the event concerns this run's issue or PRs.
// Events without a number (push) apply to every subscribed run.
func (e *Engine) eventInScope(ctx context.Context, run *models.PipelineRun, ev *events.Event) bool {
	if ev.IssueNumber == nil && ev.PRNumber == nil {
		return true
	}
	if ev.IssueNumber != nil && run.IssueNumber != nil && *ev.IssueNumber == *run.IssueNumber {
		return true
	}
	if ev.PRNumber != nil && run.PRNumber != nil && *ev.PRNumber == *run.PRNumber {
		return true
	}
	if ev.PRNumber != nil && run.Scope == models.ScopeMultiPR {
		prs, err := e.store.GetPRAssociations(ctx, run.RunID)
		if err != nil {
			return false
		}
		for _, pr := range prs {
			if pr == *ev.PRNumber {
				return true
			}
		}
	}
	return false
}

func stageSubscribed(stage *Stage, ev events.EventType) bool {
	for _, sub := range stage.EventSubscriptions {
		if sub == string(ev) {
			return true
		}
	}
	return false
}

// reevaluateGateLocked re-runs a waiting gate's conditions; a pass resumes
// the run through on_pass.
func (e *Engine) reevaluateGateLocked(ctx context.Context, run *models.PipelineRun, def *Definition, stage *Stage) {
	sr, err := e.store.GetLatestStageRun(ctx, run.RunID, stage.ID)
	if err != nil || sr.Status != models.StageStatusWaiting {
		return
	}
	passed, detail, err := e.evaluateGateConditions(ctx, run, stage, sr.ID)
	if err != nil {
		e.logger.Warn("Gate re-evaluation errored", "run_id", run.RunID, "stage", stage.ID, "error", err)
		return
	}
	e.act.Run(ctx, run.RunID, models.ActivityGateEvaluated,
		fmt.Sprintf("gate %s re-evaluated: %s", stage.ID, detail),
		models.JSONMap{"stage": stage.ID, "passed": passed})
	if !passed {
		return
	}

	sr.Status = models.StageStatusCompleted
	if err := e.store.UpdateStageRun(ctx, sr); err != nil {
		e.logger.Error("Failed to complete gate stage", "run_id", run.RunID, "error", err)
		return
	}
	e.act.Run(ctx, run.RunID, models.ActivityStageFinished,
		fmt.Sprintf("stage %s completed", stage.ID), models.JSONMap{"stage": stage.ID})

	next := e.resolveTarget(run, def, stage, firstTransition(stage.OnPass, stage.OnComplete))
	if e.terminalTarget(ctx, run, next) {
		return
	}
	e.advanceLocked(ctx, run.RunID, next)
}

// humanEventSatisfies maps a human stage's wait_for to event shapes.
func (e *Engine) humanEventSatisfies(stage *Stage, ev *events.Event) bool {
	if ev.SenderIsBot {
		return false
	}
	if len(stage.FromGroup) > 0 && !loginInGroup(ev.Sender, stage.FromGroup) {
		return false
	}
	switch stage.WaitFor {
	case "approval":
		if ev.Type != events.PRReviewSubmitted {
			return false
		}
		state, _ := payloadLookup(ev.Payload, "review", "state")
		return strings.EqualFold(fmt.Sprint(state), "approved")
	case "comment":
		return ev.Type == events.IssueComment || ev.Type == events.PRReviewComment
	case "label":
		if ev.Type != events.IssueLabeled && ev.Type != events.PRLabeled {
			return false
		}
		want := paramString(stage.Params, "label")
		if want == "" {
			return true
		}
		got, _ := payloadLookup(ev.Payload, "label", "name")
		return fmt.Sprint(got) == want
	case "dismiss":
		if ev.Type != events.PRReviewSubmitted {
			return false
		}
		state, _ := payloadLookup(ev.Payload, "review", "state")
		return strings.EqualFold(fmt.Sprint(state), "dismissed")
	}
	return false
}

func loginInGroup(login string, group []string) bool {
	for _, member := range group {
		if strings.EqualFold(strings.TrimPrefix(member, "@"), login) {
			return true
		}
	}
	return false
}

// completeHumanStageLocked finishes a waiting human stage once a qualifying
// event lands and its count is met.
func (e *Engine) completeHumanStageLocked(ctx context.Context, run *models.PipelineRun, def *Definition, stage *Stage, ev *events.Event) {
	sr, err := e.store.GetLatestStageRun(ctx, run.RunID, stage.ID)
	if err != nil || sr.Status.IsTerminal() {
		return
	}

	hs, err := e.store.GetHumanStageState(ctx, sr.ID)
	if err != nil {
		hs = &models.HumanStageState{StageRunID: sr.ID}
	}
	action := stage.WaitFor
	hs.CompletedBy = &ev.Sender
	hs.CompletedAction = &action

	// A count above 1 needs that many distinct qualifying events; satisfied
	// responders accumulate in AssignedUsers' completion tally via outputs.
	needed := stage.Count
	if needed <= 0 {
		needed = 1
	}
	responders := respondersFromOutputs(sr.Outputs)
	if !containsLogin(responders, ev.Sender) {
		responders = append(responders, ev.Sender)
	}
	if sr.Outputs == nil {
		sr.Outputs = models.JSONMap{}
	}
	sr.Outputs["responders"] = responders

	if len(responders) < needed {
		if err := e.store.UpdateStageRun(ctx, sr); err != nil {
			e.logger.Warn("Failed to record human response", "run_id", run.RunID, "error", err)
		}
		if err := e.store.UpsertHumanStageState(ctx, hs); err != nil {
			e.logger.Warn("Failed to record human state", "run_id", run.RunID, "error", err)
		}
		return
	}

	sr.Status = models.StageStatusCompleted
	if err := e.store.UpdateStageRun(ctx, sr); err != nil {
		e.logger.Error("Failed to complete human stage", "run_id", run.RunID, "error", err)
		return
	}
	if err := e.store.UpsertHumanStageState(ctx, hs); err != nil {
		e.logger.Warn("Failed to record human completion", "run_id", run.RunID, "error", err)
	}
	e.act.Run(ctx, run.RunID, models.ActivityStageFinished,
		fmt.Sprintf("stage %s completed by %s", stage.ID, ev.Sender),
		models.JSONMap{"stage": stage.ID, "completed_by": ev.Sender})

	next := e.resolveTarget(run, def, stage, firstTransition(stage.OnComplete, stage.OnPass))
	if e.terminalTarget(ctx, run, next) {
		return
	}
	e.advanceLocked(ctx, run.RunID, next)
}

func respondersFromOutputs(outputs models.JSONMap) []string {
	raw, ok := outputs["responders"]
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

func containsLogin(logins []string, login string) bool {
	for _, l := range logins {
		if strings.EqualFold(l, login) {
			return true
		}
	}
	return false
}

// applyReactionLocked executes one pipeline-level on_events reaction.
func (e *Engine) applyReactionLocked(ctx context.Context, run *models.PipelineRun, def *Definition, reaction *Reaction, ev *events.Event) {
	e.act.Run(ctx, run.RunID, models.ActivityReactionFired,
		fmt.Sprintf("reaction %s on %s", reaction.Action, ev.Type),
		models.JSONMap{"action": reaction.Action, "event": string(ev.Type)})

	switch reaction.Action {
	case ReactionReevaluateGates:
		if run.CurrentStageID == nil {
			return
		}
		stage := def.StageByID(*run.CurrentStageID)
		if stage == nil || stage.Type != StageGate {
			return
		}
		if len(reaction.Stages) > 0 && !stringInList(stage.ID, reaction.Stages) {
			return
		}
		e.reevaluateGateLocked(ctx, run, def, stage)

	case ReactionInvalidateAndRestart:
		e.restartRunLocked(ctx, run, def, reaction.RestartFrom)

	case ReactionCancel:
		e.cancelCurrentStageLocked(ctx, run)
		e.finishRunLocked(ctx, run, models.RunStatusCancelled,
			fmt.Sprintf("cancelled by %s event", ev.Type))

	case ReactionNotify:
		number := runNumber(run)
		if number == 0 {
			return
		}
		msg := reaction.Message
		if msg == "" {
			msg = fmt.Sprintf("Pipeline `%s` observed a `%s` event.", run.PipelineName, ev.Type)
		}
		if err := e.gh.CreateComment(ctx, number, interpolate(msg, run)); err != nil {
			e.logger.Warn("Reaction notify failed", "run_id", run.RunID, "error", err)
		}

	case ReactionWakeAgent:
		e.wakeCurrentAgentLocked(ctx, run, reaction, ev)
	}
}

// restartRunLocked cancels the active stage and re-enters the run at the
// given stage (or the first stage).
func (e *Engine) restartRunLocked(ctx context.Context, run *models.PipelineRun, def *Definition, from string) {
	e.cancelCurrentStageLocked(ctx, run)
	if from == "" && len(def.Stages) > 0 {
		from = def.Stages[0].ID
	}
	if from == "" {
		return
	}
	e.logger.Info("Restarting pipeline run", "run_id", run.RunID, "from", from)
	e.advanceLocked(ctx, run.RunID, from)
}

func (e *Engine) cancelCurrentStageLocked(ctx context.Context, run *models.PipelineRun) {
	if run.CurrentStageID == nil {
		return
	}
	sr, err := e.store.GetLatestStageRun(ctx, run.RunID, *run.CurrentStageID)
	if err != nil || sr.Status.IsTerminal() {
		return
	}
	sr.Status = models.StageStatusCancelled
	if err := e.store.UpdateStageRun(ctx, sr); err != nil {
		e.logger.Warn("Failed to cancel current stage", "run_id", run.RunID, "error", err)
	}
	if sr.AgentID != nil {
		e.cancelAgent(ctx, *sr.AgentID)
	}
	if sr.ChildPipelineRunID != nil {
		if err := e.CancelPipeline(ctx, *sr.ChildPipelineRunID); err != nil {
			e.logger.Warn("Failed to cancel child run", "run_id", *sr.ChildPipelineRunID, "error", err)
		}
	}
}

func (e *Engine) wakeCurrentAgentLocked(ctx context.Context, run *models.PipelineRun, reaction *Reaction, ev *events.Event) {
	e.mu.Lock()
	runner := e.runner
	e.mu.Unlock()
	if runner == nil || run.CurrentStageID == nil {
		return
	}
	sr, err := e.store.GetLatestStageRun(ctx, run.RunID, *run.CurrentStageID)
	if err != nil || sr.AgentID == nil || sr.Status.IsTerminal() {
		return
	}
	reason := reaction.Message
	if reason == "" {
		reason = fmt.Sprintf("%s event on pipeline %s", ev.Type, run.PipelineName)
	}
	if err := runner.WakeAgent(ctx, *sr.AgentID, reason); err != nil {
		e.logger.Warn("Failed to wake stage agent", "agent_id", *sr.AgentID, "error", err)
	}
}

func stringInList(s string, list []string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
