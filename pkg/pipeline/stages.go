package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/squadron-dev/squadron/pkg/gates"
	"github.com/squadron-dev/squadron/pkg/models"
)

// executeStage dispatches one stage attempt. A waiting outcome parks the
// run; the stage finishes later through a callback, timer, or event.
func (e *Engine) executeStage(ctx context.Context, run *models.PipelineRun, def *Definition, stage *Stage, sr *models.StageRun) (*stageOutcome, error) {
	switch stage.Type {
	case StageAgent:
		return e.executeAgent(ctx, run, stage, sr)
	case StageGate:
		return e.executeGate(ctx, run, stage, sr)
	case StageHuman:
		return e.executeHuman(ctx, run, stage, sr)
	case StageParallel:
		return e.executeParallel(ctx, run, def, stage, sr)
	case StageDelay:
		return e.executeDelay(ctx, run, stage, sr)
	case StageAction:
		return e.executeAction(ctx, run, stage)
	case StageWebhook:
		return e.executeWebhook(ctx, run, stage)
	case StageSubPipeline:
		return e.executeSubPipeline(ctx, run, stage, sr)
	}
	return nil, fmt.Errorf("unsupported stage type %q", stage.Type)
}

// executeAgent spawns the stage's agent and parks the run until the agent
// manager reports back.
func (e *Engine) executeAgent(ctx context.Context, run *models.PipelineRun, stage *Stage, sr *models.StageRun) (*stageOutcome, error) {
	e.mu.Lock()
	runner := e.runner
	e.mu.Unlock()
	if runner == nil {
		return nil, fmt.Errorf("no agent runner configured")
	}

	req := SpawnRequest{
		Role:            stage.Agent,
		RunID:           run.RunID,
		StageID:         stage.ID,
		Action:          interpolate(stage.Action, run),
		ContinueSession: stage.ContinueSession,
	}
	if run.IssueNumber != nil {
		req.IssueNumber = *run.IssueNumber
	}
	if run.PRNumber != nil {
		req.PRNumber = *run.PRNumber
	}

	agentID, err := runner.SpawnWorkflowAgent(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("spawn agent %q: %w", stage.Agent, err)
	}
	sr.AgentID = &agentID
	if err := e.store.UpdateStageRun(ctx, sr); err != nil {
		e.logger.Error("Failed to record stage agent", "run_id", run.RunID, "error", err)
	}
	e.scheduleStageTimeout(run.RunID, stage, sr.ID)
	return &stageOutcome{status: models.StageStatusWaiting}, nil
}

// executeGate evaluates all conditions (and any any_of alternatives). A
// failing gate with event subscriptions waits for re-evaluation instead of
// routing on_fail immediately.
func (e *Engine) executeGate(ctx context.Context, run *models.PipelineRun, stage *Stage, sr *models.StageRun) (*stageOutcome, error) {
	passed, detail, err := e.evaluateGateConditions(ctx, run, stage, sr.ID)
	if err != nil {
		return nil, err
	}
	e.act.Run(ctx, run.RunID, models.ActivityGateEvaluated,
		fmt.Sprintf("gate %s: %s", stage.ID, detail),
		models.JSONMap{"stage": stage.ID, "passed": passed})
	if !passed && len(stage.EventSubscriptions) > 0 {
		return &stageOutcome{status: models.StageStatusWaiting}, nil
	}
	if passed {
		return &stageOutcome{status: models.StageStatusCompleted, passed: true}, nil
	}
	return &stageOutcome{status: models.StageStatusCompleted, passed: false}, nil
}

// evaluateGateConditions runs every condition, recording one gate check row
// each. conditions must all pass; any_of needs one pass.
func (e *Engine) evaluateGateConditions(ctx context.Context, run *models.PipelineRun, stage *Stage, stageRunID int64) (bool, string, error) {
	scope := e.gateScope(run)
	allPassed := true
	var failures []string

	record := func(cond *GateCondition, res *gates.Result) {
		passed := res.Passed
		gc := &models.GateCheckRecord{
			StageRunID:  stageRunID,
			CheckType:   cond.Check,
			CheckConfig: cond.Params,
			Passed:      &passed,
			ResultData:  res.Data,
			Message:     res.Message,
		}
		if err := e.store.InsertGateCheck(ctx, gc); err != nil {
			e.logger.Warn("Failed to record gate check", "run_id", run.RunID, "error", err)
		}
	}

	for _, cond := range stage.Conditions {
		res, err := e.checks.Evaluate(ctx, cond.Check, scope, cond.Params)
		if err != nil {
			return false, "", fmt.Errorf("check %q: %w", cond.Check, err)
		}
		record(cond, res)
		if !res.Passed {
			allPassed = false
			failures = append(failures, fmt.Sprintf("%s: %s", cond.Check, res.Message))
		}
	}

	if len(stage.AnyOf) > 0 {
		anyPassed := false
		for _, cond := range stage.AnyOf {
			res, err := e.checks.Evaluate(ctx, cond.Check, scope, cond.Params)
			if err != nil {
				return false, "", fmt.Errorf("check %q: %w", cond.Check, err)
			}
			record(cond, res)
			if res.Passed {
				anyPassed = true
			} else {
				failures = append(failures, fmt.Sprintf("%s: %s", cond.Check, res.Message))
			}
		}
		if !anyPassed {
			allPassed = false
		}
	}

	if allPassed {
		return true, "passed", nil
	}
	return false, strings.Join(failures, "; "), nil
}

func (e *Engine) gateScope(run *models.PipelineRun) gates.Scope {
	scope := gates.Scope{Context: run.Context}
	if run.IssueNumber != nil {
		scope.IssueNumber = *run.IssueNumber
	}
	if run.PRNumber != nil {
		scope.PRNumber = *run.PRNumber
	}
	if wt, ok := run.Context["worktree_path"].(string); ok {
		scope.WorktreePath = wt
	}
	return scope
}

// executeHuman parks the run until a matching human event arrives. An entry
// comment notifies the group; reminders repeat per policy.
func (e *Engine) executeHuman(ctx context.Context, run *models.PipelineRun, stage *Stage, sr *models.StageRun) (*stageOutcome, error) {
	now := time.Now().UTC()
	hs := &models.HumanStageState{
		StageRunID:      sr.ID,
		EntryNotifiedAt: &now,
		AssignedUsers:   stage.FromGroup,
	}
	if err := e.store.UpsertHumanStageState(ctx, hs); err != nil {
		return nil, fmt.Errorf("record human stage state: %w", err)
	}

	if number := runNumber(run); number != 0 {
		body := fmt.Sprintf("Waiting for human %s on stage `%s`.", stage.WaitFor, stage.ID)
		if len(stage.FromGroup) > 0 {
			body += " cc " + mentionList(stage.FromGroup)
		}
		if err := e.gh.CreateComment(ctx, number, body); err != nil {
			e.logger.Warn("Human stage entry comment failed", "run_id", run.RunID, "error", err)
		}
	}

	if stage.Reminder != nil {
		e.scheduleReminders(run.RunID, stage, sr.ID)
	}
	e.scheduleStageTimeout(run.RunID, stage, sr.ID)
	return &stageOutcome{status: models.StageStatusWaiting}, nil
}

// executeParallel fans branches out as child stage runs and parks until the
// join condition resolves.
func (e *Engine) executeParallel(ctx context.Context, run *models.PipelineRun, def *Definition, stage *Stage, sr *models.StageRun) (*stageOutcome, error) {
	for _, branch := range stage.Branches {
		bsr := &models.StageRun{
			RunID:         run.RunID,
			StageID:       branch.ID,
			ParentStageID: &stage.ID,
			Status:        models.StageStatusRunning,
		}
		if err := e.store.CreateStageRun(ctx, bsr); err != nil {
			return nil, fmt.Errorf("create branch %q: %w", branch.ID, err)
		}
		if err := e.executeBranch(ctx, run, branch, bsr); err != nil {
			msg := err.Error()
			bsr.Status = models.StageStatusFailed
			bsr.ErrorMessage = &msg
			if uerr := e.store.UpdateStageRun(ctx, bsr); uerr != nil {
				e.logger.Error("Failed to fail branch", "run_id", run.RunID, "error", uerr)
			}
		}
	}
	// A branch set of synchronous stages may already be resolvable; the
	// caller owns the parallel stage's own run, so resolve inline here
	// rather than through the join path.
	branches, err := e.store.GetBranchStageRuns(ctx, run.RunID, stage.ID)
	if err != nil {
		return nil, fmt.Errorf("load branch runs: %w", err)
	}
	resolved, passed := joinVerdict(stage, branches)
	if !resolved {
		return &stageOutcome{status: models.StageStatusWaiting}, nil
	}
	if stage.Join == "any" && passed {
		e.cancelOpenBranches(ctx, branches)
	}
	if passed {
		return &stageOutcome{status: models.StageStatusCompleted, passed: true}, nil
	}
	return &stageOutcome{status: models.StageStatusFailed}, nil
}

// joinVerdict decides whether a branch set resolves its parallel stage and
// with what verdict.
func joinVerdict(stage *Stage, branches []*models.StageRun) (resolved, passed bool) {
	done, completed, failed := 0, 0, 0
	for _, b := range branches {
		if b.Status.IsTerminal() {
			done++
			switch b.Status {
			case models.StageStatusCompleted, models.StageStatusSkipped:
				completed++
			case models.StageStatusFailed:
				failed++
			}
		}
	}
	joinAny := stage.Join == "any"
	switch {
	case joinAny && completed > 0:
		return true, true
	case done == len(branches):
		if joinAny {
			return true, false
		}
		return true, failed == 0
	}
	return false, false
}

// executeBranch runs one parallel branch. Agent and pipeline branches stay
// running until a callback lands; action and gate branches finish inline.
func (e *Engine) executeBranch(ctx context.Context, run *models.PipelineRun, branch *Stage, bsr *models.StageRun) error {
	switch branch.Type {
	case StageAgent:
		out, err := e.executeAgent(ctx, run, branch, bsr)
		if err != nil {
			return err
		}
		bsr.Status = out.status
		return e.store.UpdateStageRun(ctx, bsr)
	case StageAction:
		out, err := e.executeAction(ctx, run, branch)
		if err != nil {
			return err
		}
		bsr.Status = out.status
		bsr.Outputs = out.outputs
		return e.store.UpdateStageRun(ctx, bsr)
	case StageGate:
		passed, detail, err := e.evaluateGateConditions(ctx, run, branch, bsr.ID)
		if err != nil {
			return err
		}
		if passed {
			bsr.Status = models.StageStatusCompleted
		} else {
			bsr.Status = models.StageStatusFailed
			bsr.ErrorMessage = &detail
		}
		return e.store.UpdateStageRun(ctx, bsr)
	case StageSubPipeline:
		return e.startChildRun(ctx, run, branch, bsr)
	}
	return fmt.Errorf("branch %q: unsupported type %q", branch.ID, branch.Type)
}

// checkJoinLocked resolves a parallel stage once its branches allow it.
// Caller holds the run lock.
func (e *Engine) checkJoinLocked(ctx context.Context, run *models.PipelineRun, def *Definition, stage *Stage) {
	if stage == nil {
		return
	}
	branches, err := e.store.GetBranchStageRuns(ctx, run.RunID, stage.ID)
	if err != nil {
		e.logger.Error("Failed to load branch runs", "run_id", run.RunID, "error", err)
		return
	}
	resolved, passed := joinVerdict(stage, branches)
	if !resolved {
		return
	}
	if stage.Join == "any" && passed {
		e.cancelOpenBranches(ctx, branches)
	}

	psr, err := e.store.GetLatestStageRun(ctx, run.RunID, stage.ID)
	if err != nil || psr.Status.IsTerminal() {
		return
	}
	if passed {
		psr.Status = models.StageStatusCompleted
	} else {
		psr.Status = models.StageStatusFailed
		msg := fmt.Sprintf("parallel stage %q: branch failure", stage.ID)
		psr.ErrorMessage = &msg
	}
	if err := e.store.UpdateStageRun(ctx, psr); err != nil {
		e.logger.Error("Failed to resolve parallel stage", "run_id", run.RunID, "error", err)
		return
	}
	e.act.Run(ctx, run.RunID, models.ActivityStageFinished,
		fmt.Sprintf("stage %s %s", stage.ID, psr.Status),
		models.JSONMap{"stage": stage.ID, "status": string(psr.Status)})

	var next string
	if passed {
		next = e.resolveTarget(run, def, stage, firstTransition(stage.OnComplete, stage.OnSuccess))
	} else if stage.OnFail != nil {
		next = e.resolveTarget(run, def, stage, stage.OnFail)
	} else {
		e.failRunLockedMsg(ctx, run, fmt.Sprintf("parallel stage %q failed", stage.ID))
		return
	}
	if e.terminalTarget(ctx, run, next) {
		return
	}
	e.advanceLocked(ctx, run.RunID, next)
}

func (e *Engine) cancelOpenBranches(ctx context.Context, branches []*models.StageRun) {
	for _, b := range branches {
		if b.Status.IsTerminal() {
			continue
		}
		b.Status = models.StageStatusCancelled
		if err := e.store.UpdateStageRun(ctx, b); err != nil {
			e.logger.Warn("Failed to cancel branch", "stage", b.StageID, "error", err)
		}
		if b.AgentID != nil {
			e.cancelAgent(ctx, *b.AgentID)
		}
	}
}

// executeDelay parks the run and wakes it after the duration, or earlier if
// the poll check passes.
func (e *Engine) executeDelay(ctx context.Context, run *models.PipelineRun, stage *Stage, sr *models.StageRun) (*stageOutcome, error) {
	d, err := ParseDuration(stage.Duration)
	if err != nil {
		return nil, err
	}
	e.scheduleDelay(run.RunID, stage, d)
	return &stageOutcome{status: models.StageStatusWaiting}, nil
}

// scheduleDelay arms the wake timer, polling the check if configured. The
// poll check passing ends the delay early.
func (e *Engine) scheduleDelay(runID string, stage *Stage, d time.Duration) {
	var poll time.Duration
	if stage.Poll != nil {
		if p, err := ParseDuration(stage.Poll.Every); err == nil {
			poll = p
		}
	}
	e.timers.Add(1)
	go func() {
		defer e.timers.Done()
		deadline := time.NewTimer(d)
		defer deadline.Stop()
		var tick <-chan time.Time
		if poll > 0 {
			ticker := time.NewTicker(poll)
			defer ticker.Stop()
			tick = ticker.C
		}
		for {
			select {
			case <-e.lifecycle.Done():
				return
			case <-deadline.C:
				e.wakeDelay(runID, stage)
				return
			case <-tick:
				if e.pollDelayCheck(runID, stage) {
					e.wakeDelay(runID, stage)
					return
				}
			}
		}
	}()
}

// wakeDelay completes a waiting delay stage and resumes the run.
func (e *Engine) wakeDelay(runID string, stage *Stage) {
	ctx := e.lifecycle
	lock := e.runLock(runID)
	lock.Lock()
	defer lock.Unlock()

	run, err := e.store.GetPipelineRun(ctx, runID)
	if err != nil || run.Status.IsTerminal() {
		return
	}
	def, err := e.snapshotDef(run)
	if err != nil {
		return
	}
	sr, err := e.store.GetLatestStageRun(ctx, runID, stage.ID)
	if err != nil || sr.Status.IsTerminal() {
		return
	}
	sr.Status = models.StageStatusCompleted
	if err := e.store.UpdateStageRun(ctx, sr); err != nil {
		e.logger.Error("Failed to complete delay stage", "run_id", runID, "error", err)
		return
	}
	e.act.Run(ctx, runID, models.ActivityStageFinished,
		fmt.Sprintf("stage %s completed", stage.ID), models.JSONMap{"stage": stage.ID})

	next := e.resolveTarget(run, def, stage, firstTransition(stage.OnComplete, stage.OnSuccess))
	if e.terminalTarget(ctx, run, next) {
		return
	}
	e.advanceLocked(ctx, runID, next)
}

// pollDelayCheck evaluates the delay's poll check; errors count as "keep
// waiting".
func (e *Engine) pollDelayCheck(runID string, stage *Stage) bool {
	if stage.Poll == nil || stage.Poll.Check == nil {
		return false
	}
	ctx := e.lifecycle
	run, err := e.store.GetPipelineRun(ctx, runID)
	if err != nil || run.Status.IsTerminal() {
		return false
	}
	res, err := e.checks.Evaluate(ctx, stage.Poll.Check.Check, e.gateScope(run), stage.Poll.Check.Params)
	if err != nil {
		e.logger.Warn("Delay poll check errored", "run_id", runID, "error", err)
		return false
	}
	return res.Passed
}

// resumeDelay re-arms a delay after restart with the remaining time.
func (e *Engine) resumeDelay(run *models.PipelineRun, def *Definition, stage *Stage) {
	d, err := ParseDuration(stage.Duration)
	if err != nil {
		return
	}
	remaining := d
	if sr, err := e.store.GetLatestStageRun(context.Background(), run.RunID, stage.ID); err == nil {
		elapsed := time.Since(sr.StartedAt)
		if elapsed >= d {
			remaining = time.Millisecond
		} else {
			remaining = d - elapsed
		}
	}
	e.scheduleDelay(run.RunID, stage, remaining)
}

// executeAction performs a built-in GitHub side effect.
func (e *Engine) executeAction(ctx context.Context, run *models.PipelineRun, stage *Stage) (*stageOutcome, error) {
	outputs, err := e.performAction(ctx, run, stage)
	if err != nil {
		return nil, err
	}
	return &stageOutcome{status: models.StageStatusCompleted, outputs: outputs}, nil
}

// executeWebhook issues the outbound request and matches the expectation.
func (e *Engine) executeWebhook(ctx context.Context, run *models.PipelineRun, stage *Stage) (*stageOutcome, error) {
	req := stage.Request
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(interpolate(req.Body, run))
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, interpolate(req.URL, run), body)
	if err != nil {
		return nil, fmt.Errorf("webhook request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.Body != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("webhook call: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, fmt.Errorf("webhook response: %w", err)
	}

	passed := matchExpect(stage.Expect, resp.StatusCode, respBody)
	outputs := models.JSONMap{
		"webhook_status": resp.StatusCode,
	}
	return &stageOutcome{status: models.StageStatusCompleted, passed: passed, outputs: outputs}, nil
}

// matchExpect applies the webhook expectation. No expectation means any 2xx
// passes.
func matchExpect(exp *WebhookExpect, status int, body []byte) bool {
	if exp == nil {
		return status >= 200 && status < 300
	}
	if exp.Status != "" {
		if strings.HasSuffix(exp.Status, "xx") {
			class, err := strconv.Atoi(exp.Status[:1])
			if err != nil || status/100 != class {
				return false
			}
		} else if fmt.Sprint(status) != exp.Status {
			return false
		}
	}
	if exp.Body != "" && !strings.Contains(string(body), exp.Body) {
		return false
	}
	if exp.JSONField != "" {
		var parsed map[string]any
		if err := json.Unmarshal(body, &parsed); err != nil {
			return false
		}
		got, ok := parsed[exp.JSONField]
		if !ok || fmt.Sprint(got) != fmt.Sprint(exp.Equals) {
			return false
		}
	}
	return true
}

// executeSubPipeline starts a child run and parks until it terminates.
func (e *Engine) executeSubPipeline(ctx context.Context, run *models.PipelineRun, stage *Stage, sr *models.StageRun) (*stageOutcome, error) {
	if err := e.startChildRun(ctx, run, stage, sr); err != nil {
		return nil, err
	}
	return &stageOutcome{status: models.StageStatusWaiting}, nil
}

func (e *Engine) startChildRun(ctx context.Context, run *models.PipelineRun, stage *Stage, sr *models.StageRun) error {
	e.mu.Lock()
	child, ok := e.defs[stage.Pipeline]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown sub-pipeline %q", stage.Pipeline)
	}
	childRun, err := e.StartRun(ctx, child, nil, run, stage.ID)
	if err != nil {
		return fmt.Errorf("start sub-pipeline %q: %w", stage.Pipeline, err)
	}
	sr.ChildPipelineRunID = &childRun.RunID
	sr.Status = models.StageStatusWaiting
	return e.store.UpdateStageRun(ctx, sr)
}

// scheduleStageTimeout routes on_timeout if the stage is still open after
// its timeout.
func (e *Engine) scheduleStageTimeout(runID string, stage *Stage, stageRunID int64) {
	if stage.Timeout == "" {
		return
	}
	d, err := ParseDuration(stage.Timeout)
	if err != nil {
		return
	}
	e.timers.Add(1)
	go func() {
		defer e.timers.Done()
		select {
		case <-e.lifecycle.Done():
			return
		case <-time.After(d):
		}
		e.fireStageTimeout(runID, stage, stageRunID)
	}()
}

func (e *Engine) fireStageTimeout(runID string, stage *Stage, stageRunID int64) {
	ctx := e.lifecycle
	lock := e.runLock(runID)
	lock.Lock()
	defer lock.Unlock()

	sr, err := e.store.GetStageRun(ctx, stageRunID)
	if err != nil || sr.Status.IsTerminal() {
		return
	}
	run, err := e.store.GetPipelineRun(ctx, runID)
	if err != nil || run.Status.IsTerminal() {
		return
	}
	def, err := e.snapshotDef(run)
	if err != nil {
		return
	}

	msg := fmt.Sprintf("stage %q timed out after %s", stage.ID, stage.Timeout)
	sr.Status = models.StageStatusFailed
	sr.ErrorMessage = &msg
	if err := e.store.UpdateStageRun(ctx, sr); err != nil {
		e.logger.Error("Failed to time out stage", "run_id", runID, "error", err)
		return
	}
	if sr.AgentID != nil {
		e.cancelAgent(ctx, *sr.AgentID)
	}
	e.logger.Warn("Stage timed out", "run_id", runID, "stage", stage.ID)

	if stage.OnTimeout != nil {
		next := e.resolveTarget(run, def, stage, stage.OnTimeout)
		if e.terminalTarget(ctx, run, next) {
			return
		}
		e.advanceLocked(ctx, runID, next)
		return
	}
	e.finishRunLocked(ctx, run, models.RunStatusEscalated, msg)
}

// scheduleTransitionDelay parks the run and advances to the transition
// target after its delay.
func (e *Engine) scheduleTransitionDelay(ctx context.Context, run *models.PipelineRun, tr *Transition) {
	d, err := ParseDuration(tr.Delay)
	if err != nil {
		d = time.Millisecond
	}
	run.Status = models.RunStatusWaiting
	if err := e.store.UpdatePipelineRun(ctx, run); err != nil {
		e.logger.Error("Failed to park run for delayed transition", "run_id", run.RunID, "error", err)
	}
	runID, target := run.RunID, tr.Goto
	e.timers.Add(1)
	go func() {
		defer e.timers.Done()
		select {
		case <-e.lifecycle.Done():
			return
		case <-time.After(d):
		}
		e.advance(e.lifecycle, runID, target)
	}()
}

// scheduleReminders posts repeat nudges for a waiting human stage.
func (e *Engine) scheduleReminders(runID string, stage *Stage, stageRunID int64) {
	after, err := ParseDuration(stage.Reminder.After)
	if err != nil {
		return
	}
	every := after
	if stage.Reminder.Every != "" {
		if d, err := ParseDuration(stage.Reminder.Every); err == nil {
			every = d
		}
	}
	max := stage.Reminder.Max
	if max <= 0 {
		max = 3
	}

	e.timers.Add(1)
	go func() {
		defer e.timers.Done()
		wait := after
		for i := 0; i < max; i++ {
			select {
			case <-e.lifecycle.Done():
				return
			case <-time.After(wait):
			}
			if !e.postReminder(runID, stage, stageRunID) {
				return
			}
			wait = every
		}
	}()
}

// postReminder sends one reminder comment; false stops the series.
func (e *Engine) postReminder(runID string, stage *Stage, stageRunID int64) bool {
	ctx := e.lifecycle
	sr, err := e.store.GetStageRun(ctx, stageRunID)
	if err != nil || sr.Status.IsTerminal() {
		return false
	}
	run, err := e.store.GetPipelineRun(ctx, runID)
	if err != nil || run.Status.IsTerminal() {
		return false
	}
	number := runNumber(run)
	if number == 0 {
		return false
	}

	body := fmt.Sprintf("Reminder: stage `%s` is still waiting for human %s.", stage.ID, stage.WaitFor)
	if len(stage.FromGroup) > 0 {
		body += " cc " + mentionList(stage.FromGroup)
	}
	if err := e.gh.CreateComment(ctx, number, body); err != nil {
		e.logger.Warn("Reminder comment failed", "run_id", runID, "error", err)
		return true
	}

	now := time.Now().UTC()
	hs, err := e.store.GetHumanStageState(ctx, stageRunID)
	if err != nil {
		hs = &models.HumanStageState{StageRunID: stageRunID}
	}
	hs.LastReminderAt = &now
	hs.ReminderCount++
	if err := e.store.UpsertHumanStageState(ctx, hs); err != nil {
		e.logger.Warn("Failed to record reminder", "run_id", runID, "error", err)
	}
	return true
}

// runNumber picks the issue (preferred) or PR number a comment should land
// on.
func runNumber(run *models.PipelineRun) int {
	if run.IssueNumber != nil {
		return *run.IssueNumber
	}
	if run.PRNumber != nil {
		return *run.PRNumber
	}
	return 0
}

func mentionList(logins []string) string {
	out := make([]string, len(logins))
	for i, l := range logins {
		out[i] = "@" + strings.TrimPrefix(l, "@")
	}
	return strings.Join(out, " ")
}
