package pipeline

import (
	"context"
	"fmt"

	"github.com/squadron-dev/squadron/pkg/models"
)

// OnAgentComplete finishes the stage run the agent was executing and
// resumes the pipeline. Outputs merge into the run context.
func (e *Engine) OnAgentComplete(ctx context.Context, agentID string, outputs map[string]any) {
	e.resolveAgentStage(ctx, agentID, models.StageStatusCompleted, "", outputs)
}

// OnAgentBlocked marks the agent's stage failed with the blocking reason;
// the stage's on_fail transition decides what happens next.
func (e *Engine) OnAgentBlocked(ctx context.Context, agentID, reason string) {
	e.resolveAgentStage(ctx, agentID, models.StageStatusFailed, "blocked: "+reason, nil)
}

// OnAgentError marks the agent's stage failed; retry budget and on_error
// routing apply.
func (e *Engine) OnAgentError(ctx context.Context, agentID, errMsg string) {
	e.resolveAgentStage(ctx, agentID, models.StageStatusFailed, errMsg, nil)
}

func (e *Engine) resolveAgentStage(ctx context.Context, agentID string, status models.StageStatus, errMsg string, outputs map[string]any) {
	sr, err := e.store.FindStageRunByAgent(ctx, agentID)
	if err != nil {
		// Not a pipeline agent (config-triggered or ad hoc); nothing to do.
		return
	}

	lock := e.runLock(sr.RunID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock; a timeout or cancel may have raced us.
	sr, err = e.store.GetStageRun(ctx, sr.ID)
	if err != nil || sr.Status.IsTerminal() {
		return
	}
	run, err := e.store.GetPipelineRun(ctx, sr.RunID)
	if err != nil || run.Status.IsTerminal() {
		return
	}
	def, err := e.snapshotDef(run)
	if err != nil {
		e.failRun(ctx, run, fmt.Sprintf("definition snapshot: %v", err))
		return
	}
	stage := def.StageByID(sr.StageID)
	if stage == nil {
		e.failRunLockedMsg(ctx, run, fmt.Sprintf("unknown stage %q", sr.StageID))
		return
	}

	sr.Status = status
	if errMsg != "" {
		sr.ErrorMessage = &errMsg
	}
	if len(outputs) > 0 {
		sr.Outputs = models.JSONMap(outputs)
	}
	if err := e.store.UpdateStageRun(ctx, sr); err != nil {
		e.logger.Error("Failed to resolve agent stage", "run_id", run.RunID, "error", err)
		return
	}
	e.mergeOutputs(ctx, run, sr.Outputs)
	e.act.Run(ctx, run.RunID, models.ActivityStageFinished,
		fmt.Sprintf("stage %s %s", stage.ID, status),
		models.JSONMap{"stage": stage.ID, "status": string(status), "agent_id": agentID})

	// Parallel branch: the join decides.
	if sr.ParentStageID != nil {
		e.checkJoinLocked(ctx, run, def, def.StageByID(*sr.ParentStageID))
		return
	}

	if status == models.StageStatusFailed {
		// Spent attempts count against the stage's retry budget.
		if stage.OnError != nil && stage.OnError.Retry > 0 && sr.AttemptNumber <= stage.OnError.Retry {
			e.logger.Info("Retrying agent stage",
				"run_id", run.RunID, "stage", stage.ID, "attempt", sr.AttemptNumber+1)
			e.retryAgentStage(ctx, run, stage, sr)
			return
		}
		var tr *Transition
		if stage.OnFail != nil {
			tr = stage.OnFail
		} else if stage.OnError != nil && stage.OnError.Then != "" {
			next := e.resolveThen(run, def, stage, stage.OnError.Then)
			if e.terminalTarget(ctx, run, next) {
				return
			}
			e.advanceLocked(ctx, run.RunID, next)
			return
		}
		if tr == nil {
			e.failRunLockedMsg(ctx, run, fmt.Sprintf("stage %q failed: %s", stage.ID, errMsg))
			return
		}
		if tr.Delay != "" && tr.Goto != "" {
			e.scheduleTransitionDelay(ctx, run, tr)
			return
		}
		next := e.resolveTarget(run, def, stage, tr)
		if e.terminalTarget(ctx, run, next) {
			return
		}
		e.advanceLocked(ctx, run.RunID, next)
		return
	}

	tr := firstTransition(stage.OnComplete, stage.OnSuccess)
	if tr != nil && tr.Delay != "" && tr.Goto != "" {
		e.scheduleTransitionDelay(ctx, run, tr)
		return
	}
	next := e.resolveTarget(run, def, stage, tr)
	if e.terminalTarget(ctx, run, next) {
		return
	}
	e.advanceLocked(ctx, run.RunID, next)
}

// retryAgentStage spawns a fresh attempt of a failed agent stage.
func (e *Engine) retryAgentStage(ctx context.Context, run *models.PipelineRun, stage *Stage, failed *models.StageRun) {
	sr := &models.StageRun{
		RunID:         run.RunID,
		StageID:       stage.ID,
		AttemptNumber: failed.AttemptNumber + 1,
		MaxAttempts:   failed.MaxAttempts,
		ParentStageID: failed.ParentStageID,
		Status:        models.StageStatusRunning,
	}
	if err := e.store.CreateStageRun(ctx, sr); err != nil {
		e.failRunLockedMsg(ctx, run, "stage bookkeeping failure")
		return
	}
	e.act.Run(ctx, run.RunID, models.ActivityStageStarted,
		fmt.Sprintf("stage %s retrying", stage.ID),
		models.JSONMap{"stage": stage.ID, "attempt": sr.AttemptNumber})

	out, err := e.executeAgent(ctx, run, stage, sr)
	if err != nil {
		msg := err.Error()
		sr.Status = models.StageStatusFailed
		sr.ErrorMessage = &msg
		if uerr := e.store.UpdateStageRun(ctx, sr); uerr != nil {
			e.logger.Error("Failed to fail retry attempt", "run_id", run.RunID, "error", uerr)
		}
		e.failRunLockedMsg(ctx, run, fmt.Sprintf("stage %q: %v", stage.ID, err))
		return
	}
	if out.status == models.StageStatusWaiting {
		sr.Status = models.StageStatusWaiting
		run.Status = models.RunStatusWaiting
		if err := e.store.UpdateStageRun(ctx, sr); err != nil {
			e.logger.Error("Failed to park retry attempt", "run_id", run.RunID, "error", err)
		}
		if err := e.store.UpdatePipelineRun(ctx, run); err != nil {
			e.logger.Error("Failed to park run", "run_id", run.RunID, "error", err)
		}
	}
}
