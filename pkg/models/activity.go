package models

import "time"

// Activity kinds recorded in the append-only log.
const (
	ActivityAgentSpawned    = "agent.spawned"
	ActivityAgentSleeping   = "agent.sleeping"
	ActivityAgentWoken      = "agent.woken"
	ActivityAgentCompleted  = "agent.completed"
	ActivityAgentEscalated  = "agent.escalated"
	ActivityAgentFailed     = "agent.failed"
	ActivityAgentCancelled  = "agent.cancelled"
	ActivityToolCall        = "agent.tool_call"
	ActivityTurnFinished    = "agent.turn"
	ActivityMailDelivered   = "agent.mail"
	ActivityRunStarted      = "pipeline.run_started"
	ActivityRunFinished     = "pipeline.run_finished"
	ActivityStageStarted    = "pipeline.stage_started"
	ActivityStageFinished   = "pipeline.stage_finished"
	ActivityGateEvaluated   = "pipeline.gate_evaluated"
	ActivityReactionFired   = "pipeline.reaction_fired"
	ActivityEventDispatched = "event.dispatched"
	ActivityEventDropped    = "event.dropped"
	ActivityRecovery        = "system.recovery"
	ActivityReconcile       = "system.reconcile"
	ActivityConfigReloaded  = "system.config_reloaded"
)

// ActivityEvent is one append-only log entry, persisted and fanned out to
// live dashboard subscribers.
type ActivityEvent struct {
	ID        int64     `db:"id" json:"id"`
	AgentID   *string   `db:"agent_id" json:"agent_id,omitempty"`
	RunID     *string   `db:"run_id" json:"run_id,omitempty"`
	Kind      string    `db:"kind" json:"kind"`
	Message   string    `db:"message" json:"message"`
	Payload   JSONMap   `db:"payload" json:"payload,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
