package models

import "time"

// RunStatus represents the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusWaiting   RunStatus = "waiting"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusEscalated RunStatus = "escalated"
)

// IsTerminal reports whether the run can no longer change state.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusEscalated:
		return true
	}
	return false
}

// IsActive reports whether the run counts against scope dedup
// (one active run per pipeline per PR/issue).
func (s RunStatus) IsActive() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusWaiting:
		return true
	}
	return false
}

// StageStatus represents the lifecycle state of one stage run.
type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusRunning   StageStatus = "running"
	StageStatusWaiting   StageStatus = "waiting"
	StageStatusCompleted StageStatus = "completed"
	StageStatusFailed    StageStatus = "failed"
	StageStatusSkipped   StageStatus = "skipped"
	StageStatusCancelled StageStatus = "cancelled"
)

// IsTerminal reports whether the stage run has finished.
func (s StageStatus) IsTerminal() bool {
	switch s {
	case StageStatusCompleted, StageStatusFailed, StageStatusSkipped, StageStatusCancelled:
		return true
	}
	return false
}

// PipelineScope determines the dedup key for trigger evaluation.
type PipelineScope string

const (
	ScopeSinglePR PipelineScope = "single-pr"
	ScopeMultiPR  PipelineScope = "multi-pr"
	ScopeIssue    PipelineScope = "issue"
)

// Special transition targets, valid in any pipeline definition.
const (
	TargetComplete = "__complete__"
	TargetEscalate = "__escalate__"
	TargetNext     = "__next__"
	TargetFail     = "__fail__"
)

// PipelineRun is one execution of a pipeline definition. The definition is
// frozen into DefinitionSnapshot at trigger time so later config reloads
// never change a running pipeline.
type PipelineRun struct {
	RunID              string        `db:"run_id" json:"run_id"`
	PipelineName       string        `db:"pipeline_name" json:"pipeline_name"`
	DefinitionSnapshot string        `db:"definition_snapshot" json:"definition_snapshot"`
	TriggerDeliveryID  string        `db:"trigger_delivery_id" json:"trigger_delivery_id,omitempty"`
	IssueNumber        *int          `db:"issue_number" json:"issue_number,omitempty"`
	PRNumber           *int          `db:"pr_number" json:"pr_number,omitempty"`
	Scope              PipelineScope `db:"scope" json:"scope"`
	ParentRunID        *string       `db:"parent_run_id" json:"parent_run_id,omitempty"`
	ParentStageID      *string       `db:"parent_stage_id" json:"parent_stage_id,omitempty"`
	NestingDepth       int           `db:"nesting_depth" json:"nesting_depth"`
	Status             RunStatus     `db:"status" json:"status"`
	CurrentStageID     *string       `db:"current_stage_id" json:"current_stage_id,omitempty"`
	Context            JSONMap       `db:"context" json:"context,omitempty"`
	ErrorMessage       *string       `db:"error_message" json:"error_message,omitempty"`
	CreatedAt          time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time     `db:"updated_at" json:"updated_at"`
	CompletedAt        *time.Time    `db:"completed_at" json:"completed_at,omitempty"`
}

// StageRun records one attempt cluster of a stage within a pipeline run.
// Parallel branches are child stage runs with ParentStageID set.
type StageRun struct {
	ID                 int64       `db:"id" json:"id"`
	RunID              string      `db:"run_id" json:"run_id"`
	StageID            string      `db:"stage_id" json:"stage_id"`
	AttemptNumber      int         `db:"attempt_number" json:"attempt_number"`
	MaxAttempts        int         `db:"max_attempts" json:"max_attempts"`
	Status             StageStatus `db:"status" json:"status"`
	AgentID            *string     `db:"agent_id" json:"agent_id,omitempty"`
	BranchID           *string     `db:"branch_id" json:"branch_id,omitempty"`
	ParentStageID      *string     `db:"parent_stage_id" json:"parent_stage_id,omitempty"`
	ChildPipelineRunID *string     `db:"child_pipeline_run_id" json:"child_pipeline_run_id,omitempty"`
	Outputs            JSONMap     `db:"outputs" json:"outputs,omitempty"`
	ErrorMessage       *string     `db:"error_message" json:"error_message,omitempty"`
	StartedAt          time.Time   `db:"started_at" json:"started_at"`
	CompletedAt        *time.Time  `db:"completed_at" json:"completed_at,omitempty"`
}

// GateCheckRecord is the outcome of one gate condition evaluation.
// Passed is nil while the check is still pending.
type GateCheckRecord struct {
	ID          int64     `db:"id" json:"id"`
	StageRunID  int64     `db:"stage_run_id" json:"stage_run_id"`
	CheckType   string    `db:"check_type" json:"check_type"`
	CheckConfig JSONMap   `db:"check_config" json:"check_config,omitempty"`
	Passed      *bool     `db:"passed" json:"passed,omitempty"`
	ResultData  JSONMap   `db:"result_data" json:"result_data,omitempty"`
	Message     string    `db:"message" json:"message,omitempty"`
	CheckedAt   time.Time `db:"checked_at" json:"checked_at"`
}

// HumanStageState tracks notification and completion state for one human
// stage run.
type HumanStageState struct {
	StageRunID      int64       `db:"stage_run_id" json:"stage_run_id"`
	EntryNotifiedAt *time.Time  `db:"entry_notified_at" json:"entry_notified_at,omitempty"`
	LastReminderAt  *time.Time  `db:"last_reminder_at" json:"last_reminder_at,omitempty"`
	ReminderCount   int         `db:"reminder_count" json:"reminder_count"`
	AssignedUsers   StringSlice `db:"assigned_users" json:"assigned_users,omitempty"`
	CompletedBy     *string     `db:"completed_by" json:"completed_by,omitempty"`
	CompletedAction *string     `db:"completed_action" json:"completed_action,omitempty"`
}

// ApprovalState is the recorded outcome of one review.
type ApprovalState string

const (
	ApprovalStateApproved         ApprovalState = "approved"
	ApprovalStateChangesRequested ApprovalState = "changes_requested"
)

// PRRequirement declares how many approvals a role must contribute to a PR.
// The set of requirements for a PR is replaced atomically.
type PRRequirement struct {
	PRNumber      int    `db:"pr_number" json:"pr_number"`
	Role          string `db:"role" json:"role"`
	RequiredCount int    `db:"required_count" json:"required_count"`
}

// PRApproval is one recorded review outcome. Stale approvals are retained
// (never deleted) and excluded from merge-readiness.
type PRApproval struct {
	ID        int64         `db:"id" json:"id"`
	PRNumber  int           `db:"pr_number" json:"pr_number"`
	Role      string        `db:"role" json:"role"`
	AgentID   string        `db:"agent_id" json:"agent_id,omitempty"`
	State     ApprovalState `db:"state" json:"state"`
	Stale     bool          `db:"stale" json:"stale"`
	CreatedAt time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt time.Time     `db:"updated_at" json:"updated_at"`
}

// PRSequenceState drives linear multi-step review chains for one PR.
type PRSequenceState struct {
	PRNumber     int         `db:"pr_number" json:"pr_number"`
	Roles        StringSlice `db:"roles" json:"roles"`
	CurrentIndex int         `db:"current_index" json:"current_index"`
}

// PRAssociation links a multi-pr pipeline run to a PR it has touched.
type PRAssociation struct {
	RunID    string `db:"run_id" json:"run_id"`
	PRNumber int    `db:"pr_number" json:"pr_number"`
}
