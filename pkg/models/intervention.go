package models

// Intervention actions a human may take on a running task.
const (
	InterventionPauseTask       = "pause_task"
	InterventionResumeTask      = "resume_task"
	InterventionApproveReview   = "approve_review"
	InterventionRejectReview    = "reject_review"
	InterventionRequestRework   = "request_rework"
	InterventionSetSubtaskDepth = "set_subtask_depth"
	InterventionCancelTask      = "cancel_task"
)

// Intervention rejection reason codes.
const (
	ReasonInvalidState      = "invalid_state"
	ReasonPayloadInvalid    = "payload_invalid"
	ReasonTaskMismatch      = "task_mismatch"
	ReasonUnsupportedAction = "unsupported_action"
	ReasonTaskNotFound      = "task_not_found"
)

// TaskInterventionCommand is a human-issued directive targeting one task.
type TaskInterventionCommand struct {
	TaskID string `json:"task_id"`
	Action string `json:"action"`
	// Reason is required for reject_review; Feedback for request_rework.
	Reason   string `json:"reason,omitempty"`
	Feedback string `json:"feedback,omitempty"`
	// Depth applies to set_subtask_depth only.
	Depth     *int   `json:"depth,omitempty"`
	DecidedBy string `json:"decided_by,omitempty"`
}

// TaskInterventionResult reports synchronously whether the command was
// accepted. Rejections carry a reason code, never an error.
type TaskInterventionResult struct {
	Accepted   bool   `json:"accepted"`
	ReasonCode string `json:"reason_code,omitempty"`
}
