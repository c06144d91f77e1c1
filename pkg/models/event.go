package models

import "time"

// Execution event types recorded in the durable log.
const (
	EventTaskSubmitted       = "task.submitted"
	EventCoordinationStarted = "coordination.started"
	EventRoleDispatched      = "role.dispatched"
	EventRoleStarted         = "role.started"
	EventRoleSucceeded       = "role.succeeded"
	EventRoleFailed          = "role.failed"
	EventRoleCompleted       = "role.completed"
	EventTaskDone            = "task.done"
	EventTaskFailed          = "task.failed"
	EventTaskIntervention    = "task.intervention"
	EventTaskEscalated       = "task.escalated"
	EventGraphLinkCreated    = "graph.link_created"
	EventGraphChildCompleted = "graph.child_completed"
	EventGraphChildFailed    = "graph.child_failed"
	EventTelemetryQuality    = "telemetry.quality"
	EventTelemetryRetry      = "telemetry.retry"
	EventTelemetryConsensus  = "telemetry.consensus"
	EventTelemetryCircuit    = "telemetry.circuit"
	EventDiagnosticContext   = "diagnostic.context"
	EventDiagnosticAdapter   = "diagnostic.adapter"
	EventRunAccepted         = "run.accepted"
	EventRunExecuting        = "run.executing"
)

// TaskExecutionEvent is one entry in the append-only execution log.
// TaskSequence and RunSequence are strictly increasing and gap-free within
// their scope; both are assigned by the recorder, never by callers.
type TaskExecutionEvent struct {
	EventID      string    `json:"event_id"`
	RunID        string    `json:"run_id"`
	TaskID       string    `json:"task_id"`
	EventType    string    `json:"event_type"`
	Payload      string    `json:"payload"`
	OccurredAt   time.Time `json:"occurred_at"`
	TaskSequence int64     `json:"task_sequence"`
	RunSequence  int64     `json:"run_sequence"`
	TraceID      string    `json:"trace_id,omitempty"`
	SpanID       string    `json:"span_id,omitempty"`
}

// LegacyRunID synthesizes a deterministic run scope for events whose task
// was submitted without an explicit run.
func LegacyRunID(taskID string) string {
	return "legacy-" + taskID
}
