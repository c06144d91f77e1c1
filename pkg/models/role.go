package models

import "time"

// SwarmRole is a named functional capability an agent can perform.
type SwarmRole string

const (
	RoleOrchestrator SwarmRole = "orchestrator"
	RolePlanner      SwarmRole = "planner"
	RoleBuilder      SwarmRole = "builder"
	RoleReviewer     SwarmRole = "reviewer"
	RoleResearcher   SwarmRole = "researcher"
	RoleDebugger     SwarmRole = "debugger"
	RoleTester       SwarmRole = "tester"
)

// KnownRoles lists every role the runtime can dispatch.
var KnownRoles = []SwarmRole{
	RoleOrchestrator,
	RolePlanner,
	RoleBuilder,
	RoleReviewer,
	RoleResearcher,
	RoleDebugger,
	RoleTester,
}

// IsValid reports whether r is one of the known roles.
func (r SwarmRole) IsValid() bool {
	for _, known := range KnownRoles {
		if r == known {
			return true
		}
	}
	return false
}

// ExecuteRoleTask asks an executor to run one role invocation for a task.
type ExecuteRoleTask struct {
	TaskID      string    `json:"task_id"`
	RunID       string    `json:"run_id,omitempty"`
	Role        SwarmRole `json:"role"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	// Plan carries the planner's output into builder and reviewer prompts.
	Plan string `json:"plan,omitempty"`
	// Feedback carries review feedback into a rework invocation.
	Feedback       string `json:"feedback,omitempty"`
	StrategyAdvice string `json:"strategy_advice,omitempty"`
	CodeContext    string `json:"code_context,omitempty"`
	ProjectContext string `json:"project_context,omitempty"`
}

// TokenUsage aggregates provider-reported token counts for one invocation.
type TokenUsage struct {
	InputTokens      int64 `json:"input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
	CacheReadTokens  int64 `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int64 `json:"cache_write_tokens,omitempty"`
}

// RoleResult is the normalized outcome of one role invocation.
type RoleResult struct {
	TaskID     string        `json:"task_id"`
	Role       SwarmRole     `json:"role"`
	Output     string        `json:"output"`
	Confidence float64       `json:"confidence"`
	AdapterID  string        `json:"adapter_id"`
	Model      string        `json:"model,omitempty"`
	Reasoning  string        `json:"reasoning,omitempty"`
	Latency    time.Duration `json:"latency"`
	Usage      TokenUsage    `json:"usage"`
}

// RoleFailure reports a failed role invocation to the supervisor.
type RoleFailure struct {
	TaskID    string    `json:"task_id"`
	Role      SwarmRole `json:"role"`
	AdapterID string    `json:"adapter_id,omitempty"`
	Error     string    `json:"error"`
	Attempt   int       `json:"attempt"`
}

// QualityConcern flags a low-confidence result for supervisor tracking.
type QualityConcern struct {
	TaskID     string    `json:"task_id"`
	Role       SwarmRole `json:"role"`
	AdapterID  string    `json:"adapter_id,omitempty"`
	Confidence float64   `json:"confidence"`
	Error      string    `json:"error,omitempty"`
}
