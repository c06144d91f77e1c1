package models

import "time"

// RunStatus is the lifecycle state of a run span. Progression is monotonic
// except Failed, which is terminal from any state.
type RunStatus string

const (
	RunStatusAccepted    RunStatus = "accepted"
	RunStatusDecomposing RunStatus = "decomposing"
	RunStatusExecuting   RunStatus = "executing"
	RunStatusMerging     RunStatus = "merging"
	RunStatusReadyForPr  RunStatus = "ready_for_pr"
	RunStatusDone        RunStatus = "done"
	RunStatusFailed      RunStatus = "failed"
)

// runStatusRank orders run statuses for the monotonic-progression check.
var runStatusRank = map[RunStatus]int{
	RunStatusAccepted:    0,
	RunStatusDecomposing: 1,
	RunStatusExecuting:   2,
	RunStatusMerging:     3,
	RunStatusReadyForPr:  4,
	RunStatusDone:        5,
}

// CanAdvanceTo reports whether a run may move from s to next. Failed is
// reachable from every non-terminal state; otherwise ranks only increase.
func (s RunStatus) CanAdvanceTo(next RunStatus) bool {
	if s == RunStatusFailed || s == RunStatusDone {
		return false
	}
	if next == RunStatusFailed {
		return true
	}
	cur, ok := runStatusRank[s]
	if !ok {
		return false
	}
	nxt, ok := runStatusRank[next]
	if !ok {
		return false
	}
	return nxt > cur
}

// RunSpan groups the tasks of one run: a shared design document and,
// eventually, a shared feature branch.
type RunSpan struct {
	RunID         string     `json:"run_id"`
	Title         string     `json:"title,omitempty"`
	Document      string     `json:"document,omitempty"`
	BaseBranch    string     `json:"base_branch"`
	BranchPrefix  string     `json:"branch_prefix"`
	FeatureBranch string     `json:"feature_branch,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Status        RunStatus  `json:"status"`
}

// Clone returns a copy safe to hand outside the registry.
func (r *RunSpan) Clone() *RunSpan {
	cp := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// CreateRunRequest is the payload accepted when registering a run.
type CreateRunRequest struct {
	RunID        string `json:"run_id"`
	Title        string `json:"title,omitempty"`
	Document     string `json:"document,omitempty"`
	BaseBranch   string `json:"base_branch,omitempty"`
	BranchPrefix string `json:"branch_prefix,omitempty"`
}
