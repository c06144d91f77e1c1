// Package models defines the shared data model of the swarm runtime:
// task and run snapshots, execution events, capability advertisements,
// and the request/result types exchanged between components.
package models

import "time"

// TaskStatus is the externally visible lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusPlanning  TaskStatus = "planning"
	TaskStatusBuilding  TaskStatus = "building"
	TaskStatusReviewing TaskStatus = "reviewing"
	TaskStatusDone      TaskStatus = "done"
	TaskStatusBlocked   TaskStatus = "blocked"
)

// IsTerminal reports whether the status permits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusDone || s == TaskStatusBlocked
}

// TaskSnapshot is the authoritative record of a single task. Snapshots are
// owned by the TaskRegistry; every other component holds read-only copies.
type TaskSnapshot struct {
	TaskID         string     `json:"task_id"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	Status         TaskStatus `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	PlanningOutput string     `json:"planning_output,omitempty"`
	BuildOutput    string     `json:"build_output,omitempty"`
	ReviewOutput   string     `json:"review_output,omitempty"`
	Summary        string     `json:"summary,omitempty"`
	Error          string     `json:"error,omitempty"`
	ParentTaskID   string     `json:"parent_task_id,omitempty"`
	// ChildTaskIDs preserves insertion order; duplicates are never appended.
	ChildTaskIDs []string          `json:"child_task_ids,omitempty"`
	RunID        string            `json:"run_id,omitempty"`
	Artifacts    map[string]string `json:"artifacts,omitempty"`
}

// Clone returns a deep copy so registry internals never leak mutable state.
func (t *TaskSnapshot) Clone() *TaskSnapshot {
	cp := *t
	if t.ChildTaskIDs != nil {
		cp.ChildTaskIDs = append([]string(nil), t.ChildTaskIDs...)
	}
	if t.Artifacts != nil {
		cp.Artifacts = make(map[string]string, len(t.Artifacts))
		for k, v := range t.Artifacts {
			cp.Artifacts[k] = v
		}
	}
	return &cp
}

// CreateTaskRequest is the payload accepted on task submission.
type CreateTaskRequest struct {
	TaskID       string `json:"task_id"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	RunID        string `json:"run_id,omitempty"`
	ParentTaskID string `json:"parent_task_id,omitempty"`
}
