// Package registry holds the authoritative runtime state: task snapshots,
// run spans, and the capability directory used for routing role work to
// agents.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/swarmassistant/swarmd/pkg/models"
)

// Sentinel errors shared by the registries.
var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrRunNotFound       = errors.New("run not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrRunIDImmutable    = errors.New("run id is immutable once set")
	ErrParentImmutable   = errors.New("parent task id is immutable once set")
	ErrBlockedNeedsError = errors.New("blocked status requires a non-empty error")
)

// TaskSink receives every task snapshot mutation for durable persistence.
// Sink faults are logged, never propagated into coordination.
type TaskSink interface {
	SaveTask(ctx context.Context, snapshot *models.TaskSnapshot) error
}

// taskTransitions is the legal status DAG. Reverting into Queued models the
// rework cycle; Blocked is reachable from every non-terminal state.
var taskTransitions = map[models.TaskStatus][]models.TaskStatus{
	models.TaskStatusQueued:    {models.TaskStatusPlanning, models.TaskStatusBuilding, models.TaskStatusBlocked},
	models.TaskStatusPlanning:  {models.TaskStatusBuilding, models.TaskStatusQueued, models.TaskStatusBlocked},
	models.TaskStatusBuilding:  {models.TaskStatusReviewing, models.TaskStatusQueued, models.TaskStatusBlocked},
	models.TaskStatusReviewing: {models.TaskStatusDone, models.TaskStatusBuilding, models.TaskStatusQueued, models.TaskStatusBlocked},
	models.TaskStatusDone:      {},
	models.TaskStatusBlocked:   {},
}

func transitionAllowed(from, to models.TaskStatus) bool {
	if from == to {
		return true
	}
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TaskRegistry owns task snapshots and enforces legal state transitions.
// Readers take a shared lock; all writes go through the exclusive lock and
// are mirrored to the sink.
type TaskRegistry struct {
	mu    sync.RWMutex
	tasks map[string]*models.TaskSnapshot
	sink  TaskSink
}

// NewTaskRegistry creates a registry. sink may be nil.
func NewTaskRegistry(sink TaskSink) *TaskRegistry {
	return &TaskRegistry{
		tasks: make(map[string]*models.TaskSnapshot),
		sink:  sink,
	}
}

// Register creates the snapshot for a submission. Registration is
// idempotent by task id: resubmitting returns the existing snapshot and
// created=false.
func (r *TaskRegistry) Register(req models.CreateTaskRequest) (*models.TaskSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.tasks[req.TaskID]; ok {
		return existing.Clone(), false
	}

	now := time.Now().UTC()
	snapshot := &models.TaskSnapshot{
		TaskID:       req.TaskID,
		Title:        req.Title,
		Description:  req.Description,
		Status:       models.TaskStatusQueued,
		CreatedAt:    now,
		UpdatedAt:    now,
		RunID:        req.RunID,
		ParentTaskID: req.ParentTaskID,
	}
	r.tasks[req.TaskID] = snapshot
	r.persist(snapshot)
	return snapshot.Clone(), true
}

// Get returns a copy of the snapshot.
func (r *TaskRegistry) Get(taskID string) (*models.TaskSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snapshot, ok := r.tasks[taskID]
	if !ok {
		return nil, false
	}
	return snapshot.Clone(), true
}

// List returns copies of every snapshot.
func (r *TaskRegistry) List() []*models.TaskSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.TaskSnapshot, 0, len(r.tasks))
	for _, snapshot := range r.tasks {
		out = append(out, snapshot.Clone())
	}
	return out
}

// UpdateStatus transitions a task. Transitions outside the DAG fail with
// ErrInvalidTransition; Blocked requires errMsg.
func (r *TaskRegistry) UpdateStatus(taskID string, status models.TaskStatus, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot, ok := r.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if !transitionAllowed(snapshot.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, snapshot.Status, status)
	}
	if status == models.TaskStatusBlocked && errMsg == "" {
		return ErrBlockedNeedsError
	}

	snapshot.Status = status
	if errMsg != "" {
		snapshot.Error = errMsg
	}
	snapshot.UpdatedAt = time.Now().UTC()
	r.persist(snapshot)
	return nil
}

// ApplyRoleOutput stores a role's output on the snapshot.
func (r *TaskRegistry) ApplyRoleOutput(taskID string, role models.SwarmRole, output string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot, ok := r.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	switch role {
	case models.RolePlanner:
		snapshot.PlanningOutput = output
	case models.RoleBuilder, models.RoleDebugger:
		snapshot.BuildOutput = output
	case models.RoleReviewer, models.RoleTester:
		snapshot.ReviewOutput = output
	default:
		if snapshot.Artifacts == nil {
			snapshot.Artifacts = make(map[string]string)
		}
		snapshot.Artifacts[string(role)] = output
	}
	snapshot.UpdatedAt = time.Now().UTC()
	r.persist(snapshot)
	return nil
}

// SetSummary stores the finalize summary.
func (r *TaskRegistry) SetSummary(taskID, summary string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot, ok := r.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	snapshot.Summary = summary
	snapshot.UpdatedAt = time.Now().UTC()
	r.persist(snapshot)
	return nil
}

// SetRunID binds a task to a run. The binding is immutable: rebinding to a
// different run fails.
func (r *TaskRegistry) SetRunID(taskID, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot, ok := r.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if snapshot.RunID != "" && snapshot.RunID != runID {
		return fmt.Errorf("%w: %s already bound to %s", ErrRunIDImmutable, taskID, snapshot.RunID)
	}
	snapshot.RunID = runID
	snapshot.UpdatedAt = time.Now().UTC()
	r.persist(snapshot)
	return nil
}

// AddChild links a child task to its parent, preserving insertion order.
// Returns false when the link already exists; parent links are immutable.
func (r *TaskRegistry) AddChild(parentID, childID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	parent, ok := r.tasks[parentID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrTaskNotFound, parentID)
	}
	for _, existing := range parent.ChildTaskIDs {
		if existing == childID {
			return false, nil
		}
	}
	if child, ok := r.tasks[childID]; ok {
		if child.ParentTaskID != "" && child.ParentTaskID != parentID {
			return false, fmt.Errorf("%w: %s already parented to %s", ErrParentImmutable, childID, child.ParentTaskID)
		}
		child.ParentTaskID = parentID
	}
	parent.ChildTaskIDs = append(parent.ChildTaskIDs, childID)
	parent.UpdatedAt = time.Now().UTC()
	r.persist(parent)
	return true, nil
}

func (r *TaskRegistry) persist(snapshot *models.TaskSnapshot) {
	if r.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.sink.SaveTask(ctx, snapshot.Clone()); err != nil {
		slog.Warn("Task sink write failed", "task_id", snapshot.TaskID, "error", err)
	}
}
