package swarm

import (
	"log/slog"
	"sync"

	"github.com/swarmassistant/swarmd/pkg/events"
	"github.com/swarmassistant/swarmd/pkg/models"
	"github.com/swarmassistant/swarmd/pkg/registry"
)

// RunCoordinator tracks the tasks of one run and advances the run span.
// Run-scoped events are recorded with the run id doubling as the task
// scope, so they page under both ListByTask(runID) and ListByRun(runID).
type RunCoordinator struct {
	runID    string
	runs     *registry.RunRegistry
	recorder *events.Recorder

	mu        sync.Mutex
	pending   map[string]bool
	executing bool
	failed    bool
	finished  bool
}

func newRunCoordinator(runID string, runs *registry.RunRegistry, recorder *events.Recorder, req models.CreateRunRequest) *RunCoordinator {
	req.RunID = runID
	_, created := runs.Register(req)
	rc := &RunCoordinator{
		runID:    runID,
		runs:     runs,
		recorder: recorder,
		pending:  make(map[string]bool),
	}
	if created {
		recorder.Record(models.TaskExecutionEvent{
			TaskID:    runID,
			RunID:     runID,
			EventType: models.EventRunAccepted,
		})
	}
	return rc
}

// AddTask registers a run-scoped task. The first task moves the run to
// Executing.
func (rc *RunCoordinator) AddTask(taskID string) {
	rc.mu.Lock()
	rc.pending[taskID] = true
	first := !rc.executing
	rc.executing = true
	rc.mu.Unlock()

	if first {
		if err := rc.runs.Advance(rc.runID, models.RunStatusExecuting); err != nil {
			slog.Warn("Failed to advance run to executing", "run_id", rc.runID, "error", err)
			return
		}
		rc.recorder.Record(models.TaskExecutionEvent{
			TaskID:    rc.runID,
			RunID:     rc.runID,
			EventType: models.EventRunExecuting,
		})
	}
}

// TaskFinished removes a task from the pending set. When the set drains,
// the run advances to Done, or Failed if any task failed.
func (rc *RunCoordinator) TaskFinished(taskID string, taskFailed bool) {
	rc.mu.Lock()
	delete(rc.pending, taskID)
	if taskFailed {
		rc.failed = true
	}
	drained := len(rc.pending) == 0 && rc.executing && !rc.finished
	if drained {
		rc.finished = true
	}
	failed := rc.failed
	rc.mu.Unlock()

	if !drained {
		return
	}
	target := models.RunStatusDone
	if failed {
		target = models.RunStatusFailed
	}
	if err := rc.runs.Advance(rc.runID, target); err != nil {
		slog.Warn("Failed to finish run", "run_id", rc.runID, "status", target, "error", err)
	}
}
