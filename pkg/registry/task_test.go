package registry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swarmassistant/swarmd/pkg/models"
)

type captureSink struct {
	mu    sync.Mutex
	saves []*models.TaskSnapshot
}

func (s *captureSink) SaveTask(_ context.Context, snapshot *models.TaskSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves = append(s.saves, snapshot)
	return nil
}

func TestTaskRegistry_RegisterIsIdempotent(t *testing.T) {
	r := NewTaskRegistry(nil)
	req := models.CreateTaskRequest{TaskID: "t1", Title: "Smoke", Description: "Verify"}

	first, created := r.Register(req)
	require.True(t, created)
	assert.Equal(t, models.TaskStatusQueued, first.Status)

	second, created := r.Register(req)
	assert.False(t, created)
	assert.Equal(t, first.TaskID, second.TaskID)

	assert.Len(t, r.List(), 1)
}

func TestTaskRegistry_StatusTransitions(t *testing.T) {
	t.Run("forward path", func(t *testing.T) {
		r := NewTaskRegistry(nil)
		r.Register(models.CreateTaskRequest{TaskID: "t1"})

		for _, status := range []models.TaskStatus{
			models.TaskStatusPlanning,
			models.TaskStatusBuilding,
			models.TaskStatusReviewing,
			models.TaskStatusDone,
		} {
			require.NoError(t, r.UpdateStatus("t1", status, ""))
		}

		snapshot, _ := r.Get("t1")
		assert.Equal(t, models.TaskStatusDone, snapshot.Status)
	})

	t.Run("rework cycles back through queued", func(t *testing.T) {
		r := NewTaskRegistry(nil)
		r.Register(models.CreateTaskRequest{TaskID: "t1"})
		require.NoError(t, r.UpdateStatus("t1", models.TaskStatusPlanning, ""))
		require.NoError(t, r.UpdateStatus("t1", models.TaskStatusBuilding, ""))
		require.NoError(t, r.UpdateStatus("t1", models.TaskStatusReviewing, ""))
		require.NoError(t, r.UpdateStatus("t1", models.TaskStatusBuilding, ""))
	})

	t.Run("done is terminal", func(t *testing.T) {
		r := NewTaskRegistry(nil)
		r.Register(models.CreateTaskRequest{TaskID: "t1"})
		require.NoError(t, r.UpdateStatus("t1", models.TaskStatusPlanning, ""))
		require.NoError(t, r.UpdateStatus("t1", models.TaskStatusBuilding, ""))
		require.NoError(t, r.UpdateStatus("t1", models.TaskStatusReviewing, ""))
		require.NoError(t, r.UpdateStatus("t1", models.TaskStatusDone, ""))

		err := r.UpdateStatus("t1", models.TaskStatusQueued, "")
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("blocked requires error", func(t *testing.T) {
		r := NewTaskRegistry(nil)
		r.Register(models.CreateTaskRequest{TaskID: "t1"})

		err := r.UpdateStatus("t1", models.TaskStatusBlocked, "")
		assert.ErrorIs(t, err, ErrBlockedNeedsError)

		require.NoError(t, r.UpdateStatus("t1", models.TaskStatusBlocked, "adapter down"))
		snapshot, _ := r.Get("t1")
		assert.Equal(t, "adapter down", snapshot.Error)
	})

	t.Run("unknown task", func(t *testing.T) {
		r := NewTaskRegistry(nil)
		err := r.UpdateStatus("nope", models.TaskStatusPlanning, "")
		assert.ErrorIs(t, err, ErrTaskNotFound)
	})
}

func TestTaskRegistry_RunIDImmutable(t *testing.T) {
	r := NewTaskRegistry(nil)
	r.Register(models.CreateTaskRequest{TaskID: "t1"})

	require.NoError(t, r.SetRunID("t1", "r1"))
	require.NoError(t, r.SetRunID("t1", "r1")) // same value is fine

	err := r.SetRunID("t1", "r2")
	assert.ErrorIs(t, err, ErrRunIDImmutable)
}

func TestTaskRegistry_AddChildDeduplicates(t *testing.T) {
	r := NewTaskRegistry(nil)
	r.Register(models.CreateTaskRequest{TaskID: "parent"})
	r.Register(models.CreateTaskRequest{TaskID: "child"})

	added, err := r.AddChild("parent", "child")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = r.AddChild("parent", "child")
	require.NoError(t, err)
	assert.False(t, added)

	parent, _ := r.Get("parent")
	assert.Equal(t, []string{"child"}, parent.ChildTaskIDs)

	child, _ := r.Get("child")
	assert.Equal(t, "parent", child.ParentTaskID)
}

func TestTaskRegistry_ChildOrderPreserved(t *testing.T) {
	r := NewTaskRegistry(nil)
	r.Register(models.CreateTaskRequest{TaskID: "parent"})
	for _, id := range []string{"c3", "c1", "c2"} {
		r.Register(models.CreateTaskRequest{TaskID: id})
		_, err := r.AddChild("parent", id)
		require.NoError(t, err)
	}

	parent, _ := r.Get("parent")
	assert.Equal(t, []string{"c3", "c1", "c2"}, parent.ChildTaskIDs)
}

func TestTaskRegistry_WriteThroughSink(t *testing.T) {
	sink := &captureSink{}
	r := NewTaskRegistry(sink)
	r.Register(models.CreateTaskRequest{TaskID: "t1"})
	require.NoError(t, r.UpdateStatus("t1", models.TaskStatusPlanning, ""))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.saves, 2)
	assert.Equal(t, models.TaskStatusPlanning, sink.saves[1].Status)
}

func TestTaskSnapshot_WireRoundTrip(t *testing.T) {
	r := NewTaskRegistry(nil)
	r.Register(models.CreateTaskRequest{TaskID: "t1", Title: "Smoke", Description: "Verify", RunID: "r1"})
	require.NoError(t, r.ApplyRoleOutput("t1", models.RolePlanner, "the plan"))
	require.NoError(t, r.UpdateStatus("t1", models.TaskStatusPlanning, ""))

	original, _ := r.Get("t1")
	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded models.TaskSnapshot
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, original.TaskID, decoded.TaskID)
	assert.Equal(t, original.Title, decoded.Title)
	assert.Equal(t, original.Description, decoded.Description)
	assert.Equal(t, original.Status, decoded.Status)
	assert.Equal(t, original.PlanningOutput, decoded.PlanningOutput)
	assert.Equal(t, original.RunID, decoded.RunID)
	assert.True(t, original.CreatedAt.Equal(decoded.CreatedAt))
}

func TestRunRegistry_MonotonicProgress(t *testing.T) {
	r := NewRunRegistry()
	span, created := r.Register(models.CreateRunRequest{RunID: "r1"})
	require.True(t, created)
	assert.Equal(t, models.RunStatusAccepted, span.Status)
	assert.Equal(t, "main", span.BaseBranch)
	assert.Equal(t, "feat", span.BranchPrefix)

	require.NoError(t, r.Advance("r1", models.RunStatusExecuting))
	assert.ErrorIs(t, r.Advance("r1", models.RunStatusAccepted), ErrInvalidTransition)

	require.NoError(t, r.Advance("r1", models.RunStatusDone))
	span, _ = r.Get("r1")
	require.NotNil(t, span.CompletedAt)
}

func TestRunRegistry_FailedIsTerminalFromAnywhere(t *testing.T) {
	r := NewRunRegistry()
	r.Register(models.CreateRunRequest{RunID: "r1"})

	require.NoError(t, r.Advance("r1", models.RunStatusFailed))
	assert.ErrorIs(t, r.Advance("r1", models.RunStatusExecuting), ErrInvalidTransition)
}
