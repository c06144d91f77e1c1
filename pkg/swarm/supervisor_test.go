package swarm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swarmassistant/swarmd/pkg/blackboard"
	"github.com/swarmassistant/swarmd/pkg/events"
	"github.com/swarmassistant/swarmd/pkg/models"
	"github.com/swarmassistant/swarmd/pkg/roleengine"
)

func newSupervisorFixture(t *testing.T, maxRetries, circuitThreshold int) (*Supervisor, *blackboard.Store, *events.MemoryRepository, *events.Recorder) {
	t.Helper()
	repo := events.NewMemoryRepository()
	recorder := events.NewRecorder(repo, nil)
	t.Cleanup(recorder.Close)
	bb := blackboard.NewStore()
	return NewSupervisor(bb, recorder, maxRetries, circuitThreshold), bb, repo, recorder
}

func TestSupervisorRetryBudget(t *testing.T) {
	s, _, _, _ := newSupervisorFixture(t, 3, 3)

	for attempt := 1; attempt <= 3; attempt++ {
		directive := s.ReportRoleFailure(models.RoleFailure{
			TaskID: "t1", Role: models.RoleBuilder, Error: "adapter timeout", Attempt: attempt,
		})
		require.True(t, directive.Retry, "attempt %d", attempt)
		assert.Contains(t, directive.Reason, "retry #")
	}

	directive := s.ReportRoleFailure(models.RoleFailure{
		TaskID: "t1", Role: models.RoleBuilder, Error: "adapter timeout", Attempt: 4,
	})
	assert.False(t, directive.Retry)
	assert.Equal(t, "retry budget exhausted", directive.Reason)
}

func TestSupervisorSimulatedFailureNeverRetries(t *testing.T) {
	s, _, _, _ := newSupervisorFixture(t, 3, 3)

	directive := s.ReportRoleFailure(models.RoleFailure{
		TaskID: "t1", Role: models.RoleBuilder, Error: "chaos injection: dropped the adapter",
	})
	assert.False(t, directive.Retry)
	assert.Equal(t, "simulated failure", directive.Reason)

	// Simulated failures do not consume the retry budget.
	directive = s.ReportRoleFailure(models.RoleFailure{
		TaskID: "t1", Role: models.RoleBuilder, Error: "real timeout",
	})
	assert.True(t, directive.Retry)
	assert.Equal(t, "retry #1", directive.Reason)
}

func TestSupervisorRetryBudgetResetsOnCompletion(t *testing.T) {
	s, _, _, _ := newSupervisorFixture(t, 2, 3)

	s.ReportRoleFailure(models.RoleFailure{TaskID: "t1", Error: "flaky"})
	s.ReportRoleFailure(models.RoleFailure{TaskID: "t1", Error: "flaky"})
	s.TaskCompleted("t1")

	directive := s.ReportRoleFailure(models.RoleFailure{TaskID: "t1", Error: "flaky"})
	assert.True(t, directive.Retry)
	assert.Equal(t, "retry #1", directive.Reason)
}

func TestSupervisorCircuitBreaker(t *testing.T) {
	s, bb, repo, recorder := newSupervisorFixture(t, 10, 3)

	for i := 0; i < 2; i++ {
		s.ReportRoleFailure(models.RoleFailure{
			TaskID: "t1", AdapterID: "claude-cli", Error: "adapter crashed",
		})
		assert.False(t, s.CircuitOpen("claude-cli"))
	}

	s.ReportRoleFailure(models.RoleFailure{
		TaskID: "t1", AdapterID: "claude-cli", Error: "adapter crashed",
	})
	require.True(t, s.CircuitOpen("claude-cli"))

	value, ok := bb.GetGlobal(blackboard.AdapterCircuitKey("claude-cli"))
	require.True(t, ok)
	assert.Equal(t, blackboard.CircuitOpen, value)

	s.ReportAdapterSuccess("claude-cli")
	assert.False(t, s.CircuitOpen("claude-cli"))
	_, ok = bb.GetGlobal(blackboard.AdapterCircuitKey("claude-cli"))
	assert.False(t, ok)

	recorder.Close()
	var circuitPayloads []string
	for _, e := range repo.ListByTask(context.Background(), "t1", 0, 1000) {
		if e.EventType == models.EventTelemetryCircuit {
			circuitPayloads = append(circuitPayloads, e.Payload)
		}
	}
	require.Len(t, circuitPayloads, 1)
	assert.Equal(t, "open: claude-cli", circuitPayloads[0])
}

func TestSupervisorRecoversAdapterFromFailureMessage(t *testing.T) {
	s, _, _, _ := newSupervisorFixture(t, 10, 3)

	// Failures bubble up flattened: the executor's adapter tag is the only
	// identity left in the message.
	flattened := "No CLI adapter succeeded: last adapter error: adapter claude-cli exited: exit status 1"
	for i := 0; i < 3; i++ {
		s.ReportRoleFailure(models.RoleFailure{TaskID: "t1", Role: models.RoleBuilder, Error: flattened})
	}
	assert.True(t, s.CircuitOpen("claude-cli"))

	// Messages without the executor's tag never touch a circuit.
	for i := 0; i < 5; i++ {
		s.ReportRoleFailure(models.RoleFailure{TaskID: "t2", Role: models.RoleBuilder, Error: "adapter exploded"})
	}
	assert.False(t, s.CircuitOpen("exploded"))
	assert.False(t, s.CircuitOpen("adapter"))
}

func TestAdapterFromFailure(t *testing.T) {
	assert.Equal(t, "claude-cli", adapterFromFailure("adapter claude-cli exited: exit status 1"))
	assert.Equal(t, "codex-cli", adapterFromFailure("adapter codex-cli rejected: matched \"usage limit\""))
	assert.Equal(t, "gemini.v2", adapterFromFailure("adapter gemini.v2 probe failed: not installed"))
	// Circuit skips must not count as fresh failures.
	assert.Empty(t, adapterFromFailure("adapter claude-cli skipped: circuit open"))
	assert.Empty(t, adapterFromFailure("provider anthropic failed: 500"))
}

func TestSupervisorCircuitGuardsExecutorWalk(t *testing.T) {
	s, _, _, _ := newSupervisorFixture(t, 10, 2)

	e := roleengine.NewCliExecutor([]roleengine.AdapterDescriptor{
		{ID: "flaky", IsInternal: true},
		{ID: "steady", IsInternal: true},
	}, nil, 1)
	e.RegisterInternal("flaky", func(_ context.Context, _ string) (string, error) {
		return "flaky answered but should have been skipped", nil
	})
	e.RegisterInternal("steady", func(_ context.Context, _ string) (string, error) {
		return "steady took over once the circuit opened", nil
	})
	e.SetCircuitGuard(s.CircuitOpen)

	_, adapterID, err := e.Execute(context.Background(), "hi", roleengine.CliOptions{})
	require.NoError(t, err)
	assert.Equal(t, "flaky", adapterID)

	s.ReportRoleFailure(models.RoleFailure{TaskID: "t1", Error: "adapter flaky exited: exit status 1"})
	s.ReportRoleFailure(models.RoleFailure{TaskID: "t1", Error: "adapter flaky exited: exit status 1"})
	require.True(t, s.CircuitOpen("flaky"))

	_, adapterID, err = e.Execute(context.Background(), "hi", roleengine.CliOptions{})
	require.NoError(t, err)
	assert.Equal(t, "steady", adapterID)
}

func TestSupervisorQualityConcernFeedsCircuit(t *testing.T) {
	s, _, repo, recorder := newSupervisorFixture(t, 10, 3)

	for i := 0; i < 3; i++ {
		s.ReportQualityConcern(models.QualityConcern{
			TaskID: "t1", Role: models.RoleReviewer, AdapterID: "codex-cli", Confidence: 0.2,
		})
	}
	assert.True(t, s.CircuitOpen("codex-cli"))

	// Healthy confidence never counts toward the circuit.
	for i := 0; i < 5; i++ {
		s.ReportQualityConcern(models.QualityConcern{
			TaskID: "t1", Role: models.RoleReviewer, AdapterID: "healthy-cli", Confidence: 0.9,
		})
	}
	assert.False(t, s.CircuitOpen("healthy-cli"))

	recorder.Close()
	quality := 0
	for _, e := range repo.ListByTask(context.Background(), "t1", 0, 1000) {
		if e.EventType == models.EventTelemetryQuality {
			quality++
		}
	}
	assert.Equal(t, 8, quality)
}

func TestSupervisorSnapshotCounters(t *testing.T) {
	s, _, _, _ := newSupervisorFixture(t, 3, 3)

	s.TaskStarted("t1")
	s.TaskStarted("t2")
	s.TaskCompleted("t1")
	s.TaskFailed("t2")
	s.EscalationRaised("t2")

	snapshot := s.GetSupervisorSnapshot()
	assert.Equal(t, int64(2), snapshot.Started)
	assert.Equal(t, int64(1), snapshot.Completed)
	assert.Equal(t, int64(1), snapshot.Failed)
	assert.Equal(t, int64(1), snapshot.Escalations)
}
