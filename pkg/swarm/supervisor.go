package swarm

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/swarmassistant/swarmd/pkg/blackboard"
	"github.com/swarmassistant/swarmd/pkg/events"
	"github.com/swarmassistant/swarmd/pkg/models"
)

// simulatedFailurePatterns mark failures injected by chaos or test
// harnesses. They are never retried.
var simulatedFailurePatterns = []string{
	"simulated failure",
	"simulated-failure",
	"chaos injection",
}

// lowConfidenceThreshold is the confidence below which a quality concern
// counts toward the adapter's circuit.
const lowConfidenceThreshold = 0.5

// adapterFailurePattern recovers the adapter identity from executor
// failure messages such as "adapter claude-cli exited: exit status 1".
// Role failures reach the supervisor as flattened error strings, so this
// is how real execution failures feed the circuit counter.
var adapterFailurePattern = regexp.MustCompile(`adapter ([\w.-]+) (?:exited|rejected|probe failed)`)

func adapterFromFailure(message string) string {
	if m := adapterFailurePattern.FindStringSubmatch(message); m != nil {
		return m[1]
	}
	return ""
}

// RetryDirective is the supervisor's answer to a role failure report.
type RetryDirective struct {
	Retry  bool
	Reason string
}

// SupervisorSnapshot is the queryable counter state.
type SupervisorSnapshot struct {
	Started     int64 `json:"started"`
	Completed   int64 `json:"completed"`
	Failed      int64 `json:"failed"`
	Escalations int64 `json:"escalations"`
}

// Supervisor aggregates lifecycle counters and enforces the retry and
// adapter circuit-breaker policy. All state lives behind one mutex; the
// decision methods are synchronous so coordinators get their directive
// on the spot.
type Supervisor struct {
	mu              sync.Mutex
	snapshot        SupervisorSnapshot
	retries         map[string]int
	adapterFailures map[string]int
	openCircuits    map[string]bool

	bb       *blackboard.Store
	recorder *events.Recorder

	maxRetries       int
	circuitThreshold int
}

// NewSupervisor creates a supervisor. bb and recorder may be nil.
func NewSupervisor(bb *blackboard.Store, recorder *events.Recorder, maxRetries, circuitThreshold int) *Supervisor {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if circuitThreshold <= 0 {
		circuitThreshold = 3
	}
	return &Supervisor{
		retries:          make(map[string]int),
		adapterFailures:  make(map[string]int),
		openCircuits:     make(map[string]bool),
		bb:               bb,
		recorder:         recorder,
		maxRetries:       maxRetries,
		circuitThreshold: circuitThreshold,
	}
}

// TaskStarted counts a coordinator start.
func (s *Supervisor) TaskStarted(string) {
	s.mu.Lock()
	s.snapshot.Started++
	s.mu.Unlock()
	tasksStartedTotal.Inc()
}

// TaskCompleted counts a terminal Done.
func (s *Supervisor) TaskCompleted(taskID string) {
	s.mu.Lock()
	s.snapshot.Completed++
	delete(s.retries, taskID)
	s.mu.Unlock()
	tasksCompletedTotal.Inc()
}

// TaskFailed counts a terminal Blocked.
func (s *Supervisor) TaskFailed(taskID string) {
	s.mu.Lock()
	s.snapshot.Failed++
	delete(s.retries, taskID)
	s.mu.Unlock()
	tasksFailedTotal.Inc()
}

// EscalationRaised counts an escalation.
func (s *Supervisor) EscalationRaised(string) {
	s.mu.Lock()
	s.snapshot.Escalations++
	s.mu.Unlock()
	escalationsTotal.Inc()
}

// GetSupervisorSnapshot returns the current counters.
func (s *Supervisor) GetSupervisorSnapshot() SupervisorSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// ReportRoleFailure classifies a failure and decides retry or no-retry.
// Simulated failures never retry; everything else retries up to the
// per-task budget. Adapter failures feed the circuit counter.
func (s *Supervisor) ReportRoleFailure(failure models.RoleFailure) RetryDirective {
	if isSimulatedFailure(failure.Error) {
		return RetryDirective{Retry: false, Reason: "simulated failure"}
	}

	adapterID := failure.AdapterID
	if adapterID == "" {
		adapterID = adapterFromFailure(failure.Error)
	}
	if adapterID != "" {
		s.countAdapterFailure(adapterID, failure.TaskID, "")
	}

	s.mu.Lock()
	s.retries[failure.TaskID]++
	attempt := s.retries[failure.TaskID]
	s.mu.Unlock()

	if attempt > s.maxRetries {
		return RetryDirective{Retry: false, Reason: "retry budget exhausted"}
	}

	reason := fmt.Sprintf("retry #%d", attempt)
	s.recorder.Record(models.TaskExecutionEvent{
		TaskID:    failure.TaskID,
		EventType: models.EventTelemetryRetry,
		Payload:   reason + ": " + failure.Error,
	})
	return RetryDirective{Retry: true, Reason: reason}
}

// ReportAdapterSuccess resets the adapter's failure streak and closes its
// circuit if open.
func (s *Supervisor) ReportAdapterSuccess(adapterID string) {
	if adapterID == "" {
		return
	}
	s.mu.Lock()
	s.adapterFailures[adapterID] = 0
	wasOpen := s.openCircuits[adapterID]
	delete(s.openCircuits, adapterID)
	s.mu.Unlock()

	if wasOpen {
		if s.bb != nil {
			s.bb.DeleteGlobal(blackboard.AdapterCircuitKey(adapterID))
		}
		s.recorder.Record(models.TaskExecutionEvent{
			TaskID:    adapterID,
			EventType: models.EventTelemetryCircuit,
			Payload:   "closed: " + adapterID,
		})
	}
}

// ReportQualityConcern persists a low-confidence signal. Repeated low
// confidence from the same adapter counts toward its circuit.
func (s *Supervisor) ReportQualityConcern(concern models.QualityConcern) {
	s.recorder.Record(models.TaskExecutionEvent{
		TaskID:    concern.TaskID,
		EventType: models.EventTelemetryQuality,
		Payload: fmt.Sprintf("role=%s adapter=%s confidence=%.2f %s",
			concern.Role, concern.AdapterID, concern.Confidence, concern.Error),
	})
	if concern.AdapterID != "" && concern.Confidence < lowConfidenceThreshold {
		s.countAdapterFailure(concern.AdapterID, concern.TaskID, "")
	}
}

// CircuitOpen reports whether the adapter's circuit is currently open.
func (s *Supervisor) CircuitOpen(adapterID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openCircuits[adapterID]
}

func (s *Supervisor) countAdapterFailure(adapterID, taskID, runID string) {
	s.mu.Lock()
	s.adapterFailures[adapterID]++
	count := s.adapterFailures[adapterID]
	opening := count >= s.circuitThreshold && !s.openCircuits[adapterID]
	if opening {
		s.openCircuits[adapterID] = true
	}
	s.mu.Unlock()

	if !opening {
		return
	}
	if s.bb != nil {
		s.bb.SetGlobal(blackboard.AdapterCircuitKey(adapterID), blackboard.CircuitOpen)
	}
	s.recorder.Record(models.TaskExecutionEvent{
		TaskID:    taskID,
		RunID:     runID,
		EventType: models.EventTelemetryCircuit,
		Payload:   "open: " + adapterID,
	})
}

func isSimulatedFailure(message string) bool {
	lower := strings.ToLower(message)
	for _, pattern := range simulatedFailurePatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
