package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/swarmassistant/swarmd/pkg/models"
)

// RunRegistry owns run spans and enforces monotonic status progression.
type RunRegistry struct {
	mu   sync.RWMutex
	runs map[string]*models.RunSpan
}

// NewRunRegistry creates an empty run registry.
func NewRunRegistry() *RunRegistry {
	return &RunRegistry{runs: make(map[string]*models.RunSpan)}
}

// Register creates a run span, idempotent by run id.
func (r *RunRegistry) Register(req models.CreateRunRequest) (*models.RunSpan, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.runs[req.RunID]; ok {
		return existing.Clone(), false
	}

	span := &models.RunSpan{
		RunID:        req.RunID,
		Title:        req.Title,
		Document:     req.Document,
		BaseBranch:   req.BaseBranch,
		BranchPrefix: req.BranchPrefix,
		StartedAt:    time.Now().UTC(),
		Status:       models.RunStatusAccepted,
	}
	if span.BaseBranch == "" {
		span.BaseBranch = "main"
	}
	if span.BranchPrefix == "" {
		span.BranchPrefix = "feat"
	}
	r.runs[req.RunID] = span
	return span.Clone(), true
}

// Get returns a copy of the span.
func (r *RunRegistry) Get(runID string) (*models.RunSpan, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	span, ok := r.runs[runID]
	if !ok {
		return nil, false
	}
	return span.Clone(), true
}

// Advance moves a run forward. Regressions fail; Failed is reachable from
// any non-terminal state. Terminal statuses stamp CompletedAt.
func (r *RunRegistry) Advance(runID string, status models.RunStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	span, ok := r.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if span.Status == status {
		return nil
	}
	if !span.Status.CanAdvanceTo(status) {
		return fmt.Errorf("%w: run %s %s -> %s", ErrInvalidTransition, runID, span.Status, status)
	}
	span.Status = status
	if status == models.RunStatusDone || status == models.RunStatusFailed {
		now := time.Now().UTC()
		span.CompletedAt = &now
	}
	return nil
}

// SetFeatureBranch records the branch the run's tasks land on.
func (r *RunRegistry) SetFeatureBranch(runID, branch string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	span, ok := r.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	span.FeatureBranch = branch
	return nil
}
