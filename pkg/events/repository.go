// Package events provides the durable execution-event log: a recorder that
// assigns gap-free per-task and per-run sequences, repository backends for
// persistence, and a bounded live stream for observers.
package events

import (
	"context"
	"sort"
	"sync"

	"github.com/swarmassistant/swarmd/pkg/models"
)

// Read limits. Requested limits are clamped into [1, MaxListLimit].
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// Repository is the append-only event sink. Reads are cursor-paginated by
// scope sequence. Implementations must surface read faults as empty lists,
// never as errors that could wedge coordination.
type Repository interface {
	Append(ctx context.Context, event *models.TaskExecutionEvent) error
	ListByTask(ctx context.Context, taskID string, afterSequence int64, limit int) []models.TaskExecutionEvent
	ListByRun(ctx context.Context, runID string, afterSequence int64, limit int) []models.TaskExecutionEvent
}

// ClampLimit normalizes a requested page size into [1, MaxListLimit].
// Zero and negative values fall back to the default.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// MemoryRepository is an in-process Repository used when no database is
// configured and throughout the test suite.
type MemoryRepository struct {
	mu     sync.RWMutex
	events []models.TaskExecutionEvent
}

// NewMemoryRepository creates an empty in-memory event log.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

// Append stores a copy of the event.
func (r *MemoryRepository) Append(_ context.Context, event *models.TaskExecutionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *event)
	return nil
}

// ListByTask returns events for taskID with taskSequence > afterSequence,
// ascending, at most limit entries.
func (r *MemoryRepository) ListByTask(_ context.Context, taskID string, afterSequence int64, limit int) []models.TaskExecutionEvent {
	limit = ClampLimit(limit)
	r.mu.RLock()
	defer r.mu.RUnlock()

	var page []models.TaskExecutionEvent
	for _, e := range r.events {
		if e.TaskID == taskID && e.TaskSequence > afterSequence {
			page = append(page, e)
		}
	}
	sort.Slice(page, func(i, j int) bool { return page[i].TaskSequence < page[j].TaskSequence })
	if len(page) > limit {
		page = page[:limit]
	}
	return page
}

// ListByRun returns events for runID with runSequence > afterSequence,
// ascending, at most limit entries.
func (r *MemoryRepository) ListByRun(_ context.Context, runID string, afterSequence int64, limit int) []models.TaskExecutionEvent {
	limit = ClampLimit(limit)
	r.mu.RLock()
	defer r.mu.RUnlock()

	var page []models.TaskExecutionEvent
	for _, e := range r.events {
		if e.RunID == runID && e.RunSequence > afterSequence {
			page = append(page, e)
		}
	}
	sort.Slice(page, func(i, j int) bool { return page[i].RunSequence < page[j].RunSequence })
	if len(page) > limit {
		page = page[:limit]
	}
	return page
}

// Len returns the number of stored events.
func (r *MemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events)
}
