package events

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"github.com/swarmassistant/swarmd/pkg/models"
)

// PostgresRepository persists execution events in PostgreSQL. The db handle
// should come from database.Client.DB() so it shares the pgx pool and the
// migration lifecycle; ensureSchema still guards first use so the repository
// also works against a bare connection in tests.
type PostgresRepository struct {
	db        *sql.DB
	bootstrap sync.Once
	bootErr   error
}

// NewPostgresRepository wraps an open database handle.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const createEventsTableSQL = `
CREATE TABLE IF NOT EXISTS execution_events (
	event_id      TEXT PRIMARY KEY,
	run_id        TEXT NOT NULL,
	task_id       TEXT NOT NULL,
	event_type    TEXT NOT NULL,
	payload       TEXT NOT NULL DEFAULT '',
	occurred_at   TIMESTAMPTZ NOT NULL,
	task_sequence BIGINT NOT NULL,
	run_sequence  BIGINT NOT NULL,
	trace_id      TEXT NOT NULL DEFAULT '',
	span_id       TEXT NOT NULL DEFAULT '',
	UNIQUE (task_id, task_sequence),
	UNIQUE (run_id, run_sequence)
);
CREATE INDEX IF NOT EXISTS idx_execution_events_task ON execution_events (task_id, task_sequence);
CREATE INDEX IF NOT EXISTS idx_execution_events_run ON execution_events (run_id, run_sequence);`

func (r *PostgresRepository) ensureSchema(ctx context.Context) error {
	r.bootstrap.Do(func() {
		if _, err := r.db.ExecContext(ctx, createEventsTableSQL); err != nil {
			r.bootErr = fmt.Errorf("failed to bootstrap events schema: %w", err)
		}
	})
	return r.bootErr
}

// Append inserts one event.
func (r *PostgresRepository) Append(ctx context.Context, event *models.TaskExecutionEvent) error {
	if err := r.ensureSchema(ctx); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO execution_events
		 (event_id, run_id, task_id, event_type, payload, occurred_at, task_sequence, run_sequence, trace_id, span_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		event.EventID, event.RunID, event.TaskID, event.EventType, event.Payload,
		event.OccurredAt, event.TaskSequence, event.RunSequence, event.TraceID, event.SpanID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert execution event: %w", err)
	}
	return nil
}

// ListByTask pages events for a task by task sequence. Faults are logged
// and surface as an empty page.
func (r *PostgresRepository) ListByTask(ctx context.Context, taskID string, afterSequence int64, limit int) []models.TaskExecutionEvent {
	return r.list(ctx,
		`SELECT event_id, run_id, task_id, event_type, payload, occurred_at, task_sequence, run_sequence, trace_id, span_id
		 FROM execution_events
		 WHERE task_id = $1 AND task_sequence > $2
		 ORDER BY task_sequence
		 LIMIT $3`,
		taskID, afterSequence, ClampLimit(limit))
}

// ListByRun pages events for a run by run sequence. Faults are logged and
// surface as an empty page.
func (r *PostgresRepository) ListByRun(ctx context.Context, runID string, afterSequence int64, limit int) []models.TaskExecutionEvent {
	return r.list(ctx,
		`SELECT event_id, run_id, task_id, event_type, payload, occurred_at, task_sequence, run_sequence, trace_id, span_id
		 FROM execution_events
		 WHERE run_id = $1 AND run_sequence > $2
		 ORDER BY run_sequence
		 LIMIT $3`,
		runID, afterSequence, ClampLimit(limit))
}

func (r *PostgresRepository) list(ctx context.Context, query string, args ...any) []models.TaskExecutionEvent {
	if err := r.ensureSchema(ctx); err != nil {
		slog.Warn("Event schema bootstrap failed during read", "error", err)
		return nil
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Warn("Failed to query execution events", "error", err)
		return nil
	}
	defer func() { _ = rows.Close() }()

	var out []models.TaskExecutionEvent
	for rows.Next() {
		var e models.TaskExecutionEvent
		if err := rows.Scan(
			&e.EventID, &e.RunID, &e.TaskID, &e.EventType, &e.Payload,
			&e.OccurredAt, &e.TaskSequence, &e.RunSequence, &e.TraceID, &e.SpanID,
		); err != nil {
			slog.Warn("Failed to scan execution event row", "error", err)
			return nil
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		slog.Warn("Execution event row iteration failed", "error", err)
		return nil
	}
	return out
}
