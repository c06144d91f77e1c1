package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/swarmassistant/swarmd/pkg/models"
)

// defaultWriteQueueSize bounds the persistence queue when no explicit
// size is configured. A full queue blocks the producer rather than
// dropping events; persistence runs on a dedicated worker so coordinators
// never hold the sequence mutexes during I/O.
const defaultWriteQueueSize = 1024

// Recorder assigns identity and gap-free sequences to execution events and
// hands them to the repository through a background writer. A nil Recorder
// is safe to call — every method no-ops — so lifecycle code paths run
// unchanged when event recording is not configured.
type Recorder struct {
	repo   Repository
	stream *UiStream

	mu       sync.Mutex
	taskSeqs map[string]int64
	runSeqs  map[string]int64

	writeCh  chan models.TaskExecutionEvent
	stopOnce sync.Once
	done     chan struct{}
	finished chan struct{}
}

// NewRecorder creates a recorder writing to repo with the default write
// queue. stream may be nil; when set, every recorded event is also
// published as a live UI envelope.
func NewRecorder(repo Repository, stream *UiStream) *Recorder {
	return NewRecorderWithQueue(repo, stream, defaultWriteQueueSize)
}

// NewRecorderWithQueue sizes the persistence queue explicitly. Sizes
// below one fall back to the default.
func NewRecorderWithQueue(repo Repository, stream *UiStream, queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = defaultWriteQueueSize
	}
	r := &Recorder{
		repo:     repo,
		stream:   stream,
		taskSeqs: make(map[string]int64),
		runSeqs:  make(map[string]int64),
		writeCh:  make(chan models.TaskExecutionEvent, queueSize),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	go r.writeLoop()
	return r
}

// Record fills in event identity, timestamps, and the next task and run
// sequences, then enqueues the event for persistence. The enqueued copy is
// returned. RunID defaults to the deterministic legacy synthesis when the
// task carries no explicit run.
func (r *Recorder) Record(event models.TaskExecutionEvent) models.TaskExecutionEvent {
	if r == nil {
		return event
	}
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if event.RunID == "" {
		event.RunID = models.LegacyRunID(event.TaskID)
	}

	r.mu.Lock()
	r.taskSeqs[event.TaskID]++
	event.TaskSequence = r.taskSeqs[event.TaskID]
	r.runSeqs[event.RunID]++
	event.RunSequence = r.runSeqs[event.RunID]
	r.mu.Unlock()

	if r.stream != nil {
		r.stream.Publish(Envelope{
			Type:    event.EventType,
			TaskID:  event.TaskID,
			RunID:   event.RunID,
			Payload: event.Payload,
			At:      event.OccurredAt,
		})
	}

	select {
	case <-r.done:
		// Shutting down; the sequences above are still consistent.
	default:
		select {
		case r.writeCh <- event:
		case <-r.done:
		}
	}
	return event
}

// writeLoop persists queued events. Write failures are logged and dropped
// from coordination's point of view: observability faults never propagate.
func (r *Recorder) writeLoop() {
	defer close(r.finished)
	for {
		select {
		case event := <-r.writeCh:
			r.persist(event)
		case <-r.done:
			// Drain whatever is already queued, then stop.
			for {
				select {
				case event := <-r.writeCh:
					r.persist(event)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) persist(event models.TaskExecutionEvent) {
	if r.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.repo.Append(ctx, &event); err != nil {
		slog.Warn("Failed to persist execution event",
			"event_id", event.EventID,
			"event_type", event.EventType,
			"task_id", event.TaskID,
			"error", err)
	}
}

// Close drains the write queue and stops the background writer.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.stopOnce.Do(func() { close(r.done) })
	<-r.finished
}
