package swarm

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/swarmassistant/swarmd/pkg/events"
	"github.com/swarmassistant/swarmd/pkg/models"
)

// RoleEngine executes one role invocation. Implemented by
// roleengine.Engine; tests substitute fakes.
type RoleEngine interface {
	Execute(ctx context.Context, task models.ExecuteRoleTask) (*models.RoleResult, error)
	ExecuteOrchestrator(ctx context.Context, task models.ExecuteRoleTask, goapAnalysis, blackboardDigest string) (*models.RoleResult, error)
}

// ErrPoolStopped means a dispatch arrived after the pool shut down.
var ErrPoolStopped = errors.New("role pool stopped")

const workerMailboxSize = 16

// RoleDispatch carries one role invocation into a pool. Reply is invoked
// from the worker goroutine with the outcome.
type RoleDispatch struct {
	Ctx              context.Context
	Task             models.ExecuteRoleTask
	GoapAnalysis     string
	BlackboardDigest string
	Reply            func(*models.RoleResult, error)
}

type poolWorker struct {
	id      int
	mailbox chan RoleDispatch
}

// Pool is a fixed set of worker goroutines, each with its own bounded
// mailbox. Dispatch routes to the worker with the smallest mailbox.
type Pool struct {
	name     string
	engine   RoleEngine
	recorder *events.Recorder

	mu      sync.Mutex
	workers []*poolWorker
	stopped bool

	wg sync.WaitGroup
}

// NewPool starts size workers over the engine. recorder may be nil.
func NewPool(name string, size int, engine RoleEngine, recorder *events.Recorder) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{name: name, engine: engine, recorder: recorder}
	for i := 0; i < size; i++ {
		w := &poolWorker{id: i, mailbox: make(chan RoleDispatch, workerMailboxSize)}
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go p.runWorker(w)
	}
	return p
}

// Dispatch enqueues a role invocation on the least-loaded worker.
func (p *Pool) Dispatch(req RoleDispatch) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolStopped
	}
	target := p.workers[0]
	for _, w := range p.workers[1:] {
		if len(w.mailbox) < len(target.mailbox) {
			target = w
		}
	}
	p.mu.Unlock()

	roleDispatchTotal.WithLabelValues(string(req.Task.Role)).Inc()

	select {
	case target.mailbox <- req:
		return nil
	case <-req.Ctx.Done():
		return req.Ctx.Err()
	}
}

// Stop closes the mailboxes and waits for in-flight work to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for _, w := range p.workers {
		close(w.mailbox)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) runWorker(w *poolWorker) {
	defer p.wg.Done()
	logger := slog.With("pool", p.name, "worker", w.id)
	for req := range w.mailbox {
		p.execute(logger, req)
	}
}

func (p *Pool) execute(logger *slog.Logger, req RoleDispatch) {
	task := req.Task
	p.recorder.Record(models.TaskExecutionEvent{
		TaskID:    task.TaskID,
		RunID:     task.RunID,
		EventType: models.EventRoleStarted,
		Payload:   string(task.Role),
	})

	var result *models.RoleResult
	var err error
	if task.Role == models.RoleOrchestrator {
		result, err = p.engine.ExecuteOrchestrator(req.Ctx, task, req.GoapAnalysis, req.BlackboardDigest)
	} else {
		result, err = p.engine.Execute(req.Ctx, task)
	}

	if err != nil {
		logger.Warn("Role execution failed", "task_id", task.TaskID, "role", task.Role, "error", err)
		p.recorder.Record(models.TaskExecutionEvent{
			TaskID:    task.TaskID,
			RunID:     task.RunID,
			EventType: models.EventRoleFailed,
			Payload:   string(task.Role) + ": " + err.Error(),
		})
	} else {
		p.recorder.Record(models.TaskExecutionEvent{
			TaskID:    task.TaskID,
			RunID:     task.RunID,
			EventType: models.EventRoleSucceeded,
			Payload:   result.AdapterID,
		})
	}
	p.recorder.Record(models.TaskExecutionEvent{
		TaskID:    task.TaskID,
		RunID:     task.RunID,
		EventType: models.EventRoleCompleted,
		Payload:   string(task.Role),
	})

	if req.Reply != nil {
		req.Reply(result, err)
	}
}
