package swarm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/swarmassistant/swarmd/pkg/blackboard"
	"github.com/swarmassistant/swarmd/pkg/events"
	"github.com/swarmassistant/swarmd/pkg/goap"
	"github.com/swarmassistant/swarmd/pkg/models"
	"github.com/swarmassistant/swarmd/pkg/registry"
)

// DispatcherConfig tunes the mesh the dispatcher builds.
type DispatcherConfig struct {
	MaxSubTaskDepth int
	MaxRetries      int
	// ContractNetWindow bounds how long an auction collects bids.
	ContractNetWindow time.Duration
}

// Dispatcher is the root router: it registers submitted tasks, owns the
// task and run coordinators, and forwards interventions and peer
// messages.
type Dispatcher struct {
	tasks      *registry.TaskRegistry
	runs       *registry.RunRegistry
	caps       *registry.CapabilityRegistry
	bb         *blackboard.Store
	recorder   *events.Recorder
	planner    *goap.Planner
	workers    *Pool
	reviewers  *Pool
	supervisor *Supervisor

	maxSubTaskDepth   int
	maxRetries        int
	contractNetWindow time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu              sync.Mutex
	coordinators    map[string]*TaskCoordinator
	runCoordinators map[string]*RunCoordinator
	spawnedLinks    map[string]bool
	depths          map[string]int
	stopping        bool

	wg sync.WaitGroup
}

// NewDispatcher wires the root router. caps may be nil when no peer mesh
// is configured.
func NewDispatcher(
	tasks *registry.TaskRegistry,
	runs *registry.RunRegistry,
	caps *registry.CapabilityRegistry,
	bb *blackboard.Store,
	recorder *events.Recorder,
	planner *goap.Planner,
	workers, reviewers *Pool,
	supervisor *Supervisor,
	cfg DispatcherConfig,
) *Dispatcher {
	if cfg.MaxSubTaskDepth <= 0 {
		cfg.MaxSubTaskDepth = 3
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.ContractNetWindow <= 0 {
		cfg.ContractNetWindow = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		tasks:             tasks,
		runs:              runs,
		caps:              caps,
		bb:                bb,
		recorder:          recorder,
		planner:           planner,
		workers:           workers,
		reviewers:         reviewers,
		supervisor:        supervisor,
		maxSubTaskDepth:   cfg.MaxSubTaskDepth,
		maxRetries:        cfg.MaxRetries,
		contractNetWindow: cfg.ContractNetWindow,
		ctx:               ctx,
		cancel:            cancel,
		coordinators:      make(map[string]*TaskCoordinator),
		runCoordinators:   make(map[string]*RunCoordinator),
		spawnedLinks:      make(map[string]bool),
		depths:            make(map[string]int),
	}
}

// Submit registers a task and starts its coordinator. Registration is
// idempotent by task id: a resubmission returns the existing snapshot
// and starts nothing.
func (d *Dispatcher) Submit(req models.CreateTaskRequest) (*models.TaskSnapshot, bool) {
	snapshot, created := d.tasks.Register(req)
	if !created {
		return snapshot, false
	}

	d.recorder.Record(models.TaskExecutionEvent{
		TaskID:    snapshot.TaskID,
		RunID:     snapshot.RunID,
		EventType: models.EventTaskSubmitted,
		Payload:   snapshot.Title,
	})
	d.bb.SetGlobal(blackboard.TaskAvailableKey(snapshot.TaskID), snapshot.Title)

	d.startCoordinator(snapshot, 0)
	return snapshot, true
}

// startCoordinator instantiates and launches the coordinator for an
// already-registered task, routing run-scoped tasks through their run
// coordinator first.
func (d *Dispatcher) startCoordinator(snapshot *models.TaskSnapshot, depth int) {
	d.mu.Lock()
	if d.stopping {
		d.mu.Unlock()
		return
	}
	if snapshot.RunID != "" {
		rc, ok := d.runCoordinators[snapshot.RunID]
		if !ok {
			rc = newRunCoordinator(snapshot.RunID, d.runs, d.recorder, models.CreateRunRequest{})
			d.runCoordinators[snapshot.RunID] = rc
		}
		rc.AddTask(snapshot.TaskID)
	}
	c := newTaskCoordinator(d.ctx, d, snapshot, depth)
	d.coordinators[snapshot.TaskID] = c
	d.depths[snapshot.TaskID] = depth
	d.wg.Add(1)
	d.mu.Unlock()

	c.Start()
}

// RegisterRun pre-registers a run span before any of its tasks arrive.
func (d *Dispatcher) RegisterRun(req models.CreateRunRequest) (*models.RunSpan, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.runCoordinators[req.RunID]; ok {
		span, _ := d.runs.Get(req.RunID)
		return span, false
	}
	d.runCoordinators[req.RunID] = newRunCoordinator(req.RunID, d.runs, d.recorder, req)
	span, _ := d.runs.Get(req.RunID)
	return span, true
}

// SpawnSubTask creates a child coordinator parented to parentID.
// Duplicate (parent, child) pairs are ignored; graph.link_created is
// emitted exactly once per link. Returns spawned=false for duplicates.
func (d *Dispatcher) SpawnSubTask(parentID string, req models.CreateTaskRequest, depth int) (bool, error) {
	if depth > d.maxSubTaskDepth {
		return false, fmt.Errorf("sub-task depth %d exceeds bound %d", depth, d.maxSubTaskDepth)
	}

	link := parentID + "|" + req.TaskID
	d.mu.Lock()
	if d.spawnedLinks[link] {
		d.mu.Unlock()
		return false, nil
	}
	d.spawnedLinks[link] = true
	d.mu.Unlock()

	req.ParentTaskID = parentID
	snapshot, created := d.tasks.Register(req)
	if !created {
		return false, nil
	}
	if _, err := d.tasks.AddChild(parentID, snapshot.TaskID); err != nil {
		return false, fmt.Errorf("failed to link sub-task: %w", err)
	}

	d.recorder.Record(models.TaskExecutionEvent{
		TaskID:    parentID,
		RunID:     snapshot.RunID,
		EventType: models.EventGraphLinkCreated,
		Payload:   parentID + " -> " + snapshot.TaskID,
	})
	d.recorder.Record(models.TaskExecutionEvent{
		TaskID:    snapshot.TaskID,
		RunID:     snapshot.RunID,
		EventType: models.EventTaskSubmitted,
		Payload:   snapshot.Title,
	})

	d.startCoordinator(snapshot, depth)
	return true, nil
}

// Intervene routes a human command to the task's coordinator. An unknown
// task rejects with task_not_found; a task whose coordinator already
// stopped rejects with invalid_state.
func (d *Dispatcher) Intervene(cmd models.TaskInterventionCommand) models.TaskInterventionResult {
	if _, ok := d.tasks.Get(cmd.TaskID); !ok {
		return models.TaskInterventionResult{Accepted: false, ReasonCode: models.ReasonTaskNotFound}
	}
	d.mu.Lock()
	c, ok := d.coordinators[cmd.TaskID]
	d.mu.Unlock()
	if !ok {
		return models.TaskInterventionResult{Accepted: false, ReasonCode: models.ReasonInvalidState}
	}
	return c.Intervene(cmd)
}

// Auction runs a contract-net call for proposals over the capability
// registry, collecting bids for the configured window.
func (d *Dispatcher) Auction(ctx context.Context, task models.ExecuteRoleTask) (*models.ContractNetAward, error) {
	if d.caps == nil {
		return nil, registry.ErrNoCapableAgent
	}
	return d.caps.CallForProposals(ctx, task, d.contractNetWindow)
}

// ForwardPeerMessage resolves the target agent and forwards the role
// task to it.
func (d *Dispatcher) ForwardPeerMessage(ctx context.Context, agentID string, task models.ExecuteRoleTask) models.PeerMessageAck {
	if d.caps == nil {
		return models.PeerMessageAck{Accepted: false, Reason: "agent_not_found"}
	}
	handle, _, found := d.caps.ResolvePeerAgent(agentID)
	if !found || handle == nil {
		return models.PeerMessageAck{Accepted: false, Reason: "agent_not_found"}
	}
	if err := handle.ExecuteRoleTask(ctx, task); err != nil {
		return models.PeerMessageAck{Accepted: false, Reason: err.Error()}
	}
	return models.PeerMessageAck{Accepted: true}
}

// coordinatorFinished is called by a coordinator as it stops: the
// dispatcher notifies the parent and the run coordinator, then releases
// the slot.
func (d *Dispatcher) coordinatorFinished(c *TaskCoordinator) {
	snapshot, _ := d.tasks.Get(c.taskID)
	errMsg := ""
	failed := c.failed
	if snapshot != nil && failed {
		errMsg = snapshot.Error
		if errMsg == "" {
			errMsg = "failed"
		}
	}

	d.mu.Lock()
	delete(d.coordinators, c.taskID)
	delete(d.depths, c.taskID)
	var parent *TaskCoordinator
	if c.parentID != "" {
		parent = d.coordinators[c.parentID]
	}
	var rc *RunCoordinator
	if c.runID != "" {
		rc = d.runCoordinators[c.runID]
	}
	d.mu.Unlock()

	if parent != nil {
		parent.ChildFinished(c.taskID, errMsg)
	}
	if rc != nil {
		rc.TaskFinished(c.taskID, failed)
	}
	d.wg.Done()
}

// cancelTask cancels an in-flight coordinator, used when a sibling fails.
func (d *Dispatcher) cancelTask(taskID string) {
	d.mu.Lock()
	c, ok := d.coordinators[taskID]
	d.mu.Unlock()
	if ok {
		c.cancel()
	}
}

// WaitTask blocks until the task's coordinator stops or the timeout
// elapses. Intended for tests and synchronous callers.
func (d *Dispatcher) WaitTask(taskID string, timeout time.Duration) bool {
	d.mu.Lock()
	c, ok := d.coordinators[taskID]
	d.mu.Unlock()
	if !ok {
		return true
	}
	select {
	case <-c.Done():
		return true
	case <-time.After(timeout):
		return false
	}
}

// Stop cancels every coordinator and waits for them to drain.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopping = true
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
}
