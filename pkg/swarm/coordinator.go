// Package swarm implements the coordination mesh: the dispatcher, the
// per-task and per-run coordinators, the role pools, the supervisor, and
// the consensus engine. Each long-lived component is a serialized
// execution context fed by channels; shared registries guard their own
// state.
package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/swarmassistant/swarmd/pkg/blackboard"
	"github.com/swarmassistant/swarmd/pkg/events"
	"github.com/swarmassistant/swarmd/pkg/goap"
	"github.com/swarmassistant/swarmd/pkg/models"
	"github.com/swarmassistant/swarmd/pkg/registry"
)

// actionPattern extracts the orchestrator's chosen action.
var actionPattern = regexp.MustCompile(`(?i)ACTION:\s*(\w+)`)

// subtaskPattern matches planner decomposition lines.
var subtaskPattern = regexp.MustCompile(`(?m)^\s*SUBTASK:\s*(.+)$`)

// coordinator mailbox messages.
type coordMsg interface{ coordMsg() }

type interventionMsg struct {
	cmd   models.TaskInterventionCommand
	reply chan models.TaskInterventionResult
}

type childFinishedMsg struct {
	childID  string
	childErr string
}

func (interventionMsg) coordMsg()  {}
func (childFinishedMsg) coordMsg() {}

// reviewOverride is a human verdict injected by intervention, consumed at
// the next review decision point.
type reviewOverride struct {
	approved bool
	feedback string
}

// TaskCoordinator owns the lifecycle of one task: it asks the planner
// (and the orchestrator role) for the next action, dispatches roles to
// the pools, tracks sub-tasks, and handles human intervention. All state
// below the mailbox is owned by the run loop goroutine.
type TaskCoordinator struct {
	taskID   string
	runID    string
	parentID string
	depth    int

	tasks      *registry.TaskRegistry
	bb         *blackboard.Store
	recorder   *events.Recorder
	planner    *goap.Planner
	workers    *Pool
	reviewers  *Pool
	supervisor *Supervisor
	dispatcher *Dispatcher

	maxDepth   int
	maxRetries int

	ctx    context.Context
	cancel context.CancelFunc
	msgs   chan coordMsg
	done   chan struct{}

	// run-loop state
	world                goap.WorldState
	paused               bool
	terminal             bool
	failed               bool
	reworkCount          int
	reviewFeedback       string
	override             *reviewOverride
	pendingChildren      map[string]bool
	deferredChildFailure *childFinishedMsg
	cancelRole           context.CancelFunc
}

func newTaskCoordinator(parent context.Context, d *Dispatcher, snapshot *models.TaskSnapshot, depth int) *TaskCoordinator {
	ctx, cancel := context.WithCancel(parent)
	return &TaskCoordinator{
		taskID:          snapshot.TaskID,
		runID:           snapshot.RunID,
		parentID:        snapshot.ParentTaskID,
		depth:           depth,
		tasks:           d.tasks,
		bb:              d.bb,
		recorder:        d.recorder,
		planner:         d.planner,
		workers:         d.workers,
		reviewers:       d.reviewers,
		supervisor:      d.supervisor,
		dispatcher:      d,
		maxDepth:        d.maxSubTaskDepth,
		maxRetries:      d.maxRetries,
		ctx:             ctx,
		cancel:          cancel,
		msgs:            make(chan coordMsg, 32),
		done:            make(chan struct{}),
		pendingChildren: make(map[string]bool),
	}
}

// Start launches the run loop.
func (c *TaskCoordinator) Start() {
	go c.run()
}

// Done closes when the coordinator has fully stopped.
func (c *TaskCoordinator) Done() <-chan struct{} { return c.done }

// Intervene forwards a human command and waits for the synchronous
// verdict. A stopped coordinator rejects with invalid_state.
func (c *TaskCoordinator) Intervene(cmd models.TaskInterventionCommand) models.TaskInterventionResult {
	reply := make(chan models.TaskInterventionResult, 1)
	select {
	case c.msgs <- interventionMsg{cmd: cmd, reply: reply}:
	case <-c.done:
		return models.TaskInterventionResult{Accepted: false, ReasonCode: models.ReasonInvalidState}
	}
	select {
	case result := <-reply:
		return result
	case <-c.done:
		return models.TaskInterventionResult{Accepted: false, ReasonCode: models.ReasonInvalidState}
	}
}

// ChildFinished reports a sub-task's terminal outcome. childErr is empty
// on success.
func (c *TaskCoordinator) ChildFinished(childID, childErr string) {
	select {
	case c.msgs <- childFinishedMsg{childID: childID, childErr: childErr}:
	case <-c.done:
	}
}

func (c *TaskCoordinator) run() {
	defer close(c.done)
	defer c.cancel()

	c.supervisor.TaskStarted(c.taskID)
	c.record(models.EventCoordinationStarted, "")
	c.bb.SetGlobal(blackboard.TaskClaimedKey(c.taskID), "coordinator")

	c.world = goap.NewWorldState(map[goap.WorldKey]bool{
		goap.KeyTaskExists:       true,
		goap.KeyAdapterAvailable: true,
	})

	for !c.terminal {
		if c.ctx.Err() != nil {
			c.failTask("coordinator cancelled")
			break
		}
		if c.paused {
			c.waitWhilePaused()
			continue
		}
		c.step()
	}

	c.bb.DropTask(c.taskID)
	c.dispatcher.coordinatorFinished(c)
}

// step picks and executes one action.
func (c *TaskCoordinator) step() {
	plan := c.planner.Plan(c.world, c.goal())
	if plan.Satisfied {
		// The goal already holds; nothing dispatched Finalize, so finish
		// directly.
		c.finishDone()
		return
	}
	if plan.DeadEnd {
		c.escalate("planner found no path to completion")
		return
	}

	action := c.chooseAction(plan)
	if c.terminal {
		return
	}
	c.execute(action)
}

// goal is task completion, plus sub-task completion once children were
// spawned so the planner schedules WaitForSubTasks.
func (c *TaskCoordinator) goal() map[goap.WorldKey]bool {
	goal := map[goap.WorldKey]bool{goap.KeyTaskCompleted: true}
	if c.world.Get(goap.KeySubTasksSpawned) {
		goal[goap.KeySubTasksCompleted] = true
	}
	return goal
}

// chooseAction asks the orchestrator role for the next action and falls
// back to the planner's first recommendation when the orchestrator
// fails, answers unparseably, or names an action whose preconditions the
// current world rejects.
func (c *TaskCoordinator) chooseAction(plan goap.PlanResult) goap.Action {
	fallback := plan.RecommendedPlan[0]

	analysis := describePlan(plan)
	digest := c.bb.Digest(c.taskID, 2048)
	result, err := c.awaitRole(c.workers, c.roleTask(models.RoleOrchestrator), analysis, digest)
	if err != nil || c.terminal {
		if err != nil {
			slog.Debug("Orchestrator unavailable, using planner recommendation",
				"task_id", c.taskID, "error", err)
		}
		return fallback
	}

	match := actionPattern.FindStringSubmatch(result.Output)
	if match == nil {
		return fallback
	}
	action, ok := lookupAction(match[1])
	if !ok || !action.Applicable(c.world) {
		return fallback
	}
	return action
}

func lookupAction(name string) (goap.Action, bool) {
	for _, a := range goap.ActionTable {
		if strings.EqualFold(a.Name, name) {
			return a, true
		}
	}
	return goap.Action{}, false
}

func describePlan(plan goap.PlanResult) string {
	names := make([]string, 0, len(plan.RecommendedPlan))
	for _, a := range plan.RecommendedPlan {
		names = append(names, a.Name)
	}
	return fmt.Sprintf("recommended plan: %s", strings.Join(names, " -> "))
}

func (c *TaskCoordinator) execute(action goap.Action) {
	switch action.Name {
	case goap.ActionPlan:
		c.executePlan()
	case goap.ActionBuild:
		c.executeBuild()
	case goap.ActionReview:
		c.executeReview()
	case goap.ActionRework:
		c.executeRework()
	case goap.ActionEscalate:
		c.escalate("retry limit reached after rejected review")
	case goap.ActionFinalize:
		c.finishDone()
	case goap.ActionWaitForSubTasks:
		c.awaitSubTasks()
	default:
		c.escalate("unknown action " + action.Name)
	}
}

func (c *TaskCoordinator) executePlan() {
	if err := c.tasks.UpdateStatus(c.taskID, models.TaskStatusPlanning, ""); err != nil {
		slog.Warn("Failed to move task to planning", "task_id", c.taskID, "error", err)
	}
	result, ok := c.runRole(c.workers, c.roleTask(models.RolePlanner))
	if !ok {
		return
	}
	_ = c.tasks.ApplyRoleOutput(c.taskID, models.RolePlanner, result.Output)
	c.bb.SetTask(c.taskID, "planner.output", result.Output)
	c.world = c.world.With(goap.KeyPlanExists, true)
	c.spawnSubTasks(result.Output)
}

func (c *TaskCoordinator) executeBuild() {
	if err := c.tasks.UpdateStatus(c.taskID, models.TaskStatusBuilding, ""); err != nil {
		slog.Warn("Failed to move task to building", "task_id", c.taskID, "error", err)
	}
	task := c.roleTask(models.RoleBuilder)
	task.Feedback = c.reviewFeedback
	result, ok := c.runRole(c.workers, task)
	if !ok {
		return
	}
	_ = c.tasks.ApplyRoleOutput(c.taskID, models.RoleBuilder, result.Output)
	c.bb.SetTask(c.taskID, "builder.output", result.Output)
	c.world = c.world.With(goap.KeyBuildExists, true)
	c.supervisor.ReportAdapterSuccess(result.AdapterID)
}

func (c *TaskCoordinator) executeReview() {
	if err := c.tasks.UpdateStatus(c.taskID, models.TaskStatusReviewing, ""); err != nil {
		slog.Warn("Failed to move task to reviewing", "task_id", c.taskID, "error", err)
	}
	result, ok := c.runRole(c.reviewers, c.roleTask(models.RoleReviewer))
	if !ok {
		return
	}
	_ = c.tasks.ApplyRoleOutput(c.taskID, models.RoleReviewer, result.Output)
	c.bb.SetTask(c.taskID, "reviewer.output", result.Output)

	approved, feedback := parseVerdict(result.Output)
	if c.override != nil {
		approved, feedback = c.override.approved, c.override.feedback
		c.override = nil
	}

	// Low confidence is a quality signal regardless of the verdict.
	if result.Confidence < lowConfidenceThreshold {
		c.supervisor.ReportQualityConcern(models.QualityConcern{
			TaskID:     c.taskID,
			Role:       models.RoleReviewer,
			AdapterID:  result.AdapterID,
			Confidence: result.Confidence,
		})
	}

	c.world = c.world.With(goap.KeyReviewCompleted, true)
	if approved {
		c.world = c.world.
			With(goap.KeyReviewApproved, true).
			With(goap.KeyReviewRejected, false)
		c.reviewFeedback = ""
		return
	}
	c.reviewFeedback = feedback
	c.world = c.world.
		With(goap.KeyReviewApproved, false).
		With(goap.KeyReviewRejected, true)
	if c.reworkCount >= c.maxRetries {
		c.world = c.world.With(goap.KeyRetryLimitReached, true)
	}
}

func (c *TaskCoordinator) executeRework() {
	c.reworkCount++
	c.record(models.EventTelemetryRetry, fmt.Sprintf("rework #%d", c.reworkCount))
	c.world = c.world.
		With(goap.KeyReviewRejected, false).
		With(goap.KeyReviewCompleted, false).
		With(goap.KeyReviewApproved, false).
		With(goap.KeyBuildExists, false).
		With(goap.KeyReworkAttempted, true)
	if c.reworkCount >= c.maxRetries {
		c.world = c.world.With(goap.KeyRetryLimitReached, true)
	}
}

// awaitSubTasks blocks until every pending child completes. A child
// failure fails the parent and cancels the in-flight siblings. The wait
// also holds while paused, so child completions arriving during a pause
// never advance the coordinator until a human resumes it.
func (c *TaskCoordinator) awaitSubTasks() {
	for (len(c.pendingChildren) > 0 || c.paused) && !c.terminal {
		select {
		case msg := <-c.msgs:
			c.handleMsg(msg)
			if !c.paused {
				c.flushDeferredChildFailure()
			}
		case <-c.ctx.Done():
			c.failTask("coordinator cancelled")
			return
		}
	}
	if !c.terminal {
		c.world = c.world.With(goap.KeySubTasksCompleted, true)
	}
}

// finishDone finalizes the task: summary, terminal status, events.
func (c *TaskCoordinator) finishDone() {
	snapshot, ok := c.tasks.Get(c.taskID)
	summary := ""
	if ok {
		summary = snapshot.ReviewOutput
		if summary == "" {
			summary = snapshot.BuildOutput
		}
	}
	_ = c.tasks.SetSummary(c.taskID, summary)
	if err := c.tasks.UpdateStatus(c.taskID, models.TaskStatusDone, ""); err != nil {
		slog.Warn("Failed to move task to done", "task_id", c.taskID, "error", err)
	}
	c.record(models.EventTaskDone, "")
	c.bb.SetGlobal(blackboard.TaskCompleteKey(c.taskID), "done")
	c.world = c.world.With(goap.KeyTaskCompleted, true)
	c.supervisor.TaskCompleted(c.taskID)
	c.terminal = true
}

// escalate emits task.escalated then task.failed and blocks the task.
func (c *TaskCoordinator) escalate(reason string) {
	c.record(models.EventTaskEscalated, reason)
	c.supervisor.EscalationRaised(c.taskID)
	c.failWith(reason)
}

// failTask blocks the task without an escalation event, for cancellation
// and sub-task propagation.
func (c *TaskCoordinator) failTask(reason string) {
	c.failWith(reason)
}

func (c *TaskCoordinator) failWith(reason string) {
	c.record(models.EventTaskFailed, reason)
	if err := c.tasks.UpdateStatus(c.taskID, models.TaskStatusBlocked, reason); err != nil {
		slog.Warn("Failed to block task", "task_id", c.taskID, "error", err)
	}
	c.world = c.world.With(goap.KeyTaskBlocked, true)
	c.supervisor.TaskFailed(c.taskID)
	c.failed = true
	c.terminal = true
	if c.cancelRole != nil {
		c.cancelRole()
	}
	c.cancelChildren()
}

func (c *TaskCoordinator) cancelChildren() {
	for childID := range c.pendingChildren {
		c.dispatcher.cancelTask(childID)
	}
}

// runRole dispatches a role with the supervisor's retry policy. Returns
// ok=false when the task went terminal.
func (c *TaskCoordinator) runRole(pool *Pool, task models.ExecuteRoleTask) (*models.RoleResult, bool) {
	attempt := 0
	for {
		attempt++
		c.record(models.EventRoleDispatched, string(task.Role))
		result, err := c.awaitRole(pool, task, "", "")
		if c.terminal {
			return nil, false
		}
		if err == nil {
			return result, true
		}

		directive := c.supervisor.ReportRoleFailure(models.RoleFailure{
			TaskID:  c.taskID,
			Role:    task.Role,
			Error:   err.Error(),
			Attempt: attempt,
		})
		if !directive.Retry {
			c.escalate(fmt.Sprintf("%s failed: %v (%s)", task.Role, err, directive.Reason))
			return nil, false
		}
		slog.Info("Retrying role after failure",
			"task_id", c.taskID, "role", task.Role, "reason", directive.Reason)
	}
}

// awaitRole dispatches one invocation and pumps the mailbox until its
// outcome arrives, so interventions stay responsive mid-role.
func (c *TaskCoordinator) awaitRole(pool *Pool, task models.ExecuteRoleTask, analysis, digest string) (*models.RoleResult, error) {
	roleCtx, cancel := context.WithCancel(c.ctx)
	c.cancelRole = cancel
	defer func() {
		cancel()
		c.cancelRole = nil
	}()

	outcome := make(chan struct {
		result *models.RoleResult
		err    error
	}, 1)
	err := pool.Dispatch(RoleDispatch{
		Ctx:              roleCtx,
		Task:             task,
		GoapAnalysis:     analysis,
		BlackboardDigest: digest,
		Reply: func(result *models.RoleResult, err error) {
			outcome <- struct {
				result *models.RoleResult
				err    error
			}{result, err}
		},
	})
	if err != nil {
		return nil, err
	}

	for {
		select {
		case o := <-outcome:
			return o.result, o.err
		case msg := <-c.msgs:
			c.handleMsg(msg)
			if !c.paused {
				c.flushDeferredChildFailure()
			}
			if c.terminal {
				cancel()
				o := <-outcome
				return o.result, o.err
			}
		}
	}
}

// waitWhilePaused pumps the mailbox until resumed or terminal.
func (c *TaskCoordinator) waitWhilePaused() {
	for c.paused && !c.terminal {
		select {
		case msg := <-c.msgs:
			c.handleMsg(msg)
		case <-c.ctx.Done():
			c.failTask("coordinator cancelled")
			return
		}
	}
	c.flushDeferredChildFailure()
}

func (c *TaskCoordinator) handleMsg(msg coordMsg) {
	switch m := msg.(type) {
	case interventionMsg:
		m.reply <- c.applyIntervention(m.cmd)
	case childFinishedMsg:
		c.handleChildFinished(m)
	}
}

func (c *TaskCoordinator) handleChildFinished(m childFinishedMsg) {
	if !c.pendingChildren[m.childID] {
		return
	}
	delete(c.pendingChildren, m.childID)
	if m.childErr == "" {
		c.record(models.EventGraphChildCompleted, m.childID)
		return
	}
	c.record(models.EventGraphChildFailed, m.childID+": "+m.childErr)
	if c.paused {
		// Pause freezes failure propagation too; the escalation fires
		// after resume.
		if c.deferredChildFailure == nil {
			c.deferredChildFailure = &m
		}
		return
	}
	c.escalate(fmt.Sprintf("sub-task %s failed: %s", m.childID, m.childErr))
}

// flushDeferredChildFailure escalates a child failure that arrived while
// the coordinator was paused.
func (c *TaskCoordinator) flushDeferredChildFailure() {
	if c.deferredChildFailure == nil || c.terminal {
		return
	}
	m := *c.deferredChildFailure
	c.deferredChildFailure = nil
	c.escalate(fmt.Sprintf("sub-task %s failed: %s", m.childID, m.childErr))
}

// spawnSubTasks parses SUBTASK lines out of the planner output and asks
// the dispatcher for child coordinators.
func (c *TaskCoordinator) spawnSubTasks(plannerOutput string) {
	matches := subtaskPattern.FindAllStringSubmatch(plannerOutput, -1)
	if len(matches) == 0 {
		return
	}
	if c.depth+1 > c.maxDepth {
		slog.Warn("Sub-task decomposition rejected, depth bound reached",
			"task_id", c.taskID, "depth", c.depth, "max_depth", c.maxDepth)
		c.record(models.EventDiagnosticContext,
			fmt.Sprintf("sub-tasks rejected at depth %d", c.depth))
		return
	}

	for i, match := range matches {
		title := strings.TrimSpace(match[1])
		description := ""
		if idx := strings.Index(title, "|"); idx >= 0 {
			description = strings.TrimSpace(title[idx+1:])
			title = strings.TrimSpace(title[:idx])
		}
		childID := fmt.Sprintf("%s-sub-%d", c.taskID, i+1)
		spawned, err := c.dispatcher.SpawnSubTask(c.taskID, models.CreateTaskRequest{
			TaskID:      childID,
			Title:       title,
			Description: description,
			RunID:       c.runID,
		}, c.depth+1)
		if err != nil {
			slog.Warn("Failed to spawn sub-task", "task_id", c.taskID, "child_id", childID, "error", err)
			continue
		}
		if spawned {
			c.pendingChildren[childID] = true
		}
	}
	if len(c.pendingChildren) > 0 {
		c.world = c.world.With(goap.KeySubTasksSpawned, true)
	}
}

// applyIntervention validates one human command against the current
// state. Every accepted command emits exactly one task.intervention
// event.
func (c *TaskCoordinator) applyIntervention(cmd models.TaskInterventionCommand) models.TaskInterventionResult {
	if cmd.TaskID != "" && cmd.TaskID != c.taskID {
		return rejected(models.ReasonTaskMismatch)
	}
	if c.terminal {
		return rejected(models.ReasonInvalidState)
	}

	switch cmd.Action {
	case models.InterventionPauseTask:
		if c.paused {
			return rejected(models.ReasonInvalidState)
		}
		c.paused = true

	case models.InterventionResumeTask:
		if !c.paused {
			return rejected(models.ReasonInvalidState)
		}
		c.paused = false

	case models.InterventionApproveReview:
		if !c.inReview() {
			return rejected(models.ReasonInvalidState)
		}
		c.override = &reviewOverride{approved: true}

	case models.InterventionRejectReview:
		if cmd.Reason == "" {
			return rejected(models.ReasonPayloadInvalid)
		}
		if !c.inReview() {
			return rejected(models.ReasonInvalidState)
		}
		c.override = &reviewOverride{approved: false, feedback: cmd.Reason}

	case models.InterventionRequestRework:
		if cmd.Feedback == "" {
			return rejected(models.ReasonPayloadInvalid)
		}
		if !c.inReview() {
			return rejected(models.ReasonInvalidState)
		}
		c.override = &reviewOverride{approved: false, feedback: cmd.Feedback}

	case models.InterventionSetSubtaskDepth:
		if cmd.Depth == nil || *cmd.Depth < 0 || *cmd.Depth > c.dispatcher.maxSubTaskDepth {
			return rejected(models.ReasonPayloadInvalid)
		}
		c.maxDepth = *cmd.Depth

	case models.InterventionCancelTask:
		c.acceptIntervention(cmd)
		c.failTask("cancelled by human")
		return models.TaskInterventionResult{Accepted: true}

	default:
		return rejected(models.ReasonUnsupportedAction)
	}

	c.acceptIntervention(cmd)
	return models.TaskInterventionResult{Accepted: true}
}

func (c *TaskCoordinator) acceptIntervention(cmd models.TaskInterventionCommand) {
	decidedBy := cmd.DecidedBy
	if decidedBy == "" {
		decidedBy = "human"
	}
	c.record(models.EventTaskIntervention,
		fmt.Sprintf("action=%s decided_by=%s", cmd.Action, decidedBy))
}

// inReview reports whether the task currently sits in the review phase.
func (c *TaskCoordinator) inReview() bool {
	snapshot, ok := c.tasks.Get(c.taskID)
	return ok && snapshot.Status == models.TaskStatusReviewing
}

func rejected(code string) models.TaskInterventionResult {
	return models.TaskInterventionResult{Accepted: false, ReasonCode: code}
}

func (c *TaskCoordinator) roleTask(role models.SwarmRole) models.ExecuteRoleTask {
	task := models.ExecuteRoleTask{
		TaskID: c.taskID,
		RunID:  c.runID,
		Role:   role,
	}
	if snapshot, ok := c.tasks.Get(c.taskID); ok {
		task.Title = snapshot.Title
		task.Description = snapshot.Description
		task.Plan = snapshot.PlanningOutput
	}
	return task
}

func (c *TaskCoordinator) record(eventType, payload string) {
	c.recorder.Record(models.TaskExecutionEvent{
		TaskID:    c.taskID,
		RunID:     c.runID,
		EventType: eventType,
		Payload:   payload,
	})
}

// parseVerdict inspects a reviewer's output: a leading REJECTED (or
// VERDICT: REJECTED) line rejects with the full output as feedback;
// anything else approves, matching the optimistic review effect.
func parseVerdict(output string) (approved bool, feedback string) {
	for _, line := range strings.Split(output, "\n") {
		upper := strings.ToUpper(strings.TrimSpace(line))
		upper = strings.TrimSpace(strings.TrimPrefix(upper, "VERDICT:"))
		if strings.HasPrefix(upper, "REJECT") {
			return false, output
		}
		if strings.HasPrefix(upper, "APPROVE") {
			return true, ""
		}
	}
	return true, ""
}
