package driver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/expression"
	"github.com/openfroyo/orchestra/pkg/facilitator"
	"github.com/openfroyo/orchestra/pkg/step"
	"github.com/openfroyo/orchestra/pkg/telemetry"
)

// Failure types set on responses the driver builds itself.
const (
	FailureApplication = "APPLICATION_ERROR"
	FailureResolution  = "RESOLUTION_ERROR"
	FailureTask        = "TASK_FAILURE"
	FailureTimeout     = "TIMEOUT"
	FailureInterrupted = "INTERRUPTED"
)

var running = []engine.Status{engine.StatusRunning}

// startNode moves a queued node to RUNNING, facilitates it and executes it.
// Pending interrupts are applied first, and a node of a paused or ended plan
// execution is held or aborted instead.
func (d *Driver) startNode(ctx context.Context, runtimeID string) error {
	ne, err := d.getNode(ctx, runtimeID)
	if err != nil {
		return err
	}
	if ne.Status != engine.StatusQueued {
		return nil
	}

	if err := d.processPending(ctx, ne.PlanExecutionID); err != nil {
		d.logger.Warn().Err(err).Str("plan_execution_id", ne.PlanExecutionID).Msg("Failed to process pending interrupts")
	}

	state, err := d.predecessorState(ctx, ne)
	if err != nil {
		return err
	}
	switch state {
	case predecessorPending:
		return nil
	case predecessorSuperseded:
		_, err := d.abortNode(ctx, ne.RuntimeID, "superseded by a later decision of its predecessor")
		return err
	}

	pe, err := d.getPlanExecution(ctx, ne.PlanExecutionID)
	if err != nil {
		return err
	}
	parentEnded, err := d.parentEnded(ctx, ne)
	if err != nil {
		return err
	}
	if pe.Status.IsTerminal() || parentEnded {
		applied, err := d.abortNode(ctx, ne.RuntimeID, "enclosing execution ended")
		if err != nil || !applied {
			return err
		}
		ended, err := d.getNode(ctx, runtimeID)
		if err != nil {
			return err
		}
		return d.branchEnded(ctx, ended)
	}
	if pe.Status == engine.PlanStatusPaused {
		return d.holdPaused(ctx, ne)
	}
	if ne.NotBefore != nil && time.Now().Before(*ne.NotBefore) {
		d.armTimer(timerKey(runtimeID, "start"), *ne.NotBefore, func() { d.dispatch(runtimeID) })
		return nil
	}

	entry, err := d.planEntry(ctx, ne.PlanExecutionID)
	if err != nil {
		return err
	}
	node, err := entry.node(ne.SetupID)
	if err != nil {
		return err
	}

	timeout := node.Timeout
	if timeout == 0 {
		timeout = d.cfg.DefaultNodeTimeout
	}
	now := time.Now().UTC()
	ne, applied, err := d.update(ctx, runtimeID, []engine.Status{engine.StatusQueued}, func(n *engine.NodeExecution) {
		n.Status = engine.StatusRunning
		n.StartedAt = &now
		n.NotBefore = nil
		if timeout > 0 {
			deadline := now.Add(timeout)
			n.Deadline = &deadline
		}
	})
	if err != nil || !applied {
		return err
	}

	d.nodeLogger(ne).Debug().Str("step_type", ne.StepType).Msg("Node started")
	d.publish(func(ep *telemetry.EventPublisher) error {
		return ep.PublishNodeStarted(ne.PlanExecutionID, ne.RuntimeID, ne.SetupID, ne.StepType)
	})
	d.armExpiry(ne)

	return d.facilitate(ctx, ne, entry, node)
}

type predecessor int

const (
	predecessorDone predecessor = iota
	predecessorPending
	predecessorSuperseded
)

// predecessorState reports whether the node that queued ne still has to
// finish, or finished with a different successor.
func (d *Driver) predecessorState(ctx context.Context, ne *engine.NodeExecution) (predecessor, error) {
	prevID := ne.RetryOf
	if prevID == "" {
		prevID = ne.PreviousRuntimeID
	}
	if prevID == "" {
		return predecessorDone, nil
	}
	prev, err := d.getNode(ctx, prevID)
	if err != nil {
		if engine.IsNotFound(err) {
			return predecessorDone, nil
		}
		return predecessorDone, err
	}
	switch {
	case !prev.Status.IsTerminal():
		return predecessorPending, nil
	case prev.NextRuntimeID != ne.RuntimeID:
		return predecessorSuperseded, nil
	default:
		return predecessorDone, nil
	}
}

func (d *Driver) parentEnded(ctx context.Context, ne *engine.NodeExecution) (bool, error) {
	if ne.ParentRuntimeID == "" {
		return false, nil
	}
	parent, err := d.getNode(ctx, ne.ParentRuntimeID)
	if err != nil {
		return false, err
	}
	return parent.Status.IsTerminal(), nil
}

// holdPaused parks a queued node of a paused plan execution. The plan status
// is checked again afterwards so that a resume racing the park is not lost.
func (d *Driver) holdPaused(ctx context.Context, ne *engine.NodeExecution) error {
	_, applied, err := d.update(ctx, ne.RuntimeID, []engine.Status{engine.StatusQueued}, func(n *engine.NodeExecution) {
		n.Status = engine.StatusPaused
	})
	if err != nil || !applied {
		return err
	}
	d.nodeLogger(ne).Debug().Msg("Node held while plan execution is paused")

	pe, err := d.getPlanExecution(ctx, ne.PlanExecutionID)
	if err != nil {
		return err
	}
	if pe.Status != engine.PlanStatusPaused {
		return d.unpause(ctx, ne.RuntimeID)
	}
	return nil
}

// unpause re-queues a paused node and dispatches it.
func (d *Driver) unpause(ctx context.Context, runtimeID string) error {
	_, applied, err := d.update(ctx, runtimeID, []engine.Status{engine.StatusPaused}, func(n *engine.NodeExecution) {
		n.Status = engine.StatusQueued
	})
	if err != nil {
		return err
	}
	if applied {
		d.dispatch(runtimeID)
	}
	return nil
}

// resolveNode looks up the plan node and step of a node execution.
func (d *Driver) resolveNode(ctx context.Context, ne *engine.NodeExecution) (*planEntry, *engine.ExecutionNode, step.Step, error) {
	entry, err := d.planEntry(ctx, ne.PlanExecutionID)
	if err != nil {
		return nil, nil, nil, err
	}
	node, err := entry.node(ne.SetupID)
	if err != nil {
		return nil, nil, nil, err
	}
	st, err := d.steps.Get(node.StateType)
	if err != nil {
		return entry, node, nil, err
	}
	return entry, node, st, nil
}

// facilitate resolves the node's inputs, asks the facilitator engine for a
// mode and executes the node in it.
func (d *Driver) facilitate(ctx context.Context, ne *engine.NodeExecution, entry *planEntry, node *engine.ExecutionNode) error {
	st, err := d.steps.Get(node.StateType)
	if err != nil {
		return d.fail(ctx, ne.RuntimeID, err, FailureApplication, running...)
	}
	inputs, err := d.outcomes.ResolveInputs(ctx, ne.Ambiance, node.RefObjects)
	if err != nil {
		return d.fail(ctx, ne.RuntimeID, err, FailureResolution, running...)
	}
	resp, err := d.facilitators.Facilitate(ctx, &facilitator.Input{
		Ambiance: ne.Ambiance,
		Node:     node,
		Step:     st,
		Inputs:   inputs,
	})
	if err != nil {
		return d.fail(ctx, ne.RuntimeID, err, FailureApplication, running...)
	}

	now := time.Now().UTC()
	ne, applied, err := d.update(ctx, ne.RuntimeID, running, func(n *engine.NodeExecution) {
		n.Mode = resp.Mode
		if resp.InitialWait > 0 {
			wake := now.Add(resp.InitialWait)
			n.Status = engine.StatusWaiting
			n.NotBefore = &wake
		}
	})
	if err != nil || !applied {
		return err
	}
	d.metrics().RecordNodeStarted(node.StateType, string(resp.Mode))

	if ne.Status == engine.StatusWaiting {
		d.armWait(ne)
		return nil
	}
	return d.execute(ctx, ne, entry, node, st)
}

func (d *Driver) armWait(ne *engine.NodeExecution) {
	if ne.NotBefore == nil {
		return
	}
	runtimeID := ne.RuntimeID
	d.armTimer(timerKey(runtimeID, "wait"), *ne.NotBefore, func() {
		d.spawn(runtimeID, func(ctx context.Context) {
			d.run(ctx, runtimeID, "end wait", d.endWait)
		})
	})
}

// endWait executes a node once its initial wait is over.
func (d *Driver) endWait(ctx context.Context, runtimeID string) error {
	ne, applied, err := d.update(ctx, runtimeID, []engine.Status{engine.StatusWaiting}, func(n *engine.NodeExecution) {
		n.Status = engine.StatusRunning
		n.NotBefore = nil
	})
	if err != nil || !applied {
		return err
	}
	entry, node, st, err := d.resolveNode(ctx, ne)
	if err != nil {
		return d.fail(ctx, runtimeID, err, FailureApplication, running...)
	}
	return d.execute(ctx, ne, entry, node, st)
}

// execute runs a RUNNING node in its facilitated mode.
func (d *Driver) execute(ctx context.Context, ne *engine.NodeExecution, entry *planEntry, node *engine.ExecutionNode, st step.Step) (err error) {
	ctx, span := telemetry.WithNodeContext(ctx, "execute", ne.PlanExecutionID, ne.RuntimeID, ne.SetupID, ne.StepType)
	span.SetAttributes(telemetry.AttrMode.String(string(ne.Mode)))
	defer func() { telemetry.EndSpan(span, err) }()

	switch ne.Mode {
	case engine.ModeSync:
		return d.executeSync(ctx, ne, entry, node, st)
	case engine.ModeAsync:
		return d.executeAsync(ctx, ne, entry, node, st)
	case engine.ModeTaskChain:
		return d.startChain(ctx, ne, entry, node, st)
	case engine.ModeChildren:
		return d.spawnChildren(ctx, ne, entry, node, st)
	default:
		return d.fail(ctx, ne.RuntimeID, unsupported(ne, node), FailureApplication, running...)
	}
}

func unsupported(ne *engine.NodeExecution, node *engine.ExecutionNode) error {
	return engine.NewPermanentError(fmt.Sprintf("step %s does not support mode %q", node.StateType, ne.Mode), nil).
		WithCode(engine.ErrCodeUnsupportedMode).
		WithResource(node.SetupID)
}

// stepContext resolves inputs and renders parameters for a step call.
func (d *Driver) stepContext(ctx context.Context, ne *engine.NodeExecution, entry *planEntry, node *engine.ExecutionNode) (*step.Context, error) {
	inputs, err := d.outcomes.ResolveInputs(ctx, ne.Ambiance, node.RefObjects)
	if err != nil {
		return nil, err
	}
	params, err := d.evaluator.RenderJSON(ctx, expression.Env{
		Ambiance:  ne.Ambiance,
		Producers: entry.producers,
		Inputs:    inputs,
	}, node.StateParameters)
	if err != nil {
		return nil, err
	}
	return &step.Context{
		Ambiance:   ne.Ambiance,
		Node:       node,
		Parameters: params,
		Inputs:     inputs,
		Codec:      d.codec,
		Logger:     *d.nodeLogger(ne),
	}, nil
}

func (d *Driver) executeSync(ctx context.Context, ne *engine.NodeExecution, entry *planEntry, node *engine.ExecutionNode, st step.Step) error {
	exe, ok := st.(step.SyncExecutable)
	if !ok {
		return d.fail(ctx, ne.RuntimeID, unsupported(ne, node), FailureApplication, running...)
	}
	sc, err := d.stepContext(ctx, ne, entry, node)
	if err != nil {
		return d.fail(ctx, ne.RuntimeID, err, FailureResolution, running...)
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.setInflight(ne.RuntimeID, cancel)
	resp, err := exe.ExecuteSync(runCtx, sc)
	d.clearInflight(ne.RuntimeID)
	cancel()

	if err != nil {
		resp = failedResponse(err, FailureApplication)
	}
	if resp == nil {
		resp = &engine.StepResponse{Status: engine.StatusSucceeded}
	}
	return d.complete(ctx, ne.RuntimeID, resp, running...)
}

func (d *Driver) executeAsync(ctx context.Context, ne *engine.NodeExecution, entry *planEntry, node *engine.ExecutionNode, st step.Step) error {
	exe, ok := st.(step.AsyncExecutable)
	if !ok {
		return d.fail(ctx, ne.RuntimeID, unsupported(ne, node), FailureApplication, running...)
	}
	sc, err := d.stepContext(ctx, ne, entry, node)
	if err != nil {
		return d.fail(ctx, ne.RuntimeID, err, FailureResolution, running...)
	}
	refs, err := exe.ExecuteAsync(ctx, sc)
	if err != nil {
		return d.complete(ctx, ne.RuntimeID, failedResponse(err, FailureApplication), running...)
	}

	ne, applied, err := d.update(ctx, ne.RuntimeID, running, func(n *engine.NodeExecution) {
		n.Tasks = refs
	})
	if err != nil || !applied {
		return err
	}
	return d.advanceAsync(ctx, ne)
}

// advanceAsync submits the tasks of a RUNNING async node that have no task
// id yet, then either handles the results or waits for them.
func (d *Driver) advanceAsync(ctx context.Context, ne *engine.NodeExecution) error {
	ne, err := d.submitTasks(ctx, ne)
	if err != nil || ne == nil {
		return err
	}

	results, err := d.taskResults(ctx, ne.RuntimeID)
	if err != nil {
		return err
	}
	if keyed, done := resultsByKey(ne.Tasks, results); done {
		return d.handleAsync(ctx, ne, keyed)
	}

	_, applied, err := d.update(ctx, ne.RuntimeID, running, func(n *engine.NodeExecution) {
		n.Status = engine.StatusAsyncWaiting
	})
	if err != nil || !applied {
		return err
	}
	return d.checkTasks(ctx, ne.RuntimeID)
}

func (d *Driver) handleAsync(ctx context.Context, ne *engine.NodeExecution, results map[string]*engine.TaskResult) error {
	entry, node, st, err := d.resolveNode(ctx, ne)
	if err != nil {
		return d.fail(ctx, ne.RuntimeID, err, FailureApplication, running...)
	}
	exe, ok := st.(step.AsyncExecutable)
	if !ok {
		return d.fail(ctx, ne.RuntimeID, unsupported(ne, node), FailureApplication, running...)
	}
	sc, err := d.stepContext(ctx, ne, entry, node)
	if err != nil {
		return d.fail(ctx, ne.RuntimeID, err, FailureResolution, running...)
	}
	resp, err := exe.HandleAsyncResponse(ctx, sc, results)
	if err != nil {
		resp = failedResponse(err, FailureApplication)
	}
	return d.complete(ctx, ne.RuntimeID, resp, running...)
}

// submitTasks submits the tasks of a RUNNING node that have no task id and
// records the ids. It returns nil when the node left RUNNING meanwhile.
func (d *Driver) submitTasks(ctx context.Context, ne *engine.NodeExecution) (*engine.NodeExecution, error) {
	for _, task := range ne.Tasks {
		if task.TaskID != "" {
			continue
		}
		req := task.Request
		taskID, err := withRetry(ctx, d, "submit task", func() (string, error) {
			return d.runner.Submit(ctx, req, ne.RuntimeID)
		})
		if err != nil {
			if engine.IsRetryable(err) {
				return nil, err
			}
			d.cancelTasks(ctx, ne)
			return nil, d.complete(ctx, ne.RuntimeID, failedResponse(err, FailureTask), running...)
		}
		d.metrics().RecordTaskSubmitted(req.Type)

		key := task.Key
		updated, applied, err := d.update(ctx, ne.RuntimeID, running, func(n *engine.NodeExecution) {
			for i := range n.Tasks {
				if n.Tasks[i].Key == key {
					n.Tasks[i].TaskID = taskID
				}
			}
		})
		if err != nil {
			return nil, err
		}
		if !applied {
			d.cancelTask(ctx, taskID)
			return nil, nil
		}
		ne = updated
	}
	return ne, nil
}

func (d *Driver) taskResults(ctx context.Context, runtimeID string) (map[string]*engine.TaskResult, error) {
	return withRetry(ctx, d, "list task results", func() (map[string]*engine.TaskResult, error) {
		return d.store.ListTaskResults(ctx, runtimeID)
	})
}

// resultsByKey maps results of submitted tasks to task keys. It reports
// whether every task has a result.
func resultsByKey(tasks []engine.TaskRef, results map[string]*engine.TaskResult) (map[string]*engine.TaskResult, bool) {
	keyed := make(map[string]*engine.TaskResult, len(tasks))
	for _, t := range tasks {
		if t.TaskID == "" {
			return nil, false
		}
		r, ok := results[t.TaskID]
		if !ok {
			return nil, false
		}
		keyed[t.Key] = r
	}
	return keyed, true
}

// checkTasks is the barrier of async and chained nodes: once the awaited
// results are recorded, exactly one caller moves the node back to RUNNING
// and continues it.
func (d *Driver) checkTasks(ctx context.Context, runtimeID string) error {
	ne, err := d.getNode(ctx, runtimeID)
	if err != nil {
		return err
	}
	if ne.Status != engine.StatusAsyncWaiting && ne.Status != engine.StatusTaskWaiting {
		return nil
	}

	results, err := d.taskResults(ctx, runtimeID)
	if err != nil {
		return err
	}
	awaited := ne.Tasks
	if ne.Mode == engine.ModeTaskChain && len(awaited) > 0 {
		awaited = awaited[len(awaited)-1:]
	}
	if _, done := resultsByKey(awaited, results); !done {
		return nil
	}

	ne, applied, err := d.update(ctx, runtimeID, []engine.Status{ne.Status}, func(n *engine.NodeExecution) {
		n.Status = engine.StatusRunning
	})
	if err != nil || !applied {
		return err
	}
	if ne.Mode == engine.ModeTaskChain {
		return d.advanceChain(ctx, ne)
	}
	return d.advanceAsync(ctx, ne)
}

func chainLinkKey(link int) string {
	return "link-" + strconv.Itoa(link)
}

func (d *Driver) startChain(ctx context.Context, ne *engine.NodeExecution, entry *planEntry, node *engine.ExecutionNode, st step.Step) error {
	exe, ok := st.(step.TaskChainExecutable)
	if !ok {
		return d.fail(ctx, ne.RuntimeID, unsupported(ne, node), FailureApplication, running...)
	}
	sc, err := d.stepContext(ctx, ne, entry, node)
	if err != nil {
		return d.fail(ctx, ne.RuntimeID, err, FailureResolution, running...)
	}
	link, err := exe.StartChainLink(ctx, sc, 0, nil, nil)
	if err != nil {
		return d.complete(ctx, ne.RuntimeID, failedResponse(err, FailureApplication), running...)
	}
	return d.queueLink(ctx, ne, 0, link)
}

// queueLink records the next link of a chain and submits its task.
func (d *Driver) queueLink(ctx context.Context, ne *engine.NodeExecution, index int, link *step.ChainLink) error {
	key := chainLinkKey(index)
	ne, applied, err := d.update(ctx, ne.RuntimeID, running, func(n *engine.NodeExecution) {
		n.Chain = &engine.ChainState{Link: index, PassThrough: link.PassThrough, ChainEnd: link.ChainEnd}
		for _, t := range n.Tasks {
			if t.Key == key {
				return
			}
		}
		n.Tasks = append(n.Tasks, engine.TaskRef{Key: key, Request: link.Task})
	})
	if err != nil || !applied {
		return err
	}
	return d.advanceChain(ctx, ne)
}

// advanceChain moves a RUNNING chained node forward: it submits the current
// link, waits for its result, and then starts the next link or finalizes.
func (d *Driver) advanceChain(ctx context.Context, ne *engine.NodeExecution) error {
	entry, node, st, err := d.resolveNode(ctx, ne)
	if err != nil {
		return d.fail(ctx, ne.RuntimeID, err, FailureApplication, running...)
	}
	if ne.Chain == nil || len(ne.Tasks) == 0 {
		return d.startChain(ctx, ne, entry, node, st)
	}
	exe, ok := st.(step.TaskChainExecutable)
	if !ok {
		return d.fail(ctx, ne.RuntimeID, unsupported(ne, node), FailureApplication, running...)
	}

	if ne.Tasks[len(ne.Tasks)-1].TaskID == "" {
		if ne, err = d.submitTasks(ctx, ne); err != nil || ne == nil {
			return err
		}
	}
	current := ne.Tasks[len(ne.Tasks)-1]

	results, err := d.taskResults(ctx, ne.RuntimeID)
	if err != nil {
		return err
	}
	result, ok := results[current.TaskID]
	if !ok {
		_, applied, err := d.update(ctx, ne.RuntimeID, running, func(n *engine.NodeExecution) {
			n.Status = engine.StatusTaskWaiting
		})
		if err != nil || !applied {
			return err
		}
		return d.checkTasks(ctx, ne.RuntimeID)
	}

	sc, err := d.stepContext(ctx, ne, entry, node)
	if err != nil {
		return d.fail(ctx, ne.RuntimeID, err, FailureResolution, running...)
	}
	if result.Stage != engine.TaskStageSucceeded || ne.Chain.ChainEnd {
		resp, err := exe.FinalizeChain(ctx, sc, result, ne.Chain.PassThrough)
		if err != nil {
			resp = failedResponse(err, FailureApplication)
		}
		return d.complete(ctx, ne.RuntimeID, resp, running...)
	}

	next := ne.Chain.Link + 1
	link, err := exe.StartChainLink(ctx, sc, next, result, ne.Chain.PassThrough)
	if err != nil {
		return d.complete(ctx, ne.RuntimeID, failedResponse(err, FailureApplication), running...)
	}
	return d.queueLink(ctx, ne, next, link)
}

// spawnChildren creates one branch per child of the node, moves the node to
// CHILDREN_WAITING and dispatches the branch heads. Child ids are derived
// from the parent, so spawning again after a crash creates nothing new.
func (d *Driver) spawnChildren(ctx context.Context, ne *engine.NodeExecution, entry *planEntry, node *engine.ExecutionNode, st step.Step) error {
	exe, ok := st.(step.ChildrenExecutable)
	if !ok {
		return d.fail(ctx, ne.RuntimeID, unsupported(ne, node), FailureApplication, running...)
	}
	setupIDs, err := exe.Children(node)
	if err != nil {
		return d.complete(ctx, ne.RuntimeID, failedResponse(err, FailureApplication), running...)
	}

	branches := make([]string, 0, len(setupIDs))
	for i, setupID := range setupIDs {
		child, err := entry.node(setupID)
		if err != nil {
			return d.fail(ctx, ne.RuntimeID, err, FailureApplication, running...)
		}
		childID := deriveID(ne.RuntimeID, "child", strconv.Itoa(i), setupID)
		if _, err := d.createNode(ctx, &engine.NodeExecution{
			RuntimeID:       childID,
			PlanExecutionID: ne.PlanExecutionID,
			SetupID:         child.SetupID,
			Name:            child.Name,
			StepType:        child.StateType,
			Ambiance:        ne.Ambiance.CloneForChild(levelFor(child, childID, 0)),
			Status:          engine.StatusQueued,
			ParentRuntimeID: ne.RuntimeID,
			BranchID:        childID,
		}); err != nil {
			return err
		}
		branches = append(branches, childID)
	}

	_, applied, err := d.update(ctx, ne.RuntimeID, running, func(n *engine.NodeExecution) {
		n.Status = engine.StatusChildrenWaiting
		n.Children = branches
	})
	if err != nil {
		return err
	}
	for _, id := range branches {
		d.dispatch(id)
	}
	if !applied {
		return nil
	}
	d.nodeLogger(ne).Debug().Int("children", len(branches)).Msg("Children spawned")
	return d.checkChildren(ctx, ne.RuntimeID)
}

// NotifyTaskResult records the result of a task submitted for the node
// execution named by callbackToken and wakes the node. Duplicate deliveries
// are ignored.
func (d *Driver) NotifyTaskResult(ctx context.Context, callbackToken string, result engine.TaskResult) error {
	if callbackToken == "" || result.TaskID == "" {
		return engine.NewPermanentError("task result needs a callback token and a task id", nil).
			WithCode(engine.ErrCodeValidation)
	}
	if _, err := d.getNode(ctx, callbackToken); err != nil {
		return err
	}
	if result.ReceivedAt.IsZero() {
		result.ReceivedAt = time.Now().UTC()
	}

	recorded, err := withRetry(ctx, d, "record task result", func() (bool, error) {
		return d.store.RecordTaskResult(ctx, callbackToken, &result)
	})
	if err != nil {
		return err
	}
	if !recorded {
		return nil
	}
	d.metrics().RecordTaskResult(string(result.Stage))
	d.logger.Debug().
		Str("runtime_id", callbackToken).
		Str("task_id", result.TaskID).
		Str("stage", string(result.Stage)).
		Msg("Task result recorded")

	d.spawn(callbackToken, func(ctx context.Context) {
		d.run(ctx, callbackToken, "check tasks", d.checkTasks)
	})
	return nil
}

func (d *Driver) cancelTasks(ctx context.Context, ne *engine.NodeExecution) {
	for _, id := range ne.TaskIDs() {
		d.cancelTask(ctx, id)
	}
}

func (d *Driver) cancelTask(ctx context.Context, taskID string) {
	stage, err := d.runner.Cancel(ctx, taskID)
	if err != nil {
		d.logger.Warn().Err(err).Str("task_id", taskID).Msg("Failed to cancel task")
		return
	}
	d.logger.Debug().Str("task_id", taskID).Str("stage", string(stage)).Msg("Task cancelled")
}

func (d *Driver) setInflight(runtimeID string, cancel context.CancelFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inflight[runtimeID] = cancel
}

func (d *Driver) clearInflight(runtimeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, runtimeID)
}

// interruptInflight cancels the context of a step running inline.
func (d *Driver) interruptInflight(runtimeID string) {
	d.mu.Lock()
	cancel, ok := d.inflight[runtimeID]
	d.mu.Unlock()
	if ok {
		cancel()
	}
}

// fail completes a RUNNING node with a failure built from err. Retryable
// errors are returned instead, leaving the node for a later attempt.
func (d *Driver) fail(ctx context.Context, runtimeID string, err error, failureType string, from ...engine.Status) error {
	if engine.IsRetryable(err) || errors.Is(err, context.Canceled) {
		return err
	}
	return d.complete(ctx, runtimeID, failedResponse(err, failureType), from...)
}

func failedResponse(err error, failureType string) *engine.StepResponse {
	code := engine.ErrCodeStepFailed
	var ee *engine.EngineError
	if errors.As(err, &ee) && ee.Code != "" {
		code = ee.Code
	}
	return &engine.StepResponse{
		Status: engine.StatusFailed,
		Failure: &engine.FailureInfo{
			Message:      err.Error(),
			Code:         code,
			FailureTypes: []string{failureType},
		},
	}
}
