package driver

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/interrupt"
	"github.com/openfroyo/orchestra/pkg/telemetry"
)

func interruptKey(id string) string {
	return "interrupt:" + id
}

func notApplicable(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", interrupt.ErrNotApplicable, fmt.Sprintf(format, args...))
}

// processInterrupt applies one registered interrupt and reports the outcome.
func (d *Driver) processInterrupt(ctx context.Context, id string) (*engine.Interrupt, error) {
	key := interruptKey(id)
	d.mu.Lock()
	d.active[key]++
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		if d.active[key]--; d.active[key] <= 0 {
			delete(d.active, key)
		}
		d.mu.Unlock()
	}()

	if d.tel != nil {
		ctx = d.tel.WithContext(ctx)
	}
	op := telemetry.StartOperation(ctx, "interrupt.process", telemetry.AttrInterruptID.String(id))
	in, err := d.interrupts.Process(op.Ctx, id)
	op.End(err)
	if err != nil {
		return nil, err
	}
	if in.State.IsFinal() {
		d.metrics().RecordInterrupt(string(in.Type), string(in.State))
		d.publish(func(ep *telemetry.EventPublisher) error {
			return ep.PublishInterruptProcessed(in.PlanExecutionID, in.ID, string(in.Type), string(in.State))
		})
	}
	return in, nil
}

// processPending applies the REGISTERED interrupts of a plan execution in
// registration order.
func (d *Driver) processPending(ctx context.Context, planExecutionID string) error {
	pending, err := d.interrupts.Pending(ctx, planExecutionID)
	if err != nil {
		return err
	}
	for _, in := range pending {
		if in.State != engine.InterruptRegistered {
			continue
		}
		if _, err := d.processInterrupt(ctx, in.ID); err != nil {
			d.logger.Warn().Err(err).Str("interrupt_id", in.ID).Msg("Failed to process interrupt")
		}
	}
	return nil
}

// handleAbort aborts one node execution with its descendants, or the whole
// plan execution when the interrupt has no target.
func (d *Driver) handleAbort(ctx context.Context, in *engine.Interrupt) error {
	if in.TargetRuntimeID == "" {
		return d.abortPlan(ctx, in.PlanExecutionID)
	}

	ne, err := d.getNode(ctx, in.TargetRuntimeID)
	if err != nil {
		return err
	}
	switch {
	case ne.Status == engine.StatusAborted:
		return nil
	case ne.Status.IsTerminal(), ne.Status == engine.StatusAdvising:
		return notApplicable("node execution %s is %s", ne.RuntimeID, ne.Status)
	}

	if err := d.abortDescendants(ctx, ne.RuntimeID); err != nil {
		return err
	}
	applied, err := d.abortNode(ctx, ne.RuntimeID, "aborted by interrupt "+in.ID)
	if err != nil {
		return err
	}
	if !applied {
		current, err := d.getNode(ctx, ne.RuntimeID)
		if err != nil {
			return err
		}
		if current.Status == engine.StatusAborted {
			return nil
		}
		return notApplicable("node execution %s is %s", current.RuntimeID, current.Status)
	}

	if ne.Status == engine.StatusInterventionWaiting {
		if err := d.restorePlanStatus(ctx, ne.PlanExecutionID); err != nil {
			return err
		}
	}
	aborted, err := d.getNode(ctx, ne.RuntimeID)
	if err != nil {
		return err
	}
	return d.branchEnded(ctx, aborted)
}

func (d *Driver) abortPlan(ctx context.Context, planExecutionID string) error {
	pe, err := d.getPlanExecution(ctx, planExecutionID)
	if err != nil {
		return err
	}
	if pe.Status == engine.PlanStatusAborted {
		return nil
	}
	applied, err := d.updatePlan(ctx, planExecutionID, engine.PlanStatusAborted, engine.LivePlanStatuses...)
	if err != nil {
		return err
	}
	if !applied {
		current, err := d.getPlanExecution(ctx, planExecutionID)
		if err != nil {
			return err
		}
		if current.Status == engine.PlanStatusAborted {
			return nil
		}
		return notApplicable("plan execution %s is %s", planExecutionID, current.Status)
	}

	if err := d.abortLive(ctx, planExecutionID, "plan execution aborted"); err != nil {
		return err
	}
	d.planEnded(pe, engine.PlanStatusAborted)
	return nil
}

// abortLive aborts every abortable node of a plan execution, deepest first.
func (d *Driver) abortLive(ctx context.Context, planExecutionID, reason string) error {
	nodes, err := withRetry(ctx, d, "list node executions", func() ([]*engine.NodeExecution, error) {
		return d.store.ListNodeExecutions(ctx, planExecutionID, engine.AbortableStatuses)
	})
	if err != nil {
		return err
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].Ambiance.Depth() > nodes[j].Ambiance.Depth()
	})
	for _, ne := range nodes {
		if _, err := d.abortNode(ctx, ne.RuntimeID, reason); err != nil {
			return err
		}
	}
	return nil
}

// abortDescendants aborts the children of a node, and theirs, bottom-up.
func (d *Driver) abortDescendants(ctx context.Context, runtimeID string) error {
	children, err := withRetry(ctx, d, "list child node executions", func() ([]*engine.NodeExecution, error) {
		return d.store.ListChildNodeExecutions(ctx, runtimeID)
	})
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.Status.IsTerminal() {
			continue
		}
		if err := d.abortDescendants(ctx, child.RuntimeID); err != nil {
			return err
		}
		if _, err := d.abortNode(ctx, child.RuntimeID, "parent ended"); err != nil {
			return err
		}
	}
	return nil
}

// abortNode moves a node to ABORTED if it is in an abortable status and
// cancels whatever it was waiting for.
func (d *Driver) abortNode(ctx context.Context, runtimeID, reason string) (bool, error) {
	aborted, applied, err := d.update(ctx, runtimeID, engine.AbortableStatuses, func(n *engine.NodeExecution) {
		n.Status = engine.StatusAborted
		n.Intervention = nil
		n.Deadline = nil
		n.NotBefore = nil
	})
	if err != nil || !applied {
		return false, err
	}
	d.interruptInflight(runtimeID)
	d.cancelTasks(ctx, aborted)
	d.nodeLogger(aborted).Debug().Str("reason", reason).Msg("Node aborted")
	d.nodeEnded(aborted)
	return true, nil
}

// handlePause stops new nodes of a plan execution from starting. Nodes
// already running continue.
func (d *Driver) handlePause(ctx context.Context, in *engine.Interrupt) error {
	applied, err := d.updatePlan(ctx, in.PlanExecutionID, engine.PlanStatusPaused,
		engine.PlanStatusRunning, engine.PlanStatusInterventionWaiting)
	if err != nil || applied {
		return err
	}
	pe, err := d.getPlanExecution(ctx, in.PlanExecutionID)
	if err != nil {
		return err
	}
	if pe.Status == engine.PlanStatusPaused {
		return nil
	}
	return notApplicable("plan execution %s is %s", pe.ID, pe.Status)
}

// handleResume resumes a paused plan execution and starts its held nodes.
func (d *Driver) handleResume(ctx context.Context, in *engine.Interrupt) error {
	waiting, err := withRetry(ctx, d, "list node executions", func() ([]*engine.NodeExecution, error) {
		return d.store.ListNodeExecutions(ctx, in.PlanExecutionID, []engine.Status{engine.StatusInterventionWaiting})
	})
	if err != nil {
		return err
	}
	to := engine.PlanStatusRunning
	if len(waiting) > 0 {
		to = engine.PlanStatusInterventionWaiting
	}

	applied, err := d.updatePlan(ctx, in.PlanExecutionID, to, engine.PlanStatusPaused)
	if err != nil {
		return err
	}
	if !applied {
		pe, err := d.getPlanExecution(ctx, in.PlanExecutionID)
		if err != nil {
			return err
		}
		return notApplicable("plan execution %s is %s", pe.ID, pe.Status)
	}

	held, err := withRetry(ctx, d, "list node executions", func() ([]*engine.NodeExecution, error) {
		return d.store.ListNodeExecutions(ctx, in.PlanExecutionID, []engine.Status{engine.StatusPaused})
	})
	if err != nil {
		return err
	}
	for _, ne := range held {
		if err := d.unpause(ctx, ne.RuntimeID); err != nil {
			return err
		}
	}
	return nil
}

// interventionHandler resolves the intervention wait of the targeted node
// with action.
func (d *Driver) interventionHandler(action engine.AdviceType) interrupt.HandlerFunc {
	return func(ctx context.Context, in *engine.Interrupt) error {
		ne, err := d.getNode(ctx, in.TargetRuntimeID)
		if err != nil {
			return err
		}
		if ne.Status != engine.StatusInterventionWaiting {
			return notApplicable("node execution %s is %s", ne.RuntimeID, ne.Status)
		}
		return d.resolveIntervention(ctx, ne, action)
	}
}

// armExpiry schedules the expiry of a node with a deadline.
func (d *Driver) armExpiry(ne *engine.NodeExecution) {
	if ne.Deadline == nil || ne.Status == engine.StatusInterventionWaiting {
		return
	}
	runtimeID := ne.RuntimeID
	d.armTimer(timerKey(runtimeID, "expire"), *ne.Deadline, func() {
		d.spawn(runtimeID, func(ctx context.Context) {
			d.run(ctx, runtimeID, "expire", d.expire)
		})
	})
}

// expire completes a node past its deadline as EXPIRED. Its tasks and
// children are cancelled; a late step response is dropped.
func (d *Driver) expire(ctx context.Context, runtimeID string) error {
	ne, err := d.getNode(ctx, runtimeID)
	if err != nil {
		return err
	}
	if ne.Deadline == nil || ne.Status == engine.StatusInterventionWaiting {
		return nil
	}
	if time.Now().Before(*ne.Deadline) {
		d.armExpiry(ne)
		return nil
	}

	code := engine.ErrCodeTimeout
	if len(ne.TaskIDs()) > 0 {
		code = engine.ErrCodeTaskTimeout
	}
	resp := &engine.StepResponse{
		Status: engine.StatusExpired,
		Failure: &engine.FailureInfo{
			Message:      fmt.Sprintf("node execution expired at %s", ne.Deadline.Format(time.RFC3339)),
			Code:         code,
			FailureTypes: []string{FailureTimeout},
		},
	}

	expired, applied, err := d.update(ctx, runtimeID, engine.CompletableStatuses, func(n *engine.NodeExecution) {
		n.Status = engine.StatusAdvising
		n.Response = resp
		n.NotBefore = nil
	})
	if err != nil || !applied {
		return err
	}
	d.nodeLogger(expired).Warn().Str("code", code).Msg("Node expired")

	d.stopTimer(timerKey(runtimeID, "wait"))
	d.interruptInflight(runtimeID)
	d.cancelTasks(ctx, expired)
	if err := d.abortDescendants(ctx, runtimeID); err != nil {
		return err
	}
	return d.advise(ctx, runtimeID)
}
