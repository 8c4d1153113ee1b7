package driver

import (
	"context"
	"time"

	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/step"
	"github.com/openfroyo/orchestra/pkg/telemetry"
)

// branchStatus walks a sequence from its head along NextRuntimeID. The
// sequence has ended when every node on it is terminal; its status is then
// the worst status of the nodes not superseded by a retry. A failure
// followed by a recovery or rollback node stays a failure; only IGNORE or a
// successful retry resolves it.
func (d *Driver) branchStatus(ctx context.Context, headID string) (engine.Status, bool, error) {
	status := engine.StatusSucceeded
	seen := make(map[string]struct{})
	for id := headID; id != ""; {
		if _, ok := seen[id]; ok {
			break
		}
		seen[id] = struct{}{}

		ne, err := d.getNode(ctx, id)
		if err != nil {
			return "", false, err
		}
		if !ne.Status.IsTerminal() {
			return "", false, nil
		}
		if !ne.Retried {
			status = engine.Worst(status, ne.Status)
		}
		id = ne.NextRuntimeID
	}
	return status, true, nil
}

// branchEnded is called when ne reached a terminal status without a
// successor. The parent is woken, or the plan execution finalized for the
// root sequence.
func (d *Driver) branchEnded(ctx context.Context, ne *engine.NodeExecution) error {
	if ne.NextRuntimeID != "" {
		return nil
	}
	if ne.ParentRuntimeID != "" {
		parentID := ne.ParentRuntimeID
		d.spawn(parentID, func(ctx context.Context) {
			d.run(ctx, parentID, "check children", d.checkChildren)
		})
		return nil
	}
	return d.finalizePlan(ctx, ne.PlanExecutionID)
}

// checkChildren resumes a CHILDREN_WAITING node once all of its branches
// ended. Exactly one caller wins the move back to RUNNING.
func (d *Driver) checkChildren(ctx context.Context, runtimeID string) error {
	ne, err := d.getNode(ctx, runtimeID)
	if err != nil {
		return err
	}
	if ne.Status != engine.StatusChildrenWaiting {
		return nil
	}

	results := make([]engine.ChildResult, 0, len(ne.Children))
	for _, branchID := range ne.Children {
		status, ended, err := d.branchStatus(ctx, branchID)
		if err != nil || !ended {
			return err
		}
		head, err := d.getNode(ctx, branchID)
		if err != nil {
			return err
		}
		results = append(results, engine.ChildResult{BranchID: branchID, SetupID: head.SetupID, Status: status})
	}

	ne, applied, err := d.update(ctx, runtimeID, []engine.Status{engine.StatusChildrenWaiting}, func(n *engine.NodeExecution) {
		n.Status = engine.StatusRunning
	})
	if err != nil || !applied {
		return err
	}
	return d.handleChildren(ctx, ne, results)
}

func (d *Driver) handleChildren(ctx context.Context, ne *engine.NodeExecution, results []engine.ChildResult) error {
	entry, node, st, err := d.resolveNode(ctx, ne)
	if err != nil {
		return d.fail(ctx, ne.RuntimeID, err, FailureApplication, running...)
	}
	exe, ok := st.(step.ChildrenExecutable)
	if !ok {
		return d.fail(ctx, ne.RuntimeID, unsupported(ne, node), FailureApplication, running...)
	}
	sc, err := d.stepContext(ctx, ne, entry, node)
	if err != nil {
		return d.fail(ctx, ne.RuntimeID, err, FailureResolution, running...)
	}
	resp, err := exe.HandleChildrenResponse(ctx, sc, results)
	if err != nil {
		resp = failedResponse(err, FailureApplication)
	}
	return d.complete(ctx, ne.RuntimeID, resp, running...)
}

// finalizePlan ends a plan execution once its root sequence ended.
func (d *Driver) finalizePlan(ctx context.Context, planExecutionID string) error {
	pe, err := d.getPlanExecution(ctx, planExecutionID)
	if err != nil {
		return err
	}
	if pe.Status.IsTerminal() {
		d.notifyDone(planExecutionID)
		return nil
	}
	status, ended, err := d.branchStatus(ctx, pe.StartingRuntimeID)
	if err != nil || !ended {
		return err
	}

	to := engine.PlanStatusFor(status)
	applied, err := d.updatePlan(ctx, planExecutionID, to, engine.LivePlanStatuses...)
	if err != nil || !applied {
		return err
	}
	d.planEnded(pe, to)
	return nil
}

func (d *Driver) planEnded(pe *engine.PlanExecution, status engine.PlanStatus) {
	duration := time.Since(pe.StartedAt)
	ev := d.logger.Info()
	if status != engine.PlanStatusSucceeded {
		ev = d.logger.Warn()
	}
	ev.Str("plan_execution_id", pe.ID).
		Str("plan_id", pe.PlanID).
		Str("status", string(status)).
		Dur("duration", duration).
		Msg("Plan execution finished")

	d.metrics().RecordPlanCompleted(string(status), duration)
	d.publish(func(ep *telemetry.EventPublisher) error {
		return ep.PublishPlanCompleted(pe.ID, string(status), duration)
	})
	d.notifyDone(pe.ID)
}
