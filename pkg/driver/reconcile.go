package driver

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/orchestra/pkg/engine"
)

// Reconcile brings a plan execution back in motion from what the store
// holds, e.g. after a restart. Stuck interrupts are released and applied,
// every live node not handled by this process resumes from its status, and
// timers are re-armed. Reconcile is idempotent: calling it on a healthy
// execution changes nothing.
func (d *Driver) Reconcile(ctx context.Context, planExecutionID string) error {
	pending, err := d.interrupts.Pending(ctx, planExecutionID)
	if err != nil {
		return fmt.Errorf("failed to list pending interrupts: %w", err)
	}
	for _, in := range pending {
		if in.State == engine.InterruptProcessing {
			if d.isActive(interruptKey(in.ID)) {
				continue
			}
			if _, err := d.interrupts.Release(ctx, in.ID); err != nil {
				return fmt.Errorf("failed to release interrupt %s: %w", in.ID, err)
			}
			d.logger.Info().Str("interrupt_id", in.ID).Msg("Released stuck interrupt")
		}
		if _, err := d.processInterrupt(ctx, in.ID); err != nil {
			d.logger.Warn().Err(err).Str("interrupt_id", in.ID).Msg("Failed to process interrupt")
		}
	}

	pe, err := d.getPlanExecution(ctx, planExecutionID)
	if err != nil {
		return err
	}
	if _, err := d.planEntry(ctx, planExecutionID); err != nil {
		return err
	}

	nodes, err := withRetry(ctx, d, "list node executions", func() ([]*engine.NodeExecution, error) {
		return d.store.ListNodeExecutions(ctx, planExecutionID, engine.LiveStatuses)
	})
	if err != nil {
		return err
	}

	if pe.Status.IsTerminal() {
		for _, ne := range nodes {
			if d.isActive(ne.RuntimeID) {
				continue
			}
			if ne.Status == engine.StatusAdvising {
				d.resume(ne.RuntimeID)
				continue
			}
			if _, err := d.abortNode(ctx, ne.RuntimeID, "plan execution ended"); err != nil {
				return err
			}
		}
		d.notifyDone(planExecutionID)
		return nil
	}

	if len(nodes) == 0 {
		return d.finalizePlan(ctx, planExecutionID)
	}

	resumed := 0
	for _, ne := range nodes {
		if d.isActive(ne.RuntimeID) {
			continue
		}
		d.resume(ne.RuntimeID)
		resumed++
	}
	d.logger.Debug().
		Str("plan_execution_id", planExecutionID).
		Int("live", len(nodes)).
		Int("resumed", resumed).
		Msg("Plan execution reconciled")
	return nil
}

func (d *Driver) resume(runtimeID string) {
	d.spawn(runtimeID, func(ctx context.Context) {
		d.run(ctx, runtimeID, "recover", d.recoverNode)
	})
}

// recoverNode continues a live node from its stored status.
func (d *Driver) recoverNode(ctx context.Context, runtimeID string) error {
	ne, err := d.getNode(ctx, runtimeID)
	if err != nil {
		return err
	}

	switch ne.Status {
	case engine.StatusQueued:
		return d.startNode(ctx, runtimeID)

	case engine.StatusPaused:
		pe, err := d.getPlanExecution(ctx, ne.PlanExecutionID)
		if err != nil {
			return err
		}
		if pe.Status != engine.PlanStatusPaused {
			return d.unpause(ctx, runtimeID)
		}
		return nil

	case engine.StatusWaiting:
		d.armExpiry(ne)
		d.armWait(ne)
		return nil

	case engine.StatusRunning:
		d.armExpiry(ne)
		return d.recoverRunning(ctx, ne)

	case engine.StatusAsyncWaiting, engine.StatusTaskWaiting:
		d.armExpiry(ne)
		if err := d.pollTasks(ctx, ne); err != nil {
			return err
		}
		return d.checkTasks(ctx, runtimeID)

	case engine.StatusChildrenWaiting:
		d.armExpiry(ne)
		return d.checkChildren(ctx, runtimeID)

	case engine.StatusAdvising:
		return d.advise(ctx, runtimeID)

	case engine.StatusInterventionWaiting:
		d.armIntervention(ne)
		_, err := d.updatePlan(ctx, ne.PlanExecutionID, engine.PlanStatusInterventionWaiting, engine.PlanStatusRunning)
		return err
	}
	return nil
}

// recoverRunning continues a RUNNING node by its facilitated mode. A sync
// step cut off by a restart is failed, since it may have had side effects.
// Sync steps run in the driving process only, so a RUNNING sync node outside
// the active set is taken to be orphaned: one driver owns a store.
func (d *Driver) recoverRunning(ctx context.Context, ne *engine.NodeExecution) error {
	entry, node, st, err := d.resolveNode(ctx, ne)
	if err != nil {
		return d.fail(ctx, ne.RuntimeID, err, FailureApplication, running...)
	}

	switch ne.Mode {
	case "":
		return d.facilitate(ctx, ne, entry, node)
	case engine.ModeSync:
		interrupted := engine.NewPermanentError("sync execution was interrupted", nil).
			WithCode(engine.ErrCodeInterrupted).
			WithResource(ne.RuntimeID)
		return d.complete(ctx, ne.RuntimeID, failedResponse(interrupted, FailureInterrupted), running...)
	case engine.ModeAsync:
		if len(ne.Tasks) == 0 {
			return d.executeAsync(ctx, ne, entry, node, st)
		}
		return d.advanceAsync(ctx, ne)
	case engine.ModeTaskChain:
		return d.advanceChain(ctx, ne)
	case engine.ModeChildren:
		return d.spawnChildren(ctx, ne, entry, node, st)
	default:
		return d.fail(ctx, ne.RuntimeID, unsupported(ne, node), FailureApplication, running...)
	}
}

// pollTasks asks the runner about submitted tasks without a recorded result.
// A task the runner failed, cancelled or forgot gets a synthesized result so
// that the node does not wait forever.
func (d *Driver) pollTasks(ctx context.Context, ne *engine.NodeExecution) error {
	results, err := d.taskResults(ctx, ne.RuntimeID)
	if err != nil {
		return err
	}
	for _, taskID := range ne.TaskIDs() {
		if _, ok := results[taskID]; ok {
			continue
		}
		stage, err := d.runner.PollProgress(ctx, taskID)
		if err != nil {
			d.logger.Warn().Err(err).Str("task_id", taskID).Msg("Failed to poll task")
			continue
		}
		switch stage {
		case engine.TaskStageFailed, engine.TaskStageCancelled, engine.TaskStageUnknown:
		default:
			continue
		}

		result := &engine.TaskResult{
			TaskID:     taskID,
			Stage:      stage,
			Error:      fmt.Sprintf("task ended as %s without delivering a result", stage),
			ReceivedAt: time.Now().UTC(),
		}
		if stage == engine.TaskStageUnknown {
			result.Stage = engine.TaskStageFailed
		}
		recorded, err := withRetry(ctx, d, "record task result", func() (bool, error) {
			return d.store.RecordTaskResult(ctx, ne.RuntimeID, result)
		})
		if err != nil {
			return err
		}
		if recorded {
			d.metrics().RecordTaskResult(string(result.Stage))
			d.nodeLogger(ne).Warn().Str("task_id", taskID).Str("stage", string(stage)).Msg("Task result synthesized")
		}
	}
	return nil
}

// ResumeAll reconciles every live plan execution in the store.
func (d *Driver) ResumeAll(ctx context.Context) error {
	live, err := withRetry(ctx, d, "list plan executions", func() ([]*engine.PlanExecution, error) {
		return d.store.ListPlanExecutions(ctx, engine.LivePlanStatuses)
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.MaxParallel)
	for _, pe := range live {
		id := pe.ID
		g.Go(func() error {
			if err := d.Reconcile(gctx, id); err != nil {
				return fmt.Errorf("plan execution %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// RunReconciler calls ResumeAll every interval until ctx is done. A zero
// interval uses the configured reconcile interval.
func (d *Driver) RunReconciler(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = d.cfg.ReconcileInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.ResumeAll(ctx); err != nil {
				d.logger.Error().Err(err).Msg("Reconcile failed")
			}
		}
	}
}
