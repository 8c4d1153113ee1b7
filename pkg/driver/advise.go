package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/orchestra/pkg/adviser"
	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/interrupt"
	"github.com/openfroyo/orchestra/pkg/telemetry"
)

// adviserInterrupt names advice that came from an interrupt rather than an adviser.
const adviserInterrupt = "INTERRUPT"

var advising = []engine.Status{engine.StatusAdvising}

// complete accepts a step response for a node in one of the from statuses
// and advises the node. Only the first response for a node is accepted; a
// response racing an abort or an expiry is dropped.
func (d *Driver) complete(ctx context.Context, runtimeID string, resp *engine.StepResponse, from ...engine.Status) error {
	_, applied, err := d.update(ctx, runtimeID, from, func(n *engine.NodeExecution) {
		n.Status = engine.StatusAdvising
		n.Response = resp
		n.NotBefore = nil
	})
	if err != nil || !applied {
		return err
	}
	d.stopTimer(timerKey(runtimeID, "expire"))
	return d.advise(ctx, runtimeID)
}

// advise consumes the outputs of an ADVISING node, asks its advisers what
// comes next and applies the advice.
func (d *Driver) advise(ctx context.Context, runtimeID string) error {
	ne, err := d.getNode(ctx, runtimeID)
	if err != nil {
		return err
	}
	if ne.Status != engine.StatusAdvising {
		return nil
	}
	if err := d.processPending(ctx, ne.PlanExecutionID); err != nil {
		d.logger.Warn().Err(err).Str("plan_execution_id", ne.PlanExecutionID).Msg("Failed to process pending interrupts")
	}

	resp := ne.Response
	if resp == nil {
		resp = failedResponse(errors.New("node completed without a response"), FailureApplication)
	} else {
		c := *resp
		resp = &c
	}
	if !resp.Status.IsTerminal() {
		resp = failedResponse(fmt.Errorf("step reported non-terminal status %s", resp.Status), FailureApplication)
	}

	if len(resp.Outputs) > 0 && len(resp.OutputIDs) == 0 {
		ids, err := d.consumeOutputs(ctx, ne, resp.Outputs)
		switch {
		case err == nil:
			resp.OutputIDs = ids
		case engine.IsRetryable(err):
			return err
		default:
			d.nodeLogger(ne).Warn().Err(err).Msg("Failed to consume outputs")
			if resp.Status.IsPositive() {
				failed := failedResponse(err, FailureApplication)
				failed.Outputs = resp.Outputs
				failed.ResponseCode = resp.ResponseCode
				resp = failed
			}
		}
		ne, _, err = d.update(ctx, runtimeID, advising, func(n *engine.NodeExecution) {
			n.Response = resp
		})
		if err != nil {
			return err
		}
		if ne.Status != engine.StatusAdvising {
			return nil
		}
	}

	_, node, _, err := d.resolveNode(ctx, ne)
	if node == nil {
		return err
	}

	status := resp.Status
	advice, err := d.advisers.Advise(ctx, &adviser.Input{
		Ambiance:  ne.Ambiance,
		Node:      node,
		Execution: ne,
		Status:    status,
		Response:  resp,
	})
	if err != nil {
		if engine.IsRetryable(err) {
			return err
		}
		d.nodeLogger(ne).Error().Err(err).Msg("Advising failed")
		if !status.IsBroken() {
			status = engine.StatusFailed
		}
		advice = nil
	}
	return d.applyAdvice(ctx, ne, node, status, advice)
}

func (d *Driver) consumeOutputs(ctx context.Context, ne *engine.NodeExecution, outputs []engine.StepOutput) ([]string, error) {
	ids := make([]string, 0, len(outputs))
	for _, out := range outputs {
		id, err := withRetry(ctx, d, "consume output", func() (string, error) {
			return d.outcomes.Consume(ctx, ne.Ambiance, out)
		})
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", out.Name, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// applyAdvice finishes an ADVISING node the way advice says.
func (d *Driver) applyAdvice(ctx context.Context, ne *engine.NodeExecution, node *engine.ExecutionNode, status engine.Status, advice *engine.Advice) error {
	if advice == nil {
		return d.finish(ctx, ne, status, "", false)
	}

	d.metrics().RecordAdvice(advice.Adviser, string(advice.Type))
	d.nodeLogger(ne).Debug().
		Str("status", string(status)).
		Str("adviser", advice.Adviser).
		Str("advice", string(advice.Type)).
		Str("next", advice.NextNodeID).
		Msg("Applying advice")

	switch advice.Type {
	case engine.AdviceEnd:
		return d.finish(ctx, ne, status, "", false)

	case engine.AdviceMarkFailed:
		if !status.IsBroken() {
			status = engine.StatusFailed
		}
		return d.finish(ctx, ne, status, "", false)

	case engine.AdviceMarkSuccess:
		return d.reAdvise(ctx, ne, node, engine.StatusSucceeded)

	case engine.AdviceNext, engine.AdviceRollback:
		next, err := d.queueSuccessor(ctx, ne, advice)
		if err != nil {
			return d.adviceFailed(ctx, ne, err)
		}
		return d.finish(ctx, ne, status, next, false)

	case engine.AdviceIgnore:
		if status.IsBroken() {
			status = engine.StatusIgnoreFailed
		}
		next := ""
		if advice.NextNodeID != "" {
			var err error
			if next, err = d.queueSuccessor(ctx, ne, advice); err != nil {
				return d.adviceFailed(ctx, ne, err)
			}
		}
		return d.finish(ctx, ne, status, next, false)

	case engine.AdviceRetry:
		retry, err := d.queueRetry(ctx, ne, node, advice)
		if err != nil {
			return d.adviceFailed(ctx, ne, err)
		}
		return d.finish(ctx, ne, status, retry, true)

	case engine.AdviceIntervention:
		return d.awaitIntervention(ctx, ne, advice)

	default:
		return d.adviceFailed(ctx, ne, fmt.Errorf("unknown advice type %q", advice.Type))
	}
}

// reAdvise advises a node again as if it had finished with status. A second
// MARK_SUCCESS ends the node instead of looping.
func (d *Driver) reAdvise(ctx context.Context, ne *engine.NodeExecution, node *engine.ExecutionNode, status engine.Status) error {
	advice, err := d.advisers.Advise(ctx, &adviser.Input{
		Ambiance:  ne.Ambiance,
		Node:      node,
		Execution: ne,
		Status:    status,
		Response:  ne.Response,
	})
	if err != nil {
		if engine.IsRetryable(err) {
			return err
		}
		d.nodeLogger(ne).Error().Err(err).Msg("Advising failed")
		advice = nil
	}
	if advice != nil && advice.Type == engine.AdviceMarkSuccess {
		advice = &engine.Advice{Type: engine.AdviceEnd, Adviser: advice.Adviser}
	}
	return d.applyAdvice(ctx, ne, node, status, advice)
}

// adviceFailed ends a node whose advice could not be applied.
func (d *Driver) adviceFailed(ctx context.Context, ne *engine.NodeExecution, err error) error {
	if engine.IsRetryable(err) {
		return err
	}
	d.nodeLogger(ne).Error().Err(err).Msg("Failed to apply advice")
	return d.finish(ctx, ne, engine.StatusFailed, "", false)
}

func notBefore(delay time.Duration) *time.Time {
	if delay <= 0 {
		return nil
	}
	t := time.Now().UTC().Add(delay)
	return &t
}

// queueSuccessor creates the QUEUED successor named by advice in the same
// sequence as ne. The id depends on the successor's setup id, so advising
// again after a crash never creates a second successor.
func (d *Driver) queueSuccessor(ctx context.Context, ne *engine.NodeExecution, advice *engine.Advice) (string, error) {
	entry, err := d.planEntry(ctx, ne.PlanExecutionID)
	if err != nil {
		return "", err
	}
	next, err := entry.node(advice.NextNodeID)
	if err != nil {
		return "", err
	}

	id := deriveID(ne.RuntimeID, "next", next.SetupID)
	_, err = d.createNode(ctx, &engine.NodeExecution{
		RuntimeID:         id,
		PlanExecutionID:   ne.PlanExecutionID,
		SetupID:           next.SetupID,
		Name:              next.Name,
		StepType:          next.StateType,
		Ambiance:          ne.Ambiance.CloneForFinish().CloneForChild(levelFor(next, id, 0)),
		Status:            engine.StatusQueued,
		ParentRuntimeID:   ne.ParentRuntimeID,
		PreviousRuntimeID: ne.RuntimeID,
		BranchID:          ne.BranchID,
		Rollback:          advice.Type == engine.AdviceRollback,
		NotBefore:         notBefore(advice.Delay),
	})
	return id, err
}

// queueRetry creates the next attempt of ne. The attempt takes ne's place
// in its sequence and its ambiance carries the increased retry index.
func (d *Driver) queueRetry(ctx context.Context, ne *engine.NodeExecution, node *engine.ExecutionNode, advice *engine.Advice) (string, error) {
	retryIndex := 1
	if level, ok := ne.Ambiance.CurrentLevel(); ok {
		retryIndex = level.RetryIndex + 1
	}

	id := deriveID(ne.RuntimeID, "retry")
	_, err := d.createNode(ctx, &engine.NodeExecution{
		RuntimeID:         id,
		PlanExecutionID:   ne.PlanExecutionID,
		SetupID:           ne.SetupID,
		Name:              ne.Name,
		StepType:          ne.StepType,
		Ambiance:          ne.Ambiance.CloneForFinish().CloneForChild(levelFor(node, id, retryIndex)),
		Status:            engine.StatusQueued,
		ParentRuntimeID:   ne.ParentRuntimeID,
		PreviousRuntimeID: ne.PreviousRuntimeID,
		BranchID:          ne.BranchID,
		RetryCount:        ne.RetryCount + 1,
		RetryOf:           ne.RuntimeID,
		Rollback:          ne.Rollback,
		NotBefore:         notBefore(advice.Delay),
	})
	return id, err
}

// finish moves an ADVISING node to its terminal status. The successor, if
// any, is dispatched; otherwise the node ended its sequence.
func (d *Driver) finish(ctx context.Context, ne *engine.NodeExecution, status engine.Status, next string, retried bool) error {
	ended, applied, err := d.update(ctx, ne.RuntimeID, advising, func(n *engine.NodeExecution) {
		n.Status = status
		n.NextRuntimeID = next
		n.Retried = retried
		n.Intervention = nil
		n.Deadline = nil
	})
	if err != nil || !applied {
		return err
	}
	d.nodeEnded(ended)

	if next != "" {
		d.dispatch(next)
		return nil
	}
	return d.branchEnded(ctx, ended)
}

// nodeEnded stops the timers of a node that reached a terminal status and
// reports it.
func (d *Driver) nodeEnded(ne *engine.NodeExecution) {
	d.stopTimers(ne.RuntimeID)

	var duration time.Duration
	if ne.StartedAt != nil && ne.EndedAt != nil {
		duration = ne.EndedAt.Sub(*ne.StartedAt)
	}
	d.metrics().RecordNodeCompleted(ne.StepType, string(ne.Status), duration)
	d.publish(func(ep *telemetry.EventPublisher) error {
		return ep.PublishNodeCompleted(ne.PlanExecutionID, ne.RuntimeID, ne.SetupID, string(ne.Status), duration)
	})

	ev := d.nodeLogger(ne).Info()
	if ne.Status.IsBroken() {
		ev = d.nodeLogger(ne).Warn()
	}
	ev.Str("status", string(ne.Status)).
		Str("next", ne.NextRuntimeID).
		Dur("duration", duration).
		Msg("Node finished")
}

// awaitIntervention suspends an ADVISING node until an interrupt or the
// intervention timeout decides how it ends.
func (d *Driver) awaitIntervention(ctx context.Context, ne *engine.NodeExecution, advice *engine.Advice) error {
	var deadline *time.Time
	if advice.Timeout > 0 {
		t := time.Now().UTC().Add(advice.Timeout)
		deadline = &t
	}
	waiting, applied, err := d.update(ctx, ne.RuntimeID, advising, func(n *engine.NodeExecution) {
		n.Status = engine.StatusInterventionWaiting
		adv := *advice
		n.Intervention = &adv
		n.Deadline = deadline
	})
	if err != nil || !applied {
		return err
	}
	if _, err := d.updatePlan(ctx, ne.PlanExecutionID, engine.PlanStatusInterventionWaiting, engine.PlanStatusRunning); err != nil {
		return err
	}

	d.nodeLogger(ne).Warn().Dur("timeout", advice.Timeout).Msg("Node waiting for intervention")
	d.armIntervention(waiting)
	return nil
}

func (d *Driver) armIntervention(ne *engine.NodeExecution) {
	if ne.Deadline == nil {
		return
	}
	runtimeID := ne.RuntimeID
	d.armTimer(timerKey(runtimeID, "intervention"), *ne.Deadline, func() {
		d.spawn(runtimeID, func(ctx context.Context) {
			d.run(ctx, runtimeID, "intervention timeout", d.interventionTimeout)
		})
	})
}

func (d *Driver) interventionTimeout(ctx context.Context, runtimeID string) error {
	ne, err := d.getNode(ctx, runtimeID)
	if err != nil {
		return err
	}
	if ne.Status != engine.StatusInterventionWaiting {
		return nil
	}
	action := engine.AdviceMarkFailed
	if ne.Intervention != nil && ne.Intervention.TimeoutAction != "" {
		action = ne.Intervention.TimeoutAction
	}
	d.nodeLogger(ne).Warn().Str("action", string(action)).Msg("Intervention timed out")

	err = d.resolveIntervention(ctx, ne, action)
	if errors.Is(err, interrupt.ErrNotApplicable) {
		return nil
	}
	return err
}

// resolveIntervention ends the intervention wait of a node with action.
func (d *Driver) resolveIntervention(ctx context.Context, ne *engine.NodeExecution, action engine.AdviceType) error {
	resumed, applied, err := d.update(ctx, ne.RuntimeID, []engine.Status{engine.StatusInterventionWaiting}, func(n *engine.NodeExecution) {
		n.Status = engine.StatusAdvising
		n.Intervention = nil
		n.Deadline = nil
	})
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("%w: node execution %s is %s", interrupt.ErrNotApplicable, ne.RuntimeID, resumed.Status)
	}
	d.stopTimer(timerKey(ne.RuntimeID, "intervention"))
	if err := d.restorePlanStatus(ctx, ne.PlanExecutionID); err != nil {
		return err
	}

	_, node, _, err := d.resolveNode(ctx, resumed)
	if node == nil {
		return err
	}
	status := engine.StatusFailed
	if resumed.Response != nil {
		status = resumed.Response.Status
	}

	switch action {
	case engine.AdviceRetry:
		return d.applyAdvice(ctx, resumed, node, status, &engine.Advice{Type: engine.AdviceRetry, Adviser: adviserInterrupt})
	case engine.AdviceIgnore:
		if status.IsBroken() {
			status = engine.StatusIgnoreFailed
		}
		return d.reAdvise(ctx, resumed, node, status)
	case engine.AdviceMarkSuccess:
		return d.reAdvise(ctx, resumed, node, engine.StatusSucceeded)
	case engine.AdviceMarkFailed:
		if !status.IsBroken() {
			status = engine.StatusFailed
		}
		return d.finish(ctx, resumed, status, "", false)
	default:
		return d.finish(ctx, resumed, status, "", false)
	}
}

// restorePlanStatus moves a plan execution out of INTERVENTION_WAITING once
// no node waits for intervention anymore.
func (d *Driver) restorePlanStatus(ctx context.Context, planExecutionID string) error {
	waiting, err := withRetry(ctx, d, "list node executions", func() ([]*engine.NodeExecution, error) {
		return d.store.ListNodeExecutions(ctx, planExecutionID, []engine.Status{engine.StatusInterventionWaiting})
	})
	if err != nil {
		return err
	}
	if len(waiting) > 0 {
		return nil
	}
	_, err = d.updatePlan(ctx, planExecutionID, engine.PlanStatusRunning, engine.PlanStatusInterventionWaiting)
	return err
}
