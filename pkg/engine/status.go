package engine

import (
	"encoding/json"
	"fmt"
)

// Status is the lifecycle status of a NodeExecution.
type Status string

const (
	// StatusQueued indicates the node execution is persisted but not yet started.
	StatusQueued Status = "QUEUED"

	// StatusWaiting indicates the node is waiting out a facilitator initial wait.
	StatusWaiting Status = "WAITING"

	// StatusRunning indicates the node has been claimed and is being facilitated or executed.
	StatusRunning Status = "RUNNING"

	// StatusAsyncWaiting indicates the node dispatched tasks and waits for their callbacks.
	StatusAsyncWaiting Status = "ASYNC_WAITING"

	// StatusChildrenWaiting indicates the node waits for all child branches to end.
	StatusChildrenWaiting Status = "CHILDREN_WAITING"

	// StatusTaskWaiting indicates the node waits for the current link of a task chain.
	StatusTaskWaiting Status = "TASK_WAITING"

	// StatusInterventionWaiting indicates the node waits for a manual interrupt.
	StatusInterventionWaiting Status = "INTERVENTION_WAITING"

	// StatusPaused indicates the node was held at start because the plan execution is paused.
	StatusPaused Status = "PAUSED"

	// StatusAdvising indicates the node completed and advisers are being consulted.
	StatusAdvising Status = "ADVISING"

	// StatusSucceeded indicates the node completed successfully.
	StatusSucceeded Status = "SUCCEEDED"

	// StatusFailed indicates the node failed.
	StatusFailed Status = "FAILED"

	// StatusIgnoreFailed indicates the node failed and the failure was ignored.
	StatusIgnoreFailed Status = "IGNORE_FAILED"

	// StatusAborted indicates the node was aborted by an interrupt.
	StatusAborted Status = "ABORTED"

	// StatusExpired indicates the node exceeded its timeout.
	StatusExpired Status = "EXPIRED"
)

// IsTerminal returns true if the status is final.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusIgnoreFailed, StatusAborted, StatusExpired:
		return true
	default:
		return false
	}
}

// IsPositive returns true for terminal statuses that let a sequence continue.
func (s Status) IsPositive() bool {
	return s == StatusSucceeded || s == StatusIgnoreFailed
}

// IsBroken returns true for statuses that count as failures.
func (s Status) IsBroken() bool {
	return s == StatusFailed || s == StatusExpired || s == StatusAborted
}

// Validate checks if the status is valid.
func (s Status) Validate() error {
	switch s {
	case StatusQueued, StatusWaiting, StatusRunning, StatusAsyncWaiting, StatusChildrenWaiting,
		StatusTaskWaiting, StatusInterventionWaiting, StatusPaused, StatusAdvising,
		StatusSucceeded, StatusFailed, StatusIgnoreFailed, StatusAborted, StatusExpired:
		return nil
	default:
		return fmt.Errorf("invalid node status: %s", s)
	}
}

// Severity ranks terminal statuses for "worst unresolved failure" aggregation.
func (s Status) Severity() int {
	switch s {
	case StatusAborted:
		return 4
	case StatusExpired:
		return 3
	case StatusFailed:
		return 2
	case StatusIgnoreFailed, StatusSucceeded:
		return 0
	default:
		return 1
	}
}

// Worst returns the more severe of two statuses.
func Worst(a, b Status) Status {
	if b.Severity() > a.Severity() {
		return b
	}
	return a
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = Status(str)
	return s.Validate()
}

// Node status groups used as allowed-from sets for compare-and-set updates.
var (
	// AbortableStatuses are the statuses from which an abort may win.
	AbortableStatuses = []Status{
		StatusQueued, StatusWaiting, StatusRunning, StatusAsyncWaiting, StatusChildrenWaiting,
		StatusTaskWaiting, StatusInterventionWaiting, StatusPaused,
	}

	// CompletableStatuses are the statuses from which a step response may be accepted.
	CompletableStatuses = []Status{
		StatusRunning, StatusAsyncWaiting, StatusChildrenWaiting, StatusTaskWaiting, StatusWaiting,
	}

	// LiveStatuses are all non-terminal statuses.
	LiveStatuses = []Status{
		StatusQueued, StatusWaiting, StatusRunning, StatusAsyncWaiting, StatusChildrenWaiting,
		StatusTaskWaiting, StatusInterventionWaiting, StatusPaused, StatusAdvising,
	}
)

// PlanStatus is the lifecycle status of a PlanExecution.
type PlanStatus string

const (
	// PlanStatusRunning indicates the plan execution is being driven.
	PlanStatusRunning PlanStatus = "RUNNING"

	// PlanStatusPaused indicates new node dispatch is suspended.
	PlanStatusPaused PlanStatus = "PAUSED"

	// PlanStatusInterventionWaiting indicates at least one node waits for a manual interrupt.
	PlanStatusInterventionWaiting PlanStatus = "INTERVENTION_WAITING"

	// PlanStatusSucceeded indicates the plan execution completed successfully.
	PlanStatusSucceeded PlanStatus = "SUCCEEDED"

	// PlanStatusFailed indicates the plan execution failed.
	PlanStatusFailed PlanStatus = "FAILED"

	// PlanStatusAborted indicates the plan execution was aborted.
	PlanStatusAborted PlanStatus = "ABORTED"

	// PlanStatusExpired indicates the plan execution ended on an expired node.
	PlanStatusExpired PlanStatus = "EXPIRED"
)

// IsTerminal returns true if the plan status is final.
func (s PlanStatus) IsTerminal() bool {
	return s == PlanStatusSucceeded || s == PlanStatusFailed ||
		s == PlanStatusAborted || s == PlanStatusExpired
}

// Validate checks if the plan status is valid.
func (s PlanStatus) Validate() error {
	switch s {
	case PlanStatusRunning, PlanStatusPaused, PlanStatusInterventionWaiting,
		PlanStatusSucceeded, PlanStatusFailed, PlanStatusAborted, PlanStatusExpired:
		return nil
	default:
		return fmt.Errorf("invalid plan status: %s", s)
	}
}

// LivePlanStatuses are all non-terminal plan statuses.
var LivePlanStatuses = []PlanStatus{PlanStatusRunning, PlanStatusPaused, PlanStatusInterventionWaiting}

// PlanStatusFor maps the terminal status of the root branch to a plan status.
func PlanStatusFor(s Status) PlanStatus {
	switch s {
	case StatusSucceeded, StatusIgnoreFailed:
		return PlanStatusSucceeded
	case StatusAborted:
		return PlanStatusAborted
	case StatusExpired:
		return PlanStatusExpired
	default:
		return PlanStatusFailed
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s PlanStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *PlanStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = PlanStatus(str)
	return s.Validate()
}

// ExecutionMode is the facilitation mode chosen for a node.
type ExecutionMode string

const (
	// ModeSync executes the step inline.
	ModeSync ExecutionMode = "SYNC"

	// ModeAsync dispatches tasks to the task runner and suspends.
	ModeAsync ExecutionMode = "ASYNC"

	// ModeChildren spawns child branches that run concurrently.
	ModeChildren ExecutionMode = "CHILDREN"

	// ModeTaskChain issues a sequence of tasks, one at a time.
	ModeTaskChain ExecutionMode = "TASK_CHAIN"
)

// Validate checks if the execution mode is valid.
func (m ExecutionMode) Validate() error {
	switch m {
	case ModeSync, ModeAsync, ModeChildren, ModeTaskChain:
		return nil
	default:
		return fmt.Errorf("invalid execution mode: %s", m)
	}
}

// InterruptType identifies an out-of-band control signal.
type InterruptType string

const (
	// InterruptAbort aborts a node execution, or the whole plan execution when untargeted.
	InterruptAbort InterruptType = "ABORT"

	// InterruptPauseAll suspends dispatch of new node executions.
	InterruptPauseAll InterruptType = "PAUSE_ALL"

	// InterruptResumeAll resumes dispatch after a pause.
	InterruptResumeAll InterruptType = "RESUME_ALL"

	// InterruptRetry retries a node waiting for intervention.
	InterruptRetry InterruptType = "RETRY"

	// InterruptIgnore ignores the failure of a node waiting for intervention.
	InterruptIgnore InterruptType = "IGNORE"

	// InterruptMarkFailed ends a node waiting for intervention as failed.
	InterruptMarkFailed InterruptType = "MARK_FAILED"

	// InterruptMarkSuccess ends a node waiting for intervention as succeeded.
	InterruptMarkSuccess InterruptType = "MARK_SUCCESS"
)

// RequiresTarget returns true if the interrupt type must name a node execution.
func (t InterruptType) RequiresTarget() bool {
	switch t {
	case InterruptRetry, InterruptIgnore, InterruptMarkFailed, InterruptMarkSuccess:
		return true
	default:
		return false
	}
}

// Validate checks if the interrupt type is valid.
func (t InterruptType) Validate() error {
	switch t {
	case InterruptAbort, InterruptPauseAll, InterruptResumeAll, InterruptRetry,
		InterruptIgnore, InterruptMarkFailed, InterruptMarkSuccess:
		return nil
	default:
		return fmt.Errorf("invalid interrupt type: %s", t)
	}
}

// InterruptState is the processing state of an Interrupt.
type InterruptState string

const (
	// InterruptRegistered indicates the interrupt is persisted and awaiting processing.
	InterruptRegistered InterruptState = "REGISTERED"

	// InterruptProcessing indicates a driver claimed the interrupt.
	InterruptProcessing InterruptState = "PROCESSING"

	// InterruptProcessedSuccessfully indicates the interrupt was applied.
	InterruptProcessedSuccessfully InterruptState = "PROCESSED_SUCCESSFULLY"

	// InterruptProcessedUnsuccessfully indicates the interrupt could not be applied.
	InterruptProcessedUnsuccessfully InterruptState = "PROCESSED_UNSUCCESSFULLY"
)

// IsFinal returns true once the interrupt has been processed.
func (s InterruptState) IsFinal() bool {
	return s == InterruptProcessedSuccessfully || s == InterruptProcessedUnsuccessfully
}

// OutputKind distinguishes business outcomes from internal working data.
type OutputKind string

const (
	// KindOutcome is a business result that is part of the execution summary.
	KindOutcome OutputKind = "OUTCOME"

	// KindSweepingOutput is internal working data, not summarized.
	KindSweepingOutput OutputKind = "SWEEPING_OUTPUT"
)

// Validate checks if the output kind is valid.
func (k OutputKind) Validate() error {
	switch k {
	case KindOutcome, KindSweepingOutput:
		return nil
	default:
		return fmt.Errorf("invalid output kind: %s", k)
	}
}

// TaskStage is the lifecycle stage reported by a task runner.
type TaskStage string

const (
	// TaskStageQueued indicates the task is accepted but not running.
	TaskStageQueued TaskStage = "QUEUED"

	// TaskStageRunning indicates the task is running.
	TaskStageRunning TaskStage = "RUNNING"

	// TaskStageSucceeded indicates the task finished successfully.
	TaskStageSucceeded TaskStage = "SUCCEEDED"

	// TaskStageFailed indicates the task failed.
	TaskStageFailed TaskStage = "FAILED"

	// TaskStageCancelled indicates the task was cancelled.
	TaskStageCancelled TaskStage = "CANCELLED"

	// TaskStageUnknown indicates the runner has no record of the task.
	TaskStageUnknown TaskStage = "UNKNOWN"
)

// IsFinal returns true if the stage will not change anymore.
func (s TaskStage) IsFinal() bool {
	return s == TaskStageSucceeded || s == TaskStageFailed || s == TaskStageCancelled
}
