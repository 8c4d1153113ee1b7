package engine

import (
	"context"
)

// NodeMutation edits a node execution copy inside a compare-and-set update.
type NodeMutation func(n *NodeExecution)

// Store persists plans, plan executions, node executions, output instances,
// task results and interrupts. Every status update is a compare-and-set
// against an allowed-from set; implementations must make it atomic.
type Store interface {
	// SavePlan stores a plan. Saving the same plan id twice is a no-op.
	SavePlan(ctx context.Context, plan *Plan) error

	// GetPlan retrieves a plan by id.
	GetPlan(ctx context.Context, planID string) (*Plan, error)

	// CreatePlanExecution inserts a new plan execution.
	CreatePlanExecution(ctx context.Context, pe *PlanExecution) error

	// GetPlanExecution retrieves a plan execution by id.
	GetPlanExecution(ctx context.Context, id string) (*PlanExecution, error)

	// UpdatePlanExecutionStatus sets the status if the current status is in from.
	// It reports whether the update was applied.
	UpdatePlanExecutionStatus(ctx context.Context, id string, to PlanStatus, from []PlanStatus) (bool, error)

	// ListPlanExecutions lists plan executions with one of the given statuses,
	// or all of them when statuses is empty.
	ListPlanExecutions(ctx context.Context, statuses []PlanStatus) ([]*PlanExecution, error)

	// CreateNodeExecution inserts a node execution unless one with the same
	// runtime id exists. It reports whether a row was inserted.
	CreateNodeExecution(ctx context.Context, ne *NodeExecution) (bool, error)

	// GetNodeExecution retrieves a node execution by runtime id.
	GetNodeExecution(ctx context.Context, runtimeID string) (*NodeExecution, error)

	// UpdateNodeExecution applies mutate to the node execution if its current
	// status is in from. It returns the stored result and whether it was applied.
	UpdateNodeExecution(ctx context.Context, runtimeID string, from []Status, mutate NodeMutation) (*NodeExecution, bool, error)

	// ListNodeExecutions lists node executions of a plan execution in creation
	// order, filtered by status when statuses is not empty.
	ListNodeExecutions(ctx context.Context, planExecutionID string, statuses []Status) ([]*NodeExecution, error)

	// ListChildNodeExecutions lists node executions whose parent is parentRuntimeID.
	ListChildNodeExecutions(ctx context.Context, parentRuntimeID string) ([]*NodeExecution, error)

	// RecordTaskResult stores a task result unless one is already recorded for
	// (runtimeID, result.TaskID). It reports whether the result was new.
	RecordTaskResult(ctx context.Context, runtimeID string, result *TaskResult) (bool, error)

	// ListTaskResults returns recorded task results keyed by task id.
	ListTaskResults(ctx context.Context, runtimeID string) (map[string]*TaskResult, error)

	// InsertOutput stores an output instance. The first producer setup id to
	// write (plan execution, scope key, kind, name) owns it; another setup id
	// or the same runtime id writing it again is an ALREADY_EXISTS conflict.
	InsertOutput(ctx context.Context, out *OutputInstance) error

	// FindOutput returns the newest instance written under an exact scope key.
	FindOutput(ctx context.Context, planExecutionID string, kind OutputKind, name, scopeKey string) (*OutputInstance, error)

	// FindLatestOutputByProducer returns the most recent instance written by producerSetupID.
	FindLatestOutputByProducer(ctx context.Context, planExecutionID string, kind OutputKind, name, producerSetupID string) (*OutputInstance, error)

	// ListOutputsByRuntimeID lists instances written by one node execution.
	ListOutputsByRuntimeID(ctx context.Context, runtimeID string) ([]*OutputInstance, error)

	// GetOutput retrieves an instance by id.
	GetOutput(ctx context.Context, id string) (*OutputInstance, error)

	// CreateInterrupt inserts an interrupt.
	CreateInterrupt(ctx context.Context, in *Interrupt) error

	// GetInterrupt retrieves an interrupt by id.
	GetInterrupt(ctx context.Context, id string) (*Interrupt, error)

	// UpdateInterruptState sets the state if the current state is in from.
	UpdateInterruptState(ctx context.Context, id string, to InterruptState, from []InterruptState, errMsg string) (bool, error)

	// ListInterrupts lists interrupts of a plan execution in registration order,
	// filtered by state when states is not empty.
	ListInterrupts(ctx context.Context, planExecutionID string, states []InterruptState) ([]*Interrupt, error)

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}

// TaskRunner dispatches delegate tasks. Results come back through a TaskCallback.
type TaskRunner interface {
	// Submit dispatches a task and returns the runner's task id.
	Submit(ctx context.Context, req TaskRequest, callbackToken string) (string, error)

	// Cancel cancels a task and returns the stage it was in.
	Cancel(ctx context.Context, taskID string) (TaskStage, error)

	// PollProgress returns the current stage of a task.
	PollProgress(ctx context.Context, taskID string) (TaskStage, error)
}

// TaskCallback receives task results from a task runner.
type TaskCallback interface {
	// NotifyTaskResult delivers the final result of a task submitted with callbackToken.
	NotifyTaskResult(ctx context.Context, callbackToken string, result TaskResult) error
}

// Codec is the serialization strategy for outputs and task payloads.
type Codec interface {
	// Name identifies the codec in stored records.
	Name() string

	// Encode serializes v.
	Encode(v interface{}) ([]byte, error)

	// Decode deserializes data into v.
	Decode(data []byte, v interface{}) error
}

// PayloadStore holds large output payloads outside the primary store.
type PayloadStore interface {
	// Put stores data under key.
	Put(ctx context.Context, key string, data []byte) error

	// Get retrieves the data stored under key.
	Get(ctx context.Context, key string) ([]byte, error)
}
