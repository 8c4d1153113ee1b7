package engine

import (
	"encoding/json"
	"time"
)

// PlanExecution is one run of a Plan.
type PlanExecution struct {
	// ID is the unique identifier for this plan execution.
	ID string `json:"id"`

	// PlanID is the ID of the plan being executed.
	PlanID string `json:"plan_id"`

	// Status is the current status of the plan execution.
	Status PlanStatus `json:"status"`

	// SetupAbstractions is the key/value context given at start.
	SetupAbstractions map[string]string `json:"setup_abstractions,omitempty"`

	// StartingRuntimeID is the runtime id of the start node execution.
	StartingRuntimeID string `json:"starting_runtime_id"`

	// StartedAt is when the plan execution was created.
	StartedAt time.Time `json:"started_at"`

	// EndedAt is when the plan execution reached a terminal status.
	EndedAt *time.Time `json:"ended_at,omitempty"`

	// UpdatedAt is when the plan execution was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// TaskRef tracks one task dispatched on behalf of a node execution.
type TaskRef struct {
	// Key identifies the task within the node; stable across resubmission.
	Key string `json:"key"`

	// TaskID is the runner's id, empty until submit returned.
	TaskID string `json:"task_id,omitempty"`

	// Request is the payload that was (or will be) submitted.
	Request TaskRequest `json:"request"`
}

// ChainState is the persisted position of a task chain.
type ChainState struct {
	// Link is the zero-based index of the current link.
	Link int `json:"link"`

	// PassThrough is step-owned state carried between links.
	PassThrough []byte `json:"pass_through,omitempty"`

	// ChainEnd is set when the current link is the last one.
	ChainEnd bool `json:"chain_end"`
}

// NodeExecution is one concrete runtime attempt of a plan node.
type NodeExecution struct {
	// RuntimeID is the primary key of the node execution.
	RuntimeID string `json:"runtime_id"`

	// PlanExecutionID is the plan execution this attempt belongs to.
	PlanExecutionID string `json:"plan_execution_id"`

	// SetupID references the ExecutionNode; stable across retries.
	SetupID string `json:"setup_id"`

	// Name is the node name, copied for display.
	Name string `json:"name,omitempty"`

	// StepType is the node's state type, copied for display.
	StepType string `json:"step_type,omitempty"`

	// Ambiance is the snapshot at creation; its last level names this execution.
	Ambiance Ambiance `json:"ambiance"`

	// Status is the current status.
	Status Status `json:"status"`

	// Mode is the facilitation mode, set once facilitation completed.
	Mode ExecutionMode `json:"mode,omitempty"`

	// ParentRuntimeID is the node that spawned this one as a child, if any.
	ParentRuntimeID string `json:"parent_runtime_id,omitempty"`

	// PreviousRuntimeID is the predecessor in the sequence, if any.
	PreviousRuntimeID string `json:"previous_runtime_id,omitempty"`

	// NextRuntimeID is the successor queued by advice, if any.
	NextRuntimeID string `json:"next_runtime_id,omitempty"`

	// BranchID is the runtime id of the head of the sequence this node belongs to.
	BranchID string `json:"branch_id"`

	// RetryCount is the attempt number; zero for the first attempt.
	RetryCount int `json:"retry_count"`

	// RetryOf is the runtime id of the attempt this one retries.
	RetryOf string `json:"retry_of,omitempty"`

	// Retried is set when a later attempt superseded this one.
	Retried bool `json:"retried,omitempty"`

	// Rollback is set when this node was queued by rollback advice.
	Rollback bool `json:"rollback,omitempty"`

	// Children lists the branch ids spawned by a CHILDREN facilitation.
	Children []string `json:"children,omitempty"`

	// Tasks lists tasks dispatched by ASYNC or TASK_CHAIN facilitation.
	Tasks []TaskRef `json:"tasks,omitempty"`

	// Chain is the task chain position for TASK_CHAIN facilitation.
	Chain *ChainState `json:"chain,omitempty"`

	// Response is the step response accepted when the node entered ADVISING.
	Response *StepResponse `json:"response,omitempty"`

	// NotBefore delays the start of a queued node (retry wait) or the
	// execution of a waiting node (initial wait).
	NotBefore *time.Time `json:"not_before,omitempty"`

	// Deadline is when the node expires, or when an intervention times out.
	Deadline *time.Time `json:"deadline,omitempty"`

	// Intervention holds the pending manual-intervention advice, if any.
	Intervention *Advice `json:"intervention,omitempty"`

	// CreatedAt is when the node execution was created.
	CreatedAt time.Time `json:"created_at"`

	// StartedAt is when the node entered RUNNING.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// EndedAt is when the node reached a terminal status.
	EndedAt *time.Time `json:"ended_at,omitempty"`

	// UpdatedAt is when the node execution was last updated.
	UpdatedAt time.Time `json:"updated_at"`

	// Version is incremented by every update and used for optimistic locking.
	Version int64 `json:"version"`
}

// Clone returns a deep-enough copy for mutate-then-compare updates.
func (n *NodeExecution) Clone() *NodeExecution {
	c := *n
	c.Children = append([]string(nil), n.Children...)
	c.Tasks = append([]TaskRef(nil), n.Tasks...)
	if n.Chain != nil {
		chain := *n.Chain
		c.Chain = &chain
	}
	if n.Response != nil {
		resp := *n.Response
		c.Response = &resp
	}
	if n.Intervention != nil {
		adv := *n.Intervention
		c.Intervention = &adv
	}
	return &c
}

// TaskIDs returns the ids of submitted tasks.
func (n *NodeExecution) TaskIDs() []string {
	ids := make([]string, 0, len(n.Tasks))
	for _, t := range n.Tasks {
		if t.TaskID != "" {
			ids = append(ids, t.TaskID)
		}
	}
	return ids
}

// Interrupt is an out-of-band control signal targeted at a plan execution.
type Interrupt struct {
	// ID is the unique identifier for this interrupt.
	ID string `json:"id"`

	// Type is the interrupt type.
	Type InterruptType `json:"type"`

	// PlanExecutionID is the targeted plan execution.
	PlanExecutionID string `json:"plan_execution_id"`

	// TargetRuntimeID is the targeted node execution, empty for plan-wide interrupts.
	TargetRuntimeID string `json:"target_runtime_id,omitempty"`

	// State is the processing state.
	State InterruptState `json:"state"`

	// Reason is a free-form note from the caller.
	Reason string `json:"reason,omitempty"`

	// Error describes why processing was unsuccessful.
	Error string `json:"error,omitempty"`

	// CreatedAt is when the interrupt was registered.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the interrupt state last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// OutputInstance is one immutable write to the outcome/output store.
type OutputInstance struct {
	// ID is the instance id.
	ID string `json:"id"`

	// PlanExecutionID is the plan execution the write belongs to.
	PlanExecutionID string `json:"plan_execution_id"`

	// Name is the lookup name.
	Name string `json:"name"`

	// Kind distinguishes outcomes from sweeping outputs.
	Kind OutputKind `json:"kind"`

	// ProducerSetupID is the setup id of the writing node.
	ProducerSetupID string `json:"producer_setup_id"`

	// ProducerRuntimeID is the runtime id of the writing node.
	ProducerRuntimeID string `json:"producer_runtime_id"`

	// ScopeKey identifies the ambiance prefix the write is visible under.
	ScopeKey string `json:"scope_key"`

	// Group is the named group the write was scoped to, if any.
	Group string `json:"group,omitempty"`

	// Codec names the serialization used for Value.
	Codec string `json:"codec"`

	// Value is the encoded payload; empty when offloaded to BlobKey.
	Value []byte `json:"value,omitempty"`

	// BlobKey references an offloaded payload in the payload store.
	BlobKey string `json:"blob_key,omitempty"`

	// CreatedAt is when the instance was written.
	CreatedAt time.Time `json:"created_at"`
}

// FailureInfo describes why a node failed.
type FailureInfo struct {
	// Message is the human-readable failure message.
	Message string `json:"message"`

	// Code is a programmatic failure code.
	Code string `json:"code,omitempty"`

	// FailureTypes classifies the failure (e.g. TIMEOUT, APPLICATION_ERROR).
	FailureTypes []string `json:"failure_types,omitempty"`
}

// StepOutput is a value a step asks the engine to consume into the output store.
type StepOutput struct {
	// Name is the lookup name.
	Name string `json:"name"`

	// Kind distinguishes outcomes from sweeping outputs. Defaults to OUTCOME.
	Kind OutputKind `json:"kind,omitempty"`

	// Value is the payload, encoded with the configured codec.
	Value interface{} `json:"value"`

	// Group scopes the write to a named group. Mutually exclusive with LevelsToKeep.
	Group string `json:"group,omitempty"`

	// LevelsToKeep scopes the write to the ancestor that many frames up.
	// Nil means the engine default.
	LevelsToKeep *int `json:"levels_to_keep,omitempty"`
}

// StepResponse is the result of executing a step.
type StepResponse struct {
	// Status is the terminal status the step reports.
	Status Status `json:"status"`

	// Failure describes the failure, if any.
	Failure *FailureInfo `json:"failure,omitempty"`

	// Outputs are consumed into the output store before advising.
	Outputs []StepOutput `json:"outputs,omitempty"`

	// ResponseCode is an observed code for code-switching advisers.
	ResponseCode string `json:"response_code,omitempty"`

	// OutputIDs are the ids of instances written for Outputs.
	OutputIDs []string `json:"output_ids,omitempty"`
}

// TaskRequest is the payload submitted to a task runner.
type TaskRequest struct {
	// Type selects the runner-side handler.
	Type string `json:"type"`

	// Parameters is the encoded task payload.
	Parameters []byte `json:"parameters,omitempty"`

	// Timeout bounds the task; zero means the runner default.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// TaskResult is delivered by the task runner callback.
type TaskResult struct {
	// TaskID is the runner's id for the task.
	TaskID string `json:"task_id"`

	// Stage is the final stage of the task.
	Stage TaskStage `json:"stage"`

	// Data is the encoded task output.
	Data []byte `json:"data,omitempty"`

	// ResponseCode is an optional observed code (e.g. an HTTP status).
	ResponseCode string `json:"response_code,omitempty"`

	// Error describes a task failure.
	Error string `json:"error,omitempty"`

	// ReceivedAt is when the engine recorded the result.
	ReceivedAt time.Time `json:"received_at"`
}

// ChildResult summarizes one ended child branch for the parent step.
type ChildResult struct {
	// BranchID is the runtime id of the branch head.
	BranchID string `json:"branch_id"`

	// SetupID is the setup id of the branch head.
	SetupID string `json:"setup_id"`

	// Status is the worst unresolved status of the branch.
	Status Status `json:"status"`
}

// AdviceType names what should happen after a node finished.
type AdviceType string

const (
	// AdviceNext queues the named node as the successor.
	AdviceNext AdviceType = "NEXT"

	// AdviceRetry queues a new attempt of the same node.
	AdviceRetry AdviceType = "RETRY"

	// AdviceRollback queues the rollback node as the successor.
	AdviceRollback AdviceType = "ROLLBACK"

	// AdviceIntervention suspends the node until a manual interrupt arrives.
	AdviceIntervention AdviceType = "INTERVENTION"

	// AdviceIgnore marks the failure ignored and optionally continues.
	AdviceIgnore AdviceType = "IGNORE"

	// AdviceEnd ends the enclosing sequence.
	AdviceEnd AdviceType = "END"

	// AdviceMarkFailed ends the node as failed without further advice.
	AdviceMarkFailed AdviceType = "MARK_FAILED"

	// AdviceMarkSuccess ends the node as succeeded and re-advises.
	AdviceMarkSuccess AdviceType = "MARK_SUCCESS"
)

// Advice is the decision returned by an adviser.
type Advice struct {
	// Type is the advice type.
	Type AdviceType `json:"type"`

	// NextNodeID is the setup id of the successor for NEXT, ROLLBACK and IGNORE.
	NextNodeID string `json:"next_node_id,omitempty"`

	// Delay postpones the successor or retry.
	Delay time.Duration `json:"delay,omitempty"`

	// Timeout bounds an intervention wait.
	Timeout time.Duration `json:"timeout,omitempty"`

	// TimeoutAction is applied when an intervention wait times out.
	TimeoutAction AdviceType `json:"timeout_action,omitempty"`

	// Adviser is the adviser type that produced the advice.
	Adviser string `json:"adviser,omitempty"`
}

// Inputs are resolved ref objects keyed by their alias.
type Inputs map[string]interface{}

// RawParams is an opaque parameter payload.
type RawParams = json.RawMessage
