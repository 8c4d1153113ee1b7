package policy

import (
	"fmt"
	"time"

	"github.com/openfroyo/orchestra/pkg/engine"
)

// Policy is a named Rego module whose decision rule routes a finished node.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. The module must define a
	// decision rule; an undefined decision means the policy has no advice.
	Rego string `json:"rego"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// NodeInfo identifies the node a decision is made for.
type NodeInfo struct {
	SetupID    string `json:"setup_id"`
	Identifier string `json:"identifier"`
	Name       string `json:"name,omitempty"`
	StateType  string `json:"state_type"`
}

// DecisionInput is the input document of a decision query.
type DecisionInput struct {
	// PlanExecutionID is the plan execution the node belongs to.
	PlanExecutionID string `json:"plan_execution_id"`

	// Node is the finished node.
	Node NodeInfo `json:"node"`

	// Status is the status the node finished with.
	Status engine.Status `json:"status"`

	// ResponseCode is the code observed by the step, if any.
	ResponseCode string `json:"response_code,omitempty"`

	// Failure describes the failure, if any.
	Failure *engine.FailureInfo `json:"failure,omitempty"`

	// RetryCount is the attempt number of the node execution.
	RetryCount int `json:"retry_count"`

	// SetupAbstractions is the key/value context of the plan execution.
	SetupAbstractions map[string]string `json:"setup_abstractions,omitempty"`

	// Parameters are passed through from the adviser obtainment.
	Parameters map[string]interface{} `json:"parameters,omitempty"`

	// Timestamp is when the decision is requested.
	Timestamp time.Time `json:"timestamp"`
}

// Decision is the value of a policy's decision rule.
type Decision struct {
	// Type is an advice type: NEXT, RETRY, ROLLBACK, INTERVENTION, IGNORE, END or MARK_FAILED.
	Type string `json:"type"`

	// NextNodeID is the successor for NEXT, ROLLBACK and IGNORE.
	NextNodeID string `json:"next_node_id,omitempty"`

	// Delay postpones the successor or retry, as a Go duration.
	Delay string `json:"delay,omitempty"`

	// Timeout bounds an intervention wait, as a Go duration.
	Timeout string `json:"timeout,omitempty"`

	// TimeoutAction is applied when an intervention wait times out.
	TimeoutAction string `json:"timeout_action,omitempty"`

	// Reason explains the decision in logs and events.
	Reason string `json:"reason,omitempty"`
}

// Advice converts the decision into engine advice.
func (d *Decision) Advice() (*engine.Advice, error) {
	advice := &engine.Advice{
		Type:          engine.AdviceType(d.Type),
		NextNodeID:    d.NextNodeID,
		TimeoutAction: engine.AdviceType(d.TimeoutAction),
	}

	switch advice.Type {
	case engine.AdviceNext, engine.AdviceRollback:
		if d.NextNodeID == "" {
			return nil, fmt.Errorf("decision %s requires next_node_id", d.Type)
		}
	case engine.AdviceRetry, engine.AdviceIntervention, engine.AdviceIgnore,
		engine.AdviceEnd, engine.AdviceMarkFailed:
	default:
		return nil, fmt.Errorf("unsupported decision type: %q", d.Type)
	}

	var err error
	if advice.Delay, err = parseDuration(d.Delay); err != nil {
		return nil, fmt.Errorf("invalid delay: %w", err)
	}
	if advice.Timeout, err = parseDuration(d.Timeout); err != nil {
		return nil, fmt.Errorf("invalid timeout: %w", err)
	}
	return advice, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
