package adviser

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/policy"
)

// PolicyParameters configures POLICY.
type PolicyParameters struct {
	// Policy names the routing policy to query.
	Policy string `json:"policy"`

	// Parameters are passed to the policy as input.parameters.
	Parameters map[string]interface{} `json:"parameters,omitempty"`

	// Candidates are the nodes the policy may route to. Decisions naming
	// another node are rejected.
	Candidates []string `json:"candidates,omitempty"`
}

// PolicyAdviser asks a Rego routing policy for advice.
type PolicyAdviser struct {
	policies *policy.Engine
}

// NewPolicyAdviser creates a POLICY adviser backed by policies.
func NewPolicyAdviser(policies *policy.Engine) *PolicyAdviser {
	return &PolicyAdviser{policies: policies}
}

func (a *PolicyAdviser) Type() string { return TypePolicy }

func (a *PolicyAdviser) Advise(ctx context.Context, in *Input, params json.RawMessage) (*engine.Advice, error) {
	var p PolicyParameters
	if err := decode(params, &p); err != nil {
		return nil, err
	}

	input := &policy.DecisionInput{
		PlanExecutionID: in.Ambiance.PlanExecutionID,
		Node: policy.NodeInfo{
			SetupID:    in.Node.SetupID,
			Identifier: in.Node.ExpressionIdentifier(),
			Name:       in.Node.Name,
			StateType:  in.Node.StateType,
		},
		Status:            in.Status,
		ResponseCode:      in.ResponseCode(),
		RetryCount:        in.RetryCount(),
		SetupAbstractions: in.Ambiance.SetupAbstractions,
		Parameters:        p.Parameters,
	}
	if in.Response != nil {
		input.Failure = in.Response.Failure
	}

	decision, err := a.policies.Decide(ctx, p.Policy, input)
	if err != nil {
		return nil, err
	}
	if decision == nil {
		return nil, nil
	}

	advice, err := decision.Advice()
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", p.Policy, err)
	}
	if advice.NextNodeID != "" && len(p.Candidates) > 0 && !contains(p.Candidates, advice.NextNodeID) {
		return nil, fmt.Errorf("policy %s routed to %s which is not a candidate", p.Policy, advice.NextNodeID)
	}
	return advice, nil
}

func (a *PolicyAdviser) Refs(params json.RawMessage) ([]string, error) {
	var p PolicyParameters
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Policy == "" {
		return nil, fmt.Errorf("policy is required")
	}
	if !a.policies.HasPolicy(p.Policy) {
		return nil, fmt.Errorf("policy %s is not loaded", p.Policy)
	}
	return refs(p.Candidates...), nil
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
