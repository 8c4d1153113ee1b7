package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// AdviserObtainment attaches an adviser to a node.
type AdviserObtainment struct {
	// Type selects the adviser from the registry.
	Type string `json:"type" validate:"required"`

	// Parameters is the adviser-specific payload.
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// FacilitatorObtainment attaches a facilitator to a node.
type FacilitatorObtainment struct {
	// Type selects the facilitator from the registry.
	Type string `json:"type" validate:"required"`

	// Parameters is the facilitator-specific payload.
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// RefObject declares a data dependency of a node on the output store.
type RefObject struct {
	// Name is the output name to resolve.
	Name string `json:"name" validate:"required"`

	// ProducerSetupID pins the lookup to one producer; empty means scope search.
	ProducerSetupID string `json:"producer_setup_id,omitempty"`

	// Kind restricts the lookup to outcomes or sweeping outputs. Defaults to OUTCOME.
	Kind OutputKind `json:"kind,omitempty"`

	// Alias is the input key the resolved value is exposed under. Defaults to Name.
	Alias string `json:"alias,omitempty"`

	// Optional tolerates a missing value.
	Optional bool `json:"optional,omitempty"`
}

// Key returns the input key for the ref object.
func (r RefObject) Key() string {
	if r.Alias != "" {
		return r.Alias
	}
	return r.Name
}

// ExecutionNode is the static identity of a plan node.
type ExecutionNode struct {
	// SetupID is stable across retries of the same logical step.
	SetupID string `json:"setup_id" validate:"required"`

	// Identifier is the name used by expressions; defaults to SetupID.
	Identifier string `json:"identifier,omitempty"`

	// Name is the human-readable name.
	Name string `json:"name"`

	// StateType selects the step behaviour.
	StateType string `json:"state_type" validate:"required"`

	// StateParameters is the opaque step payload.
	StateParameters json.RawMessage `json:"state_parameters,omitempty"`

	// AdviserObtainments are tried in order after the node completes.
	AdviserObtainments []AdviserObtainment `json:"adviser_obtainments,omitempty" validate:"dive"`

	// FacilitatorObtainments are tried in order before the node executes.
	FacilitatorObtainments []FacilitatorObtainment `json:"facilitator_obtainments" validate:"required,min=1,dive"`

	// LevelName is the depth category used for group scoping.
	LevelName string `json:"level_name,omitempty"`

	// RefObjects are resolved into step inputs before facilitation.
	RefObjects []RefObject `json:"ref_objects,omitempty" validate:"dive"`

	// Timeout expires the node; zero disables expiry.
	Timeout time.Duration `json:"timeout,omitempty" validate:"gte=0"`
}

// ExpressionIdentifier returns the identifier expressions use for this node.
func (n *ExecutionNode) ExpressionIdentifier() string {
	if n.Identifier != "" {
		return n.Identifier
	}
	return n.SetupID
}

// Plan is an immutable graph of execution nodes.
type Plan struct {
	// ID is the unique identifier for this plan.
	ID string `json:"id" validate:"required"`

	// Nodes are the plan nodes.
	Nodes []ExecutionNode `json:"nodes" validate:"required,min=1,dive"`

	// StartingNodeID is the setup id of the first node.
	StartingNodeID string `json:"starting_node_id" validate:"required"`

	// SetupAbstractions are defaults merged under the abstractions given at start.
	SetupAbstractions map[string]string `json:"setup_abstractions,omitempty"`

	index map[string]*ExecutionNode
}

// RefResolver reports the node references carried by obtainments and step kinds.
// Registries implement it so the plan can be checked for closure at construction.
type RefResolver interface {
	// AdviserRefs returns the setup ids an adviser obtainment may advise towards.
	AdviserRefs(o AdviserObtainment) ([]string, error)

	// FacilitatorRefs returns the setup ids a facilitator obtainment references.
	FacilitatorRefs(o FacilitatorObtainment) ([]string, error)

	// ChildRefs returns the setup ids a node spawns as children.
	ChildRefs(node *ExecutionNode) ([]string, error)
}

var planValidator = validator.New()

// NewPlan validates and indexes a plan. Validation failures are permanent
// VALIDATION_ERROR engine errors.
func NewPlan(plan Plan, refs RefResolver) (*Plan, error) {
	p := plan
	p.Nodes = append([]ExecutionNode(nil), plan.Nodes...)
	if err := p.Validate(refs); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks structure, uniqueness and reference closure.
// refs may be nil, in which case only structure and the start node are checked.
func (p *Plan) Validate(refs RefResolver) error {
	if err := planValidator.Struct(p); err != nil {
		return NewPermanentError("invalid plan", err).
			WithCode(ErrCodeValidation).
			WithResource(p.ID)
	}

	index := make(map[string]*ExecutionNode, len(p.Nodes))
	identifiers := make(map[string]string, len(p.Nodes))
	for i := range p.Nodes {
		node := &p.Nodes[i]
		if _, exists := index[node.SetupID]; exists {
			return NewPermanentError(fmt.Sprintf("duplicate node setup id: %s", node.SetupID), nil).
				WithCode(ErrCodeValidation).
				WithResource(p.ID)
		}
		ident := node.ExpressionIdentifier()
		if other, exists := identifiers[ident]; exists {
			return NewPermanentError(
				fmt.Sprintf("nodes %s and %s share identifier %s", other, node.SetupID, ident), nil,
			).WithCode(ErrCodeValidation).WithResource(p.ID)
		}
		index[node.SetupID] = node
		identifiers[ident] = node.SetupID
	}

	if _, exists := index[p.StartingNodeID]; !exists {
		return NewPermanentError(fmt.Sprintf("starting node %s does not exist", p.StartingNodeID), nil).
			WithCode(ErrCodeValidation).
			WithResource(p.ID)
	}
	p.index = index

	if refs == nil {
		return nil
	}

	containment := make(map[string][]string, len(p.Nodes))
	for i := range p.Nodes {
		node := &p.Nodes[i]

		targets, err := p.nodeRefs(node, refs)
		if err != nil {
			return err
		}
		for _, target := range targets {
			if _, exists := index[target]; !exists {
				return NewPermanentError(
					fmt.Sprintf("node %s references non-existent node %s", node.SetupID, target), nil,
				).WithCode(ErrCodeValidation).WithResource(node.SetupID)
			}
		}

		children, err := refs.ChildRefs(node)
		if err != nil {
			return NewPermanentError(fmt.Sprintf("invalid children of node %s", node.SetupID), err).
				WithCode(ErrCodeValidation).
				WithResource(node.SetupID)
		}
		for _, child := range children {
			if _, exists := index[child]; !exists {
				return NewPermanentError(
					fmt.Sprintf("node %s spawns non-existent child %s", node.SetupID, child), nil,
				).WithCode(ErrCodeValidation).WithResource(node.SetupID)
			}
		}
		containment[node.SetupID] = children
	}

	return detectContainmentCycles(containment)
}

func (p *Plan) nodeRefs(node *ExecutionNode, refs RefResolver) ([]string, error) {
	var targets []string
	for _, o := range node.AdviserObtainments {
		ids, err := refs.AdviserRefs(o)
		if err != nil {
			return nil, NewPermanentError(
				fmt.Sprintf("invalid adviser %s on node %s", o.Type, node.SetupID), err,
			).WithCode(ErrCodeValidation).WithResource(node.SetupID)
		}
		targets = append(targets, ids...)
	}
	for _, o := range node.FacilitatorObtainments {
		ids, err := refs.FacilitatorRefs(o)
		if err != nil {
			return nil, NewPermanentError(
				fmt.Sprintf("invalid facilitator %s on node %s", o.Type, node.SetupID), err,
			).WithCode(ErrCodeValidation).WithResource(node.SetupID)
		}
		targets = append(targets, ids...)
	}
	return targets, nil
}

// Node returns the node with the given setup id.
func (p *Plan) Node(setupID string) (*ExecutionNode, bool) {
	if p.index == nil {
		for i := range p.Nodes {
			if p.Nodes[i].SetupID == setupID {
				return &p.Nodes[i], true
			}
		}
		return nil, false
	}
	n, ok := p.index[setupID]
	return n, ok
}

// SetupIDs returns all node setup ids in sorted order.
func (p *Plan) SetupIDs() []string {
	ids := make([]string, 0, len(p.Nodes))
	for i := range p.Nodes {
		ids = append(ids, p.Nodes[i].SetupID)
	}
	sort.Strings(ids)
	return ids
}

// detectContainmentCycles rejects plans where a node contains itself through
// its children, which would spawn branches forever.
func detectContainmentCycles(children map[string][]string) error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	ids := make([]string, 0, len(children))
	for id := range children {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var visit func(id string, path []string) []string
	visit = func(id string, path []string) []string {
		visited[id] = true
		recStack[id] = true
		path = append(path, id)

		for _, child := range children[id] {
			if !visited[child] {
				if cycle := visit(child, path); cycle != nil {
					return cycle
				}
			} else if recStack[child] {
				for i, p := range path {
					if p == child {
						return append(append([]string{}, path[i:]...), child)
					}
				}
			}
		}

		recStack[id] = false
		return nil
	}

	for _, id := range ids {
		if visited[id] {
			continue
		}
		if cycle := visit(id, nil); cycle != nil {
			return NewPermanentError(
				fmt.Sprintf("node contains itself: %s", strings.Join(cycle, " -> ")), nil,
			).WithCode(ErrCodeValidation)
		}
	}
	return nil
}
