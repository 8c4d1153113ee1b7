package adviser

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/policy"
)

// Input describes the node execution being advised.
type Input struct {
	Ambiance  engine.Ambiance
	Node      *engine.ExecutionNode
	Execution *engine.NodeExecution

	// Status is the status the node finished with.
	Status engine.Status

	// Response is the accepted step response.
	Response *engine.StepResponse
}

// RetryCount returns the attempt number of the execution.
func (in *Input) RetryCount() int {
	if in.Execution == nil {
		return 0
	}
	return in.Execution.RetryCount
}

// ResponseCode returns the observed response code, if any.
func (in *Input) ResponseCode() string {
	if in.Response == nil {
		return ""
	}
	return in.Response.ResponseCode
}

func (in *Input) failureTypes() []string {
	if in.Response == nil || in.Response.Failure == nil {
		return nil
	}
	return in.Response.Failure.FailureTypes
}

// Adviser decides what happens after a node finished. A nil advice means the
// adviser does not apply and the next obtainment is tried.
type Adviser interface {
	// Type returns the adviser type the obtainment names.
	Type() string

	// Advise returns the advice for a finished node.
	Advise(ctx context.Context, in *Input, params json.RawMessage) (*engine.Advice, error)

	// Refs validates params and returns the setup ids the adviser may advise towards.
	Refs(params json.RawMessage) ([]string, error)
}

// Engine holds the registered advisers and applies a node's obtainments.
type Engine struct {
	mu       sync.RWMutex
	advisers map[string]Adviser
	policy   engine.SelectionPolicy
	logger   zerolog.Logger
}

// NewEngine creates an engine with the built-in advisers registered. The
// POLICY adviser is registered when policies is not nil.
func NewEngine(selection engine.SelectionPolicy, policies *policy.Engine, logger zerolog.Logger) *Engine {
	if selection == "" {
		selection = engine.SelectFirstMatch
	}
	e := &Engine{
		advisers: make(map[string]Adviser),
		policy:   selection,
		logger:   logger.With().Str("component", "adviser").Logger(),
	}
	for _, a := range builtins() {
		e.advisers[a.Type()] = a
	}
	if policies != nil {
		e.advisers[TypePolicy] = NewPolicyAdviser(policies)
	}
	return e
}

// Register adds or replaces an adviser.
func (e *Engine) Register(a Adviser) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.advisers[a.Type()] = a
}

// Get returns the adviser registered for typ.
func (e *Engine) Get(typ string) (Adviser, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.advisers[typ]
	if !ok {
		return nil, engine.NewPermanentError(fmt.Sprintf("unknown adviser type: %s", typ), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return a, nil
}

// Types returns the registered adviser types in sorted order.
func (e *Engine) Types() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	types := make([]string, 0, len(e.advisers))
	for t := range e.advisers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// AdviserRefs validates an obtainment and returns the nodes it may advise towards.
func (e *Engine) AdviserRefs(o engine.AdviserObtainment) ([]string, error) {
	a, err := e.Get(o.Type)
	if err != nil {
		return nil, err
	}
	return a.Refs(o.Parameters)
}

// Advise tries the node's obtainments in order and returns the winning
// advice, or nil when no adviser applies.
func (e *Engine) Advise(ctx context.Context, in *Input) (*engine.Advice, error) {
	var (
		chosen  *engine.Advice
		matched []string
	)
	for _, o := range in.Node.AdviserObtainments {
		a, err := e.Get(o.Type)
		if err != nil {
			return nil, err
		}
		advice, err := a.Advise(ctx, in, o.Parameters)
		if err != nil {
			return nil, fmt.Errorf("adviser %s on node %s failed: %w", o.Type, in.Node.SetupID, err)
		}
		if advice == nil {
			continue
		}
		advice.Adviser = o.Type
		matched = append(matched, o.Type)
		if chosen == nil {
			chosen = advice
		}
		if e.policy != engine.SelectStrict {
			break
		}
	}

	if len(matched) > 1 {
		return nil, engine.AmbiguousDecision(in.Node.SetupID, "adviser", matched)
	}

	ev := e.logger.Debug().
		Str("setup_id", in.Node.SetupID).
		Str("status", string(in.Status))
	if chosen != nil {
		ev = ev.Str("adviser", chosen.Adviser).
			Str("advice", string(chosen.Type)).
			Str("next", chosen.NextNodeID)
	}
	ev.Msg("Node advised")

	return chosen, nil
}
