package facilitator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/step"
)

// Built-in facilitator types.
const (
	TypeSync      = "SYNC"
	TypeAsync     = "ASYNC"
	TypeChildren  = "CHILDREN"
	TypeTaskChain = "TASK_CHAIN"
	TypeAuto      = "AUTO"
)

// Input is what a facilitator decides on.
type Input struct {
	Ambiance engine.Ambiance
	Node     *engine.ExecutionNode
	Step     step.Step
	Inputs   engine.Inputs
}

// Response is a facilitation decision.
type Response struct {
	// Mode is how the node executes.
	Mode engine.ExecutionMode

	// InitialWait delays execution; the node is WAITING meanwhile.
	InitialWait time.Duration

	// Facilitator is the type that made the decision.
	Facilitator string
}

// Facilitator decides how a node executes. A nil response means the
// facilitator does not apply and the next obtainment is tried.
type Facilitator interface {
	Type() string
	Facilitate(ctx context.Context, in *Input, params json.RawMessage) (*Response, error)
}

// Parameters are understood by every built-in facilitator.
type Parameters struct {
	// InitialWait is a Go duration to wait before executing.
	InitialWait string `json:"initial_wait,omitempty"`

	// When names an input that must be present and truthy for the
	// facilitator to apply.
	When string `json:"when,omitempty"`
}

// ParseParameters decodes and checks facilitator parameters.
func ParseParameters(raw json.RawMessage) (Parameters, time.Duration, error) {
	var p Parameters
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return p, 0, fmt.Errorf("invalid facilitator parameters: %w", err)
		}
	}
	var wait time.Duration
	if p.InitialWait != "" {
		d, err := time.ParseDuration(p.InitialWait)
		if err != nil {
			return p, 0, fmt.Errorf("invalid initial_wait %q: %w", p.InitialWait, err)
		}
		if d < 0 {
			return p, 0, fmt.Errorf("initial_wait must not be negative")
		}
		wait = d
	}
	return p, wait, nil
}

func (p Parameters) applies(inputs engine.Inputs) bool {
	if p.When == "" {
		return true
	}
	v, ok := inputs[p.When]
	if !ok {
		return false
	}
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	default:
		return true
	}
}

// fixed always picks one mode, provided the step supports it.
type fixed struct {
	typ  string
	mode engine.ExecutionMode
}

func (f fixed) Type() string { return f.typ }

func (f fixed) Facilitate(_ context.Context, in *Input, params json.RawMessage) (*Response, error) {
	p, wait, err := ParseParameters(params)
	if err != nil {
		return nil, err
	}
	if !p.applies(in.Inputs) || !step.Supports(in.Step, f.mode) {
		return nil, nil
	}
	return &Response{Mode: f.mode, InitialWait: wait}, nil
}

// Sync returns the SYNC facilitator.
func Sync() Facilitator { return fixed{typ: TypeSync, mode: engine.ModeSync} }

// Async returns the ASYNC facilitator.
func Async() Facilitator { return fixed{typ: TypeAsync, mode: engine.ModeAsync} }

// Children returns the CHILDREN facilitator.
func Children() Facilitator { return fixed{typ: TypeChildren, mode: engine.ModeChildren} }

// TaskChain returns the TASK_CHAIN facilitator.
func TaskChain() Facilitator { return fixed{typ: TypeTaskChain, mode: engine.ModeTaskChain} }

// autoOrder is the preference of AUTO when a step supports several modes.
var autoOrder = []engine.ExecutionMode{engine.ModeChildren, engine.ModeTaskChain, engine.ModeAsync, engine.ModeSync}

type auto struct{}

// Auto returns the AUTO facilitator, which picks the mode from the
// interfaces the step implements.
func Auto() Facilitator { return auto{} }

func (auto) Type() string { return TypeAuto }

func (auto) Facilitate(_ context.Context, in *Input, params json.RawMessage) (*Response, error) {
	p, wait, err := ParseParameters(params)
	if err != nil {
		return nil, err
	}
	if !p.applies(in.Inputs) {
		return nil, nil
	}
	for _, mode := range autoOrder {
		if step.Supports(in.Step, mode) {
			return &Response{Mode: mode, InitialWait: wait}, nil
		}
	}
	return nil, nil
}

// Engine holds the registered facilitators and applies a node's obtainments.
type Engine struct {
	mu           sync.RWMutex
	facilitators map[string]Facilitator
	policy       engine.SelectionPolicy
	logger       zerolog.Logger
}

// NewEngine creates an engine with the built-in facilitators registered.
func NewEngine(policy engine.SelectionPolicy, logger zerolog.Logger) *Engine {
	if policy == "" {
		policy = engine.SelectFirstMatch
	}
	e := &Engine{
		facilitators: make(map[string]Facilitator),
		policy:       policy,
		logger:       logger.With().Str("component", "facilitator").Logger(),
	}
	for _, f := range []Facilitator{Sync(), Async(), Children(), TaskChain(), Auto()} {
		e.facilitators[f.Type()] = f
	}
	return e
}

// Register adds or replaces a facilitator.
func (e *Engine) Register(f Facilitator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.facilitators[f.Type()] = f
}

// Get returns the facilitator registered for typ.
func (e *Engine) Get(typ string) (Facilitator, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	f, ok := e.facilitators[typ]
	if !ok {
		return nil, engine.NewPermanentError(fmt.Sprintf("unknown facilitator type: %s", typ), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return f, nil
}

// Types returns the registered facilitator types in sorted order.
func (e *Engine) Types() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	types := make([]string, 0, len(e.facilitators))
	for t := range e.facilitators {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// FacilitatorRefs checks an obtainment. Facilitators reference no nodes.
func (e *Engine) FacilitatorRefs(o engine.FacilitatorObtainment) ([]string, error) {
	if _, err := e.Get(o.Type); err != nil {
		return nil, err
	}
	if _, _, err := ParseParameters(o.Parameters); err != nil {
		return nil, err
	}
	return nil, nil
}

// Facilitate tries the node's obtainments in order. It fails with
// UNSUPPORTED_MODE when none applies.
func (e *Engine) Facilitate(ctx context.Context, in *Input) (*Response, error) {
	var (
		chosen  *Response
		matched []string
	)
	for _, o := range in.Node.FacilitatorObtainments {
		f, err := e.Get(o.Type)
		if err != nil {
			return nil, err
		}
		resp, err := f.Facilitate(ctx, in, o.Parameters)
		if err != nil {
			return nil, engine.NewPermanentError(fmt.Sprintf("facilitator %s failed", o.Type), err).
				WithCode(engine.ErrCodeValidation).
				WithResource(in.Node.SetupID)
		}
		if resp == nil {
			continue
		}
		resp.Facilitator = o.Type
		matched = append(matched, o.Type)
		if chosen == nil {
			chosen = resp
		}
		if e.policy != engine.SelectStrict {
			break
		}
	}

	if len(matched) > 1 {
		return nil, engine.AmbiguousDecision(in.Node.SetupID, "facilitator", matched)
	}
	if chosen == nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("no facilitator of node %s supports step %s (modes %v)", in.Node.SetupID, in.Node.StateType, step.Modes(in.Step)), nil,
		).WithCode(engine.ErrCodeUnsupportedMode).WithResource(in.Node.SetupID)
	}

	e.logger.Debug().
		Str("setup_id", in.Node.SetupID).
		Str("facilitator", chosen.Facilitator).
		Str("mode", string(chosen.Mode)).
		Dur("initial_wait", chosen.InitialWait).
		Msg("Node facilitated")

	return chosen, nil
}
