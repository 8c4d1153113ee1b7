package step

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/orchestra/pkg/engine"
)

// Context is what a step sees when it is invoked.
type Context struct {
	// Ambiance is the position of the node execution.
	Ambiance engine.Ambiance

	// Node is the plan node.
	Node *engine.ExecutionNode

	// Parameters are the node's state parameters with expressions rendered.
	Parameters json.RawMessage

	// Inputs are the node's resolved ref objects.
	Inputs engine.Inputs

	// Codec encodes task parameters and decodes task results.
	Codec engine.Codec

	// Logger is scoped to the node execution.
	Logger zerolog.Logger
}

// RetryIndex returns the attempt number of the node execution.
func (c *Context) RetryIndex() int {
	l, _ := c.Ambiance.CurrentLevel()
	return l.RetryIndex
}

// DecodeParameters unmarshals the rendered parameters into v.
func (c *Context) DecodeParameters(v interface{}) error {
	if len(c.Parameters) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.Parameters, v); err != nil {
		return engine.NewPermanentError(fmt.Sprintf("invalid parameters for %s", c.Node.StateType), err).
			WithCode(engine.ErrCodeValidation).
			WithResource(c.Node.SetupID)
	}
	return nil
}

// Step is the behaviour selected by a node's state type. A step implements
// one or more of the executable interfaces below.
type Step interface {
	// Type returns the state type the step is registered under.
	Type() string
}

// SyncExecutable runs inline.
type SyncExecutable interface {
	Step
	ExecuteSync(ctx context.Context, sc *Context) (*engine.StepResponse, error)
}

// AsyncExecutable dispatches tasks and completes when all results arrived.
type AsyncExecutable interface {
	Step

	// ExecuteAsync returns the tasks to submit. Keys must be unique and stable.
	ExecuteAsync(ctx context.Context, sc *Context) ([]engine.TaskRef, error)

	// HandleAsyncResponse builds the response from results keyed by task key.
	HandleAsyncResponse(ctx context.Context, sc *Context, results map[string]*engine.TaskResult) (*engine.StepResponse, error)
}

// ChildrenExecutable spawns child branches and completes when all ended.
type ChildrenExecutable interface {
	Step

	// Children returns the setup ids of the branch heads the node spawns.
	Children(node *engine.ExecutionNode) ([]string, error)

	// HandleChildrenResponse builds the response from the ended branches.
	HandleChildrenResponse(ctx context.Context, sc *Context, results []engine.ChildResult) (*engine.StepResponse, error)
}

// ChainLink is one task of a task chain.
type ChainLink struct {
	// Task is the request to submit.
	Task engine.TaskRequest

	// PassThrough is carried to the next link.
	PassThrough []byte

	// ChainEnd marks the last link.
	ChainEnd bool
}

// TaskChainExecutable issues tasks one at a time.
type TaskChainExecutable interface {
	Step

	// StartChainLink returns link number link. previous is the result of the
	// link before, nil for the first one.
	StartChainLink(ctx context.Context, sc *Context, link int, previous *engine.TaskResult, passThrough []byte) (*ChainLink, error)

	// FinalizeChain builds the response after the last link, or after a link failed.
	FinalizeChain(ctx context.Context, sc *Context, last *engine.TaskResult, passThrough []byte) (*engine.StepResponse, error)
}

// Registry maps state types to steps.
type Registry struct {
	mu    sync.RWMutex
	steps map[string]Step
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{steps: make(map[string]Step)}
}

// Register adds a step. Registering a state type twice is an error.
func (r *Registry) Register(s Step) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.steps[s.Type()]; exists {
		return fmt.Errorf("step type %s already registered", s.Type())
	}
	r.steps[s.Type()] = s
	return nil
}

// MustRegister is Register for startup code.
func (r *Registry) MustRegister(steps ...Step) {
	for _, s := range steps {
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
}

// Get returns the step registered for stateType.
func (r *Registry) Get(stateType string) (Step, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.steps[stateType]
	if !ok {
		return nil, engine.NewPermanentError(fmt.Sprintf("unknown step type: %s", stateType), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return s, nil
}

// Types returns the registered state types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.steps))
	for t := range r.steps {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// ChildRefs returns the branch heads a node spawns, if its step has children.
func (r *Registry) ChildRefs(node *engine.ExecutionNode) ([]string, error) {
	s, err := r.Get(node.StateType)
	if err != nil {
		return nil, err
	}
	ce, ok := s.(ChildrenExecutable)
	if !ok {
		return nil, nil
	}
	return ce.Children(node)
}

// Modes returns the execution modes a step supports.
func Modes(s Step) []engine.ExecutionMode {
	var modes []engine.ExecutionMode
	if _, ok := s.(SyncExecutable); ok {
		modes = append(modes, engine.ModeSync)
	}
	if _, ok := s.(AsyncExecutable); ok {
		modes = append(modes, engine.ModeAsync)
	}
	if _, ok := s.(ChildrenExecutable); ok {
		modes = append(modes, engine.ModeChildren)
	}
	if _, ok := s.(TaskChainExecutable); ok {
		modes = append(modes, engine.ModeTaskChain)
	}
	return modes
}

// Supports reports whether s can run in mode.
func Supports(s Step, mode engine.ExecutionMode) bool {
	for _, m := range Modes(s) {
		if m == mode {
			return true
		}
	}
	return false
}
