package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/orchestra/pkg/engine"
)

// decisionRule is the rule every routing policy defines.
const decisionRule = "decision"

// Engine evaluates routing policies for the POLICY adviser.
type Engine struct {
	mu              sync.RWMutex
	policies        map[string]*compiledPolicy
	logger          zerolog.Logger
	builtinPolicies []Policy
	loader          *Loader
}

// compiledPolicy represents a prepared decision query.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a new policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies:        make(map[string]*compiledPolicy),
		logger:          logger.With().Str("component", "policy-engine").Logger(),
		builtinPolicies: GetBuiltinPolicies(),
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// Decide evaluates the decision rule of the named policy. It returns nil when
// the policy is disabled or its decision is undefined for the input.
func (e *Engine) Decide(ctx context.Context, name string, input *DecisionInput) (*Decision, error) {
	startTime := time.Now()

	e.mu.RLock()
	cp, exists := e.policies[name]
	e.mu.RUnlock()
	if !exists {
		return nil, engine.NewPermanentError(fmt.Sprintf("policy not found: %s", name), nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(name)
	}
	if !cp.policy.Enabled {
		return nil, nil
	}

	if input.Timestamp.IsZero() {
		input.Timestamp = time.Now()
	}

	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy %s evaluation error: %w", name, err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		e.logger.Debug().
			Str("policy", name).
			Str("setup_id", input.Node.SetupID).
			Msg("Policy decision undefined")
		return nil, nil
	}

	decision, err := toDecision(results[0].Expressions[0].Value)
	if err != nil {
		return nil, fmt.Errorf("policy %s returned an invalid decision: %w", name, err)
	}

	e.logger.Debug().
		Str("policy", name).
		Str("setup_id", input.Node.SetupID).
		Str("decision", decision.Type).
		Dur("duration", time.Since(startTime)).
		Msg("Policy decision evaluated")

	return decision, nil
}

func toDecision(value interface{}) (*Decision, error) {
	switch v := value.(type) {
	case string:
		return &Decision{Type: v}, nil
	case map[string]interface{}:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var d Decision
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, err
		}
		if d.Type == "" {
			return nil, fmt.Errorf("decision has no type")
		}
		return &d, nil
	default:
		return nil, fmt.Errorf("unexpected decision value %T", value)
	}
}

// LoadPolicies loads policy files and adds them to the engine.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.getLoader().LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range policies {
		if err := e.compileAndStorePolicy(ctx, &policies[i]); err != nil {
			e.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// ReplacePolicies swaps the loaded policies for policies, keeping the
// built-ins. Nothing changes if any policy fails to compile.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	next := make(map[string]*compiledPolicy, len(e.builtinPolicies)+len(policies))
	for i := range e.builtinPolicies {
		cp, err := compilePolicy(ctx, &e.builtinPolicies[i])
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", e.builtinPolicies[i].Name, err)
		}
		next[cp.policy.Name] = cp
	}
	for i := range policies {
		cp, err := compilePolicy(ctx, &policies[i])
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		next[cp.policy.Name] = cp
	}

	e.mu.Lock()
	e.policies = next
	e.mu.Unlock()

	e.logger.Info().
		Int("count", len(next)).
		Msg("Policies replaced")

	return nil
}

// Watch reloads the policies under paths whenever a file changes.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	return e.getLoader().Watch(ctx, paths, func(policies []Policy) error {
		return e.ReplacePolicies(ctx, policies)
	})
}

// Close stops watching policy files.
func (e *Engine) Close() error {
	e.mu.RLock()
	loader := e.loader
	e.mu.RUnlock()
	if loader == nil {
		return nil
	}
	return loader.StopWatching()
}

func (e *Engine) getLoader() *Loader {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loader == nil {
		e.loader = NewLoader(e.logger)
	}
	return e.loader
}

// compilePolicy parses a policy and prepares its decision query.
func compilePolicy(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	query := module.Package.Path.String() + "." + decisionRule
	prepared, err := rego.New(
		rego.ParsedModule(module),
		rego.Query(query),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    prepared,
		compiled: time.Now(),
	}, nil
}

// compileAndStorePolicy compiles a policy and stores it. Callers hold e.mu.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	cp, err := compilePolicy(ctx, policy)
	if err != nil {
		return err
	}
	e.policies[policy.Name] = cp

	e.logger.Debug().
		Str("policy", policy.Name).
		Str("package", cp.module.Package.Path.String()).
		Msg("Policy compiled successfully")

	return nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	for i := range e.builtinPolicies {
		if err := e.compileAndStorePolicy(ctx, &e.builtinPolicies[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", e.builtinPolicies[i].Name, err)
		}
	}

	e.logger.Debug().
		Int("count", len(e.builtinPolicies)).
		Msg("Built-in policies loaded")

	return nil
}

// HasPolicy reports whether a policy with the given name is loaded.
func (e *Engine) HasPolicy(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.policies[name]
	return ok
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })

	return policies
}

// ReloadPolicies drops loaded policies and recompiles the built-ins.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.policies = make(map[string]*compiledPolicy)
	return e.loadBuiltinPolicies(ctx)
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")

	return nil
}
