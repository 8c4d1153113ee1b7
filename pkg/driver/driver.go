package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/openfroyo/orchestra/pkg/adviser"
	"github.com/openfroyo/orchestra/pkg/codec"
	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/expression"
	"github.com/openfroyo/orchestra/pkg/facilitator"
	"github.com/openfroyo/orchestra/pkg/interrupt"
	"github.com/openfroyo/orchestra/pkg/outcome"
	"github.com/openfroyo/orchestra/pkg/policy"
	"github.com/openfroyo/orchestra/pkg/step"
	"github.com/openfroyo/orchestra/pkg/telemetry"
)

// runtimeNamespace seeds the deterministic ids of start, successor, retry
// and child node executions.
var runtimeNamespace = uuid.MustParse("8f0c2b61-3d4e-5a7f-9b1c-2e6d4a8f0c35")

// Driver drives plan executions: it starts nodes, dispatches them by their
// facilitated mode, consumes their outputs, applies advice and processes
// interrupts. All state lives in the store; the driver only holds timers and
// the set of transitions running in this process, so any number of Reconcile
// calls converge on the same result.
type Driver struct {
	cfg          Config
	store        engine.Store
	runner       engine.TaskRunner
	steps        *step.Registry
	facilitators *facilitator.Engine
	advisers     *adviser.Engine
	policies     *policy.Engine
	outcomes     *outcome.Service
	evaluator    *expression.Evaluator
	interrupts   *interrupt.Manager
	codec        engine.Codec
	tel          *telemetry.Telemetry
	logger       zerolog.Logger

	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	closed   bool
	active   map[string]int
	inflight map[string]context.CancelFunc
	timers   map[string]*time.Timer
	waiters  map[string]map[chan struct{}]struct{}
	plans    map[string]*planEntry
}

type planEntry struct {
	plan      *engine.Plan
	producers map[string]string
}

// New creates a driver. Collaborators not given as options get defaults:
// the built-in steps, facilitators and advisers, a JSON codec and an outcome
// service over store. A runner with a Bind(engine.TaskCallback) method is
// bound to the driver.
func New(store engine.Store, runner engine.TaskRunner, opts ...Option) (*Driver, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("task runner is required")
	}

	d := &Driver{
		cfg:      DefaultConfig(),
		store:    store,
		runner:   runner,
		logger:   zerolog.Nop(),
		active:   make(map[string]int),
		inflight: make(map[string]context.CancelFunc),
		timers:   make(map[string]*time.Timer),
		waiters:  make(map[string]map[chan struct{}]struct{}),
		plans:    make(map[string]*planEntry),
	}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid driver config: %w", err)
	}
	if d.tel != nil && d.tel.Logger != nil && isNop(d.logger) {
		d.logger = d.tel.Logger.NewComponentLogger("driver").Zerolog()
	}
	d.logger = d.logger.With().Str("component", "driver").Logger()

	if d.codec == nil {
		d.codec = codec.JSON{}
	}
	if d.steps == nil {
		d.steps = step.NewDefaultRegistry()
	}
	if d.facilitators == nil {
		d.facilitators = facilitator.NewEngine(d.cfg.SelectionPolicy, d.logger)
	}
	if d.advisers == nil {
		d.advisers = adviser.NewEngine(d.cfg.SelectionPolicy, d.policies, d.logger)
	}
	if d.outcomes == nil {
		d.outcomes = outcome.NewService(store, outcome.WithCodec(d.codec), outcome.WithLogger(d.logger))
	}
	d.evaluator = expression.NewEvaluator(d.outcomes, d.cfg.ExpressionTimeout, d.logger)

	d.interrupts = interrupt.NewManager(store, d.logger)
	d.interrupts.Handle(engine.InterruptAbort, d.handleAbort)
	d.interrupts.Handle(engine.InterruptPauseAll, d.handlePause)
	d.interrupts.Handle(engine.InterruptResumeAll, d.handleResume)
	d.interrupts.Handle(engine.InterruptRetry, d.interventionHandler(engine.AdviceRetry))
	d.interrupts.Handle(engine.InterruptIgnore, d.interventionHandler(engine.AdviceIgnore))
	d.interrupts.Handle(engine.InterruptMarkFailed, d.interventionHandler(engine.AdviceMarkFailed))
	d.interrupts.Handle(engine.InterruptMarkSuccess, d.interventionHandler(engine.AdviceMarkSuccess))

	d.sem = semaphore.NewWeighted(int64(d.cfg.MaxParallel))
	d.baseCtx, d.cancel = context.WithCancel(context.Background())
	if d.tel != nil {
		d.baseCtx = d.tel.WithContext(d.baseCtx)
	}

	if b, ok := runner.(interface{ Bind(engine.TaskCallback) }); ok {
		b.Bind(d)
	}
	return d, nil
}

func isNop(l zerolog.Logger) bool {
	return l.GetLevel() == zerolog.Disabled
}

// Outcomes returns the outcome service, for resolving outputs of an execution.
func (d *Driver) Outcomes() *outcome.Service {
	return d.outcomes
}

// Interrupts returns the interrupt manager.
func (d *Driver) Interrupts() *interrupt.Manager {
	return d.interrupts
}

// refResolver checks plan references against the driver's registries.
type refResolver struct {
	d *Driver
}

func (r refResolver) AdviserRefs(o engine.AdviserObtainment) ([]string, error) {
	return r.d.advisers.AdviserRefs(o)
}

func (r refResolver) FacilitatorRefs(o engine.FacilitatorObtainment) ([]string, error) {
	return r.d.facilitators.FacilitatorRefs(o)
}

func (r refResolver) ChildRefs(node *engine.ExecutionNode) ([]string, error) {
	return r.d.steps.ChildRefs(node)
}

// ValidatePlan checks a plan against the registered steps, facilitators and advisers.
func (d *Driver) ValidatePlan(plan engine.Plan) (*engine.Plan, error) {
	return engine.NewPlan(plan, refResolver{d: d})
}

// StartExecution validates and stores plan, creates a plan execution and
// dispatches its start node. abstractions override the plan's defaults.
func (d *Driver) StartExecution(ctx context.Context, plan engine.Plan, abstractions map[string]string) (*engine.PlanExecution, error) {
	p, err := d.ValidatePlan(plan)
	if err != nil {
		return nil, err
	}
	if _, err := withRetry(ctx, d, "save plan", func() (struct{}, error) {
		return struct{}{}, d.store.SavePlan(ctx, p)
	}); err != nil {
		return nil, err
	}

	merged := make(map[string]string, len(p.SetupAbstractions)+len(abstractions))
	for k, v := range p.SetupAbstractions {
		merged[k] = v
	}
	for k, v := range abstractions {
		merged[k] = v
	}

	now := time.Now().UTC()
	peID := uuid.New().String()
	node, _ := p.Node(p.StartingNodeID)
	startID := deriveID(peID, "start")

	pe := &engine.PlanExecution{
		ID:                peID,
		PlanID:            p.ID,
		Status:            engine.PlanStatusRunning,
		SetupAbstractions: merged,
		StartingRuntimeID: startID,
		StartedAt:         now,
		UpdatedAt:         now,
	}
	if _, err := withRetry(ctx, d, "create plan execution", func() (struct{}, error) {
		return struct{}{}, d.store.CreatePlanExecution(ctx, pe)
	}); err != nil {
		return nil, err
	}

	start := &engine.NodeExecution{
		RuntimeID:       startID,
		PlanExecutionID: peID,
		SetupID:         node.SetupID,
		Name:            node.Name,
		StepType:        node.StateType,
		Ambiance:        engine.NewAmbiance(peID, merged).CloneForChild(levelFor(node, startID, 0)),
		Status:          engine.StatusQueued,
		BranchID:        startID,
		CreatedAt:       now,
	}
	if _, err := d.createNode(ctx, start); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.plans[p.ID] = newPlanEntry(p)
	d.mu.Unlock()

	d.logger.Info().
		Str("plan_execution_id", peID).
		Str("plan_id", p.ID).
		Str("starting_node", node.SetupID).
		Msg("Plan execution started")
	d.metrics().RecordPlanStarted(p.ID)
	d.publish(func(ep *telemetry.EventPublisher) error { return ep.PublishPlanStarted(peID, p.ID) })

	d.dispatch(startID)
	return pe, nil
}

// RegisterInterrupt registers an interrupt and processes it right away. The
// returned interrupt is in its final state unless processing failed
// transiently, in which case it stays REGISTERED and Reconcile retries it,
// or unless a concurrent transition claimed it first.
func (d *Driver) RegisterInterrupt(ctx context.Context, in *engine.Interrupt) (*engine.Interrupt, error) {
	registered, err := d.interrupts.Register(ctx, in)
	if err != nil {
		return nil, err
	}
	return d.processInterrupt(ctx, registered.ID)
}

// AwaitCompletion blocks until the plan execution reached a terminal status.
func (d *Driver) AwaitCompletion(ctx context.Context, planExecutionID string) (*engine.PlanExecution, error) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	signal, release := d.waiter(planExecutionID)
	defer func() { release() }()

	for {
		pe, err := d.store.GetPlanExecution(ctx, planExecutionID)
		if err != nil {
			return nil, err
		}
		if pe.Status.IsTerminal() {
			return pe, nil
		}
		select {
		case <-ctx.Done():
			return pe, ctx.Err()
		case <-signal:
			release()
			signal, release = d.waiter(planExecutionID)
		case <-ticker.C:
		}
	}
}

// GetExecutionGraph projects the node executions of a plan execution.
func (d *Driver) GetExecutionGraph(ctx context.Context, planExecutionID string) (*engine.ExecutionGraph, error) {
	pe, err := d.store.GetPlanExecution(ctx, planExecutionID)
	if err != nil {
		return nil, err
	}
	nodes, err := d.store.ListNodeExecutions(ctx, planExecutionID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list node executions: %w", err)
	}

	outputs := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		instances, err := d.outcomes.FindAllByRuntimeID(ctx, n.RuntimeID)
		if err != nil {
			return nil, err
		}
		for _, inst := range instances {
			outputs[n.RuntimeID] = append(outputs[n.RuntimeID], inst.ID)
		}
	}
	return engine.BuildExecutionGraph(pe, nodes, outputs), nil
}

// RenderExpression renders <+...> expressions in text as seen from amb.
func (d *Driver) RenderExpression(ctx context.Context, amb engine.Ambiance, text string) (string, error) {
	entry, err := d.planEntry(ctx, amb.PlanExecutionID)
	if err != nil {
		return "", err
	}
	return d.evaluator.Render(ctx, expression.Env{Ambiance: amb, Producers: entry.producers}, text)
}

// Shutdown stops accepting work, stops timers and waits for running
// transitions. Work left unfinished is picked up by Reconcile.
func (d *Driver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	for key, t := range d.timers {
		t.Stop()
		delete(d.timers, key)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return fmt.Errorf("driver shutdown timeout: %w", ctx.Err())
	}
}

// spawn runs fn on its own goroutine once a dispatch slot is free. The
// runtime id, if any, is marked active for the duration so that Reconcile
// leaves the node alone.
func (d *Driver) spawn(key string, fn func(ctx context.Context)) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.wg.Add(1)
	if key != "" {
		d.active[key]++
	}
	d.mu.Unlock()

	go func() {
		defer func() {
			d.mu.Lock()
			if key != "" {
				if d.active[key]--; d.active[key] <= 0 {
					delete(d.active, key)
				}
			}
			d.mu.Unlock()
			d.wg.Done()
		}()

		if err := d.sem.Acquire(d.baseCtx, 1); err != nil {
			return
		}
		defer d.sem.Release(1)

		d.metrics().AddInflightNodes(1)
		defer d.metrics().AddInflightNodes(-1)
		fn(d.baseCtx)
	}()
}

func (d *Driver) isActive(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active[key] > 0
}

// dispatch starts a queued node execution.
func (d *Driver) dispatch(runtimeID string) {
	d.spawn(runtimeID, func(ctx context.Context) {
		d.run(ctx, runtimeID, "start", d.startNode)
	})
}

// run executes one transition and logs its failure. A failed transition
// leaves the node where it is; Reconcile picks it up again.
func (d *Driver) run(ctx context.Context, runtimeID, op string, fn func(ctx context.Context, runtimeID string) error) {
	if err := fn(ctx, runtimeID); err != nil {
		d.jobFailed(ctx, runtimeID, op, err)
	}
}

func (d *Driver) jobFailed(ctx context.Context, runtimeID, op string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	d.logger.Error().Err(err).
		Str("runtime_id", runtimeID).
		Str("operation", op).
		Msg("Node transition failed")

	class, code := string(engine.ErrorClassPermanent), ""
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		class, code = string(ee.Class), ee.Code
	}
	d.metrics().RecordError(class, code)

	if ne, getErr := d.store.GetNodeExecution(ctx, runtimeID); getErr == nil {
		d.publish(func(ep *telemetry.EventPublisher) error {
			return ep.PublishError(ne.PlanExecutionID, runtimeID, fmt.Sprintf("%s: %v", op, err))
		})
	}
}

// armTimer schedules fn at when, replacing a timer armed under the same key.
func (d *Driver) armTimer(key string, when time.Time, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if t, ok := d.timers[key]; ok {
		t.Stop()
	}
	delay := time.Until(when)
	if delay < 0 {
		delay = 0
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		d.mu.Lock()
		if d.timers[key] == t {
			delete(d.timers, key)
		}
		d.mu.Unlock()
		fn()
	})
	d.timers[key] = t
}

// stopTimers stops every timer of a node execution.
func (d *Driver) stopTimers(runtimeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	prefix := runtimeID + "/"
	for key, t := range d.timers {
		if strings.HasPrefix(key, prefix) {
			t.Stop()
			delete(d.timers, key)
		}
	}
}

// stopTimer stops one timer.
func (d *Driver) stopTimer(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[key]; ok {
		t.Stop()
		delete(d.timers, key)
	}
}

func timerKey(runtimeID, kind string) string {
	return runtimeID + "/" + kind
}

// waiter returns a channel closed when the plan execution ends, and a func
// that unregisters it.
func (d *Driver) waiter(planExecutionID string) (<-chan struct{}, func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := make(chan struct{})
	set, ok := d.waiters[planExecutionID]
	if !ok {
		set = make(map[chan struct{}]struct{})
		d.waiters[planExecutionID] = set
	}
	set[ch] = struct{}{}

	return ch, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		set, ok := d.waiters[planExecutionID]
		if !ok {
			return
		}
		delete(set, ch)
		if len(set) == 0 {
			delete(d.waiters, planExecutionID)
		}
	}
}

func (d *Driver) notifyDone(planExecutionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for ch := range d.waiters[planExecutionID] {
		close(ch)
	}
	delete(d.waiters, planExecutionID)
}

// planEntry returns the plan of a plan execution.
func (d *Driver) planEntry(ctx context.Context, planExecutionID string) (*planEntry, error) {
	pe, err := d.store.GetPlanExecution(ctx, planExecutionID)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	entry, ok := d.plans[pe.PlanID]
	d.mu.Unlock()
	if ok {
		return entry, nil
	}

	p, err := d.store.GetPlan(ctx, pe.PlanID)
	if err != nil {
		return nil, err
	}
	entry = newPlanEntry(p)

	d.mu.Lock()
	d.plans[pe.PlanID] = entry
	d.mu.Unlock()
	return entry, nil
}

func newPlanEntry(p *engine.Plan) *planEntry {
	producers := make(map[string]string, len(p.Nodes))
	for i := range p.Nodes {
		producers[p.Nodes[i].ExpressionIdentifier()] = p.Nodes[i].SetupID
	}
	return &planEntry{plan: p, producers: producers}
}

func (e *planEntry) node(setupID string) (*engine.ExecutionNode, error) {
	node, ok := e.plan.Node(setupID)
	if !ok {
		return nil, engine.NewPermanentError(fmt.Sprintf("plan %s has no node %s", e.plan.ID, setupID), nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(setupID)
	}
	return node, nil
}

// deriveID returns a deterministic runtime id below parent.
func deriveID(parent string, parts ...string) string {
	name := parent + "/" + strings.Join(parts, "/")
	return uuid.NewSHA1(runtimeNamespace, []byte(name)).String()
}

func levelFor(node *engine.ExecutionNode, runtimeID string, retryIndex int) engine.Level {
	return engine.Level{
		RuntimeID:  runtimeID,
		SetupID:    node.SetupID,
		Identifier: node.ExpressionIdentifier(),
		StepType:   node.StateType,
		Group:      node.LevelName,
		RetryIndex: retryIndex,
	}
}

// withRetry retries fn with exponential backoff while it fails with a
// retryable error.
func withRetry[T any](ctx context.Context, d *Driver, op string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.RetryInitialInterval
	b.MaxInterval = d.cfg.RetryMaxInterval

	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && !engine.IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(d.cfg.RetryMaxTries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			d.logger.Warn().Err(err).
				Str("operation", op).
				Dur("retry_in", next).
				Msg("Retrying store operation")
		}),
	)
}

func (d *Driver) getNode(ctx context.Context, runtimeID string) (*engine.NodeExecution, error) {
	return withRetry(ctx, d, "get node execution", func() (*engine.NodeExecution, error) {
		return d.store.GetNodeExecution(ctx, runtimeID)
	})
}

func (d *Driver) getPlanExecution(ctx context.Context, id string) (*engine.PlanExecution, error) {
	return withRetry(ctx, d, "get plan execution", func() (*engine.PlanExecution, error) {
		return d.store.GetPlanExecution(ctx, id)
	})
}

func (d *Driver) createNode(ctx context.Context, ne *engine.NodeExecution) (bool, error) {
	return withRetry(ctx, d, "create node execution", func() (bool, error) {
		return d.store.CreateNodeExecution(ctx, ne)
	})
}

// update is a compare-and-set of a node execution. It reports whether the
// node was in one of the from statuses.
func (d *Driver) update(ctx context.Context, runtimeID string, from []engine.Status, mutate engine.NodeMutation) (*engine.NodeExecution, bool, error) {
	type result struct {
		ne      *engine.NodeExecution
		applied bool
	}
	r, err := withRetry(ctx, d, "update node execution", func() (result, error) {
		ne, applied, err := d.store.UpdateNodeExecution(ctx, runtimeID, from, mutate)
		return result{ne, applied}, err
	})
	return r.ne, r.applied, err
}

func (d *Driver) updatePlan(ctx context.Context, id string, to engine.PlanStatus, from ...engine.PlanStatus) (bool, error) {
	return withRetry(ctx, d, "update plan execution", func() (bool, error) {
		return d.store.UpdatePlanExecutionStatus(ctx, id, to, from)
	})
}

func (d *Driver) metrics() *telemetry.Metrics {
	if d.tel == nil {
		return nil
	}
	return d.tel.Metrics
}

func (d *Driver) publish(fn func(ep *telemetry.EventPublisher) error) {
	if d.tel == nil || d.tel.Events == nil {
		return
	}
	if err := fn(d.tel.Events); err != nil {
		d.logger.Debug().Err(err).Msg("Failed to publish event")
	}
}

func (d *Driver) nodeLogger(ne *engine.NodeExecution) *zerolog.Logger {
	l := d.logger.With().
		Str("plan_execution_id", ne.PlanExecutionID).
		Str("runtime_id", ne.RuntimeID).
		Str("setup_id", ne.SetupID).
		Logger()
	return &l
}
