package taskrunner

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/orchestra/pkg/codec"
	"github.com/openfroyo/orchestra/pkg/engine"
)

// DefaultTimeout bounds a task whose request names no timeout.
const DefaultTimeout = 10 * time.Minute

// Request is what a handler receives.
type Request struct {
	// TaskID is the runner's id for the task.
	TaskID string

	// Type is the handler type.
	Type string

	// Parameters is the encoded payload.
	Parameters []byte

	codec engine.Codec
}

// Decode decodes the parameters into v.
func (r *Request) Decode(v interface{}) error {
	if len(r.Parameters) == 0 {
		return nil
	}
	if err := r.codec.Decode(r.Parameters, v); err != nil {
		return fmt.Errorf("invalid parameters for task %s: %w", r.Type, err)
	}
	return nil
}

// Output is what a handler produced.
type Output struct {
	// Data is encoded with the runner codec into the task result.
	Data interface{}

	// ResponseCode is an observed code, e.g. an HTTP status or exit code.
	ResponseCode string
}

// Handler executes one task type. A returned error fails the task; the
// output, if any, is still delivered.
type Handler interface {
	Handle(ctx context.Context, req *Request) (*Output, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) (*Output, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, req *Request) (*Output, error) {
	return f(ctx, req)
}

type task struct {
	id     string
	token  string
	stage  engine.TaskStage
	cancel context.CancelFunc
}

// Local runs tasks in-process, one goroutine per task, and reports results
// through a bound engine.TaskCallback.
type Local struct {
	mu             sync.Mutex
	handlers       map[string]Handler
	tasks          map[string]*task
	callback       engine.TaskCallback
	codec          engine.Codec
	defaultTimeout time.Duration
	callbackTries  uint
	logger         zerolog.Logger

	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup
	closed    bool
}

// Option configures a Local runner.
type Option func(*Local)

// WithCodec sets the codec used for parameters and results.
func WithCodec(c engine.Codec) Option {
	return func(l *Local) { l.codec = c }
}

// WithDefaultTimeout sets the timeout of tasks that name none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(l *Local) { l.defaultTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Local) { l.logger = logger }
}

// WithHandler registers a handler for a task type.
func WithHandler(typ string, h Handler) Option {
	return func(l *Local) { l.handlers[typ] = h }
}

// NewLocal creates a runner with the built-in handlers registered.
func NewLocal(opts ...Option) *Local {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Local{
		handlers:       builtinHandlers(),
		tasks:          make(map[string]*task),
		codec:          codec.JSON{},
		defaultTimeout: DefaultTimeout,
		callbackTries:  5,
		logger:         zerolog.Nop(),
		baseCtx:        ctx,
		cancelAll:      cancel,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With().Str("component", "taskrunner").Logger()
	return l
}

// Bind sets the callback that receives task results. It must be called
// before the first Submit.
func (l *Local) Bind(cb engine.TaskCallback) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callback = cb
}

// Register adds or replaces a handler.
func (l *Local) Register(typ string, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[typ] = h
}

// Types returns the registered task types in sorted order.
func (l *Local) Types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	types := make([]string, 0, len(l.handlers))
	for t := range l.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Submit starts a task and returns its id.
func (l *Local) Submit(_ context.Context, req engine.TaskRequest, callbackToken string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return "", engine.NewTransientError("task runner is closed", nil).WithOperation("submit")
	}
	if l.callback == nil {
		return "", engine.NewPermanentError("task runner has no callback bound", nil).WithOperation("submit")
	}
	h, ok := l.handlers[req.Type]
	if !ok {
		return "", engine.NewPermanentError(fmt.Sprintf("unknown task type: %s", req.Type), nil).
			WithCode(engine.ErrCodeValidation).
			WithOperation("submit")
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = l.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(l.baseCtx, timeout)

	t := &task{
		id:     uuid.New().String(),
		token:  callbackToken,
		stage:  engine.TaskStageQueued,
		cancel: cancel,
	}
	l.tasks[t.id] = t

	l.wg.Add(1)
	go l.run(ctx, t, h, req, l.callback)

	l.logger.Debug().
		Str("task_id", t.id).
		Str("type", req.Type).
		Str("token", callbackToken).
		Msg("Task submitted")

	return t.id, nil
}

func (l *Local) run(ctx context.Context, t *task, h Handler, req engine.TaskRequest, cb engine.TaskCallback) {
	defer l.wg.Done()
	defer t.cancel()

	if !l.transition(t, engine.TaskStageRunning) {
		l.deliver(cb, t, engine.TaskResult{TaskID: t.id, Stage: engine.TaskStageCancelled, Error: "task cancelled"})
		return
	}

	ctx = l.logger.With().Str("task_id", t.id).Str("type", req.Type).Logger().WithContext(ctx)
	out, err := h.Handle(ctx, &Request{TaskID: t.id, Type: req.Type, Parameters: req.Parameters, codec: l.codec})

	result := engine.TaskResult{TaskID: t.id, Stage: engine.TaskStageSucceeded}
	if out != nil {
		result.ResponseCode = out.ResponseCode
		if out.Data != nil {
			data, encErr := l.codec.Encode(out.Data)
			if encErr != nil && err == nil {
				err = fmt.Errorf("failed to encode task output: %w", encErr)
			}
			result.Data = data
		}
	}

	switch {
	case l.stage(t) == engine.TaskStageCancelled:
		result.Stage = engine.TaskStageCancelled
		result.Error = "task cancelled"
	case ctx.Err() == context.DeadlineExceeded:
		result.Stage = engine.TaskStageFailed
		result.Error = "task timed out"
	case err != nil:
		result.Stage = engine.TaskStageFailed
		result.Error = err.Error()
	}
	l.transition(t, result.Stage)

	l.deliver(cb, t, result)
}

func (l *Local) deliver(cb engine.TaskCallback, t *task, result engine.TaskResult) {
	_, err := backoff.Retry(l.baseCtx, func() (struct{}, error) {
		err := cb.NotifyTaskResult(l.baseCtx, t.token, result)
		if err != nil && !engine.IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(l.callbackTries))

	ev := l.logger.Debug()
	if err != nil {
		ev = l.logger.Error().Err(err)
	}
	ev.Str("task_id", t.id).
		Str("stage", string(result.Stage)).
		Msg("Task result delivered")
}

// transition moves a task to stage unless it is already final.
func (l *Local) transition(t *task, stage engine.TaskStage) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.stage.IsFinal() {
		return false
	}
	t.stage = stage
	return true
}

func (l *Local) stage(t *task) engine.TaskStage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return t.stage
}

// Cancel cancels a task and returns the stage it was in. Unknown tasks
// report UNKNOWN.
func (l *Local) Cancel(_ context.Context, taskID string) (engine.TaskStage, error) {
	l.mu.Lock()
	t, ok := l.tasks[taskID]
	if !ok {
		l.mu.Unlock()
		return engine.TaskStageUnknown, nil
	}
	prev := t.stage
	if !prev.IsFinal() {
		t.stage = engine.TaskStageCancelled
	}
	l.mu.Unlock()

	if !prev.IsFinal() {
		t.cancel()
		l.logger.Debug().Str("task_id", taskID).Str("stage", string(prev)).Msg("Task cancelled")
	}
	return prev, nil
}

// PollProgress returns the current stage of a task. Tasks this runner does
// not know, e.g. after a restart, report UNKNOWN.
func (l *Local) PollProgress(_ context.Context, taskID string) (engine.TaskStage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tasks[taskID]
	if !ok {
		return engine.TaskStageUnknown, nil
	}
	return t.stage, nil
}

// Close stops accepting tasks and waits for running ones to finish. Tasks
// still running when ctx is done are cancelled.
func (l *Local) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		l.cancelAll()
		return nil
	case <-ctx.Done():
		l.cancelAll()
		return ctx.Err()
	}
}

var _ engine.TaskRunner = (*Local)(nil)
