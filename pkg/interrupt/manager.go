package interrupt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/orchestra/pkg/engine"
)

// ErrNotApplicable is returned by a handler when the interrupt cannot be
// applied to its target, e.g. RETRY on a node that is not waiting for
// intervention. The interrupt is processed unsuccessfully.
var ErrNotApplicable = errors.New("interrupt not applicable")

// HandlerFunc applies one interrupt type.
type HandlerFunc func(ctx context.Context, in *engine.Interrupt) error

// Manager registers interrupts and drives them through their states:
// REGISTERED, PROCESSING, then PROCESSED_SUCCESSFULLY or
// PROCESSED_UNSUCCESSFULLY.
type Manager struct {
	store    engine.Store
	mu       sync.RWMutex
	handlers map[engine.InterruptType]HandlerFunc
	logger   zerolog.Logger
	now      func() time.Time
}

// NewManager creates an interrupt manager.
func NewManager(store engine.Store, logger zerolog.Logger) *Manager {
	return &Manager{
		store:    store,
		handlers: make(map[engine.InterruptType]HandlerFunc),
		logger:   logger.With().Str("component", "interrupt").Logger(),
		now:      time.Now,
	}
}

// Handle registers the handler for an interrupt type.
func (m *Manager) Handle(typ engine.InterruptType, fn HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[typ] = fn
}

// Register validates and persists an interrupt in state REGISTERED.
func (m *Manager) Register(ctx context.Context, in *engine.Interrupt) (*engine.Interrupt, error) {
	if err := in.Type.Validate(); err != nil {
		return nil, validationError(err.Error())
	}
	if in.PlanExecutionID == "" {
		return nil, validationError("plan execution id is required")
	}
	if in.Type.RequiresTarget() && in.TargetRuntimeID == "" {
		return nil, validationError(fmt.Sprintf("interrupt %s requires a target node execution", in.Type))
	}

	pe, err := m.store.GetPlanExecution(ctx, in.PlanExecutionID)
	if err != nil {
		return nil, err
	}
	if in.TargetRuntimeID != "" {
		target, err := m.store.GetNodeExecution(ctx, in.TargetRuntimeID)
		if err != nil {
			return nil, err
		}
		if target.PlanExecutionID != pe.ID {
			return nil, validationError(fmt.Sprintf("node execution %s does not belong to plan execution %s", target.RuntimeID, pe.ID))
		}
	}

	now := m.now().UTC()
	registered := &engine.Interrupt{
		ID:              uuid.New().String(),
		Type:            in.Type,
		PlanExecutionID: in.PlanExecutionID,
		TargetRuntimeID: in.TargetRuntimeID,
		State:           engine.InterruptRegistered,
		Reason:          in.Reason,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.store.CreateInterrupt(ctx, registered); err != nil {
		return nil, fmt.Errorf("failed to register interrupt: %w", err)
	}

	m.logger.Info().
		Str("interrupt_id", registered.ID).
		Str("type", string(registered.Type)).
		Str("plan_execution_id", registered.PlanExecutionID).
		Str("target", registered.TargetRuntimeID).
		Msg("Interrupt registered")

	return registered, nil
}

// Process claims a registered interrupt and applies it. It returns the
// interrupt in its final state, or in REGISTERED when the handler failed
// transiently and processing should be retried. An interrupt claimed by
// someone else is returned as stored.
func (m *Manager) Process(ctx context.Context, id string) (*engine.Interrupt, error) {
	claimed, err := m.store.UpdateInterruptState(ctx, id, engine.InterruptProcessing,
		[]engine.InterruptState{engine.InterruptRegistered}, "")
	if err != nil {
		return nil, err
	}
	if !claimed {
		return m.store.GetInterrupt(ctx, id)
	}

	in, err := m.store.GetInterrupt(ctx, id)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	handler, ok := m.handlers[in.Type]
	m.mu.RUnlock()

	var handleErr error
	if !ok {
		handleErr = fmt.Errorf("%w: no handler for %s", ErrNotApplicable, in.Type)
	} else {
		handleErr = handler(ctx, in)
	}

	to := engine.InterruptProcessedSuccessfully
	msg := ""
	switch {
	case handleErr == nil:
	case engine.IsRetryable(handleErr):
		to = engine.InterruptRegistered
		msg = handleErr.Error()
	default:
		to = engine.InterruptProcessedUnsuccessfully
		msg = handleErr.Error()
	}

	if _, err := m.store.UpdateInterruptState(ctx, id, to,
		[]engine.InterruptState{engine.InterruptProcessing}, msg); err != nil {
		return nil, err
	}

	ev := m.logger.Info()
	if handleErr != nil {
		ev = m.logger.Warn().Err(handleErr)
	}
	ev.Str("interrupt_id", id).
		Str("type", string(in.Type)).
		Str("plan_execution_id", in.PlanExecutionID).
		Str("state", string(to)).
		Msg("Interrupt processed")

	return m.store.GetInterrupt(ctx, id)
}

// Release returns an interrupt stuck in PROCESSING to REGISTERED, e.g. after
// the driver that claimed it crashed.
func (m *Manager) Release(ctx context.Context, id string) (bool, error) {
	return m.store.UpdateInterruptState(ctx, id, engine.InterruptRegistered,
		[]engine.InterruptState{engine.InterruptProcessing}, "")
}

// Pending lists interrupts of a plan execution that are not yet processed.
func (m *Manager) Pending(ctx context.Context, planExecutionID string) ([]*engine.Interrupt, error) {
	return m.store.ListInterrupts(ctx, planExecutionID,
		[]engine.InterruptState{engine.InterruptRegistered, engine.InterruptProcessing})
}

// List lists every interrupt of a plan execution in registration order.
func (m *Manager) List(ctx context.Context, planExecutionID string) ([]*engine.Interrupt, error) {
	return m.store.ListInterrupts(ctx, planExecutionID, nil)
}

// Get retrieves an interrupt.
func (m *Manager) Get(ctx context.Context, id string) (*engine.Interrupt, error) {
	return m.store.GetInterrupt(ctx, id)
}

func validationError(msg string) error {
	return engine.NewPermanentError(msg, nil).WithCode(engine.ErrCodeValidation)
}
