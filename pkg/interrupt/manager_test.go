package interrupt

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/stores"
)

func setup(t *testing.T) (*Manager, *stores.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	store := stores.NewMemoryStore()
	now := time.Now().UTC()
	if err := store.CreatePlanExecution(ctx, &engine.PlanExecution{
		ID: "pe-1", PlanID: "plan-1", Status: engine.PlanStatusRunning, StartedAt: now,
	}); err != nil {
		t.Fatalf("Failed to create plan execution: %v", err)
	}
	if _, err := store.CreateNodeExecution(ctx, &engine.NodeExecution{
		RuntimeID: "rt-a", PlanExecutionID: "pe-1", SetupID: "a", Status: engine.StatusInterventionWaiting, CreatedAt: now,
	}); err != nil {
		t.Fatalf("Failed to create node execution: %v", err)
	}
	return NewManager(store, zerolog.Nop()), store
}

func TestRegister_Validation(t *testing.T) {
	m, _ := setup(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   engine.Interrupt
	}{
		{"unknown type", engine.Interrupt{Type: "STOP", PlanExecutionID: "pe-1"}},
		{"missing plan execution", engine.Interrupt{Type: engine.InterruptAbort}},
		{"missing target", engine.Interrupt{Type: engine.InterruptRetry, PlanExecutionID: "pe-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := tt.in
			_, err := m.Register(ctx, &in)
			if !engine.HasCode(err, engine.ErrCodeValidation) {
				t.Errorf("Expected VALIDATION error, got %v", err)
			}
		})
	}

	if _, err := m.Register(ctx, &engine.Interrupt{Type: engine.InterruptAbort, PlanExecutionID: "pe-x"}); !engine.IsNotFound(err) {
		t.Errorf("Expected NOT_FOUND for unknown plan execution, got %v", err)
	}
	if _, err := m.Register(ctx, &engine.Interrupt{Type: engine.InterruptRetry, PlanExecutionID: "pe-1", TargetRuntimeID: "rt-x"}); !engine.IsNotFound(err) {
		t.Errorf("Expected NOT_FOUND for unknown target, got %v", err)
	}
}

func TestProcess_Success(t *testing.T) {
	m, _ := setup(t)
	ctx := context.Background()

	var got *engine.Interrupt
	m.Handle(engine.InterruptRetry, func(_ context.Context, in *engine.Interrupt) error {
		got = in
		return nil
	})

	in, err := m.Register(ctx, &engine.Interrupt{Type: engine.InterruptRetry, PlanExecutionID: "pe-1", TargetRuntimeID: "rt-a"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if in.State != engine.InterruptRegistered {
		t.Fatalf("Expected REGISTERED, got %s", in.State)
	}

	done, err := m.Process(ctx, in.ID)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if done.State != engine.InterruptProcessedSuccessfully {
		t.Errorf("Expected PROCESSED_SUCCESSFULLY, got %s", done.State)
	}
	if got == nil || got.State != engine.InterruptProcessing {
		t.Errorf("Expected the handler to see a PROCESSING interrupt, got %+v", got)
	}

	pending, err := m.Pending(ctx, "pe-1")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Expected no pending interrupts, got %d", len(pending))
	}
}

func TestProcess_Failures(t *testing.T) {
	tests := []struct {
		name      string
		handler   HandlerFunc
		wantState engine.InterruptState
	}{
		{
			name:      "not applicable",
			handler:   func(context.Context, *engine.Interrupt) error { return ErrNotApplicable },
			wantState: engine.InterruptProcessedUnsuccessfully,
		},
		{
			name: "permanent",
			handler: func(context.Context, *engine.Interrupt) error {
				return engine.NewPermanentError("boom", nil)
			},
			wantState: engine.InterruptProcessedUnsuccessfully,
		},
		{
			name: "transient",
			handler: func(context.Context, *engine.Interrupt) error {
				return engine.NewTransientError("store down", nil)
			},
			wantState: engine.InterruptRegistered,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := setup(t)
			ctx := context.Background()
			m.Handle(engine.InterruptIgnore, tt.handler)

			in, err := m.Register(ctx, &engine.Interrupt{Type: engine.InterruptIgnore, PlanExecutionID: "pe-1", TargetRuntimeID: "rt-a"})
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			done, err := m.Process(ctx, in.ID)
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if done.State != tt.wantState {
				t.Errorf("Expected %s, got %s", tt.wantState, done.State)
			}
			if done.Error == "" {
				t.Error("Expected the failure to be recorded")
			}
		})
	}
}

func TestProcess_NoHandler(t *testing.T) {
	m, _ := setup(t)
	ctx := context.Background()

	in, err := m.Register(ctx, &engine.Interrupt{Type: engine.InterruptPauseAll, PlanExecutionID: "pe-1"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	done, err := m.Process(ctx, in.ID)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if done.State != engine.InterruptProcessedUnsuccessfully {
		t.Errorf("Expected PROCESSED_UNSUCCESSFULLY, got %s", done.State)
	}
}

func TestProcess_ExactlyOnce(t *testing.T) {
	m, _ := setup(t)
	ctx := context.Background()

	var calls int32
	m.Handle(engine.InterruptAbort, func(context.Context, *engine.Interrupt) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	in, err := m.Register(ctx, &engine.Interrupt{Type: engine.InterruptAbort, PlanExecutionID: "pe-1"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Process(ctx, in.ID); err != nil {
				t.Errorf("Expected no error, got: %v", err)
			}
		}()
	}
	wg.Wait()

	if calls != 1 {
		t.Errorf("Expected the handler to run once, got %d", calls)
	}
}

func TestRelease(t *testing.T) {
	m, store := setup(t)
	ctx := context.Background()

	in, err := m.Register(ctx, &engine.Interrupt{Type: engine.InterruptAbort, PlanExecutionID: "pe-1"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if _, err := store.UpdateInterruptState(ctx, in.ID, engine.InterruptProcessing, nil, ""); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	released, err := m.Release(ctx, in.ID)
	if err != nil || !released {
		t.Fatalf("Expected the interrupt to be released, got %v %v", released, err)
	}
	got, _ := m.Get(ctx, in.ID)
	if got.State != engine.InterruptRegistered {
		t.Errorf("Expected REGISTERED, got %s", got.State)
	}

	all, err := m.List(ctx, "pe-1")
	if err != nil || len(all) != 1 {
		t.Errorf("Expected one interrupt, got %d %v", len(all), err)
	}
}
