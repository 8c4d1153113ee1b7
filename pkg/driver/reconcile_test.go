package driver

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/step"
	"github.com/openfroyo/orchestra/pkg/stores"
)

// seedExecution stores a plan and a RUNNING plan execution as a crashed
// driver would have left them, with the given node executions.
func seedExecution(t *testing.T, store engine.Store, plan *engine.Plan, nodes ...*engine.NodeExecution) *engine.PlanExecution {
	t.Helper()
	ctx := context.Background()
	if err := store.SavePlan(ctx, plan); err != nil {
		t.Fatalf("Failed to save plan: %v", err)
	}

	pe := &engine.PlanExecution{
		ID:                uuid.New().String(),
		PlanID:            plan.ID,
		Status:            engine.PlanStatusRunning,
		StartingRuntimeID: nodes[0].RuntimeID,
	}
	if err := store.CreatePlanExecution(ctx, pe); err != nil {
		t.Fatalf("Failed to create plan execution: %v", err)
	}

	for _, ne := range nodes {
		ne.PlanExecutionID = pe.ID
		node, ok := plan.Node(ne.SetupID)
		if !ok {
			t.Fatalf("Plan has no node %s", ne.SetupID)
		}
		ne.StepType = node.StateType
		ne.Ambiance = engine.NewAmbiance(pe.ID, nil).CloneForChild(levelFor(node, ne.RuntimeID, 0))
		if ne.BranchID == "" {
			ne.BranchID = nodes[0].RuntimeID
		}
		if _, err := store.CreateNodeExecution(ctx, ne); err != nil {
			t.Fatalf("Failed to create node execution: %v", err)
		}
	}
	return pe
}

func twoNodePlan(id string) *engine.Plan {
	return &engine.Plan{
		ID:             id,
		StartingNodeID: "a",
		Nodes: []engine.ExecutionNode{
			testNode("a", step.TypeNoop, nil, onSuccess("b")),
			testNode("b", step.TypeNoop, nil),
		},
	}
}

func TestDriver_Reconcile(t *testing.T) {
	tests := []struct {
		name       string
		nodes      func() []*engine.NodeExecution
		interrupt  *engine.Interrupt
		wantStatus engine.PlanStatus
		check      func(t *testing.T, env *testEnv, pe *engine.PlanExecution)
	}{
		{
			name: "queued successor",
			nodes: func() []*engine.NodeExecution {
				return []*engine.NodeExecution{
					{RuntimeID: "a-1", SetupID: "a", Status: engine.StatusSucceeded, NextRuntimeID: "b-1"},
					{RuntimeID: "b-1", SetupID: "b", Status: engine.StatusQueued, PreviousRuntimeID: "a-1"},
				}
			},
			wantStatus: engine.PlanStatusSucceeded,
			check: func(t *testing.T, env *testEnv, pe *engine.PlanExecution) {
				if b := env.node(t, "b-1"); b.Status != engine.StatusSucceeded {
					t.Errorf("Expected b SUCCEEDED, got %s", b.Status)
				}
			},
		},
		{
			name: "advising",
			nodes: func() []*engine.NodeExecution {
				return []*engine.NodeExecution{
					{RuntimeID: "a-1", SetupID: "a", Status: engine.StatusAdvising, Mode: engine.ModeSync,
						Response: &engine.StepResponse{Status: engine.StatusSucceeded}},
				}
			},
			wantStatus: engine.PlanStatusSucceeded,
			check: func(t *testing.T, env *testEnv, pe *engine.PlanExecution) {
				b := env.nodes(t, pe.ID)["b"]
				if len(b) != 1 || b[0].Status != engine.StatusSucceeded {
					t.Errorf("Expected one successful b, got %d", len(b))
				}
			},
		},
		{
			name: "interrupted sync step",
			nodes: func() []*engine.NodeExecution {
				return []*engine.NodeExecution{
					{RuntimeID: "a-1", SetupID: "a", Status: engine.StatusRunning, Mode: engine.ModeSync},
				}
			},
			wantStatus: engine.PlanStatusFailed,
			check: func(t *testing.T, env *testEnv, pe *engine.PlanExecution) {
				a := env.node(t, "a-1")
				if a.Response == nil || a.Response.Failure == nil || a.Response.Failure.Code != engine.ErrCodeInterrupted {
					t.Errorf("Expected an INTERRUPTED failure, got %+v", a.Response)
				}
			},
		},
		{
			name: "running without mode",
			nodes: func() []*engine.NodeExecution {
				return []*engine.NodeExecution{
					{RuntimeID: "a-1", SetupID: "a", Status: engine.StatusRunning},
				}
			},
			wantStatus: engine.PlanStatusSucceeded,
		},
		{
			name: "stuck abort",
			nodes: func() []*engine.NodeExecution {
				return []*engine.NodeExecution{
					{RuntimeID: "a-1", SetupID: "a", Status: engine.StatusQueued},
				}
			},
			interrupt:  &engine.Interrupt{ID: "stuck", Type: engine.InterruptAbort, State: engine.InterruptProcessing},
			wantStatus: engine.PlanStatusAborted,
			check: func(t *testing.T, env *testEnv, pe *engine.PlanExecution) {
				in, err := env.store.GetInterrupt(context.Background(), "stuck")
				if err != nil {
					t.Fatalf("Failed to get interrupt: %v", err)
				}
				if in.State != engine.InterruptProcessedSuccessfully {
					t.Errorf("Expected interrupt processed successfully, got %s", in.State)
				}
				if a := env.node(t, "a-1"); a.Status != engine.StatusAborted {
					t.Errorf("Expected a ABORTED, got %s", a.Status)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := stores.NewMemoryStore()
			pe := seedExecution(t, store, twoNodePlan("reconcile"), tt.nodes()...)
			if tt.interrupt != nil {
				tt.interrupt.PlanExecutionID = pe.ID
				if err := store.CreateInterrupt(context.Background(), tt.interrupt); err != nil {
					t.Fatalf("Failed to create interrupt: %v", err)
				}
			}

			env := newTestEnv(t, store)
			if err := env.driver.Reconcile(context.Background(), pe.ID); err != nil {
				t.Fatalf("Reconcile failed: %v", err)
			}

			final := env.await(t, pe.ID)
			if final.Status != tt.wantStatus {
				t.Fatalf("Expected plan execution %s, got %s", tt.wantStatus, final.Status)
			}
			if tt.check != nil {
				tt.check(t, env, pe)
			}
		})
	}
}

func TestDriver_ReconcileIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	pe := env.start(t,
		testNode("a", step.TypeNoop, nil, onSuccess("b")),
		testNode("b", step.TypeNoop, nil),
	)
	env.await(t, pe.ID)
	before := env.nodes(t, pe.ID)

	for i := 0; i < 3; i++ {
		if err := env.driver.Reconcile(context.Background(), pe.ID); err != nil {
			t.Fatalf("Reconcile failed: %v", err)
		}
	}
	time.Sleep(20 * time.Millisecond)

	after := env.nodes(t, pe.ID)
	if len(after) != len(before) || len(after["b"]) != 1 {
		t.Errorf("Expected reconcile to change nothing, got %d node groups (b: %d)", len(after), len(after["b"]))
	}
}

func TestDriver_ResumeAll(t *testing.T) {
	store := stores.NewMemoryStore()
	plan := twoNodePlan("resume-all")
	first := seedExecution(t, store, plan,
		&engine.NodeExecution{RuntimeID: "first-a", SetupID: "a", Status: engine.StatusQueued})
	second := seedExecution(t, store, plan,
		&engine.NodeExecution{RuntimeID: "second-a", SetupID: "a", Status: engine.StatusQueued})

	env := newTestEnv(t, store)
	if err := env.driver.ResumeAll(context.Background()); err != nil {
		t.Fatalf("ResumeAll failed: %v", err)
	}

	for _, pe := range []*engine.PlanExecution{first, second} {
		if final := env.await(t, pe.ID); final.Status != engine.PlanStatusSucceeded {
			t.Errorf("Expected %s SUCCEEDED, got %s", pe.ID, final.Status)
		}
	}
}

func TestDriver_OrphanSuccessorIsAborted(t *testing.T) {
	store := stores.NewMemoryStore()
	pe := seedExecution(t, store, twoNodePlan("orphan"),
		&engine.NodeExecution{RuntimeID: "a-1", SetupID: "a", Status: engine.StatusSucceeded, NextRuntimeID: "b-2"},
		&engine.NodeExecution{RuntimeID: "b-1", SetupID: "b", Status: engine.StatusQueued, PreviousRuntimeID: "a-1"},
		&engine.NodeExecution{RuntimeID: "b-2", SetupID: "b", Status: engine.StatusQueued, PreviousRuntimeID: "a-1"},
	)

	env := newTestEnv(t, store)
	if err := env.driver.Reconcile(context.Background(), pe.ID); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if final := env.await(t, pe.ID); final.Status != engine.PlanStatusSucceeded {
		t.Fatalf("Expected plan execution SUCCEEDED, got %s", final.Status)
	}
	waitFor(t, "orphan to be aborted", func() bool {
		return env.node(t, "b-1").Status == engine.StatusAborted
	})
	if b := env.node(t, "b-2"); b.Status != engine.StatusSucceeded {
		t.Errorf("Expected chosen successor SUCCEEDED, got %s", b.Status)
	}
}
