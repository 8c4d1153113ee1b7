package stores

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/openfroyo/orchestra/pkg/engine"
)

// postgresURLEnv enables the PostgreSQL variant of the store tests.
const postgresURLEnv = "ORCHESTRA_TEST_POSTGRES_URL"

type storeFactory struct {
	name string
	open func(t *testing.T) engine.Store
}

func storeFactories(t *testing.T) []storeFactory {
	t.Helper()

	factories := []storeFactory{
		{name: "memory", open: func(t *testing.T) engine.Store { return NewMemoryStore() }},
		{name: "sqlite", open: func(t *testing.T) engine.Store { return setupSQLiteStore(t) }},
	}

	if url := os.Getenv(postgresURLEnv); url != "" {
		factories = append(factories, storeFactory{name: "postgres", open: func(t *testing.T) engine.Store {
			store, err := Open(context.Background(), Config{Driver: DriverPostgres, URL: url})
			if err != nil {
				t.Fatalf("failed to open postgres store: %v", err)
			}
			return store
		}})
	}

	return factories
}

// setupSQLiteStore creates an in-memory SQLite store for testing
func setupSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	return store
}

// forEachStore runs fn against every available store implementation
func forEachStore(t *testing.T, fn func(t *testing.T, store engine.Store)) {
	for _, f := range storeFactories(t) {
		f := f
		t.Run(f.name, func(t *testing.T) {
			store := f.open(t)
			defer store.Close()
			fn(t, store)
		})
	}
}

// uniqueID keeps rows from different runs apart in shared databases
func uniqueID(t *testing.T, prefix string) string {
	return fmt.Sprintf("%s-%s-%p", prefix, t.Name(), t)
}

func seedPlanExecution(t *testing.T, store engine.Store) *engine.PlanExecution {
	t.Helper()
	ctx := context.Background()

	plan := &engine.Plan{
		ID:             uniqueID(t, "plan"),
		StartingNodeID: "a",
		Nodes: []engine.ExecutionNode{
			{SetupID: "a", StateType: "NOOP", FacilitatorObtainments: []engine.FacilitatorObtainment{{Type: "SYNC"}}},
		},
	}
	if err := store.SavePlan(ctx, plan); err != nil {
		t.Fatalf("failed to save plan: %v", err)
	}

	pe := &engine.PlanExecution{
		ID:                uniqueID(t, "pe"),
		PlanID:            plan.ID,
		Status:            engine.PlanStatusRunning,
		SetupAbstractions: map[string]string{"env": "test"},
		StartingRuntimeID: uniqueID(t, "rt-a"),
	}
	if err := store.CreatePlanExecution(ctx, pe); err != nil {
		t.Fatalf("failed to create plan execution: %v", err)
	}
	return pe
}

func newNode(pe *engine.PlanExecution, runtimeID, setupID, parent string) *engine.NodeExecution {
	amb := engine.NewAmbiance(pe.ID, pe.SetupAbstractions).
		CloneForChild(engine.Level{RuntimeID: runtimeID, SetupID: setupID})
	return &engine.NodeExecution{
		RuntimeID:       runtimeID,
		PlanExecutionID: pe.ID,
		SetupID:         setupID,
		Ambiance:        amb,
		Status:          engine.StatusQueued,
		ParentRuntimeID: parent,
		BranchID:        runtimeID,
	}
}

func TestStore_PlanRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, store engine.Store) {
		ctx := context.Background()
		pe := seedPlanExecution(t, store)

		plan, err := store.GetPlan(ctx, pe.PlanID)
		if err != nil {
			t.Fatalf("failed to get plan: %v", err)
		}
		if node, ok := plan.Node("a"); !ok || node.StateType != "NOOP" {
			t.Errorf("expected node a with state type NOOP, got %v", node)
		}

		if _, err := store.GetPlan(ctx, "missing"); !engine.IsNotFound(err) {
			t.Errorf("expected not found, got %v", err)
		}
	})
}

func TestStore_PlanExecutionStatusCAS(t *testing.T) {
	forEachStore(t, func(t *testing.T, store engine.Store) {
		ctx := context.Background()
		pe := seedPlanExecution(t, store)

		retrieved, err := store.GetPlanExecution(ctx, pe.ID)
		if err != nil {
			t.Fatalf("failed to get plan execution: %v", err)
		}
		if retrieved.SetupAbstractions["env"] != "test" {
			t.Errorf("expected setup abstractions to round trip, got %v", retrieved.SetupAbstractions)
		}

		applied, err := store.UpdatePlanExecutionStatus(ctx, pe.ID, engine.PlanStatusPaused,
			[]engine.PlanStatus{engine.PlanStatusRunning})
		if err != nil || !applied {
			t.Fatalf("expected pause to apply, got applied=%v err=%v", applied, err)
		}

		applied, err = store.UpdatePlanExecutionStatus(ctx, pe.ID, engine.PlanStatusSucceeded,
			[]engine.PlanStatus{engine.PlanStatusRunning})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if applied {
			t.Error("expected update from RUNNING to be rejected while PAUSED")
		}

		applied, err = store.UpdatePlanExecutionStatus(ctx, pe.ID, engine.PlanStatusAborted, engine.LivePlanStatuses)
		if err != nil || !applied {
			t.Fatalf("expected abort to apply, got applied=%v err=%v", applied, err)
		}

		ended, err := store.GetPlanExecution(ctx, pe.ID)
		if err != nil {
			t.Fatalf("failed to get plan execution: %v", err)
		}
		if ended.Status != engine.PlanStatusAborted {
			t.Errorf("expected status ABORTED, got %s", ended.Status)
		}
		if ended.EndedAt == nil {
			t.Error("expected EndedAt to be set")
		}

		live, err := store.ListPlanExecutions(ctx, engine.LivePlanStatuses)
		if err != nil {
			t.Fatalf("failed to list plan executions: %v", err)
		}
		for _, l := range live {
			if l.ID == pe.ID {
				t.Error("expected aborted plan execution not to be listed as live")
			}
		}

		if _, err := store.UpdatePlanExecutionStatus(ctx, "missing", engine.PlanStatusAborted, nil); !engine.IsNotFound(err) {
			t.Errorf("expected not found, got %v", err)
		}
	})
}

func TestStore_NodeExecutionCreateIsIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, store engine.Store) {
		ctx := context.Background()
		pe := seedPlanExecution(t, store)
		node := newNode(pe, uniqueID(t, "rt"), "a", "")

		created, err := store.CreateNodeExecution(ctx, node)
		if err != nil || !created {
			t.Fatalf("expected first create to insert, got created=%v err=%v", created, err)
		}

		created, err = store.CreateNodeExecution(ctx, newNode(pe, node.RuntimeID, "a", ""))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if created {
			t.Error("expected second create with the same runtime id to be a no-op")
		}

		nodes, err := store.ListNodeExecutions(ctx, pe.ID, nil)
		if err != nil {
			t.Fatalf("failed to list node executions: %v", err)
		}
		if len(nodes) != 1 {
			t.Errorf("expected 1 node execution, got %d", len(nodes))
		}
		if nodes[0].Ambiance.CurrentRuntimeID() != node.RuntimeID {
			t.Errorf("expected ambiance to round trip, got %v", nodes[0].Ambiance)
		}
	})
}

func TestStore_UpdateNodeExecutionCAS(t *testing.T) {
	forEachStore(t, func(t *testing.T, store engine.Store) {
		ctx := context.Background()
		pe := seedPlanExecution(t, store)
		node := newNode(pe, uniqueID(t, "rt"), "a", "")
		if _, err := store.CreateNodeExecution(ctx, node); err != nil {
			t.Fatalf("failed to create node execution: %v", err)
		}

		updated, applied, err := store.UpdateNodeExecution(ctx, node.RuntimeID,
			[]engine.Status{engine.StatusQueued}, func(n *engine.NodeExecution) {
				n.Status = engine.StatusRunning
				n.Mode = engine.ModeSync
			})
		if err != nil || !applied {
			t.Fatalf("expected start to apply, got applied=%v err=%v", applied, err)
		}
		if updated.Version != 2 {
			t.Errorf("expected version 2, got %d", updated.Version)
		}

		current, applied, err := store.UpdateNodeExecution(ctx, node.RuntimeID,
			[]engine.Status{engine.StatusQueued}, func(n *engine.NodeExecution) {
				n.Status = engine.StatusAborted
			})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if applied {
			t.Error("expected update from QUEUED to be rejected")
		}
		if current.Status != engine.StatusRunning {
			t.Errorf("expected current status RUNNING, got %s", current.Status)
		}

		running, err := store.ListNodeExecutions(ctx, pe.ID, []engine.Status{engine.StatusRunning})
		if err != nil {
			t.Fatalf("failed to list node executions: %v", err)
		}
		if len(running) != 1 || running[0].Mode != engine.ModeSync {
			t.Errorf("expected 1 running SYNC node, got %v", running)
		}

		ended, _, err := store.UpdateNodeExecution(ctx, node.RuntimeID, engine.CompletableStatuses,
			func(n *engine.NodeExecution) { n.Status = engine.StatusSucceeded })
		if err != nil {
			t.Fatalf("failed to end node: %v", err)
		}
		if ended.EndedAt == nil {
			t.Error("expected EndedAt to be set for terminal status")
		}
	})
}

func TestStore_UpdateNodeExecutionRace(t *testing.T) {
	forEachStore(t, func(t *testing.T, store engine.Store) {
		ctx := context.Background()
		pe := seedPlanExecution(t, store)
		node := newNode(pe, uniqueID(t, "rt"), "a", "")
		node.Status = engine.StatusRunning
		if _, err := store.CreateNodeExecution(ctx, node); err != nil {
			t.Fatalf("failed to create node execution: %v", err)
		}

		targets := []engine.Status{engine.StatusAdvising, engine.StatusAborted}
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners []engine.Status
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(target engine.Status) {
				defer wg.Done()
				_, applied, err := store.UpdateNodeExecution(ctx, node.RuntimeID,
					[]engine.Status{engine.StatusRunning}, func(n *engine.NodeExecution) { n.Status = target })
				if err != nil {
					t.Errorf("unexpected error: %v", err)
					return
				}
				if applied {
					mu.Lock()
					winners = append(winners, target)
					mu.Unlock()
				}
			}(targets[i%2])
		}
		wg.Wait()

		if len(winners) != 1 {
			t.Fatalf("expected exactly one winner, got %v", winners)
		}
		stored, err := store.GetNodeExecution(ctx, node.RuntimeID)
		if err != nil {
			t.Fatalf("failed to get node execution: %v", err)
		}
		if stored.Status != winners[0] {
			t.Errorf("expected stored status %s, got %s", winners[0], stored.Status)
		}
	})
}

func TestStore_ListChildNodeExecutions(t *testing.T) {
	forEachStore(t, func(t *testing.T, store engine.Store) {
		ctx := context.Background()
		pe := seedPlanExecution(t, store)
		parent := newNode(pe, uniqueID(t, "parent"), "fork", "")
		if _, err := store.CreateNodeExecution(ctx, parent); err != nil {
			t.Fatalf("failed to create parent: %v", err)
		}
		for _, id := range []string{"c", "d"} {
			if _, err := store.CreateNodeExecution(ctx, newNode(pe, uniqueID(t, id), id, parent.RuntimeID)); err != nil {
				t.Fatalf("failed to create child %s: %v", id, err)
			}
		}

		children, err := store.ListChildNodeExecutions(ctx, parent.RuntimeID)
		if err != nil {
			t.Fatalf("failed to list children: %v", err)
		}
		if len(children) != 2 || children[0].SetupID != "c" || children[1].SetupID != "d" {
			t.Errorf("expected children c and d in creation order, got %v", children)
		}
	})
}

func TestStore_TaskResultsAreRecordedOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, store engine.Store) {
		ctx := context.Background()
		runtimeID := uniqueID(t, "rt")

		first, err := store.RecordTaskResult(ctx, runtimeID, &engine.TaskResult{TaskID: "t1", Stage: engine.TaskStageSucceeded, Data: []byte(`{"ok":true}`)})
		if err != nil || !first {
			t.Fatalf("expected first result to be recorded, got %v %v", first, err)
		}
		again, err := store.RecordTaskResult(ctx, runtimeID, &engine.TaskResult{TaskID: "t1", Stage: engine.TaskStageFailed})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if again {
			t.Error("expected duplicate result to be ignored")
		}

		results, err := store.ListTaskResults(ctx, runtimeID)
		if err != nil {
			t.Fatalf("failed to list task results: %v", err)
		}
		if len(results) != 1 || results["t1"].Stage != engine.TaskStageSucceeded {
			t.Errorf("expected the first result to win, got %v", results)
		}
	})
}

func TestStore_OutputUniquenessAndLookup(t *testing.T) {
	forEachStore(t, func(t *testing.T, store engine.Store) {
		ctx := context.Background()
		pe := seedPlanExecution(t, store)

		first := &engine.OutputInstance{
			ID:                uniqueID(t, "out-1"),
			PlanExecutionID:   pe.ID,
			Name:              "result",
			Kind:              engine.KindOutcome,
			ProducerSetupID:   "a",
			ProducerRuntimeID: "rt-a-1",
			ScopeKey:          "rt-stage",
			Codec:             "json",
			Value:             []byte(`42`),
		}
		if err := store.InsertOutput(ctx, first); err != nil {
			t.Fatalf("failed to insert output: %v", err)
		}

		dup := *first
		dup.ID = uniqueID(t, "out-dup")
		err := store.InsertOutput(ctx, &dup)
		if !engine.IsConflict(err) || !engine.HasCode(err, engine.ErrCodeAlreadyExists) {
			t.Fatalf("expected ALREADY_EXISTS conflict, got %v", err)
		}

		// Same name under another scope and kind is allowed.
		other := *first
		other.ID = uniqueID(t, "out-2")
		other.ScopeKey = "rt-stage-2"
		other.ProducerRuntimeID = "rt-a-2"
		if err := store.InsertOutput(ctx, &other); err != nil {
			t.Fatalf("failed to insert output in another scope: %v", err)
		}
		sweeping := *first
		sweeping.ID = uniqueID(t, "out-3")
		sweeping.Kind = engine.KindSweepingOutput
		if err := store.InsertOutput(ctx, &sweeping); err != nil {
			t.Fatalf("failed to insert sweeping output: %v", err)
		}

		found, err := store.FindOutput(ctx, pe.ID, engine.KindOutcome, "result", "rt-stage")
		if err != nil {
			t.Fatalf("failed to find output: %v", err)
		}
		if found.ID != first.ID || string(found.Value) != "42" {
			t.Errorf("expected %s with value 42, got %s with %s", first.ID, found.ID, found.Value)
		}

		latest, err := store.FindLatestOutputByProducer(ctx, pe.ID, engine.KindOutcome, "result", "a")
		if err != nil {
			t.Fatalf("failed to find latest output: %v", err)
		}
		if latest.ID != other.ID {
			t.Errorf("expected latest output %s, got %s", other.ID, latest.ID)
		}

		byRuntime, err := store.ListOutputsByRuntimeID(ctx, "rt-a-1")
		if err != nil {
			t.Fatalf("failed to list outputs: %v", err)
		}
		if len(byRuntime) != 2 {
			t.Errorf("expected 2 outputs for rt-a-1, got %d", len(byRuntime))
		}

		if _, err := store.FindOutput(ctx, pe.ID, engine.KindOutcome, "result", ""); !errors.Is(err, engine.ErrNotFound) {
			t.Errorf("expected not found at the root scope, got %v", err)
		}
	})
}

func TestStore_OutputSlotOwnership(t *testing.T) {
	forEachStore(t, func(t *testing.T, store engine.Store) {
		ctx := context.Background()
		pe := seedPlanExecution(t, store)

		base := engine.OutputInstance{
			PlanExecutionID: pe.ID,
			Name:            "code",
			Kind:            engine.KindOutcome,
			ScopeKey:        "rt-fork",
			Codec:           "json",
		}
		attempt := func(id, setupID, runtimeID, value string) *engine.OutputInstance {
			o := base
			o.ID = uniqueID(t, id)
			o.ProducerSetupID = setupID
			o.ProducerRuntimeID = runtimeID
			o.Value = []byte(value)
			return &o
		}

		tests := []struct {
			name      string
			out       *engine.OutputInstance
			wantErr   bool
			wantValue string
		}{
			{"first attempt claims the name", attempt("out-a0", "a", "rt-a-0", `"500"`), false, `"500"`},
			{"retry of the owner supersedes", attempt("out-a1", "a", "rt-a-1", `"200"`), false, `"200"`},
			{"same attempt again conflicts", attempt("out-a1-dup", "a", "rt-a-1", `"201"`), true, `"200"`},
			{"another producer conflicts", attempt("out-b0", "b", "rt-b-0", `"404"`), true, `"200"`},
		}
		for _, tt := range tests {
			err := store.InsertOutput(ctx, tt.out)
			if tt.wantErr {
				if !engine.HasCode(err, engine.ErrCodeAlreadyExists) {
					t.Errorf("%s: Expected ALREADY_EXISTS, got %v", tt.name, err)
				}
			} else if err != nil {
				t.Fatalf("%s: Expected no error, got %v", tt.name, err)
			}

			found, err := store.FindOutput(ctx, pe.ID, engine.KindOutcome, "code", "rt-fork")
			if err != nil {
				t.Fatalf("%s: failed to find output: %v", tt.name, err)
			}
			if string(found.Value) != tt.wantValue {
				t.Errorf("%s: Expected value %s, got %s", tt.name, tt.wantValue, found.Value)
			}
		}

		byRuntime, err := store.ListOutputsByRuntimeID(ctx, "rt-a-0")
		if err != nil {
			t.Fatalf("failed to list outputs: %v", err)
		}
		if len(byRuntime) != 1 || string(byRuntime[0].Value) != `"500"` {
			t.Errorf("Expected the first attempt's instance to be kept, got %v", byRuntime)
		}
	})
}

func TestStore_InterruptStateCAS(t *testing.T) {
	forEachStore(t, func(t *testing.T, store engine.Store) {
		ctx := context.Background()
		pe := seedPlanExecution(t, store)

		in := &engine.Interrupt{
			ID:              uniqueID(t, "int"),
			Type:            engine.InterruptAbort,
			PlanExecutionID: pe.ID,
			State:           engine.InterruptRegistered,
			Reason:          "operator request",
		}
		if err := store.CreateInterrupt(ctx, in); err != nil {
			t.Fatalf("failed to create interrupt: %v", err)
		}

		claimed, err := store.UpdateInterruptState(ctx, in.ID, engine.InterruptProcessing,
			[]engine.InterruptState{engine.InterruptRegistered}, "")
		if err != nil || !claimed {
			t.Fatalf("expected claim to apply, got %v %v", claimed, err)
		}
		claimed, err = store.UpdateInterruptState(ctx, in.ID, engine.InterruptProcessing,
			[]engine.InterruptState{engine.InterruptRegistered}, "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if claimed {
			t.Error("expected second claim to be rejected")
		}

		pending, err := store.ListInterrupts(ctx, pe.ID, []engine.InterruptState{engine.InterruptRegistered, engine.InterruptProcessing})
		if err != nil {
			t.Fatalf("failed to list interrupts: %v", err)
		}
		if len(pending) != 1 || pending[0].Reason != "operator request" {
			t.Errorf("expected one pending interrupt, got %v", pending)
		}

		if _, err := store.UpdateInterruptState(ctx, in.ID, engine.InterruptProcessedUnsuccessfully,
			[]engine.InterruptState{engine.InterruptProcessing}, "target not found"); err != nil {
			t.Fatalf("failed to finish interrupt: %v", err)
		}
		done, err := store.GetInterrupt(ctx, in.ID)
		if err != nil {
			t.Fatalf("failed to get interrupt: %v", err)
		}
		if done.State != engine.InterruptProcessedUnsuccessfully || done.Error != "target not found" {
			t.Errorf("expected unsuccessful state with error, got %s %q", done.State, done.Error)
		}
	})
}

func TestSQLStore_Migrations(t *testing.T) {
	store := setupSQLiteStore(t)
	defer store.Close()

	ctx := context.Background()

	// Check that tables exist by querying them
	tables := []string{"plans", "plan_executions", "node_executions", "task_results", "outputs", "interrupts"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.DB().QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	version, dirty, err := store.MigrationVersion()
	if err != nil {
		t.Fatalf("failed to read migration version: %v", err)
	}
	if version != 1 || dirty {
		t.Errorf("expected clean version 1, got %d (dirty=%v)", version, dirty)
	}
}

func TestSQLStore_Rebind(t *testing.T) {
	pg := &SQLStore{dialect: dialect{numbered: true}}
	if got := pg.rebind("a = ? AND b IN (?, ?)"); got != "a = $1 AND b IN ($2, $3)" {
		t.Errorf("unexpected rebind: %s", got)
	}
	lite := &SQLStore{}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("expected sqlite query unchanged, got %s", got)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"sqlite", Config{Driver: DriverSQLite, Path: "orchestra.db"}, false},
		{"sqlite default driver", Config{Path: "orchestra.db"}, false},
		{"sqlite without path", Config{Driver: DriverSQLite}, true},
		{"postgres", Config{Driver: DriverPostgres, URL: "postgres://localhost/db"}, false},
		{"postgres without url", Config{Driver: DriverPostgres}, true},
		{"memory", Config{Driver: DriverMemory}, false},
		{"unknown", Config{Driver: "mysql"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}
