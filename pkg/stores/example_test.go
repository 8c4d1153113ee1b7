package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	// Create store configuration
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:", // Use in-memory database for example
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	// Initialize the database connection
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}

	// Run migrations
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	defer store.Close()

	// Store is now ready to use
	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLStore_UpdateNodeExecution demonstrates a compare-and-set status update.
func ExampleSQLStore_UpdateNodeExecution() {
	ctx := context.Background()
	store, err := stores.Open(ctx, stores.Config{Driver: stores.DriverSQLite, Path: ":memory:"})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	plan := &engine.Plan{
		ID:             "plan-001",
		StartingNodeID: "build",
		Nodes: []engine.ExecutionNode{
			{SetupID: "build", StateType: "NOOP", FacilitatorObtainments: []engine.FacilitatorObtainment{{Type: "SYNC"}}},
		},
	}
	if err := store.SavePlan(ctx, plan); err != nil {
		log.Fatal(err)
	}
	if err := store.CreatePlanExecution(ctx, &engine.PlanExecution{
		ID:                "pe-001",
		PlanID:            plan.ID,
		Status:            engine.PlanStatusRunning,
		StartingRuntimeID: "rt-001",
	}); err != nil {
		log.Fatal(err)
	}

	if _, err := store.CreateNodeExecution(ctx, &engine.NodeExecution{
		RuntimeID:       "rt-001",
		PlanExecutionID: "pe-001",
		SetupID:         "build",
		Status:          engine.StatusQueued,
		BranchID:        "rt-001",
	}); err != nil {
		log.Fatal(err)
	}

	// Only a QUEUED node may start
	start := func(n *engine.NodeExecution) { n.Status = engine.StatusRunning }
	_, first, _ := store.UpdateNodeExecution(ctx, "rt-001", []engine.Status{engine.StatusQueued}, start)
	_, second, _ := store.UpdateNodeExecution(ctx, "rt-001", []engine.Status{engine.StatusQueued}, start)

	fmt.Println(first, second)
	// Output: true false
}
