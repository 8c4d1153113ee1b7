package driver_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/orchestra/pkg/config"
	"github.com/openfroyo/orchestra/pkg/driver"
	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/stores"
	"github.com/openfroyo/orchestra/pkg/taskrunner"
)

const releasePlan = `
id: release
starting_node_id: build
setup_abstractions:
  env: staging
nodes:
  - setup_id: build
    state_type: ECHO
    state_parameters:
      outputs:
        - name: image
          value: "app-<+setup.env>"
    facilitator_obtainments:
      - type: AUTO
    adviser_obtainments:
      - type: ON_SUCCESS
        parameters:
          next_node_id: ship
  - setup_id: ship
    state_type: ECHO
    state_parameters:
      outputs:
        - name: target
          value: "<+build.image> & <+setup.env>"
    facilitator_obtainments:
      - type: AUTO
`

func TestDriver_PlanFileOnSQLite(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dir := t.TempDir()
	planPath := filepath.Join(dir, "release.yaml")
	if err := os.WriteFile(planPath, []byte(releasePlan), 0o600); err != nil {
		t.Fatalf("Failed to write plan: %v", err)
	}
	loaded, err := config.LoadPlan(planPath)
	if err != nil {
		t.Fatalf("Failed to load plan: %v", err)
	}

	store, err := stores.Open(ctx, stores.Config{Driver: stores.DriverSQLite, Path: filepath.Join(dir, "orchestra.db")})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	if err := store.SavePlan(ctx, loaded); err != nil {
		t.Fatalf("Failed to save plan: %v", err)
	}
	plan, err := store.GetPlan(ctx, loaded.ID)
	if err != nil {
		t.Fatalf("Failed to read plan back: %v", err)
	}

	runner := taskrunner.NewLocal()
	defer runner.Close(ctx)

	cfg := driver.DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	d, err := driver.New(store, runner, driver.WithConfig(cfg))
	if err != nil {
		t.Fatalf("Failed to create driver: %v", err)
	}
	defer d.Shutdown(ctx)

	pe, err := d.StartExecution(ctx, *plan, map[string]string{"env": "prod"})
	if err != nil {
		t.Fatalf("Failed to start execution: %v", err)
	}
	final, err := d.AwaitCompletion(ctx, pe.ID)
	if err != nil {
		t.Fatalf("Plan execution did not complete: %v", err)
	}
	if final.Status != engine.PlanStatusSucceeded {
		t.Fatalf("Expected plan execution SUCCEEDED, got %s", final.Status)
	}

	nodes, err := store.ListNodeExecutions(ctx, pe.ID, nil)
	if err != nil {
		t.Fatalf("Failed to list node executions: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("Expected 2 node executions, got %d", len(nodes))
	}

	tests := []struct {
		producer string
		name     string
		expected string
	}{
		{"build", "image", "app-prod"},
		{"ship", "target", "app-prod & prod"},
	}
	last := nodes[len(nodes)-1]
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := d.Outcomes().Resolve(ctx, last.Ambiance, engine.RefObject{Name: tt.name, ProducerSetupID: tt.producer})
			if err != nil {
				t.Fatalf("Failed to resolve %s: %v", tt.name, err)
			}
			if got != tt.expected {
				t.Errorf("Expected %q, got %v", tt.expected, got)
			}
		})
	}
}
