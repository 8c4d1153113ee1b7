package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/stores"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config is invalid: %v", err)
	}
	if cfg.Store.Driver != string(stores.DriverSQLite) {
		t.Errorf("Expected sqlite store, got %s", cfg.Store.Driver)
	}
	if cfg.Engine.SelectionPolicy != string(engine.SelectFirstMatch) {
		t.Errorf("Expected first_match selection, got %s", cfg.Engine.SelectionPolicy)
	}
}

func TestCUEParser_ParseConfig(t *testing.T) {
	parser := NewCUEParser()

	tests := []struct {
		name      string
		filename  string
		content   string
		wantErr   bool
		checkFunc func(*testing.T, *Config)
	}{
		{
			name:     "cue overrides",
			filename: "orchestra.cue",
			content: `
store: {
	driver: "postgres"
	url:    "postgres://localhost/orchestra"
}
engine: {
	max_parallel:       8
	reconcile_interval: "1m"
	selection_policy:   "strict"
}
`,
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Store.Driver != "postgres" {
					t.Errorf("Expected postgres store, got %s", cfg.Store.Driver)
				}
				if cfg.Engine.MaxParallel != 8 {
					t.Errorf("Expected max_parallel 8, got %d", cfg.Engine.MaxParallel)
				}
				if time.Duration(cfg.Engine.ReconcileInterval) != time.Minute {
					t.Errorf("Expected reconcile interval 1m, got %s", time.Duration(cfg.Engine.ReconcileInterval))
				}
				if cfg.Engine.RetryMaxTries != Default().Engine.RetryMaxTries {
					t.Errorf("Expected unset fields to keep defaults, got retry_max_tries %d", cfg.Engine.RetryMaxTries)
				}
				d := cfg.DriverConfig()
				if d.SelectionPolicy != engine.SelectStrict {
					t.Errorf("Expected strict selection, got %s", d.SelectionPolicy)
				}
			},
		},
		{
			name:     "yaml",
			filename: "orchestra.yaml",
			content: `
store:
  driver: memory
outcomes:
  codec: msgpack
  blob_threshold: 1024
  object_store:
    endpoint: localhost:9000
    bucket: outcomes
policies:
  paths: [./policies]
  watch: true
telemetry:
  logging:
    level: debug
`,
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Outcomes.Codec != "msgpack" || cfg.Outcomes.BlobThreshold != 1024 {
					t.Errorf("Expected msgpack with threshold 1024, got %s/%d", cfg.Outcomes.Codec, cfg.Outcomes.BlobThreshold)
				}
				if cfg.Outcomes.ObjectStore == nil || cfg.Outcomes.ObjectStore.Bucket != "outcomes" {
					t.Errorf("Expected object store bucket outcomes, got %+v", cfg.Outcomes.ObjectStore)
				}
				if !cfg.Policies.Watch || len(cfg.Policies.Paths) != 1 {
					t.Errorf("Expected one watched policy path, got %+v", cfg.Policies)
				}
				if tc := cfg.TelemetryConfig(); tc.Logging.Level != "debug" || tc.Logging.Format != "console" {
					t.Errorf("Expected debug console logging, got %s/%s", tc.Logging.Level, tc.Logging.Format)
				}
			},
		},
		{
			name:     "empty yaml",
			filename: "empty.yml",
			content:  "",
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Engine.MaxParallel != Default().Engine.MaxParallel {
					t.Errorf("Expected default max_parallel, got %d", cfg.Engine.MaxParallel)
				}
			},
		},
		{
			name:     "json",
			filename: "orchestra.json",
			content:  `{"engine": {"default_node_timeout": "10m"}}`,
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.DriverConfig().DefaultNodeTimeout != 10*time.Minute {
					t.Errorf("Expected default node timeout 10m, got %s", cfg.DriverConfig().DefaultNodeTimeout)
				}
			},
		},
		{
			name:     "unknown field",
			filename: "orchestra.cue",
			content:  `engine: workers: 4`,
			wantErr:  true,
		},
		{
			name:     "invalid duration",
			filename: "orchestra.cue",
			content:  `engine: reconcile_interval: "soon"`,
			wantErr:  true,
		},
		{
			name:     "invalid selection policy",
			filename: "orchestra.yaml",
			content:  "engine:\n  selection_policy: random\n",
			wantErr:  true,
		},
		{
			name:     "postgres without url",
			filename: "orchestra.cue",
			content:  `store: driver: "postgres"`,
			wantErr:  true,
		},
		{
			name:     "inverted retry bounds",
			filename: "orchestra.cue",
			content:  `engine: {retry_initial_interval: "5s", retry_max_interval: "1s"}`,
			wantErr:  true,
		},
		{
			name:     "invalid syntax",
			filename: "orchestra.cue",
			content:  "engine: {\n\tmax_parallel: \n",
			wantErr:  true,
		},
		{
			name:     "unsupported format",
			filename: "orchestra.toml",
			content:  "",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := parser.ParseConfig(tt.filename, []byte(tt.content))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Expected error, got config %+v", cfg)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, cfg)
			}
		})
	}
}

func TestCUEParser_SchemaErrorLocation(t *testing.T) {
	parser := NewCUEParser()

	_, err := parser.ParseConfig("orchestra.cue", []byte("engine: {\n\tmax_parallel: -1\n}\n"))
	var schemaErr *SchemaError
	if !errors.As(err, &schemaErr) {
		t.Fatalf("Expected a SchemaError, got %v", err)
	}
	if len(schemaErr.Errors) == 0 {
		t.Fatal("Expected at least one validation error")
	}

	found := false
	for _, ve := range schemaErr.Errors {
		if ve.File == "orchestra.cue" && ve.Line == 2 {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected an error at orchestra.cue:2, got %v", schemaErr.Errors)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orchestra.yaml")
	if err := os.WriteFile(path, []byte("store:\n  driver: sqlite\n  path: "+filepath.Join(dir, "o.db")+"\n"), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if sc := cfg.StoreConfig(); sc.Path != filepath.Join(dir, "o.db") {
		t.Errorf("Expected store path in temp dir, got %s", sc.Path)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

const planJSON = `{
	"id": "deploy",
	"starting_node_id": "build",
	"nodes": [
		{
			"setup_id": "build",
			"state_type": "ECHO",
			"state_parameters": {"outputs": [{"name": "image", "value": "app:1"}]},
			"facilitator_obtainments": [{"type": "AUTO"}],
			"adviser_obtainments": [{"type": "ON_SUCCESS", "parameters": {"next_node_id": "ship"}}],
			"timeout": 60000000000
		},
		{
			"setup_id": "ship",
			"state_type": "NOOP",
			"facilitator_obtainments": [{"type": "SYNC"}],
			"ref_objects": [{"name": "image", "producer_setup_id": "build"}]
		}
	]
}`

func TestCUEParser_ParsePlan(t *testing.T) {
	parser := NewCUEParser()

	t.Run("json", func(t *testing.T) {
		plan, err := parser.ParsePlan("plan.json", []byte(planJSON))
		if err != nil {
			t.Fatalf("ParsePlan failed: %v", err)
		}
		if plan.ID != "deploy" || len(plan.Nodes) != 2 {
			t.Fatalf("Expected plan deploy with 2 nodes, got %s with %d", plan.ID, len(plan.Nodes))
		}
		if plan.Nodes[0].Timeout != time.Minute {
			t.Errorf("Expected build timeout 1m, got %s", plan.Nodes[0].Timeout)
		}
		if len(plan.Nodes[0].StateParameters) == 0 {
			t.Error("Expected build state parameters to be kept")
		}
		if plan.Nodes[1].RefObjects[0].ProducerSetupID != "build" {
			t.Errorf("Expected ref object producer build, got %s", plan.Nodes[1].RefObjects[0].ProducerSetupID)
		}
	})

	t.Run("yaml", func(t *testing.T) {
		content := `
id: yaml-plan
starting_node_id: a
nodes:
  - setup_id: a
    state_type: NOOP
    facilitator_obtainments:
      - type: SYNC
`
		plan, err := parser.ParsePlan("plan.yaml", []byte(content))
		if err != nil {
			t.Fatalf("ParsePlan failed: %v", err)
		}
		if plan.StartingNodeID != "a" {
			t.Errorf("Expected starting node a, got %s", plan.StartingNodeID)
		}
	})

	t.Run("missing facilitator", func(t *testing.T) {
		content := `{"id": "p", "starting_node_id": "a", "nodes": [{"setup_id": "a", "state_type": "NOOP"}]}`
		if _, err := parser.ParsePlan("plan.json", []byte(content)); err == nil {
			t.Error("Expected error for node without facilitator obtainments")
		}
	})

	t.Run("no nodes", func(t *testing.T) {
		content := `{"id": "p", "starting_node_id": "a", "nodes": []}`
		if _, err := parser.ParsePlan("plan.json", []byte(content)); err == nil {
			t.Error("Expected error for plan without nodes")
		}
	})
}
