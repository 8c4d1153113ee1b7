package policy

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const sampleRego = `# Routes deploy failures to the rollback node.
# Applies to every plan.
package orchestra.routing.sample

import rego.v1

decision := {"type": "ROLLBACK", "next_node_id": "undo"} if input.status == "FAILED"
`

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))

	policyFile := filepath.Join(t.TempDir(), "sample.rego")
	if err := os.WriteFile(policyFile, []byte(sampleRego), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	policy, err := loader.loadFromFile(policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "sample" {
		t.Errorf("Expected name 'sample', got '%s'", policy.Name)
	}
	if policy.Rego != sampleRego {
		t.Error("Rego content doesn't match")
	}
	if !policy.Enabled {
		t.Error("Policy should be enabled by default")
	}
	if policy.Description != "Routes deploy failures to the rollback node. Applies to every plan." {
		t.Errorf("Unexpected description: %q", policy.Description)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))

	policyFile := filepath.Join(t.TempDir(), "custom.json")
	content := `{"name": "custom", "description": "json policy", "enabled": true, "rego": "package x\n\nimport rego.v1\n\ndecision := \"END\"\n"}`
	if err := os.WriteFile(policyFile, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	policy, err := loader.loadFromFile(policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Name != "custom" {
		t.Errorf("Expected name 'custom', got '%s'", policy.Name)
	}
	if policy.CreatedAt.IsZero() {
		t.Error("Expected CreatedAt to be defaulted")
	}
}

func TestLoadFromFile_InvalidJSON(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))

	policyFile := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(policyFile, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	if _, err := loader.loadFromFile(policyFile); err == nil {
		t.Error("Expected error for invalid JSON")
	}
}

func TestLoadFromFile_UnsupportedType(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))

	policyFile := filepath.Join(t.TempDir(), "policy.txt")
	if err := os.WriteFile(policyFile, []byte("text"), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	if _, err := loader.loadFromFile(policyFile); err == nil {
		t.Error("Expected error for unsupported file type")
	}
}

func TestLoadFromDirectory_Recursive(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))

	dir := t.TempDir()
	nested := filepath.Join(dir, "team", "deploy")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("Failed to create dirs: %v", err)
	}
	for _, p := range []string{
		filepath.Join(dir, "one.rego"),
		filepath.Join(nested, "two.rego"),
	} {
		if err := os.WriteFile(p, []byte(sampleRego), 0o644); err != nil {
			t.Fatalf("Failed to write %s: %v", p, err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644); err != nil {
		t.Fatalf("Failed to write readme: %v", err)
	}

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("Failed to load directory: %v", err)
	}
	if len(policies) != 2 {
		t.Errorf("Expected 2 policies, got %d", len(policies))
	}
}

func TestLoadFromPath_NonExistent(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))

	if _, err := loader.LoadFromPaths(context.Background(), []string{"/nonexistent/policies"}); err == nil {
		t.Error("Expected error for non-existent path")
	}
}

func TestClearCache(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))

	policyFile := filepath.Join(t.TempDir(), "sample.rego")
	if err := os.WriteFile(policyFile, []byte(sampleRego), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
	if _, err := loader.loadFromFile(policyFile); err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	loader.mu.RLock()
	cached := len(loader.cache)
	loader.mu.RUnlock()
	if cached != 1 {
		t.Fatalf("Expected 1 cached policy, got %d", cached)
	}

	loader.ClearCache()

	loader.mu.RLock()
	cached = len(loader.cache)
	loader.mu.RUnlock()
	if cached != 0 {
		t.Errorf("Expected empty cache, got %d", cached)
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	policyFile := filepath.Join(dir, "sample.rego")
	if err := os.WriteFile(policyFile, []byte(sampleRego), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	var mu sync.Mutex
	reloaded := make(chan int, 1)
	err := loader.Watch(ctx, []string{dir}, func(policies []Policy) error {
		mu.Lock()
		defer mu.Unlock()
		select {
		case reloaded <- len(policies):
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to watch: %v", err)
	}
	defer func() { _ = loader.StopWatching() }()

	if err := os.WriteFile(filepath.Join(dir, "other.rego"), []byte(sampleRego), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	select {
	case n := <-reloaded:
		if n != 2 {
			t.Errorf("Expected 2 policies after reload, got %d", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for reload")
	}
}
