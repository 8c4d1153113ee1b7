package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/orchestra/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	if len(policies) == 0 {
		t.Fatal("No built-in policies loaded")
	}

	expectedPolicies := []string{
		"retry-on-timeout",
		"retry-server-errors",
		"intervene-in-production",
	}

	for _, expected := range expectedPolicies {
		if !eng.HasPolicy(expected) {
			t.Errorf("Expected built-in policy not found: %s", expected)
		}
	}
}

func TestDecide_RetryOnTimeout(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name     string
		input    DecisionInput
		wantType string
	}{
		{
			name:     "expired first attempt retries",
			input:    DecisionInput{Status: engine.StatusExpired, RetryCount: 0},
			wantType: "RETRY",
		},
		{
			name: "timeout failure type retries",
			input: DecisionInput{
				Status:  engine.StatusFailed,
				Failure: &engine.FailureInfo{Message: "slow", FailureTypes: []string{"TIMEOUT"}},
			},
			wantType: "RETRY",
		},
		{
			name:     "retries exhausted",
			input:    DecisionInput{Status: engine.StatusExpired, RetryCount: 2},
			wantType: "",
		},
		{
			name: "parameters raise the limit",
			input: DecisionInput{
				Status:     engine.StatusExpired,
				RetryCount: 2,
				Parameters: map[string]interface{}{"max_retries": 5, "delay": "3s"},
			},
			wantType: "RETRY",
		},
		{
			name:     "plain failure",
			input:    DecisionInput{Status: engine.StatusFailed},
			wantType: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := tt.input
			decision, err := eng.Decide(context.Background(), "retry-on-timeout", &input)
			if err != nil {
				t.Fatalf("Decide failed: %v", err)
			}

			if tt.wantType == "" {
				if decision != nil {
					t.Errorf("Expected no decision, got %+v", decision)
				}
				return
			}
			if decision == nil {
				t.Fatalf("Expected %s decision, got none", tt.wantType)
			}
			if decision.Type != tt.wantType {
				t.Errorf("Expected %s, got %s", tt.wantType, decision.Type)
			}
		})
	}
}

func TestDecide_RetryServerErrorsFallback(t *testing.T) {
	eng := newTestEngine(t)

	input := &DecisionInput{
		Status:       engine.StatusFailed,
		ResponseCode: "503",
		RetryCount:   3,
		Parameters:   map[string]interface{}{"fallback": "notify"},
	}
	decision, err := eng.Decide(context.Background(), "retry-server-errors", input)
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if decision == nil || decision.Type != "NEXT" || decision.NextNodeID != "notify" {
		t.Fatalf("Expected NEXT to notify, got %+v", decision)
	}

	advice, err := decision.Advice()
	if err != nil {
		t.Fatalf("Expected valid advice, got: %v", err)
	}
	if advice.Type != engine.AdviceNext || advice.NextNodeID != "notify" {
		t.Errorf("Expected NEXT advice to notify, got %+v", advice)
	}
}

func TestDecide_UnknownPolicy(t *testing.T) {
	eng := newTestEngine(t)

	_, err := eng.Decide(context.Background(), "missing", &DecisionInput{})
	if !engine.IsNotFound(err) {
		t.Errorf("Expected NOT_FOUND, got: %v", err)
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	input := &DecisionInput{Status: engine.StatusExpired}

	if err := eng.DisablePolicy("retry-on-timeout"); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}

	decision, err := eng.Decide(ctx, "retry-on-timeout", input)
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if decision != nil {
		t.Errorf("Expected no decision from disabled policy, got %+v", decision)
	}

	if err := eng.EnablePolicy("retry-on-timeout"); err != nil {
		t.Fatalf("Failed to enable policy: %v", err)
	}

	decision, err = eng.Decide(ctx, "retry-on-timeout", input)
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if decision == nil {
		t.Error("Expected decision after enabling policy")
	}

	if err := eng.EnablePolicy("non-existent"); err == nil {
		t.Error("Expected error when enabling non-existent policy")
	}
}

func TestLoadPolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	dir := t.TempDir()
	rego := `package orchestra.routing.custom

import rego.v1

decision := {"type": "ROLLBACK", "next_node_id": "undo"} if input.node.state_type == "DEPLOY"
`
	if err := os.WriteFile(filepath.Join(dir, "custom.rego"), []byte(rego), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	if err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}

	decision, err := eng.Decide(ctx, "custom", &DecisionInput{Node: NodeInfo{StateType: "DEPLOY"}})
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if decision == nil || decision.Type != "ROLLBACK" || decision.NextNodeID != "undo" {
		t.Errorf("Expected ROLLBACK to undo, got %+v", decision)
	}
}

func TestLoadPolicies_InvalidRego(t *testing.T) {
	eng := newTestEngine(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "broken.rego")
	if err := os.WriteFile(path, []byte("package broken\n\ndecision := {"), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	if err := eng.LoadPolicies(context.Background(), []string{path}); err == nil {
		t.Error("Expected error for invalid rego")
	}
}

func TestReplacePolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	custom := Policy{
		Name:    "always-end",
		Enabled: true,
		Rego:    "package orchestra.routing.always_end\n\nimport rego.v1\n\ndecision := \"END\"\n",
	}
	if err := eng.ReplacePolicies(ctx, []Policy{custom}); err != nil {
		t.Fatalf("Failed to replace policies: %v", err)
	}

	decision, err := eng.Decide(ctx, "always-end", &DecisionInput{})
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if decision == nil || decision.Type != "END" {
		t.Errorf("Expected END decision, got %+v", decision)
	}
	if !eng.HasPolicy("retry-on-timeout") {
		t.Error("Expected built-in policies to survive replacement")
	}

	broken := Policy{Name: "broken", Enabled: true, Rego: "package broken\n\ndecision := {"}
	if err := eng.ReplacePolicies(ctx, []Policy{broken}); err == nil {
		t.Fatal("Expected error for invalid policy")
	}
	if !eng.HasPolicy("always-end") {
		t.Error("Expected failed replacement to keep the previous policies")
	}
}

func TestReloadPolicies(t *testing.T) {
	eng := newTestEngine(t)

	initialCount := len(eng.ListPolicies())

	if err := eng.ReloadPolicies(context.Background()); err != nil {
		t.Fatalf("Failed to reload policies: %v", err)
	}

	if afterReloadCount := len(eng.ListPolicies()); initialCount != afterReloadCount {
		t.Errorf("Expected %d policies after reload, got %d", initialCount, afterReloadCount)
	}
}

func TestDecisionAdvice(t *testing.T) {
	tests := []struct {
		name     string
		decision Decision
		wantErr  bool
		want     engine.Advice
	}{
		{
			name:     "retry with delay",
			decision: Decision{Type: "RETRY", Delay: "2s"},
			want:     engine.Advice{Type: engine.AdviceRetry, Delay: 2 * time.Second},
		},
		{
			name:     "intervention with timeout",
			decision: Decision{Type: "INTERVENTION", Timeout: "1m", TimeoutAction: "MARK_FAILED"},
			want:     engine.Advice{Type: engine.AdviceIntervention, Timeout: time.Minute, TimeoutAction: engine.AdviceMarkFailed},
		},
		{name: "next without target", decision: Decision{Type: "NEXT"}, wantErr: true},
		{name: "unknown type", decision: Decision{Type: "JUMP"}, wantErr: true},
		{name: "invalid delay", decision: Decision{Type: "RETRY", Delay: "soon"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			advice, err := tt.decision.Advice()
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error, got advice %+v", advice)
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if *advice != tt.want {
				t.Errorf("Expected %+v, got %+v", tt.want, *advice)
			}
		})
	}
}
