package expression

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/orchestra/pkg/engine"
)

// fakeResolver serves outputs by name, or by producer when set.
type fakeResolver struct {
	byName     map[string]interface{}
	byProducer map[string]map[string]interface{}
}

func (f *fakeResolver) Resolve(_ context.Context, _ engine.Ambiance, ref engine.RefObject) (interface{}, error) {
	if ref.ProducerSetupID != "" {
		if v, ok := f.byProducer[ref.ProducerSetupID][ref.Name]; ok {
			return v, nil
		}
	} else if v, ok := f.byName[ref.Name]; ok {
		return v, nil
	}
	return nil, engine.NewPermanentError("output "+ref.Name+" not visible", nil).
		WithCode(engine.ErrCodeOutputNotFound)
}

func testEnv() Env {
	amb := engine.NewAmbiance("pe-1", map[string]string{"account": "acme"}).
		CloneForChild(engine.Level{RuntimeID: "rt-deploy", SetupID: "deploy"})
	return Env{
		Ambiance:  amb,
		Producers: map[string]string{"build": "build-step"},
		Inputs:    engine.Inputs{"region": "eu-west-1"},
	}
}

func testEvaluator() *Evaluator {
	return NewEvaluator(&fakeResolver{
		byName: map[string]interface{}{
			"artifact": map[string]interface{}{"tag": "v1", "size": json.Number("42")},
			"replicas": json.Number("3"),
		},
		byProducer: map[string]map[string]interface{}{
			"build-step": {"image": "app:1.0", "version": int64(7)},
		},
	}, time.Second, zerolog.Nop())
}

func TestEvaluate(t *testing.T) {
	ev := testEvaluator()
	ctx := context.Background()

	tests := []struct {
		expr     string
		expected interface{}
	}{
		{"setup.account", "acme"},
		{"execution.id", "pe-1"},
		{"execution.setup_id", "deploy"},
		{"execution.retry_index", int64(0)},
		{"input.region", "eu-west-1"},
		{"build.image", "app:1.0"},
		{"artifact.tag", "v1"},
		{"artifact.size + 1", int64(43)},
		{"replicas * 2", int64(6)},
		{`"v" + str(build.version)`, "v7"},
		{"[x * 2 for x in [1, 2]]", []interface{}{int64(2), int64(4)}},
		{"len(setup.account)", int64(4)},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := ev.Evaluate(ctx, testEnv(), tt.expr)
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			gotJSON, _ := json.Marshal(got)
			wantJSON, _ := json.Marshal(tt.expected)
			if string(gotJSON) != string(wantJSON) {
				t.Errorf("Expected %s, got %s", wantJSON, gotJSON)
			}
		})
	}
}

func TestEvaluate_MissingReference(t *testing.T) {
	ev := testEvaluator()
	ctx := context.Background()

	for _, expr := range []string{"nothing", "build.missing", "nothing.field"} {
		_, err := ev.Evaluate(ctx, testEnv(), expr)
		if !engine.HasCode(err, engine.ErrCodeOutputNotFound) {
			t.Errorf("%s: Expected OUTPUT_NOT_FOUND, got %v", expr, err)
		}
	}

	_, err := ev.Evaluate(ctx, testEnv(), "1 +")
	if !engine.HasCode(err, engine.ErrCodeValidation) {
		t.Errorf("Expected VALIDATION_ERROR for a syntax error, got %v", err)
	}
}

func TestRender(t *testing.T) {
	ev := testEvaluator()

	got, err := ev.Render(context.Background(), testEnv(), "deploy <+build.image> to <+input.region> (<+replicas> replicas)")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got != "deploy app:1.0 to eu-west-1 (3 replicas)" {
		t.Errorf("Unexpected rendering: %s", got)
	}

	if _, err := ev.Render(context.Background(), testEnv(), "broken <+build.image"); err == nil {
		t.Error("Expected unterminated expression to fail")
	}
}

func TestRenderJSON_KeepsTypes(t *testing.T) {
	ev := testEvaluator()
	raw := json.RawMessage(`{"image":"<+build.image>","count":"<+replicas>","label":"n=<+replicas>","nested":[{"big":"<+(replicas >= 3)>"}],"plain":5}`)

	out, err := ev.RenderJSON(context.Background(), testEnv(), raw)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatalf("Expected valid JSON, got: %v", err)
	}
	if doc["image"] != "app:1.0" {
		t.Errorf("Expected image app:1.0, got %v", doc["image"])
	}
	if doc["count"] != float64(3) {
		t.Errorf("Expected numeric count 3, got %#v", doc["count"])
	}
	if doc["label"] != "n=3" {
		t.Errorf("Expected label n=3, got %v", doc["label"])
	}
	nested := doc["nested"].([]interface{})[0].(map[string]interface{})
	if nested["big"] != true {
		t.Errorf("Expected big=true, got %v", nested["big"])
	}
	if doc["plain"] != float64(5) {
		t.Errorf("Expected plain=5, got %v", doc["plain"])
	}
}

func TestRenderJSON_NoExpressions(t *testing.T) {
	ev := testEvaluator()
	raw := json.RawMessage(`{"a":1}`)
	out, err := ev.RenderJSON(context.Background(), testEnv(), raw)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if string(out) != `{"a":1}` {
		t.Errorf("Expected parameters unchanged, got %s", out)
	}
}

func TestRenderJSON_EscapedDelimiters(t *testing.T) {
	ev := testEvaluator()
	// json.Marshal writes <+ as \u003c+.
	raw, err := json.Marshal(map[string]string{"msg": "<+setup.account> world", "image": "<+build.image>"})
	if err != nil {
		t.Fatalf("Failed to marshal parameters: %v", err)
	}

	out, err := ev.RenderJSON(context.Background(), testEnv(), raw)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	var doc map[string]string
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatalf("Expected valid JSON, got: %v", err)
	}
	if doc["msg"] != "acme world" {
		t.Errorf("Expected rendered msg %q, got %q", "acme world", doc["msg"])
	}
	if doc["image"] != "app:1.0" {
		t.Errorf("Expected rendered image app:1.0, got %q", doc["image"])
	}
}

func TestEvaluate_Timeout(t *testing.T) {
	ev := NewEvaluator(&fakeResolver{}, 10*time.Millisecond, zerolog.Nop())
	_, err := ev.Evaluate(context.Background(), testEnv(), "[x for x in range(100000000)]")
	if err == nil {
		t.Fatal("Expected the expression to be cancelled")
	}
	var engineErr *engine.EngineError
	if !errors.As(err, &engineErr) {
		t.Errorf("Expected an engine error, got %T", err)
	}
}
