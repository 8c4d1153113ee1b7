package telemetry

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"default", func(c *Config) {}, false},
		{"missing service name", func(c *Config) { c.ServiceName = "" }, true},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "carrier-pigeon" }, true},
		{"bad sampling", func(c *Config) { c.Tracing.SamplingRate = 2 }, true},
		{"no event buffer", func(c *Config) { c.Events.BufferSize = 0 }, true},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"jaeger exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" }, false},
		{"metrics without address", func(c *Config) { c.Metrics.ListenAddress = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected error %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLogger_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orchestra.log")
	logger, err := NewLogger(LoggingConfig{Level: "info", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	logger.NewComponentLogger("driver").WithNode("pe-1", "rt-1", "build").Info("Node succeeded")
	logger.Debug("Below the level")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("Expected 1 log line, got %d: %s", len(lines), data)
	}
	for _, want := range []string{`"component":"driver"`, `"plan_execution_id":"pe-1"`, `"runtime_id":"rt-1"`, `"setup_id":"build"`} {
		if !strings.Contains(lines[0], want) {
			t.Errorf("Expected %s in %s", want, lines[0])
		}
	}
}

func TestLogger_Context(t *testing.T) {
	var buf bytes.Buffer
	logger := &Logger{zlog: zerolog.New(&buf)}

	ctx := logger.WithField("task_id", "t-1").WithContext(context.Background())
	zerolog.Ctx(ctx).Info().Msg("from zerolog")
	FromContext(ctx).Info("from telemetry")

	if n := strings.Count(buf.String(), `"task_id":"t-1"`); n != 2 {
		t.Errorf("Expected both entries to carry task_id, got %d in %s", n, buf.String())
	}

	// Nothing attached: the returned logger is usable and silent.
	FromContext(context.Background()).Info("dropped")
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	if _, err := NewLogger(LoggingConfig{Level: "loud", Format: "json", Output: "stderr"}); err == nil {
		t.Error("Expected error for an unknown level")
	}
}

func TestEventPublisher_Sync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	defer ep.Shutdown(context.Background())

	got := make(chan Event, 4)
	ep.Subscribe(func(e Event) { got <- e }, FilterByPlanExecutionID("pe-1"))

	if err := ep.PublishNodeCompleted("pe-1", "rt-1", "a", "EXPIRED", time.Second); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := ep.PublishNodeCompleted("pe-2", "rt-2", "b", "SUCCEEDED", time.Second); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	select {
	case e := <-got:
		if e.Type != EventTypeNodeFailed || e.Level != EventLevelError {
			t.Errorf("Expected node.failed at error level, got %s/%s", e.Type, e.Level)
		}
		if e.ID == "" || e.Timestamp.IsZero() {
			t.Error("Expected id and timestamp to be set")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for event")
	}

	select {
	case e := <-got:
		t.Errorf("Expected the other plan execution to be filtered, got %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventPublisher_AsyncFlushesOnInterval(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{
		Enabled:       true,
		BufferSize:    10,
		MaxBatchSize:  100,
		FlushInterval: 10 * time.Millisecond,
		EnableAsync:   true,
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	defer ep.Shutdown(context.Background())

	got := make(chan Event, 1)
	ep.Subscribe(func(e Event) { got <- e }, nil)

	if err := ep.PublishPlanStarted("pe-1", "plan-1"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	select {
	case e := <-got:
		if e.Type != EventTypePlanStarted {
			t.Errorf("Expected plan.started, got %s", e.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected a partial batch to be flushed on the interval")
	}
}

func TestEventPublisher_Disabled(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: false})
	if err := ep.PublishError("pe-1", "", "boom"); err != nil {
		t.Errorf("Expected a disabled publisher to accept events, got %v", err)
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "orchestra", Path: "/metrics"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	m.RecordPlanStarted("deploy")
	m.RecordNodeCompleted("ECHO", "SUCCEEDED", 20*time.Millisecond)
	m.RecordAdvice("RETRY", "RETRY")
	m.RecordInterrupt("ABORT", "PROCESSED_SUCCESSFULLY")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		`orchestra_plan_executions_started_total{plan_id="deploy"} 1`,
		`orchestra_node_executions_completed_total{status="SUCCEEDED",step_type="ECHO"} 1`,
		`orchestra_advice_total{adviser="RETRY",type="RETRY"} 1`,
		`orchestra_active_plan_executions 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("Expected metrics output to contain %q", want)
		}
	}
}

func TestMetrics_DisabledAndNilAreNoops(t *testing.T) {
	m, _ := NewMetrics(MetricsConfig{Enabled: false})
	m.RecordPlanStarted("x")
	m.RecordTaskResult("SUCCEEDED")

	var nilMetrics *Metrics
	nilMetrics.RecordNodeStarted("ECHO", "SYNC")
	nilMetrics.AddInflightNodes(1)

	srv, err := m.StartMetricsServer()
	if srv != nil || err != nil {
		t.Errorf("Expected no server when disabled, got %v %v", srv, err)
	}
}
