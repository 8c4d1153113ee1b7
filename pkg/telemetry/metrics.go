package telemetry

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the execution engine.
type Metrics struct {
	config MetricsConfig

	// Plan execution metrics
	plansStarted   *prometheus.CounterVec
	plansCompleted *prometheus.CounterVec
	planDuration   *prometheus.HistogramVec

	// Node execution metrics
	nodesStarted   *prometheus.CounterVec
	nodesCompleted *prometheus.CounterVec
	nodeDuration   *prometheus.HistogramVec

	// Decision metrics
	advice     *prometheus.CounterVec
	interrupts *prometheus.CounterVec

	// Task metrics
	tasksSubmitted *prometheus.CounterVec
	taskResults    *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	activePlans   prometheus.Gauge
	inflightNodes prometheus.Gauge

	registry *prometheus.Registry
}

// durationBuckets span sub-second steps up to hour-long plans, in seconds.
var durationBuckets = []float64{0.01, 0.05, 0.25, 1, 5, 15, 60, 300, 900, 3600}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := durationBuckets

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		plansStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plan_executions_started_total",
				Help:      "Total number of plan executions started",
			},
			[]string{"plan_id"},
		),
		plansCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plan_executions_completed_total",
				Help:      "Total number of plan executions completed",
			},
			[]string{"status"},
		),
		planDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plan_execution_duration_seconds",
				Help:      "Duration of plan executions in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		nodesStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "node_executions_started_total",
				Help:      "Total number of node executions started",
			},
			[]string{"step_type", "mode"},
		),
		nodesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "node_executions_completed_total",
				Help:      "Total number of node executions that reached a terminal status",
			},
			[]string{"step_type", "status"},
		),
		nodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "node_execution_duration_seconds",
				Help:      "Duration of node executions in seconds",
				Buckets:   buckets,
			},
			[]string{"step_type"},
		),

		advice: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "advice_total",
				Help:      "Total number of advice applied, by adviser and advice type",
			},
			[]string{"adviser", "type"},
		),
		interrupts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "interrupts_processed_total",
				Help:      "Total number of interrupts processed",
			},
			[]string{"type", "state"},
		),

		tasksSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_submitted_total",
				Help:      "Total number of tasks submitted to the task runner",
			},
			[]string{"type"},
		),
		taskResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_results_total",
				Help:      "Total number of task results received",
			},
			[]string{"stage"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		activePlans: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_plan_executions",
				Help:      "Current number of plan executions driven by this process",
			},
		),
		inflightNodes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "inflight_node_jobs",
				Help:      "Current number of node transitions being processed",
			},
		),
	}

	registry.MustRegister(
		m.plansStarted,
		m.plansCompleted,
		m.planDuration,
		m.nodesStarted,
		m.nodesCompleted,
		m.nodeDuration,
		m.advice,
		m.interrupts,
		m.tasksSubmitted,
		m.taskResults,
		m.errorsByClass,
		m.errorsByCode,
		m.activePlans,
		m.inflightNodes,
	)

	return m, nil
}

// Plan Execution Metrics

// RecordPlanStarted increments the counter for started plan executions.
func (m *Metrics) RecordPlanStarted(planID string) {
	if m == nil || m.plansStarted == nil {
		return
	}
	m.plansStarted.WithLabelValues(planID).Inc()
	m.activePlans.Inc()
}

// RecordPlanCompleted records a completed plan execution with its status and duration.
func (m *Metrics) RecordPlanCompleted(status string, duration time.Duration) {
	if m == nil || m.plansCompleted == nil {
		return
	}
	m.plansCompleted.WithLabelValues(status).Inc()
	m.planDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activePlans.Dec()
}

// Node Execution Metrics

// RecordNodeStarted records a node execution that was facilitated.
func (m *Metrics) RecordNodeStarted(stepType, mode string) {
	if m == nil || m.nodesStarted == nil {
		return
	}
	m.nodesStarted.WithLabelValues(stepType, mode).Inc()
}

// RecordNodeCompleted records a node execution that reached a terminal status.
func (m *Metrics) RecordNodeCompleted(stepType, status string, duration time.Duration) {
	if m == nil || m.nodesCompleted == nil {
		return
	}
	m.nodesCompleted.WithLabelValues(stepType, status).Inc()
	m.nodeDuration.WithLabelValues(stepType).Observe(duration.Seconds())
}

// Decision Metrics

// RecordAdvice records applied advice.
func (m *Metrics) RecordAdvice(adviser, adviceType string) {
	if m == nil || m.advice == nil {
		return
	}
	m.advice.WithLabelValues(adviser, adviceType).Inc()
}

// RecordInterrupt records a processed interrupt.
func (m *Metrics) RecordInterrupt(interruptType, state string) {
	if m == nil || m.interrupts == nil {
		return
	}
	m.interrupts.WithLabelValues(interruptType, state).Inc()
}

// Task Metrics

// RecordTaskSubmitted records a task handed to the task runner.
func (m *Metrics) RecordTaskSubmitted(taskType string) {
	if m == nil || m.tasksSubmitted == nil {
		return
	}
	m.tasksSubmitted.WithLabelValues(taskType).Inc()
}

// RecordTaskResult records a task result delivered by the task runner.
func (m *Metrics) RecordTaskResult(stage string) {
	if m == nil || m.taskResults == nil {
		return
	}
	m.taskResults.WithLabelValues(stage).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// System Metrics

// AddInflightNodes adjusts the number of node transitions being processed.
func (m *Metrics) AddInflightNodes(delta float64) {
	if m == nil || m.inflightNodes == nil {
		return
	}
	m.inflightNodes.Add(delta)
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics. It returns nil
// when metrics are disabled.
func (m *Metrics) StartMetricsServer() (*http.Server, error) {
	if !m.config.Enabled {
		return nil, nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
		}
	}()

	return server, nil
}
