// Package telemetry provides observability instrumentation for the execution engine.
//
// The telemetry package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing into one Telemetry value
// that the driver and the CLI share.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	srv, err := tel.StartMetricsServer()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Add telemetry to context:
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component loggers and node field helpers:
//
//	logger := tel.Logger.NewComponentLogger("driver")
//	logger = logger.WithNode(planExecutionID, runtimeID, setupID)
//	logger.Info("Node facilitated")
//
// Library packages take a zerolog.Logger; pass tel.Logger.Zerolog().
//
// # Distributed Tracing
//
// The driver opens one span per node transition:
//
//	ctx, span := telemetry.WithNodeContext(ctx, "facilitate", peID, runtimeID, setupID, stepType)
//	defer telemetry.EndSpan(span, err)
//
// Supported exporters: otlp (gRPC), jaeger (over OTLP), stdout, none.
//
// # Metrics
//
// Prometheus metrics, under the configured namespace:
//
//   - plan_executions_started_total{plan_id}
//   - plan_executions_completed_total{status}
//   - plan_execution_duration_seconds{status}
//   - node_executions_started_total{step_type,mode}
//   - node_executions_completed_total{step_type,status}
//   - node_execution_duration_seconds{step_type}
//   - advice_total{adviser,type}
//   - interrupts_processed_total{type,state}
//   - tasks_submitted_total{type}
//   - task_results_total{stage}
//   - errors_by_class_total{class}, errors_by_code_total{code}
//   - active_plan_executions, inflight_node_jobs
//
// # Events
//
// The event publisher delivers plan.started, plan.completed, node.started,
// node.completed, node.failed and interrupt.processed events to subscribers,
// synchronously or batched in the background:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Type, e.Message)
//	}, telemetry.FilterByPlanExecutionID(peID))
package telemetry
