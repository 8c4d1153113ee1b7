package telemetry

import (
	"fmt"
	"time"
)

// Config is the telemetry of one orchestra process.
type Config struct {
	// ServiceName and ServiceVersion identify the process on spans.
	ServiceName    string
	ServiceVersion string

	// Environment is attached to spans as the environment attribute.
	Environment string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig selects the level, format and destination of the log.
type LoggingConfig struct {
	// Level is a zerolog level name.
	Level string

	// Format is console or json.
	Format string

	// Output is stdout, stderr or a file the log is appended to.
	Output string
}

// TracingConfig configures the span exporter.
type TracingConfig struct {
	Enabled bool

	// Exporter is otlp, jaeger, stdout or none. jaeger is exported over OTLP.
	Exporter string

	// Endpoint is the OTLP gRPC collector address.
	Endpoint string

	// SamplingRate is the share of root spans kept, 0 to 1.
	SamplingRate float64

	// Insecure disables TLS towards the collector.
	Insecure bool

	// ExportTimeout bounds one batch export.
	ExportTimeout time.Duration
}

// MetricsConfig configures the Prometheus collectors and their endpoint.
type MetricsConfig struct {
	Enabled bool

	// ListenAddress and Path locate the scrape endpoint served by
	// StartMetricsServer.
	ListenAddress string
	Path          string

	// Namespace prefixes every metric name.
	Namespace string
}

// EventsConfig configures the in-process event publisher.
type EventsConfig struct {
	Enabled bool

	// BufferSize bounds the events queued for asynchronous delivery.
	BufferSize int

	// EnableAsync delivers events from a background goroutine in batches of
	// at most MaxBatchSize, flushed every FlushInterval.
	EnableAsync   bool
	MaxBatchSize  int
	FlushInterval time.Duration
}

var (
	logLevels      = []string{"trace", "debug", "info", "warn", "error", "fatal"}
	logFormats     = []string{"console", "json"}
	traceExporters = []string{"otlp", "jaeger", "stdout", "none"}
)

// DefaultConfig logs info to stdout on the console, serves metrics on :9090
// and leaves tracing off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "orchestra",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
		Tracing: TracingConfig{
			Exporter:      "otlp",
			SamplingRate:  1.0,
			Insecure:      true,
			ExportTimeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "orchestra",
		},
		Events: EventsConfig{
			Enabled:       true,
			BufferSize:    1000,
			EnableAsync:   true,
			MaxBatchSize:  100,
			FlushInterval: 5 * time.Second,
		},
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}
	if !oneOf(c.Logging.Level, logLevels) {
		return fmt.Errorf("invalid log level %q, expected one of %v", c.Logging.Level, logLevels)
	}
	if !oneOf(c.Logging.Format, logFormats) {
		return fmt.Errorf("invalid log format %q, expected one of %v", c.Logging.Format, logFormats)
	}
	if c.Tracing.Enabled && !oneOf(c.Tracing.Exporter, traceExporters) {
		return fmt.Errorf("invalid trace exporter %q, expected one of %v", c.Tracing.Exporter, traceExporters)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got %g", c.Tracing.SamplingRate)
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		return fmt.Errorf("metrics listen address is required when metrics are enabled")
	}
	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive, got %d", c.Events.BufferSize)
	}
	return nil
}

func oneOf(v string, set []string) bool {
	for _, s := range set {
		if v == s {
			return true
		}
	}
	return false
}
