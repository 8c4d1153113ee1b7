package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/orchestra/pkg/driver"
	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/stores"
	"github.com/openfroyo/orchestra/pkg/telemetry"
)

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid duration %s", string(data))
	}
	*d = Duration(n)
	return nil
}

// Config is the engine configuration.
type Config struct {
	// Store selects and tunes the durable store.
	Store StoreConfig `json:"store"`

	// Engine tunes the execution driver.
	Engine EngineConfig `json:"engine"`

	// Outcomes configures output serialization and payload offloading.
	Outcomes OutcomesConfig `json:"outcomes"`

	// Policies configures the rego policies used by the POLICY adviser.
	Policies PoliciesConfig `json:"policies"`

	// Telemetry configures logging, tracing, metrics and events.
	Telemetry TelemetryConfig `json:"telemetry"`
}

// StoreConfig selects and tunes the durable store.
type StoreConfig struct {
	Driver          string   `json:"driver" validate:"required,oneof=sqlite postgres memory"`
	Path            string   `json:"path,omitempty" validate:"required_if=Driver sqlite"`
	URL             string   `json:"url,omitempty" validate:"required_if=Driver postgres"`
	MaxOpenConns    int      `json:"max_open_conns,omitempty" validate:"gte=0"`
	MaxIdleConns    int      `json:"max_idle_conns,omitempty" validate:"gte=0"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime,omitempty"`
}

// EngineConfig tunes the execution driver.
type EngineConfig struct {
	MaxParallel          int      `json:"max_parallel" validate:"gt=0"`
	ReconcileInterval    Duration `json:"reconcile_interval" validate:"gt=0"`
	RetryMaxTries        int      `json:"retry_max_tries" validate:"gt=0"`
	RetryInitialInterval Duration `json:"retry_initial_interval" validate:"gt=0"`
	RetryMaxInterval     Duration `json:"retry_max_interval" validate:"gtefield=RetryInitialInterval"`

	// DefaultNodeTimeout expires nodes without a timeout of their own.
	DefaultNodeTimeout Duration `json:"default_node_timeout,omitempty" validate:"gte=0"`

	SelectionPolicy   string   `json:"selection_policy" validate:"oneof=first_match strict"`
	ExpressionTimeout Duration `json:"expression_timeout" validate:"gt=0"`
}

// OutcomesConfig configures output serialization and payload offloading.
type OutcomesConfig struct {
	Codec string `json:"codec" validate:"oneof=json msgpack"`

	// BlobThreshold is the encoded size above which outputs go to the
	// object store. Zero keeps every payload inline.
	BlobThreshold int `json:"blob_threshold,omitempty" validate:"gte=0"`

	// LevelsToKeep is the default scope of outputs without a group.
	LevelsToKeep int `json:"levels_to_keep,omitempty" validate:"gte=0"`

	ObjectStore *stores.PayloadConfig `json:"object_store,omitempty"`
}

// PoliciesConfig configures the rego policies used by the POLICY adviser.
type PoliciesConfig struct {
	Paths []string `json:"paths,omitempty" validate:"dive,required"`

	// Watch reloads policies when their files change.
	Watch bool `json:"watch,omitempty"`
}

// TelemetryConfig configures logging, tracing, metrics and events.
type TelemetryConfig struct {
	ServiceName string `json:"service_name" validate:"required"`
	Environment string `json:"environment,omitempty"`

	Logging struct {
		Level  string `json:"level" validate:"oneof=trace debug info warn error fatal"`
		Format string `json:"format" validate:"oneof=console json"`
		Output string `json:"output,omitempty"`
	} `json:"logging"`

	Tracing struct {
		Enabled      bool    `json:"enabled"`
		Exporter     string  `json:"exporter,omitempty" validate:"omitempty,oneof=otlp jaeger stdout none"`
		Endpoint     string  `json:"endpoint,omitempty"`
		SamplingRate float64 `json:"sampling_rate" validate:"gte=0,lte=1"`
		Insecure     bool    `json:"insecure,omitempty"`
	} `json:"tracing"`

	Metrics struct {
		Enabled       bool   `json:"enabled"`
		ListenAddress string `json:"listen_address,omitempty"`
		Path          string `json:"path,omitempty"`
		Namespace     string `json:"namespace,omitempty"`
	} `json:"metrics"`

	Events struct {
		Enabled    bool `json:"enabled"`
		BufferSize int  `json:"buffer_size,omitempty" validate:"gte=0"`
	} `json:"events"`
}

// ValidationError is a configuration error with its source location.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the CUE path to the error (e.g., "engine.max_parallel").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	loc := e.File
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d:%d", e.File, e.Line, e.Column)
	}
	if loc == "" {
		return e.Message
	}
	return loc + ": " + e.Message
}

// Default returns the default engine configuration: an SQLite store in the
// working directory, JSON outputs and the default driver tuning.
func Default() *Config {
	d := driver.DefaultConfig()
	t := telemetry.DefaultConfig()

	cfg := &Config{
		Store: StoreConfig{
			Driver:       string(stores.DriverSQLite),
			Path:         "orchestra.db",
			MaxOpenConns: 1,
			MaxIdleConns: 1,
		},
		Engine: EngineConfig{
			MaxParallel:          d.MaxParallel,
			ReconcileInterval:    Duration(d.ReconcileInterval),
			RetryMaxTries:        d.RetryMaxTries,
			RetryInitialInterval: Duration(d.RetryInitialInterval),
			RetryMaxInterval:     Duration(d.RetryMaxInterval),
			DefaultNodeTimeout:   Duration(d.DefaultNodeTimeout),
			SelectionPolicy:      string(d.SelectionPolicy),
			ExpressionTimeout:    Duration(d.ExpressionTimeout),
		},
		Outcomes: OutcomesConfig{
			Codec: "json",
		},
	}

	cfg.Telemetry.ServiceName = t.ServiceName
	cfg.Telemetry.Environment = t.Environment
	cfg.Telemetry.Logging.Level = t.Logging.Level
	cfg.Telemetry.Logging.Format = t.Logging.Format
	cfg.Telemetry.Logging.Output = t.Logging.Output
	cfg.Telemetry.Tracing.Enabled = t.Tracing.Enabled
	cfg.Telemetry.Tracing.Exporter = t.Tracing.Exporter
	cfg.Telemetry.Tracing.SamplingRate = t.Tracing.SamplingRate
	cfg.Telemetry.Tracing.Insecure = t.Tracing.Insecure
	cfg.Telemetry.Metrics.Enabled = t.Metrics.Enabled
	cfg.Telemetry.Metrics.ListenAddress = t.Metrics.ListenAddress
	cfg.Telemetry.Metrics.Path = t.Metrics.Path
	cfg.Telemetry.Metrics.Namespace = t.Metrics.Namespace
	cfg.Telemetry.Events.Enabled = t.Events.Enabled
	cfg.Telemetry.Events.BufferSize = t.Events.BufferSize
	return cfg
}

// StoreConfig converts the store section for stores.Open.
func (c *Config) StoreConfig() stores.Config {
	return stores.Config{
		Driver:          stores.Driver(c.Store.Driver),
		Path:            c.Store.Path,
		URL:             c.Store.URL,
		MaxOpenConns:    c.Store.MaxOpenConns,
		MaxIdleConns:    c.Store.MaxIdleConns,
		ConnMaxLifetime: time.Duration(c.Store.ConnMaxLifetime),
	}
}

// DriverConfig converts the engine section for driver.WithConfig.
func (c *Config) DriverConfig() driver.Config {
	d := driver.DefaultConfig()
	d.MaxParallel = c.Engine.MaxParallel
	d.ReconcileInterval = time.Duration(c.Engine.ReconcileInterval)
	d.RetryMaxTries = c.Engine.RetryMaxTries
	d.RetryInitialInterval = time.Duration(c.Engine.RetryInitialInterval)
	d.RetryMaxInterval = time.Duration(c.Engine.RetryMaxInterval)
	d.DefaultNodeTimeout = time.Duration(c.Engine.DefaultNodeTimeout)
	d.SelectionPolicy = engine.SelectionPolicy(c.Engine.SelectionPolicy)
	d.ExpressionTimeout = time.Duration(c.Engine.ExpressionTimeout)
	return d
}

// TelemetryConfig converts the telemetry section for telemetry.NewTelemetry.
func (c *Config) TelemetryConfig() *telemetry.Config {
	t := telemetry.DefaultConfig()
	tc := c.Telemetry
	t.ServiceName = tc.ServiceName
	if tc.Environment != "" {
		t.Environment = tc.Environment
	}
	t.Logging.Level = tc.Logging.Level
	t.Logging.Format = tc.Logging.Format
	if tc.Logging.Output != "" {
		t.Logging.Output = tc.Logging.Output
	}
	t.Tracing.Enabled = tc.Tracing.Enabled
	if tc.Tracing.Exporter != "" {
		t.Tracing.Exporter = tc.Tracing.Exporter
	}
	t.Tracing.Endpoint = tc.Tracing.Endpoint
	t.Tracing.SamplingRate = tc.Tracing.SamplingRate
	t.Tracing.Insecure = tc.Tracing.Insecure
	t.Metrics.Enabled = tc.Metrics.Enabled
	if tc.Metrics.ListenAddress != "" {
		t.Metrics.ListenAddress = tc.Metrics.ListenAddress
	}
	if tc.Metrics.Path != "" {
		t.Metrics.Path = tc.Metrics.Path
	}
	if tc.Metrics.Namespace != "" {
		t.Metrics.Namespace = tc.Metrics.Namespace
	}
	t.Events.Enabled = tc.Events.Enabled
	if tc.Events.BufferSize > 0 {
		t.Events.BufferSize = tc.Events.BufferSize
	}
	return t
}
