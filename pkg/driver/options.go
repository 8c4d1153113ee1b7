package driver

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/orchestra/pkg/adviser"
	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/facilitator"
	"github.com/openfroyo/orchestra/pkg/outcome"
	"github.com/openfroyo/orchestra/pkg/policy"
	"github.com/openfroyo/orchestra/pkg/step"
	"github.com/openfroyo/orchestra/pkg/telemetry"
)

// Config tunes the driver.
type Config struct {
	// MaxParallel bounds the node transitions processed concurrently.
	MaxParallel int

	// ReconcileInterval is the period of RunReconciler when none is given.
	ReconcileInterval time.Duration

	// RetryMaxTries bounds store calls retried on transient errors.
	RetryMaxTries int

	// RetryInitialInterval is the first backoff interval of store retries.
	RetryInitialInterval time.Duration

	// RetryMaxInterval caps the backoff interval of store retries.
	RetryMaxInterval time.Duration

	// DefaultNodeTimeout expires nodes without a timeout of their own.
	// Zero disables expiry for those nodes.
	DefaultNodeTimeout time.Duration

	// SelectionPolicy combines adviser and facilitator obtainments.
	SelectionPolicy engine.SelectionPolicy

	// ExpressionTimeout bounds the evaluation of one expression.
	ExpressionTimeout time.Duration

	// PollInterval is how often AwaitCompletion re-reads the plan execution.
	PollInterval time.Duration
}

// DefaultConfig returns the default driver configuration.
func DefaultConfig() Config {
	return Config{
		MaxParallel:          32,
		ReconcileInterval:    30 * time.Second,
		RetryMaxTries:        5,
		RetryInitialInterval: 50 * time.Millisecond,
		RetryMaxInterval:     2 * time.Second,
		SelectionPolicy:      engine.SelectFirstMatch,
		ExpressionTimeout:    5 * time.Second,
		PollInterval:         250 * time.Millisecond,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxParallel <= 0 {
		return fmt.Errorf("max parallel must be positive, got: %d", c.MaxParallel)
	}
	if c.RetryMaxTries <= 0 {
		return fmt.Errorf("retry max tries must be positive, got: %d", c.RetryMaxTries)
	}
	if c.RetryInitialInterval <= 0 || c.RetryMaxInterval < c.RetryInitialInterval {
		return fmt.Errorf("invalid retry intervals: %s..%s", c.RetryInitialInterval, c.RetryMaxInterval)
	}
	if c.DefaultNodeTimeout < 0 {
		return fmt.Errorf("default node timeout must not be negative")
	}
	return c.SelectionPolicy.Validate()
}

// Option configures a Driver.
type Option func(*Driver)

// WithConfig replaces the driver configuration.
func WithConfig(cfg Config) Option {
	return func(d *Driver) {
		d.cfg = cfg
	}
}

// WithStepRegistry sets the steps nodes are executed with.
func WithStepRegistry(r *step.Registry) Option {
	return func(d *Driver) {
		d.steps = r
	}
}

// WithFacilitators sets the facilitator engine.
func WithFacilitators(e *facilitator.Engine) Option {
	return func(d *Driver) {
		d.facilitators = e
	}
}

// WithAdvisers sets the adviser engine.
func WithAdvisers(e *adviser.Engine) Option {
	return func(d *Driver) {
		d.advisers = e
	}
}

// WithPolicies enables the POLICY adviser on the default adviser engine.
func WithPolicies(p *policy.Engine) Option {
	return func(d *Driver) {
		d.policies = p
	}
}

// WithOutcomes sets the outcome service.
func WithOutcomes(s *outcome.Service) Option {
	return func(d *Driver) {
		d.outcomes = s
	}
}

// WithCodec sets the codec used for outputs and task payloads.
func WithCodec(c engine.Codec) Option {
	return func(d *Driver) {
		d.codec = c
	}
}

// WithTelemetry enables events, metrics and tracing.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(d *Driver) {
		d.tel = t
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Driver) {
		d.logger = logger
	}
}
