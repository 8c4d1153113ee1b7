package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/orchestra/pkg/engine"
)

// Driver names a store implementation.
type Driver string

const (
	// DriverSQLite is the embedded SQLite store.
	DriverSQLite Driver = "sqlite"

	// DriverPostgres is the PostgreSQL store.
	DriverPostgres Driver = "postgres"

	// DriverMemory is the in-process store.
	DriverMemory Driver = "memory"
)

// Config holds store configuration.
type Config struct {
	// Driver selects the implementation.
	Driver Driver `json:"driver" yaml:"driver" validate:"omitempty,oneof=sqlite postgres memory"`

	// Path is the SQLite database file, or ":memory:".
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// URL is the PostgreSQL connection string.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// MaxOpenConns bounds the connection pool.
	MaxOpenConns int `json:"max_open_conns,omitempty" yaml:"max_open_conns,omitempty" validate:"gte=0"`

	// MaxIdleConns bounds idle pooled connections.
	MaxIdleConns int `json:"max_idle_conns,omitempty" yaml:"max_idle_conns,omitempty" validate:"gte=0"`

	// ConnMaxLifetime recycles pooled connections.
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime,omitempty" yaml:"conn_max_lifetime,omitempty"`
}

// Validate checks that the settings required by the driver are present.
func (c Config) Validate() error {
	switch c.Driver {
	case DriverSQLite, "":
		if c.Path == "" {
			return fmt.Errorf("database path is required")
		}
	case DriverPostgres:
		if c.URL == "" {
			return fmt.Errorf("database url is required")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unsupported store driver: %s", c.Driver)
	}
	return nil
}

// Open builds, initializes and migrates the configured store.
func Open(ctx context.Context, cfg Config) (engine.Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid store config: %w", err)
	}

	var (
		store *SQLStore
		err   error
	)
	switch cfg.Driver {
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverPostgres:
		store, err = NewPostgresStore(cfg)
	default:
		store, err = NewSQLiteStore(cfg)
	}
	if err != nil {
		return nil, err
	}

	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func notFound(kind, id string) error {
	return engine.NewPermanentError(fmt.Sprintf("%s not found: %s", kind, id), nil).
		WithCode(engine.ErrCodeNotFound).
		WithResource(id)
}

func unavailable(op string, err error) error {
	return engine.NewTransientError(fmt.Sprintf("failed to %s", op), err).
		WithCode(engine.ErrCodeStoreUnavailable).
		WithOperation(op)
}

func duplicateOutput(out *engine.OutputInstance) error {
	return engine.NewConflictError(
		fmt.Sprintf("output %s already written in scope %q", out.Name, out.ScopeKey), nil,
	).WithCode(engine.ErrCodeAlreadyExists).WithResource(out.ProducerRuntimeID)
}

func containsStatus(set []engine.Status, s engine.Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func containsPlanStatus(set []engine.PlanStatus, s engine.PlanStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func containsInterruptState(set []engine.InterruptState, s engine.InterruptState) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
