package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/orchestra/pkg/codec"
	"github.com/openfroyo/orchestra/pkg/config"
	"github.com/openfroyo/orchestra/pkg/driver"
	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/outcome"
	"github.com/openfroyo/orchestra/pkg/policy"
	"github.com/openfroyo/orchestra/pkg/stores"
	"github.com/openfroyo/orchestra/pkg/taskrunner"
	"github.com/openfroyo/orchestra/pkg/telemetry"
)

const shutdownTimeout = 30 * time.Second

// runtime is the engine assembled from the configuration.
type runtime struct {
	cfg      *config.Config
	store    engine.Store
	tel      *telemetry.Telemetry
	runner   *taskrunner.Local
	policies *policy.Engine
	driver   *driver.Driver
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", configPath, err)
	}
	return cfg, nil
}

// openRuntime opens the configured store and builds a driver over it.
func openRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := stores.Open(ctx, cfg.StoreConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	rt, err := newRuntime(ctx, cfg, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return rt, nil
}

func newRuntime(ctx context.Context, cfg *config.Config, store engine.Store) (*runtime, error) {
	rt := &runtime{cfg: cfg, store: store}

	tel, err := telemetry.NewTelemetry(cfg.TelemetryConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	rt.tel = tel

	c, err := codec.NewRegistry().Get(cfg.Outcomes.Codec)
	if err != nil {
		return nil, err
	}
	outcomeOpts := []outcome.Option{outcome.WithCodec(c), outcome.WithLogger(log.Logger)}
	if cfg.Outcomes.LevelsToKeep > 0 {
		outcomeOpts = append(outcomeOpts, outcome.WithDefaultLevelsToKeep(cfg.Outcomes.LevelsToKeep))
	}
	if ps := cfg.Outcomes.ObjectStore; ps != nil {
		payloads, err := stores.NewMinioPayloadStore(ctx, *ps)
		if err != nil {
			return nil, fmt.Errorf("failed to open object store: %w", err)
		}
		outcomeOpts = append(outcomeOpts, outcome.WithPayloadStore(payloads, cfg.Outcomes.BlobThreshold))
	}

	rt.policies, err = policy.NewEngine(log.Logger)
	if err != nil {
		return nil, err
	}
	if len(cfg.Policies.Paths) > 0 {
		if err := rt.policies.LoadPolicies(ctx, cfg.Policies.Paths); err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
	}

	rt.runner = taskrunner.NewLocal(taskrunner.WithCodec(c), taskrunner.WithLogger(log.Logger))
	rt.driver, err = driver.New(store, rt.runner,
		driver.WithConfig(cfg.DriverConfig()),
		driver.WithCodec(c),
		driver.WithOutcomes(outcome.NewService(store, outcomeOpts...)),
		driver.WithPolicies(rt.policies),
		driver.WithTelemetry(tel),
		driver.WithLogger(log.Logger),
	)
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// Close stops the driver and releases everything the runtime opened.
// Executions still running stay persisted and are continued by resume.
func (rt *runtime) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if rt.driver != nil {
		errs = append(errs, rt.driver.Shutdown(ctx))
	}
	if rt.runner != nil {
		errs = append(errs, rt.runner.Close(ctx))
	}
	if rt.policies != nil {
		errs = append(errs, rt.policies.Close())
	}
	if rt.tel != nil {
		errs = append(errs, rt.tel.Shutdown(ctx))
	}
	errs = append(errs, rt.store.Close())
	return errors.Join(errs...)
}

// await waits for a plan execution and reports its outcome. A cancelled
// context leaves the execution running in the store.
func (rt *runtime) await(ctx context.Context, planExecutionID string) (*engine.PlanExecution, error) {
	pe, err := rt.driver.AwaitCompletion(ctx, planExecutionID)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warn().
				Str("plan_execution_id", planExecutionID).
				Msg("Stopped waiting; continue with 'orchestra resume'")
		}
		return pe, err
	}
	return pe, nil
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
