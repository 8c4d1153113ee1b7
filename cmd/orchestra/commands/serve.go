package commands

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine as a long-lived process",
		Long: `Resume every live execution, then reconcile the store periodically so
that detached runs, interrupts registered elsewhere and due timers are carried
on. Prometheus metrics are served when telemetry.metrics is enabled.

serve assumes it is the only process driving the store. A sync node left
RUNNING by another process is taken for one cut off by a crash and is failed
as INTERRUPTED, so stop serve before using run or resume against the same
database. Executions started with run --detach while serve is stopped are
picked up when it starts.`,
		Example: `  # Serve with the config's reconcile interval
  orchestra serve --config orchestra.cue

  # Reconcile every 5 seconds
  orchestra serve --interval 5s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				if err := rt.Close(); err != nil {
					log.Warn().Err(err).Msg("Failed to close runtime")
				}
			}()

			server, err := rt.tel.StartMetricsServer()
			if err != nil {
				return err
			}
			if server != nil {
				log.Info().Str("address", server.Addr).Msg("Metrics server started")
				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = server.Shutdown(ctx)
				}()
			}

			if err := rt.driver.ResumeAll(cmd.Context()); err != nil {
				log.Error().Err(err).Msg("Initial resume failed")
			}
			if rt.cfg.Policies.Watch && len(rt.cfg.Policies.Paths) > 0 {
				if err := rt.policies.Watch(cmd.Context(), rt.cfg.Policies.Paths); err != nil {
					return err
				}
			}

			log.Info().Msg("Engine serving")
			err = rt.driver.RunReconciler(cmd.Context(), interval)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 0, "reconcile interval (defaults to engine.reconcile_interval)")

	return cmd
}
