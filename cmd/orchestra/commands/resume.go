package commands

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/orchestra/pkg/engine"
)

func newResumeCommand() *cobra.Command {
	var (
		detach  bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "resume [execution-id]",
		Short: "Resume stopped executions",
		Long: `Reconcile executions from the store and carry them on.

Stuck interrupts are applied, queued and paused nodes are dispatched, advising
is redone and task results missing from the store are polled. Without an id
every live execution is resumed.`,
		Example: `  # Resume one execution and wait for it
  orchestra resume 3f6c1c1e-6a0e-4f54-9b55-1c3b1c1a6c9e

  # Resume everything that was left running
  orchestra resume`,
		Args: cobra.MaximumNArgs(1),
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

			var ids []string
			if len(args) == 1 {
				if err := rt.driver.Reconcile(cmd.Context(), args[0]); err != nil {
					return fmt.Errorf("failed to reconcile %s: %w", args[0], err)
				}
				ids = append(ids, args[0])
			} else {
				live, err := rt.store.ListPlanExecutions(cmd.Context(), engine.LivePlanStatuses)
				if err != nil {
					return fmt.Errorf("failed to list executions: %w", err)
				}
				if err := rt.driver.ResumeAll(cmd.Context()); err != nil {
					return err
				}
				for _, pe := range live {
					ids = append(ids, pe.ID)
				}
			}
			log.Info().Int("executions", len(ids)).Msg("Executions resumed")

			if detach || len(ids) == 0 {
				return nil
			}

			ctx, cancel := withTimeout(cmd.Context(), timeout)
			defer cancel()
			results := make([]*engine.PlanExecution, len(ids))
			g, gctx := errgroup.WithContext(ctx)
			for i, id := range ids {
				g.Go(func() error {
					pe, err := rt.await(gctx, id)
					results[i] = pe
					return err
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			if len(results) == 1 {
				return reportExecution(cmd, rt, results[0])
			}
			if jsonOutput {
				return printJSON(results)
			}
			for _, pe := range results {
				fmt.Printf("%s\t%s\n", pe.ID, pe.Status)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "return after reconciling without waiting")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "stop waiting after this long (0 waits until the executions end)")

	return cmd
}
