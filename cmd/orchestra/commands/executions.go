package commands

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/orchestra/pkg/engine"
)

func newExecutionsCommand() *cobra.Command {
	var (
		statuses []string
		live     bool
	)

	cmd := &cobra.Command{
		Use:   "executions",
		Short: "List executions",
		Example: `  # List every execution
  orchestra executions

  # List executions that have not ended
  orchestra executions --live

  # List failed and expired executions
  orchestra executions --status failed --status expired`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter []engine.PlanStatus
			if live {
				filter = append(filter, engine.LivePlanStatuses...)
			}
			for _, s := range statuses {
				status := engine.PlanStatus(strings.ToUpper(s))
				if err := status.Validate(); err != nil {
					return err
				}
				filter = append(filter, status)
			}

			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				if err := rt.Close(); err != nil {
					log.Warn().Err(err).Msg("Failed to close runtime")
				}
			}()

			executions, err := rt.store.ListPlanExecutions(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("failed to list executions: %w", err)
			}
			if jsonOutput {
				return printJSON(executions)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPLAN\tSTATUS\tSTARTED\tDURATION")
			for _, pe := range executions {
				duration := "-"
				if pe.EndedAt != nil {
					duration = pe.EndedAt.Sub(pe.StartedAt).Round(time.Millisecond).String()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					pe.ID, pe.PlanID, pe.Status, pe.StartedAt.Local().Format(time.DateTime), duration)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "only list executions with this status (repeatable)")
	cmd.Flags().BoolVar(&live, "live", false, "only list executions that have not ended")

	return cmd
}
