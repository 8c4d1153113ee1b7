package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newOutcomesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outcomes <execution-id>",
		Short: "Print the outcomes of an execution",
		Long: `Print the OUTCOME outputs written by the nodes of an execution, decoded,
in write order. Sweeping outputs are working data and are not listed.`,
		Args: cobra.ExactArgs(1),
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

			outcomes, err := rt.driver.Outcomes().Summary(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(outcomes)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSCOPE\tPRODUCER\tVALUE")
			for _, o := range outcomes {
				value, err := json.Marshal(o.Value)
				if err != nil {
					value = []byte(fmt.Sprintf("%v", o.Value))
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					o.Instance.Name, o.Instance.ScopeKey, o.Instance.ProducerSetupID, value)
			}
			return w.Flush()
		},
	}

	return cmd
}
