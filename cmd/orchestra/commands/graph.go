package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newGraphCommand() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "graph <execution-id>",
		Short: "Print the execution graph",
		Long: `Print the node executions of an execution with their parent, sequence
and retry edges, as JSON or as a Graphviz DOT digraph.`,
		Example: `  # Render an execution with Graphviz
  orchestra graph 3f6c1c1e-6a0e-4f54-9b55-1c3b1c1a6c9e --format dot | dot -Tsvg > run.svg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "json" && format != "dot" {
				return fmt.Errorf("unsupported format %q (must be json or dot)", format)
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

			graph, err := rt.driver.GetExecutionGraph(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if format == "dot" {
				fmt.Print(graph.ToDOT())
				return nil
			}
			return printJSON(graph)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "json", "output format (json, dot)")

	return cmd
}
