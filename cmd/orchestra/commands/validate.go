package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/orchestra/pkg/config"
	"github.com/openfroyo/orchestra/pkg/driver"
	"github.com/openfroyo/orchestra/pkg/policy"
	"github.com/openfroyo/orchestra/pkg/stores"
	"github.com/openfroyo/orchestra/pkg/taskrunner"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <plan>",
		Short: "Validate a plan",
		Long: `Validate a plan without running it.

This command checks:
  - Schema conformance of the plan file
  - Known step, facilitator and adviser types
  - Adviser and child references to existing nodes
  - Duplicate setup ids and the starting node`,
		Example: `  # Validate a plan
  orchestra validate deploy.json

  # Validate with the policies of a config
  orchestra validate deploy.json --config orchestra.cue`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			plan, err := config.LoadPlan(args[0])
			if err != nil {
				return err
			}

			policies, err := policy.NewEngine(log.Logger)
			if err != nil {
				return err
			}
			if len(cfg.Policies.Paths) > 0 {
				if err := policies.LoadPolicies(cmd.Context(), cfg.Policies.Paths); err != nil {
					return fmt.Errorf("failed to load policies: %w", err)
				}
			}

			// Validation needs the registries only; nothing is persisted.
			d, err := driver.New(stores.NewMemoryStore(), taskrunner.NewLocal(),
				driver.WithConfig(cfg.DriverConfig()),
				driver.WithPolicies(policies),
			)
			if err != nil {
				return err
			}
			validated, err := d.ValidatePlan(*plan)
			if err != nil {
				return fmt.Errorf("plan %s is invalid: %w", plan.ID, err)
			}

			if jsonOutput {
				return printJSON(map[string]interface{}{"valid": true, "plan": validated})
			}
			fmt.Printf("Plan %s is valid (%d nodes, starting at %s)\n",
				validated.ID, len(validated.Nodes), validated.StartingNodeID)
			return nil
		},
	}

	return cmd
}
