package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/orchestra/pkg/stores"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the store schema",
		Long: `Apply the embedded schema migrations to the configured SQLite or
PostgreSQL store and print the resulting schema version.`,
		Example: `  # Migrate the store of a config
  orchestra migrate --config orchestra.cue`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			// Open applies the migrations.
			store, err := stores.Open(cmd.Context(), cfg.StoreConfig())
			if err != nil {
				return err
			}
			defer store.Close()

			sql, ok := store.(*stores.SQLStore)
			if !ok {
				fmt.Printf("Store driver %s has no schema\n", cfg.Store.Driver)
				return nil
			}
			version, dirty, err := sql.MigrationVersion()
			if err != nil {
				return err
			}
			if dirty {
				return fmt.Errorf("schema version %d is dirty; fix the database and rerun", version)
			}
			fmt.Printf("Store %s migrated to schema version %d\n", cfg.Store.Driver, version)
			return nil
		},
	}

	return cmd
}
