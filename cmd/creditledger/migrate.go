package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/creditledger/storage/postgres"
)

func newMigrateCmd(load func() (*Config, error)) *cobra.Command {
	var (
		down    int
		version bool
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply PostgreSQL schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.Storage.Driver != DriverPostgres {
				return fmt.Errorf("migrate requires storage.driver=postgres, got %q", cfg.Storage.Driver)
			}

			pgConfig := postgres.DefaultConfig()
			pgConfig.ConnectionString = cfg.Postgres.DSN
			pgConfig.CleanupEnabled = false
			pgConfig.AutoMigrate = false
			store, err := postgres.New(cmd.Context(), pgConfig)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			switch {
			case version:
			case down > 0:
				if err := store.MigrateDown(ctx, down); err != nil {
					return err
				}
			default:
				if err := store.Migrate(ctx); err != nil {
					return err
				}
			}
			return printVersion(ctx, cmd, store)
		},
	}
	cmd.Flags().IntVar(&down, "down", 0, "roll back this many migrations")
	cmd.Flags().BoolVar(&version, "version", false, "print the schema version and exit")
	return cmd
}

func printVersion(ctx context.Context, cmd *cobra.Command, store *postgres.Storage) error {
	v, dirty, err := store.MigrationVersion(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty: %t)\n", v, dirty)
	return nil
}
