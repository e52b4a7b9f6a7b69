// Command creditledger runs the credit ledger HTTP API, the expiration
// sweeper and database maintenance tasks.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "creditledger",
		Short:         "Multi-tenant credit ledger for SaaS billing",
		Version:       readVersionFromEnv(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML config file")

	load := func() (*Config, error) {
		return LoadConfig(configFile)
	}
	root.AddCommand(
		newServeCmd(load),
		newSweepCmd(load),
		newMigrateCmd(load),
		newCatalogCmd(load),
	)
	return root
}

func readVersionFromEnv() string {
	if v := strings.TrimSpace(os.Getenv("CREDITLEDGER_VERSION")); v != "" {
		return v
	}
	return "dev"
}
