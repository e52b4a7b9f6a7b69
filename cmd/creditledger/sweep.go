package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSweepCmd(load func() (*Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire lapsed credit entries once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			s, err := a.sweeper()
			if err != nil {
				return err
			}
			res, err := s.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d entries (%d credits), %d failed\n",
				res.ExpiredEntries, res.TotalExpired, res.Failed)
			return nil
		},
	}
}
