package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newCatalogCmd(load func() (*Config, error)) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Print the active plans and credit packages",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			catalog := cfg.BuildCatalog()
			plans, err := catalog.Plans(cmd.Context())
			if err != nil {
				return err
			}
			packages, err := catalog.Packages(cmd.Context())
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]interface{}{"plans": plans, "packages": packages})
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PLAN\tCREDITS\tMONTHLY\tYEARLY\tPRICE IDS")
			for _, p := range plans {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s, %s\n", p.ID, p.CreditsIncluded,
					money(p.PriceMonthly), money(p.PriceYearly), p.StripePriceIDMonthly, p.StripePriceIDYearly)
			}
			fmt.Fprintln(w)
			fmt.Fprintln(w, "PACKAGE\tCREDITS\tPRICE\tPRICE ID")
			for _, p := range packages {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", p.ID, p.Credits, money(p.Price), p.StripePriceID)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON (provider price ids omitted)")
	return cmd
}

// money formats minor currency units
func money(minor int64) string {
	return fmt.Sprintf("%d.%02d", minor/100, minor%100)
}
