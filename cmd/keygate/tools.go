package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/MacJediWizard/keygate/internal/auth"
	"github.com/spf13/cobra"
)

func newCatalogCmd(opts *cliOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "List the entitlements granted to new licenses",
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := opts.catalog()
			if err != nil {
				return fmt.Errorf("load catalog: %w", err)
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), catalog.Entries())
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer tw.Flush()
			fmt.Fprintln(tw, "PRODUCT\tTIER\tUSERS\tCUSTOMERS\tVALIDITY\tFEATURES")
			for _, e := range catalog.Entries() {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
					e.Product, e.Tier, e.MaxUsers, intOr(e.MaxCustomers, "unlimited"),
					daysOr(e.ValidityDays), featureSummary(e.Features))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the catalog as JSON")
	return cmd
}

func newHashTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token [token]",
		Short: "Hash an admin token for ADMIN_TOKEN_HASH, generating one if none is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			var token string
			if len(args) == 1 {
				token = args[0]
			} else {
				generated, err := auth.GenerateAdminToken()
				if err != nil {
					return fmt.Errorf("generate admin token: %w", err)
				}
				token = generated
				fmt.Fprintf(out, "Token:            %s\n", token)
			}

			hash, err := auth.HashAdminToken(token)
			if err != nil {
				return fmt.Errorf("hash admin token: %w", err)
			}
			fmt.Fprintf(out, "ADMIN_TOKEN_HASH: %s\n", hash)
			return nil
		},
	}
}
