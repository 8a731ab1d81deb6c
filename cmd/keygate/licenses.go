package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/MacJediWizard/keygate/internal/db"
	"github.com/MacJediWizard/keygate/internal/license"
	"github.com/MacJediWizard/keygate/internal/maintenance"
	"github.com/MacJediWizard/keygate/internal/models"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newMigrateCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the license store schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(cmd, func(ctx context.Context, store db.LicenseStore, _ zerolog.Logger) error {
				fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date.")
				return nil
			})
		},
	}
}

func newCreateCmd(opts *cliOptions) *cobra.Command {
	var (
		product, tier               string
		name, email, company, phone string
		asJSON                      bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a new pending license",
		Example: `  keygate create --product BARBERIA --tier PROFESIONAL --email owner@example.com
  keygate create --product ESCOLAR --tier TRIAL`,
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := opts.catalog()
			if err != nil {
				return fmt.Errorf("load catalog: %w", err)
			}

			req := license.CreateRequest{
				Product: models.Product(strings.ToUpper(product)),
				Tier:    models.Tier(strings.ToUpper(tier)),
			}
			if email != "" {
				req.Customer = &license.CustomerInput{Name: name, Email: email, Company: company, Phone: phone}
			}

			return opts.withStore(cmd, func(ctx context.Context, store db.LicenseStore, logger zerolog.Logger) error {
				lic, err := license.NewIssuer(store, catalog, nil, logger).Create(ctx, req)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), lic)
				}
				printLicense(cmd.OutOrStdout(), lic)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&product, "product", "", "Product line: BARBERIA, RESTAURANTE or ESCOLAR (required)")
	cmd.Flags().StringVar(&tier, "tier", "", "Tier: TRIAL, BASICO, PROFESIONAL or ENTERPRISE (required)")
	cmd.Flags().StringVar(&name, "name", "", "Customer name")
	cmd.Flags().StringVar(&email, "email", "", "Customer email; links the license to a customer record")
	cmd.Flags().StringVar(&company, "company", "", "Customer company")
	cmd.Flags().StringVar(&phone, "phone", "", "Customer phone")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the license as JSON")
	_ = cmd.MarkFlagRequired("product")
	_ = cmd.MarkFlagRequired("tier")

	return cmd
}

func newShowCmd(opts *cliOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <key>",
		Short: "Show a license",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(cmd, func(ctx context.Context, store db.LicenseStore, logger zerolog.Logger) error {
				rec, err := license.NewAdmin(store, nil, logger).Detail(ctx, args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), rec)
				}
				printLicense(cmd.OutOrStdout(), rec.License)
				printCustomer(cmd.OutOrStdout(), rec.Customer)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the license as JSON")
	return cmd
}

func newListCmd(opts *cliOptions) *cobra.Command {
	var (
		state, tier, product, search string
		limit, offset                int
		asJSON                       bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List licenses, newest first",
		Example: `  keygate list --state ACTIVA --product BARBERIA
  keygate list --search ana@example.com`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := models.LicenseFilter{
				State:   models.LicenseState(strings.ToUpper(state)),
				Tier:    models.Tier(strings.ToUpper(tier)),
				Product: models.Product(strings.ToUpper(product)),
				Search:  search,
				Limit:   limit,
				Offset:  offset,
			}
			return opts.withStore(cmd, func(ctx context.Context, store db.LicenseStore, logger zerolog.Logger) error {
				records, err := license.NewAdmin(store, nil, logger).List(ctx, f)
				if err != nil {
					return err
				}
				if asJSON {
					if records == nil {
						records = []*models.LicenseRecord{}
					}
					return writeJSON(cmd.OutOrStdout(), records)
				}
				printRecords(cmd.OutOrStdout(), records)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "Only licenses in this state")
	cmd.Flags().StringVar(&tier, "tier", "", "Only licenses of this tier")
	cmd.Flags().StringVar(&product, "product", "", "Only licenses of this product line")
	cmd.Flags().StringVar(&search, "search", "", "Match key, customer name or customer email")
	cmd.Flags().IntVar(&limit, "limit", license.DefaultListLimit, "Maximum number of licenses")
	cmd.Flags().IntVar(&offset, "offset", 0, "Licenses to skip")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the licenses as JSON")
	return cmd
}

func newStatsCmd(opts *cliOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize the license base",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(cmd, func(ctx context.Context, store db.LicenseStore, logger zerolog.Logger) error {
				stats, err := license.NewAdmin(store, nil, logger).Stats(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), stats)
				}
				printStats(cmd.OutOrStdout(), stats)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the figures as JSON")
	return cmd
}

func newHistoryCmd(opts *cliOptions) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "history <key>",
		Short: "List the activation history of a license, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(cmd, func(ctx context.Context, store db.LicenseStore, logger zerolog.Logger) error {
				events, err := license.NewAdmin(store, nil, logger).History(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if asJSON {
					if events == nil {
						events = []*models.ActivationEvent{}
					}
					return writeJSON(cmd.OutOrStdout(), events)
				}
				printEvents(cmd.OutOrStdout(), events)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", license.DefaultHistoryLimit, "Maximum number of events")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the events as JSON")
	return cmd
}

type stateChangeFunc func(a *license.Admin, ctx context.Context, key, actor string) (*models.License, error)

func newStateCmd(opts *cliOptions, use, short string, change stateChangeFunc) *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   use + " <key>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(cmd, func(ctx context.Context, store db.LicenseStore, logger zerolog.Logger) error {
				lic, err := change(license.NewAdmin(store, nil, logger), ctx, args[0], actorName(actor))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "License %s is now %s.\n", lic.Key, lic.State)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "Operator recorded in the history (default: cli:$USER)")
	return cmd
}

func newDeleteCmd(opts *cliOptions) *cobra.Command {
	var (
		actor string
		yes   bool
	)

	cmd := &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a license and its activation history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to delete %s without --yes", license.MaskKey(strings.ToUpper(args[0])))
			}
			return opts.withStore(cmd, func(ctx context.Context, store db.LicenseStore, logger zerolog.Logger) error {
				if err := license.NewAdmin(store, nil, logger).Delete(ctx, args[0], actorName(actor)); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "License deleted.")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "Operator recorded in the server log (default: cli:$USER)")
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm deletion")
	return cmd
}

func newSweepCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire every active license past its expiration date now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(cmd, func(ctx context.Context, store db.LicenseStore, logger zerolog.Logger) error {
				n, err := maintenance.NewExpirySweeper(store, "", nil, logger).RunNow(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Expired %d license(s).\n", n)
				return nil
			})
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printLicense(w io.Writer, lic *models.License) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintf(tw, "Key:\t%s\n", lic.Key)
	fmt.Fprintf(tw, "Product:\t%s\n", lic.Product)
	fmt.Fprintf(tw, "Tier:\t%s\n", lic.Tier)
	fmt.Fprintf(tw, "State:\t%s\n", lic.State)
	fmt.Fprintf(tw, "Max users:\t%d\n", lic.MaxUsers)
	fmt.Fprintf(tw, "Max customers:\t%s\n", intOr(lic.MaxCustomers, "unlimited"))
	fmt.Fprintf(tw, "Features:\t%s\n", featureSummary(lic.Features))
	fmt.Fprintf(tw, "Validity:\t%s\n", daysOr(lic.ValidityDays))
	if lic.PriceCents > 0 {
		fmt.Fprintf(tw, "Price:\t%d.%02d %s\n", lic.PriceCents/100, lic.PriceCents%100, lic.Currency)
	}
	if lic.ActivatedAt != nil {
		fmt.Fprintf(tw, "Activated:\t%s\n", lic.ActivatedAt.Format(time.RFC3339))
	}
	if lic.ExpiresAt != nil {
		fmt.Fprintf(tw, "Expires:\t%s\n", lic.ExpiresAt.Format(time.RFC3339))
	}
	if lic.LastVerifiedAt != nil {
		fmt.Fprintf(tw, "Last verified:\t%s\n", lic.LastVerifiedAt.Format(time.RFC3339))
	}
	if lic.HardwareID != nil {
		fmt.Fprintf(tw, "Hardware ID:\t%s\n", *lic.HardwareID)
	}
	if lic.Domain != nil {
		fmt.Fprintf(tw, "Domain:\t%s\n", *lic.Domain)
	}
	fmt.Fprintf(tw, "Activations:\t%d\n", lic.ActivationCount)
}

func printCustomer(w io.Writer, c *models.Customer) {
	if c == nil {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintf(tw, "Customer:\t%s <%s>\n", c.Name, c.Email)
	if c.Company != "" {
		fmt.Fprintf(tw, "Company:\t%s\n", c.Company)
	}
	if c.Phone != "" {
		fmt.Fprintf(tw, "Phone:\t%s\n", c.Phone)
	}
}

func printRecords(w io.Writer, records []*models.LicenseRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No licenses found.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "KEY\tPRODUCT\tTIER\tSTATE\tEXPIRES\tCUSTOMER\tCREATED")
	for _, rec := range records {
		expires := "-"
		if rec.ExpiresAt != nil {
			expires = rec.ExpiresAt.UTC().Format("2006-01-02")
		}
		owner := "-"
		if rec.Customer != nil {
			owner = rec.Customer.Email
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.Key, rec.Product, rec.Tier, rec.State, expires, owner,
			rec.CreatedAt.UTC().Format("2006-01-02"))
	}
}

func printStats(w io.Writer, s *models.LicenseStats) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintf(tw, "Active:\t%d\n", s.Active)
	fmt.Fprintf(tw, "Customers:\t%d\n", s.Customers)
	fmt.Fprintf(tw, "Expiring in %d days:\t%d\n", s.ExpiringWithin, s.ExpiringSoon)
	fmt.Fprintf(tw, "Revenue this month:\t%d.%02d\n", s.MonthRevenueCents/100, s.MonthRevenueCents%100)
	for _, st := range models.ValidLicenseStates() {
		fmt.Fprintf(tw, "State %s:\t%d\n", st, s.ByState[st])
	}
	for _, p := range models.ValidProducts() {
		fmt.Fprintf(tw, "Product %s:\t%d\n", p, s.ByProduct[p])
	}
}

func printEvents(w io.Writer, events []*models.ActivationEvent) {
	if len(events) == 0 {
		fmt.Fprintln(w, "No activation history.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "TIME\tACTION\tREASON\tHARDWARE\tIP\tDETAILS")
	for _, ev := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			ev.CreatedAt.UTC().Format(time.RFC3339),
			ev.Action,
			strOr(ev.Reason, "-"),
			strOr(ev.HardwareID, "-"),
			strOr(ev.IPAddress, "-"),
			ev.Details,
		)
	}
}

func featureSummary(f models.FeatureSet) string {
	if f.IsAll() {
		return "all"
	}
	tokens := f.Tokens()
	if len(tokens) == 0 {
		return "none"
	}
	return strings.Join(tokens, ", ")
}

func intOr(v *int, fallback string) string {
	if v == nil {
		return fallback
	}
	return fmt.Sprintf("%d", *v)
}

func daysOr(v *int) string {
	if v == nil {
		return "perpetual"
	}
	return fmt.Sprintf("%d days", *v)
}

func strOr(v *string, fallback string) string {
	if v == nil || *v == "" {
		return fallback
	}
	return *v
}
