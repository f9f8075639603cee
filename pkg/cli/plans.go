package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/platinummonkey/netforge/pkg/billing"
	"github.com/platinummonkey/netforge/pkg/observability"
	"github.com/platinummonkey/netforge/pkg/orgs"
)

type planSyncer interface {
	SyncPlans(ctx context.Context) (*billing.SyncResult, error)
}

// newPlanSyncer is replaced in tests
var newPlanSyncer = func(db *sql.DB, apiBase, key string, logger *observability.Logger) planSyncer {
	return billing.NewService(billing.ServiceDeps{
		Store:     billing.NewPostgresStore(db),
		Provider:  billing.NewStripeClient(apiBase, key, nil),
		Directory: orgs.NewPostgresService(db),
		Logger:    logger,
	})
}

func newPlansCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plans",
		Short: "Manage subscription plans",
	}

	var dbURL, stripeKey, apiBase string
	sync := &cobra.Command{
		Use:   "sync",
		Short: "Pull prices from Stripe into the plan catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stripeKey == "" {
				stripeKey = os.Getenv("NETFORGE_STRIPE_SECRET_KEY")
			}
			if stripeKey == "" {
				return errors.New("a Stripe secret key is required (--stripe-key or NETFORGE_STRIPE_SECRET_KEY)")
			}

			db, err := connect(cmd, dbURL)
			if err != nil {
				return err
			}
			defer db.Close()

			res, err := newPlanSyncer(db, apiBase, stripeKey, cliLogger(cmd)).SyncPlans(cmd.Context())
			if err != nil {
				return fmt.Errorf("plan sync: %w", err)
			}

			out := cmd.OutOrStdout()
			if opts.output == outputJSON {
				return writeJSON(out, res)
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "Upserted:\t%d\n", res.Upserted)
			fmt.Fprintf(tw, "Deactivated:\t%d\n", res.Deactivated)
			fmt.Fprintf(tw, "Skipped:\t%d\n", res.Skipped)
			return tw.Flush()
		},
	}
	sync.Flags().StringVar(&dbURL, "db-url", "", "PostgreSQL URL (default: $NETFORGE_POSTGRES_URL)")
	sync.Flags().StringVar(&stripeKey, "stripe-key", "", "Stripe secret key (default: $NETFORGE_STRIPE_SECRET_KEY)")
	sync.Flags().StringVar(&apiBase, "stripe-api-base", envOr("NETFORGE_STRIPE_API_BASE", "https://api.stripe.com"), "Stripe API base URL")

	cmd.AddCommand(sync)
	return cmd
}
