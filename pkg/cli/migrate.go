package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/platinummonkey/netforge/pkg/config"
	"github.com/platinummonkey/netforge/pkg/observability"
	"github.com/platinummonkey/netforge/pkg/storage/postgres"
)

// openDB is replaced in tests
var openDB = func(ctx context.Context, url string, logger *observability.Logger) (*sql.DB, error) {
	return postgres.Open(ctx, config.PostgresConfig{
		URL:             url,
		MaxOpenConns:    2,
		MaxIdleConns:    1,
		ConnMaxLifetime: 10 * time.Minute,
	}, logger)
}

var migrate = postgres.Migrate

func newMigrateCommand() *cobra.Command {
	var dbURL string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending PostgreSQL schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := connect(cmd, dbURL)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := migrate(cmd.Context(), db, cliLogger(cmd)); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
	cmd.Flags().StringVar(&dbURL, "db-url", "", "PostgreSQL URL (default: $NETFORGE_POSTGRES_URL)")
	return cmd
}

func connect(cmd *cobra.Command, dbURL string) (*sql.DB, error) {
	if dbURL == "" {
		dbURL = os.Getenv("NETFORGE_POSTGRES_URL")
	}
	if dbURL == "" {
		return nil, errors.New("a database URL is required (--db-url or NETFORGE_POSTGRES_URL)")
	}
	return openDB(cmd.Context(), dbURL, cliLogger(cmd))
}

// cliLogger logs to stderr so table and JSON output stay clean
func cliLogger(cmd *cobra.Command) *observability.Logger {
	return observability.NewLogger(observability.LogLevel(envOr("NETFORGE_LOG_LEVEL", "warn")), cmd.ErrOrStderr())
}
