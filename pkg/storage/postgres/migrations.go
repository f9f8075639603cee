package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/netforge/pkg/observability"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations returns the relational schema in apply order
func Migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create users and organizations",
			SQL: `
				CREATE TABLE IF NOT EXISTS users (
					id UUID PRIMARY KEY,
					email TEXT NOT NULL,
					name TEXT NOT NULL DEFAULT '',
					avatar_url TEXT,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					is_admin BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					last_login_at TIMESTAMPTZ
				);
				CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users (lower(email));

				CREATE TABLE IF NOT EXISTS organizations (
					id UUID PRIMARY KEY,
					name TEXT NOT NULL,
					slug TEXT NOT NULL UNIQUE,
					description TEXT,
					owner_id UUID NOT NULL REFERENCES users(id),
					plan_tier TEXT NOT NULL DEFAULT 'free',
					status TEXT NOT NULL DEFAULT 'active',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
				CREATE INDEX IF NOT EXISTS idx_organizations_owner ON organizations (owner_id);
			`,
		},
		{
			Version:     2,
			Description: "Create members, usage and invitations",
			SQL: `
				CREATE TABLE IF NOT EXISTS org_members (
					org_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					role TEXT NOT NULL,
					invited_by UUID REFERENCES users(id) ON DELETE SET NULL,
					joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (org_id, user_id)
				);
				CREATE INDEX IF NOT EXISTS idx_org_members_user ON org_members (user_id);

				CREATE TABLE IF NOT EXISTS org_usage (
					org_id UUID PRIMARY KEY REFERENCES organizations(id) ON DELETE CASCADE,
					designs INT NOT NULL DEFAULT 0,
					equipment INT NOT NULL DEFAULT 0,
					storage_bytes BIGINT NOT NULL DEFAULT 0,
					reports INT NOT NULL DEFAULT 0,
					period_start TIMESTAMPTZ NOT NULL,
					period_end TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS org_invitations (
					id UUID PRIMARY KEY,
					org_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					email TEXT NOT NULL,
					role TEXT NOT NULL,
					token TEXT NOT NULL UNIQUE,
					invited_by UUID NOT NULL REFERENCES users(id),
					expires_at TIMESTAMPTZ NOT NULL,
					accepted_at TIMESTAMPTZ,
					revoked_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
				CREATE INDEX IF NOT EXISTS idx_org_invitations_org ON org_invitations (org_id);
			`,
		},
		{
			Version:     3,
			Description: "Create API tokens and SSO mappings",
			SQL: `
				CREATE TABLE IF NOT EXISTS api_tokens (
					id UUID PRIMARY KEY,
					user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					org_id UUID REFERENCES organizations(id) ON DELETE CASCADE,
					name TEXT NOT NULL,
					token_hash TEXT NOT NULL UNIQUE,
					token_prefix TEXT NOT NULL,
					scopes TEXT[] NOT NULL DEFAULT '{}',
					expires_at TIMESTAMPTZ,
					last_used_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					revoked_at TIMESTAMPTZ
				);
				CREATE INDEX IF NOT EXISTS idx_api_tokens_user ON api_tokens (user_id);

				CREATE TABLE IF NOT EXISTS sso_user_mappings (
					provider TEXT NOT NULL,
					subject TEXT NOT NULL,
					user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					email TEXT NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					last_login_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (provider, subject)
				);
				CREATE INDEX IF NOT EXISTS idx_sso_user_mappings_user ON sso_user_mappings (user_id);
			`,
		},
		{
			Version:     4,
			Description: "Create teams and design grants",
			SQL: `
				CREATE TABLE IF NOT EXISTS teams (
					id UUID PRIMARY KEY,
					org_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					name TEXT NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					created_by UUID NOT NULL REFERENCES users(id),
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE (org_id, name)
				);

				CREATE TABLE IF NOT EXISTS team_members (
					team_id UUID NOT NULL REFERENCES teams(id) ON DELETE CASCADE,
					user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					added_by UUID NOT NULL REFERENCES users(id),
					added_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (team_id, user_id)
				);
				CREATE INDEX IF NOT EXISTS idx_team_members_user ON team_members (user_id);

				CREATE TABLE IF NOT EXISTS design_grants (
					org_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					team_id UUID NOT NULL REFERENCES teams(id) ON DELETE CASCADE,
					design_id TEXT NOT NULL,
					role TEXT NOT NULL,
					granted_by UUID NOT NULL REFERENCES users(id),
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE (team_id, design_id)
				);
				CREATE INDEX IF NOT EXISTS idx_design_grants_design ON design_grants (org_id, design_id);
			`,
		},
		{
			Version:     5,
			Description: "Create billing tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS billing_plans (
					tier TEXT PRIMARY KEY,
					name TEXT NOT NULL,
					price_cents BIGINT NOT NULL DEFAULT 0,
					currency TEXT NOT NULL DEFAULT 'usd',
					billing_interval TEXT NOT NULL DEFAULT 'month',
					stripe_price_id TEXT NOT NULL DEFAULT '',
					active BOOLEAN NOT NULL DEFAULT TRUE,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS subscriptions (
					id UUID PRIMARY KEY,
					org_id UUID NOT NULL UNIQUE REFERENCES organizations(id) ON DELETE CASCADE,
					stripe_customer_id TEXT NOT NULL DEFAULT '',
					stripe_subscription_id TEXT,
					plan_tier TEXT NOT NULL,
					status TEXT NOT NULL,
					current_period_start TIMESTAMPTZ,
					current_period_end TIMESTAMPTZ,
					cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
					canceled_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
				CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_stripe ON subscriptions (stripe_subscription_id)
					WHERE stripe_subscription_id IS NOT NULL;

				CREATE TABLE IF NOT EXISTS invoices (
					id UUID PRIMARY KEY,
					org_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					stripe_invoice_id TEXT NOT NULL UNIQUE,
					amount_cents BIGINT NOT NULL DEFAULT 0,
					currency TEXT NOT NULL DEFAULT 'usd',
					status TEXT NOT NULL,
					invoice_pdf_url TEXT NOT NULL DEFAULT '',
					period_start TIMESTAMPTZ,
					period_end TIMESTAMPTZ,
					paid_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
				CREATE INDEX IF NOT EXISTS idx_invoices_org ON invoices (org_id, created_at DESC);

				CREATE TABLE IF NOT EXISTS payment_methods (
					id UUID PRIMARY KEY,
					org_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					stripe_payment_method_id TEXT NOT NULL UNIQUE,
					type TEXT NOT NULL,
					card_brand TEXT NOT NULL DEFAULT '',
					card_last4 TEXT NOT NULL DEFAULT '',
					card_exp_month INT NOT NULL DEFAULT 0,
					card_exp_year INT NOT NULL DEFAULT 0,
					is_default BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
				CREATE INDEX IF NOT EXISTS idx_payment_methods_org ON payment_methods (org_id);
			`,
		},
		{
			Version:     6,
			Description: "Create notifications and reports",
			SQL: `
				CREATE TABLE IF NOT EXISTS notifications (
					id UUID PRIMARY KEY,
					org_id UUID REFERENCES organizations(id) ON DELETE CASCADE,
					user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					kind TEXT NOT NULL,
					title TEXT NOT NULL,
					body TEXT NOT NULL DEFAULT '',
					link TEXT NOT NULL DEFAULT '',
					read BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					read_at TIMESTAMPTZ
				);
				CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications (user_id, created_at DESC);
				CREATE INDEX IF NOT EXISTS idx_notifications_unread ON notifications (user_id) WHERE NOT read;

				CREATE TABLE IF NOT EXISTS reports (
					id UUID PRIMARY KEY,
					org_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					design_id TEXT NOT NULL,
					kind TEXT NOT NULL,
					format TEXT NOT NULL,
					status TEXT NOT NULL,
					object_key TEXT NOT NULL DEFAULT '',
					size_bytes BIGINT NOT NULL DEFAULT 0,
					error TEXT NOT NULL DEFAULT '',
					requested_by UUID NOT NULL REFERENCES users(id),
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					started_at TIMESTAMPTZ,
					completed_at TIMESTAMPTZ
				);
				CREATE INDEX IF NOT EXISTS idx_reports_design ON reports (org_id, design_id, created_at DESC);
			`,
		},
		{
			Version:     7,
			Description: "Create audit log",
			SQL: `
				CREATE TABLE IF NOT EXISTS audit_logs (
					id BIGSERIAL PRIMARY KEY,
					timestamp TIMESTAMPTZ NOT NULL,
					event_type TEXT NOT NULL,
					status TEXT NOT NULL,
					user_id TEXT NOT NULL DEFAULT '',
					user_email TEXT NOT NULL DEFAULT '',
					org_id TEXT NOT NULL DEFAULT '',
					token_id TEXT NOT NULL DEFAULT '',
					resource_type TEXT NOT NULL DEFAULT '',
					resource_id TEXT NOT NULL DEFAULT '',
					resource_name TEXT NOT NULL DEFAULT '',
					ip_address TEXT NOT NULL DEFAULT '',
					user_agent TEXT NOT NULL DEFAULT '',
					request_id TEXT NOT NULL DEFAULT '',
					method TEXT NOT NULL DEFAULT '',
					path TEXT NOT NULL DEFAULT '',
					status_code INT NOT NULL DEFAULT 0,
					message TEXT NOT NULL DEFAULT '',
					error_message TEXT NOT NULL DEFAULT '',
					metadata JSONB,
					changes JSONB
				);
				CREATE INDEX IF NOT EXISTS idx_audit_logs_org_time ON audit_logs (org_id, timestamp DESC);
				CREATE INDEX IF NOT EXISTS idx_audit_logs_user ON audit_logs (user_id);
				CREATE INDEX IF NOT EXISTS idx_audit_logs_resource ON audit_logs (resource_type, resource_id);
			`,
		},
		{
			Version:     8,
			Description: "Create outbound webhooks",
			SQL: `
				CREATE TABLE IF NOT EXISTS webhooks (
					id UUID PRIMARY KEY,
					org_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					url TEXT NOT NULL,
					secret TEXT NOT NULL,
					events TEXT[] NOT NULL DEFAULT '{}',
					format TEXT NOT NULL DEFAULT 'json',
					description TEXT NOT NULL DEFAULT '',
					active BOOLEAN NOT NULL DEFAULT TRUE,
					failure_streak INT NOT NULL DEFAULT 0,
					created_by UUID NOT NULL REFERENCES users(id),
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
				CREATE INDEX IF NOT EXISTS idx_webhooks_org ON webhooks (org_id);

				CREATE TABLE IF NOT EXISTS webhook_deliveries (
					id UUID PRIMARY KEY,
					webhook_id UUID NOT NULL REFERENCES webhooks(id) ON DELETE CASCADE,
					org_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					event_id UUID NOT NULL,
					event_type TEXT NOT NULL,
					payload JSONB NOT NULL,
					attempts INT NOT NULL DEFAULT 0,
					status TEXT NOT NULL,
					response_code INT NOT NULL DEFAULT 0,
					error TEXT NOT NULL DEFAULT '',
					duration_ms BIGINT NOT NULL DEFAULT 0,
					next_attempt_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					completed_at TIMESTAMPTZ
				);
				CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_hook ON webhook_deliveries (webhook_id, created_at DESC);
				CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_due ON webhook_deliveries (next_attempt_at)
					WHERE status = 'retrying';
			`,
		},
	}
}

// Migrate applies every migration not yet recorded in schema_migrations. Each
// migration runs in its own transaction together with its bookkeeping row.
func Migrate(ctx context.Context, db *sql.DB, logger *observability.Logger) error {
	return migrate(ctx, db, Migrations(), logger)
}

func migrate(ctx context.Context, db *sql.DB, migrations []Migration, logger *observability.Logger) error {
	if logger == nil {
		logger = observability.NopLogger()
	}

	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := AppliedVersions(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		log := logger.WithField("version", m.Version).WithField("description", m.Description)
		log.Info("Applying migration")

		if err := applyMigration(ctx, db, m); err != nil {
			return err
		}
		log.Info("Migration applied")
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return fmt.Errorf("failed to execute migration %d: %w", m.Version, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, description) VALUES ($1, $2)`,
		m.Version, m.Description,
	); err != nil {
		return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
	}
	return nil
}

// AppliedVersions returns the set of recorded migration versions
func AppliedVersions(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}
