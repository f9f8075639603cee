package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/platinummonkey/netforge/pkg/orgs"
)

// Store persists subscriptions, invoices, payment methods and the plan catalog
type Store interface {
	GetSubscription(ctx context.Context, orgID string) (*Subscription, error)
	SaveSubscription(ctx context.Context, sub *Subscription) error
	OrgForCustomer(ctx context.Context, customerID string) (string, error)

	SaveInvoice(ctx context.Context, inv *Invoice) error
	ListInvoices(ctx context.Context, orgID string, limit int) ([]*Invoice, error)

	SavePaymentMethod(ctx context.Context, pm *PaymentMethod) error
	DeletePaymentMethod(ctx context.Context, stripeID string) error
	ListPaymentMethods(ctx context.Context, orgID string) ([]*PaymentMethod, error)

	ListPlans(ctx context.Context, activeOnly bool) ([]*Plan, error)
	GetPlan(ctx context.Context, tier orgs.PlanTier) (*Plan, error)
	TierForPrice(ctx context.Context, priceID string) (orgs.PlanTier, bool, error)
	ReplacePlans(ctx context.Context, plans []*Plan, now time.Time) (int, error)
}

// PostgresStore implements Store
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

const subscriptionColumns = `id, org_id, stripe_customer_id, stripe_subscription_id, plan_tier, status,
	current_period_start, current_period_end, cancel_at_period_end, canceled_at, created_at, updated_at`

func scanSubscription(row scanner) (*Subscription, error) {
	var (
		sub                    Subscription
		stripeSub              sql.NullString
		start, end, canceledAt sql.NullTime
	)
	if err := row.Scan(&sub.ID, &sub.OrgID, &sub.StripeCustomerID, &stripeSub, &sub.PlanTier, &sub.Status,
		&start, &end, &sub.CancelAtPeriodEnd, &canceledAt, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return nil, err
	}
	sub.StripeSubscriptionID = stripeSub.String
	sub.CurrentPeriodStart = timePtr(start)
	sub.CurrentPeriodEnd = timePtr(end)
	sub.CanceledAt = timePtr(canceledAt)
	return &sub, nil
}

// GetSubscription returns the org's subscription or ErrNotFound
func (s *PostgresStore) GetSubscription(ctx context.Context, orgID string) (*Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE org_id = $1`, orgID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// SaveSubscription upserts by org. The stored id and created_at are written back.
func (s *PostgresStore) SaveSubscription(ctx context.Context, sub *Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO subscriptions (id, org_id, stripe_customer_id, stripe_subscription_id, plan_tier, status,
			current_period_start, current_period_end, cancel_at_period_end, canceled_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (org_id) DO UPDATE SET
			stripe_customer_id = EXCLUDED.stripe_customer_id,
			stripe_subscription_id = EXCLUDED.stripe_subscription_id,
			plan_tier = EXCLUDED.plan_tier,
			status = EXCLUDED.status,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			canceled_at = EXCLUDED.canceled_at,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at`,
		sub.ID, sub.OrgID, sub.StripeCustomerID, nullString(sub.StripeSubscriptionID), sub.PlanTier, sub.Status,
		nullTime(sub.CurrentPeriodStart), nullTime(sub.CurrentPeriodEnd), sub.CancelAtPeriodEnd,
		nullTime(sub.CanceledAt), sub.UpdatedAt,
	).Scan(&sub.ID, &sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

// OrgForCustomer resolves a provider customer to an org
func (s *PostgresStore) OrgForCustomer(ctx context.Context, customerID string) (string, error) {
	var orgID string
	err := s.db.QueryRowContext(ctx,
		`SELECT org_id FROM subscriptions WHERE stripe_customer_id = $1`, customerID).Scan(&orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUnknownCustomer
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve customer: %w", err)
	}
	return orgID, nil
}

// SaveInvoice upserts by provider invoice id
func (s *PostgresStore) SaveInvoice(ctx context.Context, inv *Invoice) error {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO invoices (id, org_id, stripe_invoice_id, amount_cents, currency, status, invoice_pdf_url,
			period_start, period_end, paid_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (stripe_invoice_id) DO UPDATE SET
			amount_cents = EXCLUDED.amount_cents,
			status = EXCLUDED.status,
			invoice_pdf_url = EXCLUDED.invoice_pdf_url,
			paid_at = COALESCE(EXCLUDED.paid_at, invoices.paid_at)
		RETURNING id, created_at`,
		inv.ID, inv.OrgID, inv.StripeInvoiceID, inv.AmountCents, inv.Currency, inv.Status, inv.InvoicePDFURL,
		nullTime(inv.PeriodStart), nullTime(inv.PeriodEnd), nullTime(inv.PaidAt),
	).Scan(&inv.ID, &inv.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save invoice: %w", err)
	}
	return nil
}

// ListInvoices returns the org's newest invoices first
func (s *PostgresStore) ListInvoices(ctx context.Context, orgID string, limit int) ([]*Invoice, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, stripe_invoice_id, amount_cents, currency, status, invoice_pdf_url,
			period_start, period_end, paid_at, created_at
		FROM invoices WHERE org_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	defer rows.Close()

	out := []*Invoice{}
	for rows.Next() {
		var (
			inv                Invoice
			start, end, paidAt sql.NullTime
		)
		if err := rows.Scan(&inv.ID, &inv.OrgID, &inv.StripeInvoiceID, &inv.AmountCents, &inv.Currency,
			&inv.Status, &inv.InvoicePDFURL, &start, &end, &paidAt, &inv.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		inv.PeriodStart, inv.PeriodEnd, inv.PaidAt = timePtr(start), timePtr(end), timePtr(paidAt)
		out = append(out, &inv)
	}
	return out, rows.Err()
}

// SavePaymentMethod upserts by provider payment method id. Marking one
// default clears the flag on the org's other methods.
func (s *PostgresStore) SavePaymentMethod(ctx context.Context, pm *PaymentMethod) error {
	if pm.ID == "" {
		pm.ID = uuid.NewString()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if pm.IsDefault {
		if _, err := tx.ExecContext(ctx,
			`UPDATE payment_methods SET is_default = FALSE WHERE org_id = $1 AND stripe_payment_method_id <> $2`,
			pm.OrgID, pm.StripePaymentMethodID); err != nil {
			return fmt.Errorf("failed to clear default payment method: %w", err)
		}
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO payment_methods (id, org_id, stripe_payment_method_id, type, card_brand, card_last4,
			card_exp_month, card_exp_year, is_default)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (stripe_payment_method_id) DO UPDATE SET
			card_exp_month = EXCLUDED.card_exp_month,
			card_exp_year = EXCLUDED.card_exp_year,
			is_default = EXCLUDED.is_default
		RETURNING id, created_at`,
		pm.ID, pm.OrgID, pm.StripePaymentMethodID, pm.Type, pm.CardBrand, pm.CardLast4,
		pm.CardExpMonth, pm.CardExpYear, pm.IsDefault,
	).Scan(&pm.ID, &pm.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save payment method: %w", err)
	}
	return tx.Commit()
}

// DeletePaymentMethod removes a detached payment method
func (s *PostgresStore) DeletePaymentMethod(ctx context.Context, stripeID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM payment_methods WHERE stripe_payment_method_id = $1`, stripeID)
	if err != nil {
		return fmt.Errorf("failed to delete payment method: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrPaymentMethodGone
	}
	return nil
}

// ListPaymentMethods returns the default method first
func (s *PostgresStore) ListPaymentMethods(ctx context.Context, orgID string) ([]*PaymentMethod, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, stripe_payment_method_id, type, card_brand, card_last4,
			card_exp_month, card_exp_year, is_default, created_at
		FROM payment_methods WHERE org_id = $1
		ORDER BY is_default DESC, created_at DESC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment methods: %w", err)
	}
	defer rows.Close()

	out := []*PaymentMethod{}
	for rows.Next() {
		var pm PaymentMethod
		if err := rows.Scan(&pm.ID, &pm.OrgID, &pm.StripePaymentMethodID, &pm.Type, &pm.CardBrand,
			&pm.CardLast4, &pm.CardExpMonth, &pm.CardExpYear, &pm.IsDefault, &pm.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment method: %w", err)
		}
		out = append(out, &pm)
	}
	return out, rows.Err()
}

const planColumns = `tier, name, price_cents, currency, billing_interval, stripe_price_id, active, updated_at`

func scanPlan(row scanner) (*Plan, error) {
	var p Plan
	if err := row.Scan(&p.Tier, &p.Name, &p.PriceCents, &p.Currency, &p.Interval, &p.StripePriceID,
		&p.Active, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPlans returns the catalog ordered by price
func (s *PostgresStore) ListPlans(ctx context.Context, activeOnly bool) ([]*Plan, error) {
	query := `SELECT ` + planColumns + ` FROM billing_plans`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY price_cents, tier`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	out := []*Plan{}
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPlan returns the catalog entry for tier or ErrPlanUnavailable
func (s *PostgresStore) GetPlan(ctx context.Context, tier orgs.PlanTier) (*Plan, error) {
	p, err := scanPlan(s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM billing_plans WHERE tier = $1`, tier))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPlanUnavailable
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return p, nil
}

// TierForPrice maps a provider price to a tier, including inactive plans
func (s *PostgresStore) TierForPrice(ctx context.Context, priceID string) (orgs.PlanTier, bool, error) {
	var tier orgs.PlanTier
	err := s.db.QueryRowContext(ctx, `SELECT tier FROM billing_plans WHERE stripe_price_id = $1`, priceID).Scan(&tier)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to map price: %w", err)
	}
	return tier, true, nil
}

// ReplacePlans upserts plans and deactivates every other tier in one
// transaction. It returns how many plans were deactivated.
func (s *PostgresStore) ReplacePlans(ctx context.Context, plans []*Plan, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	keep := make([]string, 0, len(plans))
	for _, p := range plans {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO billing_plans (tier, name, price_cents, currency, billing_interval, stripe_price_id, active, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7)
			ON CONFLICT (tier) DO UPDATE SET
				name = EXCLUDED.name,
				price_cents = EXCLUDED.price_cents,
				currency = EXCLUDED.currency,
				billing_interval = EXCLUDED.billing_interval,
				stripe_price_id = EXCLUDED.stripe_price_id,
				active = TRUE,
				updated_at = EXCLUDED.updated_at`,
			p.Tier, p.Name, p.PriceCents, p.Currency, p.Interval, p.StripePriceID, now); err != nil {
			return 0, fmt.Errorf("failed to upsert plan %s: %w", p.Tier, err)
		}
		keep = append(keep, string(p.Tier))
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE billing_plans SET active = FALSE, updated_at = $2 WHERE active AND NOT (tier = ANY($1))`,
		pq.Array(keep), now)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate plans: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit plans: %w", err)
	}
	return int(n), nil
}
