package billing

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/netforge/pkg/orgs"
)

var subscriptionRowColumns = []string{"id", "org_id", "stripe_customer_id", "stripe_subscription_id", "plan_tier",
	"status", "current_period_start", "current_period_end", "cancel_at_period_end", "canceled_at",
	"created_at", "updated_at"}

var planRowColumns = []string{"tier", "name", "price_cents", "currency", "billing_interval", "stripe_price_id",
	"active", "updated_at"}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return NewPostgresStore(db), mock
}

func TestPostgresStoreGetSubscription(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		s, mock := newMockStore(t)
		end := fixedNow.AddDate(0, 1, 0)
		mock.ExpectQuery("FROM subscriptions WHERE org_id = \\$1").
			WithArgs("org1").
			WillReturnRows(sqlmock.NewRows(subscriptionRowColumns).
				AddRow("s1", "org1", "cus_1", "sub_1", "pro", "active", fixedNow, end, true, nil, fixedNow, fixedNow))

		sub, err := s.GetSubscription(context.Background(), "org1")
		require.NoError(t, err)
		assert.Equal(t, orgs.PlanPro, sub.PlanTier)
		assert.Equal(t, "sub_1", sub.StripeSubscriptionID)
		assert.True(t, sub.CancelAtPeriodEnd)
		require.NotNil(t, sub.CurrentPeriodEnd)
		assert.Equal(t, end, *sub.CurrentPeriodEnd)
		assert.Nil(t, sub.CanceledAt)
	})

	t.Run("missing", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery("FROM subscriptions").WillReturnError(sql.ErrNoRows)
		_, err := s.GetSubscription(context.Background(), "org1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestPostgresStoreSaveSubscription(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("(?s)INSERT INTO subscriptions.*ON CONFLICT \\(org_id\\) DO UPDATE").
		WithArgs(sqlmock.AnyArg(), "org1", "cus_1", nil, orgs.PlanPro, SubscriptionStatusIncomplete,
			nil, nil, false, nil, fixedNow).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow("existing", fixedNow.Add(-time.Hour)))

	sub := &Subscription{OrgID: "org1", StripeCustomerID: "cus_1", PlanTier: orgs.PlanPro,
		Status: SubscriptionStatusIncomplete, UpdatedAt: fixedNow}
	require.NoError(t, s.SaveSubscription(context.Background(), sub))
	assert.Equal(t, "existing", sub.ID)
	assert.Equal(t, fixedNow.Add(-time.Hour), sub.CreatedAt)
}

func TestPostgresStoreOrgForCustomer(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT org_id FROM subscriptions WHERE stripe_customer_id").
		WithArgs("cus_1").
		WillReturnRows(sqlmock.NewRows([]string{"org_id"}).AddRow("org1"))
	mock.ExpectQuery("SELECT org_id FROM subscriptions").
		WithArgs("cus_2").
		WillReturnError(sql.ErrNoRows)

	org, err := s.OrgForCustomer(context.Background(), "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "org1", org)

	_, err = s.OrgForCustomer(context.Background(), "cus_2")
	assert.ErrorIs(t, err, ErrUnknownCustomer)
}

func TestPostgresStoreInvoices(t *testing.T) {
	s, mock := newMockStore(t)
	paid := fixedNow.Add(-time.Hour)
	mock.ExpectQuery("(?s)INSERT INTO invoices.*ON CONFLICT \\(stripe_invoice_id\\)").
		WithArgs(sqlmock.AnyArg(), "org1", "in_1", int64(4900), "usd", InvoiceStatusPaid, "", nil, nil, paid).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow("i1", fixedNow))
	mock.ExpectQuery("FROM invoices WHERE org_id = \\$1").
		WithArgs("org1", 5).
		WillReturnRows(sqlmock.NewRows([]string{"id", "org_id", "stripe_invoice_id", "amount_cents", "currency",
			"status", "invoice_pdf_url", "period_start", "period_end", "paid_at", "created_at"}).
			AddRow("i1", "org1", "in_1", 4900, "usd", "paid", "", nil, nil, paid, fixedNow))

	inv := &Invoice{OrgID: "org1", StripeInvoiceID: "in_1", AmountCents: 4900, Currency: "usd",
		Status: InvoiceStatusPaid, PaidAt: &paid}
	require.NoError(t, s.SaveInvoice(context.Background(), inv))
	assert.Equal(t, "i1", inv.ID)

	items, err := s.ListInvoices(context.Background(), "org1", 5)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "49.00 USD", items[0].Amount())
	assert.Nil(t, items[0].PeriodStart)
	require.NotNil(t, items[0].PaidAt)
}

func TestPostgresStoreSavePaymentMethodDefault(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE payment_methods SET is_default = FALSE").
		WithArgs("org1", "pm_1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectQuery("INSERT INTO payment_methods").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow("p1", fixedNow))
	mock.ExpectCommit()

	pm := &PaymentMethod{OrgID: "org1", StripePaymentMethodID: "pm_1", Type: PaymentMethodTypeCard, IsDefault: true}
	require.NoError(t, s.SavePaymentMethod(context.Background(), pm))
	assert.Equal(t, "p1", pm.ID)
}

func TestPostgresStoreDeletePaymentMethod(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM payment_methods").WithArgs("pm_1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM payment_methods").WithArgs("pm_2").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.DeletePaymentMethod(context.Background(), "pm_1"))
	assert.ErrorIs(t, s.DeletePaymentMethod(context.Background(), "pm_2"), ErrPaymentMethodGone)
}

func TestPostgresStorePlans(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("FROM billing_plans WHERE active ORDER BY price_cents").
		WillReturnRows(sqlmock.NewRows(planRowColumns).
			AddRow("pro", "Pro", 4900, "usd", "month", "price_pro", true, fixedNow))
	mock.ExpectQuery("FROM billing_plans WHERE tier = \\$1").
		WithArgs(orgs.PlanEnterprise).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT tier FROM billing_plans WHERE stripe_price_id").
		WithArgs("price_pro").
		WillReturnRows(sqlmock.NewRows([]string{"tier"}).AddRow("pro"))
	mock.ExpectQuery("SELECT tier FROM billing_plans WHERE stripe_price_id").
		WithArgs("price_gone").
		WillReturnError(sql.ErrNoRows)

	plans, err := s.ListPlans(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.True(t, plans[0].Purchasable())

	_, err = s.GetPlan(context.Background(), orgs.PlanEnterprise)
	assert.ErrorIs(t, err, ErrPlanUnavailable)

	tier, ok, err := s.TierForPrice(context.Background(), "price_pro")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, orgs.PlanPro, tier)

	_, ok, err = s.TierForPrice(context.Background(), "price_gone")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgresStoreReplacePlans(t *testing.T) {
	t.Run("commits", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO billing_plans").
			WithArgs(orgs.PlanPro, "Pro", int64(4900), "usd", "month", "price_pro", fixedNow).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE billing_plans SET active = FALSE").
			WithArgs(sqlmock.AnyArg(), fixedNow).
			WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectCommit()

		n, err := s.ReplacePlans(context.Background(), []*Plan{{Tier: orgs.PlanPro, Name: "Pro", PriceCents: 4900,
			Currency: "usd", Interval: "month", StripePriceID: "price_pro"}}, fixedNow)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("rolls back on failure", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO billing_plans").WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		_, err := s.ReplacePlans(context.Background(), []*Plan{{Tier: orgs.PlanPro}}, fixedNow)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "disk full")
	})
}
