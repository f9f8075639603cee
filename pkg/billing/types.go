package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/platinummonkey/netforge/pkg/notifications"
	"github.com/platinummonkey/netforge/pkg/orgs"
)

var (
	ErrNotFound           = errors.New("subscription not found")
	ErrAlreadySubscribed  = errors.New("organization already has an active subscription")
	ErrFreeTier           = errors.New("the free plan does not need a subscription")
	ErrSameTier           = errors.New("subscription is already on that plan")
	ErrPlanUnavailable    = errors.New("plan is not available for purchase")
	ErrAlreadyCanceled    = errors.New("subscription is already canceled")
	ErrNotPendingCancel   = errors.New("subscription is not scheduled for cancellation")
	ErrProviderDisabled   = errors.New("payment provider is not configured")
	ErrInvalidSignature   = errors.New("invalid webhook signature")
	ErrSignatureExpired   = errors.New("webhook timestamp outside tolerance")
	ErrMalformedEvent     = errors.New("malformed webhook event")
	ErrUnknownCustomer    = errors.New("no organization for payment customer")
	ErrPaymentMethodGone  = errors.New("payment method not found")
	ErrWebhookUnavailable = errors.New("webhook secret is not configured")
)

// SubscriptionStatus mirrors the provider's subscription states
type SubscriptionStatus string

const (
	SubscriptionStatusActive            SubscriptionStatus = "active"
	SubscriptionStatusTrialing          SubscriptionStatus = "trialing"
	SubscriptionStatusPastDue           SubscriptionStatus = "past_due"
	SubscriptionStatusIncomplete        SubscriptionStatus = "incomplete"
	SubscriptionStatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubscriptionStatusUnpaid            SubscriptionStatus = "unpaid"
	SubscriptionStatusCanceled          SubscriptionStatus = "canceled"
)

// Entitled reports whether the paid tier applies while in this state.
// past_due keeps access during the provider's retry window.
func (s SubscriptionStatus) Entitled() bool {
	switch s {
	case SubscriptionStatusActive, SubscriptionStatusTrialing, SubscriptionStatusPastDue:
		return true
	}
	return false
}

// InvoiceStatus mirrors the provider's invoice states
type InvoiceStatus string

const (
	InvoiceStatusDraft         InvoiceStatus = "draft"
	InvoiceStatusOpen          InvoiceStatus = "open"
	InvoiceStatusPaid          InvoiceStatus = "paid"
	InvoiceStatusUncollectible InvoiceStatus = "uncollectible"
	InvoiceStatusVoid          InvoiceStatus = "void"
)

// Subscription is an organization's paid plan
type Subscription struct {
	ID                   string             `json:"id"`
	OrgID                string             `json:"org_id"`
	StripeCustomerID     string             `json:"stripe_customer_id"`
	StripeSubscriptionID string             `json:"stripe_subscription_id,omitempty"`
	PlanTier             orgs.PlanTier      `json:"plan_tier"`
	Status               SubscriptionStatus `json:"status"`
	CurrentPeriodStart   *time.Time         `json:"current_period_start,omitempty"`
	CurrentPeriodEnd     *time.Time         `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd    bool               `json:"cancel_at_period_end"`
	CanceledAt           *time.Time         `json:"canceled_at,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// EffectiveTier is the tier the org gets while this subscription is in its
// current state
func (s *Subscription) EffectiveTier() orgs.PlanTier {
	if s == nil || !s.Status.Entitled() || !s.PlanTier.Valid() {
		return orgs.PlanFree
	}
	return s.PlanTier
}

// Invoice is a provider invoice recorded from webhooks
type Invoice struct {
	ID              string        `json:"id"`
	OrgID           string        `json:"org_id"`
	StripeInvoiceID string        `json:"stripe_invoice_id"`
	AmountCents     int64         `json:"amount_cents"`
	Currency        string        `json:"currency"`
	Status          InvoiceStatus `json:"status"`
	InvoicePDFURL   string        `json:"invoice_pdf_url,omitempty"`
	PeriodStart     *time.Time    `json:"period_start,omitempty"`
	PeriodEnd       *time.Time    `json:"period_end,omitempty"`
	PaidAt          *time.Time    `json:"paid_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

// Amount formats the invoice total, e.g. "49.00 USD"
func (i *Invoice) Amount() string {
	return formatAmount(i.AmountCents, i.Currency)
}

func formatAmount(cents int64, currency string) string {
	sign := ""
	if cents < 0 {
		sign, cents = "-", -cents
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, cents/100, cents%100, strings.ToUpper(currency))
}

// PaymentMethodType is the kind of stored payment method
type PaymentMethodType string

const (
	PaymentMethodTypeCard      PaymentMethodType = "card"
	PaymentMethodTypeSEPADebit PaymentMethodType = "sepa_debit"
	PaymentMethodTypeUSBank    PaymentMethodType = "us_bank_account"
)

// PaymentMethod is a payment method attached to the org's customer
type PaymentMethod struct {
	ID                    string            `json:"id"`
	OrgID                 string            `json:"org_id"`
	StripePaymentMethodID string            `json:"stripe_payment_method_id"`
	Type                  PaymentMethodType `json:"type"`
	CardBrand             string            `json:"card_brand,omitempty"`
	CardLast4             string            `json:"card_last4,omitempty"`
	CardExpMonth          int               `json:"card_exp_month,omitempty"`
	CardExpYear           int               `json:"card_exp_year,omitempty"`
	IsDefault             bool              `json:"is_default"`
	CreatedAt             time.Time         `json:"created_at"`
}

// Plan is a purchasable tier synced from the provider's price catalog
type Plan struct {
	Tier          orgs.PlanTier `json:"tier"`
	Name          string        `json:"name"`
	PriceCents    int64         `json:"price_cents"`
	Currency      string        `json:"currency"`
	Interval      string        `json:"interval"`
	StripePriceID string        `json:"stripe_price_id,omitempty"`
	Active        bool          `json:"active"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Purchasable reports whether a subscription can be created on this plan
func (p *Plan) Purchasable() bool {
	return p != nil && p.Active && p.StripePriceID != "" && p.Tier != orgs.PlanFree
}

// CreateSubscriptionRequest starts a paid plan
type CreateSubscriptionRequest struct {
	PlanTier        orgs.PlanTier `json:"plan_tier"`
	PaymentMethodID string        `json:"payment_method_id,omitempty"`
}

// UpdateSubscriptionRequest moves a subscription to another tier
type UpdateSubscriptionRequest struct {
	PlanTier orgs.PlanTier `json:"plan_tier"`
}

// SyncResult summarizes a plan catalog sync
type SyncResult struct {
	Upserted    int `json:"upserted"`
	Deactivated int `json:"deactivated"`
	Skipped     int `json:"skipped"`
}

// Notifier fans billing notifications out to org members
type Notifier interface {
	NotifyMany(ctx context.Context, userIDs []string, tmpl notifications.Notification) error
}

// Directory is what billing needs from the organization service
type Directory interface {
	GetOrganization(ctx context.Context, id string) (*orgs.Organization, error)
	UpdatePlan(ctx context.Context, orgID string, tier orgs.PlanTier) error
	ListMembers(ctx context.Context, orgID string) ([]*orgs.OrgMember, error)
}

func validTier(t orgs.PlanTier) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %q", orgs.ErrInvalidPlanTier, t)
	}
	if t == orgs.PlanFree {
		return ErrFreeTier
	}
	return nil
}

func statusFor(err error) int {
	var pe *ProviderError
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrPaymentMethodGone):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadySubscribed), errors.Is(err, ErrSameTier),
		errors.Is(err, ErrAlreadyCanceled), errors.Is(err, ErrNotPendingCancel):
		return http.StatusConflict
	case errors.Is(err, orgs.ErrInvalidPlanTier), errors.Is(err, ErrFreeTier),
		errors.Is(err, ErrPlanUnavailable), errors.Is(err, ErrMalformedEvent):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidSignature), errors.Is(err, ErrSignatureExpired):
		return http.StatusUnauthorized
	case errors.Is(err, ErrProviderDisabled), errors.Is(err, ErrWebhookUnavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &pe):
		if pe.Status == http.StatusPaymentRequired {
			return http.StatusPaymentRequired
		}
		return http.StatusBadGateway
	}
	return 0
}
