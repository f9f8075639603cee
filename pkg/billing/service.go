package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/netforge/pkg/audit"
	"github.com/platinummonkey/netforge/pkg/auth"
	"github.com/platinummonkey/netforge/pkg/observability"
	"github.com/platinummonkey/netforge/pkg/orgs"
)

const (
	defaultInvoiceLimit = 20
	maxInvoiceLimit     = 100
)

// ServiceDeps wires a Service. Provider may be nil when no payment
// provider key is configured; read paths keep working.
type ServiceDeps struct {
	Store         Store
	Provider      Provider
	Directory     Directory
	Notifier      Notifier
	WebhookSecret string
	Metrics       *observability.Metrics
	Logger        *observability.Logger
}

// Service manages subscriptions against the payment provider and keeps
// organization tiers in step with them
type Service struct {
	store         Store
	provider      Provider
	directory     Directory
	notifier      Notifier
	webhookSecret string
	metrics       *observability.Metrics
	logger        *observability.Logger
	now           func() time.Time
}

// NewService creates a billing service
func NewService(deps ServiceDeps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Service{
		store:         deps.Store,
		provider:      deps.Provider,
		directory:     deps.Directory,
		notifier:      deps.Notifier,
		webhookSecret: deps.WebhookSecret,
		metrics:       deps.Metrics,
		logger:        logger.WithField("component", "billing"),
		now:           time.Now,
	}
}

// GetSubscription returns the org's subscription
func (s *Service) GetSubscription(ctx context.Context, orgID string) (*Subscription, error) {
	return s.store.GetSubscription(ctx, orgID)
}

func (s *Service) purchasablePlan(ctx context.Context, tier orgs.PlanTier) (*Plan, error) {
	if err := validTier(tier); err != nil {
		return nil, err
	}
	plan, err := s.store.GetPlan(ctx, tier)
	if err != nil {
		return nil, err
	}
	if !plan.Purchasable() {
		return nil, fmt.Errorf("%w: %s", ErrPlanUnavailable, tier)
	}
	return plan, nil
}

// CreateSubscription starts a paid plan. A canceled subscription is replaced,
// reusing its provider customer.
func (s *Service) CreateSubscription(ctx context.Context, orgID string, req CreateSubscriptionRequest) (*Subscription, error) {
	plan, err := s.purchasablePlan(ctx, req.PlanTier)
	if err != nil {
		return nil, err
	}
	if s.provider == nil {
		return nil, ErrProviderDisabled
	}

	existing, err := s.store.GetSubscription(ctx, orgID)
	switch {
	case errors.Is(err, ErrNotFound):
		existing = nil
	case err != nil:
		return nil, err
	case existing.Status != SubscriptionStatusCanceled && existing.Status != SubscriptionStatusIncompleteExpired:
		return nil, ErrAlreadySubscribed
	}

	sub := &Subscription{OrgID: orgID, PlanTier: plan.Tier}
	if existing != nil {
		sub.ID = existing.ID
		sub.StripeCustomerID = existing.StripeCustomerID
	}
	if sub.StripeCustomerID == "" {
		org, err := s.directory.GetOrganization(ctx, orgID)
		if err != nil {
			return nil, err
		}
		if sub.StripeCustomerID, err = s.provider.CreateCustomer(ctx, orgID, org.Name); err != nil {
			return nil, err
		}
	}

	ps, err := s.provider.CreateSubscription(ctx, sub.StripeCustomerID, plan.StripePriceID, req.PaymentMethodID, orgID)
	if err != nil {
		return nil, err
	}
	ps.apply(sub)
	sub.UpdatedAt = s.now().UTC()
	if err := s.store.SaveSubscription(ctx, sub); err != nil {
		return nil, err
	}
	if err := s.directory.UpdatePlan(ctx, orgID, sub.EffectiveTier()); err != nil {
		return nil, err
	}

	audit.Record(ctx, audit.EventTypeBillingSubscription, audit.ResourceTypeBilling, orgID, map[string]interface{}{
		"action":    "create",
		"plan_tier": sub.PlanTier,
		"status":    sub.Status,
	})
	s.logger.WithFields(map[string]interface{}{
		"org_id":    orgID,
		"plan_tier": sub.PlanTier,
		"status":    sub.Status,
	}).Info("Subscription created")
	return sub, nil
}

func (s *Service) liveSubscription(ctx context.Context, orgID string) (*Subscription, error) {
	sub, err := s.store.GetSubscription(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if sub.Status == SubscriptionStatusCanceled {
		return nil, ErrAlreadyCanceled
	}
	if s.provider == nil {
		return nil, ErrProviderDisabled
	}
	return sub, nil
}

// UpdateSubscription moves the subscription to tier with proration
func (s *Service) UpdateSubscription(ctx context.Context, orgID string, tier orgs.PlanTier) (*Subscription, error) {
	plan, err := s.purchasablePlan(ctx, tier)
	if err != nil {
		return nil, err
	}
	sub, err := s.liveSubscription(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if sub.PlanTier == tier {
		return nil, ErrSameTier
	}

	before := sub.PlanTier
	ps, err := s.provider.ChangePrice(ctx, sub.StripeSubscriptionID, plan.StripePriceID)
	if err != nil {
		return nil, err
	}
	ps.apply(sub)
	sub.PlanTier = tier
	sub.UpdatedAt = s.now().UTC()
	if err := s.store.SaveSubscription(ctx, sub); err != nil {
		return nil, err
	}
	if err := s.directory.UpdatePlan(ctx, orgID, sub.EffectiveTier()); err != nil {
		return nil, err
	}

	audit.RecordChange(ctx, audit.EventTypeBillingPlanChange, audit.ResourceTypeBilling, orgID,
		map[string]interface{}{"plan_tier": before},
		map[string]interface{}{"plan_tier": tier})
	return sub, nil
}

// CancelSubscription cancels at period end, or immediately dropping the org
// to the free tier
func (s *Service) CancelSubscription(ctx context.Context, orgID string, atPeriodEnd bool) (*Subscription, error) {
	sub, err := s.liveSubscription(ctx, orgID)
	if err != nil {
		return nil, err
	}

	ps, err := s.provider.CancelSubscription(ctx, sub.StripeSubscriptionID, atPeriodEnd)
	if err != nil {
		return nil, err
	}
	ps.apply(sub)
	now := s.now().UTC()
	if !atPeriodEnd {
		sub.Status = SubscriptionStatusCanceled
		if sub.CanceledAt == nil {
			sub.CanceledAt = &now
		}
	}
	sub.UpdatedAt = now
	if err := s.store.SaveSubscription(ctx, sub); err != nil {
		return nil, err
	}
	if err := s.directory.UpdatePlan(ctx, orgID, sub.EffectiveTier()); err != nil {
		return nil, err
	}

	audit.Record(ctx, audit.EventTypeBillingSubscription, audit.ResourceTypeBilling, orgID, map[string]interface{}{
		"action":        "cancel",
		"at_period_end": atPeriodEnd,
	})
	return sub, nil
}

// ReactivateSubscription clears a cancellation scheduled for period end
func (s *Service) ReactivateSubscription(ctx context.Context, orgID string) (*Subscription, error) {
	sub, err := s.liveSubscription(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if !sub.CancelAtPeriodEnd {
		return nil, ErrNotPendingCancel
	}

	ps, err := s.provider.ResumeSubscription(ctx, sub.StripeSubscriptionID)
	if err != nil {
		return nil, err
	}
	ps.apply(sub)
	sub.UpdatedAt = s.now().UTC()
	if err := s.store.SaveSubscription(ctx, sub); err != nil {
		return nil, err
	}

	audit.Record(ctx, audit.EventTypeBillingSubscription, audit.ResourceTypeBilling, orgID, map[string]interface{}{
		"action": "reactivate",
	})
	return sub, nil
}

// ListInvoices returns the org's recent invoices
func (s *Service) ListInvoices(ctx context.Context, orgID string, limit int) ([]*Invoice, error) {
	if limit <= 0 {
		limit = defaultInvoiceLimit
	}
	if limit > maxInvoiceLimit {
		limit = maxInvoiceLimit
	}
	return s.store.ListInvoices(ctx, orgID, limit)
}

// ListPaymentMethods returns the org's stored payment methods
func (s *Service) ListPaymentMethods(ctx context.Context, orgID string) ([]*PaymentMethod, error) {
	return s.store.ListPaymentMethods(ctx, orgID)
}

// ListPlans returns the active plan catalog
func (s *Service) ListPlans(ctx context.Context) ([]*Plan, error) {
	return s.store.ListPlans(ctx, true)
}

// billingContacts returns the org's owners and admins
func (s *Service) billingContacts(ctx context.Context, orgID string) ([]string, error) {
	members, err := s.directory.ListMembers(ctx, orgID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, m := range members {
		if m.Role == auth.RoleOwner || m.Role == auth.RoleAdmin {
			ids = append(ids, m.UserID)
		}
	}
	return ids, nil
}
