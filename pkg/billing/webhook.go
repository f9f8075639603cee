package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/platinummonkey/netforge/pkg/audit"
	"github.com/platinummonkey/netforge/pkg/notifications"
	"github.com/platinummonkey/netforge/pkg/orgs"
)

// Provider event types handled by HandleWebhook
const (
	EventSubscriptionCreated  = "customer.subscription.created"
	EventSubscriptionUpdated  = "customer.subscription.updated"
	EventSubscriptionDeleted  = "customer.subscription.deleted"
	EventInvoicePaid          = "invoice.paid"
	EventInvoicePaymentFailed = "invoice.payment_failed"
	EventPaymentMethodAttach  = "payment_method.attached"
	EventPaymentMethodDetach  = "payment_method.detached"
)

type webhookEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type providerInvoice struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	Currency          string `json:"currency"`
	Status            string `json:"status"`
	AmountDue         int64  `json:"amount_due"`
	AmountPaid        int64  `json:"amount_paid"`
	InvoicePDF        string `json:"invoice_pdf"`
	PeriodStart       int64  `json:"period_start"`
	PeriodEnd         int64  `json:"period_end"`
	StatusTransitions struct {
		PaidAt int64 `json:"paid_at"`
	} `json:"status_transitions"`
}

type providerPaymentMethod struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Customer string `json:"customer"`
	Card     *struct {
		Brand    string `json:"brand"`
		Last4    string `json:"last4"`
		ExpMonth int    `json:"exp_month"`
		ExpYear  int    `json:"exp_year"`
	} `json:"card"`
}

// HandleWebhook verifies and applies a payment provider event. Events for
// customers no organization owns are acknowledged and ignored.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	if s.webhookSecret == "" {
		return ErrWebhookUnavailable
	}
	if err := VerifySignature(payload, signature, s.webhookSecret, s.now(), SignatureTolerance); err != nil {
		s.countWebhook("unverified", "rejected")
		return err
	}

	var event webhookEvent
	if err := json.Unmarshal(payload, &event); err != nil || event.Type == "" || len(event.Data.Object) == 0 {
		s.countWebhook("unknown", "rejected")
		return ErrMalformedEvent
	}

	var err error
	switch event.Type {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		err = s.applySubscriptionEvent(ctx, event)
	case EventInvoicePaid, EventInvoicePaymentFailed:
		err = s.applyInvoiceEvent(ctx, event)
	case EventPaymentMethodAttach, EventPaymentMethodDetach:
		err = s.applyPaymentMethodEvent(ctx, event)
	default:
		s.countWebhook(event.Type, "ignored")
		return nil
	}

	log := s.logger.WithFields(map[string]interface{}{"event_id": event.ID, "event_type": event.Type})
	switch {
	case errors.Is(err, ErrUnknownCustomer):
		log.Warn("Ignoring billing event for unknown customer")
		s.countWebhook(event.Type, "ignored")
		return nil
	case err != nil:
		log.WithError(err).Error("Failed to apply billing event")
		s.countWebhook(event.Type, "error")
		return err
	}
	log.Debug("Applied billing event")
	s.countWebhook(event.Type, "ok")
	return nil
}

func (s *Service) countWebhook(eventType, result string) {
	if s.metrics != nil {
		s.metrics.BillingWebhooksTotal.WithLabelValues(eventType, result).Inc()
	}
}

func decodeObject(event webhookEvent, dest interface{}) error {
	if err := json.Unmarshal(event.Data.Object, dest); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}

func (s *Service) applySubscriptionEvent(ctx context.Context, event webhookEvent) error {
	var ps ProviderSubscription
	if err := decodeObject(event, &ps); err != nil {
		return err
	}

	orgID := ps.Metadata["org_id"]
	if orgID == "" {
		id, err := s.store.OrgForCustomer(ctx, ps.Customer)
		if err != nil {
			return err
		}
		orgID = id
	}

	previous, err := s.store.GetSubscription(ctx, orgID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	sub := &Subscription{OrgID: orgID}
	if previous != nil {
		copied := *previous
		sub = &copied
	}
	ps.apply(sub)
	if event.Type == EventSubscriptionDeleted {
		sub.Status = SubscriptionStatusCanceled
	}

	tier, err := s.tierFor(ctx, &ps)
	if err != nil {
		return err
	}
	if tier != "" {
		sub.PlanTier = tier
	}
	if !sub.PlanTier.Valid() {
		sub.PlanTier = orgs.PlanFree
	}
	sub.UpdatedAt = s.now().UTC()

	if err := s.store.SaveSubscription(ctx, sub); err != nil {
		return err
	}
	if err := s.directory.UpdatePlan(ctx, orgID, sub.EffectiveTier()); err != nil {
		return err
	}

	if previous == nil || previous.EffectiveTier() != sub.EffectiveTier() {
		before := orgs.PlanFree
		if previous != nil {
			before = previous.EffectiveTier()
		}
		audit.RecordChange(ctx, audit.EventTypeBillingPlanChange, audit.ResourceTypeBilling, orgID,
			map[string]interface{}{"plan_tier": before},
			map[string]interface{}{"plan_tier": sub.EffectiveTier(), "status": sub.Status})
		s.notifyContacts(ctx, orgID, notifications.Notification{
			Kind:  notifications.KindPlanChanged,
			Title: fmt.Sprintf("Your plan is now %s", sub.EffectiveTier()),
			Body:  fmt.Sprintf("Subscription status: %s", sub.Status),
			Link:  "/settings/billing",
		})
	}
	return nil
}

// tierFor maps the subscription's price through the synced catalog, falling
// back to the subscription's own metadata
func (s *Service) tierFor(ctx context.Context, ps *ProviderSubscription) (orgs.PlanTier, error) {
	if price := ps.PriceID(); price != "" {
		tier, ok, err := s.store.TierForPrice(ctx, price)
		if err != nil {
			return "", err
		}
		if ok {
			return tier, nil
		}
	}
	if t := orgs.PlanTier(ps.Metadata[TierMetadataKey]); t.Valid() {
		return t, nil
	}
	return "", nil
}

func (s *Service) applyInvoiceEvent(ctx context.Context, event webhookEvent) error {
	var pi providerInvoice
	if err := decodeObject(event, &pi); err != nil {
		return err
	}
	orgID, err := s.store.OrgForCustomer(ctx, pi.Customer)
	if err != nil {
		return err
	}

	inv := &Invoice{
		OrgID:           orgID,
		StripeInvoiceID: pi.ID,
		AmountCents:     pi.AmountDue,
		Currency:        pi.Currency,
		Status:          InvoiceStatus(pi.Status),
		InvoicePDFURL:   pi.InvoicePDF,
		PeriodStart:     unixTime(pi.PeriodStart),
		PeriodEnd:       unixTime(pi.PeriodEnd),
		PaidAt:          unixTime(pi.StatusTransitions.PaidAt),
	}
	if event.Type == EventInvoicePaid {
		inv.AmountCents = pi.AmountPaid
		inv.Status = InvoiceStatusPaid
		if inv.PaidAt == nil {
			inv.PaidAt = unixTime(event.Created)
		}
	}
	if inv.Currency == "" {
		inv.Currency = "usd"
	}
	if err := s.store.SaveInvoice(ctx, inv); err != nil {
		return err
	}

	n := notifications.Notification{Link: "/settings/billing/invoices"}
	if event.Type == EventInvoicePaid {
		n.Kind = notifications.KindInvoicePaid
		n.Title = "Invoice paid"
		n.Body = fmt.Sprintf("We received your payment of %s.", inv.Amount())
	} else {
		n.Kind = notifications.KindPaymentFailed
		n.Title = "Payment failed"
		n.Body = fmt.Sprintf("We could not collect %s. Update your payment method to keep your plan.", inv.Amount())
	}
	audit.Record(ctx, audit.EventTypeBillingPayment, audit.ResourceTypeBilling, orgID, map[string]interface{}{
		"invoice": pi.ID,
		"status":  inv.Status,
		"amount":  inv.AmountCents,
	})
	s.notifyContacts(ctx, orgID, n)
	return nil
}

func (s *Service) applyPaymentMethodEvent(ctx context.Context, event webhookEvent) error {
	var pm providerPaymentMethod
	if err := decodeObject(event, &pm); err != nil {
		return err
	}
	if event.Type == EventPaymentMethodDetach {
		err := s.store.DeletePaymentMethod(ctx, pm.ID)
		if errors.Is(err, ErrPaymentMethodGone) {
			return nil
		}
		return err
	}

	orgID, err := s.store.OrgForCustomer(ctx, pm.Customer)
	if err != nil {
		return err
	}
	existing, err := s.store.ListPaymentMethods(ctx, orgID)
	if err != nil {
		return err
	}
	method := &PaymentMethod{
		OrgID:                 orgID,
		StripePaymentMethodID: pm.ID,
		Type:                  PaymentMethodType(pm.Type),
		IsDefault:             len(existing) == 0,
	}
	if pm.Card != nil {
		method.CardBrand = pm.Card.Brand
		method.CardLast4 = pm.Card.Last4
		method.CardExpMonth = pm.Card.ExpMonth
		method.CardExpYear = pm.Card.ExpYear
	}
	return s.store.SavePaymentMethod(ctx, method)
}

// notifyContacts is best effort; a failed notification never fails the event
func (s *Service) notifyContacts(ctx context.Context, orgID string, n notifications.Notification) {
	if s.notifier == nil {
		return
	}
	users, err := s.billingContacts(ctx, orgID)
	if err == nil && len(users) > 0 {
		n.OrgID = orgID
		err = s.notifier.NotifyMany(ctx, users, n)
	}
	if err != nil {
		s.logger.WithError(err).WithField("org_id", orgID).Warn("Failed to send billing notification")
	}
}
