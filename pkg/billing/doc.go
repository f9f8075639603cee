// Package billing keeps organization plan tiers in step with Stripe.
//
// Subscriptions are created and changed through the Stripe REST API and
// mirrored in PostgreSQL. Stripe then reports every state change back through
// signed webhooks (HandleWebhook), which are the source of truth for status,
// invoices and payment methods. Each applied subscription event recomputes the
// org's effective tier: active, trialing and past_due subscriptions grant their
// plan tier and anything else falls back to free.
//
// The purchasable catalog lives in billing_plans and is refreshed by SyncPlans,
// which reads active prices and maps them to tiers through the product
// metadata key netforge_tier:
//
//	svc := billing.NewService(billing.ServiceDeps{
//		Store:         billing.NewPostgresStore(db),
//		Provider:      billing.NewStripeClient(cfg.StripeAPIBase, cfg.StripeSecretKey, nil),
//		Directory:     orgService,
//		Notifier:      notifier,
//		WebhookSecret: cfg.StripeWebhookSecret,
//	})
//	res, err := svc.SyncPlans(ctx)
package billing
