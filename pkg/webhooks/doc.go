// Package webhooks delivers organization events to registered HTTP endpoints.
//
// # Events
//
// design.created, design.updated, design.deleted
// design.attachment_uploaded, design.attachment_deleted
// report.completed, report.failed
//
// The ping event is only sent by the test endpoint.
//
// # Usage Example
//
// Wire the service as a design and report publisher:
//
//	svc := webhooks.NewService(webhooks.ServiceDeps{
//		Store:     webhooks.NewPostgresStore(db),
//		Pool:      pool,
//		Limiter:   limiter,
//		Directory: orgService,
//		Notifier:  notificationService,
//	})
//	go svc.Run(ctx, 15*time.Second)
//	designService := designs.NewService(designs.ServiceDeps{Events: svc, ...})
//
// Verify a delivery on the receiving side:
//
//	sig := r.Header.Get(webhooks.HeaderSignature)
//	if !webhooks.Verify(body, secret, sig) {
//		return errors.New("invalid signature")
//	}
//
// # Delivery
//
// Bodies are JSON events, or Slack and Teams messages when the endpoint asks
// for them. The signature always covers the body as sent.
//
// Failed attempts retry with exponential backoff: 30s, 1m, 2m, 4m for five
// attempts in total. Client errors other than 408 and 429 fail at once.
// Throttled attempts are rescheduled without using up an attempt.
// Org owners and admins are notified after three failed deliveries in a row
// and the endpoint is disabled after ten.
package webhooks
