package billing

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/netforge/pkg/httputil"
	"github.com/platinummonkey/netforge/pkg/orgs"
	"github.com/platinummonkey/netforge/pkg/rbac"
)

const maxWebhookBody = 1 << 20

// Biller is what the handlers need from Service
type Biller interface {
	GetSubscription(ctx context.Context, orgID string) (*Subscription, error)
	CreateSubscription(ctx context.Context, orgID string, req CreateSubscriptionRequest) (*Subscription, error)
	UpdateSubscription(ctx context.Context, orgID string, tier orgs.PlanTier) (*Subscription, error)
	CancelSubscription(ctx context.Context, orgID string, atPeriodEnd bool) (*Subscription, error)
	ReactivateSubscription(ctx context.Context, orgID string) (*Subscription, error)
	ListInvoices(ctx context.Context, orgID string, limit int) ([]*Invoice, error)
	ListPaymentMethods(ctx context.Context, orgID string) ([]*PaymentMethod, error)
	ListPlans(ctx context.Context) ([]*Plan, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
}

// Authorizer wraps routes with permission checks
type Authorizer interface {
	RequirePermission(resource rbac.Resource, action rbac.Action, idVar string) func(http.Handler) http.Handler
}

// Handlers serves subscription, plan and provider webhook routes
type Handlers struct {
	billing Biller
	authz   Authorizer
}

// NewHandlers creates billing handlers
func NewHandlers(billing Biller, authz Authorizer) *Handlers {
	return &Handlers{billing: billing, authz: authz}
}

// RegisterRoutes mounts the subscription routes on an org-scoped router
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	perm := func(action rbac.Action, fn http.HandlerFunc) http.Handler {
		return h.authz.RequirePermission(rbac.ResourceBilling, action, "")(fn)
	}
	router.Handle("/subscription", perm(rbac.ActionRead, h.getSubscription)).Methods(http.MethodGet)
	router.Handle("/subscription", perm(rbac.ActionCreate, h.createSubscription)).Methods(http.MethodPost)
	router.Handle("/subscription", perm(rbac.ActionUpdate, h.updateSubscription)).Methods(http.MethodPatch)
	router.Handle("/subscription", perm(rbac.ActionDelete, h.cancelSubscription)).Methods(http.MethodDelete)
	router.Handle("/subscription/reactivate", perm(rbac.ActionUpdate, h.reactivate)).Methods(http.MethodPost)
	router.Handle("/invoices", perm(rbac.ActionRead, h.listInvoices)).Methods(http.MethodGet)
	router.Handle("/payment-methods", perm(rbac.ActionRead, h.listPaymentMethods)).Methods(http.MethodGet)
}

// RegisterPublicRoutes mounts /plans on the API router
func (h *Handlers) RegisterPublicRoutes(router *mux.Router) {
	router.HandleFunc("/plans", h.listPlans).Methods(http.MethodGet)
}

// RegisterWebhookRoutes mounts the unauthenticated provider callback
func (h *Handlers) RegisterWebhookRoutes(router *mux.Router) {
	router.HandleFunc("/webhooks/stripe", h.webhook).Methods(http.MethodPost)
}

func orgID(w http.ResponseWriter, r *http.Request) (string, bool) {
	org, ok := orgs.FromContext(r.Context())
	if !ok {
		httputil.WriteForbidden(w, "organization context required")
		return "", false
	}
	return org.ID, true
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if status := statusFor(err); status != 0 {
		httputil.WriteError(w, status, err.Error())
		return
	}
	httputil.WriteServiceError(w, r, err)
}

func (h *Handlers) getSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := orgID(w, r)
	if !ok {
		return
	}
	sub, err := h.billing.GetSubscription(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

func (h *Handlers) createSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := orgID(w, r)
	if !ok {
		return
	}
	var req CreateSubscriptionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	sub, err := h.billing.CreateSubscription(r.Context(), id, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, sub)
}

func (h *Handlers) updateSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := orgID(w, r)
	if !ok {
		return
	}
	var req UpdateSubscriptionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	sub, err := h.billing.UpdateSubscription(r.Context(), id, req.PlanTier)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

func (h *Handlers) cancelSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := orgID(w, r)
	if !ok {
		return
	}
	atPeriodEnd, err := httputil.ParseQueryBool(r, "at_period_end", true)
	if err != nil {
		httputil.WriteBadRequest(w, "at_period_end must be a boolean")
		return
	}
	sub, err := h.billing.CancelSubscription(r.Context(), id, atPeriodEnd)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

func (h *Handlers) reactivate(w http.ResponseWriter, r *http.Request) {
	id, ok := orgID(w, r)
	if !ok {
		return
	}
	sub, err := h.billing.ReactivateSubscription(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

func (h *Handlers) listInvoices(w http.ResponseWriter, r *http.Request) {
	id, ok := orgID(w, r)
	if !ok {
		return
	}
	limit, err := httputil.ParseQueryInt(r, "limit", defaultInvoiceLimit)
	if err != nil {
		httputil.WriteBadRequest(w, "limit must be an integer")
		return
	}
	items, err := h.billing.ListInvoices(r.Context(), id, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"invoices": items})
}

func (h *Handlers) listPaymentMethods(w http.ResponseWriter, r *http.Request) {
	id, ok := orgID(w, r)
	if !ok {
		return
	}
	items, err := h.billing.ListPaymentMethods(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"payment_methods": items})
}

func (h *Handlers) listPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.billing.ListPlans(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"plans": plans})
}

func (h *Handlers) webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		httputil.WriteBadRequest(w, "failed to read payload")
		return
	}
	if err := h.billing.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]bool{"received": true})
}
