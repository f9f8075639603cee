package webhooks

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/netforge/pkg/auth"
	"github.com/platinummonkey/netforge/pkg/httputil"
	"github.com/platinummonkey/netforge/pkg/middleware"
	"github.com/platinummonkey/netforge/pkg/orgs"
	"github.com/platinummonkey/netforge/pkg/rbac"
)

// Manager is what the handlers need from Service
type Manager interface {
	CreateEndpoint(ctx context.Context, orgID, userID string, req CreateEndpointRequest) (*Endpoint, error)
	GetEndpoint(ctx context.Context, orgID, id string) (*Endpoint, error)
	ListEndpoints(ctx context.Context, orgID string) ([]*Endpoint, error)
	UpdateEndpoint(ctx context.Context, orgID, id string, req UpdateEndpointRequest) (*Endpoint, error)
	RotateSecret(ctx context.Context, orgID, id string) (*Endpoint, error)
	DeleteEndpoint(ctx context.Context, orgID, id string) error
	ListDeliveries(ctx context.Context, orgID, id string, limit int) ([]*Delivery, error)
	Ping(ctx context.Context, orgID, id string) (*Delivery, error)
}

// Authorizer wraps routes with permission checks
type Authorizer interface {
	RequirePermission(resource rbac.Resource, action rbac.Action, idVar string) func(http.Handler) http.Handler
}

// Handlers serves webhook management under an organization
type Handlers struct {
	manager Manager
	authz   Authorizer
}

// NewHandlers creates webhook handlers
func NewHandlers(manager Manager, authz Authorizer) *Handlers {
	return &Handlers{manager: manager, authz: authz}
}

// RegisterRoutes mounts the routes on an org-scoped router. Every route
// needs webhook management rights and the pro plan.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	manage := h.authz.RequirePermission(rbac.ResourceWebhook, rbac.ActionManage, "")
	gate := middleware.RequirePlan(orgs.PlanPro)
	wrap := func(fn http.HandlerFunc) http.Handler { return manage(gate(fn)) }

	router.Handle("/webhooks", wrap(h.list)).Methods(http.MethodGet)
	router.Handle("/webhooks", wrap(h.create)).Methods(http.MethodPost)
	router.Handle("/webhooks/{webhookID}", wrap(h.get)).Methods(http.MethodGet)
	router.Handle("/webhooks/{webhookID}", wrap(h.update)).Methods(http.MethodPatch)
	router.Handle("/webhooks/{webhookID}", wrap(h.delete)).Methods(http.MethodDelete)
	router.Handle("/webhooks/{webhookID}/rotate-secret", wrap(h.rotate)).Methods(http.MethodPost)
	router.Handle("/webhooks/{webhookID}/ping", wrap(h.ping)).Methods(http.MethodPost)
	router.Handle("/webhooks/{webhookID}/deliveries", wrap(h.deliveries)).Methods(http.MethodGet)
}

func caller(w http.ResponseWriter, r *http.Request) (userID, orgID string, ok bool) {
	ac, ok := auth.FromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return "", "", false
	}
	org, ok := orgs.FromContext(r.Context())
	if !ok {
		httputil.WriteForbidden(w, "organization context required")
		return "", "", false
	}
	return ac.User.ID, org.ID, true
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if status := statusFor(err); status != 0 {
		httputil.WriteError(w, status, err.Error())
		return
	}
	httputil.WriteServiceError(w, r, err)
}

func (h *Handlers) list(w http.ResponseWriter, r *http.Request) {
	_, orgID, ok := caller(w, r)
	if !ok {
		return
	}
	eps, err := h.manager.ListEndpoints(r.Context(), orgID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"webhooks": eps})
}

func (h *Handlers) create(w http.ResponseWriter, r *http.Request) {
	userID, orgID, ok := caller(w, r)
	if !ok {
		return
	}
	var req CreateEndpointRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	ep, err := h.manager.CreateEndpoint(r.Context(), orgID, userID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/orgs/%s/webhooks/%s", orgID, ep.ID))
	httputil.WriteCreated(w, ep)
}

func (h *Handlers) get(w http.ResponseWriter, r *http.Request) {
	_, orgID, ok := caller(w, r)
	if !ok {
		return
	}
	ep, err := h.manager.GetEndpoint(r.Context(), orgID, mux.Vars(r)["webhookID"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, ep)
}

func (h *Handlers) update(w http.ResponseWriter, r *http.Request) {
	_, orgID, ok := caller(w, r)
	if !ok {
		return
	}
	var req UpdateEndpointRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	ep, err := h.manager.UpdateEndpoint(r.Context(), orgID, mux.Vars(r)["webhookID"], req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, ep)
}

func (h *Handlers) delete(w http.ResponseWriter, r *http.Request) {
	_, orgID, ok := caller(w, r)
	if !ok {
		return
	}
	if err := h.manager.DeleteEndpoint(r.Context(), orgID, mux.Vars(r)["webhookID"]); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (h *Handlers) rotate(w http.ResponseWriter, r *http.Request) {
	_, orgID, ok := caller(w, r)
	if !ok {
		return
	}
	ep, err := h.manager.RotateSecret(r.Context(), orgID, mux.Vars(r)["webhookID"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, ep)
}

func (h *Handlers) ping(w http.ResponseWriter, r *http.Request) {
	_, orgID, ok := caller(w, r)
	if !ok {
		return
	}
	d, err := h.manager.Ping(r.Context(), orgID, mux.Vars(r)["webhookID"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, d)
}

func (h *Handlers) deliveries(w http.ResponseWriter, r *http.Request) {
	_, orgID, ok := caller(w, r)
	if !ok {
		return
	}
	limit, err := httputil.ParseQueryInt(r, "limit", defaultListLimit)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	out, err := h.manager.ListDeliveries(r.Context(), orgID, mux.Vars(r)["webhookID"], limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"deliveries": out,
		"stats":      Summarize(out),
	})
}
