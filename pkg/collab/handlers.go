package collab

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/platinummonkey/netforge/pkg/auth"
	"github.com/platinummonkey/netforge/pkg/designs"
	"github.com/platinummonkey/netforge/pkg/httputil"
	"github.com/platinummonkey/netforge/pkg/orgs"
	"github.com/platinummonkey/netforge/pkg/rbac"
)

// DesignLookup confirms the design exists in the org
type DesignLookup interface {
	Get(ctx context.Context, orgID, id string) (*designs.Design, error)
}

// Authorizer wraps routes with permission checks
type Authorizer interface {
	RequirePermission(resource rbac.Resource, action rbac.Action, idVar string) func(http.Handler) http.Handler
}

// Handlers upgrades design live connections
type Handlers struct {
	hub      *Hub
	designs  DesignLookup
	authz    Authorizer
	upgrader websocket.Upgrader
}

// NewHandlers creates the live endpoint. With no allowed origins only
// same-host upgrades pass; "*" allows any origin.
func NewHandlers(hub *Hub, lookup DesignLookup, authz Authorizer, allowedOrigins []string) *Handlers {
	return &Handlers{
		hub:     hub,
		designs: lookup,
		authz:   authz,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// RegisterRoutes mounts /designs/{designID}/live on the org router
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	read := h.authz.RequirePermission(rbac.ResourceDesign, rbac.ActionRead, "designID")
	router.Handle("/designs/{designID}/live", read(http.HandlerFunc(h.live))).Methods(http.MethodGet)
}

func (h *Handlers) live(w http.ResponseWriter, r *http.Request) {
	ac, ok := auth.FromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	org, ok := orgs.FromContext(r.Context())
	if !ok {
		httputil.WriteForbidden(w, "organization context required")
		return
	}
	tier := orgs.TierFromContext(r.Context())
	if !orgs.QuotasForTier(tier).Collaboration {
		httputil.WritePaymentRequired(w, "real-time collaboration requires the pro plan",
			string(orgs.PlanPro), string(tier))
		return
	}

	designID := mux.Vars(r)["designID"]
	if _, err := h.designs.Get(r.Context(), org.ID, designID); err != nil {
		switch {
		case errors.Is(err, designs.ErrNotFound), errors.Is(err, designs.ErrInvalidID):
			httputil.WriteNotFound(w, "design not found")
		default:
			httputil.WriteServiceError(w, r, err)
		}
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written the HTTP error
		return
	}
	if err := h.hub.Serve(conn, ac.User.ID, org.ID, designID); err != nil {
		h.hub.logger.WithError(err).Debug("collab connection refused")
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.ToLower(strings.TrimRight(o, "/"))] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return set[strings.ToLower(u.Scheme+"://"+u.Host)]
	}
}
