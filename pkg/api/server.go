package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/netforge/pkg/audit"
	"github.com/platinummonkey/netforge/pkg/auth"
	"github.com/platinummonkey/netforge/pkg/billing"
	"github.com/platinummonkey/netforge/pkg/collab"
	"github.com/platinummonkey/netforge/pkg/designs"
	"github.com/platinummonkey/netforge/pkg/equipment"
	"github.com/platinummonkey/netforge/pkg/httputil"
	"github.com/platinummonkey/netforge/pkg/middleware"
	"github.com/platinummonkey/netforge/pkg/notifications"
	"github.com/platinummonkey/netforge/pkg/observability"
	"github.com/platinummonkey/netforge/pkg/orgs"
	"github.com/platinummonkey/netforge/pkg/rbac"
	"github.com/platinummonkey/netforge/pkg/reports"
	"github.com/platinummonkey/netforge/pkg/sso"
	"github.com/platinummonkey/netforge/pkg/webhooks"
)

// DefaultMaxBodyBytes caps request bodies. Attachment uploads are the largest.
const DefaultMaxBodyBytes = 32 << 20

// Authorizer wraps routes with permission checks and forgets cached
// decisions when membership changes. Implemented by rbac.Checker.
type Authorizer interface {
	RequirePermission(resource rbac.Resource, action rbac.Action, idVar string) func(http.Handler) http.Handler
	InvalidateOrg(orgID string)
	InvalidateUser(orgID, userID string)
}

// RouteRegistrar is an interface for types that can register routes
type RouteRegistrar interface {
	RegisterRoutes(router *mux.Router)
}

// Deps wires a Server. Orgs, Auth and Authz are required. Every other
// handler group is mounted only when its dependency is set.
type Deps struct {
	Orgs  orgs.Service
	Auth  *middleware.AuthMiddleware
	Authz Authorizer

	RateLimit *middleware.RateLimitMiddleware
	Quota     *middleware.QuotaMiddleware
	AuditLog  audit.Logger

	Tokens        auth.TokenService
	SSO           *sso.Handlers
	Designs       designs.DesignService
	Equipment     equipment.Catalog
	Reports       reports.Reporter
	Teams         *rbac.Handlers
	Billing       billing.Biller
	Notifications notifications.Inbox
	Collab        *collab.Handlers
	Webhooks      webhooks.Manager
	AuditSearch   audit.Searcher

	CORSOrigins  []string
	MaxBodyBytes int64
	Tracing      bool
	Metrics      *observability.Metrics
	Logger       *observability.Logger
}

// Server is the NetForge HTTP API
type Server struct {
	router  *mux.Router
	handler http.Handler
}

// NewServer creates the API server and mounts every configured handler group.
//
// Route layout:
//
//	/auth/login, /auth/callback         public identity provider login
//	/webhooks/stripe                    payment provider callback
//	/api/v1/plans                       public plan catalog
//	/auth/me                            authenticated
//	/api/v1/orgs/{org}/...              authenticated, org member
//	/api/v1/...                         authenticated, API tokens need "*" to write
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	maxBody := deps.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	auditMW := audit.NewMiddleware(deps.AuditLog)

	s := &Server{router: mux.NewRouter()}
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteNotFound(w, "route not found")
	})
	// Router level so the metrics see the matched route template.
	if deps.Metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(deps.Metrics))
	}

	public := s.router.NewRoute().Subrouter()
	public.Use(auditMW.Handler)
	if deps.SSO != nil {
		deps.SSO.RegisterRoutes(public)
	}
	var billingHandlers *billing.Handlers
	if deps.Billing != nil {
		billingHandlers = billing.NewHandlers(deps.Billing, deps.Authz)
		billingHandlers.RegisterWebhookRoutes(public)
		billingHandlers.RegisterPublicRoutes(public.PathPrefix("/api/v1").Subrouter())
	}

	if deps.SSO != nil {
		me := s.router.NewRoute().Subrouter()
		me.Use(deps.Auth.Handler)
		deps.SSO.RegisterAuthenticatedRoutes(me)
	}

	// Org resolution runs before rate limiting so the org's tier sets the limit.
	org := s.router.PathPrefix("/api/v1/orgs/{" + middleware.OrgVar + "}").Subrouter()
	org.Use(deps.Auth.Handler, middleware.OrgContextMiddleware(deps.Orgs))
	if deps.RateLimit != nil {
		org.Use(deps.RateLimit.Handler)
	}
	org.Use(auditMW.Handler)

	user := s.router.PathPrefix("/api/v1").Subrouter()
	user.Use(deps.Auth.Handler, middleware.RequireScopeForWrites(auth.ScopeAll))
	if deps.RateLimit != nil {
		user.Use(deps.RateLimit.Handler)
	}
	user.Use(auditMW.Handler)

	orgHandlers := NewOrgHandlers(deps.Orgs, deps.Authz)
	orgHandlers.RegisterUserRoutes(user)
	orgHandlers.RegisterRoutes(org)

	if deps.Tokens != nil {
		auth.NewTokenHandlers(deps.Tokens).RegisterRoutes(user)
	}
	if deps.Notifications != nil {
		notifications.NewHandlers(deps.Notifications).RegisterRoutes(user.PathPrefix("/notifications").Subrouter())
	}

	registrars := []RouteRegistrar{}
	if deps.Designs != nil {
		registrars = append(registrars, designs.NewHandlers(deps.Designs, deps.Authz, deps.Quota))
	}
	if deps.Equipment != nil {
		registrars = append(registrars, equipment.NewHandlers(deps.Equipment, deps.Authz, deps.Quota))
	}
	if deps.Reports != nil {
		registrars = append(registrars, reports.NewHandlers(deps.Reports, deps.Authz))
	}
	if deps.Teams != nil {
		registrars = append(registrars, deps.Teams)
	}
	if billingHandlers != nil {
		registrars = append(registrars, billingHandlers)
	}
	if deps.Collab != nil {
		registrars = append(registrars, deps.Collab)
	}
	if deps.Webhooks != nil {
		registrars = append(registrars, webhooks.NewHandlers(deps.Webhooks, deps.Authz))
	}
	if deps.AuditSearch != nil {
		registrars = append(registrars, audit.NewHandlers(deps.AuditSearch))
	}
	for _, r := range registrars {
		r.RegisterRoutes(org)
	}

	handler := httputil.Chain(
		httputil.RequestIDMiddleware(logger),
		httputil.LoggingMiddleware,
		httputil.RecoveryMiddleware,
		httputil.CORSMiddleware(deps.CORSOrigins),
		httputil.MaxBytesMiddleware(maxBody),
	)(s.router)
	if deps.Tracing {
		handler = otelhttp.NewHandler(handler, "netforge-api")
	}
	s.handler = handler
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Router exposes the underlying router, mainly for route inspection in tests
func (s *Server) Router() *mux.Router {
	return s.router
}

// NewHealthHandler serves liveness, readiness and Prometheus metrics for the
// health port
func NewHealthHandler(checker *observability.HealthChecker, gatherer prometheus.Gatherer) http.Handler {
	m := http.NewServeMux()
	observability.RegisterHealthRoutes(m, checker)
	if gatherer != nil {
		m.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return m
}
