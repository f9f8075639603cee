// Package api assembles the NetForge HTTP API.
//
// NewServer mounts every handler group on one gorilla/mux router and wraps it
// in the shared middleware chain: request IDs, access logging, panic
// recovery, CORS and a request body cap. Handler groups live in their domain
// packages (designs, equipment, reports, billing, webhooks and so on); this
// package only decides where they are mounted and which middleware guards
// them.
//
// # Route groups
//
//	/auth/login, /auth/callback     public, identity provider login
//	/webhooks/stripe                public, signature verified by billing
//	/api/v1/plans                   public plan catalog
//	/auth/me                        authenticated
//	/api/v1/orgs/{org}/...          authenticated org members
//	/api/v1/orgs, /api/v1/tokens    authenticated
//
// {org} accepts an organization ID or its slug. Unknown orgs answer 404 and
// non-members 403 before any handler runs.
//
// # Usage
//
//	srv := api.NewServer(api.Deps{
//		Orgs:    orgService,
//		Auth:    middleware.NewAuthMiddleware(tokens, sessions, users),
//		Authz:   checker,
//		Designs: designService,
//		Logger:  logger,
//	})
//	http.ListenAndServe(":8080", srv)
//
// The health port is served separately by NewHealthHandler so probes and
// Prometheus scrapes bypass authentication and rate limits.
package api
