// Package middleware provides the authentication, tenancy, plan gating,
// quota and rate limiting middleware of the API.
//
// Order matters. On an org-scoped router the chain is, outer to inner:
//
//	router.Use(authMW.Handler)                         // AuthContext
//	router.Use(middleware.OrgContextMiddleware(svc))   // org, member, tier
//	router.Use(orgRateLimit.Handler)                   // per-org API allowance
//	route.Handler(middleware.RequireRole(auth.RoleDesigner)(
//	    quotas.Enforce(orgs.ResourceDesigns)(handler)))
//
// Quota and plan middleware read the organization from the context and are
// no-ops or reject when OrgContextMiddleware has not run.
package middleware
