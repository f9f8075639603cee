// Package contextkeys defines the context keys shared between middleware
// and handlers. Values are stored untyped here so this package stays free of
// imports; each owning package provides typed getters.
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// AuthKey holds *auth.AuthContext, set by middleware.AuthMiddleware
	AuthKey Key = "auth_context"

	// OrgKey holds *orgs.Organization, set by middleware.OrgContextMiddleware
	OrgKey Key = "organization"

	// MemberKey holds *orgs.OrgMember for the caller inside OrgKey
	MemberKey Key = "org_member"

	// SubscriptionTierKey holds the effective orgs.PlanTier after billing status is applied
	SubscriptionTierKey Key = "subscription_tier"

	// AuditLoggerKey holds audit.Logger, set by audit.Middleware
	AuditLoggerKey Key = "audit_logger"

	// RequestStartTimeKey holds the time.Time the audit middleware saw the request
	RequestStartTimeKey Key = "request_start_time"
)

func WithAuth(ctx context.Context, authCtx interface{}) context.Context {
	return context.WithValue(ctx, AuthKey, authCtx)
}

func WithOrg(ctx context.Context, org interface{}) context.Context {
	return context.WithValue(ctx, OrgKey, org)
}

func WithMember(ctx context.Context, member interface{}) context.Context {
	return context.WithValue(ctx, MemberKey, member)
}

func WithAuditLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, AuditLoggerKey, logger)
}

func WithRequestStartTime(ctx context.Context, startTime interface{}) context.Context {
	return context.WithValue(ctx, RequestStartTimeKey, startTime)
}
