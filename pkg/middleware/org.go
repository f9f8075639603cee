package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/platinummonkey/netforge/pkg/auth"
	"github.com/platinummonkey/netforge/pkg/httputil"
	"github.com/platinummonkey/netforge/pkg/observability"
	"github.com/platinummonkey/netforge/pkg/orgs"
)

// OrgVar is the route variable naming the organization, by ID or slug
const OrgVar = "org"

// OrgResolver is the subset of orgs.Service the org middleware needs
type OrgResolver interface {
	GetOrganization(ctx context.Context, id string) (*orgs.Organization, error)
	GetOrganizationBySlug(ctx context.Context, slug string) (*orgs.Organization, error)
	GetMember(ctx context.Context, orgID, userID string) (*orgs.OrgMember, error)
}

// OrgContextMiddleware resolves {org} and verifies the caller belongs to it.
// Unknown orgs get 404 and non-members 403. Platform admins are treated as
// org admins. Suspended orgs are read-only. Must run after AuthMiddleware.
func OrgContextMiddleware(resolver OrgResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, ok := auth.FromContext(r.Context())
			if !ok {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}

			ref := mux.Vars(r)[OrgVar]
			if ref == "" {
				httputil.WriteBadRequest(w, "missing organization")
				return
			}

			org, err := resolveOrg(r.Context(), resolver, ref)
			if errors.Is(err, orgs.ErrNotFound) {
				httputil.WriteNotFound(w, "organization not found")
				return
			}
			if err != nil {
				httputil.WriteInternalError(w, r, err)
				return
			}

			if ac.RestrictedToOrg(org.ID) {
				httputil.WriteForbidden(w, "token is not valid for this organization")
				return
			}

			member, err := resolver.GetMember(r.Context(), org.ID, ac.User.ID)
			switch {
			case errors.Is(err, orgs.ErrMemberNotFound) && ac.User.IsAdmin:
				member = &orgs.OrgMember{OrgID: org.ID, UserID: ac.User.ID, Role: auth.RoleAdmin}
			case errors.Is(err, orgs.ErrMemberNotFound):
				httputil.WriteForbidden(w, "not a member of this organization")
				return
			case err != nil:
				httputil.WriteInternalError(w, r, err)
				return
			}

			if org.Status == orgs.OrgStatusSuspended && !isReadOnly(r.Method) {
				httputil.WriteForbidden(w, orgs.ErrSuspended.Error())
				return
			}

			ctx := orgs.WithOrganization(r.Context(), org, member)
			ctx = observability.WithOrgID(ctx, org.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func resolveOrg(ctx context.Context, resolver OrgResolver, ref string) (*orgs.Organization, error) {
	if _, err := uuid.Parse(ref); err == nil {
		return resolver.GetOrganization(ctx, ref)
	}
	return resolver.GetOrganizationBySlug(ctx, ref)
}

func isReadOnly(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions
}

// RequirePlan gates a route on the org's subscription tier, answering 402
// with the required and current plan.
func RequirePlan(minTier orgs.PlanTier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			current := orgs.TierFromContext(r.Context())
			if !current.AtLeast(minTier) {
				httputil.WritePaymentRequired(w,
					"this feature requires the "+string(minTier)+" plan",
					string(minTier), string(current))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
