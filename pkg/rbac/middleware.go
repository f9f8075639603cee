package rbac

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/netforge/pkg/audit"
	"github.com/platinummonkey/netforge/pkg/auth"
	"github.com/platinummonkey/netforge/pkg/httputil"
	"github.com/platinummonkey/netforge/pkg/orgs"
)

// RequirePermission rejects requests whose caller lacks resource:action in the
// current org. idVar names the mux route variable holding the resource ID, or
// is empty for collection routes. API tokens must also carry the scope
// RequiredScope names. Platform admins pass the role check but not the scope
// check.
func (c *Checker) RequirePermission(resource Resource, action Action, idVar string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
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
			var resourceID string
			if idVar != "" {
				resourceID = mux.Vars(r)[idVar]
			}

			if ac.Method == auth.MethodAPIToken {
				if scope := RequiredScope(resource, action); scope != "" && !ac.HasScope(scope) {
					reason := "token lacks scope " + string(scope)
					audit.RecordDenied(r.Context(), audit.ResourceType(resource), resourceID, reason)
					httputil.WriteForbidden(w, reason)
					return
				}
			}
			if ac.User.IsAdmin {
				next.ServeHTTP(w, r)
				return
			}

			d, err := c.Check(r.Context(), ac.User.ID, org.ID, resource, action, resourceID)
			if err != nil {
				httputil.WriteInternalError(w, r, err)
				return
			}
			if !d.Allowed {
				audit.RecordDenied(r.Context(), audit.ResourceType(resource), resourceID, d.Reason)
				httputil.WriteForbidden(w, d.Reason)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
