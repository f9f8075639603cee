package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/netforge/pkg/audit"
	"github.com/platinummonkey/netforge/pkg/auth"
	"github.com/platinummonkey/netforge/pkg/httputil"
	"github.com/platinummonkey/netforge/pkg/middleware"
	"github.com/platinummonkey/netforge/pkg/orgs"
	"github.com/platinummonkey/netforge/pkg/rbac"
)

// OrgHandlers handles organization, membership and invitation requests
type OrgHandlers struct {
	orgs  orgs.Service
	authz Authorizer
}

// NewOrgHandlers creates a new OrgHandlers
func NewOrgHandlers(svc orgs.Service, authz Authorizer) *OrgHandlers {
	return &OrgHandlers{orgs: svc, authz: authz}
}

// RegisterUserRoutes registers the routes that are not scoped to one org
func (h *OrgHandlers) RegisterUserRoutes(router *mux.Router) {
	router.HandleFunc("/orgs", h.createOrganization).Methods(http.MethodPost)
	router.HandleFunc("/orgs", h.listOrganizations).Methods(http.MethodGet)
	router.HandleFunc("/invitations/{token}/accept", h.acceptInvitation).Methods(http.MethodPost)
}

// RegisterRoutes registers the routes under /api/v1/orgs/{org}. Members and
// invitations are managed by admins, deletion is reserved to the owner.
func (h *OrgHandlers) RegisterRoutes(router *mux.Router) {
	perm := func(action rbac.Action, fn http.HandlerFunc) http.Handler {
		return h.authz.RequirePermission(rbac.ResourceOrganization, action, "")(fn)
	}
	admin := func(fn http.HandlerFunc) http.Handler { return middleware.RequireRole(auth.RoleAdmin)(fn) }
	owner := middleware.RequireRole(auth.RoleOwner)

	router.Handle("", perm(rbac.ActionRead, h.getOrganization)).Methods(http.MethodGet)
	router.Handle("", perm(rbac.ActionUpdate, h.updateOrganization)).Methods(http.MethodPatch)
	router.Handle("", owner(http.HandlerFunc(h.deleteOrganization))).Methods(http.MethodDelete)

	router.Handle("/quotas", perm(rbac.ActionRead, h.getQuotas)).Methods(http.MethodGet)
	router.Handle("/usage", perm(rbac.ActionRead, h.getUsage)).Methods(http.MethodGet)

	router.Handle("/members", perm(rbac.ActionRead, h.listMembers)).Methods(http.MethodGet)
	router.Handle("/members", admin(h.addMember)).Methods(http.MethodPost)
	router.Handle("/members/{userID}", admin(h.updateMember)).Methods(http.MethodPatch)
	router.Handle("/members/{userID}", admin(h.removeMember)).Methods(http.MethodDelete)

	router.Handle("/invitations", admin(h.listInvitations)).Methods(http.MethodGet)
	router.Handle("/invitations", admin(h.createInvitation)).Methods(http.MethodPost)
	router.Handle("/invitations/{invitationID}", admin(h.revokeInvitation)).Methods(http.MethodDelete)
}

func orgStatus(err error) int {
	switch {
	case errors.Is(err, orgs.ErrNotFound), errors.Is(err, orgs.ErrMemberNotFound), errors.Is(err, orgs.ErrInvitationNotFound):
		return http.StatusNotFound
	case errors.Is(err, orgs.ErrSlugTaken), errors.Is(err, orgs.ErrAlreadyMember), errors.Is(err, orgs.ErrInvitationUsed):
		return http.StatusConflict
	case errors.Is(err, orgs.ErrInvalidSlug), errors.Is(err, orgs.ErrInvalidRole), errors.Is(err, orgs.ErrInvitationExpired):
		return http.StatusBadRequest
	case errors.Is(err, orgs.ErrOwnerRemoval), errors.Is(err, orgs.ErrInvitationMismatch), errors.Is(err, orgs.ErrSuspended):
		return http.StatusForbidden
	}
	return 0
}

func writeOrgError(w http.ResponseWriter, r *http.Request, err error) {
	if status := orgStatus(err); status != 0 {
		httputil.WriteError(w, status, err.Error())
		return
	}
	httputil.WriteServiceError(w, r, err)
}

func currentUser(w http.ResponseWriter, r *http.Request) (*auth.User, bool) {
	ac, ok := auth.FromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return nil, false
	}
	return ac.User, true
}

func currentOrg(w http.ResponseWriter, r *http.Request) (*orgs.Organization, bool) {
	org, ok := orgs.FromContext(r.Context())
	if !ok {
		httputil.WriteForbidden(w, "organization context required")
		return nil, false
	}
	return org, true
}

func (h *OrgHandlers) createOrganization(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req orgs.CreateOrgRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Name, "name") {
		return
	}

	org, err := h.orgs.CreateOrganization(r.Context(), req, user.ID)
	if err != nil {
		writeOrgError(w, r, err)
		return
	}
	audit.Record(r.Context(), audit.EventTypeOrgCreate, audit.ResourceTypeOrganization, org.ID,
		map[string]interface{}{"slug": org.Slug})
	w.Header().Set("Location", fmt.Sprintf("/api/v1/orgs/%s", org.ID))
	httputil.WriteCreated(w, org)
}

func (h *OrgHandlers) listOrganizations(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	list, err := h.orgs.ListOrganizations(r.Context(), user.ID)
	if err != nil {
		writeOrgError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"organizations": list})
}

func (h *OrgHandlers) getOrganization(w http.ResponseWriter, r *http.Request) {
	org, ok := currentOrg(w, r)
	if !ok {
		return
	}
	httputil.WriteSuccess(w, org)
}

func (h *OrgHandlers) updateOrganization(w http.ResponseWriter, r *http.Request) {
	org, ok := currentOrg(w, r)
	if !ok {
		return
	}
	var req orgs.UpdateOrgRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	updated, err := h.orgs.UpdateOrganization(r.Context(), org.ID, req)
	if err != nil {
		writeOrgError(w, r, err)
		return
	}
	audit.RecordChange(r.Context(), audit.EventTypeOrgUpdate, audit.ResourceTypeOrganization, org.ID,
		map[string]interface{}{"name": org.Name, "description": org.Description},
		map[string]interface{}{"name": updated.Name, "description": updated.Description})
	httputil.WriteSuccess(w, updated)
}

func (h *OrgHandlers) deleteOrganization(w http.ResponseWriter, r *http.Request) {
	org, ok := currentOrg(w, r)
	if !ok {
		return
	}
	if err := h.orgs.DeleteOrganization(r.Context(), org.ID); err != nil {
		writeOrgError(w, r, err)
		return
	}
	h.authz.InvalidateOrg(org.ID)
	audit.Record(r.Context(), audit.EventTypeOrgDelete, audit.ResourceTypeOrganization, org.ID, nil)
	httputil.WriteNoContent(w)
}

func (h *OrgHandlers) getQuotas(w http.ResponseWriter, r *http.Request) {
	org, ok := currentOrg(w, r)
	if !ok {
		return
	}
	quotas, err := h.orgs.GetQuotas(r.Context(), org.ID)
	if err != nil {
		writeOrgError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"plan_tier": org.PlanTier,
		"quotas":    quotas,
	})
}

func (h *OrgHandlers) getUsage(w http.ResponseWriter, r *http.Request) {
	org, ok := currentOrg(w, r)
	if !ok {
		return
	}
	usage, err := h.orgs.GetUsage(r.Context(), org.ID)
	if err != nil {
		writeOrgError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, usage)
}

func (h *OrgHandlers) listMembers(w http.ResponseWriter, r *http.Request) {
	org, ok := currentOrg(w, r)
	if !ok {
		return
	}
	members, err := h.orgs.ListMembers(r.Context(), org.ID)
	if err != nil {
		writeOrgError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"members": members})
}

func (h *OrgHandlers) addMember(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	org, ok := currentOrg(w, r)
	if !ok {
		return
	}
	var req orgs.AddMemberRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.UserID, "user_id") {
		return
	}
	member, err := h.orgs.AddMember(r.Context(), org.ID, req, user.ID)
	if err != nil {
		writeOrgError(w, r, err)
		return
	}
	h.authz.InvalidateUser(org.ID, req.UserID)
	audit.Record(r.Context(), audit.EventTypeMemberAdd, audit.ResourceTypeUser, req.UserID,
		map[string]interface{}{"role": req.Role})
	httputil.WriteCreated(w, member)
}

func (h *OrgHandlers) updateMember(w http.ResponseWriter, r *http.Request) {
	org, ok := currentOrg(w, r)
	if !ok {
		return
	}
	userID := mux.Vars(r)["userID"]
	var req orgs.UpdateMemberRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	before, err := h.orgs.GetMember(r.Context(), org.ID, userID)
	if err != nil {
		writeOrgError(w, r, err)
		return
	}
	if err := h.orgs.UpdateMemberRole(r.Context(), org.ID, userID, req.Role); err != nil {
		writeOrgError(w, r, err)
		return
	}
	h.authz.InvalidateUser(org.ID, userID)
	audit.RecordChange(r.Context(), audit.EventTypeMemberRoleChange, audit.ResourceTypeUser, userID,
		map[string]interface{}{"role": before.Role}, map[string]interface{}{"role": req.Role})

	before.Role = req.Role
	httputil.WriteSuccess(w, before)
}

func (h *OrgHandlers) removeMember(w http.ResponseWriter, r *http.Request) {
	org, ok := currentOrg(w, r)
	if !ok {
		return
	}
	userID := mux.Vars(r)["userID"]
	if err := h.orgs.RemoveMember(r.Context(), org.ID, userID); err != nil {
		writeOrgError(w, r, err)
		return
	}
	h.authz.InvalidateUser(org.ID, userID)
	audit.Record(r.Context(), audit.EventTypeMemberRemove, audit.ResourceTypeUser, userID, nil)
	httputil.WriteNoContent(w)
}

func (h *OrgHandlers) listInvitations(w http.ResponseWriter, r *http.Request) {
	org, ok := currentOrg(w, r)
	if !ok {
		return
	}
	invites, err := h.orgs.ListInvitations(r.Context(), org.ID)
	if err != nil {
		writeOrgError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"invitations": invites})
}

func (h *OrgHandlers) createInvitation(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	org, ok := currentOrg(w, r)
	if !ok {
		return
	}
	var req orgs.InviteMemberRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Email, "email") {
		return
	}
	invite, err := h.orgs.CreateInvitation(r.Context(), org.ID, req, user.ID)
	if err != nil {
		writeOrgError(w, r, err)
		return
	}
	audit.Record(r.Context(), audit.EventTypeMemberInvite, audit.ResourceTypeOrganization, org.ID,
		map[string]interface{}{"invitation_id": invite.ID, "email": req.Email, "role": req.Role})
	httputil.WriteCreated(w, invite)
}

func (h *OrgHandlers) revokeInvitation(w http.ResponseWriter, r *http.Request) {
	org, ok := currentOrg(w, r)
	if !ok {
		return
	}
	if err := h.orgs.RevokeInvitation(r.Context(), org.ID, mux.Vars(r)["invitationID"]); err != nil {
		writeOrgError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (h *OrgHandlers) acceptInvitation(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	member, err := h.orgs.AcceptInvitation(r.Context(), mux.Vars(r)["token"], user)
	if err != nil {
		writeOrgError(w, r, err)
		return
	}
	h.authz.InvalidateUser(member.OrgID, user.ID)
	audit.Record(r.Context(), audit.EventTypeMemberAdd, audit.ResourceTypeUser, user.ID,
		map[string]interface{}{"org_id": member.OrgID, "via": "invitation"})
	httputil.WriteSuccess(w, member)
}
