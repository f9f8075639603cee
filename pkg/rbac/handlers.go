package rbac

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/netforge/pkg/audit"
	"github.com/platinummonkey/netforge/pkg/auth"
	"github.com/platinummonkey/netforge/pkg/httputil"
	"github.com/platinummonkey/netforge/pkg/orgs"
)

// TeamStore is the persistence used by the team handlers
type TeamStore interface {
	CreateTeam(ctx context.Context, orgID, createdBy string, req CreateTeamRequest) (*Team, error)
	GetTeam(ctx context.Context, orgID, teamID string) (*Team, error)
	ListTeams(ctx context.Context, orgID string) ([]*Team, error)
	DeleteTeam(ctx context.Context, orgID, teamID string) error
	AddTeamMember(ctx context.Context, orgID, teamID, userID, addedBy string) (*TeamMember, error)
	RemoveTeamMember(ctx context.Context, orgID, teamID, userID string) error
	ListTeamMembers(ctx context.Context, orgID, teamID string) ([]*TeamMember, error)
	GrantDesign(ctx context.Context, orgID, teamID, designID string, role auth.Role, grantedBy string) (*DesignGrant, error)
	RevokeDesign(ctx context.Context, orgID, teamID, designID string) error
	ListDesignGrants(ctx context.Context, orgID, designID string) ([]*DesignGrant, error)
}

// Handlers serves team, grant and permission routes on an org-scoped router
type Handlers struct {
	store   TeamStore
	checker *Checker
}

// NewHandlers creates RBAC handlers
func NewHandlers(store TeamStore, checker *Checker) *Handlers {
	return &Handlers{store: store, checker: checker}
}

// RegisterRoutes mounts the routes under /api/v1/orgs/{org}
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	teamRead := h.checker.RequirePermission(ResourceTeam, ActionRead, "")
	teamManage := h.checker.RequirePermission(ResourceTeam, ActionManage, "")
	designRead := h.checker.RequirePermission(ResourceDesign, ActionRead, "designID")
	designManage := h.checker.RequirePermission(ResourceDesign, ActionManage, "designID")

	router.Handle("/teams", teamRead(http.HandlerFunc(h.listTeams))).Methods(http.MethodGet)
	router.Handle("/teams", teamManage(http.HandlerFunc(h.createTeam))).Methods(http.MethodPost)
	router.Handle("/teams/{teamID}", teamRead(http.HandlerFunc(h.getTeam))).Methods(http.MethodGet)
	router.Handle("/teams/{teamID}", teamManage(http.HandlerFunc(h.deleteTeam))).Methods(http.MethodDelete)
	router.Handle("/teams/{teamID}/members", teamRead(http.HandlerFunc(h.listMembers))).Methods(http.MethodGet)
	router.Handle("/teams/{teamID}/members", teamManage(http.HandlerFunc(h.addMember))).Methods(http.MethodPost)
	router.Handle("/teams/{teamID}/members/{userID}", teamManage(http.HandlerFunc(h.removeMember))).Methods(http.MethodDelete)

	router.Handle("/designs/{designID}/grants", designRead(http.HandlerFunc(h.listGrants))).Methods(http.MethodGet)
	router.Handle("/designs/{designID}/grants/{teamID}", designManage(http.HandlerFunc(h.grant))).Methods(http.MethodPut)
	router.Handle("/designs/{designID}/grants/{teamID}", designManage(http.HandlerFunc(h.revoke))).Methods(http.MethodDelete)

	router.HandleFunc("/permissions/check", h.check).Methods(http.MethodGet)
}

// caller returns the authenticated user and current org. Both are guaranteed
// by the auth and org middleware in front of these routes.
func caller(r *http.Request) (*auth.User, *orgs.Organization, bool) {
	ac, ok := auth.FromContext(r.Context())
	if !ok {
		return nil, nil, false
	}
	org, ok := orgs.FromContext(r.Context())
	if !ok {
		return nil, nil, false
	}
	return ac.User, org, true
}

func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	if status := statusFor(err); status != 0 {
		httputil.WriteError(w, status, err.Error())
		return
	}
	httputil.WriteInternalError(w, r, err)
}

func (h *Handlers) listTeams(w http.ResponseWriter, r *http.Request) {
	_, org, ok := caller(r)
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	teams, err := h.store.ListTeams(r.Context(), org.ID)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, teams)
}

func (h *Handlers) createTeam(w http.ResponseWriter, r *http.Request) {
	user, org, ok := caller(r)
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	var req CreateTeamRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	team, err := h.store.CreateTeam(r.Context(), org.ID, user.ID, req)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	audit.Record(r.Context(), audit.EventTypeTeamCreate, audit.ResourceTypeTeam, team.ID, map[string]interface{}{"name": team.Name})
	httputil.WriteCreated(w, team)
}

func (h *Handlers) getTeam(w http.ResponseWriter, r *http.Request) {
	_, org, ok := caller(r)
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	team, err := h.store.GetTeam(r.Context(), org.ID, mux.Vars(r)["teamID"])
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, team)
}

func (h *Handlers) deleteTeam(w http.ResponseWriter, r *http.Request) {
	_, org, ok := caller(r)
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	teamID := mux.Vars(r)["teamID"]
	if err := h.store.DeleteTeam(r.Context(), org.ID, teamID); err != nil {
		writeStoreError(w, r, err)
		return
	}
	h.checker.InvalidateOrg(org.ID)
	audit.Record(r.Context(), audit.EventTypeTeamDelete, audit.ResourceTypeTeam, teamID, nil)
	httputil.WriteNoContent(w)
}

func (h *Handlers) listMembers(w http.ResponseWriter, r *http.Request) {
	_, org, ok := caller(r)
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	members, err := h.store.ListTeamMembers(r.Context(), org.ID, mux.Vars(r)["teamID"])
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, members)
}

func (h *Handlers) addMember(w http.ResponseWriter, r *http.Request) {
	user, org, ok := caller(r)
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	var req AddTeamMemberRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.UserID, "user_id") {
		return
	}
	teamID := mux.Vars(r)["teamID"]
	member, err := h.store.AddTeamMember(r.Context(), org.ID, teamID, req.UserID, user.ID)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	h.checker.InvalidateUser(org.ID, req.UserID)
	audit.Record(r.Context(), audit.EventTypeTeamMemberAdd, audit.ResourceTypeTeam, teamID, map[string]interface{}{"user_id": req.UserID})
	httputil.WriteCreated(w, member)
}

func (h *Handlers) removeMember(w http.ResponseWriter, r *http.Request) {
	_, org, ok := caller(r)
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	vars := mux.Vars(r)
	if err := h.store.RemoveTeamMember(r.Context(), org.ID, vars["teamID"], vars["userID"]); err != nil {
		writeStoreError(w, r, err)
		return
	}
	h.checker.InvalidateUser(org.ID, vars["userID"])
	audit.Record(r.Context(), audit.EventTypeTeamMemberRemove, audit.ResourceTypeTeam, vars["teamID"], map[string]interface{}{"user_id": vars["userID"]})
	httputil.WriteNoContent(w)
}

func (h *Handlers) listGrants(w http.ResponseWriter, r *http.Request) {
	_, org, ok := caller(r)
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	grants, err := h.store.ListDesignGrants(r.Context(), org.ID, mux.Vars(r)["designID"])
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, grants)
}

func (h *Handlers) grant(w http.ResponseWriter, r *http.Request) {
	user, org, ok := caller(r)
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	var req GrantDesignRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	vars := mux.Vars(r)
	g, err := h.store.GrantDesign(r.Context(), org.ID, vars["teamID"], vars["designID"], req.Role, user.ID)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	h.checker.InvalidateOrg(org.ID)
	audit.Record(r.Context(), audit.EventTypeDesignGrant, audit.ResourceTypeDesign, g.DesignID,
		map[string]interface{}{"team_id": g.TeamID, "role": string(g.Role)})
	httputil.WriteSuccess(w, g)
}

func (h *Handlers) revoke(w http.ResponseWriter, r *http.Request) {
	_, org, ok := caller(r)
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	vars := mux.Vars(r)
	if err := h.store.RevokeDesign(r.Context(), org.ID, vars["teamID"], vars["designID"]); err != nil {
		writeStoreError(w, r, err)
		return
	}
	h.checker.InvalidateOrg(org.ID)
	audit.Record(r.Context(), audit.EventTypeDesignGrantRevoke, audit.ResourceTypeDesign, vars["designID"],
		map[string]interface{}{"team_id": vars["teamID"]})
	httputil.WriteNoContent(w)
}

type checkResponse struct {
	Decision
	Permission  string       `json:"permission"`
	Permissions []Permission `json:"permissions,omitempty"`
}

// check reports the caller's own decision for ?permission=resource:action&resource_id=
func (h *Handlers) check(w http.ResponseWriter, r *http.Request) {
	user, org, ok := caller(r)
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	raw := r.URL.Query().Get("permission")
	perm, ok := ParsePermission(raw)
	if !ok {
		httputil.WriteBadRequest(w, "permission must look like resource:action")
		return
	}
	d, err := h.checker.Check(r.Context(), user.ID, org.ID, perm.Resource, perm.Action, r.URL.Query().Get("resource_id"))
	if err != nil {
		httputil.WriteInternalError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, checkResponse{Decision: d, Permission: perm.String(), Permissions: PermissionsFor(d.Role)})
}
