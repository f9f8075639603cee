package rbac

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/platinummonkey/netforge/pkg/auth"
)

// Resource represents a resource type in the system
type Resource string

const (
	ResourceDesign       Resource = "design"
	ResourceEquipment    Resource = "equipment"
	ResourceReport       Resource = "report"
	ResourceTeam         Resource = "team"
	ResourceOrganization Resource = "organization"
	ResourceBilling      Resource = "billing"
	ResourceWebhook      Resource = "webhook"
	ResourceAudit        Resource = "audit"
)

// Action represents an action that can be performed on a resource
type Action string

const (
	ActionRead   Action = "read"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionManage Action = "manage" // implies every other action
)

// Permission represents a specific permission (resource + action)
type Permission struct {
	Resource Resource `json:"resource"`
	Action   Action   `json:"action"`
}

// String returns a string representation of the permission
func (p Permission) String() string {
	return string(p.Resource) + ":" + string(p.Action)
}

// ParsePermission parses "resource:action"
func ParsePermission(s string) (Permission, bool) {
	res, act, ok := strings.Cut(s, ":")
	if !ok || res == "" || act == "" {
		return Permission{}, false
	}
	return Permission{Resource: Resource(res), Action: Action(act)}, true
}

func perms(resource Resource, actions ...Action) []Permission {
	out := make([]Permission, len(actions))
	for i, a := range actions {
		out[i] = Permission{Resource: resource, Action: a}
	}
	return out
}

// rolePermissions lists what each org role may do. Higher roles include every
// permission of the roles below them.
var rolePermissions = map[auth.Role][]Permission{
	auth.RoleViewer: concat(
		perms(ResourceDesign, ActionRead),
		perms(ResourceEquipment, ActionRead),
		perms(ResourceReport, ActionRead),
		perms(ResourceTeam, ActionRead),
		perms(ResourceOrganization, ActionRead),
	),
	auth.RoleDesigner: concat(
		perms(ResourceDesign, ActionCreate, ActionUpdate, ActionDelete),
		perms(ResourceEquipment, ActionCreate, ActionUpdate, ActionDelete),
		perms(ResourceReport, ActionCreate, ActionDelete),
	),
	auth.RoleAdmin: concat(
		perms(ResourceDesign, ActionManage),
		perms(ResourceEquipment, ActionManage),
		perms(ResourceReport, ActionManage),
		perms(ResourceTeam, ActionManage),
		perms(ResourceWebhook, ActionManage),
		perms(ResourceAudit, ActionRead),
		perms(ResourceOrganization, ActionUpdate),
		perms(ResourceBilling, ActionRead),
	),
	auth.RoleOwner: concat(
		perms(ResourceOrganization, ActionManage),
		perms(ResourceBilling, ActionManage),
		perms(ResourceAudit, ActionManage),
	),
}

var roleOrder = []auth.Role{auth.RoleViewer, auth.RoleDesigner, auth.RoleAdmin, auth.RoleOwner}

func concat(lists ...[]Permission) []Permission {
	var out []Permission
	for _, l := range lists {
		out = append(out, l...)
	}
	return out
}

// Allows reports whether role grants perm, including inherited permissions
func Allows(role auth.Role, perm Permission) bool {
	for _, r := range roleOrder {
		if !role.AtLeast(r) {
			break
		}
		for _, p := range rolePermissions[r] {
			if p.Resource != perm.Resource {
				continue
			}
			if p.Action == perm.Action || p.Action == ActionManage {
				return true
			}
		}
	}
	return false
}

// PermissionsFor returns every permission role holds
func PermissionsFor(role auth.Role) []Permission {
	var out []Permission
	for _, r := range roleOrder {
		if !role.AtLeast(r) {
			break
		}
		out = append(out, rolePermissions[r]...)
	}
	return out
}

// tokenScopes maps resources to the API token scopes that unlock reading
// and changing them. Resources absent here need org:admin for any action.
var tokenScopes = map[Resource][2]auth.Scope{
	ResourceDesign:       {auth.ScopeDesignsRead, auth.ScopeDesignsWrite},
	ResourceEquipment:    {auth.ScopeEquipmentRead, auth.ScopeEquipmentWrite},
	ResourceReport:       {auth.ScopeReportsRead, auth.ScopeReportsWrite},
	ResourceBilling:      {auth.ScopeBillingRead, auth.ScopeOrgAdmin},
	ResourceOrganization: {"", auth.ScopeOrgAdmin},
}

// RequiredScope returns the scope an API token needs for action on resource.
// An empty scope means any token may read it.
func RequiredScope(resource Resource, action Action) auth.Scope {
	pair, ok := tokenScopes[resource]
	if !ok {
		return auth.ScopeOrgAdmin
	}
	if action == ActionRead {
		return pair[0]
	}
	return pair[1]
}

var (
	ErrTeamNotFound       = errors.New("team not found")
	ErrTeamExists         = errors.New("a team with that name already exists")
	ErrInvalidTeamName    = errors.New("team name must be 1-100 characters")
	ErrTeamMemberNotFound = errors.New("user is not a member of the team")
	ErrNotOrgMember       = errors.New("user is not a member of the organization")
	ErrGrantNotFound      = errors.New("design grant not found")
	ErrInvalidGrantRole   = errors.New("grant role must be viewer, designer or admin")
)

// statusFor maps store errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrTeamNotFound), errors.Is(err, ErrTeamMemberNotFound), errors.Is(err, ErrGrantNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrTeamExists):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidTeamName), errors.Is(err, ErrNotOrgMember), errors.Is(err, ErrInvalidGrantRole):
		return http.StatusBadRequest
	}
	return 0
}

// Team groups org members so designs can be shared with them together
type Team struct {
	ID          string    `json:"id"`
	OrgID       string    `json:"org_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedBy   string    `json:"created_by"`
	MemberCount int       `json:"member_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TeamMember is one user's membership in a team
type TeamMember struct {
	TeamID  string    `json:"team_id"`
	UserID  string    `json:"user_id"`
	Email   string    `json:"email,omitempty"`
	Name    string    `json:"name,omitempty"`
	AddedBy string    `json:"added_by"`
	AddedAt time.Time `json:"added_at"`
}

// DesignGrant gives every member of a team a role on one design
type DesignGrant struct {
	OrgID     string    `json:"org_id"`
	TeamID    string    `json:"team_id"`
	TeamName  string    `json:"team_name,omitempty"`
	DesignID  string    `json:"design_id"`
	Role      auth.Role `json:"role"`
	GrantedBy string    `json:"granted_by"`
	CreatedAt time.Time `json:"created_at"`
}

// ValidGrantRole reports whether role may be granted on a design. Ownership
// is an org-level concept and cannot be granted per design.
func ValidGrantRole(role auth.Role) bool {
	return role == auth.RoleViewer || role == auth.RoleDesigner || role == auth.RoleAdmin
}

type CreateTeamRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type AddTeamMemberRequest struct {
	UserID string `json:"user_id"`
}

type GrantDesignRequest struct {
	Role auth.Role `json:"role"`
}

// Decision is the result of a permission check
type Decision struct {
	Allowed bool      `json:"allowed"`
	Role    auth.Role `json:"role,omitempty"`
	Reason  string    `json:"reason"`
	Cached  bool      `json:"cached"`
}
