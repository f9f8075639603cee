// Package auth holds user accounts, API tokens and session tokens, plus the
// AuthContext that middleware attaches to authenticated requests.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/platinummonkey/netforge/pkg/contextkeys"
)

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrTokenNotFound  = errors.New("token not found")
	ErrInvalidToken   = errors.New("invalid token")
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenRevoked   = errors.New("token revoked")
	ErrUserInactive   = errors.New("user is inactive")
	ErrDuplicateEmail = errors.New("email already registered")
)

// User is a person who signed in through the identity provider
type User struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	Name        string     `json:"name"`
	AvatarURL   string     `json:"avatar_url,omitempty"`
	IsActive    bool       `json:"is_active"`
	IsAdmin     bool       `json:"is_admin"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

// Role is a member role inside an organization. Roles are ordered.
type Role string

const (
	RoleViewer   Role = "viewer"   // read designs and reports
	RoleDesigner Role = "designer" // edit designs, equipment and reports
	RoleAdmin    Role = "admin"    // manage members, teams and webhooks
	RoleOwner    Role = "owner"    // billing and organization deletion
)

var roleRank = map[Role]int{
	RoleViewer:   1,
	RoleDesigner: 2,
	RoleAdmin:    3,
	RoleOwner:    4,
}

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// AtLeast reports whether r ranks at or above min
func (r Role) AtLeast(min Role) bool {
	return roleRank[r] >= roleRank[min] && roleRank[min] > 0
}

// MaxRole returns the higher ranked of a and b
func MaxRole(a, b Role) Role {
	if roleRank[b] > roleRank[a] {
		return b
	}
	return a
}

// Scope limits what an API token may do
type Scope string

const (
	ScopeDesignsRead    Scope = "designs:read"
	ScopeDesignsWrite   Scope = "designs:write"
	ScopeEquipmentRead  Scope = "equipment:read"
	ScopeEquipmentWrite Scope = "equipment:write"
	ScopeReportsRead    Scope = "reports:read"
	ScopeReportsWrite   Scope = "reports:write"
	ScopeBillingRead    Scope = "billing:read"
	ScopeOrgAdmin       Scope = "org:admin"
	ScopeAll            Scope = "*"
)

var knownScopes = map[Scope]bool{
	ScopeDesignsRead: true, ScopeDesignsWrite: true,
	ScopeEquipmentRead: true, ScopeEquipmentWrite: true,
	ScopeReportsRead: true, ScopeReportsWrite: true,
	ScopeBillingRead: true, ScopeOrgAdmin: true, ScopeAll: true,
}

// ValidScope reports whether s is a known scope
func ValidScope(s Scope) bool {
	return knownScopes[s]
}

// APIToken is a long lived credential for automation. Only the hash is stored.
type APIToken struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	OrgID       string     `json:"org_id,omitempty"`
	Name        string     `json:"name"`
	TokenHash   string     `json:"-"`
	TokenPrefix string     `json:"token_prefix"`
	Scopes      []Scope    `json:"scopes"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

// Method records how a request authenticated
type Method string

const (
	MethodSession  Method = "session"
	MethodAPIToken Method = "api_token"
	MethodIDToken  Method = "id_token"
)

// AuthContext holds authenticated user information
type AuthContext struct {
	User   *User
	Token  *APIToken // set for MethodAPIToken
	Method Method
	Scopes []Scope
}

// HasScope checks if the context has a specific scope
func (ac *AuthContext) HasScope(scope Scope) bool {
	for _, s := range ac.Scopes {
		if s == ScopeAll || s == scope {
			return true
		}
	}
	return false
}

// RestrictedToOrg reports whether an API token is pinned to another org
func (ac *AuthContext) RestrictedToOrg(orgID string) bool {
	return ac.Token != nil && ac.Token.OrgID != "" && ac.Token.OrgID != orgID
}

// FromContext returns the AuthContext set by the auth middleware
func FromContext(ctx context.Context) (*AuthContext, bool) {
	ac, ok := ctx.Value(contextkeys.AuthKey).(*AuthContext)
	return ac, ok && ac != nil
}

// WithAuthContext stores ac in ctx
func WithAuthContext(ctx context.Context, ac *AuthContext) context.Context {
	return contextkeys.WithAuth(ctx, ac)
}
