package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/platinummonkey/netforge/pkg/auth"
	"github.com/platinummonkey/netforge/pkg/httputil"
	"github.com/platinummonkey/netforge/pkg/observability"
	"github.com/platinummonkey/netforge/pkg/orgs"
)

// TokenValidator resolves an nf_ API token. Implemented by auth.TokenManager.
type TokenValidator interface {
	ValidateToken(ctx context.Context, raw string) (*auth.APIToken, *auth.User, error)
}

// SessionParser verifies session JWTs. Implemented by auth.SessionIssuer.
type SessionParser interface {
	Parse(token string) (*auth.SessionClaims, error)
}

// UserLoader loads the user behind a session. Implemented by auth.UserStore.
type UserLoader interface {
	GetByID(ctx context.Context, id string) (*auth.User, error)
}

// IDTokenAuthenticator verifies an identity provider ID token and returns the
// local user. Implemented by sso.Authenticator.
type IDTokenAuthenticator interface {
	AuthenticateIDToken(ctx context.Context, rawIDToken string) (*auth.User, error)
}

// AuthMiddleware authenticates Bearer credentials. A credential is an API
// token when it carries the nf_ prefix, otherwise a session JWT, and finally
// an IdP ID token when an IDTokenAuthenticator is configured.
type AuthMiddleware struct {
	tokens   TokenValidator
	sessions SessionParser
	users    UserLoader
	idTokens IDTokenAuthenticator
	optional bool
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(tokens TokenValidator, sessions SessionParser, users UserLoader) *AuthMiddleware {
	return &AuthMiddleware{tokens: tokens, sessions: sessions, users: users}
}

// WithIDTokens enables IdP ID token authentication
func (m *AuthMiddleware) WithIDTokens(a IDTokenAuthenticator) *AuthMiddleware {
	m.idTokens = a
	return m
}

// Optional lets unauthenticated requests through without an AuthContext
func (m *AuthMiddleware) Optional() *AuthMiddleware {
	c := *m
	c.optional = true
	return &c
}

// Handler wraps an HTTP handler with authentication
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential, err := bearerCredential(r)
		if err != nil {
			httputil.WriteUnauthorized(w, err.Error())
			return
		}
		if credential == "" {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteUnauthorized(w, "missing authorization header")
			return
		}

		ac, err := m.authenticate(r.Context(), credential)
		if err != nil {
			observability.FromContext(r.Context()).WithError(err).Debug("authentication failed")
			httputil.WriteUnauthorized(w, unauthorizedMessage(err))
			return
		}

		ctx := auth.WithAuthContext(r.Context(), ac)
		ctx = observability.WithUserID(ctx, ac.User.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) authenticate(ctx context.Context, credential string) (*auth.AuthContext, error) {
	if auth.IsAPIToken(credential) {
		tok, user, err := m.tokens.ValidateToken(ctx, credential)
		if err != nil {
			return nil, err
		}
		return &auth.AuthContext{User: user, Token: tok, Method: auth.MethodAPIToken, Scopes: tok.Scopes}, nil
	}

	claims, err := m.sessions.Parse(credential)
	if err == nil {
		user, err := m.users.GetByID(ctx, claims.Subject)
		if err != nil {
			return nil, err
		}
		if !user.IsActive {
			return nil, auth.ErrUserInactive
		}
		return &auth.AuthContext{User: user, Method: auth.MethodSession, Scopes: []auth.Scope{auth.ScopeAll}}, nil
	}
	if errors.Is(err, auth.ErrTokenExpired) || m.idTokens == nil {
		return nil, err
	}

	user, idErr := m.idTokens.AuthenticateIDToken(ctx, credential)
	if idErr != nil {
		return nil, idErr
	}
	if !user.IsActive {
		return nil, auth.ErrUserInactive
	}
	return &auth.AuthContext{User: user, Method: auth.MethodIDToken, Scopes: []auth.Scope{auth.ScopeAll}}, nil
}

func unauthorizedMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, auth.ErrTokenRevoked):
		return "token revoked"
	case errors.Is(err, auth.ErrUserInactive):
		return "user is inactive"
	default:
		return "invalid or expired token"
	}
}

// bearerCredential extracts the credential from the Authorization header.
// Browsers cannot set headers on WebSocket handshakes, so upgrades may pass
// it as the access_token query parameter instead.
func bearerCredential(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if websocket.IsWebSocketUpgrade(r) {
			return r.URL.Query().Get("access_token"), nil
		}
		return "", nil
	}
	scheme, credential, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(credential) == "" {
		return "", errors.New("invalid authorization header format")
	}
	return strings.TrimSpace(credential), nil
}

// RequireScope rejects API tokens lacking scope. Sessions carry every scope.
func RequireScope(scope auth.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, ok := auth.FromContext(r.Context())
			if !ok {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}
			if !ac.HasScope(scope) {
				httputil.WriteForbidden(w, "token lacks scope "+string(scope))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireScopeForWrites lets any caller read but requires scope for every
// other method. Routes outside an org use it with auth.ScopeAll so narrowly
// scoped tokens cannot change account state.
func RequireScopeForWrites(scope auth.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		scoped := RequireScope(scope)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
			default:
				scoped.ServeHTTP(w, r)
			}
		})
	}
}

// RequireRole rejects callers whose role in the current org ranks below
// minRole. API tokens also need org:admin for admin routes. Must run after
// OrgContextMiddleware.
func RequireRole(minRole auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ac, ok := auth.FromContext(r.Context()); ok && ac.Method == auth.MethodAPIToken &&
				minRole.AtLeast(auth.RoleAdmin) && !ac.HasScope(auth.ScopeOrgAdmin) {
				httputil.WriteForbidden(w, "token lacks scope "+string(auth.ScopeOrgAdmin))
				return
			}
			member, ok := orgs.MemberFromContext(r.Context())
			if !ok {
				httputil.WriteForbidden(w, "organization membership required")
				return
			}
			if !member.Role.AtLeast(minRole) {
				httputil.WriteForbidden(w, "requires role "+string(minRole)+" or higher")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin restricts a route to platform administrators
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac, ok := auth.FromContext(r.Context())
		if !ok {
			httputil.WriteUnauthorized(w, "authentication required")
			return
		}
		if !ac.User.IsAdmin {
			httputil.WriteForbidden(w, "administrator access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
