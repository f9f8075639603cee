package sso

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"

	"github.com/platinummonkey/netforge/pkg/audit"
	"github.com/platinummonkey/netforge/pkg/auth"
	"github.com/platinummonkey/netforge/pkg/httputil"
	"github.com/platinummonkey/netforge/pkg/observability"
)

const (
	stateCookie = "netforge_oidc_state"
	stateTTL    = 10 * time.Minute
)

// IdentityProvider is what the login flow needs from OIDCProvider
type IdentityProvider interface {
	AuthCodeURL(state string) string
	HandleCallback(ctx context.Context, code string) (*SSOUser, error)
}

// UserProvisioner resolves provider identities to local users
type UserProvisioner interface {
	Provision(ctx context.Context, u *SSOUser) (*auth.User, error)
}

// SessionIssuer signs session tokens
type SessionIssuer interface {
	Issue(user *auth.User, orgID string) (string, time.Time, error)
}

// Users loads the current user for /auth/me
type Users interface {
	GetByID(ctx context.Context, id string) (*auth.User, error)
}

// HandlersConfig wires Handlers. StateSecret signs the login state cookie.
type HandlersConfig struct {
	Provider      IdentityProvider
	Provisioner   UserProvisioner
	Sessions      SessionIssuer
	Users         Users
	StateSecret   []byte
	SecureCookies bool
}

// Handlers serves the browser login flow
type Handlers struct {
	cfg HandlersConfig
	now func() time.Time
}

// NewHandlers creates login handlers
func NewHandlers(cfg HandlersConfig) *Handlers {
	return &Handlers{cfg: cfg, now: time.Now}
}

// RegisterRoutes mounts the public login routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/auth/login", h.login).Methods(http.MethodGet)
	router.HandleFunc("/auth/callback", h.callback).Methods(http.MethodGet)
}

// RegisterAuthenticatedRoutes mounts routes that sit behind the auth middleware
func (h *Handlers) RegisterAuthenticatedRoutes(router *mux.Router) {
	router.HandleFunc("/auth/me", h.me).Methods(http.MethodGet)
}

// LoginResponse is returned by the callback
type LoginResponse struct {
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expires_at"`
	User      *auth.User `json:"user"`
}

type stateClaims struct {
	jwt.RegisteredClaims
	State string `json:"st"`
}

func (h *Handlers) login(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Provider == nil {
		httputil.WriteServiceUnavailable(w, "single sign-on is not configured")
		return
	}
	state, err := randomState()
	if err != nil {
		httputil.WriteInternalError(w, r, err)
		return
	}
	now := h.now()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, stateClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(stateTTL)),
		},
		State: state,
	}).SignedString(h.cfg.StateSecret)
	if err != nil {
		httputil.WriteInternalError(w, r, fmt.Errorf("failed to sign login state: %w", err))
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    signed,
		Path:     "/auth",
		MaxAge:   int(stateTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, h.cfg.Provider.AuthCodeURL(state), http.StatusFound)
}

// checkState compares the state query parameter with the signed cookie
func (h *Handlers) checkState(r *http.Request) error {
	cookie, err := r.Cookie(stateCookie)
	if err != nil {
		return ErrInvalidState
	}
	claims := &stateClaims{}
	_, err = jwt.ParseWithClaims(cookie.Value, claims, func(*jwt.Token) (interface{}, error) {
		return h.cfg.StateSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(h.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || claims.State == "" || claims.State != r.URL.Query().Get("state") {
		return ErrInvalidState
	}
	return nil
}

func (h *Handlers) callback(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Provider == nil {
		httputil.WriteServiceUnavailable(w, "single sign-on is not configured")
		return
	}
	http.SetCookie(w, &http.Cookie{Name: stateCookie, Value: "", Path: "/auth", MaxAge: -1, HttpOnly: true, Secure: h.cfg.SecureCookies})

	ctx := r.Context()
	if idpErr := r.URL.Query().Get("error"); idpErr != "" {
		h.loginFailed(ctx, fmt.Errorf("identity provider error: %s", idpErr))
		httputil.WriteUnauthorized(w, "identity provider returned "+idpErr)
		return
	}
	if err := h.checkState(r); err != nil {
		h.loginFailed(ctx, err)
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	ssoUser, err := h.cfg.Provider.HandleCallback(ctx, r.URL.Query().Get("code"))
	if err != nil {
		h.loginFailed(ctx, err)
		if errors.Is(err, ErrMissingCode) {
			httputil.WriteBadRequest(w, err.Error())
			return
		}
		observability.FromContext(ctx).WithError(err).Warn("OIDC callback failed")
		httputil.WriteUnauthorized(w, "login failed")
		return
	}

	user, err := h.cfg.Provisioner.Provision(ctx, ssoUser)
	if err != nil {
		h.loginFailed(ctx, err)
		switch {
		case errors.Is(err, ErrUserDisabled), errors.Is(err, ErrEmailNotVerified):
			httputil.WriteForbidden(w, err.Error())
		default:
			httputil.WriteServiceError(w, r, err)
		}
		return
	}

	token, expires, err := h.cfg.Sessions.Issue(user, "")
	if err != nil {
		httputil.WriteInternalError(w, r, err)
		return
	}
	audit.Record(auth.WithAuthContext(ctx, &auth.AuthContext{User: user, Method: auth.MethodSession}),
		audit.EventTypeAuthLogin, audit.ResourceTypeUser, user.ID, map[string]interface{}{"issuer": ssoUser.Issuer})
	httputil.WriteSuccess(w, LoginResponse{Token: token, ExpiresAt: expires, User: user})
}

func (h *Handlers) loginFailed(ctx context.Context, err error) {
	audit.RecordFailure(ctx, audit.EventTypeAuthLoginFailed, audit.ResourceTypeUser, "", err)
}

func (h *Handlers) me(w http.ResponseWriter, r *http.Request) {
	ac, ok := auth.FromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	if h.cfg.Users == nil {
		httputil.WriteSuccess(w, ac.User)
		return
	}
	user, err := h.cfg.Users.GetByID(r.Context(), ac.User.ID)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			httputil.WriteNotFound(w, err.Error())
			return
		}
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, user)
}

func randomState() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
