package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/netforge/pkg/httputil"
)

// TokenService is the subset of TokenManager the handlers need
type TokenService interface {
	CreateToken(ctx context.Context, userID string, req CreateTokenRequest) (*APIToken, string, error)
	ListTokens(ctx context.Context, userID string) ([]*APIToken, error)
	RevokeToken(ctx context.Context, userID, tokenID string) error
}

// TokenHandlers serves the personal API token endpoints
type TokenHandlers struct {
	tokens TokenService
}

// NewTokenHandlers creates token handlers
func NewTokenHandlers(tokens TokenService) *TokenHandlers {
	return &TokenHandlers{tokens: tokens}
}

// RegisterRoutes mounts the token routes on an authenticated router
func (h *TokenHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/tokens", h.list).Methods(http.MethodGet)
	router.HandleFunc("/tokens", h.create).Methods(http.MethodPost)
	router.HandleFunc("/tokens/{id}", h.revoke).Methods(http.MethodDelete)
}

type createTokenResponse struct {
	Token *APIToken `json:"token"`
	Value string    `json:"value"`
}

func (h *TokenHandlers) create(w http.ResponseWriter, r *http.Request) {
	ac, ok := FromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	// Tokens cannot mint tokens.
	if ac.Method == MethodAPIToken {
		httputil.WriteForbidden(w, "API tokens cannot create tokens")
		return
	}

	var req CreateTokenRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	tok, raw, err := h.tokens.CreateToken(r.Context(), ac.User.ID, req)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	httputil.WriteCreated(w, createTokenResponse{Token: tok, Value: raw})
}

func (h *TokenHandlers) list(w http.ResponseWriter, r *http.Request) {
	ac, ok := FromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	tokens, err := h.tokens.ListTokens(r.Context(), ac.User.ID)
	if err != nil {
		httputil.WriteInternalError(w, r, err)
		return
	}
	if tokens == nil {
		tokens = []*APIToken{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{"tokens": tokens})
}

func (h *TokenHandlers) revoke(w http.ResponseWriter, r *http.Request) {
	ac, ok := FromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	id, ok := httputil.PathVarOrError(w, r, "id")
	if !ok {
		return
	}
	if err := h.tokens.RevokeToken(r.Context(), ac.User.ID, id); err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			httputil.WriteNotFound(w, "token not found")
			return
		}
		httputil.WriteInternalError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}
