package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockTokenService struct {
	createFunc func(ctx context.Context, userID string, req CreateTokenRequest) (*APIToken, string, error)
	listFunc   func(ctx context.Context, userID string) ([]*APIToken, error)
	revokeFunc func(ctx context.Context, userID, tokenID string) error
}

func (m *mockTokenService) CreateToken(ctx context.Context, userID string, req CreateTokenRequest) (*APIToken, string, error) {
	return m.createFunc(ctx, userID, req)
}

func (m *mockTokenService) ListTokens(ctx context.Context, userID string) ([]*APIToken, error) {
	return m.listFunc(ctx, userID)
}

func (m *mockTokenService) RevokeToken(ctx context.Context, userID, tokenID string) error {
	return m.revokeFunc(ctx, userID, tokenID)
}

func serveTokens(svc TokenService, ac *AuthContext, method, path, body string) *httptest.ResponseRecorder {
	router := mux.NewRouter()
	NewTokenHandlers(svc).RegisterRoutes(router)

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if ac != nil {
		req = req.WithContext(WithAuthContext(req.Context(), ac))
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestTokenHandlers_Create(t *testing.T) {
	session := &AuthContext{User: &User{ID: "u1"}, Method: MethodSession, Scopes: []Scope{ScopeAll}}

	t.Run("returns raw value once", func(t *testing.T) {
		svc := &mockTokenService{createFunc: func(ctx context.Context, userID string, req CreateTokenRequest) (*APIToken, string, error) {
			assert.Equal(t, "u1", userID)
			assert.Equal(t, "ci", req.Name)
			return &APIToken{ID: "t1", Name: req.Name, TokenHash: "secret-hash"}, "nf_raw", nil
		}}

		rec := serveTokens(svc, session, http.MethodPost, "/tokens", `{"name":"ci","scopes":["designs:read"]}`)
		require.Equal(t, http.StatusCreated, rec.Code)
		assert.NotContains(t, rec.Body.String(), "secret-hash")

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, "nf_raw", body["value"])
	})

	t.Run("api token cannot mint tokens", func(t *testing.T) {
		ac := &AuthContext{User: &User{ID: "u1"}, Method: MethodAPIToken, Scopes: []Scope{ScopeAll}}
		rec := serveTokens(&mockTokenService{}, ac, http.MethodPost, "/tokens", `{"name":"x"}`)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		rec := serveTokens(&mockTokenService{}, nil, http.MethodPost, "/tokens", `{}`)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestTokenHandlers_Revoke(t *testing.T) {
	session := &AuthContext{User: &User{ID: "u1"}, Method: MethodSession}
	svc := &mockTokenService{revokeFunc: func(ctx context.Context, userID, tokenID string) error {
		if tokenID == "missing" {
			return ErrTokenNotFound
		}
		return nil
	}}

	assert.Equal(t, http.StatusNoContent, serveTokens(svc, session, http.MethodDelete, "/tokens/t1", "").Code)
	assert.Equal(t, http.StatusNotFound, serveTokens(svc, session, http.MethodDelete, "/tokens/missing", "").Code)
}

func TestTokenHandlers_ListEmpty(t *testing.T) {
	session := &AuthContext{User: &User{ID: "u1"}, Method: MethodSession}
	svc := &mockTokenService{listFunc: func(ctx context.Context, userID string) ([]*APIToken, error) { return nil, nil }}

	rec := serveTokens(svc, session, http.MethodGet, "/tokens", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"tokens":[]}`, rec.Body.String())
}
