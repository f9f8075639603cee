package auth

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenGenerator_GenerateToken(t *testing.T) {
	tg := NewTokenGenerator()

	token, tokenHash, tokenPrefix, err := tg.GenerateToken()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(token, TokenPrefix))
	assert.Len(t, tokenHash, 64)
	assert.Equal(t, token[:len(TokenPrefix)+8], tokenPrefix)
	assert.Equal(t, tg.HashToken(token), tokenHash)
	assert.NoError(t, tg.ValidateTokenFormat(token))
}

func TestTokenGenerator_Uniqueness(t *testing.T) {
	tg := NewTokenGenerator()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token, _, _, err := tg.GenerateToken()
		require.NoError(t, err)
		require.False(t, seen[token], "duplicate token")
		seen[token] = true
	}
}

func TestTokenGenerator_ValidateTokenFormat(t *testing.T) {
	tg := NewTokenGenerator()
	tests := []struct {
		name  string
		token string
	}{
		{"wrong prefix", "gh_abcdef"},
		{"bad encoding", TokenPrefix + "***"},
		{"too short", TokenPrefix + "YWJj"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tg.ValidateTokenFormat(tt.token))
		})
	}
	assert.True(t, IsAPIToken("nf_abc"))
	assert.False(t, IsAPIToken("eyJhbGciOi"))
}

func newMockTokenManager(t *testing.T, now time.Time) (*TokenManager, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	tm := NewTokenManager(db)
	tm.now = func() time.Time { return now }
	return tm, mock, db
}

var tokenLookupColumns = []string{
	"id", "user_id", "org_id", "name", "token_prefix", "scopes",
	"expires_at", "last_used_at", "created_at", "revoked_at",
	"u.id", "email", "u.name", "avatar_url", "is_active", "is_admin", "u.created_at", "updated_at", "last_login_at",
}

func TestTokenManager_CreateToken(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("stores hash not raw token", func(t *testing.T) {
		tm, mock, db := newMockTokenManager(t, now)
		defer db.Close()

		mock.ExpectExec("INSERT INTO api_tokens").
			WithArgs(sqlmock.AnyArg(), "user-1", "", "ci", sqlmock.AnyArg(), sqlmock.AnyArg(),
				sqlmock.AnyArg(), nil, now).
			WillReturnResult(sqlmock.NewResult(0, 1))

		tok, raw, err := tm.CreateToken(context.Background(), "user-1", CreateTokenRequest{
			Name:   "ci",
			Scopes: []Scope{ScopeDesignsRead},
		})
		require.NoError(t, err)
		assert.NotEqual(t, raw, tok.TokenHash)
		assert.Equal(t, tm.generator.HashToken(raw), tok.TokenHash)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects bad requests", func(t *testing.T) {
		tm, _, db := newMockTokenManager(t, now)
		defer db.Close()

		past := now.Add(-time.Hour)
		cases := []CreateTokenRequest{
			{Name: "", Scopes: []Scope{ScopeDesignsRead}},
			{Name: "x"},
			{Name: "x", Scopes: []Scope{"designs:destroy"}},
			{Name: "x", Scopes: []Scope{ScopeAll}, ExpiresAt: &past},
		}
		for _, req := range cases {
			_, _, err := tm.CreateToken(context.Background(), "user-1", req)
			assert.Error(t, err)
		}
	})
}

func TestTokenManager_ValidateToken(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	raw, hash, _, err := NewTokenGenerator().GenerateToken()
	require.NoError(t, err)

	row := func(expires, revoked interface{}, active bool) *sqlmock.Rows {
		return sqlmock.NewRows(tokenLookupColumns).AddRow(
			"tok-1", "user-1", "org-1", "ci", raw[:11], "{designs:read,reports:write}",
			expires, nil, now.Add(-24*time.Hour), revoked,
			"user-1", "ada@example.com", "Ada", nil, active, false, now, now, nil,
		)
	}

	t.Run("valid token", func(t *testing.T) {
		tm, mock, db := newMockTokenManager(t, now)
		defer db.Close()

		mock.ExpectQuery("SELECT (.+) FROM api_tokens t").WithArgs(hash).WillReturnRows(row(nil, nil, true))
		mock.ExpectExec("UPDATE api_tokens SET last_used_at").WithArgs(now, "tok-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		tok, user, err := tm.ValidateToken(context.Background(), raw)
		require.NoError(t, err)
		assert.Equal(t, "org-1", tok.OrgID)
		assert.Equal(t, []Scope{ScopeDesignsRead, ScopeReportsWrite}, tok.Scopes)
		assert.Equal(t, "ada@example.com", user.Email)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("expired", func(t *testing.T) {
		tm, mock, db := newMockTokenManager(t, now)
		defer db.Close()
		mock.ExpectQuery("SELECT (.+) FROM api_tokens t").WithArgs(hash).WillReturnRows(row(now.Add(-time.Minute), nil, true))

		_, _, err := tm.ValidateToken(context.Background(), raw)
		assert.ErrorIs(t, err, ErrTokenExpired)
	})

	t.Run("revoked", func(t *testing.T) {
		tm, mock, db := newMockTokenManager(t, now)
		defer db.Close()
		mock.ExpectQuery("SELECT (.+) FROM api_tokens t").WithArgs(hash).WillReturnRows(row(nil, now.Add(-time.Minute), true))

		_, _, err := tm.ValidateToken(context.Background(), raw)
		assert.ErrorIs(t, err, ErrTokenRevoked)
	})

	t.Run("inactive user", func(t *testing.T) {
		tm, mock, db := newMockTokenManager(t, now)
		defer db.Close()
		mock.ExpectQuery("SELECT (.+) FROM api_tokens t").WithArgs(hash).WillReturnRows(row(nil, nil, false))

		_, _, err := tm.ValidateToken(context.Background(), raw)
		assert.ErrorIs(t, err, ErrUserInactive)
	})

	t.Run("unknown token", func(t *testing.T) {
		tm, mock, db := newMockTokenManager(t, now)
		defer db.Close()
		mock.ExpectQuery("SELECT (.+) FROM api_tokens t").WithArgs(hash).WillReturnError(sql.ErrNoRows)

		_, _, err := tm.ValidateToken(context.Background(), raw)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("malformed token skips database", func(t *testing.T) {
		tm, mock, db := newMockTokenManager(t, now)
		defer db.Close()

		_, _, err := tm.ValidateToken(context.Background(), "nf_short")
		assert.ErrorIs(t, err, ErrInvalidToken)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestTokenManager_RevokeAndList(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tm, mock, db := newMockTokenManager(t, now)
	defer db.Close()

	mock.ExpectExec("UPDATE api_tokens SET revoked_at").WithArgs(now, "tok-1", "user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE api_tokens SET revoked_at").WithArgs(now, "tok-2", "user-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM api_tokens").WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "org_id", "name", "token_prefix", "scopes",
			"expires_at", "last_used_at", "created_at", "revoked_at"}).
			AddRow("tok-1", "user-1", "", "ci", "nf_abcdefgh", "{*}", nil, nil, now, now))

	require.NoError(t, tm.RevokeToken(context.Background(), "user-1", "tok-1"))
	assert.ErrorIs(t, tm.RevokeToken(context.Background(), "user-1", "tok-2"), ErrTokenNotFound)

	tokens, err := tm.ListTokens(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, []Scope{ScopeAll}, tokens[0].Scopes)
	assert.NotNil(t, tokens[0].RevokedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}
