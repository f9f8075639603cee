package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const (
	// TokenPrefix identifies NetForge API tokens
	TokenPrefix = "nf_"
	// TokenLength is the number of random bytes in a token
	TokenLength = 32
)

// TokenGenerator generates and validates API tokens
type TokenGenerator struct{}

// NewTokenGenerator creates a new token generator
func NewTokenGenerator() *TokenGenerator {
	return &TokenGenerator{}
}

// GenerateToken creates a new API token of the form nf_<base64url(32 bytes)>.
// The display prefix is the first 8 encoded characters.
func (tg *TokenGenerator) GenerateToken() (token string, tokenHash string, tokenPrefix string, err error) {
	randomBytes := make([]byte, TokenLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(randomBytes)
	token = TokenPrefix + encoded
	return token, tg.HashToken(token), TokenPrefix + encoded[:8], nil
}

// HashToken computes the SHA256 hash of a token for lookup
func (tg *TokenGenerator) HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// ValidateTokenFormat checks if a token has the correct format
func (tg *TokenGenerator) ValidateTokenFormat(token string) error {
	if !strings.HasPrefix(token, TokenPrefix) {
		return fmt.Errorf("token must start with %q", TokenPrefix)
	}

	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(token, TokenPrefix))
	if err != nil {
		return fmt.Errorf("invalid token encoding: %w", err)
	}
	if len(raw) != TokenLength {
		return fmt.Errorf("token has wrong length")
	}
	return nil
}

// IsAPIToken reports whether a bearer credential looks like an API token
func IsAPIToken(credential string) bool {
	return strings.HasPrefix(credential, TokenPrefix)
}

// TokenManager manages API token lifecycle in Postgres
type TokenManager struct {
	db        *sql.DB
	generator *TokenGenerator
	now       func() time.Time
}

// NewTokenManager creates a new token manager
func NewTokenManager(db *sql.DB) *TokenManager {
	return &TokenManager{db: db, generator: NewTokenGenerator(), now: time.Now}
}

// CreateTokenRequest describes a token to mint
type CreateTokenRequest struct {
	Name      string     `json:"name"`
	OrgID     string     `json:"org_id,omitempty"`
	Scopes    []Scope    `json:"scopes"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// CreateToken stores a new token and returns it with the raw value, which is
// only available here.
func (tm *TokenManager) CreateToken(ctx context.Context, userID string, req CreateTokenRequest) (*APIToken, string, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, "", fmt.Errorf("token name is required")
	}
	if len(req.Scopes) == 0 {
		return nil, "", fmt.Errorf("at least one scope is required")
	}
	for _, s := range req.Scopes {
		if !ValidScope(s) {
			return nil, "", fmt.Errorf("unknown scope %q", s)
		}
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(tm.now()) {
		return nil, "", fmt.Errorf("expiry must be in the future")
	}

	raw, hash, prefix, err := tm.generator.GenerateToken()
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate token: %w", err)
	}

	tok := &APIToken{
		ID:          uuid.NewString(),
		UserID:      userID,
		OrgID:       req.OrgID,
		Name:        req.Name,
		TokenHash:   hash,
		TokenPrefix: prefix,
		Scopes:      req.Scopes,
		ExpiresAt:   req.ExpiresAt,
		CreatedAt:   tm.now().UTC(),
	}

	query := `
		INSERT INTO api_tokens (id, user_id, org_id, name, token_hash, token_prefix, scopes, expires_at, created_at)
		VALUES ($1, $2, NULLIF($3, '')::uuid, $4, $5, $6, $7, $8, $9)
	`
	_, err = tm.db.ExecContext(ctx, query,
		tok.ID, tok.UserID, tok.OrgID, tok.Name, tok.TokenHash, tok.TokenPrefix,
		pq.Array(scopeStrings(tok.Scopes)), tok.ExpiresAt, tok.CreatedAt,
	)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create token: %w", err)
	}

	return tok, raw, nil
}

// ValidateToken resolves a raw token to its record and owning user.
// Expired and revoked tokens fail.
func (tm *TokenManager) ValidateToken(ctx context.Context, raw string) (*APIToken, *User, error) {
	if err := tm.generator.ValidateTokenFormat(raw); err != nil {
		return nil, nil, ErrInvalidToken
	}

	query := `
		SELECT t.id, t.user_id, COALESCE(t.org_id::text, ''), t.name, t.token_prefix, t.scopes,
		       t.expires_at, t.last_used_at, t.created_at, t.revoked_at,
		       u.id, u.email, u.name, u.avatar_url, u.is_active, u.is_admin, u.created_at, u.updated_at, u.last_login_at
		FROM api_tokens t
		JOIN users u ON u.id = t.user_id
		WHERE t.token_hash = $1
	`
	tok := &APIToken{TokenHash: tm.generator.HashToken(raw)}
	user := &User{}
	var scopes []string
	var avatar sql.NullString
	err := tm.db.QueryRowContext(ctx, query, tok.TokenHash).Scan(
		&tok.ID, &tok.UserID, &tok.OrgID, &tok.Name, &tok.TokenPrefix, pq.Array(&scopes),
		&tok.ExpiresAt, &tok.LastUsedAt, &tok.CreatedAt, &tok.RevokedAt,
		&user.ID, &user.Email, &user.Name, &avatar, &user.IsActive, &user.IsAdmin,
		&user.CreatedAt, &user.UpdatedAt, &user.LastLoginAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrInvalidToken
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to look up token: %w", err)
	}
	user.AvatarURL = avatar.String
	tok.Scopes = toScopes(scopes)

	switch {
	case tok.RevokedAt != nil:
		return nil, nil, ErrTokenRevoked
	case tok.ExpiresAt != nil && !tok.ExpiresAt.After(tm.now()):
		return nil, nil, ErrTokenExpired
	case !user.IsActive:
		return nil, nil, ErrUserInactive
	}

	if _, err := tm.db.ExecContext(ctx, `UPDATE api_tokens SET last_used_at = $1 WHERE id = $2`, tm.now().UTC(), tok.ID); err != nil {
		return nil, nil, fmt.Errorf("failed to record token use: %w", err)
	}

	return tok, user, nil
}

// RevokeToken revokes one of the user's tokens
func (tm *TokenManager) RevokeToken(ctx context.Context, userID, tokenID string) error {
	res, err := tm.db.ExecContext(ctx,
		`UPDATE api_tokens SET revoked_at = $1 WHERE id = $2 AND user_id = $3 AND revoked_at IS NULL`,
		tm.now().UTC(), tokenID, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	if n == 0 {
		return ErrTokenNotFound
	}
	return nil
}

// ListTokens lists a user's tokens, newest first, revoked included
func (tm *TokenManager) ListTokens(ctx context.Context, userID string) ([]*APIToken, error) {
	rows, err := tm.db.QueryContext(ctx, `
		SELECT id, user_id, COALESCE(org_id::text, ''), name, token_prefix, scopes,
		       expires_at, last_used_at, created_at, revoked_at
		FROM api_tokens
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*APIToken
	for rows.Next() {
		tok := &APIToken{}
		var scopes []string
		if err := rows.Scan(&tok.ID, &tok.UserID, &tok.OrgID, &tok.Name, &tok.TokenPrefix, pq.Array(&scopes),
			&tok.ExpiresAt, &tok.LastUsedAt, &tok.CreatedAt, &tok.RevokedAt); err != nil {
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}
		tok.Scopes = toScopes(scopes)
		tokens = append(tokens, tok)
	}
	return tokens, rows.Err()
}

// CleanupExpiredTokens deletes tokens that expired before cutoff
func (tm *TokenManager) CleanupExpiredTokens(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := tm.db.ExecContext(ctx, `DELETE FROM api_tokens WHERE expires_at IS NOT NULL AND expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up tokens: %w", err)
	}
	return res.RowsAffected()
}

func scopeStrings(scopes []Scope) []string {
	out := make([]string, len(scopes))
	for i, s := range scopes {
		out[i] = string(s)
	}
	return out
}

func toScopes(in []string) []Scope {
	out := make([]Scope, len(in))
	for i, s := range in {
		out[i] = Scope(s)
	}
	return out
}
