package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// UserStore persists user accounts
type UserStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewUserStore creates a Postgres backed user store
func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db, now: time.Now}
}

const userColumns = `id, email, name, COALESCE(avatar_url, ''), is_active, is_admin, created_at, updated_at, last_login_at`

func scanUser(row interface{ Scan(...interface{}) error }) (*User, error) {
	u := &User{}
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.AvatarURL, &u.IsActive, &u.IsAdmin, &u.CreatedAt, &u.UpdatedAt, &u.LastLoginAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return u, nil
}

// GetByID loads a user by ID
func (s *UserStore) GetByID(ctx context.Context, id string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// GetByEmail loads a user by email, case insensitive
func (s *UserStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email))
}

// Create inserts a new active user. ID and timestamps are filled in.
func (s *UserStore) Create(ctx context.Context, u *User) error {
	u.Email = strings.TrimSpace(u.Email)
	if u.Email == "" {
		return fmt.Errorf("email is required")
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := s.now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	u.IsActive = true

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, avatar_url, is_active, is_admin, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8)
	`, u.ID, u.Email, u.Name, u.AvatarURL, u.IsActive, u.IsAdmin, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// UpdateProfile refreshes name and avatar from the identity provider
func (s *UserStore) UpdateProfile(ctx context.Context, id, name, avatarURL string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET name = $1, avatar_url = NULLIF($2, ''), updated_at = $3 WHERE id = $4`,
		name, avatarURL, s.now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return nil
}

// TouchLogin records a successful login
func (s *UserStore) TouchLogin(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE users SET last_login_at = $1 WHERE id = $2`, s.now().UTC(), id); err != nil {
		return fmt.Errorf("failed to record login: %w", err)
	}
	return nil
}

// SetActive enables or disables a user account
func (s *UserStore) SetActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET is_active = $1, updated_at = $2 WHERE id = $3`, active, s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}
