package sso

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/netforge/pkg/auth"
	"github.com/platinummonkey/netforge/pkg/observability"
)

// UserStore is the subset of auth.UserStore the provisioner needs
type UserStore interface {
	GetByID(ctx context.Context, id string) (*auth.User, error)
	GetByEmail(ctx context.Context, email string) (*auth.User, error)
	Create(ctx context.Context, u *auth.User) error
	UpdateProfile(ctx context.Context, id, name, avatarURL string) error
	TouchLogin(ctx context.Context, id string) error
}

// Provisioner maps provider identities to local users, creating them on
// first login
type Provisioner struct {
	db     *sql.DB
	users  UserStore
	logger *observability.Logger
	now    func() time.Time
}

// NewProvisioner creates a provisioner writing sso_user_mappings through db
func NewProvisioner(db *sql.DB, users UserStore, logger *observability.Logger) *Provisioner {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Provisioner{
		db:     db,
		users:  users,
		logger: logger.WithField("component", "sso"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Provision returns the local user for u. A known (issuer, subject) pair
// refreshes the profile. An unknown one links to an existing account with the
// same verified email, or creates a new account.
func (p *Provisioner) Provision(ctx context.Context, u *SSOUser) (*auth.User, error) {
	userID, err := p.lookup(ctx, u)
	if err != nil {
		return nil, err
	}

	var user *auth.User
	if userID != "" {
		user, err = p.users.GetByID(ctx, userID)
		if err != nil {
			return nil, err
		}
		if !user.IsActive {
			return nil, ErrUserDisabled
		}
		if user.Name != u.Name || user.AvatarURL != u.Picture {
			if err := p.users.UpdateProfile(ctx, user.ID, u.Name, u.Picture); err != nil {
				return nil, err
			}
			user.Name, user.AvatarURL = u.Name, u.Picture
		}
	} else {
		user, err = p.firstLogin(ctx, u)
		if err != nil {
			return nil, err
		}
	}

	if err := p.link(ctx, u, user.ID); err != nil {
		return nil, err
	}
	if err := p.users.TouchLogin(ctx, user.ID); err != nil {
		return nil, err
	}
	now := p.now()
	user.LastLoginAt = &now
	return user, nil
}

func (p *Provisioner) firstLogin(ctx context.Context, u *SSOUser) (*auth.User, error) {
	existing, err := p.users.GetByEmail(ctx, u.Email)
	switch {
	case err == nil:
		if !u.EmailVerified {
			return nil, ErrEmailNotVerified
		}
		if !existing.IsActive {
			return nil, ErrUserDisabled
		}
		p.logger.WithFields(map[string]interface{}{"user_id": existing.ID, "issuer": u.Issuer}).
			Info("Linked identity provider account to existing user")
		return existing, nil
	case !errors.Is(err, auth.ErrUserNotFound):
		return nil, err
	}

	user := &auth.User{Email: u.Email, Name: u.Name, AvatarURL: u.Picture}
	if err := p.users.Create(ctx, user); err != nil {
		return nil, err
	}
	p.logger.WithFields(map[string]interface{}{"user_id": user.ID, "issuer": u.Issuer}).Info("Provisioned new user")
	return user, nil
}

func (p *Provisioner) lookup(ctx context.Context, u *SSOUser) (string, error) {
	var userID string
	err := p.db.QueryRowContext(ctx,
		`SELECT user_id FROM sso_user_mappings WHERE provider = $1 AND subject = $2`,
		u.Issuer, u.Subject,
	).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up identity: %w", err)
	}
	return userID, nil
}

func (p *Provisioner) link(ctx context.Context, u *SSOUser, userID string) error {
	now := p.now()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sso_user_mappings (provider, subject, user_id, email, created_at, last_login_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (provider, subject) DO UPDATE SET email = EXCLUDED.email, last_login_at = EXCLUDED.last_login_at
	`, u.Issuer, u.Subject, userID, u.Email, now)
	if err != nil {
		return fmt.Errorf("failed to link identity: %w", err)
	}
	return nil
}

// Authenticator accepts provider ID tokens as bearer credentials
type Authenticator struct {
	provider    *OIDCProvider
	provisioner *Provisioner
}

// NewAuthenticator creates an ID token authenticator
func NewAuthenticator(provider *OIDCProvider, provisioner *Provisioner) *Authenticator {
	return &Authenticator{provider: provider, provisioner: provisioner}
}

// AuthenticateIDToken verifies raw and returns the provisioned user
func (a *Authenticator) AuthenticateIDToken(ctx context.Context, raw string) (*auth.User, error) {
	u, err := a.provider.VerifyIDToken(ctx, raw)
	if err != nil {
		return nil, err
	}
	return a.provisioner.Provision(ctx, u)
}
