package orgs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/platinummonkey/netforge/pkg/auth"
)

const memberColumns = `m.org_id, m.user_id, m.role, COALESCE(m.invited_by::text, ''), m.joined_at, u.email, u.name`

func scanMember(row interface{ Scan(...interface{}) error }) (*OrgMember, error) {
	m := &OrgMember{}
	err := row.Scan(&m.OrgID, &m.UserID, &m.Role, &m.InvitedBy, &m.JoinedAt, &m.Email, &m.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMemberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan member: %w", err)
	}
	return m, nil
}

// ListMembers retrieves all members of an organization
func (s *PostgresService) ListMembers(ctx context.Context, orgID string) ([]*OrgMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+memberColumns+`
		FROM org_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.org_id = $1
		ORDER BY m.joined_at ASC
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var members []*OrgMember
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// GetMember retrieves a specific member
func (s *PostgresService) GetMember(ctx context.Context, orgID, userID string) (*OrgMember, error) {
	return scanMember(s.db.QueryRowContext(ctx, `
		SELECT `+memberColumns+`
		FROM org_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.org_id = $1 AND m.user_id = $2
	`, orgID, userID))
}

// AddMember adds an existing user. Ownership is only set at creation.
func (s *PostgresService) AddMember(ctx context.Context, orgID string, req AddMemberRequest, invitedBy string) (*OrgMember, error) {
	if !req.Role.Valid() || req.Role == auth.RoleOwner {
		return nil, ErrInvalidRole
	}
	if req.UserID == "" {
		return nil, fmt.Errorf("user_id is required")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO org_members (org_id, user_id, role, invited_by, joined_at)
		VALUES ($1, $2, $3, NULLIF($4, '')::uuid, $5)
	`, orgID, req.UserID, req.Role, invitedBy, s.now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyMember
		}
		return nil, fmt.Errorf("failed to add member: %w", err)
	}
	return s.GetMember(ctx, orgID, req.UserID)
}

// UpdateMemberRole changes a member's role. The owner's role is fixed.
func (s *PostgresService) UpdateMemberRole(ctx context.Context, orgID, userID string, role auth.Role) error {
	if !role.Valid() || role == auth.RoleOwner {
		return ErrInvalidRole
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE org_members SET role = $3 WHERE org_id = $1 AND user_id = $2 AND role <> 'owner'`,
		orgID, userID, role)
	if err != nil {
		return fmt.Errorf("failed to update member role: %w", err)
	}
	return s.ownerAwareResult(ctx, res, orgID, userID)
}

// RemoveMember removes a member. The owner cannot be removed.
func (s *PostgresService) RemoveMember(ctx context.Context, orgID, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM org_members WHERE org_id = $1 AND user_id = $2 AND role <> 'owner'`,
		orgID, userID)
	if err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}
	return s.ownerAwareResult(ctx, res, orgID, userID)
}

// ownerAwareResult tells "no such member" apart from "member is the owner"
// when a guarded statement touched no rows.
func (s *PostgresService) ownerAwareResult(ctx context.Context, res sql.Result, orgID, userID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n > 0 {
		return nil
	}
	m, err := s.GetMember(ctx, orgID, userID)
	if err != nil {
		return err
	}
	if m.Role == auth.RoleOwner {
		return ErrOwnerRemoval
	}
	return ErrMemberNotFound
}

const invitationColumns = `id, org_id, email, role, token, invited_by, expires_at, accepted_at, revoked_at, created_at`

func scanInvitation(row interface{ Scan(...interface{}) error }) (*OrgInvitation, error) {
	inv := &OrgInvitation{}
	err := row.Scan(&inv.ID, &inv.OrgID, &inv.Email, &inv.Role, &inv.Token, &inv.InvitedBy,
		&inv.ExpiresAt, &inv.AcceptedAt, &inv.RevokedAt, &inv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvitationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan invitation: %w", err)
	}
	return inv, nil
}

// CreateInvitation invites email to join with role. The invitation expires
// after InvitationTTL.
func (s *PostgresService) CreateInvitation(ctx context.Context, orgID string, req InviteMemberRequest, invitedBy string) (*OrgInvitation, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("a valid email is required")
	}
	if !req.Role.Valid() || req.Role == auth.RoleOwner {
		return nil, ErrInvalidRole
	}

	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate invitation token: %w", err)
	}

	now := s.now().UTC()
	inv := &OrgInvitation{
		ID:        uuid.NewString(),
		OrgID:     orgID,
		Email:     email,
		Role:      req.Role,
		Token:     token,
		InvitedBy: invitedBy,
		ExpiresAt: now.Add(InvitationTTL),
		CreatedAt: now,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO org_invitations (id, org_id, email, role, token, invited_by, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, inv.ID, inv.OrgID, inv.Email, inv.Role, inv.Token, inv.InvitedBy, inv.ExpiresAt, inv.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create invitation: %w", err)
	}
	return inv, nil
}

// AcceptInvitation turns a pending invitation into a membership for user
func (s *PostgresService) AcceptInvitation(ctx context.Context, token string, user *auth.User) (*OrgMember, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	inv, err := scanInvitation(tx.QueryRowContext(ctx,
		`SELECT `+invitationColumns+` FROM org_invitations WHERE token = $1 FOR UPDATE`, token))
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if inv.AcceptedAt != nil || inv.RevokedAt != nil {
		return nil, ErrInvitationUsed
	}
	if !now.Before(inv.ExpiresAt) {
		return nil, ErrInvitationExpired
	}
	if !strings.EqualFold(inv.Email, user.Email) {
		return nil, ErrInvitationMismatch
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO org_members (org_id, user_id, role, invited_by, joined_at)
		VALUES ($1, $2, $3, $4, $5)
	`, inv.OrgID, user.ID, inv.Role, inv.InvitedBy, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyMember
		}
		return nil, fmt.Errorf("failed to add member: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE org_invitations SET accepted_at = $2 WHERE id = $1`, inv.ID, now); err != nil {
		return nil, fmt.Errorf("failed to mark invitation accepted: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit invitation: %w", err)
	}

	return &OrgMember{
		OrgID:     inv.OrgID,
		UserID:    user.ID,
		Role:      inv.Role,
		InvitedBy: inv.InvitedBy,
		JoinedAt:  now,
		Email:     user.Email,
		Name:      user.Name,
	}, nil
}

// ListInvitations lists pending invitations. Tokens are not returned.
func (s *PostgresService) ListInvitations(ctx context.Context, orgID string) ([]*OrgInvitation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+invitationColumns+`
		FROM org_invitations
		WHERE org_id = $1 AND accepted_at IS NULL AND revoked_at IS NULL AND expires_at > $2
		ORDER BY created_at DESC
	`, orgID, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list invitations: %w", err)
	}
	defer rows.Close()

	var out []*OrgInvitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, err
		}
		inv.Token = ""
		out = append(out, inv)
	}
	return out, rows.Err()
}

// RevokeInvitation revokes a pending invitation
func (s *PostgresService) RevokeInvitation(ctx context.Context, orgID, invitationID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE org_invitations SET revoked_at = $3
		WHERE id = $1 AND org_id = $2 AND accepted_at IS NULL AND revoked_at IS NULL
	`, invitationID, orgID, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to revoke invitation: %w", err)
	}
	return expectOneRow(res, ErrInvitationNotFound)
}
