package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/platinummonkey/netforge/pkg/auth"
)

// Store persists teams, team membership and design grants
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new RBAC store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// CreateTeam creates a team inside orgID
func (s *Store) CreateTeam(ctx context.Context, orgID, createdBy string, req CreateTeamRequest) (*Team, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" || len(name) > 100 {
		return nil, ErrInvalidTeamName
	}

	now := s.now()
	team := &Team{
		ID:          uuid.NewString(),
		OrgID:       orgID,
		Name:        name,
		Description: req.Description,
		CreatedBy:   createdBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO teams (id, org_id, name, description, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		team.ID, team.OrgID, team.Name, team.Description, team.CreatedBy, team.CreatedAt, team.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrTeamExists
		}
		return nil, fmt.Errorf("failed to create team: %w", err)
	}
	return team, nil
}

const teamColumns = `
	t.id, t.org_id, t.name, t.description, t.created_by, t.created_at, t.updated_at,
	(SELECT COUNT(*) FROM team_members tm WHERE tm.team_id = t.id)`

func scanTeam(row interface{ Scan(...interface{}) error }) (*Team, error) {
	var t Team
	err := row.Scan(&t.ID, &t.OrgID, &t.Name, &t.Description, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt, &t.MemberCount)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTeam returns a team scoped to orgID
func (s *Store) GetTeam(ctx context.Context, orgID, teamID string) (*Team, error) {
	row := s.db.QueryRowContext(ctx, `SELECT`+teamColumns+`
		FROM teams t WHERE t.id = $1 AND t.org_id = $2`, teamID, orgID)
	team, err := scanTeam(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTeamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get team: %w", err)
	}
	return team, nil
}

// ListTeams returns the org's teams ordered by name
func (s *Store) ListTeams(ctx context.Context, orgID string) ([]*Team, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT`+teamColumns+`
		FROM teams t WHERE t.org_id = $1 ORDER BY t.name`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list teams: %w", err)
	}
	defer rows.Close()

	teams := []*Team{}
	for rows.Next() {
		team, err := scanTeam(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan team: %w", err)
		}
		teams = append(teams, team)
	}
	return teams, rows.Err()
}

// DeleteTeam removes a team. Memberships and grants cascade.
func (s *Store) DeleteTeam(ctx context.Context, orgID, teamID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM teams WHERE id = $1 AND org_id = $2`, teamID, orgID)
	if err != nil {
		return fmt.Errorf("failed to delete team: %w", err)
	}
	return expectAffected(res, ErrTeamNotFound)
}

// AddTeamMember adds userID to a team. The user must already belong to the org.
func (s *Store) AddTeamMember(ctx context.Context, orgID, teamID, userID, addedBy string) (*TeamMember, error) {
	if _, err := s.GetTeam(ctx, orgID, teamID); err != nil {
		return nil, err
	}

	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO team_members (team_id, user_id, added_by, added_at)
		SELECT $1, $2, $3, $4
		WHERE EXISTS (SELECT 1 FROM org_members WHERE org_id = $5 AND user_id = $2)
		ON CONFLICT (team_id, user_id) DO NOTHING`,
		teamID, userID, addedBy, now, orgID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to add team member: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Either already a member or not in the org.
		var exists bool
		err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM team_members WHERE team_id = $1 AND user_id = $2)`,
			teamID, userID).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("failed to check team membership: %w", err)
		}
		if !exists {
			return nil, ErrNotOrgMember
		}
	}
	return &TeamMember{TeamID: teamID, UserID: userID, AddedBy: addedBy, AddedAt: now}, nil
}

// RemoveTeamMember removes userID from a team
func (s *Store) RemoveTeamMember(ctx context.Context, orgID, teamID, userID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM team_members tm
		USING teams t
		WHERE tm.team_id = t.id AND t.id = $1 AND t.org_id = $2 AND tm.user_id = $3`,
		teamID, orgID, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to remove team member: %w", err)
	}
	return expectAffected(res, ErrTeamMemberNotFound)
}

// ListTeamMembers returns a team's members with their profile details
func (s *Store) ListTeamMembers(ctx context.Context, orgID, teamID string) ([]*TeamMember, error) {
	if _, err := s.GetTeam(ctx, orgID, teamID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT tm.team_id, tm.user_id, u.email, u.name, tm.added_by, tm.added_at
		FROM team_members tm
		JOIN users u ON u.id = tm.user_id
		WHERE tm.team_id = $1
		ORDER BY u.email`, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to list team members: %w", err)
	}
	defer rows.Close()

	members := []*TeamMember{}
	for rows.Next() {
		var m TeamMember
		if err := rows.Scan(&m.TeamID, &m.UserID, &m.Email, &m.Name, &m.AddedBy, &m.AddedAt); err != nil {
			return nil, fmt.Errorf("failed to scan team member: %w", err)
		}
		members = append(members, &m)
	}
	return members, rows.Err()
}

// GrantDesign gives a team role on designID, replacing any previous grant
func (s *Store) GrantDesign(ctx context.Context, orgID, teamID, designID string, role auth.Role, grantedBy string) (*DesignGrant, error) {
	if !ValidGrantRole(role) {
		return nil, ErrInvalidGrantRole
	}
	if _, err := s.GetTeam(ctx, orgID, teamID); err != nil {
		return nil, err
	}

	grant := &DesignGrant{
		OrgID:     orgID,
		TeamID:    teamID,
		DesignID:  designID,
		Role:      role,
		GrantedBy: grantedBy,
		CreatedAt: s.now(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO design_grants (org_id, team_id, design_id, role, granted_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (team_id, design_id)
		DO UPDATE SET role = EXCLUDED.role, granted_by = EXCLUDED.granted_by, created_at = EXCLUDED.created_at`,
		grant.OrgID, grant.TeamID, grant.DesignID, string(grant.Role), grant.GrantedBy, grant.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to grant design: %w", err)
	}
	return grant, nil
}

// RevokeDesign removes a team's grant on designID
func (s *Store) RevokeDesign(ctx context.Context, orgID, teamID, designID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM design_grants WHERE org_id = $1 AND team_id = $2 AND design_id = $3`,
		orgID, teamID, designID)
	if err != nil {
		return fmt.Errorf("failed to revoke design grant: %w", err)
	}
	return expectAffected(res, ErrGrantNotFound)
}

// DeleteDesignGrants removes every grant on designID. Called when a design is deleted.
func (s *Store) DeleteDesignGrants(ctx context.Context, orgID, designID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM design_grants WHERE org_id = $1 AND design_id = $2`, orgID, designID)
	if err != nil {
		return fmt.Errorf("failed to delete design grants: %w", err)
	}
	return nil
}

// ListDesignGrants returns every team grant on designID
func (s *Store) ListDesignGrants(ctx context.Context, orgID, designID string) ([]*DesignGrant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.org_id, g.team_id, t.name, g.design_id, g.role, g.granted_by, g.created_at
		FROM design_grants g
		JOIN teams t ON t.id = g.team_id
		WHERE g.org_id = $1 AND g.design_id = $2
		ORDER BY t.name`, orgID, designID)
	if err != nil {
		return nil, fmt.Errorf("failed to list design grants: %w", err)
	}
	defer rows.Close()

	grants := []*DesignGrant{}
	for rows.Next() {
		var g DesignGrant
		var role string
		if err := rows.Scan(&g.OrgID, &g.TeamID, &g.TeamName, &g.DesignID, &role, &g.GrantedBy, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan design grant: %w", err)
		}
		g.Role = auth.Role(role)
		grants = append(grants, &g)
	}
	return grants, rows.Err()
}

// DesignRoleForUser returns the highest role userID holds on designID through
// team grants, or "" when no grant applies.
func (s *Store) DesignRoleForUser(ctx context.Context, orgID, userID, designID string) (auth.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.role
		FROM design_grants g
		JOIN team_members tm ON tm.team_id = g.team_id
		WHERE g.org_id = $1 AND g.design_id = $2 AND tm.user_id = $3`,
		orgID, designID, userID)
	if err != nil {
		return "", fmt.Errorf("failed to load design grants: %w", err)
	}
	defer rows.Close()

	var best auth.Role
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return "", err
		}
		best = auth.MaxRole(best, auth.Role(role))
	}
	return best, rows.Err()
}

func expectAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
