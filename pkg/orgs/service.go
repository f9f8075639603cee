package orgs

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/platinummonkey/netforge/pkg/auth"
)

// PostgresService implements Service using PostgreSQL
type PostgresService struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresService creates a new PostgreSQL-backed organization service
func NewPostgresService(db *sql.DB) *PostgresService {
	return &PostgresService{db: db, now: time.Now}
}

var _ Service = (*PostgresService)(nil)

const orgColumns = `id, name, slug, COALESCE(description, ''), owner_id, plan_tier, status, created_at, updated_at`

func scanOrg(row interface{ Scan(...interface{}) error }) (*Organization, error) {
	org := &Organization{}
	err := row.Scan(&org.ID, &org.Name, &org.Slug, &org.Description, &org.OwnerID,
		&org.PlanTier, &org.Status, &org.CreatedAt, &org.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan organization: %w", err)
	}
	return org, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// CreateOrganization creates the org on the free tier, makes ownerID its
// owner and opens the first usage period, all in one transaction.
func (s *PostgresService) CreateOrganization(ctx context.Context, req CreateOrgRequest, ownerID string) (*Organization, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("organization name is required")
	}
	slug := req.Slug
	if slug == "" {
		slug = generateSlug(name)
	}
	if err := ValidateSlug(slug); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	org := &Organization{
		ID:          uuid.NewString(),
		Name:        name,
		Slug:        slug,
		Description: req.Description,
		OwnerID:     ownerID,
		PlanTier:    PlanFree,
		Status:      OrgStatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO organizations (id, name, slug, description, owner_id, plan_tier, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, org.ID, org.Name, org.Slug, org.Description, org.OwnerID, org.PlanTier, org.Status, org.CreatedAt, org.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrSlugTaken
		}
		return nil, fmt.Errorf("failed to create organization: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO org_members (org_id, user_id, role, joined_at)
		VALUES ($1, $2, $3, $4)
	`, org.ID, ownerID, auth.RoleOwner, now)
	if err != nil {
		return nil, fmt.Errorf("failed to add owner: %w", err)
	}

	start, end := monthBounds(now)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO org_usage (org_id, period_start, period_end, updated_at)
		VALUES ($1, $2, $3, $4)
	`, org.ID, start, end, now)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize usage: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit organization: %w", err)
	}
	return org, nil
}

// GetOrganization retrieves a live organization by ID
func (s *PostgresService) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	return scanOrg(s.db.QueryRowContext(ctx,
		`SELECT `+orgColumns+` FROM organizations WHERE id = $1 AND status <> 'deleted'`, id))
}

// GetOrganizationBySlug retrieves a live organization by slug
func (s *PostgresService) GetOrganizationBySlug(ctx context.Context, slug string) (*Organization, error) {
	return scanOrg(s.db.QueryRowContext(ctx,
		`SELECT `+orgColumns+` FROM organizations WHERE slug = $1 AND status <> 'deleted'`, slug))
}

// ListOrganizations lists the organizations userID belongs to
func (s *PostgresService) ListOrganizations(ctx context.Context, userID string) ([]*Organization, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT o.id, o.name, o.slug, COALESCE(o.description, ''), o.owner_id, o.plan_tier, o.status, o.created_at, o.updated_at
		FROM organizations o
		JOIN org_members m ON m.org_id = o.id
		WHERE m.user_id = $1 AND o.status <> 'deleted'
		ORDER BY o.name
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	defer rows.Close()

	var out []*Organization
	for rows.Next() {
		org, err := scanOrg(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, org)
	}
	return out, rows.Err()
}

// UpdateOrganization applies a partial update and returns the result
func (s *PostgresService) UpdateOrganization(ctx context.Context, id string, req UpdateOrgRequest) (*Organization, error) {
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		return nil, fmt.Errorf("organization name cannot be empty")
	}
	return scanOrg(s.db.QueryRowContext(ctx, `
		UPDATE organizations
		SET name = COALESCE($2, name), description = COALESCE($3, description), updated_at = $4
		WHERE id = $1 AND status <> 'deleted'
		RETURNING `+orgColumns,
		id, req.Name, req.Description, s.now().UTC()))
}

// DeleteOrganization soft deletes an organization. Its slug stays reserved.
func (s *PostgresService) DeleteOrganization(ctx context.Context, id string) error {
	return s.SetStatus(ctx, id, OrgStatusDeleted)
}

// SetStatus changes the lifecycle status, e.g. suspending an org whose payment failed
func (s *PostgresService) SetStatus(ctx context.Context, id string, status OrgStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE organizations SET status = $2, updated_at = $3 WHERE id = $1 AND status <> 'deleted'`,
		id, status, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update organization status: %w", err)
	}
	return expectOneRow(res, ErrNotFound)
}

// UpdatePlan moves an org to tier. Quotas follow the tier immediately.
func (s *PostgresService) UpdatePlan(ctx context.Context, orgID string, tier PlanTier) error {
	if !tier.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPlanTier, tier)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE organizations SET plan_tier = $2, updated_at = $3 WHERE id = $1`,
		orgID, tier, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update plan: %w", err)
	}
	return expectOneRow(res, ErrNotFound)
}

func expectOneRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// monthBounds returns the calendar month containing t, in UTC
func monthBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

var nonSlugChars = regexp.MustCompile(`[^a-z0-9-]+`)

// generateSlug derives a slug from a display name
func generateSlug(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = strings.ReplaceAll(slug, " ", "-")
	slug = nonSlugChars.ReplaceAllString(slug, "")
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}
	slug = strings.Trim(slug, "-")
	if len(slug) > 63 {
		slug = strings.TrimRight(slug[:63], "-")
	}
	return slug
}

// generateToken returns 32 random bytes hex encoded
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
