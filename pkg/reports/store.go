package reports

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Store persists report records
type Store interface {
	Create(ctx context.Context, r *Report) error
	Get(ctx context.Context, orgID, id string) (*Report, error)
	ListForDesign(ctx context.Context, orgID, designID string, limit int) ([]*Report, error)
	MarkRunning(ctx context.Context, id string, at time.Time) error
	MarkDone(ctx context.Context, id, objectKey string, size int64, at time.Time) error
	MarkFailed(ctx context.Context, id, reason string, at time.Time) error
}

// PostgresStore implements Store on the reports table
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const reportColumns = `id, org_id, design_id, kind, format, status, object_key, size_bytes, error,
	requested_by, created_at, started_at, completed_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanReport(row scanner) (*Report, error) {
	var (
		r                  Report
		started, completed sql.NullTime
	)
	err := row.Scan(&r.ID, &r.OrgID, &r.DesignID, &r.Kind, &r.Format, &r.Status, &r.ObjectKey,
		&r.SizeBytes, &r.Error, &r.RequestedBy, &r.CreatedAt, &started, &completed)
	if err != nil {
		return nil, err
	}
	if started.Valid {
		t := started.Time
		r.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		r.CompletedAt = &t
	}
	return &r, nil
}

// Create inserts a pending report
func (s *PostgresStore) Create(ctx context.Context, r *Report) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reports (id, org_id, design_id, kind, format, status, requested_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.OrgID, r.DesignID, r.Kind, r.Format, r.Status, r.RequestedBy, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}
	return nil
}

// Get returns one report of orgID
func (s *PostgresStore) Get(ctx context.Context, orgID, id string) (*Report, error) {
	r, err := scanReport(s.db.QueryRowContext(ctx,
		`SELECT `+reportColumns+` FROM reports WHERE id = $1 AND org_id = $2`, id, orgID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}
	return r, nil
}

// ListForDesign returns the newest reports of a design
func (s *PostgresStore) ListForDesign(ctx context.Context, orgID, designID string, limit int) ([]*Report, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+reportColumns+` FROM reports
		WHERE org_id = $1 AND design_id = $2
		ORDER BY created_at DESC LIMIT $3`, orgID, designID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	out := []*Report{}
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) transition(ctx context.Context, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update report: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update report: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkRunning moves a pending report to running
func (s *PostgresStore) MarkRunning(ctx context.Context, id string, at time.Time) error {
	return s.transition(ctx, `UPDATE reports SET status = $2, started_at = $3
		WHERE id = $1 AND status = 'pending'`, id, StatusRunning, at)
}

// MarkDone records the stored artifact
func (s *PostgresStore) MarkDone(ctx context.Context, id, objectKey string, size int64, at time.Time) error {
	return s.transition(ctx, `UPDATE reports SET status = $2, object_key = $3, size_bytes = $4, completed_at = $5
		WHERE id = $1`, id, StatusDone, objectKey, size, at)
}

// MarkFailed records why a report could not be produced
func (s *PostgresStore) MarkFailed(ctx context.Context, id, reason string, at time.Time) error {
	return s.transition(ctx, `UPDATE reports SET status = $2, error = $3, completed_at = $4
		WHERE id = $1`, id, StatusFailed, reason, at)
}
