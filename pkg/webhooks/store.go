package webhooks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Store persists endpoints and their delivery log
type Store interface {
	CreateEndpoint(ctx context.Context, e *Endpoint) error
	GetEndpoint(ctx context.Context, orgID, id string) (*Endpoint, error)
	GetEndpointByID(ctx context.Context, id string) (*Endpoint, error)
	ListEndpoints(ctx context.Context, orgID string) ([]*Endpoint, error)
	ListSubscribed(ctx context.Context, orgID string, t EventType) ([]*Endpoint, error)
	UpdateEndpoint(ctx context.Context, e *Endpoint) error
	DeleteEndpoint(ctx context.Context, orgID, id string) error
	// RecordOutcome resets the failure streak on success and bumps it on
	// failure, returning the new streak.
	RecordOutcome(ctx context.Context, endpointID string, success bool) (int, error)

	CreateDelivery(ctx context.Context, d *Delivery) error
	UpdateDelivery(ctx context.Context, d *Delivery) error
	ListDeliveries(ctx context.Context, orgID, endpointID string, limit int) ([]*Delivery, error)
	// ClaimDue returns retrying deliveries whose time has come and pushes
	// their next attempt back by lease so other instances skip them.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Delivery, error)
}

// PostgresStore implements Store on the webhooks tables
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store on db
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const endpointColumns = `id, org_id, url, secret, events, format, description, active, failure_streak,
	created_by, created_at, updated_at`

const deliveryColumns = `d.id, d.webhook_id, d.org_id, d.event_id, d.event_type, d.payload, d.attempts, d.status,
	d.response_code, d.error, d.duration_ms, d.next_attempt_at, d.created_at, d.completed_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEndpoint(row scanner) (*Endpoint, error) {
	var e Endpoint
	var events []string
	if err := row.Scan(&e.ID, &e.OrgID, &e.URL, &e.Secret, pq.Array(&events), &e.Format, &e.Description,
		&e.Active, &e.FailureStreak, &e.CreatedBy, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Events = make([]EventType, len(events))
	for i, ev := range events {
		e.Events[i] = EventType(ev)
	}
	return &e, nil
}

func eventStrings(events []EventType) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = string(e)
	}
	return out
}

func (s *PostgresStore) CreateEndpoint(ctx context.Context, e *Endpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhooks (id, org_id, url, secret, events, format, description, active, failure_streak,
			created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.OrgID, e.URL, e.Secret, pq.Array(eventStrings(e.Events)), e.Format, e.Description, e.Active,
		e.FailureStreak, e.CreatedBy, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create webhook: %w", err)
	}
	return nil
}

func (s *PostgresStore) queryEndpoint(ctx context.Context, query string, args ...interface{}) (*Endpoint, error) {
	e, err := scanEndpoint(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load webhook: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) GetEndpoint(ctx context.Context, orgID, id string) (*Endpoint, error) {
	return s.queryEndpoint(ctx, `SELECT `+endpointColumns+` FROM webhooks WHERE org_id = $1 AND id = $2`, orgID, id)
}

func (s *PostgresStore) GetEndpointByID(ctx context.Context, id string) (*Endpoint, error) {
	return s.queryEndpoint(ctx, `SELECT `+endpointColumns+` FROM webhooks WHERE id = $1`, id)
}

func (s *PostgresStore) listEndpoints(ctx context.Context, query string, args ...interface{}) ([]*Endpoint, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	defer rows.Close()

	out := []*Endpoint{}
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListEndpoints(ctx context.Context, orgID string) ([]*Endpoint, error) {
	return s.listEndpoints(ctx, `SELECT `+endpointColumns+` FROM webhooks WHERE org_id = $1 ORDER BY created_at`, orgID)
}

func (s *PostgresStore) ListSubscribed(ctx context.Context, orgID string, t EventType) ([]*Endpoint, error) {
	return s.listEndpoints(ctx, `SELECT `+endpointColumns+` FROM webhooks
		WHERE org_id = $1 AND active AND $2 = ANY(events) ORDER BY created_at`, orgID, string(t))
}

func (s *PostgresStore) UpdateEndpoint(ctx context.Context, e *Endpoint) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhooks SET url = $3, secret = $4, events = $5, format = $6, description = $7, active = $8,
			failure_streak = $9, updated_at = $10
		WHERE org_id = $1 AND id = $2`,
		e.OrgID, e.ID, e.URL, e.Secret, pq.Array(eventStrings(e.Events)), e.Format, e.Description, e.Active,
		e.FailureStreak, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update webhook: %w", err)
	}
	return expectRow(res, ErrNotFound)
}

func (s *PostgresStore) DeleteEndpoint(ctx context.Context, orgID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhooks WHERE org_id = $1 AND id = $2`, orgID, id)
	if err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}
	return expectRow(res, ErrNotFound)
}

func (s *PostgresStore) RecordOutcome(ctx context.Context, endpointID string, success bool) (int, error) {
	var streak int
	err := s.db.QueryRowContext(ctx, `
		UPDATE webhooks SET failure_streak = CASE WHEN $2 THEN 0 ELSE failure_streak + 1 END
		WHERE id = $1
		RETURNING failure_streak`, endpointID, success).Scan(&streak)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to record webhook outcome: %w", err)
	}
	return streak, nil
}

func (s *PostgresStore) CreateDelivery(ctx context.Context, d *Delivery) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (id, webhook_id, org_id, event_id, event_type, payload, attempts, status,
			response_code, error, duration_ms, next_attempt_at, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		d.ID, d.EndpointID, d.OrgID, d.EventID, string(d.EventType), []byte(d.Payload), d.Attempts, string(d.Status),
		d.ResponseCode, d.Error, d.DurationMS, nullTime(d.NextAttemptAt), d.CreatedAt, nullTime(d.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to record delivery: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateDelivery(ctx context.Context, d *Delivery) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries SET attempts = $2, status = $3, response_code = $4, error = $5,
			duration_ms = $6, next_attempt_at = $7, completed_at = $8
		WHERE id = $1`,
		d.ID, d.Attempts, string(d.Status), d.ResponseCode, d.Error, d.DurationMS,
		nullTime(d.NextAttemptAt), nullTime(d.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to update delivery: %w", err)
	}
	return expectRow(res, ErrDeliveryNotFound)
}

func scanDelivery(row scanner) (*Delivery, error) {
	var d Delivery
	var payload []byte
	var next, completed sql.NullTime
	if err := row.Scan(&d.ID, &d.EndpointID, &d.OrgID, &d.EventID, &d.EventType, &payload, &d.Attempts, &d.Status,
		&d.ResponseCode, &d.Error, &d.DurationMS, &next, &d.CreatedAt, &completed); err != nil {
		return nil, err
	}
	d.Payload = payload
	d.NextAttemptAt = timePtr(next)
	d.CompletedAt = timePtr(completed)
	return &d, nil
}

func (s *PostgresStore) scanDeliveries(rows *sql.Rows) ([]*Delivery, error) {
	defer rows.Close()
	out := []*Delivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListDeliveries(ctx context.Context, orgID, endpointID string, limit int) ([]*Delivery, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries d
		WHERE d.org_id = $1 AND d.webhook_id = $2
		ORDER BY d.created_at DESC LIMIT $3`, orgID, endpointID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	return s.scanDeliveries(rows)
}

func (s *PostgresStore) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Delivery, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE webhook_deliveries d SET next_attempt_at = $2
		WHERE d.id IN (
			SELECT id FROM webhook_deliveries
			WHERE status = 'retrying' AND next_attempt_at <= $1
			ORDER BY next_attempt_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+deliveryColumns, now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim deliveries: %w", err)
	}
	return s.scanDeliveries(rows)
}

func expectRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
