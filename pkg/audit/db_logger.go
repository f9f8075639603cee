package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// DBLogger writes audit events to the Postgres audit_logs table and
// serves queries over it. The table is created by the storage migrations.
type DBLogger struct {
	db *sql.DB
}

// NewDBLogger creates a database-backed audit logger
func NewDBLogger(db *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, errors.New("database connection is required")
	}
	return &DBLogger{db: db}, nil
}

const insertEventSQL = `
	INSERT INTO audit_logs (
		timestamp, event_type, status,
		user_id, user_email, org_id, token_id,
		resource_type, resource_id, resource_name,
		ip_address, user_agent, request_id,
		method, path, status_code,
		message, error_message, metadata, changes
	) VALUES (
		$1, $2, $3,
		$4, $5, $6, $7,
		$8, $9, $10,
		$11, $12, $13,
		$14, $15, $16,
		$17, $18, $19, $20
	) RETURNING id`

// Log inserts event and sets its ID
func (l *DBLogger) Log(ctx context.Context, event *Event) error {
	metadataJSON, err := marshalNullable(event.Metadata != nil, event.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	changesJSON, err := marshalNullable(event.Changes != nil, event.Changes)
	if err != nil {
		return fmt.Errorf("failed to marshal changes: %w", err)
	}

	err = l.db.QueryRowContext(ctx, insertEventSQL,
		event.Timestamp, string(event.EventType), string(event.Status),
		event.UserID, event.UserEmail, event.OrgID, event.TokenID,
		string(event.ResourceType), event.ResourceID, event.ResourceName,
		event.IPAddress, event.UserAgent, event.RequestID,
		event.Method, event.Path, event.StatusCode,
		event.Message, event.ErrorMessage, metadataJSON, changesJSON,
	).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

// marshalNullable encodes v as a JSON string, or SQL NULL when absent
func marshalNullable(present bool, v interface{}) (interface{}, error) {
	if !present {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Search returns events matching filter, newest first
func (l *DBLogger) Search(ctx context.Context, filter SearchFilter) ([]*Event, error) {
	query := `
		SELECT
			id, timestamp, event_type, status,
			user_id, user_email, org_id, token_id,
			resource_type, resource_id, resource_name,
			ip_address, user_agent, request_id,
			method, path, status_code,
			message, error_message, metadata, changes
		FROM audit_logs
		WHERE 1=1`

	var args []interface{}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		query += fmt.Sprintf(clause, len(args))
	}

	if filter.OrgID != "" {
		add(" AND org_id = $%d", filter.OrgID)
	}
	if filter.UserID != "" {
		add(" AND user_id = $%d", filter.UserID)
	}
	if len(filter.EventTypes) > 0 {
		types := make([]string, len(filter.EventTypes))
		for i, et := range filter.EventTypes {
			types[i] = string(et)
		}
		add(" AND event_type = ANY($%d)", pq.Array(types))
	}
	if filter.Status != "" {
		add(" AND status = $%d", string(filter.Status))
	}
	if filter.ResourceType != "" {
		add(" AND resource_type = $%d", string(filter.ResourceType))
	}
	if filter.ResourceID != "" {
		add(" AND resource_id = $%d", filter.ResourceID)
	}
	if filter.StartTime != nil {
		add(" AND timestamp >= $%d", *filter.StartTime)
	}
	if filter.EndTime != nil {
		add(" AND timestamp <= $%d", *filter.EndTime)
	}

	query += " ORDER BY timestamp DESC, id DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	add(" LIMIT $%d", limit)
	if filter.Offset > 0 {
		add(" OFFSET $%d", filter.Offset)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var (
			e                     Event
			eventType, status, rt string
			metadata, changes     []byte
		)
		if err := rows.Scan(
			&e.ID, &e.Timestamp, &eventType, &status,
			&e.UserID, &e.UserEmail, &e.OrgID, &e.TokenID,
			&rt, &e.ResourceID, &e.ResourceName,
			&e.IPAddress, &e.UserAgent, &e.RequestID,
			&e.Method, &e.Path, &e.StatusCode,
			&e.Message, &e.ErrorMessage, &metadata, &changes,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		e.EventType = EventType(eventType)
		e.Status = EventStatus(status)
		e.ResourceType = ResourceType(rt)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata: %w", err)
			}
		}
		if len(changes) > 0 {
			e.Changes = &ChangeDetails{}
			if err := json.Unmarshal(changes, e.Changes); err != nil {
				return nil, fmt.Errorf("failed to decode changes: %w", err)
			}
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// Cleanup deletes events older than retention and returns how many went
func (l *DBLogger) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	cutoff := time.Now().UTC().Add(-retention)
	result, err := l.db.ExecContext(ctx, "DELETE FROM audit_logs WHERE timestamp < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up audit logs: %w", err)
	}
	return result.RowsAffected()
}

// Close is a no-op; the *sql.DB is owned by the caller
func (l *DBLogger) Close() error { return nil }
