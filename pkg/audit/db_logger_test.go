package audit

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func TestNewDBLogger(t *testing.T) {
	logger, err := NewDBLogger(nil)
	assert.Error(t, err)
	assert.Nil(t, logger)
}

func TestDBLogger_Log(t *testing.T) {
	db, mock := setupMockDB(t)
	logger, err := NewDBLogger(db)
	require.NoError(t, err)

	ts := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	event := &Event{
		Timestamp:    ts,
		EventType:    EventTypeDesignCreate,
		Status:       EventStatusSuccess,
		UserID:       "u1",
		OrgID:        "o1",
		ResourceType: ResourceTypeDesign,
		ResourceID:   "d1",
		Metadata:     map[string]interface{}{"name": "campus"},
	}

	mock.ExpectQuery("INSERT INTO audit_logs").
		WithArgs(ts, "design.create", "success",
			"u1", "", "o1", "",
			"design", "d1", "",
			"", "", "",
			"", "", 0,
			"", "", `{"name":"campus"}`, nil).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

	require.NoError(t, logger.Log(context.Background(), event))
	assert.Equal(t, int64(42), event.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBLogger_LogError(t *testing.T) {
	db, mock := setupMockDB(t)
	logger, _ := NewDBLogger(db)

	mock.ExpectQuery("INSERT INTO audit_logs").WillReturnError(errors.New("boom"))

	err := logger.Log(context.Background(), &Event{EventType: EventTypeAuthLogin})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert audit log")
}

var searchColumns = []string{
	"id", "timestamp", "event_type", "status",
	"user_id", "user_email", "org_id", "token_id",
	"resource_type", "resource_id", "resource_name",
	"ip_address", "user_agent", "request_id",
	"method", "path", "status_code",
	"message", "error_message", "metadata", "changes",
}

func TestDBLogger_Search(t *testing.T) {
	db, mock := setupMockDB(t)
	logger, _ := NewDBLogger(db)

	ts := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(searchColumns).
		AddRow(2, ts, "design.update", "success",
			"u1", "a@example.com", "o1", "",
			"design", "d1", "campus",
			"10.0.0.1", "curl", "req-1",
			"PUT", "/api/v1/orgs/acme/designs/d1", 200,
			"", "", nil, []byte(`{"before":{"name":"a"},"after":{"name":"b"}}`)).
		AddRow(1, ts.Add(-time.Minute), "design.create", "success",
			"u1", "", "o1", "",
			"design", "d1", "",
			"", "", "",
			"", "", 0,
			"", "", []byte(`{"k":"v"}`), nil)

	mock.ExpectQuery(`FROM audit_logs\s+WHERE 1=1 AND org_id = \$1 AND resource_type = \$2 ORDER BY timestamp DESC, id DESC LIMIT \$3 OFFSET \$4`).
		WithArgs("o1", "design", 10, 20).
		WillReturnRows(rows)

	events, err := logger.Search(context.Background(), SearchFilter{
		OrgID:        "o1",
		ResourceType: ResourceTypeDesign,
		Limit:        10,
		Offset:       20,
	})
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, EventTypeDesignUpdate, events[0].EventType)
	require.NotNil(t, events[0].Changes)
	assert.Equal(t, "b", events[0].Changes.After["name"])
	assert.Nil(t, events[0].Metadata)
	assert.Equal(t, "v", events[1].Metadata["k"])
	assert.Nil(t, events[1].Changes)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBLogger_SearchDefaultLimit(t *testing.T) {
	db, mock := setupMockDB(t)
	logger, _ := NewDBLogger(db)

	mock.ExpectQuery(`event_type = ANY\(\$1\).*LIMIT \$2`).
		WithArgs(sqlmock.AnyArg(), 100).
		WillReturnRows(sqlmock.NewRows(searchColumns))

	events, err := logger.Search(context.Background(), SearchFilter{EventTypes: []EventType{EventTypeAuthLogin}})
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBLogger_Cleanup(t *testing.T) {
	db, mock := setupMockDB(t)
	logger, _ := NewDBLogger(db)

	mock.ExpectExec("DELETE FROM audit_logs WHERE timestamp < ").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := logger.Cleanup(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
