package audit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLogger_WriteAndRead(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewFileLogger(FileLoggerConfig{Dir: dir}, nil)
	require.NoError(t, err)
	defer logger.Close()

	ctx := context.Background()
	for _, et := range []EventType{EventTypeAuthLogin, EventTypeDesignCreate, EventTypeAuthLogout} {
		require.NoError(t, logger.Log(ctx, &Event{EventType: et, Status: EventStatusSuccess, UserID: "u1"}))
	}

	events, err := logger.ReadRecent(2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventTypeDesignCreate, events[0].EventType)
	assert.Equal(t, EventTypeAuthLogout, events[1].EventType)
}

func TestFileLogger_Rotation(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewFileLogger(FileLoggerConfig{Dir: dir, MaxSize: 10, MaxFiles: 2}, nil)
	require.NoError(t, err)
	defer logger.Close()

	clock := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	logger.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, logger.Log(ctx, &Event{EventType: EventTypeDesignUpdate, ResourceID: "d1"}))
	}

	rotated, err := filepath.Glob(filepath.Join(dir, "audit-*.log"))
	require.NoError(t, err)
	assert.Len(t, rotated, 2, "older rotations are pruned")

	events, err := logger.ReadRecent(0)
	require.NoError(t, err)
	assert.Len(t, events, 1, "current file holds only the latest event")
}

func TestFileLogger_Closed(t *testing.T) {
	logger, err := NewFileLogger(FileLoggerConfig{Dir: t.TempDir()}, nil)
	require.NoError(t, err)
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())

	assert.Error(t, logger.Log(context.Background(), &Event{}))
}

func TestNewFileLogger_Errors(t *testing.T) {
	_, err := NewFileLogger(FileLoggerConfig{}, nil)
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	_, err = NewFileLogger(FileLoggerConfig{Dir: filepath.Join(file, "sub")}, nil)
	assert.Error(t, err)
}
