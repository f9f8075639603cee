package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	t.Run("debug not logged at info level", func(t *testing.T) {
		buf.Reset()
		logger.Debug("debug message")
		assert.Zero(t, buf.Len())
	})

	t.Run("info logged at info level", func(t *testing.T) {
		buf.Reset()
		logger.Info("info message")
		entry := decodeLine(t, &buf)
		assert.Equal(t, "info", entry["level"])
		assert.Equal(t, "info message", entry["message"])
	})

	t.Run("warn and error logged", func(t *testing.T) {
		buf.Reset()
		logger.Warnf("disk at %d%%", 91)
		assert.Contains(t, buf.String(), "disk at 91%")

		buf.Reset()
		logger.Error("boom")
		assert.Equal(t, "error", decodeLine(t, &buf)["level"])
	})
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(DebugLevel, &buf)

	logger.WithField("design_id", "d1").
		WithFields(map[string]interface{}{"org_id": "o1", "subnets": 4}).
		WithError(errors.New("overlap")).
		Debug("validation failed")

	entry := decodeLine(t, &buf)
	assert.Equal(t, "d1", entry["design_id"])
	assert.Equal(t, "o1", entry["org_id"])
	assert.Equal(t, float64(4), entry["subnets"])
	assert.Equal(t, "overlap", entry["error"])
}

func TestLogger_WithNilErrorReturnsSame(t *testing.T) {
	logger := NopLogger()
	assert.Same(t, logger, logger.WithError(nil))
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewLogger(InfoLevel, &buf))
	ctx = WithRequestID(ctx, "req-1")
	ctx = WithUserID(ctx, "user-1")
	ctx = WithOrgID(ctx, "org-1")

	FromContext(ctx).Info("hello")

	entry := decodeLine(t, &buf)
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, "user-1", entry["user_id"])
	assert.Equal(t, "org-1", entry["org_id"])
}

func TestContextGettersEmpty(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetRequestID(ctx))
	assert.Empty(t, GetUserID(ctx))
	assert.Empty(t, GetOrgID(ctx))
	assert.NotNil(t, GetLogger(ctx))
}
