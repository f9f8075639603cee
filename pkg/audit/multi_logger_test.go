package audit

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryLogger struct {
	mu       sync.Mutex
	events   []*Event
	err      error
	closed   bool
	closeErr error
}

func (m *memoryLogger) Log(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, e)
	return nil
}

func (m *memoryLogger) Close() error {
	m.closed = true
	return m.closeErr
}

func (m *memoryLogger) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func TestMultiLogger_Sync(t *testing.T) {
	failing := &memoryLogger{err: errors.New("disk full")}
	ok := &memoryLogger{}
	m := NewMultiLogger(failing, ok)

	err := m.Log(context.Background(), &Event{EventType: EventTypeAuthLogin})
	assert.EqualError(t, err, "disk full")
	assert.Equal(t, 1, ok.count(), "later loggers still receive the event")
}

func TestMultiLogger_Async(t *testing.T) {
	failing := &memoryLogger{err: errors.New("disk full")}
	ok := &memoryLogger{}
	m := NewMultiLogger(failing, ok)
	m.SetAsync(true)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Log(ctx, &Event{EventType: EventTypeAuthLogin}))
	cancel()
	m.Wait()

	assert.Equal(t, 1, ok.count())
	assert.Len(t, m.Errors(), 1)
	assert.Empty(t, m.Errors(), "errors are drained")
}

func TestMultiLogger_Close(t *testing.T) {
	a := &memoryLogger{closeErr: errors.New("a")}
	b := &memoryLogger{}
	err := NewMultiLogger(a, b).Close()
	assert.Error(t, err)
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}
