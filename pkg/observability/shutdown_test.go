package observability

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownManager_ReverseOrder(t *testing.T) {
	sm := NewShutdownManager(NopLogger(), time.Second)

	var order []string
	sm.Register("mongo", func(context.Context) error { order = append(order, "mongo"); return nil })
	sm.Register("hub", func(context.Context) error { order = append(order, "hub"); return nil })
	sm.Register("workers", func(context.Context) error { order = append(order, "workers"); return nil })

	require.NoError(t, sm.Shutdown())
	assert.Equal(t, []string{"workers", "hub", "mongo"}, order)
}

func TestShutdownManager_CollectsErrors(t *testing.T) {
	sm := NewShutdownManager(NopLogger(), time.Second, &http.Server{Addr: "127.0.0.1:0"})

	ran := false
	sm.Register("redis", func(context.Context) error { ran = true; return nil })
	sm.Register("postgres", func(context.Context) error { return errors.New("close failed") })

	err := sm.Shutdown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: close failed")
	assert.True(t, ran, "later steps still run after a failure")
}
