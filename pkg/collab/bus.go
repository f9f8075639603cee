package collab

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/netforge/pkg/observability"
)

// Channel is the Redis pub/sub channel shared by every hub instance
const Channel = "netforge:collab"

// Bus fans messages out between hub instances
type Bus interface {
	Publish(ctx context.Context, e Envelope) error
	// Subscribe delivers envelopes until ctx ends, then closes the channel
	Subscribe(ctx context.Context) (<-chan Envelope, error)
}

// RedisBus is a Bus over Redis pub/sub
type RedisBus struct {
	client  *redis.Client
	channel string
	logger  *observability.Logger
}

// NewRedisBus creates a bus on Channel
func NewRedisBus(client *redis.Client, logger *observability.Logger) *RedisBus {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &RedisBus{client: client, channel: Channel, logger: logger.WithField("component", "collab_bus")}
}

// Publish sends e to every subscribed instance, including this one
func (b *RedisBus) Publish(ctx context.Context, e Envelope) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", b.channel, err)
	}
	return nil
}

// Subscribe waits for the subscription to be confirmed before returning
func (b *RedisBus) Subscribe(ctx context.Context) (<-chan Envelope, error) {
	ps := b.client.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", b.channel, err)
	}

	out := make(chan Envelope, 64)
	go func() {
		defer close(out)
		defer ps.Close()
		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-in:
				if !ok {
					return
				}
				var e Envelope
				if err := json.Unmarshal([]byte(m.Payload), &e); err != nil {
					b.logger.WithError(err).Warn("dropping malformed collab envelope")
					continue
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
