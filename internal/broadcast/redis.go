// Package broadcast fans committed audit events out over Redis pub/sub so other
// instances and UI gateways can refresh lock badges and artifact states.
// Delivery is at-most-once; the events table stays the source of truth.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"artifactvc/internal/domain"
)

const DefaultChannel = "avc:events"

type Redis struct {
	rdb     *redis.Client
	channel string
}

// NewRedis creates a publisher on channel. An empty channel uses DefaultChannel.
func NewRedis(opts *redis.Options, channel string) *Redis {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Redis{rdb: redis.NewClient(opts), channel: channel}
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

func (r *Redis) Publish(ctx context.Context, evt domain.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := r.rdb.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", evt.Type, err)
	}
	return nil
}

// Subscribe streams events until ctx is cancelled. Undecodable messages are logged and skipped.
func (r *Redis) Subscribe(ctx context.Context) (<-chan domain.Event, error) {
	pubsub := r.rdb.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	out := make(chan domain.Event, 16)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var evt domain.Event
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					slog.Warn("dropping undecodable event", "channel", msg.Channel, "error", err)
					continue
				}
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Nop discards events. It is used when no Redis address is configured.
type Nop struct{}

func (Nop) Publish(context.Context, domain.Event) error { return nil }
