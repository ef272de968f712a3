// Package eventbus fans realtime calendar events out across API instances over Redis pub/sub.
package eventbus

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"strings"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "calendar:events:user:"

// UserChannel is the pub/sub channel carrying one user's events.
func UserChannel(userID string) string {
	return channelPrefix + userID
}

// Bus publishes user-scoped event payloads into Redis. A Bus with no client is a no-op.
type Bus struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Bus {
	return &Bus{rdb: rdb}
}

// Connect parses a redis:// URL and pings the server before returning the Bus.
func Connect(ctx context.Context, url string) (*Bus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Bus{rdb: rdb}, nil
}

func (b *Bus) Enabled() bool {
	return b != nil && b.rdb != nil
}

func (b *Bus) Publish(ctx context.Context, userID string, payload []byte) error {
	if !b.Enabled() {
		return nil
	}
	return b.rdb.Publish(ctx, UserChannel(userID), payload).Err()
}

// Subscribe listens on every user channel until ctx is done. onMessage receives the
// user id parsed from the channel name. It returns once the subscription is confirmed.
func (b *Bus) Subscribe(ctx context.Context, onMessage func(userID string, payload []byte)) error {
	if !b.Enabled() {
		return nil
	}
	sub := b.rdb.PSubscribe(ctx, channelPrefix+"*")
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("psubscribe: %w", err)
	}
	ch := sub.Channel()

	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				userID := strings.TrimPrefix(msg.Channel, channelPrefix)
				if userID == "" || userID == msg.Channel {
					continue
				}
				func() {
					defer func() {
						if r := recover(); r != nil {
							log.Printf("[EventBus] PANIC in subscriber: %v\n%s", r, debug.Stack())
						}
					}()
					onMessage(userID, []byte(msg.Payload))
				}()
			}
		}
	}()
	return nil
}

func (b *Bus) Close() error {
	if !b.Enabled() {
		return nil
	}
	return b.rdb.Close()
}
