package postcache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"golang.org/x/net/websocket"
)

// WatchConfig describes the backend realtime channel.
type WatchConfig struct {
	URL    string // ws(s)://host/api/events/ws?userId=...
	Origin string
	Secret string // sent as X-Internal-WS-Secret when set
	Logger *log.Logger
}

type realtimeMessage struct {
	Type       string `json:"type"`
	UserID     string `json:"user_id"`
	ScheduleID string `json:"scheduleId"`
	Status     string `json:"status"`
}

const eventScheduleUpdated = "schedule.updated"

var watchBackoffs = []time.Duration{700 * time.Millisecond, 1500 * time.Millisecond, 3 * time.Second, 10 * time.Second}

// Watch keeps a realtime subscription open for userID and invalidates the user's entry on
// every schedule.updated event. It reconnects with backoff, starting over once a connection
// has delivered a message, and returns when ctx is done.
func Watch(ctx context.Context, cache *Cache, cfg WatchConfig, userID string) error {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	attempt := 0
	for {
		received, err := watchOnce(ctx, cache, cfg, userID)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if received {
			attempt = 0
		}
		wait := backoffFor(attempt)
		attempt++
		logger.Printf("[PostCache][Watch] disconnected userId=%s attempt=%d retryIn=%s err=%v", userID, attempt, wait, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// backoffFor returns the wait before reconnect number attempt (zero based).
func backoffFor(attempt int) time.Duration {
	if attempt < len(watchBackoffs) {
		return watchBackoffs[attempt]
	}
	return watchBackoffs[len(watchBackoffs)-1]
}

// watchOnce reads one connection until it drops. received reports whether any message arrived.
func watchOnce(ctx context.Context, cache *Cache, cfg WatchConfig, userID string) (received bool, err error) {
	origin := cfg.Origin
	if origin == "" {
		origin = "http://localhost/"
	}
	wsCfg, err := websocket.NewConfig(cfg.URL, origin)
	if err != nil {
		return false, fmt.Errorf("websocket config: %w", err)
	}
	if cfg.Secret != "" {
		wsCfg.Header.Set("X-Internal-WS-Secret", cfg.Secret)
	}
	conn, err := wsCfg.DialContext(ctx)
	if err != nil {
		return false, fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var raw string
		if err := websocket.Message.Receive(conn, &raw); err != nil {
			return received, err
		}
		received = true
		var msg realtimeMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			continue
		}
		if msg.Type != eventScheduleUpdated {
			continue
		}
		if msg.UserID != "" && msg.UserID != userID {
			continue
		}
		cache.Invalidate(Tag(userID))
	}
}
