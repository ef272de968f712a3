package handlers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/PortNumber53/content-calendar/internal/eventbus"
	"github.com/PortNumber53/content-calendar/internal/models"
	"github.com/PortNumber53/content-calendar/internal/observability"
	"golang.org/x/net/websocket"
)

// Feed event types. Clients drop their cached scheduled posts on every schedule.updated.
const (
	feedHello           = "hello"
	feedPing            = "ping"
	feedScheduleUpdated = "schedule.updated"
)

const (
	feedHeartbeat = 25 * time.Second
	feedWriteWait = 10 * time.Second
	// feedQueue bounds undelivered updates per socket. One queued update already makes the
	// client refetch, so a full queue drops newer ones.
	feedQueue = 8

	wsSecretHeader = "X-Internal-WS-Secret"
)

type feedEvent struct {
	Type          string `json:"type"`
	UserID        string `json:"user_id"`
	ScheduleID    string `json:"scheduleId,omitempty"`
	Status        string `json:"status,omitempty"`
	ScheduledTime string `json:"scheduledTime,omitempty"`
	At            string `json:"at"`
}

// scheduleUpdated describes a post the API just wrote.
func scheduleUpdated(p models.ScheduledPost) feedEvent {
	ev := statusChanged(p.UserID, p.ScheduleID, p.Status)
	if !p.ScheduledTime.IsZero() {
		ev.ScheduledTime = p.ScheduledTime.UTC().Format(time.RFC3339)
	}
	return ev
}

// statusChanged describes a status move made by a worker that holds only the ids.
func statusChanged(userID, scheduleID string, status models.Status) feedEvent {
	return feedEvent{Type: feedScheduleUpdated, UserID: userID, ScheduleID: scheduleID, Status: string(status)}
}

func encodeFeedEvent(ev feedEvent) ([]byte, error) {
	if ev.At == "" {
		ev.At = time.Now().UTC().Format(time.RFC3339)
	}
	return json.Marshal(ev)
}

// feedSubscriber is one open socket. Only its pump goroutine writes to conn.
type feedSubscriber struct {
	conn  *websocket.Conn
	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

func (s *feedSubscriber) stop() { s.once.Do(func() { close(s.done) }) }

// offer queues payload without blocking and reports whether it was queued.
func (s *feedSubscriber) offer(payload []byte) bool {
	select {
	case s.queue <- payload:
		return true
	default:
		return false
	}
}

// pump writes queued events and heartbeats until the subscriber stops or a write fails.
func (s *feedSubscriber) pump(userID string) {
	ticker := time.NewTicker(feedHeartbeat)
	defer ticker.Stop()
	for {
		var payload []byte
		select {
		case <-s.done:
			return
		case payload = <-s.queue:
		case <-ticker.C:
			b, err := encodeFeedEvent(feedEvent{Type: feedPing, UserID: userID})
			if err != nil {
				continue
			}
			payload = b
		}
		_ = s.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
		if err := websocket.Message.Send(s.conn, string(payload)); err != nil {
			log.Printf("[ScheduleFeed] write_failed userId=%s err=%v", userID, err)
			_ = s.conn.Close()
			return
		}
	}
}

// scheduleFeed tracks the open sockets of every user on this instance.
type scheduleFeed struct {
	mu   sync.Mutex
	subs map[string]map[*feedSubscriber]struct{}
}

func newScheduleFeed() *scheduleFeed {
	return &scheduleFeed{subs: make(map[string]map[*feedSubscriber]struct{})}
}

func (f *scheduleFeed) join(userID string, conn *websocket.Conn) *feedSubscriber {
	s := &feedSubscriber{conn: conn, queue: make(chan []byte, feedQueue), done: make(chan struct{})}
	f.mu.Lock()
	defer f.mu.Unlock()
	set := f.subs[userID]
	if set == nil {
		set = make(map[*feedSubscriber]struct{})
		f.subs[userID] = set
	}
	set[s] = struct{}{}
	observability.WebSocketConnections.Inc()
	return s
}

func (f *scheduleFeed) leave(userID string, s *feedSubscriber) {
	s.stop()
	f.mu.Lock()
	defer f.mu.Unlock()
	set := f.subs[userID]
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	observability.WebSocketConnections.Dec()
	if len(set) == 0 {
		delete(f.subs, userID)
	}
}

// deliver queues payload on every socket of userID. It returns how many sockets took it and
// how many already had a full queue.
func (f *scheduleFeed) deliver(userID string, payload []byte) (queued, dropped int) {
	if f == nil || userID == "" || len(payload) == 0 {
		return 0, 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for s := range f.subs[userID] {
		if s.offer(payload) {
			queued++
		} else {
			dropped++
		}
	}
	return queued, dropped
}

func (f *scheduleFeed) subscribers(userID string) int {
	if f == nil {
		return 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[userID])
}

func isLoopback(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil && h != "" {
		host = h
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// feedAccess decides whether r may open the feed. Loopback callers always may; others must
// send INTERNAL_WS_SECRET in X-Internal-WS-Secret. reason is safe to log.
func feedAccess(r *http.Request) (ok bool, reason string) {
	if isLoopback(r.RemoteAddr) {
		return true, "loopback"
	}
	secret := strings.TrimSpace(os.Getenv("INTERNAL_WS_SECRET"))
	if secret == "" {
		return false, "secret_unset"
	}
	got := strings.TrimSpace(r.Header.Get(wsSecretHeader))
	if got == "" {
		return false, "secret_missing"
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
		return false, "secret_mismatch"
	}
	return true, "secret"
}

// EventsPing reports whether this caller would be let onto the feed, without upgrading.
// URL: /api/events/ping
func (h *Handler) EventsPing(w http.ResponseWriter, r *http.Request) {
	ok, reason := feedAccess(r)
	status := http.StatusOK
	if !ok {
		status = http.StatusForbidden
	}
	writeJSON(w, status, map[string]any{"ok": ok, "reason": reason, "remote": r.RemoteAddr})
}

// EventsWebSocket streams schedule.updated events for one user.
//
// URL: /api/events/ws?userId=...
func (h *Handler) EventsWebSocket(w http.ResponseWriter, r *http.Request) {
	if ok, reason := feedAccess(r); !ok {
		log.Printf("[ScheduleFeed] forbidden remote=%s reason=%s", r.RemoteAddr, reason)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		http.Error(w, "missing_userId", http.StatusBadRequest)
		return
	}

	// Access is decided above, so the Origin check of x/net/websocket is skipped.
	srv := websocket.Server{
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler:   func(c *websocket.Conn) { h.serveFeed(userID, c) },
	}
	srv.ServeHTTP(w, r)
}

func (h *Handler) serveFeed(userID string, c *websocket.Conn) {
	sub := h.feed.join(userID, c)
	defer h.feed.leave(userID, sub)
	log.Printf("[ScheduleFeed] join userId=%s remote=%s ua=%q subs=%d",
		userID, c.Request().RemoteAddr, truncate(c.Request().UserAgent(), 120), h.feed.subscribers(userID))
	defer log.Printf("[ScheduleFeed] leave userId=%s remote=%s", userID, c.Request().RemoteAddr)

	if hello, err := encodeFeedEvent(feedEvent{Type: feedHello, UserID: userID}); err == nil {
		sub.offer(hello)
	}
	go sub.pump(userID)

	// Clients never send anything we act on; reading detects the hang-up.
	for {
		var ignored string
		if err := websocket.Message.Receive(c, &ignored); err != nil {
			return
		}
	}
}

// UseEventBus routes published events through Redis so every API instance delivers them to
// its own sockets. The subscriber runs until ctx is done.
func (h *Handler) UseEventBus(ctx context.Context, bus *eventbus.Bus) error {
	if !bus.Enabled() {
		return nil
	}
	if err := bus.Subscribe(ctx, func(userID string, payload []byte) {
		h.feed.deliver(userID, payload)
	}); err != nil {
		return err
	}
	h.bus = bus
	log.Printf("[ScheduleFeed] event bus enabled")
	return nil
}

// publish sends ev to the user's sockets on every instance, or only this one without a bus.
func (h *Handler) publish(ev feedEvent) {
	if h == nil || h.feed == nil || strings.TrimSpace(ev.UserID) == "" {
		return
	}
	b, err := encodeFeedEvent(ev)
	if err != nil {
		log.Printf("[ScheduleFeed] marshal_failed userId=%s err=%v", ev.UserID, err)
		return
	}
	if h.bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := h.bus.Publish(ctx, ev.UserID, b)
		cancel()
		if err == nil {
			observability.RealtimeEvents.WithLabelValues(ev.Type, "redis").Inc()
			log.Printf("[ScheduleFeed] publish userId=%s type=%s scheduleId=%s status=%s", ev.UserID, ev.Type, ev.ScheduleID, ev.Status)
			return
		}
		observability.RedisErrors.WithLabelValues("publish").Inc()
		log.Printf("[ScheduleFeed] publish_failed userId=%s err=%v; delivering locally", ev.UserID, err)
	}
	queued, dropped := h.feed.deliver(ev.UserID, b)
	observability.RealtimeEvents.WithLabelValues(ev.Type, "local").Inc()
	if dropped > 0 {
		observability.RealtimeEvents.WithLabelValues(ev.Type, "coalesced").Add(float64(dropped))
	}
	log.Printf("[ScheduleFeed] emit userId=%s type=%s scheduleId=%s status=%s queued=%d dropped=%d",
		ev.UserID, ev.Type, ev.ScheduleID, ev.Status, queued, dropped)
}

// NotifyScheduleUpdated tells the user's clients a post changed status outside a request.
func (h *Handler) NotifyScheduleUpdated(userID, scheduleID, status string) {
	h.publish(statusChanged(userID, scheduleID, models.Status(status)))
}
