package postcache

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/PortNumber53/content-calendar/internal/models"
)

const tagPrefix = "scheduled-posts:"

// Tag is the invalidation tag of a user's scheduled-posts entry.
func Tag(userID string) string { return tagPrefix + userID }

// Window bounds a fetch to scheduled times in [From, To). A zero side is open.
type Window struct {
	From time.Time
	To   time.Time
}

// Covers reports whether every post inside o is also inside w.
func (w Window) Covers(o Window) bool {
	if !w.From.IsZero() && (o.From.IsZero() || o.From.Before(w.From)) {
		return false
	}
	if !w.To.IsZero() && (o.To.IsZero() || o.To.After(w.To)) {
		return false
	}
	return true
}

type Fetcher interface {
	ListScheduled(ctx context.Context, userID string, w Window) (models.ScheduledPostsResponse, error)
}

type EventKind string

const (
	EventUpdated     EventKind = "updated"
	EventInvalidated EventKind = "invalidated"
	EventFailed      EventKind = "failed"
)

// Event tells subscribers an entry changed and the calendar should re-render.
type Event struct {
	UserID string
	Kind   EventKind
	Err    error
}

// Entry is a snapshot of one cached query.
type Entry struct {
	Data      models.ScheduledPostsResponse
	Window    Window
	FetchedAt time.Time
	Stale     bool
	Err       error
}

// Cache is a tag-invalidated client-side query cache of scheduled posts, keyed by user.
type Cache struct {
	fetcher Fetcher
	Logger  *log.Logger
	// MaxAge marks entries stale after this long. Zero keeps them fresh until invalidated.
	MaxAge time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	entries  map[string]*Entry
	inFlight map[string][]Window
	subs     map[int]chan Event
	nextSub  int
	now      func() time.Time
}

func NewCache(fetcher Fetcher) *Cache {
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		fetcher:  fetcher,
		Logger:   log.Default(),
		ctx:      ctx,
		cancel:   cancel,
		entries:  map[string]*Entry{},
		inFlight: map[string][]Window{},
		subs:     map[int]chan Event{},
		now:      time.Now,
	}
}

// Peek returns the cached entry without fetching.
func (c *Cache) Peek(userID string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[userID]
	if !ok {
		return Entry{}, false
	}
	out := *e
	if c.MaxAge > 0 && c.now().Sub(e.FetchedAt) > c.MaxAge {
		out.Stale = true
	}
	return out, true
}

// Get returns fresh cached data covering w or fetches it. A failed fetch keeps the previous
// data in the entry.
func (c *Cache) Get(ctx context.Context, userID string, w Window) (models.ScheduledPostsResponse, error) {
	if e, ok := c.Peek(userID); ok && !e.Stale && e.Err == nil && e.Window.Covers(w) {
		return e.Data, nil
	}
	return c.fetch(ctx, userID, w)
}

func (c *Cache) fetch(ctx context.Context, userID string, w Window) (models.ScheduledPostsResponse, error) {
	data, err := c.fetcher.ListScheduled(ctx, userID, w)

	c.mu.Lock()
	e := c.entries[userID]
	if e == nil {
		e = &Entry{}
		c.entries[userID] = e
	}
	if err != nil {
		e.Err = err
		prev := e.Data
		c.mu.Unlock()
		c.logf("[PostCache] fetch_failed userId=%s err=%v", userID, err)
		c.publish(Event{UserID: userID, Kind: EventFailed, Err: err})
		return prev, err
	}
	e.Data, e.Window, e.FetchedAt, e.Stale, e.Err = data, w, c.now(), false, nil
	c.mu.Unlock()

	c.publish(Event{UserID: userID, Kind: EventUpdated})
	return data, nil
}

// Invalidate marks every entry carrying one of tags stale and refetches it in the background.
func (c *Cache) Invalidate(tags ...string) {
	var users []string
	c.mu.Lock()
	for _, tag := range tags {
		if !strings.HasPrefix(tag, tagPrefix) {
			continue
		}
		userID := strings.TrimPrefix(tag, tagPrefix)
		if e, ok := c.entries[userID]; ok {
			e.Stale = true
			users = append(users, userID)
		}
	}
	c.mu.Unlock()

	for _, u := range users {
		c.publish(Event{UserID: u, Kind: EventInvalidated})
		c.Refetch(u)
	}
}

// Refetch fetches userID's entry for its current window on a background goroutine.
func (c *Cache) Refetch(userID string) {
	c.mu.Lock()
	var w Window
	if e, ok := c.entries[userID]; ok {
		w = e.Window
	}
	c.mu.Unlock()
	c.Prefetch(userID, w)
}

// Prefetch loads w for userID in the background. A request already in flight whose window
// covers w absorbs it.
func (c *Cache) Prefetch(userID string, w Window) {
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	for _, f := range c.inFlight[userID] {
		if f.Covers(w) {
			c.mu.Unlock()
			return
		}
	}
	c.inFlight[userID] = append(c.inFlight[userID], w)
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer c.doneFlight(userID, w)
		ctx, cancel := context.WithTimeout(c.ctx, 20*time.Second)
		defer cancel()
		_, _ = c.fetch(ctx, userID, w)
	}()
}

func (c *Cache) doneFlight(userID string, w Window) {
	c.mu.Lock()
	defer c.mu.Unlock()
	flights := c.inFlight[userID]
	for i, f := range flights {
		if f == w {
			flights = append(flights[:i], flights[i+1:]...)
			break
		}
	}
	if len(flights) == 0 {
		delete(c.inFlight, userID)
		return
	}
	c.inFlight[userID] = flights
}

// Subscribe returns a channel of change events and a function that ends the subscription.
// Slow subscribers miss events rather than block the cache.
func (c *Cache) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			close(ch)
		})
	}
}

func (c *Cache) publish(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close stops background refetches and waits for the ones in flight.
func (c *Cache) Close() {
	c.cancel()
	c.wg.Wait()
}

func (c *Cache) logf(format string, args ...any) {
	if c.Logger != nil {
		c.Logger.Printf(format, args...)
	}
}
