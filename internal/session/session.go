package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/PortNumber53/content-calendar/internal/calendar"
	"github.com/PortNumber53/content-calendar/internal/models"
	"github.com/PortNumber53/content-calendar/internal/postcache"
)

var ErrClosed = errors.New("session closed")

// Canceller is the outbound cancel call.
type Canceller interface {
	CancelScheduled(ctx context.Context, userID, scheduleID string) (models.ScheduledPost, error)
}

// Locator finds a post by id. A Remote that implements it lets a highlight marker reach
// posts outside the loaded range.
type Locator interface {
	GetScheduled(ctx context.Context, userID, scheduleID string) (models.ScheduledPost, error)
}

type Options struct {
	UserID string
	Cache  *postcache.Cache
	Remote Canceller
	// Location is the display timezone. Defaults to time.Local.
	Location *time.Location
	// HighlightDelay overrides calendar.HighlightExpiry.
	HighlightDelay time.Duration
	// OnChange receives a fresh view after every change not caused by a direct call:
	// new data from the cache and highlight expiry.
	OnChange func(calendar.View)
	// Watch, when set, keeps the backend realtime channel open from Mount until Close so
	// server-side changes refresh the grid.
	Watch  *postcache.WatchConfig
	Now    func() time.Time
	Logger *log.Logger
}

// Session owns one user's calendar view state on top of the remote cache.
type Session struct {
	userID   string
	cache    *postcache.Cache
	remote   Canceller
	locator  Locator
	watch    *postcache.WatchConfig
	loc      *time.Location
	onChange func(calendar.View)
	now      func() time.Time
	logger   *log.Logger

	highlighter *calendar.Highlighter
	ctx         context.Context
	stop        context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
	cancels     sync.WaitGroup

	mu       sync.Mutex
	state    calendar.ViewState
	data     models.ScheduledPostsResponse
	window   postcache.Window // range data was loaded for
	loaded   bool
	lastErr  error
	pending  string // inbound highlight marker not yet consumed
	locating string // pending marker being looked up remotely
	armed    string // highlight whose expiry is running
	loading  bool   // Mount is fetching; cache events must not prefetch
	mounted  bool
	closed   bool
}

func New(opts Options) *Session {
	s := &Session{
		userID:   opts.UserID,
		cache:    opts.Cache,
		remote:   opts.Remote,
		loc:      opts.Location,
		onChange: opts.OnChange,
		watch:    opts.Watch,
		now:      opts.Now,
		logger:   opts.Logger,
	}
	if l, ok := opts.Remote.(Locator); ok {
		s.locator = l
	}
	s.ctx, s.stop = context.WithCancel(context.Background())
	if s.loc == nil {
		s.loc = time.Local
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	s.highlighter = calendar.NewHighlighter(opts.HighlightDelay, s.expire)
	s.state = calendar.NewViewState(s.now().In(s.loc))
	return s
}

// Mount loads the posts around the current anchor and applies an inbound highlight marker,
// looking the post up first when it lies outside that range.
// A failed load leaves an empty grid and is returned for display; the session stays usable.
func (s *Session) Mount(ctx context.Context, highlightID string) (calendar.View, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return calendar.View{}, ErrClosed
	}
	if !s.mounted && s.cache != nil {
		events, unsubscribe := s.cache.Subscribe()
		s.unsubscribe = unsubscribe
		s.wg.Add(1)
		go s.listen(events)
		if s.watch != nil {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				_ = postcache.Watch(s.ctx, s.cache, *s.watch, s.userID)
			}()
		}
	}
	s.mounted = true
	s.loading = true
	s.pending = highlightID
	s.mu.Unlock()

	err := s.load(ctx)
	if id := s.missingMarker(); id != "" && s.locate(ctx, id) {
		err = s.load(ctx)
	}
	if err != nil {
		s.logger.Printf("[Session] load_failed userId=%s err=%v", s.userID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = false
	s.consumeHighlightLocked()
	return s.viewLocked(), err
}

// load reads the current anchor's range through the cache.
func (s *Session) load(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	s.mu.Lock()
	want := fetchWindow(s.state)
	s.mu.Unlock()
	data, err := s.cache.Get(ctx, s.userID, want)
	s.mu.Lock()
	s.setData(data, want, err)
	s.mu.Unlock()
	return err
}

// missingMarker returns the pending marker when the loaded posts do not contain it and a
// Locator can look for it.
func (s *Session) missingMarker() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == "" || !s.loaded || s.locator == nil || containsPost(s.data.Posts, s.pending) {
		return ""
	}
	s.locating = s.pending
	return s.pending
}

// locate looks the marker up and moves the anchor to its day. It reports whether the anchor
// moved; otherwise the marker is dropped.
func (s *Session) locate(ctx context.Context, id string) bool {
	p, err := s.locator.GetScheduled(ctx, s.userID, id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locating == id {
		s.locating = ""
	}
	if s.closed || s.pending != id {
		return false
	}
	if err != nil || p.Status == models.StatusCancelled {
		if err != nil {
			s.logger.Printf("[Session] highlight_lookup_failed userId=%s scheduleId=%s err=%v", s.userID, id, err)
		}
		s.pending = ""
		return false
	}
	s.state.CurrentDate = p.ScheduledTime.In(s.loc)
	return true
}

func containsPost(posts []models.ScheduledPost, id string) bool {
	for _, p := range posts {
		if p.ScheduleID == id {
			return true
		}
	}
	return false
}

// fetchWindow is the anchor's month grid, which contains its week and day ranges too.
func fetchWindow(st calendar.ViewState) postcache.Window {
	from, to := calendar.VisibleRange(st.CurrentDate, calendar.ViewMonth)
	return postcache.Window{From: from, To: to}
}

// currentLocked reports whether the loaded data covers the range on screen.
func (s *Session) currentLocked() bool {
	return s.loaded && s.window.Covers(fetchWindow(s.state))
}

// prefetchLocked asks the cache for the range on screen when the loaded data misses it.
func (s *Session) prefetchLocked() {
	if s.cache == nil || !s.mounted || s.loading || s.closed || s.currentLocked() {
		return
	}
	s.cache.Prefetch(s.userID, fetchWindow(s.state))
}

func (s *Session) listen(events <-chan postcache.Event) {
	defer s.wg.Done()
	for ev := range events {
		if ev.UserID != s.userID || ev.Kind == postcache.EventInvalidated {
			continue
		}
		entry, ok := s.cache.Peek(s.userID)
		if !ok {
			continue
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.setData(entry.Data, entry.Window, entry.Err)
		s.consumeHighlightLocked()
		s.prefetchLocked()
		v := s.settleLocked()
		s.mu.Unlock()
		s.emit(v)
	}
}

// setData keeps the previous posts when the cache reports an error without data.
func (s *Session) setData(data models.ScheduledPostsResponse, w postcache.Window, err error) {
	s.lastErr = err
	if err != nil && data.Posts == nil {
		return
	}
	s.data = data
	s.window = w
	s.loaded = true
}

// consumeHighlightLocked applies the pending marker once posts for the range on screen are
// loaded. An id that matches nothing there is dropped without effect.
func (s *Session) consumeHighlightLocked() {
	if s.pending == "" || !s.loaded {
		return
	}
	id := s.pending
	next, ok := calendar.ApplyHighlightRequest(s.state, s.data.Posts, id)
	if !ok {
		if s.locating == id || !s.currentLocked() {
			return
		}
		s.pending = ""
		return
	}
	s.pending = ""
	s.highlighter.Stop()
	s.armed = ""
	s.state = next
}

// settleLocked builds the view and drops a highlight it can no longer show, such as a post
// cancelled, filtered out or navigated away from. Only data for the range on screen decides.
func (s *Session) settleLocked() calendar.View {
	v := s.viewLocked()
	id := s.state.HighlightedPostID
	if id == "" || v.Highlight != nil || !s.currentLocked() {
		return v
	}
	s.highlighter.Stop()
	s.armed = ""
	s.state = calendar.ExpireHighlight(s.state, id)
	s.logger.Printf("[Session] highlight_dropped userId=%s scheduleId=%s", s.userID, id)
	return s.viewLocked()
}

func (s *Session) viewLocked() calendar.View {
	return calendar.BuildView(s.state, s.data.Posts, s.now().In(s.loc))
}

func (s *Session) emit(v calendar.View) {
	if s.onChange != nil {
		s.onChange(v)
	}
}

// View renders the current state without changing it.
func (s *Session) View() calendar.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Session) State() calendar.ViewState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Limits() models.SchedulingLimits {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.SchedulingLimits
}

// Err is the last load or cancel failure, nil once a later call succeeds.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) update(fn func(calendar.ViewState) calendar.ViewState) calendar.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = fn(s.state)
	s.prefetchLocked()
	return s.settleLocked()
}

func (s *Session) Navigate(dir calendar.Direction) calendar.View {
	return s.update(func(st calendar.ViewState) calendar.ViewState { return calendar.ApplyNavigation(st, dir) })
}

func (s *Session) Today() calendar.View {
	return s.update(func(st calendar.ViewState) calendar.ViewState { return calendar.ApplyToday(st, s.now().In(s.loc)) })
}

// GoTo moves the anchor to date, shown in the session's timezone.
func (s *Session) GoTo(date time.Time) calendar.View {
	return s.update(func(st calendar.ViewState) calendar.ViewState {
		st.CurrentDate = date.In(s.loc)
		return st
	})
}

func (s *Session) SetViewMode(mode calendar.ViewMode) calendar.View {
	return s.update(func(st calendar.ViewState) calendar.ViewState { return calendar.ApplyViewMode(st, mode) })
}

func (s *Session) SetFilter(f calendar.StatusFilter) calendar.View {
	return s.update(func(st calendar.ViewState) calendar.ViewState { return calendar.ApplyFilter(st, f) })
}

// RequestHighlight handles an inbound deep link. The marker is consumed on the first
// render with loaded posts, so replaying the same view does not re-highlight. A post outside
// the loaded range is looked up in the background and the result arrives through OnChange.
func (s *Session) RequestHighlight(scheduleID string) calendar.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = scheduleID
	if s.closed || s.pending == "" {
		return s.viewLocked()
	}
	if s.loaded && s.locator != nil && !containsPost(s.data.Posts, scheduleID) {
		s.locating = scheduleID
		s.wg.Add(1)
		go s.locateAsync(scheduleID)
		return s.viewLocked()
	}
	s.consumeHighlightLocked()
	return s.settleLocked()
}

func (s *Session) locateAsync(id string) {
	defer s.wg.Done()
	ctx, cancel := context.WithTimeout(s.ctx, 20*time.Second)
	defer cancel()
	if !s.locate(ctx, id) {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if !s.currentLocked() {
		s.prefetchLocked()
		s.mu.Unlock()
		return
	}
	s.consumeHighlightLocked()
	v := s.settleLocked()
	s.mu.Unlock()
	s.emit(v)
}

// Rendered reports that v is on screen and its highlight cell was scrolled into view.
// The first report for a highlight starts its expiry; later re-renders do not extend it.
func (s *Session) Rendered(v calendar.View) {
	if v.Highlight == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := v.Highlight.ScheduleID
	if s.closed || s.state.HighlightedPostID != id || s.armed == id {
		return
	}
	s.armed = id
	s.highlighter.Schedule(id)
}

func (s *Session) expire(scheduleID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.state = calendar.ExpireHighlight(s.state, scheduleID)
	if s.armed == scheduleID {
		s.armed = ""
	}
	v := s.viewLocked()
	s.mu.Unlock()
	s.emit(v)
}

// Cancel sends the cancel request in the background and refetches the posts on success.
// The grid changes only when the refetched data arrives. Failures are logged, not retried.
func (s *Session) Cancel(scheduleID string) {
	s.mu.Lock()
	if s.closed || s.remote == nil {
		s.mu.Unlock()
		return
	}
	s.cancels.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.cancels.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if _, err := s.remote.CancelScheduled(ctx, s.userID, scheduleID); err != nil {
			s.logger.Printf("[Session] cancel_failed userId=%s scheduleId=%s err=%v", s.userID, scheduleID, err)
			s.mu.Lock()
			s.lastErr = err
			s.mu.Unlock()
			return
		}
		s.logger.Printf("[Session] cancelled userId=%s scheduleId=%s", s.userID, scheduleID)
		if s.cache != nil {
			s.cache.Invalidate(postcache.Tag(s.userID))
		}
	}()
}

// Wait blocks until background cancels have returned.
func (s *Session) Wait() {
	s.cancels.Wait()
}

// Close discards the pending highlight expiry, stops the realtime watch and stops listening
// to the cache.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsubscribe := s.unsubscribe
	s.mu.Unlock()

	s.highlighter.Stop()
	s.stop()
	if unsubscribe != nil {
		unsubscribe()
	}
	s.cancels.Wait()
	s.wg.Wait()
}
