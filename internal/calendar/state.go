package calendar

import (
	"time"

	"github.com/PortNumber53/content-calendar/internal/models"
)

// ViewState is the calendar's ephemeral view state. Transitions return a new value.
type ViewState struct {
	Mode              ViewMode
	CurrentDate       time.Time
	Filter            StatusFilter
	HighlightedPostID string
}

func NewViewState(now time.Time) ViewState {
	return ViewState{Mode: ViewWeek, CurrentDate: now, Filter: FilterAll}
}

func ApplyNavigation(s ViewState, dir Direction) ViewState {
	s.CurrentDate = Navigate(s.CurrentDate, s.Mode, dir)
	return s
}

func ApplyToday(s ViewState, now time.Time) ViewState {
	s.CurrentDate = now.In(s.location())
	return s
}

func ApplyViewMode(s ViewState, mode ViewMode) ViewState {
	s.Mode = mode
	return s
}

func ApplyFilter(s ViewState, f StatusFilter) ViewState {
	s.Filter = f
	return s
}

// ApplyHighlightRequest retargets the view onto the requested post and records it as
// highlighted. It reports false, leaving s untouched, when the id does not match a post
// the grid can show. A filter that would hide the target is widened to all.
func ApplyHighlightRequest(s ViewState, posts []models.ScheduledPost, scheduleID string) (ViewState, bool) {
	if scheduleID == "" {
		return s, false
	}
	p, ok := FindPost(posts, scheduleID)
	if !ok || p.Status == models.StatusCancelled {
		return s, false
	}
	s.CurrentDate = p.ScheduledTime.In(s.location())
	s.HighlightedPostID = p.ScheduleID
	if !Visible(p, s.Filter) {
		s.Filter = FilterAll
	}
	return s, true
}

// ExpireHighlight clears the highlight only if it still names scheduleID, so a stale
// expiry never clears a newer highlight.
func ExpireHighlight(s ViewState, scheduleID string) ViewState {
	if s.HighlightedPostID == scheduleID {
		s.HighlightedPostID = ""
	}
	return s
}

func (s ViewState) location() *time.Location {
	if s.CurrentDate.IsZero() {
		return time.Local
	}
	return s.CurrentDate.Location()
}
