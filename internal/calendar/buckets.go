package calendar

import (
	"fmt"
	"time"

	"github.com/PortNumber53/content-calendar/internal/models"
)

// StatusFilter narrows which non-cancelled posts are rendered. It never affects fetching.
type StatusFilter string

const (
	FilterAll       StatusFilter = "all"
	FilterScheduled StatusFilter = "scheduled"
	FilterPublished StatusFilter = "published"
	FilterPartial   StatusFilter = "partial"
	FilterFailed    StatusFilter = "failed"
)

// MonthCellLimit is how many posts a month cell shows before "+N more".
const MonthCellLimit = 3

func ParseStatusFilter(s string) (StatusFilter, error) {
	switch StatusFilter(s) {
	case FilterAll, FilterScheduled, FilterPublished, FilterPartial, FilterFailed:
		return StatusFilter(s), nil
	case "":
		return FilterAll, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatusFilter, s)
	}
}

// Visible reports whether p belongs on the grid under filter. Cancelled posts never do.
func Visible(p models.ScheduledPost, filter StatusFilter) bool {
	if p.Status == models.StatusCancelled {
		return false
	}
	if filter == FilterAll || filter == "" {
		return true
	}
	return string(p.Status) == string(filter)
}

// PostsForDate returns the visible posts scheduled on date's calendar day, in input order.
func PostsForDate(posts []models.ScheduledPost, date time.Time, filter StatusFilter) []models.ScheduledPost {
	var out []models.ScheduledPost
	for _, p := range posts {
		if Visible(p, filter) && IsSameDay(date, p.ScheduledTime) {
			out = append(out, p)
		}
	}
	return out
}

// PostsForSlot is PostsForDate narrowed to posts whose local hour equals hour.
func PostsForSlot(posts []models.ScheduledPost, date time.Time, hour int, filter StatusFilter) []models.ScheduledPost {
	var out []models.ScheduledPost
	for _, p := range posts {
		if !Visible(p, filter) || !IsSameDay(date, p.ScheduledTime) {
			continue
		}
		if p.ScheduledTime.In(date.Location()).Hour() == hour {
			out = append(out, p)
		}
	}
	return out
}

// Preview splits a cell's posts into the ones shown and the count behind "+N more".
func Preview(posts []models.ScheduledPost, limit int) ([]models.ScheduledPost, int) {
	if limit <= 0 || len(posts) <= limit {
		return posts, 0
	}
	return posts[:limit], len(posts) - limit
}

// FindPost looks a post up by schedule id, cancelled posts included.
func FindPost(posts []models.ScheduledPost, scheduleID string) (models.ScheduledPost, bool) {
	for _, p := range posts {
		if p.ScheduleID == scheduleID {
			return p, true
		}
	}
	return models.ScheduledPost{}, false
}
