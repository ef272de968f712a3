package calendar

import (
	"fmt"
	"time"
)

// ViewMode selects the date-range function and grid that is active.
type ViewMode string

const (
	ViewDay   ViewMode = "day"
	ViewWeek  ViewMode = "week"
	ViewMonth ViewMode = "month"
)

func ParseViewMode(s string) (ViewMode, error) {
	switch ViewMode(s) {
	case ViewDay, ViewWeek, ViewMonth:
		return ViewMode(s), nil
	case "":
		return ViewWeek, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidViewMode, s)
	}
}

type Direction int

const (
	Prev Direction = -1
	Next Direction = 1
)

// dayStart returns midnight of t's calendar day in t's location.
func dayStart(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// addDays steps whole calendar days. time.Date normalizes the overflow, so a DST
// transition inside the range never moves a result off midnight.
func addDays(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+n, 0, 0, 0, 0, t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

// WeekDates returns the Sunday-through-Saturday week containing anchor, at midnight.
func WeekDates(anchor time.Time) [7]time.Time {
	start := addDays(anchor, -int(anchor.Weekday()))
	var out [7]time.Time
	for i := range out {
		out[i] = addDays(start, i)
	}
	return out
}

// MonthDates returns every date from the Sunday on or before the first of anchor's
// month through the Saturday on or after its last day. The length is always a
// multiple of 7; days of adjacent months are included and flagged by InMonth.
func MonthDates(anchor time.Time) []time.Time {
	y, m, _ := anchor.Date()
	loc := anchor.Location()
	first := time.Date(y, m, 1, 0, 0, 0, 0, loc)
	last := time.Date(y, m, daysIn(y, m, loc), 0, 0, 0, 0, loc)

	start := addDays(first, -int(first.Weekday()))
	n := int(first.Weekday()) + last.Day() + (6 - int(last.Weekday()))

	out := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, addDays(start, i))
	}
	return out
}

// InMonth reports whether date falls in anchor's month.
func InMonth(date, anchor time.Time) bool {
	date = date.In(anchor.Location())
	return date.Year() == anchor.Year() && date.Month() == anchor.Month()
}

// TimeSlots returns the 24 hourly slot labels of the day and week grids.
func TimeSlots() []string {
	out := make([]string, 24)
	for h := range out {
		out[h] = fmt.Sprintf("%02d:00", h)
	}
	return out
}

// IsSameDay compares calendar days, reading b in a's location.
func IsSameDay(a, b time.Time) bool {
	b = b.In(a.Location())
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func IsToday(d time.Time) bool {
	return IsTodayAt(d, time.Now())
}

func IsTodayAt(d, now time.Time) bool {
	return IsSameDay(d, now)
}

// Navigate shifts current by one day, one week or one calendar month. In month mode
// the day of month is clamped to the target month's length (Jan 31 -> Feb 29 in 2024).
func Navigate(current time.Time, mode ViewMode, dir Direction) time.Time {
	step := int(dir)
	switch mode {
	case ViewDay:
		return current.AddDate(0, 0, step)
	case ViewMonth:
		y, m, d := current.Date()
		loc := current.Location()
		target := time.Date(y, m+time.Month(step), 1, 0, 0, 0, 0, loc)
		ty, tm, _ := target.Date()
		if last := daysIn(ty, tm, loc); d > last {
			d = last
		}
		hh, mm, ss := current.Clock()
		return time.Date(ty, tm, d, hh, mm, ss, current.Nanosecond(), loc)
	default:
		return current.AddDate(0, 0, 7*step)
	}
}

// DateRangeLabel formats the heading shown above the grid.
func DateRangeLabel(current time.Time, mode ViewMode) string {
	switch mode {
	case ViewDay:
		return current.Format("Monday, January 2, 2006")
	case ViewMonth:
		return current.Format("January 2006")
	}

	week := WeekDates(current)
	start, end := week[0], week[6]
	switch {
	case start.Year() != end.Year():
		return start.Format("Jan 2, 2006") + " – " + end.Format("Jan 2, 2006")
	case start.Month() == end.Month():
		return fmt.Sprintf("%s %d – %d, %d", start.Format("Jan"), start.Day(), end.Day(), end.Year())
	default:
		return start.Format("Jan 2") + " – " + end.Format("Jan 2, 2006")
	}
}

// VisibleRange returns the half-open [start, end) window covering every cell the
// view renders.
func VisibleRange(current time.Time, mode ViewMode) (time.Time, time.Time) {
	switch mode {
	case ViewDay:
		start := dayStart(current)
		return start, addDays(start, 1)
	case ViewMonth:
		dates := MonthDates(current)
		return dates[0], addDays(dates[len(dates)-1], 1)
	default:
		week := WeekDates(current)
		return week[0], addDays(week[6], 1)
	}
}
