package calendar

import (
	"fmt"
	"time"

	"github.com/PortNumber53/content-calendar/internal/models"
)

const (
	dateKeyLayout      = "2006-01-02"
	ScrollSmoothCenter = "smooth-center"
)

type PostCard struct {
	ScheduleID  string        `json:"scheduleId"`
	Title       string        `json:"title"`
	Time        string        `json:"time"`
	Status      models.Status `json:"status"`
	Style       Style         `json:"style"`
	Platforms   []string      `json:"platforms"`
	Highlighted bool          `json:"highlighted,omitempty"`
}

type Slot struct {
	Hour  int        `json:"hour"`
	Label string     `json:"label"`
	Key   string     `json:"key"`
	Posts []PostCard `json:"posts"`
}

type Day struct {
	Date    string     `json:"date"`
	Key     string     `json:"key"`
	InMonth bool       `json:"inMonth"`
	Today   bool       `json:"today"`
	Posts   []PostCard `json:"posts"`
	Shown   []PostCard `json:"shown,omitempty"`
	More    int        `json:"more,omitempty"`
	Slots   []Slot     `json:"slots,omitempty"`
}

// HighlightTarget names the cell to scroll into view and pulse.
type HighlightTarget struct {
	ScheduleID string `json:"scheduleId"`
	CellKey    string `json:"cellKey"`
	Scroll     string `json:"scroll"`
}

// View is the rendering contract shared by the month, week and day grids.
type View struct {
	Mode      ViewMode         `json:"mode"`
	Filter    StatusFilter     `json:"filter"`
	Anchor    string           `json:"anchor"`
	Label     string           `json:"label"`
	Start     time.Time        `json:"start"`
	End       time.Time        `json:"end"`
	TimeSlots []string         `json:"timeSlots,omitempty"`
	Days      []Day            `json:"days"`
	Highlight *HighlightTarget `json:"highlight,omitempty"`
}

func SlotKey(date time.Time, hour int) string {
	return fmt.Sprintf("%sT%02d", date.Format(dateKeyLayout), hour)
}

func DayKey(date time.Time) string {
	return date.Format(dateKeyLayout)
}

func datesFor(s ViewState) []time.Time {
	switch s.Mode {
	case ViewDay:
		return []time.Time{dayStart(s.CurrentDate)}
	case ViewMonth:
		return MonthDates(s.CurrentDate)
	default:
		week := WeekDates(s.CurrentDate)
		return week[:]
	}
}

// BuildView buckets posts into the cells of s's grid. now decides the "today" flags.
func BuildView(s ViewState, posts []models.ScheduledPost, now time.Time) View {
	start, end := VisibleRange(s.CurrentDate, s.Mode)
	v := View{
		Mode:   s.Mode,
		Filter: s.Filter,
		Anchor: s.CurrentDate.Format(dateKeyLayout),
		Label:  DateRangeLabel(s.CurrentDate, s.Mode),
		Start:  start,
		End:    end,
	}
	hourly := s.Mode != ViewMonth
	if hourly {
		v.TimeSlots = TimeSlots()
	}

	for _, date := range datesFor(s) {
		bucket := PostsForDate(posts, date, s.Filter)
		d := Day{
			Date:    date.Format(dateKeyLayout),
			Key:     DayKey(date),
			InMonth: InMonth(date, s.CurrentDate),
			Today:   IsTodayAt(date, now),
			Posts:   cards(bucket, date.Location(), s.HighlightedPostID),
		}
		if hourly {
			d.Slots = make([]Slot, 0, 24)
			for h, label := range v.TimeSlots {
				slot := Slot{Hour: h, Label: label, Key: SlotKey(date, h)}
				slot.Posts = cards(PostsForSlot(posts, date, h, s.Filter), date.Location(), s.HighlightedPostID)
				if v.Highlight == nil && containsCard(slot.Posts, s.HighlightedPostID) {
					v.Highlight = &HighlightTarget{ScheduleID: s.HighlightedPostID, CellKey: slot.Key, Scroll: ScrollSmoothCenter}
				}
				d.Slots = append(d.Slots, slot)
			}
		} else {
			shown, more := Preview(bucket, MonthCellLimit)
			d.Shown, d.More = cards(shown, date.Location(), s.HighlightedPostID), more
			if v.Highlight == nil && containsCard(d.Posts, s.HighlightedPostID) {
				v.Highlight = &HighlightTarget{ScheduleID: s.HighlightedPostID, CellKey: d.Key, Scroll: ScrollSmoothCenter}
			}
		}
		v.Days = append(v.Days, d)
	}
	return v
}

func cards(posts []models.ScheduledPost, loc *time.Location, highlighted string) []PostCard {
	out := make([]PostCard, 0, len(posts))
	for _, p := range posts {
		platforms := make([]string, 0, len(p.Platforms))
		for _, t := range p.Platforms {
			platforms = append(platforms, t.Platform)
		}
		out = append(out, PostCard{
			ScheduleID:  p.ScheduleID,
			Title:       p.Title,
			Time:        p.ScheduledTime.In(loc).Format("15:04"),
			Status:      p.Status,
			Style:       StyleFor(p.Status),
			Platforms:   platforms,
			Highlighted: highlighted != "" && p.ScheduleID == highlighted,
		})
	}
	return out
}

func containsCard(cs []PostCard, scheduleID string) bool {
	if scheduleID == "" {
		return false
	}
	for _, c := range cs {
		if c.ScheduleID == scheduleID {
			return true
		}
	}
	return false
}
