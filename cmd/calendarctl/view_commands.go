package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/PortNumber53/content-calendar/internal/calendar"
	"github.com/PortNumber53/content-calendar/internal/models"
	"github.com/PortNumber53/content-calendar/internal/postcache"
	"github.com/PortNumber53/content-calendar/internal/session"
	"github.com/spf13/cobra"
)

var weekdayHeaders = []string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}

func newViewCommand(ctx *commandContext, mode calendar.ViewMode, short string) *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   string(mode),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := calendar.ParseStatusFilter(ctx.status)
			if err != nil {
				return fmt.Errorf("--status: %w", err)
			}
			out := &viewPrinter{w: cmd.OutOrStdout()}
			var sess *session.Session
			var onChange func(calendar.View)
			if follow {
				onChange = func(v calendar.View) {
					out.print(renderView(v, sess.Limits()))
					sess.Rendered(v)
				}
			}
			sess, loc, closeSession, err := ctx.openSession(cmd, follow, onChange)
			if err != nil {
				return err
			}
			defer closeSession()

			sess.SetViewMode(mode)
			sess.SetFilter(filter)
			if ctx.date != "" {
				d, err := time.ParseInLocation("2006-01-02", ctx.date, loc)
				if err != nil {
					return fmt.Errorf("invalid --date %q: expected YYYY-MM-DD", ctx.date)
				}
				sess.GoTo(d)
			}

			v, loadErr := sess.Mount(cmd.Context(), ctx.highlight)
			out.print(renderView(v, sess.Limits()))
			if !follow {
				if loadErr != nil {
					return fmt.Errorf("load scheduled posts: %w", loadErr)
				}
				return nil
			}
			if loadErr != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "load scheduled posts: %v\n", loadErr)
			}
			sess.Rendered(v)
			<-cmd.Context().Done()
			return nil
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep running and redraw when scheduled posts change")
	return cmd
}

// viewPrinter serializes renders from the session callback and skips unchanged ones.
type viewPrinter struct {
	mu   sync.Mutex
	w    io.Writer
	last string
}

func (p *viewPrinter) print(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s == p.last {
		return
	}
	p.last = s
	fmt.Fprint(p.w, s)
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <scheduleId>",
		Short: "Cancel a scheduled post",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scheduleID := strings.TrimSpace(args[0])
			sess, _, closeSession, err := ctx.openSession(cmd, false, nil)
			if err != nil {
				return err
			}
			defer closeSession()

			if _, err := sess.Mount(cmd.Context(), ""); err != nil {
				return fmt.Errorf("load scheduled posts: %w", err)
			}
			sess.Cancel(scheduleID)
			sess.Wait()
			if err := sess.Err(); err != nil {
				switch {
				case errors.Is(err, postcache.ErrNotFound):
					return fmt.Errorf("schedule %s not found", scheduleID)
				case errors.Is(err, postcache.ErrNotCancellable):
					return fmt.Errorf("schedule %s can no longer be cancelled", scheduleID)
				}
				return fmt.Errorf("cancel %s: %w", scheduleID, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s\n", scheduleID)
			return nil
		},
	}
}

func renderView(v calendar.View, limits models.SchedulingLimits) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s | %s view | filter: %s | %s\n", v.Label, v.Mode, v.Filter, limitsBadge(limits))

	switch v.Mode {
	case calendar.ViewMonth:
		b.WriteString(renderMonth(v))
	case calendar.ViewDay:
		b.WriteString(renderDay(v))
	default:
		b.WriteString(renderWeek(v))
	}
	b.WriteString("\n")

	if v.Highlight != nil {
		fmt.Fprintf(&b, "Highlighted %s in cell %s\n", v.Highlight.ScheduleID, v.Highlight.CellKey)
	}
	return b.String()
}

func limitsBadge(l models.SchedulingLimits) string {
	if l.Limit < 0 {
		return fmt.Sprintf("%d scheduled this month (unlimited)", l.Used)
	}
	return fmt.Sprintf("%d/%d scheduled this month", l.Used, l.Limit)
}

func cardLine(c calendar.PostCard) string {
	marker := ""
	if c.Highlighted {
		marker = "» "
	}
	return fmt.Sprintf("%s%s %s [%s]", marker, c.Time, c.Title, c.Style.Label)
}

func dayLabel(d calendar.Day) string {
	t, err := time.Parse("2006-01-02", d.Date)
	if err != nil {
		return d.Date
	}
	label := fmt.Sprintf("%d", t.Day())
	if !d.InMonth {
		label = "(" + label + ")"
	}
	if d.Today {
		label += " today"
	}
	return label
}

func renderMonth(v calendar.View) string {
	rows := make([][]string, 0, len(v.Days)/7)
	for i := 0; i+7 <= len(v.Days); i += 7 {
		row := make([]string, 0, 7)
		for _, d := range v.Days[i : i+7] {
			lines := []string{dayLabel(d)}
			for _, c := range d.Shown {
				lines = append(lines, cardLine(c))
			}
			if d.More > 0 {
				lines = append(lines, fmt.Sprintf("+%d more", d.More))
			}
			row = append(row, strings.Join(lines, "\n"))
		}
		rows = append(rows, row)
	}
	return renderTable(weekdayHeaders, rows, nil)
}

func renderWeek(v calendar.View) string {
	headers := []string{"Time"}
	for _, d := range v.Days {
		t, err := time.Parse("2006-01-02", d.Date)
		if err != nil {
			headers = append(headers, d.Date)
			continue
		}
		h := t.Format("Mon 01/02")
		if d.Today {
			h += " *"
		}
		headers = append(headers, h)
	}

	var rows [][]string
	for hour, label := range v.TimeSlots {
		row := []string{label}
		busy := false
		for _, d := range v.Days {
			lines := make([]string, 0)
			if hour < len(d.Slots) {
				for _, c := range d.Slots[hour].Posts {
					lines = append(lines, cardLine(c))
				}
			}
			if len(lines) > 0 {
				busy = true
			}
			row = append(row, strings.Join(lines, "\n"))
		}
		if busy {
			rows = append(rows, row)
		}
	}
	if len(rows) == 0 {
		return "No scheduled posts in this range\n"
	}
	aligns := []columnAlignment{alignRight}
	return renderTable(headers, rows, aligns)
}

func renderDay(v calendar.View) string {
	var rows [][]string
	for _, d := range v.Days {
		for _, slot := range d.Slots {
			for _, c := range slot.Posts {
				title := c.Title
				if c.Highlighted {
					title = "» " + title
				}
				rows = append(rows, []string{c.Time, title, c.Style.Label, strings.Join(c.Platforms, ", "), c.ScheduleID})
			}
		}
	}
	if len(rows) == 0 {
		return "No scheduled posts on this day\n"
	}
	return renderTable([]string{"Time", "Title", "Status", "Platforms", "ID"}, rows, nil)
}
