package handlers

import (
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/PortNumber53/content-calendar/internal/calendar"
	"github.com/PortNumber53/content-calendar/internal/models"
	"github.com/PortNumber53/content-calendar/internal/observability"
)

type calendarViewResponse struct {
	View             calendar.View           `json:"view"`
	SchedulingLimits models.SchedulingLimits `json:"schedulingLimits"`
	Timezone         string                  `json:"timezone"`
}

// CalendarViewForUser renders a month, week or day grid server-side for thin clients.
//
// URL: /api/calendar/user/{userId}?view=week&date=2024-03-15&status=all&highlight=sch_x&tz=America/New_York
//
// A highlight id retargets the anchor date to the post's day. The expiry of the highlight is left to the client.
func (h *Handler) CalendarViewForUser(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(pathVar(r, "userId"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	q := r.URL.Query()

	loc := time.UTC
	if tz := strings.TrimSpace(q.Get("tz")); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid tz")
			return
		}
		loc = l
	}
	mode, err := calendar.ParseViewMode(strings.TrimSpace(q.Get("view")))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid view")
		return
	}
	filter, err := calendar.ParseStatusFilter(strings.TrimSpace(q.Get("status")))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}

	now := h.now().In(loc)
	state := calendar.NewViewState(now)
	if d := strings.TrimSpace(q.Get("date")); d != "" {
		anchor, err := parseTimeParam(d, loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid date")
			return
		}
		state = calendar.ApplyToday(state, anchor)
	}
	state = calendar.ApplyFilter(calendar.ApplyViewMode(state, mode), filter)

	if id := strings.TrimSpace(q.Get("highlight")); id != "" {
		p, err := h.getScheduledPost(r.Context(), userID, id)
		switch {
		case err == nil:
			state, _ = calendar.ApplyHighlightRequest(state, []models.ScheduledPost{p}, id)
		case errors.Is(err, errNotFound):
			log.Printf("[Calendar][View] highlight_not_found userId=%s scheduleId=%s", userID, id)
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	observability.CalendarViews.WithLabelValues(string(state.Mode)).Inc()
	start, end := calendar.VisibleRange(state.CurrentDate, state.Mode)
	posts, err := h.listScheduledPosts(r.Context(), userID, start, end)
	if err != nil {
		log.Printf("[Calendar][View] query_failed userId=%s err=%v", userID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	limits, err := h.limits.Limits(r.Context(), userID)
	if err != nil {
		log.Printf("[Calendar][View] limits_failed userId=%s err=%v", userID, err)
	}

	writeJSON(w, http.StatusOK, calendarViewResponse{
		View:             calendar.BuildView(state, posts, now),
		SchedulingLimits: limits,
		Timezone:         loc.String(),
	})
}
