package handlers

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/PortNumber53/content-calendar/internal/eventbus"
	"github.com/PortNumber53/content-calendar/internal/middleware"
	"github.com/PortNumber53/content-calendar/internal/models"
	"github.com/PortNumber53/content-calendar/internal/observability"
	"github.com/lib/pq"
)

type Handler struct {
	db     *sql.DB
	feed   *scheduleFeed
	bus    *eventbus.Bus
	limits *middleware.SchedulingLimiter
	now    func() time.Time

	stripeWebhookSecret string // falls back to STRIPE_WEBHOOK_SECRET
}

func New(db *sql.DB) *Handler {
	return &Handler{db: db, feed: newScheduleFeed(), limits: middleware.NewSchedulingLimiter(db), now: time.Now}
}

// Limiter exposes the plan limiter so the router can wrap schedule creation with it.
func (h *Handler) Limiter() *middleware.SchedulingLimiter {
	return h.limits
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

var (
	errNotFound       = errors.New("not_found")
	errNotCancellable = errors.New("not_cancellable")
)

var knownPlatforms = map[string]bool{
	"youtube":   true,
	"tiktok":    true,
	"instagram": true,
	"facebook":  true,
	"pinterest": true,
	"threads":   true,
}

const scheduledPostColumns = `schedule_id, user_id, video_id, scheduled_time, status,
	COALESCE(platforms, '[]'::jsonb) AS platforms, title, hook, description, COALESCE(tags, ARRAY[]::text[]) AS tags,
	video_footer, thumbnail_url, aspect_ratio, upload_results, created_at, updated_at`

// listScheduledLimit caps one listing. Past the cap the latest posts win.
const listScheduledLimit = 1000

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScheduledPost(s rowScanner) (models.ScheduledPost, error) {
	var (
		p             models.ScheduledPost
		status        string
		platformsJSON []byte
		resultsJSON   []byte
		aspect        sql.NullString
	)
	err := s.Scan(
		&p.ScheduleID, &p.UserID, &p.VideoID, &p.ScheduledTime, &status,
		&platformsJSON, &p.Title, &p.Hook, &p.Description, pq.Array(&p.Tags),
		&p.VideoFooter, &p.ThumbnailURL, &aspect, &resultsJSON, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return models.ScheduledPost{}, err
	}
	p.Status = models.Status(status)
	if len(platformsJSON) > 0 {
		if err := json.Unmarshal(platformsJSON, &p.Platforms); err != nil {
			return models.ScheduledPost{}, fmt.Errorf("decode platforms for %s: %w", p.ScheduleID, err)
		}
	}
	if len(resultsJSON) > 0 {
		if err := json.Unmarshal(resultsJSON, &p.UploadResults); err != nil {
			return models.ScheduledPost{}, fmt.Errorf("decode upload results for %s: %w", p.ScheduleID, err)
		}
	}
	if aspect.Valid && aspect.String != "" {
		a := models.AspectRatio(aspect.String)
		p.AspectRatio = &a
	}
	return p, nil
}

// listScheduledPosts returns a user's posts ordered by scheduled time. A zero from/to leaves that side open.
// When more than listScheduledLimit posts match, the earliest ones are left out.
func (h *Handler) listScheduledPosts(ctx context.Context, userID string, from, to time.Time) ([]models.ScheduledPost, error) {
	var fromArg, toArg any
	if !from.IsZero() {
		fromArg = from.UTC()
	}
	if !to.IsZero() {
		toArg = to.UTC()
	}
	rows, err := h.db.QueryContext(ctx, `
		SELECT * FROM (
			SELECT `+scheduledPostColumns+`
			  FROM public.scheduled_posts
			 WHERE user_id = $1
			   AND ($2::timestamptz IS NULL OR scheduled_time >= $2)
			   AND ($3::timestamptz IS NULL OR scheduled_time < $3)
			 ORDER BY scheduled_time DESC, created_at DESC
			 LIMIT $4
		) latest
		 ORDER BY scheduled_time ASC, created_at ASC
	`, userID, fromArg, toArg, listScheduledLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	posts := []models.ScheduledPost{}
	for rows.Next() {
		p, err := scanScheduledPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

func (h *Handler) getScheduledPost(ctx context.Context, userID, scheduleID string) (models.ScheduledPost, error) {
	row := h.db.QueryRowContext(ctx, `
		SELECT `+scheduledPostColumns+`
		  FROM public.scheduled_posts
		 WHERE schedule_id = $1 AND user_id = $2
	`, scheduleID, userID)
	p, err := scanScheduledPost(row)
	if err == sql.ErrNoRows {
		return models.ScheduledPost{}, errNotFound
	}
	return p, err
}

// parseTimeParam accepts RFC3339 timestamps or bare YYYY-MM-DD dates (read in loc).
func parseTimeParam(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.In(loc), nil
	}
	t, err := time.ParseInLocation("2006-01-02", v, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", v)
	}
	return t, nil
}

// ListScheduledPostsForUser returns a user's scheduled posts (optionally within ?from=&to=) and the scheduling badge limits.
func (h *Handler) ListScheduledPostsForUser(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(pathVar(r, "userId"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	from, err := parseTimeParam(r.URL.Query().Get("from"), time.UTC)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := parseTimeParam(r.URL.Query().Get("to"), time.UTC)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	posts, err := h.listScheduledPosts(r.Context(), userID, from, to)
	if err != nil {
		log.Printf("[ScheduledPosts][List] query_failed userId=%s err=%v", userID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	limits, err := h.limits.Limits(r.Context(), userID)
	if err != nil {
		// The badge is informational; fall back to an empty one.
		log.Printf("[ScheduledPosts][List] limits_failed userId=%s err=%v", userID, err)
	}

	writeJSON(w, http.StatusOK, models.ScheduledPostsResponse{Posts: posts, SchedulingLimits: limits})
}

// GetScheduledPostForUser looks a post up by id. Cancelled posts stay addressable here.
func (h *Handler) GetScheduledPostForUser(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(pathVar(r, "userId"))
	scheduleID := strings.TrimSpace(pathVar(r, "scheduleId"))
	if userID == "" || scheduleID == "" {
		writeError(w, http.StatusBadRequest, "userId and scheduleId are required")
		return
	}
	p, err := h.getScheduledPost(r.Context(), userID, scheduleID)
	if err != nil {
		if errors.Is(err, errNotFound) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type createScheduledPostRequest struct {
	ScheduleID    *string                 `json:"scheduleId,omitempty"`
	VideoID       string                  `json:"videoId"`
	Title         string                  `json:"title"`
	ScheduledTime *time.Time              `json:"scheduledTime"`
	Platforms     []models.PlatformTarget `json:"platforms"`
	Hook          *string                 `json:"hook,omitempty"`
	Description   *string                 `json:"description,omitempty"`
	Tags          []string                `json:"tags,omitempty"`
	VideoFooter   *string                 `json:"videoFooter,omitempty"`
	ThumbnailURL  *string                 `json:"thumbnailUrl,omitempty"`
	AspectRatio   *string                 `json:"aspectRatio,omitempty"`
}

// normalizePlatforms trims, lowercases and dedupes targets by (platform, account). Unknown platforms are dropped.
func normalizePlatforms(in []models.PlatformTarget) []models.PlatformTarget {
	out := make([]models.PlatformTarget, 0, len(in))
	seen := map[string]bool{}
	for _, t := range in {
		p := strings.TrimSpace(strings.ToLower(t.Platform))
		if !knownPlatforms[p] {
			continue
		}
		var account *string
		key := p
		if t.AccountName != nil {
			if a := strings.TrimSpace(*t.AccountName); a != "" {
				account = &a
				key += "/" + a
			}
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, models.PlatformTarget{Platform: p, AccountName: account})
	}
	return out
}

func normalizeTags(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]bool{}
	for _, t := range in {
		tt := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(t), "#"))
		if tt == "" || seen[strings.ToLower(tt)] {
			continue
		}
		seen[strings.ToLower(tt)] = true
		out = append(out, tt)
	}
	return out
}

// CreateScheduledPostForUser schedules a rendered video for publishing.
func (h *Handler) CreateScheduledPostForUser(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	userID := strings.TrimSpace(pathVar(r, "userId"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	var req createScheduledPostRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	req.VideoID = strings.TrimSpace(req.VideoID)
	req.Title = strings.TrimSpace(req.Title)
	if req.VideoID == "" {
		writeError(w, http.StatusBadRequest, "videoId is required")
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if req.ScheduledTime == nil {
		writeError(w, http.StatusBadRequest, "scheduledTime is required")
		return
	}
	if !req.ScheduledTime.After(h.now()) {
		writeError(w, http.StatusBadRequest, "scheduledTime must be in the future")
		return
	}
	platforms := normalizePlatforms(req.Platforms)
	if len(platforms) == 0 {
		writeError(w, http.StatusBadRequest, "platforms is required")
		return
	}
	var aspect any
	if req.AspectRatio != nil {
		a := strings.TrimSpace(strings.ToLower(*req.AspectRatio))
		if a != string(models.AspectPortrait) && a != string(models.AspectLandscape) {
			writeError(w, http.StatusBadRequest, "invalid aspectRatio")
			return
		}
		aspect = a
	}

	id := ""
	if req.ScheduleID != nil {
		id = strings.TrimSpace(*req.ScheduleID)
	}
	if id == "" {
		id = "sch_" + randHex(12)
	}
	platformsJSON, _ := json.Marshal(platforms)

	row := h.db.QueryRowContext(r.Context(), `
		INSERT INTO public.scheduled_posts
		  (schedule_id, user_id, video_id, scheduled_time, status, platforms, title, hook, description, tags,
		   video_footer, thumbnail_url, aspect_ratio, created_at, updated_at)
		VALUES
		  ($1, $2, $3, $4, 'scheduled', $5::jsonb, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
		RETURNING `+scheduledPostColumns,
		id, userID, req.VideoID, req.ScheduledTime.UTC(), string(platformsJSON), req.Title, req.Hook, req.Description,
		pq.Array(normalizeTags(req.Tags)), req.VideoFooter, req.ThumbnailURL, aspect,
	)
	out, err := scanScheduledPost(row)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			writeError(w, http.StatusConflict, "already_exists")
			return
		}
		log.Printf("[ScheduledPosts][Create] insert_failed userId=%s scheduleId=%s err=%v", userID, id, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Printf("[ScheduledPosts][Create] ok userId=%s scheduleId=%s scheduledTime=%s platforms=%d",
		userID, out.ScheduleID, out.ScheduledTime.UTC().Format(time.RFC3339), len(out.Platforms))
	observability.ScheduledPostsCreated.Inc()
	h.publish(scheduleUpdated(out))
	writeJSON(w, http.StatusOK, out)
}

// cancelScheduledPost moves a still-scheduled post to cancelled. Posts already publishing or done are not cancellable.
func (h *Handler) cancelScheduledPost(ctx context.Context, userID, scheduleID string) (models.ScheduledPost, error) {
	row := h.db.QueryRowContext(ctx, `
		UPDATE public.scheduled_posts
		   SET status = 'cancelled',
		       cancelled_at = NOW(),
		       updated_at = NOW()
		 WHERE schedule_id = $1
		   AND user_id = $2
		   AND status = 'scheduled'
		RETURNING `+scheduledPostColumns,
		scheduleID, userID,
	)
	p, err := scanScheduledPost(row)
	if err == nil {
		return p, nil
	}
	if err != sql.ErrNoRows {
		return models.ScheduledPost{}, err
	}

	// Tell a missing row apart from one in a later lifecycle state.
	var status string
	e2 := h.db.QueryRowContext(ctx, `SELECT status FROM public.scheduled_posts WHERE schedule_id = $1 AND user_id = $2`, scheduleID, userID).
		Scan(&status)
	if e2 == sql.ErrNoRows {
		return models.ScheduledPost{}, errNotFound
	}
	if e2 != nil {
		return models.ScheduledPost{}, e2
	}
	return models.ScheduledPost{}, fmt.Errorf("%w: status=%s", errNotCancellable, status)
}

// CancelScheduledPostForUser cancels a scheduled post and notifies subscribers so client caches refetch.
func (h *Handler) CancelScheduledPostForUser(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	userID := strings.TrimSpace(pathVar(r, "userId"))
	scheduleID := strings.TrimSpace(pathVar(r, "scheduleId"))
	if userID == "" || scheduleID == "" {
		writeError(w, http.StatusBadRequest, "userId and scheduleId are required")
		return
	}

	p, err := h.cancelScheduledPost(r.Context(), userID, scheduleID)
	if err != nil {
		switch {
		case errors.Is(err, errNotFound):
			writeError(w, http.StatusNotFound, "not_found")
		case errors.Is(err, errNotCancellable):
			writeError(w, http.StatusConflict, "not_cancellable")
		default:
			log.Printf("[ScheduledPosts][Cancel] failed userId=%s scheduleId=%s err=%v", userID, scheduleID, err)
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	log.Printf("[ScheduledPosts][Cancel] ok userId=%s scheduleId=%s", userID, scheduleID)
	observability.ScheduledPostsCancelled.Inc()
	h.publish(scheduleUpdated(p))
	writeJSON(w, http.StatusOK, p)
}

func randHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UTC().UnixNano())
	}
	return hex.EncodeToString(b)
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}
