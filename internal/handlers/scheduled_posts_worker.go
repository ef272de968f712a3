package handlers

import (
	"context"
	"database/sql"
	"log"
	"strings"
	"time"

	"github.com/PortNumber53/content-calendar/internal/models"
	"github.com/PortNumber53/content-calendar/internal/observability"
)

// claimedFunc is called once per post the sweeper moved into publishing.
type claimedFunc func(scheduleID, userID string)

// processDueScheduledPostsOnce moves due scheduled posts into publishing.
//
// Claiming is a conditional UPDATE on status, so two instances never claim the same post.
func (h *Handler) processDueScheduledPostsOnce(ctx context.Context, limit int, onClaimed claimedFunc) (int, error) {
	if h == nil || h.db == nil {
		return 0, nil
	}
	if limit <= 0 {
		limit = 25
	}
	if onClaimed == nil {
		onClaimed = func(scheduleID, userID string) {}
	}

	type cand struct {
		id            string
		userID        string
		scheduledTime time.Time
	}

	rows, err := h.db.QueryContext(ctx, `
		SELECT schedule_id, user_id, scheduled_time
		  FROM public.scheduled_posts
		 WHERE status = 'scheduled'
		   AND scheduled_time <= NOW()
		 ORDER BY scheduled_time ASC
		 LIMIT $1
	`, limit)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	cands := make([]cand, 0)
	for rows.Next() {
		var c cand
		if err := rows.Scan(&c.id, &c.userID, &c.scheduledTime); err != nil {
			return 0, err
		}
		cands = append(cands, c)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	claimed := 0
	for _, c := range cands {
		log.Printf("[ScheduledPosts] candidate scheduleId=%s userId=%s scheduledTime=%s",
			c.id, c.userID, c.scheduledTime.UTC().Format(time.RFC3339))

		res, err := h.db.ExecContext(ctx, `
			UPDATE public.scheduled_posts
			   SET status = 'publishing',
			       publishing_started_at = NOW(),
			       updated_at = NOW()
			 WHERE schedule_id = $1
			   AND user_id = $2
			   AND status = 'scheduled'
			   AND scheduled_time <= NOW()
		`, c.id, c.userID)
		if err != nil {
			log.Printf("[ScheduledPosts] claim_failed scheduleId=%s userId=%s err=%v", c.id, c.userID, err)
			continue
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			log.Printf("[ScheduledPosts] claim_skipped scheduleId=%s userId=%s reason=cancelled_or_already_claimed", c.id, c.userID)
			continue
		}

		claimed++
		observability.WorkerClaims.Inc()
		log.Printf("[ScheduledPosts] claimed scheduleId=%s userId=%s", c.id, c.userID)
		h.publish(statusChanged(c.userID, c.id, models.StatusPublishing))
		onClaimed(c.id, c.userID)
	}

	return claimed, nil
}

// StartScheduledPostsWorker runs a periodic poller that moves due scheduled posts into publishing.
// onClaimed may be nil.
func (h *Handler) StartScheduledPostsWorker(ctx context.Context, interval time.Duration, onClaimed claimedFunc) {
	if interval <= 0 {
		interval = time.Minute
	}
	log.Printf("[ScheduledPosts] worker started interval=%s", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sweepCount := 0
	sweepStats := func() (due int, next sql.NullTime) {
		if h == nil || h.db == nil {
			return 0, sql.NullTime{}
		}
		_ = h.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM public.scheduled_posts WHERE status = 'scheduled' AND scheduled_time <= NOW()
		`).Scan(&due)
		_ = h.db.QueryRowContext(ctx, `
			SELECT MIN(scheduled_time) FROM public.scheduled_posts WHERE status = 'scheduled' AND scheduled_time > NOW()
		`).Scan(&next)
		return due, next
	}

	run := func() {
		sweepCount++
		limit := 25
		backoffs := []time.Duration{700 * time.Millisecond, 1500 * time.Millisecond, 3 * time.Second}
		var n int
		var err error
		for attempt := 0; attempt < len(backoffs)+1; attempt++ {
			sweepCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
			n, err = h.processDueScheduledPostsOnce(sweepCtx, limit, onClaimed)
			cancel()
			if err == nil {
				break
			}
			if strings.Contains(strings.ToLower(err.Error()), "out of memory") && limit > 5 {
				limit = 5
			}
			if attempt < len(backoffs) {
				log.Printf("[ScheduledPosts] sweep error attempt=%d/%d limit=%d err=%v", attempt+1, len(backoffs)+1, limit, err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoffs[attempt]):
				}
				continue
			}
		}
		if err != nil {
			log.Printf("[ScheduledPosts] sweep error final limit=%d err=%v", limit, err)
			return
		}
		if n > 0 {
			log.Printf("[ScheduledPosts] claimed=%d", n)
			return
		}
		// Every ~10 sweeps, print a summary so "nothing happening" is diagnosable.
		if sweepCount%10 == 0 {
			due, next := sweepStats()
			nextStr := ""
			if next.Valid {
				nextStr = next.Time.UTC().Format(time.RFC3339)
			}
			log.Printf("[ScheduledPosts] sweep ok claimed=0 due=%d next=%s", due, nextStr)
		}
	}

	run()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[ScheduledPosts] worker stopped err=%v", ctx.Err())
			return
		case <-ticker.C:
			run()
		}
	}
}
