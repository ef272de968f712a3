package publishsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/PortNumber53/content-calendar/internal/models"
	"github.com/PortNumber53/content-calendar/internal/observability"
)

// DefaultMaxPublishing is how long a post may sit in publishing before unresolved targets are failed.
const DefaultMaxPublishing = 6 * time.Hour

type PostSyncResult struct {
	ScheduleID string
	Done       bool
	Status     models.Status
	Results    []models.UploadResult
	Pending    int
}

// SyncPost checks every target of a publishing post once. Targets that already carry a final
// upload result are not checked again. When all targets have one the post is moved to
// published, partial or failed.
func (r *Runner) SyncPost(ctx context.Context, post models.ScheduledPost, checkers map[string]Checker) PostSyncResult {
	return r.syncPost(ctx, post, checkers, false)
}

func (r *Runner) syncPost(ctx context.Context, post models.ScheduledPost, checkers map[string]Checker, timedOut bool) PostSyncResult {
	r.EnsureDefaults()
	out := PostSyncResult{ScheduleID: post.ScheduleID}
	results := make([]models.UploadResult, 0, len(post.Platforms))
	known := finalResults(post.UploadResults)
	fresh := 0

	for _, target := range post.Platforms {
		if res, ok := known[target.Platform]; ok {
			results = append(results, res)
			continue
		}
		checker := checkers[target.Platform]
		if checker == nil {
			results = append(results, failed(target.Platform, "unsupported_platform"))
			continue
		}
		lim, cfg := r.limiterForPlatform(target.Platform)

		if r.DB != nil && cfg.DailyRequestsMax > 0 {
			ok, used, err := ConsumeRequests(ctx, r.DB, target.Platform, 1, cfg.DailyRequestsMax)
			if err != nil || !ok {
				r.Logger.Printf("[PublishSync] quota_blocked platform=%s scheduleId=%s used=%d max=%d err=%v",
					target.Platform, post.ScheduleID, used, cfg.DailyRequestsMax, err)
				out.Pending++
				if timedOut {
					results = append(results, failed(target.Platform, "timeout"))
				}
				continue
			}
		}

		res, done, err := checker.Check(ctx, r.Client, lim, post, target)
		if err != nil {
			r.Logger.Printf("[PublishSync] check_failed platform=%s scheduleId=%s err=%v", target.Platform, post.ScheduleID, err)
		}
		if err != nil {
			observability.PublishSyncChecks.WithLabelValues(target.Platform, "error").Inc()
		} else if !done {
			observability.PublishSyncChecks.WithLabelValues(target.Platform, "pending").Inc()
		} else {
			observability.PublishSyncChecks.WithLabelValues(target.Platform, "done").Inc()
		}
		if err != nil || !done {
			out.Pending++
			if timedOut {
				results = append(results, failed(target.Platform, "timeout"))
			}
			continue
		}
		res.Platform = target.Platform
		results = append(results, res)
		fresh++
	}

	if out.Pending > 0 && !timedOut {
		out.Results = results
		if fresh > 0 {
			if err := r.saveProgress(ctx, post, results); err != nil {
				r.Logger.Printf("[PublishSync] progress_failed scheduleId=%s err=%v", post.ScheduleID, err)
			}
		}
		return out
	}

	out.Done = true
	out.Pending = 0
	out.Results = results
	out.Status = ResolveStatus(results, post.Platforms)
	if err := r.finalize(ctx, post, out.Status, results); err != nil {
		r.Logger.Printf("[PublishSync] finalize_failed scheduleId=%s status=%s err=%v", post.ScheduleID, out.Status, err)
		out.Done = false
		return out
	}
	observability.PublishOutcomes.WithLabelValues(string(out.Status)).Inc()
	r.Logger.Printf("[PublishSync] done scheduleId=%s userId=%s status=%s targets=%d", post.ScheduleID, post.UserID, out.Status, len(post.Platforms))
	if r.Notify != nil {
		r.Notify(post.UserID, post.ScheduleID, out.Status)
	}
	return out
}

func failed(platform, reason string) models.UploadResult {
	return models.UploadResult{Platform: platform, Error: &reason}
}

// finalResults indexes stored results by platform. A result is final once it succeeded or
// carries an error.
func finalResults(stored []models.UploadResult) map[string]models.UploadResult {
	out := make(map[string]models.UploadResult, len(stored))
	for _, res := range stored {
		if res.Platform == "" || (!res.Success && res.Error == nil) {
			continue
		}
		out[res.Platform] = res
	}
	return out
}

// saveProgress stores the final results gathered so far while the post stays in publishing.
func (r *Runner) saveProgress(ctx context.Context, post models.ScheduledPost, results []models.UploadResult) error {
	if r.DB == nil {
		return nil
	}
	b, err := json.Marshal(results)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `
		UPDATE public.scheduled_posts
		   SET upload_results = $3::jsonb,
		       updated_at = NOW()
		 WHERE schedule_id = $1
		   AND user_id = $2
		   AND status = 'publishing'
	`, post.ScheduleID, post.UserID, string(b))
	return err
}

func (r *Runner) finalize(ctx context.Context, post models.ScheduledPost, status models.Status, results []models.UploadResult) error {
	if r.DB == nil {
		return nil
	}
	b, err := json.Marshal(results)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `
		UPDATE public.scheduled_posts
		   SET status = $3,
		       upload_results = $4::jsonb,
		       updated_at = NOW()
		 WHERE schedule_id = $1
		   AND user_id = $2
		   AND status = 'publishing'
	`, post.ScheduleID, post.UserID, string(status), string(b))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		r.Logger.Printf("[PublishSync] finalize_skipped scheduleId=%s reason=not_publishing", post.ScheduleID)
	}
	return nil
}

type candidate struct {
	post      models.ScheduledPost
	startedAt sql.NullTime
}

const publishingSelect = `
	SELECT schedule_id, user_id, video_id, title, COALESCE(platforms, '[]'::jsonb),
	       COALESCE(upload_results, '[]'::jsonb), publishing_started_at
	  FROM public.scheduled_posts
	 WHERE status = 'publishing'`

func scanCandidate(s interface{ Scan(...any) error }) (candidate, error) {
	var c candidate
	var platforms, results []byte
	if err := s.Scan(&c.post.ScheduleID, &c.post.UserID, &c.post.VideoID, &c.post.Title, &platforms, &results, &c.startedAt); err != nil {
		return c, err
	}
	c.post.Status = models.StatusPublishing
	if len(platforms) > 0 {
		if err := json.Unmarshal(platforms, &c.post.Platforms); err != nil {
			return c, err
		}
	}
	if len(results) > 0 {
		if err := json.Unmarshal(results, &c.post.UploadResults); err != nil {
			return c, err
		}
	}
	return c, nil
}

// SyncScheduled checks a single post right after it was claimed for publishing.
func (r *Runner) SyncScheduled(ctx context.Context, userID, scheduleID string, checkers map[string]Checker) (PostSyncResult, error) {
	r.EnsureDefaults()
	if r.DB == nil {
		return PostSyncResult{ScheduleID: scheduleID}, nil
	}
	c, err := scanCandidate(r.DB.QueryRowContext(ctx, publishingSelect+` AND schedule_id = $1 AND user_id = $2`, scheduleID, userID))
	if err == sql.ErrNoRows {
		return PostSyncResult{ScheduleID: scheduleID}, nil
	}
	if err != nil {
		return PostSyncResult{ScheduleID: scheduleID}, err
	}
	return r.SyncPost(ctx, c.post, checkers), nil
}

// SweepOnce polls every publishing post once and returns how many reached a terminal status.
func (r *Runner) SweepOnce(ctx context.Context, checkers map[string]Checker, maxPublishing time.Duration) (int, error) {
	r.EnsureDefaults()
	if r.DB == nil {
		return 0, nil
	}
	if maxPublishing <= 0 {
		maxPublishing = DefaultMaxPublishing
	}
	rows, err := r.DB.QueryContext(ctx, publishingSelect+` ORDER BY publishing_started_at ASC NULLS FIRST LIMIT 100`)
	if err != nil {
		return 0, err
	}
	cands := make([]candidate, 0)
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			r.Logger.Printf("[PublishSync] scan_failed err=%v", err)
			continue
		}
		cands = append(cands, c)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return 0, err
	}

	finished := 0
	for _, c := range cands {
		timedOut := c.startedAt.Valid && time.Since(c.startedAt.Time) > maxPublishing
		if res := r.syncPost(ctx, c.post, checkers, timedOut); res.Done {
			finished++
		}
	}
	return finished, nil
}

// StartWorker runs a periodic poller over posts in publishing.
func (r *Runner) StartWorker(ctx context.Context, checkers map[string]Checker, interval time.Duration) {
	r.EnsureDefaults()
	if interval <= 0 {
		interval = time.Minute
	}
	r.Logger.Printf("[PublishSync] worker started interval=%s platforms=%d", interval, len(checkers))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	run := func() {
		n, err := r.SweepOnce(ctx, checkers, DefaultMaxPublishing)
		if err != nil {
			r.Logger.Printf("[PublishSync] sweep error err=%v", err)
			return
		}
		if n > 0 {
			r.Logger.Printf("[PublishSync] sweep complete finished=%d", n)
		}
	}

	run()
	for {
		select {
		case <-ctx.Done():
			r.Logger.Printf("[PublishSync] worker stopped err=%v", ctx.Err())
			return
		case <-ticker.C:
			run()
		}
	}
}
