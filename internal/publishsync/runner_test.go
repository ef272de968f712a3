package publishsync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/PortNumber53/content-calendar/internal/models"
	"golang.org/x/time/rate"
)

type fakeChecker struct {
	platform string
	fn       func(post models.ScheduledPost, target models.PlatformTarget) (models.UploadResult, bool, error)
}

func (c fakeChecker) Platform() string { return c.platform }
func (c fakeChecker) Check(ctx context.Context, client *http.Client, limiter *rate.Limiter, post models.ScheduledPost, target models.PlatformTarget) (models.UploadResult, bool, error) {
	return c.fn(post, target)
}

func succeeded(platform string) fakeChecker {
	return fakeChecker{platform: platform, fn: func(post models.ScheduledPost, target models.PlatformTarget) (models.UploadResult, bool, error) {
		id := "remote_" + post.ScheduleID
		return models.UploadResult{Success: true, PostID: &id}, true, nil
	}}
}

func pending(platform string) fakeChecker {
	return fakeChecker{platform: platform, fn: func(models.ScheduledPost, models.PlatformTarget) (models.UploadResult, bool, error) {
		return models.UploadResult{}, false, nil
	}}
}

func candidateRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"schedule_id", "user_id", "video_id", "title", "platforms", "upload_results", "publishing_started_at"})
}

func publishingPost() models.ScheduledPost {
	return models.ScheduledPost{
		ScheduleID: "s1",
		UserID:     "u1",
		Status:     models.StatusPublishing,
		Platforms:  []models.PlatformTarget{{Platform: "youtube"}, {Platform: "tiktok"}},
	}
}

func TestSyncPost_PartialWhenOneTargetFails(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectExec(`UPDATE public\.scheduled_posts\s+SET status = \$3`).
		WithArgs("s1", "u1", "partial", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	var notified []string
	r := &Runner{DB: db, Notify: func(userID, scheduleID string, status models.Status) {
		notified = append(notified, userID+"/"+scheduleID+"/"+string(status))
	}}
	out := r.SyncPost(context.Background(), publishingPost(), map[string]Checker{
		"youtube": succeeded("youtube"),
		"tiktok": fakeChecker{platform: "tiktok", fn: func(models.ScheduledPost, models.PlatformTarget) (models.UploadResult, bool, error) {
			msg := "video_rejected"
			return models.UploadResult{Error: &msg}, true, nil
		}},
	})

	if !out.Done || out.Status != models.StatusPartial || len(out.Results) != 2 {
		t.Fatalf("unexpected result: %+v", out)
	}
	if out.Results[1].Platform != "tiktok" || out.Results[1].Success {
		t.Fatalf("expected failed tiktok result, got %+v", out.Results[1])
	}
	if len(notified) != 1 || notified[0] != "u1/s1/partial" {
		t.Fatalf("unexpected notifications: %v", notified)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestSyncPost_PendingLeavesPostPublishing(t *testing.T) {
	r := &Runner{}
	out := r.SyncPost(context.Background(), publishingPost(), map[string]Checker{
		"youtube": succeeded("youtube"),
		"tiktok":  pending("tiktok"),
	})
	if out.Done || out.Pending != 1 || out.Status != "" {
		t.Fatalf("expected pending result, got %+v", out)
	}
}

func TestSyncPost_PendingStoresFinishedTargets(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectExec(`UPDATE public\.scheduled_posts\s+SET upload_results = \$3::jsonb`).
		WithArgs("s1", "u1", `[{"platform":"youtube","success":true,"postId":"remote_s1"}]`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	r := &Runner{DB: db}
	out := r.SyncPost(context.Background(), publishingPost(), map[string]Checker{
		"youtube": succeeded("youtube"),
		"tiktok":  pending("tiktok"),
	})
	if out.Done || out.Pending != 1 {
		t.Fatalf("expected pending result, got %+v", out)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestSweepOnce_SkipsTargetsWithFinalResult(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(`WHERE status = 'publishing' ORDER BY`).
		WillReturnRows(candidateRows().
			AddRow("s1", "u1", "v1", "Launch", []byte(`[{"platform":"youtube"},{"platform":"tiktok"}]`),
				[]byte(`[{"platform":"youtube","success":true,"postId":"yt1"}]`), time.Now()))
	mock.ExpectExec(`UPDATE public\.scheduled_posts\s+SET status = \$3`).
		WithArgs("s1", "u1", "published", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	var youtubeChecks atomic.Int32
	youtube := fakeChecker{platform: "youtube", fn: func(models.ScheduledPost, models.PlatformTarget) (models.UploadResult, bool, error) {
		youtubeChecks.Add(1)
		return models.UploadResult{}, false, nil
	}}
	r := &Runner{DB: db}
	n, err := r.SweepOnce(context.Background(), map[string]Checker{
		"youtube": youtube,
		"tiktok":  succeeded("tiktok"),
	}, time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("expected one finished post, got n=%d err=%v", n, err)
	}
	if got := youtubeChecks.Load(); got != 0 {
		t.Fatalf("finished youtube target was checked %d times", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestSyncPost_CheckErrorCountsAsPending(t *testing.T) {
	r := &Runner{}
	out := r.SyncPost(context.Background(), publishingPost(), map[string]Checker{
		"youtube": fakeChecker{platform: "youtube", fn: func(models.ScheduledPost, models.PlatformTarget) (models.UploadResult, bool, error) {
			return models.UploadResult{}, false, errors.New("boom")
		}},
		"tiktok": succeeded("tiktok"),
	})
	if out.Done || out.Pending != 1 {
		t.Fatalf("expected pending after check error, got %+v", out)
	}
}

func TestSyncPost_UnsupportedPlatformFails(t *testing.T) {
	r := &Runner{}
	out := r.SyncPost(context.Background(), publishingPost(), map[string]Checker{})
	if !out.Done || out.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %+v", out)
	}
	if out.Results[0].Error == nil || *out.Results[0].Error != "unsupported_platform" {
		t.Fatalf("unexpected error: %+v", out.Results[0])
	}
}

func TestSweepOnce_TimesOutStalePublishing(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	started := time.Now().Add(-2 * time.Hour)
	mock.ExpectQuery(`FROM public\.scheduled_posts\s+WHERE status = 'publishing' ORDER BY`).
		WillReturnRows(candidateRows().
			AddRow("s1", "u1", "v1", "Launch", []byte(`[{"platform":"youtube"},{"platform":"tiktok"}]`), []byte(`[]`), started))
	mock.ExpectExec(`UPDATE public\.scheduled_posts\s+SET status = \$3`).
		WithArgs("s1", "u1", "partial", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	r := &Runner{DB: db}
	n, err := r.SweepOnce(context.Background(), map[string]Checker{
		"youtube": succeeded("youtube"),
		"tiktok":  pending("tiktok"),
	}, time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("expected one finished post, got n=%d err=%v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestStartWorker_StopsOnContextCancel(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(`WHERE status = 'publishing'`).
		WillReturnRows(candidateRows().
			AddRow("s1", "u1", "v1", "Launch", []byte(`[{"platform":"youtube"}]`), []byte(`[]`), time.Now()))

	var calls atomic.Int32
	checker := fakeChecker{platform: "youtube", fn: func(models.ScheduledPost, models.PlatformTarget) (models.UploadResult, bool, error) {
		calls.Add(1)
		return models.UploadResult{}, false, nil
	}}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{DB: db}
	done := make(chan struct{})
	go func() {
		r.StartWorker(ctx, map[string]Checker{"youtube": checker}, 24*time.Hour)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("worker did not stop")
	}
	if calls.Load() < 1 {
		t.Fatalf("expected checker called at least once")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestUploaderChecker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/v1/uploads/s1/youtube":
			_, _ = w.Write([]byte(`{"state":"succeeded","postId":"yt1","url":"https://youtu.be/yt1"}`))
		case "/v1/uploads/s1/tiktok":
			if r.URL.Query().Get("account") != "@me" {
				http.Error(w, "bad account", http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(`{"state":"failed","error":"rejected"}`))
		case "/v1/uploads/s1/instagram":
			_, _ = w.Write([]byte(`{"state":"processing"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	checkers := UploaderCheckers(srv.URL, "tok")
	post := models.ScheduledPost{ScheduleID: "s1"}
	acct := "@me"
	ctx := context.Background()

	res, done, err := checkers["youtube"].Check(ctx, srv.Client(), nil, post, models.PlatformTarget{Platform: "youtube"})
	if err != nil || !done || !res.Success || res.PostID == nil || *res.PostID != "yt1" {
		t.Fatalf("youtube: res=%+v done=%v err=%v", res, done, err)
	}
	res, done, err = checkers["tiktok"].Check(ctx, srv.Client(), nil, post, models.PlatformTarget{Platform: "tiktok", AccountName: &acct})
	if err != nil || !done || res.Success || res.Error == nil || *res.Error != "rejected" {
		t.Fatalf("tiktok: res=%+v done=%v err=%v", res, done, err)
	}
	if _, done, err = checkers["instagram"].Check(ctx, srv.Client(), nil, post, models.PlatformTarget{Platform: "instagram"}); err != nil || done {
		t.Fatalf("instagram should be pending: done=%v err=%v", done, err)
	}
	if _, done, err = checkers["facebook"].Check(ctx, srv.Client(), nil, post, models.PlatformTarget{Platform: "facebook"}); err != nil || done {
		t.Fatalf("unknown upload should be pending: done=%v err=%v", done, err)
	}

	bad := UploaderChecker{PlatformName: "youtube", BaseURL: srv.URL}
	if _, _, err := bad.Check(ctx, srv.Client(), nil, post, models.PlatformTarget{Platform: "youtube"}); err == nil {
		t.Fatalf("expected non-2xx error without token")
	}
}
