package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/PortNumber53/content-calendar/internal/models"
	"github.com/gorilla/mux"
)

var postColumns = []string{
	"schedule_id", "user_id", "video_id", "scheduled_time", "status",
	"platforms", "title", "hook", "description", "tags",
	"video_footer", "thumbnail_url", "aspect_ratio", "upload_results", "created_at", "updated_at",
}

func postRows() *sqlmock.Rows {
	return sqlmock.NewRows(postColumns)
}

func addPost(rows *sqlmock.Rows, id string, at time.Time, status string) *sqlmock.Rows {
	created := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	return rows.AddRow(id, "u1", "v_"+id, at, status,
		[]byte(`[{"platform":"youtube"},{"platform":"tiktok","accountName":"@me"}]`), "Title "+id, nil, nil, "{launch,demo}",
		nil, nil, "portrait", nil, created, created)
}

func expectLimits(mock sqlmock.Sqlmock, used int) {
	mock.ExpectQuery(`FROM public\.subscriptions`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"plan_id"}))
	mock.ExpectQuery(`SELECT COUNT\(\*\)\s+FROM public\.scheduled_posts`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(used))
}

func fixedNow(h *Handler, t time.Time) *Handler {
	h.now = func() time.Time { return t }
	return h
}

func TestHealth_OK(t *testing.T) {
	h := New(nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)

	h.Health(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
	var out map[string]bool
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("failed to decode json: %v body=%q", err, rr.Body.String())
	}
	if out["ok"] != true {
		t.Fatalf("expected ok=true got %#v", out)
	}
}

func TestListScheduledPostsForUser_ReturnsPostsAndLimits(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	h := New(db)
	at := time.Date(2024, 3, 15, 14, 0, 0, 0, time.UTC)
	rows := addPost(addPost(postRows(), "s1", at, "scheduled"), "s2", at.Add(time.Hour), "partial")
	mock.ExpectQuery(`FROM public\.scheduled_posts\s+WHERE user_id = \$1`).
		WithArgs("u1", nil, nil, listScheduledLimit).
		WillReturnRows(rows)
	expectLimits(mock, 7)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/scheduled-posts/user/u1", nil)
	req = mux.SetURLVars(req, map[string]string{"userId": "u1"})
	h.ListScheduledPostsForUser(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d body=%q", rr.Code, rr.Body.String())
	}
	var out models.ScheduledPostsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode json: %v body=%q", err, rr.Body.String())
	}
	if len(out.Posts) != 2 || out.Posts[1].Status != models.StatusPartial {
		t.Fatalf("unexpected posts: %#v", out.Posts)
	}
	p := out.Posts[0]
	if len(p.Platforms) != 2 || p.Platforms[1].AccountName == nil || *p.Platforms[1].AccountName != "@me" {
		t.Fatalf("platforms not decoded: %#v", p.Platforms)
	}
	if len(p.Tags) != 2 || p.Tags[0] != "launch" {
		t.Fatalf("tags not decoded: %#v", p.Tags)
	}
	if p.AspectRatio == nil || *p.AspectRatio != models.AspectPortrait {
		t.Fatalf("aspect ratio not decoded: %#v", p.AspectRatio)
	}
	if out.SchedulingLimits.Used != 7 || out.SchedulingLimits.Limit != 30 {
		t.Fatalf("unexpected limits: %#v", out.SchedulingLimits)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}

func TestListScheduledPostsForUser_WindowKeepsLatestPastCap(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	h := New(db)
	from := time.Date(2024, 2, 25, 5, 0, 0, 0, time.UTC)
	to := time.Date(2024, 4, 7, 4, 0, 0, 0, time.UTC)
	at := time.Date(2024, 3, 15, 14, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`ORDER BY scheduled_time DESC, created_at DESC\s+LIMIT \$4\s+\) latest\s+ORDER BY scheduled_time ASC`).
		WithArgs("u1", from, to, listScheduledLimit).
		WillReturnRows(addPost(postRows(), "s1", at, "scheduled"))
	expectLimits(mock, 1)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/scheduled-posts/user/u1?from=2024-02-25T05:00:00Z&to=2024-04-07T04:00:00Z", nil)
	req = mux.SetURLVars(req, map[string]string{"userId": "u1"})
	h.ListScheduledPostsForUser(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d body=%q", rr.Code, rr.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}

func TestListScheduledPostsForUser_BadRange(t *testing.T) {
	h := New(nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/scheduled-posts/user/u1?from=yesterday", nil)
	req = mux.SetURLVars(req, map[string]string{"userId": "u1"})
	h.ListScheduledPostsForUser(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rr.Code)
	}
}

func TestGetScheduledPostForUser_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	h := New(db)
	mock.ExpectQuery(`WHERE schedule_id = \$1 AND user_id = \$2`).
		WithArgs("missing", "u1").
		WillReturnRows(postRows())

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/scheduled-posts/missing/user/u1", nil)
	req = mux.SetURLVars(req, map[string]string{"userId": "u1", "scheduleId": "missing"})
	h.GetScheduledPostForUser(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rr.Code)
	}
}

func TestCreateScheduledPostForUser_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	now := time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)
	h := fixedNow(New(db), now)
	at := time.Date(2024, 3, 15, 14, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`INSERT INTO public\.scheduled_posts`).
		WithArgs("sch_given", "u1", "v1", at, `[{"platform":"youtube"}]`, "Launch",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "portrait").
		WillReturnRows(addPost(postRows(), "sch_given", at, "scheduled"))

	body := `{"scheduleId":"sch_given","videoId":"v1","title":" Launch ","scheduledTime":"2024-03-15T14:00:00Z",
		"platforms":[{"platform":"YouTube"},{"platform":"youtube"},{"platform":"myspace"}],"tags":["#launch","launch"],"aspectRatio":"Portrait"}`
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/scheduled-posts/user/u1", bytes.NewBufferString(body))
	req = mux.SetURLVars(req, map[string]string{"userId": "u1"})
	h.CreateScheduledPostForUser(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d body=%q", rr.Code, rr.Body.String())
	}
	var out models.ScheduledPost
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if out.ScheduleID != "sch_given" || out.Status != models.StatusScheduled {
		t.Fatalf("unexpected post: %#v", out)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}

func TestCreateScheduledPostForUser_Validation(t *testing.T) {
	now := time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)
	cases := map[string]string{
		"bad json":      `{`,
		"missing video": `{"title":"t","scheduledTime":"2024-03-15T14:00:00Z","platforms":[{"platform":"youtube"}]}`,
		"missing title": `{"videoId":"v","scheduledTime":"2024-03-15T14:00:00Z","platforms":[{"platform":"youtube"}]}`,
		"missing time":  `{"videoId":"v","title":"t","platforms":[{"platform":"youtube"}]}`,
		"past time":     `{"videoId":"v","title":"t","scheduledTime":"2024-03-01T14:00:00Z","platforms":[{"platform":"youtube"}]}`,
		"no platforms":  `{"videoId":"v","title":"t","scheduledTime":"2024-03-15T14:00:00Z","platforms":[{"platform":"myspace"}]}`,
		"bad aspect":    `{"videoId":"v","title":"t","scheduledTime":"2024-03-15T14:00:00Z","platforms":[{"platform":"youtube"}],"aspectRatio":"square"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			h := fixedNow(New(nil), now)
			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/scheduled-posts/user/u1", bytes.NewBufferString(body))
			req = mux.SetURLVars(req, map[string]string{"userId": "u1"})
			h.CreateScheduledPostForUser(rr, req)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400 got %d body=%q", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestCreateScheduledPost_LimitExceededViaRouter(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	h := New(db)
	r := mux.NewRouter()
	RegisterRoutes(h, r)

	expectLimits(mock, 30)

	body := `{"videoId":"v","title":"t","scheduledTime":"2099-03-15T14:00:00Z","platforms":[{"platform":"youtube"}]}`
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/scheduled-posts/user/u1", bytes.NewBufferString(body))
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402 got %d body=%q", rr.Code, rr.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}

func TestCancelScheduledPostForUser(t *testing.T) {
	at := time.Date(2024, 3, 15, 14, 0, 0, 0, time.UTC)

	t.Run("scheduled post is cancelled", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		if err != nil {
			t.Fatalf("sqlmock.New: %v", err)
		}
		defer func() { _ = db.Close() }()

		h := New(db)
		mock.ExpectQuery(`UPDATE public\.scheduled_posts\s+SET status = 'cancelled'`).
			WithArgs("s1", "u1").
			WillReturnRows(addPost(postRows(), "s1", at, "cancelled"))

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/scheduled-posts/s1/cancel/user/u1", nil)
		req = mux.SetURLVars(req, map[string]string{"userId": "u1", "scheduleId": "s1"})
		h.CancelScheduledPostForUser(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200 got %d body=%q", rr.Code, rr.Body.String())
		}
		if !strings.Contains(rr.Body.String(), `"status":"cancelled"`) {
			t.Fatalf("expected cancelled status in body=%q", rr.Body.String())
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet sql expectations: %v", err)
		}
	})

	t.Run("published post is not cancellable", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		if err != nil {
			t.Fatalf("sqlmock.New: %v", err)
		}
		defer func() { _ = db.Close() }()

		h := New(db)
		mock.ExpectQuery(`UPDATE public\.scheduled_posts\s+SET status = 'cancelled'`).
			WithArgs("s1", "u1").
			WillReturnRows(postRows())
		mock.ExpectQuery(`SELECT status FROM public\.scheduled_posts`).
			WithArgs("s1", "u1").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("published"))

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/scheduled-posts/s1/cancel/user/u1", nil)
		req = mux.SetURLVars(req, map[string]string{"userId": "u1", "scheduleId": "s1"})
		h.CancelScheduledPostForUser(rr, req)

		if rr.Code != http.StatusConflict {
			t.Fatalf("expected 409 got %d", rr.Code)
		}
	})

	t.Run("unknown post", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		if err != nil {
			t.Fatalf("sqlmock.New: %v", err)
		}
		defer func() { _ = db.Close() }()

		h := New(db)
		mock.ExpectQuery(`UPDATE public\.scheduled_posts`).WithArgs("nope", "u1").WillReturnRows(postRows())
		mock.ExpectQuery(`SELECT status FROM public\.scheduled_posts`).WithArgs("nope", "u1").
			WillReturnRows(sqlmock.NewRows([]string{"status"}))

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/scheduled-posts/nope/cancel/user/u1", nil)
		req = mux.SetURLVars(req, map[string]string{"userId": "u1", "scheduleId": "nope"})
		h.CancelScheduledPostForUser(rr, req)

		if rr.Code != http.StatusNotFound {
			t.Fatalf("expected 404 got %d", rr.Code)
		}
	})

	t.Run("wrong method", func(t *testing.T) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/scheduled-posts/s1/cancel/user/u1", nil)
		New(nil).CancelScheduledPostForUser(rr, req)
		if rr.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected 405 got %d", rr.Code)
		}
	})
}

func TestCalendarViewForUser_HighlightRetargetsWeek(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	h := fixedNow(New(db), time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC))
	at := time.Date(2024, 3, 15, 14, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`WHERE schedule_id = \$1 AND user_id = \$2`).
		WithArgs("s1", "u1").
		WillReturnRows(addPost(postRows(), "s1", at, "scheduled"))
	mock.ExpectQuery(`FROM public\.scheduled_posts\s+WHERE user_id = \$1`).
		WithArgs("u1", time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 17, 0, 0, 0, 0, time.UTC), listScheduledLimit).
		WillReturnRows(addPost(postRows(), "s1", at, "scheduled"))
	expectLimits(mock, 1)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/calendar/user/u1?view=week&highlight=s1&tz=UTC", nil)
	req = mux.SetURLVars(req, map[string]string{"userId": "u1"})
	h.CalendarViewForUser(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d body=%q", rr.Code, rr.Body.String())
	}
	var out struct {
		View struct {
			Label     string `json:"label"`
			Days      []any  `json:"days"`
			Highlight *struct {
				CellKey string `json:"cellKey"`
				Scroll  string `json:"scroll"`
			} `json:"highlight"`
		} `json:"view"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if out.View.Label != "Mar 10 – 16, 2024" || len(out.View.Days) != 7 {
		t.Fatalf("unexpected view label=%q days=%d", out.View.Label, len(out.View.Days))
	}
	if out.View.Highlight == nil || out.View.Highlight.CellKey != "2024-03-15T14" || out.View.Highlight.Scroll != "smooth-center" {
		t.Fatalf("unexpected highlight: %#v", out.View.Highlight)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}

func TestCalendarViewForUser_BadParams(t *testing.T) {
	for _, q := range []string{"view=year", "status=cancelled", "tz=Mars/Olympus", "date=15-03-2024"} {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/calendar/user/u1?"+q, nil)
		req = mux.SetURLVars(req, map[string]string{"userId": "u1"})
		New(nil).CalendarViewForUser(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400 got %d", q, rr.Code)
		}
	}
}
