package workers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestCancelledCleanupWorker_Cleanup(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	now := time.Date(2024, 3, 31, 12, 0, 0, 0, time.UTC)
	w := &CancelledCleanupWorker{DB: db, RetentionDays: 7, Now: func() time.Time { return now }}

	mock.ExpectExec(`DELETE FROM public\.scheduled_posts\s+WHERE status = 'cancelled'`).
		WithArgs(now.Add(-7 * 24 * time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := w.Cleanup(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("expected 3 deleted, got n=%d err=%v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestCancelledCleanupWorker_CleanupError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectExec(`DELETE FROM public\.scheduled_posts`).WillReturnError(errors.New("db down"))

	w := &CancelledCleanupWorker{DB: db}
	if _, err := w.Cleanup(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if w.RetentionDays != 30 || w.CheckIntervalMs != 3600000 {
		t.Fatalf("expected defaults, got retention=%d interval=%d", w.RetentionDays, w.CheckIntervalMs)
	}
}

func TestCancelledCleanupWorker_StartStops(t *testing.T) {
	w := &CancelledCleanupWorker{CheckIntervalMs: 3600000}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("worker did not stop")
	}
}
