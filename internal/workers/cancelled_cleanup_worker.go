package workers

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/PortNumber53/content-calendar/internal/observability"
)

// CancelledCleanupWorker removes cancelled scheduled posts older than the configured retention period.
type CancelledCleanupWorker struct {
	DB              *sql.DB
	RetentionDays   int // How long to keep cancelled posts (default: 30)
	CheckIntervalMs int // How often to run cleanup (default: 3600000 = 1 hour)
	Now             func() time.Time
}

func (w *CancelledCleanupWorker) ensureDefaults() {
	if w.RetentionDays <= 0 {
		w.RetentionDays = 30
	}
	if w.CheckIntervalMs <= 0 {
		w.CheckIntervalMs = 3600000
	}
	if w.Now == nil {
		w.Now = time.Now
	}
}

// Start begins the cleanup worker loop.
func (w *CancelledCleanupWorker) Start(ctx context.Context) {
	w.ensureDefaults()

	ticker := time.NewTicker(time.Duration(w.CheckIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	log.Printf("[CancelledCleanupWorker] started (retention=%dd, interval=%dms)", w.RetentionDays, w.CheckIntervalMs)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[CancelledCleanupWorker] stopped")
			return
		case <-ticker.C:
			_, _ = w.Cleanup(ctx)
		}
	}
}

// Cleanup deletes cancelled posts whose cancellation is older than the retention period.
func (w *CancelledCleanupWorker) Cleanup(ctx context.Context) (int64, error) {
	w.ensureDefaults()
	if w.DB == nil {
		return 0, nil
	}
	cutoff := w.Now().Add(-time.Duration(w.RetentionDays) * 24 * time.Hour)

	result, err := w.DB.ExecContext(ctx, `
		DELETE FROM public.scheduled_posts
		WHERE status = 'cancelled'
		AND COALESCE(cancelled_at, updated_at) < $1
	`, cutoff)
	if err != nil {
		log.Printf("[CancelledCleanupWorker] error: %v", err)
		return 0, err
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		log.Printf("[CancelledCleanupWorker] error getting rows affected: %v", err)
		return 0, err
	}
	if deleted > 0 {
		observability.CancelledPostsPurged.Add(float64(deleted))
		log.Printf("[CancelledCleanupWorker] deleted %d cancelled posts older than %s", deleted, cutoff.UTC().Format(time.RFC3339))
	}
	return deleted, nil
}
