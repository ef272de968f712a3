package publishsync

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/PortNumber53/content-calendar/internal/models"
	"golang.org/x/time/rate"
)

// Checker reports the upload state of one platform target of a post that is publishing.
// done=false means the upload is still in flight and should be polled again.
type Checker interface {
	Platform() string
	Check(ctx context.Context, client *http.Client, limiter *rate.Limiter, post models.ScheduledPost, target models.PlatformTarget) (result models.UploadResult, done bool, err error)
}

type Runner struct {
	DB     *sql.DB
	Client *http.Client
	Logger *log.Logger
	// Notify is called after a post reaches a terminal status. May be nil.
	Notify func(userID, scheduleID string, status models.Status)

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	DailyRequestsMax  int64 // 0 means unlimited
}

func DefaultRateLimits() map[string]RateLimitConfig {
	// Conservative defaults; override via env per platform to match each network's quota policy.
	return map[string]RateLimitConfig{
		"youtube":   {RequestsPerSecond: 3, Burst: 3, DailyRequestsMax: 0},
		"tiktok":    {RequestsPerSecond: 1, Burst: 2, DailyRequestsMax: 0},
		"instagram": {RequestsPerSecond: 1, Burst: 2, DailyRequestsMax: 0},
		"facebook":  {RequestsPerSecond: 1, Burst: 2, DailyRequestsMax: 0},
		"pinterest": {RequestsPerSecond: 1, Burst: 2, DailyRequestsMax: 0},
		"threads":   {RequestsPerSecond: 1, Burst: 2, DailyRequestsMax: 0},
	}
}

func rateLimitFromEnv(platform string, def RateLimitConfig) RateLimitConfig {
	// Env vars, e.g.:
	// PUBLISH_SYNC_YOUTUBE_RPS=0.5
	// PUBLISH_SYNC_YOUTUBE_BURST=2
	// PUBLISH_SYNC_YOUTUBE_DAILY_MAX=10000
	prefix := "PUBLISH_SYNC_" + upper(platform) + "_"
	if v := os.Getenv(prefix + "RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			def.RequestsPerSecond = f
		}
	}
	if v := os.Getenv(prefix + "BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			def.Burst = n
		}
	}
	if v := os.Getenv(prefix + "DAILY_MAX"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			def.DailyRequestsMax = n
		}
	}
	return def
}

func (r *Runner) EnsureDefaults() {
	if r.Client == nil {
		r.Client = &http.Client{Timeout: 20 * time.Second}
	}
	if r.Logger == nil {
		r.Logger = log.Default()
	}
}

// limiterForPlatform returns the platform's limiter, shared across every post the runner checks.
func (r *Runner) limiterForPlatform(platform string) (*rate.Limiter, RateLimitConfig) {
	cfg, ok := DefaultRateLimits()[platform]
	if !ok {
		cfg = RateLimitConfig{RequestsPerSecond: 1, Burst: 1}
	}
	cfg = rateLimitFromEnv(platform, cfg)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.limiters == nil {
		r.limiters = map[string]*rate.Limiter{}
	}
	lim := r.limiters[platform]
	if lim == nil {
		lim = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
		r.limiters[platform] = lim
	}
	return lim, cfg
}

// ConsumeRequests implements basic daily quota tracking. It returns ok=false when the daily max would be exceeded.
func ConsumeRequests(ctx context.Context, db *sql.DB, platform string, add int64, dailyMax int64) (ok bool, used int64, err error) {
	if add <= 0 {
		return true, 0, nil
	}
	day := time.Now().UTC().Format("2006-01-02")
	id := fmt.Sprintf("%s:%s", platform, day)
	query := `
		INSERT INTO public.publish_sync_usage (id, platform, day, requests_used, last_updated_at)
		VALUES ($1, $2, $3::date, $4, NOW())
		ON CONFLICT (platform, day) DO UPDATE SET
		  requests_used = public.publish_sync_usage.requests_used + EXCLUDED.requests_used,
		  last_updated_at = NOW()
		RETURNING requests_used
	`
	var newUsed int64
	if err := db.QueryRowContext(ctx, query, id, platform, day, add).Scan(&newUsed); err != nil {
		return false, 0, err
	}
	if dailyMax > 0 && newUsed > dailyMax {
		return false, newUsed, nil
	}
	return true, newUsed, nil
}

// ResolveStatus derives the terminal status from one result per target: every upload
// succeeded is published, none succeeded is failed, anything in between is partial.
func ResolveStatus(results []models.UploadResult, targets []models.PlatformTarget) models.Status {
	if len(targets) == 0 {
		return models.StatusFailed
	}
	ok := 0
	for _, res := range results {
		if res.Success {
			ok++
		}
	}
	switch {
	case ok == 0:
		return models.StatusFailed
	case ok >= len(targets):
		return models.StatusPublished
	default:
		return models.StatusPartial
	}
}

func upper(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			out = append(out, c-32)
		} else if c == '-' {
			out = append(out, '_')
		} else {
			out = append(out, c)
		}
	}
	return string(out)
}
