package middleware

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/PortNumber53/content-calendar/internal/models"
	"github.com/PortNumber53/content-calendar/internal/observability"
)

// PlanLimits defines the scheduling limits for each plan.
type PlanLimits struct {
	ScheduledPostsPerMonth int `json:"scheduled_posts_per_month"` // -1 = unlimited
}

type planContextKey struct{}

// SchedulingLimiter counts a user's scheduled posts against their plan and rejects new schedules past the limit.
type SchedulingLimiter struct {
	DB    *sql.DB
	Plans map[string]PlanLimits
}

func NewSchedulingLimiter(db *sql.DB) *SchedulingLimiter {
	return &SchedulingLimiter{
		DB: db,
		Plans: map[string]PlanLimits{
			"free":       {ScheduledPostsPerMonth: 30},
			"pro":        {ScheduledPostsPerMonth: 300},
			"enterprise": {ScheduledPostsPerMonth: -1},
		},
	}
}

// PlanFromContext returns the plan the middleware resolved for this request, if any.
func PlanFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(planContextKey{}).(string)
	return v, ok
}

// Limits returns the {used, limit} pair shown on the scheduling badge.
func (sl *SchedulingLimiter) Limits(ctx context.Context, userID string) (models.SchedulingLimits, error) {
	planID, err := sl.userPlan(ctx, userID)
	if err != nil {
		planID = "free"
	}
	out := models.SchedulingLimits{Limit: sl.limitFor(planID)}
	used, err := sl.usedThisMonth(ctx, userID)
	if err != nil {
		return out, err
	}
	out.Used = used
	return out, nil
}

// Middleware enforces the monthly limit on POST /api/scheduled-posts/user/{userId}; everything else passes through.
func (sl *SchedulingLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !sl.enforced(r) {
			next.ServeHTTP(w, r)
			return
		}
		userID := extractUserID(r)
		if userID == "" {
			next.ServeHTTP(w, r)
			return
		}

		planID, err := sl.userPlan(r.Context(), userID)
		if err != nil {
			// Unknown plan falls back to the free tier.
			planID = "free"
		}
		limit := sl.limitFor(planID)
		if limit >= 0 {
			used, err := sl.usedThisMonth(r.Context(), userID)
			if err != nil {
				log.Printf("[SchedulingLimiter] count_failed userId=%s err=%v", userID, err)
				http.Error(w, "limit_check_failed", http.StatusInternalServerError)
				return
			}
			if used >= limit {
				log.Printf("[SchedulingLimiter] limit_exceeded userId=%s plan=%s used=%d limit=%d", userID, planID, used, limit)
				observability.SchedulingLimitRejections.WithLabelValues(planID).Inc()
				sl.respondLimitExceeded(w, planID, models.SchedulingLimits{Used: used, Limit: limit})
				return
			}
		}

		r = r.WithContext(context.WithValue(r.Context(), planContextKey{}, planID))
		next.ServeHTTP(w, r)
	})
}

func (sl *SchedulingLimiter) enforced(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	return len(parts) == 4 && parts[0] == "api" && parts[1] == "scheduled-posts" && parts[2] == "user"
}

// extractUserID extracts the user ID from path segments like /api/scheduled-posts/user/{userId}.
func extractUserID(r *http.Request) string {
	parts := strings.Split(r.URL.Path, "/")
	for i, part := range parts {
		if part == "user" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}

func (sl *SchedulingLimiter) limitFor(planID string) int {
	if l, ok := sl.Plans[planID]; ok {
		return l.ScheduledPostsPerMonth
	}
	return sl.Plans["free"].ScheduledPostsPerMonth
}

func (sl *SchedulingLimiter) userPlan(ctx context.Context, userID string) (string, error) {
	if sl.DB == nil {
		return "free", nil
	}
	var planID string
	err := sl.DB.QueryRowContext(ctx, `
		SELECT COALESCE(plan_id, 'free') AS plan_id
		  FROM public.subscriptions
		 WHERE user_id = $1 AND status = 'active'
		 ORDER BY created_at DESC
		 LIMIT 1
	`, userID).Scan(&planID)
	if err == sql.ErrNoRows {
		return "free", nil
	}
	return planID, err
}

// usedThisMonth counts non-cancelled posts created since the start of the current UTC month.
func (sl *SchedulingLimiter) usedThisMonth(ctx context.Context, userID string) (int, error) {
	if sl.DB == nil {
		return 0, nil
	}
	var n int
	err := sl.DB.QueryRowContext(ctx, `
		SELECT COUNT(*)
		  FROM public.scheduled_posts
		 WHERE user_id = $1
		   AND status <> 'cancelled'
		   AND created_at >= date_trunc('month', NOW() AT TIME ZONE 'UTC')
	`, userID).Scan(&n)
	return n, err
}

func (sl *SchedulingLimiter) respondLimitExceeded(w http.ResponseWriter, planID string, limits models.SchedulingLimits) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":            "scheduling_limit_exceeded",
		"message":          "Your current plan has reached its monthly scheduling limit",
		"plan":             planID,
		"schedulingLimits": limits,
		"upgrade_url":      "/account/billing",
	})
}
