package handlers

import (
	"net/http"

	"github.com/PortNumber53/content-calendar/internal/observability"
	"github.com/gorilla/mux"
)

// RegisterRoutes registers every API route plus /metrics.
func RegisterRoutes(h *Handler, r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods("GET")
	r.Handle("/metrics", observability.Handler()).Methods("GET")

	// Scheduled posts
	r.HandleFunc("/api/scheduled-posts/user/{userId}", h.ListScheduledPostsForUser).Methods("GET")
	r.Handle("/api/scheduled-posts/user/{userId}", h.Limiter().Middleware(http.HandlerFunc(h.CreateScheduledPostForUser))).Methods("POST")
	r.HandleFunc("/api/scheduled-posts/{scheduleId}/user/{userId}", h.GetScheduledPostForUser).Methods("GET")
	r.HandleFunc("/api/scheduled-posts/{scheduleId}/cancel/user/{userId}", h.CancelScheduledPostForUser).Methods("POST")

	// Server-rendered calendar grid
	r.HandleFunc("/api/calendar/user/{userId}", h.CalendarViewForUser).Methods("GET")

	// Plan changes from Stripe
	r.HandleFunc("/api/billing/stripe/webhook", h.StripeWebhook).Methods("POST")

	// Realtime
	r.HandleFunc("/api/events/ws", h.EventsWebSocket).Methods("GET")
	r.HandleFunc("/api/events/ping", h.EventsPing).Methods("GET")
}
