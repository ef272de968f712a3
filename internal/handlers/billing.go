package handlers

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

// StripeWebhook keeps public.subscriptions in step with Stripe so the scheduling limiter
// sees plan changes. Events must carry a valid Stripe-Signature.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	secret := h.stripeWebhookSecret
	if secret == "" {
		secret = strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET"))
	}
	if secret == "" {
		writeError(w, http.StatusServiceUnavailable, "webhook_not_configured")
		return
	}

	const maxBodyBytes = int64(65536)
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		log.Printf("[Billing][Webhook] read error: %v", err)
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		writeError(w, http.StatusBadRequest, "missing_signature")
		return
	}
	event, err := webhook.ConstructEventWithOptions(payload, sig, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		log.Printf("[Billing][Webhook] signature verification error: %v", err)
		writeError(w, http.StatusBadRequest, "invalid_signature")
		return
	}

	if err := h.processStripeEvent(r, event); err != nil {
		log.Printf("[Billing][Webhook] process error type=%s id=%s err=%v", event.Type, event.ID, err)
		writeError(w, http.StatusInternalServerError, "subscription_update_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (h *Handler) processStripeEvent(r *http.Request, event stripe.Event) error {
	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
	default:
		log.Printf("[Billing][Webhook] ignored event type=%s", event.Type)
		return nil
	}

	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return err
	}
	userID := strings.TrimSpace(sub.Metadata["user_id"])
	if userID == "" || sub.ID == "" {
		log.Printf("[Billing][Webhook] skipped subscription=%s reason=missing_user_id", sub.ID)
		return nil
	}

	planID := subscriptionPlan(&sub)
	status := subscriptionStatus(event.Type, sub.Status)
	if h.db == nil {
		return nil
	}
	_, err := h.db.ExecContext(r.Context(), `
		INSERT INTO public.subscriptions (id, user_id, plan_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE
		   SET plan_id = EXCLUDED.plan_id,
		       status = EXCLUDED.status,
		       updated_at = NOW()
	`, sub.ID, userID, planID, status)
	if err != nil {
		return err
	}
	log.Printf("[Billing][Webhook] subscription=%s userId=%s plan=%s status=%s", sub.ID, userID, planID, status)
	return nil
}

// subscriptionPlan reads the plan from subscription metadata, then the first price's lookup key.
func subscriptionPlan(sub *stripe.Subscription) string {
	if p := strings.TrimSpace(sub.Metadata["plan_id"]); p != "" {
		return p
	}
	if sub.Items != nil {
		for _, it := range sub.Items.Data {
			if it != nil && it.Price != nil && it.Price.LookupKey != "" {
				return it.Price.LookupKey
			}
		}
	}
	return "free"
}

// subscriptionStatus maps Stripe's lifecycle onto the active/inactive split the limiter reads.
func subscriptionStatus(eventType stripe.EventType, status stripe.SubscriptionStatus) string {
	if eventType == "customer.subscription.deleted" {
		return "canceled"
	}
	switch status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return "active"
	case "":
		return "incomplete"
	}
	return string(status)
}
