package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/chainlog/chainlog/internal/idempotency"
	"github.com/chainlog/chainlog/internal/ledger"
	"github.com/chainlog/chainlog/internal/middleware"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

// maxWebhookBodyBytes bounds the webhook payload size.
const maxWebhookBodyBytes = 1 << 20

// WebhookHandlers holds dependencies for webhook-related HTTP handlers.
// Incoming Stripe events are recorded on the owning tenant's audit chain.
type WebhookHandlers struct {
	webhookSecret string
	service       *ledger.Service
	dedup         idempotency.Store
	logger        *slog.Logger
}

// NewWebhookHandlers creates a new WebhookHandlers instance.
func NewWebhookHandlers(webhookSecret string, service *ledger.Service, logger *slog.Logger) *WebhookHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandlers{
		webhookSecret: webhookSecret,
		service:       service,
		logger:        logger,
	}
}

// WithDedup enables delivery deduplication so a redelivered event does not
// produce a second ledger record.
func (h *WebhookHandlers) WithDedup(store idempotency.Store) *WebhookHandlers {
	h.dedup = store
	return h
}

// HandleStripeWebhook processes Stripe webhook events with signature verification.
// POST /v1/webhooks/stripe
//
// The tenant that owns the resulting audit record is resolved from the
// event's metadata (the "tenant_id" key), which the checkout integration
// sets when creating payment intents.
func (h *WebhookHandlers) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Read the request body
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "failed to read request body")
		return
	}

	// Get the Stripe signature from the header
	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeInvalidSignature)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidSignature, "missing Stripe-Signature header")
		return
	}

	// Verify the webhook signature
	event, err := webhook.ConstructEvent(body, signature, h.webhookSecret)
	if err != nil {
		h.logger.WarnContext(ctx, "webhook signature verification failed", "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInvalidSignature)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidSignature, "invalid signature")
		return
	}

	// Log minimal event info (type and ID only, not full payload)
	h.logger.InfoContext(ctx, "webhook event received", "event_type", event.Type, "event_id", event.ID)

	// Drop redeliveries before they reach the chain. A dedup store error
	// fails open: a duplicate record is recoverable, a dropped event is not.
	if h.dedup != nil {
		fresh, err := h.dedup.MarkSeen(ctx, event.ID)
		if err != nil {
			h.logger.WarnContext(ctx, "webhook dedup check failed, processing anyway", "event_id", event.ID, "error", err)
		} else if !fresh {
			h.logger.InfoContext(ctx, "ignoring redelivered webhook event", "event_id", event.ID)
			w.WriteHeader(http.StatusOK)
			return
		}
	}

	// Route to appropriate handler based on event type
	switch event.Type {
	case "payment_intent.succeeded":
		h.recordPaymentIntent(ctx, event, ledger.EventPaymentCreated, "succeeded")
	case "payment_intent.payment_failed":
		h.recordPaymentIntent(ctx, event, ledger.EventPaymentFailed, "failed")
	case "charge.refunded":
		h.recordRefund(ctx, event)
	case "radar.early_fraud_warning.created":
		h.recordFraudWarning(ctx, event)
	default:
		// Unknown event type - log and ignore
		h.logger.InfoContext(ctx, "ignoring unhandled webhook event type", "event_type", event.Type, "event_id", event.ID)
	}

	// Always return 200 to acknowledge receipt
	w.WriteHeader(http.StatusOK)
}

// recordPaymentIntent appends a payment intent outcome to the tenant's chain.
func (h *WebhookHandlers) recordPaymentIntent(ctx context.Context, event stripe.Event, eventType ledger.EventType, status string) {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		h.logger.ErrorContext(ctx, "failed to parse payment intent", "event_id", event.ID, "error", err)
		return
	}

	tenantID := intent.Metadata["tenant_id"]
	if tenantID == "" {
		h.logger.WarnContext(ctx, "webhook event has no tenant metadata, skipping", "event_id", event.ID)
		return
	}

	amount := intent.Amount
	ledgerEvent := ledger.Event{
		TenantID:  tenantID,
		Type:      eventType,
		Provider:  ledger.ProviderStripe,
		Status:    status,
		Amount:    &amount,
		Currency:  string(intent.Currency),
		PaymentID: intent.ID,
		Metadata: map[string]any{
			"stripe_event_id": event.ID,
		},
	}
	if intent.Customer != nil {
		ledgerEvent.CustomerID = intent.Customer.ID
	}
	if intent.LastPaymentError != nil {
		ledgerEvent.Metadata["decline_code"] = string(intent.LastPaymentError.DeclineCode)
	}

	h.appendFromWebhook(ctx, event.ID, ledgerEvent)
}

// recordRefund appends a refund event to the tenant's chain.
func (h *WebhookHandlers) recordRefund(ctx context.Context, event stripe.Event) {
	var charge stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
		h.logger.ErrorContext(ctx, "failed to parse charge", "event_id", event.ID, "error", err)
		return
	}

	tenantID := charge.Metadata["tenant_id"]
	if tenantID == "" {
		h.logger.WarnContext(ctx, "webhook event has no tenant metadata, skipping", "event_id", event.ID)
		return
	}

	amount := charge.AmountRefunded
	ledgerEvent := ledger.Event{
		TenantID: tenantID,
		Type:     ledger.EventPaymentRefunded,
		Provider: ledger.ProviderStripe,
		Status:   "refunded",
		Amount:   &amount,
		Currency: string(charge.Currency),
		Metadata: map[string]any{
			"stripe_event_id": event.ID,
			"charge_id":       charge.ID,
		},
	}
	if charge.PaymentIntent != nil {
		ledgerEvent.PaymentID = charge.PaymentIntent.ID
	}
	if charge.Customer != nil {
		ledgerEvent.CustomerID = charge.Customer.ID
	}

	h.appendFromWebhook(ctx, event.ID, ledgerEvent)
}

// recordFraudWarning appends a fraud warning to the tenant's chain.
func (h *WebhookHandlers) recordFraudWarning(ctx context.Context, event stripe.Event) {
	var warning stripe.RadarEarlyFraudWarning
	if err := json.Unmarshal(event.Data.Raw, &warning); err != nil {
		h.logger.ErrorContext(ctx, "failed to parse fraud warning", "event_id", event.ID, "error", err)
		return
	}

	var tenantID string
	if warning.PaymentIntent != nil {
		tenantID = warning.PaymentIntent.Metadata["tenant_id"]
	}
	if tenantID == "" {
		h.logger.WarnContext(ctx, "webhook event has no tenant metadata, skipping", "event_id", event.ID)
		return
	}

	ledgerEvent := ledger.Event{
		TenantID: tenantID,
		Type:     ledger.EventFraudDetected,
		Provider: ledger.ProviderStripe,
		Status:   "flagged",
		Metadata: map[string]any{
			"stripe_event_id": event.ID,
			"fraud_type":      string(warning.FraudType),
		},
	}
	if warning.PaymentIntent != nil {
		ledgerEvent.PaymentID = warning.PaymentIntent.ID
	}

	h.appendFromWebhook(ctx, event.ID, ledgerEvent)
}

// appendFromWebhook records a webhook-derived event. Failures are logged
// but not surfaced; the webhook response stays 200 so a chain conflict or
// storage outage lands in the fallback trail instead of triggering a
// Stripe redelivery storm.
func (h *WebhookHandlers) appendFromWebhook(ctx context.Context, eventID string, event ledger.Event) {
	if _, err := h.service.Append(ctx, event); err != nil {
		h.logger.ErrorContext(ctx, "failed to record webhook event",
			"event_id", eventID,
			"tenant_id", event.TenantID,
			"error", err)
	}
}
