package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/crosslogic/billing-service/internal/payments"
	"github.com/crosslogic/billing-service/internal/store"
	"github.com/crosslogic/billing-service/pkg/cache"
	"github.com/crosslogic/billing-service/pkg/models"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
)

const (
	webhookProcessedTTL  = 24 * time.Hour
	webhookProcessingTTL = 5 * time.Minute

	maxWebhookBodyBytes = 1 << 16
)

// RechargeResultHandler applies asynchronous recharge outcomes.
// *RechargeTrigger implements it.
type RechargeResultHandler interface {
	OnRechargeResult(ctx context.Context, result RechargeResult) (*models.RechargeAttempt, bool, error)
}

// WebhookHandler processes Stripe webhook events that resolve wallet
// recharges.
//
// Handled events:
//   - payment_intent.succeeded credits the wallet of the recharge attempt
//   - payment_intent.payment_failed marks the company past_due
//
// Every event is verified with the Stripe signing secret. Event ids are
// reserved in Redis (or in process memory when Redis is disabled) while they
// are processed, and persisted to webhook_events once handled. Redelivery of
// an event that slipped past both is still harmless: a recharge attempt is
// applied to the wallet at most once.
type WebhookHandler struct {
	webhookSecret string
	results       RechargeResultHandler
	store         store.Store
	cache         *cache.Cache
	logger        *zap.Logger

	// processedEvents backs reservation when no cache is configured.
	processedEvents map[string]time.Time
	mu              sync.Mutex
}

// NewWebhookHandler creates a new Stripe webhook handler. s and cacheClient
// may be nil.
func NewWebhookHandler(webhookSecret string, results RechargeResultHandler, s store.Store, cacheClient *cache.Cache, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		webhookSecret:   webhookSecret,
		results:         results,
		store:           s,
		cache:           cacheClient,
		logger:          logger,
		processedEvents: make(map[string]time.Time),
	}
}

// HandleWebhook verifies and dispatches one Stripe event.
//
// Responses: 200 once handled (or for ignored event types and duplicates),
// 400 for unreadable bodies or bad signatures, 500 when processing failed
// and Stripe should retry.
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		h.logger.Error("failed to read webhook body", zap.Error(err))
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	event, err := webhook.ConstructEvent(body, signature, h.webhookSecret)
	if err != nil {
		h.logger.Warn("webhook signature verification failed", zap.Error(err))
		http.Error(w, "Invalid signature", http.StatusBadRequest)
		return
	}

	lockAcquired, err := h.reserveEvent(ctx, event.ID)
	if err != nil {
		h.logger.Error("failed to reserve webhook event",
			zap.Error(err),
			zap.String("event_id", event.ID),
		)
		http.Error(w, "Failed to reserve event", http.StatusInternalServerError)
		return
	}
	if !lockAcquired {
		h.logger.Info("webhook event already in progress or processed",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
		w.WriteHeader(http.StatusOK)
		return
	}

	var handlerErr error
	defer func() {
		h.finalizeEvent(context.WithoutCancel(ctx), event.ID, handlerErr == nil)
	}()

	h.logger.Info("processing webhook event",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.Time("created", time.Unix(event.Created, 0)),
	)

	switch event.Type {
	case "payment_intent.succeeded":
		handlerErr = h.handlePaymentIntent(ctx, event, true)
	case "payment_intent.payment_failed":
		handlerErr = h.handlePaymentIntent(ctx, event, false)
	default:
		h.logger.Info("ignoring webhook event type",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
	}

	if handlerErr != nil {
		h.logger.Error("webhook event processing failed",
			zap.Error(handlerErr),
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
		http.Error(w, "Event processing failed", http.StatusInternalServerError)
		return
	}

	if err := h.markEventProcessed(ctx, event, body); err != nil {
		// The wallet change is already committed.
		h.logger.Error("failed to mark event as processed",
			zap.Error(err),
			zap.String("event_id", event.ID),
		)
	}

	w.WriteHeader(http.StatusOK)
}

// handlePaymentIntent maps a PaymentIntent outcome onto the recharge
// attempt named in its metadata.
func (h *WebhookHandler) handlePaymentIntent(ctx context.Context, event stripe.Event, success bool) error {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return fmt.Errorf("failed to unmarshal payment intent: %w", err)
	}

	result, ok, err := rechargeResultFromIntent(&pi, success)
	if err != nil {
		// Malformed metadata never becomes valid on retry.
		h.logger.Warn("payment intent has invalid recharge metadata",
			zap.String("payment_intent", pi.ID),
			zap.Error(err),
		)
		return nil
	}
	if !ok {
		h.logger.Info("payment intent is not a wallet recharge",
			zap.String("payment_intent", pi.ID),
		)
		return nil
	}

	attempt, applied, err := h.results.OnRechargeResult(ctx, result)
	if err != nil {
		switch CodeOf(err) {
		case CodeValidation, CodeCompanyNotFound:
			h.logger.Warn("recharge webhook rejected",
				zap.String("payment_intent", pi.ID),
				zap.String("company_id", result.CompanyID.String()),
				zap.Error(err),
			)
			return nil
		}
		return err
	}

	h.logger.Info("recharge webhook handled",
		zap.String("payment_intent", pi.ID),
		zap.String("company_id", result.CompanyID.String()),
		zap.String("attempt_id", attempt.ID.String()),
		zap.String("status", string(attempt.Status)),
		zap.Bool("applied", applied),
	)
	return nil
}

// rechargeResultFromIntent reads the recharge metadata set by the Stripe
// gateway. ok is false for payment intents this service did not create.
func rechargeResultFromIntent(pi *stripe.PaymentIntent, success bool) (RechargeResult, bool, error) {
	rawCompany := pi.Metadata[payments.MetadataCompanyID]
	if rawCompany == "" {
		return RechargeResult{}, false, nil
	}
	companyID, err := uuid.Parse(rawCompany)
	if err != nil {
		return RechargeResult{}, false, fmt.Errorf("invalid company_id metadata: %w", err)
	}

	result := RechargeResult{
		CompanyID:   companyID,
		Amount:      payments.FromCents(pi.Amount),
		Success:     success,
		ProviderRef: pi.ID,
	}
	if rawAttempt := pi.Metadata[payments.MetadataAttemptID]; rawAttempt != "" {
		attemptID, err := uuid.Parse(rawAttempt)
		if err != nil {
			return RechargeResult{}, false, fmt.Errorf("invalid recharge_attempt_id metadata: %w", err)
		}
		result.AttemptID = &attemptID
	}
	if !success {
		result.FailureMessage = "payment failed"
		if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
			result.FailureMessage = pi.LastPaymentError.Msg
		}
	}
	return result, true, nil
}

// markEventProcessed persists the handled event for audit and recovery.
func (h *WebhookHandler) markEventProcessed(ctx context.Context, event stripe.Event, payload []byte) error {
	if h.store == nil {
		return nil
	}
	inserted, err := h.store.RecordWebhookEvent(ctx, event.ID, string(event.Type), payload)
	if err != nil {
		return fmt.Errorf("failed to persist webhook event: %w", err)
	}
	if !inserted {
		h.logger.Debug("webhook event was already persisted", zap.String("event_id", event.ID))
	}
	return nil
}

func (h *WebhookHandler) reserveEvent(ctx context.Context, eventID string) (bool, error) {
	if h.cache != nil {
		return h.cache.SetNX(ctx, h.redisKeyForEvent(eventID), "processing", webhookProcessingTTL)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleanupExpiredEvents(time.Now())
	if _, exists := h.processedEvents[eventID]; exists {
		return false, nil
	}
	h.processedEvents[eventID] = time.Now()
	return true, nil
}

func (h *WebhookHandler) finalizeEvent(ctx context.Context, eventID string, success bool) {
	if h.cache != nil {
		key := h.redisKeyForEvent(eventID)
		if success {
			if err := h.cache.Set(ctx, key, "processed", webhookProcessedTTL); err != nil {
				h.logger.Warn("failed to persist webhook completion in cache",
					zap.String("event_id", eventID),
					zap.Error(err),
				)
			}
		} else if err := h.cache.Delete(ctx, key); err != nil {
			h.logger.Warn("failed to release webhook lock",
				zap.String("event_id", eventID),
				zap.Error(err),
			)
		}
		return
	}

	if !success {
		h.mu.Lock()
		delete(h.processedEvents, eventID)
		h.mu.Unlock()
	}
}

func (h *WebhookHandler) redisKeyForEvent(eventID string) string {
	return fmt.Sprintf("webhooks:stripe:%s", eventID)
}

func (h *WebhookHandler) cleanupExpiredEvents(now time.Time) {
	for id, ts := range h.processedEvents {
		if now.Sub(ts) > webhookProcessedTTL {
			delete(h.processedEvents, id)
		}
	}
}
