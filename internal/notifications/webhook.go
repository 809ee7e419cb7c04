package notifications

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/crosslogic/billing-service/pkg/events"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Headers set on every webhook delivery.
const (
	HeaderSignature = "X-Billing-Signature"
	HeaderEventType = "X-Billing-Event-Type"
	HeaderEventID   = "X-Billing-Event-ID"
	HeaderCompanyID = "X-Billing-Company-ID"
)

var (
	ErrSignatureMismatch = errors.New("notifications: signature mismatch")
	ErrSignatureExpired  = errors.New("notifications: signature timestamp outside tolerance")
	ErrSignatureFormat   = errors.New("notifications: malformed signature header")
)

// WebhookPayload is the body posted to the integrator. Exactly one of the
// detail sections is set, chosen by EventType.
type WebhookPayload struct {
	EventID    string           `json:"event_id"`
	EventType  events.EventType `json:"event_type"`
	OccurredAt time.Time        `json:"occurred_at"`
	CompanyID  string           `json:"company_id"`

	Recharge *RechargeDetail `json:"recharge,omitempty"`
	Status   *StatusDetail   `json:"status,omitempty"`
	SpendCap *SpendCapDetail `json:"spend_cap,omitempty"`
}

// RechargeDetail describes a settled wallet top-up.
type RechargeDetail struct {
	AttemptID      string          `json:"attempt_id"`
	Amount         decimal.Decimal `json:"amount"`
	Reason         string          `json:"reason"`
	ProviderRef    string          `json:"provider_ref,omitempty"`
	FailureMessage string          `json:"failure_message,omitempty"`
	WalletBalance  decimal.Decimal `json:"wallet_balance"`
}

// StatusDetail describes a billing status transition.
type StatusDetail struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// SpendCapDetail describes a charge rejected by the monthly cap.
type SpendCapDetail struct {
	MonthlySpendCap   decimal.Decimal `json:"monthly_spend_cap"`
	CurrentMonthSpent decimal.Decimal `json:"current_month_spent"`
	Attempted         decimal.Decimal `json:"attempted"`
}

// NewWebhookPayload shapes a billing event for the integrator.
func NewWebhookPayload(event events.Event) WebhookPayload {
	p := WebhookPayload{
		EventID:    event.ID,
		EventType:  event.Type,
		OccurredAt: event.Timestamp.UTC(),
		CompanyID:  event.CompanyID,
	}
	data := event.Payload

	switch event.Type {
	case events.EventRechargeSucceeded, events.EventRechargeFailed:
		p.Recharge = &RechargeDetail{
			AttemptID:      field(data, "attempt_id"),
			Amount:         decimalField(data, "amount"),
			Reason:         field(data, "reason"),
			ProviderRef:    field(data, "provider_ref"),
			FailureMessage: field(data, "failure_message"),
			WalletBalance:  decimalField(data, "wallet_balance"),
		}
	case events.EventStatusChanged:
		p.Status = &StatusDetail{
			From:   field(data, "from"),
			To:     field(data, "to"),
			Reason: field(data, "reason"),
		}
	case events.EventSpendCapExceeded:
		p.SpendCap = &SpendCapDetail{
			MonthlySpendCap:   decimalField(data, "monthly_spend_cap"),
			CurrentMonthSpent: decimalField(data, "current_month_spent"),
			Attempted:         decimalField(data, "attempted"),
		}
	}
	return p
}

// WebhookAdapter posts billing events to the integrator's endpoint.
type WebhookAdapter struct {
	cfg    WebhookConfig
	client *http.Client
	now    func() time.Time
	logger *zap.Logger
}

func NewWebhookAdapter(cfg WebhookConfig, timeout time.Duration, logger *zap.Logger) *WebhookAdapter {
	return &WebhookAdapter{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
		logger: logger,
	}
}

// Send delivers one event. Non-2xx responses are errors so the service retries.
func (w *WebhookAdapter) Send(ctx context.Context, event events.Event) error {
	body, err := json.Marshal(NewWebhookPayload(event))
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, w.cfg.Method, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "CrossLogic-Billing/1.0")
	for key, value := range w.cfg.Headers {
		req.Header.Set(key, value)
	}
	req.Header.Set(HeaderEventType, string(event.Type))
	req.Header.Set(HeaderEventID, event.ID)
	req.Header.Set(HeaderCompanyID, event.CompanyID)
	if w.cfg.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(body, w.cfg.Secret, w.now()))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	w.logger.Debug("billing webhook delivered",
		zap.String("event_id", event.ID),
		zap.String("company_id", event.CompanyID),
		zap.Int("status_code", resp.StatusCode),
	)
	return nil
}

// Sign returns the signature header value "t=<unix>,v1=<hex>", where v1 is
// HMAC-SHA256 over "<unix>.<body>".
func Sign(body []byte, secret string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return "t=" + ts + ",v1=" + mac(ts, body, secret)
}

// VerifySignature authenticates a delivery on the receiving side. Signatures
// older or newer than tolerance are rejected to limit replays.
func VerifySignature(body []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	var ts, sig string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return ErrSignatureFormat
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sig = v
		}
	}
	if ts == "" || sig == "" {
		return ErrSignatureFormat
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrSignatureFormat
	}

	if !hmac.Equal([]byte(sig), []byte(mac(ts, body, secret))) {
		return ErrSignatureMismatch
	}
	if age := now.Sub(time.Unix(unix, 0)); age > tolerance || age < -tolerance {
		return ErrSignatureExpired
	}
	return nil
}

func mac(ts string, body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(ts))
	h.Write([]byte("."))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func field(data map[string]interface{}, key string) string {
	if v, ok := data[key]; ok && v != nil {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", v)
	}
	return ""
}

func decimalField(data map[string]interface{}, key string) decimal.Decimal {
	d, err := decimal.NewFromString(field(data, key))
	if err != nil {
		return decimal.Zero
	}
	return d
}
