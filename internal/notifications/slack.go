package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/crosslogic/billing-service/pkg/events"
	"go.uber.org/zap"
)

// SlackAdapter sends notifications to Slack via incoming webhooks
type SlackAdapter struct {
	webhookURL string
	channel    string
	client     *http.Client
	logger     *zap.Logger
}

// SlackWebhookPayload represents a Slack webhook message
type SlackWebhookPayload struct {
	Channel  string       `json:"channel,omitempty"`
	Username string       `json:"username,omitempty"`
	Blocks   []SlackBlock `json:"blocks,omitempty"`
	Text     string       `json:"text,omitempty"` // Fallback text
}

// SlackBlock represents a Slack Block Kit block
type SlackBlock struct {
	Type   string            `json:"type"`
	Text   *SlackTextObject  `json:"text,omitempty"`
	Fields []SlackTextObject `json:"fields,omitempty"`
}

// SlackTextObject represents a text object in Slack
type SlackTextObject struct {
	Type  string `json:"type"` // "plain_text" or "mrkdwn"
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

// NewSlackAdapter creates a new Slack notification adapter
func NewSlackAdapter(webhookURL, channel string, logger *zap.Logger) *SlackAdapter {
	return &SlackAdapter{
		webhookURL: webhookURL,
		channel:    channel,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// Send sends a notification to Slack
func (s *SlackAdapter) Send(ctx context.Context, event events.Event) error {
	payload := SlackWebhookPayload{
		Channel:  s.channel,
		Username: "Billing",
		Blocks:   s.formatEvent(event),
		Text:     fmt.Sprintf("Billing event: %s", event.Type),
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.webhookURL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// formatEvent converts an event into Slack blocks
func (s *SlackAdapter) formatEvent(event events.Event) []SlackBlock {
	switch event.Type {
	case events.EventRechargeFailed:
		return s.formatRechargeFailed(event)
	case events.EventRechargeSucceeded:
		return s.formatRechargeSucceeded(event)
	case events.EventStatusChanged:
		return s.formatStatusChanged(event)
	case events.EventSpendCapExceeded:
		return s.formatSpendCapExceeded(event)
	default:
		return s.formatGeneric(event)
	}
}

func (s *SlackAdapter) formatRechargeFailed(event events.Event) []SlackBlock {
	return []SlackBlock{
		header("⚠️ Wallet Recharge Failed"),
		{
			Type: "section",
			Fields: []SlackTextObject{
				mrkdwn("*Company:*\n`%s`", event.CompanyID),
				mrkdwn("*Amount:*\n%s", getStringField(event.Payload, "amount_display")),
				mrkdwn("*Reason:*\n%s", getStringField(event.Payload, "reason")),
				mrkdwn("*Error:*\n%s", getStringField(event.Payload, "failure_message")),
				mrkdwn("*Wallet Balance:*\n%s", getStringField(event.Payload, "wallet_balance")),
				mrkdwn("*Attempt:*\n`%s`", getStringField(event.Payload, "attempt_id")),
			},
		},
		timestampContext(event),
	}
}

func (s *SlackAdapter) formatRechargeSucceeded(event events.Event) []SlackBlock {
	return []SlackBlock{
		header("💰 Wallet Recharged"),
		{
			Type: "section",
			Fields: []SlackTextObject{
				mrkdwn("*Company:*\n`%s`", event.CompanyID),
				mrkdwn("*Amount:*\n%s", getStringField(event.Payload, "amount_display")),
				mrkdwn("*Reason:*\n%s", getStringField(event.Payload, "reason")),
				mrkdwn("*Payment:*\n`%s`", getStringField(event.Payload, "provider_ref")),
			},
		},
		timestampContext(event),
	}
}

func (s *SlackAdapter) formatStatusChanged(event events.Event) []SlackBlock {
	title := "🔁 Billing Status Changed"
	if getStringField(event.Payload, "to") == "suspended" {
		title = "⛔ Company Suspended"
	}
	return []SlackBlock{
		header(title),
		{
			Type: "section",
			Text: &SlackTextObject{
				Type: "mrkdwn",
				Text: fmt.Sprintf("Company `%s` moved from *%s* to *%s*",
					event.CompanyID,
					getStringField(event.Payload, "from"),
					getStringField(event.Payload, "to"),
				),
			},
		},
		{
			Type:   "section",
			Fields: []SlackTextObject{mrkdwn("*Reason:*\n%s", getStringField(event.Payload, "reason"))},
		},
		timestampContext(event),
	}
}

func (s *SlackAdapter) formatSpendCapExceeded(event events.Event) []SlackBlock {
	return []SlackBlock{
		header("🚫 Monthly Spend Cap Reached"),
		{
			Type: "section",
			Fields: []SlackTextObject{
				mrkdwn("*Company:*\n`%s`", event.CompanyID),
				mrkdwn("*Spent This Month:*\n%s", getStringField(event.Payload, "current_month_spent")),
				mrkdwn("*Cap:*\n%s", getStringField(event.Payload, "monthly_spend_cap")),
				mrkdwn("*Rejected Charge:*\n%s", getStringField(event.Payload, "attempted")),
			},
		},
		timestampContext(event),
	}
}

func (s *SlackAdapter) formatGeneric(event events.Event) []SlackBlock {
	return []SlackBlock{
		header(fmt.Sprintf("📬 Event: %s", event.Type)),
		{
			Type: "section",
			Fields: []SlackTextObject{
				mrkdwn("*Event ID:*\n`%s`", event.ID),
				mrkdwn("*Company:*\n`%s`", event.CompanyID),
			},
		},
	}
}

func header(text string) SlackBlock {
	return SlackBlock{
		Type: "header",
		Text: &SlackTextObject{Type: "plain_text", Text: text, Emoji: true},
	}
}

func mrkdwn(format string, args ...interface{}) SlackTextObject {
	return SlackTextObject{Type: "mrkdwn", Text: fmt.Sprintf(format, args...)}
}

func timestampContext(event events.Event) SlackBlock {
	return SlackBlock{
		Type: "context",
		Fields: []SlackTextObject{
			mrkdwn("<!date^%d^{date_num} {time_secs}|%s>", event.Timestamp.Unix(), event.Timestamp.Format(time.RFC3339)),
		},
	}
}

// getStringField safely extracts a string field from the payload
func getStringField(payload map[string]interface{}, key string) string {
	if val, ok := payload[key]; ok && val != nil {
		if str, ok := val.(string); ok {
			if str == "" {
				return "N/A"
			}
			return str
		}
		return fmt.Sprintf("%v", val)
	}
	return "N/A"
}
