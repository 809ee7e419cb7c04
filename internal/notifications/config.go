package notifications

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/crosslogic/billing-service/pkg/events"
)

// Channel is a delivery target for billing alerts.
type Channel string

const (
	ChannelSlack   Channel = "slack"
	ChannelWebhook Channel = "webhook"
)

// DefaultRoutes sends alerts that need an operator to every channel. Successful
// top-ups only reach the integration webhook.
var DefaultRoutes = map[events.EventType][]Channel{
	events.EventRechargeFailed:    {ChannelSlack, ChannelWebhook},
	events.EventStatusChanged:     {ChannelSlack, ChannelWebhook},
	events.EventSpendCapExceeded:  {ChannelSlack, ChannelWebhook},
	events.EventRechargeSucceeded: {ChannelWebhook},
}

// SlackConfig targets an incoming Slack webhook.
type SlackConfig struct {
	Enabled    bool
	WebhookURL string
	Channel    string
}

// WebhookConfig targets the integrator's billing endpoint. Deliveries are
// signed when Secret is set.
type WebhookConfig struct {
	Enabled bool
	URL     string
	Secret  string
	Method  string
	Headers map[string]string
}

// Config holds the configuration for the notification service
type Config struct {
	Enabled bool

	Slack   SlackConfig
	Webhook WebhookConfig

	// Routes overrides DefaultRoutes per event type. An empty list mutes the
	// event.
	Routes map[events.EventType][]Channel

	MaxRetries       int
	RetryBackoffBase time.Duration
	RetryQueueSize   int
	RetryWorkers     int

	// DedupeTTL is how long a delivered event id is remembered in Redis.
	DedupeTTL       time.Duration
	DeliveryTimeout time.Duration
}

// LoadConfig reads NOTIFICATIONS_* variables. Malformed values are errors
// rather than silent defaults.
func LoadConfig() (*Config, error) {
	env := &envReader{}
	cfg := &Config{
		Enabled: env.asBool("NOTIFICATIONS_ENABLED", false),
		Slack: SlackConfig{
			Enabled:    env.asBool("NOTIFICATIONS_SLACK_ENABLED", false),
			WebhookURL: os.Getenv("NOTIFICATIONS_SLACK_WEBHOOK_URL"),
			Channel:    env.str("NOTIFICATIONS_SLACK_CHANNEL", "#billing-alerts"),
		},
		Webhook: WebhookConfig{
			Enabled: env.asBool("NOTIFICATIONS_WEBHOOK_ENABLED", false),
			URL:     os.Getenv("NOTIFICATIONS_WEBHOOK_URL"),
			Secret:  os.Getenv("NOTIFICATIONS_WEBHOOK_SECRET"),
			Method:  strings.ToUpper(env.str("NOTIFICATIONS_WEBHOOK_METHOD", "POST")),
		},
		MaxRetries:       env.asInt("NOTIFICATIONS_MAX_RETRIES", 3),
		RetryBackoffBase: env.asDuration("NOTIFICATIONS_RETRY_BACKOFF_BASE", 5*time.Second),
		RetryQueueSize:   env.asInt("NOTIFICATIONS_RETRY_QUEUE_SIZE", 1000),
		RetryWorkers:     env.asInt("NOTIFICATIONS_RETRY_WORKERS", 2),
		DedupeTTL:        env.asDuration("NOTIFICATIONS_DEDUPE_TTL", 24*time.Hour),
		DeliveryTimeout:  env.asDuration("NOTIFICATIONS_DELIVERY_TIMEOUT", 10*time.Second),
	}
	env.decodeJSON("NOTIFICATIONS_WEBHOOK_HEADERS", &cfg.Webhook.Headers)
	env.decodeJSON("NOTIFICATIONS_EVENT_ROUTING", &cfg.Routes)

	if err := errors.Join(env.errs...); err != nil {
		return nil, fmt.Errorf("invalid notification config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid notification config: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if !c.Slack.Enabled && !c.Webhook.Enabled {
		return fmt.Errorf("no notification channels enabled")
	}
	if c.Slack.Enabled && c.Slack.WebhookURL == "" {
		return fmt.Errorf("slack enabled but webhook URL not provided")
	}
	if c.Webhook.Enabled {
		if c.Webhook.URL == "" {
			return fmt.Errorf("webhook enabled but URL not provided")
		}
		if c.Webhook.Method != "POST" && c.Webhook.Method != "PUT" {
			return fmt.Errorf("webhook method must be POST or PUT")
		}
	}

	for eventType, channels := range c.Routes {
		if _, ok := DefaultRoutes[eventType]; !ok {
			return fmt.Errorf("route for %q: event type is not notified", eventType)
		}
		for _, ch := range channels {
			if !c.channelEnabled(ch) {
				return fmt.Errorf("route for %q: channel %q is unknown or disabled", eventType, ch)
			}
		}
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoffBase <= 0 {
		return fmt.Errorf("retry backoff base must be positive")
	}
	if c.RetryQueueSize <= 0 {
		return fmt.Errorf("retry queue size must be positive")
	}
	if c.RetryWorkers <= 0 {
		return fmt.Errorf("retry workers must be positive")
	}
	return nil
}

// ChannelsFor returns the enabled channels an event type is delivered to.
func (c *Config) ChannelsFor(eventType events.EventType) []Channel {
	route, ok := c.Routes[eventType]
	if !ok {
		route = DefaultRoutes[eventType]
	}
	var out []Channel
	for _, ch := range route {
		if c.channelEnabled(ch) {
			out = append(out, ch)
		}
	}
	return out
}

func (c *Config) channelEnabled(ch Channel) bool {
	switch ch {
	case ChannelSlack:
		return c.Slack.Enabled
	case ChannelWebhook:
		return c.Webhook.Enabled
	}
	return false
}

// envReader collects parse errors so LoadConfig can report all of them.
type envReader struct {
	errs []error
}

func (r *envReader) str(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (r *envReader) asBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (r *envReader) asInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return i
}

func (r *envReader) asDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (r *envReader) decodeJSON(key string, dst interface{}) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if err := json.Unmarshal([]byte(v), dst); err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
	}
}
