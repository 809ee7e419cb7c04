package notifications

import (
	"sync"
	"time"

	"github.com/crosslogic/billing-service/pkg/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome is the final state of one event on one channel.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeFailed    Outcome = "failed"
	// OutcomeAbandoned means retries ran out.
	OutcomeAbandoned Outcome = "abandoned"
	// OutcomeDropped means the retry queue was full.
	OutcomeDropped Outcome = "dropped"
)

// Skip reasons for events that never reach a channel.
const (
	SkipDuplicate = "duplicate"
	SkipUnrouted  = "unrouted"
)

// Metrics tracks billing alert delivery per event type, so a failing
// recharge.failed pipeline is visible apart from routine top-up receipts.
type Metrics struct {
	deliveries    *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	retries       *prometheus.CounterVec
	skipped       *prometheus.CounterVec
	lastDelivered *prometheus.GaugeVec
	queueDepth    prometheus.Gauge
}

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// NewMetrics returns the process-wide notification collectors.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			deliveries: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "billing_notifications_total",
				Help: "Billing alert deliveries by event type, channel and outcome",
			}, []string{"event_type", "channel", "outcome"}),

			latency: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "billing_notification_delivery_seconds",
				Help:    "Time to deliver one billing alert",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			}, []string{"event_type", "channel"}),

			retries: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "billing_notification_retries_total",
				Help: "Billing alerts queued for another delivery attempt",
			}, []string{"event_type", "channel"}),

			skipped: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "billing_notifications_skipped_total",
				Help: "Billing events not delivered to any channel",
			}, []string{"event_type", "reason"}),

			lastDelivered: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "billing_notification_last_delivered_timestamp_seconds",
				Help: "Unix time of the last successful delivery per event type",
			}, []string{"event_type"}),

			queueDepth: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "billing_notification_retry_queue_depth",
				Help: "Billing alerts waiting in the retry queue",
			}),
		}
	})
	return metricsInstance
}

// ObserveDelivery records one delivery attempt. Only delivered attempts
// advance the last-delivered timestamp.
func (m *Metrics) ObserveDelivery(eventType events.EventType, channel Channel, outcome Outcome, took time.Duration) {
	m.deliveries.WithLabelValues(string(eventType), string(channel), string(outcome)).Inc()
	m.latency.WithLabelValues(string(eventType), string(channel)).Observe(took.Seconds())
	if outcome == OutcomeDelivered {
		m.lastDelivered.WithLabelValues(string(eventType)).SetToCurrentTime()
	}
}

// GiveUp records an alert that will not be attempted again.
func (m *Metrics) GiveUp(eventType events.EventType, channel Channel, outcome Outcome) {
	m.deliveries.WithLabelValues(string(eventType), string(channel), string(outcome)).Inc()
}

func (m *Metrics) Retried(eventType events.EventType, channel Channel) {
	m.retries.WithLabelValues(string(eventType), string(channel)).Inc()
}

func (m *Metrics) Skipped(eventType events.EventType, reason string) {
	m.skipped.WithLabelValues(string(eventType), reason).Inc()
}

func (m *Metrics) SetQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}
