package notifications

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crosslogic/billing-service/pkg/cache"
	"github.com/crosslogic/billing-service/pkg/events"
	"go.uber.org/zap"
)

// NotifiedEvents are the billing events delivered to operators.
var NotifiedEvents = []events.EventType{
	events.EventRechargeFailed,
	events.EventRechargeSucceeded,
	events.EventStatusChanged,
	events.EventSpendCapExceeded,
}

// Sender delivers one event to one channel.
type Sender interface {
	Send(ctx context.Context, event events.Event) error
}

// Service is the main notification service that orchestrates delivery
type Service struct {
	config *Config
	cache  *cache.Cache
	logger *zap.Logger
	bus    *events.Bus

	senders map[Channel]Sender

	// processed is used when no cache is configured
	processed map[string]time.Time
	mu        sync.Mutex

	retryQueue chan *DeliveryTask
	stopChan   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup

	metrics *Metrics
}

// DeliveryTask represents a notification delivery task
type DeliveryTask struct {
	ID          string
	Event       events.Event
	Channel     Channel
	RetryCount  int
	MaxRetries  int
	CreatedAt   time.Time
	LastAttempt time.Time
}

// NewService creates a new notification service. cacheClient may be nil, in
// which case duplicate suppression is process-local.
func NewService(config *Config, cacheClient *cache.Cache, logger *zap.Logger, bus *events.Bus) *Service {
	s := &Service{
		config:    config,
		cache:     cacheClient,
		logger:    logger,
		bus:       bus,
		senders:   make(map[Channel]Sender),
		processed: make(map[string]time.Time),
		stopChan:  make(chan struct{}),
	}

	if !config.Enabled {
		logger.Info("notification service is disabled")
		return s
	}

	s.retryQueue = make(chan *DeliveryTask, config.RetryQueueSize)
	s.metrics = NewMetrics()

	if config.Slack.Enabled {
		s.senders[ChannelSlack] = NewSlackAdapter(config.Slack.WebhookURL, config.Slack.Channel, logger)
		logger.Info("slack notifications enabled", zap.String("webhook_url", maskURL(config.Slack.WebhookURL)))
	}

	if config.Webhook.Enabled {
		s.senders[ChannelWebhook] = NewWebhookAdapter(config.Webhook, config.DeliveryTimeout, logger)
		logger.Info("billing webhook notifications enabled",
			zap.String("url", maskURL(config.Webhook.URL)),
			zap.Bool("signed", config.Webhook.Secret != ""),
		)
	}

	logger.Info("notification service initialized",
		zap.Bool("slack", config.Slack.Enabled),
		zap.Bool("webhook", config.Webhook.Enabled),
		zap.Int("max_retries", config.MaxRetries),
		zap.Int("retry_workers", config.RetryWorkers),
	)

	return s
}

// Start subscribes to billing events and starts the retry workers
func (s *Service) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info("notification service is disabled, skipping start")
		return nil
	}

	names := make([]string, 0, len(NotifiedEvents))
	for _, t := range NotifiedEvents {
		s.bus.Subscribe(t, s.handleEvent)
		names = append(names, string(t))
	}
	s.logger.Info("subscribed to event types", zap.Strings("events", names))

	for i := 0; i < s.config.RetryWorkers; i++ {
		s.wg.Add(1)
		go s.retryWorker(ctx, i)
	}

	return nil
}

// Stop stops the retry workers. Tasks still queued are dropped.
func (s *Service) Stop(ctx context.Context) error {
	if !s.config.Enabled {
		return nil
	}

	s.logger.Info("stopping notification service")
	s.stopOnce.Do(func() { close(s.stopChan) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("notification service stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleEvent routes one bus event to its notification channels
func (s *Service) handleEvent(ctx context.Context, event events.Event) error {
	first, err := s.reserve(ctx, event.ID)
	if err != nil {
		// Deliver anyway; a duplicate notification beats a lost one.
		s.logger.Warn("notification dedupe check failed",
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
	} else if !first {
		s.metrics.Skipped(event.Type, SkipDuplicate)
		s.logger.Debug("duplicate event, skipping", zap.String("event_id", event.ID))
		return nil
	}

	channels := s.config.ChannelsFor(event.Type)
	if len(channels) == 0 {
		s.metrics.Skipped(event.Type, SkipUnrouted)
		s.logger.Debug("no channels routed for event type",
			zap.String("event_type", string(event.Type)),
		)
		return nil
	}

	for _, channel := range channels {
		now := time.Now()
		task := &DeliveryTask{
			ID:          fmt.Sprintf("%s-%s", event.ID, channel),
			Event:       event,
			Channel:     channel,
			MaxRetries:  s.config.MaxRetries,
			CreatedAt:   now,
			LastAttempt: now,
		}

		if err := s.deliver(ctx, task); err != nil {
			s.enqueueRetry(task)
		}
	}

	return nil
}

// deliver sends a task through its channel's sender
func (s *Service) deliver(ctx context.Context, task *DeliveryTask) error {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, s.config.DeliveryTimeout)
	defer cancel()

	var err error
	if sender, ok := s.senders[task.Channel]; ok {
		err = sender.Send(ctx, task.Event)
	} else {
		err = fmt.Errorf("unknown channel: %s", task.Channel)
	}

	duration := time.Since(start)
	eventType := task.Event.Type

	if err != nil {
		s.metrics.ObserveDelivery(eventType, task.Channel, OutcomeFailed, duration)
		s.logger.Error("notification delivery failed",
			zap.String("event_id", task.Event.ID),
			zap.String("event_type", string(eventType)),
			zap.String("channel", string(task.Channel)),
			zap.Int("retry_count", task.RetryCount),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return err
	}

	s.metrics.ObserveDelivery(eventType, task.Channel, OutcomeDelivered, duration)
	s.logger.Info("notification delivered",
		zap.String("event_id", task.Event.ID),
		zap.String("event_type", string(eventType)),
		zap.String("company_id", task.Event.CompanyID),
		zap.String("channel", string(task.Channel)),
		zap.Duration("duration", duration),
	)
	return nil
}

// enqueueRetry adds a failed delivery to the retry queue
func (s *Service) enqueueRetry(task *DeliveryTask) {
	task.RetryCount++
	task.LastAttempt = time.Now()

	if task.RetryCount > task.MaxRetries {
		s.metrics.GiveUp(task.Event.Type, task.Channel, OutcomeAbandoned)
		s.logger.Error("max retries exceeded, giving up",
			zap.String("task_id", task.ID),
			zap.String("company_id", task.Event.CompanyID),
			zap.String("channel", string(task.Channel)),
			zap.Int("retry_count", task.RetryCount),
		)
		return
	}

	select {
	case s.retryQueue <- task:
		s.metrics.Retried(task.Event.Type, task.Channel)
		s.metrics.SetQueueDepth(len(s.retryQueue))
	default:
		s.metrics.GiveUp(task.Event.Type, task.Channel, OutcomeDropped)
		s.logger.Error("retry queue full, dropping task",
			zap.String("task_id", task.ID),
			zap.String("channel", string(task.Channel)),
		)
	}
}

// retryWorker processes the retry queue
func (s *Service) retryWorker(ctx context.Context, workerID int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return

		case task := <-s.retryQueue:
			s.metrics.SetQueueDepth(len(s.retryQueue))

			backoff := s.calculateBackoff(task.RetryCount)
			timer := time.NewTimer(backoff)
			select {
			case <-s.stopChan:
				timer.Stop()
				return
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			if err := s.deliver(ctx, task); err != nil {
				s.logger.Warn("retry failed",
					zap.Int("worker_id", workerID),
					zap.String("task_id", task.ID),
					zap.Int("retry_count", task.RetryCount),
				)
				s.enqueueRetry(task)
			}
		}
	}
}

// calculateBackoff calculates exponential backoff duration
func (s *Service) calculateBackoff(retryCount int) time.Duration {
	// base * 2^(retryCount-1), capped at 5 minutes
	shift := retryCount - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 16 {
		shift = 16
	}
	backoff := s.config.RetryBackoffBase * time.Duration(1<<uint(shift))
	maxBackoff := 5 * time.Minute
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}

// reserve marks eventID as handled and reports whether this call was first
func (s *Service) reserve(ctx context.Context, eventID string) (bool, error) {
	if s.cache != nil {
		key := fmt.Sprintf("notification:processed:%s", eventID)
		ok, err := s.cache.SetNX(ctx, key, "1", s.config.DedupeTTL)
		if err != nil {
			return false, err
		}
		return ok, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, at := range s.processed {
		if now.Sub(at) > s.config.DedupeTTL {
			delete(s.processed, id)
		}
	}
	if _, seen := s.processed[eventID]; seen {
		return false, nil
	}
	s.processed[eventID] = now
	return true, nil
}

// maskURL masks sensitive parts of a URL for logging
func maskURL(url string) string {
	if len(url) < 20 {
		return "***"
	}
	return url[:20] + "***"
}
