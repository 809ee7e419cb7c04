package billing

import (
	"context"

	"github.com/crosslogic/billing-service/pkg/events"
	"github.com/crosslogic/billing-service/pkg/metrics"
	"github.com/crosslogic/billing-service/pkg/models"
	"github.com/google/uuid"
)

// emit publishes on bus when one is configured. Handlers run asynchronously
// and never see the caller's cancellation.
func emit(ctx context.Context, bus *events.Bus, eventType events.EventType, companyID uuid.UUID, payload map[string]interface{}) {
	if bus == nil {
		return
	}
	bus.Publish(ctx, events.NewEvent(eventType, companyID.String(), payload))
}

func emitStatusChange(ctx context.Context, bus *events.Bus, companyID uuid.UUID, from, to models.BillingStatus, reason string) {
	if from == to {
		return
	}
	metrics.StatusTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	emit(ctx, bus, events.EventStatusChanged, companyID, map[string]interface{}{
		"company_id": companyID.String(),
		"from":       string(from),
		"to":         string(to),
		"reason":     reason,
	})
}
