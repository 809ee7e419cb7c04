package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event being published
type EventType string

const (
	// Company billing lifecycle
	EventCompanyCreated       EventType = "billing.company_created"
	EventStatusChanged        EventType = "billing.status_changed"
	EventPaymentMethodChanged EventType = "billing.payment_method_changed"

	// Recharge events
	EventRechargeSucceeded EventType = "recharge.succeeded"
	EventRechargeFailed    EventType = "recharge.failed"

	// Usage events
	EventUsageRecorded    EventType = "usage.recorded"
	EventSpendCapExceeded EventType = "usage.spend_cap_exceeded"

	// Invoice events
	EventInvoiceGenerated EventType = "invoice.generated"
	EventInvoiceRefunded  EventType = "invoice.refunded"
)

// Event represents a single event in the system
type Event struct {
	// ID is a unique identifier for this event (for idempotency)
	ID string

	// Type is the event type
	Type EventType

	// Timestamp is when the event occurred
	Timestamp time.Time

	// CompanyID is the company this event belongs to
	CompanyID string

	// Payload contains event-specific data
	Payload map[string]interface{}
}

// NewEvent creates a new event with the given type and payload
func NewEvent(eventType EventType, companyID string, payload map[string]interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		CompanyID: companyID,
		Payload:   payload,
	}
}
