// Package store defines the persistence contract of the billing engine.
// Callers never see SQL; the postgres and memory subpackages implement it.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/crosslogic/billing-service/pkg/models"
	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicate is returned when a unique constraint rejects a write.
	ErrDuplicate = errors.New("store: duplicate")
	// ErrLockTimeout is returned when the company row lock could not be acquired in time.
	ErrLockTimeout = errors.New("store: lock timeout")
	// ErrStatusConflict is returned when a conditional status update finds a different status.
	ErrStatusConflict = errors.New("store: status conflict")
)

// Store is the billing repository.
type Store interface {
	// CreateCompany inserts a new billing row. ErrDuplicate if it already exists.
	CreateCompany(ctx context.Context, c *models.CompanyBilling) error
	// GetCompany reads a billing row without locking it.
	GetCompany(ctx context.Context, companyID uuid.UUID) (*models.CompanyBilling, error)
	// WithCompany runs fn while holding the company's row lock. Writes made
	// through tx are committed only if fn returns nil.
	WithCompany(ctx context.Context, companyID uuid.UUID, fn func(tx CompanyTx) error) error
	// ListSweepCandidates returns companies that need background attention:
	// below their auto-recharge threshold, holding an in-flight recharge, or past_due.
	ListSweepCandidates(ctx context.Context) ([]uuid.UUID, error)

	// ActivePricing returns the company's active override, falling back to the
	// active global row. ErrNotFound if neither exists.
	ActivePricing(ctx context.Context, companyID uuid.UUID) (*models.PricingConfig, error)
	// SetPricing inserts p as the active row for its scope and deactivates the previous one.
	SetPricing(ctx context.Context, p *models.PricingConfig) error

	// ListUsage returns a company's usage records created inside w, oldest first.
	ListUsage(ctx context.Context, companyID uuid.UUID, w models.Window) ([]*models.UsageRecord, error)
	// UsageTotals sums a company's usage inside w grouped by the requested dimension.
	UsageTotals(ctx context.Context, companyID uuid.UUID, w models.Window, groupBy models.UsageGroupBy) ([]models.UsageTotal, error)

	// CreateInvoice allocates the next invoice number and inserts inv.
	// ErrDuplicate if inv refunds an invoice that already has a refund.
	CreateInvoice(ctx context.Context, inv *models.Invoice) error
	GetInvoice(ctx context.Context, invoiceID uuid.UUID) (*models.Invoice, error)
	ListInvoices(ctx context.Context, companyID uuid.UUID) ([]*models.Invoice, error)
	// UpdateInvoiceStatus moves an invoice from one status to another.
	// ErrStatusConflict if the invoice is not currently in from.
	UpdateInvoiceStatus(ctx context.Context, invoiceID uuid.UUID, from, to models.InvoiceStatus) error

	// FindRechargeAttempt looks up a journaled attempt by id. Used to route
	// asynchronous processor results to their company.
	FindRechargeAttempt(ctx context.Context, attemptID uuid.UUID) (*models.RechargeAttempt, error)

	// RecordWebhookEvent persists a processed webhook event. It reports false
	// if the event id was already recorded.
	RecordWebhookEvent(ctx context.Context, eventID, eventType string, payload []byte) (bool, error)

	Health(ctx context.Context) error
	Close()
}

// CompanyTx is the locked unit of work for one company. Every method
// operates inside the lock taken by Store.WithCompany.
type CompanyTx interface {
	// Company returns the locked billing row. Mutations are persisted by SaveCompany.
	Company() *models.CompanyBilling
	SaveCompany(ctx context.Context) error

	FindUsageByIdempotencyKey(ctx context.Context, key string) (*models.UsageRecord, error)
	InsertUsage(ctx context.Context, rec *models.UsageRecord) error

	InsertRechargeAttempt(ctx context.Context, a *models.RechargeAttempt) error
	GetRechargeAttempt(ctx context.Context, attemptID uuid.UUID) (*models.RechargeAttempt, error)
	FindRechargeAttemptByRef(ctx context.Context, providerRef string) (*models.RechargeAttempt, error)
	// LatestRechargeAttempt returns the company's most recently created attempt.
	// ErrNotFound if the company has none.
	LatestRechargeAttempt(ctx context.Context) (*models.RechargeAttempt, error)
	UpdateRechargeAttempt(ctx context.Context, a *models.RechargeAttempt) error
}

// Clock returns the current time. Components take one so tests can pin it.
type Clock func() time.Time
