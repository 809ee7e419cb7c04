package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MoneyPlaces is the number of decimal places every stored amount is rounded to.
const MoneyPlaces int32 = 4

// RoundMoney rounds an amount to MoneyPlaces.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPlaces)
}

// Category identifies a billable AI service.
type Category string

const (
	CategoryCVParsing          Category = "cv_parsing"
	CategoryQuestionGeneration Category = "question_generation"
	CategoryVideoInterview     Category = "video_interview"
)

// Categories lists every billable category in display order.
var Categories = []Category{
	CategoryCVParsing,
	CategoryQuestionGeneration,
	CategoryVideoInterview,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryCVParsing, CategoryQuestionGeneration, CategoryVideoInterview:
		return true
	}
	return false
}

// BillingStatus is the lifecycle state of a company's billing account.
type BillingStatus string

const (
	BillingStatusTrial     BillingStatus = "trial"
	BillingStatusActive    BillingStatus = "active"
	BillingStatusPastDue   BillingStatus = "past_due"
	BillingStatusSuspended BillingStatus = "suspended"
)

// UsageRecord is one billable action. It is never modified after insert.
type UsageRecord struct {
	ID             uuid.UUID       `json:"id"`
	CompanyID      uuid.UUID       `json:"company_id"`
	JobID          *uuid.UUID      `json:"job_id,omitempty"`
	Category       Category        `json:"category"`
	RawQuantity    decimal.Decimal `json:"raw_quantity"`
	BaseCost       decimal.Decimal `json:"base_cost"`
	MarginPercent  decimal.Decimal `json:"margin_percent"`
	FinalCost      decimal.Decimal `json:"final_cost"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// CompanyBilling is the single mutable billing row per company.
type CompanyBilling struct {
	CompanyID         uuid.UUID        `json:"company_id"`
	BillingStatus     BillingStatus    `json:"billing_status"`
	WalletBalance     decimal.Decimal  `json:"wallet_balance"`
	CurrentMonthSpent decimal.Decimal  `json:"current_month_spent"`
	TotalSpent        decimal.Decimal  `json:"total_spent"`
	CurrentMonthStart time.Time        `json:"current_month_start"`
	MonthlySpendCap   *decimal.Decimal `json:"monthly_spend_cap,omitempty"`

	AutoRechargeEnabled   bool            `json:"auto_recharge_enabled"`
	AutoRechargeThreshold decimal.Decimal `json:"auto_recharge_threshold"`
	AutoRechargeAmount    decimal.Decimal `json:"auto_recharge_amount"`

	PaymentProvider    string `json:"payment_provider,omitempty"`
	PaymentCustomerID  string `json:"payment_customer_id,omitempty"`
	PaymentMethodID    string `json:"payment_method_id,omitempty"`
	PaymentMethodLast4 string `json:"payment_method_last4,omitempty"`

	RechargeInFlight  bool       `json:"recharge_in_flight"`
	RechargeStartedAt *time.Time `json:"recharge_started_at,omitempty"`
	PastDueSince      *time.Time `json:"past_due_since,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasPaymentMethod reports whether a chargeable payment method is stored.
func (c *CompanyBilling) HasPaymentMethod() bool {
	return c.PaymentMethodID != ""
}

// Clone returns a deep copy so callers can stage changes without aliasing.
func (c *CompanyBilling) Clone() *CompanyBilling {
	out := *c
	if c.MonthlySpendCap != nil {
		v := *c.MonthlySpendCap
		out.MonthlySpendCap = &v
	}
	if c.RechargeStartedAt != nil {
		v := *c.RechargeStartedAt
		out.RechargeStartedAt = &v
	}
	if c.PastDueSince != nil {
		v := *c.PastDueSince
		out.PastDueSince = &v
	}
	return &out
}

// InvoiceStatus is the payment state of an invoice.
type InvoiceStatus string

const (
	InvoiceStatusPending  InvoiceStatus = "pending"
	InvoiceStatusPaid     InvoiceStatus = "paid"
	InvoiceStatusFailed   InvoiceStatus = "failed"
	InvoiceStatusRefunded InvoiceStatus = "refunded"
)

// LineItem is the per-category total of an invoice.
type LineItem struct {
	Category    Category        `json:"category"`
	Amount      decimal.Decimal `json:"amount"`
	Quantity    decimal.Decimal `json:"quantity"`
	RecordCount int64           `json:"record_count"`
}

// Invoice is an immutable snapshot of usage summed over [PeriodStart, PeriodEnd).
type Invoice struct {
	ID            uuid.UUID        `json:"id"`
	InvoiceNumber int64            `json:"invoice_number"`
	CompanyID     uuid.UUID        `json:"company_id"`
	Status        InvoiceStatus    `json:"status"`
	LineItems     []LineItem       `json:"line_items"`
	Subtotal      decimal.Decimal  `json:"subtotal"`
	TaxRate       *decimal.Decimal `json:"tax_rate,omitempty"`
	TaxAmount     decimal.Decimal  `json:"tax_amount"`
	Total         decimal.Decimal  `json:"total"`
	PeriodStart   time.Time        `json:"period_start"`
	PeriodEnd     time.Time        `json:"period_end"`
	RefundOf      *uuid.UUID       `json:"refund_of,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// Number renders the human-readable invoice number.
func (i *Invoice) Number() string {
	return FormatInvoiceNumber(i.InvoiceNumber)
}

// FormatInvoiceNumber renders n as INV-000042.
func FormatInvoiceNumber(n int64) string {
	return fmt.Sprintf("INV-%06d", n)
}

// PricingConfig is one row of pricing_config. CompanyID nil means global.
type PricingConfig struct {
	ID            uuid.UUID                    `json:"id"`
	CompanyID     *uuid.UUID                   `json:"company_id,omitempty"`
	MarginPercent decimal.Decimal              `json:"margin_percent"`
	UnitPrices    map[Category]decimal.Decimal `json:"unit_prices"`
	Active        bool                         `json:"active"`
	CreatedAt     time.Time                    `json:"created_at"`
}

// RechargeStatus is the state of a recharge attempt.
type RechargeStatus string

const (
	RechargeStatusPending   RechargeStatus = "pending"
	RechargeStatusSucceeded RechargeStatus = "succeeded"
	RechargeStatusFailed    RechargeStatus = "failed"
)

// RechargeReason records why a recharge was started.
type RechargeReason string

const (
	RechargeReasonThreshold RechargeReason = "threshold"
	RechargeReasonInitial   RechargeReason = "initial"
	RechargeReasonManual    RechargeReason = "manual"
)

// RechargeAttempt journals one charge against a stored payment method.
type RechargeAttempt struct {
	ID             uuid.UUID       `json:"id"`
	CompanyID      uuid.UUID       `json:"company_id"`
	Amount         decimal.Decimal `json:"amount"`
	Status         RechargeStatus  `json:"status"`
	Reason         RechargeReason  `json:"reason"`
	ProviderRef    string          `json:"provider_ref,omitempty"`
	FailureMessage string          `json:"failure_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// Window is a half-open time interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Valid reports whether the window is non-empty.
func (w Window) Valid() bool {
	return !w.Start.IsZero() && !w.End.IsZero() && w.Start.Before(w.End)
}

// MonthOf returns the first instant of t's calendar month in UTC.
func MonthOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// UsageGroupBy selects the aggregation dimension for usage rollups.
type UsageGroupBy string

const (
	GroupByCategory UsageGroupBy = "category"
	GroupByJob      UsageGroupBy = "job"
	GroupByMonth    UsageGroupBy = "month"
)

// UsageTotal is one row of an aggregation over usage records. Only the key
// matching the query's grouping is populated.
type UsageTotal struct {
	Category    Category        `json:"category,omitempty"`
	JobID       *uuid.UUID      `json:"job_id,omitempty"`
	Month       time.Time       `json:"month,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	Amount      decimal.Decimal `json:"amount"`
	RecordCount int64           `json:"record_count"`
}
