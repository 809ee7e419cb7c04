package billing

import (
	"errors"
	"fmt"
)

// Code is the stable, caller-visible class of a billing failure.
type Code string

const (
	CodeValidation          Code = "validation_error"
	CodeSpendCapExceeded    Code = "spend_cap_exceeded"
	CodePricingUnavailable  Code = "pricing_unavailable"
	CodeCompanyNotFound     Code = "company_not_found"
	CodeCompanySuspended    Code = "company_suspended"
	CodePaymentPastDue      Code = "payment_past_due"
	CodeRechargeFailed      Code = "recharge_failed"
	CodeConcurrencyConflict Code = "concurrency_conflict"
	CodeInvoiceNotFound     Code = "invoice_not_found"
	CodeInternal            Code = "internal_error"
)

// Error is a billing failure with a stable code. Reason distinguishes
// sentinels that share a code (for example the validation errors).
type Error struct {
	Code    Code
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by code and reason so wrapped copies still compare equal.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Reason == t.Reason
}

func newSentinel(code Code, reason, message string) *Error {
	return &Error{Code: code, Reason: reason, Message: message}
}

var (
	ErrInvalidQuantity     = newSentinel(CodeValidation, "invalid_quantity", "raw quantity must be positive")
	ErrUnknownCategory     = newSentinel(CodeValidation, "unknown_category", "unknown usage category")
	ErrInvalidWindow       = newSentinel(CodeValidation, "invalid_window", "window start must be before end")
	ErrInvalidAmount       = newSentinel(CodeValidation, "invalid_amount", "amount must be positive")
	ErrInvalidRequest      = newSentinel(CodeValidation, "invalid_request", "invalid request")
	ErrNoPaymentMethod     = newSentinel(CodeValidation, "no_payment_method", "company has no payment method")
	ErrSpendCapExceeded    = newSentinel(CodeSpendCapExceeded, "spend_cap_exceeded", "monthly spend cap would be exceeded")
	ErrPricingUnavailable  = newSentinel(CodePricingUnavailable, "pricing_unavailable", "no active pricing")
	ErrCompanyNotFound     = newSentinel(CodeCompanyNotFound, "company_not_found", "company billing not found")
	ErrCompanyExists       = newSentinel(CodeConcurrencyConflict, "company_exists", "company billing already exists")
	ErrCompanySuspended    = newSentinel(CodeCompanySuspended, "company_suspended", "company billing is suspended")
	ErrPaymentPastDue      = newSentinel(CodePaymentPastDue, "payment_past_due", "company payment is past due")
	ErrRechargeFailed      = newSentinel(CodeRechargeFailed, "recharge_failed", "wallet recharge failed")
	ErrRechargeInFlight    = newSentinel(CodeConcurrencyConflict, "recharge_in_flight", "a recharge is already in flight")
	ErrConcurrencyConflict = newSentinel(CodeConcurrencyConflict, "lock_timeout", "company is busy, retry the request")
	ErrInvoiceNotFound     = newSentinel(CodeInvoiceNotFound, "invoice_not_found", "invoice not found")
	ErrAlreadyRefunded     = newSentinel(CodeConcurrencyConflict, "already_refunded", "invoice already refunded")
	ErrInvoiceStatus       = newSentinel(CodeConcurrencyConflict, "invoice_status", "invoice status transition not allowed")
)

// wrap returns a copy of sentinel carrying cause and an optional detail message.
func wrap(sentinel *Error, cause error, detail string) *Error {
	msg := sentinel.Message
	if detail != "" {
		msg = fmt.Sprintf("%s: %s", sentinel.Message, detail)
	}
	return &Error{Code: sentinel.Code, Reason: sentinel.Reason, Message: msg, Err: cause}
}

// CodeOf returns the code of err, or CodeInternal when err is not a billing error.
func CodeOf(err error) Code {
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	return CodeInternal
}
