package billing

import (
	"context"
	"errors"
	"time"

	"github.com/crosslogic/billing-service/internal/store"
	"github.com/crosslogic/billing-service/pkg/metrics"
	"github.com/crosslogic/billing-service/pkg/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// WalletLedger is the only mutation path for wallet balances. Every change
// happens inside the company's locked unit.
type WalletLedger struct {
	store  store.Store
	logger *zap.Logger
	now    store.Clock
}

// NewWalletLedger creates a new wallet ledger
func NewWalletLedger(s store.Store, logger *zap.Logger) *WalletLedger {
	return &WalletLedger{
		store:  s,
		logger: logger,
		now:    time.Now,
	}
}

// Debit subtracts amount from the wallet and adds it to the month and lifetime spend.
func (l *WalletLedger) Debit(ctx context.Context, companyID uuid.UUID, amount decimal.Decimal) (*models.CompanyBilling, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	return l.mutate(ctx, companyID, func(c *models.CompanyBilling, now time.Time) {
		resetMonthIfDue(c, now)
		applyDebit(c, amount, now)
	})
}

// Credit adds amount to the wallet.
func (l *WalletLedger) Credit(ctx context.Context, companyID uuid.UUID, amount decimal.Decimal) (*models.CompanyBilling, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	return l.mutate(ctx, companyID, func(c *models.CompanyBilling, now time.Time) {
		applyCredit(c, amount, now)
	})
}

// ResetMonthIfDue zeroes the month spend when a calendar month has elapsed
// since CurrentMonthStart. Debits perform the same check lazily.
func (l *WalletLedger) ResetMonthIfDue(ctx context.Context, companyID uuid.UUID) (bool, error) {
	var reset bool
	_, err := l.mutate(ctx, companyID, func(c *models.CompanyBilling, now time.Time) {
		reset = resetMonthIfDue(c, now)
	})
	return reset, err
}

func (l *WalletLedger) mutate(ctx context.Context, companyID uuid.UUID, fn func(c *models.CompanyBilling, now time.Time)) (*models.CompanyBilling, error) {
	var out *models.CompanyBilling
	err := l.store.WithCompany(ctx, companyID, func(tx store.CompanyTx) error {
		c := tx.Company()
		fn(c, l.now().UTC())
		if err := tx.SaveCompany(ctx); err != nil {
			return err
		}
		out = c.Clone()
		return nil
	})
	if err != nil {
		return nil, companyErr(err)
	}
	metrics.UpdateWalletMetrics(companyID.String(), out.WalletBalance, out.CurrentMonthSpent)
	return out, nil
}

func applyDebit(c *models.CompanyBilling, amount decimal.Decimal, now time.Time) {
	c.WalletBalance = models.RoundMoney(c.WalletBalance.Sub(amount))
	c.CurrentMonthSpent = models.RoundMoney(c.CurrentMonthSpent.Add(amount))
	c.TotalSpent = models.RoundMoney(c.TotalSpent.Add(amount))
	c.UpdatedAt = now
}

func applyCredit(c *models.CompanyBilling, amount decimal.Decimal, now time.Time) {
	c.WalletBalance = models.RoundMoney(c.WalletBalance.Add(amount))
	c.UpdatedAt = now
}

// resetMonthIfDue advances CurrentMonthStart by whole calendar months until
// now falls inside the current month, zeroing CurrentMonthSpent if it moved.
func resetMonthIfDue(c *models.CompanyBilling, now time.Time) bool {
	if c.CurrentMonthStart.IsZero() {
		c.CurrentMonthStart = models.MonthOf(now)
		c.CurrentMonthSpent = decimal.Zero
		return true
	}
	if now.Before(addMonths(c.CurrentMonthStart, 1)) {
		return false
	}

	n := 1
	for !now.Before(addMonths(c.CurrentMonthStart, n+1)) {
		n++
	}
	c.CurrentMonthStart = addMonths(c.CurrentMonthStart, n)
	c.CurrentMonthSpent = decimal.Zero
	c.UpdatedAt = now
	return true
}

// addMonths adds n calendar months to t, clamping the day to the target
// month's length so Jan 31 + 1 month is Feb 28/29, not Mar 3.
func addMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	if last := first.AddDate(0, 1, -1).Day(); d > last {
		d = last
	}
	return first.AddDate(0, 0, d-1)
}

// companyErr maps store failures of a locked unit onto billing errors.
func companyErr(err error) error {
	var be *Error
	switch {
	case errors.As(err, &be):
		return err
	case errors.Is(err, store.ErrNotFound):
		return ErrCompanyNotFound
	case errors.Is(err, store.ErrLockTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return wrap(ErrConcurrencyConflict, err, "")
	default:
		return err
	}
}
