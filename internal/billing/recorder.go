package billing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/crosslogic/billing-service/internal/store"
	"github.com/crosslogic/billing-service/pkg/events"
	"github.com/crosslogic/billing-service/pkg/metrics"
	"github.com/crosslogic/billing-service/pkg/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxIdempotencyKeyLen = 255

// RecordRequest is one billable action reported by an AI collaborator.
type RecordRequest struct {
	CompanyID      uuid.UUID       `json:"company_id"`
	JobID          *uuid.UUID      `json:"job_id,omitempty"`
	Category       models.Category `json:"category"`
	RawQuantity    decimal.Decimal `json:"raw_quantity"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
}

// UsageRecorder is the write path for billable actions. The record insert
// and the wallet debit commit together under the company lock.
type UsageRecorder struct {
	store          store.Store
	pricing        *PricingResolver
	recharge       *RechargeTrigger
	bus            *events.Bus
	logger         *zap.Logger
	now            store.Clock
	pricingTimeout time.Duration
	lockTimeout    time.Duration
}

// NewUsageRecorder creates a usage recorder
func NewUsageRecorder(s store.Store, pricing *PricingResolver, recharge *RechargeTrigger, bus *events.Bus, logger *zap.Logger, pricingTimeout, lockTimeout time.Duration) *UsageRecorder {
	return &UsageRecorder{
		store:          s,
		pricing:        pricing,
		recharge:       recharge,
		bus:            bus,
		logger:         logger,
		now:            time.Now,
		pricingTimeout: pricingTimeout,
		lockTimeout:    lockTimeout,
	}
}

// Record prices and records one billable action and debits the wallet.
// When IdempotencyKey matches an existing record for the company, that
// record is returned with replayed=true and nothing is debited.
func (u *UsageRecorder) Record(ctx context.Context, req RecordRequest) (*models.UsageRecord, bool, error) {
	if err := validateRecordRequest(&req); err != nil {
		u.countRejected(req.Category, err)
		return nil, false, err
	}

	pricingCtx, cancel := context.WithTimeout(ctx, u.pricingTimeout)
	quote, err := u.pricing.Resolve(pricingCtx, req.CompanyID, req.Category, req.RawQuantity)
	cancel()
	if err != nil {
		u.countRejected(req.Category, err)
		return nil, false, err
	}

	var (
		record   *models.UsageRecord
		replayed bool
		after    *models.CompanyBilling
		capInfo  *models.CompanyBilling
	)

	lockCtx, cancelLock := context.WithTimeout(ctx, u.lockTimeout)
	defer cancelLock()

	err = u.store.WithCompany(lockCtx, req.CompanyID, func(tx store.CompanyTx) error {
		if req.IdempotencyKey != nil {
			existing, err := tx.FindUsageByIdempotencyKey(lockCtx, *req.IdempotencyKey)
			if err == nil {
				record, replayed = existing, true
				return nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}

		c := tx.Company()
		switch c.BillingStatus {
		case models.BillingStatusSuspended:
			return ErrCompanySuspended
		case models.BillingStatusPastDue:
			return ErrPaymentPastDue
		}

		now := u.now().UTC().Truncate(time.Microsecond)
		resetMonthIfDue(c, now)

		if wouldExceedCap(c, quote.FinalCost) {
			capInfo = c.Clone()
			return ErrSpendCapExceeded
		}

		rec := &models.UsageRecord{
			ID:             uuid.New(),
			CompanyID:      req.CompanyID,
			JobID:          req.JobID,
			Category:       req.Category,
			RawQuantity:    req.RawQuantity,
			BaseCost:       quote.BaseCost,
			MarginPercent:  quote.MarginPercent,
			FinalCost:      quote.FinalCost,
			IdempotencyKey: req.IdempotencyKey,
			CreatedAt:      now,
		}
		if err := tx.InsertUsage(lockCtx, rec); err != nil {
			return err
		}

		applyDebit(c, quote.FinalCost, now)
		if err := tx.SaveCompany(lockCtx); err != nil {
			return err
		}

		record, after = rec, c.Clone()
		return nil
	})
	if err != nil {
		err = companyErr(err)
		u.countRejected(req.Category, err)
		if capInfo != nil {
			u.publishCapExceeded(ctx, capInfo, quote.FinalCost)
		}
		return nil, false, err
	}

	if replayed {
		metrics.RecordUsage(string(req.Category), "replayed", record.FinalCost)
		u.logger.Debug("replayed idempotent usage record",
			zap.String("company_id", req.CompanyID.String()),
			zap.String("usage_record_id", record.ID.String()),
		)
		return record, true, nil
	}

	metrics.RecordUsage(string(record.Category), "recorded", record.FinalCost)
	metrics.UpdateWalletMetrics(req.CompanyID.String(), after.WalletBalance, after.CurrentMonthSpent)

	u.logger.Debug("recorded usage",
		zap.String("company_id", req.CompanyID.String()),
		zap.String("usage_record_id", record.ID.String()),
		zap.String("category", string(record.Category)),
		zap.String("final_cost", record.FinalCost.String()),
		zap.String("wallet_balance", after.WalletBalance.String()),
	)

	emit(ctx, u.bus, events.EventUsageRecorded, req.CompanyID, map[string]interface{}{
		"company_id":      req.CompanyID.String(),
		"usage_record_id": record.ID.String(),
		"category":        string(record.Category),
		"final_cost":      record.FinalCost.String(),
		"wallet_balance":  after.WalletBalance.String(),
	})

	if u.recharge != nil && after.AutoRechargeEnabled && after.WalletBalance.LessThan(after.AutoRechargeThreshold) {
		u.recharge.Schedule(req.CompanyID)
	}

	return record, false, nil
}

func validateRecordRequest(req *RecordRequest) error {
	if req.CompanyID == uuid.Nil {
		return wrap(ErrInvalidRequest, nil, "company_id is required")
	}
	if !req.Category.Valid() {
		return wrap(ErrUnknownCategory, nil, string(req.Category))
	}
	if !req.RawQuantity.IsPositive() {
		return ErrInvalidQuantity
	}
	if req.IdempotencyKey != nil {
		key := strings.TrimSpace(*req.IdempotencyKey)
		switch {
		case key == "":
			req.IdempotencyKey = nil
		case len(key) > maxIdempotencyKeyLen:
			return wrap(ErrInvalidRequest, nil, "idempotency_key too long")
		default:
			req.IdempotencyKey = &key
		}
	}
	return nil
}

func (u *UsageRecorder) countRejected(category models.Category, err error) {
	metrics.RecordUsage(string(category), "rejected_"+string(CodeOf(err)), decimal.Zero)
}

func (u *UsageRecorder) publishCapExceeded(ctx context.Context, c *models.CompanyBilling, attempted decimal.Decimal) {
	u.logger.Info("usage rejected by spend cap",
		zap.String("company_id", c.CompanyID.String()),
		zap.String("current_month_spent", c.CurrentMonthSpent.String()),
		zap.String("monthly_spend_cap", c.MonthlySpendCap.String()),
		zap.String("attempted", attempted.String()),
	)
	emit(ctx, u.bus, events.EventSpendCapExceeded, c.CompanyID, map[string]interface{}{
		"company_id":          c.CompanyID.String(),
		"current_month_spent": c.CurrentMonthSpent.String(),
		"monthly_spend_cap":   c.MonthlySpendCap.String(),
		"attempted":           attempted.String(),
	})
}
