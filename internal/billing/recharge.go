package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/crosslogic/billing-service/internal/payments"
	"github.com/crosslogic/billing-service/internal/store"
	"github.com/crosslogic/billing-service/pkg/events"
	"github.com/crosslogic/billing-service/pkg/metrics"
	"github.com/crosslogic/billing-service/pkg/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaymentGateway moves money for a recharge. A returned error means the
// outcome is unknown; declines come back as a failed ChargeResult.
type PaymentGateway interface {
	Charge(ctx context.Context, req payments.ChargeRequest) (payments.ChargeResult, error)
}

// PaymentMethod is a chargeable method attached to a company.
type PaymentMethod struct {
	Provider   string `json:"provider"`
	CustomerID string `json:"customer_id"`
	MethodID   string `json:"payment_method_id"`
	Last4      string `json:"last4"`
	// InitialAmount overrides AutoRechargeAmount for the first recharge.
	InitialAmount *decimal.Decimal `json:"initial_amount,omitempty"`
}

// RechargeResult is an asynchronous outcome reported by the payment
// collaborator. AttemptID is preferred; ProviderRef identifies the charge
// otherwise.
type RechargeResult struct {
	CompanyID      uuid.UUID       `json:"company_id"`
	AttemptID      *uuid.UUID      `json:"attempt_id,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Success        bool            `json:"success"`
	ProviderRef    string          `json:"provider_ref"`
	FailureMessage string          `json:"failure_message,omitempty"`
}

// RechargeTrigger tops wallets up from stored payment methods. The decision
// and the in-flight flag are taken under the company lock; the processor is
// called outside it and the lock is re-acquired to apply the outcome.
type RechargeTrigger struct {
	store          store.Store
	gateway        PaymentGateway
	bus            *events.Bus
	logger         *zap.Logger
	now            store.Clock
	paymentTimeout time.Duration
	inFlightTTL    time.Duration

	wg sync.WaitGroup
}

// NewRechargeTrigger creates a recharge trigger
func NewRechargeTrigger(s store.Store, gateway PaymentGateway, bus *events.Bus, logger *zap.Logger, paymentTimeout, inFlightTTL time.Duration) *RechargeTrigger {
	return &RechargeTrigger{
		store:          s,
		gateway:        gateway,
		bus:            bus,
		logger:         logger,
		now:            time.Now,
		paymentTimeout: paymentTimeout,
		inFlightTTL:    inFlightTTL,
	}
}

func (r *RechargeTrigger) clock() time.Time {
	return r.now().UTC().Truncate(time.Microsecond)
}

// Schedule evaluates MaybeRecharge in the background. Wait drains it.
func (r *RechargeTrigger) Schedule(companyID uuid.UUID) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 2*r.paymentTimeout)
		defer cancel()

		if _, err := r.MaybeRecharge(ctx, companyID); err != nil {
			r.logger.Error("auto-recharge evaluation failed",
				zap.String("company_id", companyID.String()),
				zap.Error(err),
			)
		}
	}()
}

// Wait blocks until every scheduled evaluation has finished.
func (r *RechargeTrigger) Wait() {
	r.wg.Wait()
}

// MaybeRecharge charges AutoRechargeAmount when auto-recharge is enabled,
// the balance is below the threshold and no recharge is in flight. It
// reports whether a charge was started.
func (r *RechargeTrigger) MaybeRecharge(ctx context.Context, companyID uuid.UUID) (bool, error) {
	var attempt *models.RechargeAttempt
	var snapshot *models.CompanyBilling

	err := r.store.WithCompany(ctx, companyID, func(tx store.CompanyTx) error {
		c := tx.Company()
		now := r.clock()
		if !r.shouldAutoRecharge(c, now) {
			return nil
		}
		a, err := r.startAttempt(ctx, tx, c.AutoRechargeAmount, models.RechargeReasonThreshold, now)
		if err != nil {
			return err
		}
		attempt, snapshot = a, c.Clone()
		return nil
	})
	if err != nil {
		return false, companyErr(err)
	}
	if attempt == nil {
		return false, nil
	}

	r.logger.Info("auto-recharge triggered",
		zap.String("company_id", companyID.String()),
		zap.String("attempt_id", attempt.ID.String()),
		zap.String("balance", snapshot.WalletBalance.String()),
		zap.String("threshold", snapshot.AutoRechargeThreshold.String()),
	)

	_, err = r.execute(ctx, snapshot, attempt)
	return true, err
}

// ManualRecharge tops up by amount regardless of the threshold.
func (r *RechargeTrigger) ManualRecharge(ctx context.Context, companyID uuid.UUID, amount decimal.Decimal) (*models.RechargeAttempt, error) {
	if err := validateRechargeAmount(amount); err != nil {
		return nil, err
	}

	var attempt *models.RechargeAttempt
	var snapshot *models.CompanyBilling
	err := r.store.WithCompany(ctx, companyID, func(tx store.CompanyTx) error {
		c := tx.Company()
		now := r.clock()
		if !c.HasPaymentMethod() {
			return ErrNoPaymentMethod
		}
		if r.inFlight(c, now) {
			return ErrRechargeInFlight
		}
		a, err := r.startAttempt(ctx, tx, amount, models.RechargeReasonManual, now)
		if err != nil {
			return err
		}
		attempt, snapshot = a, c.Clone()
		return nil
	})
	if err != nil {
		return nil, companyErr(err)
	}
	return r.execute(ctx, snapshot, attempt)
}

// AttachPaymentMethod stores pm. For a company that is not yet active (trial
// or past_due) it immediately charges the initial recharge, the one recharge
// not gated on the threshold. The returned attempt is nil when no charge ran.
func (r *RechargeTrigger) AttachPaymentMethod(ctx context.Context, companyID uuid.UUID, pm PaymentMethod) (*models.RechargeAttempt, error) {
	if pm.MethodID == "" {
		return nil, wrap(ErrInvalidRequest, nil, "payment_method_id is required")
	}
	if pm.Provider == "" {
		pm.Provider = payments.ProviderStripe
	}
	if pm.Provider == payments.ProviderStripe && pm.CustomerID == "" {
		return nil, wrap(ErrInvalidRequest, nil, "customer_id is required for stripe")
	}

	var attempt *models.RechargeAttempt
	var snapshot *models.CompanyBilling
	err := r.store.WithCompany(ctx, companyID, func(tx store.CompanyTx) error {
		c := tx.Company()
		now := r.clock()

		c.PaymentProvider = pm.Provider
		c.PaymentCustomerID = pm.CustomerID
		c.PaymentMethodID = pm.MethodID
		c.PaymentMethodLast4 = pm.Last4
		c.UpdatedAt = now

		needsInitial := c.BillingStatus == models.BillingStatusTrial || c.BillingStatus == models.BillingStatusPastDue
		if needsInitial && !r.inFlight(c, now) {
			amount := c.AutoRechargeAmount
			if pm.InitialAmount != nil {
				amount = *pm.InitialAmount
			}
			if err := validateRechargeAmount(amount); err != nil {
				return wrap(ErrInvalidAmount, err, "initial recharge needs initial_amount or auto_recharge_amount")
			}
			a, err := r.startAttempt(ctx, tx, amount, models.RechargeReasonInitial, now)
			if err != nil {
				return err
			}
			attempt = a
		} else if err := tx.SaveCompany(ctx); err != nil {
			return err
		}
		snapshot = c.Clone()
		return nil
	})
	if err != nil {
		return nil, companyErr(err)
	}

	r.logger.Info("payment method attached",
		zap.String("company_id", companyID.String()),
		zap.String("provider", pm.Provider),
		zap.String("last4", pm.Last4),
	)
	emit(ctx, r.bus, events.EventPaymentMethodChanged, companyID, map[string]interface{}{
		"company_id": companyID.String(),
		"provider":   pm.Provider,
		"last4":      pm.Last4,
	})

	if attempt == nil {
		return nil, nil
	}
	return r.execute(ctx, snapshot, attempt)
}

// OnRechargeResult applies an asynchronous processor outcome. Redelivered
// results for an already-resolved attempt are ignored; applied reports
// whether this call changed the wallet or status.
func (r *RechargeTrigger) OnRechargeResult(ctx context.Context, result RechargeResult) (*models.RechargeAttempt, bool, error) {
	if result.CompanyID == uuid.Nil {
		return nil, false, wrap(ErrInvalidRequest, nil, "company_id is required")
	}
	if result.AttemptID == nil && result.ProviderRef == "" {
		return nil, false, wrap(ErrInvalidRequest, nil, "attempt_id or provider_ref is required")
	}
	return r.apply(ctx, result)
}

// ClearStaleInFlight drops an in-flight flag older than the TTL so new
// recharges can start. The stale attempt stays pending and is still credited
// if its result arrives later.
func (r *RechargeTrigger) ClearStaleInFlight(ctx context.Context, companyID uuid.UUID) (bool, error) {
	var cleared bool
	err := r.store.WithCompany(ctx, companyID, func(tx store.CompanyTx) error {
		c := tx.Company()
		now := r.clock()
		if !c.RechargeInFlight || r.inFlight(c, now) {
			return nil
		}
		c.RechargeInFlight = false
		c.RechargeStartedAt = nil
		c.UpdatedAt = now
		cleared = true
		return tx.SaveCompany(ctx)
	})
	if err != nil {
		return false, companyErr(err)
	}
	if cleared {
		r.logger.Warn("cleared stale in-flight recharge",
			zap.String("company_id", companyID.String()),
		)
	}
	return cleared, nil
}

func (r *RechargeTrigger) shouldAutoRecharge(c *models.CompanyBilling, now time.Time) bool {
	switch {
	case !c.AutoRechargeEnabled, !c.HasPaymentMethod():
		return false
	case c.BillingStatus == models.BillingStatusPastDue, c.BillingStatus == models.BillingStatusSuspended:
		// Retrying a failed method is left to the operator or a new payment method.
		return false
	case !c.AutoRechargeAmount.IsPositive():
		return false
	case !c.WalletBalance.LessThan(c.AutoRechargeThreshold):
		return false
	}
	return !r.inFlight(c, now)
}

// inFlight reports whether an unexpired recharge holds the single-flight flag.
func (r *RechargeTrigger) inFlight(c *models.CompanyBilling, now time.Time) bool {
	if !c.RechargeInFlight {
		return false
	}
	if c.RechargeStartedAt == nil || r.inFlightTTL <= 0 {
		return true
	}
	return now.Sub(*c.RechargeStartedAt) < r.inFlightTTL
}

// startAttempt journals a pending attempt and raises the in-flight flag.
// It must run inside the company's locked unit.
func (r *RechargeTrigger) startAttempt(ctx context.Context, tx store.CompanyTx, amount decimal.Decimal, reason models.RechargeReason, now time.Time) (*models.RechargeAttempt, error) {
	c := tx.Company()
	attempt := &models.RechargeAttempt{
		ID:        uuid.New(),
		CompanyID: c.CompanyID,
		Amount:    amount,
		Status:    models.RechargeStatusPending,
		Reason:    reason,
		CreatedAt: now,
	}
	if err := tx.InsertRechargeAttempt(ctx, attempt); err != nil {
		return nil, err
	}

	c.RechargeInFlight = true
	c.RechargeStartedAt = &now
	c.UpdatedAt = now
	if err := tx.SaveCompany(ctx); err != nil {
		return nil, err
	}
	return attempt, nil
}

// execute charges outside the lock and applies a definitive outcome.
func (r *RechargeTrigger) execute(ctx context.Context, c *models.CompanyBilling, attempt *models.RechargeAttempt) (*models.RechargeAttempt, error) {
	chargeCtx, cancel := context.WithTimeout(ctx, r.paymentTimeout)
	res, err := r.gateway.Charge(chargeCtx, payments.ChargeRequest{
		CompanyID:       c.CompanyID,
		AttemptID:       attempt.ID,
		CustomerID:      c.PaymentCustomerID,
		PaymentMethodID: c.PaymentMethodID,
		Amount:          attempt.Amount,
	})
	cancel()

	if err != nil {
		metrics.RechargeAttemptsTotal.WithLabelValues(string(attempt.Reason), "unknown").Inc()
		r.logger.Error("recharge charge outcome unknown, waiting for processor callback",
			zap.String("company_id", c.CompanyID.String()),
			zap.String("attempt_id", attempt.ID.String()),
			zap.Error(err),
		)
		return attempt, nil
	}

	if res.Status == payments.ChargePending {
		metrics.RechargeAttemptsTotal.WithLabelValues(string(attempt.Reason), "pending").Inc()
		return r.recordProviderRef(ctx, attempt, res.ProviderRef)
	}

	applied, _, err := r.apply(context.WithoutCancel(ctx), RechargeResult{
		CompanyID:      c.CompanyID,
		AttemptID:      &attempt.ID,
		Amount:         attempt.Amount,
		Success:        res.Status == payments.ChargeSucceeded,
		ProviderRef:    res.ProviderRef,
		FailureMessage: res.FailureMessage,
	})
	return applied, err
}

func (r *RechargeTrigger) recordProviderRef(ctx context.Context, attempt *models.RechargeAttempt, ref string) (*models.RechargeAttempt, error) {
	if ref == "" {
		return attempt, nil
	}
	var out *models.RechargeAttempt
	err := r.store.WithCompany(context.WithoutCancel(ctx), attempt.CompanyID, func(tx store.CompanyTx) error {
		a, err := tx.GetRechargeAttempt(ctx, attempt.ID)
		if err != nil {
			return fmt.Errorf("failed to load recharge attempt: %w", err)
		}
		if a.ProviderRef == "" {
			a.ProviderRef = ref
			if err := tx.UpdateRechargeAttempt(ctx, a); err != nil {
				return err
			}
		}
		out = a
		return nil
	})
	if err != nil {
		return attempt, companyErr(err)
	}
	return out, nil
}

type rechargeOutcome struct {
	attempt    *models.RechargeAttempt
	applied    bool
	fromStatus models.BillingStatus
	toStatus   models.BillingStatus
	balance    decimal.Decimal
	monthSpent decimal.Decimal
}

// apply resolves an attempt under the company lock. A successful result
// credits the wallet and activates a trial or past_due company; a failed
// scheduled charge marks it past_due.
func (r *RechargeTrigger) apply(ctx context.Context, result RechargeResult) (*models.RechargeAttempt, bool, error) {
	var out rechargeOutcome

	err := r.store.WithCompany(ctx, result.CompanyID, func(tx store.CompanyTx) error {
		c := tx.Company()
		now := r.clock()

		attempt, isNew, err := r.lookupAttempt(ctx, tx, result, now)
		if err != nil {
			return err
		}
		out.attempt = attempt
		if attempt.Status != models.RechargeStatusPending {
			return nil
		}

		out.fromStatus = c.BillingStatus
		attempt.CompletedAt = &now
		if attempt.ProviderRef == "" {
			attempt.ProviderRef = result.ProviderRef
		}

		if result.Success {
			attempt.Status = models.RechargeStatusSucceeded
			applyCredit(c, attempt.Amount, now)
			// Suspension is lifted by policy, never by a payment alone.
			if c.BillingStatus == models.BillingStatusTrial || c.BillingStatus == models.BillingStatusPastDue {
				c.BillingStatus = models.BillingStatusActive
				c.PastDueSince = nil
			}
		} else {
			attempt.Status = models.RechargeStatusFailed
			attempt.FailureMessage = result.FailureMessage
			blocks, err := r.failureBlocksUsage(ctx, tx, attempt)
			if err != nil {
				return err
			}
			if blocks && c.BillingStatus != models.BillingStatusSuspended {
				c.BillingStatus = models.BillingStatusPastDue
				if c.PastDueSince == nil {
					c.PastDueSince = &now
				}
			}
		}

		// Only the attempt that raised the flag may lower it.
		if c.RechargeInFlight && c.RechargeStartedAt != nil && !attempt.CreatedAt.Before(*c.RechargeStartedAt) {
			c.RechargeInFlight = false
			c.RechargeStartedAt = nil
		}
		c.UpdatedAt = now

		if isNew {
			err = tx.InsertRechargeAttempt(ctx, attempt)
		} else {
			err = tx.UpdateRechargeAttempt(ctx, attempt)
		}
		if err != nil {
			return err
		}
		if err := tx.SaveCompany(ctx); err != nil {
			return err
		}

		out.applied = true
		out.toStatus = c.BillingStatus
		out.balance = c.WalletBalance
		out.monthSpent = c.CurrentMonthSpent
		return nil
	})
	if err != nil {
		return nil, false, companyErr(err)
	}
	if !out.applied {
		r.logger.Info("recharge result already applied",
			zap.String("company_id", result.CompanyID.String()),
			zap.String("attempt_id", out.attempt.ID.String()),
			zap.String("status", string(out.attempt.Status)),
		)
		return out.attempt, false, nil
	}

	metrics.UpdateWalletMetrics(result.CompanyID.String(), out.balance, out.monthSpent)
	r.publishOutcome(ctx, out)
	return out.attempt, true, nil
}

// failureBlocksUsage reports whether a failed attempt moves the company to
// past_due. Declined top-ups the caller asked for leave the status alone, as
// does a failure superseded by a newer attempt.
func (r *RechargeTrigger) failureBlocksUsage(ctx context.Context, tx store.CompanyTx, attempt *models.RechargeAttempt) (bool, error) {
	if attempt.Reason == models.RechargeReasonManual {
		return false, nil
	}
	latest, err := tx.LatestRechargeAttempt(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return true, nil
		}
		return false, err
	}
	superseded := latest.ID != attempt.ID && latest.CreatedAt.After(attempt.CreatedAt)
	return !superseded, nil
}

// lookupAttempt finds the journaled attempt for result. Results for charges
// the engine never started are journaled on first sight, keyed by ProviderRef.
func (r *RechargeTrigger) lookupAttempt(ctx context.Context, tx store.CompanyTx, result RechargeResult, now time.Time) (*models.RechargeAttempt, bool, error) {
	var attempt *models.RechargeAttempt
	var err error
	if result.AttemptID != nil {
		attempt, err = tx.GetRechargeAttempt(ctx, *result.AttemptID)
	} else {
		attempt, err = tx.FindRechargeAttemptByRef(ctx, result.ProviderRef)
	}
	if err == nil {
		return attempt, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}
	if result.AttemptID != nil {
		return nil, false, wrap(ErrInvalidRequest, nil, "unknown recharge attempt "+result.AttemptID.String())
	}
	if err := validateRechargeAmount(result.Amount); err != nil {
		return nil, false, err
	}
	return &models.RechargeAttempt{
		ID:          uuid.New(),
		CompanyID:   result.CompanyID,
		Amount:      result.Amount,
		Status:      models.RechargeStatusPending,
		Reason:      models.RechargeReasonManual,
		ProviderRef: result.ProviderRef,
		CreatedAt:   now,
	}, true, nil
}

func (r *RechargeTrigger) publishOutcome(ctx context.Context, out rechargeOutcome) {
	a := out.attempt
	outcome := "succeeded"
	eventType := events.EventRechargeSucceeded
	if a.Status == models.RechargeStatusFailed {
		outcome = "failed"
		eventType = events.EventRechargeFailed
	}
	metrics.RechargeAttemptsTotal.WithLabelValues(string(a.Reason), outcome).Inc()

	fields := []zap.Field{
		zap.String("company_id", a.CompanyID.String()),
		zap.String("attempt_id", a.ID.String()),
		zap.String("amount", a.Amount.String()),
		zap.String("provider_ref", a.ProviderRef),
		zap.String("balance", out.balance.String()),
	}
	if a.Status == models.RechargeStatusFailed {
		r.logger.Warn("recharge failed", append(fields, zap.String("failure_message", a.FailureMessage))...)
	} else {
		r.logger.Info("recharge succeeded", fields...)
	}

	emit(ctx, r.bus, eventType, a.CompanyID, map[string]interface{}{
		"company_id":      a.CompanyID.String(),
		"attempt_id":      a.ID.String(),
		"amount":          a.Amount.String(),
		"amount_display":  FormatCostCompact(a.Amount),
		"reason":          string(a.Reason),
		"provider_ref":    a.ProviderRef,
		"failure_message": a.FailureMessage,
		"wallet_balance":  out.balance.String(),
	})
	emitStatusChange(ctx, r.bus, a.CompanyID, out.fromStatus, out.toStatus, "recharge_"+outcome)
}

// validateRechargeAmount requires a positive whole number of cents.
func validateRechargeAmount(amount decimal.Decimal) error {
	if _, err := payments.ToCents(amount); err != nil {
		return wrap(ErrInvalidAmount, nil, err.Error())
	}
	return nil
}
