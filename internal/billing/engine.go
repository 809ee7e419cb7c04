package billing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/crosslogic/billing-service/internal/config"
	"github.com/crosslogic/billing-service/internal/store"
	"github.com/crosslogic/billing-service/pkg/events"
	"github.com/crosslogic/billing-service/pkg/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Engine wires the billing components over one store and event bus.
type Engine struct {
	store  store.Store
	bus    *events.Bus
	logger *zap.Logger
	cfg    config.BillingConfig
	now    store.Clock

	Pricing  *PricingResolver
	Recorder *UsageRecorder
	Ledger   *WalletLedger
	SpendCap *SpendCapEnforcer
	Recharge *RechargeTrigger
	Invoices *InvoiceGenerator
	Usage    *UsageAggregator

	jobs sync.WaitGroup
}

// NewEngine creates a new billing engine
func NewEngine(s store.Store, gateway PaymentGateway, bus *events.Bus, logger *zap.Logger, cfg config.BillingConfig) *Engine {
	pricing := NewPricingResolver(s, logger)
	recharge := NewRechargeTrigger(s, gateway, bus, logger, cfg.PaymentTimeout, cfg.RechargeInFlightTTL)

	return &Engine{
		store:    s,
		bus:      bus,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
		Pricing:  pricing,
		Recorder: NewUsageRecorder(s, pricing, recharge, bus, logger, cfg.PricingTimeout, cfg.LockTimeout),
		Ledger:   NewWalletLedger(s, logger),
		SpendCap: NewSpendCapEnforcer(s, logger),
		Recharge: recharge,
		Invoices: NewInvoiceGenerator(s, bus, logger),
		Usage:    NewUsageAggregator(s, logger),
	}
}

// CompanySettings configures the spend cap and auto-recharge of a company.
// Nil fields are left unchanged.
type CompanySettings struct {
	MonthlySpendCap       *decimal.Decimal `json:"monthly_spend_cap,omitempty"`
	RemoveSpendCap        bool             `json:"remove_spend_cap,omitempty"`
	AutoRechargeEnabled   *bool            `json:"auto_recharge_enabled,omitempty"`
	AutoRechargeThreshold *decimal.Decimal `json:"auto_recharge_threshold,omitempty"`
	AutoRechargeAmount    *decimal.Decimal `json:"auto_recharge_amount,omitempty"`
}

// CreateCompany opens a trial billing account with an empty wallet.
func (e *Engine) CreateCompany(ctx context.Context, companyID uuid.UUID, settings CompanySettings) (*models.CompanyBilling, error) {
	if companyID == uuid.Nil {
		return nil, wrap(ErrInvalidRequest, nil, "company_id is required")
	}

	now := e.now().UTC().Truncate(time.Microsecond)
	c := &models.CompanyBilling{
		CompanyID:             companyID,
		BillingStatus:         models.BillingStatusTrial,
		WalletBalance:         decimal.Zero,
		CurrentMonthSpent:     decimal.Zero,
		TotalSpent:            decimal.Zero,
		CurrentMonthStart:     models.MonthOf(now),
		AutoRechargeThreshold: decimal.Zero,
		AutoRechargeAmount:    decimal.Zero,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := applySettings(c, settings); err != nil {
		return nil, err
	}

	if err := e.store.CreateCompany(ctx, c); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrCompanyExists
		}
		return nil, err
	}

	e.logger.Info("created company billing",
		zap.String("company_id", companyID.String()),
	)
	emit(ctx, e.bus, events.EventCompanyCreated, companyID, map[string]interface{}{
		"company_id": companyID.String(),
		"status":     string(c.BillingStatus),
	})
	return c, nil
}

// GetBilling returns the company's billing row.
func (e *Engine) GetBilling(ctx context.Context, companyID uuid.UUID) (*models.CompanyBilling, error) {
	c, err := e.store.GetCompany(ctx, companyID)
	if err != nil {
		return nil, companyErr(err)
	}
	return c, nil
}

// UpdateSettings changes the spend cap and auto-recharge configuration.
// Enabling auto-recharge below the threshold schedules a recharge.
func (e *Engine) UpdateSettings(ctx context.Context, companyID uuid.UUID, settings CompanySettings) (*models.CompanyBilling, error) {
	var out *models.CompanyBilling
	err := e.store.WithCompany(ctx, companyID, func(tx store.CompanyTx) error {
		c := tx.Company()
		if err := applySettings(c, settings); err != nil {
			return err
		}
		c.UpdatedAt = e.now().UTC().Truncate(time.Microsecond)
		if err := tx.SaveCompany(ctx); err != nil {
			return err
		}
		out = c.Clone()
		return nil
	})
	if err != nil {
		return nil, companyErr(err)
	}

	e.logger.Info("updated billing settings",
		zap.String("company_id", companyID.String()),
		zap.Bool("auto_recharge_enabled", out.AutoRechargeEnabled),
	)

	if out.AutoRechargeEnabled && out.WalletBalance.LessThan(out.AutoRechargeThreshold) {
		e.Recharge.Schedule(companyID)
	}
	return out, nil
}

func applySettings(c *models.CompanyBilling, s CompanySettings) error {
	switch {
	case s.RemoveSpendCap:
		c.MonthlySpendCap = nil
	case s.MonthlySpendCap != nil:
		if s.MonthlySpendCap.IsNegative() {
			return wrap(ErrInvalidAmount, nil, "monthly_spend_cap cannot be negative")
		}
		capValue := models.RoundMoney(*s.MonthlySpendCap)
		c.MonthlySpendCap = &capValue
	}

	if s.AutoRechargeThreshold != nil {
		if s.AutoRechargeThreshold.IsNegative() {
			return wrap(ErrInvalidAmount, nil, "auto_recharge_threshold cannot be negative")
		}
		c.AutoRechargeThreshold = models.RoundMoney(*s.AutoRechargeThreshold)
	}
	if s.AutoRechargeAmount != nil {
		if err := validateRechargeAmount(*s.AutoRechargeAmount); err != nil {
			return err
		}
		c.AutoRechargeAmount = *s.AutoRechargeAmount
	}
	if s.AutoRechargeEnabled != nil {
		c.AutoRechargeEnabled = *s.AutoRechargeEnabled
	}

	if c.AutoRechargeEnabled && !c.AutoRechargeAmount.IsPositive() {
		return wrap(ErrInvalidAmount, nil, "auto_recharge_amount is required when auto-recharge is enabled")
	}
	return nil
}

// SweepStats summarizes one pass of the background sweeper.
type SweepStats struct {
	Candidates       int
	RechargesStarted int
	StaleCleared     int
	Suspended        int
	Errors           int
}

// Sweep revisits companies that need background attention: it clears stale
// in-flight recharges, restarts auto-recharge evaluations lost to a restart
// and suspends companies past_due for longer than the grace window.
func (e *Engine) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats

	ids, err := e.store.ListSweepCandidates(ctx)
	if err != nil {
		return stats, err
	}
	stats.Candidates = len(ids)

	for _, id := range ids {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		if cleared, err := e.Recharge.ClearStaleInFlight(ctx, id); err != nil {
			e.sweepError(&stats, id, "clear stale recharge", err)
			continue
		} else if cleared {
			stats.StaleCleared++
		}

		suspended, err := e.suspendIfOverdue(ctx, id)
		if err != nil {
			e.sweepError(&stats, id, "suspend overdue company", err)
			continue
		}
		if suspended {
			stats.Suspended++
			continue
		}

		started, err := e.Recharge.MaybeRecharge(ctx, id)
		if err != nil {
			e.sweepError(&stats, id, "auto-recharge", err)
			continue
		}
		if started {
			stats.RechargesStarted++
		}
	}
	return stats, nil
}

func (e *Engine) sweepError(stats *SweepStats, companyID uuid.UUID, step string, err error) {
	stats.Errors++
	e.logger.Error("billing sweep step failed",
		zap.String("company_id", companyID.String()),
		zap.String("step", step),
		zap.Error(err),
	)
}

// suspendIfOverdue moves a past_due company to suspended once PastDueGrace
// has elapsed since it became past_due.
func (e *Engine) suspendIfOverdue(ctx context.Context, companyID uuid.UUID) (bool, error) {
	var suspended bool
	err := e.store.WithCompany(ctx, companyID, func(tx store.CompanyTx) error {
		c := tx.Company()
		if c.BillingStatus != models.BillingStatusPastDue {
			return nil
		}
		now := e.now().UTC().Truncate(time.Microsecond)
		if c.PastDueSince == nil {
			c.PastDueSince = &now
			c.UpdatedAt = now
			return tx.SaveCompany(ctx)
		}
		if now.Sub(*c.PastDueSince) < e.cfg.PastDueGrace {
			return nil
		}
		c.BillingStatus = models.BillingStatusSuspended
		c.UpdatedAt = now
		suspended = true
		return tx.SaveCompany(ctx)
	})
	if err != nil {
		return false, companyErr(err)
	}
	if suspended {
		e.logger.Warn("suspended company after past-due grace period",
			zap.String("company_id", companyID.String()),
			zap.Duration("grace", e.cfg.PastDueGrace),
		)
		emitStatusChange(ctx, e.bus, companyID, models.BillingStatusPastDue, models.BillingStatusSuspended, "past_due_grace_expired")
	}
	return suspended, nil
}

// StartBackgroundJobs runs the sweeper every SweepInterval until ctx is done.
func (e *Engine) StartBackgroundJobs(ctx context.Context) {
	interval := e.cfg.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	e.jobs.Add(1)
	go func() {
		defer e.jobs.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats, err := e.Sweep(ctx)
				if err != nil && ctx.Err() == nil {
					e.logger.Error("billing sweep failed", zap.Error(err))
					continue
				}
				if stats.Candidates > 0 {
					e.logger.Info("billing sweep finished",
						zap.Int("candidates", stats.Candidates),
						zap.Int("recharges_started", stats.RechargesStarted),
						zap.Int("stale_cleared", stats.StaleCleared),
						zap.Int("suspended", stats.Suspended),
						zap.Int("errors", stats.Errors),
					)
				}
			}
		}
	}()

	e.logger.Info("started billing background jobs", zap.Duration("sweep_interval", interval))
}

// Wait blocks until background jobs and scheduled recharges have finished.
// Cancel the context passed to StartBackgroundJobs first.
func (e *Engine) Wait() {
	e.jobs.Wait()
	e.Recharge.Wait()
}
