package billing

import (
	"context"
	"testing"
	"time"

	"github.com/crosslogic/billing-service/pkg/events"
	"github.com/crosslogic/billing-service/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_CreateCompany(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 7, 19, 15, 4, 5, 0, time.UTC)
	env.setClock(func() time.Time { return now })

	id := uuid.New()
	c, err := env.engine.CreateCompany(ctx, id, CompanySettings{MonthlySpendCap: decPtr("250")})
	require.NoError(t, err)
	assert.Equal(t, models.BillingStatusTrial, c.BillingStatus)
	assert.True(t, c.WalletBalance.IsZero())
	assert.Equal(t, time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC), c.CurrentMonthStart)
	require.NotNil(t, c.MonthlySpendCap)
	assert.True(t, c.MonthlySpendCap.Equal(dec("250")))

	_, err = env.engine.CreateCompany(ctx, id, CompanySettings{})
	assert.ErrorIs(t, err, ErrCompanyExists)

	_, err = env.engine.CreateCompany(ctx, uuid.Nil, CompanySettings{})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = env.engine.GetBilling(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrCompanyNotFound)

	env.settle()
	assert.Len(t, env.events.ofType(events.EventCompanyCreated), 1)
}

func TestEngine_UpdateSettings(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.newCompany(t, nil)

	enabled := true
	c, err := env.engine.UpdateSettings(ctx, id, CompanySettings{
		MonthlySpendCap:       decPtr("100"),
		AutoRechargeEnabled:   &enabled,
		AutoRechargeThreshold: decPtr("10"),
		AutoRechargeAmount:    decPtr("50"),
	})
	require.NoError(t, err)
	assert.True(t, c.AutoRechargeEnabled)
	assert.True(t, c.MonthlySpendCap.Equal(dec("100")))
	env.settle()
	assert.Empty(t, env.gateway.Calls(), "no payment method, nothing to charge")

	c, err = env.engine.UpdateSettings(ctx, id, CompanySettings{RemoveSpendCap: true})
	require.NoError(t, err)
	assert.Nil(t, c.MonthlySpendCap)
	assert.True(t, c.AutoRechargeEnabled, "untouched fields are kept")

	tests := []struct {
		name     string
		settings CompanySettings
	}{
		{"negative cap", CompanySettings{MonthlySpendCap: decPtr("-1")}},
		{"negative threshold", CompanySettings{AutoRechargeThreshold: decPtr("-5")}},
		{"sub-cent amount", CompanySettings{AutoRechargeAmount: decPtr("10.005")}},
		{"zero amount", CompanySettings{AutoRechargeAmount: decPtr("0")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.engine.UpdateSettings(ctx, id, tt.settings)
			assert.ErrorIs(t, err, ErrInvalidAmount)
		})
	}

	other := env.newCompany(t, nil)
	_, err = env.engine.UpdateSettings(ctx, other, CompanySettings{AutoRechargeEnabled: &enabled})
	assert.ErrorIs(t, err, ErrInvalidAmount, "enabling needs an amount")
}

func TestEngine_EnablingAutoRechargeBelowThresholdCharges(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.newCompany(t, func(c *models.CompanyBilling) {
		withPaymentMethod("2", "0", "30")(c)
		c.AutoRechargeEnabled = false
	})

	enabled := true
	_, err := env.engine.UpdateSettings(ctx, id, CompanySettings{
		AutoRechargeEnabled:   &enabled,
		AutoRechargeThreshold: decPtr("5"),
	})
	require.NoError(t, err)
	env.settle()

	require.Len(t, env.gateway.Calls(), 1)
	assert.True(t, env.company(t, id).WalletBalance.Equal(dec("32")))
}

func TestEngine_SweepSuspendsAfterGrace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC)
	env.setClock(func() time.Time { return now })

	overdue := env.newCompany(t, func(c *models.CompanyBilling) {
		since := now.Add(-8 * 24 * time.Hour)
		c.BillingStatus = models.BillingStatusPastDue
		c.PastDueSince = &since
	})
	recent := env.newCompany(t, func(c *models.CompanyBilling) {
		since := now.Add(-24 * time.Hour)
		c.BillingStatus = models.BillingStatusPastDue
		c.PastDueSince = &since
	})
	untracked := env.newCompany(t, func(c *models.CompanyBilling) {
		c.BillingStatus = models.BillingStatusPastDue
	})

	stats, err := env.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Candidates)
	assert.Equal(t, 1, stats.Suspended)
	assert.Zero(t, stats.Errors)

	assert.Equal(t, models.BillingStatusSuspended, env.company(t, overdue).BillingStatus)
	assert.Equal(t, models.BillingStatusPastDue, env.company(t, recent).BillingStatus)
	c := env.company(t, untracked)
	require.NotNil(t, c.PastDueSince, "grace window starts when first seen")
	assert.Equal(t, now, c.PastDueSince.UTC())

	env.settle()
	changes := env.events.ofType(events.EventStatusChanged)
	require.Len(t, changes, 1)
	assert.Equal(t, overdue.String(), changes[0].CompanyID)
	assert.Equal(t, "suspended", changes[0].Payload["to"])
}

func TestEngine_SweepRecoversRecharges(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC)
	env.setClock(func() time.Time { return now })

	// Balance fell below the threshold but the scheduled evaluation was lost.
	lost := env.newCompany(t, withPaymentMethod("1", "5", "20"))
	// A recharge has been in flight for longer than the TTL.
	stale := env.newCompany(t, func(c *models.CompanyBilling) {
		withPaymentMethod("1", "5", "20")(c)
		started := now.Add(-time.Hour)
		c.RechargeInFlight = true
		c.RechargeStartedAt = &started
	})
	healthy := env.newCompany(t, withPaymentMethod("100", "5", "20"))

	stats, err := env.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Candidates)
	assert.Equal(t, 1, stats.StaleCleared)
	assert.Equal(t, 2, stats.RechargesStarted)

	assert.True(t, env.company(t, lost).WalletBalance.Equal(dec("21")))
	assert.True(t, env.company(t, stale).WalletBalance.Equal(dec("21")))
	assert.True(t, env.company(t, healthy).WalletBalance.Equal(dec("100")))
}

func TestEngine_StartBackgroundJobsStopsOnCancel(t *testing.T) {
	env := newTestEnv(t)
	env.engine.cfg.SweepInterval = 10 * time.Millisecond
	id := env.newCompany(t, withPaymentMethod("1", "5", "20"))

	ctx, cancel := context.WithCancel(context.Background())
	env.engine.StartBackgroundJobs(ctx)

	require.Eventually(t, func() bool {
		c, err := env.store.GetCompany(context.Background(), id)
		return err == nil && c.WalletBalance.Equal(dec("21"))
	}, time.Second, 10*time.Millisecond)

	cancel()
	env.engine.Wait()
}
