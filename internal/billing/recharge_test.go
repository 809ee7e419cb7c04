package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/crosslogic/billing-service/internal/payments"
	"github.com/crosslogic/billing-service/internal/store"
	"github.com/crosslogic/billing-service/pkg/events"
	"github.com/crosslogic/billing-service/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRechargeTrigger_SingleFlightUnderConcurrentDebits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.newCompany(t, withPaymentMethod("4.50", "5", "50"))
	env.flatPricing(t, id, "0.10")

	release := make(chan struct{})
	env.gateway.block = release

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := env.engine.Recorder.Record(ctx, RecordRequest{
				CompanyID:      id,
				Category:       models.CategoryQuestionGeneration,
				RawQuantity:    dec("1"),
				IdempotencyKey: strPtr(fmt.Sprintf("q-%d", i)),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return len(env.gateway.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	close(release)
	env.settle()

	require.Len(t, env.gateway.Calls(), 1, "exactly one charge while a recharge is in flight")
	call := env.gateway.Calls()[0]
	assert.True(t, call.Amount.Equal(dec("50")))
	assert.Equal(t, "cus_test", call.CustomerID)
	assert.Equal(t, "pm_test", call.PaymentMethodID)

	c := env.company(t, id)
	// 4.50 - 20 × 0.10 + 50
	assert.True(t, c.WalletBalance.Equal(dec("52.5")), "balance %s", c.WalletBalance)
	assert.False(t, c.RechargeInFlight)
	assert.Nil(t, c.RechargeStartedAt)
	assert.Len(t, env.events.ofType(events.EventRechargeSucceeded), 1)
}

func TestRechargeTrigger_MaybeRechargeConditions(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *models.CompanyBilling)
		want   bool
	}{
		{"below threshold", withPaymentMethod("4", "5", "50"), true},
		{"at threshold", withPaymentMethod("5", "5", "50"), false},
		{"disabled", func(c *models.CompanyBilling) {
			withPaymentMethod("1", "5", "50")(c)
			c.AutoRechargeEnabled = false
		}, false},
		{"no payment method", func(c *models.CompanyBilling) {
			withPaymentMethod("1", "5", "50")(c)
			c.PaymentMethodID = ""
		}, false},
		{"past due", func(c *models.CompanyBilling) {
			withPaymentMethod("1", "5", "50")(c)
			c.BillingStatus = models.BillingStatusPastDue
		}, false},
		{"in flight", func(c *models.CompanyBilling) {
			withPaymentMethod("1", "5", "50")(c)
			started := time.Now().UTC()
			c.RechargeInFlight = true
			c.RechargeStartedAt = &started
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			id := env.newCompany(t, tt.mutate)

			started, err := env.engine.Recharge.MaybeRecharge(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, tt.want, started)

			wantCalls := 0
			if tt.want {
				wantCalls = 1
			}
			assert.Len(t, env.gateway.Calls(), wantCalls)
		})
	}
}

func TestRechargeTrigger_FailureMarksPastDue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.newCompany(t, withPaymentMethod("1", "5", "50"))
	env.gateway.set(payments.ChargeFailed, nil)

	started, err := env.engine.Recharge.MaybeRecharge(ctx, id)
	require.NoError(t, err)
	assert.True(t, started)
	env.settle()

	c := env.company(t, id)
	assert.Equal(t, models.BillingStatusPastDue, c.BillingStatus)
	assert.NotNil(t, c.PastDueSince)
	assert.False(t, c.RechargeInFlight)
	assert.True(t, c.WalletBalance.Equal(dec("1")), "failed charge credits nothing")

	failed := env.events.ofType(events.EventRechargeFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "card declined", failed[0].Payload["failure_message"])

	changes := env.events.ofType(events.EventStatusChanged)
	require.Len(t, changes, 1)
	assert.Equal(t, "active", changes[0].Payload["from"])
	assert.Equal(t, "past_due", changes[0].Payload["to"])

	// past_due blocks further automatic attempts.
	started, err = env.engine.Recharge.MaybeRecharge(ctx, id)
	require.NoError(t, err)
	assert.False(t, started)
}

func TestRechargeTrigger_AttachPaymentMethodActivatesTrial(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.newCompany(t, nil)

	attempt, err := env.engine.Recharge.AttachPaymentMethod(ctx, id, PaymentMethod{
		CustomerID:    "cus_new",
		MethodID:      "pm_new",
		Last4:         "1881",
		InitialAmount: decPtr("25"),
	})
	require.NoError(t, err)
	require.NotNil(t, attempt)
	assert.Equal(t, models.RechargeStatusSucceeded, attempt.Status)
	assert.Equal(t, models.RechargeReasonInitial, attempt.Reason)

	c := env.company(t, id)
	assert.Equal(t, models.BillingStatusActive, c.BillingStatus)
	assert.True(t, c.WalletBalance.Equal(dec("25")))
	assert.Equal(t, payments.ProviderStripe, c.PaymentProvider)
	assert.Equal(t, "1881", c.PaymentMethodLast4)

	// An active company only swaps its card.
	attempt, err = env.engine.Recharge.AttachPaymentMethod(ctx, id, PaymentMethod{CustomerID: "cus_new", MethodID: "pm_other", Last4: "0005"})
	require.NoError(t, err)
	assert.Nil(t, attempt)
	assert.Len(t, env.gateway.Calls(), 1)
	assert.Equal(t, "pm_other", env.company(t, id).PaymentMethodID)
}

func TestRechargeTrigger_AttachPaymentMethodValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.newCompany(t, nil)

	_, err := env.engine.Recharge.AttachPaymentMethod(ctx, id, PaymentMethod{CustomerID: "cus_1"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = env.engine.Recharge.AttachPaymentMethod(ctx, id, PaymentMethod{MethodID: "pm_1"})
	assert.ErrorIs(t, err, ErrInvalidRequest, "stripe needs a customer")

	// No initial amount and no auto-recharge amount configured.
	_, err = env.engine.Recharge.AttachPaymentMethod(ctx, id, PaymentMethod{CustomerID: "cus_1", MethodID: "pm_1"})
	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.Empty(t, env.company(t, id).PaymentMethodID, "nothing is stored on failure")
}

func TestRechargeTrigger_PendingChargeResolvedOnceByWebhook(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.newCompany(t, nil)
	env.gateway.set(payments.ChargePending, nil)

	attempt, err := env.engine.Recharge.AttachPaymentMethod(ctx, id, PaymentMethod{
		CustomerID: "cus_1", MethodID: "pm_1", InitialAmount: decPtr("40"),
	})
	require.NoError(t, err)
	assert.Equal(t, models.RechargeStatusPending, attempt.Status)
	assert.Equal(t, "pi_"+attempt.ID.String(), attempt.ProviderRef)

	c := env.company(t, id)
	assert.True(t, c.RechargeInFlight, "flag held until the webhook arrives")
	assert.Equal(t, models.BillingStatusTrial, c.BillingStatus)

	result := RechargeResult{CompanyID: id, AttemptID: &attempt.ID, Amount: dec("40"), Success: true, ProviderRef: attempt.ProviderRef}
	resolved, applied, err := env.engine.Recharge.OnRechargeResult(ctx, result)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, models.RechargeStatusSucceeded, resolved.Status)

	// Redelivery, also when addressed by provider reference only.
	_, applied, err = env.engine.Recharge.OnRechargeResult(ctx, result)
	require.NoError(t, err)
	assert.False(t, applied)

	result.AttemptID = nil
	_, applied, err = env.engine.Recharge.OnRechargeResult(ctx, result)
	require.NoError(t, err)
	assert.False(t, applied)

	c = env.company(t, id)
	assert.True(t, c.WalletBalance.Equal(dec("40")), "credited once, got %s", c.WalletBalance)
	assert.Equal(t, models.BillingStatusActive, c.BillingStatus)
	assert.False(t, c.RechargeInFlight)
}

func TestRechargeTrigger_UnknownOutcomeKeepsAttemptOpen(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.newCompany(t, withPaymentMethod("1", "5", "50"))
	env.gateway.set("", errors.New("connection reset"))

	started, err := env.engine.Recharge.MaybeRecharge(ctx, id)
	require.NoError(t, err)
	assert.True(t, started)

	c := env.company(t, id)
	assert.True(t, c.RechargeInFlight)
	assert.True(t, c.WalletBalance.Equal(dec("1")))
	assert.Equal(t, models.BillingStatusActive, c.BillingStatus)

	// No second charge while the first is unresolved.
	started, err = env.engine.Recharge.MaybeRecharge(ctx, id)
	require.NoError(t, err)
	assert.False(t, started)

	attemptID := env.gateway.Calls()[0].AttemptID
	_, applied, err := env.engine.Recharge.OnRechargeResult(ctx, RechargeResult{
		CompanyID: id, AttemptID: &attemptID, Amount: dec("50"), Success: true, ProviderRef: "pi_late",
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.True(t, env.company(t, id).WalletBalance.Equal(dec("51")))
}

func TestRechargeTrigger_StaleFlagAndLateResult(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.newCompany(t, withPaymentMethod("1", "5", "50"))
	env.gateway.set("", errors.New("timeout"))

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env.setClock(func() time.Time { return base })
	_, err := env.engine.Recharge.MaybeRecharge(ctx, id)
	require.NoError(t, err)
	first := env.gateway.Calls()[0].AttemptID

	cleared, err := env.engine.Recharge.ClearStaleInFlight(ctx, id)
	require.NoError(t, err)
	assert.False(t, cleared, "flag is fresh")

	env.setClock(func() time.Time { return base.Add(time.Hour) })
	cleared, err = env.engine.Recharge.ClearStaleInFlight(ctx, id)
	require.NoError(t, err)
	assert.True(t, cleared)

	env.gateway.set(payments.ChargePending, nil)
	started, err := env.engine.Recharge.MaybeRecharge(ctx, id)
	require.NoError(t, err)
	assert.True(t, started)

	// The stale attempt resolves late: it is credited but must not drop the
	// flag raised by the newer attempt.
	_, applied, err := env.engine.Recharge.OnRechargeResult(ctx, RechargeResult{
		CompanyID: id, AttemptID: &first, Success: true, ProviderRef: "pi_first",
	})
	require.NoError(t, err)
	assert.True(t, applied)

	c := env.company(t, id)
	assert.True(t, c.WalletBalance.Equal(dec("51")))
	assert.True(t, c.RechargeInFlight, "newer attempt still owns the flag")
}

func TestRechargeTrigger_ManualRecharge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.newCompany(t, withPaymentMethod("100", "5", "50"))

	attempt, err := env.engine.Recharge.ManualRecharge(ctx, id, dec("20"))
	require.NoError(t, err)
	assert.Equal(t, models.RechargeReasonManual, attempt.Reason)
	assert.True(t, env.company(t, id).WalletBalance.Equal(dec("120")), "manual top-up ignores the threshold")

	_, err = env.engine.Recharge.ManualRecharge(ctx, id, dec("0.001"))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	noCard := env.newCompany(t, nil)
	_, err = env.engine.Recharge.ManualRecharge(ctx, noCard, dec("20"))
	assert.ErrorIs(t, err, ErrNoPaymentMethod)

	busy := env.newCompany(t, func(c *models.CompanyBilling) {
		withPaymentMethod("1", "5", "50")(c)
		started := time.Now().UTC()
		c.RechargeInFlight = true
		c.RechargeStartedAt = &started
	})
	_, err = env.engine.Recharge.ManualRecharge(ctx, busy, dec("20"))
	assert.ErrorIs(t, err, ErrRechargeInFlight)
}

func TestRechargeTrigger_ResultForUnknownChargeIsJournaled(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.newCompany(t, withPaymentMethod("0", "5", "50"))

	result := RechargeResult{CompanyID: id, Amount: dec("15"), Success: true, ProviderRef: "pi_dashboard"}
	attempt, applied, err := env.engine.Recharge.OnRechargeResult(ctx, result)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, models.RechargeReasonManual, attempt.Reason)

	_, applied, err = env.engine.Recharge.OnRechargeResult(ctx, result)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.True(t, env.company(t, id).WalletBalance.Equal(dec("15")))

	unknown := uuid.New()
	_, _, err = env.engine.Recharge.OnRechargeResult(ctx, RechargeResult{CompanyID: id, AttemptID: &unknown, Success: true})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, _, err = env.engine.Recharge.OnRechargeResult(ctx, RechargeResult{CompanyID: id, Success: true})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRechargeTrigger_SuccessClearsPastDue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.newCompany(t, func(c *models.CompanyBilling) {
		withPaymentMethod("-3", "5", "50")(c)
		since := time.Now().UTC().Add(-time.Hour)
		c.BillingStatus = models.BillingStatusPastDue
		c.PastDueSince = &since
	})

	// A new card for a past_due company charges immediately.
	attempt, err := env.engine.Recharge.AttachPaymentMethod(ctx, id, PaymentMethod{CustomerID: "cus_test", MethodID: "pm_fresh"})
	require.NoError(t, err)
	require.NotNil(t, attempt)

	c := env.company(t, id)
	assert.Equal(t, models.BillingStatusActive, c.BillingStatus)
	assert.Nil(t, c.PastDueSince)
	assert.True(t, c.WalletBalance.Equal(dec("47")))
}

func TestRechargeTrigger_SuccessKeepsSuspension(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.newCompany(t, func(c *models.CompanyBilling) {
		withPaymentMethod("-20", "5", "50")(c)
		c.BillingStatus = models.BillingStatusSuspended
	})
	env.flatPricing(t, id, "1")

	_, applied, err := env.engine.Recharge.OnRechargeResult(ctx, RechargeResult{
		CompanyID: id, Amount: dec("10"), Success: true, ProviderRef: "pi_external",
	})
	require.NoError(t, err)
	assert.True(t, applied)

	c := env.company(t, id)
	assert.Equal(t, models.BillingStatusSuspended, c.BillingStatus)
	assert.True(t, c.WalletBalance.Equal(dec("-10")), "wallet %s", c.WalletBalance)

	env.settle()
	assert.Len(t, env.events.ofType(events.EventRechargeSucceeded), 1)
	assert.Empty(t, env.events.ofType(events.EventStatusChanged))

	_, _, err = env.engine.Recorder.Record(ctx, RecordRequest{
		CompanyID: id, Category: models.CategoryCVParsing, RawQuantity: dec("1"),
	})
	assert.ErrorIs(t, err, ErrCompanySuspended)
}

func TestRechargeTrigger_SupersededFailureKeepsStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.newCompany(t, withPaymentMethod("1", "5", "50"))
	env.flatPricing(t, id, "1")
	env.gateway.set("", errors.New("timeout"))

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env.setClock(func() time.Time { return base })
	_, err := env.engine.Recharge.MaybeRecharge(ctx, id)
	require.NoError(t, err)
	first := env.gateway.Calls()[0].AttemptID

	env.setClock(func() time.Time { return base.Add(time.Hour) })
	cleared, err := env.engine.Recharge.ClearStaleInFlight(ctx, id)
	require.NoError(t, err)
	require.True(t, cleared)

	env.gateway.set(payments.ChargeSucceeded, nil)
	started, err := env.engine.Recharge.MaybeRecharge(ctx, id)
	require.NoError(t, err)
	require.True(t, started)
	require.True(t, env.company(t, id).WalletBalance.Equal(dec("51")))

	// The abandoned attempt is declined after the newer one funded the wallet.
	_, applied, err := env.engine.Recharge.OnRechargeResult(ctx, RechargeResult{
		CompanyID: id, AttemptID: &first, Success: false, FailureMessage: "card declined",
	})
	require.NoError(t, err)
	assert.True(t, applied)

	stale, err := env.store.FindRechargeAttempt(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, models.RechargeStatusFailed, stale.Status)

	c := env.company(t, id)
	assert.Equal(t, models.BillingStatusActive, c.BillingStatus)
	assert.Nil(t, c.PastDueSince)
	assert.True(t, c.WalletBalance.Equal(dec("51")))

	_, _, err = env.engine.Recorder.Record(ctx, RecordRequest{
		CompanyID: id, Category: models.CategoryCVParsing, RawQuantity: dec("1"),
	})
	assert.NoError(t, err)
}

func TestRechargeTrigger_DeclinedManualTopUpKeepsStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.newCompany(t, withPaymentMethod("100", "5", "50"))
	env.gateway.set(payments.ChargeFailed, nil)

	attempt, err := env.engine.Recharge.ManualRecharge(ctx, id, dec("20"))
	require.NoError(t, err)
	assert.Equal(t, models.RechargeStatusFailed, attempt.Status)
	assert.Equal(t, "card declined", attempt.FailureMessage)

	c := env.company(t, id)
	assert.Equal(t, models.BillingStatusActive, c.BillingStatus)
	assert.Nil(t, c.PastDueSince)
	assert.False(t, c.RechargeInFlight)
	assert.True(t, c.WalletBalance.Equal(dec("100")))

	env.settle()
	assert.Len(t, env.events.ofType(events.EventRechargeFailed), 1)
	assert.Empty(t, env.events.ofType(events.EventStatusChanged))
}

func TestRechargeTrigger_AttemptsAreJournaled(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.newCompany(t, withPaymentMethod("1", "5", "50"))

	_, err := env.engine.Recharge.MaybeRecharge(ctx, id)
	require.NoError(t, err)

	attemptID := env.gateway.Calls()[0].AttemptID
	a, err := env.store.FindRechargeAttempt(ctx, attemptID)
	require.NoError(t, err)
	assert.Equal(t, models.RechargeStatusSucceeded, a.Status)
	assert.Equal(t, models.RechargeReasonThreshold, a.Reason)
	assert.NotNil(t, a.CompletedAt)
	assert.Equal(t, "pi_"+attemptID.String(), a.ProviderRef)

	var inTx *models.RechargeAttempt
	require.NoError(t, env.store.WithCompany(ctx, id, func(tx store.CompanyTx) error {
		var err error
		inTx, err = tx.FindRechargeAttemptByRef(ctx, a.ProviderRef)
		return err
	}))
	assert.Equal(t, attemptID, inTx.ID)
}
