package billing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/crosslogic/billing-service/internal/config"
	"github.com/crosslogic/billing-service/internal/payments"
	"github.com/crosslogic/billing-service/internal/store"
	"github.com/crosslogic/billing-service/internal/store/memory"
	"github.com/crosslogic/billing-service/pkg/events"
	"github.com/crosslogic/billing-service/pkg/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

var testBillingConfig = config.BillingConfig{
	PricingTimeout:      time.Second,
	LockTimeout:         2 * time.Second,
	PaymentTimeout:      5 * time.Second,
	RechargeInFlightTTL: 15 * time.Minute,
	PastDueGrace:        7 * 24 * time.Hour,
	SweepInterval:       time.Minute,
}

var testPricing = config.PricingConfig{
	MarginPercent:           dec("30"),
	CVParsingPerKB:          dec("0.0002"),
	QuestionGenPerToken:     dec("0.000002"),
	VideoInterviewPerMinute: dec("0.05"),
}

// fakeGateway records charges. When block is set, Charge waits for it to be
// closed before answering.
type fakeGateway struct {
	mu     sync.Mutex
	calls  []payments.ChargeRequest
	status payments.ChargeStatus
	err    error
	block  chan struct{}
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{status: payments.ChargeSucceeded}
}

func (g *fakeGateway) Charge(ctx context.Context, req payments.ChargeRequest) (payments.ChargeResult, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	status, err, block := g.status, g.err, g.block
	g.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return payments.ChargeResult{}, ctx.Err()
		}
	}
	if err != nil {
		return payments.ChargeResult{}, err
	}

	res := payments.ChargeResult{Status: status, ProviderRef: "pi_" + req.AttemptID.String()}
	if status == payments.ChargeFailed {
		res.FailureMessage = "card declined"
	}
	return res, nil
}

func (g *fakeGateway) Calls() []payments.ChargeRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]payments.ChargeRequest(nil), g.calls...)
}

func (g *fakeGateway) set(status payments.ChargeStatus, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status, g.err = status, err
}

// eventLog collects published events.
type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) handle(ctx context.Context, ev events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) ofType(t events.EventType) []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type testEnv struct {
	engine  *Engine
	store   *memory.Store
	gateway *fakeGateway
	bus     *events.Bus
	events  *eventLog
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	s := memory.New()
	gw := newFakeGateway()
	bus := events.NewBus(zap.NewNop())
	log := &eventLog{}
	for _, et := range []events.EventType{
		events.EventCompanyCreated,
		events.EventStatusChanged,
		events.EventPaymentMethodChanged,
		events.EventRechargeSucceeded,
		events.EventRechargeFailed,
		events.EventUsageRecorded,
		events.EventSpendCapExceeded,
		events.EventInvoiceGenerated,
		events.EventInvoiceRefunded,
	} {
		bus.Subscribe(et, log.handle)
	}

	e := NewEngine(s, gw, bus, zap.NewNop(), testBillingConfig)
	require.NoError(t, e.Pricing.EnsureDefaultPricing(context.Background(), testPricing))

	t.Cleanup(func() {
		e.Wait()
		bus.Drain()
	})

	return &testEnv{engine: e, store: s, gateway: gw, bus: bus, events: log}
}

// settle waits for scheduled recharges and event handlers.
func (env *testEnv) settle() {
	env.engine.Wait()
	env.bus.Drain()
}

func (env *testEnv) setClock(now store.Clock) {
	e := env.engine
	e.now = now
	e.Pricing.now = now
	e.Recorder.now = now
	e.Ledger.now = now
	e.SpendCap.now = now
	e.Recharge.now = now
	e.Invoices.now = now
}

// newCompany creates a company and applies mutate to its billing row.
func (env *testEnv) newCompany(t *testing.T, mutate func(c *models.CompanyBilling)) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	id := uuid.New()
	_, err := env.engine.CreateCompany(ctx, id, CompanySettings{})
	require.NoError(t, err)
	if mutate != nil {
		require.NoError(t, env.store.WithCompany(ctx, id, func(tx store.CompanyTx) error {
			mutate(tx.Company())
			return tx.SaveCompany(ctx)
		}))
	}
	return id
}

func (env *testEnv) company(t *testing.T, id uuid.UUID) *models.CompanyBilling {
	t.Helper()
	c, err := env.engine.GetBilling(context.Background(), id)
	require.NoError(t, err)
	return c
}

// flatPricing makes every unit of every category cost exactly price with no margin.
func (env *testEnv) flatPricing(t *testing.T, companyID uuid.UUID, price string) {
	t.Helper()
	_, err := env.engine.Pricing.SetPricing(context.Background(), SetPricingRequest{
		CompanyID:     &companyID,
		MarginPercent: decimal.Zero,
		UnitPrices: map[models.Category]decimal.Decimal{
			models.CategoryCVParsing:          dec(price),
			models.CategoryQuestionGeneration: dec(price),
			models.CategoryVideoInterview:     dec(price),
		},
	})
	require.NoError(t, err)
}

// withPaymentMethod makes a company active with a chargeable card and
// auto-recharge configured.
func withPaymentMethod(balance, threshold, amount string) func(c *models.CompanyBilling) {
	return func(c *models.CompanyBilling) {
		c.BillingStatus = models.BillingStatusActive
		c.WalletBalance = dec(balance)
		c.AutoRechargeEnabled = true
		c.AutoRechargeThreshold = dec(threshold)
		c.AutoRechargeAmount = dec(amount)
		c.PaymentProvider = payments.ProviderStripe
		c.PaymentCustomerID = "cus_test"
		c.PaymentMethodID = "pm_test"
		c.PaymentMethodLast4 = "4242"
	}
}

func strPtr(s string) *string { return &s }
