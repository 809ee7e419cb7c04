package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/crosslogic/billing-service/internal/billing"
	"github.com/crosslogic/billing-service/internal/config"
	"github.com/crosslogic/billing-service/internal/payments"
	"github.com/crosslogic/billing-service/internal/store/memory"
	"github.com/crosslogic/billing-service/pkg/events"
	"github.com/crosslogic/billing-service/pkg/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testToken = "svc-token"

type stubGateway struct {
	mu     sync.Mutex
	status payments.ChargeStatus
}

func (s *stubGateway) Charge(ctx context.Context, req payments.ChargeRequest) (payments.ChargeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := payments.ChargeResult{Status: s.status, ProviderRef: "pi_" + req.AttemptID.String()}
	if s.status == payments.ChargeFailed {
		res.FailureMessage = "card declined"
	}
	return res, nil
}

func (s *stubGateway) set(status payments.ChargeStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

type testServer struct {
	gw      *Gateway
	engine  *billing.Engine
	charges *stubGateway
}

func newTestServer(t *testing.T, security config.SecurityConfig) *testServer {
	t.Helper()
	logger := zap.NewNop()
	s := memory.New()
	bus := events.NewBus(logger)
	charges := &stubGateway{status: payments.ChargeSucceeded}

	engine := billing.NewEngine(s, charges, bus, logger, config.BillingConfig{
		PricingTimeout:      time.Second,
		LockTimeout:         2 * time.Second,
		PaymentTimeout:      5 * time.Second,
		RechargeInFlightTTL: 15 * time.Minute,
		PastDueGrace:        7 * 24 * time.Hour,
		SweepInterval:       time.Minute,
	})
	require.NoError(t, engine.Pricing.EnsureDefaultPricing(context.Background(), config.PricingConfig{
		MarginPercent:           decimal.NewFromInt(30),
		CVParsingPerKB:          decimal.RequireFromString("0.0002"),
		QuestionGenPerToken:     decimal.RequireFromString("0.000002"),
		VideoInterviewPerMinute: decimal.RequireFromString("0.05"),
	}))
	t.Cleanup(func() {
		engine.Wait()
		bus.Drain()
	})

	if security.ServiceToken == "" {
		security.ServiceToken = testToken
	}
	webhooks := billing.NewWebhookHandler("whsec_test", engine.Recharge, s, nil, logger)
	gw := NewGateway(engine, s, nil, webhooks, logger, security, "")
	return &testServer{gw: gw, engine: engine, charges: charges}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ServiceTokenHeader, testToken)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	ts.gw.ServeHTTP(w, req)
	return w
}

// createCompany signs up a company with flat pricing of 1 per unit and no margin.
func (ts *testServer) createCompany(t *testing.T) uuid.UUID {
	t.Helper()
	id := uuid.New()
	w := ts.do(t, "POST", "/v1/companies", map[string]interface{}{"company_id": id})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = ts.do(t, "PUT", "/v1/pricing", map[string]interface{}{
		"company_id":     id,
		"margin_percent": "0",
		"unit_prices": map[string]string{
			"cv_parsing":          "1",
			"question_generation": "1",
			"video_interview":     "1",
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return id
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body ErrorBody
	decodeBody(t, w, &body)
	return body.Error.Code
}

func usage(id uuid.UUID, category string, qty string) map[string]interface{} {
	return map[string]interface{}{"company_id": id, "category": category, "raw_quantity": qty}
}

func TestGateway_HealthAndAuth(t *testing.T) {
	ts := newTestServer(t, config.SecurityConfig{})

	w := httptest.NewRecorder()
	ts.gw.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	ts.gw.ServeHTTP(w, httptest.NewRequest("GET", "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	ts.gw.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	tests := []struct {
		name  string
		token string
	}{
		{"missing token", ""},
		{"wrong token", "nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/v1/companies/"+uuid.NewString()+"/billing", nil)
			if tt.token != "" {
				req.Header.Set(ServiceTokenHeader, tt.token)
			}
			w := httptest.NewRecorder()
			ts.gw.ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, "unauthorized", errorCode(t, w))
		})
	}
}

func TestGateway_RecordUsage(t *testing.T) {
	ts := newTestServer(t, config.SecurityConfig{})
	id := ts.createCompany(t)

	w := ts.do(t, "POST", "/v1/usage", usage(id, "video_interview", "10"), IdempotencyKeyHeader, "job-1-minute-1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var first recordUsageResponse
	decodeBody(t, w, &first)
	assert.True(t, first.FinalCost.Equal(decimal.NewFromInt(10)))
	assert.False(t, first.Replayed)

	w = ts.do(t, "POST", "/v1/usage", usage(id, "video_interview", "10"), IdempotencyKeyHeader, "job-1-minute-1")
	require.Equal(t, http.StatusOK, w.Code)
	var replay recordUsageResponse
	decodeBody(t, w, &replay)
	assert.True(t, replay.Replayed)
	assert.Equal(t, first.UsageRecordID, replay.UsageRecordID)

	w = ts.do(t, "GET", "/v1/companies/"+id.String()+"/billing", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	var c models.CompanyBilling
	decodeBody(t, w, &c)
	assert.True(t, c.TotalSpent.Equal(decimal.NewFromInt(10)))
	assert.True(t, c.WalletBalance.Equal(decimal.NewFromInt(-10)), "trial usage runs the wallet negative")
}

func TestGateway_ErrorMapping(t *testing.T) {
	ts := newTestServer(t, config.SecurityConfig{})
	id := ts.createCompany(t)

	w := ts.do(t, "PUT", "/v1/companies/"+id.String()+"/settings", map[string]interface{}{"monthly_spend_cap": "15"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, http.StatusCreated, ts.do(t, "POST", "/v1/usage", usage(id, "cv_parsing", "10")).Code)

	tests := []struct {
		name       string
		method     string
		path       string
		body       interface{}
		wantStatus int
		wantCode   string
	}{
		{"spend cap", "POST", "/v1/usage", usage(id, "cv_parsing", "10"), http.StatusPaymentRequired, "spend_cap_exceeded"},
		{"unknown category", "POST", "/v1/usage", usage(id, "translation", "1"), http.StatusBadRequest, "validation_error"},
		{"zero quantity", "POST", "/v1/usage", usage(id, "cv_parsing", "0"), http.StatusBadRequest, "validation_error"},
		{"unknown field", "POST", "/v1/usage", map[string]interface{}{"company_id": id, "tokens": 5}, http.StatusBadRequest, "validation_error"},
		{"unknown company", "POST", "/v1/usage", usage(uuid.New(), "cv_parsing", "1"), http.StatusNotFound, "company_not_found"},
		{"bad company id", "GET", "/v1/companies/not-a-uuid/billing", nil, http.StatusBadRequest, "validation_error"},
		{"duplicate company", "POST", "/v1/companies", map[string]interface{}{"company_id": id}, http.StatusConflict, "concurrency_conflict"},
		{"missing invoice", "GET", "/v1/invoices/" + uuid.NewString(), nil, http.StatusNotFound, "invoice_not_found"},
		{"window without start", "GET", "/v1/companies/" + id.String() + "/usage?end=2026-01-01T00:00:00Z", nil, http.StatusBadRequest, "validation_error"},
		{"negative margin", "PUT", "/v1/pricing", map[string]interface{}{"margin_percent": "-1"}, http.StatusBadRequest, "validation_error"},
		{"recharge without card", "POST", "/v1/companies/" + id.String() + "/recharge", map[string]interface{}{"amount": "20"}, http.StatusBadRequest, "validation_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			assert.Equal(t, tt.wantCode, errorCode(t, w))
		})
	}
}

func TestGateway_PaymentFlow(t *testing.T) {
	ts := newTestServer(t, config.SecurityConfig{})
	id := ts.createCompany(t)
	base := "/v1/companies/" + id.String()

	w := ts.do(t, "PUT", base+"/payment-method", map[string]interface{}{
		"customer_id":       "cus_1",
		"payment_method_id": "pm_1",
		"last4":             "4242",
		"initial_amount":    "50",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var attached paymentMethodResponse
	decodeBody(t, w, &attached)
	require.NotNil(t, attached.Recharge)
	assert.Equal(t, models.RechargeStatusSucceeded, attached.Recharge.Status)
	assert.Equal(t, models.BillingStatusActive, attached.Billing.BillingStatus)
	assert.True(t, attached.Billing.WalletBalance.Equal(decimal.NewFromInt(50)))

	// A declined top-up the company asked for does not block usage.
	ts.charges.set(payments.ChargeFailed)
	w = ts.do(t, "POST", base+"/recharge", map[string]interface{}{"amount": "20"})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "recharge_failed", errorCode(t, w))

	w = ts.do(t, "POST", "/v1/usage", usage(id, "cv_parsing", "1"))
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// A pending charge is settled by the processor callback exactly once.
	ts.charges.set(payments.ChargePending)
	w = ts.do(t, "POST", base+"/recharge", map[string]interface{}{"amount": "30"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var pending models.RechargeAttempt
	decodeBody(t, w, &pending)
	require.Equal(t, models.RechargeStatusPending, pending.Status)

	result := map[string]interface{}{
		"company_id":   id,
		"attempt_id":   pending.ID,
		"amount":       "30",
		"success":      true,
		"provider_ref": pending.ProviderRef,
	}
	for i, wantApplied := range []bool{true, false} {
		w = ts.do(t, "POST", "/v1/payments/recharge-result", result)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var res rechargeResultResponse
		decodeBody(t, w, &res)
		assert.Equal(t, wantApplied, res.Applied, "delivery %d", i)
	}

	w = ts.do(t, "GET", base+"/billing", nil)
	var c models.CompanyBilling
	decodeBody(t, w, &c)
	assert.Equal(t, models.BillingStatusActive, c.BillingStatus)
	assert.True(t, c.WalletBalance.Equal(decimal.NewFromInt(79)), "balance %s", c.WalletBalance)
}

func TestGateway_DeclinedInitialChargeBlocksUsage(t *testing.T) {
	ts := newTestServer(t, config.SecurityConfig{})
	id := ts.createCompany(t)
	base := "/v1/companies/" + id.String()

	ts.charges.set(payments.ChargeFailed)
	w := ts.do(t, "PUT", base+"/payment-method", map[string]interface{}{
		"customer_id":       "cus_2",
		"payment_method_id": "pm_declined",
		"initial_amount":    "10",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var attached paymentMethodResponse
	decodeBody(t, w, &attached)
	require.NotNil(t, attached.Recharge)
	assert.Equal(t, models.RechargeStatusFailed, attached.Recharge.Status)
	assert.Equal(t, models.BillingStatusPastDue, attached.Billing.BillingStatus)

	w = ts.do(t, "POST", "/v1/usage", usage(id, "cv_parsing", "1"))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "payment_past_due", errorCode(t, w))

	// A card that works clears the block.
	ts.charges.set(payments.ChargeSucceeded)
	w = ts.do(t, "PUT", base+"/payment-method", map[string]interface{}{
		"customer_id":       "cus_2",
		"payment_method_id": "pm_good",
		"initial_amount":    "10",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decodeBody(t, w, &attached)
	assert.Equal(t, models.BillingStatusActive, attached.Billing.BillingStatus)

	w = ts.do(t, "POST", "/v1/usage", usage(id, "cv_parsing", "1"))
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestGateway_InvoicesAndReports(t *testing.T) {
	ts := newTestServer(t, config.SecurityConfig{})
	id := ts.createCompany(t)
	base := "/v1/companies/" + id.String()
	job := uuid.New()

	for _, body := range []map[string]interface{}{
		{"company_id": id, "job_id": job, "category": "cv_parsing", "raw_quantity": "2"},
		{"company_id": id, "job_id": job, "category": "video_interview", "raw_quantity": "3.5"},
		{"company_id": id, "category": "question_generation", "raw_quantity": "1"},
	} {
		require.Equal(t, http.StatusCreated, ts.do(t, "POST", "/v1/usage", body).Code)
	}

	now := time.Now().UTC()
	start, end := now.Add(-time.Hour).Format(time.RFC3339), now.Add(time.Hour).Format(time.RFC3339)
	query := "?start=" + start + "&end=" + end

	w := ts.do(t, "GET", base+"/usage"+query, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var summary billing.UsageSummary
	decodeBody(t, w, &summary)
	assert.True(t, summary.Total.Equal(decimal.RequireFromString("6.5")))
	assert.Len(t, summary.Categories, 3)

	w = ts.do(t, "GET", base+"/usage/jobs"+query, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var byJob struct {
		Jobs []billing.JobTotal `json:"jobs"`
	}
	decodeBody(t, w, &byJob)
	require.Len(t, byJob.Jobs, 2)
	require.NotNil(t, byJob.Jobs[0].JobID)
	assert.Equal(t, job, *byJob.Jobs[0].JobID)

	w = ts.do(t, "GET", base+"/usage/months"+query, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, "POST", base+"/invoices", map[string]interface{}{"start": start, "end": end, "tax_rate": "10"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var inv models.Invoice
	decodeBody(t, w, &inv)
	assert.True(t, inv.Subtotal.Equal(decimal.RequireFromString("6.5")))
	assert.True(t, inv.Total.Equal(decimal.RequireFromString("7.15")))

	w = ts.do(t, "GET", "/v1/invoices/"+inv.ID.String(), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, "POST", "/v1/invoices/"+inv.ID.String()+"/refund", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var refund models.Invoice
	decodeBody(t, w, &refund)
	assert.Equal(t, models.InvoiceStatusRefunded, refund.Status)
	assert.True(t, refund.Total.Equal(inv.Total.Neg()))

	w = ts.do(t, "POST", "/v1/invoices/"+inv.ID.String()+"/refund", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, "GET", base+"/invoices", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Invoices []models.Invoice `json:"invoices"`
	}
	decodeBody(t, w, &list)
	assert.Len(t, list.Invoices, 2)
}

func TestGateway_UsageRateLimit(t *testing.T) {
	ts := newTestServer(t, config.SecurityConfig{UsageRateLimitPerMinute: 2})
	id := ts.createCompany(t)

	for i := 0; i < 2; i++ {
		w := ts.do(t, "POST", "/v1/usage", usage(id, "cv_parsing", "1"))
		require.Equal(t, http.StatusCreated, w.Code)
		assert.NotEmpty(t, w.Header().Get("X-RateLimit-Limit"))
	}

	w := ts.do(t, "POST", "/v1/usage", usage(id, "cv_parsing", "1"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate_limited", errorCode(t, w))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	other := ts.createCompany(t)
	assert.Equal(t, http.StatusCreated, ts.do(t, "POST", "/v1/usage", usage(other, "cv_parsing", "1")).Code)
}

func TestGateway_RejectsNonJSON(t *testing.T) {
	ts := newTestServer(t, config.SecurityConfig{})

	req := httptest.NewRequest("POST", "/v1/usage", bytes.NewBufferString("company_id=1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(ServiceTokenHeader, testToken)
	w := httptest.NewRecorder()
	ts.gw.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestStatusForCode(t *testing.T) {
	tests := map[billing.Code]int{
		billing.CodeValidation:          http.StatusBadRequest,
		billing.CodeCompanyNotFound:     http.StatusNotFound,
		billing.CodeInvoiceNotFound:     http.StatusNotFound,
		billing.CodeSpendCapExceeded:    http.StatusPaymentRequired,
		billing.CodeCompanySuspended:    http.StatusForbidden,
		billing.CodePaymentPastDue:      http.StatusForbidden,
		billing.CodeConcurrencyConflict: http.StatusConflict,
		billing.CodePricingUnavailable:  http.StatusServiceUnavailable,
		billing.CodeInternal:            http.StatusInternalServerError,
	}
	for code, want := range tests {
		assert.Equal(t, want, statusForCode(code), string(code))
	}
}
