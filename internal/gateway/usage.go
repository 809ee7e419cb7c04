package gateway

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/crosslogic/billing-service/internal/billing"
	"github.com/crosslogic/billing-service/pkg/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// IdempotencyKeyHeader may carry the idempotency key instead of the body.
const IdempotencyKeyHeader = "Idempotency-Key"

type recordUsageResponse struct {
	UsageRecordID uuid.UUID       `json:"usage_record_id"`
	BaseCost      decimal.Decimal `json:"base_cost"`
	MarginPercent decimal.Decimal `json:"margin_percent"`
	FinalCost     decimal.Decimal `json:"final_cost"`
	Replayed      bool            `json:"replayed"`
	CreatedAt     time.Time       `json:"created_at"`
}

func (g *Gateway) handleRecordUsage(w http.ResponseWriter, r *http.Request) {
	var req billing.RecordRequest
	if err := decodeJSON(r, &req); err != nil {
		g.badRequest(w, err.Error())
		return
	}
	if req.IdempotencyKey == nil {
		if key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader)); key != "" {
			req.IdempotencyKey = &key
		}
	}

	if req.CompanyID != uuid.Nil && !g.checkUsageRateLimit(w, r, req.CompanyID) {
		return
	}

	rec, replayed, err := g.engine.Recorder.Record(r.Context(), req)
	if err != nil {
		g.writeBillingError(w, r, err)
		return
	}

	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	g.writeJSON(w, status, recordUsageResponse{
		UsageRecordID: rec.ID,
		BaseCost:      rec.BaseCost,
		MarginPercent: rec.MarginPercent,
		FinalCost:     rec.FinalCost,
		Replayed:      replayed,
		CreatedAt:     rec.CreatedAt,
	})
}

func (g *Gateway) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	companyID, window, ok := g.reportParams(w, r)
	if !ok {
		return
	}
	summary, err := g.engine.Usage.TotalsForCompany(r.Context(), companyID, window)
	if err != nil {
		g.writeBillingError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, summary)
}

func (g *Gateway) handleUsageByJob(w http.ResponseWriter, r *http.Request) {
	companyID, window, ok := g.reportParams(w, r)
	if !ok {
		return
	}
	jobs, err := g.engine.Usage.TotalsByJob(r.Context(), companyID, window)
	if err != nil {
		g.writeBillingError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"company_id": companyID,
		"start":      window.Start,
		"end":        window.End,
		"jobs":       jobs,
	})
}

func (g *Gateway) handleUsageByMonth(w http.ResponseWriter, r *http.Request) {
	companyID, window, ok := g.reportParams(w, r)
	if !ok {
		return
	}
	months, err := g.engine.Usage.TotalsByMonth(r.Context(), companyID, window)
	if err != nil {
		g.writeBillingError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"company_id": companyID,
		"start":      window.Start,
		"end":        window.End,
		"months":     months,
	})
}

// reportParams reads the company path parameter and the start/end query window.
func (g *Gateway) reportParams(w http.ResponseWriter, r *http.Request) (uuid.UUID, models.Window, bool) {
	companyID, ok := g.uuidParam(w, r, "company_id")
	if !ok {
		return uuid.Nil, models.Window{}, false
	}
	window, err := parseWindow(r)
	if err != nil {
		g.badRequest(w, err.Error())
		return uuid.Nil, models.Window{}, false
	}
	return companyID, window, true
}

func parseWindow(r *http.Request) (models.Window, error) {
	q := r.URL.Query()
	start, err := parseTimeParam(q.Get("start"), "start")
	if err != nil {
		return models.Window{}, err
	}
	end, err := parseTimeParam(q.Get("end"), "end")
	if err != nil {
		return models.Window{}, err
	}
	return models.Window{Start: start, End: end}, nil
}

func parseTimeParam(value, name string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("%s is required", name)
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be RFC3339", name)
	}
	return t.UTC(), nil
}
