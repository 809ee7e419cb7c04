package billing

import (
	"context"
	"time"

	"github.com/crosslogic/billing-service/internal/store"
	"github.com/crosslogic/billing-service/pkg/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CategoryTotal is the usage of one category inside a window.
type CategoryTotal struct {
	Category    models.Category `json:"category"`
	Quantity    decimal.Decimal `json:"quantity"`
	Amount      decimal.Decimal `json:"amount"`
	RecordCount int64           `json:"record_count"`
}

// UsageSummary is a company's usage inside a window.
type UsageSummary struct {
	CompanyID   uuid.UUID       `json:"company_id"`
	Start       time.Time       `json:"start"`
	End         time.Time       `json:"end"`
	Total       decimal.Decimal `json:"total"`
	RecordCount int64           `json:"record_count"`
	Categories  []CategoryTotal `json:"categories"`
}

// JobTotal is the usage attributed to one job. JobID is nil for records
// without a job.
type JobTotal struct {
	JobID       *uuid.UUID      `json:"job_id"`
	Amount      decimal.Decimal `json:"amount"`
	RecordCount int64           `json:"record_count"`
}

// MonthTotal is the usage of one calendar month (UTC).
type MonthTotal struct {
	Month       time.Time       `json:"month"`
	Amount      decimal.Decimal `json:"amount"`
	RecordCount int64           `json:"record_count"`
}

// UsageAggregator answers read-only reporting queries over committed usage.
type UsageAggregator struct {
	store  store.Store
	logger *zap.Logger
}

// NewUsageAggregator creates a usage aggregator
func NewUsageAggregator(s store.Store, logger *zap.Logger) *UsageAggregator {
	return &UsageAggregator{store: s, logger: logger}
}

// TotalsForCompany returns the window total and its per-category split.
func (a *UsageAggregator) TotalsForCompany(ctx context.Context, companyID uuid.UUID, w models.Window) (*UsageSummary, error) {
	totals, err := a.totals(ctx, companyID, w, models.GroupByCategory)
	if err != nil {
		return nil, err
	}

	summary := &UsageSummary{
		CompanyID:  companyID,
		Start:      w.Start,
		End:        w.End,
		Total:      decimal.Zero,
		Categories: make([]CategoryTotal, 0, len(totals)),
	}
	for _, t := range totals {
		amount := models.RoundMoney(t.Amount)
		summary.Categories = append(summary.Categories, CategoryTotal{
			Category:    t.Category,
			Quantity:    t.Quantity,
			Amount:      amount,
			RecordCount: t.RecordCount,
		})
		summary.Total = summary.Total.Add(amount)
		summary.RecordCount += t.RecordCount
	}
	return summary, nil
}

// TotalsByJob returns per-job totals. Records without a job are grouped last.
func (a *UsageAggregator) TotalsByJob(ctx context.Context, companyID uuid.UUID, w models.Window) ([]JobTotal, error) {
	totals, err := a.totals(ctx, companyID, w, models.GroupByJob)
	if err != nil {
		return nil, err
	}
	out := make([]JobTotal, 0, len(totals))
	for _, t := range totals {
		out = append(out, JobTotal{JobID: t.JobID, Amount: models.RoundMoney(t.Amount), RecordCount: t.RecordCount})
	}
	return out, nil
}

// TotalsByMonth returns per-calendar-month totals, oldest first.
func (a *UsageAggregator) TotalsByMonth(ctx context.Context, companyID uuid.UUID, w models.Window) ([]MonthTotal, error) {
	totals, err := a.totals(ctx, companyID, w, models.GroupByMonth)
	if err != nil {
		return nil, err
	}
	out := make([]MonthTotal, 0, len(totals))
	for _, t := range totals {
		out = append(out, MonthTotal{Month: t.Month.UTC(), Amount: models.RoundMoney(t.Amount), RecordCount: t.RecordCount})
	}
	return out, nil
}

func (a *UsageAggregator) totals(ctx context.Context, companyID uuid.UUID, w models.Window, groupBy models.UsageGroupBy) ([]models.UsageTotal, error) {
	w = models.Window{Start: w.Start.UTC(), End: w.End.UTC()}
	if !w.Valid() {
		return nil, ErrInvalidWindow
	}
	if _, err := a.store.GetCompany(ctx, companyID); err != nil {
		return nil, companyErr(err)
	}
	return a.store.UsageTotals(ctx, companyID, w, groupBy)
}
