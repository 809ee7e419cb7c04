package billing

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/crosslogic/billing-service/internal/store"
	"github.com/crosslogic/billing-service/pkg/events"
	"github.com/crosslogic/billing-service/pkg/metrics"
	"github.com/crosslogic/billing-service/pkg/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// InvoiceGenerator snapshots committed usage into immutable invoices.
type InvoiceGenerator struct {
	store  store.Store
	bus    *events.Bus
	logger *zap.Logger
	now    store.Clock
}

// NewInvoiceGenerator creates an invoice generator
func NewInvoiceGenerator(s store.Store, bus *events.Bus, logger *zap.Logger) *InvoiceGenerator {
	return &InvoiceGenerator{
		store:  s,
		bus:    bus,
		logger: logger,
		now:    time.Now,
	}
}

// Generate sums the company's usage in [start, end) into a pending invoice.
// taxRate is a percentage; nil means untaxed. Windows are not deduplicated:
// generating the same window twice yields two invoices with equal amounts.
func (g *InvoiceGenerator) Generate(ctx context.Context, companyID uuid.UUID, start, end time.Time, taxRate *decimal.Decimal) (*models.Invoice, error) {
	window := models.Window{Start: start.UTC(), End: end.UTC()}
	if !window.Valid() {
		return nil, ErrInvalidWindow
	}
	if taxRate != nil && taxRate.IsNegative() {
		return nil, wrap(ErrInvalidRequest, nil, "tax_rate cannot be negative")
	}

	if _, err := g.store.GetCompany(ctx, companyID); err != nil {
		return nil, companyErr(err)
	}

	totals, err := g.store.UsageTotals(ctx, companyID, window, models.GroupByCategory)
	if err != nil {
		return nil, err
	}

	items := make([]models.LineItem, 0, len(totals))
	subtotal := decimal.Zero
	for _, t := range totals {
		amount := models.RoundMoney(t.Amount)
		items = append(items, models.LineItem{
			Category:    t.Category,
			Amount:      amount,
			Quantity:    t.Quantity,
			RecordCount: t.RecordCount,
		})
		subtotal = subtotal.Add(amount)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Category < items[j].Category })

	inv := &models.Invoice{
		ID:          uuid.New(),
		CompanyID:   companyID,
		Status:      models.InvoiceStatusPending,
		LineItems:   items,
		Subtotal:    models.RoundMoney(subtotal),
		TaxRate:     taxRate,
		TaxAmount:   decimal.Zero,
		PeriodStart: window.Start,
		PeriodEnd:   window.End,
		CreatedAt:   g.now().UTC().Truncate(time.Microsecond),
	}
	if taxRate != nil {
		inv.TaxAmount = models.RoundMoney(inv.Subtotal.Mul(*taxRate).Div(hundred))
	}
	inv.Total = models.RoundMoney(inv.Subtotal.Add(inv.TaxAmount))

	if err := g.store.CreateInvoice(ctx, inv); err != nil {
		return nil, err
	}

	metrics.InvoicesGeneratedTotal.WithLabelValues(string(inv.Status)).Inc()
	g.logger.Info("generated invoice",
		zap.String("company_id", companyID.String()),
		zap.String("invoice_number", inv.Number()),
		zap.String("total", inv.Total.String()),
		zap.Time("period_start", inv.PeriodStart),
		zap.Time("period_end", inv.PeriodEnd),
	)
	emit(ctx, g.bus, events.EventInvoiceGenerated, companyID, map[string]interface{}{
		"company_id":     companyID.String(),
		"invoice_id":     inv.ID.String(),
		"invoice_number": inv.Number(),
		"total":          inv.Total.String(),
	})
	return inv, nil
}

// Get returns one invoice.
func (g *InvoiceGenerator) Get(ctx context.Context, invoiceID uuid.UUID) (*models.Invoice, error) {
	inv, err := g.store.GetInvoice(ctx, invoiceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvoiceNotFound
	}
	return inv, err
}

// List returns a company's invoices, newest first.
func (g *InvoiceGenerator) List(ctx context.Context, companyID uuid.UUID) ([]*models.Invoice, error) {
	if _, err := g.store.GetCompany(ctx, companyID); err != nil {
		return nil, companyErr(err)
	}
	return g.store.ListInvoices(ctx, companyID)
}

// Refund issues a correcting invoice that negates the original. The original
// is left untouched and the wallet is not credited; each invoice can be
// refunded once.
func (g *InvoiceGenerator) Refund(ctx context.Context, invoiceID uuid.UUID) (*models.Invoice, error) {
	orig, err := g.Get(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if orig.RefundOf != nil || orig.Status == models.InvoiceStatusRefunded {
		return nil, wrap(ErrInvoiceStatus, nil, "a refund invoice cannot be refunded")
	}

	items := make([]models.LineItem, len(orig.LineItems))
	for i, li := range orig.LineItems {
		items[i] = models.LineItem{
			Category:    li.Category,
			Amount:      li.Amount.Neg(),
			Quantity:    li.Quantity.Neg(),
			RecordCount: li.RecordCount,
		}
	}

	refundOf := orig.ID
	refund := &models.Invoice{
		ID:          uuid.New(),
		CompanyID:   orig.CompanyID,
		Status:      models.InvoiceStatusRefunded,
		LineItems:   items,
		Subtotal:    orig.Subtotal.Neg(),
		TaxRate:     orig.TaxRate,
		TaxAmount:   orig.TaxAmount.Neg(),
		Total:       orig.Total.Neg(),
		PeriodStart: orig.PeriodStart,
		PeriodEnd:   orig.PeriodEnd,
		RefundOf:    &refundOf,
		CreatedAt:   g.now().UTC().Truncate(time.Microsecond),
	}
	if err := g.store.CreateInvoice(ctx, refund); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrAlreadyRefunded
		}
		return nil, err
	}

	metrics.InvoicesGeneratedTotal.WithLabelValues(string(refund.Status)).Inc()
	g.logger.Info("refunded invoice",
		zap.String("company_id", orig.CompanyID.String()),
		zap.String("invoice_number", orig.Number()),
		zap.String("refund_number", refund.Number()),
	)
	emit(ctx, g.bus, events.EventInvoiceRefunded, orig.CompanyID, map[string]interface{}{
		"company_id":        orig.CompanyID.String(),
		"invoice_id":        orig.ID.String(),
		"refund_invoice_id": refund.ID.String(),
		"total":             refund.Total.String(),
	})
	return refund, nil
}

// MarkStatus records the payment outcome of a pending invoice. Amounts are
// never changed.
func (g *InvoiceGenerator) MarkStatus(ctx context.Context, invoiceID uuid.UUID, status models.InvoiceStatus) (*models.Invoice, error) {
	if status != models.InvoiceStatusPaid && status != models.InvoiceStatusFailed {
		return nil, wrap(ErrInvoiceStatus, nil, "status must be paid or failed")
	}
	err := g.store.UpdateInvoiceStatus(ctx, invoiceID, models.InvoiceStatusPending, status)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrInvoiceNotFound
	case errors.Is(err, store.ErrStatusConflict):
		return nil, wrap(ErrInvoiceStatus, err, "invoice is not pending")
	case err != nil:
		return nil, err
	}
	return g.Get(ctx, invoiceID)
}
