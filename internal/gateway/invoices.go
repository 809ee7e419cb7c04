package gateway

import (
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

type generateInvoiceRequest struct {
	Start   time.Time        `json:"start"`
	End     time.Time        `json:"end"`
	TaxRate *decimal.Decimal `json:"tax_rate,omitempty"`
}

func (g *Gateway) handleGenerateInvoice(w http.ResponseWriter, r *http.Request) {
	companyID, ok := g.uuidParam(w, r, "company_id")
	if !ok {
		return
	}

	var req generateInvoiceRequest
	if err := decodeJSON(r, &req); err != nil {
		g.badRequest(w, err.Error())
		return
	}

	inv, err := g.engine.Invoices.Generate(r.Context(), companyID, req.Start.UTC(), req.End.UTC(), req.TaxRate)
	if err != nil {
		g.writeBillingError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, inv)
}

func (g *Gateway) handleListInvoices(w http.ResponseWriter, r *http.Request) {
	companyID, ok := g.uuidParam(w, r, "company_id")
	if !ok {
		return
	}

	invoices, err := g.engine.Invoices.List(r.Context(), companyID)
	if err != nil {
		g.writeBillingError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"invoices": invoices,
	})
}

func (g *Gateway) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	invoiceID, ok := g.uuidParam(w, r, "invoice_id")
	if !ok {
		return
	}

	inv, err := g.engine.Invoices.Get(r.Context(), invoiceID)
	if err != nil {
		g.writeBillingError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, inv)
}

func (g *Gateway) handleRefundInvoice(w http.ResponseWriter, r *http.Request) {
	invoiceID, ok := g.uuidParam(w, r, "invoice_id")
	if !ok {
		return
	}

	refund, err := g.engine.Invoices.Refund(r.Context(), invoiceID)
	if err != nil {
		g.writeBillingError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, refund)
}
