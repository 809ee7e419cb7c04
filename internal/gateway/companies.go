package gateway

import (
	"net/http"

	"github.com/crosslogic/billing-service/internal/billing"
	"github.com/crosslogic/billing-service/pkg/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type createCompanyRequest struct {
	CompanyID uuid.UUID `json:"company_id"`
	billing.CompanySettings
}

type paymentMethodResponse struct {
	Billing  *models.CompanyBilling  `json:"billing"`
	Recharge *models.RechargeAttempt `json:"recharge,omitempty"`
}

type manualRechargeRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (g *Gateway) handleCreateCompany(w http.ResponseWriter, r *http.Request) {
	var req createCompanyRequest
	if err := decodeJSON(r, &req); err != nil {
		g.badRequest(w, err.Error())
		return
	}

	c, err := g.engine.CreateCompany(r.Context(), req.CompanyID, req.CompanySettings)
	if err != nil {
		g.writeBillingError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, c)
}

func (g *Gateway) handleGetBilling(w http.ResponseWriter, r *http.Request) {
	companyID, ok := g.uuidParam(w, r, "company_id")
	if !ok {
		return
	}

	c, err := g.engine.GetBilling(r.Context(), companyID)
	if err != nil {
		g.writeBillingError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, c)
}

func (g *Gateway) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	companyID, ok := g.uuidParam(w, r, "company_id")
	if !ok {
		return
	}

	var settings billing.CompanySettings
	if err := decodeJSON(r, &settings); err != nil {
		g.badRequest(w, err.Error())
		return
	}

	c, err := g.engine.UpdateSettings(r.Context(), companyID, settings)
	if err != nil {
		g.writeBillingError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, c)
}

func (g *Gateway) handleAttachPaymentMethod(w http.ResponseWriter, r *http.Request) {
	companyID, ok := g.uuidParam(w, r, "company_id")
	if !ok {
		return
	}

	var pm billing.PaymentMethod
	if err := decodeJSON(r, &pm); err != nil {
		g.badRequest(w, err.Error())
		return
	}

	attempt, err := g.engine.Recharge.AttachPaymentMethod(r.Context(), companyID, pm)
	if err != nil {
		g.writeBillingError(w, r, err)
		return
	}

	c, err := g.engine.GetBilling(r.Context(), companyID)
	if err != nil {
		g.writeBillingError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, paymentMethodResponse{Billing: c, Recharge: attempt})
}

func (g *Gateway) handleManualRecharge(w http.ResponseWriter, r *http.Request) {
	companyID, ok := g.uuidParam(w, r, "company_id")
	if !ok {
		return
	}

	var req manualRechargeRequest
	if err := decodeJSON(r, &req); err != nil {
		g.badRequest(w, err.Error())
		return
	}

	attempt, err := g.engine.Recharge.ManualRecharge(r.Context(), companyID, req.Amount)
	if err != nil {
		g.writeBillingError(w, r, err)
		return
	}
	g.writeAttempt(w, attempt)
}

// writeAttempt reports a recharge attempt: 200 once credited, 202 while the
// processor has not answered, 402 when the charge was declined.
func (g *Gateway) writeAttempt(w http.ResponseWriter, attempt *models.RechargeAttempt) {
	switch attempt.Status {
	case models.RechargeStatusFailed:
		msg := "wallet recharge failed"
		if attempt.FailureMessage != "" {
			msg += ": " + attempt.FailureMessage
		}
		g.writeError(w, http.StatusPaymentRequired, string(billing.CodeRechargeFailed), msg)
	case models.RechargeStatusPending:
		g.writeJSON(w, http.StatusAccepted, attempt)
	default:
		g.writeJSON(w, http.StatusOK, attempt)
	}
}
