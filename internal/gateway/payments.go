package gateway

import (
	"net/http"

	"github.com/crosslogic/billing-service/internal/billing"
	"github.com/crosslogic/billing-service/pkg/models"
)

type rechargeResultResponse struct {
	Attempt *models.RechargeAttempt `json:"attempt"`
	Applied bool                    `json:"applied"`
}

func (g *Gateway) handleSetPricing(w http.ResponseWriter, r *http.Request) {
	var req billing.SetPricingRequest
	if err := decodeJSON(r, &req); err != nil {
		g.badRequest(w, err.Error())
		return
	}

	if req.CompanyID != nil {
		if _, err := g.engine.GetBilling(r.Context(), *req.CompanyID); err != nil {
			g.writeBillingError(w, r, err)
			return
		}
	}

	p, err := g.engine.Pricing.SetPricing(r.Context(), req)
	if err != nil {
		g.writeBillingError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, p)
}

// handleRechargeResult accepts processor outcomes from payment collaborators
// other than the Stripe webhook. Redeliveries answer 200 with applied=false.
func (g *Gateway) handleRechargeResult(w http.ResponseWriter, r *http.Request) {
	var req billing.RechargeResult
	if err := decodeJSON(r, &req); err != nil {
		g.badRequest(w, err.Error())
		return
	}

	attempt, applied, err := g.engine.Recharge.OnRechargeResult(r.Context(), req)
	if err != nil {
		g.writeBillingError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, rechargeResultResponse{Attempt: attempt, Applied: applied})
}
