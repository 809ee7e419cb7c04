package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/billing-service/internal/config"
	"github.com/crosslogic/billing-service/internal/store"
	"github.com/crosslogic/billing-service/pkg/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var hundred = decimal.NewFromInt(100)

// Quote is the priced cost of one billable action.
type Quote struct {
	BaseCost      decimal.Decimal `json:"base_cost"`
	MarginPercent decimal.Decimal `json:"margin_percent"`
	FinalCost     decimal.Decimal `json:"final_cost"`
}

// PricingResolver turns raw vendor quantities into billed cost
type PricingResolver struct {
	store  store.Store
	logger *zap.Logger
	now    store.Clock
}

// NewPricingResolver creates a new pricing resolver
func NewPricingResolver(s store.Store, logger *zap.Logger) *PricingResolver {
	return &PricingResolver{
		store:  s,
		logger: logger,
		now:    time.Now,
	}
}

// Resolve prices rawQuantity of category using the company's active
// override, or the global pricing row when there is none.
func (pr *PricingResolver) Resolve(ctx context.Context, companyID uuid.UUID, category models.Category, rawQuantity decimal.Decimal) (Quote, error) {
	if !rawQuantity.IsPositive() {
		return Quote{}, ErrInvalidQuantity
	}
	if !category.Valid() {
		return Quote{}, wrap(ErrUnknownCategory, nil, string(category))
	}

	pricing, err := pr.store.ActivePricing(ctx, companyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			pr.logger.Error("no active pricing configured",
				zap.String("company_id", companyID.String()),
			)
			return Quote{}, ErrPricingUnavailable
		}
		return Quote{}, wrap(ErrPricingUnavailable, err, "pricing lookup failed")
	}

	unitPrice, ok := pricing.UnitPrices[category]
	if !ok {
		pr.logger.Error("active pricing has no unit price for category",
			zap.String("pricing_id", pricing.ID.String()),
			zap.String("category", string(category)),
		)
		return Quote{}, wrap(ErrPricingUnavailable, nil, "no unit price for "+string(category))
	}

	return Price(rawQuantity, unitPrice, pricing.MarginPercent), nil
}

// Price applies the pricing formula:
// baseCost = round(quantity × unitPrice), finalCost = round(baseCost × (1 + margin/100)).
func Price(rawQuantity, unitPrice, marginPercent decimal.Decimal) Quote {
	base := models.RoundMoney(rawQuantity.Mul(unitPrice))
	final := models.RoundMoney(base.Mul(decimal.NewFromInt(1).Add(marginPercent.Div(hundred))))
	return Quote{
		BaseCost:      base,
		MarginPercent: marginPercent,
		FinalCost:     final,
	}
}

// SetPricingRequest replaces the active pricing for one scope.
type SetPricingRequest struct {
	CompanyID     *uuid.UUID                          `json:"company_id,omitempty"`
	MarginPercent decimal.Decimal                     `json:"margin_percent"`
	UnitPrices    map[models.Category]decimal.Decimal `json:"unit_prices"`
}

// SetPricing validates and activates a new pricing row. Records created
// before the call keep the margin they were priced with.
func (pr *PricingResolver) SetPricing(ctx context.Context, req SetPricingRequest) (*models.PricingConfig, error) {
	if req.MarginPercent.IsNegative() {
		return nil, wrap(ErrInvalidRequest, nil, "margin_percent cannot be negative")
	}
	for _, cat := range models.Categories {
		price, ok := req.UnitPrices[cat]
		if !ok {
			return nil, wrap(ErrInvalidRequest, nil, "missing unit price for "+string(cat))
		}
		if price.IsNegative() {
			return nil, wrap(ErrInvalidRequest, nil, "negative unit price for "+string(cat))
		}
	}
	for cat := range req.UnitPrices {
		if !cat.Valid() {
			return nil, wrap(ErrUnknownCategory, nil, string(cat))
		}
	}

	p := &models.PricingConfig{
		ID:            uuid.New(),
		CompanyID:     req.CompanyID,
		MarginPercent: req.MarginPercent,
		UnitPrices:    req.UnitPrices,
		Active:        true,
		CreatedAt:     pr.now().UTC(),
	}
	if err := pr.store.SetPricing(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to set pricing: %w", err)
	}

	scope := "global"
	if p.CompanyID != nil {
		scope = p.CompanyID.String()
	}
	pr.logger.Info("pricing updated",
		zap.String("pricing_id", p.ID.String()),
		zap.String("scope", scope),
		zap.String("margin_percent", p.MarginPercent.String()),
	)
	return p, nil
}

// EnsureDefaultPricing seeds the global pricing row from configuration when
// the store has none.
func (pr *PricingResolver) EnsureDefaultPricing(ctx context.Context, cfg config.PricingConfig) error {
	_, err := pr.store.ActivePricing(ctx, uuid.Nil)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to read pricing: %w", err)
	}

	_, err = pr.SetPricing(ctx, SetPricingRequest{
		MarginPercent: cfg.MarginPercent,
		UnitPrices: map[models.Category]decimal.Decimal{
			models.CategoryCVParsing:          cfg.CVParsingPerKB,
			models.CategoryQuestionGeneration: cfg.QuestionGenPerToken,
			models.CategoryVideoInterview:     cfg.VideoInterviewPerMinute,
		},
	})
	return err
}

// FormatCost formats an amount as a dollar string with four decimals
func FormatCost(cost decimal.Decimal) string {
	return "$" + cost.StringFixed(models.MoneyPlaces)
}

// FormatCostCompact formats an amount in a compact way
func FormatCostCompact(cost decimal.Decimal) string {
	if cost.GreaterThanOrEqual(decimal.NewFromInt(1000)) {
		return "$" + cost.Div(decimal.NewFromInt(1000)).StringFixed(2) + "K"
	}
	if cost.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return "$" + cost.StringFixed(2)
	}
	return FormatCost(cost)
}
