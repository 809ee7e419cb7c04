package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/crosslogic/billing-service/internal/store/memory"
	"github.com/crosslogic/billing-service/pkg/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrice(t *testing.T) {
	tests := []struct {
		name      string
		qty       string
		unit      string
		margin    string
		wantBase  string
		wantFinal string
	}{
		{"video minutes", "10", "0.05", "30", "0.5", "0.65"},
		{"cv kilobytes", "250", "0.0002", "30", "0.05", "0.065"},
		{"question tokens", "1500", "0.000002", "30", "0.003", "0.0039"},
		{"rounds base to four places", "1", "0.00005", "0", "0.0001", "0.0001"},
		{"zero margin", "3", "1", "0", "3", "3"},
		{"rounds final half away from zero", "1", "0.0001", "50", "0.0001", "0.0002"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := Price(dec(tt.qty), dec(tt.unit), dec(tt.margin))
			assert.True(t, q.BaseCost.Equal(dec(tt.wantBase)), "base %s", q.BaseCost)
			assert.True(t, q.FinalCost.Equal(dec(tt.wantFinal)), "final %s", q.FinalCost)
			assert.True(t, q.MarginPercent.Equal(dec(tt.margin)))
		})
	}
}

func TestPricingResolver_Resolve(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pr := env.engine.Pricing
	companyID := uuid.New()

	q, err := pr.Resolve(ctx, companyID, models.CategoryVideoInterview, dec("10"))
	require.NoError(t, err)
	assert.True(t, q.FinalCost.Equal(dec("0.65")))

	_, err = pr.Resolve(ctx, companyID, models.CategoryVideoInterview, decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = pr.Resolve(ctx, companyID, models.CategoryVideoInterview, dec("-1"))
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = pr.Resolve(ctx, companyID, models.Category("translation"), dec("1"))
	assert.ErrorIs(t, err, ErrUnknownCategory)
	assert.Equal(t, CodeValidation, CodeOf(err))
}

func TestPricingResolver_CompanyOverrideBeatsGlobal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pr := env.engine.Pricing

	override, other := uuid.New(), uuid.New()
	env.flatPricing(t, override, "1")

	q, err := pr.Resolve(ctx, override, models.CategoryCVParsing, dec("2"))
	require.NoError(t, err)
	assert.True(t, q.FinalCost.Equal(dec("2")))

	q, err = pr.Resolve(ctx, other, models.CategoryCVParsing, dec("2"))
	require.NoError(t, err)
	assert.True(t, q.FinalCost.Equal(dec("0.0005")), "global price applies, got %s", q.FinalCost)
}

func TestPricingResolver_NoPricing(t *testing.T) {
	env := newTestEnv(t)
	pr := NewPricingResolver(memory.New(), env.engine.logger)

	_, err := pr.Resolve(context.Background(), uuid.New(), models.CategoryCVParsing, dec("1"))
	assert.ErrorIs(t, err, ErrPricingUnavailable)
	assert.Equal(t, CodePricingUnavailable, CodeOf(err))
}

func TestPricingResolver_SetPricingValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pr := env.engine.Pricing

	full := func() map[models.Category]decimal.Decimal {
		return map[models.Category]decimal.Decimal{
			models.CategoryCVParsing:          dec("0.1"),
			models.CategoryQuestionGeneration: dec("0.1"),
			models.CategoryVideoInterview:     dec("0.1"),
		}
	}

	_, err := pr.SetPricing(ctx, SetPricingRequest{MarginPercent: dec("-1"), UnitPrices: full()})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	missing := full()
	delete(missing, models.CategoryVideoInterview)
	_, err = pr.SetPricing(ctx, SetPricingRequest{MarginPercent: dec("10"), UnitPrices: missing})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	negative := full()
	negative[models.CategoryCVParsing] = dec("-0.1")
	_, err = pr.SetPricing(ctx, SetPricingRequest{MarginPercent: dec("10"), UnitPrices: negative})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	unknown := full()
	unknown[models.Category("ocr")] = dec("0.1")
	_, err = pr.SetPricing(ctx, SetPricingRequest{MarginPercent: dec("10"), UnitPrices: unknown})
	assert.ErrorIs(t, err, ErrUnknownCategory)
}

func TestPricingResolver_MarginChangeOnlyAffectsNewRecords(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.newCompany(t, nil)

	before, _, err := env.engine.Recorder.Record(ctx, RecordRequest{
		CompanyID: id, Category: models.CategoryVideoInterview, RawQuantity: dec("10"),
	})
	require.NoError(t, err)

	_, err = env.engine.Pricing.SetPricing(ctx, SetPricingRequest{
		MarginPercent: dec("100"),
		UnitPrices: map[models.Category]decimal.Decimal{
			models.CategoryCVParsing:          testPricing.CVParsingPerKB,
			models.CategoryQuestionGeneration: testPricing.QuestionGenPerToken,
			models.CategoryVideoInterview:     testPricing.VideoInterviewPerMinute,
		},
	})
	require.NoError(t, err)

	after, _, err := env.engine.Recorder.Record(ctx, RecordRequest{
		CompanyID: id, Category: models.CategoryVideoInterview, RawQuantity: dec("10"),
	})
	require.NoError(t, err)

	assert.True(t, before.FinalCost.Equal(dec("0.65")))
	assert.True(t, before.MarginPercent.Equal(dec("30")))
	assert.True(t, after.FinalCost.Equal(dec("1")))

	records, err := env.store.ListUsage(ctx, id, models.Window{Start: before.CreatedAt, End: after.CreatedAt.Add(1)})
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, rec := range records {
		if rec.ID == before.ID {
			assert.True(t, rec.FinalCost.Equal(dec("0.65")), "stored cost is frozen")
		}
	}
}

func TestEnsureDefaultPricing_DoesNotOverwrite(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.engine.Pricing.EnsureDefaultPricing(ctx, testPricing))
	active, err := env.store.ActivePricing(ctx, uuid.Nil)
	require.NoError(t, err)

	changed := testPricing
	changed.MarginPercent = dec("99")
	require.NoError(t, env.engine.Pricing.EnsureDefaultPricing(ctx, changed))

	again, err := env.store.ActivePricing(ctx, uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, active.ID, again.ID)
}

func TestFormatCost(t *testing.T) {
	assert.Equal(t, "$0.0039", FormatCost(dec("0.0039")))
	assert.Equal(t, "$12.50", FormatCostCompact(dec("12.5")))
	assert.Equal(t, "$1.50K", FormatCostCompact(dec("1500")))
	assert.Equal(t, "$0.0500", FormatCostCompact(dec("0.05")))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeSpendCapExceeded, CodeOf(ErrSpendCapExceeded))
	assert.Equal(t, CodeConcurrencyConflict, CodeOf(wrap(ErrConcurrencyConflict, errors.New("x"), "")))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
	assert.False(t, errors.Is(ErrInvalidQuantity, ErrUnknownCategory), "validation sentinels stay distinct")
}
