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

// SpendCapEnforcer answers whether additional spend would breach a company's
// monthly cap. The recorder uses wouldExceedCap inside its own locked unit;
// WouldExceedCap is the standalone read for callers outside the write path.
type SpendCapEnforcer struct {
	store  store.Store
	logger *zap.Logger
	now    store.Clock
}

func NewSpendCapEnforcer(s store.Store, logger *zap.Logger) *SpendCapEnforcer {
	return &SpendCapEnforcer{store: s, logger: logger, now: time.Now}
}

// WouldExceedCap reads the company under its lock, applying any pending
// month rollover to the snapshot without persisting it.
func (e *SpendCapEnforcer) WouldExceedCap(ctx context.Context, companyID uuid.UUID, additional decimal.Decimal) (bool, error) {
	var exceeded bool
	err := e.store.WithCompany(ctx, companyID, func(tx store.CompanyTx) error {
		c := tx.Company().Clone()
		resetMonthIfDue(c, e.now().UTC())
		exceeded = wouldExceedCap(c, additional)
		return nil
	})
	if err != nil {
		return false, companyErr(err)
	}
	return exceeded, nil
}

// wouldExceedCap is true only for a non-nil cap that spent+additional would pass.
func wouldExceedCap(c *models.CompanyBilling, additional decimal.Decimal) bool {
	if c.MonthlySpendCap == nil {
		return false
	}
	return c.CurrentMonthSpent.Add(additional).GreaterThan(*c.MonthlySpendCap)
}
