// Package postgres implements store.Store on PostgreSQL. Per-company
// serialization is a SELECT ... FOR UPDATE on company_billing held for the
// duration of one transaction.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/billing-service/internal/store"
	"github.com/crosslogic/billing-service/pkg/database"
	"github.com/crosslogic/billing-service/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	pgUniqueViolation  = "23505"
	pgLockNotAvailable = "55P03"
	pgQueryCanceled    = "57014"
	defaultLockTimeout = 3 * time.Second
)

const (
	companyColumns = `company_id, billing_status, wallet_balance, current_month_spent, total_spent,
		current_month_start, monthly_spend_cap, auto_recharge_enabled, auto_recharge_threshold,
		auto_recharge_amount, payment_provider, payment_customer_id, payment_method_id,
		payment_method_last4, recharge_in_flight, recharge_started_at, past_due_since,
		created_at, updated_at`
	usageColumns = `id, company_id, job_id, category, raw_quantity, base_cost, margin_percent,
		final_cost, idempotency_key, created_at`
	invoiceColumns = `id, invoice_number, company_id, status, line_items, subtotal, tax_rate,
		tax_amount, total, period_start, period_end, refund_of, created_at`
	attemptColumns = `id, company_id, amount, status, reason, provider_ref, failure_message,
		created_at, completed_at`
)

// Store is the PostgreSQL billing store.
type Store struct {
	db          *database.Database
	logger      *zap.Logger
	lockTimeout time.Duration
}

var _ store.Store = (*Store)(nil)

// New creates a store on an open database. lockTimeout bounds how long a
// transaction waits for a company row lock.
func New(db *database.Database, lockTimeout time.Duration, logger *zap.Logger) *Store {
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	return &Store{db: db, logger: logger, lockTimeout: lockTimeout}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCompany(row rowScanner) (*models.CompanyBilling, error) {
	var c models.CompanyBilling
	var spendCap decimal.NullDecimal
	err := row.Scan(
		&c.CompanyID, &c.BillingStatus, &c.WalletBalance, &c.CurrentMonthSpent, &c.TotalSpent,
		&c.CurrentMonthStart, &spendCap, &c.AutoRechargeEnabled, &c.AutoRechargeThreshold,
		&c.AutoRechargeAmount, &c.PaymentProvider, &c.PaymentCustomerID, &c.PaymentMethodID,
		&c.PaymentMethodLast4, &c.RechargeInFlight, &c.RechargeStartedAt, &c.PastDueSince,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	if spendCap.Valid {
		v := spendCap.Decimal
		c.MonthlySpendCap = &v
	}
	return &c, nil
}

func scanUsage(row rowScanner) (*models.UsageRecord, error) {
	var r models.UsageRecord
	err := row.Scan(
		&r.ID, &r.CompanyID, &r.JobID, &r.Category, &r.RawQuantity, &r.BaseCost,
		&r.MarginPercent, &r.FinalCost, &r.IdempotencyKey, &r.CreatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	return &r, nil
}

func scanInvoice(row rowScanner) (*models.Invoice, error) {
	var inv models.Invoice
	var taxRate decimal.NullDecimal
	err := row.Scan(
		&inv.ID, &inv.InvoiceNumber, &inv.CompanyID, &inv.Status, &inv.LineItems, &inv.Subtotal,
		&taxRate, &inv.TaxAmount, &inv.Total, &inv.PeriodStart, &inv.PeriodEnd, &inv.RefundOf,
		&inv.CreatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	if taxRate.Valid {
		v := taxRate.Decimal
		inv.TaxRate = &v
	}
	return &inv, nil
}

func scanAttempt(row rowScanner) (*models.RechargeAttempt, error) {
	var a models.RechargeAttempt
	err := row.Scan(
		&a.ID, &a.CompanyID, &a.Amount, &a.Status, &a.Reason, &a.ProviderRef,
		&a.FailureMessage, &a.CreatedAt, &a.CompletedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	return &a, nil
}

func nullable(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

// mapError translates driver errors into store sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", store.ErrLockTimeout, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", store.ErrDuplicate, pgErr.ConstraintName)
		case pgLockNotAvailable, pgQueryCanceled:
			return fmt.Errorf("%w: %s", store.ErrLockTimeout, pgErr.Message)
		}
	}
	return err
}

func (s *Store) CreateCompany(ctx context.Context, c *models.CompanyBilling) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO company_billing (`+companyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`,
		c.CompanyID, c.BillingStatus, c.WalletBalance, c.CurrentMonthSpent, c.TotalSpent,
		c.CurrentMonthStart, nullable(c.MonthlySpendCap), c.AutoRechargeEnabled, c.AutoRechargeThreshold,
		c.AutoRechargeAmount, c.PaymentProvider, c.PaymentCustomerID, c.PaymentMethodID,
		c.PaymentMethodLast4, c.RechargeInFlight, c.RechargeStartedAt, c.PastDueSince,
		c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create company billing: %w", mapError(err))
	}
	return nil
}

func (s *Store) GetCompany(ctx context.Context, companyID uuid.UUID) (*models.CompanyBilling, error) {
	row := s.db.Pool.QueryRow(ctx, `SELECT `+companyColumns+` FROM company_billing WHERE company_id = $1`, companyID)
	return scanCompany(row)
}

func (s *Store) WithCompany(ctx context.Context, companyID uuid.UUID, fn func(tx store.CompanyTx) error) error {
	tx, err := s.db.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapError(err))
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		return fmt.Errorf("failed to set lock timeout: %w", mapError(err))
	}

	row := tx.QueryRow(ctx, `SELECT `+companyColumns+` FROM company_billing WHERE company_id = $1 FOR UPDATE`, companyID)
	company, err := scanCompany(row)
	if err != nil {
		return err
	}

	if err := fn(&companyTx{tx: tx, company: company}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", mapError(err))
	}
	return nil
}

func (s *Store) ListSweepCandidates(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT company_id
		FROM company_billing
		WHERE (auto_recharge_enabled AND wallet_balance < auto_recharge_threshold)
			OR recharge_in_flight
			OR billing_status = 'past_due'
		ORDER BY company_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sweep candidates: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan company id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) ActivePricing(ctx context.Context, companyID uuid.UUID) (*models.PricingConfig, error) {
	var p models.PricingConfig
	err := s.db.Pool.QueryRow(ctx, `
		SELECT id, company_id, margin_percent, unit_prices, active, created_at
		FROM pricing_config
		WHERE active AND (company_id = $1 OR company_id IS NULL)
		ORDER BY company_id NULLS LAST
		LIMIT 1
	`, companyID).Scan(&p.ID, &p.CompanyID, &p.MarginPercent, &p.UnitPrices, &p.Active, &p.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &p, nil
}

func (s *Store) SetPricing(ctx context.Context, p *models.PricingConfig) error {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	if _, err := tx.Exec(ctx, `
		UPDATE pricing_config
		SET active = FALSE
		WHERE active AND company_id IS NOT DISTINCT FROM $1
	`, p.CompanyID); err != nil {
		return fmt.Errorf("failed to deactivate pricing: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO pricing_config (id, company_id, margin_percent, unit_prices, active, created_at)
		VALUES ($1, $2, $3, $4, TRUE, $5)
	`, p.ID, p.CompanyID, p.MarginPercent, p.UnitPrices, p.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert pricing: %w", mapError(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	p.Active = true
	return nil
}

func (s *Store) ListUsage(ctx context.Context, companyID uuid.UUID, w models.Window) ([]*models.UsageRecord, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT `+usageColumns+`
		FROM usage_records
		WHERE company_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at, id
	`, companyID, w.Start, w.End)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}
	defer rows.Close()

	var out []*models.UsageRecord
	for rows.Next() {
		rec, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) UsageTotals(ctx context.Context, companyID uuid.UUID, w models.Window, groupBy models.UsageGroupBy) ([]models.UsageTotal, error) {
	var key string
	switch groupBy {
	case models.GroupByCategory:
		key = "category"
	case models.GroupByJob:
		key = "job_id"
	case models.GroupByMonth:
		key = "date_trunc('month', created_at AT TIME ZONE 'UTC')"
	default:
		return nil, fmt.Errorf("unsupported grouping %q", groupBy)
	}

	rows, err := s.db.Pool.Query(ctx, `
		SELECT `+key+` AS k, SUM(raw_quantity), SUM(final_cost), COUNT(*)
		FROM usage_records
		WHERE company_id = $1 AND created_at >= $2 AND created_at < $3
		GROUP BY k
		ORDER BY k NULLS LAST
	`, companyID, w.Start, w.End)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage: %w", err)
	}
	defer rows.Close()

	var out []models.UsageTotal
	for rows.Next() {
		var t models.UsageTotal
		var dest any
		var month time.Time
		switch groupBy {
		case models.GroupByCategory:
			dest = &t.Category
		case models.GroupByJob:
			dest = &t.JobID
		case models.GroupByMonth:
			dest = &month
		}
		if err := rows.Scan(dest, &t.Quantity, &t.Amount, &t.RecordCount); err != nil {
			return nil, fmt.Errorf("failed to scan usage total: %w", err)
		}
		if groupBy == models.GroupByMonth {
			t.Month = time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) CreateInvoice(ctx context.Context, inv *models.Invoice) error {
	err := s.db.Pool.QueryRow(ctx, `
		INSERT INTO invoices (
			id, invoice_number, company_id, status, line_items, subtotal, tax_rate,
			tax_amount, total, period_start, period_end, refund_of, created_at
		) VALUES ($1, nextval('invoice_number_seq'), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING invoice_number
	`,
		inv.ID, inv.CompanyID, inv.Status, inv.LineItems, inv.Subtotal, nullable(inv.TaxRate),
		inv.TaxAmount, inv.Total, inv.PeriodStart, inv.PeriodEnd, inv.RefundOf, inv.CreatedAt,
	).Scan(&inv.InvoiceNumber)
	if err != nil {
		return fmt.Errorf("failed to create invoice: %w", mapError(err))
	}
	return nil
}

func (s *Store) GetInvoice(ctx context.Context, invoiceID uuid.UUID) (*models.Invoice, error) {
	return scanInvoice(s.db.Pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, invoiceID))
}

func (s *Store) ListInvoices(ctx context.Context, companyID uuid.UUID) ([]*models.Invoice, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE company_id = $1
		ORDER BY invoice_number DESC
	`, companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoices: %w", err)
	}
	defer rows.Close()

	var out []*models.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (s *Store) UpdateInvoiceStatus(ctx context.Context, invoiceID uuid.UUID, from, to models.InvoiceStatus) error {
	tag, err := s.db.Pool.Exec(ctx, `UPDATE invoices SET status = $3 WHERE id = $1 AND status = $2`, invoiceID, from, to)
	if err != nil {
		return fmt.Errorf("failed to update invoice status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetInvoice(ctx, invoiceID); err != nil {
		return err
	}
	return store.ErrStatusConflict
}

func (s *Store) FindRechargeAttempt(ctx context.Context, attemptID uuid.UUID) (*models.RechargeAttempt, error) {
	return scanAttempt(s.db.Pool.QueryRow(ctx, `SELECT `+attemptColumns+` FROM recharge_attempts WHERE id = $1`, attemptID))
}

func (s *Store) RecordWebhookEvent(ctx context.Context, eventID, eventType string, payload []byte) (bool, error) {
	tag, err := s.db.Pool.Exec(ctx, `
		INSERT INTO webhook_events (id, type, payload, processed_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id) DO NOTHING
	`, eventID, eventType, string(payload))
	if err != nil {
		return false, fmt.Errorf("failed to persist webhook event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Health(ctx context.Context) error {
	return s.db.Health(ctx)
}

func (s *Store) Close() {
	s.db.Close()
}

type companyTx struct {
	tx      pgx.Tx
	company *models.CompanyBilling
}

func (t *companyTx) Company() *models.CompanyBilling { return t.company }

func (t *companyTx) SaveCompany(ctx context.Context) error {
	c := t.company
	_, err := t.tx.Exec(ctx, `
		UPDATE company_billing SET
			billing_status = $2, wallet_balance = $3, current_month_spent = $4, total_spent = $5,
			current_month_start = $6, monthly_spend_cap = $7, auto_recharge_enabled = $8,
			auto_recharge_threshold = $9, auto_recharge_amount = $10, payment_provider = $11,
			payment_customer_id = $12, payment_method_id = $13, payment_method_last4 = $14,
			recharge_in_flight = $15, recharge_started_at = $16, past_due_since = $17,
			updated_at = $18
		WHERE company_id = $1
	`,
		c.CompanyID, c.BillingStatus, c.WalletBalance, c.CurrentMonthSpent, c.TotalSpent,
		c.CurrentMonthStart, nullable(c.MonthlySpendCap), c.AutoRechargeEnabled,
		c.AutoRechargeThreshold, c.AutoRechargeAmount, c.PaymentProvider,
		c.PaymentCustomerID, c.PaymentMethodID, c.PaymentMethodLast4,
		c.RechargeInFlight, c.RechargeStartedAt, c.PastDueSince,
		c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update company billing: %w", mapError(err))
	}
	return nil
}

func (t *companyTx) FindUsageByIdempotencyKey(ctx context.Context, key string) (*models.UsageRecord, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+usageColumns+`
		FROM usage_records
		WHERE company_id = $1 AND idempotency_key = $2
	`, t.company.CompanyID, key)
	return scanUsage(row)
}

func (t *companyTx) InsertUsage(ctx context.Context, rec *models.UsageRecord) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO usage_records (`+usageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		rec.ID, rec.CompanyID, rec.JobID, rec.Category, rec.RawQuantity, rec.BaseCost,
		rec.MarginPercent, rec.FinalCost, rec.IdempotencyKey, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", mapError(err))
	}
	return nil
}

func (t *companyTx) InsertRechargeAttempt(ctx context.Context, a *models.RechargeAttempt) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO recharge_attempts (`+attemptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		a.ID, a.CompanyID, a.Amount, a.Status, a.Reason, a.ProviderRef,
		a.FailureMessage, a.CreatedAt, a.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert recharge attempt: %w", mapError(err))
	}
	return nil
}

func (t *companyTx) GetRechargeAttempt(ctx context.Context, attemptID uuid.UUID) (*models.RechargeAttempt, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+attemptColumns+`
		FROM recharge_attempts
		WHERE id = $1 AND company_id = $2
	`, attemptID, t.company.CompanyID)
	return scanAttempt(row)
}

func (t *companyTx) FindRechargeAttemptByRef(ctx context.Context, providerRef string) (*models.RechargeAttempt, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+attemptColumns+`
		FROM recharge_attempts
		WHERE company_id = $1 AND provider_ref = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, t.company.CompanyID, providerRef)
	return scanAttempt(row)
}

func (t *companyTx) LatestRechargeAttempt(ctx context.Context) (*models.RechargeAttempt, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+attemptColumns+`
		FROM recharge_attempts
		WHERE company_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, t.company.CompanyID)
	return scanAttempt(row)
}

func (t *companyTx) UpdateRechargeAttempt(ctx context.Context, a *models.RechargeAttempt) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE recharge_attempts
		SET status = $3, provider_ref = $4, failure_message = $5, completed_at = $6
		WHERE id = $1 AND company_id = $2
	`, a.ID, a.CompanyID, a.Status, a.ProviderRef, a.FailureMessage, a.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to update recharge attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
