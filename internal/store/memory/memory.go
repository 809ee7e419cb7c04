// Package memory is a single-instance store.Store. Per-company locks are
// buffered channels so waiters honour context deadlines.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/crosslogic/billing-service/internal/store"
	"github.com/crosslogic/billing-service/pkg/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type idemKey struct {
	companyID uuid.UUID
	key       string
}

// Store keeps all billing state in process memory.
type Store struct {
	mu sync.RWMutex

	companies map[uuid.UUID]*models.CompanyBilling
	locks     map[uuid.UUID]chan struct{}

	usage map[uuid.UUID][]*models.UsageRecord
	idem  map[idemKey]*models.UsageRecord

	invoices    map[uuid.UUID]*models.Invoice
	refunds     map[uuid.UUID]uuid.UUID
	nextInvoice int64

	pricing  []*models.PricingConfig
	attempts map[uuid.UUID]*models.RechargeAttempt
	webhooks map[string]struct{}
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		companies: make(map[uuid.UUID]*models.CompanyBilling),
		locks:     make(map[uuid.UUID]chan struct{}),
		usage:     make(map[uuid.UUID][]*models.UsageRecord),
		idem:      make(map[idemKey]*models.UsageRecord),
		invoices:  make(map[uuid.UUID]*models.Invoice),
		refunds:   make(map[uuid.UUID]uuid.UUID),
		attempts:  make(map[uuid.UUID]*models.RechargeAttempt),
		webhooks:  make(map[string]struct{}),
	}
}

func (s *Store) CreateCompany(ctx context.Context, c *models.CompanyBilling) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.companies[c.CompanyID]; exists {
		return store.ErrDuplicate
	}
	s.companies[c.CompanyID] = c.Clone()
	s.locks[c.CompanyID] = make(chan struct{}, 1)
	return nil
}

func (s *Store) GetCompany(ctx context.Context, companyID uuid.UUID) (*models.CompanyBilling, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.companies[companyID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c.Clone(), nil
}

func (s *Store) WithCompany(ctx context.Context, companyID uuid.UUID, fn func(tx store.CompanyTx) error) error {
	s.mu.RLock()
	lock, ok := s.locks[companyID]
	s.mu.RUnlock()
	if !ok {
		return store.ErrNotFound
	}

	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", store.ErrLockTimeout, ctx.Err())
	}
	defer func() { <-lock }()

	s.mu.RLock()
	company := s.companies[companyID].Clone()
	s.mu.RUnlock()

	tx := &companyTx{
		store:    s,
		company:  company,
		attempts: make(map[uuid.UUID]*models.RechargeAttempt),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrLockTimeout, err)
	}
	return tx.commit()
}

func (s *Store) ListSweepCandidates(ctx context.Context) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []uuid.UUID
	for id, c := range s.companies {
		lowBalance := c.AutoRechargeEnabled && c.WalletBalance.LessThan(c.AutoRechargeThreshold)
		if lowBalance || c.RechargeInFlight || c.BillingStatus == models.BillingStatusPastDue {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

func (s *Store) ActivePricing(ctx context.Context, companyID uuid.UUID) (*models.PricingConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var global *models.PricingConfig
	for _, p := range s.pricing {
		if !p.Active {
			continue
		}
		if p.CompanyID != nil && *p.CompanyID == companyID {
			return clonePricing(p), nil
		}
		if p.CompanyID == nil {
			global = p
		}
	}
	if global == nil {
		return nil, store.ErrNotFound
	}
	return clonePricing(global), nil
}

func (s *Store) SetPricing(ctx context.Context, p *models.PricingConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.pricing {
		if existing.Active && sameScope(existing.CompanyID, p.CompanyID) {
			existing.Active = false
		}
	}
	row := clonePricing(p)
	row.Active = true
	s.pricing = append(s.pricing, row)
	return nil
}

func (s *Store) ListUsage(ctx context.Context, companyID uuid.UUID, w models.Window) ([]*models.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.UsageRecord
	for _, rec := range s.usage[companyID] {
		if w.Contains(rec.CreatedAt) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UsageTotals(ctx context.Context, companyID uuid.UUID, w models.Window, groupBy models.UsageGroupBy) ([]models.UsageTotal, error) {
	records, err := s.ListUsage(ctx, companyID, w)
	if err != nil {
		return nil, err
	}

	groups := make(map[string]*models.UsageTotal)
	var keys []string
	for _, rec := range records {
		var key string
		var seed models.UsageTotal
		switch groupBy {
		case models.GroupByCategory:
			key = string(rec.Category)
			seed.Category = rec.Category
		case models.GroupByJob:
			if rec.JobID != nil {
				key = rec.JobID.String()
				id := *rec.JobID
				seed.JobID = &id
			}
		case models.GroupByMonth:
			month := models.MonthOf(rec.CreatedAt)
			key = month.Format("2006-01")
			seed.Month = month
		default:
			return nil, fmt.Errorf("unsupported grouping %q", groupBy)
		}

		g, ok := groups[key]
		if !ok {
			seed.Quantity = decimal.Zero
			seed.Amount = decimal.Zero
			g = &seed
			groups[key] = g
			keys = append(keys, key)
		}
		g.Quantity = g.Quantity.Add(rec.RawQuantity)
		g.Amount = g.Amount.Add(rec.FinalCost)
		g.RecordCount++
	}

	// Job totals put the unassigned bucket ("") last.
	sort.Slice(keys, func(i, j int) bool {
		if keys[i] == "" || keys[j] == "" {
			return keys[j] == ""
		}
		return keys[i] < keys[j]
	})

	out := make([]models.UsageTotal, 0, len(keys))
	for _, k := range keys {
		out = append(out, *groups[k])
	}
	return out, nil
}

func (s *Store) CreateInvoice(ctx context.Context, inv *models.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inv.RefundOf != nil {
		if _, exists := s.refunds[*inv.RefundOf]; exists {
			return store.ErrDuplicate
		}
	}
	s.nextInvoice++
	inv.InvoiceNumber = s.nextInvoice
	s.invoices[inv.ID] = cloneInvoice(inv)
	if inv.RefundOf != nil {
		s.refunds[*inv.RefundOf] = inv.ID
	}
	return nil
}

func (s *Store) GetInvoice(ctx context.Context, invoiceID uuid.UUID) (*models.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.invoices[invoiceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneInvoice(inv), nil
}

func (s *Store) ListInvoices(ctx context.Context, companyID uuid.UUID) ([]*models.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Invoice
	for _, inv := range s.invoices {
		if inv.CompanyID == companyID {
			out = append(out, cloneInvoice(inv))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InvoiceNumber > out[j].InvoiceNumber })
	return out, nil
}

func (s *Store) UpdateInvoiceStatus(ctx context.Context, invoiceID uuid.UUID, from, to models.InvoiceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invoices[invoiceID]
	if !ok {
		return store.ErrNotFound
	}
	if inv.Status != from {
		return store.ErrStatusConflict
	}
	inv.Status = to
	return nil
}

func (s *Store) FindRechargeAttempt(ctx context.Context, attemptID uuid.UUID) (*models.RechargeAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.attempts[attemptID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneAttempt(a), nil
}

func (s *Store) RecordWebhookEvent(ctx context.Context, eventID, eventType string, payload []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.webhooks[eventID]; exists {
		return false, nil
	}
	s.webhooks[eventID] = struct{}{}
	return true, nil
}

func (s *Store) Health(ctx context.Context) error { return nil }

func (s *Store) Close() {}

type companyTx struct {
	store   *Store
	company *models.CompanyBilling
	saved   bool

	usage    []*models.UsageRecord
	attempts map[uuid.UUID]*models.RechargeAttempt
}

func (tx *companyTx) Company() *models.CompanyBilling { return tx.company }

func (tx *companyTx) SaveCompany(ctx context.Context) error {
	tx.saved = true
	return nil
}

func (tx *companyTx) FindUsageByIdempotencyKey(ctx context.Context, key string) (*models.UsageRecord, error) {
	for _, rec := range tx.usage {
		if rec.IdempotencyKey != nil && *rec.IdempotencyKey == key {
			cp := *rec
			return &cp, nil
		}
	}

	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	rec, ok := tx.store.idem[idemKey{companyID: tx.company.CompanyID, key: key}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (tx *companyTx) InsertUsage(ctx context.Context, rec *models.UsageRecord) error {
	if rec.IdempotencyKey != nil {
		if _, err := tx.FindUsageByIdempotencyKey(ctx, *rec.IdempotencyKey); err == nil {
			return store.ErrDuplicate
		}
	}
	cp := *rec
	tx.usage = append(tx.usage, &cp)
	return nil
}

func (tx *companyTx) InsertRechargeAttempt(ctx context.Context, a *models.RechargeAttempt) error {
	tx.attempts[a.ID] = cloneAttempt(a)
	return nil
}

func (tx *companyTx) GetRechargeAttempt(ctx context.Context, attemptID uuid.UUID) (*models.RechargeAttempt, error) {
	if a, ok := tx.attempts[attemptID]; ok {
		return cloneAttempt(a), nil
	}

	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	a, ok := tx.store.attempts[attemptID]
	if !ok || a.CompanyID != tx.company.CompanyID {
		return nil, store.ErrNotFound
	}
	return cloneAttempt(a), nil
}

func (tx *companyTx) FindRechargeAttemptByRef(ctx context.Context, providerRef string) (*models.RechargeAttempt, error) {
	for _, a := range tx.attempts {
		if a.ProviderRef == providerRef {
			return cloneAttempt(a), nil
		}
	}

	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	for _, a := range tx.store.attempts {
		if a.CompanyID == tx.company.CompanyID && a.ProviderRef == providerRef {
			return cloneAttempt(a), nil
		}
	}
	return nil, store.ErrNotFound
}

func (tx *companyTx) LatestRechargeAttempt(ctx context.Context) (*models.RechargeAttempt, error) {
	var latest *models.RechargeAttempt
	pick := func(a *models.RechargeAttempt) {
		if a.CompanyID == tx.company.CompanyID && (latest == nil || a.CreatedAt.After(latest.CreatedAt)) {
			latest = a
		}
	}
	for _, a := range tx.attempts {
		pick(a)
	}

	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	for id, a := range tx.store.attempts {
		if _, shadowed := tx.attempts[id]; !shadowed {
			pick(a)
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	return cloneAttempt(latest), nil
}

func (tx *companyTx) UpdateRechargeAttempt(ctx context.Context, a *models.RechargeAttempt) error {
	if _, err := tx.GetRechargeAttempt(ctx, a.ID); err != nil {
		return err
	}
	tx.attempts[a.ID] = cloneAttempt(a)
	return nil
}

func (tx *companyTx) commit() error {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	companyID := tx.company.CompanyID
	for _, rec := range tx.usage {
		if rec.IdempotencyKey != nil {
			k := idemKey{companyID: companyID, key: *rec.IdempotencyKey}
			if _, exists := s.idem[k]; exists {
				return store.ErrDuplicate
			}
		}
	}
	for _, rec := range tx.usage {
		s.usage[companyID] = append(s.usage[companyID], rec)
		if rec.IdempotencyKey != nil {
			s.idem[idemKey{companyID: companyID, key: *rec.IdempotencyKey}] = rec
		}
	}
	for id, a := range tx.attempts {
		s.attempts[id] = a
	}
	if tx.saved {
		s.companies[companyID] = tx.company.Clone()
	}
	return nil
}

func sameScope(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func clonePricing(p *models.PricingConfig) *models.PricingConfig {
	out := *p
	if p.CompanyID != nil {
		id := *p.CompanyID
		out.CompanyID = &id
	}
	out.UnitPrices = make(map[models.Category]decimal.Decimal, len(p.UnitPrices))
	for k, v := range p.UnitPrices {
		out.UnitPrices[k] = v
	}
	return &out
}

func cloneInvoice(inv *models.Invoice) *models.Invoice {
	out := *inv
	out.LineItems = append([]models.LineItem(nil), inv.LineItems...)
	if inv.TaxRate != nil {
		r := *inv.TaxRate
		out.TaxRate = &r
	}
	if inv.RefundOf != nil {
		id := *inv.RefundOf
		out.RefundOf = &id
	}
	return &out
}

func cloneAttempt(a *models.RechargeAttempt) *models.RechargeAttempt {
	out := *a
	if a.CompletedAt != nil {
		t := *a.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}
