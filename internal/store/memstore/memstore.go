// Package memstore is an in-memory persistence gateway. Every operation takes one
// mutex, which gives the same atomicity the Postgres store gets from transactions.
// It backs tests and STORE_DRIVER=memory.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"legalcase-jobs/internal/credits"
	"legalcase-jobs/internal/models"
)

type balanceKey struct {
	workspace string
	category  models.CreditCategory
}

// Store keeps all records in maps guarded by mu.
type Store struct {
	mu         sync.Mutex
	balances   map[balanceKey]decimal.Decimal
	holds      map[string]models.CreditHold
	txs        []models.CreditTransaction
	cases      map[string]models.Case
	cache      map[string]models.ReportCacheEntry
	movements  []models.ProcessMovement
	deliveries map[string]models.WebhookDeliveryLog
	schedules  map[string]models.ReportSchedule
	audit      []models.AuditLog
}

// New returns an empty store.
func New() *Store {
	return &Store{
		balances:   map[balanceKey]decimal.Decimal{},
		holds:      map[string]models.CreditHold{},
		cases:      map[string]models.Case{},
		cache:      map[string]models.ReportCacheEntry{},
		deliveries: map[string]models.WebhookDeliveryLog{},
		schedules:  map[string]models.ReportSchedule{},
	}
}

// Close is a no-op; it mirrors the Postgres store.
func (s *Store) Close() {}

// SetBalance overwrites a balance. It bypasses the ledger and is meant for seeding.
func (s *Store) SetBalance(workspaceID string, category models.CreditCategory, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[balanceKey{workspaceID, category}] = amount
}

func (s *Store) Balance(_ context.Context, workspaceID string, category models.CreditCategory) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[balanceKey{workspaceID, category}], nil
}

func (s *Store) heldLocked(workspaceID string, category models.CreditCategory, exclude string) decimal.Decimal {
	total := decimal.Zero
	for _, h := range s.holds {
		if h.Released || h.ID == exclude || h.WorkspaceID != workspaceID || h.Category != category {
			continue
		}
		total = total.Add(h.Amount)
	}
	return total
}

func (s *Store) CreateHold(_ context.Context, hold models.CreditHold) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := balanceKey{hold.WorkspaceID, hold.Category}
	available := s.balances[key].Sub(s.heldLocked(hold.WorkspaceID, hold.Category, ""))
	if available.LessThan(hold.Amount) {
		return credits.ErrInsufficientCredits
	}
	s.holds[hold.ID] = hold
	return nil
}

func (s *Store) GetHold(_ context.Context, id string) (models.CreditHold, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.holds[id]
	return h, ok, nil
}

func (s *Store) ReleaseHold(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.holds[id]
	if !ok {
		return false, credits.ErrHoldNotFound
	}
	if h.Released {
		return false, nil
	}
	h.Released = true
	h.ReleasedAt = &at
	s.holds[id] = h
	return true, nil
}

func (s *Store) ApplyDebit(_ context.Context, tx models.CreditTransaction, excludeHold string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := balanceKey{tx.WorkspaceID, tx.Category}
	available := s.balances[key].Sub(s.heldLocked(tx.WorkspaceID, tx.Category, excludeHold))
	if available.LessThan(tx.Amount) {
		return s.balances[key], credits.ErrInsufficientCredits
	}
	s.balances[key] = s.balances[key].Sub(tx.Amount)
	s.txs = append(s.txs, tx)
	return s.balances[key], nil
}

func (s *Store) ApplyCredit(_ context.Context, tx models.CreditTransaction) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := balanceKey{tx.WorkspaceID, tx.Category}
	s.balances[key] = s.balances[key].Add(tx.Amount)
	s.txs = append(s.txs, tx)
	return s.balances[key], nil
}

func (s *Store) OpenHoldsBefore(_ context.Context, before time.Time, after models.HoldCursor, limit int) ([]models.CreditHold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CreditHold
	for _, h := range s.holds {
		if !h.Released && h.CreatedAt.Before(before) && after.After(h) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) JobTransactions(_ context.Context, jobID string) ([]models.CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CreditTransaction
	for _, tx := range s.txs {
		if tx.JobID == jobID {
			out = append(out, tx)
		}
	}
	return out, nil
}

// Transactions returns the ledger of a workspace in insertion order.
func (s *Store) Transactions(_ context.Context, workspaceID string) ([]models.CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CreditTransaction
	for _, tx := range s.txs {
		if tx.WorkspaceID == workspaceID {
			out = append(out, tx)
		}
	}
	return out, nil
}

func copyCase(c models.Case) models.Case {
	if c.Metadata != nil {
		c.Metadata = append([]byte(nil), c.Metadata...)
	}
	return c
}

// SaveCase inserts or replaces a case.
func (s *Store) SaveCase(_ context.Context, c models.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cases[c.ID] = copyCase(c)
	return nil
}

func (s *Store) GetCase(_ context.Context, id string) (models.Case, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[id]
	return copyCase(c), ok, nil
}

// UpdateCase runs fn on a copy of the case and stores the result unless fn fails.
func (s *Store) UpdateCase(_ context.Context, id string, fn func(*models.Case) error) (models.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[id]
	if !ok {
		return models.Case{}, models.ErrCaseNotFound
	}
	c = copyCase(c)
	if err := fn(&c); err != nil {
		return models.Case{}, err
	}
	c.UpdatedAt = time.Now().UTC()
	s.cases[id] = copyCase(c)
	return c, nil
}

func (s *Store) GetEntry(_ context.Context, key string) (models.ReportCacheEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[key]
	return e, ok, nil
}

func (s *Store) PutEntry(_ context.Context, entry models.ReportCacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[entry.CacheKey] = entry
	return nil
}

func (s *Store) DeleteEntry(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, key)
	return nil
}

func (s *Store) RecordMovement(_ context.Context, m models.ProcessMovement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.movements = append(s.movements, m)
	return nil
}

func (s *Store) LatestMovement(_ context.Context, workspaceID string, processIDs []string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[string]struct{}, len(processIDs))
	for _, id := range processIDs {
		wanted[id] = struct{}{}
	}
	var latest time.Time
	found := false
	for _, m := range s.movements {
		if m.WorkspaceID != workspaceID {
			continue
		}
		if _, ok := wanted[m.ProcessID]; !ok {
			continue
		}
		if !found || m.OccurredAt.After(latest) {
			latest = m.OccurredAt
			found = true
		}
	}
	return latest, found, nil
}

func (s *Store) CreateDelivery(_ context.Context, d models.WebhookDeliveryLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries[d.ID] = d
	return nil
}

func (s *Store) UpdateDelivery(_ context.Context, d models.WebhookDeliveryLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries[d.ID] = d
	return nil
}

func (s *Store) GetDelivery(_ context.Context, id string) (models.WebhookDeliveryLog, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	return d, ok, nil
}

func (s *Store) DueDeliveries(_ context.Context, now time.Time, limit int) ([]models.WebhookDeliveryLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.WebhookDeliveryLog
	for _, d := range s.deliveries {
		if d.Status == models.DeliveryRetrying && d.NextRetryAt != nil && !d.NextRetryAt.After(now) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(*out[j].NextRetryAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) SaveSchedule(_ context.Context, sc models.ReportSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[sc.ID] = sc
	return nil
}

func (s *Store) DueSchedules(_ context.Context, now time.Time) ([]models.ReportSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ReportSchedule
	for _, sc := range s.schedules {
		if sc.Active && !sc.NextRunAt.After(now) {
			out = append(out, sc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(out[j].NextRunAt) })
	return out, nil
}

func (s *Store) MarkScheduleRun(_ context.Context, id string, ranAt, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	if !ok {
		return nil
	}
	sc.LastRunAt = &ranAt
	sc.NextRunAt = next
	s.schedules[id] = sc
	return nil
}

func (s *Store) AppendAudit(_ context.Context, entry models.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, entry)
	return nil
}

// AuditTrail lists the recorded events of a job.
func (s *Store) AuditTrail(_ context.Context, jobID string) ([]models.AuditLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AuditLog
	for _, a := range s.audit {
		if a.JobID == jobID {
			out = append(out, a)
		}
	}
	return out, nil
}
