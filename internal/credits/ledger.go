// Package credits implements workspace credit accounting for billable jobs: cost
// calculation, holds placed when work is accepted, debits when it runs, and refunds
// when it turns out to cost nothing or fails.
package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"legalcase-jobs/internal/logger"
	"legalcase-jobs/internal/models"
	"legalcase-jobs/internal/telemetry"
)

var (
	// ErrInsufficientCredits is returned when a hold or debit would overdraw a balance.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrInvalidAmount rejects zero or negative ledger amounts.
	ErrInvalidAmount = errors.New("credit amount must be positive")
	// ErrHoldNotFound is returned for an unknown hold id.
	ErrHoldNotFound = errors.New("credit hold not found")
)

// Store is the persistence the ledger relies on. ApplyDebit and CreateHold must
// check the balance and write in one atomic step; concurrent callers for the same
// workspace are serialized by the store, not by the ledger.
type Store interface {
	Balance(ctx context.Context, workspaceID string, category models.CreditCategory) (decimal.Decimal, error)
	// CreateHold inserts the hold when balance minus open holds covers it,
	// otherwise it returns ErrInsufficientCredits.
	CreateHold(ctx context.Context, hold models.CreditHold) error
	GetHold(ctx context.Context, id string) (models.CreditHold, bool, error)
	// ReleaseHold marks an open hold released and reports whether this call did it.
	ReleaseHold(ctx context.Context, id string, at time.Time) (bool, error)
	// ApplyDebit subtracts tx.Amount when balance minus open holds other than
	// excludeHold covers it, appends tx and returns the new balance.
	ApplyDebit(ctx context.Context, tx models.CreditTransaction, excludeHold string) (decimal.Decimal, error)
	// ApplyCredit adds tx.Amount, appends tx and returns the new balance.
	ApplyCredit(ctx context.Context, tx models.CreditTransaction) (decimal.Decimal, error)
	OpenHoldsBefore(ctx context.Context, before time.Time, after models.HoldCursor, limit int) ([]models.CreditHold, error)
	JobTransactions(ctx context.Context, jobID string) ([]models.CreditTransaction, error)
}

// Pricing converts work units into credits.
type Pricing struct {
	UnitPrice         decimal.Decimal
	OffPeakMultiplier decimal.Decimal
}

// DefaultPricing charges one credit per unit and half price off-peak.
func DefaultPricing() Pricing {
	return Pricing{UnitPrice: decimal.NewFromInt(1), OffPeakMultiplier: decimal.RequireFromString("0.5")}
}

// ParsePricing reads the unit price and off-peak multiplier from their decimal text.
func ParsePricing(unitPrice, offPeakMultiplier string) (Pricing, error) {
	unit, err := decimal.NewFromString(unitPrice)
	if err != nil {
		return Pricing{}, fmt.Errorf("parse unit price %q: %w", unitPrice, err)
	}
	mult, err := decimal.NewFromString(offPeakMultiplier)
	if err != nil {
		return Pricing{}, fmt.Errorf("parse off-peak multiplier %q: %w", offPeakMultiplier, err)
	}
	if !unit.IsPositive() || !mult.IsPositive() {
		return Pricing{}, ErrInvalidAmount
	}
	return Pricing{UnitPrice: unit, OffPeakMultiplier: mult}, nil
}

// Ledger applies credit operations against a Store.
type Ledger struct {
	store   Store
	pricing Pricing
	log     logger.Logger
	now     func() time.Time
}

// NewLedger builds a ledger. Zero pricing fields fall back to DefaultPricing.
func NewLedger(store Store, pricing Pricing, log logger.Logger) *Ledger {
	def := DefaultPricing()
	if !pricing.UnitPrice.IsPositive() {
		pricing.UnitPrice = def.UnitPrice
	}
	if !pricing.OffPeakMultiplier.IsPositive() {
		pricing.OffPeakMultiplier = def.OffPeakMultiplier
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Ledger{store: store, pricing: pricing, log: log, now: time.Now}
}

// CalculateCost prices units of work at the standard rate.
func (l *Ledger) CalculateCost(units int) decimal.Decimal {
	if units <= 0 {
		return decimal.Zero
	}
	return l.pricing.UnitPrice.Mul(decimal.NewFromInt(int64(units))).Round(2)
}

// OffPeakCost prices units of work deferred to the off-peak window.
func (l *Ledger) OffPeakCost(units int) decimal.Decimal {
	return l.CalculateCost(units).Mul(l.pricing.OffPeakMultiplier).Round(2)
}

// Balance returns the current balance of a workspace category.
func (l *Ledger) Balance(ctx context.Context, workspaceID string, category models.CreditCategory) (decimal.Decimal, error) {
	return l.store.Balance(ctx, workspaceID, category)
}

// HoldRequest describes a reservation.
type HoldRequest struct {
	WorkspaceID string
	Amount      decimal.Decimal
	Category    models.CreditCategory
	JobID       string
}

// PlaceHold reserves credits for accepted work so concurrent submissions cannot
// overspend. It does not change the balance.
func (l *Ledger) PlaceHold(ctx context.Context, req HoldRequest) (models.CreditHold, error) {
	if !req.Amount.IsPositive() {
		return models.CreditHold{}, ErrInvalidAmount
	}
	if err := req.Category.Validate(); err != nil {
		return models.CreditHold{}, err
	}
	hold := models.CreditHold{
		ID:          uuid.New().String(),
		WorkspaceID: req.WorkspaceID,
		Amount:      req.Amount,
		Category:    req.Category,
		JobID:       req.JobID,
		CreatedAt:   l.now().UTC(),
	}
	if err := l.store.CreateHold(ctx, hold); err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			return models.CreditHold{}, err
		}
		return models.CreditHold{}, fmt.Errorf("create hold: %w", err)
	}
	l.log.Debug("credit hold placed",
		logger.String("hold_id", hold.ID),
		logger.String("workspace_id", hold.WorkspaceID),
		logger.String("amount", hold.Amount.String()),
	)
	return hold, nil
}

// ReleaseReservation drops a hold. It reports true only for the call that released
// it, so a hold is released exactly once.
func (l *Ledger) ReleaseReservation(ctx context.Context, holdID string) (bool, error) {
	if holdID == "" {
		return false, nil
	}
	released, err := l.store.ReleaseHold(ctx, holdID, l.now().UTC())
	if err != nil {
		return false, fmt.Errorf("release hold %s: %w", holdID, err)
	}
	return released, nil
}

// Entry describes one ledger movement.
type Entry struct {
	WorkspaceID string
	Amount      decimal.Decimal
	Category    models.CreditCategory
	Reason      string
	JobID       string
	// HoldID names the hold a debit converts; it is excluded from the availability check.
	HoldID   string
	Metadata map[string]string
}

func (l *Ledger) transaction(e Entry, typ models.TransactionType) models.CreditTransaction {
	meta := make(map[string]string, len(e.Metadata)+2)
	for k, v := range e.Metadata {
		meta[k] = v
	}
	if e.JobID != "" {
		meta["jobId"] = e.JobID
	}
	if e.HoldID != "" {
		meta["holdId"] = e.HoldID
	}
	return models.CreditTransaction{
		ID:          uuid.New().String(),
		WorkspaceID: e.WorkspaceID,
		Type:        typ,
		Category:    e.Category,
		Amount:      e.Amount,
		Reason:      e.Reason,
		JobID:       e.JobID,
		Metadata:    meta,
		CreatedAt:   l.now().UTC(),
	}
}

// DebitCredits subtracts the amount in one conditional update. A debit that would
// take the balance below zero is rejected with ErrInsufficientCredits.
func (l *Ledger) DebitCredits(ctx context.Context, e Entry) (models.CreditTransaction, error) {
	if !e.Amount.IsPositive() {
		return models.CreditTransaction{}, ErrInvalidAmount
	}
	if err := e.Category.Validate(); err != nil {
		return models.CreditTransaction{}, err
	}
	tx := l.transaction(e, models.TxDebit)
	balance, err := l.store.ApplyDebit(ctx, tx, e.HoldID)
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			l.log.Warn("debit rejected",
				logger.String("workspace_id", e.WorkspaceID),
				logger.String("amount", e.Amount.String()),
				logger.String("job_id", e.JobID),
			)
			return models.CreditTransaction{}, err
		}
		return models.CreditTransaction{}, fmt.Errorf("apply debit: %w", err)
	}
	telemetry.CreditDebits.WithLabelValues(string(e.Category)).Inc()
	l.log.Info("credits debited",
		logger.String("workspace_id", e.WorkspaceID),
		logger.String("amount", e.Amount.String()),
		logger.String("balance", balance.String()),
		logger.String("job_id", e.JobID),
	)
	return tx, nil
}

// CreditCredits adds the amount back. Refunds and rollbacks go through here.
func (l *Ledger) CreditCredits(ctx context.Context, e Entry) (models.CreditTransaction, error) {
	if !e.Amount.IsPositive() {
		return models.CreditTransaction{}, ErrInvalidAmount
	}
	if err := e.Category.Validate(); err != nil {
		return models.CreditTransaction{}, err
	}
	tx := l.transaction(e, models.TxCredit)
	balance, err := l.store.ApplyCredit(ctx, tx)
	if err != nil {
		return models.CreditTransaction{}, fmt.Errorf("apply credit: %w", err)
	}
	telemetry.CreditRefunds.WithLabelValues(string(e.Category), e.Reason).Inc()
	l.log.Info("credits credited",
		logger.String("workspace_id", e.WorkspaceID),
		logger.String("amount", e.Amount.String()),
		logger.String("balance", balance.String()),
		logger.String("reason", e.Reason),
	)
	return tx, nil
}

// NetDebited sums debits minus credits recorded for a job.
func (l *Ledger) NetDebited(ctx context.Context, jobID string) (decimal.Decimal, error) {
	txs, err := l.store.JobTransactions(ctx, jobID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("load job transactions: %w", err)
	}
	net := decimal.Zero
	for _, tx := range txs {
		switch tx.Type {
		case models.TxDebit:
			net = net.Add(tx.Amount)
		case models.TxCredit:
			net = net.Sub(tx.Amount)
		}
	}
	return net, nil
}

// sweepPageSize is how many stale holds one store read returns.
const sweepPageSize = 500

// SweepStaleHolds releases open holds older than maxAge. keep may veto holds whose
// job is still queued; it is consulted before every release. Vetoed holds are
// paged past, so they never hide newer stale holds.
func (l *Ledger) SweepStaleHolds(ctx context.Context, maxAge time.Duration, keep func(context.Context, models.CreditHold) bool) (int, error) {
	cutoff := l.now().Add(-maxAge)
	released := 0
	var cursor models.HoldCursor
	for {
		holds, err := l.store.OpenHoldsBefore(ctx, cutoff, cursor, sweepPageSize)
		if err != nil {
			telemetry.HoldsSwept.Add(float64(released))
			return released, fmt.Errorf("list stale holds: %w", err)
		}
		released += l.releaseStale(ctx, holds, keep)
		if len(holds) < sweepPageSize {
			break
		}
		last := holds[len(holds)-1]
		cursor = models.HoldCursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	telemetry.HoldsSwept.Add(float64(released))
	return released, nil
}

func (l *Ledger) releaseStale(ctx context.Context, holds []models.CreditHold, keep func(context.Context, models.CreditHold) bool) int {
	released := 0
	for _, h := range holds {
		if keep != nil && keep(ctx, h) {
			continue
		}
		ok, err := l.ReleaseReservation(ctx, h.ID)
		if err != nil {
			l.log.Warn("stale hold release failed", logger.String("hold_id", h.ID), logger.Error(err))
			continue
		}
		if ok {
			released++
			l.log.Info("stale hold released",
				logger.String("hold_id", h.ID),
				logger.String("workspace_id", h.WorkspaceID),
				logger.Time("created_at", h.CreatedAt),
			)
		}
	}
	return released
}
