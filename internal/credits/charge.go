package credits

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"legalcase-jobs/internal/logger"
	"legalcase-jobs/internal/models"
)

// Refund reasons recorded on credit transactions.
const (
	ReasonReportGeneration = "report generation"
	ReasonCacheHit         = "cache hit"
	ReasonRollback         = "rollback"
)

// ChargeParams identifies the billable job a Charge settles.
type ChargeParams struct {
	JobID       string
	WorkspaceID string
	HoldID      string
	Amount      decimal.Decimal
	Category    models.CreditCategory
	Reason      string
}

// Charge walks one billable job through hold -> debit -> commit or refund. Close
// must run on every exit path; it refunds an uncommitted debit and releases the hold.
type Charge struct {
	ledger *Ledger
	p      ChargeParams

	mu        sync.Mutex
	debited   bool
	recovered bool
	committed bool
	closed    bool
}

// NewCharge starts reconciliation for a job.
func (l *Ledger) NewCharge(p ChargeParams) *Charge {
	if p.Reason == "" {
		p.Reason = ReasonReportGeneration
	}
	return &Charge{ledger: l, p: p}
}

// Amount is the price of the job.
func (c *Charge) Amount() decimal.Decimal { return c.p.Amount }

// Recovered reports whether Debit reused a debit left by an earlier attempt.
func (c *Charge) Recovered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recovered
}

// Debit converts the hold into a real transaction and releases it. When an earlier
// attempt of the same job already debited and was never refunded, that debit is
// reused instead of charging twice. On ErrInsufficientCredits the hold is released
// and nothing is charged.
func (c *Charge) Debit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.debited || !c.p.Amount.IsPositive() {
		return nil
	}

	net, err := c.ledger.NetDebited(ctx, c.p.JobID)
	if err != nil {
		return err
	}
	if net.GreaterThanOrEqual(c.p.Amount) {
		c.debited = true
		c.recovered = true
		c.ledger.log.Info("reusing debit from earlier attempt",
			logger.String("job_id", c.p.JobID),
			logger.String("amount", net.String()),
		)
		c.releaseHold(ctx)
		return nil
	}

	_, err = c.ledger.DebitCredits(ctx, Entry{
		WorkspaceID: c.p.WorkspaceID,
		Amount:      c.p.Amount,
		Category:    c.p.Category,
		Reason:      c.p.Reason,
		JobID:       c.p.JobID,
		HoldID:      c.p.HoldID,
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			c.releaseHold(ctx)
		}
		return err
	}
	c.debited = true
	c.releaseHold(ctx)
	return nil
}

// Refund credits back a debit. It is a no-op when nothing is debited.
func (c *Charge) Refund(ctx context.Context, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refund(ctx, reason)
}

func (c *Charge) refund(ctx context.Context, reason string) error {
	if !c.debited {
		return nil
	}
	_, err := c.ledger.CreditCredits(ctx, Entry{
		WorkspaceID: c.p.WorkspaceID,
		Amount:      c.p.Amount,
		Category:    c.p.Category,
		Reason:      reason,
		JobID:       c.p.JobID,
	})
	if err != nil {
		return fmt.Errorf("refund job %s: %w", c.p.JobID, err)
	}
	c.debited = false
	return nil
}

// Commit makes the charge final; Close will no longer refund it.
func (c *Charge) Commit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.committed = true
}

// Close rolls back an uncommitted debit and releases any hold still open. Calling
// it more than once is safe.
func (c *Charge) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	var err error
	if !c.committed {
		err = c.refund(ctx, ReasonRollback)
	}
	c.releaseHold(ctx)
	return err
}

func (c *Charge) releaseHold(ctx context.Context) {
	if c.p.HoldID == "" {
		return
	}
	if _, err := c.ledger.ReleaseReservation(ctx, c.p.HoldID); err != nil {
		c.ledger.log.Warn("hold release failed",
			logger.String("hold_id", c.p.HoldID),
			logger.String("job_id", c.p.JobID),
			logger.Error(err),
		)
	}
}
