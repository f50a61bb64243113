package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"legalcase-jobs/internal/credits"
	"legalcase-jobs/internal/models"
)

// SetBalance overwrites a balance. It bypasses the ledger and is meant for seeding.
func (s *Store) SetBalance(ctx context.Context, workspaceID string, category models.CreditCategory, amount decimal.Decimal) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO credit_balances (workspace_id, category, balance, updated_at)
		VALUES ($1, $2, $3::numeric, NOW())
		ON CONFLICT (workspace_id, category) DO UPDATE SET balance = EXCLUDED.balance, updated_at = NOW()
	`, workspaceID, string(category), amount.String())
	if err != nil {
		return fmt.Errorf("set balance: %w", err)
	}
	return nil
}

func (s *Store) Balance(ctx context.Context, workspaceID string, category models.CreditCategory) (decimal.Decimal, error) {
	var raw string
	err := s.pool.QueryRow(ctx, `
		SELECT balance::text FROM credit_balances WHERE workspace_id = $1 AND category = $2
	`, workspaceID, string(category)).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("query balance: %w", err)
	}
	return decimal.NewFromString(raw)
}

// lockAvailable locks the balance row and returns the balance and the sum of
// open holds other than excludeHold. A missing balance row is created at zero
// so the lock still serializes concurrent writers.
func lockAvailable(ctx context.Context, tx pgx.Tx, workspaceID string, category models.CreditCategory, excludeHold string) (decimal.Decimal, decimal.Decimal, error) {
	if _, err := tx.Exec(ctx, `
		INSERT INTO credit_balances (workspace_id, category, balance, updated_at)
		VALUES ($1, $2, 0, NOW())
		ON CONFLICT (workspace_id, category) DO NOTHING
	`, workspaceID, string(category)); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("ensure balance row: %w", err)
	}
	var rawBalance string
	if err := tx.QueryRow(ctx, `
		SELECT balance::text FROM credit_balances
		WHERE workspace_id = $1 AND category = $2
		FOR UPDATE
	`, workspaceID, string(category)).Scan(&rawBalance); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("lock balance: %w", err)
	}
	var rawHeld string
	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::text FROM credit_holds
		WHERE workspace_id = $1 AND category = $2 AND released = FALSE AND id <> $3
	`, workspaceID, string(category), excludeHold).Scan(&rawHeld); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("sum holds: %w", err)
	}
	balance, err := decimal.NewFromString(rawBalance)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	held, err := decimal.NewFromString(rawHeld)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return balance, held, nil
}

func (s *Store) CreateHold(ctx context.Context, hold models.CreditHold) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	balance, held, err := lockAvailable(ctx, tx, hold.WorkspaceID, hold.Category, "")
	if err != nil {
		return err
	}
	if balance.Sub(held).LessThan(hold.Amount) {
		return credits.ErrInsufficientCredits
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO credit_holds (id, workspace_id, category, amount, job_id, released, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5, FALSE, $6)
	`, hold.ID, hold.WorkspaceID, string(hold.Category), hold.Amount.String(), emptyToNil(hold.JobID), hold.CreatedAt); err != nil {
		return fmt.Errorf("insert hold: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const holdColumns = `id, workspace_id, category, amount::text, job_id, released, created_at, released_at`

func scanHold(row pgx.Row) (models.CreditHold, error) {
	var h models.CreditHold
	var category, amount string
	var jobID pgtype.Text
	var releasedAt pgtype.Timestamptz
	if err := row.Scan(&h.ID, &h.WorkspaceID, &category, &amount, &jobID, &h.Released, &h.CreatedAt, &releasedAt); err != nil {
		return models.CreditHold{}, err
	}
	h.Category = models.CreditCategory(category)
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return models.CreditHold{}, fmt.Errorf("parse hold amount: %w", err)
	}
	h.Amount = d
	h.JobID = jobID.String
	h.ReleasedAt = timePtr(releasedAt)
	return h, nil
}

func (s *Store) GetHold(ctx context.Context, id string) (models.CreditHold, bool, error) {
	h, err := scanHold(s.pool.QueryRow(ctx, `SELECT `+holdColumns+` FROM credit_holds WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CreditHold{}, false, nil
	}
	if err != nil {
		return models.CreditHold{}, false, fmt.Errorf("query hold: %w", err)
	}
	return h, true, nil
}

func (s *Store) ReleaseHold(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE credit_holds SET released = TRUE, released_at = $2
		WHERE id = $1 AND released = FALSE
	`, id, at)
	if err != nil {
		return false, fmt.Errorf("release hold: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM credit_holds WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("query hold: %w", err)
	}
	if !exists {
		return false, credits.ErrHoldNotFound
	}
	return false, nil
}

func (s *Store) ApplyDebit(ctx context.Context, t models.CreditTransaction, excludeHold string) (decimal.Decimal, error) {
	return s.applyTransaction(ctx, t, excludeHold, true)
}

func (s *Store) ApplyCredit(ctx context.Context, t models.CreditTransaction) (decimal.Decimal, error) {
	return s.applyTransaction(ctx, t, "", false)
}

func (s *Store) applyTransaction(ctx context.Context, t models.CreditTransaction, excludeHold string, debit bool) (decimal.Decimal, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return decimal.Zero, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	balance, held, err := lockAvailable(ctx, tx, t.WorkspaceID, t.Category, excludeHold)
	if err != nil {
		return decimal.Zero, err
	}
	next := balance.Add(t.Amount)
	if debit {
		if balance.Sub(held).LessThan(t.Amount) {
			return balance, credits.ErrInsufficientCredits
		}
		next = balance.Sub(t.Amount)
	}

	var meta []byte
	if len(t.Metadata) > 0 {
		if meta, err = json.Marshal(t.Metadata); err != nil {
			return decimal.Zero, fmt.Errorf("marshal metadata: %w", err)
		}
	}
	if _, err := tx.Exec(ctx, `
		UPDATE credit_balances SET balance = $3::numeric, updated_at = NOW()
		WHERE workspace_id = $1 AND category = $2
	`, t.WorkspaceID, string(t.Category), next.String()); err != nil {
		return decimal.Zero, fmt.Errorf("update balance: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO credit_transactions (id, workspace_id, type, category, amount, reason, job_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9)
	`, t.ID, t.WorkspaceID, string(t.Type), string(t.Category), t.Amount.String(), t.Reason, emptyToNil(t.JobID), meta, t.CreatedAt); err != nil {
		return decimal.Zero, fmt.Errorf("insert transaction: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return decimal.Zero, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

// OpenHoldsBefore pages through unreleased holds created before the cutoff in
// (created_at, id) order, starting after the cursor.
func (s *Store) OpenHoldsBefore(ctx context.Context, before time.Time, after models.HoldCursor, limit int) ([]models.CreditHold, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+holdColumns+` FROM credit_holds
		WHERE released = FALSE AND created_at < $1 AND (created_at, id) > ($2, $3)
		ORDER BY created_at, id
		LIMIT $4
	`, before, after.CreatedAt, after.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("query open holds: %w", err)
	}
	defer rows.Close()
	var out []models.CreditHold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, fmt.Errorf("scan hold: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

const txColumns = `id, workspace_id, type, category, amount::text, reason, job_id, metadata, created_at`

func (s *Store) queryTransactions(ctx context.Context, where string, arg string) ([]models.CreditTransaction, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+txColumns+` FROM credit_transactions WHERE `+where+` ORDER BY seq`, arg)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()
	var out []models.CreditTransaction
	for rows.Next() {
		var t models.CreditTransaction
		var typ, category, amount string
		var jobID pgtype.Text
		var meta []byte
		if err := rows.Scan(&t.ID, &t.WorkspaceID, &typ, &category, &amount, &t.Reason, &jobID, &meta, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Type = models.TransactionType(typ)
		t.Category = models.CreditCategory(category)
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse amount: %w", err)
		}
		t.JobID = jobID.String
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &t.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) JobTransactions(ctx context.Context, jobID string) ([]models.CreditTransaction, error) {
	return s.queryTransactions(ctx, "job_id = $1", jobID)
}

// Transactions returns the ledger of a workspace in insertion order.
func (s *Store) Transactions(ctx context.Context, workspaceID string) ([]models.CreditTransaction, error) {
	return s.queryTransactions(ctx, "workspace_id = $1", workspaceID)
}
