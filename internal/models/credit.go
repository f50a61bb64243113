package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// CreditCategory separates the two balances a workspace holds.
type CreditCategory string

const (
	CategoryReport CreditCategory = "report-credit"
	CategoryFull   CreditCategory = "full-credit"
)

func (c CreditCategory) Validate() error {
	switch c {
	case CategoryReport, CategoryFull:
		return nil
	}
	return fmt.Errorf("unknown credit category %q", string(c))
}

// TransactionType is the ledger side of an entry.
type TransactionType string

const (
	TxDebit  TransactionType = "debit"
	TxCredit TransactionType = "credit"
)

// CreditHold is a temporary claim against a balance. Released exactly once.
type CreditHold struct {
	ID          string          `json:"id"`
	WorkspaceID string          `json:"workspace_id"`
	Amount      decimal.Decimal `json:"amount"`
	Category    CreditCategory  `json:"category"`
	JobID       string          `json:"job_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	Released    bool            `json:"released"`
	ReleasedAt  *time.Time      `json:"released_at,omitempty"`
}

// CreditTransaction is an append-only ledger entry.
type CreditTransaction struct {
	ID          string            `json:"id"`
	WorkspaceID string            `json:"workspace_id"`
	Type        TransactionType   `json:"type"`
	Category    CreditCategory    `json:"category"`
	Amount      decimal.Decimal   `json:"amount"`
	Reason      string            `json:"reason"`
	JobID       string            `json:"job_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// HoldCursor marks a position in the (created_at, id) ordering of holds. The zero
// value starts from the oldest hold.
type HoldCursor struct {
	CreatedAt time.Time
	ID        string
}

// After reports whether h sorts after the cursor.
func (c HoldCursor) After(h CreditHold) bool {
	if h.CreatedAt.Equal(c.CreatedAt) {
		return h.ID > c.ID
	}
	return h.CreatedAt.After(c.CreatedAt)
}
