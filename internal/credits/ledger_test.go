package credits_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"legalcase-jobs/internal/credits"
	"legalcase-jobs/internal/models"
	"legalcase-jobs/internal/store/memstore"
)

const ws = "ws-1"

func newLedger(t *testing.T, balance int64) (*credits.Ledger, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	st.SetBalance(ws, models.CategoryReport, decimal.NewFromInt(balance))
	return credits.NewLedger(st, credits.DefaultPricing(), nil), st
}

func balance(t *testing.T, l *credits.Ledger) decimal.Decimal {
	t.Helper()
	b, err := l.Balance(context.Background(), ws, models.CategoryReport)
	require.NoError(t, err)
	return b
}

func TestCalculateCost(t *testing.T) {
	l, _ := newLedger(t, 0)
	assert.True(t, l.CalculateCost(3).Equal(decimal.NewFromInt(3)))
	assert.True(t, l.CalculateCost(0).IsZero())
	assert.Equal(t, "1.5", l.OffPeakCost(3).String())
}

func TestParsePricing(t *testing.T) {
	p, err := credits.ParsePricing("2.5", "0.4")
	require.NoError(t, err)
	assert.Equal(t, "2.5", p.UnitPrice.String())
	assert.Equal(t, "0.4", p.OffPeakMultiplier.String())

	_, err = credits.ParsePricing("abc", "0.5")
	assert.Error(t, err)
	_, err = credits.ParsePricing("0", "0.5")
	assert.ErrorIs(t, err, credits.ErrInvalidAmount)
}

func TestHoldDoesNotMoveBalanceButLimitsNewHolds(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, 10)

	_, err := l.PlaceHold(ctx, credits.HoldRequest{WorkspaceID: ws, Amount: decimal.NewFromInt(7), Category: models.CategoryReport})
	require.NoError(t, err)
	assert.True(t, balance(t, l).Equal(decimal.NewFromInt(10)))

	_, err = l.PlaceHold(ctx, credits.HoldRequest{WorkspaceID: ws, Amount: decimal.NewFromInt(4), Category: models.CategoryReport})
	require.ErrorIs(t, err, credits.ErrInsufficientCredits)
}

func TestReleaseReservationIsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, 10)

	hold, err := l.PlaceHold(ctx, credits.HoldRequest{WorkspaceID: ws, Amount: decimal.NewFromInt(3), Category: models.CategoryReport})
	require.NoError(t, err)

	released, err := l.ReleaseReservation(ctx, hold.ID)
	require.NoError(t, err)
	assert.True(t, released)

	released, err = l.ReleaseReservation(ctx, hold.ID)
	require.NoError(t, err)
	assert.False(t, released)
}

func TestDebitRejectsOverdraw(t *testing.T) {
	ctx := context.Background()
	l, st := newLedger(t, 2)

	_, err := l.DebitCredits(ctx, credits.Entry{WorkspaceID: ws, Amount: decimal.NewFromInt(3), Category: models.CategoryReport, Reason: "x"})
	require.ErrorIs(t, err, credits.ErrInsufficientCredits)
	assert.True(t, balance(t, l).Equal(decimal.NewFromInt(2)))

	txs, err := st.Transactions(ctx, ws)
	require.NoError(t, err)
	assert.Empty(t, txs)

	_, err = l.DebitCredits(ctx, credits.Entry{WorkspaceID: ws, Amount: decimal.Zero, Category: models.CategoryReport})
	require.ErrorIs(t, err, credits.ErrInvalidAmount)
}

func TestChargeScenarioSuccessKeepsDebit(t *testing.T) {
	ctx := context.Background()
	l, st := newLedger(t, 10)
	cost := l.CalculateCost(3)
	jobID := uuid.New().String()

	hold, err := l.PlaceHold(ctx, credits.HoldRequest{WorkspaceID: ws, Amount: cost, Category: models.CategoryReport, JobID: jobID})
	require.NoError(t, err)

	charge := l.NewCharge(credits.ChargeParams{JobID: jobID, WorkspaceID: ws, HoldID: hold.ID, Amount: cost, Category: models.CategoryReport})
	require.NoError(t, charge.Debit(ctx))
	assert.True(t, balance(t, l).Equal(decimal.NewFromInt(7)))

	h, _, _ := st.GetHold(ctx, hold.ID)
	assert.True(t, h.Released)

	charge.Commit()
	require.NoError(t, charge.Close(ctx))
	assert.True(t, balance(t, l).Equal(decimal.NewFromInt(7)))
}

func TestChargeScenarioCacheHitRefunds(t *testing.T) {
	ctx := context.Background()
	l, st := newLedger(t, 10)
	cost := l.CalculateCost(3)
	jobID := uuid.New().String()
	hold, err := l.PlaceHold(ctx, credits.HoldRequest{WorkspaceID: ws, Amount: cost, Category: models.CategoryReport, JobID: jobID})
	require.NoError(t, err)

	charge := l.NewCharge(credits.ChargeParams{JobID: jobID, WorkspaceID: ws, HoldID: hold.ID, Amount: cost, Category: models.CategoryReport})
	require.NoError(t, charge.Debit(ctx))
	require.NoError(t, charge.Refund(ctx, credits.ReasonCacheHit))
	charge.Commit()
	require.NoError(t, charge.Close(ctx))

	assert.True(t, balance(t, l).Equal(decimal.NewFromInt(10)))
	txs, err := st.Transactions(ctx, ws)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, models.TxDebit, txs[0].Type)
	assert.Equal(t, models.TxCredit, txs[1].Type)
	assert.Equal(t, credits.ReasonCacheHit, txs[1].Reason)
	assert.Equal(t, jobID, txs[1].Metadata["jobId"])
}

func TestChargeCloseRollsBackUncommittedDebit(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, 10)
	jobID := uuid.New().String()

	charge := l.NewCharge(credits.ChargeParams{JobID: jobID, WorkspaceID: ws, Amount: decimal.NewFromInt(3), Category: models.CategoryReport})
	require.NoError(t, charge.Debit(ctx))
	require.NoError(t, charge.Close(ctx))
	require.NoError(t, charge.Close(ctx))
	assert.True(t, balance(t, l).Equal(decimal.NewFromInt(10)))
}

func TestChargeReusesDebitOfCrashedAttempt(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, 10)
	jobID := uuid.New().String()
	params := credits.ChargeParams{JobID: jobID, WorkspaceID: ws, Amount: decimal.NewFromInt(3), Category: models.CategoryReport}

	// First attempt debits and never closes.
	require.NoError(t, l.NewCharge(params).Debit(ctx))
	assert.True(t, balance(t, l).Equal(decimal.NewFromInt(7)))

	retry := l.NewCharge(params)
	require.NoError(t, retry.Debit(ctx))
	assert.True(t, retry.Recovered())
	assert.True(t, balance(t, l).Equal(decimal.NewFromInt(7)))

	retry.Commit()
	require.NoError(t, retry.Close(ctx))
	assert.True(t, balance(t, l).Equal(decimal.NewFromInt(7)))
}

func TestChargeInsufficientAtDebitReleasesHold(t *testing.T) {
	ctx := context.Background()
	l, st := newLedger(t, 3)
	jobID := uuid.New().String()
	hold, err := l.PlaceHold(ctx, credits.HoldRequest{WorkspaceID: ws, Amount: decimal.NewFromInt(3), Category: models.CategoryReport, JobID: jobID})
	require.NoError(t, err)

	// Balance drops between hold and debit.
	st.SetBalance(ws, models.CategoryReport, decimal.NewFromInt(1))

	charge := l.NewCharge(credits.ChargeParams{JobID: jobID, WorkspaceID: ws, HoldID: hold.ID, Amount: decimal.NewFromInt(3), Category: models.CategoryReport})
	require.ErrorIs(t, charge.Debit(ctx), credits.ErrInsufficientCredits)
	require.NoError(t, charge.Close(ctx))

	h, _, _ := st.GetHold(ctx, hold.ID)
	assert.True(t, h.Released)
	assert.True(t, balance(t, l).Equal(decimal.NewFromInt(1)))
}

func TestConcurrentHoldsNeverOverspend(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, 10)
	const n = 8

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted, rejected := 0, 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			jobID := uuid.New().String()
			hold, err := l.PlaceHold(ctx, credits.HoldRequest{WorkspaceID: ws, Amount: decimal.NewFromInt(3), Category: models.CategoryReport, JobID: jobID})
			if err != nil {
				mu.Lock()
				rejected++
				mu.Unlock()
				return
			}
			charge := l.NewCharge(credits.ChargeParams{JobID: jobID, WorkspaceID: ws, HoldID: hold.ID, Amount: decimal.NewFromInt(3), Category: models.CategoryReport})
			if err := charge.Debit(ctx); err != nil {
				mu.Lock()
				rejected++
				mu.Unlock()
				return
			}
			charge.Commit()
			_ = charge.Close(ctx)
			mu.Lock()
			accepted++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, accepted)
	assert.Equal(t, n-3, rejected)
	assert.True(t, balance(t, l).Equal(decimal.NewFromInt(1)))
}

func TestSweepStaleHolds(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	st.SetBalance(ws, models.CategoryReport, decimal.NewFromInt(10))
	l := credits.NewLedger(st, credits.DefaultPricing(), nil)

	old := models.CreditHold{ID: "old", WorkspaceID: ws, Amount: decimal.NewFromInt(2), Category: models.CategoryReport, JobID: "gone", CreatedAt: time.Now().Add(-2 * time.Hour)}
	queued := models.CreditHold{ID: "queued", WorkspaceID: ws, Amount: decimal.NewFromInt(2), Category: models.CategoryReport, JobID: "alive", CreatedAt: time.Now().Add(-2 * time.Hour)}
	fresh := models.CreditHold{ID: "fresh", WorkspaceID: ws, Amount: decimal.NewFromInt(2), Category: models.CategoryReport, CreatedAt: time.Now()}
	for _, h := range []models.CreditHold{old, queued, fresh} {
		require.NoError(t, st.CreateHold(ctx, h))
	}

	n, err := l.SweepStaleHolds(ctx, time.Hour, func(_ context.Context, h models.CreditHold) bool {
		return h.JobID == "alive"
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for id, want := range map[string]bool{"old": true, "queued": false, "fresh": false} {
		h, ok, err := st.GetHold(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, h.Released, id)
	}
}

func TestSweepPagesPastKeptHolds(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	st.SetBalance(ws, models.CategoryReport, decimal.NewFromInt(10000))
	l := credits.NewLedger(st, credits.DefaultPricing(), nil)

	base := time.Now().Add(-48 * time.Hour)
	for i := 0; i < 600; i++ {
		require.NoError(t, st.CreateHold(ctx, models.CreditHold{
			ID:          fmt.Sprintf("delayed-%03d", i),
			WorkspaceID: ws,
			Amount:      decimal.NewFromInt(1),
			Category:    models.CategoryReport,
			JobID:       "alive",
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, st.CreateHold(ctx, models.CreditHold{
		ID: "orphan", WorkspaceID: ws, Amount: decimal.NewFromInt(1), Category: models.CategoryReport,
		JobID: "gone", CreatedAt: time.Now().Add(-2 * time.Hour),
	}))

	n, err := l.SweepStaleHolds(ctx, time.Hour, func(_ context.Context, h models.CreditHold) bool {
		return h.JobID == "alive"
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	h, ok, err := st.GetHold(ctx, "orphan")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, h.Released)
}
