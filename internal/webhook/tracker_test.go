package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"legalcase-jobs/internal/models"
	"legalcase-jobs/internal/store/memstore"
)

func TestRetryDelayLadder(t *testing.T) {
	want := []int64{5000, 30000, 300000, 1800000, 86400000}
	for i, ms := range want {
		assert.Equal(t, ms, RetryDelay(i).Milliseconds(), "attempt %d", i)
	}
	assert.Equal(t, int64(86400000), RetryDelay(5).Milliseconds())
	assert.Equal(t, int64(86400000), RetryDelay(50).Milliseconds())
	assert.Equal(t, int64(5000), RetryDelay(-1).Milliseconds())
}

func newTracker(t *testing.T) (*Tracker, *memstore.Store, *time.Time) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	st := memstore.New()
	tr := NewTracker(st, client, Options{MaxRetries: 5, DedupeWindow: 5 * time.Minute}, nil)
	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }
	return tr, st, &now
}

func TestLogDeliveryClassifiesOutcome(t *testing.T) {
	ctx := context.Background()
	tr, st, now := newTracker(t)

	ok, err := tr.LogDelivery(ctx, models.WebhookDeliveryLog{EventType: "x"}, 0, nil, 204)
	require.NoError(t, err)
	assert.Equal(t, models.DeliverySuccess, ok.Status)
	require.NotNil(t, ok.DeliveredAt)
	assert.Nil(t, ok.NextRetryAt)

	retrying, err := tr.LogDelivery(ctx, models.WebhookDeliveryLog{EventType: "x"}, 2, errors.New("boom"), 500)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryRetrying, retrying.Status)
	require.NotNil(t, retrying.NextRetryAt)
	assert.Equal(t, now.Add(5*time.Minute), *retrying.NextRetryAt)
	assert.Equal(t, "boom", *retrying.Error)

	failed, err := tr.LogDelivery(ctx, retrying, 5, errors.New("boom"), 500)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryFailed, failed.Status)
	assert.Nil(t, failed.NextRetryAt)
	assert.Equal(t, retrying.ID, failed.ID)

	stored, found, err := st.GetDelivery(ctx, failed.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, models.DeliveryFailed, stored.Status)
	assert.Equal(t, 5, stored.RetryCount)
}

func TestNon2xxWithoutErrorIsNotSuccess(t *testing.T) {
	tr, _, _ := newTracker(t)
	d, err := tr.LogDelivery(context.Background(), models.WebhookDeliveryLog{}, 0, nil, 404)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryRetrying, d.Status)
}

func TestIsDuplicateWithinWindow(t *testing.T) {
	ctx := context.Background()
	tr, _, _ := newTracker(t)
	ts := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	dup, err := tr.IsDuplicate(ctx, "process.movement", "p1", ts)
	require.NoError(t, err)
	assert.False(t, dup)

	dup, err = tr.IsDuplicate(ctx, "process.movement", "p1", ts.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, dup)

	dup, err = tr.IsDuplicate(ctx, "process.movement", "p2", ts)
	require.NoError(t, err)
	assert.False(t, dup)

	dup, err = tr.IsDuplicate(ctx, "other", "p1", ts)
	require.NoError(t, err)
	assert.False(t, dup)

	dup, err = tr.IsDuplicate(ctx, "process.movement", "p1", ts.Add(10*time.Minute))
	require.NoError(t, err)
	assert.False(t, dup)
}

func movementEvent(t *testing.T, processID string, ts time.Time) models.WebhookEvent {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"workspaceId": "ws",
		"processId":   processID,
		"description": "Juntada de petição",
		"occurredAt":  ts,
	})
	require.NoError(t, err)
	return models.WebhookEvent{Type: EventProcessMovement, EntityKey: processID, Timestamp: ts, Payload: payload}
}

func TestReceiveRecordsMovementAndSkipsDuplicate(t *testing.T) {
	ctx := context.Background()
	tr, st, now := newTracker(t)
	tr.Handle(EventProcessMovement, MovementHandler(st))

	d, err := tr.Receive(ctx, movementEvent(t, "p1", *now))
	require.NoError(t, err)
	assert.Equal(t, models.DeliverySuccess, d.Status)

	latest, found, err := st.LatestMovement(ctx, "ws", []string{"p1"})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, *now, latest)

	again, err := tr.Receive(ctx, movementEvent(t, "p1", *now))
	require.NoError(t, err)
	assert.Equal(t, models.DeliverySkipped, again.Status)

	unknown, err := tr.Receive(ctx, models.WebhookEvent{Type: "nope", EntityKey: "k", Timestamp: *now})
	require.NoError(t, err)
	assert.Equal(t, models.DeliverySkipped, unknown.Status)
}

func TestProcessDueRedeliversUntilSuccess(t *testing.T) {
	ctx := context.Background()
	tr, st, now := newTracker(t)
	calls := 0
	tr.Handle("flaky", func(context.Context, models.WebhookEvent) error {
		calls++
		if calls < 3 {
			return errors.New("downstream unavailable")
		}
		return nil
	})

	d, err := tr.Receive(ctx, models.WebhookEvent{Type: "flaky", EntityKey: "e", Timestamp: *now, Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryRetrying, d.Status)

	n, err := tr.ProcessDue(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	*now = now.Add(5 * time.Second)
	n, err = tr.ProcessDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	d, _, _ = st.GetDelivery(ctx, d.ID)
	assert.Equal(t, models.DeliveryRetrying, d.Status)
	assert.Equal(t, 1, d.RetryCount)
	assert.Equal(t, now.Add(30*time.Second), *d.NextRetryAt)

	*now = now.Add(30 * time.Second)
	_, err = tr.ProcessDue(ctx, 10)
	require.NoError(t, err)
	d, _, _ = st.GetDelivery(ctx, d.ID)
	assert.Equal(t, models.DeliverySuccess, d.Status)
	assert.Equal(t, 3, calls)
}

func TestProcessDueRunsEachAttemptOnceAcrossInstances(t *testing.T) {
	ctx := context.Background()
	tr, st, now := newTracker(t)
	other := NewTracker(st, tr.redis, Options{MaxRetries: 5}, nil)
	other.now = tr.now

	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	handler := func(context.Context, models.WebhookEvent) error {
		if calls.Add(1) == 1 {
			return errors.New("downstream unavailable")
		}
		close(entered)
		<-release
		return nil
	}
	tr.Handle("flaky", handler)
	other.Handle("flaky", handler)

	d, err := tr.Receive(ctx, models.WebhookEvent{Type: "flaky", EntityKey: "e", Timestamp: *now, Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	require.Equal(t, models.DeliveryRetrying, d.Status)
	*now = now.Add(5 * time.Second)

	done := make(chan int, 1)
	go func() {
		n, _ := tr.ProcessDue(ctx, 10)
		done <- n
	}()
	<-entered

	n, err := other.ProcessDue(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
	close(release)
	assert.Equal(t, 1, <-done)
	assert.EqualValues(t, 2, calls.Load())

	d, _, _ = st.GetDelivery(ctx, d.ID)
	assert.Equal(t, models.DeliverySuccess, d.Status)
}

func TestProcessDueSkipsEventsWithoutHandler(t *testing.T) {
	ctx := context.Background()
	tr, st, now := newTracker(t)
	tr.Handle("gone", func(context.Context, models.WebhookEvent) error { return errors.New("boom") })

	d, err := tr.Receive(ctx, models.WebhookEvent{Type: "gone", EntityKey: "e", Timestamp: *now, Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	require.Equal(t, models.DeliveryRetrying, d.Status)

	delete(tr.handlers, "gone")
	*now = now.Add(5 * time.Second)
	n, err := tr.ProcessDue(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	d, _, _ = st.GetDelivery(ctx, d.ID)
	assert.Equal(t, models.DeliverySkipped, d.Status)
	assert.Nil(t, d.NextRetryAt)
	due, err := st.DueDeliveries(ctx, now.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestSignerCanonicalizesPayload(t *testing.T) {
	s := NewSigner("shh")
	sig, err := s.Sign([]byte(`{"b":1,"a":{"y":2.50,"x":"é"}}`))
	require.NoError(t, err)
	assert.Contains(t, sig, SignaturePrefix)

	require.NoError(t, s.Verify([]byte(`{ "a": {"x":"é", "y":2.50}, "b": 1 }`), sig))
	require.NoError(t, s.Verify([]byte(`{"b":1,"a":{"y":2.50,"x":"é"}}`), sig[len(SignaturePrefix):]))

	assert.ErrorIs(t, s.Verify([]byte(`{"b":2,"a":{"y":2.50,"x":"é"}}`), sig), ErrInvalidSignature)
	assert.ErrorIs(t, NewSigner("other").Verify([]byte(`{"b":1,"a":{"y":2.50,"x":"é"}}`), sig), ErrInvalidSignature)
	assert.ErrorIs(t, s.Verify([]byte(`not json`), sig), ErrInvalidSignature)
	assert.ErrorIs(t, NewSigner("").Verify([]byte(`{}`), sig), ErrInvalidSignature)
}
