package circuit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(t *testing.T, client *redis.Client, clock *fakeClock) *Breaker {
	t.Helper()
	b := New(client, Config{Name: "judit", Cooldown: time.Minute, MaxCooldown: 10 * time.Minute, Multiplier: 2}, nil)
	b.now = clock.Now
	return b
}

func newClient(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

type recorder struct {
	mu     sync.Mutex
	events []EventType
}

func (r *recorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev.Type)
}

func (r *recorder) all() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EventType{}, r.events...)
}

func TestClosedByDefault(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(t, newClient(t), &fakeClock{now: time.Now()})

	paused, err := b.IsQueuePaused(ctx)
	require.NoError(t, err)
	assert.False(t, paused)
	require.NoError(t, b.Guard(ctx))

	st, err := b.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, st.State)
	assert.Nil(t, st.NextRetryAt)
}

func TestTripPausesUntilNextRetryThenProbeCloses(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := newTestBreaker(t, newClient(t), clock)
	rec := &recorder{}
	b.Subscribe(rec.record)

	st, err := b.TriggerQuotaExceeded(ctx, errors.New("max requests limit exceeded"))
	require.NoError(t, err)
	assert.Equal(t, StateOpen, st.State)
	require.NotNil(t, st.NextRetryAt)
	assert.Equal(t, clock.Now().Add(time.Minute), *st.NextRetryAt)

	paused, err := b.IsQueuePaused(ctx)
	require.NoError(t, err)
	assert.True(t, paused)

	guardErr := b.Guard(ctx)
	require.ErrorIs(t, guardErr, ErrCircuitOpen)
	var openErr *OpenError
	require.ErrorAs(t, guardErr, &openErr)
	assert.Contains(t, guardErr.Error(), "circuit opened, retry scheduled at")

	// A success before the cooldown elapses does not close the circuit.
	require.NoError(t, b.RecordSuccess(ctx))
	st, _ = b.GetStatus(ctx)
	assert.Equal(t, StateOpen, st.State)

	clock.Advance(time.Minute)
	paused, err = b.IsQueuePaused(ctx)
	require.NoError(t, err)
	assert.False(t, paused)

	require.NoError(t, b.RecordSuccess(ctx))
	st, _ = b.GetStatus(ctx)
	assert.Equal(t, StateClosed, st.State)
	assert.Equal(t, []EventType{EventCircuitOpened, EventQueueResumed}, rec.all())
}

func TestTriggerIsIdempotentWhileOpen(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Now().UTC().Truncate(time.Millisecond)}
	b := newTestBreaker(t, newClient(t), clock)
	rec := &recorder{}
	b.Subscribe(rec.record)

	first, err := b.TriggerQuotaExceeded(ctx, errors.New("quota"))
	require.NoError(t, err)
	clock.Advance(10 * time.Second)
	second, err := b.TriggerQuotaExceeded(ctx, errors.New("quota"))
	require.NoError(t, err)

	assert.Equal(t, *first.NextRetryAt, *second.NextRetryAt)
	assert.Equal(t, 1, second.Trips)
	assert.Equal(t, []EventType{EventCircuitOpened}, rec.all())
}

func TestFailedProbeExtendsCooldown(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Now().UTC().Truncate(time.Millisecond)}
	b := newTestBreaker(t, newClient(t), clock)

	_, err := b.TriggerQuotaExceeded(ctx, errors.New("quota"))
	require.NoError(t, err)
	clock.Advance(time.Minute)

	st, err := b.TriggerQuotaExceeded(ctx, errors.New("quota again"))
	require.NoError(t, err)
	assert.Equal(t, 2, st.Trips)
	assert.Equal(t, clock.Now().Add(2*time.Minute), *st.NextRetryAt)

	clock.Advance(2 * time.Minute)
	var cooldown time.Duration
	for i := 0; i < 5; i++ {
		st, err = b.TriggerQuotaExceeded(ctx, errors.New("quota"))
		require.NoError(t, err)
		cooldown = st.NextRetryAt.Sub(clock.Now())
		clock.Advance(cooldown)
	}
	assert.Equal(t, 10*time.Minute, cooldown)
}

func TestStateIsSharedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	client := newClient(t)
	clock := &fakeClock{now: time.Now()}
	a := newTestBreaker(t, client, clock)
	b := newTestBreaker(t, client, clock)

	_, err := a.TriggerQuotaExceeded(ctx, errors.New("quota"))
	require.NoError(t, err)

	paused, err := b.IsQueuePaused(ctx)
	require.NoError(t, err)
	assert.True(t, paused)

	require.NoError(t, b.Resume(ctx))
	paused, err = a.IsQueuePaused(ctx)
	require.NoError(t, err)
	assert.False(t, paused)
}

func TestRecoveryCheckEmitsResumeOncePerCooldown(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Now()}
	b := newTestBreaker(t, newClient(t), clock)
	rec := &recorder{}
	b.Subscribe(rec.record)

	_, err := b.TriggerQuotaExceeded(ctx, errors.New("quota"))
	require.NoError(t, err)

	b.checkRecovery(ctx)
	assert.Equal(t, []EventType{EventCircuitOpened}, rec.all())

	clock.Advance(time.Minute)
	b.checkRecovery(ctx)
	b.checkRecovery(ctx)
	assert.Equal(t, []EventType{EventCircuitOpened, EventQueueResumed}, rec.all())
}

func TestStatusOpenError(t *testing.T) {
	assert.Nil(t, Status{State: StateClosed}.OpenError())
	next := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	err := Status{Name: "judit", State: StateOpen, NextRetryAt: &next}.OpenError()
	require.NotNil(t, err)
	assert.Equal(t, "circuit opened, retry scheduled at 2026-01-02T03:04:05Z", err.Error())
}
