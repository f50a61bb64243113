package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"legalcase-jobs/internal/models"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, "test", Options{VisibilityTimeout: 10 * time.Second}), mr
}

func TestDequeueHonoursPriorityThenInsertionOrder(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	low, _, err := q.Enqueue(ctx, EnqueueRequest{Type: "t", Payload: map[string]int{"n": 1}, Priority: models.PriorityLow})
	require.NoError(t, err)
	first, _, err := q.Enqueue(ctx, EnqueueRequest{Type: "t", Payload: map[string]int{"n": 2}})
	require.NoError(t, err)
	second, _, err := q.Enqueue(ctx, EnqueueRequest{Type: "t", Payload: map[string]int{"n": 3}})
	require.NoError(t, err)
	high, _, err := q.Enqueue(ctx, EnqueueRequest{Type: "t", Payload: map[string]int{"n": 4}, Priority: models.PriorityHigh})
	require.NoError(t, err)

	var order []string
	for i := 0; i < 4; i++ {
		job, ok, err := q.DequeueWithLease(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, models.StatusActive, job.Status)
		order = append(order, job.ID)
	}
	assert.Equal(t, []string{high.ID, first.ID, second.ID, low.ID}, order)

	_, ok, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEnqueueRejectsUnknownPriority(t *testing.T) {
	q, _ := newTestQueue(t)
	_, _, err := q.Enqueue(context.Background(), EnqueueRequest{Type: "t", Priority: "urgent"})
	require.Error(t, err)
}

func TestDelayedJobIsPromotedWhenDue(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	job, _, err := q.Enqueue(ctx, EnqueueRequest{Type: "t", Delay: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelayed, job.Status)

	_, ok, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := q.PromoteScheduled(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = q.PromoteScheduled(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, ok, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, job.ID, got.ID)
}

func TestDedupeKeyReturnsLiveJob(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	first, existing, err := q.Enqueue(ctx, EnqueueRequest{Type: "t", DedupeKey: "case-1"})
	require.NoError(t, err)
	assert.False(t, existing)

	again, existing, err := q.Enqueue(ctx, EnqueueRequest{Type: "t", DedupeKey: "case-1"})
	require.NoError(t, err)
	assert.True(t, existing)
	assert.Equal(t, first.ID, again.ID)

	leased, ok, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, q.Complete(ctx, leased, nil))

	fresh, existing, err := q.Enqueue(ctx, EnqueueRequest{Type: "t", DedupeKey: "case-1"})
	require.NoError(t, err)
	assert.False(t, existing)
	assert.NotEqual(t, first.ID, fresh.ID)
}

func TestPauseKeepsJobsQueued(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	_, _, err := q.Enqueue(ctx, EnqueueRequest{Type: "t"})
	require.NoError(t, err)
	require.NoError(t, q.Pause(ctx))

	paused, err := q.IsPaused(ctx)
	require.NoError(t, err)
	assert.True(t, paused)

	_, ok, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)

	require.NoError(t, q.Resume(ctx))
	_, ok, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRequeueExpiredReclaimsStalledLease(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	job, _, err := q.Enqueue(ctx, EnqueueRequest{Type: "t"})
	require.NoError(t, err)
	_, ok, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ids, err := q.RequeueExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = q.RequeueExpired(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, ids)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, got.Status)
}

func TestTerminalTransitionsUpdateCounts(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	for i := 0; i < 3; i++ {
		_, _, err := q.Enqueue(ctx, EnqueueRequest{Type: "t"})
		require.NoError(t, err)
	}
	a, _, _ := q.DequeueWithLease(ctx)
	b, _, _ := q.DequeueWithLease(ctx)

	require.NoError(t, q.Complete(ctx, a, map[string]bool{"cacheHit": true}))
	require.NoError(t, q.Fail(ctx, b, errors.New("boom")))

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Waiting: 1, Completed: 1, Failed: 1}, counts)

	dlq, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, dlq)

	done, err := q.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, done.Progress)
	assert.JSONEq(t, `{"cacheHit":true}`, string(done.Result))
}

func TestRetrySchedulesJobAgain(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	_, _, err := q.Enqueue(ctx, EnqueueRequest{Type: "t"})
	require.NoError(t, err)
	job, _, _ := q.DequeueWithLease(ctx)
	job.Attempts++
	require.NoError(t, q.Retry(ctx, job, errors.New("transient"), time.Now().Add(time.Second)))

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts.Delayed)
	assert.Zero(t, counts.Active)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "transient", *got.LastError)
}

func TestGetUnknownJob(t *testing.T) {
	q, _ := newTestQueue(t)
	_, err := q.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestCancelOnlyRemovesJobsThatHaveNotStarted(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	delayed, _, err := q.Enqueue(ctx, EnqueueRequest{Type: "t", RunAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	got, err := q.Cancel(ctx, delayed.ID)
	require.NoError(t, err)
	assert.Equal(t, delayed.ID, got.ID)
	_, err = q.Get(ctx, delayed.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
	n, err := q.PromoteScheduled(ctx, time.Now().Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	running, _, err := q.Enqueue(ctx, EnqueueRequest{Type: "t"})
	require.NoError(t, err)
	_, ok, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = q.Cancel(ctx, running.ID)
	assert.ErrorIs(t, err, ErrNotCancellable)
	left, err := q.Get(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, left.Status)

	_, err = q.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}
