package worker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"legalcase-jobs/internal/circuit"
	"legalcase-jobs/internal/models"
	"legalcase-jobs/internal/queue"
	"legalcase-jobs/internal/store/memstore"
)

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	b9 := backoffWithJitter(base, max, 9)
	if b9 < max/2 || b9 > max {
		t.Fatalf("backoff not capped for attempt 9: %s", b9)
	}
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))
	base := errors.New("bad cnj")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
}

type harness struct {
	client *redis.Client
	queue  *queue.RedisQueue
	audit  *memstore.Store
}

func newHarness(t *testing.T) harness {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return harness{
		client: client,
		queue:  queue.NewRedisQueue(client, "test", queue.Options{VisibilityTimeout: 30 * time.Second}),
		audit:  memstore.New(),
	}
}

func (h harness) options() Options {
	return Options{
		Concurrency:    2,
		Timeout:        time.Second,
		PollInterval:   10 * time.Millisecond,
		BackoffInitial: time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
		ShutdownGrace:  time.Second,
		Audit:          h.audit,
	}
}

func start(t *testing.T, p *Processor) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()
	var once sync.Once
	var runErr error
	stop := func() error {
		once.Do(func() {
			cancel()
			runErr = <-errCh
		})
		return runErr
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func waitStatus(t *testing.T, q *queue.RedisQueue, id, status string) models.Job {
	t.Helper()
	var job models.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = q.Get(context.Background(), id)
		return err == nil && job.Status == status
	}, 3*time.Second, 10*time.Millisecond)
	return job
}

func TestProcessorCompletesJobWithResultAndProgress(t *testing.T) {
	h := newHarness(t)
	p := NewProcessor(h.queue, h.options(), nil)
	p.RegisterHandler("echo", func(_ context.Context, job models.Job, progress Progress) (any, error) {
		progress(50)
		return map[string]string{"id": job.ID}, nil
	})

	job, _, err := h.queue.Enqueue(context.Background(), queue.EnqueueRequest{Type: "echo"})
	require.NoError(t, err)
	start(t, p)

	done := waitStatus(t, h.queue, job.ID, models.StatusCompleted)
	assert.Equal(t, 100, done.Progress)
	assert.JSONEq(t, `{"id":"`+job.ID+`"}`, string(done.Result))

	trail, err := h.audit.AuditTrail(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotEmpty(t, trail)
	assert.Equal(t, "completed", trail[len(trail)-1].Event)
}

func TestProcessorRetriesThenDeadLetters(t *testing.T) {
	h := newHarness(t)
	p := NewProcessor(h.queue, h.options(), nil)
	var calls atomic.Int32
	p.RegisterHandler("flaky", func(context.Context, models.Job, Progress) (any, error) {
		calls.Add(1)
		return nil, errors.New("provider timeout")
	})
	var hooked atomic.Value
	p.OnFailure(func(_ context.Context, job models.Job, err error) {
		hooked.Store(job.ID + ":" + err.Error())
	})

	job, _, err := h.queue.Enqueue(context.Background(), queue.EnqueueRequest{Type: "flaky", MaxAttempts: 3})
	require.NoError(t, err)
	start(t, p)

	failed := waitStatus(t, h.queue, job.ID, models.StatusFailed)
	assert.Equal(t, 3, failed.Attempts)
	assert.EqualValues(t, 3, calls.Load())
	require.NotNil(t, failed.LastError)
	assert.Equal(t, "provider timeout", *failed.LastError)
	require.Eventually(t, func() bool { return hooked.Load() != nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, job.ID+":provider timeout", hooked.Load())

	dlq, err := h.queue.DLQPeek(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, dlq)
}

func TestProcessorPermanentErrorSkipsRetries(t *testing.T) {
	h := newHarness(t)
	p := NewProcessor(h.queue, h.options(), nil)
	var calls atomic.Int32
	p.RegisterHandler("bad", func(context.Context, models.Job, Progress) (any, error) {
		calls.Add(1)
		return nil, Permanent(models.ErrInvalidPayload)
	})

	job, _, err := h.queue.Enqueue(context.Background(), queue.EnqueueRequest{Type: "bad", MaxAttempts: 5})
	require.NoError(t, err)
	start(t, p)

	failed := waitStatus(t, h.queue, job.ID, models.StatusFailed)
	assert.Equal(t, 1, failed.Attempts)
	assert.EqualValues(t, 1, calls.Load())
}

func TestProcessorUnknownTypeFails(t *testing.T) {
	h := newHarness(t)
	p := NewProcessor(h.queue, h.options(), nil)
	job, _, err := h.queue.Enqueue(context.Background(), queue.EnqueueRequest{Type: "mystery"})
	require.NoError(t, err)
	start(t, p)
	failed := waitStatus(t, h.queue, job.ID, models.StatusFailed)
	assert.Contains(t, *failed.LastError, "no handler registered")
}

func TestProcessorTimesOutSlowJob(t *testing.T) {
	h := newHarness(t)
	opts := h.options()
	opts.Timeout = 20 * time.Millisecond
	p := NewProcessor(h.queue, opts, nil)
	p.RegisterHandler("slow", func(ctx context.Context, _ models.Job, _ Progress) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	job, _, err := h.queue.Enqueue(context.Background(), queue.EnqueueRequest{Type: "slow", MaxAttempts: 1})
	require.NoError(t, err)
	start(t, p)
	failed := waitStatus(t, h.queue, job.ID, models.StatusFailed)
	assert.Contains(t, *failed.LastError, "timed out")
}

func TestProcessorOpenCircuitDefersWithoutCallingHandler(t *testing.T) {
	h := newHarness(t)
	breaker := circuit.New(h.client, circuit.Config{Name: "provider", Cooldown: time.Hour}, nil)

	opts := h.options()
	opts.Breaker = breaker
	p := NewProcessor(h.queue, opts, nil)

	var calls atomic.Int32
	p.RegisterHandler("enrich", func(ctx context.Context, _ models.Job, _ Progress) (any, error) {
		calls.Add(1)
		st, err := breaker.TriggerQuotaExceeded(ctx, errors.New("max requests limit exceeded"))
		if err != nil {
			return nil, err
		}
		return nil, st.OpenError()
	})

	ctx := context.Background()
	first, _, err := h.queue.Enqueue(ctx, queue.EnqueueRequest{Type: "enrich"})
	require.NoError(t, err)
	start(t, p)

	deferred := waitStatus(t, h.queue, first.ID, models.StatusDelayed)
	assert.Zero(t, deferred.Attempts)
	require.NotNil(t, deferred.LastError)
	assert.Contains(t, *deferred.LastError, "circuit opened, retry scheduled at")

	require.Eventually(t, func() bool {
		paused, _ := h.queue.IsPaused(ctx)
		return paused
	}, time.Second, 5*time.Millisecond)

	// While open the queue hands nothing out; force a dequeue path by resuming
	// the queue flag only and check the pre-check still defers.
	second, _, err := h.queue.Enqueue(ctx, queue.EnqueueRequest{Type: "enrich"})
	require.NoError(t, err)
	require.NoError(t, h.queue.Resume(ctx))
	waitStatus(t, h.queue, second.ID, models.StatusDelayed)
	assert.EqualValues(t, 1, calls.Load())
}

func TestProcessorCircuitResumeUnpausesQueue(t *testing.T) {
	h := newHarness(t)
	breaker := circuit.New(h.client, circuit.Config{Name: "provider", Cooldown: time.Hour}, nil)
	opts := h.options()
	opts.Breaker = breaker
	p := NewProcessor(h.queue, opts, nil)
	p.RegisterHandler("enrich", func(context.Context, models.Job, Progress) (any, error) { return nil, nil })
	start(t, p)

	ctx := context.Background()
	_, err := breaker.TriggerQuotaExceeded(ctx, errors.New("quota"))
	require.NoError(t, err)
	paused, err := h.queue.IsPaused(ctx)
	require.NoError(t, err)
	assert.True(t, paused)

	require.NoError(t, breaker.Resume(ctx))
	paused, err = h.queue.IsPaused(ctx)
	require.NoError(t, err)
	assert.False(t, paused)

	job, _, err := h.queue.Enqueue(ctx, queue.EnqueueRequest{Type: "enrich"})
	require.NoError(t, err)
	waitStatus(t, h.queue, job.ID, models.StatusCompleted)
}

func TestProcessorWaitsForInFlightJobOnShutdown(t *testing.T) {
	h := newHarness(t)
	p := NewProcessor(h.queue, h.options(), nil)
	started := make(chan struct{})
	p.RegisterHandler("slow", func(ctx context.Context, _ models.Job, _ Progress) (any, error) {
		close(started)
		select {
		case <-time.After(100 * time.Millisecond):
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	job, _, err := h.queue.Enqueue(context.Background(), queue.EnqueueRequest{Type: "slow"})
	require.NoError(t, err)
	stop := start(t, p)
	<-started
	require.NoError(t, stop())

	done, err := h.queue.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
}

func TestProcessorAbandonsJobAfterGrace(t *testing.T) {
	h := newHarness(t)
	opts := h.options()
	opts.ShutdownGrace = 20 * time.Millisecond
	opts.Timeout = time.Minute
	p := NewProcessor(h.queue, opts, nil)
	started := make(chan struct{})
	p.RegisterHandler("stuck", func(ctx context.Context, _ models.Job, _ Progress) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	job, _, err := h.queue.Enqueue(context.Background(), queue.EnqueueRequest{Type: "stuck"})
	require.NoError(t, err)
	stop := start(t, p)
	<-started
	assert.ErrorIs(t, stop(), ErrShutdownTimeout)

	// Left active; lease expiry hands it to the next worker.
	left, err := h.queue.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, left.Status)
	assert.Zero(t, left.Attempts)
}

type slowFirstLimiter struct {
	delay time.Duration
	calls atomic.Int32
}

func (l *slowFirstLimiter) Wait(ctx context.Context, _ string) error {
	if l.calls.Add(1) > 1 {
		return nil
	}
	select {
	case <-time.After(l.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestProcessorKeepsLeaseWhileWaitingForLimiter(t *testing.T) {
	h := newHarness(t)
	q := queue.NewRedisQueue(h.client, "leased", queue.Options{VisibilityTimeout: 100 * time.Millisecond})
	opts := h.options()
	opts.Limiter = &slowFirstLimiter{delay: 400 * time.Millisecond}
	p := NewProcessor(q, opts, nil)

	var runs atomic.Int32
	p.RegisterHandler("enrich", func(context.Context, models.Job, Progress) (any, error) {
		runs.Add(1)
		return nil, nil
	})

	job, _, err := q.Enqueue(context.Background(), queue.EnqueueRequest{Type: "enrich"})
	require.NoError(t, err)
	start(t, p)

	waitStatus(t, q, job.ID, models.StatusCompleted)
	// Give a reclaimed duplicate time to show up.
	time.Sleep(200 * time.Millisecond)
	assert.EqualValues(t, 1, runs.Load())
}
