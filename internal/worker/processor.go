package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"legalcase-jobs/internal/circuit"
	"legalcase-jobs/internal/logger"
	"legalcase-jobs/internal/models"
	"legalcase-jobs/internal/queue"
	"legalcase-jobs/internal/telemetry"
)

// ErrShutdownTimeout is returned by Run when in-flight jobs outlived the grace window.
var ErrShutdownTimeout = errors.New("worker shutdown grace window exceeded")

// Progress records a 0..100 completion value for the running job.
type Progress func(pct int)

// Handler executes a job. The returned result is stored on the completed job.
type Handler func(ctx context.Context, job models.Job, progress Progress) (any, error)

// FailureHook runs once a job has failed for good.
type FailureHook func(ctx context.Context, job models.Job, err error)

// Limiter throttles job starts.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// Breaker guards the external dependency the queue's jobs call.
type Breaker interface {
	Guard(ctx context.Context) error
	Subscribe(fn func(circuit.Event))
}

// AuditSink stores job lifecycle events.
type AuditSink interface {
	AppendAudit(ctx context.Context, entry models.AuditLog) error
}

// Options configures a Processor. Zero values fall back to defaults.
type Options struct {
	Concurrency        int
	Timeout            time.Duration
	PollInterval       time.Duration
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	MaxAttempts        int
	ScheduledBatchSize int
	ShutdownGrace      time.Duration

	// Limiter and LimiterKey cap how many jobs start per window across all workers.
	Limiter    Limiter
	LimiterKey string
	// Breaker, when set, is checked before every job and pauses the queue while open.
	Breaker Breaker
	Audit   AuditSink
}

// Processor drives the worker execution loop of one queue.
type Processor struct {
	queue     *queue.RedisQueue
	opts      Options
	handlers  map[string]Handler
	onFailure []FailureHook
	log       logger.Logger
	now       func() time.Time
}

// NewProcessor creates a processor for q.
func NewProcessor(q *queue.RedisQueue, opts Options, log logger.Logger) *Processor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 5 * time.Second
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = opts.BackoffInitial * 16
	}
	if opts.ScheduledBatchSize <= 0 {
		opts.ScheduledBatchSize = 100
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 25 * time.Second
	}
	if opts.LimiterKey == "" {
		opts.LimiterKey = "queue:" + q.Name()
	}
	if log == nil {
		log = logger.NewNop()
	}
	p := &Processor{
		queue:    q,
		opts:     opts,
		handlers: make(map[string]Handler),
		log:      log.With(logger.String("queue", q.Name())),
		now:      time.Now,
	}
	if opts.Breaker != nil {
		opts.Breaker.Subscribe(p.onCircuitEvent)
	}
	return p
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// OnFailure registers a hook for jobs that exhausted their attempts or failed permanently.
func (p *Processor) OnFailure(hook FailureHook) {
	if hook != nil {
		p.onFailure = append(p.onFailure, hook)
	}
}

// Run consumes the queue until ctx is cancelled. It then stops dequeuing and waits
// up to the shutdown grace window for running jobs; jobs still running after that
// are abandoned and their leases expire so another worker reclaims them.
func (p *Processor) Run(ctx context.Context) error {
	jobsCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()

	var maint sync.WaitGroup
	maint.Add(1)
	go func() {
		defer maint.Done()
		p.maintain(ctx)
	}()

	var wg sync.WaitGroup
	for i := 0; i < p.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx, jobsCtx)
		}()
	}
	p.log.Info("worker started", logger.Int("concurrency", p.opts.Concurrency))

	<-ctx.Done()
	p.log.Info("worker stopping, waiting for in-flight jobs", logger.Duration("grace", p.opts.ShutdownGrace))

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	grace := time.NewTimer(p.opts.ShutdownGrace)
	defer grace.Stop()

	var err error
	select {
	case <-done:
	case <-grace.C:
		cancelJobs()
		<-done
		err = ErrShutdownTimeout
		p.log.Warn("in-flight jobs abandoned after grace window")
	}
	maint.Wait()
	p.log.Info("worker stopped")
	return err
}

func (p *Processor) onCircuitEvent(ev circuit.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var err error
	switch ev.Type {
	case circuit.EventCircuitOpened:
		err = p.queue.Pause(ctx)
		p.log.Warn("queue paused by circuit breaker", logger.String("circuit", ev.Status.Name))
	case circuit.EventQueueResumed:
		err = p.queue.Resume(ctx)
		p.log.Info("queue resumed by circuit breaker", logger.String("circuit", ev.Status.Name))
	}
	if err != nil {
		p.log.Error("queue pause state update failed", logger.Error(err))
	}
}

// maintain promotes due scheduled jobs and reclaims expired leases.
func (p *Processor) maintain(ctx context.Context) {
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()
	for {
		p.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Processor) tick(ctx context.Context) {
	now := p.now()
	if _, err := p.queue.PromoteScheduled(ctx, now, int64(p.opts.ScheduledBatchSize)); err != nil && ctx.Err() == nil {
		p.log.Warn("promote scheduled failed", logger.Error(err))
	}
	reclaimed, err := p.queue.RequeueExpired(ctx, now, 100)
	if err != nil && ctx.Err() == nil {
		p.log.Warn("reclaim expired leases failed", logger.Error(err))
	}
	for _, id := range reclaimed {
		p.log.Warn("stalled job reclaimed", logger.String("job_id", id))
		p.audit(ctx, id, "stalled", "lease expired, job requeued")
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.WithLabelValues(p.queue.Name()).Set(float64(depth))
	}
}

func (p *Processor) loop(ctx, jobsCtx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, ok, err := p.queue.DequeueWithLease(ctx)
		if err != nil && ctx.Err() == nil {
			p.log.Warn("dequeue failed", logger.Error(err))
		}
		if err != nil || !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.opts.PollInterval):
			}
			continue
		}
		p.process(ctx, jobsCtx, job)
	}
}

// process runs one leased job. stopCtx ends at shutdown; ctx only ends when the
// grace window runs out.
func (p *Processor) process(stopCtx, ctx context.Context, job models.Job) {
	log := p.log.With(
		logger.String("job_id", job.ID),
		logger.String("job_type", job.Type),
		logger.Int("attempt", job.Attempts+1),
	)

	// The lease is renewed from here on, including while waiting for a limiter
	// token, so a long wait never lets the job be reclaimed and run twice.
	leaseCtx, releaseLease := context.WithCancel(ctx)
	defer releaseLease()
	go p.heartbeat(leaseCtx, job.ID)

	if p.opts.Limiter != nil {
		if err := p.opts.Limiter.Wait(stopCtx, p.opts.LimiterKey); err != nil {
			// Not started yet: hand the job back without consuming an attempt.
			p.requeue(ctx, job, err, p.now())
			return
		}
	}
	if p.opts.Breaker != nil {
		if err := p.opts.Breaker.Guard(ctx); err != nil {
			var open *circuit.OpenError
			if errors.As(err, &open) {
				p.postpone(ctx, log, job, open)
				return
			}
			log.Warn("circuit state unavailable, running job", logger.Error(err))
		}
	}

	handler, ok := p.handlers[job.Type]
	if !ok {
		p.fail(ctx, log, job, Permanent(fmt.Errorf("no handler registered for type %q", job.Type)))
		return
	}

	telemetry.InFlightGauge.WithLabelValues(p.queue.Name()).Inc()
	defer telemetry.InFlightGauge.WithLabelValues(p.queue.Name()).Dec()

	start := p.now()
	result, err := p.execute(ctx, job, handler)
	telemetry.JobDuration.WithLabelValues(p.queue.Name()).Observe(time.Since(start).Seconds())

	if ctx.Err() != nil {
		// Abandoned at shutdown; the lease expires and another worker reclaims it.
		log.Warn("job abandoned at shutdown")
		return
	}
	if err == nil {
		if cerr := p.queue.Complete(ctx, job, result); cerr != nil {
			log.Error("mark completed failed", logger.Error(cerr))
			return
		}
		telemetry.WorkerSuccess.WithLabelValues(p.queue.Name()).Inc()
		p.audit(ctx, job.ID, "completed", "worker completed job")
		log.Info("job completed", logger.Since(start))
		return
	}

	var open *circuit.OpenError
	if errors.As(err, &open) {
		p.postpone(ctx, log, job, open)
		return
	}

	job.Attempts++
	if IsPermanent(err) || job.Attempts >= job.MaxAttempts || (p.opts.MaxAttempts > 0 && job.Attempts >= p.opts.MaxAttempts) {
		p.fail(ctx, log, job, err)
		return
	}
	backoff := backoffWithJitter(p.opts.BackoffInitial, p.opts.BackoffMax, job.Attempts)
	nextRun := p.now().Add(backoff)
	if rerr := p.queue.Retry(ctx, job, err, nextRun); rerr != nil {
		log.Error("schedule retry failed", logger.Error(rerr))
		return
	}
	telemetry.WorkerFailures.WithLabelValues(p.queue.Name()).Inc()
	p.audit(ctx, job.ID, "retry_scheduled", fmt.Sprintf("next_run=%s attempts=%d error=%s", nextRun.UTC().Format(time.RFC3339), job.Attempts, err))
	log.Warn("job failed, retry scheduled", logger.Error(err), logger.Time("next_run", nextRun))
}

// execute runs the handler under the job timeout.
func (p *Processor) execute(ctx context.Context, job models.Job, handler Handler) (result any, err error) {
	runCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	progress := func(pct int) {
		if perr := p.queue.UpdateProgress(runCtx, job.ID, pct); perr != nil {
			p.log.Debug("progress update failed", logger.String("job_id", job.ID), logger.Error(perr))
		}
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	result, err = handler(runCtx, job, progress)
	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("job timed out after %s: %w", p.opts.Timeout, err)
	}
	return result, err
}

// heartbeat extends the job's lease until ctx ends.
func (p *Processor) heartbeat(ctx context.Context, jobID string) {
	interval := p.queue.VisibilityTimeout() / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.ExtendLease(ctx, jobID, p.queue.VisibilityTimeout()); err != nil {
				p.log.Warn("lease renewal failed", logger.String("job_id", jobID), logger.Error(err))
			}
		}
	}
}

// postpone reschedules the job for when the circuit is due to close. It does not
// consume an attempt.
func (p *Processor) postpone(ctx context.Context, log logger.Logger, job models.Job, open *circuit.OpenError) {
	if err := p.queue.Retry(ctx, job, open, open.NextRetryAt); err != nil {
		log.Error("defer job failed", logger.Error(err))
		return
	}
	telemetry.WorkerDeferred.WithLabelValues(p.queue.Name()).Inc()
	p.audit(ctx, job.ID, "deferred", open.Error())
	log.Info("job deferred by open circuit", logger.Time("next_retry_at", open.NextRetryAt))
}

func (p *Processor) requeue(ctx context.Context, job models.Job, cause error, at time.Time) {
	if err := p.queue.Retry(ctx, job, cause, at); err != nil {
		p.log.Error("requeue job failed", logger.String("job_id", job.ID), logger.Error(err))
	}
}

func (p *Processor) fail(ctx context.Context, log logger.Logger, job models.Job, err error) {
	if ferr := p.queue.Fail(ctx, job, err); ferr != nil {
		log.Error("mark failed failed", logger.Error(ferr))
		return
	}
	telemetry.WorkerDeadLetter.WithLabelValues(p.queue.Name()).Inc()
	p.audit(ctx, job.ID, "failed", err.Error())
	log.Error("job failed permanently", logger.Error(err))
	for _, hook := range p.onFailure {
		hook(ctx, job, err)
	}
}

func (p *Processor) audit(ctx context.Context, jobID, event, detail string) {
	if p.opts.Audit == nil {
		return
	}
	entry := models.AuditLog{JobID: jobID, Queue: p.queue.Name(), Event: event, Detail: detail, Recorded: p.now().UTC()}
	if err := p.opts.Audit.AppendAudit(ctx, entry); err != nil {
		p.log.Warn("audit append failed", logger.String("job_id", jobID), logger.Error(err))
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
