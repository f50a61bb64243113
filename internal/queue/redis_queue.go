package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"legalcase-jobs/internal/models"
)

var (
	// ErrJobNotFound is returned when no record exists for a job id.
	ErrJobNotFound = errors.New("job not found")
	// ErrNotCancellable is returned by Cancel for a job that is running or finished.
	ErrNotCancellable = errors.New("job can no longer be cancelled")
)

// Options tunes a queue. Zero values fall back to defaults.
type Options struct {
	Priorities         []string
	VisibilityTimeout  time.Duration
	DedupeTTL          time.Duration
	DefaultMaxAttempts int
	Retention          time.Duration
}

// RedisQueue coordinates ready, in-flight, and scheduled jobs of one named queue in Redis.
type RedisQueue struct {
	client         *redis.Client
	name           string
	priorityQueues []string
	visibilityTTL  time.Duration
	dedupeTTL      time.Duration
	maxAttempts    int
	retention      time.Duration
	now            func() time.Time
}

// NewRedisQueue builds a queue client for the named queue.
func NewRedisQueue(client *redis.Client, name string, opts Options) *RedisQueue {
	priorities := opts.Priorities
	if len(priorities) == 0 {
		priorities = []string{models.PriorityHigh, models.PriorityDefault, models.PriorityLow}
	}
	visibility := opts.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	dedupe := opts.DedupeTTL
	if dedupe == 0 {
		dedupe = 24 * time.Hour
	}
	maxAttempts := opts.DefaultMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	retention := opts.Retention
	if retention == 0 {
		retention = 7 * 24 * time.Hour
	}
	return &RedisQueue{
		client:         client,
		name:           name,
		priorityQueues: priorities,
		visibilityTTL:  visibility,
		dedupeTTL:      dedupe,
		maxAttempts:    maxAttempts,
		retention:      retention,
		now:            time.Now,
	}
}

// Name returns the queue name.
func (q *RedisQueue) Name() string { return q.name }

// VisibilityTimeout is how long a lease lasts without renewal.
func (q *RedisQueue) VisibilityTimeout() time.Duration { return q.visibilityTTL }

func (q *RedisQueue) key(parts ...string) string {
	k := "queue:" + q.name
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (q *RedisQueue) readyKey(priority string) string { return q.key("ready", priority) }
func (q *RedisQueue) jobKey(id string) string          { return q.key("job", id) }
func (q *RedisQueue) dedupeKey(k string) string        { return q.key("dedupe", k) }
func (q *RedisQueue) inflightKey() string              { return q.key("inflight") }
func (q *RedisQueue) scheduledKey() string             { return q.key("scheduled") }
func (q *RedisQueue) priorityKey() string              { return q.key("priority") }
func (q *RedisQueue) pausedKey() string                { return q.key("paused") }
func (q *RedisQueue) dlqKey() string                   { return q.key("dlq") }
func (q *RedisQueue) counterKey(status string) string  { return q.key("count", status) }

// EnqueueRequest describes a job to add.
type EnqueueRequest struct {
	// ID is optional; callers that must reference the job before it exists set it.
	ID          string
	Type        string
	Payload     any
	Priority    string
	Delay       time.Duration
	RunAt       time.Time
	DedupeKey   string
	MaxAttempts int
}

// Enqueue stores the job record and places it in the ready or scheduled set.
// When DedupeKey matches a live job, that job is returned with existing=true.
func (q *RedisQueue) Enqueue(ctx context.Context, req EnqueueRequest) (models.Job, bool, error) {
	if req.Type == "" {
		return models.Job{}, false, errors.New("job type is required")
	}
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal payload: %w", err)
	}
	if req.Priority == "" {
		req.Priority = models.PriorityDefault
	}
	if !q.knownPriority(req.Priority) {
		return models.Job{}, false, fmt.Errorf("unknown priority %q", req.Priority)
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = q.maxAttempts
	}

	now := q.now().UTC()
	runAt := now
	if !req.RunAt.IsZero() {
		runAt = req.RunAt.UTC()
	}
	if req.Delay > 0 {
		runAt = now.Add(req.Delay)
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	job := models.Job{
		ID:          id,
		Type:        req.Type,
		Queue:       q.name,
		Priority:    req.Priority,
		Payload:     payload,
		Status:      models.StatusWaiting,
		MaxAttempts: req.MaxAttempts,
		RunAt:       runAt,
		DedupeKey:   req.DedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if runAt.After(now) {
		job.Status = models.StatusDelayed
	}

	if req.DedupeKey != "" {
		claimed, err := q.client.SetNX(ctx, q.dedupeKey(req.DedupeKey), job.ID, q.dedupeTTL).Result()
		if err != nil {
			return models.Job{}, false, fmt.Errorf("claim dedupe key: %w", err)
		}
		if !claimed {
			existingID, err := q.client.Get(ctx, q.dedupeKey(req.DedupeKey)).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return models.Job{}, false, fmt.Errorf("read dedupe key: %w", err)
			}
			existing, err := q.Get(ctx, existingID)
			if err == nil && !existing.Terminal() {
				return existing, true, nil
			}
			// The previous holder finished or expired; take the key over.
			if err := q.client.Set(ctx, q.dedupeKey(req.DedupeKey), job.ID, q.dedupeTTL).Err(); err != nil {
				return models.Job{}, false, fmt.Errorf("reset dedupe key: %w", err)
			}
		}
	}

	record, err := json.Marshal(job)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal job: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.jobKey(job.ID), record, 0)
	pipe.HSet(ctx, q.priorityKey(), job.ID, job.Priority)
	if runAt.After(now) {
		pipe.ZAdd(ctx, q.scheduledKey(), redis.Z{Score: float64(runAt.UnixMilli()), Member: job.ID})
	} else {
		pipe.RPush(ctx, q.readyKey(job.Priority), job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return models.Job{}, false, err
	}
	return job, false, nil
}

func (q *RedisQueue) knownPriority(p string) bool {
	for _, known := range q.priorityQueues {
		if known == p {
			return true
		}
	}
	return false
}

// Get loads a job record.
func (q *RedisQueue) Get(ctx context.Context, id string) (models.Job, error) {
	if id == "" {
		return models.Job{}, ErrJobNotFound
	}
	raw, err := q.client.Get(ctx, q.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return models.Job{}, err
	}
	var job models.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return models.Job{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	return job, nil
}

func (q *RedisQueue) save(ctx context.Context, pipe redis.Pipeliner, job models.Job, ttl time.Duration) error {
	job.UpdatedAt = q.now().UTC()
	record, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	pipe.Set(ctx, q.jobKey(job.ID), record, ttl)
	return nil
}

// PromoteScheduled moves due scheduled jobs into ready queues. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := moveDueScript.Run(ctx, q.client,
		[]string{q.scheduledKey(), q.priorityKey()},
		now.UnixMilli(), limit, q.key("ready")+":", models.PriorityDefault,
	).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}
	for _, id := range ids {
		q.setStatus(ctx, id, models.StatusDelayed, models.StatusWaiting)
	}
	return len(ids), nil
}

// DequeueWithLease pops a job from ready queues (priority order) and places it into
// inflight with a visibility timeout. A paused queue hands out nothing.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (models.Job, bool, error) {
	keys := make([]string, 0, len(q.priorityQueues)+2)
	keys = append(keys, q.pausedKey())
	for _, p := range q.priorityQueues {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.inflightKey())

	res, err := dequeueScript.Run(ctx, q.client, keys, q.now().Add(q.visibilityTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	jobID, ok := res.(string)
	if !ok {
		return models.Job{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	job, err := q.Get(ctx, jobID)
	if err != nil {
		// A leased id with no record can never run; drop the lease.
		_ = q.client.ZRem(ctx, q.inflightKey(), jobID).Err()
		return models.Job{}, false, err
	}
	job.Status = models.StatusActive
	pipe := q.client.TxPipeline()
	if err := q.save(ctx, pipe, job, 0); err != nil {
		return models.Job{}, false, err
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey(), redis.Z{
		Score:  float64(q.now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// UpdateProgress records a 0..100 progress value on the job.
func (q *RedisQueue) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	job.Progress = progress
	pipe := q.client.TxPipeline()
	if err := q.save(ctx, pipe, job, 0); err != nil {
		return err
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Complete marks the job completed, stores its result and releases the lease.
func (q *RedisQueue) Complete(ctx context.Context, job models.Job, result any) error {
	if result != nil {
		encoded, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		job.Result = encoded
	}
	finished := q.now().UTC()
	job.Status = models.StatusCompleted
	job.Progress = 100
	job.LastError = nil
	job.FinishedAt = &finished

	pipe := q.client.TxPipeline()
	if err := q.save(ctx, pipe, job, q.retention); err != nil {
		return err
	}
	pipe.ZRem(ctx, q.inflightKey(), job.ID)
	pipe.HDel(ctx, q.priorityKey(), job.ID)
	pipe.Incr(ctx, q.counterKey(models.StatusCompleted))
	_, err := pipe.Exec(ctx)
	return err
}

// Fail marks the job terminally failed and pushes it to the dead-letter list.
func (q *RedisQueue) Fail(ctx context.Context, job models.Job, cause error) error {
	msg := cause.Error()
	finished := q.now().UTC()
	job.Status = models.StatusFailed
	job.LastError = &msg
	job.FinishedAt = &finished

	pipe := q.client.TxPipeline()
	if err := q.save(ctx, pipe, job, q.retention); err != nil {
		return err
	}
	pipe.ZRem(ctx, q.inflightKey(), job.ID)
	pipe.HDel(ctx, q.priorityKey(), job.ID)
	pipe.Incr(ctx, q.counterKey(models.StatusFailed))
	pipe.RPush(ctx, q.dlqKey(), job.ID)
	_, err := pipe.Exec(ctx)
	return err
}

// Retry releases the lease and schedules the job to run again at runAt.
func (q *RedisQueue) Retry(ctx context.Context, job models.Job, cause error, runAt time.Time) error {
	msg := cause.Error()
	job.Status = models.StatusDelayed
	job.LastError = &msg
	job.RunAt = runAt.UTC()

	pipe := q.client.TxPipeline()
	if err := q.save(ctx, pipe, job, 0); err != nil {
		return err
	}
	pipe.ZRem(ctx, q.inflightKey(), job.ID)
	pipe.HSet(ctx, q.priorityKey(), job.ID, job.Priority)
	pipe.ZAdd(ctx, q.scheduledKey(), redis.Z{Score: float64(runAt.UnixMilli()), Member: job.ID})
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them. These are jobs
// whose worker died or stopped renewing the lease.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	res, err := moveDueScript.Run(ctx, q.client,
		[]string{q.inflightKey(), q.priorityKey()},
		now.UnixMilli(), limit, q.key("ready")+":", models.PriorityDefault,
	).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	for _, id := range res {
		q.setStatus(ctx, id, models.StatusActive, models.StatusWaiting)
	}
	return res, nil
}

// setStatus is a best-effort record update used after bulk moves. The record is
// only touched while it still shows the status the move started from.
func (q *RedisQueue) setStatus(ctx context.Context, id, from, to string) {
	job, err := q.Get(ctx, id)
	if err != nil || job.Status != from {
		return
	}
	job.Status = to
	pipe := q.client.TxPipeline()
	if err := q.save(ctx, pipe, job, 0); err == nil {
		_, _ = pipe.Exec(ctx)
	}
}

// Cancel deletes a job that is still waiting or delayed and returns its last
// record. The membership check and removal run as one script, so a job leased by
// a worker in the meantime is left alone and ErrNotCancellable is returned.
func (q *RedisQueue) Cancel(ctx context.Context, jobID string) (models.Job, error) {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	keys := make([]string, 0, len(q.priorityQueues)+3)
	keys = append(keys, q.scheduledKey(), q.priorityKey(), q.jobKey(jobID))
	for _, p := range q.priorityQueues {
		keys = append(keys, q.readyKey(p))
	}
	removed, err := cancelScript.Run(ctx, q.client, keys, jobID).Int()
	if err != nil {
		return models.Job{}, err
	}
	if removed == 0 {
		return job, fmt.Errorf("%w: job %s is %s", ErrNotCancellable, jobID, job.Status)
	}
	return job, nil
}

// Pause stops DequeueWithLease from handing out jobs. Queued jobs are kept.
func (q *RedisQueue) Pause(ctx context.Context) error {
	return q.client.Set(ctx, q.pausedKey(), "1", 0).Err()
}

// Resume re-enables dispatch after Pause.
func (q *RedisQueue) Resume(ctx context.Context) error {
	return q.client.Del(ctx, q.pausedKey()).Err()
}

// IsPaused reports whether dispatch is paused.
func (q *RedisQueue) IsPaused(ctx context.Context) (bool, error) {
	n, err := q.client.Exists(ctx, q.pausedKey()).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DLQPeek reads the latest dead-lettered job IDs.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey(), 0, count-1).Result()
}

// Counts summarises the queue for health reporting.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Counts returns ready+scheduled, in-flight and terminal totals.
func (q *RedisQueue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.client.Pipeline()
	ready := make([]*redis.IntCmd, 0, len(q.priorityQueues))
	for _, p := range q.priorityQueues {
		ready = append(ready, pipe.LLen(ctx, q.readyKey(p)))
	}
	delayed := pipe.ZCard(ctx, q.scheduledKey())
	active := pipe.ZCard(ctx, q.inflightKey())
	completed := pipe.Get(ctx, q.counterKey(models.StatusCompleted))
	failed := pipe.Get(ctx, q.counterKey(models.StatusFailed))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Counts{}, err
	}

	var c Counts
	for _, cmd := range ready {
		c.Waiting += cmd.Val()
	}
	c.Delayed = delayed.Val()
	c.Waiting += c.Delayed
	c.Active = active.Val()
	c.Completed, _ = completed.Int64()
	c.Failed, _ = failed.Int64()
	return c, nil
}

// ReadyDepth returns the total length of all ready queues.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.priorityQueues))
	for _, p := range q.priorityQueues {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

// KEYS: scheduled, priority hash, job record, ready lists...; ARGV[1] job id.
var cancelScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
for i = 4, #KEYS do
  removed = removed + redis.call('LREM', KEYS[i], 0, ARGV[1])
end
if removed == 0 then
  return 0
end
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[3])
return 1
`)

var dequeueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return nil
end
local inflight = KEYS[#KEYS]
for i=2,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    return job
  end
end
return nil
`)

// moveDueScript moves due members of a ZSET (scheduled or inflight) onto the ready
// list of their recorded priority in one step, so concurrent pollers never double-push.
var moveDueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  local p = redis.call('HGET', KEYS[2], id)
  if not p then p = ARGV[4] end
  redis.call('ZREM', KEYS[1], id)
  redis.call('RPUSH', ARGV[3] .. p, id)
end
return ids
`)
