// Package webhook tracks inbound event callbacks: signature checks, a dedupe
// window, one delivery log per event and backoff-driven redelivery of failures.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"legalcase-jobs/internal/logger"
	"legalcase-jobs/internal/models"
	"legalcase-jobs/internal/telemetry"
)

// retryLadder is the delay before redelivery, indexed by attempt.
var retryLadder = []time.Duration{
	5 * time.Second,
	30 * time.Second,
	5 * time.Minute,
	30 * time.Minute,
	24 * time.Hour,
}

// RetryDelay returns the backoff for a zero-based attempt. Attempts past the end of
// the ladder reuse its last step.
func RetryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(retryLadder) {
		return retryLadder[len(retryLadder)-1]
	}
	return retryLadder[attempt]
}

// DeliveryStore persists delivery logs.
type DeliveryStore interface {
	CreateDelivery(ctx context.Context, d models.WebhookDeliveryLog) error
	UpdateDelivery(ctx context.Context, d models.WebhookDeliveryLog) error
	DueDeliveries(ctx context.Context, now time.Time, limit int) ([]models.WebhookDeliveryLog, error)
}

// Handler processes one event. A returned error schedules a redelivery.
type Handler func(ctx context.Context, ev models.WebhookEvent) error

// Options tunes a Tracker.
type Options struct {
	MaxRetries   int
	DedupeWindow time.Duration
}

// Tracker records deliveries and decides retries.
type Tracker struct {
	store    DeliveryStore
	redis    *redis.Client
	handlers map[string]Handler
	max      int
	window   time.Duration
	log      logger.Logger
	now      func() time.Time
}

// NewTracker builds a tracker. Redis holds the dedupe window markers.
func NewTracker(store DeliveryStore, client *redis.Client, opts Options, log logger.Logger) *Tracker {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = len(retryLadder)
	}
	if opts.DedupeWindow <= 0 {
		opts.DedupeWindow = 5 * time.Minute
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Tracker{
		store:    store,
		redis:    client,
		handlers: map[string]Handler{},
		max:      opts.MaxRetries,
		window:   opts.DedupeWindow,
		log:      log,
		now:      time.Now,
	}
}

// Handle registers the handler for an event type.
func (t *Tracker) Handle(eventType string, h Handler) {
	t.handlers[eventType] = h
}

// LogDelivery records the outcome of attempt (zero-based) on d. A 2xx status with
// no error is a success; otherwise the delivery is retrying while attempt is below
// the retry budget and failed after that. The returned log carries NextRetryAt for
// retrying deliveries.
func (t *Tracker) LogDelivery(ctx context.Context, d models.WebhookDeliveryLog, attempt int, cause error, statusCode int) (models.WebhookDeliveryLog, error) {
	now := t.now().UTC()
	d.RetryCount = attempt
	d.MaxRetries = t.max
	d.StatusCode = statusCode
	d.LastAttemptAt = &now
	d.NextRetryAt = nil
	d.Error = nil

	switch {
	case cause == nil && statusCode >= 200 && statusCode < 300:
		d.Status = models.DeliverySuccess
		d.DeliveredAt = &now
	case attempt < t.max:
		next := now.Add(RetryDelay(attempt))
		d.Status = models.DeliveryRetrying
		d.NextRetryAt = &next
	default:
		d.Status = models.DeliveryFailed
	}
	if cause != nil {
		msg := cause.Error()
		d.Error = &msg
	}

	var err error
	if d.ID == "" {
		d.ID = uuid.New().String()
		d.CreatedAt = now
		err = t.store.CreateDelivery(ctx, d)
	} else {
		err = t.store.UpdateDelivery(ctx, d)
	}
	if err != nil {
		return d, fmt.Errorf("write delivery log: %w", err)
	}
	telemetry.WebhookDeliveries.WithLabelValues(string(d.Status)).Inc()
	return d, nil
}

func (t *Tracker) dedupeKey(eventType, entityKey string) string {
	return "webhook:dedupe:" + eventType + ":" + entityKey
}

// IsDuplicate reports whether an event of the same type for the same entity was
// seen within the dedupe window of ts. The first sighting claims the window.
func (t *Tracker) IsDuplicate(ctx context.Context, eventType, entityKey string, ts time.Time) (bool, error) {
	key := t.dedupeKey(eventType, entityKey)
	stamp := strconv.FormatInt(ts.UnixMilli(), 10)
	claimed, err := t.redis.SetNX(ctx, key, stamp, t.window).Result()
	if err != nil {
		return false, fmt.Errorf("claim dedupe window: %w", err)
	}
	if claimed {
		return false, nil
	}
	prev, err := t.redis.Get(ctx, key).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("read dedupe window: %w", err)
	}
	if err == nil {
		gap := ts.Sub(time.UnixMilli(prev))
		if gap < 0 {
			gap = -gap
		}
		if gap <= t.window {
			return true, nil
		}
	}
	if err := t.redis.Set(ctx, key, stamp, t.window).Err(); err != nil {
		return false, fmt.Errorf("reset dedupe window: %w", err)
	}
	return false, nil
}

// Receive processes a verified inbound event: duplicates and unknown types are
// logged as skipped, everything else runs its handler once and is logged.
func (t *Tracker) Receive(ctx context.Context, ev models.WebhookEvent) (models.WebhookDeliveryLog, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = t.now().UTC()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return models.WebhookDeliveryLog{}, fmt.Errorf("encode event: %w", err)
	}
	d := models.WebhookDeliveryLog{EventType: ev.Type, EntityKey: ev.EntityKey, Payload: raw}

	dup, err := t.IsDuplicate(ctx, ev.Type, ev.EntityKey, ev.Timestamp)
	if err != nil {
		return d, err
	}
	h, known := t.handlers[ev.Type]
	if dup || !known {
		reason := "duplicate within dedupe window"
		if !known {
			reason = "no handler for event type"
		}
		return t.skip(ctx, d, reason)
	}

	now := t.now().UTC()
	d.ID = uuid.New().String()
	d.Status = models.DeliveryProcessing
	d.MaxRetries = t.max
	d.CreatedAt = now
	d.LastAttemptAt = &now
	if err := t.store.CreateDelivery(ctx, d); err != nil {
		return d, fmt.Errorf("write delivery log: %w", err)
	}
	return t.attempt(ctx, d, ev, h, 0)
}

func (t *Tracker) skip(ctx context.Context, d models.WebhookDeliveryLog, reason string) (models.WebhookDeliveryLog, error) {
	now := t.now().UTC()
	d.ID = uuid.New().String()
	d.Status = models.DeliverySkipped
	d.Error = &reason
	d.MaxRetries = t.max
	d.CreatedAt = now
	d.LastAttemptAt = &now
	if err := t.store.CreateDelivery(ctx, d); err != nil {
		return d, fmt.Errorf("write delivery log: %w", err)
	}
	telemetry.WebhookDeliveries.WithLabelValues(string(d.Status)).Inc()
	t.log.Debug("webhook skipped",
		logger.String("event_type", d.EventType),
		logger.String("entity_key", d.EntityKey),
		logger.String("reason", reason),
	)
	return d, nil
}

func (t *Tracker) attempt(ctx context.Context, d models.WebhookDeliveryLog, ev models.WebhookEvent, h Handler, attempt int) (models.WebhookDeliveryLog, error) {
	cause := h(ctx, ev)
	status := 200
	if cause != nil {
		status = 500
		t.log.Warn("webhook handler failed",
			logger.String("delivery_id", d.ID),
			logger.String("event_type", ev.Type),
			logger.Int("attempt", attempt),
			logger.Error(cause),
		)
	}
	return t.LogDelivery(ctx, d, attempt, cause, status)
}

// claimTTL bounds how long a redelivery claim blocks other instances.
const claimTTL = 10 * time.Minute

// claim reserves one redelivery attempt of d for this instance. The key carries
// the retry count, so the next attempt can be claimed once this one is logged.
func (t *Tracker) claim(ctx context.Context, d models.WebhookDeliveryLog) (bool, error) {
	key := "webhook:claim:" + d.ID + ":" + strconv.Itoa(d.RetryCount)
	ok, err := t.redis.SetNX(ctx, key, "1", claimTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim delivery %s: %w", d.ID, err)
	}
	return ok, nil
}

// ProcessDue redelivers retrying deliveries whose NextRetryAt has passed. Each
// attempt is claimed in Redis first, so instances sharing the store never run the
// same attempt twice. It returns how many were attempted.
func (t *Tracker) ProcessDue(ctx context.Context, limit int) (int, error) {
	due, err := t.store.DueDeliveries(ctx, t.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("list due deliveries: %w", err)
	}
	n := 0
	for _, d := range due {
		claimed, err := t.claim(ctx, d)
		if err != nil {
			return n, err
		}
		if !claimed {
			continue
		}
		var ev models.WebhookEvent
		if err := json.Unmarshal(d.Payload, &ev); err != nil {
			if _, lerr := t.LogDelivery(ctx, d, t.max, fmt.Errorf("decode stored event: %w", err), 0); lerr != nil {
				return n, lerr
			}
			continue
		}
		h, ok := t.handlers[ev.Type]
		if !ok {
			if err := t.markSkipped(ctx, d, "no handler for event type"); err != nil {
				return n, err
			}
			continue
		}
		if _, err := t.attempt(ctx, d, ev, h, d.RetryCount+1); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// markSkipped closes a stored delivery that can no longer be processed.
func (t *Tracker) markSkipped(ctx context.Context, d models.WebhookDeliveryLog, reason string) error {
	now := t.now().UTC()
	d.Status = models.DeliverySkipped
	d.Error = &reason
	d.NextRetryAt = nil
	d.LastAttemptAt = &now
	if err := t.store.UpdateDelivery(ctx, d); err != nil {
		return fmt.Errorf("write delivery log: %w", err)
	}
	telemetry.WebhookDeliveries.WithLabelValues(string(d.Status)).Inc()
	t.log.Warn("stored webhook skipped", logger.String("delivery_id", d.ID), logger.String("reason", reason))
	return nil
}

// Redeliver runs ProcessDue every interval until ctx ends.
func (t *Tracker) Redeliver(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := t.ProcessDue(ctx, 100); err != nil {
				t.log.Error("webhook redelivery failed", logger.Error(err))
			} else if n > 0 {
				t.log.Info("webhooks redelivered", logger.Int("count", n))
			}
		}
	}
}
