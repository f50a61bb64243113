// Package circuit provides the quota circuit breaker guarding calls to the legal-data
// provider. The authoritative state lives in Redis so every worker instance agrees;
// each Breaker value is a client of that state plus a local event emitter.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"legalcase-jobs/internal/logger"
	"legalcase-jobs/internal/telemetry"
)

// ErrCircuitOpen is matched by every OpenError.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the state of the circuit breaker.
type State int

const (
	// StateClosed means provider calls are allowed.
	StateClosed State = iota
	// StateOpen means provider calls are paused until NextRetryAt.
	StateOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// EventType names a side effect the breaker announces to local subscribers.
type EventType string

const (
	EventCircuitOpened EventType = "circuit-opened"
	EventQueueResumed  EventType = "queue-resumed"
)

// Event is delivered to subscribers after a transition.
type Event struct {
	Type   EventType
	Status Status
}

// Config configures a breaker.
type Config struct {
	// Name identifies the guarded dependency; it is also the Redis key suffix.
	Name string
	// Cooldown is how long the circuit stays open after the first trip.
	Cooldown time.Duration
	// MaxCooldown caps the cooldown after repeated failed probes.
	MaxCooldown time.Duration
	// Multiplier grows the cooldown for every consecutive failed probe.
	Multiplier float64
}

// DefaultConfig returns a default breaker configuration.
func DefaultConfig(name string) Config {
	return Config{
		Name:        name,
		Cooldown:    15 * time.Minute,
		MaxCooldown: 24 * time.Hour,
		Multiplier:  2,
	}
}

// Status is the observable state of the breaker.
type Status struct {
	Name        string     `json:"name"`
	State       State      `json:"state"`
	OpenedAt    *time.Time `json:"openedAt,omitempty"`
	NextRetryAt *time.Time `json:"nextRetryAt,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	Trips       int        `json:"trips"`
	Config      Config     `json:"config"`
}

// OpenError is returned while the circuit is open.
type OpenError struct {
	Name        string
	NextRetryAt time.Time
	Reason      string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit opened, retry scheduled at %s", e.NextRetryAt.UTC().Format(time.RFC3339))
}

func (e *OpenError) Unwrap() error { return ErrCircuitOpen }

// OpenError describes the pause for callers that must reject work. It is nil for a
// closed circuit.
func (s Status) OpenError() *OpenError {
	if s.State != StateOpen || s.NextRetryAt == nil {
		return nil
	}
	return &OpenError{Name: s.Name, NextRetryAt: *s.NextRetryAt, Reason: s.Reason}
}

// Breaker implements the quota circuit breaker.
type Breaker struct {
	client *redis.Client
	config Config
	log    logger.Logger
	now    func() time.Time

	mu          sync.RWMutex
	subscribers []func(Event)
	// resumedFor remembers the NextRetryAt a local queue-resumed was already sent for.
	resumedFor time.Time
}

// New creates a breaker with the given configuration.
func New(client *redis.Client, config Config, log logger.Logger) *Breaker {
	def := DefaultConfig(config.Name)
	if config.Name == "" {
		config.Name = "provider"
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if config.MaxCooldown < config.Cooldown {
		config.MaxCooldown = def.MaxCooldown
		if config.MaxCooldown < config.Cooldown {
			config.MaxCooldown = config.Cooldown
		}
	}
	if config.Multiplier < 1 {
		config.Multiplier = def.Multiplier
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Breaker{
		client: client,
		config: config,
		log:    log.With(logger.String("circuit", config.Name)),
		now:    time.Now,
	}
}

// Name returns the guarded dependency name.
func (b *Breaker) Name() string { return b.config.Name }

func (b *Breaker) key() string { return "circuit:" + b.config.Name }

// Subscribe registers fn for every future event. Callbacks run synchronously on the
// goroutine that caused the transition and must not block.
func (b *Breaker) Subscribe(fn func(Event)) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, fn)
}

func (b *Breaker) emit(ev Event) {
	b.mu.RLock()
	subs := append([]func(Event){}, b.subscribers...)
	b.mu.RUnlock()

	if ev.Status.State == StateOpen {
		telemetry.CircuitOpen.WithLabelValues(b.config.Name).Set(1)
	} else {
		telemetry.CircuitOpen.WithLabelValues(b.config.Name).Set(0)
	}
	for _, fn := range subs {
		fn(ev)
	}
}

// GetStatus reads the shared state.
func (b *Breaker) GetStatus(ctx context.Context) (Status, error) {
	fields, err := b.client.HGetAll(ctx, b.key()).Result()
	if err != nil {
		return Status{}, fmt.Errorf("read circuit state: %w", err)
	}
	st := Status{Name: b.config.Name, State: StateClosed, Config: b.config}
	if fields["state"] == "open" {
		st.State = StateOpen
	}
	st.Reason = fields["reason"]
	st.Trips, _ = strconv.Atoi(fields["trips"])
	st.OpenedAt = msTime(fields["opened_at"])
	if st.State == StateOpen {
		st.NextRetryAt = msTime(fields["next_retry_at"])
	}
	return st, nil
}

// IsQueuePaused reports whether work guarded by this breaker must wait. Once
// NextRetryAt has passed the queue is no longer paused: the next call acts as the
// probe even though the state stays open until RecordSuccess.
func (b *Breaker) IsQueuePaused(ctx context.Context) (bool, error) {
	st, err := b.GetStatus(ctx)
	if err != nil {
		return false, err
	}
	return paused(st, b.now()), nil
}

func paused(st Status, now time.Time) bool {
	return st.State == StateOpen && st.NextRetryAt != nil && now.Before(*st.NextRetryAt)
}

// Guard returns an *OpenError while the queue is paused and nil otherwise.
func (b *Breaker) Guard(ctx context.Context) error {
	st, err := b.GetStatus(ctx)
	if err != nil {
		return err
	}
	if !paused(st, b.now()) {
		return nil
	}
	return &OpenError{Name: st.Name, NextRetryAt: *st.NextRetryAt, Reason: st.Reason}
}

// TriggerQuotaExceeded opens the circuit. While already open and not yet due it is
// a no-op returning the current state; when due (a failed probe) the cooldown grows.
func (b *Breaker) TriggerQuotaExceeded(ctx context.Context, cause error) (Status, error) {
	reason := "quota exceeded"
	if cause != nil {
		reason = cause.Error()
	}
	now := b.now()
	res, err := tripScript.Run(ctx, b.client, []string{b.key()},
		now.UnixMilli(),
		b.config.Cooldown.Milliseconds(),
		b.config.Multiplier,
		b.config.MaxCooldown.Milliseconds(),
		reason,
	).Int64Slice()
	if err != nil {
		return Status{}, fmt.Errorf("trip circuit: %w", err)
	}
	changed := res[0] == 1
	opened := time.UnixMilli(res[1]).UTC()
	next := time.UnixMilli(res[2]).UTC()
	st := Status{
		Name:        b.config.Name,
		State:       StateOpen,
		OpenedAt:    &opened,
		NextRetryAt: &next,
		Reason:      reason,
		Trips:       int(res[3]),
		Config:      b.config,
	}
	if changed {
		b.log.Warn("circuit opened",
			logger.String("reason", reason),
			logger.Time("next_retry_at", next),
			logger.Int("trips", st.Trips),
		)
		b.emit(Event{Type: EventCircuitOpened, Status: st})
	}
	return st, nil
}

// RecordSuccess closes an open circuit whose cooldown has elapsed. Successes that
// land before NextRetryAt (requests accepted before the trip) do not close it.
func (b *Breaker) RecordSuccess(ctx context.Context) error {
	closed, err := closeScript.Run(ctx, b.client, []string{b.key()}, b.now().UnixMilli(), 0).Int()
	if err != nil {
		return fmt.Errorf("close circuit: %w", err)
	}
	if closed == 1 {
		b.log.Info("circuit closed after successful probe")
		b.emit(Event{Type: EventQueueResumed, Status: Status{Name: b.config.Name, State: StateClosed, Config: b.config}})
	}
	return nil
}

// Resume closes the circuit unconditionally. It is the explicit resume signal.
func (b *Breaker) Resume(ctx context.Context) error {
	closed, err := closeScript.Run(ctx, b.client, []string{b.key()}, b.now().UnixMilli(), 1).Int()
	if err != nil {
		return fmt.Errorf("resume circuit: %w", err)
	}
	if closed == 1 {
		b.log.Info("circuit resumed manually")
	}
	b.emit(Event{Type: EventQueueResumed, Status: Status{Name: b.config.Name, State: StateClosed, Config: b.config}})
	return nil
}

// Watch polls the shared state and emits queue-resumed once per cooldown when
// NextRetryAt passes, so a paused queue admits the probe job. It returns when ctx ends.
func (b *Breaker) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.checkRecovery(ctx)
		}
	}
}

func (b *Breaker) checkRecovery(ctx context.Context) {
	st, err := b.GetStatus(ctx)
	if err != nil {
		b.log.Warn("circuit watch read failed", logger.Error(err))
		return
	}
	if st.State != StateOpen || st.NextRetryAt == nil || b.now().Before(*st.NextRetryAt) {
		return
	}
	b.mu.Lock()
	if b.resumedFor.Equal(*st.NextRetryAt) {
		b.mu.Unlock()
		return
	}
	b.resumedFor = *st.NextRetryAt
	b.mu.Unlock()

	b.log.Info("circuit cooldown elapsed, admitting probe", logger.Time("next_retry_at", *st.NextRetryAt))
	b.emit(Event{Type: EventQueueResumed, Status: st})
}

func msTime(v string) *time.Time {
	if v == "" {
		return nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}

// tripScript: KEYS[1]=state hash; ARGV = now_ms, cooldown_ms, multiplier, max_ms, reason.
// Returns {changed, opened_at, next_retry_at, trips}.
var tripScript = redis.NewScript(`
local st = redis.call('HMGET', KEYS[1], 'state', 'next_retry_at', 'trips', 'opened_at')
local now = tonumber(ARGV[1])
local next_retry = tonumber(st[2])
if st[1] == 'open' and next_retry and now < next_retry then
  return {0, tonumber(st[4]) or now, next_retry, tonumber(st[3]) or 1}
end
local trips = 1
local opened = now
if st[1] == 'open' then
  trips = (tonumber(st[3]) or 0) + 1
  opened = tonumber(st[4]) or now
end
local cooldown = math.floor(tonumber(ARGV[2]) * (tonumber(ARGV[3]) ^ (trips - 1)))
if cooldown > tonumber(ARGV[4]) then cooldown = tonumber(ARGV[4]) end
next_retry = now + cooldown
redis.call('HSET', KEYS[1], 'state', 'open', 'opened_at', opened,
  'next_retry_at', next_retry, 'trips', trips, 'reason', ARGV[5])
return {1, opened, next_retry, trips}
`)

// closeScript: ARGV = now_ms, force. Returns 1 when an open circuit was closed.
var closeScript = redis.NewScript(`
local st = redis.call('HMGET', KEYS[1], 'state', 'next_retry_at')
if st[1] ~= 'open' then return 0 end
if ARGV[2] ~= '1' and tonumber(ARGV[1]) < (tonumber(st[2]) or 0) then return 0 end
redis.call('HSET', KEYS[1], 'state', 'closed', 'trips', 0, 'closed_at', ARGV[1])
redis.call('HDEL', KEYS[1], 'next_retry_at', 'opened_at')
return 1
`)
