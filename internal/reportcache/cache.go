// Package reportcache stores generated report artifacts under a content key and
// refuses to serve them once a tracked process has moved since generation.
package reportcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"legalcase-jobs/internal/logger"
	"legalcase-jobs/internal/models"
	"legalcase-jobs/internal/telemetry"
)

// EntryStore persists cache entries.
type EntryStore interface {
	GetEntry(ctx context.Context, key string) (models.ReportCacheEntry, bool, error)
	PutEntry(ctx context.Context, entry models.ReportCacheEntry) error
	DeleteEntry(ctx context.Context, key string) error
}

// MovementSource reports the newest movement among a set of processes.
type MovementSource interface {
	LatestMovement(ctx context.Context, workspaceID string, processIDs []string) (time.Time, bool, error)
}

// Request identifies a report independently of argument order.
type Request struct {
	WorkspaceID string
	ProcessIDs  []string
	ReportType  string
	Formats     []string
}

// Key derives the content key. Process ids and formats are sorted first, so the
// same set requested in a different order maps to the same entry.
func Key(r Request) string {
	pids := sortedCopy(r.ProcessIDs)
	formats := sortedCopy(r.Formats)
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s", r.WorkspaceID, strings.Join(pids, ","), r.ReportType, strings.Join(formats, ","))
	return "report:" + hex.EncodeToString(h.Sum(nil))
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

// Outcome classifies a lookup.
type Outcome string

const (
	OutcomeHit     Outcome = "hit"
	OutcomeMiss    Outcome = "miss"
	OutcomeExpired Outcome = "expired"
	OutcomeStale   Outcome = "stale"
)

// Cache answers report lookups.
type Cache struct {
	entries   EntryStore
	movements MovementSource
	ttl       time.Duration
	log       logger.Logger
	now       func() time.Time
}

// New builds a cache whose entries live for ttl.
func New(entries EntryStore, movements MovementSource, ttl time.Duration, log logger.Logger) *Cache {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Cache{entries: entries, movements: movements, ttl: ttl, log: log, now: time.Now}
}

// Lookup returns a usable entry. Expired entries and entries older than the newest
// movement of any of their processes are deleted and reported as misses.
func (c *Cache) Lookup(ctx context.Context, r Request) (models.ReportCacheEntry, Outcome, error) {
	key := Key(r)
	entry, ok, err := c.entries.GetEntry(ctx, key)
	if err != nil {
		return models.ReportCacheEntry{}, OutcomeMiss, fmt.Errorf("read cache entry: %w", err)
	}
	if !ok {
		telemetry.ReportCacheLookups.WithLabelValues(string(OutcomeMiss)).Inc()
		return models.ReportCacheEntry{}, OutcomeMiss, nil
	}
	if !c.now().Before(entry.ExpiresAt) {
		return c.evict(ctx, key, OutcomeExpired)
	}
	latest, found, err := c.movements.LatestMovement(ctx, r.WorkspaceID, r.ProcessIDs)
	if err != nil {
		return models.ReportCacheEntry{}, OutcomeMiss, fmt.Errorf("read latest movement: %w", err)
	}
	if found && latest.After(entry.LastMovementTimestamp) {
		c.log.Info("report cache entry stale",
			logger.String("cache_key", key),
			logger.Time("entry_movement", entry.LastMovementTimestamp),
			logger.Time("latest_movement", latest),
		)
		return c.evict(ctx, key, OutcomeStale)
	}
	telemetry.ReportCacheLookups.WithLabelValues(string(OutcomeHit)).Inc()
	return entry, OutcomeHit, nil
}

func (c *Cache) evict(ctx context.Context, key string, outcome Outcome) (models.ReportCacheEntry, Outcome, error) {
	telemetry.ReportCacheLookups.WithLabelValues(string(outcome)).Inc()
	if err := c.entries.DeleteEntry(ctx, key); err != nil {
		return models.ReportCacheEntry{}, outcome, fmt.Errorf("delete cache entry: %w", err)
	}
	return models.ReportCacheEntry{}, outcome, nil
}

// Watermark returns the newest movement of r's processes, or the zero time when
// none is recorded. Read it before generating and hand it to Store.
func (c *Cache) Watermark(ctx context.Context, r Request) (time.Time, error) {
	latest, _, err := c.movements.LatestMovement(ctx, r.WorkspaceID, r.ProcessIDs)
	if err != nil {
		return time.Time{}, fmt.Errorf("read latest movement: %w", err)
	}
	return latest, nil
}

// Store records freshly generated artifacts. asOf is the movement watermark read
// before generation started; movements after it make the entry stale.
func (c *Cache) Store(ctx context.Context, r Request, fileURLs map[string]string, asOf time.Time) (models.ReportCacheEntry, error) {
	now := c.now().UTC()
	entry := models.ReportCacheEntry{
		CacheKey:              Key(r),
		WorkspaceID:           r.WorkspaceID,
		ReportType:            r.ReportType,
		ProcessIDs:            sortedCopy(r.ProcessIDs),
		FileURLs:              fileURLs,
		LastMovementTimestamp: asOf.UTC(),
		CreatedAt:             now,
		ExpiresAt:             now.Add(c.ttl),
	}
	if err := c.entries.PutEntry(ctx, entry); err != nil {
		return models.ReportCacheEntry{}, fmt.Errorf("write cache entry: %w", err)
	}
	return entry, nil
}

// Invalidate deletes the entry for r.
func (c *Cache) Invalidate(ctx context.Context, r Request) error {
	return c.entries.DeleteEntry(ctx, Key(r))
}
