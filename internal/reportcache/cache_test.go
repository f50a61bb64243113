package reportcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"legalcase-jobs/internal/models"
	"legalcase-jobs/internal/store/memstore"
)

func TestKeyIsOrderIndependent(t *testing.T) {
	a := Key(Request{WorkspaceID: "ws", ProcessIDs: []string{"p1", "p2"}, ReportType: "summary", Formats: []string{"pdf", "docx"}})
	b := Key(Request{WorkspaceID: "ws", ProcessIDs: []string{"p2", "p1"}, ReportType: "summary", Formats: []string{"docx", "pdf"}})
	assert.Equal(t, a, b)

	other := Key(Request{WorkspaceID: "ws", ProcessIDs: []string{"p1"}, ReportType: "summary", Formats: []string{"pdf", "docx"}})
	assert.NotEqual(t, a, other)
	otherWS := Key(Request{WorkspaceID: "ws2", ProcessIDs: []string{"p1", "p2"}, ReportType: "summary", Formats: []string{"pdf", "docx"}})
	assert.NotEqual(t, a, otherWS)
}

func TestKeyDoesNotMutateInput(t *testing.T) {
	pids := []string{"b", "a"}
	Key(Request{ProcessIDs: pids})
	assert.Equal(t, []string{"b", "a"}, pids)
}

func newCache(t *testing.T) (*Cache, *memstore.Store, *time.Time) {
	t.Helper()
	st := memstore.New()
	c := New(st, st, time.Hour, nil)
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, st, &now
}

var req = Request{WorkspaceID: "ws", ProcessIDs: []string{"p1", "p2"}, ReportType: "summary", Formats: []string{"pdf"}}

func TestLookupHitAfterStore(t *testing.T) {
	ctx := context.Background()
	c, st, _ := newCache(t)
	require.NoError(t, st.RecordMovement(ctx, models.ProcessMovement{WorkspaceID: "ws", ProcessID: "p1", OccurredAt: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)}))

	_, outcome, err := c.Lookup(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMiss, outcome)

	asOf, err := c.Watermark(ctx, req)
	require.NoError(t, err)
	_, err = c.Store(ctx, req, map[string]string{"pdf": "https://files/r.pdf"}, asOf)
	require.NoError(t, err)

	entry, outcome, err := c.Lookup(ctx, Request{WorkspaceID: "ws", ProcessIDs: []string{"p2", "p1"}, ReportType: "summary", Formats: []string{"pdf"}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeHit, outcome)
	assert.Equal(t, "https://files/r.pdf", entry.FileURLs["pdf"])
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), entry.LastMovementTimestamp)
}

func TestLookupDeletesStaleEntry(t *testing.T) {
	ctx := context.Background()
	c, st, _ := newCache(t)
	stamp := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.PutEntry(ctx, models.ReportCacheEntry{
		CacheKey:              Key(req),
		FileURLs:              map[string]string{"pdf": "old"},
		LastMovementTimestamp: stamp,
		ExpiresAt:             time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, st.RecordMovement(ctx, models.ProcessMovement{WorkspaceID: "ws", ProcessID: "p2", OccurredAt: stamp.Add(time.Minute)}))

	_, outcome, err := c.Lookup(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, outcome)

	_, ok, err := st.GetEntry(ctx, Key(req))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMovementDuringGenerationMakesEntryStale(t *testing.T) {
	ctx := context.Background()
	c, st, _ := newCache(t)
	before := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.RecordMovement(ctx, models.ProcessMovement{WorkspaceID: "ws", ProcessID: "p1", OccurredAt: before}))

	asOf, err := c.Watermark(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, before, asOf.UTC())

	// Lands while the report is being built.
	require.NoError(t, st.RecordMovement(ctx, models.ProcessMovement{WorkspaceID: "ws", ProcessID: "p2", OccurredAt: before.Add(time.Hour)}))
	_, err = c.Store(ctx, req, map[string]string{"pdf": "u"}, asOf)
	require.NoError(t, err)

	_, outcome, err := c.Lookup(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, outcome)
}

func TestLookupIgnoresMovementsOfOtherProcesses(t *testing.T) {
	ctx := context.Background()
	c, st, _ := newCache(t)
	_, err := c.Store(ctx, req, map[string]string{"pdf": "u"}, time.Time{})
	require.NoError(t, err)
	require.NoError(t, st.RecordMovement(ctx, models.ProcessMovement{WorkspaceID: "ws", ProcessID: "p9", OccurredAt: time.Now().Add(time.Hour)}))
	require.NoError(t, st.RecordMovement(ctx, models.ProcessMovement{WorkspaceID: "other", ProcessID: "p1", OccurredAt: time.Now().Add(time.Hour)}))

	_, outcome, err := c.Lookup(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeHit, outcome)
}

func TestLookupExpiresByTTL(t *testing.T) {
	ctx := context.Background()
	c, st, now := newCache(t)
	_, err := c.Store(ctx, req, map[string]string{"pdf": "u"}, time.Time{})
	require.NoError(t, err)

	*now = now.Add(2 * time.Hour)
	_, outcome, err := c.Lookup(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExpired, outcome)
	_, ok, _ := st.GetEntry(ctx, Key(req))
	assert.False(t, ok)
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newCache(t)
	_, err := c.Store(ctx, req, map[string]string{"pdf": "u"}, time.Time{})
	require.NoError(t, err)
	require.NoError(t, c.Invalidate(ctx, req))
	_, outcome, err := c.Lookup(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMiss, outcome)
}
