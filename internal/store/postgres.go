// Package store is the Postgres persistence gateway: credit ledger, cases,
// report cache, process movements, webhook deliveries, schedules and audit.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"legalcase-jobs/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// SaveCase inserts or replaces a case.
func (s *Store) SaveCase(ctx context.Context, c models.Case) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cases (id, workspace_id, cnj, status, metadata, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			workspace_id = EXCLUDED.workspace_id, cnj = EXCLUDED.cnj, status = EXCLUDED.status,
			metadata = EXCLUDED.metadata, updated_at = EXCLUDED.updated_at
	`, c.ID, c.WorkspaceID, c.CNJ, c.Status, rawOrNil(c.Metadata), c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save case: %w", err)
	}
	return nil
}

func scanCase(row pgx.Row) (models.Case, error) {
	var c models.Case
	var meta []byte
	if err := row.Scan(&c.ID, &c.WorkspaceID, &c.CNJ, &c.Status, &meta, &c.UpdatedAt); err != nil {
		return models.Case{}, err
	}
	if len(meta) > 0 {
		c.Metadata = json.RawMessage(meta)
	}
	return c, nil
}

func (s *Store) GetCase(ctx context.Context, id string) (models.Case, bool, error) {
	c, err := scanCase(s.pool.QueryRow(ctx, `
		SELECT id, workspace_id, cnj, status, metadata, updated_at FROM cases WHERE id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Case{}, false, nil
	}
	if err != nil {
		return models.Case{}, false, fmt.Errorf("query case: %w", err)
	}
	return c, true, nil
}

// UpdateCase locks the row, runs fn on it and writes the result unless fn fails.
func (s *Store) UpdateCase(ctx context.Context, id string, fn func(*models.Case) error) (models.Case, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Case{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := scanCase(tx.QueryRow(ctx, `
		SELECT id, workspace_id, cnj, status, metadata, updated_at FROM cases WHERE id = $1 FOR UPDATE
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Case{}, models.ErrCaseNotFound
	}
	if err != nil {
		return models.Case{}, fmt.Errorf("lock case: %w", err)
	}
	if err := fn(&c); err != nil {
		return models.Case{}, err
	}
	c.UpdatedAt = time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE cases SET cnj = $2, status = $3, metadata = $4, updated_at = $5 WHERE id = $1
	`, c.ID, c.CNJ, c.Status, rawOrNil(c.Metadata), c.UpdatedAt); err != nil {
		return models.Case{}, fmt.Errorf("update case: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Case{}, fmt.Errorf("commit: %w", err)
	}
	return c, nil
}

func (s *Store) GetEntry(ctx context.Context, key string) (models.ReportCacheEntry, bool, error) {
	var e models.ReportCacheEntry
	var urls []byte
	err := s.pool.QueryRow(ctx, `
		SELECT cache_key, workspace_id, report_type, process_ids, file_urls, last_movement_timestamp, created_at, expires_at
		FROM report_cache WHERE cache_key = $1
	`, key).Scan(&e.CacheKey, &e.WorkspaceID, &e.ReportType, &e.ProcessIDs, &urls, &e.LastMovementTimestamp, &e.CreatedAt, &e.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ReportCacheEntry{}, false, nil
	}
	if err != nil {
		return models.ReportCacheEntry{}, false, fmt.Errorf("query cache entry: %w", err)
	}
	if err := json.Unmarshal(urls, &e.FileURLs); err != nil {
		return models.ReportCacheEntry{}, false, fmt.Errorf("unmarshal file urls: %w", err)
	}
	return e, true, nil
}

func (s *Store) PutEntry(ctx context.Context, e models.ReportCacheEntry) error {
	urls, err := json.Marshal(e.FileURLs)
	if err != nil {
		return fmt.Errorf("marshal file urls: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO report_cache (cache_key, workspace_id, report_type, process_ids, file_urls, last_movement_timestamp, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (cache_key) DO UPDATE SET
			file_urls = EXCLUDED.file_urls, last_movement_timestamp = EXCLUDED.last_movement_timestamp,
			created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at
	`, e.CacheKey, e.WorkspaceID, e.ReportType, e.ProcessIDs, urls, e.LastMovementTimestamp, e.CreatedAt, e.ExpiresAt)
	if err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}
	return nil
}

func (s *Store) DeleteEntry(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM report_cache WHERE cache_key = $1`, key)
	return err
}

func (s *Store) RecordMovement(ctx context.Context, m models.ProcessMovement) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO process_movements (workspace_id, process_id, description, occurred_at)
		VALUES ($1, $2, $3, $4)
	`, m.WorkspaceID, m.ProcessID, m.Description, m.OccurredAt)
	if err != nil {
		return fmt.Errorf("record movement: %w", err)
	}
	return nil
}

func (s *Store) LatestMovement(ctx context.Context, workspaceID string, processIDs []string) (time.Time, bool, error) {
	var latest pgtype.Timestamptz
	err := s.pool.QueryRow(ctx, `
		SELECT MAX(occurred_at) FROM process_movements
		WHERE workspace_id = $1 AND process_id = ANY($2)
	`, workspaceID, processIDs).Scan(&latest)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query latest movement: %w", err)
	}
	if !latest.Valid {
		return time.Time{}, false, nil
	}
	return latest.Time, true, nil
}

const deliveryColumns = `id, event_type, entity_key, payload, status, status_code, error, retry_count, max_retries, next_retry_at, last_attempt_at, delivered_at, created_at`

func scanDelivery(row pgx.Row) (models.WebhookDeliveryLog, error) {
	var d models.WebhookDeliveryLog
	var payload []byte
	var status string
	var errText pgtype.Text
	var next, last, delivered pgtype.Timestamptz
	if err := row.Scan(&d.ID, &d.EventType, &d.EntityKey, &payload, &status, &d.StatusCode, &errText,
		&d.RetryCount, &d.MaxRetries, &next, &last, &delivered, &d.CreatedAt); err != nil {
		return models.WebhookDeliveryLog{}, err
	}
	if len(payload) > 0 {
		d.Payload = json.RawMessage(payload)
	}
	d.Status = models.DeliveryStatus(status)
	d.Error = textPtr(errText)
	d.NextRetryAt = timePtr(next)
	d.LastAttemptAt = timePtr(last)
	d.DeliveredAt = timePtr(delivered)
	return d, nil
}

func (s *Store) CreateDelivery(ctx context.Context, d models.WebhookDeliveryLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_deliveries (`+deliveryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, d.ID, d.EventType, d.EntityKey, rawOrNil(d.Payload), string(d.Status), d.StatusCode, d.Error,
		d.RetryCount, d.MaxRetries, d.NextRetryAt, d.LastAttemptAt, d.DeliveredAt, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

func (s *Store) UpdateDelivery(ctx context.Context, d models.WebhookDeliveryLog) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_deliveries SET
			status = $2, status_code = $3, error = $4, retry_count = $5, max_retries = $6,
			next_retry_at = $7, last_attempt_at = $8, delivered_at = $9
		WHERE id = $1
	`, d.ID, string(d.Status), d.StatusCode, d.Error, d.RetryCount, d.MaxRetries, d.NextRetryAt, d.LastAttemptAt, d.DeliveredAt)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	return nil
}

func (s *Store) GetDelivery(ctx context.Context, id string) (models.WebhookDeliveryLog, bool, error) {
	d, err := scanDelivery(s.pool.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.WebhookDeliveryLog{}, false, nil
	}
	if err != nil {
		return models.WebhookDeliveryLog{}, false, fmt.Errorf("query delivery: %w", err)
	}
	return d, true, nil
}

func (s *Store) DueDeliveries(ctx context.Context, now time.Time, limit int) ([]models.WebhookDeliveryLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+deliveryColumns+` FROM webhook_deliveries
		WHERE status = $1 AND next_retry_at <= $2
		ORDER BY next_retry_at
		LIMIT $3
	`, string(models.DeliveryRetrying), now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due deliveries: %w", err)
	}
	defer rows.Close()
	var out []models.WebhookDeliveryLog
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) SaveSchedule(ctx context.Context, sc models.ReportSchedule) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO report_schedules (id, workspace_id, user_id, process_ids, report_type, formats, interval, next_run_at, last_run_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			process_ids = EXCLUDED.process_ids, report_type = EXCLUDED.report_type, formats = EXCLUDED.formats,
			interval = EXCLUDED.interval, next_run_at = EXCLUDED.next_run_at, active = EXCLUDED.active
	`, sc.ID, sc.WorkspaceID, sc.UserID, sc.ProcessIDs, sc.ReportType, sc.Formats, sc.Interval, sc.NextRunAt, sc.LastRunAt, sc.Active)
	if err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]models.ReportSchedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workspace_id, user_id, process_ids, report_type, formats, interval, next_run_at, last_run_at, active
		FROM report_schedules
		WHERE active = TRUE AND next_run_at <= $1
		ORDER BY next_run_at
	`, now)
	if err != nil {
		return nil, fmt.Errorf("query due schedules: %w", err)
	}
	defer rows.Close()
	var out []models.ReportSchedule
	for rows.Next() {
		var sc models.ReportSchedule
		var last pgtype.Timestamptz
		if err := rows.Scan(&sc.ID, &sc.WorkspaceID, &sc.UserID, &sc.ProcessIDs, &sc.ReportType, &sc.Formats,
			&sc.Interval, &sc.NextRunAt, &last, &sc.Active); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		sc.LastRunAt = timePtr(last)
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *Store) MarkScheduleRun(ctx context.Context, id string, ranAt, next time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE report_schedules SET last_run_at = $2, next_run_at = $3 WHERE id = $1
	`, id, ranAt, next)
	return err
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, entry models.AuditLog) error {
	ts := entry.Recorded
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, queue, event, detail, ts)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.JobID, entry.Queue, entry.Event, entry.Detail, ts)
	return err
}

// AuditTrail lists the recorded events of a job.
func (s *Store) AuditTrail(ctx context.Context, jobID string) ([]models.AuditLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, queue, event, detail, ts FROM audit_logs WHERE job_id = $1 ORDER BY id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	defer rows.Close()
	var out []models.AuditLog
	for rows.Next() {
		var a models.AuditLog
		if err := rows.Scan(&a.JobID, &a.Queue, &a.Event, &a.Detail, &a.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func rawOrNil(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
