// Package app holds the wiring shared by the api and worker binaries.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"legalcase-jobs/internal/api"
	"legalcase-jobs/internal/config"
	"legalcase-jobs/internal/credits"
	"legalcase-jobs/internal/logger"
	"legalcase-jobs/internal/models"
	"legalcase-jobs/internal/onboarding"
	"legalcase-jobs/internal/queue"
	"legalcase-jobs/internal/reportcache"
	"legalcase-jobs/internal/reports"
	"legalcase-jobs/internal/store"
	"legalcase-jobs/internal/store/memstore"
	"legalcase-jobs/internal/webhook"
	"legalcase-jobs/internal/worker"
)

// Gateway is every persistence capability the binaries use.
type Gateway interface {
	credits.Store
	onboarding.CaseStore
	api.CaseStore
	api.ScheduleStore
	reportcache.EntryStore
	reportcache.MovementSource
	reports.ScheduleStore
	webhook.DeliveryStore
	webhook.MovementRecorder
	worker.AuditSink
	Close()
}

var (
	_ Gateway = (*store.Store)(nil)
	_ Gateway = (*memstore.Store)(nil)
)

// OpenStore selects the persistence gateway by STORE_DRIVER. Postgres runs the
// embedded migrations before returning.
func OpenStore(ctx context.Context, cfg config.Config, log logger.Logger) (Gateway, error) {
	switch cfg.StoreDriver {
	case "memory":
		log.Warn("using in-memory store; data is lost on exit")
		return memstore.New(), nil
	case "postgres", "":
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		applied, err := st.RunMigrations()
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		version, _, _ := st.MigrationVersion()
		log.Info("schema ready", logger.Bool("migrated", applied), logger.Int("version", int(version)))
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// NewRedis connects to Redis and pings it.
func NewRedis(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Queues are the four job queues, one per job type.
type Queues struct {
	Enrichment  *queue.RedisQueue
	PostProcess *queue.RedisQueue
	Individual  *queue.RedisQueue
	Scheduled   *queue.RedisQueue
}

// NewQueues builds the queues with the configured lease and attempt defaults.
func NewQueues(client *redis.Client, cfg config.Config) Queues {
	opts := queue.Options{
		Priorities:         cfg.PriorityQueues,
		VisibilityTimeout:  cfg.VisibilityTimeout,
		DedupeTTL:          cfg.IdempotencyTTL,
		DefaultMaxAttempts: cfg.MaxAttempts,
	}
	return Queues{
		Enrichment:  queue.NewRedisQueue(client, models.JobTypeEnrichment, opts),
		PostProcess: queue.NewRedisQueue(client, models.JobTypePostProcess, opts),
		Individual:  queue.NewRedisQueue(client, models.JobTypeIndividualReport, opts),
		Scheduled:   queue.NewRedisQueue(client, models.JobTypeScheduledReport, opts),
	}
}

// All lists the queues in a stable order.
func (q Queues) All() []*queue.RedisQueue {
	return []*queue.RedisQueue{q.Enrichment, q.PostProcess, q.Individual, q.Scheduled}
}

// Ledger builds the credit ledger with the configured pricing.
func Ledger(st credits.Store, cfg config.Config, log logger.Logger) (*credits.Ledger, error) {
	pricing, err := credits.ParsePricing(cfg.CreditUnitPrice, cfg.OffPeakMultiplier)
	if err != nil {
		return nil, err
	}
	return credits.NewLedger(st, pricing, log), nil
}

// OffPeak is the configured off-peak window in UTC.
func OffPeak(cfg config.Config) reports.Window {
	return reports.Window{StartHour: cfg.OffPeakStartHour, EndHour: cfg.OffPeakEndHour, Location: time.UTC}
}
