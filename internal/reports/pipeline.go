package reports

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"legalcase-jobs/internal/artifacts"
	"legalcase-jobs/internal/credits"
	"legalcase-jobs/internal/logger"
	"legalcase-jobs/internal/models"
	"legalcase-jobs/internal/reportcache"
	"legalcase-jobs/internal/worker"
)

// ArtifactStore keeps generated report files.
type ArtifactStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Result is stored on the completed report job.
type Result struct {
	CacheHit bool              `json:"cacheHit"`
	FileURLs map[string]string `json:"fileUrls"`
	Charged  string            `json:"charged"`
}

// Pipeline runs one billable report: debit, cache lookup, generation, upload.
type Pipeline struct {
	ledger    *credits.Ledger
	cache     *reportcache.Cache
	generator Generator
	artifacts ArtifactStore
	log       logger.Logger
}

// NewPipeline wires the collaborators of report generation.
func NewPipeline(ledger *credits.Ledger, cache *reportcache.Cache, generator Generator, store ArtifactStore, log logger.Logger) *Pipeline {
	if log == nil {
		log = logger.NewNop()
	}
	return &Pipeline{ledger: ledger, cache: cache, generator: generator, artifacts: store, log: log}
}

// Run settles the charge of a report job. The debit happens before anything else;
// a cache hit refunds it in full, and every failure after it is rolled back by the
// deferred Close. Insufficient credits fail the job without retries.
func (p *Pipeline) Run(ctx context.Context, job models.Job, r models.ReportPayload, progress worker.Progress) (Result, error) {
	log := p.log.With(logger.String("job_id", job.ID), logger.String("workspace_id", r.WorkspaceID))
	charge := p.ledger.NewCharge(credits.ChargeParams{
		JobID:       job.ID,
		WorkspaceID: r.WorkspaceID,
		HoldID:      r.HoldID,
		Amount:      r.Amount,
		Category:    r.Category,
	})
	defer func() {
		if err := charge.Close(context.WithoutCancel(ctx)); err != nil {
			log.Error("charge rollback failed", logger.Error(err))
		}
	}()

	progress(10)
	if err := charge.Debit(ctx); err != nil {
		if errors.Is(err, credits.ErrInsufficientCredits) {
			return Result{}, worker.Permanent(err)
		}
		return Result{}, fmt.Errorf("debit credits: %w", err)
	}
	progress(20)

	key := reportcache.Request{
		WorkspaceID: r.WorkspaceID,
		ProcessIDs:  r.ProcessIDs,
		ReportType:  r.ReportType,
		Formats:     r.Formats,
	}
	entry, outcome, err := p.cache.Lookup(ctx, key)
	if err != nil {
		log.Warn("report cache lookup failed, generating", logger.Error(err))
	}
	if outcome == reportcache.OutcomeHit {
		if err := charge.Refund(ctx, credits.ReasonCacheHit); err != nil {
			return Result{}, err
		}
		charge.Commit()
		progress(100)
		log.Info("report served from cache", logger.String("cache_key", entry.CacheKey))
		return Result{CacheHit: true, FileURLs: entry.FileURLs, Charged: "0"}, nil
	}
	progress(30)

	asOf, werr := p.cache.Watermark(ctx, key)
	if werr != nil {
		log.Warn("movement watermark unavailable, result will not be cached", logger.Error(werr))
	}

	start := time.Now()
	files, err := p.generator.Generate(ctx, GenerateRequest{
		WorkspaceID: r.WorkspaceID,
		ProcessIDs:  r.ProcessIDs,
		ReportType:  r.ReportType,
		Formats:     r.Formats,
	})
	if err != nil {
		return Result{}, fmt.Errorf("generate report: %w", err)
	}
	log.Debug("report generated", logger.Since(start))
	progress(70)

	urls, err := p.upload(ctx, job.ID, r, files)
	if err != nil {
		return Result{}, err
	}
	progress(90)

	if werr == nil {
		if _, err := p.cache.Store(ctx, key, urls, asOf); err != nil {
			log.Warn("report cache store failed", logger.Error(err))
		}
	}
	charge.Commit()
	progress(100)
	log.Info("report generated and charged", logger.String("amount", r.Amount.String()), logger.Bool("recovered", charge.Recovered()))
	return Result{FileURLs: urls, Charged: r.Amount.String()}, nil
}

func (p *Pipeline) upload(ctx context.Context, jobID string, r models.ReportPayload, files map[string][]byte) (map[string]string, error) {
	formats := append([]string(nil), r.Formats...)
	sort.Strings(formats)
	urls := make(map[string]string, len(formats))
	for _, format := range formats {
		body, ok := files[format]
		if !ok || len(body) == 0 {
			return nil, fmt.Errorf("generator returned no %s output", format)
		}
		key := fmt.Sprintf("%s/reports/%s/%s.%s", r.WorkspaceID, jobID, r.ReportType, format)
		url, err := p.artifacts.Put(ctx, key, body, artifacts.ContentType(format))
		if err != nil {
			return nil, fmt.Errorf("store %s report: %w", format, err)
		}
		urls[format] = url
	}
	return urls, nil
}

// IndividualHandler runs an on-demand report job.
func (p *Pipeline) IndividualHandler(ctx context.Context, job models.Job, progress worker.Progress) (any, error) {
	var r models.ReportPayload
	if err := models.DecodePayload(job.Payload, &r); err != nil {
		return nil, worker.Permanent(err)
	}
	return p.Run(ctx, job, r, progress)
}

// ScheduledHandler runs a report job created by a schedule.
func (p *Pipeline) ScheduledHandler(ctx context.Context, job models.Job, progress worker.Progress) (any, error) {
	var r models.ScheduledReportPayload
	if err := models.DecodePayload(job.Payload, &r); err != nil {
		return nil, worker.Permanent(err)
	}
	return p.Run(ctx, job, r.ReportPayload, progress)
}
