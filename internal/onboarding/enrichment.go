package onboarding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"legalcase-jobs/internal/circuit"
	"legalcase-jobs/internal/logger"
	"legalcase-jobs/internal/models"
	"legalcase-jobs/internal/provider"
	"legalcase-jobs/internal/queue"
	"legalcase-jobs/internal/worker"
)

// QuotaBreaker is the part of the circuit breaker enrichment talks to.
type QuotaBreaker interface {
	Guard(ctx context.Context) error
	TriggerQuotaExceeded(ctx context.Context, cause error) (circuit.Status, error)
	RecordSuccess(ctx context.Context) error
}

// Mirror copies a remote file into artifact storage.
type Mirror interface {
	Mirror(ctx context.Context, key, url string) (string, error)
}

// Enricher executes enrichment and attachment post-processing jobs.
type Enricher struct {
	cases       CaseStore
	provider    provider.Provider
	breaker     QuotaBreaker
	postProcess Enqueuer
	mirror      Mirror
	log         logger.Logger
	now         func() time.Time
}

// EnricherDeps groups the collaborators of an Enricher. PostProcess and Mirror may
// be nil, in which case the secondary phase is skipped.
type EnricherDeps struct {
	Cases       CaseStore
	Provider    provider.Provider
	Breaker     QuotaBreaker
	PostProcess Enqueuer
	Mirror      Mirror
}

// NewEnricher builds the job handlers.
func NewEnricher(deps EnricherDeps, log logger.Logger) *Enricher {
	if log == nil {
		log = logger.NewNop()
	}
	return &Enricher{
		cases:       deps.Cases,
		provider:    deps.Provider,
		breaker:     deps.Breaker,
		postProcess: deps.PostProcess,
		mirror:      deps.Mirror,
		log:         log,
		now:         time.Now,
	}
}

type enrichmentResult struct {
	CaseID      string `json:"caseId"`
	RequestID   string `json:"requestId"`
	Attachments int    `json:"attachments"`
	PostProcess string `json:"postProcessJobId,omitempty"`
}

// EnrichmentHandler fetches the official process data for a case and stores it on
// the case. A quota error from the provider trips the breaker and the job is
// rescheduled for when the circuit is due to close.
func (e *Enricher) EnrichmentHandler(ctx context.Context, job models.Job, progress worker.Progress) (any, error) {
	progress(10)
	var p models.EnrichmentPayload
	if err := models.DecodePayload(job.Payload, &p); err != nil {
		return nil, worker.Permanent(err)
	}
	log := e.log.With(logger.String("job_id", job.ID), logger.String("case_id", p.CaseID))

	if !e.provider.Configured() {
		return nil, provider.ErrNotConfigured
	}
	progress(20)

	if e.breaker != nil {
		if err := e.breaker.Guard(ctx); err != nil {
			return nil, err
		}
	}
	if _, found, err := e.cases.GetCase(ctx, p.CaseID); err != nil {
		return nil, fmt.Errorf("load case: %w", err)
	} else if !found {
		return nil, worker.Permanent(models.ErrCaseNotFound)
	}
	progress(30)

	res, err := e.provider.RequestFullProcess(ctx, p.CNJ)
	if err != nil {
		return nil, e.providerFailure(ctx, log, err)
	}
	progress(60)

	if e.breaker != nil {
		if err := e.breaker.RecordSuccess(ctx); err != nil {
			log.Warn("record provider success failed", logger.Error(err))
		}
	}

	if _, err := e.cases.UpdateCase(ctx, p.CaseID, func(c *models.Case) error {
		md, err := models.ParseOnboardingMetadata(c.Metadata)
		if err != nil {
			return err
		}
		now := e.now().UTC()
		md.EnrichedAt = &now
		md.RequestID = res.RequestID
		md.Process = res.Process
		if c.Metadata, err = models.MergeOnboardingMetadata(c.Metadata, md); err != nil {
			return err
		}
		c.Status = models.CaseStatusActive
		return nil
	}); err != nil {
		return nil, fmt.Errorf("store enrichment: %w", err)
	}
	progress(80)

	out := enrichmentResult{CaseID: p.CaseID, RequestID: res.RequestID, Attachments: len(res.Attachments)}
	out.PostProcess = e.dispatchPostProcess(ctx, log, p, res)
	progress(100)
	log.Info("case enriched", logger.String("request_id", res.RequestID), logger.Int("attachments", len(res.Attachments)))
	return out, nil
}

func (e *Enricher) providerFailure(ctx context.Context, log logger.Logger, err error) error {
	if provider.IsQuotaExceeded(err) && e.breaker != nil {
		st, terr := e.breaker.TriggerQuotaExceeded(ctx, err)
		if terr != nil {
			return fmt.Errorf("trip circuit after %v: %w", err, terr)
		}
		if open := st.OpenError(); open != nil {
			log.Warn("provider quota exceeded", logger.Error(err), logger.Time("next_retry_at", open.NextRetryAt))
			return open
		}
	}
	var perr *provider.Error
	if errors.As(err, &perr) && !perr.Retryable() {
		return worker.Permanent(fmt.Errorf("request full process: %w", err))
	}
	return fmt.Errorf("request full process: %w", err)
}

// dispatchPostProcess queues the secondary phase. Failures are logged only; the
// enrichment already succeeded.
func (e *Enricher) dispatchPostProcess(ctx context.Context, log logger.Logger, p models.EnrichmentPayload, res provider.Result) string {
	if e.postProcess == nil || len(res.Attachments) == 0 {
		return ""
	}
	refs := make([]models.AttachmentRef, 0, len(res.Attachments))
	for _, a := range res.Attachments {
		refs = append(refs, models.AttachmentRef{ID: a.ID, Name: a.Name, URL: a.URL})
	}
	job, _, err := e.postProcess.Enqueue(ctx, queue.EnqueueRequest{
		Type: models.JobTypePostProcess,
		Payload: models.PostProcessPayload{
			CaseID:      p.CaseID,
			WorkspaceID: p.WorkspaceID,
			RequestID:   res.RequestID,
			Attachments: refs,
		},
		Priority:  models.PriorityLow,
		DedupeKey: "attachments:" + p.CaseID + ":" + res.RequestID,
	})
	if err != nil {
		log.Warn("post-processing dispatch failed", logger.Error(err))
		return ""
	}
	return job.ID
}

type postProcessResult struct {
	Mirrored int `json:"mirrored"`
	Failed   int `json:"failed"`
}

// PostProcessHandler mirrors the provider-hosted attachments of an enriched case
// into artifact storage. A job where every attachment failed is retried; partial
// success is kept and the failures are logged.
func (e *Enricher) PostProcessHandler(ctx context.Context, job models.Job, progress worker.Progress) (any, error) {
	var p models.PostProcessPayload
	if err := models.DecodePayload(job.Payload, &p); err != nil {
		return nil, worker.Permanent(err)
	}
	if e.mirror == nil {
		return nil, worker.Permanent(errors.New("attachment storage is not configured"))
	}
	log := e.log.With(logger.String("job_id", job.ID), logger.String("case_id", p.CaseID))

	mirrored := make(map[string]string, len(p.Attachments))
	var lastErr error
	for i, a := range p.Attachments {
		key := fmt.Sprintf("%s/cases/%s/attachments/%s", p.WorkspaceID, p.CaseID, attachmentFile(a))
		url, err := e.mirror.Mirror(ctx, key, a.URL)
		if err != nil {
			lastErr = err
			log.Warn("attachment mirror failed", logger.String("attachment_id", a.ID), logger.Error(err))
		} else {
			mirrored[a.ID] = url
		}
		progress((i + 1) * 90 / len(p.Attachments))
	}
	if len(mirrored) == 0 && lastErr != nil {
		return nil, fmt.Errorf("mirror attachments: %w", lastErr)
	}

	if _, err := e.cases.UpdateCase(ctx, p.CaseID, func(c *models.Case) error {
		md, err := models.ParseOnboardingMetadata(c.Metadata)
		if err != nil {
			return err
		}
		if md.Attachments == nil {
			md.Attachments = make(map[string]string, len(mirrored))
		}
		for id, url := range mirrored {
			md.Attachments[id] = url
		}
		c.Metadata, err = models.MergeOnboardingMetadata(c.Metadata, md)
		return err
	}); err != nil {
		return nil, fmt.Errorf("store attachments: %w", err)
	}
	return postProcessResult{Mirrored: len(mirrored), Failed: len(p.Attachments) - len(mirrored)}, nil
}

func attachmentFile(a models.AttachmentRef) string {
	if a.Name == "" {
		return a.ID
	}
	return a.ID + "-" + a.Name
}

// FailureHook records a job's final failure on its case under stage.
func (s *Service) FailureHook(stage models.OnboardingStage) worker.FailureHook {
	return func(ctx context.Context, job models.Job, err error) {
		var ref struct {
			CaseID string `json:"caseId"`
		}
		if jerr := json.Unmarshal(job.Payload, &ref); jerr != nil || ref.CaseID == "" {
			s.log.Warn("failed job carries no case id", logger.String("job_id", job.ID))
			return
		}
		if _, rerr := s.RecordOnboardingError(ctx, ref.CaseID, stage, err.Error(), ErrorCode(err)); rerr != nil {
			s.log.Error("record onboarding failure", logger.String("job_id", job.ID), logger.Error(rerr))
		}
	}
}

// ErrorCode classifies err for the case error log.
func ErrorCode(err error) string {
	var perr *provider.Error
	switch {
	case errors.As(err, &perr) && perr.Code != "":
		return perr.Code
	case errors.As(err, &perr):
		return fmt.Sprintf("HTTP_%d", perr.StatusCode)
	case errors.Is(err, circuit.ErrCircuitOpen):
		return "CIRCUIT_OPEN"
	case errors.Is(err, provider.ErrNotConfigured):
		return "NOT_CONFIGURED"
	case errors.Is(err, provider.ErrInvalidResponse):
		return "INVALID_RESPONSE"
	case errors.Is(err, models.ErrInvalidPayload):
		return "INVALID_PAYLOAD"
	case errors.Is(err, models.ErrCaseNotFound):
		return "CASE_NOT_FOUND"
	case errors.Is(err, context.DeadlineExceeded):
		return "TIMEOUT"
	}
	return "UNKNOWN"
}
