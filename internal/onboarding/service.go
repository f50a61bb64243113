// Package onboarding runs official-data enrichment for newly uploaded cases and keeps
// the per-case failure log that decides whether a manual retry is allowed.
package onboarding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"legalcase-jobs/internal/logger"
	"legalcase-jobs/internal/models"
	"legalcase-jobs/internal/queue"
)

// ErrNotRetryable is reported when a case exhausted its retries or has no CNJ.
var ErrNotRetryable = errors.New("case onboarding is not retryable")

// CaseStore reads and atomically updates cases.
type CaseStore interface {
	GetCase(ctx context.Context, id string) (models.Case, bool, error)
	UpdateCase(ctx context.Context, id string, fn func(*models.Case) error) (models.Case, error)
}

// Enqueuer adds jobs to a queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (models.Job, bool, error)
}

// Service owns the case-side state of onboarding.
type Service struct {
	cases      CaseStore
	enrichment Enqueuer
	log        logger.Logger
	now        func() time.Time
}

// NewService wires the case store and the enrichment queue.
func NewService(cases CaseStore, enrichment Enqueuer, log logger.Logger) *Service {
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{cases: cases, enrichment: enrichment, log: log, now: time.Now}
}

// StartRequest asks for enrichment of a case.
type StartRequest struct {
	CaseID   string
	UserID   string
	Priority string
	RunAt    time.Time
}

// Start moves the case into onboarding and enqueues its enrichment job. A case that
// already has a live enrichment job gets that job back.
func (s *Service) Start(ctx context.Context, req StartRequest) (models.Job, error) {
	c, found, err := s.cases.GetCase(ctx, req.CaseID)
	if err != nil {
		return models.Job{}, fmt.Errorf("load case: %w", err)
	}
	if !found {
		return models.Job{}, models.ErrCaseNotFound
	}
	if strings.TrimSpace(c.CNJ) == "" {
		return models.Job{}, fmt.Errorf("%w: case %s has no cnj", models.ErrInvalidPayload, c.ID)
	}
	job, err := s.enqueue(ctx, c, req)
	if err != nil {
		return models.Job{}, err
	}
	if c.Status != models.CaseStatusOnboarding {
		if _, err := s.cases.UpdateCase(ctx, c.ID, func(c *models.Case) error {
			c.Status = models.CaseStatusOnboarding
			return nil
		}); err != nil {
			return job, fmt.Errorf("mark case onboarding: %w", err)
		}
	}
	return job, nil
}

func (s *Service) enqueue(ctx context.Context, c models.Case, req StartRequest) (models.Job, error) {
	job, existing, err := s.enrichment.Enqueue(ctx, queue.EnqueueRequest{
		Type: models.JobTypeEnrichment,
		Payload: models.EnrichmentPayload{
			CaseID:      c.ID,
			WorkspaceID: c.WorkspaceID,
			UserID:      req.UserID,
			CNJ:         strings.TrimSpace(c.CNJ),
		},
		Priority:  req.Priority,
		RunAt:     req.RunAt,
		DedupeKey: "enrichment:" + c.ID,
	})
	if err != nil {
		return models.Job{}, fmt.Errorf("enqueue enrichment: %w", err)
	}
	if existing {
		s.log.Info("enrichment already queued", logger.String("case_id", c.ID), logger.String("job_id", job.ID))
	}
	return job, nil
}

// RecordOnboardingError appends a failure to the case's onboarding log. Each call
// counts against the retry ceiling; once reached, the case stays non-retryable
// until an explicit reset. Only enrichment failures demote the case.
func (s *Service) RecordOnboardingError(ctx context.Context, caseID string, stage models.OnboardingStage, message, code string) (models.OnboardingMetadata, error) {
	if err := stage.Validate(); err != nil {
		return models.OnboardingMetadata{}, err
	}
	var md models.OnboardingMetadata
	_, err := s.cases.UpdateCase(ctx, caseID, func(c *models.Case) error {
		var err error
		md, err = models.ParseOnboardingMetadata(c.Metadata)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		md.RetryCount++
		md.Errors = append(md.Errors, models.OnboardingError{
			Stage:      stage,
			Message:    message,
			Code:       code,
			RetryCount: md.RetryCount,
			OccurredAt: now,
		})
		md.CanRetry = md.RetryCount < models.MaxOnboardingRetries
		md.LastErrorAt = &now

		c.Metadata, err = models.MergeOnboardingMetadata(c.Metadata, md)
		if err != nil {
			return err
		}
		if stage == models.StageEnrichment {
			c.Status = models.CaseStatusUnassigned
		}
		return nil
	})
	if err != nil {
		return models.OnboardingMetadata{}, fmt.Errorf("record onboarding error: %w", err)
	}
	s.log.Warn("onboarding error recorded",
		logger.String("case_id", caseID),
		logger.String("stage", string(stage)),
		logger.String("code", code),
		logger.Int("retry_count", md.RetryCount),
		logger.Bool("can_retry", md.CanRetry),
	)
	return md, nil
}

// RetryOnboarding clears the error log, puts the case back into onboarding and
// enqueues a fresh enrichment job. It returns false without touching the case when
// the case is not retryable or has no CNJ.
func (s *Service) RetryOnboarding(ctx context.Context, caseID string) (bool, error) {
	c, err := s.cases.UpdateCase(ctx, caseID, func(c *models.Case) error {
		md, err := models.ParseOnboardingMetadata(c.Metadata)
		if err != nil {
			return err
		}
		if !md.CanRetry || strings.TrimSpace(c.CNJ) == "" {
			return ErrNotRetryable
		}
		md.Errors = []models.OnboardingError{}
		md.RetryCount = 0
		md.CanRetry = true
		md.LastErrorAt = nil
		c.Metadata, err = models.MergeOnboardingMetadata(c.Metadata, md)
		if err != nil {
			return err
		}
		c.Status = models.CaseStatusOnboarding
		return nil
	})
	if errors.Is(err, ErrNotRetryable) {
		s.log.Info("onboarding retry refused", logger.String("case_id", caseID))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reset onboarding: %w", err)
	}
	job, err := s.enqueue(ctx, c, StartRequest{})
	if err != nil {
		return false, err
	}
	s.log.Info("onboarding retried", logger.String("case_id", caseID), logger.String("job_id", job.ID))
	return true, nil
}
