// Package reports accepts billable report requests, runs report generation jobs
// against the credit ledger and the report cache, and triggers recurring schedules.
package reports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"legalcase-jobs/internal/credits"
	"legalcase-jobs/internal/logger"
	"legalcase-jobs/internal/models"
	"legalcase-jobs/internal/queue"
)

// Enqueuer adds jobs to a queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (models.Job, bool, error)
}

// Window is the daily off-peak period, [StartHour, EndHour) in Location. A window
// whose start is after its end wraps past midnight.
type Window struct {
	StartHour int
	EndHour   int
	Location  *time.Location
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	h := t.In(w.location()).Hour()
	if w.StartHour <= w.EndHour {
		return h >= w.StartHour && h < w.EndHour
	}
	return h >= w.StartHour || h < w.EndHour
}

// Next returns t when it is inside the window, otherwise the next window start.
func (w Window) Next(t time.Time) time.Time {
	if w.StartHour == w.EndHour || w.Contains(t) {
		return t
	}
	local := t.In(w.location())
	start := time.Date(local.Year(), local.Month(), local.Day(), w.StartHour, 0, 0, 0, w.location())
	if !start.After(local) {
		start = start.AddDate(0, 0, 1)
	}
	return start
}

func (w Window) location() *time.Location {
	if w.Location == nil {
		return time.UTC
	}
	return w.Location
}

// Service places the credit hold for a report and enqueues its job.
type Service struct {
	ledger     *credits.Ledger
	individual Enqueuer
	scheduled  Enqueuer
	offPeak    Window
	log        logger.Logger
	now        func() time.Time
}

// NewService wires the ledger with the individual and scheduled report queues.
func NewService(ledger *credits.Ledger, individual, scheduled Enqueuer, offPeak Window, log logger.Logger) *Service {
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{
		ledger:     ledger,
		individual: individual,
		scheduled:  scheduled,
		offPeak:    offPeak,
		log:        log,
		now:        time.Now,
	}
}

// SubmitRequest asks for one report.
type SubmitRequest struct {
	WorkspaceID string
	UserID      string
	ProcessIDs  []string
	ReportType  string
	Formats     []string
	Category    models.CreditCategory
	Priority    string
	// RunAt delays generation; zero runs as soon as a worker is free.
	RunAt time.Time
}

// Submit prices the report at the standard rate, holds the credits and enqueues an
// individual report job. The hold is gone again if the job cannot be enqueued.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (models.Job, error) {
	p := models.ReportPayload{
		WorkspaceID: req.WorkspaceID,
		UserID:      req.UserID,
		ProcessIDs:  req.ProcessIDs,
		ReportType:  req.ReportType,
		Formats:     req.Formats,
		Amount:      s.ledger.CalculateCost(len(req.ProcessIDs)),
		Category:    req.Category,
	}
	if p.Category == "" {
		p.Category = models.CategoryReport
	}
	if err := p.Validate(); err != nil {
		return models.Job{}, fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
	}
	return s.place(ctx, s.individual, &p, func() any { return p }, queue.EnqueueRequest{
		Type:     models.JobTypeIndividualReport,
		Priority: req.Priority,
		RunAt:    req.RunAt,
	})
}

// SubmitScheduled enqueues a report for a schedule at half price, deferred to the
// next off-peak window. One job is created per schedule and window.
func (s *Service) SubmitScheduled(ctx context.Context, sc models.ReportSchedule) (models.Job, error) {
	runAt := s.offPeak.Next(s.now()).UTC()
	p := models.ScheduledReportPayload{
		ReportPayload: models.ReportPayload{
			WorkspaceID: sc.WorkspaceID,
			UserID:      sc.UserID,
			ProcessIDs:  sc.ProcessIDs,
			ReportType:  sc.ReportType,
			Formats:     sc.Formats,
			Amount:      s.ledger.OffPeakCost(len(sc.ProcessIDs)),
			Category:    models.CategoryReport,
			ScheduleID:  sc.ID,
		},
		ScheduledFor: runAt.Format(time.RFC3339),
	}
	if err := p.Validate(); err != nil {
		return models.Job{}, fmt.Errorf("%w: %v", models.ErrInvalidPayload, err)
	}
	return s.place(ctx, s.scheduled, &p.ReportPayload, func() any { return p }, queue.EnqueueRequest{
		Type:      models.JobTypeScheduledReport,
		Priority:  models.PriorityLow,
		RunAt:     runAt,
		DedupeKey: "schedule:" + sc.ID + ":" + runAt.Format("2006-01-02T15"),
	})
}

// place holds the credits under a pre-assigned job id, then enqueues the job whose
// payload carries the hold.
func (s *Service) place(ctx context.Context, q Enqueuer, p *models.ReportPayload, payload func() any, req queue.EnqueueRequest) (models.Job, error) {
	req.ID = uuid.New().String()
	hold, err := s.ledger.PlaceHold(ctx, credits.HoldRequest{
		WorkspaceID: p.WorkspaceID,
		Amount:      p.Amount,
		Category:    p.Category,
		JobID:       req.ID,
	})
	if err != nil {
		if errors.Is(err, credits.ErrInsufficientCredits) {
			s.log.Info("report rejected, insufficient credits",
				logger.String("workspace_id", p.WorkspaceID),
				logger.String("amount", p.Amount.String()),
			)
		}
		return models.Job{}, err
	}
	p.HoldID = hold.ID
	req.Payload = payload()

	job, existing, err := q.Enqueue(ctx, req)
	if err != nil || existing {
		if _, rerr := s.ledger.ReleaseReservation(ctx, hold.ID); rerr != nil {
			s.log.Warn("release hold of unqueued report failed", logger.String("hold_id", hold.ID), logger.Error(rerr))
		}
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("enqueue report: %w", err)
	}
	s.log.Info("report accepted",
		logger.String("job_id", job.ID),
		logger.String("workspace_id", p.WorkspaceID),
		logger.String("amount", p.Amount.String()),
		logger.Bool("existing", existing),
	)
	return job, nil
}

// ReleaseCancelled frees the credit hold of a report job that was cancelled before
// it ran. Jobs of other types and jobs without a hold are ignored.
func (s *Service) ReleaseCancelled(ctx context.Context, job models.Job) (bool, error) {
	if job.Type != models.JobTypeIndividualReport && job.Type != models.JobTypeScheduledReport {
		return false, nil
	}
	var p models.ReportPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return false, fmt.Errorf("decode report payload: %w", err)
	}
	released, err := s.ledger.ReleaseReservation(ctx, p.HoldID)
	if err != nil {
		return false, err
	}
	if released {
		s.log.Info("hold released for cancelled job", logger.String("job_id", job.ID), logger.String("hold_id", p.HoldID))
	}
	return released, nil
}
