package reports

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"legalcase-jobs/internal/logger"
	"legalcase-jobs/internal/models"
)

// ScheduleStore lists and advances report schedules.
type ScheduleStore interface {
	DueSchedules(ctx context.Context, now time.Time) ([]models.ReportSchedule, error)
	MarkScheduleRun(ctx context.Context, id string, ranAt, next time.Time) error
}

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NextRun computes the run after from for a schedule interval. Intervals are cron
// expressions or the names daily, weekly and monthly.
func NextRun(interval string, from time.Time) (time.Time, error) {
	spec := strings.TrimSpace(interval)
	switch strings.ToLower(spec) {
	case "daily", "weekly", "monthly":
		spec = "@" + strings.ToLower(spec)
	}
	sched, err := scheduleParser.Parse(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse schedule interval %q: %w", interval, err)
	}
	return sched.Next(from), nil
}

// Scheduler turns due report schedules into scheduled report jobs on a cron tick.
type Scheduler struct {
	store   ScheduleStore
	service *Service
	spec    string
	cron    *cron.Cron
	log     logger.Logger
	now     func() time.Time

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler checks for due schedules every time spec fires.
func NewScheduler(store ScheduleStore, service *Service, spec string, log logger.Logger) *Scheduler {
	if spec == "" {
		spec = "0 * * * *"
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Scheduler{
		store:   store,
		service: service,
		spec:    spec,
		cron:    cron.New(cron.WithParser(scheduleParser), cron.WithChain(cron.Recover(cron.DefaultLogger))),
		log:     log,
		now:     time.Now,
	}
}

// Start registers the tick and starts the cron runner.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	if _, err := s.cron.AddFunc(s.spec, func() {
		if _, err := s.Trigger(s.ctx); err != nil {
			s.log.Error("schedule trigger failed", logger.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("register schedule trigger: %w", err)
	}
	s.cron.Start()
	s.log.Info("report scheduler started", logger.String("spec", s.spec))
	return nil
}

// Stop halts the cron runner and waits for a running trigger.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	s.log.Info("report scheduler stopped")
}

// Trigger submits a job for every due schedule and advances it. It returns how
// many jobs were submitted; one failing schedule does not stop the others.
func (s *Scheduler) Trigger(ctx context.Context) (int, error) {
	now := s.now().UTC()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list due schedules: %w", err)
	}
	submitted := 0
	for _, sc := range due {
		log := s.log.With(logger.String("schedule_id", sc.ID), logger.String("workspace_id", sc.WorkspaceID))
		next, err := NextRun(sc.Interval, now)
		if err != nil {
			log.Error("invalid schedule interval", logger.Error(err))
			continue
		}
		job, err := s.service.SubmitScheduled(ctx, sc)
		if err != nil {
			log.Warn("scheduled report not submitted", logger.Error(err))
		} else {
			submitted++
			log.Info("scheduled report submitted", logger.String("job_id", job.ID), logger.Time("run_at", job.RunAt))
		}
		// Advance even when submission failed so one bad run does not repeat every tick.
		if err := s.store.MarkScheduleRun(ctx, sc.ID, now, next); err != nil {
			log.Error("advance schedule failed", logger.Error(err))
		}
	}
	return submitted, nil
}
