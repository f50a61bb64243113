package reports

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"legalcase-jobs/internal/credits"
	"legalcase-jobs/internal/logger"
	"legalcase-jobs/internal/models"
	"legalcase-jobs/internal/queue"
)

// JobReader looks up jobs of one queue.
type JobReader interface {
	Get(ctx context.Context, id string) (models.Job, error)
}

// KeepLiveJobs vetoes the release of holds whose job is still waiting, delayed or
// running in one of the queues. Holds without a job, or whose job cannot be read
// for reasons other than absence, are kept.
func KeepLiveJobs(queues ...JobReader) func(context.Context, models.CreditHold) bool {
	return func(ctx context.Context, h models.CreditHold) bool {
		if h.JobID == "" {
			return false
		}
		for _, q := range queues {
			job, err := q.Get(ctx, h.JobID)
			if errors.Is(err, queue.ErrJobNotFound) {
				continue
			}
			if err != nil {
				return true
			}
			return !job.Terminal()
		}
		return false
	}
}

// HoldSweeper releases stale credit holds on a cron tick.
type HoldSweeper struct {
	ledger *credits.Ledger
	maxAge time.Duration
	keep   func(context.Context, models.CreditHold) bool
	spec   string
	cron   *cron.Cron
	log    logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewHoldSweeper sweeps holds older than maxAge every time spec fires.
func NewHoldSweeper(ledger *credits.Ledger, maxAge time.Duration, spec string, keep func(context.Context, models.CreditHold) bool, log logger.Logger) *HoldSweeper {
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	if spec == "" {
		spec = "*/10 * * * *"
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &HoldSweeper{
		ledger: ledger,
		maxAge: maxAge,
		keep:   keep,
		spec:   spec,
		cron:   cron.New(cron.WithParser(scheduleParser), cron.WithChain(cron.Recover(cron.DefaultLogger))),
		log:    log,
	}
}

// Start registers the sweep and starts the cron runner.
func (s *HoldSweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	if _, err := s.cron.AddFunc(s.spec, func() {
		if _, err := s.Sweep(runCtx); err != nil {
			s.log.Error("hold sweep failed", logger.Error(err))
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("register hold sweep: %w", err)
	}
	s.cron.Start()
	s.log.Info("hold sweeper started", logger.String("spec", s.spec), logger.Duration("max_age", s.maxAge))
	return nil
}

// Sweep runs one pass.
func (s *HoldSweeper) Sweep(ctx context.Context) (int, error) {
	n, err := s.ledger.SweepStaleHolds(ctx, s.maxAge, s.keep)
	if n > 0 {
		s.log.Info("stale holds released", logger.Int("count", n))
	}
	return n, err
}

// Stop halts the cron runner and waits for a running sweep.
func (s *HoldSweeper) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-s.cron.Stop().Done()
}
