package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"legalcase-jobs/internal/app"
	"legalcase-jobs/internal/artifacts"
	"legalcase-jobs/internal/circuit"
	"legalcase-jobs/internal/config"
	"legalcase-jobs/internal/logger"
	"legalcase-jobs/internal/models"
	"legalcase-jobs/internal/onboarding"
	"legalcase-jobs/internal/provider"
	"legalcase-jobs/internal/ratelimit"
	"legalcase-jobs/internal/reportcache"
	"legalcase-jobs/internal/reports"
	"legalcase-jobs/internal/telemetry"
	"legalcase-jobs/internal/webhook"
	"legalcase-jobs/internal/worker"
)

func main() {
	cfg := config.Load()

	lg, err := logger.New(logger.Config{Level: cfg.LogLevel, Development: cfg.Env == "dev"})
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, lg); err != nil {
		lg.Error("worker stopped", logger.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, lg logger.Logger) error {
	st, err := app.OpenStore(ctx, cfg, lg)
	if err != nil {
		return err
	}
	defer st.Close()

	client, err := app.NewRedis(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	queues := app.NewQueues(client, cfg)
	breaker := circuit.New(client, circuit.Config{
		Name:        "provider",
		Cooldown:    cfg.CircuitCooldown,
		MaxCooldown: cfg.CircuitCooldownMax,
		Multiplier:  2,
	}, lg)
	ledger, err := app.Ledger(st, cfg, lg)
	if err != nil {
		return err
	}
	store, err := artifacts.New(ctx, cfg)
	if err != nil {
		return err
	}

	legal := provider.NewClient(provider.Config{
		BaseURL: cfg.ProviderBaseURL,
		APIKey:  cfg.ProviderAPIKey,
		Timeout: cfg.ProviderTimeout,
	})
	if !legal.Configured() {
		lg.Warn("legal-data provider not configured; enrichment jobs will fail and retry")
	}

	onboard := onboarding.NewService(st, queues.Enrichment, lg)
	enricher := onboarding.NewEnricher(onboarding.EnricherDeps{
		Cases:       st,
		Provider:    legal,
		Breaker:     breaker,
		PostProcess: queues.PostProcess,
		Mirror:      store,
	}, lg)

	cache := reportcache.New(st, st, cfg.ReportCacheTTL, lg)
	pipeline := reports.NewPipeline(ledger, cache, reports.NewHTTPGenerator(cfg.GeneratorURL, cfg.ReportTimeout), store, lg)
	service := reports.NewService(ledger, queues.Individual, queues.Scheduled, app.OffPeak(cfg), lg)

	base := worker.Options{
		PollInterval:       cfg.WorkerPollInterval,
		BackoffInitial:     cfg.BackoffInitial,
		BackoffMax:         cfg.BackoffMax,
		ScheduledBatchSize: cfg.ScheduledBatchSize,
		ShutdownGrace:      cfg.ShutdownGrace,
		Audit:              st,
	}
	withPool := func(concurrency int, timeout time.Duration) worker.Options {
		o := base
		o.Concurrency = concurrency
		o.Timeout = timeout
		return o
	}

	enrichOpts := withPool(cfg.EnrichmentConcurrency, cfg.EnrichmentTimeout)
	enrichOpts.Limiter = ratelimit.NewWindow(client, cfg.ProviderRateLimit, cfg.ProviderRateWindow)
	enrichOpts.LimiterKey = "ratelimit:provider"
	enrichOpts.Breaker = breaker
	enrichment := worker.NewProcessor(queues.Enrichment, enrichOpts, lg)
	enrichment.RegisterHandler(models.JobTypeEnrichment, enricher.EnrichmentHandler)
	enrichment.OnFailure(onboard.FailureHook(models.StageEnrichment))

	postProcess := worker.NewProcessor(queues.PostProcess, withPool(cfg.PostProcessConcurrency, cfg.PostProcessTimeout), lg)
	postProcess.RegisterHandler(models.JobTypePostProcess, enricher.PostProcessHandler)
	postProcess.OnFailure(onboard.FailureHook(models.StageAttachment))

	individual := worker.NewProcessor(queues.Individual, withPool(cfg.ReportConcurrency, cfg.ReportTimeout), lg)
	individual.RegisterHandler(models.JobTypeIndividualReport, pipeline.IndividualHandler)

	scheduled := worker.NewProcessor(queues.Scheduled, withPool(cfg.ScheduledConcurrency, cfg.ScheduledTimeout), lg)
	scheduled.RegisterHandler(models.JobTypeScheduledReport, pipeline.ScheduledHandler)

	tracker := webhook.NewTracker(st, client, webhook.Options{
		MaxRetries:   cfg.WebhookMaxRetries,
		DedupeWindow: cfg.WebhookDedupeWindow,
	}, lg)
	tracker.Handle(webhook.EventProcessMovement, webhook.MovementHandler(st))

	scheduler := reports.NewScheduler(st, service, cfg.ReportScheduleSpec, lg)
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer scheduler.Stop()

	sweeper := reports.NewHoldSweeper(ledger, cfg.HoldTTL, cfg.HoldSweepSpec,
		reports.KeepLiveJobs(queues.Individual, queues.Scheduled), lg)
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Warn("metrics server stopped", logger.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metrics.Shutdown(shutdownCtx)
	}()

	lg.Info("worker started",
		logger.Duration("visibility", cfg.VisibilityTimeout),
		logger.Duration("backoff_initial", cfg.BackoffInitial),
		logger.String("store", cfg.StoreDriver),
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range []*worker.Processor{enrichment, postProcess, individual, scheduled} {
		p := p
		g.Go(func() error { return p.Run(gctx) })
	}
	g.Go(func() error {
		breaker.Watch(gctx, cfg.CircuitWatchEvery)
		return nil
	})
	g.Go(func() error {
		tracker.Redeliver(gctx, cfg.WebhookRedeliverEvery)
		return nil
	})
	return g.Wait()
}

