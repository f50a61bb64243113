package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"legalcase-jobs/internal/api"
	"legalcase-jobs/internal/app"
	"legalcase-jobs/internal/circuit"
	"legalcase-jobs/internal/config"
	"legalcase-jobs/internal/health"
	"legalcase-jobs/internal/logger"
	"legalcase-jobs/internal/onboarding"
	"legalcase-jobs/internal/ratelimit"
	"legalcase-jobs/internal/reports"
	"legalcase-jobs/internal/webhook"
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
		lg.Error("api stopped", logger.Error(err))
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

	tracker := webhook.NewTracker(st, client, webhook.Options{
		MaxRetries:   cfg.WebhookMaxRetries,
		DedupeWindow: cfg.WebhookDedupeWindow,
	}, lg)
	tracker.Handle(webhook.EventProcessMovement, webhook.MovementHandler(st))

	var signer *webhook.Signer
	if cfg.WebhookSecret != "" {
		signer = webhook.NewSigner(cfg.WebhookSecret)
	} else {
		lg.Warn("WEBHOOK_SECRET not set; inbound webhooks are not verified")
	}

	server := api.New(api.Deps{
		Cases:      st,
		Schedules:  st,
		Onboarding: onboarding.NewService(st, queues.Enrichment, lg),
		Reports:    reports.NewService(ledger, queues.Individual, queues.Scheduled, app.OffPeak(cfg), lg),
		Tracker:    tracker,
		Signer:     signer,
		Breaker:    breaker,
		Health:     health.NewChecker(breaker, 0, queues.Enrichment, queues.PostProcess, queues.Individual, queues.Scheduled),
		Queues:     queues.All(),
		Limiter:    ratelimit.NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour),
		Log:        lg,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		lg.Info("api listening", logger.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	return httpServer.Shutdown(shutdownCtx)
}
