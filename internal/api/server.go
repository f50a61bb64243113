package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"legalcase-jobs/internal/circuit"
	"legalcase-jobs/internal/credits"
	"legalcase-jobs/internal/health"
	"legalcase-jobs/internal/logger"
	"legalcase-jobs/internal/models"
	"legalcase-jobs/internal/onboarding"
	"legalcase-jobs/internal/queue"
	"legalcase-jobs/internal/ratelimit"
	"legalcase-jobs/internal/reports"
	"legalcase-jobs/internal/telemetry"
	"legalcase-jobs/internal/webhook"
)

const maxWebhookBody = 1 << 20

// CaseStore is the case persistence the API writes to directly.
type CaseStore interface {
	SaveCase(ctx context.Context, c models.Case) error
	GetCase(ctx context.Context, id string) (models.Case, bool, error)
}

// ScheduleStore persists report schedules.
type ScheduleStore interface {
	SaveSchedule(ctx context.Context, sc models.ReportSchedule) error
}

// Deps are the collaborators of the producer API. Signer and Limiter are optional.
type Deps struct {
	Cases      CaseStore
	Schedules  ScheduleStore
	Onboarding *onboarding.Service
	Reports    *reports.Service
	Tracker    *webhook.Tracker
	Signer     *webhook.Signer
	Breaker    *circuit.Breaker
	Health     *health.Checker
	Queues     []*queue.RedisQueue
	Limiter    *ratelimit.TokenBucket
	Log        logger.Logger
}

// Server wires HTTP handlers for the producer API.
type Server struct {
	deps   Deps
	queues map[string]*queue.RedisQueue
	log    logger.Logger
	now    func() time.Time
}

// New constructs the API server.
func New(deps Deps) *Server {
	log := deps.Log
	if log == nil {
		log = logger.NewNop()
	}
	queues := make(map[string]*queue.RedisQueue, len(deps.Queues))
	for _, q := range deps.Queues {
		queues[q.Name()] = q
	}
	return &Server{deps: deps, queues: queues, log: log, now: time.Now}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/webhooks", s.handleWebhook)

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/cases", s.handleCreateCase)
		r.Get("/cases/{id}", s.handleGetCase)
		r.Post("/cases/{id}/enrichment", s.handleStartEnrichment)
		r.Post("/cases/{id}/onboarding/retry", s.handleRetryOnboarding)
		r.Post("/reports", s.handleSubmitReport)
		r.Post("/schedules", s.handleCreateSchedule)
	})

	r.Get("/jobs/{queue}/{id}", s.handleGetJob)
	r.Delete("/jobs/{queue}/{id}", s.handleCancelJob)
	r.Get("/dlq/{queue}", s.handleDLQ)
	r.Get("/circuit", s.handleCircuitStatus)
	r.Post("/circuit/resume", s.handleCircuitResume)
	return r
}

// rateLimit draws one token per request from the workspace's bucket.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		allowed, retryIn, err := s.deps.Limiter.Allow(r.Context(), "rl:"+workspaceFromRequest(r))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(retryIn.Seconds())+1))
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type createCaseRequest struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`
	CNJ         string `json:"cnj"`
}

func (s *Server) handleCreateCase(w http.ResponseWriter, r *http.Request) {
	var req createCaseRequest
	if !decode(w, r, &req) {
		return
	}
	if req.WorkspaceID == "" {
		req.WorkspaceID = workspaceFromRequest(r)
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	c := models.Case{
		ID:          req.ID,
		WorkspaceID: req.WorkspaceID,
		CNJ:         req.CNJ,
		Status:      models.CaseStatusUnassigned,
		UpdatedAt:   s.now().UTC(),
	}
	if err := s.deps.Cases.SaveCase(r.Context(), c); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	c, found, err := s.deps.Cases.GetCase(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if !found {
		s.fail(w, models.ErrCaseNotFound)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type startEnrichmentRequest struct {
	UserID   string     `json:"userId"`
	Priority string     `json:"priority"`
	RunAt    *time.Time `json:"runAt"`
}

func (s *Server) handleStartEnrichment(w http.ResponseWriter, r *http.Request) {
	var req startEnrichmentRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	start := onboarding.StartRequest{
		CaseID:   chi.URLParam(r, "id"),
		UserID:   req.UserID,
		Priority: req.Priority,
	}
	if req.RunAt != nil {
		start.RunAt = *req.RunAt
	}
	job, err := s.deps.Onboarding.Start(r.Context(), start)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

func (s *Server) handleRetryOnboarding(w http.ResponseWriter, r *http.Request) {
	ok, err := s.deps.Onboarding.RetryOnboarding(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, onboarding.ErrNotRetryable.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"retried": true})
}

type submitReportRequest struct {
	WorkspaceID string     `json:"workspaceId"`
	UserID      string     `json:"userId"`
	ProcessIDs  []string   `json:"processIds"`
	ReportType  string     `json:"reportType"`
	Formats     []string   `json:"formats"`
	Category    string     `json:"category"`
	Priority    string     `json:"priority"`
	RunAt       *time.Time `json:"runAt"`
}

func (s *Server) handleSubmitReport(w http.ResponseWriter, r *http.Request) {
	var req submitReportRequest
	if !decode(w, r, &req) {
		return
	}
	if req.WorkspaceID == "" {
		req.WorkspaceID = workspaceFromRequest(r)
	}
	sub := reports.SubmitRequest{
		WorkspaceID: req.WorkspaceID,
		UserID:      req.UserID,
		ProcessIDs:  req.ProcessIDs,
		ReportType:  req.ReportType,
		Formats:     req.Formats,
		Category:    models.CreditCategory(req.Category),
		Priority:    req.Priority,
	}
	if req.RunAt != nil {
		sub.RunAt = *req.RunAt
	}
	job, err := s.deps.Reports.Submit(r.Context(), sub)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

type createScheduleRequest struct {
	WorkspaceID string   `json:"workspaceId"`
	UserID      string   `json:"userId"`
	ProcessIDs  []string `json:"processIds"`
	ReportType  string   `json:"reportType"`
	Formats     []string `json:"formats"`
	Interval    string   `json:"interval"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if !decode(w, r, &req) {
		return
	}
	if req.WorkspaceID == "" {
		req.WorkspaceID = workspaceFromRequest(r)
	}
	next, err := reports.NextRun(req.Interval, s.now().UTC())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	probe := models.ReportPayload{
		WorkspaceID: req.WorkspaceID,
		UserID:      req.UserID,
		ProcessIDs:  req.ProcessIDs,
		ReportType:  req.ReportType,
		Formats:     req.Formats,
		Category:    models.CategoryReport,
	}
	if err := probe.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sc := models.ReportSchedule{
		ID:          uuid.New().String(),
		WorkspaceID: req.WorkspaceID,
		UserID:      req.UserID,
		ProcessIDs:  req.ProcessIDs,
		ReportType:  req.ReportType,
		Formats:     req.Formats,
		Interval:    req.Interval,
		NextRunAt:   next,
		Active:      true,
	}
	if err := s.deps.Schedules.SaveSchedule(r.Context(), sc); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sc)
}

// handleWebhook verifies the signature over the raw body before the event is
// decoded and handed to the tracker.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	if s.deps.Signer != nil {
		if err := s.deps.Signer.Verify(body, r.Header.Get(webhook.SignatureHeader)); err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
	}
	var ev models.WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if ev.Type == "" || ev.EntityKey == "" {
		writeError(w, http.StatusBadRequest, "type and entityKey are required")
		return
	}
	d, err := s.deps.Tracker.Receive(r.Context(), ev)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queues[chi.URLParam(r, "queue")]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown queue")
		return
	}
	job, err := q.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleCancelJob drops a job that has not started and frees its credit hold.
// Running and finished jobs answer 409.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queues[chi.URLParam(r, "queue")]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown queue")
		return
	}
	job, err := q.Cancel(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, queue.ErrNotCancellable) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	if _, err := s.deps.Reports.ReleaseCancelled(r.Context(), job); err != nil {
		// The job is gone either way; the sweeper frees the hold later.
		s.log.Warn("release hold of cancelled job failed", logger.String("job_id", job.ID), logger.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDLQ returns the DLQ contents (IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queues[chi.URLParam(r, "queue")]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown queue")
		return
	}
	items, err := q.DLQPeek(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleCircuitStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Breaker.GetStatus(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCircuitResume(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Breaker.Resume(r.Context()); err != nil {
		s.fail(w, err)
		return
	}
	s.log.Info("circuit resumed via api", logger.String("circuit", s.deps.Breaker.Name()))
	s.handleCircuitStatus(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.deps.Health.Check(r.Context())
	code := http.StatusOK
	if report.Status == health.StatusCritical {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

// fail maps domain errors to status codes; anything unrecognised is a 500.
func (s *Server) fail(w http.ResponseWriter, err error) {
	var open *circuit.OpenError
	switch {
	case errors.Is(err, models.ErrCaseNotFound), errors.Is(err, queue.ErrJobNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrInvalidPayload), errors.Is(err, credits.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, credits.ErrInsufficientCredits):
		writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.As(err, &open):
		w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(open.NextRetryAt).Seconds())+1))
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.log.Error("request failed", logger.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func workspaceFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Workspace-ID"); v != "" {
		return v
	}
	return "default"
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
