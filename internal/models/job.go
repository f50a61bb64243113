package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// JobStatus enumerates lifecycle states stored on the job record.
const (
	StatusWaiting   = "waiting"
	StatusDelayed   = "delayed"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Job types, one queue each.
const (
	JobTypeEnrichment       = "enrichment"
	JobTypePostProcess      = "attachment-processing"
	JobTypeScheduledReport  = "scheduled-report"
	JobTypeIndividualReport = "individual-report"
)

// Priority lanes, highest first.
const (
	PriorityHigh    = "high"
	PriorityDefault = "default"
	PriorityLow     = "low"
)

// ErrInvalidPayload is returned when a job payload fails validation.
var ErrInvalidPayload = errors.New("invalid job payload")

// Job is a unit of enqueued work. The record lives in the queue's Redis store.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Queue       string          `json:"queue"`
	Priority    string          `json:"priority"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Progress    int             `json:"progress"`
	RunAt       time.Time       `json:"run_at"`
	DedupeKey   string          `json:"dedupe_key,omitempty"`
	LastError   *string         `json:"last_error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// Terminal reports whether no further transitions will happen.
func (j Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// Payload is implemented by every typed job payload.
type Payload interface {
	Validate() error
}

// DecodePayload parses raw into dst and validates it. Handlers call this once at
// the start of execution and work with the typed value afterwards.
func DecodePayload(raw json.RawMessage, dst Payload) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidPayload)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := dst.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// AuditLog is a job lifecycle event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Queue    string    `json:"queue"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
