// Package health summarises queue and circuit state for operational dashboards.
package health

import (
	"context"
	"time"

	"legalcase-jobs/internal/circuit"
	"legalcase-jobs/internal/queue"
)

// Overall statuses.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusCritical = "critical"
)

// QueueStats is the read side of a queue.
type QueueStats interface {
	Name() string
	Counts(ctx context.Context) (queue.Counts, error)
}

// CircuitReader exposes the breaker status.
type CircuitReader interface {
	GetStatus(ctx context.Context) (circuit.Status, error)
}

// Report is the health document.
type Report struct {
	Status       string                  `json:"status"`
	Queue        queue.Counts            `json:"queue"`
	Queues       map[string]queue.Counts `json:"queues"`
	CircuitState string                  `json:"circuitState"`
	NextRetryAt  *time.Time              `json:"nextRetryAt,omitempty"`
	Errors       []string                `json:"errors,omitempty"`
	CheckedAt    time.Time               `json:"checkedAt"`
}

// Checker builds reports. A queue backlog above Backlog degrades the status.
type Checker struct {
	queues  []QueueStats
	circuit CircuitReader
	backlog int64
	now     func() time.Time
}

// NewChecker watches the given queues and breaker.
func NewChecker(breaker CircuitReader, backlog int64, queues ...QueueStats) *Checker {
	if backlog <= 0 {
		backlog = 1000
	}
	return &Checker{queues: queues, circuit: breaker, backlog: backlog, now: time.Now}
}

// Check reports critical when state cannot be read, degraded while the circuit is
// open or a queue is backed up, and healthy otherwise.
func (c *Checker) Check(ctx context.Context) Report {
	r := Report{
		Status:       StatusHealthy,
		Queues:       make(map[string]queue.Counts, len(c.queues)),
		CircuitState: circuit.StateClosed.String(),
		CheckedAt:    c.now().UTC(),
	}
	backedUp := false
	for _, q := range c.queues {
		counts, err := q.Counts(ctx)
		if err != nil {
			r.Errors = append(r.Errors, q.Name()+": "+err.Error())
			continue
		}
		r.Queues[q.Name()] = counts
		r.Queue.Waiting += counts.Waiting
		r.Queue.Delayed += counts.Delayed
		r.Queue.Active += counts.Active
		r.Queue.Completed += counts.Completed
		r.Queue.Failed += counts.Failed
		if counts.Waiting-counts.Delayed > c.backlog {
			backedUp = true
		}
	}

	circuitOpen := false
	if c.circuit != nil {
		st, err := c.circuit.GetStatus(ctx)
		if err != nil {
			r.Errors = append(r.Errors, "circuit: "+err.Error())
			r.CircuitState = "unknown"
		} else {
			r.CircuitState = st.State.String()
			r.NextRetryAt = st.NextRetryAt
			circuitOpen = st.State == circuit.StateOpen
		}
	}

	switch {
	case len(r.Errors) > 0:
		r.Status = StatusCritical
	case circuitOpen || backedUp:
		r.Status = StatusDegraded
	}
	return r
}
