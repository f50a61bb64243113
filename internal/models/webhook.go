package models

import (
	"encoding/json"
	"time"
)

// Delivery statuses.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliveryProcessing DeliveryStatus = "processing"
	DeliverySuccess    DeliveryStatus = "success"
	DeliveryFailed     DeliveryStatus = "failed"
	DeliveryRetrying   DeliveryStatus = "retrying"
	DeliverySkipped    DeliveryStatus = "skipped"
)

// WebhookEvent is an inbound callback.
type WebhookEvent struct {
	Type      string          `json:"type"`
	EntityKey string          `json:"entityKey"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// WebhookDeliveryLog is one record per delivery, updated on each attempt.
type WebhookDeliveryLog struct {
	ID            string          `json:"id"`
	EventType     string          `json:"event_type"`
	EntityKey     string          `json:"entity_key"`
	Payload       json.RawMessage `json:"payload"`
	Status        DeliveryStatus  `json:"status"`
	StatusCode    int             `json:"status_code,omitempty"`
	Error         *string         `json:"error,omitempty"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	NextRetryAt   *time.Time      `json:"next_retry_at,omitempty"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	DeliveredAt   *time.Time      `json:"delivered_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}
