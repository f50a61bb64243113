package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"legalcase-jobs/internal/models"
)

// EventProcessMovement announces a new movement on a tracked process.
const EventProcessMovement = "process.movement"

// MovementRecorder stores process movements.
type MovementRecorder interface {
	RecordMovement(ctx context.Context, m models.ProcessMovement) error
}

type movementPayload struct {
	WorkspaceID string    `json:"workspaceId"`
	ProcessID   string    `json:"processId"`
	Description string    `json:"description"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// DecodeMovement validates a process.movement payload.
func DecodeMovement(raw json.RawMessage) (models.ProcessMovement, error) {
	var p movementPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return models.ProcessMovement{}, fmt.Errorf("decode movement: %w", err)
	}
	if p.WorkspaceID == "" || p.ProcessID == "" {
		return models.ProcessMovement{}, errors.New("movement requires workspaceId and processId")
	}
	if p.OccurredAt.IsZero() {
		return models.ProcessMovement{}, errors.New("movement requires occurredAt")
	}
	return models.ProcessMovement{
		WorkspaceID: p.WorkspaceID,
		ProcessID:   p.ProcessID,
		Description: p.Description,
		OccurredAt:  p.OccurredAt.UTC(),
	}, nil
}

// MovementHandler records process.movement events so report cache entries generated
// before the movement are treated as stale.
func MovementHandler(rec MovementRecorder) Handler {
	return func(ctx context.Context, ev models.WebhookEvent) error {
		m, err := DecodeMovement(ev.Payload)
		if err != nil {
			return err
		}
		return rec.RecordMovement(ctx, m)
	}
}
