package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrCaseNotFound is returned by case stores for an unknown case id.
var ErrCaseNotFound = errors.New("case not found")

// Case statuses touched by the onboarding pipeline.
const (
	CaseStatusOnboarding = "onboarding"
	CaseStatusActive     = "active"
	CaseStatusUnassigned = "unassigned"
)

// Onboarding stages.
type OnboardingStage string

const (
	StagePreview    OnboardingStage = "preview"
	StageEnrichment OnboardingStage = "enrichment"
	StageAttachment OnboardingStage = "attachment-processing"
)

func (s OnboardingStage) Validate() error {
	switch s {
	case StagePreview, StageEnrichment, StageAttachment:
		return nil
	}
	return fmt.Errorf("unknown onboarding stage %q", string(s))
}

// MaxOnboardingRetries is the ceiling after which a case can no longer be retried.
const MaxOnboardingRetries = 3

// OnboardingMetadataVersion is bumped whenever the stored shape changes.
const OnboardingMetadataVersion = 1

// Case is the subset of a legal case the workers read and write.
type Case struct {
	ID          string          `json:"id"`
	WorkspaceID string          `json:"workspace_id"`
	CNJ         string          `json:"cnj"`
	Status      string          `json:"status"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// OnboardingError is one entry of the onboarding failure log.
type OnboardingError struct {
	Stage      OnboardingStage `json:"stage"`
	Message    string          `json:"message"`
	Code       string          `json:"code,omitempty"`
	RetryCount int             `json:"retryCount"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// OnboardingMetadata is the versioned onboarding section of case metadata.
type OnboardingMetadata struct {
	Version     int               `json:"version"`
	Errors      []OnboardingError `json:"errors"`
	RetryCount  int               `json:"retryCount"`
	CanRetry    bool              `json:"canRetry"`
	LastErrorAt *time.Time        `json:"lastErrorAt,omitempty"`
	EnrichedAt  *time.Time        `json:"enrichedAt,omitempty"`
	RequestID   string            `json:"requestId,omitempty"`
	Process     json.RawMessage   `json:"process,omitempty"`
	// Attachments maps provider attachment ids to their mirrored URLs.
	Attachments map[string]string `json:"attachments,omitempty"`
}

// ParseOnboardingMetadata extracts and validates the onboarding section of raw.
// A missing or null section yields a fresh, retryable metadata value.
func ParseOnboardingMetadata(raw json.RawMessage) (OnboardingMetadata, error) {
	fresh := OnboardingMetadata{Version: OnboardingMetadataVersion, CanRetry: true}
	if isNullJSON(raw) {
		return fresh, nil
	}
	var sections map[string]json.RawMessage
	if err := json.Unmarshal(raw, &sections); err != nil {
		return OnboardingMetadata{}, fmt.Errorf("decode case metadata: %w", err)
	}
	section, ok := sections["onboarding"]
	if !ok || isNullJSON(section) {
		return fresh, nil
	}
	var md OnboardingMetadata
	if err := json.Unmarshal(section, &md); err != nil {
		return OnboardingMetadata{}, fmt.Errorf("decode onboarding metadata: %w", err)
	}
	if md.Version == 0 {
		md.Version = OnboardingMetadataVersion
	}
	if md.Version > OnboardingMetadataVersion {
		return OnboardingMetadata{}, fmt.Errorf("onboarding metadata version %d not supported", md.Version)
	}
	if md.RetryCount < 0 {
		return OnboardingMetadata{}, fmt.Errorf("onboarding metadata retryCount %d is negative", md.RetryCount)
	}
	for _, e := range md.Errors {
		if err := e.Stage.Validate(); err != nil {
			return OnboardingMetadata{}, err
		}
	}
	return md, nil
}

// MergeOnboardingMetadata writes md into raw, keeping every other section.
func MergeOnboardingMetadata(raw json.RawMessage, md OnboardingMetadata) (json.RawMessage, error) {
	sections := map[string]json.RawMessage{}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &sections); err != nil {
			return nil, fmt.Errorf("decode case metadata: %w", err)
		}
	}
	md.Version = OnboardingMetadataVersion
	encoded, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("encode onboarding metadata: %w", err)
	}
	sections["onboarding"] = encoded
	out, err := json.Marshal(sections)
	if err != nil {
		return nil, fmt.Errorf("encode case metadata: %w", err)
	}
	return out, nil
}

func isNullJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
