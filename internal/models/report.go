package models

import "time"

// Output formats a report can be rendered to.
const (
	FormatPDF  = "pdf"
	FormatDOCX = "docx"
)

// ValidFormat reports whether f is a supported output format.
func ValidFormat(f string) bool {
	return f == FormatPDF || f == FormatDOCX
}

// ReportCacheEntry maps a content key to previously generated artifacts.
type ReportCacheEntry struct {
	CacheKey              string            `json:"cache_key"`
	WorkspaceID           string            `json:"workspace_id"`
	ReportType            string            `json:"report_type"`
	ProcessIDs            []string          `json:"process_ids"`
	FileURLs              map[string]string `json:"file_urls"`
	LastMovementTimestamp time.Time         `json:"last_movement_timestamp"`
	CreatedAt             time.Time         `json:"created_at"`
	ExpiresAt             time.Time         `json:"expires_at"`
}

// ProcessMovement is a dated event on a tracked legal process.
type ProcessMovement struct {
	WorkspaceID string    `json:"workspace_id"`
	ProcessID   string    `json:"process_id"`
	Description string    `json:"description"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// ReportSchedule is a recurring report definition.
type ReportSchedule struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspace_id"`
	UserID      string     `json:"user_id"`
	ProcessIDs  []string   `json:"process_ids"`
	ReportType  string     `json:"report_type"`
	Formats     []string   `json:"formats"`
	Interval    string     `json:"interval"`
	NextRunAt   time.Time  `json:"next_run_at"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	Active      bool       `json:"active"`
}
