package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// EnrichmentPayload asks the worker to fetch official data for a case.
type EnrichmentPayload struct {
	CaseID      string `json:"caseId"`
	WorkspaceID string `json:"workspaceId"`
	UserID      string `json:"userId"`
	CNJ         string `json:"cnj"`
}

func (p *EnrichmentPayload) Validate() error {
	switch {
	case p.CaseID == "":
		return errors.New("caseId is required")
	case p.WorkspaceID == "":
		return errors.New("workspaceId is required")
	case strings.TrimSpace(p.CNJ) == "":
		return errors.New("cnj is required")
	}
	return nil
}

// AttachmentRef points at a provider-hosted case document.
type AttachmentRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	URL  string `json:"url"`
}

// PostProcessPayload carries the follow-up work after a successful enrichment.
type PostProcessPayload struct {
	CaseID      string          `json:"caseId"`
	WorkspaceID string          `json:"workspaceId"`
	RequestID   string          `json:"requestId"`
	Attachments []AttachmentRef `json:"attachments,omitempty"`
}

func (p *PostProcessPayload) Validate() error {
	if p.CaseID == "" || p.WorkspaceID == "" {
		return errors.New("caseId and workspaceId are required")
	}
	return nil
}

// ReportPayload describes one billable report generation.
type ReportPayload struct {
	WorkspaceID string          `json:"workspaceId"`
	UserID      string          `json:"userId"`
	ProcessIDs  []string        `json:"processIds"`
	ReportType  string          `json:"reportType"`
	Formats     []string        `json:"formats"`
	HoldID      string          `json:"holdId,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Category    CreditCategory  `json:"category"`
	ScheduleID  string          `json:"scheduleId,omitempty"`
}

func (p *ReportPayload) Validate() error {
	switch {
	case p.WorkspaceID == "":
		return errors.New("workspaceId is required")
	case len(p.ProcessIDs) == 0:
		return errors.New("processIds must not be empty")
	case p.ReportType == "":
		return errors.New("reportType is required")
	case len(p.Formats) == 0:
		return errors.New("formats must not be empty")
	case p.Amount.IsNegative():
		return fmt.Errorf("amount must not be negative: %s", p.Amount)
	}
	for _, f := range p.Formats {
		if !ValidFormat(f) {
			return fmt.Errorf("unsupported format %q", f)
		}
	}
	return p.Category.Validate()
}

// ScheduledReportPayload is a report produced by a recurring schedule.
type ScheduledReportPayload struct {
	ReportPayload
	ScheduledFor string `json:"scheduledFor,omitempty"`
}

func (p *ScheduledReportPayload) Validate() error {
	if p.ScheduleID == "" {
		return errors.New("scheduleId is required")
	}
	return p.ReportPayload.Validate()
}
