package reports

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrGeneratorNotConfigured is returned when no generator URL is set.
var ErrGeneratorNotConfigured = errors.New("report generator is not configured")

// GenerateRequest is the input of a report generation.
type GenerateRequest struct {
	WorkspaceID string   `json:"workspaceId"`
	ProcessIDs  []string `json:"processIds"`
	ReportType  string   `json:"reportType"`
	Formats     []string `json:"formats"`
}

// Generator renders a report into one file per requested format.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (map[string][]byte, error)
}

// HTTPGenerator calls the report rendering service.
type HTTPGenerator struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPGenerator builds a client for the service at baseURL.
func NewHTTPGenerator(baseURL string, timeout time.Duration) *HTTPGenerator {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &HTTPGenerator{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type generateResponse struct {
	// Files holds base64 file bodies keyed by format.
	Files map[string][]byte `json:"files"`
}

// Generate posts the request and decodes the rendered files.
func (g *HTTPGenerator) Generate(ctx context.Context, req GenerateRequest) (map[string][]byte, error) {
	if g.baseURL == "" {
		return nil, ErrGeneratorNotConfigured
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/reports", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call generator: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("read generator response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("generator status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var out generateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode generator response: %w", err)
	}
	if len(out.Files) == 0 {
		return nil, errors.New("generator returned no files")
	}
	return out.Files, nil
}
