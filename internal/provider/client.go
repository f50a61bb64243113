// Package provider is the client of the external legal-data provider that returns
// official process data for a case identifier.
package provider

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

const defaultTimeout = 30 * time.Second

var (
	// ErrNotConfigured is returned when no base URL or API key is set.
	ErrNotConfigured = errors.New("legal-data provider is not configured")
	// ErrInvalidResponse wraps a response body that failed validation.
	ErrInvalidResponse = errors.New("invalid provider response")
)

// Provider fetches full process data for a case identifier.
type Provider interface {
	Configured() bool
	RequestFullProcess(ctx context.Context, cnj string) (Result, error)
}

// Result is a validated provider response.
type Result struct {
	RequestID   string          `json:"requestId"`
	Process     json.RawMessage `json:"process"`
	Attachments []Attachment    `json:"attachments"`
}

// Attachment is a document the provider lists for the process.
type Attachment struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Error is a non-success provider answer.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("provider error %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the call may succeed later.
func (e *Error) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// quotaMessages are the message fragments the provider is known to use when a
// plan quota or rate limit is exhausted.
var quotaMessages = []string{"max requests limit exceeded", "quota"}

// quotaCodes are structured error codes meaning the same thing.
var quotaCodes = map[string]struct{}{
	"QUOTA_EXCEEDED":      {},
	"RATE_LIMIT_EXCEEDED": {},
}

// IsQuotaExceeded classifies err as quota exhaustion. A structured code or a 429
// status is trusted first; the message match is kept for providers that only
// report it in text.
func IsQuotaExceeded(err error) bool {
	if err == nil {
		return false
	}
	var perr *Error
	if errors.As(err, &perr) {
		if _, ok := quotaCodes[strings.ToUpper(perr.Code)]; ok {
			return true
		}
		if perr.StatusCode == http.StatusTooManyRequests {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range quotaMessages {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

// Config configures the HTTP client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client is an HTTP client for the provider.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a provider client. An empty base URL or API key yields a client
// whose Configured reports false.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Configured reports whether the client has credentials.
func (c *Client) Configured() bool {
	return c.baseURL != "" && c.apiKey != ""
}

type processRequest struct {
	SearchType string `json:"search_type"`
	SearchKey  string `json:"search_key"`
	WithAttach bool   `json:"with_attachments"`
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Message string `json:"message"`
}

// RequestFullProcess asks the provider for a process by CNJ number.
func (c *Client) RequestFullProcess(ctx context.Context, cnj string) (Result, error) {
	if !c.Configured() {
		return Result{}, ErrNotConfigured
	}
	body, err := json.Marshal(processRequest{SearchType: "lawsuit_cnj", SearchKey: cnj, WithAttach: true})
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/requests", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("call provider: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read provider response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, decodeError(resp.StatusCode, raw)
	}
	return DecodeResult(raw)
}

func decodeError(status int, raw []byte) error {
	perr := &Error{StatusCode: status, Message: http.StatusText(status)}
	var eb errorBody
	if json.Unmarshal(raw, &eb) == nil {
		perr.Code = eb.Error.Code
		switch {
		case eb.Error.Message != "":
			perr.Message = eb.Error.Message
		case eb.Message != "":
			perr.Message = eb.Message
		}
	}
	return perr
}

// DecodeResult parses and validates a success body. Every provider payload enters
// the system through here.
func DecodeResult(raw []byte) (Result, error) {
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if res.RequestID == "" {
		return Result{}, fmt.Errorf("%w: missing requestId", ErrInvalidResponse)
	}
	if len(res.Process) == 0 || string(res.Process) == "null" {
		return Result{}, fmt.Errorf("%w: missing process", ErrInvalidResponse)
	}
	if !json.Valid(res.Process) || res.Process[0] != '{' {
		return Result{}, fmt.Errorf("%w: process must be an object", ErrInvalidResponse)
	}
	for i, a := range res.Attachments {
		if a.ID == "" || a.URL == "" {
			return Result{}, fmt.Errorf("%w: attachment %d lacks id or url", ErrInvalidResponse, i)
		}
	}
	return res, nil
}
