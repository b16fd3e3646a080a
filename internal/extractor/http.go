package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// httpRequestBody is the wire shape POSTed to the configured endpoint.
type httpRequestBody struct {
	Input            string                        `json:"input"`
	Output           string                         `json:"output,omitempty"`
	SchemaDescriptor map[string]json.RawMessage     `json:"schema_descriptor"`
	Context          map[string]any                 `json:"context,omitempty"`
}

// httpResponseBody is the wire shape the endpoint is expected to return.
type httpResponseBody struct {
	Candidates  []Candidate `json:"candidates"`
	RawResponse string      `json:"raw_response,omitempty"`
	Error       *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// HTTPClient is the default Client implementation: it POSTs a sanitized
// extraction request to a configured endpoint and parses the candidate
// response, enforcing a per-attempt timeout and a bounded number of retries.
// Callers needing a different extraction backend (an in-process model call,
// a stub for tests) substitute their own Client — HTTPClient exists because
// a real deployment needs a working one, not because the contract requires
// HTTP.
type HTTPClient struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	timeout    time.Duration
	maxRetries int
	logger     *slog.Logger
}

// HTTPClientOption configures an HTTPClient.
type HTTPClientOption func(*HTTPClient)

// WithTimeout overrides the per-attempt timeout (default 5s).
func WithTimeout(d time.Duration) HTTPClientOption {
	return func(c *HTTPClient) { c.timeout = d }
}

// WithMaxRetries overrides the bounded retry count (default 2).
func WithMaxRetries(n int) HTTPClientOption {
	return func(c *HTTPClient) { c.maxRetries = n }
}

// WithHTTPClient overrides the underlying *http.Client (e.g. for custom
// transports in tests).
func WithHTTPClient(h *http.Client) HTTPClientOption {
	return func(c *HTTPClient) { c.httpClient = h }
}

// WithLogger overrides the logger used to report non-fatal parse issues.
func WithLogger(l *slog.Logger) HTTPClientOption {
	return func(c *HTTPClient) { c.logger = l }
}

// NewHTTPClient builds an HTTPClient that POSTs to endpoint, authenticating
// with apiKey via a Bearer Authorization header.
func NewHTTPClient(endpoint, apiKey string, opts ...HTTPClientOption) *HTTPClient {
	c := &HTTPClient{
		endpoint:   strings.TrimSuffix(endpoint, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{},
		timeout:    5 * time.Second,
		maxRetries: 2,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Extract implements Client. The request body's input/output text is
// sanitized and size-bounded before it leaves the process.
func (c *HTTPClient) Extract(ctx context.Context, req Request) (Result, error) {
	body := httpRequestBody{
		Input:   SanitizeText(req.InputText),
		Output:  SanitizeText(req.OutputText),
		Context: req.Context,
	}
	if len(req.Descriptor) > 0 {
		body.SchemaDescriptor = make(map[string]json.RawMessage, len(req.Descriptor))
		for field, d := range req.Descriptor {
			raw, err := json.Marshal(d)
			if err != nil {
				continue
			}
			body.SchemaDescriptor[field] = raw
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return Result{}, &Error{Type: ErrorParse, Message: "failed to marshal request", Retryable: false}
	}

	var lastErr *Error
	var lastLatency int64
	var lastRaw string
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		result, extractErr := c.attempt(ctx, payload)
		lastLatency = result.LatencyMs
		lastRaw = result.RawResponse
		if extractErr == nil {
			return result, nil
		}
		lastErr = extractErr
		if !extractErr.Retryable || attempt == c.maxRetries {
			break
		}
		c.logger.Warn("extractor request failed, retrying",
			"attempt", attempt+1, "max_retries", c.maxRetries, "error_type", extractErr.Type)
	}

	return Result{RawResponse: lastRaw, LatencyMs: lastLatency, Error: lastErr}, lastErr
}

// attempt performs a single HTTP round trip with the configured per-attempt
// timeout. It never retries internally; Extract owns the retry loop.
func (c *HTTPClient) attempt(ctx context.Context, payload []byte) (Result, *Error) {
	start := time.Now()

	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Result{}, &Error{Type: ErrorAPI, Message: "failed to build request", Retryable: false}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return Result{LatencyMs: latency}, &Error{Type: ErrorTimeout, Message: "request timed out", Retryable: true}
		}
		return Result{LatencyMs: latency}, &Error{Type: ErrorNetwork, Message: redact(err.Error(), c.apiKey), Retryable: true}
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, 256*1024))
	if err != nil {
		return Result{LatencyMs: latency}, &Error{Type: ErrorNetwork, Message: "failed to read response body", Retryable: true}
	}
	redactedBody := redact(string(respBytes), c.apiKey)

	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return Result{LatencyMs: latency, RawResponse: redactedBody}, &Error{
			Type:      ErrorAPI,
			Status:    resp.StatusCode,
			Message:   fmt.Sprintf("extractor endpoint returned status %d", resp.StatusCode),
			Retryable: retryable,
		}
	}

	var parsed httpResponseBody
	if err := json.Unmarshal(respBytes, &parsed); err != nil {
		return Result{LatencyMs: latency, RawResponse: redactedBody}, &Error{
			Type: ErrorParse, Message: "failed to parse extractor response", Retryable: false,
		}
	}
	if parsed.Error != nil {
		return Result{LatencyMs: latency, RawResponse: redactedBody}, &Error{
			Type: ErrorAPI, Message: parsed.Error.Message, Retryable: false,
		}
	}

	return Result{
		Candidates:  parsed.Candidates,
		RawResponse: redactedBody,
		LatencyMs:   latency,
	}, nil
}

// redact replaces any occurrence of the API key in s with a placeholder, so
// it never appears in a logged or propagated response body.
func redact(s, apiKey string) string {
	if apiKey == "" {
		return s
	}
	return strings.ReplaceAll(s, apiKey, "[REDACTED]")
}
