package pagecontext

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the pagecontext server (e.g. "http://localhost:8080").
	BaseURL string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with Timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 90 seconds,
	// enough for a full answer pipeline run.
	Timeout time.Duration

	// UserAgent is sent with every request. Defaults to "pagecontext-go".
	UserAgent string
}

// Client is an HTTP client for the pagecontext API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL   string
	userAgent string
	client    *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty or not an absolute URL.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("pagecontext: BaseURL is required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("pagecontext: BaseURL must be an absolute URL, got %q", cfg.BaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 90 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "pagecontext-go"
	}

	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		userAgent: ua,
		client:    httpClient,
	}, nil
}

// Answer asks a question and returns a generated answer grounded in the
// indexed content.
func (c *Client) Answer(ctx context.Context, req AnswerRequest) (*Answer, error) {
	var resp Answer
	if err := c.send(ctx, http.MethodPost, "/v1/answer", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Search runs a fused keyword and semantic search without generation.
func (c *Client) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	var resp SearchResponse
	if err := c.send(ctx, http.MethodPost, "/v1/search", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Documents
// ---------------------------------------------------------------------------

// Upsert creates or overwrites a document and waits for the vector store write.
func (c *Client) Upsert(ctx context.Context, doc Document) (*UpsertResult, error) {
	var resp UpsertResult
	if err := c.send(ctx, http.MethodPut, "/v1/documents", doc, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpsertAsync queues the write in the server's outbox and returns at once.
// The server must run with a Postgres ledger.
func (c *Client) UpsertAsync(ctx context.Context, doc Document) (*UpsertResult, error) {
	var resp UpsertResult
	if err := c.send(ctx, http.MethodPut, "/v1/documents?async=true", doc, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Delete removes a document. Deleting a document that was never indexed
// succeeds.
func (c *Client) Delete(ctx context.Context, sourceType, sourceID string) error {
	return c.send(ctx, http.MethodDelete, documentPath(sourceType, sourceID), nil, nil)
}

// DeleteAsync queues the delete in the server's outbox.
func (c *Client) DeleteAsync(ctx context.Context, sourceType, sourceID string) error {
	return c.send(ctx, http.MethodDelete, documentPath(sourceType, sourceID)+"?async=true", nil, nil)
}

func documentPath(sourceType, sourceID string) string {
	return "/v1/documents/" + url.PathEscape(sourceType) + "/" + url.PathEscape(sourceID)
}

// ---------------------------------------------------------------------------
// Agents and jobs
// ---------------------------------------------------------------------------

// RunAgent runs a configured agent on free text.
func (c *Client) RunAgent(ctx context.Context, agentID string, req AgentRunRequest) (*AgentRunResult, error) {
	var resp AgentRunResult
	if err := c.send(ctx, http.MethodPost, "/v1/agents/"+url.PathEscape(agentID)+"/run", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListJobs returns AI call records, newest first.
func (c *Client) ListJobs(ctx context.Context, f JobFilter) ([]Job, error) {
	params := url.Values{}
	if f.Agent != "" {
		params.Set("agent", f.Agent)
	}
	if f.Status != "" {
		params.Set("status", f.Status)
	}
	if !f.Since.IsZero() {
		params.Set("since", f.Since.UTC().Format(time.RFC3339))
	}
	if f.Limit > 0 {
		params.Set("limit", strconv.Itoa(f.Limit))
	}
	path := "/v1/jobs"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var jobs []Job
	if err := c.send(ctx, http.MethodGet, path, nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// CostSummary aggregates calls, tokens and cost per agent and model. A zero
// since covers the whole ledger.
func (c *Client) CostSummary(ctx context.Context, since time.Time) ([]CostSummary, error) {
	path := "/v1/jobs/summary"
	if !since.IsZero() {
		path += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339))
	}
	var rows []CostSummary
	if err := c.send(ctx, http.MethodGet, path, nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Health reports server status. An unhealthy server still returns its
// report alongside the error.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pagecontext: GET /health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("pagecontext: read response body: %w", err)
	}
	var envelope struct {
		Data *Health `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Data == nil {
		return nil, parseErrorResponse(resp, body)
	}
	if resp.StatusCode != http.StatusOK {
		return envelope.Data, &Error{
			StatusCode: resp.StatusCode,
			Code:       http.StatusText(resp.StatusCode),
			Message:    "server is " + envelope.Data.Status,
		}
	}
	return envelope.Data, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
	Meta struct {
		RequestID string `json:"request_id"`
	} `json:"meta"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Meta struct {
		RequestID string `json:"request_id"`
	} `json:"meta"`
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("pagecontext: marshal request body: %w", err)
		}
		r = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("pagecontext: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	return req, nil
}

func (c *Client) send(ctx context.Context, method, path string, body, dest any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("pagecontext: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("pagecontext: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp, bodyBytes)
	}

	// 204 No Content: nothing to decode.
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("pagecontext: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return fmt.Errorf("pagecontext: response has no data")
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(resp *http.Response, body []byte) *Error {
	apiErr := &Error{StatusCode: resp.StatusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.RequestID = envelope.Meta.RequestID
	} else {
		apiErr.Code = http.StatusText(resp.StatusCode)
		apiErr.Message = string(body)
	}
	if apiErr.RequestID == "" {
		apiErr.RequestID = resp.Header.Get("X-Request-ID")
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		apiErr.RetryAfter = time.Duration(secs) * time.Second
	}

	return apiErr
}
