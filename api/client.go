// Package api is the HTTP transport for the library backend's REST
// contract. A single Client is shared by every component in the process;
// the bearer credential set on it is attached to every outgoing request
// until it is cleared.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultBaseURL is where the backend listens in a development setup.
const DefaultBaseURL = "http://localhost:8080"

// MaxResponseSize bounds response body reads. Catalogue and reservation
// listings are far smaller; the bound only guards against a runaway
// server.
const MaxResponseSize int64 = 32 << 20

// RequestIDHeader carries a per-request correlation id.
const RequestIDHeader = "X-Request-ID"

// Config holds configuration for creating a Client.
type Config struct {
	// BaseURL is the backend root, e.g. "http://localhost:8080".
	// Defaults to DefaultBaseURL.
	BaseURL string

	// HTTPClient is used for all requests. Defaults to a fresh
	// http.Client.
	HTTPClient *http.Client

	// Timeout bounds each request when positive. Zero means no client
	// timeout: the backend is expected to eventually answer.
	Timeout time.Duration

	// Logger is used for structured logging. Defaults to slog.Default().
	Logger *slog.Logger
}

// Client sends JSON requests to the backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	mu    sync.RWMutex
	token string
}

// New creates a Client from cfg. It returns an error when the base URL
// is not an absolute http(s) URL.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("api: parse base url %q: %w", baseURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("api: base url %q must use http or https", baseURL)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("api: base url %q has no host", baseURL)
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("api: negative timeout %s", cfg.Timeout)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if cfg.Timeout > 0 {
		copied := *httpClient
		copied.Timeout = cfg.Timeout
		httpClient = &copied
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger.With("component", "api"),
	}, nil
}

// BaseURL returns the normalised backend root.
func (c *Client) BaseURL() string { return c.baseURL }

// SetBearerToken attaches token to every subsequent request.
func (c *Client) SetBearerToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// ClearBearerToken detaches the outgoing credential.
func (c *Client) ClearBearerToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// BearerToken returns the credential currently attached, or "".
func (c *Client) BearerToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Get is Do with GET and no request body.
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	return c.Do(ctx, http.MethodGet, path, query, nil, out)
}

// Post is Do with POST.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, http.MethodPost, path, nil, body, out)
}

// Do sends a request to path (relative to the base URL). A non-nil body
// is JSON-encoded. On a 2xx response with a non-empty body, the body is
// decoded into out when out is non-nil. Non-2xx responses are returned
// as *APIError; failures to reach the server as *TransportError.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("api: build %s %s: %w", method, path, err)
	}
	requestID := uuid.NewString()
	request.Header.Set("Accept", "application/json")
	request.Header.Set(RequestIDHeader, requestID)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token := c.BearerToken(); token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logger.Debug("request failed",
			"method", method, "path", path, "request_id", requestID,
			"elapsed", time.Since(start), "error", err)
		return &TransportError{Method: method, Path: path, Err: err}
	}
	defer response.Body.Close()

	data, err := io.ReadAll(io.LimitReader(response.Body, MaxResponseSize))
	c.logger.Debug("request",
		"method", method, "path", path, "status", response.StatusCode,
		"request_id", requestID, "elapsed", time.Since(start))
	if err != nil {
		return &TransportError{Method: method, Path: path, Err: fmt.Errorf("read body: %w", err)}
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return parseAPIError(response.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("api: decode %s %s: %w", method, path, err)
	}
	return nil
}
