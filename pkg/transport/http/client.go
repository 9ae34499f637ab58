// Package http provides the JSON-over-HTTP Transport used to talk to a
// homeserver's client-server API.
package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rhuss/uiaa/pkg/debug"
	"github.com/rhuss/uiaa/pkg/transport"
)

// defaultMaxBodySize bounds how much of a response body is read.
const defaultMaxBodySize = 16 << 20

// ErrBodyTooLarge is returned when a response body exceeds the configured
// limit. The body is never truncated.
var ErrBodyTooLarge = errors.New("response body too large")

// Config holds configuration for the HTTP transport.
type Config struct {
	// BaseURL is the homeserver base URL (e.g., "https://matrix.example.org").
	BaseURL string

	// AccessToken is sent as a bearer token when set. Registration does
	// not need one; password changes and device deletion do.
	AccessToken string

	// Timeout is the deadline of each individual round trip. Default: 30s.
	Timeout time.Duration

	// MaxBodySize caps response bodies. Larger bodies fail with
	// ErrBodyTooLarge. Default: 16 MiB.
	MaxBodySize int64

	// HTTPClient allows injecting a custom HTTP client (useful for testing).
	// If nil, a client with Timeout is created.
	HTTPClient *http.Client
}

// Client performs round trips against a homeserver.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	accessToken string
	timeout     time.Duration
	maxBody     int64
}

// Ensure Client implements transport.Transport at compile time.
var _ transport.Transport = (*Client)(nil)

// New creates a new Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("http transport: base URL must not be empty")
	}
	if !strings.HasPrefix(cfg.BaseURL, "http://") && !strings.HasPrefix(cfg.BaseURL, "https://") {
		return nil, fmt.Errorf("http transport: base URL %q must start with http:// or https://", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	maxBody := cfg.MaxBodySize
	if maxBody <= 0 {
		maxBody = defaultMaxBodySize
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}

	return &Client{
		httpClient:  hc,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		accessToken: cfg.AccessToken,
		timeout:     timeout,
		maxBody:     maxBody,
	}, nil
}

// BaseURL returns the normalized homeserver base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Send performs one round trip. Non-2xx statuses are not errors: the
// caller interprets them. Only network failures, deadline expiry and
// unreadable bodies are returned as errors.
func (c *Client) Send(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	url := c.baseURL + req.Path
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, body)
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}

	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.accessToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	debug.Log("transport", "sending request", "method", req.Method, "url", url)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, MapNetworkError(err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, c.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if int64(len(data)) > c.maxBody {
		return nil, fmt.Errorf("%w: status %d, more than %d bytes", ErrBodyTooLarge, httpResp.StatusCode, c.maxBody)
	}

	return &transport.Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
	}, nil
}

// MapNetworkError converts a network-level error (connection refused,
// timeout, DNS resolution failure) into a descriptive error that still
// matches context errors through errors.Is.
func MapNetworkError(err error) error {
	return fmt.Errorf("homeserver connection error: %w", err)
}
