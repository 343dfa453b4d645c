// Package httpclient wraps net/http with response-size limits and
// structured request logging, adapted from orchid/pkg/httpclient/client.go
// (same Config/DefaultConfig/Client/Do/Get shape, response size capped at
// MaxResponseSize) onto this package's logging.Logger and retryable-status
// classification from orchid/pkg/httpclient/parser.go.
package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Ramsey-B/apitap/internal/logging"
)

const (
	DefaultTimeout  = 30 * time.Second
	MaxResponseSize = 10 * 1024 * 1024
)

// Config holds HTTP client configuration.
type Config struct {
	Timeout            time.Duration
	MaxIdleConns       int
	IdleConnTimeout    time.Duration
	DisableCompression bool
	DisableKeepAlives  bool
}

// DefaultConfig returns default HTTP client configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:         DefaultTimeout,
		MaxIdleConns:    100,
		IdleConnTimeout: 90 * time.Second,
	}
}

// Client wraps *http.Client with logging and size limits.
type Client struct {
	client *http.Client
	logger logging.Logger
}

// New builds a Client. It holds no headers itself: the orchestrator builds
// one Client per run (spec.md §4.5 step 3) and that run's resolved headers
// are passed to every Get call.
func New(cfg Config, logger logging.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConns:       cfg.MaxIdleConns,
		IdleConnTimeout:    cfg.IdleConnTimeout,
		DisableCompression: cfg.DisableCompression,
		DisableKeepAlives:  cfg.DisableKeepAlives,
	}
	return &Client{
		client: &http.Client{Transport: transport, Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Response is a bounded-size HTTP response.
type Response struct {
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// Get issues a GET request to rawURL with every entry of headers set on it.
func (c *Client) Get(ctx context.Context, rawURL string, headers map[string]string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.Do(ctx, req)
}

// Do executes req and reads its body up to MaxResponseSize.
func (c *Client) Do(ctx context.Context, req *http.Request) (*Response, error) {
	start := time.Now()

	resp, err := c.client.Do(req.WithContext(ctx))
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).Errorf("HTTP request failed: %s %s", req.Method, req.URL.String())
		return nil, err
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, MaxResponseSize+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if len(body) > MaxResponseSize {
		return nil, fmt.Errorf("response body too large: max %d bytes", MaxResponseSize)
	}

	duration := time.Since(start)
	c.logger.WithContext(ctx).Debugf("HTTP %s %s -> %d (%s)", req.Method, req.URL.String(), resp.StatusCode, duration)

	return &Response{StatusCode: resp.StatusCode, Body: body, Duration: duration}, nil
}

// IsRetryableStatus reports whether statusCode warrants a retry, grounded
// on orchid/pkg/httpclient/parser.go's IsRetryableStatus, generalized from
// an enumerated 5xx allowlist to all of 5xx per spec.md's "Retry on network
// errors, timeouts, and HTTP 5xx and 429".
func IsRetryableStatus(statusCode int) bool {
	return statusCode == 408 || statusCode == 429 || statusCode >= 500
}
