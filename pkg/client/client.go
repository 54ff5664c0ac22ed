// Package client provides the HTTP transport for the platform REST API:
// request building, API key authentication, error classification and
// request metrics.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/risksense-client/pkg/logging"
)

// Prometheus metrics for platform client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rs_requests_total",
		Help: "Total platform API requests by method and status",
	}, []string{"method", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rs_request_duration_seconds",
		Help:    "Platform API request duration in seconds by method",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rs_errors_total",
		Help: "Total platform API errors by class",
	}, []string{"class"})
)

const (
	// DefaultBaseURL is the public platform API root.
	DefaultBaseURL = "https://platform.risksense.com/api/v1"

	defaultTimeout     = 30 * time.Second
	defaultMaxBodySize = 32 * 1024 * 1024 // 32MB
	defaultUserAgent   = "risksense-client/0.1.0"

	headerAPIKey    = "x-api-key"
	headerRequestID = "X-Request-ID"
)

// RequestHandler is the transport boundary used by the search and export
// components. *Client implements it; tests can substitute their own.
type RequestHandler interface {
	// Do executes a request and returns the raw response. Non-2xx responses
	// are returned as *APIError, transport failures as *TransportError.
	Do(ctx context.Context, req *Request) (*Response, error)

	// DoJSON executes a request and unmarshals a successful JSON body into out.
	DoJSON(ctx context.Context, req *Request, out any) (*Response, error)

	// Download streams a successful response body into w without buffering
	// it in memory.
	Download(ctx context.Context, req *Request, w io.Writer) (int64, error)
}

// Request represents an API request. Path is relative to the base URL.
type Request struct {
	Method  string
	Path    string
	Body    any
	Params  url.Values
	Headers http.Header
}

// Response represents an API response.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the API root, e.g. "https://platform.risksense.com/api/v1".
	BaseURL string

	// APIKey is sent as the x-api-key header on every request.
	APIKey string

	// UserAgent header value.
	UserAgent string

	// Timeout per HTTP request. Ignored when HTTPClient is set.
	Timeout time.Duration

	// HTTPClient overrides the default http.Client.
	HTTPClient *http.Client

	// MaxBodySize limits buffered response bodies (Do/DoJSON only).
	MaxBodySize int64
}

// DefaultConfig returns a configuration with safe defaults.
func DefaultConfig(baseURL, apiKey string) Config {
	return Config{
		BaseURL:     baseURL,
		APIKey:      apiKey,
		UserAgent:   defaultUserAgent,
		Timeout:     defaultTimeout,
		MaxBodySize: defaultMaxBodySize,
	}
}

// Client is the platform API client.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
}

var _ RequestHandler = (*Client)(nil)

// New creates a new platform client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, ErrNoBaseURL
	}
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}

	u, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q: scheme and host are required", cfg.BaseURL)
	}

	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		baseURL:    u,
		httpClient: httpClient,
		config:     cfg,
		logger:     logging.NewLogger(logging.ComponentClient),
	}, nil
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Do performs a request and buffers the response body.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	httpResp, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = httpResp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, c.config.MaxBodySize+1))
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return nil, &TransportError{Method: req.Method, Path: req.Path, Err: fmt.Errorf("read response body: %w", err)}
	}
	if int64(len(body)) > c.config.MaxBodySize {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrResponseTooLarge, c.config.MaxBodySize)
	}

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Body:       body,
		Headers:    httpResp.Header,
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return resp, c.apiError(req, resp.StatusCode, resp.Body, resp.Headers)
	}

	return resp, nil
}

// DoJSON executes a request and unmarshals the JSON response into out.
func (c *Client) DoJSON(ctx context.Context, req *Request, out any) (*Response, error) {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return resp, err
	}

	if out != nil && len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return resp, fmt.Errorf("%w: %s %s: %v", ErrDecodeResponse, req.Method, req.Path, err)
		}
	}

	return resp, nil
}

// Download streams the response body into w.
func (c *Client) Download(ctx context.Context, req *Request, w io.Writer) (int64, error) {
	httpResp, err := c.send(ctx, req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 64*1024))
		return 0, c.apiError(req, httpResp.StatusCode, body, httpResp.Header)
	}

	n, err := io.Copy(w, httpResp.Body)
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return n, &TransportError{Method: req.Method, Path: req.Path, Err: fmt.Errorf("stream response body: %w", err)}
	}

	c.logger.Debug().
		Str("path", req.Path).
		Int64("bytes", n).
		Msg("Download complete")

	return n, nil
}

// send builds and executes the HTTP request, recording metrics.
func (c *Client) send(ctx context.Context, req *Request) (*http.Response, error) {
	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())
	}()

	c.logger.Debug().
		Str("method", req.Method).
		Str("path", req.Path).
		Str("request_id", httpReq.Header.Get(headerRequestID)).
		Msg("Executing platform request")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		errClass := c.classifyError(nil, err)
		errorsTotal.WithLabelValues(string(errClass)).Inc()
		requestsTotal.WithLabelValues(req.Method, "network_error").Inc()
		c.logger.Debug().Err(err).Str("path", req.Path).Msg("HTTP request failed")
		return nil, &TransportError{Method: req.Method, Path: req.Path, Err: err}
	}

	requestsTotal.WithLabelValues(req.Method, strconv.Itoa(httpResp.StatusCode)).Inc()
	return httpResp, nil
}

func (c *Client) buildRequest(ctx context.Context, req *Request) (*http.Request, error) {
	if req == nil {
		return nil, fmt.Errorf("request cannot be nil")
	}

	u := c.baseURL.JoinPath(req.Path)
	if len(req.Params) > 0 {
		u.RawQuery = req.Params.Encode()
	}

	var bodyReader io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.config.UserAgent)
	httpReq.Header.Set(headerAPIKey, c.config.APIKey)
	httpReq.Header.Set(headerRequestID, uuid.NewString())

	maps.Copy(httpReq.Header, req.Headers)

	return httpReq, nil
}

// apiError builds a classified *APIError and records it.
func (c *Client) apiError(req *Request, status int, body []byte, headers http.Header) error {
	errClass := c.classifyError(&http.Response{StatusCode: status}, nil)
	errorsTotal.WithLabelValues(string(errClass)).Inc()

	apiErr := parseError(status, body, headers)
	apiErr.ErrorClass = errClass
	apiErr.Method = req.Method
	apiErr.Path = req.Path

	c.logger.Warn().
		Str("path", req.Path).
		Int("status", status).
		Str("error_class", string(errClass)).
		Msg("Platform request rejected")

	return apiErr
}

// classifyError categorizes an error for observability and handling.
func (c *Client) classifyError(resp *http.Response, err error) ErrorClass {
	if err != nil {
		return ErrorClassNetwork
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrorClassAuth
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return ErrorClassClient
	case resp.StatusCode >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}
