// Package httpclient is the single network egress point for the mapper. It
// pins every request to one allowed host, bounds in-flight requests, spaces
// dispatches by a minimum interval, retries transient failures with
// exponential backoff and trips a circuit breaker on sustained 401/403s.
package httpclient

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/apimapper/internal/jsondoc"
	"github.com/JakeFAU/apimapper/internal/metrics"
	"github.com/JakeFAU/apimapper/internal/telemetry"
)

// Defaults applied by New when a Config field is zero.
const (
	DefaultMinInterval          = 150 * time.Millisecond
	DefaultMaxConcurrency       = 6
	DefaultTimeout              = 30 * time.Second
	DefaultMaxAttempts          = 4
	DefaultAuthFailureThreshold = 10
	DefaultBackoffBase          = 500 * time.Millisecond
)

// Config controls client behavior.
type Config struct {
	AllowHost            string
	MinInterval          time.Duration
	MaxConcurrency       int
	Timeout              time.Duration
	MaxAttempts          int
	AuthFailureThreshold int
	BackoffBase          time.Duration
	UserAgent            string
	Headers              map[string]string
}

// Response is a fully read upstream response.
type Response struct {
	URL         string
	StatusCode  int
	Header      http.Header
	Body        []byte
	Duration    time.Duration
	ContentType string
}

// Client performs GET requests against a single allowed host.
type Client struct {
	cfg     Config
	http    *http.Client
	slots   *semaphore.Weighted
	spacing *rate.Limiter
	retry   RetryPolicy
	pause   pauseFunc
	logger  *zap.Logger
	tp      trace.TracerProvider
	tracer  trace.Tracer

	mu           sync.Mutex
	authFailures int
	tripped      bool
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client. Its CheckRedirect is
// overwritten so redirects cannot leave the allowed host.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTracerProvider sets the provider for request spans. The global
// provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		c.tp = tp
	}
}

// WithPause replaces the backoff sleeper.
func WithPause(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		if fn != nil {
			c.pause = fn
		}
	}
}

// New builds a Client, filling zero config values with defaults.
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Client, error) {
	cfg.AllowHost = strings.ToLower(strings.TrimSpace(cfg.AllowHost))
	if cfg.AllowHost == "" {
		return nil, fmt.Errorf("allow host is required")
	}
	if cfg.MinInterval < 0 {
		return nil, fmt.Errorf("min interval must be >= 0")
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.AuthFailureThreshold <= 0 {
		cfg.AuthFailureThreshold = DefaultAuthFailureThreshold
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}

	c := &Client{
		cfg:     cfg,
		slots:   semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		spacing: rate.NewLimiter(limit, 1),
		retry:   NewRetryPolicy(cfg.MaxAttempts, cfg.BackoffBase),
		pause:   timerPause,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.tracer = telemetry.Tracer(c.tp)
	if c.http == nil {
		c.http = &http.Client{Transport: otelhttp.NewTransport(
			newHTTPTransport(cfg.MaxConcurrency),
			otelhttp.WithTracerProvider(c.tp),
		)}
	}
	c.http.Timeout = cfg.Timeout
	c.http.CheckRedirect = c.checkRedirect
	return c, nil
}

// AllowHost returns the lowercased host every request is pinned to.
func (c *Client) AllowHost() string {
	return c.cfg.AllowHost
}

// MaxConcurrency returns the number of request slots.
func (c *Client) MaxConcurrency() int {
	return c.cfg.MaxConcurrency
}

// Tripped reports whether the authentication circuit breaker is open.
func (c *Client) Tripped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tripped
}

// Get fetches rawURL. Transient statuses (429, 5xx) and network failures are
// retried with exponential backoff; once attempts run out the last response
// is returned as is, or the last network error is propagated.
func (c *Client) Get(ctx context.Context, rawURL string) (*Response, error) {
	ctx, span := c.tracer.Start(ctx, "httpclient.Get",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(semconv.URLFull(rawURL)),
	)
	defer span.End()

	resp, attempts, err := c.get(ctx, rawURL)
	if attempts > 1 {
		span.SetAttributes(semconv.HTTPRequestResendCount(attempts - 1))
	}
	if resp != nil {
		span.SetAttributes(semconv.HTTPResponseStatusCode(resp.StatusCode))
	}
	telemetry.RecordError(span, err)
	return resp, err
}

// get runs the retry loop and reports how many attempts reached the wire.
func (c *Client) get(ctx context.Context, rawURL string) (*Response, int, error) {
	if err := c.checkHost(rawURL); err != nil {
		return nil, 0, err
	}
	if c.Tripped() {
		return nil, 0, ErrAuthBlocked
	}

	if err := c.slots.Acquire(ctx, 1); err != nil {
		return nil, 0, fmt.Errorf("acquire request slot: %w", err)
	}
	defer c.slots.Release(1)

	for attempt := 0; ; attempt++ {
		if err := c.waitForSpacing(ctx); err != nil {
			return nil, attempt, err
		}

		resp, err := c.do(ctx, rawURL)
		if err != nil {
			if !retryableError(ctx, err) || !c.retry.HasAttemptsLeft(attempt) {
				return nil, attempt + 1, err
			}
			c.logger.Warn("Network error, retrying",
				zap.String("url", rawURL),
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", c.retry.MaxAttempts()),
				zap.Duration("backoff", c.retry.Backoff(attempt)),
				zap.Error(err),
			)
			metrics.ObserveRetry("network")
			if perr := c.pause(ctx, c.retry.Backoff(attempt)); perr != nil {
				return nil, attempt + 1, fmt.Errorf("backoff interrupted: %w", perr)
			}
			continue
		}

		if err := c.trackAuth(resp.StatusCode); err != nil {
			c.logger.Error("Consistent auth failures detected; stopping crawl",
				zap.String("url", rawURL),
				zap.Int("threshold", c.cfg.AuthFailureThreshold),
			)
			return resp, attempt + 1, err
		}

		if RetryableStatus(resp.StatusCode) && c.retry.HasAttemptsLeft(attempt) {
			c.logger.Warn("Transient status, retrying",
				zap.String("url", rawURL),
				zap.Int("status_code", resp.StatusCode),
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", c.retry.MaxAttempts()),
				zap.Duration("backoff", c.retry.Backoff(attempt)),
			)
			metrics.ObserveRetry("status")
			if perr := c.pause(ctx, c.retry.Backoff(attempt)); perr != nil {
				return nil, attempt + 1, fmt.Errorf("backoff interrupted: %w", perr)
			}
			continue
		}
		return resp, attempt + 1, nil
	}
}

// GetJSON fetches rawURL and decodes the body. A body that is not valid JSON
// yields the response with a nil document and no error.
func (c *Client) GetJSON(ctx context.Context, rawURL string) (*Response, *jsondoc.Document, error) {
	resp, err := c.Get(ctx, rawURL)
	if err != nil {
		return resp, nil, err
	}
	doc, err := jsondoc.Decode(resp.Body)
	if err != nil {
		c.logger.Debug("Response is not JSON", zap.String("url", rawURL), zap.Error(err))
		return resp, nil, nil
	}
	return resp, doc, nil
}

func (c *Client) do(ctx context.Context, rawURL string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", rawURL, err)
	}
	defer func() {
		if cerr := httpResp.Body.Close(); cerr != nil {
			c.logger.Debug("Failed to close response body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body %s: %w", rawURL, err)
	}
	duration := time.Since(start)
	metrics.ObserveRequest(httpResp.StatusCode, duration)

	finalURL := rawURL
	if httpResp.Request != nil && httpResp.Request.URL != nil {
		finalURL = httpResp.Request.URL.String()
	}
	return &Response{
		URL:         finalURL,
		StatusCode:  httpResp.StatusCode,
		Header:      httpResp.Header.Clone(),
		Body:        body,
		Duration:    duration,
		ContentType: httpResp.Header.Get("Content-Type"),
	}, nil
}

func (c *Client) waitForSpacing(ctx context.Context) error {
	start := time.Now()
	if err := c.spacing.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveSpacingDelay(waited)
	}
	return nil
}

// trackAuth updates the consecutive 401/403 counter and returns
// ErrAuthBlocked once it reaches the threshold.
func (c *Client) trackAuth(code int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if code != http.StatusUnauthorized && code != http.StatusForbidden {
		c.authFailures = 0
		return nil
	}
	metrics.ObserveAuthFailure()
	c.authFailures++
	if c.authFailures >= c.cfg.AuthFailureThreshold {
		if !c.tripped {
			metrics.ObserveAuthBlocked()
		}
		c.tripped = true
		return ErrAuthBlocked
	}
	return nil
}

func (c *Client) checkHost(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if !strings.EqualFold(u.Host, c.cfg.AllowHost) {
		return fmt.Errorf("%w: %s", ErrHostNotAllowed, rawURL)
	}
	return nil
}

func (c *Client) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return fmt.Errorf("stopped after %d redirects", len(via))
	}
	if !strings.EqualFold(req.URL.Host, c.cfg.AllowHost) {
		return fmt.Errorf("redirect: %w: %s", ErrHostNotAllowed, req.URL)
	}
	return nil
}

func newHTTPTransport(maxConns int) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxConnsPerHost:       maxConns,
		IdleConnTimeout:       90 * time.Second,
	}
}
