// Package client provides the core E-utilities request dispatcher with rate
// limiting, optional response caching, and error classification.
//
// The dispatcher performs exactly one HTTP attempt per call; retry loops
// belong to the callers (batch chunks, pipeline steps) via Retry, so attempt
// counts stay observable.
package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/litkit/entrez-client/pkg/cache"
	"github.com/litkit/entrez-client/pkg/ratelimit"
)

// DefaultBaseURL is the NCBI E-utilities endpoint root.
const DefaultBaseURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"

// MaxBatchSize is the largest ID list NCBI accepts in one request.
const MaxBatchSize = 500

// Prometheus metrics for dispatcher operations.
var (
	entrezRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entrez_requests_total",
		Help: "Total E-utilities requests by endpoint and status",
	}, []string{"endpoint", "status"})

	entrezRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "entrez_request_duration_seconds",
		Help:    "E-utilities request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"endpoint"})

	entrezErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entrez_errors_total",
		Help: "Total E-utilities errors by class",
	}, []string{"class"})
)

// Config holds the dispatcher configuration.
type Config struct {
	// BaseURL overrides the E-utilities root (tests point it at a mock).
	BaseURL string

	// APIKey is the optional NCBI API key. Presence raises the rate
	// budget from 3 to 10 requests per second.
	APIKey string

	// Tool identifies the calling application (required by NCBI policy).
	Tool string

	// Email is the maintainer contact (required by NCBI policy).
	Email string

	// Timeout applies per individual request, never per batch or pipeline.
	Timeout time.Duration

	// Redis enables the optional response cache when non-nil.
	Redis *redis.Client

	// CacheTTL bounds how long idempotent GET responses are reused.
	CacheTTL time.Duration

	// DefaultChunkSize is the batch chunk size when a job does not set one.
	DefaultChunkSize int

	// MaxConcurrency is the default parallelism for batch jobs.
	MaxConcurrency int

	// Retry is the policy handed to batch chunks and pipeline steps.
	Retry RetryPolicy
}

// DefaultConfig returns a configuration with NCBI-documented defaults.
func DefaultConfig(tool, email string) Config {
	return Config{
		BaseURL:          DefaultBaseURL,
		Tool:             tool,
		Email:            email,
		Timeout:          60 * time.Second,
		CacheTTL:         5 * time.Minute,
		DefaultChunkSize: 100,
		MaxConcurrency:   3,
		Retry:            DefaultRetryPolicy(),
	}
}

// Client is the request dispatcher shared by every orchestration layer.
type Client struct {
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	cache      *cache.Manager
	config     Config
	logger     zerolog.Logger
}

// Response is the outcome of a dispatched request.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

// New creates a dispatcher. Tool and Email are required by NCBI usage
// policy; the rate limiter capacity follows APIKey presence.
func New(cfg Config) (*Client, error) {
	if cfg.Tool == "" {
		return nil, fmt.Errorf("tool name is required (NCBI usage policy)")
	}
	if cfg.Email == "" {
		return nil, fmt.Errorf("contact email is required (NCBI usage policy)")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.DefaultChunkSize <= 0 || cfg.DefaultChunkSize > MaxBatchSize {
		cfg.DefaultChunkSize = 100
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 3
	}

	logger := log.With().Str("component", "entrez-client").Logger()

	var cacheManager *cache.Manager
	if cfg.Redis != nil {
		cacheManager = cache.NewManager(cfg.Redis, cfg.CacheTTL)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: ratelimit.NewForCredential(cfg.APIKey != ""),
		cache:   cacheManager,
		config:  cfg,
		logger:  logger,
	}, nil
}

// Limiter exposes the shared rate governor so batch and pipeline layers can
// gate work that is not a plain dispatch.
func (c *Client) Limiter() *ratelimit.Limiter {
	return c.limiter
}

// Config returns the active configuration.
func (c *Client) Config() Config {
	return c.config
}

// Get dispatches a GET request to an E-utilities endpoint, e.g.
// "esearch.fcgi". params must not include tool/email/api_key; the
// dispatcher adds them.
func (c *Client) Get(ctx context.Context, endpoint string, params url.Values) (*Response, error) {
	return c.send(ctx, http.MethodGet, endpoint, params)
}

// PostForm dispatches a form-encoded POST. Used for large ID lists (EPost,
// EFetch with hundreds of IDs) where a query string would overflow.
func (c *Client) PostForm(ctx context.Context, endpoint string, params url.Values) (*Response, error) {
	return c.send(ctx, http.MethodPost, endpoint, params)
}

// send performs one rate-limited attempt: acquire slot, consult cache,
// execute, classify. It never retries.
func (c *Client) send(ctx context.Context, method, endpoint string, params url.Values) (*Response, error) {
	start := time.Now()
	defer func() {
		entrezRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}()

	// Cache key is built from caller params only, before credentials are
	// mixed in, so the API key never lands in Redis.
	var cacheKey cache.Key
	cacheable := method == http.MethodGet && c.cache != nil
	if cacheable {
		cacheKey = cache.Key{Endpoint: endpoint, Params: params}
		if entry, err := c.cache.Get(ctx, cacheKey); err == nil {
			c.logger.Debug().
				Str("endpoint", endpoint).
				Msg("Response served from cache")
			return &Response{
				StatusCode: entry.StatusCode,
				Body:       entry.Data,
				Header:     entry.Headers,
			}, nil
		} else if err != cache.ErrCacheMiss {
			c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Cache get error")
		}
	}

	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("acquire rate limit slot: %w", err)
	}

	req, err := c.buildRequest(ctx, method, endpoint, params)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	c.logger.Debug().
		Str("endpoint", endpoint).
		Str("method", method).
		Msg("Dispatching E-utilities request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		entrezErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		entrezRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		c.logger.Error().Err(err).Str("endpoint", endpoint).Msg("HTTP request failed")
		return nil, &RequestError{
			Class:    ErrorClassNetwork,
			Endpoint: endpoint,
			Message:  "request failed",
			Err:      err,
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		entrezErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return nil, &RequestError{
			Class:    ErrorClassNetwork,
			Endpoint: endpoint,
			Message:  "read response body",
			Err:      err,
		}
	}

	entrezRequestsTotal.WithLabelValues(endpoint, fmt.Sprintf("%d", resp.StatusCode)).Inc()

	if resp.StatusCode >= 400 {
		class := classifyStatus(resp.StatusCode)
		entrezErrorsTotal.WithLabelValues(string(class)).Inc()

		evt := c.logger.Warn()
		if class == ErrorClassRateLimit {
			// A 429 despite local gating means the configured budget is
			// wrong for this key; the caller decides what to do about it.
			evt = c.logger.Error()
		}
		evt.Str("endpoint", endpoint).
			Int("status", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("E-utilities request error")

		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Class:      class,
			Endpoint:   endpoint,
			Message:    truncate(string(body), 500),
		}
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Body:       body,
		Header:     resp.Header.Clone(),
	}

	if cacheable && resp.StatusCode == http.StatusOK {
		entry := cache.NewEntry(body, resp.StatusCode, resp.Header)
		if err := c.cache.Set(ctx, cacheKey, entry); err != nil {
			c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Failed to cache response")
		}
	}

	return out, nil
}

// buildRequest assembles the HTTP request with the standard identification
// parameters NCBI requires on every call.
func (c *Client) buildRequest(ctx context.Context, method, endpoint string, params url.Values) (*http.Request, error) {
	full := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			full.Add(k, v)
		}
	}
	full.Set("tool", c.config.Tool)
	full.Set("email", c.config.Email)
	if c.config.APIKey != "" {
		full.Set("api_key", c.config.APIKey)
	}

	target := strings.TrimRight(c.config.BaseURL, "/") + "/" + endpoint

	var req *http.Request
	var err error
	if method == http.MethodPost {
		req, err = http.NewRequestWithContext(ctx, method, target, strings.NewReader(full.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, method, target+"?"+full.Encode(), nil)
	}
	if err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", fmt.Sprintf("%s/1.0 (mailto:%s)", c.config.Tool, c.config.Email))
	req.Header.Set("Accept", "application/xml, application/json, text/xml")
	return req, nil
}

// truncate shortens s for error messages.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
