// Package stats is the HTTP client of the remote backtesting service. Each
// request evaluates one filter configuration and returns aggregate metrics.
package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/ajitpratap0/filtertune/pkg/backtest"
	"github.com/ajitpratap0/filtertune/pkg/filters"
)

// maxBodySize bounds how much of a response is read
const maxBodySize = 1 << 20

// Circuit breaker defaults for the stats endpoint
const (
	DefaultMinRequests     = 5                // Minimum requests before tripping
	DefaultFailureRatio    = 0.6              // Failure ratio threshold (60%)
	DefaultOpenTimeout     = 30 * time.Second // How long circuit stays open
	DefaultHalfOpenMaxReqs = 1                // Max requests in half-open state
	DefaultCountInterval   = 60 * time.Second // Window for counting failures
)

// BreakerSettings holds circuit breaker configuration
type BreakerSettings struct {
	MinRequests     uint32
	FailureRatio    float64
	OpenTimeout     time.Duration
	HalfOpenMaxReqs uint32
	CountInterval   time.Duration
}

// DefaultBreakerSettings returns the default breaker configuration
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MinRequests:     DefaultMinRequests,
		FailureRatio:    DefaultFailureRatio,
		OpenTimeout:     DefaultOpenTimeout,
		HalfOpenMaxReqs: DefaultHalfOpenMaxReqs,
		CountInterval:   DefaultCountInterval,
	}
}

// Observer receives request telemetry
type Observer interface {
	ObserveRequest(result string, d time.Duration)
	SetBreakerState(state string)
}

// Request results reported to the Observer
const (
	ResultOK          = "ok"
	ResultRateLimited = "rate_limited"
	ResultServerError = "server_error"
	ResultHTTPError   = "http_error"
	ResultTransport   = "transport"
	ResultCircuitOpen = "circuit_open"
	ResultDecodeError = "decode_error"
	ResultCancelled   = "cancelled"
)

// ClientConfig contains configuration for the stats client
type ClientConfig struct {
	BaseURL   string
	StatsPath string
	Timeout   time.Duration
	Request   RequestOptions
	Breaker   BreakerSettings
}

// Client queries the stats endpoint through a circuit breaker. Only server
// and transport failures count against the circuit; 429s feed the rate
// limiter instead.
type Client struct {
	endpoint   string
	request    RequestOptions
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	observers  []Observer
	log        zerolog.Logger
}

// Option customizes a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithObserver adds a telemetry observer
func WithObserver(o Observer) Option {
	return func(c *Client) {
		c.observers = append(c.observers, o)
	}
}

// WithLogger sets the client logger
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

// NewClient creates a new stats client
func NewClient(cfg ClientConfig, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("stats base URL is required")
	}
	if err := cfg.Request.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request options: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Breaker == (BreakerSettings{}) {
		cfg.Breaker = DefaultBreakerSettings()
	}

	c := &Client{
		endpoint:   strings.TrimRight(cfg.BaseURL, "/") + "/" + strings.TrimLeft(cfg.StatsPath, "/"),
		request:    cfg.Request,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	settings := cfg.Breaker
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "stats",
		MaxRequests: settings.HalfOpenMaxReqs,
		Interval:    settings.CountInterval,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= settings.MinRequests && failureRatio >= settings.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			c.log.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Stats circuit breaker state changed")
			for _, o := range c.observers {
				o.SetBreakerState(stateName(to))
			}
		},
	})

	return c, nil
}

// RequestURL returns the full request URL for a configuration
func (c *Client) RequestURL(cfg filters.Config) string {
	return c.endpoint + "?" + BuildQuery(cfg, c.request).Encode()
}

// BreakerState returns the circuit state name
func (c *Client) BreakerState() string {
	return stateName(c.breaker.State())
}

// Fetch runs one remote backtest for cfg
func (c *Client) Fetch(ctx context.Context, cfg filters.Config) (*backtest.Metrics, error) {
	requestURL := c.RequestURL(cfg)
	start := time.Now()

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.do(ctx, requestURL)
	})
	duration := time.Since(start)

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.observe(ResultCircuitOpen, duration)
			return nil, &TransientError{Err: err}
		}
		c.observe(resultOf(err), duration)
		return nil, err
	}

	c.observe(ResultOK, duration)
	metrics := out.(*backtest.Metrics)

	c.log.Debug().
		Int("total_tokens", metrics.TotalTokens).
		Float64("win_rate", metrics.WinRate).
		Dur("duration", duration).
		Msg("Stats request completed")

	return metrics, nil
}

func (c *Client) do(ctx context.Context, requestURL string) (*backtest.Metrics, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitError{URL: requestURL, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 500:
		return nil, &ServerError{StatusCode: resp.StatusCode, URL: requestURL, Body: snippet(body)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &HTTPError{StatusCode: resp.StatusCode, URL: requestURL, Body: snippet(body)}
	}

	var metrics backtest.Metrics
	if err := json.Unmarshal(body, &metrics); err != nil {
		return nil, fmt.Errorf("failed to parse stats response: %w", err)
	}
	metrics.Derive()
	if err := metrics.Validate(); err != nil {
		return nil, fmt.Errorf("invalid stats response: %w", err)
	}
	return &metrics, nil
}

func (c *Client) observe(result string, d time.Duration) {
	for _, o := range c.observers {
		o.ObserveRequest(result, d)
	}
}

func resultOf(err error) string {
	var (
		rle *RateLimitError
		se  *ServerError
		he  *HTTPError
		te  *TransientError
	)
	switch {
	case errors.As(err, &rle):
		return ResultRateLimited
	case errors.As(err, &se):
		return ResultServerError
	case errors.As(err, &he):
		return ResultHTTPError
	case errors.As(err, &te):
		return ResultTransport
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ResultCancelled
	default:
		return ResultDecodeError
	}
}

func stateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
