package metrics

import (
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ajitpratap0/filtertune/internal/ratelimit"
)

// Namespace prefixes every metric name
const Namespace = "filtertune"

// Bounded cardinality constants for metric labels.
// These ensure metrics don't have unbounded label values which can cause memory issues.
const (
	// Cache lookup results
	CacheHit  = "hit"
	CacheMiss = "miss"

	// Circuit breaker states, exported one-hot
	BreakerClosed   = "closed"
	BreakerOpen     = "open"
	BreakerHalfOpen = "half_open"
)

var breakerStates = []string{BreakerClosed, BreakerOpen, BreakerHalfOpen}

// Collector owns every filtertune metric. It implements the evaluator
// recorder and the stats client observer.
type Collector struct {
	// Evaluation metrics
	Evaluations  *prometheus.CounterVec
	CacheLookups *prometheus.CounterVec
	Retries      *prometheus.CounterVec
	BestScore    prometheus.Gauge

	// Rate limiter metrics
	BurstLimit      prometheus.Gauge
	RecoverySeconds prometheus.Gauge
	Rejections      prometheus.Gauge
	WindowCalls     prometheus.Gauge

	// Stats API metrics
	APIRequests  *prometheus.CounterVec
	APILatency   prometheus.Histogram
	BreakerState *prometheus.GaugeVec

	// Search progress metrics
	ChainRun   prometheus.Gauge
	TotalTests prometheus.Gauge
	CacheSize  prometheus.Gauge

	// Infrastructure metrics
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
	RedisOperations *prometheus.CounterVec
}

// NewCollector registers every metric on reg
func NewCollector(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		Evaluations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "evaluations_total",
			Help:      "Configuration evaluations by outcome",
		}, []string{"outcome"}),
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "cache_lookups_total",
			Help:      "Result cache lookups by result",
		}, []string{"result"}),
		Retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "api_retries_total",
			Help:      "Stats API retries by reason",
		}, []string{"reason"}),
		BestScore: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "best_score",
			Help:      "Best competitive score found so far",
		}),

		BurstLimit: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "limiter_burst_limit",
			Help:      "Learned burst limit of the admission gate",
		}),
		RecoverySeconds: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "limiter_recovery_seconds",
			Help:      "Recovery wait after an exhausted burst",
		}),
		Rejections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "limiter_rejections",
			Help:      "Rate-limit rejections observed by the admission gate",
		}),
		WindowCalls: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "limiter_window_calls",
			Help:      "Calls admitted in the trailing minute",
		}),

		APIRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "api_requests_total",
			Help:      "Stats API requests by result",
		}, []string{"result"}),
		APILatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "api_request_duration_seconds",
			Help:      "Stats API request latency",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (1 for the current state)",
		}, []string{"state"}),

		ChainRun: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "chain_run",
			Help:      "Current run number of the chain",
		}),
		TotalTests: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "tests",
			Help:      "Live evaluations made by the chain",
		}),
		CacheSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "cache_entries",
			Help:      "Entries in the result cache",
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "http_requests_total",
			Help:      "Control API requests",
		}, []string{"method", "path", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Control API request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		RedisOperations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "redis_operations_total",
			Help:      "Redis commands by name and result",
		}, []string{"command", "result"}),
	}
}

// ObserveEvaluation counts one evaluation outcome
func (c *Collector) ObserveEvaluation(kind string) {
	c.Evaluations.WithLabelValues(kind).Inc()
}

// ObserveCacheLookup counts a result cache lookup
func (c *Collector) ObserveCacheLookup(hit bool) {
	result := CacheMiss
	if hit {
		result = CacheHit
	}
	c.CacheLookups.WithLabelValues(result).Inc()
}

// ObserveRetry counts a retried stats API call
func (c *Collector) ObserveRetry(reason string) {
	c.Retries.WithLabelValues(reason).Inc()
}

// ObserveLimiter mirrors the admission gate state
func (c *Collector) ObserveLimiter(s ratelimit.Stats) {
	c.BurstLimit.Set(float64(s.BurstLimit))
	c.RecoverySeconds.Set(s.Recovery.Seconds())
	c.Rejections.Set(float64(s.Rejections))
	c.WindowCalls.Set(float64(s.WindowCount))
}

// SetBestScore records the best score; rejected scores are ignored
func (c *Collector) SetBestScore(score float64) {
	if math.IsInf(score, 0) || math.IsNaN(score) {
		return
	}
	c.BestScore.Set(score)
}

// ObserveRequest records one stats API request
func (c *Collector) ObserveRequest(result string, d time.Duration) {
	c.APIRequests.WithLabelValues(result).Inc()
	c.APILatency.Observe(d.Seconds())
}

// SetBreakerState marks the current circuit breaker state
func (c *Collector) SetBreakerState(state string) {
	for _, s := range breakerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.BreakerState.WithLabelValues(s).Set(v)
	}
}
