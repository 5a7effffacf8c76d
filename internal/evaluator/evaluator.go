// Package evaluator turns a filter configuration into a scored outcome. It
// composes the result cache, the admission gate, the stats client and the
// scorer, and keeps the evaluation history and best-so-far result.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ajitpratap0/filtertune/internal/cache"
	"github.com/ajitpratap0/filtertune/internal/clock"
	"github.com/ajitpratap0/filtertune/internal/ratelimit"
	"github.com/ajitpratap0/filtertune/internal/stats"
	"github.com/ajitpratap0/filtertune/pkg/backtest"
	"github.com/ajitpratap0/filtertune/pkg/filters"
)

// Fetcher runs one remote backtest
type Fetcher interface {
	Fetch(ctx context.Context, cfg filters.Config) (*backtest.Metrics, error)
}

// Gate admits live calls and learns from their results
type Gate interface {
	Admit(ctx context.Context) error
	OnRejection()
	OnSuccess()
}

// Recorder receives evaluation telemetry
type Recorder interface {
	ObserveEvaluation(kind string)
	ObserveCacheLookup(hit bool)
	ObserveRetry(reason string)
	ObserveLimiter(s ratelimit.Stats)
	SetBestScore(score float64)
}

// RetryPolicy configures retries of failed live calls. The rate-limit
// backoff doubles from RateLimitBaseDelay up to RateLimitMaxDelay.
type RetryPolicy struct {
	MaxRateLimitAttempts int           // Total attempts when the service keeps answering 429
	RateLimitBaseDelay   time.Duration // First rate-limit backoff
	RateLimitMaxDelay    time.Duration // Rate-limit backoff cap
	TransientRetries     int           // Extra attempts after a transient failure
	TransientDelay       time.Duration // Linear backoff unit for transient failures
}

// DefaultRetryPolicy returns the default retry policy
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRateLimitAttempts: 4,
		RateLimitBaseDelay:   5 * time.Second,
		RateLimitMaxDelay:    2 * time.Minute,
		TransientRetries:     1,
		TransientDelay:       3 * time.Second,
	}
}

// rateLimitDelay returns the backoff before rate-limit attempt n+1 (n >= 1)
func (p RetryPolicy) rateLimitDelay(n int, hint time.Duration) time.Duration {
	delay := p.RateLimitBaseDelay
	for i := 1; i < n && delay < p.RateLimitMaxDelay; i++ {
		delay *= 2
	}
	if hint > delay {
		delay = hint
	}
	if delay > p.RateLimitMaxDelay {
		delay = p.RateLimitMaxDelay
	}
	return delay
}

// Settings configures an Evaluator
type Settings struct {
	Scoring        backtest.ScoringConfig
	MinTotalTokens int // Sample floor before threshold scaling
	CacheCapacity  int
	Retry          RetryPolicy
}

// DefaultSettings returns the default evaluator settings
func DefaultSettings() Settings {
	return Settings{
		Scoring:        backtest.DefaultScoringConfig(),
		MinTotalTokens: 50,
		CacheCapacity:  cache.DefaultCapacity,
		Retry:          DefaultRetryPolicy(),
	}
}

// Evaluator evaluates configurations one at a time. Evaluate is meant to be
// called from a single control flow; the read accessors are safe to call
// concurrently.
type Evaluator struct {
	mu       sync.Mutex
	fetcher  Fetcher
	gate     Gate
	cache    *cache.ResultCache[Outcome]
	settings Settings
	pins     filters.PinSet
	clock    clock.Clock
	log      zerolog.Logger
	recorder Recorder

	history []Record
	best    *Record
	stats   Stats
}

// Option customizes an Evaluator
type Option func(*Evaluator)

// WithClock sets the clock used for backoff sleeps
func WithClock(c clock.Clock) Option {
	return func(e *Evaluator) {
		e.clock = c
	}
}

// WithLogger sets the evaluator logger
func WithLogger(log zerolog.Logger) Option {
	return func(e *Evaluator) {
		e.log = log
	}
}

// WithRecorder installs a telemetry recorder
func WithRecorder(r Recorder) Option {
	return func(e *Evaluator) {
		e.recorder = r
	}
}

// WithPins forces pinned values onto every evaluated configuration
func WithPins(pins filters.PinSet) Option {
	return func(e *Evaluator) {
		e.pins = pins
	}
}

// New creates an evaluator
func New(fetcher Fetcher, gate Gate, settings Settings, opts ...Option) (*Evaluator, error) {
	if fetcher == nil || gate == nil {
		return nil, fmt.Errorf("evaluator requires a fetcher and a gate")
	}
	if err := settings.Scoring.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scoring config: %w", err)
	}
	if settings.Retry.MaxRateLimitAttempts <= 0 {
		return nil, fmt.Errorf("max rate limit attempts must be positive, got %d", settings.Retry.MaxRateLimitAttempts)
	}

	e := &Evaluator{
		fetcher:  fetcher,
		gate:     gate,
		cache:    cache.New[Outcome](settings.CacheCapacity),
		settings: settings,
		clock:    clock.New(),
		log:      zerolog.Nop(),
		stats:    Stats{Failures: make(map[ErrorKind]int)},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Pins returns the active pin set
func (e *Evaluator) Pins() filters.PinSet {
	return e.pins
}

// Prepare returns the canonical form of cfg that would be evaluated: every
// known parameter present and pins applied. cfg itself is not modified.
func (e *Evaluator) Prepare(cfg filters.Config) filters.Config {
	prepared := cfg.Normalize()
	if len(e.pins) > 0 {
		prepared = prepared.WithPins(e.pins)
	}
	return prepared
}

// Evaluate scores cfg. Failures are reported through the outcome; the
// returned outcome is never an error.
func (e *Evaluator) Evaluate(ctx context.Context, cfg filters.Config, label string) Outcome {
	prepared := e.Prepare(cfg)

	key, err := cache.Key(prepared)
	if err != nil {
		return e.finish(label, "", prepared, failure(KindValidation, err), false)
	}

	if out, ok := e.lookup(key); ok {
		e.log.Debug().Str("label", label).Float64("score", out.Score).Msg("Cache hit")
		return out
	}

	if err := prepared.Validate(); err != nil {
		e.log.Debug().Str("label", label).Err(err).Msg("Skipping invalid configuration")
		return e.finish(label, key, prepared, failure(KindValidation, err), true)
	}

	metrics, kind, err := e.call(ctx, prepared, label)
	if err != nil {
		return e.finish(label, key, prepared, failure(kind, err), true)
	}

	return e.finish(label, key, prepared, e.score(metrics), true)
}

func (e *Evaluator) lookup(key string) (Outcome, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stats.Evaluations++
	hit := e.cache.Has(key)
	if e.recorder != nil {
		e.recorder.ObserveCacheLookup(hit)
	}
	if !hit {
		return Outcome{}, false
	}
	cached, _ := e.cache.Get(key)
	out := cached.clone()
	out.Cached = true
	e.stats.CacheHits++
	return out, true
}

// call performs the live request with the retry policy
func (e *Evaluator) call(ctx context.Context, cfg filters.Config, label string) (*backtest.Metrics, ErrorKind, error) {
	policy := e.settings.Retry
	rateLimited, transient := 0, 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, KindCancelled, err
		}
		if err := e.gate.Admit(ctx); err != nil {
			return nil, KindCancelled, err
		}
		e.countCall()

		metrics, err := e.fetcher.Fetch(ctx, cfg)
		e.observeGate()
		if err == nil {
			e.gate.OnSuccess()
			return metrics, KindNone, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, KindCancelled, ctxErr
		}

		var delay time.Duration
		switch {
		case stats.IsRateLimit(err):
			e.gate.OnRejection()
			rateLimited++
			if rateLimited >= policy.MaxRateLimitAttempts {
				e.log.Warn().
					Str("label", label).
					Int("attempts", rateLimited).
					Msg("Rate limit retries exhausted")
				return nil, KindRateLimited, err
			}
			delay = policy.rateLimitDelay(rateLimited, stats.RetryAfter(err))
			e.retried("rate_limit")
			e.log.Warn().
				Str("label", label).
				Int("attempt", rateLimited).
				Dur("backoff", delay).
				Msg("Rate limited, backing off")

		case stats.IsTransient(err):
			transient++
			if transient > policy.TransientRetries {
				e.log.Warn().Str("label", label).Err(err).Msg("Transient failure persisted")
				return nil, KindTransient, err
			}
			delay = policy.TransientDelay * time.Duration(transient)
			e.retried("transient")
			e.log.Warn().
				Str("label", label).
				Err(err).
				Dur("backoff", delay).
				Msg("Transient failure, retrying")

		default:
			e.log.Warn().Str("label", label).Err(err).Msg("Stats request failed")
			return nil, KindAPI, err
		}

		if err := e.clock.Sleep(ctx, delay); err != nil {
			return nil, KindCancelled, err
		}
	}
}

func (e *Evaluator) score(metrics *backtest.Metrics) Outcome {
	floor := e.settings.Scoring.Scaled(e.settings.MinTotalTokens)
	if metrics.TotalTokens < floor {
		out := failure(KindSampleTooSmall, fmt.Errorf("%d tokens below sample floor %d", metrics.TotalTokens, floor))
		out.Metrics = metrics
		return out
	}

	result := backtest.Score(*metrics, e.settings.Scoring)
	if result.Rejected {
		out := failure(KindScoreRejected, errors.New(result.Reason))
		out.Metrics = metrics
		out.Result = &result
		return out
	}

	return Outcome{
		Success: true,
		Score:   result.Score,
		Metrics: metrics,
		Result:  &result,
	}
}

// finish caches, records and reports an outcome
func (e *Evaluator) finish(label, key string, cfg filters.Config, out Outcome, counted bool) Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !counted {
		e.stats.Evaluations++
	}
	e.stats.LiveEvaluations++
	if out.Success {
		e.stats.Successes++
	} else {
		e.stats.Failures[out.ErrorKind]++
	}

	if key != "" && out.ErrorKind.Cacheable() {
		e.cache.Set(key, out.clone())
	}

	record := Record{
		Seq:     len(e.history) + 1,
		Label:   label,
		Key:     key,
		Config:  cfg,
		Outcome: out,
		At:      e.clock.Now(),
	}
	e.history = append(e.history, record)

	if out.Competitive() && (e.best == nil || backtest.Beats(out.Score, e.best.Score())) {
		best := record
		e.best = &best
		if e.recorder != nil {
			e.recorder.SetBestScore(out.Score)
		}
		e.log.Info().
			Str("label", label).
			Float64("score", out.Score).
			Int("total_tokens", out.Metrics.TotalTokens).
			Msg("New best configuration")
	}

	if e.recorder != nil {
		e.recorder.ObserveEvaluation(out.Kind())
	}
	return out
}

func (e *Evaluator) countCall() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.APICalls++
}

func (e *Evaluator) retried(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch reason {
	case "rate_limit":
		e.stats.RateLimitRetries++
	case "transient":
		e.stats.TransientRetries++
	}
	if e.recorder != nil {
		e.recorder.ObserveRetry(reason)
	}
}

func (e *Evaluator) observeGate() {
	if e.recorder == nil {
		return
	}
	if s, ok := e.gate.(interface{ Stats() ratelimit.Stats }); ok {
		e.recorder.ObserveLimiter(s.Stats())
	}
}

// Score returns the outcome score of a record
func (r Record) Score() float64 {
	return r.Outcome.Score
}

// Best returns the best competitive record seen so far
func (e *Evaluator) Best() (Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.best == nil {
		return Record{}, false
	}
	best := *e.best
	best.Config = best.Config.Clone()
	return best, true
}

// History returns a copy of the evaluation history
func (e *Evaluator) History() []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Record, len(e.history))
	copy(out, e.history)
	return out
}

// HistorySince returns records with a sequence number above seq
func (e *Evaluator) HistorySince(seq int) []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	if seq < 0 {
		seq = 0
	}
	if seq >= len(e.history) {
		return nil
	}
	out := make([]Record, len(e.history)-seq)
	copy(out, e.history[seq:])
	return out
}

// Stats returns a snapshot of evaluator counters
func (e *Evaluator) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.Failures = make(map[ErrorKind]int, len(e.stats.Failures))
	for k, v := range e.stats.Failures {
		s.Failures[k] = v
	}
	s.CacheSize = e.cache.Len()
	return s
}
