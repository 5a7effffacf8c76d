package evaluator

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/filtertune/internal/clock"
	"github.com/ajitpratap0/filtertune/internal/ratelimit"
	"github.com/ajitpratap0/filtertune/internal/stats"
	"github.com/ajitpratap0/filtertune/pkg/backtest"
	"github.com/ajitpratap0/filtertune/pkg/filters"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// scriptedFetcher replays queued errors, then answers with respond
type scriptedFetcher struct {
	errs    []error
	respond func(cfg filters.Config) *backtest.Metrics
	seen    []filters.Config
}

func (f *scriptedFetcher) Fetch(ctx context.Context, cfg filters.Config) (*backtest.Metrics, error) {
	f.seen = append(f.seen, cfg.Clone())
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if f.respond != nil {
		return f.respond(cfg), nil
	}
	return &backtest.Metrics{TotalTokens: 1200, TpPnlPercent: 42, WinRate: 31}, nil
}

func (f *scriptedFetcher) calls() int {
	return len(f.seen)
}

type testEnv struct {
	eval    *Evaluator
	fetcher *scriptedFetcher
	limiter *ratelimit.Limiter
	clock   *clock.Fake
}

func newTestEnv(t *testing.T, fetcher *scriptedFetcher, opts ...Option) *testEnv {
	t.Helper()
	fake := clock.NewFake(epoch)
	limiter, err := ratelimit.New(ratelimit.DefaultSettings(), fake, zerolog.Nop())
	require.NoError(t, err)

	opts = append([]Option{WithClock(fake)}, opts...)
	eval, err := New(fetcher, limiter, DefaultSettings(), opts...)
	require.NoError(t, err)

	return &testEnv{eval: eval, fetcher: fetcher, limiter: limiter, clock: fake}
}

func TestEvaluate_Success(t *testing.T) {
	env := newTestEnv(t, &scriptedFetcher{})

	out := env.eval.Evaluate(context.Background(), filters.DefaultBaseline(), "baseline")

	require.True(t, out.Success)
	assert.InDelta(t, 37.6, out.Score, 1e-9)
	assert.Equal(t, KindNone, out.ErrorKind)
	assert.False(t, out.Cached)

	best, ok := env.eval.Best()
	require.True(t, ok)
	assert.Equal(t, "baseline", best.Label)
	assert.Len(t, env.eval.History(), 1)
}

func TestEvaluate_CacheHitSkipsGate(t *testing.T) {
	env := newTestEnv(t, &scriptedFetcher{})
	ctx := context.Background()

	a := filters.NewConfig().
		MustSet("Min MCAP (USD)", filters.Num(8000)).
		MustSet("Min AG Score", filters.Num(3))
	b := filters.NewConfig().
		MustSet("Min AG Score", filters.Num(3)).
		MustSet("Min MCAP (USD)", filters.Num(8000))

	first := env.eval.Evaluate(ctx, a, "a")
	second := env.eval.Evaluate(ctx, b, "b")

	assert.False(t, first.Cached)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Score, second.Score)
	assert.Equal(t, 1, env.fetcher.calls())
	assert.Equal(t, 1, env.limiter.Stats().TotalCalls)

	s := env.eval.Stats()
	assert.Equal(t, 2, s.Evaluations)
	assert.Equal(t, 1, s.CacheHits)
	assert.Equal(t, 1, s.CacheSize)
	assert.Len(t, env.eval.History(), 1)
}

func TestEvaluate_CachedOutcomeIsIsolated(t *testing.T) {
	env := newTestEnv(t, &scriptedFetcher{})
	ctx := context.Background()
	cfg := filters.DefaultBaseline()

	first := env.eval.Evaluate(ctx, cfg, "first")
	require.True(t, first.Success)
	first.Metrics.TotalTokens = 1
	first.Result.Score = -5

	second := env.eval.Evaluate(ctx, cfg, "second")
	require.True(t, second.Cached)
	assert.Equal(t, 1200, second.Metrics.TotalTokens)
	assert.InDelta(t, 37.6, second.Result.Score, 1e-9)
	second.Metrics.WinRate = 0

	third := env.eval.Evaluate(ctx, cfg, "third")
	assert.Equal(t, 31.0, third.Metrics.WinRate)
	assert.Equal(t, 1, env.fetcher.calls())
}

func TestEvaluate_ValidationSkipsCall(t *testing.T) {
	env := newTestEnv(t, &scriptedFetcher{})
	cfg := filters.NewConfig().
		MustSet("Min MCAP (USD)", filters.Num(20000)).
		MustSet("Max MCAP (USD)", filters.Num(10000))

	for i := 0; i < 2; i++ {
		out := env.eval.Evaluate(context.Background(), cfg, "inverted")
		assert.False(t, out.Success)
		assert.Equal(t, KindValidation, out.ErrorKind)
		assert.False(t, out.Cached)
		assert.True(t, math.IsInf(out.Score, -1))
	}

	assert.Equal(t, 0, env.fetcher.calls())
	assert.Equal(t, 0, env.limiter.Stats().TotalCalls)
	assert.Equal(t, 2, env.eval.Stats().Failures[KindValidation])
}

func TestEvaluate_RateLimitBackoff(t *testing.T) {
	rl := &stats.RateLimitError{}
	env := newTestEnv(t, &scriptedFetcher{errs: []error{rl, rl}})

	out := env.eval.Evaluate(context.Background(), filters.DefaultBaseline(), "baseline")

	require.True(t, out.Success)
	assert.Equal(t, 3, env.fetcher.calls())
	assert.Equal(t, 15*time.Second, env.clock.Slept(), "5s then 10s backoff")
	assert.Equal(t, 2, env.limiter.Stats().Rejections)
	assert.Equal(t, 2, env.eval.Stats().RateLimitRetries)
}

func TestEvaluate_RateLimitExhausted(t *testing.T) {
	rl := &stats.RateLimitError{}
	env := newTestEnv(t, &scriptedFetcher{errs: []error{rl, rl, rl, rl, rl, rl, rl, rl}})
	ctx := context.Background()

	out := env.eval.Evaluate(ctx, filters.DefaultBaseline(), "baseline")
	assert.Equal(t, KindRateLimited, out.ErrorKind)
	assert.Equal(t, 4, env.fetcher.calls())

	// not cached: a later attempt goes back to the service
	out = env.eval.Evaluate(ctx, filters.DefaultBaseline(), "baseline")
	assert.Equal(t, KindRateLimited, out.ErrorKind)
	assert.False(t, out.Cached)
	assert.Equal(t, 8, env.fetcher.calls())

	_, ok := env.eval.Best()
	assert.False(t, ok)
}

func TestEvaluate_TransientRetry(t *testing.T) {
	t.Run("recovers", func(t *testing.T) {
		se := &stats.ServerError{StatusCode: 500}
		env := newTestEnv(t, &scriptedFetcher{errs: []error{se}})

		out := env.eval.Evaluate(context.Background(), filters.DefaultBaseline(), "baseline")

		assert.True(t, out.Success)
		assert.Equal(t, 2, env.fetcher.calls())
		assert.Equal(t, 1, env.eval.Stats().TransientRetries)
	})

	t.Run("persists", func(t *testing.T) {
		te := &stats.TransientError{Err: errors.New("connection reset")}
		env := newTestEnv(t, &scriptedFetcher{errs: []error{te, te, te}})

		out := env.eval.Evaluate(context.Background(), filters.DefaultBaseline(), "baseline")

		assert.Equal(t, KindTransient, out.ErrorKind)
		assert.Contains(t, out.Error, "connection reset")
		assert.Equal(t, 2, env.fetcher.calls())
		assert.GreaterOrEqual(t, env.clock.Slept(), DefaultRetryPolicy().TransientDelay)
	})
}

func TestEvaluate_APIErrorIsCached(t *testing.T) {
	he := &stats.HTTPError{StatusCode: 400}
	env := newTestEnv(t, &scriptedFetcher{errs: []error{he}})
	ctx := context.Background()

	out := env.eval.Evaluate(ctx, filters.DefaultBaseline(), "baseline")
	assert.Equal(t, KindAPI, out.ErrorKind)

	out = env.eval.Evaluate(ctx, filters.DefaultBaseline(), "baseline")
	assert.Equal(t, KindAPI, out.ErrorKind)
	assert.True(t, out.Cached)
	assert.Equal(t, 1, env.fetcher.calls())
}

func TestEvaluate_NotCompetitiveOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		metrics backtest.Metrics
		kind    ErrorKind
	}{
		{name: "sample too small", metrics: backtest.Metrics{TotalTokens: 10, TpPnlPercent: 80, WinRate: 60}, kind: KindSampleTooSmall},
		{name: "score rejected", metrics: backtest.Metrics{TotalTokens: 800, TpPnlPercent: 42, WinRate: 31}, kind: KindScoreRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := tt.metrics
			env := newTestEnv(t, &scriptedFetcher{respond: func(filters.Config) *backtest.Metrics { return &m }})
			ctx := context.Background()

			out := env.eval.Evaluate(ctx, filters.DefaultBaseline(), "baseline")
			assert.False(t, out.Success)
			assert.Equal(t, tt.kind, out.ErrorKind)
			require.NotNil(t, out.Metrics)
			assert.True(t, math.IsInf(out.Score, -1))

			again := env.eval.Evaluate(ctx, filters.DefaultBaseline(), "baseline")
			assert.True(t, again.Cached)
			assert.Equal(t, 1, env.fetcher.calls())

			_, ok := env.eval.Best()
			assert.False(t, ok, "non-competitive outcomes never become best")
			assert.Len(t, env.eval.History(), 1)
		})
	}
}

func TestEvaluate_PinsAndInputImmutability(t *testing.T) {
	pins, err := filters.NewPinSet(map[string]filters.Value{
		"Min AG Score":   filters.Num(7),
		"Fresh Deployer": filters.Bool(true),
	})
	require.NoError(t, err)

	env := newTestEnv(t, &scriptedFetcher{}, WithPins(pins))
	cfg := filters.NewConfig().
		MustSet("Min AG Score", filters.Num(2)).
		MustSet("Min MCAP (USD)", filters.Num(3000))
	before := cfg.Clone()

	out := env.eval.Evaluate(context.Background(), cfg, "pinned")
	require.True(t, out.Success)

	require.Equal(t, 1, env.fetcher.calls())
	sent := env.fetcher.seen[0]
	assert.True(t, sent.Get("Min AG Score").Equal(filters.Num(7)))
	assert.True(t, sent.Get("Fresh Deployer").Equal(filters.Bool(true)))
	assert.True(t, sent.Get("Min MCAP (USD)").Equal(filters.Num(3000)))

	assert.Empty(t, cmp.Diff(before, cfg), "input config must not be mutated")
	assert.Len(t, cfg, 2, "input config must not be normalized in place")
}

func TestEvaluate_BestTracking(t *testing.T) {
	fetcher := &scriptedFetcher{respond: func(cfg filters.Config) *backtest.Metrics {
		score, _ := cfg.Get("Min AG Score").Float()
		return &backtest.Metrics{TotalTokens: 1500, TpPnlPercent: 10 * score, WinRate: 40}
	}}
	env := newTestEnv(t, fetcher)
	ctx := context.Background()

	for _, v := range []float64{3, 8, 5} {
		env.eval.Evaluate(ctx, filters.NewConfig().MustSet("Min AG Score", filters.Num(v)), "ag")
	}

	best, ok := env.eval.Best()
	require.True(t, ok)
	assert.True(t, best.Config.Get("Min AG Score").Equal(filters.Num(8)))
	assert.Equal(t, 2, best.Seq)

	since := env.eval.HistorySince(1)
	require.Len(t, since, 2)
	assert.Equal(t, 2, since[0].Seq)
}

func TestEvaluate_Cancelled(t *testing.T) {
	env := newTestEnv(t, &scriptedFetcher{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := env.eval.Evaluate(ctx, filters.DefaultBaseline(), "baseline")

	assert.Equal(t, KindCancelled, out.ErrorKind)
	assert.Equal(t, 0, env.fetcher.calls())

	out = env.eval.Evaluate(context.Background(), filters.DefaultBaseline(), "baseline")
	assert.True(t, out.Success, "cancelled outcomes are not cached")
}

func TestRetryPolicy_RateLimitDelay(t *testing.T) {
	p := DefaultRetryPolicy()
	tests := []struct {
		attempt int
		hint    time.Duration
		want    time.Duration
	}{
		{attempt: 1, want: 5 * time.Second},
		{attempt: 2, want: 10 * time.Second},
		{attempt: 3, want: 20 * time.Second},
		{attempt: 10, want: 2 * time.Minute},
		{attempt: 1, hint: 30 * time.Second, want: 30 * time.Second},
		{attempt: 1, hint: time.Hour, want: 2 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.rateLimitDelay(tt.attempt, tt.hint), "attempt %d hint %s", tt.attempt, tt.hint)
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, nil, DefaultSettings())
	assert.Error(t, err)

	settings := DefaultSettings()
	settings.Retry.MaxRateLimitAttempts = 0
	limiter, lerr := ratelimit.New(ratelimit.DefaultSettings(), clock.NewFake(epoch), zerolog.Nop())
	require.NoError(t, lerr)
	_, err = New(&scriptedFetcher{}, limiter, settings)
	assert.Error(t, err)
}
