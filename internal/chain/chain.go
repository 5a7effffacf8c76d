// Package chain runs several optimizer passes back to back. Each pass starts
// from the best configuration found so far, so later passes refine earlier
// ones.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ajitpratap0/filtertune/internal/optimizer"
	"github.com/ajitpratap0/filtertune/pkg/backtest"
	"github.com/ajitpratap0/filtertune/pkg/filters"
)

// Stop reason for a later run whose seed could not be evaluated
const StopBaselineFailed = "baseline_failed"

// Reporter receives chain progress
type Reporter interface {
	OnRunComplete(chainID string, run backtest.RunSummary, globalBest float64)
	OnChainComplete(report *backtest.ChainReport)
}

// Settings configures a chain
type Settings struct {
	Runs        int
	RunDuration time.Duration // Time budget of each run
	Optimizer   optimizer.Settings
}

// DefaultSettings returns the default chain settings
func DefaultSettings() Settings {
	return Settings{
		Runs:        3,
		RunDuration: 15 * time.Minute,
		Optimizer:   optimizer.DefaultSettings(),
	}
}

// Validate checks the settings
func (s Settings) Validate() error {
	if s.Runs <= 0 {
		return fmt.Errorf("runs must be positive, got %d", s.Runs)
	}
	if s.RunDuration <= 0 {
		return fmt.Errorf("run duration must be positive, got %s", s.RunDuration)
	}
	run := s.Optimizer
	run.TimeBudget = s.RunDuration
	return run.Validate()
}

// Status is a live view of the chain
type Status struct {
	ChainID    string        `json:"chain_id"`
	Running    bool          `json:"running"`
	Run        int           `json:"run"`
	Runs       int           `json:"runs"`
	BestScore  *float64      `json:"best_score"` // nil until a competitive result exists
	Current    RunStatus     `json:"current"`
	TotalTests int           `json:"total_tests"`
	Elapsed    time.Duration `json:"elapsed"`
	StopReason string        `json:"stop_reason,omitempty"`
}

// RunStatus is a live view of the current run
type RunStatus struct {
	Phase     optimizer.Phase `json:"phase"`
	BestScore *float64        `json:"best_score"`
	TestCount int             `json:"test_count"`
	Elapsed   time.Duration   `json:"elapsed"`
}

func finite(v float64) *float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return nil
	}
	return &v
}

// Best is the global best of the chain
type Best struct {
	Score   float64           `json:"-"`
	Config  filters.Config    `json:"config"`
	Metrics *backtest.Metrics `json:"metrics,omitempty"`
	Run     int               `json:"run"`
}

// Chain runs optimizer passes sequentially
type Chain struct {
	env       *optimizer.Env
	settings  Settings
	reporters []Reporter
	log       zerolog.Logger

	mu         sync.Mutex
	id         string
	running    bool
	start      time.Time
	run        int
	current    *optimizer.Optimizer
	best       Best
	totalTests int
	stopReason string
}

// Option customizes a Chain
type Option func(*Chain)

// WithReporter adds a progress reporter
func WithReporter(r Reporter) Option {
	return func(c *Chain) {
		c.reporters = append(c.reporters, r)
	}
}

// New creates a chain over env. The env (evaluator, clock, random source
// and stop flag) is shared by every run.
func New(env *optimizer.Env, settings Settings, opts ...Option) (*Chain, error) {
	if env == nil {
		return nil, errors.New("chain requires an optimizer environment")
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid chain settings: %w", err)
	}
	if env.Stop == nil {
		env.Stop = &optimizer.StopFlag{}
	}
	c := &Chain{
		env:      env,
		settings: settings,
		log:      env.Log,
		id:       uuid.NewString(),
		best:     Best{Score: backtest.RejectedScore},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ID returns the chain identifier
func (c *Chain) ID() string {
	return c.id
}

// Run executes the chain from baseline. Only a failed baseline on the first
// run is returned as an error.
func (c *Chain) Run(ctx context.Context, baseline filters.Config) (*backtest.ChainReport, error) {
	c.mu.Lock()
	c.running = true
	c.start = c.env.Clock.Now()
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	c.log.Info().
		Str("chain_id", c.id).
		Int("runs", c.settings.Runs).
		Dur("run_duration", c.settings.RunDuration).
		Msg("Starting optimization chain")

	runSettings := c.settings.Optimizer
	runSettings.TimeBudget = c.settings.RunDuration

	var (
		runs        []backtest.RunSummary
		progression []float64
		effects     = make(map[string]*backtest.Effectiveness)
		stopReason  = optimizer.StopCompleted
	)

	for n := 1; n <= c.settings.Runs; n++ {
		if c.env.Stop.Stopped() {
			stopReason = optimizer.StopRequested
			break
		}
		if ctx.Err() != nil {
			stopReason = optimizer.StopCancelled
			break
		}

		seed := c.seedFor(baseline)
		opt, err := optimizer.New(c.env, runSettings)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.run = n
		c.current = opt
		c.mu.Unlock()

		runID := uuid.NewString()
		c.log.Info().
			Str("chain_id", c.id).
			Str("run_id", runID).
			Int("run", n).
			Msg("Starting chain run")

		res, err := opt.Run(ctx, seed)
		if err != nil {
			if n == 1 {
				return nil, fmt.Errorf("chain run 1: %w", err)
			}
			c.log.Error().Err(err).Int("run", n).Msg("Chain run could not evaluate its seed")
			stopReason = StopBaselineFailed
			break
		}

		improved := c.absorb(n, res)
		summary := backtest.RunSummary{
			RunNumber: n,
			RunID:     runID,
			Score:     res.BestScore,
			Metrics:   res.BestMetrics,
			TestCount: res.TestCount,
			Runtime:   res.Runtime,
			Improved:  improved,
		}
		runs = append(runs, summary)

		global := c.Best().Score
		progression = append(progression, global)
		for _, e := range res.Effectiveness {
			agg, ok := effects[e.Parameter]
			if !ok {
				agg = &backtest.Effectiveness{Parameter: e.Parameter}
				effects[e.Parameter] = agg
			}
			agg.Improvement += e.Improvement
			agg.Occurrences++
		}

		c.log.Info().
			Str("chain_id", c.id).
			Int("run", n).
			Float64("score", res.BestScore).
			Float64("global_best", global).
			Bool("improved", improved).
			Int("tests", res.TestCount).
			Dur("runtime", res.Runtime).
			Msg("Chain run complete")
		for _, r := range c.reporters {
			r.OnRunComplete(c.id, summary, global)
		}

		if res.StopReason == optimizer.StopTargetReached ||
			res.StopReason == optimizer.StopRequested ||
			res.StopReason == optimizer.StopCancelled {
			stopReason = res.StopReason
			break
		}
	}

	report := c.report(runs, progression, effects, stopReason)
	c.log.Info().
		Str("chain_id", c.id).
		Float64("best_score", report.BestScore).
		Int("best_run", report.BestRun).
		Int("total_tests", report.TotalTests).
		Str("stop_reason", report.StopReason).
		Msg("Optimization chain complete")
	for _, r := range c.reporters {
		r.OnChainComplete(report)
	}
	return report, nil
}

// seedFor returns the starting configuration of the next run: the global
// best when it has a finite score, else the external baseline
func (c *Chain) seedFor(baseline filters.Config) filters.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !math.IsInf(c.best.Score, 0) && c.best.Config != nil {
		return c.best.Config.Clone()
	}
	return baseline.Clone()
}

// absorb folds a run result into the global best
func (c *Chain) absorb(n int, res *optimizer.Result) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalTests += res.TestCount
	c.current = nil
	if !backtest.Beats(res.BestScore, c.best.Score) {
		return false
	}
	c.best = Best{
		Score:   res.BestScore,
		Config:  res.BestConfig.Clone(),
		Metrics: res.BestMetrics,
		Run:     n,
	}
	return true
}

func (c *Chain) report(runs []backtest.RunSummary, progression []float64, effects map[string]*backtest.Effectiveness, stopReason string) *backtest.ChainReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopReason = stopReason
	ranked := make([]backtest.Effectiveness, 0, len(effects))
	for _, e := range effects {
		agg := *e
		agg.Improvement /= float64(agg.Occurrences)
		ranked = append(ranked, agg)
	}
	// occurrence-weighted: a parameter that helped in many runs ranks above
	// one that helped once by the same average
	sort.Slice(ranked, func(i, j int) bool {
		wi := ranked[i].Improvement * float64(ranked[i].Occurrences)
		wj := ranked[j].Improvement * float64(ranked[j].Occurrences)
		if wi != wj {
			return wi > wj
		}
		return ranked[i].Parameter < ranked[j].Parameter
	})

	return &backtest.ChainReport{
		ChainID:       c.id,
		Runs:          runs,
		Progression:   progression,
		Effectiveness: ranked,
		BestScore:     c.best.Score,
		BestRun:       c.best.Run,
		BestMetrics:   c.best.Metrics,
		BestConfig:    c.best.Config,
		TotalTests:    c.totalTests,
		Runtime:       c.env.Clock.Now().Sub(c.start),
		StopReason:    stopReason,
	}
}

// Stop requests the chain and its current run to finish with their best
func (c *Chain) Stop() {
	c.env.Stop.Stop()
	c.log.Info().Str("chain_id", c.id).Msg("Stop requested")
}

// Best returns the global best. The config is nil before any competitive run.
func (c *Chain) Best() Best {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.best
	if b.Config != nil {
		b.Config = b.Config.Clone()
	}
	return b
}

// Status returns a live view of the chain
func (c *Chain) Status() Status {
	c.mu.Lock()
	current := c.current
	s := Status{
		ChainID:    c.id,
		Running:    c.running,
		Run:        c.run,
		Runs:       c.settings.Runs,
		TotalTests: c.totalTests,
		StopReason: c.stopReason,
	}
	s.BestScore = finite(c.best.Score)
	if !c.start.IsZero() {
		s.Elapsed = c.env.Clock.Now().Sub(c.start)
	}
	c.mu.Unlock()

	if current != nil {
		p := current.Progress()
		s.Current = RunStatus{
			Phase:     p.Phase,
			BestScore: finite(p.BestScore),
			TestCount: p.TestCount,
			Elapsed:   p.Elapsed,
		}
		if s.Running {
			s.TotalTests += p.TestCount
		}
	}
	return s
}
