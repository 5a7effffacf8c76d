// Package optimizer searches the filter space for the configuration with the
// best score within a wall-clock budget. A run evaluates a baseline and then
// walks a fixed sequence of phases, each improving the running best.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ajitpratap0/filtertune/internal/evaluator"
	"github.com/ajitpratap0/filtertune/pkg/backtest"
	"github.com/ajitpratap0/filtertune/pkg/filters"
)

// ErrNoBaseline is returned when the starting configuration cannot be evaluated
var ErrNoBaseline = errors.New("baseline evaluation failed")

// Phase names a search phase
type Phase string

const (
	PhaseBaseline   Phase = "baseline"
	PhaseSweep      Phase = "sweep"
	PhaseLHS        Phase = "lhs"
	PhaseCorrelated Phase = "correlated"
	PhaseAnnealing  Phase = "annealing"
	PhaseDeepDive   Phase = "deep_dive"
)

// Stop reasons reported in Result
const (
	StopCompleted     = "completed"
	StopTargetReached = "target_reached"
	StopRequested     = "stopped"
	StopCancelled     = "cancelled"
	StopTimeBudget    = "time_budget"
)

// PhaseLimits are cumulative shares of the time budget after which each
// phase yields to the next
type PhaseLimits struct {
	Sweep      float64
	LHS        float64
	Correlated float64
	Annealing  float64
	DeepDive   float64
}

// Settings configures a run
type Settings struct {
	TimeBudget  time.Duration
	TargetScore float64 // Zero disables early termination on target
	Limits      PhaseLimits

	SweepValues int // Candidate values per parameter in the sweep

	LHSTopK    int // Parameters sampled jointly
	LHSSamples int // Stratified samples

	AnnealInitialTemp float64
	AnnealCooling     float64
	AnnealMinTemp     float64
	AnnealPerturb     float64 // Max perturbation as a share of the parameter range
	AnnealMaxParams   int     // Parameters perturbed per step

	DeepDiveParams int // Parameters refined
	DeepDiveSteps  int // Grid steps explored on each side
}

// DefaultSettings returns the default run settings
func DefaultSettings() Settings {
	return Settings{
		TimeBudget: 15 * time.Minute,
		Limits: PhaseLimits{
			Sweep:      0.45,
			LHS:        0.60,
			Correlated: 0.70,
			Annealing:  0.90,
			DeepDive:   1.0,
		},
		SweepValues:       8,
		LHSTopK:           6,
		LHSSamples:        10,
		AnnealInitialTemp: 10,
		AnnealCooling:     0.95,
		AnnealMinTemp:     0.1,
		AnnealPerturb:     0.15,
		AnnealMaxParams:   2,
		DeepDiveParams:    3,
		DeepDiveSteps:     2,
	}
}

// Validate checks the settings
func (s Settings) Validate() error {
	if s.TimeBudget <= 0 {
		return fmt.Errorf("time budget must be positive, got %s", s.TimeBudget)
	}
	l := s.Limits
	limits := []float64{l.Sweep, l.LHS, l.Correlated, l.Annealing, l.DeepDive}
	for i, v := range limits {
		if v <= 0 || v > 1 {
			return fmt.Errorf("phase limits must be within (0, 1], got %v", v)
		}
		if i > 0 && v < limits[i-1] {
			return fmt.Errorf("phase limits must be non-decreasing")
		}
	}
	if s.SweepValues < 2 {
		return fmt.Errorf("sweep values must be at least 2, got %d", s.SweepValues)
	}
	if s.LHSSamples <= 0 || s.LHSTopK <= 0 {
		return fmt.Errorf("lhs top-k and samples must be positive")
	}
	if s.AnnealCooling <= 0 || s.AnnealCooling >= 1 {
		return fmt.Errorf("annealing cooling must be within (0, 1), got %v", s.AnnealCooling)
	}
	if s.AnnealMinTemp <= 0 || s.AnnealInitialTemp < s.AnnealMinTemp {
		return fmt.Errorf("annealing temperatures must satisfy 0 < min <= initial")
	}
	if s.AnnealMaxParams <= 0 || s.DeepDiveParams < 0 || s.DeepDiveSteps < 0 {
		return fmt.Errorf("annealing and deep dive counts must be non-negative")
	}
	return nil
}

// HistoryEntry is one evaluation made by the run
type HistoryEntry struct {
	Phase     Phase               `json:"phase"`
	Label     string              `json:"label"`
	Score     float64             `json:"score"`
	ErrorKind evaluator.ErrorKind `json:"error_kind,omitempty"`
	Cached    bool                `json:"cached"`
	Improved  bool                `json:"improved"`
}

// ParamEffect is a parameter's peak improvement during the sweep
type ParamEffect struct {
	Parameter   string  `json:"parameter"`
	Improvement float64 `json:"improvement"`
}

// PhaseScore is the running best at the end of a phase
type PhaseScore struct {
	Phase     Phase         `json:"phase"`
	BestScore float64       `json:"best_score"`
	Tests     int           `json:"tests"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Result is the outcome of a run
type Result struct {
	Baseline      filters.Config    `json:"baseline"`
	BestConfig    filters.Config    `json:"best_config"`
	BestScore     float64           `json:"best_score"`
	BestMetrics   *backtest.Metrics `json:"best_metrics,omitempty"`
	TestCount     int               `json:"test_count"`
	History       []HistoryEntry    `json:"history"`
	Effectiveness []ParamEffect     `json:"effectiveness"`
	Phases        []PhaseScore      `json:"phases"`
	Runtime       time.Duration     `json:"runtime"`
	StopReason    string            `json:"stop_reason"`
}

// Progress is a live view of a running search
type Progress struct {
	Phase     Phase         `json:"phase"`
	BestScore float64       `json:"best_score"`
	TestCount int           `json:"test_count"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Optimizer runs one search. It is single-use.
type Optimizer struct {
	env      *Env
	settings Settings

	mu          sync.Mutex
	phase       Phase
	start       time.Time
	best        filters.Config
	bestScore   float64
	bestMetrics *backtest.Metrics
	testCount   int

	history       []HistoryEntry
	effectiveness map[string]float64
	phases        []PhaseScore
	stopReason    string
}

// New creates an optimizer
func New(env *Env, settings Settings) (*Optimizer, error) {
	if env == nil || env.Evaluator == nil || env.Clock == nil || env.Rand == nil {
		return nil, fmt.Errorf("optimizer requires an evaluator, a clock and a random source")
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid optimizer settings: %w", err)
	}
	if env.Stop == nil {
		env.Stop = &StopFlag{}
	}
	return &Optimizer{
		env:           env,
		settings:      settings,
		bestScore:     backtest.RejectedScore,
		effectiveness: make(map[string]float64),
	}, nil
}

// Run searches from baseline. A nil or empty baseline selects the default
// baseline. Only a failed baseline evaluation is returned as an error.
func (o *Optimizer) Run(ctx context.Context, baseline filters.Config) (*Result, error) {
	o.start = o.env.Clock.Now()
	if baseline.SetCount() == 0 {
		baseline = filters.DefaultBaseline()
	}
	start := o.env.Evaluator.Prepare(baseline)

	o.env.Log.Info().
		Dur("time_budget", o.settings.TimeBudget).
		Float64("target_score", o.settings.TargetScore).
		Int("pins", len(o.env.Pins)).
		Msg("Starting optimization run")

	if err := o.runBaseline(ctx, start); err != nil {
		return nil, err
	}

	phases := []struct {
		phase Phase
		run   func(context.Context)
	}{
		{PhaseSweep, o.parameterSweep},
		{PhaseLHS, o.latinHypercube},
		{PhaseCorrelated, o.correlatedParameters},
		{PhaseAnnealing, o.simulatedAnnealing},
		{PhaseDeepDive, o.deepDive},
	}
	for _, p := range phases {
		if o.stopReason != "" {
			break
		}
		o.setPhase(p.phase)
		p.run(ctx)
		o.endPhase(p.phase)
	}
	if o.stopReason == "" {
		o.stopReason = StopCompleted
	}

	result := o.result(start)
	o.env.Log.Info().
		Float64("best_score", result.BestScore).
		Int("tests", result.TestCount).
		Dur("runtime", result.Runtime).
		Str("stop_reason", result.StopReason).
		Msg("Optimization run complete")
	return result, nil
}

func (o *Optimizer) runBaseline(ctx context.Context, start filters.Config) error {
	o.setPhase(PhaseBaseline)
	out := o.try(ctx, start, "baseline")

	switch {
	case out.Success:
	case out.ErrorKind == evaluator.KindSampleTooSmall, out.ErrorKind == evaluator.KindScoreRejected:
		// Not competitive, but the search can still improve on it
		o.mu.Lock()
		o.best = start.Clone()
		o.bestMetrics = out.Metrics
		o.mu.Unlock()
		o.env.Log.Warn().
			Str("kind", string(out.ErrorKind)).
			Msg("Baseline is not competitive, searching from it anyway")
	default:
		o.env.Log.Error().
			Str("kind", string(out.ErrorKind)).
			Str("error", out.Error).
			Msg("Baseline evaluation failed")
		return fmt.Errorf("%w: %s: %s", ErrNoBaseline, out.ErrorKind, out.Error)
	}

	o.endPhase(PhaseBaseline)
	o.checkTarget()
	return nil
}

// try evaluates cfg and promotes it to best when it improves the score
func (o *Optimizer) try(ctx context.Context, cfg filters.Config, label string) evaluator.Outcome {
	out := o.env.Evaluator.Evaluate(ctx, cfg, label)

	o.mu.Lock()
	if !out.Cached {
		o.testCount++
	}
	improved := out.Competitive() && backtest.Beats(out.Score, o.bestScore)
	if improved {
		o.best = o.env.Evaluator.Prepare(cfg)
		o.bestScore = out.Score
		o.bestMetrics = out.Metrics
	}
	phase := o.phase
	o.history = append(o.history, HistoryEntry{
		Phase:     phase,
		Label:     label,
		Score:     out.Score,
		ErrorKind: out.ErrorKind,
		Cached:    out.Cached,
		Improved:  improved,
	})
	o.mu.Unlock()

	if improved {
		o.env.Log.Info().
			Str("phase", string(phase)).
			Str("label", label).
			Float64("score", out.Score).
			Msg("Run best improved")
		if o.env.Observer != nil {
			o.env.Observer.OnNewBest(phase, o.Best(), out.Score, out.Metrics)
		}
	}
	return out
}

// halt reports whether the current phase must yield. limit is the
// cumulative budget share at which the phase ends.
func (o *Optimizer) halt(ctx context.Context, limit float64) bool {
	if o.stopReason != "" {
		return true
	}
	switch {
	case o.env.Stop.Stopped():
		o.stopReason = StopRequested
	case ctx.Err() != nil:
		o.stopReason = StopCancelled
	case o.checkTarget():
	default:
		elapsed := o.env.Clock.Now().Sub(o.start)
		if float64(elapsed) < limit*float64(o.settings.TimeBudget) {
			return false
		}
		if limit >= 1 {
			o.stopReason = StopTimeBudget
		}
		return true
	}
	return true
}

// checkTarget records the target stop reason once the best reaches it
func (o *Optimizer) checkTarget() bool {
	if o.settings.TargetScore == 0 {
		return false
	}
	o.mu.Lock()
	reached := !math.IsInf(o.bestScore, 0) && o.bestScore >= o.settings.TargetScore
	o.mu.Unlock()
	if reached && o.stopReason == "" {
		o.stopReason = StopTargetReached
		o.env.Log.Info().Float64("target_score", o.settings.TargetScore).Msg("Target score reached")
	}
	return reached
}

func (o *Optimizer) setPhase(p Phase) {
	o.mu.Lock()
	o.phase = p
	o.mu.Unlock()
	o.env.Log.Info().Str("phase", string(p)).Msg("Starting phase")
}

func (o *Optimizer) endPhase(p Phase) {
	o.mu.Lock()
	score := PhaseScore{
		Phase:     p,
		BestScore: o.bestScore,
		Tests:     o.testCount,
		Elapsed:   o.env.Clock.Now().Sub(o.start),
	}
	o.phases = append(o.phases, score)
	o.mu.Unlock()

	o.env.Log.Info().
		Str("phase", string(p)).
		Float64("best_score", score.BestScore).
		Int("tests", score.Tests).
		Dur("elapsed", score.Elapsed).
		Msg("Phase complete")
	if o.env.Observer != nil {
		o.env.Observer.OnPhase(p, score.BestScore)
	}
}

// Best returns a copy of the current best configuration
func (o *Optimizer) Best() filters.Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.best.Clone()
}

// Progress returns a live view of the search
func (o *Optimizer) Progress() Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	p := Progress{Phase: o.phase, BestScore: o.bestScore, TestCount: o.testCount}
	if !o.start.IsZero() {
		p.Elapsed = o.env.Clock.Now().Sub(o.start)
	}
	return p
}

func (o *Optimizer) result(start filters.Config) *Result {
	o.mu.Lock()
	defer o.mu.Unlock()

	history := make([]HistoryEntry, len(o.history))
	copy(history, o.history)
	phases := make([]PhaseScore, len(o.phases))
	copy(phases, o.phases)

	return &Result{
		Baseline:      start,
		BestConfig:    o.best.Clone(),
		BestScore:     o.bestScore,
		BestMetrics:   o.bestMetrics,
		TestCount:     o.testCount,
		History:       history,
		Effectiveness: rankEffects(o.effectiveness),
		Phases:        phases,
		Runtime:       o.env.Clock.Now().Sub(o.start),
		StopReason:    o.stopReason,
	}
}

// rankEffects sorts parameters by improvement, highest first, then by name
func rankEffects(m map[string]float64) []ParamEffect {
	out := make([]ParamEffect, 0, len(m))
	for name, v := range m {
		out = append(out, ParamEffect{Parameter: name, Improvement: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Improvement != out[j].Improvement {
			return out[i].Improvement > out[j].Improvement
		}
		return out[i].Parameter < out[j].Parameter
	})
	return out
}
