package optimizer

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ajitpratap0/filtertune/internal/clock"
	"github.com/ajitpratap0/filtertune/internal/evaluator"
	"github.com/ajitpratap0/filtertune/pkg/backtest"
	"github.com/ajitpratap0/filtertune/pkg/filters"
)

// Evaluator scores candidate configurations
type Evaluator interface {
	Evaluate(ctx context.Context, cfg filters.Config, label string) evaluator.Outcome
	Prepare(cfg filters.Config) filters.Config
}

// Observer is notified of search progress
type Observer interface {
	OnPhase(phase Phase, bestScore float64)
	OnNewBest(phase Phase, cfg filters.Config, score float64, metrics *backtest.Metrics)
}

// Observers fans notifications out in order
type Observers []Observer

// OnPhase notifies every observer
func (obs Observers) OnPhase(phase Phase, bestScore float64) {
	for _, o := range obs {
		o.OnPhase(phase, bestScore)
	}
}

// OnNewBest notifies every observer
func (obs Observers) OnNewBest(phase Phase, cfg filters.Config, score float64, metrics *backtest.Metrics) {
	for _, o := range obs {
		o.OnNewBest(phase, cfg, score, metrics)
	}
}

// StopFlag is the cooperative stop signal shared by every loop of a run or chain
type StopFlag struct {
	stopped atomic.Bool
}

// Stop requests every loop to return its best-so-far
func (s *StopFlag) Stop() {
	s.stopped.Store(true)
}

// Stopped reports whether a stop was requested
func (s *StopFlag) Stopped() bool {
	return s != nil && s.stopped.Load()
}

// Reset clears the flag
func (s *StopFlag) Reset() {
	s.stopped.Store(false)
}

// Env carries everything a run shares with its phases. It is built once per
// run (or chain) and passed by reference.
type Env struct {
	Evaluator Evaluator
	Clock     clock.Clock
	Rand      *rand.Rand
	Stop      *StopFlag
	Pins      filters.PinSet
	Log       zerolog.Logger
	Observer  Observer
}

// NewEnv creates an Env with a real clock and a random source seeded by seed.
// A zero seed selects a time-based seed.
func NewEnv(eval Evaluator, pins filters.PinSet, seed int64, log zerolog.Logger) *Env {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Env{
		Evaluator: eval,
		Clock:     clock.New(),
		Rand:      rand.New(rand.NewSource(seed)), // #nosec G404 -- Non-cryptographic use: search needs reproducible randomness
		Stop:      &StopFlag{},
		Pins:      pins,
		Log:       log,
	}
}

// tunable reports whether the search may vary name. A coupled parameter is
// frozen when its partner is pinned.
func (e *Env) tunable(name string) bool {
	if e.Pins.Contains(name) {
		return false
	}
	if partner, ok := filters.Partner(name); ok && e.Pins.Contains(partner) {
		return false
	}
	return true
}
