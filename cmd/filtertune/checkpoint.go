package main

import (
	"context"
	"math"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ajitpratap0/filtertune/internal/optimizer"
	"github.com/ajitpratap0/filtertune/internal/source"
	"github.com/ajitpratap0/filtertune/pkg/backtest"
	"github.com/ajitpratap0/filtertune/pkg/filters"
)

// checkpointer rewrites a YAML file whenever the search finds a better
// configuration, so an interrupted search keeps its result
type checkpointer struct {
	sink *source.FileSource
	path string
	log  zerolog.Logger

	mu   sync.Mutex
	best float64
}

func newCheckpointer(path string, log zerolog.Logger) *checkpointer {
	return &checkpointer{
		sink: source.NewFileSource(path),
		path: path,
		log:  log,
		best: math.Inf(-1),
	}
}

var _ optimizer.Observer = (*checkpointer)(nil)

// OnPhase is a no-op
func (c *checkpointer) OnPhase(optimizer.Phase, float64) {}

// OnNewBest writes cfg when it beats everything written so far
func (c *checkpointer) OnNewBest(phase optimizer.Phase, cfg filters.Config, score float64, _ *backtest.Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if score <= c.best {
		return
	}
	if _, err := c.sink.Apply(context.Background(), cfg); err != nil {
		c.log.Warn().Err(err).Str("path", c.path).Msg("Checkpoint write failed")
		return
	}
	c.best = score
	c.log.Debug().
		Str("path", c.path).
		Str("phase", string(phase)).
		Float64("score", score).
		Msg("Checkpoint written")
}
