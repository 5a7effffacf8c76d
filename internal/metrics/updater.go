package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/filtertune/internal/chain"
	"github.com/ajitpratap0/filtertune/internal/evaluator"
)

// StatusSource reports chain progress
type StatusSource interface {
	Status() chain.Status
}

// StatsSource reports evaluator counters
type StatsSource interface {
	Stats() evaluator.Stats
}

// Updater periodically samples search progress into gauges
type Updater struct {
	collector *Collector
	status    StatusSource
	stats     StatsSource
	interval  time.Duration
	stopCh    chan struct{}
}

// NewUpdater creates a new metrics updater
func NewUpdater(c *Collector, status StatusSource, stats StatsSource, interval time.Duration) *Updater {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Updater{
		collector: c,
		status:    status,
		stats:     stats,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the update loop and blocks until ctx is done or Stop is called
func (u *Updater) Start(ctx context.Context) {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	// Update immediately on start
	u.Update()

	for {
		select {
		case <-ticker.C:
			u.Update()
		case <-u.stopCh:
			log.Info().Msg("Metrics updater stopped")
			return
		case <-ctx.Done():
			log.Info().Msg("Metrics updater context cancelled")
			return
		}
	}
}

// Stop stops the metrics updater
func (u *Updater) Stop() {
	close(u.stopCh)
}

// Update samples the sources once
func (u *Updater) Update() {
	if u.status != nil {
		s := u.status.Status()
		u.collector.ChainRun.Set(float64(s.Run))
		u.collector.TotalTests.Set(float64(s.TotalTests))
		if s.BestScore != nil {
			u.collector.BestScore.Set(*s.BestScore)
		}
	}
	if u.stats != nil {
		st := u.stats.Stats()
		u.collector.CacheSize.Set(float64(st.CacheSize))
	}
	log.Debug().Msg("Metrics updated")
}
