// Package ratelimit implements the adaptive admission gate placed in front of
// every live call to the stats service. The gate learns a safe burst size and
// recovery time from observed rejections while holding a rolling per-minute
// ceiling and a fixed minimum spacing between calls.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ajitpratap0/filtertune/internal/clock"
)

// Default gate settings. The buffer formula and the recovery growth are
// empirically tuned and kept overridable through Settings.
const (
	DefaultMinSpacing         = 1 * time.Second
	DefaultPerMinuteCeiling   = 50
	DefaultWindow             = 60 * time.Second
	DefaultInitialBurstLimit  = 20
	DefaultInitialRecovery    = 10 * time.Second
	DefaultRecoveryMultiplier = 1.5
	DefaultMaxRecovery        = 120 * time.Second
	DefaultMinBurstLimit      = 5
	DefaultBufferFloor        = 8.0
	DefaultBufferRatio        = 0.4
)

// Settings configures the gate
type Settings struct {
	MinSpacing         time.Duration // Fixed gap between consecutive calls
	PerMinuteCeiling   int           // Max calls inside Window
	Window             time.Duration // Rolling window length
	InitialBurstLimit  int           // Burst size before anything is learned
	InitialRecovery    time.Duration // Pause after an exhausted burst
	RecoveryMultiplier float64       // Recovery growth per rejection
	MaxRecovery        time.Duration // Recovery cap
	MinBurstLimit      int           // Learned burst floor
	BufferFloor        float64       // Minimum safety margin below the average rejection position
	BufferRatio        float64       // Safety margin as a share of the average rejection position
}

// DefaultSettings returns the default gate settings
func DefaultSettings() Settings {
	return Settings{
		MinSpacing:         DefaultMinSpacing,
		PerMinuteCeiling:   DefaultPerMinuteCeiling,
		Window:             DefaultWindow,
		InitialBurstLimit:  DefaultInitialBurstLimit,
		InitialRecovery:    DefaultInitialRecovery,
		RecoveryMultiplier: DefaultRecoveryMultiplier,
		MaxRecovery:        DefaultMaxRecovery,
		MinBurstLimit:      DefaultMinBurstLimit,
		BufferFloor:        DefaultBufferFloor,
		BufferRatio:        DefaultBufferRatio,
	}
}

// Validate checks the settings for values the gate cannot work with
func (s Settings) Validate() error {
	switch {
	case s.MinSpacing < 0:
		return fmt.Errorf("min spacing must be non-negative, got %s", s.MinSpacing)
	case s.PerMinuteCeiling <= 0:
		return fmt.Errorf("per-minute ceiling must be positive, got %d", s.PerMinuteCeiling)
	case s.Window <= 0:
		return fmt.Errorf("window must be positive, got %s", s.Window)
	case s.MinBurstLimit <= 0:
		return fmt.Errorf("min burst limit must be positive, got %d", s.MinBurstLimit)
	case s.InitialBurstLimit < s.MinBurstLimit:
		return fmt.Errorf("initial burst limit %d is below min burst limit %d", s.InitialBurstLimit, s.MinBurstLimit)
	case s.RecoveryMultiplier < 1:
		return fmt.Errorf("recovery multiplier must be >= 1, got %v", s.RecoveryMultiplier)
	case s.MaxRecovery < s.InitialRecovery:
		return fmt.Errorf("max recovery %s is below initial recovery %s", s.MaxRecovery, s.InitialRecovery)
	}
	return nil
}

// Stats is a point-in-time snapshot of the gate
type Stats struct {
	BurstLimit           int           `json:"burst_limit"`
	Recovery             time.Duration `json:"recovery"`
	BurstCount           int           `json:"burst_count"`
	WindowCount          int           `json:"window_count"`
	TotalCalls           int           `json:"total_calls"`
	Rejections           int           `json:"rejections"`
	RejectionPositions   []int         `json:"rejection_positions"`
	Successes            int           `json:"successes"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
}

// Limiter is the adaptive admission gate. Admit is meant to be called from a
// single control flow; Stats may be read concurrently.
type Limiter struct {
	mu       sync.Mutex
	settings Settings
	clock    clock.Clock
	spacing  *rate.Limiter
	log      zerolog.Logger

	burstLimit int
	recovery   time.Duration
	burstStart time.Time
	burstCount int
	calls      []time.Time // admitted calls inside the rolling window, oldest first

	totalCalls           int
	rejections           []int
	successes            int
	consecutiveSuccesses int
}

// New creates a gate. A nil clock selects the real clock.
func New(settings Settings, clk clock.Clock, log zerolog.Logger) (*Limiter, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rate limiter settings: %w", err)
	}
	if clk == nil {
		clk = clock.New()
	}

	every := rate.Inf
	if settings.MinSpacing > 0 {
		every = rate.Every(settings.MinSpacing)
	}

	return &Limiter{
		settings:   settings,
		clock:      clk,
		spacing:    rate.NewLimiter(every, 1),
		log:        log,
		burstLimit: settings.InitialBurstLimit,
		recovery:   settings.InitialRecovery,
	}, nil
}

// Admit blocks until the next call may be issued, then records it
func (l *Limiter) Admit(ctx context.Context) error {
	// 1. Rolling window ceiling
	for {
		wait := l.windowWait(l.clock.Now())
		if wait <= 0 {
			break
		}
		l.log.Debug().
			Dur("delay", wait).
			Int("ceiling", l.settings.PerMinuteCeiling).
			Msg("Per-minute ceiling reached, waiting")
		if err := l.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}

	// 2. Burst bookkeeping
	if wait := l.burstWait(l.clock.Now()); wait > 0 {
		l.log.Debug().
			Dur("delay", wait).
			Int("burst_limit", l.BurstLimit()).
			Msg("Burst exhausted, waiting for recovery")
		if err := l.clock.Sleep(ctx, wait); err != nil {
			return err
		}
		l.mu.Lock()
		l.burstCount = 0
		l.mu.Unlock()
	}

	// 3. Minimum spacing since the previous recorded call
	now := l.clock.Now()
	r := l.spacing.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		if err := l.clock.Sleep(ctx, delay); err != nil {
			r.CancelAt(now)
			return err
		}
	}

	// 4. Record the call
	l.record(l.clock.Now())
	return nil
}

func (l *Limiter) windowWait(now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(now)
	if len(l.calls) < l.settings.PerMinuteCeiling {
		return 0
	}
	oldest := l.calls[len(l.calls)-l.settings.PerMinuteCeiling]
	return oldest.Add(l.settings.Window).Sub(now)
}

// prune drops calls that left the window (now - Window, now]
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.settings.Window)
	i := 0
	for i < len(l.calls) && !l.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.calls = append(l.calls[:0], l.calls[i:]...)
	}
}

func (l *Limiter) burstWait(now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.burstCount > 0 && now.Sub(l.burstStart) > l.recovery {
		l.burstCount = 0
		l.consecutiveSuccesses++
	}
	if l.burstCount < l.burstLimit {
		return 0
	}
	wait := l.recovery - now.Sub(l.burstStart)
	if wait <= 0 {
		l.burstCount = 0
		return 0
	}
	return wait
}

func (l *Limiter) record(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.burstCount == 0 {
		l.burstStart = now
	}
	l.burstCount++
	l.totalCalls++
	l.calls = append(l.calls, now)
}

// OnRejection records a rate-limit rejection of the most recent call
func (l *Limiter) OnRejection() {
	l.mu.Lock()
	position := l.burstCount
	l.mu.Unlock()
	l.OnRejectionAt(position)
}

// OnRejectionAt records a rejection at the given position within the burst.
// The gate only tightens here: the burst limit never grows and the recovery
// never shrinks.
func (l *Limiter) OnRejectionAt(position int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rejections = append(l.rejections, position)

	sum := 0
	for _, p := range l.rejections {
		sum += p
	}
	avg := float64(sum) / float64(len(l.rejections))
	buffer := math.Max(l.settings.BufferFloor, l.settings.BufferRatio*avg)
	learned := int(math.Floor(avg - buffer))
	if learned < l.settings.MinBurstLimit {
		learned = l.settings.MinBurstLimit
	}
	if learned < l.burstLimit {
		l.burstLimit = learned
	}

	next := time.Duration(float64(l.recovery) * l.settings.RecoveryMultiplier)
	if next > l.settings.MaxRecovery {
		next = l.settings.MaxRecovery
	}
	if next > l.recovery {
		l.recovery = next
	}
	l.consecutiveSuccesses = 0

	l.log.Warn().
		Int("position", position).
		Float64("avg_position", avg).
		Int("burst_limit", l.burstLimit).
		Dur("recovery", l.recovery).
		Msg("Rate limit rejection, tightening gate")
}

// OnSuccess records a successful call. Limits are not loosened here.
func (l *Limiter) OnSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.successes++
	l.consecutiveSuccesses++
}

// BurstLimit returns the current burst limit
func (l *Limiter) BurstLimit() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.burstLimit
}

// Recovery returns the current recovery time
func (l *Limiter) Recovery() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recovery
}

// Stats returns a snapshot of the gate state
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(l.clock.Now())
	positions := make([]int, len(l.rejections))
	copy(positions, l.rejections)

	return Stats{
		BurstLimit:           l.burstLimit,
		Recovery:             l.recovery,
		BurstCount:           l.burstCount,
		WindowCount:          len(l.calls),
		TotalCalls:           l.totalCalls,
		Rejections:           len(l.rejections),
		RejectionPositions:   positions,
		Successes:            l.successes,
		ConsecutiveSuccesses: l.consecutiveSuccesses,
	}
}
