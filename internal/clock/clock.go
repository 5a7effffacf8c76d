// Package clock abstracts wall-clock time so that waits and time budgets can
// be driven by a fake clock in tests.
package clock

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock provides the current time and context-aware sleeping
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// Real is the production clock
type Real struct {
	clk clockwork.Clock
}

// New returns the real clock
func New() Clock {
	return Real{clk: clockwork.NewRealClock()}
}

// Now returns the wall-clock time
func (r Real) Now() time.Time {
	return r.clk.Now()
}

// Sleep blocks for d or until ctx is done
func (r Real) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := r.clk.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}

// Fake is a manually advanced clock. Sleep advances the clock instantly.
type Fake struct {
	clk *clockwork.FakeClock

	mu     sync.Mutex
	slept  time.Duration
	sleeps int
}

// NewFake returns a fake clock starting at start
func NewFake(start time.Time) *Fake {
	return &Fake{clk: clockwork.NewFakeClockAt(start)}
}

// Now returns the fake time
func (f *Fake) Now() time.Time {
	return f.clk.Now()
}

// Advance moves the clock forward
func (f *Fake) Advance(d time.Duration) {
	f.clk.Advance(d)
}

// Sleep advances the clock by d unless ctx is already done
func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clk.Advance(d)
	f.slept += d
	f.sleeps++
	return nil
}

// Slept returns the total time spent in Sleep
func (f *Fake) Slept() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.slept
}

// Sleeps returns how many non-zero sleeps happened
func (f *Fake) Sleeps() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sleeps
}
