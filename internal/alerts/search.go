package alerts

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/ajitpratap0/filtertune/internal/chain"
	"github.com/ajitpratap0/filtertune/internal/stats"
	"github.com/ajitpratap0/filtertune/pkg/backtest"
)

// DefaultSendTimeout bounds the delivery of a single alert
const DefaultSendTimeout = 10 * time.Second

// SearchNotifier turns search progress into alerts. It listens to the
// chain for run and chain completion and to the stats client for circuit
// breaker transitions. Alerts are delivered in the background so callers
// are never held up by a slow channel.
type SearchNotifier struct {
	manager *Manager
	timeout time.Duration

	mu          sync.Mutex
	breakerOpen bool
	wg          sync.WaitGroup
}

var (
	_ chain.Reporter = (*SearchNotifier)(nil)
	_ stats.Observer = (*SearchNotifier)(nil)
)

// NewSearchNotifier creates a notifier delivering through manager
func NewSearchNotifier(manager *Manager) *SearchNotifier {
	return &SearchNotifier{
		manager: manager,
		timeout: DefaultSendTimeout,
	}
}

// OnRunComplete warns about runs that found nothing competitive
func (n *SearchNotifier) OnRunComplete(chainID string, run backtest.RunSummary, globalBest float64) {
	if !isRejected(run.Score) {
		return
	}
	n.dispatch(Alert{
		Title:    "Run found no competitive configuration",
		Message:  "A chained run finished without a configuration that passes the competitiveness rules.",
		Severity: SeverityWarning,
		ChainID:  chainID,
		Metadata: map[string]interface{}{
			"run":        run.RunNumber,
			"tests":      run.TestCount,
			"has_global": !isRejected(globalBest),
		},
	})
}

// OnChainComplete reports the final outcome of the search
func (n *SearchNotifier) OnChainComplete(report *backtest.ChainReport) {
	if report.BestConfig == nil {
		n.dispatch(Alert{
			Title:    "Search finished without a result",
			Message:  "No competitive configuration was found.",
			Severity: SeverityWarning,
			ChainID:  report.ChainID,
			Metadata: map[string]interface{}{
				"total_tests": report.TotalTests,
				"stop_reason": report.StopReason,
			},
		})
		return
	}

	n.dispatch(Alert{
		Title:    "Search complete",
		Message:  "A new best configuration is ready.",
		Severity: SeverityInfo,
		ChainID:  report.ChainID,
		Metadata: map[string]interface{}{
			"best_score":  report.BestScore,
			"best_run":    report.BestRun,
			"total_tests": report.TotalTests,
			"runtime":     report.Runtime.Round(time.Second).String(),
			"stop_reason": report.StopReason,
		},
	})
}

// ObserveRequest is a no-op
func (n *SearchNotifier) ObserveRequest(string, time.Duration) {}

// SetBreakerState alerts when the stats breaker opens and when it closes
// again afterwards
func (n *SearchNotifier) SetBreakerState(state string) {
	n.mu.Lock()
	wasOpen := n.breakerOpen
	switch state {
	case "open":
		n.breakerOpen = true
	case "closed":
		n.breakerOpen = false
	}
	n.mu.Unlock()

	switch {
	case state == "open" && !wasOpen:
		n.dispatch(Alert{
			Title:    "Stats service circuit open",
			Message:  "The stats service keeps failing; requests are paused until the breaker probes again.",
			Severity: SeverityCritical,
		})
	case state == "closed" && wasOpen:
		n.dispatch(Alert{
			Title:    "Stats service recovered",
			Message:  "The stats service circuit breaker closed again.",
			Severity: SeverityInfo,
		})
	}
}

// Wait blocks until every dispatched alert has been delivered or timed out
func (n *SearchNotifier) Wait() {
	n.wg.Wait()
}

func (n *SearchNotifier) dispatch(alert Alert) {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		_ = n.manager.Send(ctx, alert)
	}()
}

func isRejected(score float64) bool {
	return math.IsInf(score, -1) || math.IsNaN(score)
}
