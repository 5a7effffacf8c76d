package alerts

import (
	"bytes"
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/filtertune/pkg/backtest"
	"github.com/ajitpratap0/filtertune/pkg/filters"
)

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (r *recordingAlerter) Send(_ context.Context, alert Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return r.err
}

func (r *recordingAlerter) sent() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}

func TestManager_SendFansOut(t *testing.T) {
	down := &recordingAlerter{err: errors.New("channel down")}
	unreachable := &recordingAlerter{err: errors.New("chat not found")}
	healthy := &recordingAlerter{}
	m := NewManager(down, healthy, unreachable)
	assert.Equal(t, 3, m.Channels())

	err := m.Send(context.Background(), Alert{
		Title:    "title",
		Message:  "message",
		Severity: SeverityWarning,
		ChainID:  "c1",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel down")
	assert.Contains(t, err.Error(), "chat not found")

	require.Len(t, healthy.sent(), 1)
	got := healthy.sent()[0]
	assert.Equal(t, "c1", got.ChainID)
	assert.False(t, got.Timestamp.IsZero(), "timestamp is filled in")
	assert.Len(t, down.sent(), 1)
	assert.Len(t, unreachable.sent(), 1)
}

func TestManager_KeepsTimestamp(t *testing.T) {
	rec := &recordingAlerter{}
	m := NewManager(rec)
	at := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

	require.NoError(t, m.Send(context.Background(), Alert{Title: "a", Timestamp: at}))
	assert.Equal(t, at, rec.sent()[0].Timestamp)
}

func TestLogAlerter(t *testing.T) {
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })

	tests := []struct {
		severity Severity
		level    string
	}{
		{SeverityCritical, "error"},
		{SeverityWarning, "warn"},
		{SeverityInfo, "info"},
	}

	for _, tt := range tests {
		t.Run(string(tt.severity), func(t *testing.T) {
			var buf bytes.Buffer
			log.Logger = zerolog.New(&buf)

			err := NewLogAlerter().Send(context.Background(), Alert{
				Title:     "Stats service circuit open",
				Message:   "paused",
				Severity:  tt.severity,
				ChainID:   "abc",
				Timestamp: time.Now(),
				Metadata:  map[string]interface{}{"run": 2},
			})
			require.NoError(t, err)

			out := buf.String()
			assert.Contains(t, out, `"level":"`+tt.level+`"`)
			assert.Contains(t, out, `"component":"alerts"`)
			assert.Contains(t, out, `"alert_title":"Stats service circuit open"`)
			assert.Contains(t, out, `"chain_id":"abc"`)
			assert.Contains(t, out, `"run":2`)
			assert.Contains(t, out, `"message":"paused"`)
		})
	}
}

func TestFormatAlert(t *testing.T) {
	msg := formatAlert(Alert{
		Title:     "Search complete",
		Message:   "done",
		Severity:  SeverityInfo,
		ChainID:   "c1",
		Timestamp: time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC),
		Metadata:  map[string]interface{}{"z": 1, "a": "x"},
	})

	assert.Contains(t, msg, "[INFO] *Search complete*")
	assert.Contains(t, msg, "Chain: `c1`")
	assert.Contains(t, msg, "_Time: 2026-02-03 04:05:06_")
	assert.Less(t, bytes.Index([]byte(msg), []byte("• a:")), bytes.Index([]byte(msg), []byte("• z:")))
}

func TestSearchNotifier_ChainComplete(t *testing.T) {
	rec := &recordingAlerter{}
	n := NewSearchNotifier(NewManager(rec))

	n.OnChainComplete(&backtest.ChainReport{
		ChainID:    "c1",
		BestScore:  42,
		BestRun:    2,
		BestConfig: filters.DefaultBaseline(),
		TotalTests: 120,
		Runtime:    90 * time.Second,
		StopReason: "completed",
	})
	n.OnChainComplete(&backtest.ChainReport{ChainID: "c2", StopReason: "stopped"})
	n.Wait()

	sent := rec.sent()
	require.Len(t, sent, 2)

	bySeverity := map[Severity]Alert{}
	for _, a := range sent {
		bySeverity[a.Severity] = a
	}
	assert.Equal(t, "Search complete", bySeverity[SeverityInfo].Title)
	assert.Equal(t, 42.0, bySeverity[SeverityInfo].Metadata["best_score"])
	assert.Equal(t, "c1", bySeverity[SeverityInfo].ChainID)
	assert.Equal(t, "c2", bySeverity[SeverityWarning].ChainID)
	assert.Equal(t, "Search finished without a result", bySeverity[SeverityWarning].Title)
}

func TestSearchNotifier_RunComplete(t *testing.T) {
	rec := &recordingAlerter{}
	n := NewSearchNotifier(NewManager(rec))

	n.OnRunComplete("c1", backtest.RunSummary{RunNumber: 1, Score: 10}, 10)
	n.OnRunComplete("c1", backtest.RunSummary{RunNumber: 2, Score: math.Inf(-1)}, 10)
	n.Wait()

	sent := rec.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, SeverityWarning, sent[0].Severity)
	assert.Equal(t, "c1", sent[0].ChainID)
	assert.Equal(t, 2, sent[0].Metadata["run"])
	assert.Equal(t, true, sent[0].Metadata["has_global"])
}

func TestSearchNotifier_BreakerTransitions(t *testing.T) {
	rec := &recordingAlerter{}
	n := NewSearchNotifier(NewManager(rec))

	n.SetBreakerState("closed") // Never opened, nothing to report
	n.SetBreakerState("open")
	n.Wait()
	n.SetBreakerState("half_open")
	n.SetBreakerState("open") // Still open, no repeat
	n.SetBreakerState("closed")
	n.Wait()

	sent := rec.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, SeverityCritical, sent[0].Severity)
	assert.Equal(t, "Stats service circuit open", sent[0].Title)
	assert.Equal(t, SeverityInfo, sent[1].Severity)
	assert.Equal(t, "Stats service recovered", sent[1].Title)
}
