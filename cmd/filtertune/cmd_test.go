package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/filtertune/internal/config"
	"github.com/ajitpratap0/filtertune/internal/events"
	"github.com/ajitpratap0/filtertune/pkg/filters"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestHelpListsCommands(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)
	for _, name := range []string{"optimize", "chain", "rules", "check", "watch"} {
		assert.Contains(t, out, name)
	}
}

func TestRulesCommand(t *testing.T) {
	out, err := execute(t, "rules")
	require.NoError(t, err)

	assert.Contains(t, out, "NAME")
	for _, r := range filters.Rules() {
		assert.Contains(t, out, r.Name)
	}
	assert.Contains(t, out, "Bound pairs")
	assert.Contains(t, out, "Min MCAP (USD) <= Max MCAP (USD)")
}

func TestRulesDefaultsRoundTrip(t *testing.T) {
	out, err := execute(t, "rules", "--defaults")
	require.NoError(t, err)

	cfg, err := filters.ParseYAML([]byte(out))
	require.NoError(t, err)
	assert.True(t, cfg.Equal(filters.DefaultBaseline()))
}

func TestCheckOffline(t *testing.T) {
	path := writeFile(t, "filtertune.yaml", `
pins:
  - name: Min AG Score
    value: 4
`)
	out, err := execute(t, "check", "--offline", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "configuration OK")
	assert.Contains(t, out, "pins=1")
}

func TestCheckRejectsInvalidConfig(t *testing.T) {
	path := writeFile(t, "filtertune.yaml", `
chain:
  runs: 0
`)
	_, err := execute(t, "check", "--offline", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chain")
}

func TestWatchRequiresNATS(t *testing.T) {
	_, err := execute(t, "watch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nats.enabled")
}

func TestCheckpointerWritesOnlyOnImprovement(t *testing.T) {
	path := filepath.Join(t.TempDir(), "best.yaml")
	cp := newCheckpointer(path, zerolog.Nop())

	first := filters.DefaultBaseline()
	worse := filters.DefaultBaseline().MustSet("Min AG Score", filters.Num(9))
	better := filters.DefaultBaseline().MustSet("Min AG Score", filters.Num(2))

	cp.OnNewBest("sweep", first, 5, nil)
	got, err := filters.LoadFile(path)
	require.NoError(t, err)
	assert.True(t, got.Equal(first))

	cp.OnNewBest("lhs", worse, 3, nil)
	got, err = filters.LoadFile(path)
	require.NoError(t, err)
	assert.True(t, got.Equal(first), "a lower score must not overwrite the checkpoint")

	cp.OnNewBest("annealing", better, 8, nil)
	got, err = filters.LoadFile(path)
	require.NoError(t, err)
	assert.True(t, got.Equal(better))
}

func TestFormatEvent(t *testing.T) {
	evt := &events.Event{
		ID:        uuid.New(),
		Type:      events.EventNewBest,
		Timestamp: time.Date(2026, 3, 1, 12, 30, 5, 0, time.UTC),
		Payload:   json.RawMessage(`{"score":12.5}`),
	}
	line := formatEvent("filtertune.best", evt)
	assert.True(t, strings.HasPrefix(line, "12:30:05.000 new_best"))
	assert.Contains(t, line, "chain=-")
	assert.Contains(t, line, "subject=filtertune.best")
	assert.Contains(t, line, `{"score":12.5}`)
}

func TestOptimizeEndToEnd(t *testing.T) {
	var calls atomic.Int64
	stats := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"totalTokens":300,"winRate":55,"pnlSolTp":8,"pnlSolAth":15,"totalSolSpent":20,"totalAvailableSignals":900}`))
	}))
	defer stats.Close()

	dir := t.TempDir()
	output := filepath.Join(dir, "best.yaml")
	path := writeFile(t, "filtertune.yaml", `
limiter:
  min_spacing: 0s
  per_minute_ceiling: 100000
  initial_burst_limit: 10000
  initial_recovery: 1ms
  max_recovery: 10ms
monitoring:
  enable_metrics: false
control:
  enabled: false
`)

	out, err := execute(t, "optimize",
		"--config", path,
		"--base-url", stats.URL,
		"--duration", "300ms",
		"--seed", "7",
		"--verify=false",
		"--json",
		"--output", output,
	)
	require.NoError(t, err)
	assert.Positive(t, calls.Load())

	var report struct {
		ChainID    string            `json:"chain_id"`
		Runs       []json.RawMessage `json:"runs"`
		TotalTests int               `json:"total_tests"`
		StopReason string            `json:"stop_reason"`
		BestConfig json.RawMessage   `json:"best_config"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.NotEmpty(t, report.ChainID)
	assert.Len(t, report.Runs, 1)
	assert.Positive(t, report.TotalTests)
	assert.NotEmpty(t, report.StopReason)

	if string(report.BestConfig) != "null" {
		_, err := filters.LoadFile(output)
		assert.NoError(t, err)
	}
}

func TestNewNotifier(t *testing.T) {
	n, err := newNotifier(config.AlertsConfig{Enabled: true})
	require.NoError(t, err)
	assert.NotNil(t, n)

	_, err = newNotifier(config.AlertsConfig{
		Enabled:  true,
		Telegram: config.TelegramConfig{Enabled: true, ChatIDs: []int64{1}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram")
}
