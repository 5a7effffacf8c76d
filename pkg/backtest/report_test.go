package backtest

import (
	"bytes"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/filtertune/pkg/filters"
)

// ============================================================================
// REPORT GENERATION TESTS
// ============================================================================

func createTestChainReport() *ChainReport {
	best := filters.NewConfig().
		MustSet("Min MCAP (USD)", filters.Num(8000)).
		MustSet("Fresh Deployer", filters.Bool(false))

	return &ChainReport{
		ChainID: "chain-1",
		Runs: []RunSummary{
			{RunNumber: 1, Score: 12.5, TestCount: 40, Runtime: 90 * time.Second, Improved: true},
			{RunNumber: 2, Score: math.Inf(-1), TestCount: 12, Runtime: 30 * time.Second},
		},
		Progression: []float64{12.5, 12.5},
		Effectiveness: []Effectiveness{
			{Parameter: "Min MCAP (USD)", Improvement: 4.25, Occurrences: 2},
		},
		BestScore:   12.5,
		BestRun:     1,
		BestMetrics: &Metrics{TotalTokens: 300, WinRate: 38, TpPnlPercent: 10},
		BestConfig:  best,
		TotalTests:  52,
		Runtime:     2 * time.Minute,
		StopReason:  "completed",
	}
}

func TestChainReport_WriteText(t *testing.T) {
	report := createTestChainReport()

	var buf bytes.Buffer
	require.NoError(t, report.WriteText(&buf))
	text := buf.String()

	assert.Contains(t, text, "Chain chain-1")
	assert.Contains(t, text, "Runs: 2  Tests: 52  Runtime: 2m0s  Stop: completed")
	assert.Contains(t, text, "rejected")
	assert.Contains(t, text, "Score progression: 12.50 12.50")
	assert.Contains(t, text, "Best score: 12.50 (run 1)")
	assert.Contains(t, text, "tokens=300")
	assert.Contains(t, text, " 1. Min MCAP (USD): 4.25 (2 runs)")
	assert.Contains(t, text, "[basic] Min MCAP (USD) = 8000")
	assert.Contains(t, text, "[risk] Fresh Deployer = false")
}

func TestChainReport_EmptyConfig(t *testing.T) {
	report := &ChainReport{ChainID: "empty", BestScore: math.Inf(-1)}

	text := report.String()
	assert.Contains(t, text, "(no filters set)")
	assert.Contains(t, text, "Best score: rejected")
	assert.NotContains(t, text, "Parameter effectiveness")
}

func TestChainReport_JSONNullsRejectedScores(t *testing.T) {
	report := createTestChainReport()
	report.Progression = []float64{math.Inf(-1), 12.5}

	data, err := json.Marshal(report)
	require.NoError(t, err)

	var decoded struct {
		ChainID     string     `json:"chain_id"`
		BestScore   *float64   `json:"best_score"`
		Progression []*float64 `json:"progression"`
		Runs        []struct {
			RunNumber int      `json:"run_number"`
			Score     *float64 `json:"score"`
		} `json:"runs"`
		BestConfig map[string]map[string]interface{} `json:"best_config"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, "chain-1", decoded.ChainID)
	require.NotNil(t, decoded.BestScore)
	assert.Equal(t, 12.5, *decoded.BestScore)
	require.Len(t, decoded.Progression, 2)
	assert.Nil(t, decoded.Progression[0])
	assert.Equal(t, 12.5, *decoded.Progression[1])
	require.Len(t, decoded.Runs, 2)
	assert.Equal(t, 12.5, *decoded.Runs[0].Score)
	assert.Nil(t, decoded.Runs[1].Score)
	assert.Equal(t, 8000.0, decoded.BestConfig["basic"]["Min MCAP (USD)"])

	empty, err := json.Marshal(&ChainReport{ChainID: "empty", BestScore: math.Inf(-1)})
	require.NoError(t, err)
	assert.Contains(t, string(empty), `"best_score":null`)
}
