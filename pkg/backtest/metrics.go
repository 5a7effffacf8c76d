// Backtest metrics reported by the stats service
package backtest

import (
	"fmt"
	"math"
)

// ============================================================================
// PERFORMANCE METRICS
// ============================================================================

// Metrics holds the aggregate result of one remote backtest. Field names
// follow the stats response; the percent fields are derived.
type Metrics struct {
	TotalTokens           int     `json:"totalTokens"`           // Tokens that passed the filters
	AverageTpGain         float64 `json:"averageTpGain"`         // Average gain at take-profit, percent
	WinRate               float64 `json:"winRate"`               // Percentage of winning tokens
	PnlSolTp              float64 `json:"pnlSolTp"`              // PnL in SOL when selling on the take-profit ladder
	AverageAthGain        float64 `json:"averageAthGain"`        // Average gain at all-time high, percent
	PnlSolAth             float64 `json:"pnlSolAth"`             // PnL in SOL when selling at the all-time high
	TotalSolSpent         float64 `json:"totalSolSpent"`         // SOL committed across all buys
	TotalAvailableSignals int     `json:"totalAvailableSignals"` // Signals before filtering

	TpPnlPercent  float64 `json:"tpPnlPercent"`  // PnlSolTp / TotalSolSpent
	AthPnlPercent float64 `json:"athPnlPercent"` // PnlSolAth / TotalSolSpent
}

// Derive fills the percent fields from the raw SOL amounts. Percentages
// already present are kept when nothing was spent.
func (m *Metrics) Derive() {
	if m.TotalSolSpent > 0 {
		m.TpPnlPercent = m.PnlSolTp / m.TotalSolSpent * 100.0
		m.AthPnlPercent = m.PnlSolAth / m.TotalSolSpent * 100.0
	}
}

// Validate rejects metrics the scorer cannot use
func (m *Metrics) Validate() error {
	if m.TotalTokens < 0 {
		return fmt.Errorf("negative token count %d", m.TotalTokens)
	}
	for name, v := range map[string]float64{
		"winRate":      m.WinRate,
		"tpPnlPercent": m.TpPnlPercent,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%s is not a finite number", name)
		}
	}
	return nil
}

// PassRate returns the share of available signals that passed the filters
func (m *Metrics) PassRate() float64 {
	if m.TotalAvailableSignals <= 0 {
		return 0
	}
	return float64(m.TotalTokens) / float64(m.TotalAvailableSignals) * 100.0
}

// String returns a one-line summary
func (m *Metrics) String() string {
	return fmt.Sprintf("tokens=%d winRate=%.1f%% tpPnl=%.2f%% athPnl=%.2f%%",
		m.TotalTokens, m.WinRate, m.TpPnlPercent, m.AthPnlPercent)
}
