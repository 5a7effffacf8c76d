// Composite scoring of backtest metrics
package backtest

import (
	"fmt"
	"math"
)

// ============================================================================
// SCORING CONFIGURATION
// ============================================================================

// ScoreMode selects the scoring formula
type ScoreMode string

const (
	ModeRobust      ScoreMode = "robust"
	ModeTPOnly      ScoreMode = "tp_only"
	ModeWinRateOnly ScoreMode = "winrate_only"
)

// Tier is a sample-size bucket with its own minimum win rate
type Tier string

const (
	TierSmall  Tier = "small"
	TierMedium Tier = "medium"
	TierLarge  Tier = "large"
)

// RejectedScore is the sentinel score of a rejected result. It never beats
// any finite score.
var RejectedScore = math.Inf(-1)

// reliabilityReference is the sample size at which the reliability factor saturates
const reliabilityReference = 100.0

// Weights are the robust-mode component weights
type Weights struct {
	Return      float64 `mapstructure:"return" json:"return"`
	Consistency float64 `mapstructure:"consistency" json:"consistency"`
	Reliability float64 `mapstructure:"reliability" json:"reliability"`
}

// ScoringConfig parameterizes the scorer
type ScoringConfig struct {
	Mode             ScoreMode `json:"mode"`
	Weights          Weights   `json:"weights"`            // Robust mode only
	MediumThreshold  int       `json:"medium_threshold"`   // Tokens at which the medium tier starts
	LargeThreshold   int       `json:"large_threshold"`    // Tokens at which the large tier starts
	MinWinRateSmall  float64   `json:"min_win_rate_small"` // Percent
	MinWinRateMedium float64   `json:"min_win_rate_medium"`
	MinWinRateLarge  float64   `json:"min_win_rate_large"`
	ThresholdScale   float64   `json:"threshold_scale"` // Multiplies tier thresholds and the sample floor
}

// DefaultScoringConfig returns robust scoring with the default tiers
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		Mode: ModeRobust,
		Weights: Weights{
			Return:      0.6,
			Consistency: 0.4,
			Reliability: 0.3,
		},
		MediumThreshold:  250,
		LargeThreshold:   1000,
		MinWinRateSmall:  35,
		MinWinRateMedium: 33,
		MinWinRateLarge:  30,
		ThresholdScale:   1.0,
	}
}

// Validate checks the scoring configuration
func (c ScoringConfig) Validate() error {
	switch c.Mode {
	case ModeRobust, ModeTPOnly, ModeWinRateOnly:
	default:
		return fmt.Errorf("unknown score mode %q", c.Mode)
	}
	if c.MediumThreshold < 0 || c.LargeThreshold < c.MediumThreshold {
		return fmt.Errorf("tier thresholds must satisfy 0 <= medium (%d) <= large (%d)", c.MediumThreshold, c.LargeThreshold)
	}
	if c.Weights.Reliability < 0 || c.Weights.Reliability > 1 {
		return fmt.Errorf("reliability weight must be within [0, 1], got %v", c.Weights.Reliability)
	}
	if c.ThresholdScale < 0 {
		return fmt.Errorf("threshold scale must be non-negative, got %v", c.ThresholdScale)
	}
	return nil
}

func (c ScoringConfig) scale() float64 {
	if c.ThresholdScale <= 0 {
		return 1.0
	}
	return c.ThresholdScale
}

// Scaled applies the threshold scale to a token count
func (c ScoringConfig) Scaled(tokens int) int {
	return int(math.Round(float64(tokens) * c.scale()))
}

// TierFor returns the sample tier of totalTokens and its minimum win rate
func (c ScoringConfig) TierFor(totalTokens int) (Tier, float64) {
	switch {
	case totalTokens >= c.Scaled(c.LargeThreshold):
		return TierLarge, c.MinWinRateLarge
	case totalTokens >= c.Scaled(c.MediumThreshold):
		return TierMedium, c.MinWinRateMedium
	default:
		return TierSmall, c.MinWinRateSmall
	}
}

// weights returns the effective weights of the configured mode
func (c ScoringConfig) weights() Weights {
	switch c.Mode {
	case ModeTPOnly:
		return Weights{Return: 1}
	case ModeWinRateOnly:
		return Weights{Consistency: 1}
	default:
		return c.Weights
	}
}

// ============================================================================
// SCORING
// ============================================================================

// ScoreComponents records how a score was assembled
type ScoreComponents struct {
	Mode              ScoreMode `json:"mode"`
	Tier              Tier      `json:"tier"`
	MinWinRate        float64   `json:"min_win_rate"`
	ReliabilityFactor float64   `json:"reliability_factor"`
	ReturnWeight      float64   `json:"return_weight"`
	ConsistencyWeight float64   `json:"consistency_weight"`
	ReliabilityWeight float64   `json:"reliability_weight"`
	ReturnPart        float64   `json:"return_part"`      // TpPnlPercent * ReturnWeight
	ConsistencyPart   float64   `json:"consistency_part"` // WinRate * ConsistencyWeight
	Base              float64   `json:"base"`
}

// ScoreResult is the outcome of scoring one set of metrics
type ScoreResult struct {
	Score      float64         `json:"score"`
	Rejected   bool            `json:"rejected"`
	Reason     string          `json:"reason,omitempty"`
	Components ScoreComponents `json:"components"`
}

// ReliabilityFactor returns the log-scaled confidence of a sample size,
// clamped to [0, 1]
func ReliabilityFactor(totalTokens int) float64 {
	n := math.Max(float64(totalTokens), 1)
	f := math.Log(n) / math.Log(reliabilityReference)
	return math.Max(0, math.Min(1, f))
}

// Score computes the composite score of m. Only robust mode rejects results
// whose win rate is below the minimum of their sample tier.
func Score(m Metrics, cfg ScoringConfig) ScoreResult {
	tier, minWinRate := cfg.TierFor(m.TotalTokens)
	w := cfg.weights()

	components := ScoreComponents{
		Mode:              cfg.Mode,
		Tier:              tier,
		MinWinRate:        minWinRate,
		ReliabilityFactor: ReliabilityFactor(m.TotalTokens),
		ReturnWeight:      w.Return,
		ConsistencyWeight: w.Consistency,
		ReliabilityWeight: w.Reliability,
	}

	if cfg.Mode == ModeRobust && m.WinRate < minWinRate {
		return ScoreResult{
			Score:    RejectedScore,
			Rejected: true,
			Reason: fmt.Sprintf("win rate %.1f%% below %s tier minimum %.1f%% (%d tokens)",
				m.WinRate, tier, minWinRate, m.TotalTokens),
			Components: components,
		}
	}

	components.ReturnPart = m.TpPnlPercent * w.Return
	components.ConsistencyPart = m.WinRate * w.Consistency
	components.Base = components.ReturnPart + components.ConsistencyPart

	final := components.Base*(1-w.Reliability) + components.Base*w.Reliability*components.ReliabilityFactor

	return ScoreResult{
		Score:      final,
		Components: components,
	}
}

// Beats reports whether score a is strictly better than b. Non-finite and
// NaN scores never win.
func Beats(a, b float64) bool {
	if math.IsNaN(a) || math.IsInf(a, 0) {
		return false
	}
	if math.IsNaN(b) {
		return true
	}
	return a > b
}
