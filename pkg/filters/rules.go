// Package filters defines the sectioned filter configuration that is tuned
// against the backtesting service, together with the closed table of
// parameter rules that bounds every value.
package filters

import (
	"math"
	"sort"
)

// Section groups related filter parameters
type Section string

const (
	SectionBasic        Section = "basic"
	SectionTokenDetails Section = "tokenDetails"
	SectionWallets      Section = "wallets"
	SectionRisk         Section = "risk"
	SectionAdvanced     Section = "advanced"
)

// Sections lists every section in display order
var Sections = []Section{
	SectionBasic,
	SectionTokenDetails,
	SectionWallets,
	SectionRisk,
	SectionAdvanced,
}

// Kind is the numeric kind of a parameter
type Kind string

const (
	KindInt   Kind = "int"
	KindFloat Kind = "float"
	KindBool  Kind = "bool"
)

// Rule describes the valid domain of one parameter
type Rule struct {
	Name    string  `json:"name" yaml:"name"`       // Display label, unique across sections
	Section Section `json:"section" yaml:"section"` // Owning section
	Field   string  `json:"field" yaml:"field"`     // Stats API query field
	Kind    Kind    `json:"kind" yaml:"kind"`       // int, float, bool
	Min     float64 `json:"min" yaml:"min"`         // For numeric kinds
	Max     float64 `json:"max" yaml:"max"`         // For numeric kinds
	Step    float64 `json:"step" yaml:"step"`       // Grid step for numeric kinds
}

// Numeric reports whether the rule describes a numeric parameter
func (r Rule) Numeric() bool {
	return r.Kind == KindInt || r.Kind == KindFloat
}

// Span returns the width of the rule's range
func (r Rule) Span() float64 {
	return r.Max - r.Min
}

// Snap clamps v into [Min, Max] and rounds it onto the step grid.
// Int parameters are always rounded to whole numbers.
func (r Rule) Snap(v float64) float64 {
	if v < r.Min {
		v = r.Min
	}
	if v > r.Max {
		v = r.Max
	}
	if r.Step > 0 {
		v = r.Min + math.Round((v-r.Min)/r.Step)*r.Step
		if v > r.Max {
			v -= r.Step
		}
	}
	if r.Kind == KindInt {
		v = math.Round(v)
	}
	// Strip float noise introduced by step arithmetic
	return math.Round(v*1e6) / 1e6
}

// GridSize returns the number of points on the rule's step grid
func (r Rule) GridSize() int {
	if !r.Numeric() || r.Step <= 0 {
		return 0
	}
	return int(math.Floor(r.Span()/r.Step+1e-9)) + 1
}

// Midpoint returns the snapped center of the range
func (r Rule) Midpoint() float64 {
	return r.Snap(r.Min + r.Span()/2)
}

// Pair links a lower-bound parameter to its upper-bound counterpart
type Pair struct {
	Min string
	Max string
}

// rules is the closed parameter table. Order is the sweep order.
var rules = []Rule{
	// Basic
	{Name: "Min MCAP (USD)", Section: SectionBasic, Field: "minMcap", Kind: KindInt, Min: 0, Max: 20000, Step: 1000},
	{Name: "Max MCAP (USD)", Section: SectionBasic, Field: "maxMcap", Kind: KindInt, Min: 5000, Max: 100000, Step: 5000},

	// Token details
	{Name: "Min AG Score", Section: SectionTokenDetails, Field: "minAgScore", Kind: KindInt, Min: 0, Max: 10, Step: 1},
	{Name: "Min Token Age (sec)", Section: SectionTokenDetails, Field: "minTokenAge", Kind: KindInt, Min: 0, Max: 3600, Step: 30},
	{Name: "Max Token Age (sec)", Section: SectionTokenDetails, Field: "maxTokenAge", Kind: KindInt, Min: 60, Max: 86400, Step: 600},
	{Name: "Min Deployer Age (min)", Section: SectionTokenDetails, Field: "minDeployerAge", Kind: KindInt, Min: 0, Max: 1440, Step: 10},
	{Name: "Min Liquidity (USD)", Section: SectionTokenDetails, Field: "minLiquidity", Kind: KindInt, Min: 0, Max: 20000, Step: 500},
	{Name: "Max Liquidity (USD)", Section: SectionTokenDetails, Field: "maxLiquidity", Kind: KindInt, Min: 5000, Max: 100000, Step: 5000},

	// Wallets
	{Name: "Min Unique Wallets", Section: SectionWallets, Field: "minUniqueWallets", Kind: KindInt, Min: 0, Max: 10, Step: 1},
	{Name: "Max Unique Wallets", Section: SectionWallets, Field: "maxUniqueWallets", Kind: KindInt, Min: 1, Max: 20, Step: 1},
	{Name: "Min KYC Wallets", Section: SectionWallets, Field: "minKycWallets", Kind: KindInt, Min: 0, Max: 10, Step: 1},
	{Name: "Max KYC Wallets", Section: SectionWallets, Field: "maxKycWallets", Kind: KindInt, Min: 1, Max: 20, Step: 1},
	{Name: "Min Holders", Section: SectionWallets, Field: "minHolders", Kind: KindInt, Min: 1, Max: 50, Step: 1},
	{Name: "Max Holders", Section: SectionWallets, Field: "maxHolders", Kind: KindInt, Min: 5, Max: 500, Step: 5},
	{Name: "Min Holders Growth %", Section: SectionWallets, Field: "minHoldersDiffPercent", Kind: KindFloat, Min: 0, Max: 100, Step: 5},
	{Name: "Max Holders Growth %", Section: SectionWallets, Field: "maxHoldersDiffPercent", Kind: KindFloat, Min: 0, Max: 500, Step: 10},
	{Name: "Min Top Holders %", Section: SectionWallets, Field: "minTopHoldersPercent", Kind: KindFloat, Min: 0, Max: 100, Step: 5},
	{Name: "Max Top Holders %", Section: SectionWallets, Field: "maxTopHoldersPercent", Kind: KindFloat, Min: 0, Max: 100, Step: 5},

	// Risk
	{Name: "Min Bundled %", Section: SectionRisk, Field: "minBundledPercent", Kind: KindFloat, Min: 0, Max: 100, Step: 1},
	{Name: "Max Bundled %", Section: SectionRisk, Field: "maxBundledPercent", Kind: KindFloat, Min: 0, Max: 100, Step: 1},
	{Name: "Min Deployer Balance (SOL)", Section: SectionRisk, Field: "minDeployerBalance", Kind: KindFloat, Min: 0, Max: 100, Step: 0.5},
	{Name: "Min Buy Ratio %", Section: SectionRisk, Field: "minBuyRatio", Kind: KindFloat, Min: 0, Max: 100, Step: 5},
	{Name: "Max Buy Ratio %", Section: SectionRisk, Field: "maxBuyRatio", Kind: KindFloat, Min: 0, Max: 100, Step: 5},
	{Name: "Min Vol MCAP %", Section: SectionRisk, Field: "minVolMcapPercent", Kind: KindFloat, Min: 0, Max: 300, Step: 10},
	{Name: "Max Vol MCAP %", Section: SectionRisk, Field: "maxVolMcapPercent", Kind: KindFloat, Min: 0, Max: 500, Step: 10},
	{Name: "Max Drained %", Section: SectionRisk, Field: "maxDrainedPercent", Kind: KindFloat, Min: 0, Max: 100, Step: 5},
	{Name: "Max Drained Count", Section: SectionRisk, Field: "maxDrainedCount", Kind: KindInt, Min: 0, Max: 500, Step: 5},
	{Name: "Description", Section: SectionRisk, Field: "description", Kind: KindBool},
	{Name: "Fresh Deployer", Section: SectionRisk, Field: "freshDeployer", Kind: KindBool},

	// Advanced
	{Name: "Min TTC (sec)", Section: SectionAdvanced, Field: "minTtc", Kind: KindInt, Min: 0, Max: 3600, Step: 10},
	{Name: "Max TTC (sec)", Section: SectionAdvanced, Field: "maxTtc", Kind: KindInt, Min: 10, Max: 86400, Step: 600},
	{Name: "Max Liquidity %", Section: SectionAdvanced, Field: "maxLiquidityPercent", Kind: KindFloat, Min: 0, Max: 100, Step: 5},
	{Name: "Min Win Pred %", Section: SectionAdvanced, Field: "minWinPredPercent", Kind: KindFloat, Min: 0, Max: 100, Step: 1},
}

// pairs lists every min/max pair that must stay ordered
var pairs = []Pair{
	{Min: "Min MCAP (USD)", Max: "Max MCAP (USD)"},
	{Min: "Min Token Age (sec)", Max: "Max Token Age (sec)"},
	{Min: "Min Liquidity (USD)", Max: "Max Liquidity (USD)"},
	{Min: "Min Unique Wallets", Max: "Max Unique Wallets"},
	{Min: "Min KYC Wallets", Max: "Max KYC Wallets"},
	{Min: "Min Holders", Max: "Max Holders"},
	{Min: "Min Holders Growth %", Max: "Max Holders Growth %"},
	{Min: "Min Top Holders %", Max: "Max Top Holders %"},
	{Min: "Min Bundled %", Max: "Max Bundled %"},
	{Min: "Min Buy Ratio %", Max: "Max Buy Ratio %"},
	{Min: "Min Vol MCAP %", Max: "Max Vol MCAP %"},
	{Min: "Min TTC (sec)", Max: "Max TTC (sec)"},
}

// CoupledPair is the wallet growth-rate pair. Its members only ever move
// together; search phases never vary one of them on its own.
var CoupledPair = Pair{Min: "Min Holders Growth %", Max: "Max Holders Growth %"}

var byName = func() map[string]Rule {
	m := make(map[string]Rule, len(rules))
	for _, r := range rules {
		m[r.Name] = r
	}
	return m
}()

// Rules returns a copy of the parameter table in sweep order
func Rules() []Rule {
	out := make([]Rule, len(rules))
	copy(out, rules)
	return out
}

// Pairs returns a copy of the min/max pair list
func Pairs() []Pair {
	out := make([]Pair, len(pairs))
	copy(out, pairs)
	return out
}

// Lookup finds the rule for a parameter name
func Lookup(name string) (Rule, bool) {
	r, ok := byName[name]
	return r, ok
}

// SectionRules returns the rules of one section in table order
func SectionRules(s Section) []Rule {
	var out []Rule
	for _, r := range rules {
		if r.Section == s {
			out = append(out, r)
		}
	}
	return out
}

// Partner returns the other member of the coupled pair, if name belongs to it
func Partner(name string) (string, bool) {
	switch name {
	case CoupledPair.Min:
		return CoupledPair.Max, true
	case CoupledPair.Max:
		return CoupledPair.Min, true
	}
	return "", false
}

// Names returns every parameter name, sorted alphabetically
func Names() []string {
	names := make([]string, 0, len(rules))
	for _, r := range rules {
		names = append(names, r.Name)
	}
	sort.Strings(names)
	return names
}
