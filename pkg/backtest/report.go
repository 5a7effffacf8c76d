// Text report generation for chained optimization runs
package backtest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"
	"text/template"
	"time"

	"github.com/ajitpratap0/filtertune/pkg/filters"
)

// ============================================================================
// REPORT DATA
// ============================================================================

// RunSummary is one chained optimization pass
type RunSummary struct {
	RunNumber int           `json:"run_number"`
	RunID     string        `json:"run_id"`
	Score     float64       `json:"score"`
	Metrics   *Metrics      `json:"metrics,omitempty"`
	TestCount int           `json:"test_count"`
	Runtime   time.Duration `json:"runtime"`
	Improved  bool          `json:"improved"` // Run raised the global best
}

// Effectiveness is a parameter's improvement aggregated across runs
type Effectiveness struct {
	Parameter   string  `json:"parameter"`
	Improvement float64 `json:"improvement"`
	Occurrences int     `json:"occurrences"`
}

// ChainReport summarizes a chain of optimization runs
type ChainReport struct {
	ChainID       string          `json:"chain_id"`
	Runs          []RunSummary    `json:"runs"`
	Progression   []float64       `json:"progression"` // Global best after each run
	Effectiveness []Effectiveness `json:"effectiveness"`
	BestScore     float64         `json:"best_score"`
	BestRun       int             `json:"best_run"`
	BestMetrics   *Metrics        `json:"best_metrics,omitempty"`
	BestConfig    filters.Config  `json:"best_config"`
	TotalTests    int             `json:"total_tests"`
	Runtime       time.Duration   `json:"runtime"`
	StopReason    string          `json:"stop_reason"`
}

// MarshalJSON encodes a rejected score as null
func (s RunSummary) MarshalJSON() ([]byte, error) {
	type alias RunSummary
	return json.Marshal(struct {
		alias
		Score *float64 `json:"score"`
	}{alias(s), finiteScore(s.Score)})
}

// MarshalJSON encodes rejected scores as null
func (r ChainReport) MarshalJSON() ([]byte, error) {
	type alias ChainReport
	progression := make([]*float64, len(r.Progression))
	for i, p := range r.Progression {
		progression[i] = finiteScore(p)
	}
	return json.Marshal(struct {
		alias
		Progression []*float64 `json:"progression"`
		BestScore   *float64   `json:"best_score"`
	}{alias(r), progression, finiteScore(r.BestScore)})
}

func finiteScore(f float64) *float64 {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return nil
	}
	return &f
}

// ============================================================================
// REPORT GENERATOR
// ============================================================================

// WriteText renders the report as plain text
func (r *ChainReport) WriteText(w io.Writer) error {
	tmpl, err := template.New("chain").Funcs(template.FuncMap{
		"formatScore":   formatScore,
		"formatPercent": formatPercent,
		"formatDur":     formatDur,
		"inc":           func(i int) int { return i + 1 },
		"bestConfig":    func() []configLine { return configLines(r.BestConfig) },
	}).Parse(chainTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse template: %w", err)
	}

	if err := tmpl.Execute(w, r); err != nil {
		return fmt.Errorf("failed to execute template: %w", err)
	}
	return nil
}

// String renders the report, or the rendering error
func (r *ChainReport) String() string {
	var buf bytes.Buffer
	if err := r.WriteText(&buf); err != nil {
		return err.Error()
	}
	return buf.String()
}

type configLine struct {
	Section filters.Section
	Name    string
	Value   string
}

func configLines(c filters.Config) []configLine {
	var lines []configLine
	for _, s := range filters.Sections {
		for _, rule := range filters.SectionRules(s) {
			v := c.Get(rule.Name)
			if !v.IsSet() {
				continue
			}
			lines = append(lines, configLine{Section: s, Name: rule.Name, Value: v.String()})
		}
	}
	return lines
}

// ============================================================================
// TEMPLATE HELPER FUNCTIONS
// ============================================================================

func formatScore(f float64) string {
	if math.IsInf(f, -1) {
		return "rejected"
	}
	return fmt.Sprintf("%.2f", f)
}

func formatPercent(f float64) string {
	return fmt.Sprintf("%.2f%%", f)
}

func formatDur(d time.Duration) string {
	return d.Round(time.Second).String()
}

// ============================================================================
// TEXT TEMPLATE
// ============================================================================

var chainTemplate = strings.TrimLeft(`
Chain {{ .ChainID }}
Runs: {{ len .Runs }}  Tests: {{ .TotalTests }}  Runtime: {{ formatDur .Runtime }}  Stop: {{ .StopReason }}

RUN   SCORE       TESTS   RUNTIME   BEST
{{- range .Runs }}
{{ printf "%-5d" .RunNumber }} {{ printf "%-11s" (formatScore .Score) }} {{ printf "%-7d" .TestCount }} {{ printf "%-9s" (formatDur .Runtime) }} {{ if .Improved }}*{{ end }}
{{- end }}

Score progression:{{ range .Progression }} {{ formatScore . }}{{ end }}

Best score: {{ formatScore .BestScore }} (run {{ .BestRun }})
{{- with .BestMetrics }}
Best metrics: tokens={{ .TotalTokens }} winRate={{ formatPercent .WinRate }} tpPnl={{ formatPercent .TpPnlPercent }} athPnl={{ formatPercent .AthPnlPercent }}
{{- end }}
{{- if .Effectiveness }}

Parameter effectiveness:
{{- range $i, $e := .Effectiveness }}
{{ printf "%2d." (inc $i) }} {{ $e.Parameter }}: {{ printf "%.2f" $e.Improvement }} ({{ $e.Occurrences }} runs)
{{- end }}
{{- end }}

Best configuration:
{{- range bestConfig }}
  [{{ .Section }}] {{ .Name }} = {{ .Value }}
{{- else }}
  (no filters set)
{{- end }}
`, "\n")
