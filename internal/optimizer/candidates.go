package optimizer

import (
	"math"
	"strings"

	"github.com/ajitpratap0/filtertune/pkg/filters"
)

// strategicFractions sample large ranges at quartiles and deciles
var strategicFractions = []float64{0, 0.1, 0.25, 0.5, 0.75, 0.9, 1}

// sweepCandidates returns at most limit values for rule, excluding current.
// Small grids are enumerated in full; larger ones are sampled at strategic
// fractions of the range. Unset is always a candidate.
func sweepCandidates(rule filters.Rule, current filters.Value, limit int) []filters.Value {
	var values []filters.Value
	if rule.Kind == filters.KindBool {
		values = []filters.Value{filters.Unset(), filters.Bool(true), filters.Bool(false)}
	} else {
		var points []float64
		if grid := rule.GridSize(); grid > 0 && grid+1 <= limit {
			for i := 0; i < grid; i++ {
				points = append(points, rule.Snap(rule.Min+float64(i)*rule.Step))
			}
		} else {
			for _, f := range strategicFractions {
				points = append(points, rule.Snap(rule.Min+f*rule.Span()))
			}
		}

		seen := make(map[float64]bool, len(points))
		for _, p := range points {
			if seen[p] {
				continue
			}
			seen[p] = true
			values = append(values, filters.Num(p))
		}
		values = append(values, filters.Unset())
	}

	out := values[:0]
	for _, v := range values {
		if !v.Equal(current) {
			out = append(out, v)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// isUpperBound reports whether name is the ceiling of a min/max pair
func isUpperBound(name string) bool {
	return strings.HasPrefix(name, "Max ")
}

// numericValue returns the value of a numeric parameter, reading an unset
// floor as the rule minimum and an unset ceiling as the rule maximum
func numericValue(cfg filters.Config, rule filters.Rule) float64 {
	if f, ok := cfg.Get(rule.Name).Float(); ok {
		return f
	}
	if isUpperBound(rule.Name) {
		return rule.Max
	}
	return rule.Min
}

// assign returns a copy of cfg with name set to v. Members of the coupled
// pair move together: the partner shifts so the span between them is kept.
func assign(cfg filters.Config, name string, v filters.Value) filters.Config {
	out := cfg.Clone()
	out.MustSet(name, v)

	partner, coupled := filters.Partner(name)
	if !coupled {
		return out
	}
	if !v.IsSet() {
		out.MustSet(partner, filters.Unset())
		return out
	}

	self, _ := filters.Lookup(name)
	other, _ := filters.Lookup(partner)
	x, _ := v.Float()

	span := defaultCoupledSpan(other)
	lo, okLo := cfg.Get(filters.CoupledPair.Min).Float()
	hi, okHi := cfg.Get(filters.CoupledPair.Max).Float()
	if okLo && okHi {
		span = hi - lo
	}

	var y float64
	if isUpperBound(self.Name) {
		y = other.Snap(x - span)
		if y > x {
			y = other.Snap(math.Min(x, other.Max))
		}
	} else {
		y = other.Snap(x + span)
		if y < x {
			y = other.Snap(math.Max(x, other.Min))
		}
	}
	out.MustSet(partner, filters.Num(y))
	return out
}

func defaultCoupledSpan(r filters.Rule) float64 {
	return r.Snap(r.Min + r.Span()/5)
}

// shift moves a numeric parameter by steps grid steps from its effective value
func shift(cfg filters.Config, rule filters.Rule, steps float64) filters.Value {
	return filters.Num(rule.Snap(numericValue(cfg, rule) + steps*rule.Step))
}
