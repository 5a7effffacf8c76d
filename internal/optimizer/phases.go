package optimizer

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/ajitpratap0/filtertune/pkg/filters"
)

// ============================================================================
// PARAMETER SWEEP
// ============================================================================

// parameterSweep varies one parameter at a time on top of the running best
// and records each parameter's peak improvement
func (o *Optimizer) parameterSweep(ctx context.Context) {
	limit := o.settings.Limits.Sweep

	for _, rule := range filters.Rules() {
		if o.halt(ctx, limit) {
			return
		}
		// the coupled ceiling moves with its floor
		if rule.Name == filters.CoupledPair.Max || !o.env.tunable(rule.Name) {
			continue
		}

		startScore := o.bestScore
		reference := startScore
		if math.IsInf(reference, -1) {
			reference = 0
		}
		peak := 0.0

		for _, v := range sweepCandidates(rule, o.Best().Get(rule.Name), o.settings.SweepValues) {
			if o.halt(ctx, limit) {
				break
			}
			cand := assign(o.Best(), rule.Name, v)
			out := o.try(ctx, cand, fmt.Sprintf("sweep %s=%s", rule.Name, v))
			if out.Competitive() {
				peak = math.Max(peak, out.Score-reference)
			}
		}

		o.recordEffect(rule.Name, peak)
	}
}

func (o *Optimizer) recordEffect(name string, improvement float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if prev, ok := o.effectiveness[name]; !ok || improvement > prev {
		o.effectiveness[name] = improvement
	}
}

// topParams returns up to n tunable numeric parameters ranked by recorded
// improvement; ties keep table order
func (o *Optimizer) topParams(n int) []filters.Rule {
	var candidates []filters.Rule
	for _, rule := range filters.Rules() {
		if !rule.Numeric() || rule.Name == filters.CoupledPair.Max || !o.env.tunable(rule.Name) {
			continue
		}
		candidates = append(candidates, rule)
	}

	o.mu.Lock()
	effects := make(map[string]float64, len(o.effectiveness))
	for k, v := range o.effectiveness {
		effects[k] = v
	}
	o.mu.Unlock()

	sort.SliceStable(candidates, func(i, j int) bool {
		return effects[candidates[i].Name] > effects[candidates[j].Name]
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

// ============================================================================
// LATIN HYPERCUBE SAMPLING
// ============================================================================

// stratify draws n stratified unit samples for each of dims parameters.
// Each parameter's range is cut into n equal segments, each segment is hit
// exactly once, and segment order is shuffled independently per parameter.
func stratify(rng interface {
	Perm(int) []int
	Float64() float64
}, dims, n int) [][]float64 {
	samples := make([][]float64, n)
	for i := range samples {
		samples[i] = make([]float64, dims)
	}
	for d := 0; d < dims; d++ {
		perm := rng.Perm(n)
		for i := 0; i < n; i++ {
			samples[i][d] = (float64(perm[i]) + rng.Float64()) / float64(n)
		}
	}
	return samples
}

// latinHypercube jointly samples the most effective parameters
func (o *Optimizer) latinHypercube(ctx context.Context) {
	limit := o.settings.Limits.LHS
	params := o.topParams(o.settings.LHSTopK)
	if len(params) == 0 {
		return
	}

	base := o.Best()
	samples := stratify(o.env.Rand, len(params), o.settings.LHSSamples)

	for i, sample := range samples {
		if o.halt(ctx, limit) {
			return
		}
		cand := base
		for d, rule := range params {
			v := rule.Snap(rule.Min + sample[d]*rule.Span())
			cand = assign(cand, rule.Name, filters.Num(v))
		}
		o.try(ctx, cand, fmt.Sprintf("lhs sample %d/%d", i+1, len(samples)))
	}
}

// ============================================================================
// CORRELATED PARAMETERS
// ============================================================================

// delta moves one parameter by a number of grid steps
type delta struct {
	param string
	steps float64
}

// move is a hand-designed joint variation
type move struct {
	label  string
	deltas []delta
}

// correlatedMoves are joint variations a one-at-a-time sweep cannot find
var correlatedMoves = []move{
	{"mcap band down", []delta{{"Min MCAP (USD)", -2}, {"Max MCAP (USD)", -2}}},
	{"mcap band up", []delta{{"Min MCAP (USD)", 2}, {"Max MCAP (USD)", 2}}},
	{"mcap band widen", []delta{{"Min MCAP (USD)", -2}, {"Max MCAP (USD)", 2}}},
	{"mcap band narrow", []delta{{"Min MCAP (USD)", 2}, {"Max MCAP (USD)", -2}}},
	{"token age window younger", []delta{{"Min Token Age (sec)", -2}, {"Max Token Age (sec)", -2}}},
	{"token age window older", []delta{{"Min Token Age (sec)", 2}, {"Max Token Age (sec)", 2}}},
	{"holders band widen", []delta{{"Min Holders", -2}, {"Max Holders", 4}}},
	{"holders band narrow", []delta{{"Min Holders", 2}, {"Max Holders", -4}}},
	{"bundle risk tighter", []delta{{"Max Bundled %", -5}, {"Min Deployer Balance (SOL)", 2}}},
	{"bundle risk looser", []delta{{"Max Bundled %", 5}, {"Min Deployer Balance (SOL)", -2}}},
	{"buy ratio band up", []delta{{"Min Buy Ratio %", 1}, {"Max Buy Ratio %", 1}}},
	{"buy ratio band down", []delta{{"Min Buy Ratio %", -1}, {"Max Buy Ratio %", -1}}},
	{"vol mcap band widen", []delta{{"Min Vol MCAP %", -2}, {"Max Vol MCAP %", 2}}},
	{"vol mcap band narrow", []delta{{"Min Vol MCAP %", 2}, {"Max Vol MCAP %", -2}}},
	{"liquidity with mcap", []delta{{"Min Liquidity (USD)", 2}, {"Min MCAP (USD)", 2}}},
	{"ttc window faster", []delta{{"Min TTC (sec)", -3}, {"Max TTC (sec)", -1}}},
	{"ttc window slower", []delta{{"Min TTC (sec)", 3}, {"Max TTC (sec)", 1}}},
}

// apply builds the moved configuration. It reports false when the move
// touches a frozen parameter or changes nothing.
func (m move) apply(env *Env, base filters.Config) (filters.Config, bool) {
	cand := base
	changed := false
	for _, d := range m.deltas {
		rule, ok := filters.Lookup(d.param)
		if !ok || !rule.Numeric() || !env.tunable(d.param) {
			return nil, false
		}
		v := shift(base, rule, d.steps)
		if !v.Equal(base.Get(d.param)) {
			changed = true
		}
		cand = assign(cand, d.param, v)
	}
	return cand, changed
}

// correlatedParameters evaluates the catalog of joint moves
func (o *Optimizer) correlatedParameters(ctx context.Context) {
	limit := o.settings.Limits.Correlated

	for _, m := range correlatedMoves {
		if o.halt(ctx, limit) {
			return
		}
		cand, ok := m.apply(o.env, o.Best())
		if !ok {
			continue
		}
		o.try(ctx, cand, "correlated "+m.label)
	}
}

// ============================================================================
// SIMULATED ANNEALING
// ============================================================================

// simulatedAnnealing walks from the best with random perturbations,
// sometimes accepting a worse neighbour while the temperature is high
func (o *Optimizer) simulatedAnnealing(ctx context.Context) {
	limit := o.settings.Limits.Annealing
	params := o.topParams(len(filters.Rules()))
	if len(params) == 0 {
		return
	}

	current := o.Best()
	currentScore := o.bestScore
	rng := o.env.Rand
	step := 0

	for temp := o.settings.AnnealInitialTemp; temp >= o.settings.AnnealMinTemp; temp *= o.settings.AnnealCooling {
		if o.halt(ctx, limit) {
			return
		}
		step++

		count := 1 + rng.Intn(o.settings.AnnealMaxParams)
		if count > len(params) {
			count = len(params)
		}
		cand := current
		for _, idx := range rng.Perm(len(params))[:count] {
			rule := params[idx]
			from := numericValue(cand, rule)
			if !cand.Get(rule.Name).IsSet() {
				from = rule.Midpoint()
			}
			to := rule.Snap(from + (rng.Float64()*2-1)*o.settings.AnnealPerturb*rule.Span())
			if to == from {
				if rng.Intn(2) == 0 {
					to = rule.Snap(from - rule.Step)
				} else {
					to = rule.Snap(from + rule.Step)
				}
			}
			cand = assign(cand, rule.Name, filters.Num(to))
		}

		out := o.try(ctx, cand, fmt.Sprintf("anneal step %d", step))
		if !out.Competitive() {
			continue
		}

		diff := out.Score - currentScore
		if diff > 0 || math.IsInf(currentScore, -1) || rng.Float64() < math.Exp(diff/temp) {
			current = o.env.Evaluator.Prepare(cand)
			currentScore = out.Score
		}
	}
}

// ============================================================================
// DEEP DIVE
// ============================================================================

// deepDive sweeps a fine neighbourhood of the most effective parameters
func (o *Optimizer) deepDive(ctx context.Context) {
	limit := o.settings.Limits.DeepDive

	for _, rule := range o.topParams(o.settings.DeepDiveParams) {
		center := numericValue(o.Best(), rule)
		for k := -o.settings.DeepDiveSteps; k <= o.settings.DeepDiveSteps; k++ {
			if o.halt(ctx, limit) {
				return
			}
			if k == 0 {
				continue
			}
			v := rule.Snap(center + float64(k)*rule.Step)
			if v == center {
				continue
			}
			cand := assign(o.Best(), rule.Name, filters.Num(v))
			o.try(ctx, cand, fmt.Sprintf("deep dive %s=%g", rule.Name, v))
		}
	}
}
