package stats

import (
	"fmt"
	"math"
	"net/url"
	"strconv"

	"github.com/ajitpratap0/filtertune/pkg/filters"
)

// TakeProfit is one rung of the take-profit ladder
type TakeProfit struct {
	Size float64 `mapstructure:"size" json:"size" yaml:"size"` // Percent of the position sold
	Gain float64 `mapstructure:"gain" json:"gain" yaml:"gain"` // Percent gain that triggers the sale
}

// RequestOptions are the fixed extras sent with every stats request
type RequestOptions struct {
	BuyingAmount float64      // SOL per simulated buy
	TriggerMode  string       // Signal trigger selector, omitted when empty
	FromDate     string       // Optional lower date bound
	ToDate       string       // Optional upper date bound
	TakeProfits  []TakeProfit // At least one rung
}

// DefaultTakeProfits sells the whole position at +100%
func DefaultTakeProfits() []TakeProfit {
	return []TakeProfit{{Size: 100, Gain: 100}}
}

// Validate checks the request extras
func (o RequestOptions) Validate() error {
	if o.BuyingAmount <= 0 {
		return fmt.Errorf("buying amount must be positive, got %v", o.BuyingAmount)
	}
	if len(o.TakeProfits) == 0 {
		return fmt.Errorf("at least one take-profit is required")
	}
	total := 0.0
	for i, tp := range o.TakeProfits {
		if tp.Size <= 0 || tp.Gain <= 0 {
			return fmt.Errorf("take-profit %d must have positive size and gain", i+1)
		}
		total += tp.Size
	}
	if math.Abs(total-100) > 1e-6 {
		return fmt.Errorf("take-profit sizes must sum to 100, got %v", total)
	}
	return nil
}

// BuildQuery flattens a configuration into stats query parameters. Unset
// parameters are omitted, which the service reads as "filter disabled".
func BuildQuery(cfg filters.Config, opts RequestOptions) url.Values {
	q := url.Values{}
	for _, rule := range filters.Rules() {
		v := cfg.Get(rule.Name)
		if !v.IsSet() {
			continue
		}
		if b, ok := v.Flag(); ok {
			q.Set(rule.Field, strconv.FormatBool(b))
			continue
		}
		if f, ok := v.Float(); ok {
			q.Set(rule.Field, formatNumber(f))
		}
	}

	q.Set("excludeSpoofedTokens", "true")
	q.Set("buyingAmount", formatNumber(opts.BuyingAmount))
	if opts.FromDate != "" {
		q.Set("fromDate", opts.FromDate)
	}
	if opts.ToDate != "" {
		q.Set("toDate", opts.ToDate)
	}
	if opts.TriggerMode != "" {
		q.Set("triggerMode", opts.TriggerMode)
	}
	for _, tp := range opts.TakeProfits {
		q.Add("tpSize", formatNumber(tp.Size))
		q.Add("tpGain", formatNumber(tp.Gain))
	}
	return q
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
