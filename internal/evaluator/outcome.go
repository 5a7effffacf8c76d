package evaluator

import (
	"time"

	"github.com/ajitpratap0/filtertune/pkg/backtest"
	"github.com/ajitpratap0/filtertune/pkg/filters"
)

// ErrorKind classifies a non-successful outcome
type ErrorKind string

const (
	KindNone           ErrorKind = ""
	KindValidation     ErrorKind = "validation"
	KindRateLimited    ErrorKind = "rate_limited"
	KindTransient      ErrorKind = "transient"
	KindAPI            ErrorKind = "api"
	KindSampleTooSmall ErrorKind = "sample_too_small"
	KindScoreRejected  ErrorKind = "score_rejected"
	KindCancelled      ErrorKind = "cancelled"
)

// Cacheable reports whether outcomes of this kind are memoized. Validation
// failures cost no call, and rate-limit exhaustion, transient failures and
// cancellation may succeed on a later attempt.
func (k ErrorKind) Cacheable() bool {
	switch k {
	case KindValidation, KindRateLimited, KindTransient, KindCancelled:
		return false
	}
	return true
}

// Outcome is the result of one evaluation
type Outcome struct {
	Success   bool                  `json:"success"`
	Score     float64               `json:"score"`
	Metrics   *backtest.Metrics     `json:"metrics,omitempty"`
	Result    *backtest.ScoreResult `json:"result,omitempty"`
	ErrorKind ErrorKind             `json:"error_kind,omitempty"`
	Error     string                `json:"error,omitempty"`
	Cached    bool                  `json:"cached"`
}

// Competitive reports whether the outcome may become a best result
func (o Outcome) Competitive() bool {
	return o.Success
}

// Kind returns the outcome label used in logs and metrics
func (o Outcome) Kind() string {
	if o.Success {
		return "success"
	}
	return string(o.ErrorKind)
}

// clone copies the pointed-to metrics and score so callers cannot reach
// cached state
func (o Outcome) clone() Outcome {
	if o.Metrics != nil {
		m := *o.Metrics
		o.Metrics = &m
	}
	if o.Result != nil {
		r := *o.Result
		o.Result = &r
	}
	return o
}

func failure(kind ErrorKind, err error) Outcome {
	o := Outcome{Score: backtest.RejectedScore, ErrorKind: kind}
	if err != nil {
		o.Error = err.Error()
	}
	return o
}

// Record is one entry of the evaluation history
type Record struct {
	Seq     int            `json:"seq"`
	Label   string         `json:"label"`
	Key     string         `json:"-"`
	Config  filters.Config `json:"config"`
	Outcome Outcome        `json:"outcome"`
	At      time.Time      `json:"at"`
}

// Stats counts evaluator activity
type Stats struct {
	Evaluations      int               `json:"evaluations"`
	LiveEvaluations  int               `json:"live_evaluations"`
	APICalls         int               `json:"api_calls"`
	CacheHits        int               `json:"cache_hits"`
	Successes        int               `json:"successes"`
	Failures         map[ErrorKind]int `json:"failures"`
	RateLimitRetries int               `json:"rate_limit_retries"`
	TransientRetries int               `json:"transient_retries"`
	CacheSize        int               `json:"cache_size"`
}
