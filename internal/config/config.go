package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ajitpratap0/filtertune/internal/chain"
	"github.com/ajitpratap0/filtertune/internal/evaluator"
	"github.com/ajitpratap0/filtertune/internal/events"
	"github.com/ajitpratap0/filtertune/internal/optimizer"
	"github.com/ajitpratap0/filtertune/internal/ratelimit"
	"github.com/ajitpratap0/filtertune/internal/source"
	"github.com/ajitpratap0/filtertune/internal/stats"
	"github.com/ajitpratap0/filtertune/pkg/backtest"
	"github.com/ajitpratap0/filtertune/pkg/filters"
)

// EnvPrefix prefixes every environment override (FILTERTUNE_API_BASE_URL, ...)
const EnvPrefix = "FILTERTUNE"

// Config holds all application configuration
type Config struct {
	App          AppConfig        `mapstructure:"app"`
	API          APIConfig        `mapstructure:"api"`
	Limiter      LimiterConfig    `mapstructure:"limiter"`
	Retry        RetryConfig      `mapstructure:"retry"`
	Breaker      BreakerConfig    `mapstructure:"breaker"`
	Cache        CacheConfig      `mapstructure:"cache"`
	Scoring      ScoringConfig    `mapstructure:"scoring"`
	Optimizer    OptimizerConfig  `mapstructure:"optimizer"`
	Chain        ChainConfig      `mapstructure:"chain"`
	Redis        RedisConfig      `mapstructure:"redis"`
	NATS         NATSConfig       `mapstructure:"nats"`
	Monitoring   MonitoringConfig `mapstructure:"monitoring"`
	Control      ControlConfig    `mapstructure:"control"`
	Alerts       AlertsConfig     `mapstructure:"alerts"`
	Pins         []PinConfig      `mapstructure:"pins"`
	BaselineFile string           `mapstructure:"baseline_file"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // json or console
}

// APIConfig describes the remote stats service and the fixed request extras
type APIConfig struct {
	BaseURL      string             `mapstructure:"base_url"`
	StatsPath    string             `mapstructure:"stats_path"`
	Timeout      time.Duration      `mapstructure:"timeout"`
	BuyingAmount float64            `mapstructure:"buying_amount"`
	TriggerMode  string             `mapstructure:"trigger_mode"`
	FromDate     string             `mapstructure:"from_date"`
	ToDate       string             `mapstructure:"to_date"`
	TakeProfits  []stats.TakeProfit `mapstructure:"take_profits"`
}

// LimiterConfig contains the adaptive rate limiter settings
type LimiterConfig struct {
	MinSpacing         time.Duration `mapstructure:"min_spacing"`
	PerMinuteCeiling   int           `mapstructure:"per_minute_ceiling"`
	Window             time.Duration `mapstructure:"window"`
	InitialBurstLimit  int           `mapstructure:"initial_burst_limit"`
	InitialRecovery    time.Duration `mapstructure:"initial_recovery"`
	RecoveryMultiplier float64       `mapstructure:"recovery_multiplier"`
	MaxRecovery        time.Duration `mapstructure:"max_recovery"`
	MinBurstLimit      int           `mapstructure:"min_burst_limit"`
	BufferFloor        float64       `mapstructure:"buffer_floor"`
	BufferRatio        float64       `mapstructure:"buffer_ratio"`
}

// RetryConfig contains the evaluator retry policy
type RetryConfig struct {
	MaxRateLimitAttempts int           `mapstructure:"max_rate_limit_attempts"`
	RateLimitBaseDelay   time.Duration `mapstructure:"rate_limit_base_delay"`
	RateLimitMaxDelay    time.Duration `mapstructure:"rate_limit_max_delay"`
	TransientRetries     int           `mapstructure:"transient_retries"`
	TransientDelay       time.Duration `mapstructure:"transient_delay"`
}

// BreakerConfig contains the stats endpoint circuit breaker settings
type BreakerConfig struct {
	MinRequests     uint32        `mapstructure:"min_requests"`
	FailureRatio    float64       `mapstructure:"failure_ratio"`
	OpenTimeout     time.Duration `mapstructure:"open_timeout"`
	HalfOpenMaxReqs uint32        `mapstructure:"half_open_max_reqs"`
	CountInterval   time.Duration `mapstructure:"count_interval"`
}

// CacheConfig contains result cache settings
type CacheConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// ScoringConfig contains the scoring mode, weights and sample tiers
type ScoringConfig struct {
	Mode             string           `mapstructure:"mode"` // robust, tp_only, winrate_only
	Weights          backtest.Weights `mapstructure:"weights"`
	MediumThreshold  int              `mapstructure:"medium_threshold"`
	LargeThreshold   int              `mapstructure:"large_threshold"`
	MinWinRateSmall  float64          `mapstructure:"min_win_rate_small"`
	MinWinRateMedium float64          `mapstructure:"min_win_rate_medium"`
	MinWinRateLarge  float64          `mapstructure:"min_win_rate_large"`
	MinTotalTokens   int              `mapstructure:"min_total_tokens"`
	ThresholdScale   float64          `mapstructure:"threshold_scale"`
}

// PhaseConfig holds the elapsed-time fractions at which each phase ends
type PhaseConfig struct {
	Sweep      float64 `mapstructure:"sweep"`
	LHS        float64 `mapstructure:"lhs"`
	Correlated float64 `mapstructure:"correlated"`
	Annealing  float64 `mapstructure:"annealing"`
	DeepDive   float64 `mapstructure:"deep_dive"`
}

// OptimizerConfig contains the single-run search settings
type OptimizerConfig struct {
	TimeBudget        time.Duration `mapstructure:"time_budget"`
	TargetScore       float64       `mapstructure:"target_score"`
	Seed              int64         `mapstructure:"seed"` // Zero seeds from the wall clock
	Phases            PhaseConfig   `mapstructure:"phases"`
	SweepValues       int           `mapstructure:"sweep_values"`
	LHSTopK           int           `mapstructure:"lhs_top_k"`
	LHSSamples        int           `mapstructure:"lhs_samples"`
	AnnealInitialTemp float64       `mapstructure:"anneal_initial_temp"`
	AnnealCooling     float64       `mapstructure:"anneal_cooling"`
	AnnealMinTemp     float64       `mapstructure:"anneal_min_temp"`
	AnnealPerturb     float64       `mapstructure:"anneal_perturb"`
	AnnealMaxParams   int           `mapstructure:"anneal_max_params"`
	DeepDiveParams    int           `mapstructure:"deep_dive_params"`
	DeepDiveSteps     int           `mapstructure:"deep_dive_steps"`
}

// ChainConfig contains multi-run chain settings
type ChainConfig struct {
	Runs        int           `mapstructure:"runs"`
	RunDuration time.Duration `mapstructure:"run_duration"`
}

// RedisConfig contains the Redis config source settings
type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// NATSConfig contains event publishing settings
type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Prefix  string `mapstructure:"prefix"`
}

// MonitoringConfig contains monitoring settings
type MonitoringConfig struct {
	PrometheusPort int           `mapstructure:"prometheus_port"`
	EnableMetrics  bool          `mapstructure:"enable_metrics"`
	UpdateInterval time.Duration `mapstructure:"update_interval"`
}

// ControlConfig contains the HTTP control surface settings
type ControlConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// AlertsConfig contains operator notification settings
type AlertsConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig contains Telegram alert delivery settings
type TelegramConfig struct {
	Enabled  bool    `mapstructure:"enabled"`
	BotToken string  `mapstructure:"bot_token"`
	ChatIDs  []int64 `mapstructure:"chat_ids"`
}

// PinConfig forces one parameter to a fixed value for the whole search.
// A nil value pins the filter to disabled.
type PinConfig struct {
	Name  string      `mapstructure:"name"`
	Value interface{} `mapstructure:"value"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	return load(v, configPath)
}

// LoadWith loads configuration through an existing viper instance, so that
// callers can bind command-line flags before reading.
func LoadWith(v *viper.Viper, configPath string) (*Config, error) {
	return load(v, configPath)
}

func load(v *viper.Viper, configPath string) (*Config, error) {
	// Set config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("filtertune")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable overrides
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values. Domain defaults come from
// the packages that own them.
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "filtertune")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "console")

	// Stats API defaults
	v.SetDefault("api.base_url", "http://localhost:8000")
	v.SetDefault("api.stats_path", "/api/stats")
	v.SetDefault("api.timeout", 30*time.Second)
	v.SetDefault("api.buying_amount", 0.5)
	v.SetDefault("api.trigger_mode", "")
	v.SetDefault("api.from_date", "")
	v.SetDefault("api.to_date", "")
	v.SetDefault("api.take_profits", []map[string]interface{}{{"size": 100.0, "gain": 100.0}})

	// Limiter defaults
	lim := ratelimit.DefaultSettings()
	v.SetDefault("limiter.min_spacing", lim.MinSpacing)
	v.SetDefault("limiter.per_minute_ceiling", lim.PerMinuteCeiling)
	v.SetDefault("limiter.window", lim.Window)
	v.SetDefault("limiter.initial_burst_limit", lim.InitialBurstLimit)
	v.SetDefault("limiter.initial_recovery", lim.InitialRecovery)
	v.SetDefault("limiter.recovery_multiplier", lim.RecoveryMultiplier)
	v.SetDefault("limiter.max_recovery", lim.MaxRecovery)
	v.SetDefault("limiter.min_burst_limit", lim.MinBurstLimit)
	v.SetDefault("limiter.buffer_floor", lim.BufferFloor)
	v.SetDefault("limiter.buffer_ratio", lim.BufferRatio)

	// Retry defaults
	retry := evaluator.DefaultRetryPolicy()
	v.SetDefault("retry.max_rate_limit_attempts", retry.MaxRateLimitAttempts)
	v.SetDefault("retry.rate_limit_base_delay", retry.RateLimitBaseDelay)
	v.SetDefault("retry.rate_limit_max_delay", retry.RateLimitMaxDelay)
	v.SetDefault("retry.transient_retries", retry.TransientRetries)
	v.SetDefault("retry.transient_delay", retry.TransientDelay)

	// Circuit breaker defaults
	v.SetDefault("breaker.min_requests", stats.DefaultMinRequests)
	v.SetDefault("breaker.failure_ratio", stats.DefaultFailureRatio)
	v.SetDefault("breaker.open_timeout", stats.DefaultOpenTimeout)
	v.SetDefault("breaker.half_open_max_reqs", stats.DefaultHalfOpenMaxReqs)
	v.SetDefault("breaker.count_interval", stats.DefaultCountInterval)

	// Evaluator defaults
	eval := evaluator.DefaultSettings()
	v.SetDefault("cache.capacity", eval.CacheCapacity)
	sc := eval.Scoring
	v.SetDefault("scoring.mode", string(sc.Mode))
	v.SetDefault("scoring.weights.return", sc.Weights.Return)
	v.SetDefault("scoring.weights.consistency", sc.Weights.Consistency)
	v.SetDefault("scoring.weights.reliability", sc.Weights.Reliability)
	v.SetDefault("scoring.medium_threshold", sc.MediumThreshold)
	v.SetDefault("scoring.large_threshold", sc.LargeThreshold)
	v.SetDefault("scoring.min_win_rate_small", sc.MinWinRateSmall)
	v.SetDefault("scoring.min_win_rate_medium", sc.MinWinRateMedium)
	v.SetDefault("scoring.min_win_rate_large", sc.MinWinRateLarge)
	v.SetDefault("scoring.min_total_tokens", eval.MinTotalTokens)
	v.SetDefault("scoring.threshold_scale", sc.ThresholdScale)

	// Optimizer defaults
	opt := optimizer.DefaultSettings()
	v.SetDefault("optimizer.time_budget", opt.TimeBudget)
	v.SetDefault("optimizer.target_score", opt.TargetScore)
	v.SetDefault("optimizer.seed", 0)
	v.SetDefault("optimizer.phases.sweep", opt.Limits.Sweep)
	v.SetDefault("optimizer.phases.lhs", opt.Limits.LHS)
	v.SetDefault("optimizer.phases.correlated", opt.Limits.Correlated)
	v.SetDefault("optimizer.phases.annealing", opt.Limits.Annealing)
	v.SetDefault("optimizer.phases.deep_dive", opt.Limits.DeepDive)
	v.SetDefault("optimizer.sweep_values", opt.SweepValues)
	v.SetDefault("optimizer.lhs_top_k", opt.LHSTopK)
	v.SetDefault("optimizer.lhs_samples", opt.LHSSamples)
	v.SetDefault("optimizer.anneal_initial_temp", opt.AnnealInitialTemp)
	v.SetDefault("optimizer.anneal_cooling", opt.AnnealCooling)
	v.SetDefault("optimizer.anneal_min_temp", opt.AnnealMinTemp)
	v.SetDefault("optimizer.anneal_perturb", opt.AnnealPerturb)
	v.SetDefault("optimizer.anneal_max_params", opt.AnnealMaxParams)
	v.SetDefault("optimizer.deep_dive_params", opt.DeepDiveParams)
	v.SetDefault("optimizer.deep_dive_steps", opt.DeepDiveSteps)

	// Chain defaults
	ch := chain.DefaultSettings()
	v.SetDefault("chain.runs", ch.Runs)
	v.SetDefault("chain.run_duration", ch.RunDuration)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", source.DefaultKeyPrefix)

	// NATS defaults
	ev := events.DefaultConfig()
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", ev.URL)
	v.SetDefault("nats.prefix", ev.Prefix)

	// Monitoring defaults
	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)
	v.SetDefault("monitoring.update_interval", 5*time.Second)

	// Control surface defaults
	v.SetDefault("control.enabled", true)
	v.SetDefault("control.host", "127.0.0.1")
	v.SetDefault("control.port", 8081)
	v.SetDefault("control.allowed_origins", []string{})

	// Alerts
	v.SetDefault("alerts.enabled", false)
	v.SetDefault("alerts.telegram.enabled", false)
	v.SetDefault("alerts.telegram.bot_token", "")
	v.SetDefault("alerts.telegram.chat_ids", []int64{})

	v.SetDefault("baseline_file", "")
}

// Note: Comprehensive validation is in validation.go
// The Config.Validate() method is called during Load()

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetControlAddr returns the control server address
func (c *ControlConfig) GetControlAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LimiterSettings converts the limiter section
func (c *Config) LimiterSettings() ratelimit.Settings {
	l := c.Limiter
	return ratelimit.Settings{
		MinSpacing:         l.MinSpacing,
		PerMinuteCeiling:   l.PerMinuteCeiling,
		Window:             l.Window,
		InitialBurstLimit:  l.InitialBurstLimit,
		InitialRecovery:    l.InitialRecovery,
		RecoveryMultiplier: l.RecoveryMultiplier,
		MaxRecovery:        l.MaxRecovery,
		MinBurstLimit:      l.MinBurstLimit,
		BufferFloor:        l.BufferFloor,
		BufferRatio:        l.BufferRatio,
	}
}

// StatsClientConfig converts the api and breaker sections
func (c *Config) StatsClientConfig() stats.ClientConfig {
	return stats.ClientConfig{
		BaseURL:   c.API.BaseURL,
		StatsPath: c.API.StatsPath,
		Timeout:   c.API.Timeout,
		Request: stats.RequestOptions{
			BuyingAmount: c.API.BuyingAmount,
			TriggerMode:  c.API.TriggerMode,
			FromDate:     c.API.FromDate,
			ToDate:       c.API.ToDate,
			TakeProfits:  append([]stats.TakeProfit(nil), c.API.TakeProfits...),
		},
		Breaker: stats.BreakerSettings{
			MinRequests:     c.Breaker.MinRequests,
			FailureRatio:    c.Breaker.FailureRatio,
			OpenTimeout:     c.Breaker.OpenTimeout,
			HalfOpenMaxReqs: c.Breaker.HalfOpenMaxReqs,
			CountInterval:   c.Breaker.CountInterval,
		},
	}
}

// ScoringSettings converts the scoring section
func (c *Config) ScoringSettings() backtest.ScoringConfig {
	s := c.Scoring
	return backtest.ScoringConfig{
		Mode:             backtest.ScoreMode(strings.ToLower(s.Mode)),
		Weights:          s.Weights,
		MediumThreshold:  s.MediumThreshold,
		LargeThreshold:   s.LargeThreshold,
		MinWinRateSmall:  s.MinWinRateSmall,
		MinWinRateMedium: s.MinWinRateMedium,
		MinWinRateLarge:  s.MinWinRateLarge,
		ThresholdScale:   s.ThresholdScale,
	}
}

// EvaluatorSettings converts the scoring, cache and retry sections
func (c *Config) EvaluatorSettings() evaluator.Settings {
	return evaluator.Settings{
		Scoring:        c.ScoringSettings(),
		MinTotalTokens: c.Scoring.MinTotalTokens,
		CacheCapacity:  c.Cache.Capacity,
		Retry: evaluator.RetryPolicy{
			MaxRateLimitAttempts: c.Retry.MaxRateLimitAttempts,
			RateLimitBaseDelay:   c.Retry.RateLimitBaseDelay,
			RateLimitMaxDelay:    c.Retry.RateLimitMaxDelay,
			TransientRetries:     c.Retry.TransientRetries,
			TransientDelay:       c.Retry.TransientDelay,
		},
	}
}

// OptimizerSettings converts the optimizer section
func (c *Config) OptimizerSettings() optimizer.Settings {
	o := c.Optimizer
	return optimizer.Settings{
		TimeBudget:  o.TimeBudget,
		TargetScore: o.TargetScore,
		Limits: optimizer.PhaseLimits{
			Sweep:      o.Phases.Sweep,
			LHS:        o.Phases.LHS,
			Correlated: o.Phases.Correlated,
			Annealing:  o.Phases.Annealing,
			DeepDive:   o.Phases.DeepDive,
		},
		SweepValues:       o.SweepValues,
		LHSTopK:           o.LHSTopK,
		LHSSamples:        o.LHSSamples,
		AnnealInitialTemp: o.AnnealInitialTemp,
		AnnealCooling:     o.AnnealCooling,
		AnnealMinTemp:     o.AnnealMinTemp,
		AnnealPerturb:     o.AnnealPerturb,
		AnnealMaxParams:   o.AnnealMaxParams,
		DeepDiveParams:    o.DeepDiveParams,
		DeepDiveSteps:     o.DeepDiveSteps,
	}
}

// ChainSettings converts the chain section. A single optimize run is a
// chain of one run lasting the optimizer time budget.
func (c *Config) ChainSettings() chain.Settings {
	return chain.Settings{
		Runs:        c.Chain.Runs,
		RunDuration: c.Chain.RunDuration,
		Optimizer:   c.OptimizerSettings(),
	}
}

// SingleRunSettings returns chain settings for one run of optimizer.time_budget
func (c *Config) SingleRunSettings() chain.Settings {
	return chain.Settings{
		Runs:        1,
		RunDuration: c.Optimizer.TimeBudget,
		Optimizer:   c.OptimizerSettings(),
	}
}

// EventsConfig converts the nats section
func (c *Config) EventsConfig() events.Config {
	return events.Config{URL: c.NATS.URL, Prefix: c.NATS.Prefix}
}

// PinSet converts the pins section
func (c *Config) PinSet() (filters.PinSet, error) {
	values := make(map[string]filters.Value, len(c.Pins))
	for _, p := range c.Pins {
		v, err := filters.ValueOf(p.Value)
		if err != nil {
			return nil, fmt.Errorf("pin %q: %w", p.Name, err)
		}
		values[p.Name] = v
	}
	return filters.NewPinSet(values)
}

// Seed returns the configured seed, or a wall-clock seed when unset
func (c *Config) Seed() int64 {
	if c.Optimizer.Seed != 0 {
		return c.Optimizer.Seed
	}
	return time.Now().UnixNano()
}
