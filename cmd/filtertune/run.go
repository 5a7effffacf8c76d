package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/filtertune/internal/alerts"
	"github.com/ajitpratap0/filtertune/internal/api"
	"github.com/ajitpratap0/filtertune/internal/chain"
	"github.com/ajitpratap0/filtertune/internal/config"
	"github.com/ajitpratap0/filtertune/internal/evaluator"
	"github.com/ajitpratap0/filtertune/internal/events"
	"github.com/ajitpratap0/filtertune/internal/metrics"
	"github.com/ajitpratap0/filtertune/internal/optimizer"
	"github.com/ajitpratap0/filtertune/internal/ratelimit"
	"github.com/ajitpratap0/filtertune/internal/source"
	"github.com/ajitpratap0/filtertune/internal/stats"
	"github.com/ajitpratap0/filtertune/pkg/backtest"
	"github.com/ajitpratap0/filtertune/pkg/filters"
)

// runOptions are the output switches shared by optimize and chain
type runOptions struct {
	apply      bool   // Push the best config to the config source
	output     string // Write the best config as YAML
	checkpoint string // Rewrite the best config on every improvement
	json       bool   // Print the report as JSON
	verify     bool   // Check dependency reachability first
}

// search is one fully wired search and its supporting services
type search struct {
	cfg       *config.Config
	log       zerolog.Logger
	registry  *prometheus.Registry
	collector *metrics.Collector
	limiter   *ratelimit.Limiter
	evaluator *evaluator.Evaluator
	chain     *chain.Chain
	publisher *events.Publisher
	notifier  *alerts.SearchNotifier
	hub       *api.Hub
	redis     *redis.Client
	source    source.Source
}

// newSearch wires the stats client, gate, evaluator and chain from cfg
func newSearch(cfg *config.Config, settings chain.Settings, opts runOptions) (*search, error) {
	s := &search{
		cfg:      cfg,
		log:      config.NewLogger("search"),
		registry: prometheus.NewRegistry(),
	}
	s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.collector = metrics.NewCollector(s.registry)

	pins, err := cfg.PinSet()
	if err != nil {
		return nil, err
	}

	clientOpts := []stats.Option{
		stats.WithObserver(s.collector),
		stats.WithLogger(config.NewLogger("stats")),
	}
	var chainOpts []chain.Option
	if cfg.Alerts.Enabled {
		s.notifier, err = newNotifier(cfg.Alerts)
		if err != nil {
			return nil, err
		}
		clientOpts = append(clientOpts, stats.WithObserver(s.notifier))
		chainOpts = append(chainOpts, chain.WithReporter(s.notifier))
	}

	client, err := stats.NewClient(cfg.StatsClientConfig(), clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create stats client: %w", err)
	}

	s.limiter, err = ratelimit.New(cfg.LimiterSettings(), nil, config.NewLogger("ratelimit"))
	if err != nil {
		return nil, err
	}

	s.evaluator, err = evaluator.New(client, s.limiter, cfg.EvaluatorSettings(),
		evaluator.WithPins(pins),
		evaluator.WithRecorder(s.collector),
		evaluator.WithLogger(config.NewLogger("evaluator")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create evaluator: %w", err)
	}

	env := optimizer.NewEnv(s.evaluator, pins, cfg.Seed(), config.NewLogger("optimizer"))
	var observers optimizer.Observers
	if opts.checkpoint != "" {
		observers = append(observers, newCheckpointer(opts.checkpoint, s.log))
	}

	if cfg.Control.Enabled {
		s.hub = api.NewHub(cfg.Control.AllowedOrigins...)
		observers = append(observers, s.hub)
		chainOpts = append(chainOpts, chain.WithReporter(s.hub))
	}

	if cfg.NATS.Enabled {
		s.publisher, err = events.Connect(cfg.EventsConfig())
		if err != nil {
			s.close()
			return nil, err
		}
		observers = append(observers, s.publisher)
		chainOpts = append(chainOpts, chain.WithReporter(s.publisher))
	}
	env.Observer = observers

	s.chain, err = chain.New(env, settings, chainOpts...)
	if err != nil {
		s.close()
		return nil, err
	}
	if s.publisher != nil {
		s.publisher.SetChainID(s.chain.ID())
	}
	s.log = config.NewRunLogger("search", s.chain.ID())

	switch {
	case cfg.Redis.Enabled:
		s.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.GetRedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		s.redis.AddHook(s.collector.NewRedisHook())
		s.source = source.NewRedisSource(s.redis, cfg.Redis.KeyPrefix)
	case cfg.BaselineFile != "":
		s.source = source.NewFileSource(cfg.BaselineFile)
	}

	return s, nil
}

// baseline returns the starting configuration: the live config from the
// configured source when it has one, otherwise the built-in default
func (s *search) baseline(ctx context.Context) (filters.Config, error) {
	if s.source == nil {
		s.log.Info().Msg("No config source configured, starting from the default baseline")
		return filters.DefaultBaseline(), nil
	}
	cfg, err := s.source.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read baseline: %w", err)
	}
	if cfg.SetCount() == 0 {
		s.log.Warn().Msg("Config source is empty, starting from the default baseline")
		return filters.DefaultBaseline(), nil
	}
	return cfg, nil
}

// run executes the chain alongside the metrics server, the control server
// and the gauge updater, and stops them when the chain returns
func (s *search) run(ctx context.Context, baseline filters.Config) (*backtest.ChainReport, error) {
	g, gctx := errgroup.WithContext(ctx)
	svcCtx, stopServices := context.WithCancel(gctx)

	var metricsSrv *metrics.Server
	if s.cfg.Monitoring.EnableMetrics {
		metricsSrv = metrics.NewServer(s.cfg.Monitoring.PrometheusPort, s.registry, config.NewLogger("metrics"))
		if err := metricsSrv.Start(); err != nil {
			stopServices()
			return nil, err
		}
		updater := metrics.NewUpdater(s.collector, s.chain, s.evaluator, s.cfg.Monitoring.UpdateInterval)
		g.Go(func() error {
			updater.Start(svcCtx)
			return nil
		})
	}

	var controlSrv *api.Server
	if s.cfg.Control.Enabled {
		var err error
		controlSrv, err = api.NewServer(api.Config{
			Host:           s.cfg.Control.Host,
			Port:           s.cfg.Control.Port,
			AllowedOrigins: s.cfg.Control.AllowedOrigins,
			Controller:     s.chain,
			Limiter:        s.limiter,
			Evaluator:      s.evaluator,
			Stream:         s.hub,
			Middleware:     []gin.HandlerFunc{s.collector.GinMiddleware()},
		})
		if err != nil {
			stopServices()
			return nil, err
		}
		g.Go(func() error {
			s.hub.Run(svcCtx)
			return nil
		})
		g.Go(controlSrv.Start)
	}

	var report *backtest.ChainReport
	g.Go(func() error {
		defer stopServices()

		var err error
		report, err = s.chain.Run(gctx, baseline)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if controlSrv != nil {
			if stopErr := controlSrv.Stop(shutdownCtx); stopErr != nil {
				s.log.Warn().Err(stopErr).Msg("Control server shutdown failed")
			}
		}
		if metricsSrv != nil {
			if stopErr := metricsSrv.Shutdown(shutdownCtx); stopErr != nil {
				s.log.Warn().Err(stopErr).Msg("Metrics server shutdown failed")
			}
		}
		return err
	})

	if err := g.Wait(); err != nil {
		return report, err
	}
	return report, nil
}

// finish prints the report and writes the best config outward
func (s *search) finish(ctx context.Context, report *backtest.ChainReport, opts runOptions, out io.Writer) error {
	if opts.json {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return fmt.Errorf("failed to encode report: %w", err)
		}
	} else if err := report.WriteText(out); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	if report.BestConfig == nil {
		if opts.apply || opts.output != "" {
			s.log.Warn().Msg("No competitive configuration found, nothing to write")
		}
		return nil
	}

	if opts.output != "" {
		if _, err := source.NewFileSource(opts.output).Apply(ctx, report.BestConfig); err != nil {
			return err
		}
		s.log.Info().Str("path", opts.output).Msg("Best configuration written")
	}

	if opts.apply {
		if s.source == nil {
			return errors.New("--apply needs a config source (redis.enabled or baseline_file)")
		}
		ratio, err := s.source.Apply(ctx, report.BestConfig)
		if err != nil {
			return fmt.Errorf("apply failed (%.0f%% of fields written): %w", ratio*100, err)
		}
		s.log.Info().Float64("success_ratio", ratio).Msg("Best configuration applied")
	}
	return nil
}

// newNotifier builds the alert channels: the log always, Telegram when
// configured
func newNotifier(cfg config.AlertsConfig) (*alerts.SearchNotifier, error) {
	alerters := []alerts.Alerter{alerts.NewLogAlerter()}
	if cfg.Telegram.Enabled {
		tg, err := alerts.NewTelegramAlerter(cfg.Telegram.BotToken, cfg.Telegram.ChatIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to create telegram alerter: %w", err)
		}
		alerters = append(alerters, tg)
	}
	return alerts.NewSearchNotifier(alerts.NewManager(alerters...)), nil
}

// close flushes pending alerts and releases connections
func (s *search) close() {
	if s.notifier != nil {
		s.notifier.Wait()
	}
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Event publisher close failed")
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Redis close failed")
		}
	}
}

// execute runs a full search: verify, wire, run and report
func (a *app) execute(ctx context.Context, settings chain.Settings, opts runOptions, out io.Writer) error {
	if opts.verify {
		v := config.NewValidator(a.cfg, config.DefaultValidatorOptions())
		if err := v.ValidateStartup(ctx); err != nil {
			return err
		}
	}

	s, err := newSearch(a.cfg, settings, opts)
	if err != nil {
		return err
	}
	defer s.close()

	baseline, err := s.baseline(ctx)
	if err != nil {
		return err
	}

	s.log.Info().
		Int("runs", settings.Runs).
		Dur("run_duration", settings.RunDuration).
		Int("pins", len(s.evaluator.Pins())).
		Str("stats_url", a.cfg.API.BaseURL).
		Msg("Starting search")

	report, err := s.run(ctx, baseline)
	if err != nil {
		return err
	}
	return s.finish(context.Background(), report, opts, out)
}
