package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatpulse/internal/alerting"
	"github.com/lvonguyen/threatpulse/internal/classifier"
	"github.com/lvonguyen/threatpulse/internal/config"
	"github.com/lvonguyen/threatpulse/internal/dashboard"
	"github.com/lvonguyen/threatpulse/internal/ingest"
	"github.com/lvonguyen/threatpulse/internal/observability"
	"github.com/lvonguyen/threatpulse/internal/realtime"
	"github.com/lvonguyen/threatpulse/internal/scoring"
	"github.com/lvonguyen/threatpulse/internal/sources"
	"github.com/lvonguyen/threatpulse/internal/store"
)

// app holds the services built from one configuration.
type app struct {
	cfg        *config.Config
	telemetry  *observability.Telemetry
	logger     *zap.Logger
	store      *store.Store
	redis      *redis.Client
	hub        *realtime.Hub
	dispatcher *alerting.Dispatcher
	engine     *scoring.Engine
	ingest     *ingest.Service
	dashboard  *dashboard.Service
	watcher    *classifier.Watcher
	closers    []func()
}

func newApp(ctx context.Context, path string) (*app, error) {
	cfg, found, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}

	tel, err := observability.New(observability.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: Version,
		Environment:    cfg.Telemetry.Environment,
		LogLevel:       cfg.Logging.Level,
		LogFormat:      cfg.Logging.Format,
		TracingEnabled: cfg.Telemetry.EnableTracing,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		SamplingRate:   cfg.Telemetry.SampleRate,
		MetricsEnabled: cfg.Telemetry.EnableMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	logger := tel.Logger()
	if !found {
		logger.Warn("Config file not found, using defaults", zap.String("path", path))
	}

	a := &app{cfg: cfg, telemetry: tel, logger: logger}

	a.store, err = store.Open(store.Options{
		Path:         cfg.Store.Path,
		BusyTimeout:  cfg.Store.BusyTimeout,
		MaxOpenConns: cfg.Store.MaxOpenConns,
	}, logger)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	a.closers = append(a.closers, func() { a.store.Close() })

	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: os.Getenv(cfg.Redis.PasswordEnv),
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		a.closers = append(a.closers, func() { a.redis.Close() })
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := a.redis.Ping(pingCtx).Err(); err != nil {
			logger.Warn("Redis unreachable, continuing without shared cache", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		cancel()
	}

	metrics := tel.Metrics()

	// Alerting
	a.hub = realtime.NewHub(logger, realtime.WithMetrics(metrics))
	a.closers = append(a.closers, a.hub.Close)
	channels, closeChannels := alerting.ChannelsFromConfig(cfg.Alerts, a.hub, logger)
	a.closers = append(a.closers, closeChannels)
	a.dispatcher = alerting.NewDispatcher(a.store, logger,
		alerting.WithChannels(channels...),
		alerting.WithTimeout(cfg.Alerts.Timeout),
		alerting.WithDefaultRole(cfg.Alerts.DefaultRole),
		alerting.WithMetrics(metrics),
	)

	// Scoring
	engineOpts := []scoring.Option{
		scoring.WithDispatcher(a.dispatcher),
		scoring.WithMetrics(metrics),
	}
	if cfg.Scoring.ClassifierPath != "" {
		w, err := classifier.NewWatcher(cfg.Scoring.ClassifierPath, logger)
		if err != nil {
			logger.Warn("Classifier unavailable, scoring with rules only",
				zap.String("path", cfg.Scoring.ClassifierPath), zap.Error(err))
		} else {
			a.watcher = w
			engineOpts = append(engineOpts, scoring.WithClassifier(w))
		}
	}
	a.engine = scoring.NewEngine(a.store, logger, engineOpts...)

	// Ingestion
	srcs := sources.FromConfig(cfg.Feeds, sources.WithLogger(logger))
	orch := ingest.NewOrchestrator(srcs, metrics, logger)
	merger := ingest.NewMerger(a.store, metrics, logger)
	svcOpts := []ingest.ServiceOption{
		ingest.WithMetrics(metrics),
		ingest.WithBatchTimeout(cfg.Store.BatchTimeout),
	}
	if cfg.Scoring.ScoreAfterIngest {
		svcOpts = append(svcOpts, ingest.WithScorer(a.engine))
	}
	if a.redis != nil {
		svcOpts = append(svcOpts, ingest.WithSummaryCache(ingest.NewRedisSummaryCache(a.redis, cfg.Redis.CacheTTL)))
	}
	a.ingest = ingest.NewService(orch, merger, logger, svcOpts...)

	a.dashboard = dashboard.NewService(a.store, a.engine)

	logger.Info("ThreatPulse initialized",
		zap.Strings("sources", orch.Sources()),
		zap.Strings("channels", a.dispatcher.Channels()),
		zap.Bool("classifier", a.watcher != nil),
	)
	return a, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close(ctx context.Context) {
	if a.watcher != nil {
		a.watcher.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "telemetry shutdown:", err)
	}
}
