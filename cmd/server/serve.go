package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatpulse/internal/api"
	"github.com/lvonguyen/threatpulse/internal/api/gateway"
	"github.com/lvonguyen/threatpulse/internal/ingest"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, realtime alerts and scheduled ingestion",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context) error {
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	logger := a.logger
	cfg := a.cfg

	logger.Info("Starting ThreatPulse",
		zap.String("version", Version),
		zap.String("commit", GitCommit),
		zap.String("config", configPath),
	)

	a.telemetry.StartSystemMetricsCollector(ctx)

	if a.watcher != nil && cfg.Scoring.WatchClassifier {
		if err := a.watcher.Start(ctx); err != nil {
			logger.Warn("Classifier hot reload disabled", zap.Error(err))
		}
	}

	var sched *ingest.Scheduler
	if cfg.Schedule.Enabled {
		sched, err = ingest.NewScheduler(a.ingest, cfg.Schedule.IngestCron, cfg.Schedule.RunTimeout, logger)
		if err != nil {
			a.close(context.Background())
			return err
		}
		sched.Start()
	}

	deps := api.Deps{
		Store:       a.store,
		Ingester:    a.ingest,
		Analyzer:    a.engine,
		Publisher:   a.dispatcher,
		Dashboard:   a.dashboard,
		Subscribers: a.hub,
		Metrics:     a.telemetry.Metrics(),
	}
	if cfg.Telemetry.EnableMetrics {
		deps.MetricsHandler = a.telemetry.MetricsHandler()
		deps.MetricsPath = cfg.Telemetry.MetricsPath
	}
	if cfg.RateLimit.Enabled {
		var counter gateway.Counter
		if a.redis != nil {
			counter = gateway.NewRedisCounter(a.redis)
		}
		limiter := gateway.NewRateLimiter(counter, gateway.RateLimitConfig{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			BurstSize:         cfg.RateLimit.BurstSize,
			IncludeHeaders:    true,
		}, logger)
		deps.RateLimit = limiter.Middleware
	}

	srv := api.New(deps, Version, cfg.Server.RequestTimeout, logger)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err = <-errCh:
		logger.Error("Server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Close subscribers first; hijacked connections are not tracked by Shutdown.
	a.hub.Close()
	if sErr := server.Shutdown(shutdownCtx); sErr != nil {
		logger.Error("Shutdown error", zap.Error(sErr))
	}
	if sched != nil {
		if sErr := sched.Stop(shutdownCtx); sErr != nil {
			logger.Warn("Scheduler did not stop cleanly", zap.Error(sErr))
		}
	}
	logger.Info("Server stopped")
	a.close(shutdownCtx)
	return err
}
