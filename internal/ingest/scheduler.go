package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Runner is what the scheduler triggers.
type Runner interface {
	IngestAll(ctx context.Context) (*Summary, error)
}

// Scheduler triggers ingestion runs on a cron schedule.
type Scheduler struct {
	cron    *cron.Cron
	runner  Runner
	timeout time.Duration
	logger  *zap.Logger
	entry   cron.EntryID
}

// NewScheduler creates a scheduler. spec accepts standard five-field cron
// expressions and descriptors such as "@every 1h".
func NewScheduler(runner Runner, spec string, timeout time.Duration, logger *zap.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:    cron.New(),
		runner:  runner,
		timeout: timeout,
		logger:  logger,
	}
	id, err := s.cron.AddFunc(spec, s.run)
	if err != nil {
		return nil, fmt.Errorf("add ingest schedule %q: %w", spec, err)
	}
	s.entry = id
	return s, nil
}

// Start begins the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Ingest scheduler started", zap.Time("next_run", s.Next()))
}

// Stop waits for a running job to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		s.logger.Info("Ingest scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Ingest scheduler stop timeout")
		return ctx.Err()
	}
}

// Next returns the next scheduled run, zero before Start.
func (s *Scheduler) Next() time.Time {
	return s.cron.Entry(s.entry).Next
}

func (s *Scheduler) run() {
	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	summary, err := s.runner.IngestAll(ctx)
	switch {
	case errors.Is(err, ErrIngestInProgress):
		s.logger.Info("Scheduled ingestion skipped, a run is in progress")
	case err != nil:
		s.logger.Error("Scheduled ingestion failed", zap.Error(err))
	default:
		s.logger.Info("Scheduled ingestion finished",
			zap.Int("upserted", summary.Upserted),
			zap.Int("inserted", summary.Inserted),
			zap.Strings("failed", summary.Failed),
		)
	}
}
