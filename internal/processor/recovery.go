package processor

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/slotpay/internal/jobs"
	"github.com/onnwee/slotpay/internal/ledger"
)

// RecoveryConfig configures the recovery sweep.
type RecoveryConfig struct {
	// Interval is how often the sweep runs.
	Interval time.Duration
	// StaleAfter is how long an event must sit in received before it is resubmitted.
	StaleAfter time.Duration
	// BatchSize bounds each sweep.
	BatchSize int
}

// DefaultRecoveryConfig sweeps every minute for events older than 2 minutes.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		Interval:   time.Minute,
		StaleAfter: 2 * time.Minute,
		BatchSize:  100,
	}
}

// Submitter accepts events for asynchronous processing.
type Submitter interface {
	Submit(ev *ledger.Event) bool
}

// RecoveryService resubmits events left in the received state by a crash,
// a full queue or a shutdown.
type RecoveryService struct {
	ledger    *ledger.Ledger
	submitter Submitter
	config    RecoveryConfig
	logger    *slog.Logger
	metrics   *jobs.Metrics
	stopChan  chan struct{}
	doneChan  chan struct{}
}

// NewRecoveryService creates a RecoveryService. Zero config values use defaults.
func NewRecoveryService(l *ledger.Ledger, submitter Submitter, config RecoveryConfig, logger *slog.Logger, metrics *jobs.Metrics) *RecoveryService {
	def := DefaultRecoveryConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = def.StaleAfter
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryService{
		ledger:    l,
		submitter: submitter,
		config:    config,
		logger:    logger,
		metrics:   metrics,
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
	}
}

// Start begins the periodic sweep in a background goroutine.
func (s *RecoveryService) Start(ctx context.Context) {
	s.logger.Info("starting webhook recovery sweep",
		slog.Duration("interval", s.config.Interval),
		slog.Duration("stale_after", s.config.StaleAfter),
	)
	go s.run(ctx)
}

// Stop stops the sweep and waits for the current pass to finish.
func (s *RecoveryService) Stop() {
	close(s.stopChan)
	<-s.doneChan
	s.logger.Info("webhook recovery sweep stopped")
}

func (s *RecoveryService) run(ctx context.Context) {
	defer close(s.doneChan)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep resubmits one batch of stale events and returns how many were queued.
func (s *RecoveryService) Sweep(ctx context.Context) int {
	start := time.Now()

	events, err := s.ledger.Stale(ctx, s.config.StaleAfter, s.config.BatchSize)
	if err != nil {
		s.logger.Error("failed to list stale webhook events", slog.String("error", err.Error()))
		s.metrics.IncJobsTotal(jobs.JobTypeRecoverySweep, jobs.StatusFailure)
		s.metrics.IncJobErrors(jobs.JobTypeRecoverySweep, "list_failed")
		return 0
	}

	queued := 0
	for _, ev := range events {
		if s.submitter.Submit(ev) {
			queued++
		}
	}

	s.metrics.IncJobsTotal(jobs.JobTypeRecoverySweep, jobs.StatusSuccess)
	s.metrics.ObserveJobDuration(jobs.JobTypeRecoverySweep, time.Since(start).Seconds())
	if len(events) > 0 {
		s.logger.Info("resubmitted stale webhook events",
			slog.Int("found", len(events)),
			slog.Int("queued", queued),
			slog.Duration("duration", time.Since(start)),
		)
	}
	return queued
}
