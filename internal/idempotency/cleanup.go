package idempotency

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/slotpay/internal/jobs"
)

// CleanupOldKeys removes records older than expiry and returns how many were removed.
func CleanupOldKeys(ctx context.Context, repo Repository, expiry time.Duration, metrics *jobs.Metrics) (int64, error) {
	start := time.Now()
	deleted, err := repo.DeleteOlderThan(ctx, expiry)
	metrics.ObserveJobDuration(jobs.JobTypeIdempotencyCleanup, time.Since(start).Seconds())
	if err != nil {
		slog.ErrorContext(ctx, "failed to cleanup old idempotency keys", "error", err)
		metrics.IncJobsTotal(jobs.JobTypeIdempotencyCleanup, jobs.StatusFailure)
		metrics.IncJobErrors(jobs.JobTypeIdempotencyCleanup, "delete_failed")
		return 0, err
	}

	metrics.IncJobsTotal(jobs.JobTypeIdempotencyCleanup, jobs.StatusSuccess)
	if deleted > 0 {
		slog.InfoContext(ctx, "cleaned up old idempotency keys", "deleted", deleted, "older_than", expiry)
	}
	return deleted, nil
}

// RunPeriodicCleanup runs CleanupOldKeys immediately and then every interval
// until ctx is done or stopChan is closed. It blocks.
func RunPeriodicCleanup(ctx context.Context, repo Repository, interval, expiry time.Duration, metrics *jobs.Metrics, stopChan <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	_, _ = CleanupOldKeys(ctx, repo, expiry, metrics)

	for {
		select {
		case <-ticker.C:
			_, _ = CleanupOldKeys(ctx, repo, expiry, metrics)
		case <-ctx.Done():
			return
		case <-stopChan:
			slog.Info("stopping idempotency key cleanup")
			return
		}
	}
}
