// Package jobs runs the periodic housekeeping of the dispatch service.
package jobs

import (
	"context"
	"sync"
	"time"

	"cafe/dispatch-service/internal/clock"

	"go.uber.org/zap"
)

type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Start runs every job on its own ticker until ctx is cancelled, then waits
// for in-flight runs to return.
func Start(ctx context.Context, logger *zap.Logger, jobs ...Job) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var wg sync.WaitGroup
	for _, job := range jobs {
		if job.Interval <= 0 || job.Run == nil {
			logger.Warn("job skipped", zap.String("job", job.Name))
			continue
		}
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			loop(ctx, logger, job)
		}(job)
	}
	wg.Wait()
}

func loop(ctx context.Context, logger *zap.Logger, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := job.Run(ctx); err != nil {
				logger.Warn("job failed", zap.String("job", job.Name), zap.Error(err))
			}
		}
	}
}

type closedPruner interface {
	PruneClosed(cutoff time.Time) int
}

// PruneClosedJob forgets resolved assignments and ended sessions older than
// retention from the in-memory lookups. Persisted rows are kept.
func PruneClosedJob(interval, retention time.Duration, clk clock.Clock, logger *zap.Logger, assignments, sessions closedPruner) Job {
	return Job{
		Name:     "prune-closed",
		Interval: interval,
		Run: func(ctx context.Context) error {
			cutoff := clk.Now().Add(-retention)
			a := assignments.PruneClosed(cutoff)
			s := sessions.PruneClosed(cutoff)
			if a > 0 || s > 0 {
				logger.Info("pruned closed entities", zap.Int("assignments", a), zap.Int("sessions", s))
			}
			return nil
		},
	}
}

type staleExpirer interface {
	ExpireStale(ctx context.Context, maxAge time.Duration) []string
}

// StaleStaffJob marks staff disconnected when their device stopped reporting.
func StaleStaffJob(interval, maxAge time.Duration, logger *zap.Logger, staff staleExpirer) Job {
	return Job{
		Name:     "expire-stale-staff",
		Interval: interval,
		Run: func(ctx context.Context) error {
			expired := staff.ExpireStale(ctx, maxAge)
			if len(expired) > 0 {
				logger.Info("expired stale staff", zap.Strings("staff_ids", expired), zap.Duration("max_age", maxAge))
			}
			return nil
		},
	}
}

type unvalidatedSweeper interface {
	SweepUnvalidated(ctx context.Context, cutoff time.Time) int
}

func UnvalidatedSessionJob(interval, ttl time.Duration, clk clock.Clock, logger *zap.Logger, sessions unvalidatedSweeper) Job {
	return Job{
		Name:     "sweep-unvalidated-sessions",
		Interval: interval,
		Run: func(ctx context.Context) error {
			if n := sessions.SweepUnvalidated(ctx, clk.Now().Add(-ttl)); n > 0 {
				logger.Info("terminated unvalidated sessions", zap.Int("count", n), zap.Duration("ttl", ttl))
			}
			return nil
		},
	}
}

type bucketPruner interface {
	Prune(cutoff time.Time) int
}

func RateLimitPruneJob(interval time.Duration, clk clock.Clock, limiter bucketPruner) Job {
	return Job{
		Name:     "prune-rate-limit-buckets",
		Interval: interval,
		Run: func(ctx context.Context) error {
			limiter.Prune(clk.Now().Add(-interval))
			return nil
		},
	}
}
