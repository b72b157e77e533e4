// Package reaper returns jobs stuck in processing to the retry path. A worker that dies after
// claiming leaves its job in processing forever; the reaper settles such jobs as failed
// attempts once they have been held longer than the claim timeout.
package reaper

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/domain"
	"github.com/SirClappington/jobq/internal/metrics"
	"github.com/SirClappington/jobq/internal/retry"
)

type Lister interface {
	ListProcessing(ctx context.Context, claimedBefore time.Time, limit int) ([]string, error)
}

type Expirer interface {
	Expire(ctx context.Context, jobID string, claimedBefore time.Time) (domain.Job, error)
}

type Options struct {
	ClaimTimeout time.Duration
	Batch        int
}

type Reaper struct {
	store  Lister
	sched  Expirer
	clock  clockwork.Clock
	logger *zap.Logger
	opts   Options
}

func New(store Lister, sched Expirer, clock clockwork.Clock, logger *zap.Logger, opts Options) *Reaper {
	return &Reaper{store: store, sched: sched, clock: clock, logger: logger.Named("reaper"), opts: opts}
}

// Sweep expires up to Batch jobs claimed before now minus ClaimTimeout and returns how many it
// settled. Jobs that finish while the sweep runs are skipped.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	cutoff := r.clock.Now().Add(-r.opts.ClaimTimeout)
	ids, err := r.store.ListProcessing(ctx, cutoff, r.opts.Batch)
	if err != nil {
		return 0, err
	}

	var (
		reaped int
		errs   error
	)
	for _, id := range ids {
		job, err := r.sched.Expire(ctx, id, cutoff)
		var nf *domain.NotFoundError
		switch {
		case errors.Is(err, retry.ErrNotStuck), errors.As(err, &nf):
			continue
		case err != nil:
			errs = multierr.Append(errs, errors.Wrapf(err, "expire %s", id))
			continue
		}
		reaped++
		metrics.JobsReapedTotal.Inc()
		r.logger.Warn("reclaimed stuck job",
			zap.String("job_id", id),
			zap.String("status", string(job.Status)),
			zap.Int("retry_count", job.RetryCount),
		)
	}
	return reaped, errs
}

// Run sweeps on schedule, a standard cron expression or descriptor, until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context, schedule string) error {
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return errors.Wrapf(err, "parse reaper schedule %q", schedule)
	}
	r.logger.Info("reaper started", zap.String("schedule", schedule), zap.Duration("claim_timeout", r.opts.ClaimTimeout))

	for {
		now := r.clock.Now()
		select {
		case <-ctx.Done():
			return nil
		case <-r.clock.After(sched.Next(now).Sub(now)):
		}

		n, err := r.Sweep(ctx)
		if err != nil {
			r.logger.Error("sweep failed", zap.Int("reaped", n), zap.Error(err))
			continue
		}
		if n > 0 {
			r.logger.Info("sweep finished", zap.Int("reaped", n))
		}
	}
}
