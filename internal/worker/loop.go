// Package worker runs the claim → execute → settle cycle.
package worker

import (
	"context"
	"strconv"
	"time"

	boff "github.com/Andrej220/go-utils/backoff"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/claim"
	"github.com/SirClappington/jobq/internal/domain"
	"github.com/SirClappington/jobq/internal/executor"
	"github.com/SirClappington/jobq/internal/metrics"
	"github.com/SirClappington/jobq/internal/storage"
)

type Claimer interface {
	Claim(ctx context.Context) (domain.Job, error)
}

type Settler interface {
	Complete(ctx context.Context, jobID string) (domain.Job, error)
	Fail(ctx context.Context, jobID string, cause error) (domain.Job, error)
}

type Options struct {
	// IdleBackoff is the pause after a cycle that found nothing to do.
	IdleBackoff time.Duration
	// MaxWait caps the pause while every queued job is still backing off.
	MaxWait time.Duration

	OutageInitial time.Duration
	OutageMax     time.Duration
}

// Loop is one sequential worker. It holds at most one job at a time.
type Loop struct {
	id      string
	claimer Claimer
	exec    executor.Executor
	settler Settler
	clock   clockwork.Clock
	logger  *zap.Logger
	opts    Options
}

func NewLoop(id string, claimer Claimer, exec executor.Executor, settler Settler, clock clockwork.Clock, logger *zap.Logger, opts Options) *Loop {
	if opts.MaxWait < opts.IdleBackoff {
		opts.MaxWait = opts.IdleBackoff
	}
	return &Loop{
		id:      id,
		claimer: claimer,
		exec:    exec,
		settler: settler,
		clock:   clock,
		logger:  logger.With(zap.String("worker_id", id)),
		opts:    opts,
	}
}

func (l *Loop) ID() string { return l.id }

// RunOnce claims one job, runs it and settles the attempt. Errors from Claim are returned
// unchanged. Once a job is claimed, cancelling ctx no longer interrupts it: execution and
// settlement finish on a detached context.
func (l *Loop) RunOnce(ctx context.Context) error {
	job, err := l.claimer.Claim(ctx)
	if err != nil {
		return err
	}
	logger := l.logger.With(zap.String("job_id", job.ID), zap.String("lane", string(job.Priority)))
	logger.Info("job started", zap.Int("retry_count", job.RetryCount))

	work := context.WithoutCancel(ctx)
	start := l.clock.Now()
	execErr := l.exec.Execute(work, job)
	metrics.ExecutionSeconds.
		WithLabelValues(string(job.Type), strconv.FormatBool(execErr == nil)).
		Observe(l.clock.Since(start).Seconds())

	return errors.Wrapf(l.settle(work, job.ID, execErr, logger), "settle job %s", job.ID)
}

// settle records the outcome of an attempt. A job left processing is only recovered by the
// reaper, so store failures are retried with the outage backoff until the write lands or ctx
// is cancelled. Domain errors end the attempt immediately.
func (l *Loop) settle(ctx context.Context, jobID string, execErr error, logger *zap.Logger) error {
	bo := boff.New(l.opts.OutageInitial, l.opts.OutageMax, l.clock.Now().UnixNano())
	for {
		var err error
		if execErr == nil {
			_, err = l.settler.Complete(ctx, jobID)
		} else {
			_, err = l.settler.Fail(ctx, jobID, execErr)
		}
		if err == nil || storage.IsDomainError(err) || ctx.Err() != nil {
			return err
		}
		delay := bo.Next()
		metrics.StoreOutagesTotal.Inc()
		logger.Error("settle failed; retrying", zap.Duration("delay", delay), zap.Error(err))
		select {
		case <-ctx.Done():
			return err
		case <-l.clock.After(delay):
		}
	}
}

// Run repeats RunOnce until ctx is cancelled. Consistency faults are logged and skipped; any
// other store or lane error pauses the loop with a growing backoff that resets after the next
// healthy cycle.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("worker started")
	defer l.logger.Info("worker stopped")

	bo := boff.New(l.opts.OutageInitial, l.opts.OutageMax, l.clock.Now().UnixNano())
	inOutage := false
	for ctx.Err() == nil {
		err := l.RunOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}

		wait, outage := l.classify(err)
		if outage {
			inOutage = true
			wait = bo.Next()
			metrics.StoreOutagesTotal.Inc()
			l.logger.Error("store unavailable; pausing", zap.Duration("delay", wait), zap.Error(err))
		} else if inOutage {
			inOutage = false
			bo = boff.New(l.opts.OutageInitial, l.opts.OutageMax, l.clock.Now().UnixNano())
			l.logger.Info("store reachable again")
		}

		if wait > 0 {
			select {
			case <-l.clock.After(wait):
			case <-ctx.Done():
			}
		}
	}
	return nil
}

// classify returns how long to pause after a cycle that ended with err, and whether err means
// the store or the lanes could not be reached.
func (l *Loop) classify(err error) (time.Duration, bool) {
	var (
		notReady *claim.NotReadyError
		orphan   *domain.OrphanedQueueEntryError
	)
	switch {
	case err == nil:
		return 0, false
	case errors.Is(err, claim.ErrNoJob):
		return l.opts.IdleBackoff, false
	case errors.As(err, &notReady):
		wait := notReady.Until.Sub(l.clock.Now())
		return min(max(wait, l.opts.IdleBackoff), l.opts.MaxWait), false
	case errors.As(err, &orphan):
		l.logger.Warn("dropped queue entry without a job record",
			zap.String("job_id", orphan.ID),
			zap.String("lane", string(orphan.Lane)),
		)
		return 0, false
	case storage.IsDomainError(err):
		l.logger.Warn("dropped queue entry", zap.Error(err))
		return 0, false
	}
	return 0, true
}
