package retry

import (
	"context"
	"time"

	boff "github.com/Andrej220/go-utils/backoff"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/domain"
	"github.com/SirClappington/jobq/internal/metrics"
	"github.com/SirClappington/jobq/internal/storage"
)

// ErrNotStuck is returned by Expire when the job was settled or re-claimed in the meantime.
var ErrNotStuck = errors.New("job is no longer stuck in processing")

type Enqueuer interface {
	Enqueue(ctx context.Context, lane domain.Priority, jobID string) error
}

// Scheduler settles attempts: it writes the policy's decision to the record and, for retries,
// puts the id back on the job's own lane. The record is updated before the id is enqueued so
// no consumer can pop an id whose record is still processing.
type Scheduler struct {
	policy Policy
	store  storage.Store
	lanes  Enqueuer
	clock  clockwork.Clock
	logger *zap.Logger

	requeueInitial time.Duration
	requeueMax     time.Duration
}

type Option func(*Scheduler)

// WithRequeueBackoff sets the pause between attempts to put a retried id back on its lane.
func WithRequeueBackoff(initial, maxDelay time.Duration) Option {
	return func(s *Scheduler) {
		s.requeueInitial, s.requeueMax = initial, maxDelay
	}
}

func NewScheduler(policy Policy, store storage.Store, lanes Enqueuer, clock clockwork.Clock, logger *zap.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		policy:         policy,
		store:          store,
		lanes:          lanes,
		clock:          clock,
		logger:         logger,
		requeueInitial: 100 * time.Millisecond,
		requeueMax:     5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.requeueMax < s.requeueInitial {
		s.requeueMax = s.requeueInitial
	}
	return s
}

func (s *Scheduler) Policy() Policy { return s.policy }

func (s *Scheduler) Complete(ctx context.Context, jobID string) (domain.Job, error) {
	return s.settle(ctx, jobID, nil, func(j domain.Job, _ time.Time) (Decision, error) {
		return s.policy.OnSuccess(j), nil
	})
}

func (s *Scheduler) Fail(ctx context.Context, jobID string, cause error) (domain.Job, error) {
	return s.settle(ctx, jobID, cause, func(j domain.Job, now time.Time) (Decision, error) {
		return s.policy.OnFailure(j, now), nil
	})
}

// Expire settles a job that has been processing since before claimedBefore as a failed
// attempt. The check runs inside the record update, so a worker that finishes the job
// concurrently wins and Expire returns ErrNotStuck.
func (s *Scheduler) Expire(ctx context.Context, jobID string, claimedBefore time.Time) (domain.Job, error) {
	return s.settle(ctx, jobID, errors.New("claim timed out"), func(j domain.Job, now time.Time) (Decision, error) {
		if j.Status != domain.Processing || j.ClaimedAt == nil || !j.ClaimedAt.Before(claimedBefore) {
			return Decision{}, ErrNotStuck
		}
		return s.policy.OnFailure(j, now), nil
	})
}

func (s *Scheduler) settle(ctx context.Context, jobID string, cause error, decide func(domain.Job, time.Time) (Decision, error)) (domain.Job, error) {
	now := s.clock.Now()
	var d Decision
	job, err := s.store.Update(ctx, jobID, func(j *domain.Job) error {
		var err error
		if d, err = decide(*j, now); err != nil {
			return err
		}
		return d.Apply(j, now)
	})
	if err != nil {
		return domain.Job{}, err
	}

	logger := s.logger.With(
		zap.String("job_id", job.ID),
		zap.String("lane", string(job.Priority)),
		zap.Int("retry_count", job.RetryCount),
	)
	switch d.Next {
	case domain.Completed:
		metrics.JobsSettledTotal.WithLabelValues(string(job.Priority), "completed").Inc()
		logger.Info("job completed")
	case domain.Pending:
		if err := s.requeue(ctx, job, logger); err != nil {
			logger.Error("retry scheduled but id not requeued", zap.Error(err))
			return job, err
		}
		metrics.JobsSettledTotal.WithLabelValues(string(job.Priority), "retried").Inc()
		logger.Warn("job failed; retry scheduled",
			zap.Duration("delay", d.Delay),
			zap.Time("available_after", d.AvailableAfter),
			zap.NamedError("cause", cause),
		)
	case domain.Failed:
		metrics.JobsSettledTotal.WithLabelValues(string(job.Priority), "failed").Inc()
		logger.Error("job permanently failed", zap.NamedError("cause", cause))
	}
	return job, nil
}

// requeue puts a retried id back on its lane. The record already says pending, so the id
// must reach the lane or the job is unreachable: failures are retried with backoff until
// the enqueue succeeds or ctx is cancelled.
func (s *Scheduler) requeue(ctx context.Context, job domain.Job, logger *zap.Logger) error {
	bo := boff.New(s.requeueInitial, s.requeueMax, s.clock.Now().UnixNano())
	for {
		err := s.lanes.Enqueue(ctx, job.Priority, job.ID)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return errors.Wrapf(err, "requeue job %s", job.ID)
		}
		delay := bo.Next()
		metrics.StoreOutagesTotal.Inc()
		logger.Warn("requeue failed; retrying", zap.Duration("delay", delay), zap.Error(err))
		select {
		case <-ctx.Done():
			return errors.Wrapf(err, "requeue job %s", job.ID)
		case <-s.clock.After(delay):
		}
	}
}
