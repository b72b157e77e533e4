// Package claim hands the next available job to exactly one worker.
//
// Lanes are scanned in tier order. A popped id is claimed by a compare-and-set on its record
// (pending and due → processing), so two workers can never both hold the same job even if an id
// ended up in a lane twice. Ids whose backoff has not elapsed go back to the tail of their own
// lane; ids without a record, or whose record is not pending, are dropped. An id whose record
// could not be reached goes back to the head of its lane so an outage does not reorder it.
package claim

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/domain"
	"github.com/SirClappington/jobq/internal/metrics"
	"github.com/SirClappington/jobq/internal/storage"
)

// DefaultMaxDeferredScan bounds the work one Claim spends rotating delayed ids. High before
// low holds only within that bound: when more delayed ids than this sit ahead of a due job in
// a higher lane, Claim moves on and may hand out a due job from a lower lane first.
const DefaultMaxDeferredScan = 64

// ErrNoJob is returned when every lane is empty.
var ErrNoJob = errors.New("no job available")

// NotReadyError is returned when the lanes only held jobs still waiting out their backoff.
// Until is the earliest time one of them becomes claimable.
type NotReadyError struct {
	Until time.Time
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("no job ready before %s", e.Until.Format(time.RFC3339Nano))
}

type Lanes interface {
	Enqueue(ctx context.Context, lane domain.Priority, jobID string) error
	PushFront(ctx context.Context, lane domain.Priority, jobID string) error
	Pop(ctx context.Context, lane domain.Priority) (string, bool, error)
	BlockingPop(ctx context.Context, lanes []domain.Priority, block time.Duration) (domain.Priority, string, bool, error)
}

type Options struct {
	// BlockTimeout bounds the wait on a blocking pop once all lanes were found empty. Zero or
	// less never blocks.
	BlockTimeout time.Duration
	// MaxDeferredScan caps how many not-yet-due ids are rotated per lane in one attempt.
	// See DefaultMaxDeferredScan.
	MaxDeferredScan int
}

type Claimer struct {
	store    storage.Store
	lanes    Lanes
	clock    clockwork.Clock
	logger   *zap.Logger
	workerID string
	opts     Options
}

func New(store storage.Store, lanes Lanes, clock clockwork.Clock, logger *zap.Logger, workerID string, opts Options) *Claimer {
	if opts.MaxDeferredScan <= 0 {
		opts.MaxDeferredScan = DefaultMaxDeferredScan
	}
	return &Claimer{
		store:    store,
		lanes:    lanes,
		clock:    clock,
		logger:   logger.With(zap.String("worker_id", workerID)),
		workerID: workerID,
		opts:     opts,
	}
}

// Claim returns the next job, already marked processing by this worker. Besides store and lane
// errors it returns ErrNoJob, *NotReadyError, *domain.OrphanedQueueEntryError,
// *domain.InvalidStateTransitionError or *storage.CorruptRecordError; the last three mean a lane
// entry was dropped and the caller may simply try again.
func (c *Claimer) Claim(ctx context.Context) (domain.Job, error) {
	var earliest time.Time
	for _, lane := range domain.Tiers {
		job, ok, until, err := c.scan(ctx, lane)
		if err != nil {
			return domain.Job{}, err
		}
		if ok {
			return job, nil
		}
		earliest = minTime(earliest, until)
	}
	if !earliest.IsZero() {
		return domain.Job{}, &NotReadyError{Until: earliest}
	}
	if c.opts.BlockTimeout <= 0 {
		return domain.Job{}, ErrNoJob
	}

	lane, id, ok, err := c.lanes.BlockingPop(ctx, domain.Tiers, c.opts.BlockTimeout)
	if err != nil {
		return domain.Job{}, err
	}
	if !ok {
		return domain.Job{}, ErrNoJob
	}
	job, until, err := c.take(ctx, lane, id)
	if err != nil {
		return domain.Job{}, err
	}
	if !until.IsZero() {
		return domain.Job{}, &NotReadyError{Until: until}
	}
	return job, nil
}

// scan pops from lane until it claims a job, the lane runs dry, or it has cycled through every
// delayed id. until is the earliest available_after among the ids it put back.
func (c *Claimer) scan(ctx context.Context, lane domain.Priority) (job domain.Job, ok bool, until time.Time, err error) {
	seen := make(map[string]struct{})
	for len(seen) < c.opts.MaxDeferredScan {
		id, found, err := c.lanes.Pop(ctx, lane)
		if err != nil {
			return domain.Job{}, false, time.Time{}, err
		}
		if !found {
			return domain.Job{}, false, until, nil
		}
		if _, again := seen[id]; again {
			return domain.Job{}, false, until, c.putBack(ctx, lane, id)
		}

		job, deferredUntil, err := c.take(ctx, lane, id)
		if err != nil {
			return domain.Job{}, false, time.Time{}, err
		}
		if deferredUntil.IsZero() {
			return job, true, time.Time{}, nil
		}
		seen[id] = struct{}{}
		until = minTime(until, deferredUntil)
	}
	return domain.Job{}, false, until, nil
}

// take claims the record behind a popped id. A delayed id is put back and its available_after
// returned instead of a job.
func (c *Claimer) take(ctx context.Context, lane domain.Priority, id string) (domain.Job, time.Time, error) {
	job, err := c.store.Update(ctx, id, func(j *domain.Job) error {
		return j.Claim(c.clock.Now(), c.workerID)
	})
	if err == nil {
		metrics.JobsClaimedTotal.WithLabelValues(string(lane)).Inc()
		c.logger.Debug("job claimed",
			zap.String("job_id", id),
			zap.String("lane", string(lane)),
			zap.Int("retry_count", job.RetryCount),
		)
		return job, time.Time{}, nil
	}

	var (
		nya *domain.NotYetAvailableError
		nf  *domain.NotFoundError
		ist *domain.InvalidStateTransitionError
		cor *storage.CorruptRecordError
	)
	switch {
	case errors.As(err, &nya):
		if err := c.putBack(ctx, lane, id); err != nil {
			return domain.Job{}, time.Time{}, err
		}
		return domain.Job{}, nya.AvailableAfter, nil
	case errors.As(err, &nf):
		metrics.ConsistencyFaultsTotal.WithLabelValues("orphaned").Inc()
		return domain.Job{}, time.Time{}, &domain.OrphanedQueueEntryError{ID: id, Lane: lane}
	case errors.As(err, &ist):
		metrics.ConsistencyFaultsTotal.WithLabelValues("invalid_transition").Inc()
		return domain.Job{}, time.Time{}, err
	case errors.As(err, &cor):
		metrics.ConsistencyFaultsTotal.WithLabelValues("corrupt").Inc()
		return domain.Job{}, time.Time{}, err
	}

	// The record could not be reached; the id must not be lost with it.
	if perr := c.restore(ctx, lane, id); perr != nil {
		c.logger.Error("popped id could not be returned to its lane",
			zap.String("job_id", id),
			zap.String("lane", string(lane)),
			zap.Error(perr),
		)
	}
	return domain.Job{}, time.Time{}, err
}

// putBack sends a delayed id to the tail of its lane.
func (c *Claimer) putBack(ctx context.Context, lane domain.Priority, id string) error {
	return c.lanes.Enqueue(context.WithoutCancel(ctx), lane, id)
}

// restore returns an id to the head of its lane, where it was popped from.
func (c *Claimer) restore(ctx context.Context, lane domain.Priority, id string) error {
	return c.lanes.PushFront(context.WithoutCancel(ctx), lane, id)
}

func minTime(a, b time.Time) time.Time {
	if a.IsZero() || (!b.IsZero() && b.Before(a)) {
		return b
	}
	return a
}
