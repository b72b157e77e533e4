package worker_test

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/SirClappington/jobq/internal/claim"
	"github.com/SirClappington/jobq/internal/domain"
	"github.com/SirClappington/jobq/internal/executor/mocks"
	"github.com/SirClappington/jobq/internal/metrics"
	"github.com/SirClappington/jobq/internal/queue"
	"github.com/SirClappington/jobq/internal/retry"
	"github.com/SirClappington/jobq/internal/storage"
	"github.com/SirClappington/jobq/internal/testhelper"
	"github.com/SirClappington/jobq/internal/worker"
)

var t0 = time.Date(2025, 6, 2, 8, 20, 0, 0, time.UTC)

var opts = worker.Options{
	IdleBackoff:   250 * time.Millisecond,
	MaxWait:       time.Second,
	OutageInitial: 100 * time.Millisecond,
	OutageMax:     time.Second,
}

type harness struct {
	mr    *miniredis.Miniredis
	clock *clockwork.FakeClock
	store *storage.RedisStore
	lanes *queue.RedisQ
	exec  *mocks.MockExecutor
	loop  *worker.Loop
}

func newHarness(t *testing.T, logger *zap.Logger) harness {
	mr, rdb := testhelper.Redis(t)
	clock := clockwork.NewFakeClockAt(t0)
	store := storage.NewRedisStore(rdb)
	lanes := queue.New(rdb)
	exec := mocks.NewMockExecutor(gomock.NewController(t))

	claimer := claim.New(store, lanes, clock, logger, "w1", claim.Options{})
	sched := retry.NewScheduler(retry.DefaultPolicy(), store, lanes, clock, logger)
	return harness{
		mr:    mr,
		clock: clock,
		store: store,
		lanes: lanes,
		exec:  exec,
		loop:  worker.NewLoop("w1", claimer, exec, sched, clock, logger, opts),
	}
}

func (h harness) submit(t *testing.T, id string, prio domain.Priority) {
	ctx := context.Background()
	require.NoError(t, h.store.Create(ctx, domain.NewJob(id, domain.SendEmail, prio, json.RawMessage(`{}`), h.clock.Now())))
	require.NoError(t, h.lanes.Enqueue(ctx, prio, id))
}

func (h harness) job(t *testing.T, id string) domain.Job {
	j, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return j
}

func TestSucceedsOnThirdAttempt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, zaptest.NewLogger(t))
	h.submit(t, "a", domain.High)

	gomock.InOrder(
		h.exec.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(errors.New("smtp 451")),
		h.exec.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(errors.New("smtp 451")),
		h.exec.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(nil),
	)

	require.NoError(t, h.loop.RunOnce(ctx))
	j := h.job(t, "a")
	assert.Equal(t, domain.Pending, j.Status)
	assert.Equal(t, 1, j.RetryCount)
	assert.Equal(t, t0.Add(time.Second), j.AvailableAfter)

	// Still backing off: the id stays queued and nothing executes.
	var nr *claim.NotReadyError
	require.True(t, errors.As(h.loop.RunOnce(ctx), &nr))

	h.clock.Advance(time.Second)
	require.NoError(t, h.loop.RunOnce(ctx))
	j = h.job(t, "a")
	assert.Equal(t, 2, j.RetryCount)
	assert.Equal(t, h.clock.Now().Add(2*time.Second), j.AvailableAfter)

	h.clock.Advance(2 * time.Second)
	require.NoError(t, h.loop.RunOnce(ctx))
	j = h.job(t, "a")
	assert.Equal(t, domain.Completed, j.Status)
	assert.Equal(t, 2, j.RetryCount)
	require.NotNil(t, j.CompletedAt)
	assert.Equal(t, "w1", j.ClaimedBy)

	assert.ErrorIs(t, h.loop.RunOnce(ctx), claim.ErrNoJob)
}

func TestFailsAfterThreeAttempts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, zaptest.NewLogger(t))
	h.submit(t, "a", domain.Low)
	h.exec.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(errors.New("bounce")).Times(3)

	for _, backoff := range []time.Duration{time.Second, 2 * time.Second, 0} {
		require.NoError(t, h.loop.RunOnce(ctx))
		h.clock.Advance(backoff)
	}

	j := h.job(t, "a")
	assert.Equal(t, domain.Failed, j.Status)
	assert.Equal(t, 3, j.RetryCount)
	assert.NotNil(t, j.CompletedAt)
	l, _ := h.mr.List("jobs:queue:low")
	assert.Empty(t, l)
	assert.ErrorIs(t, h.loop.RunOnce(ctx), claim.ErrNoJob)
}

func TestRunSurvivesOrphanedEntry(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := newHarness(t, zap.New(core))
	require.NoError(t, h.lanes.Enqueue(context.Background(), domain.High, "ghost"))
	h.submit(t, "real", domain.Low)
	h.exec.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.loop.Run(ctx) }()

	assert.Eventually(t, func() bool {
		j, err := h.store.Get(context.Background(), "real")
		return err == nil && j.Status == domain.Completed
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	dropped := logs.FilterMessage("dropped queue entry without a job record").All()
	require.Len(t, dropped, 1)
	assert.Equal(t, "ghost", dropped[0].ContextMap()["job_id"])
}

func TestShutdownFinishesInFlightJob(t *testing.T) {
	h := newHarness(t, zaptest.NewLogger(t))
	h.submit(t, "a", domain.High)

	ctx, cancel := context.WithCancel(context.Background())
	h.exec.EXPECT().Execute(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, _ domain.Job) error {
		cancel()
		return ctx.Err()
	})

	require.NoError(t, h.loop.Run(ctx))
	assert.Equal(t, domain.Completed, h.job(t, "a").Status)
}

type flakyClaimer struct {
	calls atomic.Int32
	fail  int32
}

func (c *flakyClaimer) Claim(context.Context) (domain.Job, error) {
	if c.calls.Add(1) <= c.fail {
		return domain.Job{}, errors.New("dial tcp: connection refused")
	}
	return domain.Job{}, claim.ErrNoJob
}

func TestRunPausesDuringOutage(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	claimer := &flakyClaimer{fail: 2}
	loop := worker.NewLoop("w1", claimer, nil, nil, clock, zaptest.NewLogger(t), opts)
	before := testutil.ToFloat64(metrics.StoreOutagesTotal)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	// Each failed claim parks the loop on the clock until the pause elapses.
	for want := int32(1); want <= 2; want++ {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		assert.Equal(t, want, claimer.calls.Load())
		clock.Advance(2 * opts.OutageMax)
	}
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, int32(3), claimer.calls.Load())

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.StoreOutagesTotal)-before)
}

// flakySettler fails the first n settle calls with a connection error, then delegates.
type flakySettler struct {
	next  worker.Settler
	fails atomic.Int32
	calls atomic.Int32
}

func (s *flakySettler) Complete(ctx context.Context, id string) (domain.Job, error) {
	s.calls.Add(1)
	if s.fails.Add(-1) >= 0 {
		return domain.Job{}, errors.New("dial tcp: connection refused")
	}
	return s.next.Complete(ctx, id)
}

func (s *flakySettler) Fail(ctx context.Context, id string, cause error) (domain.Job, error) {
	s.calls.Add(1)
	if s.fails.Add(-1) >= 0 {
		return domain.Job{}, errors.New("dial tcp: connection refused")
	}
	return s.next.Fail(ctx, id, cause)
}

func TestSettleRetriesUntilStoreRecovers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	logger := zaptest.NewLogger(t)
	h := newHarness(t, logger)
	h.submit(t, "a", domain.High)
	h.exec.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(nil)

	settler := &flakySettler{next: retry.NewScheduler(retry.DefaultPolicy(), h.store, h.lanes, h.clock, logger)}
	settler.fails.Store(2)
	claimer := claim.New(h.store, h.lanes, h.clock, logger, "w1", claim.Options{})
	loop := worker.NewLoop("w1", claimer, h.exec, settler, h.clock, logger, opts)

	done := make(chan error, 1)
	go func() { done <- loop.RunOnce(ctx) }()
	for range 2 {
		require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
		assert.Equal(t, domain.Processing, h.job(t, "a").Status)
		h.clock.Advance(2 * opts.OutageMax)
	}
	require.NoError(t, <-done)
	assert.Equal(t, int32(3), settler.calls.Load())
	assert.Equal(t, domain.Completed, h.job(t, "a").Status)
}

// downLanes rejects enqueues while down is set.
type downLanes struct {
	*queue.RedisQ
	down atomic.Bool
}

func (d *downLanes) Enqueue(ctx context.Context, lane domain.Priority, id string) error {
	if d.down.Load() {
		return errors.New("dial tcp: connection refused")
	}
	return d.RedisQ.Enqueue(ctx, lane, id)
}

func TestRetriedJobReturnsAfterLaneOutage(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	logger := zaptest.NewLogger(t)
	h := newHarness(t, logger)
	h.submit(t, "a", domain.High)
	gomock.InOrder(
		h.exec.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(errors.New("smtp 451")),
		h.exec.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(nil),
	)

	lanes := &downLanes{RedisQ: h.lanes}
	lanes.down.Store(true)
	sched := retry.NewScheduler(retry.DefaultPolicy(), h.store, lanes, h.clock, logger,
		retry.WithRequeueBackoff(opts.OutageInitial, opts.OutageMax))
	claimer := claim.New(h.store, h.lanes, h.clock, logger, "w1", claim.Options{})
	loop := worker.NewLoop("w1", claimer, h.exec, sched, h.clock, logger, opts)

	done := make(chan error, 1)
	go func() { done <- loop.RunOnce(ctx) }()
	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
	j := h.job(t, "a")
	assert.Equal(t, domain.Pending, j.Status)
	assert.Equal(t, 1, j.RetryCount)
	l, _ := h.mr.List("jobs:queue:high")
	assert.Empty(t, l)

	lanes.down.Store(false)
	h.clock.Advance(2 * opts.OutageMax)
	require.NoError(t, <-done)
	l, _ = h.mr.List("jobs:queue:high")
	assert.Equal(t, []string{"a"}, l)

	h.clock.Advance(time.Second)
	require.NoError(t, loop.RunOnce(ctx))
	assert.Equal(t, domain.Completed, h.job(t, "a").Status)
}
