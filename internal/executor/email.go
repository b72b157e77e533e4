package executor

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/domain"
)

// ErrSimulatedFailure is the failure EmailSender injects at its configured rate.
var ErrSimulatedFailure = errors.New("simulated random failure")

type EmailOptions struct {
	Latency     time.Duration
	FailureRate float64
	Seed        uint64
}

// EmailSender stands in for a mail provider: it waits Latency and then fails with probability
// FailureRate.
type EmailSender struct {
	opts   EmailOptions
	clock  clockwork.Clock
	logger *zap.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewEmailSender(opts EmailOptions, clock clockwork.Clock, logger *zap.Logger) *EmailSender {
	return &EmailSender{
		opts:   opts,
		clock:  clock,
		logger: logger,
		rnd:    rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
	}
}

func (s *EmailSender) Execute(ctx context.Context, job domain.Job) error {
	p, err := domain.DecodeEmailPayload(job.Payload)
	if err != nil {
		return errors.Wrap(err, "decode email payload")
	}
	s.logger.Info("sending email", zap.String("job_id", job.ID), zap.String("to", p.To))

	if s.opts.Latency > 0 {
		select {
		case <-s.clock.After(s.opts.Latency):
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "send interrupted")
		}
	}
	if s.roll() {
		return ErrSimulatedFailure
	}
	return nil
}

func (s *EmailSender) roll() bool {
	if s.opts.FailureRate <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.Float64() < s.opts.FailureRate
}
