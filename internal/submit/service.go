// Package submit accepts new jobs and reports their status.
package submit

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/domain"
	"github.com/SirClappington/jobq/internal/metrics"
	"github.com/SirClappington/jobq/internal/storage"
)

type Request struct {
	JobType  domain.JobType  `json:"job_type"`
	Priority domain.Priority `json:"priority"`
	Payload  json.RawMessage `json:"payload"`
}

// normalize validates r and returns its payload re-encoded without unknown fields.
func (r Request) normalize() (json.RawMessage, error) {
	if !r.JobType.Valid() {
		return nil, &domain.ValidationError{Field: "job_type", Reason: "must be send_email"}
	}
	if !r.Priority.Valid() {
		return nil, &domain.ValidationError{Field: "priority", Reason: "must be high or low"}
	}
	if len(r.Payload) == 0 {
		return nil, &domain.ValidationError{Field: "payload", Reason: "is required"}
	}
	p, err := domain.DecodeEmailPayload(r.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

type Lanes interface {
	Enqueue(ctx context.Context, lane domain.Priority, jobID string) error
	Ping(ctx context.Context) error
}

type Service struct {
	store  storage.Store
	lanes  Lanes
	clock  clockwork.Clock
	logger *zap.Logger
	newID  func() string
}

func NewService(store storage.Store, lanes Lanes, clock clockwork.Clock, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		lanes:  lanes,
		clock:  clock,
		logger: logger,
		newID:  func() string { return uuid.New().String() },
	}
}

// Submit validates req, persists a pending record and pushes its id onto the priority's lane.
// The record is written first; if the push fails the record is deleted again so no record is
// left that no worker will ever see.
func (s *Service) Submit(ctx context.Context, req Request) (string, error) {
	payload, err := req.normalize()
	if err != nil {
		return "", err
	}

	job := domain.NewJob(s.newID(), req.JobType, req.Priority, payload, s.clock.Now())
	if err := s.store.Create(ctx, job); err != nil {
		return "", err
	}
	if err := s.lanes.Enqueue(ctx, job.Priority, job.ID); err != nil {
		if derr := s.store.Delete(context.WithoutCancel(ctx), job.ID); derr != nil {
			s.logger.Error("enqueue failed and record could not be removed",
				zap.String("job_id", job.ID),
				zap.Error(derr),
			)
			err = multierr.Append(err, derr)
		}
		return "", errors.Wrap(err, "submit job")
	}

	metrics.JobsSubmittedTotal.WithLabelValues(string(job.Priority)).Inc()
	s.logger.Info("job submitted", zap.String("job_id", job.ID), zap.String("lane", string(job.Priority)))
	return job.ID, nil
}

func (s *Service) Status(ctx context.Context, id string) (domain.Job, error) {
	return s.store.Get(ctx, id)
}

// Ping reports whether the record store and the lanes are reachable.
func (s *Service) Ping(ctx context.Context) error {
	return multierr.Append(s.store.Ping(ctx), s.lanes.Ping(ctx))
}
