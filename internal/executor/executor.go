// Package executor runs the work a job describes.
package executor

//go:generate mockgen -destination=mocks/mock_executor.go -package=mocks github.com/SirClappington/jobq/internal/executor Executor

import (
	"context"

	"github.com/pkg/errors"

	"github.com/SirClappington/jobq/internal/domain"
)

// Executor performs one attempt of a job. A non-nil error is a failed attempt and is handed to
// the retry scheduler.
type Executor interface {
	Execute(ctx context.Context, job domain.Job) error
}

type Func func(ctx context.Context, job domain.Job) error

func (f Func) Execute(ctx context.Context, job domain.Job) error { return f(ctx, job) }

// Registry dispatches on job type.
type Registry struct {
	byType map[domain.JobType]Executor
}

func NewRegistry() *Registry {
	return &Registry{byType: make(map[domain.JobType]Executor)}
}

func (r *Registry) Register(typ domain.JobType, e Executor) *Registry {
	r.byType[typ] = e
	return r
}

// Execute runs the executor registered for job.Type. Every error it returns is an
// *domain.ExecutorFailure.
func (r *Registry) Execute(ctx context.Context, job domain.Job) error {
	e, ok := r.byType[job.Type]
	if !ok {
		return &domain.ExecutorFailure{ID: job.ID, Err: errors.Errorf("no executor for job type %q", job.Type)}
	}
	err := e.Execute(ctx, job)
	if err == nil {
		return nil
	}
	var ef *domain.ExecutorFailure
	if errors.As(err, &ef) {
		return err
	}
	return &domain.ExecutorFailure{ID: job.ID, Err: err}
}
