package storage

import (
	"bytes"
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/jobq/internal/domain"
)

// Mutation edits a record inside Store.Update. Returning an error aborts the update and leaves
// the stored record untouched.
type Mutation func(j *domain.Job) error

// Store is the job record store. Update is atomic per id: the mutation runs against the latest
// stored version and its result is written only if nobody else wrote in between.
type Store interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, error)
	Update(ctx context.Context, id string, mutate Mutation) (domain.Job, error)
	Delete(ctx context.Context, id string) error

	// ListProcessing returns ids in processing whose claimed_at is before the cutoff, oldest first.
	ListProcessing(ctx context.Context, claimedBefore time.Time, limit int) ([]string, error)

	Ping(ctx context.Context) error
}

// CorruptRecordError means a stored record could not be decoded.
type CorruptRecordError struct {
	ID    string
	Field string
	Err   error
}

func (e *CorruptRecordError) Error() string {
	return "job " + e.ID + ": corrupt field " + e.Field + ": " + e.Err.Error()
}

func (e *CorruptRecordError) Unwrap() error { return e.Err }

var errImmutable = errors.New("mutation changed an immutable field")

func checkImmutable(before, after domain.Job) error {
	if before.ID != after.ID ||
		before.Type != after.Type ||
		before.Priority != after.Priority ||
		!before.CreatedAt.Equal(after.CreatedAt) ||
		!bytes.Equal(before.Payload, after.Payload) {
		return errors.Wrapf(errImmutable, "job %s", before.ID)
	}
	return nil
}

// IsDomainError reports whether err is one of the record level errors rather than a failure to
// reach the backing store.
func IsDomainError(err error) bool {
	var (
		dup *domain.DuplicateIDError
		nf  *domain.NotFoundError
		ist *domain.InvalidStateTransitionError
		nya *domain.NotYetAvailableError
		cor *CorruptRecordError
	)
	return errors.As(err, &dup) || errors.As(err, &nf) || errors.As(err, &ist) ||
		errors.As(err, &nya) || errors.As(err, &cor) || errors.Is(err, errImmutable)
}
