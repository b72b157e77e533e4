package domain

import (
	"fmt"
	"time"
)

type DuplicateIDError struct {
	ID string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("job %s already exists", e.ID)
}

type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("job %s not found", e.ID)
}

// OrphanedQueueEntryError means a lane held an id with no record behind it.
type OrphanedQueueEntryError struct {
	ID   string
	Lane Priority
}

func (e *OrphanedQueueEntryError) Error() string {
	return fmt.Sprintf("lane %s held id %s with no job record", e.Lane, e.ID)
}

type InvalidStateTransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("job %s: invalid transition %s -> %s", e.ID, e.From, e.To)
}

// NotYetAvailableError is returned when a claim reaches a job whose backoff has not elapsed.
type NotYetAvailableError struct {
	ID             string
	AvailableAfter time.Time
}

func (e *NotYetAvailableError) Error() string {
	return fmt.Sprintf("job %s not available until %s", e.ID, e.AvailableAfter.Format(time.RFC3339Nano))
}

// ExecutorFailure is the task's own failure signal. It is expected and always handled by the
// retry scheduler.
type ExecutorFailure struct {
	ID  string
	Err error
}

func (e *ExecutorFailure) Error() string {
	return fmt.Sprintf("job %s: executor failed: %v", e.ID, e.Err)
}

func (e *ExecutorFailure) Unwrap() error { return e.Err }
