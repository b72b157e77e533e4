package domain

import (
	"encoding/json"
	"time"
)

type Status string

const (
	Pending    Status = "pending"
	Processing Status = "processing"
	Completed  Status = "completed"
	Failed     Status = "failed"
)

// Terminal reports whether no further transitions can happen from s.
func (s Status) Terminal() bool { return s == Completed || s == Failed }

func (s Status) Valid() bool {
	switch s {
	case Pending, Processing, Completed, Failed:
		return true
	}
	return false
}

// Priority names a lane. Tiers lists every lane in claim order.
type Priority string

const (
	High Priority = "high"
	Low  Priority = "low"
)

var Tiers = []Priority{High, Low}

func (p Priority) Valid() bool {
	for _, t := range Tiers {
		if p == t {
			return true
		}
	}
	return false
}

type JobType string

const SendEmail JobType = "send_email"

func (t JobType) Valid() bool { return t == SendEmail }

// Job is the single persisted entity. ID, Type, Priority and Payload never change after
// creation; the remaining fields are owned by the claim protocol and the retry scheduler.
type Job struct {
	ID             string          `json:"job_id"`
	Type           JobType         `json:"job_type"`
	Priority       Priority        `json:"priority"`
	Payload        json.RawMessage `json:"payload"`
	Status         Status          `json:"status"`
	RetryCount     int             `json:"retry_count"`
	CreatedAt      time.Time       `json:"created_ts"`
	ClaimedAt      *time.Time      `json:"picked_ts"`
	CompletedAt    *time.Time      `json:"completed_ts"`
	AvailableAfter time.Time       `json:"available_after"`
	ClaimedBy      string          `json:"claimed_by,omitempty"`
}

// NewJob builds a pending record that is claimable immediately.
func NewJob(id string, typ JobType, prio Priority, payload json.RawMessage, now time.Time) Job {
	return Job{
		ID:             id,
		Type:           typ,
		Priority:       prio,
		Payload:        payload,
		Status:         Pending,
		CreatedAt:      now,
		AvailableAfter: now,
	}
}

// AvailableAt reports whether the job may be claimed at now.
func (j Job) AvailableAt(now time.Time) bool {
	return !now.Before(j.AvailableAfter)
}

// Claim moves a pending, due job into processing on behalf of worker.
func (j *Job) Claim(now time.Time, worker string) error {
	if j.Status != Pending {
		return &InvalidStateTransitionError{ID: j.ID, From: j.Status, To: Processing}
	}
	if !j.AvailableAt(now) {
		return &NotYetAvailableError{ID: j.ID, AvailableAfter: j.AvailableAfter}
	}
	j.Status = Processing
	j.ClaimedAt = &now
	j.ClaimedBy = worker
	return nil
}

func (j *Job) Complete(now time.Time) error {
	if err := j.settle(Completed); err != nil {
		return err
	}
	j.Status = Completed
	j.CompletedAt = &now
	return nil
}

// ScheduleRetry records a failed attempt and puts the job back to pending until availableAfter.
func (j *Job) ScheduleRetry(availableAfter time.Time) error {
	if err := j.settle(Pending); err != nil {
		return err
	}
	j.RetryCount++
	j.Status = Pending
	j.AvailableAfter = availableAfter
	return nil
}

// Fail records the final failed attempt.
func (j *Job) Fail(now time.Time) error {
	if err := j.settle(Failed); err != nil {
		return err
	}
	j.RetryCount++
	j.Status = Failed
	j.CompletedAt = &now
	return nil
}

func (j *Job) settle(to Status) error {
	if j.Status != Processing || j.CompletedAt != nil {
		return &InvalidStateTransitionError{ID: j.ID, From: j.Status, To: to}
	}
	return nil
}
