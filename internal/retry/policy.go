package retry

import (
	"math"
	"time"

	"github.com/SirClappington/jobq/internal/domain"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
)

// Policy decides what happens to a job after an attempt. It only looks at the record it is
// given and the time passed in, so the same inputs always produce the same Decision.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxRetries: DefaultMaxRetries, BaseDelay: DefaultBaseDelay}
}

// Backoff is the delay before retry number retryCount (1-based): BaseDelay * 2^(retryCount-1),
// saturating at the largest Duration instead of overflowing.
func (p Policy) Backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	shift := retryCount - 1
	if p.BaseDelay <= 0 {
		return p.BaseDelay
	}
	if shift >= 63 || p.BaseDelay > math.MaxInt64>>shift {
		return math.MaxInt64
	}
	return p.BaseDelay << shift
}

type Decision struct {
	Next       domain.Status
	RetryCount int
	// Delay and AvailableAfter are set only when Next is Pending.
	Delay          time.Duration
	AvailableAfter time.Time
}

// Requeue reports whether the job goes back onto its lane.
func (d Decision) Requeue() bool { return d.Next == domain.Pending }

func (p Policy) OnSuccess(j domain.Job) Decision {
	return Decision{Next: domain.Completed, RetryCount: j.RetryCount}
}

func (p Policy) OnFailure(j domain.Job, now time.Time) Decision {
	n := j.RetryCount + 1
	if n >= p.MaxRetries {
		return Decision{Next: domain.Failed, RetryCount: n}
	}
	delay := p.Backoff(n)
	return Decision{
		Next:           domain.Pending,
		RetryCount:     n,
		Delay:          delay,
		AvailableAfter: now.Add(delay),
	}
}

// Apply performs d on j through the record's own transitions.
func (d Decision) Apply(j *domain.Job, now time.Time) error {
	switch d.Next {
	case domain.Completed:
		return j.Complete(now)
	case domain.Pending:
		return j.ScheduleRetry(d.AvailableAfter)
	default:
		return j.Fail(now)
	}
}
