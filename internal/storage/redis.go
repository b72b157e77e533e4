package storage

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/SirClappington/jobq/internal/domain"
)

const (
	jobKeyPrefix  = "jobs:hash:"
	processingKey = "jobs:processing" // zset: score=claimed_at unix ms, member=job id

	maxTxAttempts = 100
)

// RedisStore keeps one hash per job. Updates use WATCH/MULTI so a concurrent writer on the same
// key aborts the transaction and the mutation is replayed against the fresh record.
type RedisStore struct{ rdb *r.Client }

func NewRedisStore(rdb *r.Client) *RedisStore { return &RedisStore{rdb} }

func jobKey(id string) string { return jobKeyPrefix + id }

func (s *RedisStore) Create(ctx context.Context, job domain.Job) error {
	key := jobKey(job.ID)
	err := s.rdb.Watch(ctx, func(tx *r.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return &domain.DuplicateIDError{ID: job.ID}
		}
		_, err = tx.TxPipelined(ctx, func(pipe r.Pipeliner) error {
			pipe.HSet(ctx, key, encodeJob(job))
			return nil
		})
		return err
	}, key)
	if errors.Is(err, r.TxFailedErr) {
		return &domain.DuplicateIDError{ID: job.ID}
	}
	if err != nil && !IsDomainError(err) {
		return errors.Wrapf(err, "create job %s", job.ID)
	}
	return err
}

func (s *RedisStore) Get(ctx context.Context, id string) (domain.Job, error) {
	vals, err := s.rdb.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return domain.Job{}, errors.Wrapf(err, "get job %s", id)
	}
	if len(vals) == 0 {
		return domain.Job{}, &domain.NotFoundError{ID: id}
	}
	return decodeJob(vals)
}

func (s *RedisStore) Update(ctx context.Context, id string, mutate Mutation) (domain.Job, error) {
	key := jobKey(id)
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		var out domain.Job
		err := s.rdb.Watch(ctx, func(tx *r.Tx) error {
			vals, err := tx.HGetAll(ctx, key).Result()
			if err != nil {
				return err
			}
			if len(vals) == 0 {
				return &domain.NotFoundError{ID: id}
			}
			job, err := decodeJob(vals)
			if err != nil {
				return err
			}
			before := job
			if err := mutate(&job); err != nil {
				return err
			}
			if err := checkImmutable(before, job); err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe r.Pipeliner) error {
				pipe.HSet(ctx, key, encodeJob(job))
				if job.Status == domain.Processing {
					pipe.ZAdd(ctx, processingKey, r.Z{Score: float64(job.ClaimedAt.UnixMilli()), Member: id})
				} else {
					pipe.ZRem(ctx, processingKey, id)
				}
				return nil
			})
			out = job
			return err
		}, key)
		if errors.Is(err, r.TxFailedErr) {
			continue
		}
		if err != nil {
			if IsDomainError(err) {
				return domain.Job{}, err
			}
			return domain.Job{}, errors.Wrapf(err, "update job %s", id)
		}
		return out, nil
	}
	return domain.Job{}, errors.Errorf("update job %s: gave up after %d conflicting writes", id, maxTxAttempts)
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, jobKey(id))
	pipe.ZRem(ctx, processingKey, id)
	_, err := pipe.Exec(ctx)
	return errors.Wrapf(err, "delete job %s", id)
}

func (s *RedisStore) ListProcessing(ctx context.Context, claimedBefore time.Time, limit int) ([]string, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, processingKey, &r.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(claimedBefore.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list processing jobs")
	}
	return ids, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return errors.Wrap(s.rdb.Ping(ctx).Err(), "ping redis")
}

// Hash fields are all strings; absent timestamps are stored as "".
func encodeJob(j domain.Job) map[string]interface{} {
	return map[string]interface{}{
		"job_id":          j.ID,
		"job_type":        string(j.Type),
		"priority":        string(j.Priority),
		"payload":         string(j.Payload),
		"status":          string(j.Status),
		"retry_count":     strconv.Itoa(j.RetryCount),
		"created_ts":      formatTime(&j.CreatedAt),
		"picked_ts":       formatTime(j.ClaimedAt),
		"completed_ts":    formatTime(j.CompletedAt),
		"available_after": formatTime(&j.AvailableAfter),
		"claimed_by":      j.ClaimedBy,
	}
}

func decodeJob(h map[string]string) (domain.Job, error) {
	j := domain.Job{
		ID:        h["job_id"],
		Type:      domain.JobType(h["job_type"]),
		Priority:  domain.Priority(h["priority"]),
		Payload:   json.RawMessage(h["payload"]),
		Status:    domain.Status(h["status"]),
		ClaimedBy: h["claimed_by"],
	}
	var err error
	if j.RetryCount, err = strconv.Atoi(h["retry_count"]); err != nil {
		return domain.Job{}, &CorruptRecordError{ID: j.ID, Field: "retry_count", Err: err}
	}
	if j.CreatedAt, err = parseTime(h["created_ts"]); err != nil {
		return domain.Job{}, &CorruptRecordError{ID: j.ID, Field: "created_ts", Err: err}
	}
	if j.AvailableAfter, err = parseTime(h["available_after"]); err != nil {
		return domain.Job{}, &CorruptRecordError{ID: j.ID, Field: "available_after", Err: err}
	}
	if j.ClaimedAt, err = parseOptionalTime(h["picked_ts"]); err != nil {
		return domain.Job{}, &CorruptRecordError{ID: j.ID, Field: "picked_ts", Err: err}
	}
	if j.CompletedAt, err = parseOptionalTime(h["completed_ts"]); err != nil {
		return domain.Job{}, &CorruptRecordError{ID: j.ID, Field: "completed_ts", Err: err}
	}
	return j, nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseOptionalTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := parseTime(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
