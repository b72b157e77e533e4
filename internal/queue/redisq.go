package queue

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/SirClappington/jobq/internal/domain"
)

const laneKeyPrefix = "jobs:queue:"

// RedisQ holds one Redis list per lane. Producers LPUSH, consumers RPOP/BRPOP, so each list
// is FIFO and every pop is atomic on the server.
type RedisQ struct{ rdb *r.Client }

func New(rdb *r.Client) *RedisQ { return &RedisQ{rdb} }

func laneKey(lane domain.Priority) string { return laneKeyPrefix + string(lane) }

func (q *RedisQ) Enqueue(ctx context.Context, lane domain.Priority, jobID string) error {
	return errors.Wrapf(q.rdb.LPush(ctx, laneKey(lane), jobID).Err(), "enqueue %s on %s", jobID, lane)
}

// PushFront returns jobID to the consuming end of lane, ahead of everything already queued.
// It undoes a Pop whose id could not be processed.
func (q *RedisQ) PushFront(ctx context.Context, lane domain.Priority, jobID string) error {
	return errors.Wrapf(q.rdb.RPush(ctx, laneKey(lane), jobID).Err(), "return %s to %s", jobID, lane)
}

// Pop removes the oldest id from lane. ok is false when the lane is empty.
func (q *RedisQ) Pop(ctx context.Context, lane domain.Priority) (jobID string, ok bool, err error) {
	id, err := q.rdb.RPop(ctx, laneKey(lane)).Result()
	if errors.Is(err, r.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "pop %s", lane)
	}
	return id, true, nil
}

// BlockingPop waits up to block for an id on any of lanes. Redis serves the first non-empty
// list in argument order, so lanes must be given highest priority first. Redis rounds block
// up to whole seconds.
func (q *RedisQ) BlockingPop(ctx context.Context, lanes []domain.Priority, block time.Duration) (domain.Priority, string, bool, error) {
	keys := make([]string, len(lanes))
	for i, l := range lanes {
		keys[i] = laneKey(l)
	}
	res, err := q.rdb.BRPop(ctx, block, keys...).Result()
	if errors.Is(err, r.Nil) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, errors.Wrap(err, "blocking pop")
	}
	if len(res) != 2 {
		return "", "", false, errors.Errorf("unexpected BRPOP reply %v", res)
	}
	return domain.Priority(strings.TrimPrefix(res[0], laneKeyPrefix)), res[1], true, nil
}

func (q *RedisQ) Len(ctx context.Context, lane domain.Priority) (int64, error) {
	n, err := q.rdb.LLen(ctx, laneKey(lane)).Result()
	return n, errors.Wrapf(err, "length of %s", lane)
}

func (q *RedisQ) Ping(ctx context.Context) error {
	return errors.Wrap(q.rdb.Ping(ctx).Err(), "ping lanes")
}
