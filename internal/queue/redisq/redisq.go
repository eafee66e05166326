// Package redisq keeps queued notifications in three Redis sorted sets
// (delayed, pending, failed) scored by epoch millis. The member is the whole
// notification marshaled as JSON, so a state move is always remove-then-add of
// the member bytes, pipelined as one MULTI per entry. That is atomic against a
// single processing loop; running several competing processors against the same
// store would need a real locking strategy on top.
package redisq

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/RailKite/PNRWatch/internal/models"
)

const (
	keyDelayed = "pnrwatch:notifications:delayed"
	keyPending = "pnrwatch:notifications:pending"
	keyFailed  = "pnrwatch:notifications:failed"
)

type Queue struct {
	c *redis.Client
}

func New(addr string) *Queue {
	return &Queue{
		c: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func (q *Queue) add(ctx context.Context, key string, at time.Time, n models.Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return errors.Wrap(err, "marshal notification")
	}
	if err := q.c.ZAdd(ctx, key, redis.Z{Score: score(at), Member: b}).Err(); err != nil {
		return errors.Wrap(err, "zadd "+key)
	}
	return nil
}

func (q *Queue) AddPending(ctx context.Context, n models.Notification, at time.Time) error {
	return q.add(ctx, keyPending, at, n)
}

func (q *Queue) AddDelayed(ctx context.Context, n models.Notification, readyAt time.Time) error {
	return q.add(ctx, keyDelayed, readyAt, n)
}

func (q *Queue) AddFailed(ctx context.Context, n models.Notification, at time.Time) error {
	return q.add(ctx, keyFailed, at, n)
}

// PromoteDue moves every delayed entry whose score is <= now into pending.
// Returns the number of entries moved.
func (q *Queue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	members, err := q.c.ZRangeByScore(ctx, keyDelayed, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, errors.Wrap(err, "zrangebyscore delayed")
	}

	moved := 0
	for _, m := range members {
		pipe := q.c.TxPipeline()
		pipe.ZRem(ctx, keyDelayed, m)
		pipe.ZAdd(ctx, keyPending, redis.Z{Score: score(now), Member: m})
		if _, err := pipe.Exec(ctx); err != nil {
			return moved, errors.Wrap(err, "promote delayed entry")
		}
		moved++
	}
	return moved, nil
}

// PopPending atomically removes and returns up to max pending entries, oldest
// first. Entries that no longer unmarshal are dropped.
func (q *Queue) PopPending(ctx context.Context, max int) ([]models.Notification, error) {
	if max <= 0 {
		return nil, nil
	}
	zs, err := q.c.ZPopMin(ctx, keyPending, int64(max)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "zpopmin pending")
	}

	out := make([]models.Notification, 0, len(zs))
	for _, z := range zs {
		s, ok := z.Member.(string)
		if !ok {
			continue
		}
		var n models.Notification
		if json.Unmarshal([]byte(s), &n) != nil {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (q *Queue) ListFailed(ctx context.Context) ([]models.Notification, error) {
	members, err := q.c.ZRange(ctx, keyFailed, 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "zrange failed")
	}
	out := make([]models.Notification, 0, len(members))
	for _, m := range members {
		var n models.Notification
		if json.Unmarshal([]byte(m), &n) != nil {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// RemoveFailed removes the failed entry with the given id and returns it.
func (q *Queue) RemoveFailed(ctx context.Context, id string) (*models.Notification, bool, error) {
	members, err := q.c.ZRange(ctx, keyFailed, 0, -1).Result()
	if err != nil {
		return nil, false, errors.Wrap(err, "zrange failed")
	}
	for _, m := range members {
		var n models.Notification
		if json.Unmarshal([]byte(m), &n) != nil {
			continue
		}
		if n.ID != id {
			continue
		}
		if err := q.c.ZRem(ctx, keyFailed, m).Err(); err != nil {
			return nil, false, errors.Wrap(err, "zrem failed entry")
		}
		return &n, true, nil
	}
	return nil, false, nil
}

func (q *Queue) ClearFailed(ctx context.Context) (int, error) {
	n, err := q.c.ZCard(ctx, keyFailed).Result()
	if err != nil {
		return 0, errors.Wrap(err, "zcard failed")
	}
	if err := q.c.Del(ctx, keyFailed).Err(); err != nil {
		return 0, errors.Wrap(err, "del failed")
	}
	return int(n), nil
}

type Counts struct {
	Pending int64 `json:"pending"`
	Delayed int64 `json:"delayed"`
	Failed  int64 `json:"failed"`
}

func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.c.TxPipeline()
	pending := pipe.ZCard(ctx, keyPending)
	delayed := pipe.ZCard(ctx, keyDelayed)
	failed := pipe.ZCard(ctx, keyFailed)
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, errors.Wrap(err, "zcard counts")
	}
	return Counts{
		Pending: pending.Val(),
		Delayed: delayed.Val(),
		Failed:  failed.Val(),
	}, nil
}
