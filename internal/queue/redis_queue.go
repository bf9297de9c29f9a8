// Package queue implements the dispatch queue in Redis: one FIFO ready list
// shared by all workers, plus a scheduled sorted set holding retries that
// carry a not-before timestamp. Backoff never blocks a worker; due retries
// are promoted back into the ready list by the manager's promote loop.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	readyKey     = "fns:queue:ready"
	scheduledKey = "fns:queue:scheduled"
)

// Queue coordinates the ready and scheduled job queues in Redis.
type Queue struct {
	client *redis.Client
}

// New builds a queue over an existing Redis client.
func New(client *redis.Client) *Queue {
	return &Queue{client: client}
}

// Push appends a job id to the tail of the ready list.
func (q *Queue) Push(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, readyKey, jobID).Err()
}

// Pop blocks up to timeout for the next ready job id. It returns an empty
// string when the queue stayed empty.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	res, err := q.client.BLPop(ctx, timeout, readyKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("blpop: %w", err)
	}
	if len(res) != 2 {
		return "", fmt.Errorf("unexpected blpop reply length %d", len(res))
	}
	return res[1], nil
}

// Schedule parks a job id until notBefore has passed.
func (q *Queue) Schedule(ctx context.Context, jobID string, notBefore time.Time) error {
	return q.client.ZAdd(ctx, scheduledKey, redis.Z{
		Score:  float64(notBefore.UnixMilli()),
		Member: jobID,
	}).Err()
}

// PromoteDue moves scheduled jobs whose not-before has elapsed into the
// ready list, returning how many were promoted.
func (q *Queue) PromoteDue(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("zrangebyscore: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, scheduledKey, id)
		pipe.RPush(ctx, readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("promote pipeline: %w", err)
	}
	return len(ids), nil
}

// Depth returns the current ready list length.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, readyKey).Result()
}

// ScheduledDepth returns how many jobs are waiting out a backoff delay.
func (q *Queue) ScheduledDepth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, scheduledKey).Result()
}
