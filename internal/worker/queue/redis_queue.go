// Package queue is the Redis list that hands job ids from the API to
// workers.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisQueue struct {
	rdb       *redis.Client
	queueName string
}

func NewRedisQueue(rdb *redis.Client, queueName string) *RedisQueue {
	return &RedisQueue{rdb: rdb, queueName: queueName}
}

// Push enqueues a job id. LPUSH pairs with BRPOP for FIFO order.
func (q *RedisQueue) Push(ctx context.Context, jobID string) error {
	return q.rdb.LPush(ctx, q.queueName, jobID).Err()
}

// Pop blocks up to timeout for the next job id. An empty id with a nil
// error means the wait timed out.
func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	res, err := q.rdb.BRPop(ctx, timeout, q.queueName).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if len(res) < 2 {
		return "", nil
	}
	return res[1], nil
}

// Len reports how many jobs are waiting.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.queueName).Result()
}

func (q *RedisQueue) cancelChannel() string {
	return q.queueName + ":cancel"
}

// Cancel asks whichever worker runs jobID to stop it.
func (q *RedisQueue) Cancel(ctx context.Context, jobID string) error {
	return q.rdb.Publish(ctx, q.cancelChannel(), jobID).Err()
}

// CancelRequests streams job ids published by Cancel until ctx ends.
func (q *RedisQueue) CancelRequests(ctx context.Context) <-chan string {
	sub := q.rdb.Subscribe(ctx, q.cancelChannel())
	out := make(chan string)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
