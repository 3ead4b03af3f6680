package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"teetime-lottery/internal/domain"
	"teetime-lottery/internal/infra/metrics"
)

var _ domain.FinalizeQueue = (*RedisFinalizeQueue)(nil)

// RedisFinalizeQueue реализует очередь задач фиксации на базе Redis lists.
type RedisFinalizeQueue struct {
	client *redis.Client
	key    string
}

// NewRedisFinalizeQueue создаёт очередь по указанному ключу.
func NewRedisFinalizeQueue(client *redis.Client, key string) *RedisFinalizeQueue {
	return &RedisFinalizeQueue{client: client, key: key}
}

// Enqueue публикует задачу в очередь.
func (q *RedisFinalizeQueue) Enqueue(ctx context.Context, job domain.FinalizeJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	start := time.Now()
	err = q.client.LPush(ctx, q.key, payload).Err()
	metrics.ObserveNetworkRequest("redis", "lpush", q.key, start, err)
	if err != nil {
		return fmt.Errorf("push job: %w", err)
	}
	return nil
}

// Receive блокирующе читает задачу. ack(false) возвращает задачу в хвост очереди.
func (q *RedisFinalizeQueue) Receive(ctx context.Context) (domain.FinalizeJob, domain.AckFunc, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.FinalizeJob{}, nil, err
		}

		res, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return domain.FinalizeJob{}, nil, ctx.Err()
				}
				continue
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return domain.FinalizeJob{}, nil, err
		}
		if len(res) != 2 {
			return domain.FinalizeJob{}, nil, errors.New("redis queue: unexpected response")
		}
		raw := res[1]
		ack := func(success bool) error {
			if success {
				return nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			start := time.Now()
			err := q.client.LPush(ctx, q.key, raw).Err()
			metrics.ObserveNetworkRequest("redis", "requeue", q.key, start, err)
			return err
		}
		var job domain.FinalizeJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			// битое сообщение не возвращаем в очередь
			return domain.FinalizeJob{}, nil, fmt.Errorf("decode job: %w", err)
		}
		return job, ack, nil
	}
}
