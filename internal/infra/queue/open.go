package queue

import (
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"teetime-lottery/internal/domain"
)

// Backends.
const (
	BackendRedis    = "redis"
	BackendRabbitMQ = "rabbitmq"
)

// Open создаёт очередь фиксации выбранного транспорта. close освобождает соединение брокера.
func Open(backend string, client *redis.Client, rabbitURL, key string) (q domain.FinalizeQueue, closeFn func(), err error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case BackendRedis, "":
		if client == nil {
			return nil, nil, fmt.Errorf("redis queue: REDIS_ADDR is not set")
		}
		return NewRedisFinalizeQueue(client, key), func() {}, nil
	case BackendRabbitMQ:
		rq, err := NewRabbitFinalizeQueue(rabbitURL, key)
		if err != nil {
			return nil, nil, err
		}
		return rq, func() { _ = rq.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown finalize queue backend %q", backend)
}
