package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gigaflow/gigaflow/common/logger"
	"github.com/gigaflow/gigaflow/common/redis"
)

const popTimeout = 5 * time.Second

// RedisQueue is a list-backed queue: one Redis list per topic, RPUSH to
// publish and BLPOP to consume. Survives process restarts, unlike MemoryQueue.
type RedisQueue struct {
	client *redis.Client
	log    *logger.Logger
}

type redisEnvelope struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// NewRedisQueue creates a Redis-backed queue
func NewRedisQueue(client *redis.Client, log *logger.Logger) *RedisQueue {
	return &RedisQueue{
		client: client,
		log:    log,
	}
}

// Publish pushes a message onto the topic list
func (q *RedisQueue) Publish(ctx context.Context, topic string, key string, message []byte) error {
	payload, err := json.Marshal(redisEnvelope{Key: key, Value: message})
	if err != nil {
		return fmt.Errorf("marshal queue envelope: %w", err)
	}
	return q.client.PushToList(ctx, listKey(topic), string(payload))
}

// Subscribe starts a consumer loop that blocks on the topic list
func (q *RedisQueue) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	q.log.Info("subscribing to topic", "topic", topic)

	go func() {
		for {
			select {
			case <-ctx.Done():
				q.log.Info("subscription cancelled", "topic", topic)
				return
			default:
			}

			result, err := q.client.BlockingPopList(ctx, popTimeout, listKey(topic))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				q.log.Error("queue pop failed", "topic", topic, "error", err)
				time.Sleep(time.Second)
				continue
			}
			if len(result) < 2 {
				// Timeout, loop back to check ctx
				continue
			}

			var env redisEnvelope
			if err := json.Unmarshal([]byte(result[1]), &env); err != nil {
				q.log.Error("malformed queue message", "topic", topic, "error", err)
				continue
			}

			if err := handler(ctx, env.Key, env.Value); err != nil {
				q.log.Error("message handler error", "topic", topic, "key", env.Key, "error", err)
			}
		}
	}()

	return nil
}

// Close is a no-op; the underlying Redis client is owned by the container
func (q *RedisQueue) Close() error {
	return nil
}

func listKey(topic string) string {
	return "queue:" + topic
}
