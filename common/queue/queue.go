// Package queue decouples trigger arrivals from workflow execution: the
// webhook layer publishes run events, a background consumer subscribes and
// executes them.
package queue

import (
	"context"
	"sync"

	"github.com/gigaflow/gigaflow/common/logger"
)

// topicBuffer is how many pending events a topic holds before Publish starts
// dropping. Webhook bursts beyond this lose runs rather than block callers.
const topicBuffer = 256

// Queue carries keyed messages between producers and topic subscribers.
type Queue interface {
	Publish(ctx context.Context, topic string, key string, message []byte) error
	Subscribe(ctx context.Context, topic string, handler MessageHandler) error
	Close() error
}

// MessageHandler consumes one message. A returned error is logged; the
// subscription keeps running.
type MessageHandler func(ctx context.Context, key string, value []byte) error

type message struct {
	key   string
	value []byte
}

// MemoryQueue is a channel-per-topic queue for single-process deployments
// and tests. Events published before anyone subscribes are buffered.
type MemoryQueue struct {
	mu     sync.Mutex
	topics map[string]chan message
	log    *logger.Logger
}

func NewMemoryQueue(log *logger.Logger) *MemoryQueue {
	return &MemoryQueue{
		topics: make(map[string]chan message),
		log:    log,
	}
}

// channel returns the topic's channel, creating it on first touch from
// either side.
func (q *MemoryQueue) channel(topic string) chan message {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.topics[topic]
	if !ok {
		ch = make(chan message, topicBuffer)
		q.topics[topic] = ch
	}
	return ch
}

// Publish enqueues without blocking. A full topic drops the message with a
// warning; webhook callers already got their 202 and must not hang.
func (q *MemoryQueue) Publish(ctx context.Context, topic string, key string, value []byte) error {
	select {
	case q.channel(topic) <- message{key: key, value: value}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		q.log.Warn("queue full, dropping message", "topic", topic, "key", key)
		return nil
	}
}

// Subscribe drains the topic on a goroutine until ctx is cancelled or the
// queue is closed.
func (q *MemoryQueue) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	ch := q.channel(topic)
	q.log.Info("subscribed", "topic", topic)

	go func() {
		for {
			select {
			case <-ctx.Done():
				q.log.Info("subscription cancelled", "topic", topic)
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := handler(ctx, msg.key, msg.value); err != nil {
					q.log.Error("message handler failed", "topic", topic, "key", msg.key, "error", err)
				}
			}
		}
	}()

	return nil
}

// Close shuts every topic channel, stopping their subscribers.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for topic, ch := range q.topics {
		close(ch)
		delete(q.topics, topic)
	}

	return nil
}
