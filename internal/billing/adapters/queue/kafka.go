package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/linkflow-ai/subledger/internal/billing/domain/model"
	"github.com/linkflow-ai/subledger/internal/billing/domain/repository"
	"github.com/linkflow-ai/subledger/internal/platform/messaging/kafka"
)

// Publisher is the producing half of a Kafka topic
type Publisher interface {
	Publish(ctx context.Context, key string, value []byte, headers map[string]string) error
	Close() error
}

// Subscriber is the consuming half of a Kafka topic
type Subscriber interface {
	Run(ctx context.Context, handle kafka.MessageHandler) error
	Close() error
}

// KafkaQueue keys messages by routing key so that every event of one
// subscription lands on the same partition.
type KafkaQueue struct {
	producer Publisher
	consumer Subscriber
	opts     Options

	mu       sync.Mutex
	attempts map[string]int
}

// NewKafkaQueue combines a producer and a consumer group member. Either may be
// nil for publish-only or consume-only processes.
func NewKafkaQueue(producer Publisher, consumer Subscriber, opts Options) *KafkaQueue {
	return &KafkaQueue{
		producer: producer,
		consumer: consumer,
		opts:     opts.withDefaults(),
		attempts: make(map[string]int),
	}
}

// Enqueue publishes env and waits for broker acknowledgement
func (q *KafkaQueue) Enqueue(ctx context.Context, env *model.Envelope) error {
	if q.producer == nil {
		return model.ErrQueueClosed
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return q.producer.Publish(ctx, env.Key(), data, map[string]string{
		"event_id":   env.EventID,
		"event_type": string(env.Type),
	})
}

// Consume runs the consumer group. A failing handler waits out its backoff
// and stops the partition claim so the message is redelivered; after
// MaxDeliveries it is skipped.
func (q *KafkaQueue) Consume(ctx context.Context, handle repository.EventHandler) error {
	if q.consumer == nil {
		return model.ErrQueueClosed
	}
	return q.consumer.Run(ctx, func(ctx context.Context, msg *sarama.ConsumerMessage) error {
		return q.handleMessage(ctx, msg, handle)
	})
}

func (q *KafkaQueue) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage, handle repository.EventHandler) error {
	var env model.Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		q.opts.Logger.Error("Skipping undecodable Kafka message",
			"partition", msg.Partition, "offset", msg.Offset, "error", err)
		if q.opts.Metrics != nil {
			q.opts.Metrics.DeadLettered.WithLabelValues("kafka").Inc()
		}
		return nil
	}

	pos := msg.Topic + "/" + strconv.Itoa(int(msg.Partition)) + "/" + strconv.FormatInt(msg.Offset, 10)
	env.Attempts = q.countAttempt(pos)

	err := handle(ctx, &env)
	if err == nil {
		q.forget(pos)
		return nil
	}
	if env.Attempts >= q.opts.MaxDeliveries {
		q.forget(pos)
		q.opts.deadLetter("kafka", &env, err)
		return nil
	}

	// the claim restarts at this offset, so the partition pauses here
	delay := q.opts.backoff(env.Attempts)
	q.opts.Logger.Warn("Event handler failed; redelivering after backoff",
		"event_id", env.EventID, "attempts", env.Attempts, "retry_in", delay, "error", err)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	return err
}

// Delivery counts live in memory; a restart resets them
func (q *KafkaQueue) countAttempt(pos string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.attempts[pos]++
	return q.attempts[pos]
}

func (q *KafkaQueue) forget(pos string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.attempts, pos)
}

// Close releases the producer and the consumer
func (q *KafkaQueue) Close() error {
	var firstErr error
	if q.producer != nil {
		if err := q.producer.Close(); err != nil {
			firstErr = err
		}
	}
	if q.consumer != nil {
		if err := q.consumer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
