package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis key prefixes
const (
	keyPrefixQueue      = "queue:"      // Main queue (sorted set by priority)
	keyPrefixProcessing = "processing:" // Messages being processed
	keyPrefixMessage    = "msg:"        // Message data
	keyPrefixDLQ        = "dlq:"        // Dead letter queue
)

// pollInterval is how long Dequeue waits before re-checking an empty queue.
const pollInterval = 100 * time.Millisecond

// RedisQueue implements Queue using Redis sorted sets with a visibility
// timeout: dequeued messages move to a processing set and are recovered if
// not acked in time.
type RedisQueue struct {
	client *redis.Client
	config Config
}

// NewRedisQueue creates a Redis-backed queue.
func NewRedisQueue(client *redis.Client, config Config) *RedisQueue {
	if config.Name == "" {
		config.Name = DefaultConfig().Name
	}
	if config.VisibilityTimeout <= 0 {
		config.VisibilityTimeout = DefaultConfig().VisibilityTimeout
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultConfig().MaxRetries
	}
	if config.RetentionPeriod <= 0 {
		config.RetentionPeriod = DefaultConfig().RetentionPeriod
	}
	return &RedisQueue{client: client, config: config}
}

// Name returns the queue name.
func (q *RedisQueue) Name() string {
	return q.config.Name
}

// Enqueue adds a message to the queue.
func (q *RedisQueue) Enqueue(ctx context.Context, msg Message) error {
	messageID := uuid.New().String()

	msgBytes, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	qm := &QueuedMessage{
		ID:          messageID,
		Message:     msgBytes,
		MessageType: msg.GetMessageType(),
		Priority:    msg.GetPriority(),
		EnqueuedAt:  time.Now(),
	}

	qmBytes, err := json.Marshal(qm)
	if err != nil {
		return fmt.Errorf("failed to marshal queued message: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.messageKey(messageID), qmBytes, q.config.RetentionPeriod)
	// Score = priority * 1e12 + timestamp: FIFO within a priority band.
	score := float64(msg.GetPriority())*1e12 + float64(time.Now().UnixNano())
	pipe.ZAdd(ctx, keyPrefixQueue+q.config.Name, redis.Z{Score: score, Member: messageID})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}
	return nil
}

// Dequeue retrieves up to maxMessages, blocking up to the timeout. Dequeued
// messages move to the processing set under a visibility timeout.
func (q *RedisQueue) Dequeue(ctx context.Context, maxMessages int, timeout time.Duration) ([]*QueuedMessage, error) {
	if maxMessages <= 0 {
		maxMessages = 1
	}

	queueKey := keyPrefixQueue + q.config.Name
	processingKey := keyPrefixProcessing + q.config.Name
	deadline := time.Now().Add(timeout)

	var messages []*QueuedMessage

	for time.Now().Before(deadline) && len(messages) < maxMessages {
		result, err := q.client.ZPopMax(ctx, queueKey, 1).Result()
		if err != nil && err != redis.Nil {
			return messages, fmt.Errorf("failed to pop from queue: %w", err)
		}
		if len(result) == 0 {
			select {
			case <-time.After(pollInterval):
				continue
			case <-ctx.Done():
				return messages, ctx.Err()
			}
		}

		messageID := result[0].Member.(string)

		data, err := q.client.Get(ctx, q.messageKey(messageID)).Bytes()
		if err == redis.Nil {
			// Message expired, skip.
			continue
		}
		if err != nil {
			return messages, fmt.Errorf("failed to get message data: %w", err)
		}

		var qm QueuedMessage
		if err := json.Unmarshal(data, &qm); err != nil {
			return messages, fmt.Errorf("failed to unmarshal message: %w", err)
		}

		qm.VisibleAfter = time.Now().Add(q.config.VisibilityTimeout)
		updatedData, _ := json.Marshal(qm)

		pipe := q.client.TxPipeline()
		pipe.Set(ctx, q.messageKey(messageID), updatedData, q.config.RetentionPeriod)
		pipe.ZAdd(ctx, processingKey, redis.Z{
			Score:  float64(qm.VisibleAfter.UnixNano()),
			Member: messageID,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return messages, fmt.Errorf("failed to move to processing: %w", err)
		}

		messages = append(messages, &qm)
	}

	return messages, nil
}

// Ack acknowledges successful processing of a message.
func (q *RedisQueue) Ack(ctx context.Context, messageID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, keyPrefixProcessing+q.config.Name, messageID)
	pipe.Del(ctx, q.messageKey(messageID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}

// Nack indicates processing failure. The message is re-enqueued with
// exponential backoff, or moved to the dead letter queue after max retries.
func (q *RedisQueue) Nack(ctx context.Context, messageID string) error {
	data, err := q.client.Get(ctx, q.messageKey(messageID)).Bytes()
	if err == redis.Nil {
		return ErrMessageNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get message: %w", err)
	}

	var qm QueuedMessage
	if err := json.Unmarshal(data, &qm); err != nil {
		return fmt.Errorf("failed to unmarshal message: %w", err)
	}

	qm.RetryCount++
	if qm.RetryCount >= q.config.MaxRetries {
		return q.MoveToDeadLetter(ctx, messageID, "max retries exceeded")
	}

	qm.VisibleAfter = time.Now().Add(retryBackoff(qm.RetryCount))
	updatedData, _ := json.Marshal(qm)

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, keyPrefixProcessing+q.config.Name, messageID)
	pipe.Set(ctx, q.messageKey(messageID), updatedData, q.config.RetentionPeriod)
	score := float64(qm.Priority)*1e12 + float64(qm.VisibleAfter.UnixNano())
	pipe.ZAdd(ctx, keyPrefixQueue+q.config.Name, redis.Z{Score: score, Member: messageID})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to nack message: %w", err)
	}
	return nil
}

// MoveToDeadLetter moves a message to the dead letter queue.
func (q *RedisQueue) MoveToDeadLetter(ctx context.Context, messageID, reason string) error {
	data, err := q.client.Get(ctx, q.messageKey(messageID)).Bytes()
	if err == redis.Nil {
		return ErrMessageNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get message: %w", err)
	}

	dlqEntry := map[string]interface{}{
		"message":    string(data),
		"reason":     reason,
		"moved_at":   time.Now().Format(time.RFC3339),
		"queue_name": q.config.Name,
	}
	dlqData, _ := json.Marshal(dlqEntry)

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, keyPrefixProcessing+q.config.Name, messageID)
	pipe.Del(ctx, q.messageKey(messageID))
	pipe.ZAdd(ctx, keyPrefixDLQ+q.config.Name, redis.Z{
		Score:  float64(time.Now().UnixNano()),
		Member: string(dlqData),
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to move to DLQ: %w", err)
	}
	return nil
}

// Depth returns the current queue depth.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, keyPrefixQueue+q.config.Name).Result()
}

// RecoverStaleMessages re-enqueues messages whose visibility timeout
// expired. Should be called periodically by a background worker.
func (q *RedisQueue) RecoverStaleMessages(ctx context.Context) error {
	queueKey := keyPrefixQueue + q.config.Name
	processingKey := keyPrefixProcessing + q.config.Name

	now := float64(time.Now().UnixNano())
	stale, err := q.client.ZRangeByScore(ctx, processingKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%f", now),
		Count: 100,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to find stale messages: %w", err)
	}

	for _, messageID := range stale {
		data, err := q.client.Get(ctx, q.messageKey(messageID)).Bytes()
		if err == redis.Nil {
			q.client.ZRem(ctx, processingKey, messageID)
			continue
		}
		if err != nil {
			continue
		}

		var qm QueuedMessage
		if err := json.Unmarshal(data, &qm); err != nil {
			continue
		}

		qm.RetryCount++
		if qm.RetryCount >= q.config.MaxRetries {
			q.MoveToDeadLetter(ctx, messageID, "visibility timeout exceeded")
			continue
		}

		updatedData, _ := json.Marshal(qm)
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, processingKey, messageID)
		pipe.Set(ctx, q.messageKey(messageID), updatedData, q.config.RetentionPeriod)
		score := float64(qm.Priority)*1e12 + float64(time.Now().UnixNano())
		pipe.ZAdd(ctx, queueKey, redis.Z{Score: score, Member: messageID})
		pipe.Exec(ctx)
	}

	return nil
}

func (q *RedisQueue) messageKey(messageID string) string {
	return keyPrefixMessage + q.config.Name + ":" + messageID
}

// retryBackoff calculates exponential backoff for retries: 2s, 4s, 8s, up to
// 5 minutes.
func retryBackoff(retryCount int) time.Duration {
	backoff := time.Second * (1 << uint(retryCount))
	if backoff > 5*time.Minute {
		backoff = 5 * time.Minute
	}
	return backoff
}

// Verify interface compliance
var _ Queue = (*RedisQueue)(nil)
