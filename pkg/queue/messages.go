// Package queue provides the Redis-backed intake queue feeding the triage
// workflow: start requests from the ingestion side and decision callbacks
// from notification channels, plus the worker pool that drains them.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/otherjamesbrown/penf-triage/pkg/triage"
)

// Queue errors.
var (
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrMessageNotFound    = errors.New("message not found")
)

// Priority levels for queue messages.
type Priority int

const (
	PriorityLow    Priority = 0 // Backfill replays
	PriorityNormal Priority = 1 // New item intake
	PriorityHigh   Priority = 2 // Decision callbacks
)

// MessageType identifies the type of queue message.
type MessageType string

const (
	MessageTypeStart    MessageType = "start"
	MessageTypeDecision MessageType = "decision"
)

// Message is the base interface for all queue messages.
type Message interface {
	// GetOwnerID returns the owner the message belongs to.
	GetOwnerID() string
	// GetPriority returns the message priority.
	GetPriority() Priority
	// GetMessageType returns the message type.
	GetMessageType() MessageType
}

// StartMessage requests a new workflow instance for an item.
type StartMessage struct {
	ItemID     string    `json:"item_id"`
	OwnerID    string    `json:"owner_id"`
	Priority   Priority  `json:"priority"`
	ReceivedAt time.Time `json:"received_at"`
}

func (m *StartMessage) GetOwnerID() string          { return m.OwnerID }
func (m *StartMessage) GetPriority() Priority       { return m.Priority }
func (m *StartMessage) GetMessageType() MessageType { return MessageTypeStart }

// DecisionMessage carries a human decision callback from a notification
// channel.
type DecisionMessage struct {
	InstanceID string                `json:"instance_id"`
	CallerID   string                `json:"caller_id"`
	Action     triage.DecisionAction `json:"action"`
	Category   string                `json:"category,omitempty"`
	ReceivedAt time.Time             `json:"received_at"`
}

func (m *DecisionMessage) GetOwnerID() string          { return m.CallerID }
func (m *DecisionMessage) GetPriority() Priority       { return PriorityHigh }
func (m *DecisionMessage) GetMessageType() MessageType { return MessageTypeDecision }

// QueuedMessage wraps a message with queue metadata.
type QueuedMessage struct {
	ID           string          `json:"id"`
	Message      json.RawMessage `json:"message"`
	MessageType  MessageType     `json:"message_type"`
	Priority     Priority        `json:"priority"`
	RetryCount   int             `json:"retry_count"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	VisibleAfter time.Time       `json:"visible_after,omitempty"`
}

// ParseMessage parses the raw message based on message type.
func (qm *QueuedMessage) ParseMessage() (Message, error) {
	switch qm.MessageType {
	case MessageTypeStart:
		var msg StartMessage
		if err := json.Unmarshal(qm.Message, &msg); err != nil {
			return nil, err
		}
		return &msg, nil
	case MessageTypeDecision:
		var msg DecisionMessage
		if err := json.Unmarshal(qm.Message, &msg); err != nil {
			return nil, err
		}
		return &msg, nil
	default:
		return nil, ErrUnknownMessageType
	}
}

// Queue defines the interface for the intake message queue.
type Queue interface {
	// Name returns the queue name.
	Name() string

	// Enqueue adds a message to the queue.
	Enqueue(ctx context.Context, msg Message) error

	// Dequeue retrieves up to maxMessages, blocking up to the timeout.
	Dequeue(ctx context.Context, maxMessages int, timeout time.Duration) ([]*QueuedMessage, error)

	// Ack acknowledges successful processing of a message.
	Ack(ctx context.Context, messageID string) error

	// Nack indicates processing failure; the message will be retried, or
	// moved to the dead letter queue after max retries.
	Nack(ctx context.Context, messageID string) error

	// MoveToDeadLetter moves a message to the dead letter queue.
	MoveToDeadLetter(ctx context.Context, messageID, reason string) error

	// Depth returns the current queue depth.
	Depth(ctx context.Context) (int64, error)
}

// Config configures queue behavior.
type Config struct {
	Name              string        `yaml:"name"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RetentionPeriod   time.Duration `yaml:"retention_period"`
}

// DefaultConfig returns the default intake queue configuration.
func DefaultConfig() Config {
	return Config{
		Name:              "triage:intake",
		VisibilityTimeout: 120 * time.Second,
		MaxRetries:        3,
		RetentionPeriod:   24 * time.Hour,
	}
}

// Verify interface compliance
var _ Message = (*StartMessage)(nil)
var _ Message = (*DecisionMessage)(nil)
