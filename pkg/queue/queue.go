// Package queue provides the at-least-once work queue the engine and the SDK
// side exchange events over.
//
// A message is leased by one consumer at a time. A consumer that does not Ack
// before the lease runs out loses it and the message is redelivered, so
// handlers must be idempotent.
package queue

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// Message is one queued payload.
type Message struct {
	ID         string
	Topic      string
	Payload    []byte
	Attempts   int
	EnqueuedAt time.Time
}

type publishOptions struct {
	delay time.Duration
}

// PublishOption configures a single Publish call.
type PublishOption func(*publishOptions)

// WithDelay makes the message invisible to consumers for d.
func WithDelay(d time.Duration) PublishOption {
	return func(o *publishOptions) {
		if d > 0 {
			o.delay = d
		}
	}
}

// ApplyPublishOptions resolves options for Producer implementations.
func ApplyPublishOptions(opts ...PublishOption) (delay time.Duration) {
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.delay
}

// Producer enqueues messages.
type Producer interface {
	Publish(ctx context.Context, topic string, payload []byte, opts ...PublishOption) error
}

// Consumer leases and settles messages.
type Consumer interface {
	// Receive leases up to limit visible messages of topic for lease.
	Receive(ctx context.Context, topic string, limit int, lease time.Duration) ([]*Message, error)

	// Ack removes a leased message.
	Ack(ctx context.Context, msg *Message) error

	// Nack releases a leased message, visible again after delay.
	Nack(ctx context.Context, msg *Message, delay time.Duration) error
}

// Queue is both ends of a work queue.
type Queue interface {
	Producer
	Consumer
}

// Handler processes one message. A returned error nacks it.
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *Message) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// NewMessageID returns a time ordered message id.
func NewMessageID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}
