package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"time"

	"github.com/openfroyo/pms/pkg/engine"
	"github.com/openfroyo/pms/pkg/telemetry"
	"golang.org/x/sync/errgroup"
)

// ListenerConfig configures a consumer pool for one topic.
type ListenerConfig struct {
	Topic        string
	Workers      int
	BatchSize    int
	PollInterval time.Duration
	Lease        time.Duration

	// MaxAttempts is the number of deliveries before a failing message is
	// dead-lettered.
	MaxAttempts int

	// BaseRetryDelay is the nack delay of the first failed attempt.
	BaseRetryDelay time.Duration
}

// DefaultListenerConfig returns the defaults for topic.
func DefaultListenerConfig(topic string) ListenerConfig {
	return ListenerConfig{
		Topic:          topic,
		Workers:        4,
		BatchSize:      10,
		PollInterval:   100 * time.Millisecond,
		Lease:          30 * time.Second,
		MaxAttempts:    5,
		BaseRetryDelay: time.Second,
	}
}

// Listener runs a pool of workers that lease messages of one topic and hand
// them to a Handler.
type Listener struct {
	config   ListenerConfig
	consumer Consumer
	handler  Handler
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
}

// NewListener creates a listener. Zero config fields take their defaults.
func NewListener(cfg ListenerConfig, consumer Consumer, handler Handler, logger *telemetry.Logger, metrics *telemetry.Metrics) *Listener {
	def := DefaultListenerConfig(cfg.Topic)
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Lease <= 0 {
		cfg.Lease = def.Lease
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = def.BaseRetryDelay
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Listener{
		config:   cfg,
		consumer: consumer,
		handler:  handler,
		logger:   logger.NewComponentLogger("queue").WithField("topic", cfg.Topic),
		metrics:  metrics,
	}
}

// Topic returns the topic the listener consumes.
func (l *Listener) Topic() string {
	return l.config.Topic
}

// Run blocks until ctx is cancelled, processing messages with the configured
// number of workers.
func (l *Listener) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < l.config.Workers; i++ {
		g.Go(func() error {
			return l.work(ctx)
		})
	}
	l.logger.Infof("listener started with %d workers", l.config.Workers)
	err := g.Wait()
	l.logger.Info("listener stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (l *Listener) work(ctx context.Context) error {
	for {
		n, err := l.ProcessOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.WithError(err).Warn("receive failed")
		}
		if n > 0 {
			continue
		}
		select {
		case <-time.After(l.config.PollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ProcessOnce leases one batch and processes it synchronously. It returns the
// number of messages received.
func (l *Listener) ProcessOnce(ctx context.Context) (int, error) {
	msgs, err := l.consumer.Receive(ctx, l.config.Topic, l.config.BatchSize, l.config.Lease)
	if err != nil {
		return 0, fmt.Errorf("failed to receive from %s: %w", l.config.Topic, err)
	}
	for _, msg := range msgs {
		l.process(ctx, msg)
	}
	return len(msgs), nil
}

func (l *Listener) process(ctx context.Context, msg *Message) {
	err := l.handle(ctx, msg)
	if err == nil {
		if ackErr := l.consumer.Ack(ctx, msg); ackErr != nil {
			l.logger.WithError(ackErr).WithField("message_id", msg.ID).Warn("ack failed")
		}
		l.metrics.RecordQueueMessage(l.config.Topic, "processed")
		return
	}

	logger := l.logger.WithError(err).WithFields(map[string]interface{}{
		"message_id": msg.ID,
		"attempts":   msg.Attempts,
	})

	if engine.IsPermanent(err) || msg.Attempts >= l.config.MaxAttempts {
		// Dead-letter: the payload is logged and the message dropped.
		logger.WithField("payload", string(msg.Payload)).Error("message dead-lettered")
		l.metrics.RecordQueueMessage(l.config.Topic, "dead_lettered")
		if ackErr := l.consumer.Ack(ctx, msg); ackErr != nil {
			logger.WithError(ackErr).Warn("ack of dead-lettered message failed")
		}
		return
	}

	delay := calculateBackoff(l.config.BaseRetryDelay, msg.Attempts, err)
	logger.Warnf("handler failed, redelivering in %s", delay)
	l.metrics.RecordQueueMessage(l.config.Topic, "failed")
	if nackErr := l.consumer.Nack(ctx, msg, delay); nackErr != nil {
		logger.WithError(nackErr).Warn("nack failed")
	}
}

// handle converts handler panics into errors so a worker never dies.
func (l *Listener) handle(ctx context.Context, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.WithField("stack", string(debug.Stack())).Errorf("handler panic: %v", r)
			err = engine.NewTransientError(fmt.Sprintf("handler panic: %v", r), nil).
				WithCode(engine.ErrCodeInternal)
		}
	}()
	return l.handler.Handle(ctx, msg)
}

// calculateBackoff calculates the exponential nack delay of a failed attempt.
func calculateBackoff(base time.Duration, attempt int, err error) time.Duration {
	// Use different base delays for different error types
	if engine.IsThrottled(err) {
		base *= 5
	} else if engine.IsConflict(err) {
		base *= 2
	}

	// Exponential backoff: delay = base * 2^(attempt-1)
	if attempt < 1 {
		attempt = 1
	}
	delay := base * time.Duration(math.Pow(2, float64(attempt-1)))

	// Cap at 1 minute
	if delay > time.Minute {
		delay = time.Minute
	}
	return delay
}
