package queue

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/openfroyo/pms/pkg/engine"
	"github.com/openfroyo/pms/pkg/telemetry"
)

// RetryingProducer retries publishes that fail with a retryable error.
type RetryingProducer struct {
	next        Producer
	maxTries    uint
	maxInterval time.Duration
	logger      *telemetry.Logger
}

// NewRetryingProducer wraps next. maxTries bounds the attempts of one publish.
func NewRetryingProducer(next Producer, maxTries uint, logger *telemetry.Logger) *RetryingProducer {
	if maxTries == 0 {
		maxTries = 5
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &RetryingProducer{
		next:        next,
		maxTries:    maxTries,
		maxInterval: 5 * time.Second,
		logger:      logger.NewComponentLogger("queue"),
	}
}

// Publish implements Producer.
func (p *RetryingProducer) Publish(ctx context.Context, topic string, payload []byte, opts ...PublishOption) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = p.maxInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := p.next.Publish(ctx, topic, payload, opts...)
		if err != nil && !engine.IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.logger.WithError(err).WithField("topic", topic).Warnf("publish failed, retrying in %s", next)
		}),
	)
	if err != nil {
		return engine.NewTransientError("failed to publish to "+topic, err).
			WithCode(engine.ErrCodePublishFailed)
	}
	return nil
}
