package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/openfroyo/pms/pkg/engine"
)

func TestMemoryQueueLeaseAndAck(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	for _, p := range []string{"a", "b", "c"} {
		if err := q.Publish(ctx, "t", []byte(p)); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	first, err := q.Receive(ctx, "t", 2, time.Minute)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("Receive() got %d messages, want 2", len(first))
	}

	// Leased messages are invisible to a second consumer.
	second, _ := q.Receive(ctx, "t", 10, time.Minute)
	var got []string
	for _, m := range second {
		got = append(got, string(m.Payload))
	}
	if diff := cmp.Diff([]string{"c"}, got); diff != "" {
		t.Errorf("second Receive() mismatch (-want +got):\n%s", diff)
	}

	for _, m := range append(first, second...) {
		if err := q.Ack(ctx, m); err != nil {
			t.Fatalf("Ack() error = %v", err)
		}
	}
	if n := q.Len("t"); n != 0 {
		t.Errorf("Len() = %d, want 0", n)
	}
}

func TestMemoryQueueExpiredLeaseRedelivers(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	now := time.Now()
	q.now = func() time.Time { return now }

	_ = q.Publish(ctx, "t", []byte("x"))
	msgs, _ := q.Receive(ctx, "t", 1, time.Second)
	if len(msgs) != 1 || msgs[0].Attempts != 1 {
		t.Fatalf("first Receive() = %+v", msgs)
	}

	now = now.Add(2 * time.Second)
	msgs, _ = q.Receive(ctx, "t", 1, time.Second)
	if len(msgs) != 1 {
		t.Fatalf("Receive() after lease expiry got %d messages, want 1", len(msgs))
	}
	if msgs[0].Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", msgs[0].Attempts)
	}
}

func TestMemoryQueueDelay(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	now := time.Now()
	q.now = func() time.Time { return now }

	_ = q.Publish(ctx, "t", []byte("later"), WithDelay(time.Minute))
	if msgs, _ := q.Receive(ctx, "t", 1, time.Second); len(msgs) != 0 {
		t.Fatalf("delayed message delivered early")
	}
	next, ok := q.NextVisible()
	if !ok || !next.Equal(now.Add(time.Minute)) {
		t.Errorf("NextVisible() = %v, %v", next, ok)
	}
	now = now.Add(time.Minute)
	if msgs, _ := q.Receive(ctx, "t", 1, time.Second); len(msgs) != 1 {
		t.Fatalf("delayed message not delivered after delay")
	}
}

func TestListenerNacksThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	_ = q.Publish(ctx, "t", []byte("poison"))

	var calls int
	handler := HandlerFunc(func(ctx context.Context, msg *Message) error {
		calls++
		return engine.NewTransientError("store unavailable", nil)
	})
	l := NewListener(ListenerConfig{
		Topic:          "t",
		MaxAttempts:    3,
		BaseRetryDelay: time.Nanosecond,
	}, q, handler, nil, nil)

	for i := 0; i < 10 && q.Len("t") > 0; i++ {
		time.Sleep(time.Millisecond)
		if _, err := l.ProcessOnce(ctx); err != nil {
			t.Fatalf("ProcessOnce() error = %v", err)
		}
	}

	if calls != 3 {
		t.Errorf("handler calls = %d, want 3", calls)
	}
	if n := q.Len("t"); n != 0 {
		t.Errorf("Len() = %d, want dead-lettered message removed", n)
	}
}

func TestListenerPermanentErrorDeadLettersImmediately(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	_ = q.Publish(ctx, "t", []byte("bad"))

	var calls int
	l := NewListener(ListenerConfig{Topic: "t"}, q, HandlerFunc(func(ctx context.Context, msg *Message) error {
		calls++
		return engine.NewPermanentError("malformed event", nil)
	}), nil, nil)

	if _, err := l.ProcessOnce(ctx); err != nil {
		t.Fatalf("ProcessOnce() error = %v", err)
	}
	if calls != 1 || q.Len("t") != 0 {
		t.Errorf("calls = %d, Len() = %d; want 1, 0", calls, q.Len("t"))
	}
}

func TestListenerRecoversPanics(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	_ = q.Publish(ctx, "t", []byte("boom"))

	l := NewListener(ListenerConfig{Topic: "t", MaxAttempts: 1}, q, HandlerFunc(func(ctx context.Context, msg *Message) error {
		panic("step exploded")
	}), nil, nil)

	if _, err := l.ProcessOnce(ctx); err != nil {
		t.Fatalf("ProcessOnce() error = %v", err)
	}
	if q.Len("t") != 0 {
		t.Errorf("panicking message was not dead-lettered")
	}
}

func TestListenerRunProcessesConcurrently(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := NewMemoryQueue()

	const n = 50
	for i := 0; i < n; i++ {
		_ = q.Publish(ctx, "t", []byte{byte(i)})
	}

	var processed atomic.Int64
	var wg sync.WaitGroup
	wg.Add(n)
	l := NewListener(ListenerConfig{Topic: "t", Workers: 4, PollInterval: time.Millisecond}, q,
		HandlerFunc(func(ctx context.Context, msg *Message) error {
			processed.Add(1)
			wg.Done()
			return nil
		}), nil, nil)

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	wg.Wait()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := processed.Load(); got != n {
		t.Errorf("processed = %d, want %d", got, n)
	}
}

type flakyProducer struct {
	failures int
	err      error
	calls    int
}

func (p *flakyProducer) Publish(ctx context.Context, topic string, payload []byte, opts ...PublishOption) error {
	p.calls++
	if p.calls <= p.failures {
		return p.err
	}
	return nil
}

func TestRetryingProducer(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		err       error
		wantCalls int
		wantErr   bool
	}{
		{"succeeds first time", 0, nil, 1, false},
		{"retries transient", 2, engine.NewTransientError("busy", nil), 3, false},
		{"gives up after max tries", 10, engine.NewTransientError("busy", nil), 3, true},
		{"does not retry permanent", 10, errors.New("encoding failed"), 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := &flakyProducer{failures: tt.failures, err: tt.err}
			p := NewRetryingProducer(next, 3, nil)
			p.maxInterval = time.Millisecond

			err := p.Publish(context.Background(), "t", []byte("x"))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Publish() error = %v, wantErr %v", err, tt.wantErr)
			}
			if next.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", next.calls, tt.wantCalls)
			}
		})
	}
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		err     error
		want    time.Duration
	}{
		{1, engine.NewTransientError("x", nil), time.Second},
		{3, engine.NewTransientError("x", nil), 4 * time.Second},
		{1, engine.NewThrottledError("x", nil), 5 * time.Second},
		{1, engine.NewConflictError("x", nil), 2 * time.Second},
		{20, engine.NewTransientError("x", nil), time.Minute},
	}
	for _, tt := range tests {
		if got := calculateBackoff(time.Second, tt.attempt, tt.err); got != tt.want {
			t.Errorf("calculateBackoff(%d, %v) = %v, want %v", tt.attempt, tt.err, got, tt.want)
		}
	}
}
