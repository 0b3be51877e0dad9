package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type memoryEntry struct {
	msg         Message
	visibleAt   time.Time
	leasedUntil time.Time
}

// MemoryQueue is a process local Queue used by tests and by single process
// deployments that run with --memory.
type MemoryQueue struct {
	mu     sync.Mutex
	topics map[string][]*memoryEntry
	now    func() time.Time
	closed bool
	notify chan struct{}
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		topics: make(map[string][]*memoryEntry),
		now:    time.Now,
		notify: make(chan struct{}, 1),
	}
}

// Publish implements Producer.
func (q *MemoryQueue) Publish(ctx context.Context, topic string, payload []byte, opts ...PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	delay := ApplyPublishOptions(opts...)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("queue is closed")
	}

	now := q.now()
	buf := make([]byte, len(payload))
	copy(buf, payload)
	q.topics[topic] = append(q.topics[topic], &memoryEntry{
		msg: Message{
			ID:         NewMessageID(),
			Topic:      topic,
			Payload:    buf,
			EnqueuedAt: now,
		},
		visibleAt: now.Add(delay),
	})

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Receive implements Consumer.
func (q *MemoryQueue) Receive(ctx context.Context, topic string, limit int, lease time.Duration) ([]*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var out []*Message
	for _, e := range q.topics[topic] {
		if len(out) >= limit {
			break
		}
		if now.Before(e.visibleAt) || now.Before(e.leasedUntil) {
			continue
		}
		e.msg.Attempts++
		e.leasedUntil = now.Add(lease)
		m := e.msg
		out = append(out, &m)
	}
	return out, nil
}

// Ack implements Consumer.
func (q *MemoryQueue) Ack(ctx context.Context, msg *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.topics[msg.Topic]
	for i, e := range entries {
		if e.msg.ID == msg.ID {
			q.topics[msg.Topic] = append(entries[:i], entries[i+1:]...)
			return nil
		}
	}
	return nil
}

// Nack implements Consumer.
func (q *MemoryQueue) Nack(ctx context.Context, msg *Message, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.topics[msg.Topic] {
		if e.msg.ID == msg.ID {
			e.leasedUntil = time.Time{}
			e.visibleAt = q.now().Add(delay)
			break
		}
	}
	// Keep delivery order by visibility time so delayed retries do not
	// starve messages published after them.
	sort.SliceStable(q.topics[msg.Topic], func(i, j int) bool {
		return q.topics[msg.Topic][i].visibleAt.Before(q.topics[msg.Topic][j].visibleAt)
	})
	return nil
}

// Len returns the number of messages of topic that are not yet acked.
func (q *MemoryQueue) Len(topic string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.topics[topic])
}

// Pending returns the number of unacked messages across every topic.
func (q *MemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, entries := range q.topics {
		n += len(entries)
	}
	return n
}

// NextVisible returns the earliest time a message of any topic becomes
// visible, and false when the queue is empty.
func (q *MemoryQueue) NextVisible() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var next time.Time
	found := false
	for _, entries := range q.topics {
		for _, e := range entries {
			at := e.visibleAt
			if e.leasedUntil.After(at) {
				at = e.leasedUntil
			}
			if !found || at.Before(next) {
				next, found = at, true
			}
		}
	}
	return next, found
}

// Notify returns a channel that receives after every publish.
func (q *MemoryQueue) Notify() <-chan struct{} {
	return q.notify
}

// Close rejects further publishes.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
