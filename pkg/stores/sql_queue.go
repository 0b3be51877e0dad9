package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/pms/pkg/queue"
)

// SQLQueue is a durable queue.Queue kept in the store's database. Leases
// are taken with a guarded update so competing consumers on the same
// database never hold one message at the same time.
type SQLQueue struct {
	store *SQLStore
	now   func() time.Time
}

// NewSQLQueue creates a queue on an initialized and migrated store.
func NewSQLQueue(store *SQLStore) *SQLQueue {
	return &SQLQueue{store: store, now: time.Now}
}

// Publish implements queue.Producer.
func (q *SQLQueue) Publish(ctx context.Context, topic string, payload []byte, opts ...queue.PublishOption) error {
	defer q.store.observe("queue_publish", time.Now())

	now := q.now()
	delay := queue.ApplyPublishOptions(opts...)
	if payload == nil {
		payload = []byte{}
	}
	_, err := q.store.db.ExecContext(ctx, q.store.rebind(`
		INSERT INTO queue_messages (id, topic, payload, attempts, enqueued_at, visible_at, leased_until)
		VALUES (?, ?, ?, 0, ?, ?, 0)
	`), queue.NewMessageID(), topic, payload, micros(now), micros(now.Add(delay)))
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Receive implements queue.Consumer.
func (q *SQLQueue) Receive(ctx context.Context, topic string, limit int, lease time.Duration) ([]*queue.Message, error) {
	defer q.store.observe("queue_receive", time.Now())

	if limit <= 0 {
		limit = 1
	}
	now := micros(q.now())

	rows, err := q.store.db.QueryContext(ctx, q.store.rebind(`
		SELECT id FROM queue_messages
		WHERE topic = ? AND visible_at <= ? AND leased_until <= ?
		ORDER BY visible_at, id
		LIMIT ?
	`), topic, now, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to poll %s: %w", topic, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan message id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	leasedUntil := now + lease.Microseconds()
	out := make([]*queue.Message, 0, len(ids))
	for _, id := range ids {
		res, err := q.store.db.ExecContext(ctx, q.store.rebind(`
			UPDATE queue_messages SET attempts = attempts + 1, leased_until = ?
			WHERE id = ? AND visible_at <= ? AND leased_until <= ?
		`), leasedUntil, id, now, now)
		if err != nil {
			return out, fmt.Errorf("failed to lease message %s: %w", id, err)
		}
		n, err := affected(res)
		if err != nil {
			return out, err
		}
		if n == 0 {
			// another consumer won the lease
			continue
		}

		msg := &queue.Message{}
		var enqueuedAt int64
		err = q.store.db.QueryRowContext(ctx, q.store.rebind(`
			SELECT id, topic, payload, attempts, enqueued_at FROM queue_messages WHERE id = ?
		`), id).Scan(&msg.ID, &msg.Topic, &msg.Payload, &msg.Attempts, &enqueuedAt)
		if err != nil {
			return out, fmt.Errorf("failed to read message %s: %w", id, err)
		}
		msg.EnqueuedAt = time.UnixMicro(enqueuedAt)
		out = append(out, msg)
	}
	return out, nil
}

// Ack implements queue.Consumer.
func (q *SQLQueue) Ack(ctx context.Context, msg *queue.Message) error {
	defer q.store.observe("queue_ack", time.Now())

	if _, err := q.store.db.ExecContext(ctx, q.store.rebind(`DELETE FROM queue_messages WHERE id = ?`), msg.ID); err != nil {
		return fmt.Errorf("failed to ack message %s: %w", msg.ID, err)
	}
	return nil
}

// Nack implements queue.Consumer.
func (q *SQLQueue) Nack(ctx context.Context, msg *queue.Message, delay time.Duration) error {
	defer q.store.observe("queue_nack", time.Now())

	if _, err := q.store.db.ExecContext(ctx, q.store.rebind(`
		UPDATE queue_messages SET leased_until = 0, visible_at = ? WHERE id = ?
	`), micros(q.now().Add(delay)), msg.ID); err != nil {
		return fmt.Errorf("failed to nack message %s: %w", msg.ID, err)
	}
	return nil
}

// Depth returns the number of unacked messages of topic.
func (q *SQLQueue) Depth(ctx context.Context, topic string) (int, error) {
	var n int
	err := q.store.db.QueryRowContext(ctx, q.store.rebind(`SELECT COUNT(*) FROM queue_messages WHERE topic = ?`), topic).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", topic, err)
	}
	return n, nil
}

var _ queue.Queue = (*SQLQueue)(nil)
