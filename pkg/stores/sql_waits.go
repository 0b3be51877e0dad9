package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/pms/pkg/engine"
	"github.com/openfroyo/pms/pkg/waitnotify"
)

// CreateWaitInstance implements waitnotify.Store.
func (s *SQLStore) CreateWaitInstance(ctx context.Context, wi *waitnotify.WaitInstance) error {
	defer s.observe("create_wait_instance", time.Now())

	data, err := json.Marshal(wi)
	if err != nil {
		return fmt.Errorf("failed to encode wait instance: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO wait_instances (id, status, created_at, data) VALUES (?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING
		`), wi.ID, string(wi.Status), micros(wi.CreatedAt), string(data))
		if err != nil {
			return fmt.Errorf("failed to create wait instance: %w", err)
		}
		n, err := affected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return alreadyExists("wait instance", wi.ID)
		}
		for _, id := range wi.CorrelationIDs {
			if _, err := tx.ExecContext(ctx, s.rebind(`
				INSERT INTO wait_correlations (correlation_id, wait_id) VALUES (?, ?)
				ON CONFLICT DO NOTHING
			`), id, wi.ID); err != nil {
				return fmt.Errorf("failed to index wait instance: %w", err)
			}
		}
		return nil
	})
}

// GetWaitInstance implements waitnotify.Store.
func (s *SQLStore) GetWaitInstance(ctx context.Context, id string) (*waitnotify.WaitInstance, error) {
	defer s.observe("get_wait_instance", time.Now())

	var data string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT data FROM wait_instances WHERE id = ?`), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("wait instance", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wait instance: %w", err)
	}
	return decodeWait(data)
}

// ListWaitInstances implements waitnotify.Store.
func (s *SQLStore) ListWaitInstances(ctx context.Context, correlationID string) ([]*waitnotify.WaitInstance, error) {
	defer s.observe("list_wait_instances", time.Now())

	return s.queryWaits(ctx, `
		SELECT w.data FROM wait_instances w
		JOIN wait_correlations c ON c.wait_id = w.id
		WHERE c.correlation_id = ?
		ORDER BY w.created_at, w.id
	`, correlationID)
}

// ListWaitingInstances implements waitnotify.Store.
func (s *SQLStore) ListWaitingInstances(ctx context.Context, limit int) ([]*waitnotify.WaitInstance, error) {
	defer s.observe("list_waiting_instances", time.Now())

	query := `SELECT data FROM wait_instances WHERE status = ? ORDER BY created_at, id`
	args := []interface{}{string(waitnotify.WaitStatusWaiting)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryWaits(ctx, query, args...)
}

// ClaimWaitInstance implements waitnotify.Store. The status guard in the
// update makes exactly one concurrent caller win.
func (s *SQLStore) ClaimWaitInstance(ctx context.Context, id string, at time.Time) (bool, error) {
	defer s.observe("claim_wait_instance", time.Now())

	wi, err := s.GetWaitInstance(ctx, id)
	if err != nil {
		return false, err
	}
	if wi.Status != waitnotify.WaitStatusWaiting {
		return false, nil
	}
	wi.Status = waitnotify.WaitStatusDone
	wi.DoneAt = &at
	return s.moveWait(ctx, wi, waitnotify.WaitStatusWaiting)
}

// ReleaseWaitInstance implements waitnotify.Store.
func (s *SQLStore) ReleaseWaitInstance(ctx context.Context, id string) error {
	defer s.observe("release_wait_instance", time.Now())

	wi, err := s.GetWaitInstance(ctx, id)
	if err != nil {
		return err
	}
	from := wi.Status
	wi.Status = waitnotify.WaitStatusWaiting
	wi.DoneAt = nil
	_, err = s.moveWait(ctx, wi, from)
	return err
}

func (s *SQLStore) moveWait(ctx context.Context, wi *waitnotify.WaitInstance, from waitnotify.WaitStatus) (bool, error) {
	data, err := json.Marshal(wi)
	if err != nil {
		return false, fmt.Errorf("failed to encode wait instance: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE wait_instances SET status = ?, data = ? WHERE id = ? AND status = ?
	`), string(wi.Status), string(data), wi.ID, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to update wait instance: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SaveNotifyResponse implements waitnotify.Store.
func (s *SQLStore) SaveNotifyResponse(ctx context.Context, resp *waitnotify.NotifyResponse) (bool, error) {
	defer s.observe("save_notify_response", time.Now())

	data, err := json.Marshal(resp)
	if err != nil {
		return false, fmt.Errorf("failed to encode notify response: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO notify_responses (correlation_id, data) VALUES (?, ?)
		ON CONFLICT (correlation_id) DO NOTHING
	`), resp.CorrelationID, string(data))
	if err != nil {
		return false, fmt.Errorf("failed to save notify response: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetNotifyResponses implements waitnotify.Store.
func (s *SQLStore) GetNotifyResponses(ctx context.Context, correlationIDs []string) (map[string]*waitnotify.NotifyResponse, error) {
	defer s.observe("get_notify_responses", time.Now())

	out := make(map[string]*waitnotify.NotifyResponse, len(correlationIDs))
	if len(correlationIDs) == 0 {
		return out, nil
	}
	args := make([]interface{}, len(correlationIDs))
	for i, id := range correlationIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT data FROM notify_responses WHERE correlation_id IN (`+placeholders(len(args))+`)
	`), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get notify responses: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan notify response: %w", err)
		}
		r := &waitnotify.NotifyResponse{}
		if err := json.Unmarshal([]byte(data), r); err != nil {
			return nil, fmt.Errorf("failed to decode notify response: %w", err)
		}
		out[r.CorrelationID] = r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notify responses: %w", err)
	}
	return out, nil
}

func (s *SQLStore) queryWaits(ctx context.Context, query string, args ...interface{}) ([]*waitnotify.WaitInstance, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list wait instances: %w", err)
	}
	defer rows.Close()

	var out []*waitnotify.WaitInstance
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan wait instance: %w", err)
		}
		wi, err := decodeWait(data)
		if err != nil {
			return nil, err
		}
		out = append(out, wi)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating wait instances: %w", err)
	}
	return out, nil
}

func decodeWait(data string) (*waitnotify.WaitInstance, error) {
	wi := &waitnotify.WaitInstance{}
	if err := json.Unmarshal([]byte(data), wi); err != nil {
		return nil, fmt.Errorf("failed to decode wait instance: %w", err)
	}
	return wi, nil
}
