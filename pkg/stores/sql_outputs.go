package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/pms/pkg/engine"
	"github.com/openfroyo/pms/pkg/outputs"
)

const outputColumns = `id, kind, plan_execution_id, scope_path, name, produced_by_runtime_id, created_at, valid_until, data`

// InsertOutput implements outputs.Store.
func (s *SQLStore) InsertOutput(ctx context.Context, inst *outputs.Instance) error {
	inserted, err := s.InsertOutputIfAbsent(ctx, inst)
	if err != nil {
		return err
	}
	if !inserted {
		return engine.NewConflictError("output "+inst.Name+" already exists", nil).
			WithCode(engine.ErrCodeAlreadyExists).
			WithResource(inst.ScopePath)
	}
	return nil
}

// InsertOutputIfAbsent implements outputs.Store.
func (s *SQLStore) InsertOutputIfAbsent(ctx context.Context, inst *outputs.Instance) (bool, error) {
	defer s.observe("insert_output", time.Now())

	data, err := json.Marshal(inst)
	if err != nil {
		return false, fmt.Errorf("failed to encode output: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO outputs (`+outputColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`),
		inst.UUID, string(inst.Kind), inst.PlanExecutionID, inst.ScopePath, inst.Name,
		inst.ProducedByRuntimeID, micros(inst.CreatedAt), micros(inst.ValidUntil), string(data),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert output: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReplaceOutput implements outputs.Store.
func (s *SQLStore) ReplaceOutput(ctx context.Context, oldID string, inst *outputs.Instance) (bool, error) {
	defer s.observe("replace_output", time.Now())

	data, err := json.Marshal(inst)
	if err != nil {
		return false, fmt.Errorf("failed to encode output: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE outputs
		SET id = ?, produced_by_runtime_id = ?, created_at = ?, valid_until = ?, data = ?
		WHERE id = ? AND kind = ? AND plan_execution_id = ? AND scope_path = ? AND name = ?
	`),
		inst.UUID, inst.ProducedByRuntimeID, micros(inst.CreatedAt), micros(inst.ValidUntil), string(data),
		oldID, string(inst.Kind), inst.PlanExecutionID, inst.ScopePath, inst.Name,
	)
	if err != nil {
		return false, fmt.Errorf("failed to replace output: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FindOutput implements outputs.Store.
func (s *SQLStore) FindOutput(ctx context.Context, kind outputs.Kind, planExecutionID, scopePath, name string, now time.Time) (*outputs.Instance, error) {
	defer s.observe("find_output", time.Now())

	var data string
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT data FROM outputs
		WHERE kind = ? AND plan_execution_id = ? AND scope_path = ? AND name = ? AND valid_until >= ?
	`), string(kind), planExecutionID, scopePath, name, micros(now)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError(string(kind), name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find output: %w", err)
	}
	return decodeOutput(data)
}

// ListOutputs implements outputs.Store.
func (s *SQLStore) ListOutputs(ctx context.Context, kind outputs.Kind, planExecutionID, pathPrefix string, now time.Time) ([]*outputs.Instance, error) {
	defer s.observe("list_outputs", time.Now())

	args := []interface{}{string(kind), planExecutionID, micros(now)}
	args = append(args, prefixArgs(pathPrefix)...)
	return s.queryOutputs(ctx, `
		SELECT data FROM outputs
		WHERE kind = ? AND plan_execution_id = ? AND valid_until >= ? AND `+hasPrefix("scope_path")+`
		ORDER BY created_at, name
	`, args...)
}

// ListOutputsProducedBy implements outputs.Store.
func (s *SQLStore) ListOutputsProducedBy(ctx context.Context, runtimeID string) ([]*outputs.Instance, error) {
	defer s.observe("list_outputs_produced_by", time.Now())

	return s.queryOutputs(ctx, `
		SELECT data FROM outputs WHERE produced_by_runtime_id = ? ORDER BY created_at, name
	`, runtimeID)
}

// DeleteExpired implements outputs.Store.
func (s *SQLStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	defer s.observe("delete_expired_outputs", time.Now())

	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM outputs WHERE valid_until < ?`), micros(now))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired outputs: %w", err)
	}
	return affected(res)
}

func (s *SQLStore) queryOutputs(ctx context.Context, query string, args ...interface{}) ([]*outputs.Instance, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list outputs: %w", err)
	}
	defer rows.Close()

	var out []*outputs.Instance
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan output: %w", err)
		}
		inst, err := decodeOutput(data)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outputs: %w", err)
	}
	return out, nil
}

func decodeOutput(data string) (*outputs.Instance, error) {
	inst := &outputs.Instance{}
	if err := json.Unmarshal([]byte(data), inst); err != nil {
		return nil, fmt.Errorf("failed to decode output: %w", err)
	}
	return inst, nil
}
