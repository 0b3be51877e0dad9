package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// PostgreSQL driver, registered as "pgx"
	_ "github.com/jackc/pgx/v5/stdlib"
	// SQLite driver, registered as "sqlite"
	_ "modernc.org/sqlite"

	"github.com/openfroyo/pms/pkg/engine"
	"github.com/openfroyo/pms/pkg/telemetry"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// SQLStore implements Store on SQLite or PostgreSQL. Records are stored as
// JSON documents next to the columns the range queries filter on.
type SQLStore struct {
	db      *sql.DB
	cfg     Config
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// NewSQLStore creates a store. Call Init before use.
func NewSQLStore(cfg Config, logger *telemetry.Logger, metrics *telemetry.Metrics) (*SQLStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	cfg.setDefaults()
	if cfg.Driver != DriverSQLite && cfg.Driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &SQLStore{
		cfg:     cfg,
		logger:  logger.NewComponentLogger("stores"),
		metrics: metrics,
	}, nil
}

// Open creates, initializes and migrates a store.
func Open(ctx context.Context, cfg Config, logger *telemetry.Logger, metrics *telemetry.Metrics) (*SQLStore, error) {
	s, err := NewSQLStore(cfg, logger, metrics)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init opens the connection pool.
func (s *SQLStore) Init(ctx context.Context) error {
	driverName, dsn := "pgx", s.cfg.DSN
	if s.cfg.Driver == DriverSQLite {
		driverName, dsn = "sqlite", sqliteDSN(s.cfg.DSN)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	s.logger.WithField("driver", s.cfg.Driver).Debug("database opened")
	return nil
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	if isMemoryDSN(path) {
		return path + "?_pragma=foreign_keys(1)"
	}
	return path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB returns the underlying pool.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Driver returns the configured driver name.
func (s *SQLStore) Driver() string {
	return s.cfg.Driver
}

// Migrate applies the embedded migrations of the configured driver.
func (s *SQLStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations/"+s.cfg.Driver)
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	var driver database.Driver
	switch s.cfg.Driver {
	case DriverPostgres:
		driver, err = migratepgx.WithInstance(s.db, &migratepgx.Config{})
	default:
		driver, err = migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	}
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, s.cfg.Driver, driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *SQLStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	return rebind(s.cfg.Driver, query)
}

func rebind(driver, query string) string {
	if driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) observe(op string, start time.Time) {
	s.metrics.ObserveStoreOperation(op, time.Since(start))
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// withTx runs fn in a transaction and commits when it returns nil.
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func affected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

func alreadyExists(kind, id string) error {
	return engine.NewConflictError(kind+" exists", nil).
		WithCode(engine.ErrCodeAlreadyExists).
		WithResource(id)
}

func micros(t time.Time) int64 {
	return t.UnixMicro()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// hasPrefix is a portable, case sensitive prefix filter on column.
func hasPrefix(column string) string {
	return "substr(" + column + ", 1, ?) = ?"
}

func prefixArgs(prefix string) []interface{} {
	return []interface{}{utf8.RuneCountInString(prefix), prefix}
}

// Node executions

func runtimePath(ne *engine.NodeExecution) string {
	if ne.Ambiance == nil {
		return ""
	}
	return ne.Ambiance.RuntimePath()
}

// CreateNodeExecution implements engine.NodeExecutionRepository.
func (s *SQLStore) CreateNodeExecution(ctx context.Context, ne *engine.NodeExecution) error {
	defer s.observe("create_node_execution", time.Now())

	ne.Version = 1
	data, err := json.Marshal(ne)
	if err != nil {
		return fmt.Errorf("failed to encode node execution: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO node_executions (
			id, plan_execution_id, parent_id, node_id, notify_id, runtime_path,
			status, old_retry, version, data, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`),
		ne.UUID, ne.PlanExecutionID(), ne.ParentID, ne.NodeID, ne.NotifyID, runtimePath(ne),
		string(ne.Status), ne.OldRetry, ne.Version, string(data), micros(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to create node execution: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return alreadyExists("node execution", ne.UUID)
	}
	return nil
}

// GetNodeExecution implements engine.NodeExecutionRepository.
func (s *SQLStore) GetNodeExecution(ctx context.Context, id string) (*engine.NodeExecution, error) {
	defer s.observe("get_node_execution", time.Now())

	var (
		version int64
		data    string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT version, data FROM node_executions WHERE id = ?`), id).
		Scan(&version, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("node execution", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node execution: %w", err)
	}
	return decodeNode(version, data)
}

func decodeNode(version int64, data string) (*engine.NodeExecution, error) {
	ne := &engine.NodeExecution{}
	if err := json.Unmarshal([]byte(data), ne); err != nil {
		return nil, fmt.Errorf("failed to decode node execution: %w", err)
	}
	ne.Version = version
	return ne, nil
}

// UpdateNodeExecution implements engine.NodeExecutionRepository.
func (s *SQLStore) UpdateNodeExecution(ctx context.Context, ne *engine.NodeExecution) error {
	defer s.observe("update_node_execution", time.Now())

	expected := ne.Version
	ne.Version++
	data, err := json.Marshal(ne)
	if err != nil {
		ne.Version = expected
		return fmt.Errorf("failed to encode node execution: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE node_executions
		SET parent_id = ?, notify_id = ?, runtime_path = ?, status = ?, old_retry = ?,
			version = ?, data = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`),
		ne.ParentID, ne.NotifyID, runtimePath(ne), string(ne.Status), ne.OldRetry,
		ne.Version, string(data), micros(time.Now()),
		ne.UUID, expected,
	)
	if err != nil {
		ne.Version = expected
		return fmt.Errorf("failed to update node execution: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		ne.Version = expected
		return err
	}
	if n == 0 {
		ne.Version = expected
		return s.casFailure(ctx, "node_executions", "node execution", ne.UUID, expected)
	}
	return nil
}

// casFailure tells a missing row from a stale version.
func (s *SQLStore) casFailure(ctx context.Context, table, kind, id string, version int64) error {
	var one int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM `+table+` WHERE id = ?`), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.NewNotFoundError(kind, id)
	}
	if err != nil {
		return fmt.Errorf("failed to check %s: %w", kind, err)
	}
	return engine.NewVersionConflictError(id, version)
}

// ListNodeExecutions implements engine.NodeExecutionRepository.
func (s *SQLStore) ListNodeExecutions(ctx context.Context, f engine.NodeExecutionFilter) ([]*engine.NodeExecution, error) {
	defer s.observe("list_node_executions", time.Now())

	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, vals ...interface{}) {
		where = append(where, clause)
		args = append(args, vals...)
	}
	if f.PlanExecutionID != "" {
		add("plan_execution_id = ?", f.PlanExecutionID)
	}
	if f.ParentID != "" {
		add("parent_id = ?", f.ParentID)
	}
	if f.NodeID != "" {
		add("node_id = ?", f.NodeID)
	}
	if f.NotifyID != "" {
		add("notify_id = ?", f.NotifyID)
	}
	if f.PathPrefix != "" {
		add(hasPrefix("runtime_path"), prefixArgs(f.PathPrefix)...)
	}
	if len(f.Statuses) > 0 {
		vals := make([]interface{}, len(f.Statuses))
		for i, st := range f.Statuses {
			vals[i] = string(st)
		}
		add("status IN ("+placeholders(len(vals))+")", vals...)
	}
	if !f.IncludeOldRetries {
		add("old_retry = ?", false)
	}

	query := `SELECT version, data FROM node_executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq"

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list node executions: %w", err)
	}
	defer rows.Close()

	out := []*engine.NodeExecution{}
	for rows.Next() {
		var (
			version int64
			data    string
		)
		if err := rows.Scan(&version, &data); err != nil {
			return nil, fmt.Errorf("failed to scan node execution: %w", err)
		}
		ne, err := decodeNode(version, data)
		if err != nil {
			return nil, err
		}
		out = append(out, ne)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating node executions: %w", err)
	}
	return out, nil
}

// Plans

// SavePlan implements engine.PlanRepository. The stored node set is
// replaced by plan.Nodes.
func (s *SQLStore) SavePlan(ctx context.Context, plan *engine.Plan) error {
	defer s.observe("save_plan", time.Now())

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO plans (id, starting_node_id, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET starting_node_id = excluded.starting_node_id, updated_at = excluded.updated_at
		`), plan.UUID, plan.StartingNodeID, micros(time.Now())); err != nil {
			return fmt.Errorf("failed to save plan: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM plan_nodes WHERE plan_id = ?`), plan.UUID); err != nil {
			return fmt.Errorf("failed to clear plan nodes: %w", err)
		}
		for i, n := range plan.Nodes {
			if err := s.upsertPlanNode(ctx, tx, plan.UUID, n, int64(i)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLStore) upsertPlanNode(ctx context.Context, q execer, planID string, n *engine.PlanNode, position int64) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode plan node: %w", err)
	}
	if _, err := q.ExecContext(ctx, s.rebind(`
		INSERT INTO plan_nodes (plan_id, node_id, position, data) VALUES (?, ?, ?, ?)
		ON CONFLICT (plan_id, node_id) DO UPDATE SET data = excluded.data
	`), planID, n.UUID, position, string(data)); err != nil {
		return fmt.Errorf("failed to save plan node %s: %w", n.UUID, err)
	}
	return nil
}

// GetPlan implements engine.PlanRepository.
func (s *SQLStore) GetPlan(ctx context.Context, id string) (*engine.Plan, error) {
	defer s.observe("get_plan", time.Now())

	plan := &engine.Plan{UUID: id}
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT starting_node_id FROM plans WHERE id = ?`), id).
		Scan(&plan.StartingNodeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("plan", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT data FROM plan_nodes WHERE plan_id = ? ORDER BY position`), id)
	if err != nil {
		return nil, fmt.Errorf("failed to list plan nodes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan plan node: %w", err)
		}
		n := &engine.PlanNode{}
		if err := json.Unmarshal([]byte(data), n); err != nil {
			return nil, fmt.Errorf("failed to decode plan node: %w", err)
		}
		plan.Nodes = append(plan.Nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plan nodes: %w", err)
	}
	return plan, nil
}

// GetPlanNode implements engine.PlanRepository.
func (s *SQLStore) GetPlanNode(ctx context.Context, planID, nodeID string) (*engine.PlanNode, error) {
	defer s.observe("get_plan_node", time.Now())

	var data string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT data FROM plan_nodes WHERE plan_id = ? AND node_id = ?`), planID, nodeID).
		Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		if ok, err := s.planExists(ctx, s.db, planID); err != nil {
			return nil, err
		} else if !ok {
			return nil, engine.NewNotFoundError("plan", planID)
		}
		return nil, engine.NewNotFoundError("plan node", nodeID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan node: %w", err)
	}
	n := &engine.PlanNode{}
	if err := json.Unmarshal([]byte(data), n); err != nil {
		return nil, fmt.Errorf("failed to decode plan node: %w", err)
	}
	return n, nil
}

func (s *SQLStore) planExists(ctx context.Context, q execer, planID string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM plans WHERE id = ?`), planID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check plan: %w", err)
	}
	return true, nil
}

// SavePlanNodes implements engine.PlanRepository. New nodes are appended
// after the existing ones.
func (s *SQLStore) SavePlanNodes(ctx context.Context, planID string, nodes ...*engine.PlanNode) error {
	defer s.observe("save_plan_nodes", time.Now())

	return s.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := s.planExists(ctx, tx, planID)
		if err != nil {
			return err
		}
		if !ok {
			return engine.NewNotFoundError("plan", planID)
		}
		var last int64
		if err := tx.QueryRowContext(ctx, s.rebind(`SELECT COALESCE(MAX(position), -1) FROM plan_nodes WHERE plan_id = ?`), planID).
			Scan(&last); err != nil {
			return fmt.Errorf("failed to read plan node positions: %w", err)
		}
		for i, n := range nodes {
			if err := s.upsertPlanNode(ctx, tx, planID, n, last+1+int64(i)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Plan executions

// CreatePlanExecution implements engine.PlanExecutionRepository.
func (s *SQLStore) CreatePlanExecution(ctx context.Context, pe *engine.PlanExecution) error {
	defer s.observe("create_plan_execution", time.Now())

	pe.Version = 1
	created := pe.StartTs
	if created.IsZero() {
		created = time.Now()
	}
	data, err := json.Marshal(pe)
	if err != nil {
		return fmt.Errorf("failed to encode plan execution: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO plan_executions (id, plan_id, status, version, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`), pe.UUID, pe.PlanID, string(pe.Status), pe.Version, string(data), micros(created))
	if err != nil {
		return fmt.Errorf("failed to create plan execution: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return alreadyExists("plan execution", pe.UUID)
	}
	return nil
}

// GetPlanExecution implements engine.PlanExecutionRepository.
func (s *SQLStore) GetPlanExecution(ctx context.Context, id string) (*engine.PlanExecution, error) {
	defer s.observe("get_plan_execution", time.Now())

	var (
		version int64
		data    string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT version, data FROM plan_executions WHERE id = ?`), id).
		Scan(&version, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("plan execution", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan execution: %w", err)
	}
	pe := &engine.PlanExecution{}
	if err := json.Unmarshal([]byte(data), pe); err != nil {
		return nil, fmt.Errorf("failed to decode plan execution: %w", err)
	}
	pe.Version = version
	return pe, nil
}

// UpdatePlanExecution implements engine.PlanExecutionRepository.
func (s *SQLStore) UpdatePlanExecution(ctx context.Context, pe *engine.PlanExecution) error {
	defer s.observe("update_plan_execution", time.Now())

	expected := pe.Version
	pe.Version++
	data, err := json.Marshal(pe)
	if err != nil {
		pe.Version = expected
		return fmt.Errorf("failed to encode plan execution: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE plan_executions SET status = ?, version = ?, data = ?
		WHERE id = ? AND version = ?
	`), string(pe.Status), pe.Version, string(data), pe.UUID, expected)
	if err != nil {
		pe.Version = expected
		return fmt.Errorf("failed to update plan execution: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		pe.Version = expected
		return err
	}
	if n == 0 {
		pe.Version = expected
		return s.casFailure(ctx, "plan_executions", "plan execution", pe.UUID, expected)
	}
	return nil
}

// ListPlanExecutions returns plan executions, newest first, optionally
// narrowed to the given statuses.
func (s *SQLStore) ListPlanExecutions(ctx context.Context, limit int, statuses ...engine.Status) ([]*engine.PlanExecution, error) {
	defer s.observe("list_plan_executions", time.Now())

	query := `SELECT version, data FROM plan_executions`
	var args []interface{}
	if len(statuses) > 0 {
		query += " WHERE status IN (" + placeholders(len(statuses)) + ")"
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += " ORDER BY created_at DESC, id"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list plan executions: %w", err)
	}
	defer rows.Close()

	out := []*engine.PlanExecution{}
	for rows.Next() {
		var (
			version int64
			data    string
		)
		if err := rows.Scan(&version, &data); err != nil {
			return nil, fmt.Errorf("failed to scan plan execution: %w", err)
		}
		pe := &engine.PlanExecution{}
		if err := json.Unmarshal([]byte(data), pe); err != nil {
			return nil, fmt.Errorf("failed to decode plan execution: %w", err)
		}
		pe.Version = version
		out = append(out, pe)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plan executions: %w", err)
	}
	return out, nil
}
