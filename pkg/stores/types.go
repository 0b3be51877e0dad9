package stores

import (
	"context"
	"time"

	"github.com/openfroyo/pms/pkg/engine"
	"github.com/openfroyo/pms/pkg/outputs"
	"github.com/openfroyo/pms/pkg/waitnotify"
)

// Supported SQL drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store is everything the engine persists.
type Store interface {
	engine.NodeExecutionRepository
	engine.PlanRepository
	engine.PlanExecutionRepository
	outputs.Store
	waitnotify.Store

	// ListPlanExecutions returns plan executions, newest first, optionally
	// narrowed to the given statuses. A non-positive limit returns all.
	ListPlanExecutions(ctx context.Context, limit int, statuses ...engine.Status) ([]*engine.PlanExecution, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// Config holds SQL store configuration.
type Config struct {
	// Driver is DriverSQLite or DriverPostgres.
	Driver string

	// DSN is a file path (or ":memory:") for SQLite and a connection URL
	// for PostgreSQL.
	DSN string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (c *Config) setDefaults() {
	if c.Driver == "" {
		c.Driver = DriverSQLite
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens a new database.
	if c.Driver == DriverSQLite && isMemoryDSN(c.DSN) {
		c.MaxOpenConns = 1
		c.MaxIdleConns = 1
		c.ConnMaxLifetime = 0
	}
}

func isMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || dsn == "file::memory:"
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLStore)(nil)
)
