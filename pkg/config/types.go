package config

import (
	"time"

	"github.com/openfroyo/pms/pkg/telemetry"
)

// Config is the configuration of one engine process.
type Config struct {
	Store     StoreConfig      `yaml:"store" json:"store" validate:"required"`
	Queue     QueueConfig      `yaml:"queue" json:"queue" validate:"required"`
	Engine    EngineConfig     `yaml:"engine" json:"engine" validate:"required"`
	Policy    PolicyConfig     `yaml:"policy" json:"policy"`
	Telemetry telemetry.Config `yaml:"telemetry" json:"-"`
}

// StoreConfig selects and tunes the persistence backend.
type StoreConfig struct {
	// Driver is memory, sqlite or postgres.
	Driver string `yaml:"driver" json:"driver" validate:"required,oneof=memory sqlite postgres"`

	// DSN is the SQLite path or the PostgreSQL URL.
	DSN string `yaml:"dsn" json:"dsn"`

	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime" validate:"gte=0"`
}

// QueueConfig selects the work queue and tunes its listeners.
type QueueConfig struct {
	// Driver is memory or sql. The sql queue lives in the store database.
	Driver string `yaml:"driver" json:"driver" validate:"required,oneof=memory sql"`

	Workers        int           `yaml:"workers" json:"workers" validate:"gte=1"`
	BatchSize      int           `yaml:"batch_size" json:"batch_size" validate:"gte=1"`
	PollInterval   time.Duration `yaml:"poll_interval" json:"poll_interval" validate:"gt=0"`
	Lease          time.Duration `yaml:"lease" json:"lease" validate:"gt=0"`
	MaxAttempts    int           `yaml:"max_attempts" json:"max_attempts" validate:"gte=1"`
	BaseRetryDelay time.Duration `yaml:"base_retry_delay" json:"base_retry_delay" validate:"gte=0"`

	// PublishRetries bounds the attempts of one publish.
	PublishRetries uint `yaml:"publish_retries" json:"publish_retries" validate:"gte=1"`
}

// EngineConfig tunes the orchestration engine.
type EngineConfig struct {
	OutcomeTTL        time.Duration `yaml:"outcome_ttl" json:"outcome_ttl" validate:"gt=0"`
	SweepingOutputTTL time.Duration `yaml:"sweeping_output_ttl" json:"sweeping_output_ttl" validate:"gt=0"`

	// ReconcileInterval is how often waits with every response present are
	// re-delivered. Zero disables the loop.
	ReconcileInterval time.Duration `yaml:"reconcile_interval" json:"reconcile_interval" validate:"gte=0"`
	ReconcileBatch    int           `yaml:"reconcile_batch" json:"reconcile_batch" validate:"gte=1"`

	// OutputCleanupInterval is how often expired outputs are deleted. Zero
	// disables the loop.
	OutputCleanupInterval time.Duration `yaml:"output_cleanup_interval" json:"output_cleanup_interval" validate:"gte=0"`

	TaskWorkers   int           `yaml:"task_workers" json:"task_workers" validate:"gte=1"`
	TaskQueueSize int           `yaml:"task_queue_size" json:"task_queue_size" validate:"gte=1"`
	TaskTimeout   time.Duration `yaml:"task_timeout" json:"task_timeout" validate:"gt=0"`

	// PluginDir resolves the modules WASM steps name. Empty allows any path.
	PluginDir         string `yaml:"plugin_dir" json:"plugin_dir"`
	PluginMemoryPages uint32 `yaml:"plugin_memory_pages" json:"plugin_memory_pages" validate:"gte=1,lte=65536"`
}

// PolicyConfig controls plan admission policies.
type PolicyConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Paths are .rego or .json files, or directories of them, loaded next to
	// the built-in policies.
	Paths []string `yaml:"paths" json:"paths"`

	// Disabled names policies to switch off, built-ins included.
	Disabled []string `yaml:"disabled" json:"disabled"`
}

// Default returns the configuration of a single process running on an
// in-memory store and queue.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Driver:          "memory",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Queue: QueueConfig{
			Driver:         "memory",
			Workers:        4,
			BatchSize:      10,
			PollInterval:   100 * time.Millisecond,
			Lease:          30 * time.Second,
			MaxAttempts:    5,
			BaseRetryDelay: time.Second,
			PublishRetries: 5,
		},
		Engine: EngineConfig{
			OutcomeTTL:            30 * 24 * time.Hour,
			SweepingOutputTTL:     30 * 24 * time.Hour,
			ReconcileInterval:     30 * time.Second,
			ReconcileBatch:        100,
			OutputCleanupInterval: time.Hour,
			TaskWorkers:           4,
			TaskQueueSize:         256,
			TaskTimeout:           10 * time.Minute,
			PluginMemoryPages:     256,
		},
		Policy:    PolicyConfig{Enabled: true},
		Telemetry: *telemetry.DefaultConfig(),
	}
}
