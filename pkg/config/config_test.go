package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if cfg.Store.Driver != "memory" || cfg.Queue.Driver != "memory" {
		t.Errorf("drivers = %s/%s, want memory/memory", cfg.Store.Driver, cfg.Queue.Driver)
	}
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
store:
  driver: sqlite
  dsn: /var/lib/pms/pms.db
queue:
  driver: sql
  workers: 8
  poll_interval: 250ms
engine:
  outcome_ttl: 72h
telemetry:
  logging:
    level: debug
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	want := Default()
	want.Store.Driver = "sqlite"
	want.Store.DSN = "/var/lib/pms/pms.db"
	want.Queue.Driver = "sql"
	want.Queue.Workers = 8
	want.Queue.PollInterval = 250 * time.Millisecond
	want.Engine.OutcomeTTL = 72 * time.Hour
	want.Telemetry.Logging.Level = "debug"

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
	}
}

func TestParseEmptyDocument(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil) error = %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("Parse(nil) mismatch (-want +got):\n%s", diff)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("store:\n  drvier: sqlite\n"))
	if err == nil {
		t.Fatal("Parse() accepted an unknown field")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "postgres url",
			mutate: func(c *Config) { c.Store.Driver = "postgres"; c.Store.DSN = "postgres://pms@localhost/pms" },
		},
		{
			name:    "unknown store driver",
			mutate:  func(c *Config) { c.Store.Driver = "mysql" },
			wantErr: "invalid config",
		},
		{
			name:    "sqlite without dsn",
			mutate:  func(c *Config) { c.Store.Driver = "sqlite" },
			wantErr: "invalid config",
		},
		{
			name:    "postgres with foreign url",
			mutate:  func(c *Config) { c.Store.Driver = "postgres"; c.Store.DSN = "mysql://localhost/pms" },
			wantErr: "invalid config",
		},
		{
			name:    "more idle than open connections",
			mutate:  func(c *Config) { c.Store.MaxOpenConns = 2; c.Store.MaxIdleConns = 3 },
			wantErr: "invalid config",
		},
		{
			name:    "sql queue on memory store",
			mutate:  func(c *Config) { c.Queue.Driver = "sql" },
			wantErr: "invalid config",
		},
		{
			name:    "too many workers",
			mutate:  func(c *Config) { c.Queue.Workers = 300 },
			wantErr: "invalid config",
		},
		{
			name:    "lease shorter than poll interval",
			mutate:  func(c *Config) { c.Queue.Lease = 50 * time.Millisecond },
			wantErr: "invalid config",
		},
		{
			name:    "task queue smaller than worker pool",
			mutate:  func(c *Config) { c.Engine.TaskWorkers = 8; c.Engine.TaskQueueSize = 4 },
			wantErr: "invalid config",
		},
		{
			name:    "zero outcome ttl",
			mutate:  func(c *Config) { c.Engine.OutcomeTTL = 0 },
			wantErr: "invalid config",
		},
		{
			name:    "empty policy path",
			mutate:  func(c *Config) { c.Policy.Paths = []string{""} },
			wantErr: "invalid config",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Telemetry.Logging.Level = "loud" },
			wantErr: "invalid telemetry config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"PMS_STORE_DRIVER":     "postgres",
		"PMS_STORE_DSN":        "postgres://localhost/pms",
		"PMS_QUEUE_DRIVER":     "sql",
		"PMS_QUEUE_WORKERS":    "16",
		"LOG_LEVEL":            "warn",
		"PMS_LOG_LEVEL":        "debug",
		"PMS_LOG_FORMAT":       "json",
		"PMS_METRICS_ADDRESS":  ":9999",
		"PMS_TRACING_EXPORTER": "otlp",
		"PMS_TRACING_ENDPOINT": "collector:4317",
		"PMS_POLICY_PATHS":     "/etc/pms/policies, ./local.rego,",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	cfg := Default()
	if err := applyEnv(cfg, lookup); err != nil {
		t.Fatalf("applyEnv() error = %v", err)
	}

	want := Default()
	want.Store.Driver = "postgres"
	want.Store.DSN = "postgres://localhost/pms"
	want.Queue.Driver = "sql"
	want.Queue.Workers = 16
	want.Telemetry.Logging.Level = "debug"
	want.Telemetry.Logging.Format = "json"
	want.Telemetry.Metrics.ListenAddress = ":9999"
	want.Telemetry.Tracing.Exporter = "otlp"
	want.Telemetry.Tracing.Enabled = true
	want.Telemetry.Tracing.Endpoint = "collector:4317"
	want.Policy.Paths = []string{"/etc/pms/policies", "./local.rego"}

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("applyEnv() mismatch (-want +got):\n%s", diff)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() after env = %v", err)
	}
}

func TestApplyEnvInvalidNumber(t *testing.T) {
	lookup := func(k string) (string, bool) {
		if k == "PMS_QUEUE_WORKERS" {
			return "many", true
		}
		return "", false
	}
	if err := applyEnv(Default(), lookup); err == nil {
		t.Fatal("applyEnv() accepted a non-numeric worker count")
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("PMS_LOG_LEVEL", "warn")

	path := filepath.Join(t.TempDir(), "pms.yaml")
	if err := os.WriteFile(path, []byte("queue:\n  workers: 2\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Queue.Workers != 2 {
		t.Errorf("Queue.Workers = %d, want 2", cfg.Queue.Workers)
	}
	if cfg.Telemetry.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %s, want warn", cfg.Telemetry.Logging.Level)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() of a missing file succeeded")
	}
}

func TestSchemaRegistry(t *testing.T) {
	sr := NewSchemaRegistry()
	if diff := cmp.Diff([]string{"config", "plan"}, sr.ListSchemas()); diff != "" {
		t.Errorf("ListSchemas() mismatch (-want +got):\n%s", diff)
	}

	if err := sr.RegisterSchema("port", `#port: int & >0 & <65536`); err != nil {
		t.Fatalf("RegisterSchema() error = %v", err)
	}
	if err := sr.ValidateAgainstSchema(t.Context(), "port", 8080); err != nil {
		t.Errorf("ValidateAgainstSchema(8080) error = %v", err)
	}
	if err := sr.ValidateAgainstSchema(t.Context(), "port", 70000); err == nil {
		t.Error("ValidateAgainstSchema(70000) succeeded")
	}
	if err := sr.RegisterSchema("bad", `#other: string`); err == nil {
		t.Error("RegisterSchema() accepted a schema without its definition")
	}
	if err := sr.ValidateAgainstSchema(t.Context(), "missing", 1); err == nil {
		t.Error("ValidateAgainstSchema() of an unknown schema succeeded")
	}
}
