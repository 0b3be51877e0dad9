package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var (
	validate = validator.New()
	schemas  = NewSchemaRegistry()
)

// Load reads the YAML file at path over Default, applies PMS_* environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := decodeYAML(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over Default and validates it without consulting the
// environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks field constraints, then the cross-field rules of the
// config schema, then the telemetry section.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := schemas.ValidateAgainstSchema(context.Background(), "config", c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}

type envBinding struct {
	name string
	set  func(c *Config, v string) error
}

var envBindings = []envBinding{
	{"PMS_STORE_DRIVER", func(c *Config, v string) error { c.Store.Driver = v; return nil }},
	{"PMS_STORE_DSN", func(c *Config, v string) error { c.Store.DSN = v; return nil }},
	{"PMS_QUEUE_DRIVER", func(c *Config, v string) error { c.Queue.Driver = v; return nil }},
	{"PMS_QUEUE_WORKERS", func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		c.Queue.Workers = n
		return nil
	}},
	{"PMS_POLICY_PATHS", func(c *Config, v string) error {
		c.Policy.Paths = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.Policy.Paths = append(c.Policy.Paths, p)
			}
		}
		return nil
	}},
	{"LOG_LEVEL", func(c *Config, v string) error { c.Telemetry.Logging.Level = v; return nil }},
	{"PMS_LOG_LEVEL", func(c *Config, v string) error { c.Telemetry.Logging.Level = v; return nil }},
	{"PMS_LOG_FORMAT", func(c *Config, v string) error { c.Telemetry.Logging.Format = v; return nil }},
	{"PMS_METRICS_ADDRESS", func(c *Config, v string) error { c.Telemetry.Metrics.ListenAddress = v; return nil }},
	{"PMS_TRACING_EXPORTER", func(c *Config, v string) error {
		c.Telemetry.Tracing.Exporter = v
		c.Telemetry.Tracing.Enabled = v != "none"
		return nil
	}},
	{"PMS_TRACING_ENDPOINT", func(c *Config, v string) error { c.Telemetry.Tracing.Endpoint = v; return nil }},
}

// applyEnv applies overrides in binding order, so PMS_LOG_LEVEL wins over
// LOG_LEVEL.
func applyEnv(c *Config, lookup func(string) (string, bool)) error {
	for _, b := range envBindings {
		v, ok := lookup(b.name)
		if !ok || v == "" {
			continue
		}
		if err := b.set(c, v); err != nil {
			return fmt.Errorf("invalid %s %q: %w", b.name, v, err)
		}
	}
	return nil
}
