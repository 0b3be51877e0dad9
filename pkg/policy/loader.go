package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/openfroyo/pms/pkg/telemetry"
)

// Loader reads policies from .rego and .json files.
type Loader struct {
	logger *telemetry.Logger
}

// NewLoader creates a loader.
func NewLoader(logger *telemetry.Logger) *Loader {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Loader{logger: logger}
}

// LoadFromPaths loads policies from files and directories. Directories are
// walked recursively; unreadable files inside them are skipped with a
// warning, while a named file that fails to load is an error.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var all []Policy
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		policies, err := l.loadFromPath(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		all = append(all, policies...)
	}
	return all, nil
}

func (l *Loader) loadFromPath(path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}
	if !info.IsDir() {
		p, err := l.LoadFile(path)
		if err != nil {
			return nil, err
		}
		return []Policy{*p}, nil
	}

	var policies []Policy
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || (!strings.HasSuffix(p, ".rego") && !strings.HasSuffix(p, ".json")) {
			return nil
		}
		policy, err := l.LoadFile(p)
		if err != nil {
			l.logger.WithError(err).WithField("path", p).Warn("skipping policy file")
			return nil
		}
		policies = append(policies, *policy)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	return policies, nil
}

// LoadFile loads one policy file.
func (l *Loader) LoadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var p *Policy
	switch {
	case strings.HasSuffix(path, ".rego"):
		p = &Policy{
			Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
			Description: extractDescription(string(data)),
			Rego:        string(data),
			Severity:    SeverityWarning,
			Enabled:     true,
		}
	case strings.HasSuffix(path, ".json"):
		p = &Policy{Enabled: true}
		if err := json.Unmarshal(data, p); err != nil {
			return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
		}
		if p.Name == "" {
			p.Name = strings.TrimSuffix(filepath.Base(path), ".json")
		}
		if p.Severity == "" {
			p.Severity = SeverityWarning
		}
	default:
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}
	p.Source = path

	l.logger.WithFields(map[string]interface{}{"path": path, "policy": p.Name}).Debug("policy loaded from file")
	return p, nil
}

// extractDescription joins the comment lines that open a Rego file.
func extractDescription(content string) string {
	var b strings.Builder
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			if trimmed != "" && b.Len() > 0 {
				break
			}
			continue
		}
		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		if comment == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(comment)
	}
	return b.String()
}
