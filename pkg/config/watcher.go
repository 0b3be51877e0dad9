package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/openfroyo/pms/pkg/telemetry"
)

const defaultReloadDelay = 500 * time.Millisecond

// Watcher reloads a configuration file when it changes. Only the log level
// is applied in place; onChange receives every valid reload.
type Watcher struct {
	path     string
	logger   *telemetry.Logger
	onChange func(*Config)
	watcher  *fsnotify.Watcher
	delay    time.Duration
}

// NewWatcher watches the directory of path so that editors replacing the
// file by rename are observed too.
func NewWatcher(path string, logger *telemetry.Logger, onChange func(*Config)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Watcher{
		path:     abs,
		logger:   logger.NewComponentLogger("config-watcher").WithField("path", abs),
		onChange: onChange,
		watcher:  fw,
		delay:    defaultReloadDelay,
	}, nil
}

// Run processes file events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	defer func() { _ = w.watcher.Close() }()

	var reload <-chan time.Time
	var timer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.WithField("op", event.Op.String()).Debug("Config file changed")
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.delay)
			reload = timer.C

		case <-reload:
			reload = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Error("Watcher error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.WithError(err).Warn("Ignoring invalid configuration")
		return
	}
	telemetry.SetGlobalLevel(cfg.Telemetry.Logging.Level)
	w.logger.WithField("log_level", cfg.Telemetry.Logging.Level).Info("Configuration reloaded")
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

// Close stops watching. Run returns once the event channel closes.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
