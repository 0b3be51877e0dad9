package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pms.yaml")
	if err := os.WriteFile(path, []byte("queue:\n  workers: 2\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	changes := make(chan *Config, 4)
	w, err := NewWatcher(path, nil, func(cfg *Config) { changes <- cfg })
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	w.delay = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	// Invalid content is ignored.
	if err := os.WriteFile(path, []byte("queue:\n  workers: 0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-changes:
		t.Fatalf("invalid config delivered: %+v", cfg.Queue)
	case <-time.After(200 * time.Millisecond):
	}

	if err := os.WriteFile(path, []byte("queue:\n  workers: 6\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-changes:
		if cfg.Queue.Workers != 6 {
			t.Errorf("Queue.Workers = %d, want 6", cfg.Queue.Workers)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reload not observed")
	}

	// Other files in the directory do not trigger reloads.
	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case <-changes:
		t.Fatal("unrelated file triggered a reload")
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewWatcherMissingDirectory(t *testing.T) {
	_, err := NewWatcher(filepath.Join(t.TempDir(), "nope", "pms.yaml"), nil, nil)
	if err == nil {
		t.Fatal("NewWatcher() succeeded on a missing directory")
	}
}
