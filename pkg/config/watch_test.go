package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestWatchFiresOnFileChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := DefaultConfig()
	cfg.Logging.Level = "info"
	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded := make(chan *Config, 1)
	watcher, err := Watch(path, func(c *Config, err error) {
		if err != nil {
			t.Errorf("unexpected reload error: %v", err)
			return
		}
		reloaded <- c
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer watcher.Close()

	cfg.Logging.Level = "debug"
	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save (update): %v", err)
	}

	select {
	case c := <-reloaded:
		if c.Logging.Level != "debug" {
			t.Fatalf("Logging.Level = %q, want %q", c.Logging.Level, "debug")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}
