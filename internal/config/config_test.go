package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{
		"logging": {"level": "debug", "console": true},
		"storage": {"driver": "sqlite", "path": "./recurd.db", "busy_timeout": "5s"},
		"poller": {"enabled": true, "interval": "250ms", "sync_every": 3},
		"queue": {"workers": 4, "queue_size": 64}
	}`)
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Poller.Enabled || cfg.Poller.SyncEvery != 3 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage = %+v, want sqlite", cfg.Storage)
	}
	if cfg.Queue == nil || cfg.Queue.Workers != 4 {
		t.Fatalf("queue = %+v, want 4 workers", cfg.Queue)
	}
	if m.Get() != cfg {
		t.Fatal("Get must return the committed config")
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", `
logging:
  level: info
  console: true
poller:
  enabled: true
  interval: 2s
`)
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Logging.Level != "info" || cfg.Poller.Interval != "2s" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestParseRejectsUnknownField(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"poller": {"enabled": true, "intervall": "1s"}}`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"empty", Config{}, true},
		{"bad interval", Config{Poller: PollerConfig{Interval: "soon"}}, false},
		{"negative sync", Config{Poller: PollerConfig{SyncEvery: -1}}, false},
		{"bad busy timeout", Config{Storage: &StorageConfig{BusyTimeout: "nope"}}, false},
		{"negative workers", Config{Queue: &QueueConfig{Workers: -2}}, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tc.cfg)
			if (err == nil) != tc.ok {
				t.Fatalf("Validate = %v, want ok=%v", err, tc.ok)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("poller.interval", "", time.Second)
	if err != nil || d != time.Second {
		t.Fatalf("got (%v, %v), want default 1s", d, err)
	}
	d, err = ParseDurationOrDefault("poller.interval", "250ms", time.Second)
	if err != nil || d != 250*time.Millisecond {
		t.Fatalf("got (%v, %v), want 250ms", d, err)
	}
	if _, err := ParseDurationOrDefault("poller.interval", "-1s", time.Second); err == nil {
		t.Fatal("expected error for negative duration")
	}
}

func TestReloadPublishesChange(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"poller": {"enabled": true, "interval": "1s"}}`)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load error: %v", err)
	}

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	if err := os.WriteFile(path, []byte(`{"poller": {"enabled": true, "interval": "5s"}}`), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	m.reload(context.Background())

	select {
	case cfg := <-ch:
		if cfg.Poller.Interval != "5s" {
			t.Fatalf("published interval = %q, want 5s", cfg.Poller.Interval)
		}
	case <-time.After(time.Second):
		t.Fatal("no config published")
	}
}

func TestReloadKeepsOldConfigOnInvalid(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"poller": {"enabled": true, "interval": "1s"}}`)
	m := NewManager(path)
	old, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if err := os.WriteFile(path, []byte(`{"poller": {"interval": "bogus"}}`), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	m.reload(context.Background())

	if m.Get() != old {
		t.Fatal("invalid reload must not replace the committed config")
	}
}
