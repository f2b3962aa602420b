package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
server:
  addr: ":9090"
  rate_per_sec: 10
  rate_burst: 20
logging:
  level: debug
  console: true
storage:
  path: /var/lib/testdeck/testdeck.db
  busy_timeout: 2s
runner:
  max_concurrent_runs: 8
  queue_size: 256
  default_timeout: 5m
  cancel_grace: 15s
scheduler:
  enabled: true
  timezone: Europe/Berlin
  retry_limit: 3
  retry_base: 1s
stream:
  heartbeat_interval: 20s
  subscriber_buffer: 128
`)

	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9090" || cfg.Server.RatePerSec != 10 {
		t.Fatalf("server = %+v", cfg.Server)
	}
	if cfg.Runner.MaxConcurrentRuns != 8 || cfg.Runner.QueueSize != 256 {
		t.Fatalf("runner = %+v", cfg.Runner)
	}
	if !cfg.Scheduler.Enabled || cfg.Scheduler.Timezone != "Europe/Berlin" || cfg.Scheduler.RetryLimit != 3 {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Stream.HeartbeatInterval != "20s" || cfg.Stream.SubscriberBuffer != 128 {
		t.Fatalf("stream = %+v", cfg.Stream)
	}

	d, err := ParseDurationOrDefault("runner.default_timeout", cfg.Runner.DefaultTimeout, 10*time.Minute)
	if err != nil || d != 5*time.Minute {
		t.Fatalf("default timeout = %v err = %v", d, err)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
storage:
  path: /tmp/x.db
  wal_mode: true
`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("unknown key accepted")
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", "storage: [unterminated")
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("malformed yaml accepted")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"500ms", 500 * time.Millisecond, false},
		{"2m30s", 2*time.Minute + 30*time.Second, false},
		{"-1s", 0, true},
		{"5 seconds", 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			d, err := ParseDurationField("test.field", tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseDurationField(%q): no error", tc.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDurationField(%q): %v", tc.raw, err)
			}
			if d != tc.want {
				t.Fatalf("ParseDurationField(%q) = %v, want %v", tc.raw, d, tc.want)
			}
		})
	}
}

func TestManagerPublish(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", "storage:\n  path: /tmp/a.db\n")
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	next := &Config{}
	next.Storage.Path = "/tmp/b.db"
	m.Commit(next)
	m.publish(next)

	select {
	case got := <-sub:
		if got.Storage.Path != "/tmp/b.db" {
			t.Fatalf("got = %+v", got.Storage)
		}
	case <-time.After(time.Second):
		t.Fatal("config not published")
	}
}
