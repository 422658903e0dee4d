package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"remindbot/pkg/logx"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
telegram:
  token: "123:abc"
  poll_timeout: "15s"
logging:
  level: debug
  console: true
brain:
  driver: sqlite
  path: /tmp/brain.sqlite
  busy_timeout: "2s"
schedule:
  deny_external_control: true
  deliveries_per_sec: 2.5
  rooms:
    - id: "100"
      name: general
      joined: true
    - id: "200"
      name: secrets
      joined: true
      non_public: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("Token = %q", cfg.Telegram.Token)
	}
	if cfg.PollTimeoutDuration() != 15*time.Second {
		t.Fatalf("PollTimeout = %v", cfg.PollTimeoutDuration())
	}
	if cfg.BusyTimeoutDuration() != 2*time.Second {
		t.Fatalf("BusyTimeout = %v", cfg.BusyTimeoutDuration())
	}
	if !cfg.Schedule.DenyExternalControl {
		t.Fatal("DenyExternalControl not set")
	}
	if cfg.Schedule.DeliveriesPerSec != 2.5 {
		t.Fatalf("DeliveriesPerSec = %v", cfg.Schedule.DeliveriesPerSec)
	}
	if len(cfg.Schedule.Rooms) != 2 || !cfg.Schedule.Rooms[1].NonPublic {
		t.Fatalf("Rooms = %+v", cfg.Schedule.Rooms)
	}
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"telegram":{"token":"123:abc"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("default level = %q, want info", cfg.Logging.Level)
	}
	if !cfg.Logging.Console {
		t.Fatal("console should default on when no log file is configured")
	}
	if cfg.PollTimeoutDuration() != 10*time.Second {
		t.Fatalf("default poll timeout = %v", cfg.PollTimeoutDuration())
	}
}

func TestLoadRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		file    string
		content string
		errPart string
	}{
		{
			name:    "unknown field",
			file:    "config.json",
			content: `{"telegram":{"token":"t"},"shcedule":{}}`,
			errPart: "unknown field",
		},
		{
			name:    "missing token",
			file:    "config.yaml",
			content: "logging:\n  level: info\n",
			errPart: "telegram.token",
		},
		{
			name:    "bad poll timeout",
			file:    "config.json",
			content: `{"telegram":{"token":"t","poll_timeout":"soon"}}`,
			errPart: "poll_timeout",
		},
		{
			name:    "file driver without path",
			file:    "config.json",
			content: `{"telegram":{"token":"t"},"brain":{"driver":"file"}}`,
			errPart: "brain.path",
		},
		{
			name:    "unknown driver",
			file:    "config.json",
			content: `{"telegram":{"token":"t"},"brain":{"driver":"etcd","path":"x"}}`,
			errPart: "brain.driver",
		},
		{
			name:    "room without id",
			file:    "config.yaml",
			content: "telegram:\n  token: t\nschedule:\n  rooms:\n    - name: general\n",
			errPart: "rooms[0].id",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.file, tt.content)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.errPart) {
				t.Fatalf("error = %v, want mention of %q", err, tt.errPart)
			}
		})
	}
}

func TestManagerLoadAndGet(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"telegram":{"token":"t"}}`)
	m := NewManager(path, logx.Nop())
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get did not return the committed config")
	}
}

func TestManagerPublishDropsForSlowSubscribers(t *testing.T) {
	t.Parallel()
	m := NewManager("unused", logx.Nop())
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	a := &Config{}
	b := &Config{}
	m.publish(a)
	m.publish(b) // buffer full: oldest dropped, latest delivered

	got := <-ch
	if got != b {
		t.Fatal("subscriber did not receive the latest config")
	}
}
