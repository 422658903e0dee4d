// Package brain is the bot's key-value persistence layer.
//
// Jobs are stored per namespace ("reminders", "schedules") as opaque JSON
// records keyed by job id. Drivers:
//   - "memory": in-process only, state is lost on restart
//   - "file":   snapshot JSON + append-only journal
//   - "sqlite": SQLite database file
package brain

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"remindbot/pkg/logx"
)

// Config configures the brain store.
//
// If Driver is empty or "none", an in-memory store is used.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store round-trips job records. Implementations are safe for concurrent use
// and crash-consistent at the granularity of a single Set/Delete.
type Store interface {
	// Get returns all records in a namespace, keyed by id.
	Get(ctx context.Context, namespace string) (map[string]json.RawMessage, error)
	Set(ctx context.Context, namespace, id string, record json.RawMessage) error
	Delete(ctx context.Context, namespace, id string) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "none", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown brain driver: " + driver)
	}
}
