// Package config loads and watches the bot configuration.
//
// Config files may be JSON or YAML; YAML is coerced to JSON so both formats
// share the strict decoder (unknown fields are rejected).
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Brain    BrainConfig    `json:"brain,omitempty"`
	Schedule ScheduleConfig `json:"schedule,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console bool          `json:"console,omitempty"`
	File    LogFileConfig `json:"file,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

// BrainConfig selects the persistence driver ("memory", "file", "sqlite").
type BrainConfig struct {
	Driver string `json:"driver,omitempty"`
	Path   string `json:"path,omitempty"`

	// BusyTimeout is a Go duration string; sqlite only.
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type ScheduleConfig struct {
	// DenyExternalControl forces list requests to their own room, ignoring
	// explicit room arguments. Mutations are always restricted to the job's
	// room (or, from a DM, to the job's owner).
	DenyExternalControl bool `json:"deny_external_control,omitempty"`

	// DeliveriesPerSec caps outgoing scheduled sends. 0 disables the cap.
	DeliveriesPerSec float64 `json:"deliveries_per_sec,omitempty"`
	Burst            int     `json:"burst,omitempty"`

	// Rooms the bot knows about, for the visibility oracle.
	Rooms []RoomConfig `json:"rooms,omitempty"`
}

type RoomConfig struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	NonPublic bool   `json:"non_public,omitempty"`
	Joined    bool   `json:"joined,omitempty"`
}

// Load reads, decodes and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parse(path, data)
}

func parse(path string, data []byte) (*Config, error) {
	jsonBytes, format, err := coerceToJSONBytes(path, data)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(jsonBytes))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s config: %w", format, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if !c.Logging.File.Enabled {
		c.Logging.Console = true
	}
	if strings.TrimSpace(c.Telegram.PollTimeout) == "" {
		c.Telegram.PollTimeout = "10s"
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if _, err := time.ParseDuration(c.Telegram.PollTimeout); err != nil {
		return fmt.Errorf("telegram.poll_timeout: %w", err)
	}
	if c.Brain.BusyTimeout != "" {
		if _, err := time.ParseDuration(c.Brain.BusyTimeout); err != nil {
			return fmt.Errorf("brain.busy_timeout: %w", err)
		}
	}
	driver := strings.ToLower(strings.TrimSpace(c.Brain.Driver))
	switch driver {
	case "", "none", "memory":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Brain.Path) == "" {
			return fmt.Errorf("brain.path is required for the %s driver", driver)
		}
	default:
		return fmt.Errorf("unknown brain.driver %q", c.Brain.Driver)
	}
	if c.Schedule.DeliveriesPerSec < 0 {
		return errors.New("schedule.deliveries_per_sec must not be negative")
	}
	for i, room := range c.Schedule.Rooms {
		if strings.TrimSpace(room.ID) == "" {
			return fmt.Errorf("schedule.rooms[%d].id is required", i)
		}
	}
	return nil
}

// PollTimeoutDuration returns the parsed poll timeout; Validate has already
// checked it.
func (c *Config) PollTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.Telegram.PollTimeout)
	return d
}

func (c *Config) BusyTimeoutDuration() time.Duration {
	if c.Brain.BusyTimeout == "" {
		return 0
	}
	d, _ := time.ParseDuration(c.Brain.BusyTimeout)
	return d
}

// coerceToJSONBytes converts YAML config to JSON bytes so the strict JSON
// decoder serves both formats.
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, "json", nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, "yaml", fmt.Errorf("yaml unmarshal: %w", err)
	}
	v = normalizeYAML(v)

	j, err := json.Marshal(v)
	if err != nil {
		return nil, "yaml", fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, "yaml", nil
}

// normalizeYAML ensures all map keys are strings so the result can be
// JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = normalizeYAML(v)
		}
		return x
	case []any:
		for i, v := range x {
			x[i] = normalizeYAML(v)
		}
		return x
	default:
		return in
	}
}
