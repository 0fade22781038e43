// Package config loads, validates, and normalizes the bridge's Home
// Assistant connection settings (§3) and the optional telemetry block. The
// settings payload itself is round-tripped verbatim by
// internal/settingsstore; this package only knows the YAML shape and
// validation rules.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Heartbeat controls the HA Client's upstream ping/pong liveness check.
type Heartbeat struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Reconnect controls the Controller's backoff policy after an HA Client
// closes unexpectedly.
type Reconnect struct {
	Attempts      int           `yaml:"attempts"`
	Duration      time.Duration `yaml:"duration"`
	DurationMax   time.Duration `yaml:"duration_max"`
	BackoffFactor float64       `yaml:"backoff_factor"`
}

// HASettings are the Home Assistant connection settings, §3 "HA connection
// settings". Collected by the setup flow and persisted via
// internal/settingsstore.
type HASettings struct {
	URL               string    `yaml:"url"`
	Token             string    `yaml:"token"`
	ConnectionTimeout int       `yaml:"connection_timeout"` // seconds
	MaxFrameSizeKB    int       `yaml:"max_frame_size_kb"`
	Heartbeat         Heartbeat `yaml:"heartbeat"`
	Reconnect         Reconnect `yaml:"reconnect"`
}

// Clone returns a copy safe to mutate independently of the receiver.
func (s HASettings) Clone() HASettings {
	return s // every field is a value type; no shared backing arrays/maps
}

// DefaultHASettings returns the defaults used before any setup flow has run.
// Each value lies within the bounds of the expert-options form (§4.4).
func DefaultHASettings() HASettings {
	return HASettings{
		ConnectionTimeout: 10,
		MaxFrameSizeKB:    4096,
		Heartbeat: Heartbeat{
			Interval: 20 * time.Second,
			Timeout:  60 * time.Second,
		},
		Reconnect: Reconnect{
			Attempts:      10,
			Duration:      1 * time.Second,
			DurationMax:   30 * time.Second,
			BackoffFactor: 1.5,
		},
	}
}

// TelemetryConfig holds optional OpenTelemetry settings, unchanged in role
// from the teacher's internal/config.TelemetryConfig.
type TelemetryConfig struct {
	OTLPEndpoint string            `yaml:"otlp_endpoint"`
	Insecure     bool              `yaml:"insecure"`
	ServiceName  string            `yaml:"service_name"`
	Headers      map[string]string `yaml:"headers,omitempty"`
}

// ProcessConfig is the process-level configuration: where the settings blob
// lives, which address the R2 WebSocket server listens on, and optional
// telemetry. This is the one piece of on-disk configuration that is not the
// setup-flow-managed HA settings blob — it is read once at startup.
type ProcessConfig struct {
	ListenAddr  string           `yaml:"listen_addr"`
	DBPath      string           `yaml:"db_path"`
	Telemetry   *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// DefaultProcessConfigPath returns ~/.config/r2ha-bridge/config.yaml.
func DefaultProcessConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "r2ha-bridge", "config.yaml"), nil
}

// DefaultDBPath returns ~/.local/share/r2ha-bridge/settings.db.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "r2ha-bridge", "settings.db"), nil
}

// LoadProcessConfig reads and validates the process-level YAML configuration
// at path, filling in defaults for anything unset. Unlike the HA settings
// blob (collected by the R2 setup flow and round-tripped through
// internal/settingsstore), this file is read once at startup.
func LoadProcessConfig(path string) (ProcessConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return ProcessConfig{}, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg ProcessConfig
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return ProcessConfig{}, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.DBPath == "" {
		dbPath, err := DefaultDBPath()
		if err != nil {
			return ProcessConfig{}, err
		}
		cfg.DBPath = dbPath
	}

	return cfg, nil
}

// NormalizeURL implements the §6 URL normalization rules:
//   - input is trimmed
//   - missing scheme is treated as a bare host[:port][/path] and re-parsed as ws://
//   - http/https are rewritten to ws/wss
//   - ws/wss pass through unchanged
//   - any other scheme is a BadRequest-shaped error
//   - host-only / host:port inputs always get a trailing "/" path
//
// It is idempotent: NormalizeURL(NormalizeURL(x)) == NormalizeURL(x) for
// every x that does not already error.
func NormalizeURL(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", fmt.Errorf("missing field: url")
	}

	u, err := url.Parse(addr)
	if err != nil || u.Host == "" {
		// Either genuinely unparsable, or the "scheme" url.Parse picked up
		// was actually a bare hostname (e.g. "test:8123" parses with
		// Scheme="test", Opaque="8123" and no Host).
		u, err = url.Parse("ws://" + addr)
		if err != nil {
			return "", fmt.Errorf("invalid url %q: %w", addr, err)
		}
	}

	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		u.Scheme = strings.ToLower(u.Scheme)
	default:
		return "", fmt.Errorf("invalid scheme, allowed: ws, wss, http, https")
	}

	if u.Path == "" {
		u.Path = "/"
	}

	return u.String(), nil
}
