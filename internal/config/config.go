// Package config handles conductor configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for conductor.
type Config struct {
	Daemon   DaemonConfig   `yaml:"daemon"`
	Backends BackendsConfig `yaml:"backends"`
	Session  SessionConfig  `yaml:"session"`
	History  HistoryConfig  `yaml:"history"`
	Journal  JournalConfig  `yaml:"journal"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// DaemonConfig defines conductord settings.
type DaemonConfig struct {
	Socket    string `yaml:"socket"`
	Database  string `yaml:"database"`
	LogFile   string `yaml:"log_file"`
	LogLevel  string `yaml:"log_level"`
	SentryDSN string `yaml:"sentry_dsn"`
}

// BackendsConfig holds per-kind launch settings. Workspaces may override
// the binary and arguments individually.
type BackendsConfig struct {
	Legacy ProcessConfig `yaml:"legacy"`
	SDK    ProcessConfig `yaml:"sdk"`
	Remote RemoteConfig  `yaml:"remote"`
}

// ProcessConfig describes a backend launched as a subprocess.
type ProcessConfig struct {
	Bin  string            `yaml:"bin"`
	Args []string          `yaml:"args"`
	Env  map[string]string `yaml:"env"`
}

// RemoteConfig describes a backend daemon reached over a websocket.
type RemoteConfig struct {
	URL              string        `yaml:"url"`
	TokenSecret      string        `yaml:"token_secret"`
	TokenTTL         time.Duration `yaml:"token_ttl"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// SessionConfig tunes backend sessions. The timeouts and grace period are
// reloadable.
type SessionConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`
	InitTimeout    time.Duration `yaml:"init_timeout"`
	PromptTimeout  time.Duration `yaml:"prompt_timeout"`
	InterruptGrace time.Duration `yaml:"interrupt_grace"`
	InboundBuffer  int           `yaml:"inbound_buffer"`
	ClientName     string        `yaml:"client_name"`
	ClientVersion  string        `yaml:"client_version"`
}

// HistoryConfig defines thread snapshot persistence.
type HistoryConfig struct {
	Dir      string        `yaml:"dir"`
	Debounce time.Duration `yaml:"debounce"`
}

// JournalConfig defines the canonical event journal.
type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Retention     time.Duration `yaml:"retention"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// TracingConfig defines the optional OTLP exporter. An empty endpoint
// disables tracing.
type TracingConfig struct {
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".local/share/conductor")

	return &Config{
		Daemon: DaemonConfig{
			Socket:   "/tmp/conductor.sock",
			Database: filepath.Join(dataDir, "conductor.db"),
			LogFile:  filepath.Join(dataDir, "conductord.log"),
			LogLevel: "info",
		},
		Backends: BackendsConfig{
			Legacy: ProcessConfig{Bin: "codex", Args: []string{"app-server"}},
			SDK:    ProcessConfig{Bin: "copilot", Args: []string{"--acp", "--stdio"}},
			Remote: RemoteConfig{
				TokenTTL:         10 * time.Minute,
				HandshakeTimeout: 10 * time.Second,
			},
		},
		Session: SessionConfig{
			RequestTimeout: 90 * time.Second,
			InitTimeout:    15 * time.Second,
			PromptTimeout:  30 * time.Minute,
			InterruptGrace: 5 * time.Second,
			InboundBuffer:  256,
			ClientName:     "conductor",
			ClientVersion:  "dev",
		},
		History: HistoryConfig{
			Dir:      filepath.Join(dataDir, "threads"),
			Debounce: 300 * time.Millisecond,
		},
		Journal: JournalConfig{
			Enabled:       true,
			Retention:     7 * 24 * time.Hour,
			PruneInterval: time.Hour,
		},
		Tracing: TracingConfig{
			Endpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
			ServiceName: "conductord",
		},
	}
}

// Load reads configuration from the default path, falling back to defaults
// when no file exists.
func Load() (*Config, error) {
	return LoadFile(DefaultConfigPath())
}

// LoadFile reads configuration from path. Keys absent from the file keep
// their defaults.
func LoadFile(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.expandEnvVars()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Daemon.Socket == "" {
		return fmt.Errorf("daemon.socket is required")
	}
	if c.History.Dir == "" {
		return fmt.Errorf("history.dir is required")
	}
	if c.Session.RequestTimeout < 0 || c.Session.InitTimeout < 0 || c.Session.PromptTimeout < 0 {
		return fmt.Errorf("session timeouts must not be negative")
	}
	if c.Session.InterruptGrace < 0 {
		return fmt.Errorf("session.interrupt_grace must not be negative")
	}
	if c.Journal.Enabled && c.Journal.Retention <= 0 {
		return fmt.Errorf("journal.retention must be positive when the journal is enabled")
	}
	return nil
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() string {
	if p := os.Getenv("CONDUCTOR_CONFIG"); p != "" {
		return p
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".config/conductor/config.yaml")
}

func (c *Config) expandEnvVars() {
	c.Daemon.SentryDSN = os.ExpandEnv(c.Daemon.SentryDSN)
	c.Backends.Remote.TokenSecret = os.ExpandEnv(c.Backends.Remote.TokenSecret)
}
