// Package config loads the daemon configuration: a YAML file in the state
// directory with environment overrides layered on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that decodes from YAML strings ("30s", "5m").
type Duration time.Duration

// D returns the underlying time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	v, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Environment variables the core honors.
const (
	EnvStateDir    = "STATE_DIR"
	EnvAuthToken   = "AUTH_TOKEN"
	EnvLogStdout   = "LOG_STDOUT"
	EnvTCPPort     = "TCP_PORT"
	EnvMetricsAddr = "METRICS_ADDR"
)

// Config is the daemon configuration.
type Config struct {
	StateDir string `yaml:"state_dir"`

	// Durability tuning.
	FlushInterval  Duration `yaml:"flush_interval"`
	FlushThreshold int      `yaml:"flush_threshold"`
	SnapshotEvery  Duration `yaml:"snapshot_every"`

	// Engine tuning.
	IdleGrace         Duration `yaml:"idle_grace"`
	ExitDeferred      Duration `yaml:"exit_deferred"`
	ActionCooldown    Duration `yaml:"action_cooldown"`
	ActionAttempts    int      `yaml:"action_attempts"`
	QueuePollInterval Duration `yaml:"queue_poll_interval"`
	TickInterval      Duration `yaml:"tick_interval"`

	// Surfaces.
	TCPPort       int    `yaml:"tcp_port"`
	AuthToken     string `yaml:"auth_token"`
	MetricsAddr   string `yaml:"metrics_addr"`
	NotifyCommand string `yaml:"notify_command"`
	LogStdout     bool   `yaml:"log_stdout"`
	LogLevel      string `yaml:"log_level"`

	// Docker enables the container runner for containerized shell steps.
	Docker bool `yaml:"docker"`
}

// Default returns the built-in configuration.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		StateDir:          filepath.Join(home, ".foreman"),
		FlushInterval:     Duration(10 * time.Millisecond),
		FlushThreshold:    100,
		SnapshotEvery:     Duration(60 * time.Second),
		IdleGrace:         Duration(60 * time.Second),
		ExitDeferred:      Duration(2 * time.Second),
		ActionCooldown:    Duration(10 * time.Second),
		ActionAttempts:    3,
		QueuePollInterval: Duration(10 * time.Second),
		TickInterval:      Duration(time.Second),
		LogLevel:          "info",
	}
}

// Load reads config.yaml from the state directory (if present) and applies
// environment overrides. STATE_DIR is resolved first since it decides where
// the file lives.
func Load() (Config, error) {
	cfg := Default()
	if dir := os.Getenv(EnvStateDir); dir != "" {
		cfg.StateDir = dir
	}

	path := filepath.Join(cfg.StateDir, "config.yaml")
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	// Environment wins over the file.
	if dir := os.Getenv(EnvStateDir); dir != "" {
		cfg.StateDir = dir
	}
	if tok := os.Getenv(EnvAuthToken); tok != "" {
		cfg.AuthToken = tok
	}
	if os.Getenv(EnvLogStdout) == "1" {
		cfg.LogStdout = true
	}
	if addr := os.Getenv(EnvMetricsAddr); addr != "" {
		cfg.MetricsAddr = addr
	}
	if port := os.Getenv(EnvTCPPort); port != "" {
		var p int
		if _, err := fmt.Sscanf(port, "%d", &p); err != nil || p <= 0 || p > 65535 {
			return cfg, fmt.Errorf("invalid %s %q", EnvTCPPort, port)
		}
		cfg.TCPPort = p
	}

	if cfg.TCPPort != 0 && cfg.AuthToken == "" {
		return cfg, fmt.Errorf("%s is required when the TCP listener is enabled", EnvAuthToken)
	}
	return cfg, nil
}

// Paths derived from the state directory (§ persisted state layout).

func (c Config) WALPath() string          { return filepath.Join(c.StateDir, "wal.log") }
func (c Config) SnapshotPath() string     { return filepath.Join(c.StateDir, "snapshot.bin") }
func (c Config) PIDPath() string          { return filepath.Join(c.StateDir, "pid") }
func (c Config) DaemonLogPath() string    { return filepath.Join(c.StateDir, "daemon.log") }
func (c Config) SocketPath() string       { return filepath.Join(c.StateDir, "daemon.sock") }
func (c Config) LogsDir() string          { return filepath.Join(c.StateDir, "logs") }
func (c Config) BreadcrumbsDir() string   { return filepath.Join(c.StateDir, "logs", "breadcrumbs") }
func (c Config) AgentsDir() string        { return filepath.Join(c.StateDir, "agents") }
func (c Config) WorkspacesDir() string    { return filepath.Join(c.StateDir, "workspaces") }
