// Package config defines hostd's configuration, loaded through viper
// from a config file, environment variables, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete hostd configuration.
type Config struct {
	Worker  WorkerConfig  `mapstructure:"worker"`
	Ports   PortsConfig   `mapstructure:"ports"`
	Verify  VerifyConfig  `mapstructure:"verify"`
	Bridge  BridgeConfig  `mapstructure:"bridge"`
	Logging LoggingConfig `mapstructure:"logging"`
	Paths   PathsConfig   `mapstructure:"paths"`
}

// WorkerConfig describes how to invoke the backend worker.
type WorkerConfig struct {
	// Interpreter is the runtime executable, e.g. "python3" or a bundled
	// interpreter path.
	Interpreter string `mapstructure:"interpreter"`
	// Entrypoint is the worker script passed to the interpreter.
	Entrypoint string `mapstructure:"entrypoint"`
	// Host is the listen host passed to the worker with --host.
	Host string `mapstructure:"host"`
	// SettleWaitMs is the pause between stopping an old worker and
	// starting a new one, letting the OS release the bound port.
	SettleWaitMs int `mapstructure:"settle_wait_ms"`
	// ReadyPollIntervalMs is the readiness poll interval.
	ReadyPollIntervalMs int `mapstructure:"ready_poll_interval_ms"`
	// ReadyMaxAttempts bounds the readiness wait.
	ReadyMaxAttempts int `mapstructure:"ready_max_attempts"`
}

// PortsConfig bounds the worker port search.
type PortsConfig struct {
	// Start is the first port tried.
	Start int `mapstructure:"start"`
	// End is the last port of the initial range; exhaustion rolls over
	// into the next equally sized range.
	End int `mapstructure:"end"`
	// ProbeTimeoutMs bounds a single bind probe.
	ProbeTimeoutMs int `mapstructure:"probe_timeout_ms"`
}

// VerifyConfig controls credential verification.
type VerifyConfig struct {
	// TimeoutSeconds bounds one verification probe run.
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// BridgeConfig controls the UI-facing bridge server.
type BridgeConfig struct {
	// Listen is the loopback address the bridge serves on.
	Listen string `mapstructure:"listen"`
}

// LoggingConfig controls host logging.
type LoggingConfig struct {
	// Level is one of DEBUG, INFO, WARN, ERROR.
	Level string `mapstructure:"level"`
	// Dir is the log directory; empty logs to stderr.
	Dir string `mapstructure:"dir"`
}

// PathsConfig holds filesystem locations.
type PathsConfig struct {
	// DataDir holds the persisted session record.
	DataDir string `mapstructure:"data_dir"`
}

// SetDefaults registers default values for all settings.
func SetDefaults() {
	viper.SetDefault("worker.interpreter", "python3")
	viper.SetDefault("worker.entrypoint", "api/api.py")
	viper.SetDefault("worker.host", "0.0.0.0")
	viper.SetDefault("worker.settle_wait_ms", 1000)
	viper.SetDefault("worker.ready_poll_interval_ms", 1000)
	viper.SetDefault("worker.ready_max_attempts", 30)

	viper.SetDefault("ports.start", 8000)
	viper.SetDefault("ports.end", 8100)
	viper.SetDefault("ports.probe_timeout_ms", 500)

	viper.SetDefault("verify.timeout_seconds", 15)

	viper.SetDefault("bridge.listen", "127.0.0.1:3210")

	viper.SetDefault("logging.level", "INFO")
	viper.SetDefault("logging.dir", "")

	viper.SetDefault("paths.data_dir", DefaultDataDir())
}

// Load unmarshals the current viper state into a Config.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.Worker.Interpreter == "" {
		return fmt.Errorf("worker.interpreter must not be empty")
	}
	if c.Worker.Entrypoint == "" {
		return fmt.Errorf("worker.entrypoint must not be empty")
	}
	if c.Ports.Start < 1 || c.Ports.Start > 65535 {
		return fmt.Errorf("ports.start %d out of range", c.Ports.Start)
	}
	if c.Ports.End < c.Ports.Start || c.Ports.End > 65535 {
		return fmt.Errorf("ports.end %d invalid for start %d", c.Ports.End, c.Ports.Start)
	}
	if c.Verify.TimeoutSeconds <= 0 {
		return fmt.Errorf("verify.timeout_seconds must be positive")
	}
	if c.Bridge.Listen == "" {
		return fmt.Errorf("bridge.listen must not be empty")
	}
	return nil
}

// ProbeTimeout returns the port probe timeout as a duration.
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Ports.ProbeTimeoutMs) * time.Millisecond
}

// SettleWait returns the worker settle wait as a duration.
func (c *Config) SettleWait() time.Duration {
	return time.Duration(c.Worker.SettleWaitMs) * time.Millisecond
}

// ReadyPollInterval returns the readiness poll interval as a duration.
func (c *Config) ReadyPollInterval() time.Duration {
	return time.Duration(c.Worker.ReadyPollIntervalMs) * time.Millisecond
}

// VerifyTimeout returns the verification timeout as a duration.
func (c *Config) VerifyTimeout() time.Duration {
	return time.Duration(c.Verify.TimeoutSeconds) * time.Second
}

// ConfigDir returns the directory searched for the config file.
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "hostd")
}

// DefaultDataDir returns the default location of the persisted session
// record.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hostd"
	}
	return filepath.Join(home, ".local", "share", "hostd")
}
