// Package config provides configuration management for the agentmux daemon.
// Configuration is read from a TOML file under the data directory, overlaid
// with AGENTMUX_-prefixed environment variables and built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

// Config holds all configuration sections for the daemon.
type Config struct {
	UnixSocket string `mapstructure:"unixSocket"`
	HTTPPort   int    `mapstructure:"httpPort"`
	WSPort     int    `mapstructure:"wsPort"`

	LogLevel string `mapstructure:"logLevel"`
	LogFile  string `mapstructure:"logFile"`
	PIDFile  string `mapstructure:"pidFile"`
	DataDir  string `mapstructure:"dataDir"`
	DBPath   string `mapstructure:"dbPath"`

	EnableAutoMonitor   bool `mapstructure:"enableAutoMonitor"`
	AutoMonitorInterval int  `mapstructure:"autoMonitorInterval"` // seconds
	ReconcileOnStart    bool `mapstructure:"reconcileOnStart"`

	MaxRestarts   int `mapstructure:"maxRestarts"`
	RestartWindow int `mapstructure:"restartWindow"` // seconds
	BackoffDelay  int `mapstructure:"backoffDelay"`  // seconds

	EnableCORS     bool     `mapstructure:"enableCors"`
	CORSOrigins    []string `mapstructure:"corsOrigins"`
	MaxRequestSize int64    `mapstructure:"maxRequestSize"`
	RequestTimeout int      `mapstructure:"requestTimeout"` // seconds

	NATSUrl string `mapstructure:"natsUrl"`

	Runtimes []RuntimeConfig `mapstructure:"runtimes"`
}

// RuntimeConfig describes one [[runtimes]] entry.
type RuntimeConfig struct {
	ID         string `mapstructure:"id"`
	Type       string `mapstructure:"type"` // local-tmux, docker, k8s, ssh
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	User       string `mapstructure:"user"`
	ConfigFile string `mapstructure:"configFile"`
	Context    string `mapstructure:"context"`
}

// Info converts the entry to its wire representation.
func (r RuntimeConfig) Info() v1.RuntimeInfo {
	return v1.RuntimeInfo{
		ID:         r.ID,
		Type:       v1.RuntimeType(r.Type),
		Host:       r.Host,
		Port:       r.Port,
		User:       r.User,
		ConfigFile: r.ConfigFile,
		Context:    r.Context,
	}
}

// AutoMonitorTick returns the auto-monitor interval as a duration.
func (c *Config) AutoMonitorTick() time.Duration {
	return time.Duration(c.AutoMonitorInterval) * time.Second
}

// RestartWindowDuration returns the supervisor restart window as a duration.
func (c *Config) RestartWindowDuration() time.Duration {
	return time.Duration(c.RestartWindow) * time.Second
}

// BackoffDelayDuration returns the supervisor breaker backoff as a duration.
func (c *Config) BackoffDelayDuration() time.Duration {
	return time.Duration(c.BackoffDelay) * time.Second
}

// RequestTimeoutDuration returns the RPC request timeout as a duration.
func (c *Config) RequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

// Runtime returns the runtime entry with the given id, or nil.
func (c *Config) Runtime(id string) *RuntimeConfig {
	for i := range c.Runtimes {
		if c.Runtimes[i].ID == id {
			return &c.Runtimes[i]
		}
	}
	return nil
}

// DefaultDataDir returns ~/.tmux-agents, falling back to a relative directory
// when the home directory cannot be resolved.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tmux-agents"
	}
	return filepath.Join(home, ".tmux-agents")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper, dataDir string) {
	v.SetDefault("unixSocket", filepath.Join(dataDir, "daemon.sock"))
	v.SetDefault("httpPort", 3456)
	v.SetDefault("wsPort", 3457)

	v.SetDefault("logLevel", "info")
	v.SetDefault("logFile", filepath.Join(dataDir, "daemon.log"))
	v.SetDefault("pidFile", filepath.Join(dataDir, "daemon.pid"))
	v.SetDefault("dataDir", dataDir)
	v.SetDefault("dbPath", filepath.Join(dataDir, "data.db"))

	v.SetDefault("enableAutoMonitor", true)
	v.SetDefault("autoMonitorInterval", 15)
	v.SetDefault("reconcileOnStart", true)

	v.SetDefault("maxRestarts", 5)
	v.SetDefault("restartWindow", 30)
	v.SetDefault("backoffDelay", 60)

	v.SetDefault("enableCors", true)
	v.SetDefault("corsOrigins", []string{"*"})
	v.SetDefault("maxRequestSize", int64(4<<20))
	v.SetDefault("requestTimeout", 30)

	// Empty URL means use the in-memory event bus
	v.SetDefault("natsUrl", "")
}

// Load reads configuration from the default data directory.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the given directory, falling back to
// the default data directory. A missing config file is not an error; invalid
// values are.
func LoadWithPath(dir string) (*Config, error) {
	dataDir := dir
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}

	v := viper.New()
	setDefaults(v, dataDir)

	v.SetEnvPrefix("AGENTMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(dataDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if errs := Validate(&cfg); len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}

	if err := ensureDirs(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks configuration values and returns a list of errors; an
// empty list means the configuration is acceptable.
func Validate(cfg *Config) []string {
	var errs []string

	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		errs = append(errs, "httpPort must be between 1 and 65535")
	}
	if cfg.WSPort <= 0 || cfg.WSPort > 65535 {
		errs = append(errs, "wsPort must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.LogLevel)] {
		errs = append(errs, "logLevel must be one of: debug, info, warn, error")
	}

	if cfg.AutoMonitorInterval <= 0 {
		errs = append(errs, "autoMonitorInterval must be positive")
	}
	if cfg.MaxRestarts < 0 {
		errs = append(errs, "maxRestarts must not be negative")
	}
	if cfg.RestartWindow <= 0 {
		errs = append(errs, "restartWindow must be positive")
	}
	if cfg.BackoffDelay <= 0 {
		errs = append(errs, "backoffDelay must be positive")
	}
	if cfg.MaxRequestSize <= 0 {
		errs = append(errs, "maxRequestSize must be positive")
	}
	if cfg.RequestTimeout <= 0 {
		errs = append(errs, "requestTimeout must be positive")
	}

	seen := map[string]bool{}
	for _, rt := range cfg.Runtimes {
		if rt.ID == "" {
			errs = append(errs, "runtimes entry missing id")
			continue
		}
		if seen[rt.ID] {
			errs = append(errs, fmt.Sprintf("duplicate runtime id %q", rt.ID))
		}
		seen[rt.ID] = true
		if !v1.ValidRuntimeType(rt.Type) {
			errs = append(errs, fmt.Sprintf("runtime %q has unknown type %q", rt.ID, rt.Type))
		}
		if rt.Type == string(v1.RuntimeSSH) && rt.Host == "" {
			errs = append(errs, fmt.Sprintf("ssh runtime %q requires host", rt.ID))
		}
	}

	return errs
}

func ensureDirs(cfg *Config) error {
	for _, dir := range []string{cfg.DataDir, filepath.Dir(cfg.DBPath), filepath.Dir(cfg.LogFile), filepath.Dir(cfg.PIDFile)} {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return nil
}
