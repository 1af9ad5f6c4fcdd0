// Package config handles dwell configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/dwell/internal/call"
	"github.com/nugget/dwell/internal/classify"
)

// DefaultSearchPaths returns the config file search order:
// ./config.yaml, ~/.config/dwell/config.yaml, /etc/dwell/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "dwell", "config.yaml"))
	}

	paths = append(paths, "/etc/dwell/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all dwell configuration.
type Config struct {
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text or json
	SelfApp   string          `yaml:"self_app"`
	Tracking  TrackingConfig  `yaml:"tracking"`
	Calls     CallsConfig     `yaml:"calls"`
	Media     MediaConfig     `yaml:"media"`
	Classify  classify.Config `yaml:"classify"`
	Listen    ListenConfig    `yaml:"listen"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
}

// TrackingConfig tunes the foreground, idle and wake pollers. All
// durations are in seconds.
type TrackingConfig struct {
	WindowIntervalSec int `yaml:"window_interval_sec"`
	IdleIntervalSec   int `yaml:"idle_interval_sec"`
	IdleStartSec      int `yaml:"idle_start_sec"`
	IdleResumeSec     int `yaml:"idle_resume_sec"`
	ProbeTimeoutSec   int `yaml:"probe_timeout_sec"`
	WakeIntervalSec   int `yaml:"wake_interval_sec"`
	WakeThresholdSec  int `yaml:"wake_threshold_sec"`
	SplitHistoryDepth int `yaml:"split_history_depth"`
}

// CallsConfig configures the call-process detector.
type CallsConfig struct {
	Disabled    bool          `yaml:"disabled"`
	IntervalSec int           `yaml:"interval_sec"`
	Targets     []call.Target `yaml:"targets"`
}

// MediaConfig configures the background playback tracker.
type MediaConfig struct {
	Disabled    bool `yaml:"disabled"`
	IntervalSec int  `yaml:"interval_sec"`
}

// ListenConfig is the HTTP API listener.
type ListenConfig struct {
	Disabled bool   `yaml:"disabled"`
	Address  string `yaml:"address"`
	Port     int    `yaml:"port"`
}

// Addr returns the host:port listen address.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Address, l.Port)
}

// MQTTConfig configures the Home Assistant MQTT publisher.
type MQTTConfig struct {
	Broker             string `yaml:"broker"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Configured reports whether MQTT publishing is enabled.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// Load reads configuration from a YAML file, expanding environment
// variables, and applies defaults for anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{
		Classify: classify.DefaultConfig(),
		Calls:    CallsConfig{Targets: call.DefaultTargets()},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = defaultDataDir()
	}
	c.DataDir = expandHome(c.DataDir)
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.SelfApp == "" {
		c.SelfApp = "dwell"
	}

	t := &c.Tracking
	setDefault(&t.WindowIntervalSec, 5)
	setDefault(&t.IdleIntervalSec, 15)
	setDefault(&t.IdleStartSec, 300)
	setDefault(&t.IdleResumeSec, 10)
	setDefault(&t.ProbeTimeoutSec, 10)
	setDefault(&t.WakeIntervalSec, 10)
	setDefault(&t.WakeThresholdSec, 30)
	setDefault(&t.SplitHistoryDepth, 24)

	setDefault(&c.Calls.IntervalSec, 15)
	setDefault(&c.Media.IntervalSec, 30)

	if c.Listen.Address == "" {
		c.Listen.Address = "127.0.0.1"
	}
	setDefault(&c.Listen.Port, 8484)

	if c.MQTT.DeviceName == "" {
		if host, err := os.Hostname(); err == nil {
			c.MQTT.DeviceName = "dwell-" + strings.ToLower(strings.Split(host, ".")[0])
		} else {
			c.MQTT.DeviceName = "dwell"
		}
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	setDefault(&c.MQTT.PublishIntervalSec, 60)
}

func setDefault(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

// expandHome replaces a leading "~" with the user's home directory.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "dwell")
	}
	return "data"
}

// Validate reports configuration errors that defaults cannot fix.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}
	if c.Tracking.IdleResumeSec >= c.Tracking.IdleStartSec {
		errs = append(errs, fmt.Errorf("tracking.idle_resume_sec (%d) must be below tracking.idle_start_sec (%d)",
			c.Tracking.IdleResumeSec, c.Tracking.IdleStartSec))
	}
	for i, tgt := range c.Calls.Targets {
		if tgt.Label == "" || tgt.Process == "" {
			errs = append(errs, fmt.Errorf("calls.targets[%d]: label and process are required", i))
		}
	}
	if c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if _, err := classify.New(c.Classify); err != nil {
		errs = append(errs, fmt.Errorf("classify: %w", err))
	}
	return errors.Join(errs...)
}

// DBPath is the session database location.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "dwell.db")
}

// Seconds converts a config seconds value to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
