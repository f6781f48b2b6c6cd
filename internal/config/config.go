package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	Update   UpdateConfig   `yaml:"update"`
	Releases ReleasesConfig `yaml:"releases"`
	LogLevel string         `yaml:"log_level"`
}

// DeviceConfig holds discovery and connection settings.
type DeviceConfig struct {
	Name                string   `yaml:"name"`    // advertised name to scan for
	Address             string   `yaml:"address"` // pinned address, skips discovery
	ScanTimeout         Duration `yaml:"scan_timeout"`
	ConnectTimeout      Duration `yaml:"connect_timeout"`
	OpTimeout           Duration `yaml:"op_timeout"`
	ReconnectMaxBackoff Duration `yaml:"reconnect_max_backoff"`
}

// UpdateConfig holds update transfer settings.
type UpdateConfig struct {
	ChunkSize    int      `yaml:"chunk_size"`
	ChunkRetries int      `yaml:"chunk_retries"`
	AckTimeout   Duration `yaml:"ack_timeout"`
}

// ReleasesConfig holds firmware release feed settings.
type ReleasesConfig struct {
	URL     string `yaml:"url"`
	Channel string `yaml:"channel"` // "stable" or "all"
}

// Duration wraps time.Duration so YAML values read like "30s" or "1m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "watchmate")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Name:                "InfiniTime",
			ScanTimeout:         Duration(15 * time.Second),
			ConnectTimeout:      Duration(20 * time.Second),
			OpTimeout:           Duration(5 * time.Second),
			ReconnectMaxBackoff: Duration(30 * time.Second),
		},
		Update: UpdateConfig{
			ChunkSize:    200,
			ChunkRetries: 3,
			AckTimeout:   Duration(10 * time.Second),
		},
		Releases: ReleasesConfig{
			URL:     "https://api.github.com/repos/InfiniTimeOrg/InfiniTime/releases",
			Channel: "stable",
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Device.Name == "" && c.Device.Address == "" {
		return fmt.Errorf("device.name or device.address must be set")
	}

	for field, d := range map[string]Duration{
		"device.scan_timeout":          c.Device.ScanTimeout,
		"device.connect_timeout":       c.Device.ConnectTimeout,
		"device.op_timeout":            c.Device.OpTimeout,
		"device.reconnect_max_backoff": c.Device.ReconnectMaxBackoff,
		"update.ack_timeout":           c.Update.AckTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", field)
		}
	}

	if c.Update.ChunkSize <= 0 || c.Update.ChunkSize > 4096 {
		return fmt.Errorf("update.chunk_size must be in 1..4096, got %d", c.Update.ChunkSize)
	}
	if c.Update.ChunkRetries < 0 {
		return fmt.Errorf("update.chunk_retries must be >= 0")
	}

	if c.Releases.URL == "" {
		return fmt.Errorf("releases.url must not be empty")
	}
	switch c.Releases.Channel {
	case "stable", "all":
	default:
		return fmt.Errorf("releases.channel must be \"stable\" or \"all\", got %q", c.Releases.Channel)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}
