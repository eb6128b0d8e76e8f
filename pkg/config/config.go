// Package config loads the process configuration of the shmframe tools.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/srediag/shmframe/internal/logger"
	"github.com/srediag/shmframe/pkg/channel"
	"github.com/srediag/shmframe/pkg/frame"
	"github.com/srediag/shmframe/pkg/shm"
)

// EnvConfig names the config file when no path is given.
const EnvConfig = "SHMFRAME_CONFIG"

// Config describes one channel and the process around it.
type Config struct {
	Name    string `yaml:"name" json:"name"`
	Variant string `yaml:"variant" json:"variant"`
	Mode    string `yaml:"mode" json:"mode"`
	Dir     string `yaml:"dir" json:"dir"`

	Width    int `yaml:"width" json:"width"`
	Height   int `yaml:"height" json:"height"`
	Channels int `yaml:"channels" json:"channels"`

	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
	MaxRetries    int           `yaml:"max_retries" json:"max_retries"`
	RetryInterval time.Duration `yaml:"retry_interval" json:"retry_interval"`
	WakeAll       bool          `yaml:"wake_all" json:"wake_all"`

	// Interval paces the producer; Frames bounds produce and bench runs.
	Interval time.Duration `yaml:"interval" json:"interval"`
	Frames   int           `yaml:"frames" json:"frames"`

	MetricsAddr string        `yaml:"metrics_addr" json:"metrics_addr"`
	HealthAddr  string        `yaml:"health_addr" json:"health_addr"`
	MaxFrameAge time.Duration `yaml:"max_frame_age" json:"max_frame_age"`

	LogLevel string `yaml:"log_level" json:"log_level"`
}

// Default returns a normalised configuration for a blocking 4K RGB channel.
func Default() *Config {
	cfg := &Config{}
	cfg.Normalize()
	return cfg
}

// Load reads path, or the file named by SHMFRAME_CONFIG when path is empty.
// With neither, the defaults are returned. JSON files parse as YAML, so
// durations are written the same way ("250ms") in both formats.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalize fills zero values with defaults.
func (c *Config) Normalize() {
	if c.Name == "" {
		c.Name = "shmframe"
	}
	if c.Variant == "" {
		c.Variant = channel.VariantBlocking.String()
	}
	if c.Mode == "" {
		c.Mode = shm.ModeCreateOrAttach.String()
	}
	if c.Width == 0 && c.Height == 0 && c.Channels == 0 {
		c.Width, c.Height, c.Channels = frame.Shape4KRGB.Width, frame.Shape4KRGB.Height, frame.Shape4KRGB.Channels
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = channel.DefaultMaxRetries
	}
	if c.Interval == 0 {
		c.Interval = 33 * time.Millisecond
	}
	if c.MaxFrameAge == 0 {
		c.MaxFrameAge = 2 * time.Second
	}
	if c.LogLevel == "" {
		c.LogLevel = "warn"
	}
}

// Validate checks that every string field parses.
func (c *Config) Validate() error {
	if _, err := channel.ParseVariant(c.Variant); err != nil {
		return err
	}
	if _, err := shm.ParseMode(c.Mode); err != nil {
		return err
	}
	if err := c.Shape().Validate(); err != nil {
		return err
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Timeout < 0 || c.RetryInterval < 0 || c.Interval < 0 {
		return fmt.Errorf("negative durations are not allowed")
	}
	return nil
}

func (c *Config) Shape() frame.Shape {
	return frame.Shape{Width: c.Width, Height: c.Height, Channels: c.Channels}
}

// ApplyLogLevel sets the global log level from the config.
func (c *Config) ApplyLogLevel() error {
	lvl, err := logger.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}
	logger.SetLogLevel(lvl)
	return nil
}

// Options converts the config into channel options for role.
func (c *Config) Options(role channel.Role) (channel.Options, error) {
	variant, err := channel.ParseVariant(c.Variant)
	if err != nil {
		return channel.Options{}, err
	}
	mode, err := shm.ParseMode(c.Mode)
	if err != nil {
		return channel.Options{}, err
	}
	opts := channel.DefaultOptions(c.Name, role)
	opts.Variant = variant
	opts.Mode = mode
	opts.Shape = c.Shape()
	opts.Timeout = c.Timeout
	opts.MaxRetries = c.MaxRetries
	opts.RetryInterval = c.RetryInterval
	opts.WakeAll = c.WakeAll
	if c.Dir != "" {
		opts.Manager = shm.NewManager(shm.WithDir(c.Dir))
	}
	return opts, nil
}
