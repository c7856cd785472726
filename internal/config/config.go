// Package config defines the watcher configuration surface: a YAML
// file with per-stage sections, documented defaults, and startup
// validation. Values are resolved once at load time (including the
// hostname fallback) and passed to components by value; nothing in
// here is mutated after Load returns.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full watcher configuration.
type Config struct {
	Trigger TriggerConfig `yaml:"trigger"`
	Capture CaptureConfig `yaml:"capture"`
	Cache   CacheConfig   `yaml:"cache"`
	Index   IndexConfig   `yaml:"index"`
	S3      S3Config      `yaml:"s3"`
	Server  ServerConfig  `yaml:"server"`
}

// TriggerConfig controls the capture timer.
type TriggerConfig struct {
	IntervalSecs int `yaml:"interval_secs"`
	// TimeoutSecs, when non-zero, stops the watcher after that many
	// seconds via the same graceful path as Ctrl-C.
	TimeoutSecs int `yaml:"timeout_secs"`
}

// Interval returns the capture interval as a Duration.
func (t TriggerConfig) Interval() time.Duration {
	return time.Duration(t.IntervalSecs) * time.Second
}

// Timeout returns the optional run timeout, or zero when unset.
func (t TriggerConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSecs) * time.Second
}

// CaptureConfig controls change detection.
type CaptureConfig struct {
	ForceIntervalSecs int `yaml:"force_interval_secs"`
	// HashThreshold is the minimum Hamming distance between the new
	// and previous fingerprint for a frame to count as changed.
	HashThreshold int `yaml:"hash_threshold"`
	// MaxFailedTicks is the number of consecutive ticks with zero
	// successful captures before the backend is considered unusable.
	MaxFailedTicks int `yaml:"max_failed_ticks"`
}

// ForceInterval returns the forced-capture interval as a Duration.
func (c CaptureConfig) ForceInterval() time.Duration {
	return time.Duration(c.ForceIntervalSecs) * time.Second
}

// CacheConfig controls local artifact storage.
type CacheConfig struct {
	Dir string `yaml:"dir"`
	// WebpQuality is 1-100. 100 selects lossless encoding; lower
	// values trade quality for size. Default is 75.
	WebpQuality int `yaml:"webp_quality"`
	// PackAfterHours, when non-zero, bundles artifacts older than
	// that many hours into .tar.zst archives.
	PackAfterHours int `yaml:"pack_after_hours"`
}

// IndexConfig controls the local SQLite artifact index.
type IndexConfig struct {
	// DBPath is the SQLite file recording every encoded artifact.
	// Empty disables the index.
	DBPath string `yaml:"db_path"`
}

// S3Config controls the optional object storage upload.
type S3Config struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	KeyPrefix string `yaml:"key_prefix"`
}

// ServerConfig controls heartbeat delivery to the activity server.
type ServerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	BucketID string `yaml:"bucket_id"`
	Hostname string `yaml:"hostname"`
	// PulseTimeSecs is the merge window: adjacent identical-data
	// events closer than this are merged into one.
	PulseTimeSecs float64 `yaml:"pulse_time_secs"`
	// BufferLimit caps the undelivered-event buffer; the oldest
	// entry is dropped when it overflows.
	BufferLimit int `yaml:"buffer_limit"`
}

// PulseTime returns the merge window as a Duration.
func (s ServerConfig) PulseTime() time.Duration {
	return time.Duration(s.PulseTimeSecs * float64(time.Second))
}

// Default returns the documented default configuration. The hostname
// is resolved here, once, and never re-read.
func Default() Config {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}

	exeDir := "."
	if exe, err := os.Executable(); err == nil {
		exeDir = filepath.Dir(exe)
	}

	return Config{
		Trigger: TriggerConfig{IntervalSecs: 2},
		Capture: CaptureConfig{
			ForceIntervalSecs: 60,
			HashThreshold:     10,
			MaxFailedTicks:    5,
		},
		Cache: CacheConfig{
			Dir:         filepath.Join(exeDir, "cache"),
			WebpQuality: 75,
		},
		Index: IndexConfig{
			DBPath: filepath.Join(exeDir, "screenwatch.db"),
		},
		S3: S3Config{Region: "auto"},
		Server: ServerConfig{
			Host:        "localhost",
			Port:        5600,
			BucketID:    "aw-watcher-screenshot",
			Hostname:    hostname,
			BufferLimit: 64,
		},
	}
}

// Load reads the YAML file at path over the defaults and validates the
// result. A missing file is not an error: the defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			err = cfg.Validate()
			return cfg, err
		}
		return cfg, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}

	if cfg.Server.Hostname == "" {
		cfg.Server.Hostname = Default().Server.Hostname
	}

	// Validate mutates cfg (derived pulse window), so it must complete
	// before cfg is returned.
	err = cfg.Validate()
	return cfg, err
}

// Validate checks the configuration and resolves derived defaults.
// Any error here is fatal at startup; the watcher never begins
// capturing with an invalid configuration.
func (c *Config) Validate() error {
	if c.Trigger.IntervalSecs <= 0 {
		return fmt.Errorf("trigger.interval_secs must be positive, got %d", c.Trigger.IntervalSecs)
	}
	if c.Trigger.TimeoutSecs < 0 {
		return fmt.Errorf("trigger.timeout_secs must not be negative, got %d", c.Trigger.TimeoutSecs)
	}
	if c.Capture.ForceIntervalSecs <= 0 {
		return fmt.Errorf("capture.force_interval_secs must be positive, got %d", c.Capture.ForceIntervalSecs)
	}
	if c.Capture.HashThreshold < 0 || c.Capture.HashThreshold > 64 {
		return fmt.Errorf("capture.hash_threshold must be within 0-64, got %d", c.Capture.HashThreshold)
	}
	if c.Capture.MaxFailedTicks <= 0 {
		return fmt.Errorf("capture.max_failed_ticks must be positive, got %d", c.Capture.MaxFailedTicks)
	}
	if c.Cache.Dir == "" {
		return fmt.Errorf("cache.dir is required")
	}
	if c.Cache.WebpQuality < 1 || c.Cache.WebpQuality > 100 {
		return fmt.Errorf("cache.webp_quality must be within 1-100, got %d", c.Cache.WebpQuality)
	}
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			return fmt.Errorf("s3.endpoint is required when s3 is enabled")
		}
		if c.S3.Bucket == "" {
			return fmt.Errorf("s3.bucket is required when s3 is enabled")
		}
		if c.S3.AccessKey == "" || c.S3.SecretKey == "" {
			return fmt.Errorf("s3 credentials are required when s3 is enabled")
		}
	}
	if c.Server.Host == "" || c.Server.Port <= 0 {
		return fmt.Errorf("server.host and server.port are required")
	}
	if c.Server.BucketID == "" {
		return fmt.Errorf("server.bucket_id is required")
	}
	if c.Server.BufferLimit <= 0 {
		return fmt.Errorf("server.buffer_limit must be positive, got %d", c.Server.BufferLimit)
	}

	// The pulse window must comfortably exceed the capture cadence,
	// otherwise back-to-back heartbeats for a static screen never
	// merge. Default to 4x the interval when unset.
	trigger := float64(c.Trigger.IntervalSecs)
	if c.Server.PulseTimeSecs == 0 {
		c.Server.PulseTimeSecs = trigger * 4
	} else if c.Server.PulseTimeSecs < trigger*4 {
		return fmt.Errorf("server.pulse_time_secs must be at least 4x trigger.interval_secs")
	}

	return nil
}
