package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sthetix/SwitchrootDepot/internal/progress"
)

// Existing-file policies for placement.
const (
	ExistingOverwrite         = "overwrite"
	ExistingSkipIdenticalSize = "skip-identical-size"
)

// Config holds user preferences for a pipeline run.
type Config struct {
	Connections    int           `yaml:"connections"`
	ChunkSize      int64         `yaml:"chunk_size"`
	MinSegmentSize int64         `yaml:"min_segment_size"`
	Token          string        `yaml:"token"`
	DestDir        string        `yaml:"dest_dir"`
	TempDir        string        `yaml:"temp_dir"`
	CacheURL       string        `yaml:"cache_url"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	Resumable      bool          `yaml:"resumable"`
	Existing       string        `yaml:"existing"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	SegmentTimeout time.Duration `yaml:"segment_timeout"`
	ScanTimeout    time.Duration `yaml:"scan_timeout"`
	Components     string        `yaml:"components"`
	Retry          RetryConfig   `yaml:"retry"`
}

// RetryConfig defines retry behavior.
type RetryConfig struct {
	Attempts   int           `yaml:"attempts"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	home, _ := os.UserHomeDir()
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		cacheDir = os.TempDir()
	}

	return Config{
		Connections:    8,
		ChunkSize:      8 * 1024 * 1024, // 8MB
		MinSegmentSize: 5 * 1024 * 1024,
		DestDir:        filepath.Join(home, "Downloads", "switchroot"),
		TempDir:        filepath.Join(cacheDir, "depot", "partial"),
		CacheURL:       "file://" + filepath.ToSlash(filepath.Join(cacheDir, "depot")),
		CacheTTL:       24 * time.Hour,
		Existing:       ExistingOverwrite,
		RequestTimeout: 30 * time.Second,
		SegmentTimeout: 10 * time.Minute,
		ScanTimeout:    60 * time.Second,
		Retry: RetryConfig{
			Attempts:   5,
			Backoff:    time.Second,
			MaxBackoff: 30 * time.Second,
		},
	}
}

// yamlConfig is used for YAML unmarshaling with string sizes and durations.
type yamlConfig struct {
	Connections    int             `yaml:"connections"`
	ChunkSize      string          `yaml:"chunk_size"`
	MinSegmentSize string          `yaml:"min_segment_size"`
	Token          string          `yaml:"token"`
	DestDir        string          `yaml:"dest_dir"`
	TempDir        string          `yaml:"temp_dir"`
	CacheURL       string          `yaml:"cache_url"`
	CacheTTL       string          `yaml:"cache_ttl"`
	Resumable      *bool           `yaml:"resumable"`
	Existing       string          `yaml:"existing"`
	RequestTimeout string          `yaml:"request_timeout"`
	SegmentTimeout string          `yaml:"segment_timeout"`
	ScanTimeout    string          `yaml:"scan_timeout"`
	Components     string          `yaml:"components"`
	Retry          yamlRetryConfig `yaml:"retry"`
}

type yamlRetryConfig struct {
	Attempts   int    `yaml:"attempts"`
	Backoff    string `yaml:"backoff"`
	MaxBackoff string `yaml:"max_backoff"`
}

// LoadFromFile loads configuration from a YAML file on top of Default().
// Relative components paths resolve against the file's directory.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()

	if yc.Connections != 0 {
		cfg.Connections = yc.Connections
	}
	if err := setBytes(&cfg.ChunkSize, yc.ChunkSize, "chunk_size"); err != nil {
		return Config{}, err
	}
	if err := setBytes(&cfg.MinSegmentSize, yc.MinSegmentSize, "min_segment_size"); err != nil {
		return Config{}, err
	}
	if yc.Token != "" {
		cfg.Token = yc.Token
	}
	if yc.DestDir != "" {
		cfg.DestDir = yc.DestDir
	}
	if yc.TempDir != "" {
		cfg.TempDir = yc.TempDir
	}
	if yc.CacheURL != "" {
		cfg.CacheURL = yc.CacheURL
	}
	if yc.Resumable != nil {
		cfg.Resumable = *yc.Resumable
	}
	if yc.Existing != "" {
		cfg.Existing = yc.Existing
	}
	if yc.Components != "" {
		cfg.Components = yc.Components
		if !filepath.IsAbs(cfg.Components) {
			cfg.Components = filepath.Join(filepath.Dir(path), cfg.Components)
		}
	}
	if yc.Retry.Attempts != 0 {
		cfg.Retry.Attempts = yc.Retry.Attempts
	}

	durations := []struct {
		dst  *time.Duration
		val  string
		name string
	}{
		{&cfg.CacheTTL, yc.CacheTTL, "cache_ttl"},
		{&cfg.RequestTimeout, yc.RequestTimeout, "request_timeout"},
		{&cfg.SegmentTimeout, yc.SegmentTimeout, "segment_timeout"},
		{&cfg.ScanTimeout, yc.ScanTimeout, "scan_timeout"},
		{&cfg.Retry.Backoff, yc.Retry.Backoff, "retry.backoff"},
		{&cfg.Retry.MaxBackoff, yc.Retry.MaxBackoff, "retry.max_backoff"},
	}
	for _, d := range durations {
		if err := setDuration(d.dst, d.val, d.name); err != nil {
			return Config{}, err
		}
	}

	return cfg, nil
}

func setBytes(dst *int64, val, name string) error {
	if val == "" {
		return nil
	}
	size, err := progress.ParseBytes(val)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	*dst = size
	return nil
}

func setDuration(dst *time.Duration, val, name string) error {
	if val == "" {
		return nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	*dst = d
	return nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the DEPOT_ prefix.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("DEPOT_CONNECTIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse DEPOT_CONNECTIONS: %w", err)
		}
		c.Connections = n
	}
	if err := setBytes(&c.ChunkSize, os.Getenv("DEPOT_CHUNK_SIZE"), "DEPOT_CHUNK_SIZE"); err != nil {
		return err
	}
	if v := os.Getenv("DEPOT_TOKEN"); v != "" {
		c.Token = v
	} else if v := os.Getenv("GITHUB_TOKEN"); v != "" && c.Token == "" {
		c.Token = v
	}
	if v := os.Getenv("DEPOT_DEST_DIR"); v != "" {
		c.DestDir = v
	}
	if v := os.Getenv("DEPOT_TEMP_DIR"); v != "" {
		c.TempDir = v
	}
	if v := os.Getenv("DEPOT_CACHE_URL"); v != "" {
		c.CacheURL = v
	}
	if v := os.Getenv("DEPOT_RESUMABLE"); v != "" {
		c.Resumable = v == "true" || v == "1"
	}
	if v := os.Getenv("DEPOT_EXISTING"); v != "" {
		c.Existing = v
	}
	if v := os.Getenv("DEPOT_COMPONENTS"); v != "" {
		c.Components = v
	}
	if v := os.Getenv("DEPOT_RETRY_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse DEPOT_RETRY_ATTEMPTS: %w", err)
		}
		c.Retry.Attempts = n
	}
	if err := setDuration(&c.Retry.Backoff, os.Getenv("DEPOT_RETRY_BACKOFF"), "DEPOT_RETRY_BACKOFF"); err != nil {
		return err
	}
	if err := setDuration(&c.Retry.MaxBackoff, os.Getenv("DEPOT_RETRY_MAX_BACKOFF"), "DEPOT_RETRY_MAX_BACKOFF"); err != nil {
		return err
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Connections <= 0 {
		return errors.New("config: connections must be positive")
	}
	if c.Connections > 64 {
		return errors.New("config: connections must not exceed 64")
	}
	if c.ChunkSize <= 0 {
		return errors.New("config: chunk_size must be positive")
	}
	if c.DestDir == "" {
		return errors.New("config: dest_dir is required")
	}
	if c.TempDir == "" {
		return errors.New("config: temp_dir is required")
	}
	if c.CacheURL == "" {
		return errors.New("config: cache_url is required")
	}
	if c.CacheTTL <= 0 {
		return errors.New("config: cache_ttl must be positive")
	}
	if c.Existing != ExistingOverwrite && c.Existing != ExistingSkipIdenticalSize {
		return fmt.Errorf("config: existing must be %q or %q", ExistingOverwrite, ExistingSkipIdenticalSize)
	}
	if c.Retry.Attempts < 0 {
		return errors.New("config: retry.attempts must not be negative")
	}
	return nil
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored.
func (c Config) Merge(override Config) Config {
	if override.Connections != 0 {
		c.Connections = override.Connections
	}
	if override.ChunkSize != 0 {
		c.ChunkSize = override.ChunkSize
	}
	if override.MinSegmentSize != 0 {
		c.MinSegmentSize = override.MinSegmentSize
	}
	if override.Token != "" {
		c.Token = override.Token
	}
	if override.DestDir != "" {
		c.DestDir = override.DestDir
	}
	if override.TempDir != "" {
		c.TempDir = override.TempDir
	}
	if override.CacheURL != "" {
		c.CacheURL = override.CacheURL
	}
	if override.CacheTTL != 0 {
		c.CacheTTL = override.CacheTTL
	}
	if override.Resumable {
		c.Resumable = override.Resumable
	}
	if override.Existing != "" {
		c.Existing = override.Existing
	}
	if override.Components != "" {
		c.Components = override.Components
	}
	if override.Retry.Attempts != 0 {
		c.Retry.Attempts = override.Retry.Attempts
	}
	if override.Retry.Backoff != 0 {
		c.Retry.Backoff = override.Retry.Backoff
	}
	if override.Retry.MaxBackoff != 0 {
		c.Retry.MaxBackoff = override.Retry.MaxBackoff
	}
	return c
}
