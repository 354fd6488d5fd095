package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration represents the complete engine configuration
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	DHIS2      DHIS2Config      `yaml:"dhis2"`
	Cache      CacheConfig      `yaml:"cache"`
	Store      StoreConfig      `yaml:"store"`
	Preload    PreloadConfig    `yaml:"preload"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GlobalConfig represents global settings
type GlobalConfig struct {
	LogLevel string `yaml:"log_level"`
}

// DHIS2Config represents the remote analytics API settings
type DHIS2Config struct {
	BaseURL      string        `yaml:"base_url"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	APIToken     string        `yaml:"api_token"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

// CacheConfig represents cache behavior settings
type CacheConfig struct {
	TTL             time.Duration   `yaml:"ttl"`
	Capacity        string          `yaml:"capacity"`
	ReserveFraction float64         `yaml:"reserve_fraction"`
	Weights         EvictionWeights `yaml:"eviction_weights"`
	GracePeriod     time.Duration   `yaml:"grace_period"`
	CleanupInterval time.Duration   `yaml:"cleanup_interval"`
	Compression     bool            `yaml:"compression"`
}

// EvictionWeights blends access frequency and recency into the eviction
// score. Recency-dominant by default.
type EvictionWeights struct {
	Frequency float64 `yaml:"frequency"`
	Recency   float64 `yaml:"recency"`
}

// StoreConfig represents persistent store settings
type StoreConfig struct {
	Path string `yaml:"path"`
}

// PreloadConfig represents preload queue and worker settings
type PreloadConfig struct {
	WorkerConcurrency int         `yaml:"worker_concurrency"`
	Retry             RetryConfig `yaml:"retry"`
}

// RetryConfig represents fetch retry settings
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// MonitoringConfig represents monitoring settings
type MonitoringConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	API     APIConfig     `yaml:"api"`
}

// MetricsConfig represents Prometheus metrics settings
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// APIConfig represents the status HTTP server settings
type APIConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Address    string `yaml:"address"`
	EnableCORS bool   `yaml:"enable_cors"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel: "INFO",
		},
		DHIS2: DHIS2Config{
			BaseURL:      "http://localhost:8080",
			FetchTimeout: 30 * time.Second,
		},
		Cache: CacheConfig{
			TTL:             2 * time.Hour,
			Capacity:        "50MB",
			ReserveFraction: 0.10,
			Weights: EvictionWeights{
				Frequency: 0.3,
				Recency:   0.7,
			},
			GracePeriod:     24 * time.Hour,
			CleanupInterval: 10 * time.Minute,
			Compression:     true,
		},
		Store: StoreConfig{
			Path: "dhis2cache.db",
		},
		Preload: PreloadConfig{
			WorkerConcurrency: 1,
			Retry: RetryConfig{
				MaxAttempts:  3,
				InitialDelay: 200 * time.Millisecond,
				MaxDelay:     10 * time.Second,
			},
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "dhis2cache",
			},
			API: APIConfig{
				Enabled:    false,
				Address:    "localhost:8085",
				EnableCORS: true,
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration overrides from environment variables
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("DHIS2CACHE_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("DHIS2CACHE_BASE_URL"); val != "" {
		c.DHIS2.BaseURL = val
	}
	if val := os.Getenv("DHIS2CACHE_API_TOKEN"); val != "" {
		c.DHIS2.APIToken = val
	}
	if val := os.Getenv("DHIS2CACHE_FETCH_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.DHIS2.FetchTimeout = d
		}
	}
	if val := os.Getenv("DHIS2CACHE_CACHE_TTL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Cache.TTL = d
		}
	}
	if val := os.Getenv("DHIS2CACHE_CACHE_CAPACITY"); val != "" {
		c.Cache.Capacity = val
	}
	if val := os.Getenv("DHIS2CACHE_STORE_PATH"); val != "" {
		c.Store.Path = val
	}
	if val := os.Getenv("DHIS2CACHE_WORKER_CONCURRENCY"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Preload.WorkerConcurrency = n
		}
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// CapacityBytes parses the configured capacity string into bytes
func (c *Configuration) CapacityBytes() (int64, error) {
	return ParseSize(c.Cache.Capacity)
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if strings.ToUpper(c.Global.LogLevel) == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	if c.DHIS2.BaseURL == "" {
		return fmt.Errorf("dhis2 base_url must be set")
	}
	if c.DHIS2.FetchTimeout <= 0 {
		return fmt.Errorf("fetch_timeout must be greater than 0")
	}

	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache ttl must be greater than 0")
	}
	if _, err := c.CapacityBytes(); err != nil {
		return fmt.Errorf("invalid cache capacity: %w", err)
	}
	if c.Cache.ReserveFraction < 0 || c.Cache.ReserveFraction > 0.5 {
		return fmt.Errorf("reserve_fraction must be in [0, 0.5], got %v", c.Cache.ReserveFraction)
	}
	if c.Cache.Weights.Frequency+c.Cache.Weights.Recency <= 0 {
		return fmt.Errorf("eviction weights must sum to a positive value")
	}

	if c.Preload.WorkerConcurrency <= 0 {
		return fmt.Errorf("worker_concurrency must be greater than 0")
	}

	return nil
}

// ParseSize parses a human-readable size string ("50MB", "4KB", "123")
// into bytes. A bare number is taken as bytes.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "GB"):
		multiplier = 1 << 30
		s = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		multiplier = 1 << 20
		s = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		multiplier = 1 << 10
		s = strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "B"):
		s = strings.TrimSuffix(s, "B")
	}

	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("size cannot be negative: %d", n)
	}

	return n * multiplier, nil
}
