package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration represents the complete data layer configuration
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Backend    BackendConfig    `yaml:"backend"`
	Connection ConnectionConfig `yaml:"connection"`
	Queue      QueueConfig      `yaml:"queue"`
	Cache      CacheConfig      `yaml:"cache"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// GlobalConfig represents process-wide settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// Debug forces DEBUG level regardless of LogLevel.
	Debug bool `yaml:"debug"`
}

// BackendConfig describes the hosted backend
type BackendConfig struct {
	URL        string        `yaml:"url"`
	APIKey     string        `yaml:"api_key"`
	Schema     string        `yaml:"schema"`
	ProbeTable string        `yaml:"probe_table"`
	Timeout    time.Duration `yaml:"timeout"`
	// RequestsPerSecond paces outgoing requests; 0 disables pacing.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// ConnectionConfig represents connection manager settings
type ConnectionConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	RetryOnError     bool          `yaml:"retry_on_error"`
	MaxRetries       int           `yaml:"max_retries"`
	InitialBackoff   time.Duration `yaml:"initial_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	RequestAttempts  int           `yaml:"request_attempts"`
	TelemetryHistory int           `yaml:"telemetry_history"`
	HealthWindow     time.Duration `yaml:"health_window"`
}

// QueueConfig represents batch queue settings
type QueueConfig struct {
	BatchWindow         time.Duration `yaml:"batch_window"`
	MaxBatchSize        int           `yaml:"max_batch_size"`
	RateLimitCooldown   time.Duration `yaml:"rate_limit_cooldown"`
	NetworkRecheckDelay time.Duration `yaml:"network_recheck_delay"`
	DefaultMaxRetries   int           `yaml:"default_max_retries"`
	ProbeURLs           []string      `yaml:"probe_urls"`
	ProbeTimeout        time.Duration `yaml:"probe_timeout"`
}

// CacheConfig represents query cache settings
type CacheConfig struct {
	MaxSize         int               `yaml:"max_size"`
	DefaultTTL      time.Duration     `yaml:"default_ttl"`
	StaleTime       time.Duration     `yaml:"stale_time"`
	CleanupInterval time.Duration     `yaml:"cleanup_interval"`
	Persistence     PersistenceConfig `yaml:"persistence"`
}

// PersistenceConfig selects where the cache snapshot is stored
type PersistenceConfig struct {
	Enabled bool `yaml:"enabled"`
	// Driver is one of "file", "badger" or "s3".
	Driver       string        `yaml:"driver"`
	Path         string        `yaml:"path"`
	Key          string        `yaml:"key"`
	Bucket       string        `yaml:"bucket"`
	Prefix       string        `yaml:"prefix"`
	Region       string        `yaml:"region"`
	Endpoint     string        `yaml:"endpoint"`
	Compression  bool          `yaml:"compression"`
	SaveDebounce time.Duration `yaml:"save_debounce"`
	// Static S3 credentials. When empty the default AWS chain is used.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// MetricsConfig represents prometheus exporter settings
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFormat: "text",
		},
		Backend: BackendConfig{
			Schema:     "public",
			ProbeTable: "categories",
			Timeout:    15 * time.Second,
			Burst:      10,
		},
		Connection: ConnectionConfig{
			Timeout:          30 * time.Second,
			RetryOnError:     true,
			MaxRetries:       3,
			InitialBackoff:   time.Second,
			MaxBackoff:       30 * time.Second,
			RequestAttempts:  3,
			TelemetryHistory: 100,
			HealthWindow:     5 * time.Minute,
		},
		Queue: QueueConfig{
			BatchWindow:         100 * time.Millisecond,
			MaxBatchSize:        10,
			RateLimitCooldown:   60 * time.Second,
			NetworkRecheckDelay: 5 * time.Second,
			DefaultMaxRetries:   3,
			ProbeTimeout:        5 * time.Second,
		},
		Cache: CacheConfig{
			MaxSize:         100,
			DefaultTTL:      5 * time.Minute,
			StaleTime:       0,
			CleanupInterval: time.Minute,
			Persistence: PersistenceConfig{
				Enabled:      false,
				Driver:       "file",
				Path:         filepath.Join(os.TempDir(), "datalayer"),
				Key:          "query-cache",
				Compression:  true,
				SaveDebounce: time.Second,
			},
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Address:   ":9090",
			Path:      "/metrics",
			Namespace: "datalayer",
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

// LoadFromEnv overrides fields from DATALAYER_* environment variables
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("DATALAYER_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = strings.ToUpper(val)
	}
	if val := os.Getenv("DATALAYER_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}
	if val := os.Getenv("DATALAYER_DEBUG"); val != "" {
		c.Global.Debug = parseBool(val)
	}

	if val := os.Getenv("DATALAYER_BACKEND_URL"); val != "" {
		c.Backend.URL = val
	}
	if val := os.Getenv("DATALAYER_API_KEY"); val != "" {
		c.Backend.APIKey = val
	}
	if val := os.Getenv("DATALAYER_REQUESTS_PER_SECOND"); val != "" {
		rps, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("invalid DATALAYER_REQUESTS_PER_SECOND: %w", err)
		}
		c.Backend.RequestsPerSecond = rps
	}

	if err := envDuration("DATALAYER_CONNECTION_TIMEOUT", &c.Connection.Timeout); err != nil {
		return err
	}
	if err := envInt("DATALAYER_CONNECTION_MAX_RETRIES", &c.Connection.MaxRetries); err != nil {
		return err
	}

	if err := envDuration("DATALAYER_BATCH_WINDOW", &c.Queue.BatchWindow); err != nil {
		return err
	}
	if err := envDuration("DATALAYER_RATE_LIMIT_COOLDOWN", &c.Queue.RateLimitCooldown); err != nil {
		return err
	}
	if err := envInt("DATALAYER_MAX_BATCH_SIZE", &c.Queue.MaxBatchSize); err != nil {
		return err
	}
	if val := os.Getenv("DATALAYER_PROBE_URLS"); val != "" {
		c.Queue.ProbeURLs = strings.Split(val, ",")
	}

	if err := envInt("DATALAYER_CACHE_MAX_SIZE", &c.Cache.MaxSize); err != nil {
		return err
	}
	if err := envDuration("DATALAYER_CACHE_TTL", &c.Cache.DefaultTTL); err != nil {
		return err
	}
	if val := os.Getenv("DATALAYER_CACHE_PERSISTENCE"); val != "" {
		c.Cache.Persistence.Enabled = true
		c.Cache.Persistence.Driver = val
	}
	if val := os.Getenv("DATALAYER_CACHE_PATH"); val != "" {
		c.Cache.Persistence.Path = val
	}
	if val := os.Getenv("DATALAYER_CACHE_BUCKET"); val != "" {
		c.Cache.Persistence.Bucket = val
	}

	if val := os.Getenv("DATALAYER_METRICS_ADDRESS"); val != "" {
		c.Metrics.Enabled = true
		c.Metrics.Address = val
	}

	return nil
}

func parseBool(val string) bool {
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func envDuration(name string, dst *time.Duration) error {
	val := os.Getenv(name)
	if val == "" {
		return nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = d
	return nil
}

func envInt(name string, dst *int) error {
	val := os.Getenv(name)
	if val == "" {
		return nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = n
	return nil
}

// Load builds a configuration from defaults, an optional file and the environment.
func Load(filename string) (*Configuration, error) {
	cfg := NewDefault()
	if filename != "" {
		if err := cfg.LoadFromFile(filename); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
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
	if c.Global.LogFormat != "text" && c.Global.LogFormat != "json" {
		return fmt.Errorf("invalid log_format: %s (must be text or json)", c.Global.LogFormat)
	}

	if c.Connection.Timeout <= 0 {
		return fmt.Errorf("connection.timeout must be greater than 0")
	}
	if c.Connection.MaxRetries < 0 {
		return fmt.Errorf("connection.max_retries cannot be negative")
	}
	if c.Connection.TelemetryHistory <= 0 {
		return fmt.Errorf("connection.telemetry_history must be greater than 0")
	}

	if c.Queue.BatchWindow < 0 {
		return fmt.Errorf("queue.batch_window cannot be negative")
	}
	if c.Queue.MaxBatchSize <= 0 {
		return fmt.Errorf("queue.max_batch_size must be greater than 0")
	}
	if c.Queue.RateLimitCooldown <= 0 {
		return fmt.Errorf("queue.rate_limit_cooldown must be greater than 0")
	}

	if c.Cache.MaxSize <= 0 {
		return fmt.Errorf("cache.max_size must be greater than 0")
	}
	if c.Cache.DefaultTTL <= 0 {
		return fmt.Errorf("cache.default_ttl must be greater than 0")
	}
	if c.Cache.StaleTime < 0 || (c.Cache.StaleTime > 0 && c.Cache.StaleTime > c.Cache.DefaultTTL) {
		return fmt.Errorf("cache.stale_time must be between 0 and default_ttl")
	}

	if p := c.Cache.Persistence; p.Enabled {
		switch p.Driver {
		case "file", "badger":
			if p.Path == "" {
				return fmt.Errorf("cache.persistence.path is required for driver %s", p.Driver)
			}
		case "s3":
			if p.Bucket == "" {
				return fmt.Errorf("cache.persistence.bucket is required for driver s3")
			}
		default:
			return fmt.Errorf("invalid cache.persistence.driver: %s (must be file, badger or s3)", p.Driver)
		}
	}

	return nil
}
