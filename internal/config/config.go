// Package config provides configuration for the dmcat service and CLI.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the configuration of dmcat.
type Config struct {
	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Log configuration
	Log LogConfig `json:"log" yaml:"log"`

	// HTTP configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// gRPC configuration
	GRPC GRPCConfig `json:"grpc" yaml:"grpc"`

	// Catalog database configuration
	Catalog CatalogConfig `json:"catalog" yaml:"catalog"`

	// Storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Reconcile configures unregistered data invalidation
	Reconcile ReconcileConfig `json:"reconcile" yaml:"reconcile"`

	// Notify configures status change notifications
	Notify NotifyConfig `json:"notify" yaml:"notify"`

	// Metrics configuration
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	// Level is a zerolog level name: debug, info, warn, error
	Level string `json:"level" yaml:"level"`

	// Format is console or json
	Format string `json:"format" yaml:"format"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the HTTP listen address
	Addr string `json:"addr" yaml:"addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// GRPCConfig holds gRPC server configuration.
type GRPCConfig struct {
	// Addr is the gRPC server address
	Addr string `json:"addr" yaml:"addr"`

	// Enabled controls whether gRPC is enabled
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// CatalogConfig holds catalog database configuration.
type CatalogConfig struct {
	// Driver is sqlite3 or postgres
	Driver string `json:"driver" yaml:"driver"`

	// DSN is the database file (sqlite3) or connection string (postgres)
	DSN string `json:"dsn" yaml:"dsn"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the root directory of local buckets (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 client configuration. Buckets come from the catalog storages.
type S3Config struct {
	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// UsePathStyle enables path-style addressing
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// ReconcileConfig holds unregistered data invalidation settings.
type ReconcileConfig struct {
	// Timeout bounds the work of one request before registration (0 = none)
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// MaxProbes bounds the versions one request may find in storage (0 = unbounded)
	MaxProbes int `json:"max_probes" yaml:"max_probes"`
}

// NotifyConfig holds notification settings.
type NotifyConfig struct {
	// NATSURL enables publishing to NATS when set
	NATSURL string `json:"nats_url" yaml:"nats_url"`

	// Subject is the NATS subject for status change events
	Subject string `json:"subject" yaml:"subject"`

	// BufferSize is the channel capacity of in-process subscribers
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`
}

// MetricsConfig holds Prometheus endpoint settings.
type MetricsConfig struct {
	// Enabled exposes metrics on the HTTP server
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Path is the HTTP path of the metrics endpoint
	Path string `json:"path" yaml:"path"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/dmcat",
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		GRPC: GRPCConfig{
			Addr:    ":9090",
			Enabled: true,
		},
		Catalog: CatalogConfig{
			Driver: "sqlite3",
		},
		Storage: StorageConfig{
			Type: "local",
			S3: S3Config{
				Region: "us-east-1",
			},
		},
		Reconcile: ReconcileConfig{
			Timeout:   5 * time.Minute,
			MaxProbes: 0,
		},
		Notify: NotifyConfig{
			Subject:    "dmcat.businessObjectData.statusChange",
			BufferSize: 256,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/dmcat"
	}
	if c.Catalog.Driver == "" {
		c.Catalog.Driver = "sqlite3"
	}
	if c.Catalog.DSN == "" && c.Catalog.Driver == "sqlite3" {
		c.Catalog.DSN = filepath.Join(c.DataDir, "catalog.db")
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	switch c.Catalog.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("invalid catalog driver: %s (must be sqlite3 or postgres)", c.Catalog.Driver)
	}
	if c.Catalog.DSN == "" {
		return fmt.Errorf("catalog.dsn is required for driver %s", c.Catalog.Driver)
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}

	if c.Log.Format != "" && c.Log.Format != "console" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be console or json)", c.Log.Format)
	}

	if c.Reconcile.Timeout < 0 {
		return fmt.Errorf("reconcile.timeout must not be negative, got %s", c.Reconcile.Timeout)
	}
	if c.Reconcile.MaxProbes < 0 {
		return fmt.Errorf("reconcile.max_probes must not be negative, got %d", c.Reconcile.MaxProbes)
	}

	if c.Notify.NATSURL != "" && c.Notify.Subject == "" {
		return fmt.Errorf("notify.subject is required when notify.nats_url is set")
	}
	if c.Notify.BufferSize < 0 {
		return fmt.Errorf("notify.buffer_size must not be negative, got %d", c.Notify.BufferSize)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path)
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the DMCAT_ prefix.
func LoadFromEnv(cfg *Config) {
	setString(&cfg.DataDir, "DMCAT_DATA_DIR")

	// Logging
	setString(&cfg.Log.Level, "DMCAT_LOG_LEVEL")
	setString(&cfg.Log.Format, "DMCAT_LOG_FORMAT")

	// HTTP configuration
	setString(&cfg.HTTP.Addr, "DMCAT_HTTP_ADDR")
	setDuration(&cfg.HTTP.ReadTimeout, "DMCAT_HTTP_READ_TIMEOUT")
	setDuration(&cfg.HTTP.WriteTimeout, "DMCAT_HTTP_WRITE_TIMEOUT")

	// gRPC configuration
	setString(&cfg.GRPC.Addr, "DMCAT_GRPC_ADDR")
	setBool(&cfg.GRPC.Enabled, "DMCAT_GRPC_ENABLED")

	// Catalog configuration
	setString(&cfg.Catalog.Driver, "DMCAT_CATALOG_DRIVER")
	setString(&cfg.Catalog.DSN, "DMCAT_CATALOG_DSN")

	// Storage configuration
	setString(&cfg.Storage.Type, "DMCAT_STORAGE_TYPE")
	setString(&cfg.Storage.Path, "DMCAT_STORAGE_PATH")
	setString(&cfg.Storage.S3.Region, "DMCAT_S3_REGION")
	setString(&cfg.Storage.S3.Endpoint, "DMCAT_S3_ENDPOINT")
	setBool(&cfg.Storage.S3.UsePathStyle, "DMCAT_S3_USE_PATH_STYLE")

	// Reconcile configuration
	setDuration(&cfg.Reconcile.Timeout, "DMCAT_RECONCILE_TIMEOUT")
	setInt(&cfg.Reconcile.MaxProbes, "DMCAT_RECONCILE_MAX_PROBES")

	// Notify configuration
	setString(&cfg.Notify.NATSURL, "DMCAT_NOTIFY_NATS_URL")
	setString(&cfg.Notify.Subject, "DMCAT_NOTIFY_SUBJECT")
	setInt(&cfg.Notify.BufferSize, "DMCAT_NOTIFY_BUFFER_SIZE")

	// Metrics configuration
	setBool(&cfg.Metrics.Enabled, "DMCAT_METRICS_ENABLED")
	setString(&cfg.Metrics.Path, "DMCAT_METRICS_PATH")
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func setInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, env string) {
	if v := os.Getenv(env); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
