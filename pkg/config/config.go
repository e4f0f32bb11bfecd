// Package config loads and validates configuration for the metadata store
// and the chunk-server connection state machine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config represents the complete process configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (DFSMETA_*) (highest priority)
//  2. Configuration file (YAML or TOML)
//  3. Default values (lowest priority)
//
// The --config flag only selects the file; no flag overrides a value.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging"`

	// Store holds MetaDataStore tunables.
	Store StoreConfig `mapstructure:"store"`

	// Conn holds MetaServerSM tunables.
	Conn ConnConfig `mapstructure:"conn"`

	// Metrics controls Prometheus metrics collection.
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Output specifies where logs are written.
	// Valid values: stdout, stderr, or a file path.
	Output string `mapstructure:"output" validate:"required"`
}

// StoreConfig mirrors MetaDataStore's SetParameters knobs (spec.md §6).
type StoreConfig struct {
	// CheckpointDir is the directory scanned for chkpt.<seq> files at startup.
	CheckpointDir string `mapstructure:"checkpoint_dir" validate:"required"`

	// LogDir is the directory scanned for log.<seq> files at startup.
	LogDir string `mapstructure:"log_dir" validate:"required"`

	// MaxReadSize is the per-read byte cap (floor 64 KiB, default 2 MiB).
	MaxReadSize int64 `mapstructure:"max_read_size" validate:"gte=0"`

	// MaxInactiveTime is the LRU inactivity threshold (floor 10s, default 60s).
	MaxInactiveTime time.Duration `mapstructure:"max_inactive_time" validate:"gte=0"`

	// MaxCheckpointsToKeepCount is the checkpoint retention target (floor 1, default 16).
	MaxCheckpointsToKeepCount int `mapstructure:"max_checkpoints_to_keep_count" validate:"gte=0"`

	// ThreadCount is the worker pool size. Frozen after Start.
	ThreadCount int `mapstructure:"thread_count" validate:"gte=0"`

	// HeaderCache configures the badger-backed parsed-bounds cache.
	HeaderCache HeaderCacheConfig `mapstructure:"header_cache"`

	// Archive configures optional best-effort S3 archival on prune.
	Archive ArchiveConfig `mapstructure:"archive"`
}

// HeaderCacheConfig controls the badger-backed log segment header cache.
type HeaderCacheConfig struct {
	// Enabled turns on the persisted header-bounds cache.
	Enabled bool `mapstructure:"enabled"`

	// Dir is the badger database directory.
	Dir string `mapstructure:"dir"`
}

// ArchiveConfig controls best-effort archival of pruned files to S3.
type ArchiveConfig struct {
	// Enabled turns on archive-before-unlink.
	Enabled bool `mapstructure:"enabled"`

	// Bucket is the destination S3 bucket.
	Bucket string `mapstructure:"bucket"`

	// KeyPrefix is prepended to the archived object key.
	KeyPrefix string `mapstructure:"key_prefix"`

	// Region is the AWS region for the S3 client.
	Region string `mapstructure:"region"`

	// Endpoint overrides the default S3 endpoint (for S3-compatible stores).
	Endpoint string `mapstructure:"endpoint"`
}

// ConnConfig mirrors MetaServerSM's connection parameters (spec.md §6).
type ConnConfig struct {
	// MetaServerAddr is host:port of the metadata server.
	MetaServerAddr string `mapstructure:"meta_server_addr" validate:"required"`

	// InactivityTimeout is chunkServer.meta.inactivityTimeout (default 65s).
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout" validate:"gte=0"`

	// MaxReadAhead is maxReadAhead (default 4 KiB).
	MaxReadAhead int `mapstructure:"max_read_ahead" validate:"gte=0"`

	// MaxPendingOps bounds the in-flight dispatch window.
	MaxPendingOps int `mapstructure:"max_pending_ops" validate:"gte=0"`

	// NoFids is the noFids flag advertised in HELLO.
	NoFids bool `mapstructure:"no_fids"`

	// HelloResume is helloResume: <0 disable, 0 first-time, >0 resume.
	HelloResume int `mapstructure:"hello_resume"`

	// TraceRequestResponse enables verbose wire tracing.
	TraceRequestResponse bool `mapstructure:"trace_request_response_flag"`

	// ReconnectMinInterval bounds the reconnect attempt rate (default 1s).
	ReconnectMinInterval time.Duration `mapstructure:"reconnect_min_interval" validate:"gte=0"`

	// Auth configures the pluggable authentication backend.
	Auth AuthConfig `mapstructure:"auth"`
}

// AuthConfig configures chunkserver.meta.auth.*.
type AuthConfig struct {
	// AuthType is a space-separated subset of "Krb5 X509 PSK".
	AuthType string `mapstructure:"auth_type" validate:"omitempty"`

	// PSK holds the pre-shared-key backend's opaque settings.
	PSK map[string]any `mapstructure:"psk"`
}

// PSKSettings is the typed form of AuthConfig.PSK.
type PSKSettings struct {
	KeyID string `mapstructure:"key_id"`
	Key   string `mapstructure:"key"`
}

// DecodePSKSettings decodes the free-form cfg.PSK map into a typed
// PSKSettings on demand. An empty map yields zero-valued settings.
func DecodePSKSettings(cfg AuthConfig) (PSKSettings, error) {
	var out PSKSettings
	if len(cfg.PSK) == 0 {
		return out, nil
	}
	if err := mapstructure.Decode(cfg.PSK, &out); err != nil {
		return out, fmt.Errorf("decode psk settings: %w", err)
	}
	return out, nil
}

// MetricsConfig controls Prometheus metrics collection.
type MetricsConfig struct {
	// Enabled turns on metrics registration.
	Enabled bool `mapstructure:"enabled"`

	// ListenAddr is the address the /metrics HTTP endpoint binds to.
	ListenAddr string `mapstructure:"listen_addr"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (DFSMETA_*)
//  2. Configuration file
//  3. Default values
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variable and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the DFSMETA_ prefix, dots become underscores.
	// Example: DFSMETA_STORE_THREAD_COUNT=8
	v.SetEnvPrefix("DFSMETA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}

	configDir := getConfigDir()
	v.AddConfigPath(configDir)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper, configPath string) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns the configuration directory path.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "metastore")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "metastore")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path.
func GetConfigDir() string {
	return getConfigDir()
}
