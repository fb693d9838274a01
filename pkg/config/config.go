package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete configuration for the storage engine.
//
// This structure captures every configurable aspect of the server: logging,
// the storage root layout, and the per-component settings for IdMap,
// BufferPool, MetaCache, FolderStore/FileStore, TrashStore, ShareStore and
// SearchIndex.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (VAULTFS_*) (highest priority)
//  2. Configuration file (YAML or TOML)
//  3. Default values (lowest priority)
//
// Store Configuration Pattern:
// Each backend (filesystem, badger, s3) defines its own type-specific
// configuration section; only the section matching the selected Type is
// used.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging"`

	// Server contains server-wide settings.
	Server ServerConfig `mapstructure:"server"`

	// Storage contains the storage root path and per-component settings.
	Storage StorageConfig `mapstructure:"storage"`

	// Metrics controls the Prometheus metrics endpoint.
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive).
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format.
	// Valid values: text, json.
	Format string `mapstructure:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written.
	// Valid values: stdout, stderr, or a file path.
	Output string `mapstructure:"output" validate:"required"`
}

// ServerConfig contains server-wide settings.
type ServerConfig struct {
	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`

	// UploadRateLimit bounds per-user UploadFile throughput.
	UploadRateLimit RateLimitConfig `mapstructure:"upload_rate_limit"`
}

// RateLimitConfig configures a per-user token-bucket limiter. A zero
// RequestsPerSecond disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond uint `mapstructure:"requests_per_second"`
	Burst             uint `mapstructure:"burst"`
}

// MetricsConfig controls the Prometheus metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address" validate:"required_if=Enabled true"`
}

// StorageConfig describes the on-disk storage root and every component that
// operates against it.
type StorageConfig struct {
	// Root is the filesystem path that holds tenant share roots, the
	// .idmap, .trash and .shares index directories described in the
	// external interfaces section of the spec.
	Root string `mapstructure:"root" validate:"required"`

	IdMap       IdMapConfig       `mapstructure:"idmap"`
	BufferPool  BufferPoolConfig  `mapstructure:"buffer_pool"`
	MetaCache   MetaCacheConfig   `mapstructure:"meta_cache"`
	FileStore   FileStoreConfig   `mapstructure:"file_store"`
	TrashStore  TrashStoreConfig  `mapstructure:"trash_store"`
	ShareStore  ShareStoreConfig  `mapstructure:"share_store"`
	SearchIndex SearchIndexConfig `mapstructure:"search_index"`
}

// IdMapConfig configures the id<->path persistence layer.
type IdMapConfig struct {
	// Type selects the backend: "json" (default, the §6-mandated file
	// format) or "badger" (optional persistent KV backend).
	Type string `mapstructure:"type" validate:"required,oneof=json badger"`

	// DebounceInterval is the quiet period after the most recent mutation
	// before the next persisted snapshot; each mutation restarts it.
	DebounceInterval time.Duration `mapstructure:"debounce_interval" validate:"required,gt=0"`

	// MaxPendingOps forces an immediate flush once this many mutations are
	// queued, regardless of the debounce timer.
	MaxPendingOps int `mapstructure:"max_pending_ops" validate:"required,gt=0"`

	// Badger holds backend-specific settings, only used when Type=="badger".
	Badger map[string]any `mapstructure:"badger"`
}

// BufferPoolConfig configures the size-classed buffer pool.
type BufferPoolConfig struct {
	// SizeClasses lists the buffer sizes, in bytes, managed by the pool.
	SizeClasses []int `mapstructure:"size_classes" validate:"required,min=1"`

	// MaxFreePerClass caps the number of pooled-but-unused buffers kept per
	// size class before an excess Release is dropped for the GC to reclaim.
	MaxFreePerClass int `mapstructure:"max_free_per_class" validate:"required,gt=0"`
}

// MetaCacheConfig configures the metadata attribute cache.
type MetaCacheConfig struct {
	TTL             time.Duration `mapstructure:"ttl" validate:"required,gt=0"`
	MaxEntries      int           `mapstructure:"max_entries" validate:"required,gt=0"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval" validate:"required,gt=0"`
}

// FileStoreConfig configures file content I/O.
type FileStoreConfig struct {
	// Type names the content backend, "fs" (the default) or "s3". It is
	// validated but not read by the daemon, which always stores content on
	// local disk through pkg/filestore.
	Type string `mapstructure:"type" validate:"required,oneof=fs s3"`

	// SmallFileThreshold is the size, in bytes, at or below which writes
	// use the single-syscall small-file strategy.
	SmallFileThreshold int64 `mapstructure:"small_file_threshold" validate:"required,gt=0"`

	// MediumFileThreshold is the size, in bytes, above which writes use the
	// parallel chunked-copy strategy.
	MediumFileThreshold int64 `mapstructure:"medium_file_threshold" validate:"required,gtfield=SmallFileThreshold"`

	// LargeFileParallelism bounds the worker pool used for chunked copies.
	LargeFileParallelism int `mapstructure:"large_file_parallelism" validate:"required,gt=0"`

	// OperationTimeout bounds every individual read/write syscall sequence.
	OperationTimeout time.Duration `mapstructure:"operation_timeout" validate:"required,gt=0"`

	// S3 holds settings for the s3 backend. Validation requires it when
	// Type=="s3"; the daemon does not read it.
	S3 map[string]any `mapstructure:"s3"`
}

// TrashStoreConfig configures soft-delete and retention scanning.
type TrashStoreConfig struct {
	RetentionPeriod time.Duration `mapstructure:"retention_period" validate:"required,gt=0"`
	ScanInterval    time.Duration `mapstructure:"scan_interval" validate:"required,gt=0"`
	ScanBatchSize   int           `mapstructure:"scan_batch_size" validate:"required,gt=0"`
	DryRun          bool          `mapstructure:"dry_run"`
}

// ShareStoreConfig configures public share-link issuance.
type ShareStoreConfig struct {
	// Type names an index persistence backend, "json" (default) or
	// "badger". It is validated but not read: ShareStore always persists
	// to shares.bin.
	Type string `mapstructure:"type" validate:"required,oneof=json badger"`

	// TokenBytes is validated but not read: ShareStore always draws 32
	// random bytes for each share token.
	TokenBytes int `mapstructure:"token_bytes" validate:"required,gte=16"`

	// MaxExpiry is not read: ShareStore places no upper bound on
	// expires_at.
	MaxExpiry time.Duration `mapstructure:"max_expiry"`

	Badger map[string]any `mapstructure:"badger"`

	// AllowFolderWrite gates whether a share over a folder may carry
	// write=true. Disabled by default, per the permission policy's
	// "rejects write=true on folders unless the feature is enabled".
	AllowFolderWrite bool `mapstructure:"allow_folder_write"`
}

// SearchIndexConfig configures the name/metadata search index.
type SearchIndexConfig struct {
	MaxResultCacheEntries int           `mapstructure:"max_result_cache_entries" validate:"required,gt=0"`
	ResultCacheTTL        time.Duration `mapstructure:"result_cache_ttl" validate:"required,gt=0"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (VAULTFS_*)
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

func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the VAULTFS_ prefix and underscores in
	// place of dots, e.g. VAULTFS_STORAGE_ROOT=/srv/vaultfs.
	v.SetEnvPrefix("VAULTFS")
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
		return filepath.Join(xdgConfig, "vaultfs")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "vaultfs")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// GetConfigDir returns the configuration directory path.
func GetConfigDir() string {
	return getConfigDir()
}
