package config

import (
	"runtime"
	"strings"
	"time"
)

// ApplyDefaults sets default values for any unspecified configuration
// fields. It is called after loading configuration from file and
// environment variables to fill in any missing values with sensible
// defaults.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyMetricsDefaults(&cfg.Metrics)
	applyStorageDefaults(&cfg.Storage)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.UploadRateLimit.RequestsPerSecond != 0 && cfg.UploadRateLimit.Burst == 0 {
		cfg.UploadRateLimit.Burst = cfg.UploadRateLimit.RequestsPerSecond * 2
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:9407"
	}
}

func applyStorageDefaults(cfg *StorageConfig) {
	if cfg.Root == "" {
		cfg.Root = "/var/lib/vaultfs"
	}

	applyIdMapDefaults(&cfg.IdMap)
	applyBufferPoolDefaults(&cfg.BufferPool)
	applyMetaCacheDefaults(&cfg.MetaCache)
	applyFileStoreDefaults(&cfg.FileStore)
	applyTrashStoreDefaults(&cfg.TrashStore)
	applyShareStoreDefaults(&cfg.ShareStore)
	applySearchIndexDefaults(&cfg.SearchIndex)
}

func applyIdMapDefaults(cfg *IdMapConfig) {
	if cfg.Type == "" {
		cfg.Type = "json"
	}
	if cfg.DebounceInterval == 0 {
		cfg.DebounceInterval = 500 * time.Millisecond
	}
	if cfg.MaxPendingOps == 0 {
		cfg.MaxPendingOps = 1024
	}
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}
}

func applyBufferPoolDefaults(cfg *BufferPoolConfig) {
	if len(cfg.SizeClasses) == 0 {
		cfg.SizeClasses = defaultBufferPoolSizeClasses()
	}
	if cfg.MaxFreePerClass == 0 {
		cfg.MaxFreePerClass = 32
	}
}

// defaultBufferPoolSizeClasses mirrors bufpool.defaultClasses(): every
// power of two from 4 KiB to 8 MiB, per spec. Computed here rather than
// exported from pkg/bufpool so config stays the single source of
// defaults; bufpool.New only falls back to its own internal list when
// handed an empty slice, which a configured deployment never does.
func defaultBufferPoolSizeClasses() []int {
	const minClassSize = 4 * 1024
	const maxClassSize = 8 * 1024 * 1024
	classes := make([]int, 0, 12)
	for size := minClassSize; size <= maxClassSize; size *= 2 {
		classes = append(classes, size)
	}
	return classes
}

func applyMetaCacheDefaults(cfg *MetaCacheConfig) {
	if cfg.TTL == 0 {
		cfg.TTL = 60 * time.Second
	}
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = 100000
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 10 * time.Second
	}
}

func applyFileStoreDefaults(cfg *FileStoreConfig) {
	if cfg.Type == "" {
		cfg.Type = "fs"
	}
	if cfg.SmallFileThreshold == 0 {
		cfg.SmallFileThreshold = 1024 * 1024
	}
	if cfg.MediumFileThreshold == 0 {
		cfg.MediumFileThreshold = 100 * 1024 * 1024
	}
	if cfg.LargeFileParallelism == 0 {
		cfg.LargeFileParallelism = defaultLargeFileParallelism()
	}
	if cfg.OperationTimeout == 0 {
		cfg.OperationTimeout = 30 * time.Second
	}
	if cfg.S3 == nil {
		cfg.S3 = make(map[string]any)
	}
}

// defaultLargeFileParallelism is min(cpu_count, 8), per spec.
func defaultLargeFileParallelism() int {
	if n := runtime.NumCPU(); n < 8 {
		return n
	}
	return 8
}

func applyTrashStoreDefaults(cfg *TrashStoreConfig) {
	if cfg.RetentionPeriod == 0 {
		cfg.RetentionPeriod = 30 * 24 * time.Hour
	}
	if cfg.ScanInterval == 0 {
		cfg.ScanInterval = time.Hour
	}
	if cfg.ScanBatchSize == 0 {
		cfg.ScanBatchSize = 1000
	}
}

func applyShareStoreDefaults(cfg *ShareStoreConfig) {
	if cfg.Type == "" {
		cfg.Type = "json"
	}
	if cfg.TokenBytes == 0 {
		cfg.TokenBytes = 32
	}
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}
}

func applySearchIndexDefaults(cfg *SearchIndexConfig) {
	if cfg.MaxResultCacheEntries == 0 {
		cfg.MaxResultCacheEntries = 256
	}
	if cfg.ResultCacheTTL == 0 {
		cfg.ResultCacheTTL = 30 * time.Second
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
