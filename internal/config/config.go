package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds node identity and the admin HTTP listener
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	NodeTag         string        `yaml:"node_tag"`
	Database        string        `yaml:"database"`
	// DatabaseID pins the id stamped into change vectors. Replicas rebuilt
	// from a command log need the id of the database that wrote it.
	DatabaseID      string        `yaml:"database_id"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Config represents the complete configuration for the document node
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	TxMerger   TxMergerConfig   `yaml:"tx_merger"`
	CommandLog CommandLogConfig `yaml:"command_log"`
	Revisions  RevisionsConfig  `yaml:"revisions"`
	Conflicts  ConflictsConfig  `yaml:"conflicts"`
	Workers    WorkersConfig    `yaml:"workers"`
	Disk       DiskConfig       `yaml:"disk"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// StorageConfig holds storage engine configuration
type StorageConfig struct {
	DataDir          string `yaml:"data_dir"`
	InMemory         bool   `yaml:"in_memory"`
	SyncWrites       bool   `yaml:"sync_writes"`
	ValueLogFileSize int64  `yaml:"value_log_file_size"`
	ReadPoolSize     int64  `yaml:"read_pool_size"`
}

// TxMergerConfig holds transaction merger configuration
type TxMergerConfig struct {
	MaxBatchSize           int           `yaml:"max_batch_size"`
	MaxBatchDuration       time.Duration `yaml:"max_batch_duration"`
	MaxTxSizeBytes         int64         `yaml:"max_tx_size_bytes"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
}

// CommandLogConfig holds command log configuration
type CommandLogConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Dir         string `yaml:"dir"`
	SegmentSize int64  `yaml:"segment_size"`
	SyncWrites  bool   `yaml:"sync_writes"`
}

// RevisionsConfig holds revisions engine configuration
type RevisionsConfig struct {
	Compress         bool          `yaml:"compress"`
	EnforcePageSize  int           `yaml:"enforce_page_size"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`
}

// ConflictsConfig holds conflict resolver configuration
type ConflictsConfig struct {
	ResolveToLatest bool `yaml:"resolve_to_latest"`
}

// WorkersConfig holds the administrative worker pool configuration
type WorkersConfig struct {
	MaxWorkers int `yaml:"max_workers"`
	QueueSize  int `yaml:"queue_size"`
}

// DiskConfig holds disk space thresholds, in percent of the data volume
type DiskConfig struct {
	CheckInterval           time.Duration `yaml:"check_interval"`
	WarningThreshold        float64       `yaml:"warning_threshold"`
	ThrottleThreshold       float64       `yaml:"throttle_threshold"`
	CircuitBreakerThreshold float64       `yaml:"circuit_breaker_threshold"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes a YAML document, applies defaults and validates the result
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.Database == "" {
		cfg.Server.Database = "default"
	}
	if cfg.Server.NodeTag == "" {
		cfg.Server.NodeTag = "A"
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Storage.DataDir == "" && !cfg.Storage.InMemory {
		cfg.Storage.DataDir = "/var/lib/pairdb"
	}
	if cfg.Storage.ValueLogFileSize == 0 {
		cfg.Storage.ValueLogFileSize = 256 << 20 // 256MB
	}
	if cfg.Storage.ReadPoolSize == 0 {
		cfg.Storage.ReadPoolSize = 64
	}

	if cfg.TxMerger.MaxBatchSize == 0 {
		cfg.TxMerger.MaxBatchSize = 1024
	}
	if cfg.TxMerger.MaxBatchDuration == 0 {
		cfg.TxMerger.MaxBatchDuration = 50 * time.Millisecond
	}
	if cfg.TxMerger.MaxTxSizeBytes == 0 {
		cfg.TxMerger.MaxTxSizeBytes = 32 << 20 // 32MB
	}
	if cfg.TxMerger.MaxConsecutiveFailures == 0 {
		cfg.TxMerger.MaxConsecutiveFailures = 5
	}

	if cfg.CommandLog.Dir == "" && cfg.Storage.DataDir != "" {
		cfg.CommandLog.Dir = filepath.Join(cfg.Storage.DataDir, "commands")
	}
	if cfg.CommandLog.SegmentSize == 0 {
		cfg.CommandLog.SegmentSize = 64 << 20 // 64MB
	}

	if cfg.Revisions.EnforcePageSize == 0 {
		cfg.Revisions.EnforcePageSize = 256
	}
	if cfg.Revisions.OperationTimeout == 0 {
		cfg.Revisions.OperationTimeout = time.Hour
	}

	if cfg.Workers.MaxWorkers == 0 {
		cfg.Workers.MaxWorkers = 2
	}
	if cfg.Workers.QueueSize == 0 {
		cfg.Workers.QueueSize = 16
	}

	if cfg.Disk.CheckInterval == 0 {
		cfg.Disk.CheckInterval = 10 * time.Second
	}
	if cfg.Disk.WarningThreshold == 0 {
		cfg.Disk.WarningThreshold = 80.0
	}
	if cfg.Disk.ThrottleThreshold == 0 {
		cfg.Disk.ThrottleThreshold = 90.0
	}
	if cfg.Disk.CircuitBreakerThreshold == 0 {
		cfg.Disk.CircuitBreakerThreshold = 95.0
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if !c.Storage.InMemory && c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required unless storage.in_memory is set")
	}
	if c.Storage.ReadPoolSize < 1 {
		return fmt.Errorf("storage.read_pool_size must be positive")
	}
	if c.TxMerger.MaxBatchSize < 1 {
		return fmt.Errorf("tx_merger.max_batch_size must be positive")
	}
	if c.TxMerger.MaxTxSizeBytes < 1 {
		return fmt.Errorf("tx_merger.max_tx_size_bytes must be positive")
	}
	if c.CommandLog.Enabled && c.CommandLog.Dir == "" {
		return fmt.Errorf("command_log.dir is required when the command log is enabled")
	}
	if c.Revisions.EnforcePageSize < 1 {
		return fmt.Errorf("revisions.enforce_page_size must be positive")
	}
	if !(c.Disk.WarningThreshold <= c.Disk.ThrottleThreshold && c.Disk.ThrottleThreshold <= c.Disk.CircuitBreakerThreshold) {
		return fmt.Errorf("disk thresholds must satisfy warning <= throttle <= circuit_breaker")
	}
	if c.Disk.CircuitBreakerThreshold > 100 {
		return fmt.Errorf("disk.circuit_breaker_threshold must not exceed 100")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console")
	}
	return nil
}
