package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/INLOpen/nexushistory/compressors"
	"github.com/INLOpen/nexushistory/core"
	"gopkg.in/yaml.v3"
)

// TLSConfig holds TLS-specific configurations.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ServerConfig holds the gRPC listener of a worker host or the manager.
type ServerConfig struct {
	GRPCPort int    `yaml:"grpc_port"`
	NodeID   string `yaml:"node_id"`
	// Compression is the wire compression requested on outgoing calls: none, snappy, lz4 or zstd.
	Compression string    `yaml:"compression"`
	RPCTimeout  string    `yaml:"rpc_timeout"`
	TLS         TLSConfig `yaml:"tls"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// DebugConfig holds debugging-related configurations.
type DebugConfig struct {
	Enabled               bool   `yaml:"enabled"`
	ListenAddress         string `yaml:"listen_address"`
	PProfEnabled          bool   `yaml:"pprof_enabled"`
	MetricsEnabled        bool   `yaml:"metrics_enabled"`
	MonitorUIEnabled      bool   `yaml:"monitor_ui_enabled"`
	SystemMetricsInterval string `yaml:"system_metrics_interval"`
	// TrackOpenFiles lists every open archive file under /debug/files.
	TrackOpenFiles bool `yaml:"track_open_files"`
}

// SecurityConfig holds security-related configurations like auth.
type SecurityConfig struct {
	Enabled      bool   `yaml:"enabled"`
	UserFilePath string `yaml:"user_file_path"`
}

// BadDataConfig enables the rejection of implausible change events.
type BadDataConfig struct {
	Enabled       bool   `yaml:"enabled"`
	MaxFutureSkew string `yaml:"max_future_skew"`
	MaxVectorSize int    `yaml:"max_vector_size"`
}

// ArchiveConfig holds the on-disk archive settings shared by loggers and readers.
type ArchiveConfig struct {
	Directory         string        `yaml:"directory"`
	MaximumFileSizeMB int64         `yaml:"maximum_file_size_mb"`
	FlushInterval     string        `yaml:"flush_interval"`
	MaxHistorySize    int           `yaml:"max_history_size"`
	MinFreeBytes      uint64        `yaml:"min_free_bytes"`
	BadData           BadDataConfig `yaml:"bad_data"`
}

// BackfillConfig configures the index backfill service.
type BackfillConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
	// IndexerCommand is the out-of-process indexer; empty re-executes this binary.
	// "inprocess" indexes inside the server.
	IndexerCommand []string `yaml:"indexer_command"`
	Timeout        string   `yaml:"timeout"`
}

// NodeConfig holds worker host settings.
type NodeConfig struct {
	Readers int `yaml:"readers"`
}

// ManagerConfig holds the assignment manager settings.
type ManagerConfig struct {
	ServerList     []string `yaml:"server_list"`
	ReadersPerHost int      `yaml:"readers_per_host"`
	StateDir       string   `yaml:"state_dir"`
	StateBackend   string   `yaml:"state_backend"` // "file" or "sqlite"
	RPCTimeout     string   `yaml:"rpc_timeout"`
	// Username and Password authenticate the manager against secured worker hosts.
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Config is the top-level configuration struct.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Debug    DebugConfig    `yaml:"debug"`
	Security SecurityConfig `yaml:"security"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Backfill BackfillConfig `yaml:"backfill"`
	Node     NodeConfig     `yaml:"node"`
	Manager  ManagerConfig  `yaml:"manager"`
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Default returns the configuration used for every unset option.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			GRPCPort:    50061,
			Compression: compressors.None,
			RPCTimeout:  "5s",
			TLS: TLSConfig{
				CertFile: "certs/server.crt",
				KeyFile:  "certs/server.key",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "nexushistory.log",
		},
		Tracing: TracingConfig{
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
		Debug: DebugConfig{
			ListenAddress:         "0.0.0.0:6061",
			PProfEnabled:          true,
			MetricsEnabled:        true,
			MonitorUIEnabled:      true,
			SystemMetricsInterval: "5s",
		},
		Security: SecurityConfig{
			UserFilePath: "users.yaml",
		},
		Archive: ArchiveConfig{
			MaximumFileSizeMB: 100,
			FlushInterval:     "1s",
			MaxHistorySize:    10000,
			BadData: BadDataConfig{
				MaxFutureSkew: "2m",
				MaxVectorSize: 10000,
			},
		},
		Backfill: BackfillConfig{
			Workers:   2,
			QueueSize: 1024,
			Timeout:   "5m",
		},
		Node: NodeConfig{
			Readers: 2,
		},
		Manager: ManagerConfig{
			ReadersPerHost: 2,
			StateDir:       "./manager-state",
			StateBackend:   "file",
			RPCTimeout:     "5s",
		},
	}
}

// Load reads configuration from an io.Reader, overlaying it on the defaults.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()
	if r == nil {
		return cfg, nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path. A missing file
// yields the defaults.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()
	return Load(file)
}

// MaxFileSizeBytes returns archive.maximum_file_size_mb in bytes.
func (c *ArchiveConfig) MaxFileSizeBytes() int64 {
	return c.MaximumFileSizeMB * 1024 * 1024
}

func invalid(option string, format string, args ...any) error {
	return &core.ConfigurationError{Option: option, Err: fmt.Errorf(format, args...)}
}

func oneOf(value string, allowed ...string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}

// Validate checks the options a worker host cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.Archive.Directory == "" {
		errs = append(errs, &core.ConfigurationError{Option: "archive.directory", Err: errors.New("mandatory option is not set")})
	}
	if c.Archive.MaximumFileSizeMB <= 0 {
		errs = append(errs, invalid("archive.maximum_file_size_mb", "must be positive, got %d", c.Archive.MaximumFileSizeMB))
	}
	if c.Archive.MaxHistorySize < 0 {
		errs = append(errs, invalid("archive.max_history_size", "must not be negative, got %d", c.Archive.MaxHistorySize))
	}
	if c.Node.Readers <= 0 {
		errs = append(errs, invalid("node.readers", "must be positive, got %d", c.Node.Readers))
	}
	if c.Backfill.Workers <= 0 {
		errs = append(errs, invalid("backfill.workers", "must be positive, got %d", c.Backfill.Workers))
	}
	errs = append(errs, c.validateCommon()...)
	return errors.Join(errs...)
}

// ValidateManager checks the options of the assignment manager.
func (c *Config) ValidateManager() error {
	var errs []error
	if len(c.Manager.ServerList) == 0 {
		errs = append(errs, &core.ConfigurationError{Option: "manager.server_list", Err: errors.New("mandatory option is not set")})
	}
	if !oneOf(c.Manager.StateBackend, "file", "sqlite") {
		errs = append(errs, invalid("manager.state_backend", "unknown backend %q", c.Manager.StateBackend))
	}
	if c.Manager.StateDir == "" {
		errs = append(errs, invalid("manager.state_dir", "must not be empty"))
	}
	errs = append(errs, c.validateCommon()...)
	return errors.Join(errs...)
}

func (c *Config) validateCommon() []error {
	var errs []error
	if !oneOf(c.Logging.Level, "debug", "info", "warn", "error") {
		errs = append(errs, invalid("logging.level", "unknown level %q", c.Logging.Level))
	}
	if !oneOf(c.Logging.Output, "stdout", "file", "none") {
		errs = append(errs, invalid("logging.output", "unknown output %q", c.Logging.Output))
	}
	if c.Tracing.Enabled && !oneOf(c.Tracing.Protocol, "grpc", "http") {
		errs = append(errs, invalid("tracing.protocol", "unknown protocol %q", c.Tracing.Protocol))
	}
	if !compressors.Valid(c.Server.Compression) {
		errs = append(errs, invalid("server.compression", "unknown compression %q, want one of %v", c.Server.Compression, compressors.Names()))
	}
	if c.Server.GRPCPort <= 0 || c.Server.GRPCPort > 65535 {
		errs = append(errs, invalid("server.grpc_port", "invalid port %d", c.Server.GRPCPort))
	}
	return errs
}
