// Package config resolves server and client settings from defaults, an
// optional YAML file, FT_* environment variables and command-line flags,
// in that order of precedence.
package config

import (
	"time"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "FT_"

// Transport names.
const (
	TransportWS   = "ws"
	TransportQUIC = "quic"
)

// ServerConfig holds configuration for the server binary.
type ServerConfig struct {
	ConfigFile string `yaml:"-"`

	Addr      string `yaml:"addr"`
	Transport string `yaml:"transport"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Dir receives uploads, one subdirectory per transfer; downloads are
	// served from Dir/<path> where path is the transfer's "path" metadata.
	Dir              string `yaml:"dir"`
	PoolSize         int    `yaml:"pool_size"`
	LookAhead        int    `yaml:"look_ahead"`
	MaxQueuedFrames  int    `yaml:"max_queued_frames"`
	MaxFrameDataSize int64  `yaml:"max_frame_data_size"`
	MaxFrameBlocks   int    `yaml:"max_frame_blocks"`
	MaxTransfers     int    `yaml:"max_transfers"`
	Checksum         string `yaml:"checksum"`

	InactiveTimeout       time.Duration `yaml:"inactive_timeout"`
	InactiveCheckInterval time.Duration `yaml:"inactive_check_interval"`
	StatusRetention       time.Duration `yaml:"status_retention"`
	CancelWaitInterval    time.Duration `yaml:"cancel_wait_interval"`

	SpoolDir         string `yaml:"spool_dir"`
	SpoolMemoryLimit int64  `yaml:"spool_memory_limit"`
	PostgresDSN      string `yaml:"postgres_dsn"`
	MetricsAddr      string `yaml:"metrics_addr"`
	TLSCert          string `yaml:"tls_cert"`
	TLSKey           string `yaml:"tls_key"`
}

// ClientConfig holds configuration for the client binary.
type ClientConfig struct {
	ConfigFile string `yaml:"-"`

	// ServerURL is ws://host:port/rpc for the ws transport and host:port
	// for quic.
	ServerURL string `yaml:"server_url"`
	Transport string `yaml:"transport"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	PoolSize         int    `yaml:"pool_size"`
	LookAhead        int    `yaml:"look_ahead"`
	MaxFrameDataSize int64  `yaml:"max_frame_data_size"`
	MaxFrameBlocks   int    `yaml:"max_frame_blocks"`
	Checksum         string `yaml:"checksum"`

	RecoveryDelay time.Duration `yaml:"recovery_delay"`
	// RecoveryMaxAttempts bounds attempts per operation; 0 is unbounded.
	RecoveryMaxAttempts int           `yaml:"recovery_max_attempts"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`

	SpoolDir         string `yaml:"spool_dir"`
	SpoolMemoryLimit int64  `yaml:"spool_memory_limit"`
	TLSInsecure      bool   `yaml:"tls_insecure"`
}

// DefaultServerConfig returns the built-in server settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:                  ":8080",
		Transport:             TransportWS,
		LogLevel:              "info",
		LogFormat:             "text",
		Dir:                   ".",
		PoolSize:              8,
		LookAhead:             3,
		MaxQueuedFrames:       8,
		MaxFrameDataSize:      4 * 1024 * 1024,
		MaxFrameBlocks:        1024,
		Checksum:              "sha512",
		InactiveTimeout:       10 * time.Minute,
		InactiveCheckInterval: 30 * time.Second,
		StatusRetention:       10 * time.Minute,
		CancelWaitInterval:    100 * time.Millisecond,
		SpoolMemoryLimit:      1024 * 1024,
	}
}

// DefaultClientConfig returns the built-in client settings.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ServerURL:        "ws://localhost:8080/rpc",
		Transport:        TransportWS,
		LogLevel:         "info",
		LogFormat:        "text",
		PoolSize:         4,
		LookAhead:        3,
		MaxFrameDataSize: 4 * 1024 * 1024,
		MaxFrameBlocks:   1024,
		Checksum:         "sha512",
		RecoveryDelay:    time.Second,
		RequestTimeout:   time.Minute,
		SpoolMemoryLimit: 1024 * 1024,
	}
}

// setting is one configuration key bound to a field of a config struct.
type setting struct {
	key   string
	ptr   any
	usage string
}

func (c *ServerConfig) settings() []setting {
	return []setting{
		{"addr", &c.Addr, "listen address"},
		{"transport", &c.Transport, "transport (ws, quic)"},
		{"log_level", &c.LogLevel, "log level (debug, info, warn, error)"},
		{"log_format", &c.LogFormat, "log format (text, json)"},
		{"dir", &c.Dir, "root directory for uploads and downloads"},
		{"pool_size", &c.PoolSize, "worker pool size"},
		{"look_ahead", &c.LookAhead, "download frames built ahead of requests"},
		{"max_queued_frames", &c.MaxQueuedFrames, "uploaded frames staged ahead of replay per transfer"},
		{"max_frame_data_size", &c.MaxFrameDataSize, "max payload bytes per frame"},
		{"max_frame_blocks", &c.MaxFrameBlocks, "max blocks per frame"},
		{"max_transfers", &c.MaxTransfers, "max concurrent transfers (0 = unlimited)"},
		{"checksum", &c.Checksum, "file checksum algorithm (sha512, sha256, xxhash64, crc32c)"},
		{"inactive_timeout", &c.InactiveTimeout, "fail transfers idle for this long (negative disables)"},
		{"inactive_check_interval", &c.InactiveCheckInterval, "how often idle transfers are checked"},
		{"status_retention", &c.StatusRetention, "how long ended transfers stay resident"},
		{"cancel_wait_interval", &c.CancelWaitInterval, "poll interval while waiting for cancellation"},
		{"spool_dir", &c.SpoolDir, "directory for staged frame payloads"},
		{"spool_memory_limit", &c.SpoolMemoryLimit, "largest payload staged in memory"},
		{"postgres_dsn", &c.PostgresDSN, "PostgreSQL DSN for ended transfer statuses"},
		{"metrics_addr", &c.MetricsAddr, "listen address for /metrics (empty disables)"},
		{"tls_cert", &c.TLSCert, "TLS certificate file (quic; empty uses a self-signed one)"},
		{"tls_key", &c.TLSKey, "TLS key file (quic)"},
	}
}

func (c *ClientConfig) settings() []setting {
	return []setting{
		{"server_url", &c.ServerURL, "server URL (ws://host:port/rpc or host:port for quic)"},
		{"transport", &c.Transport, "transport (ws, quic)"},
		{"log_level", &c.LogLevel, "log level (debug, info, warn, error)"},
		{"log_format", &c.LogFormat, "log format (text, json)"},
		{"pool_size", &c.PoolSize, "concurrent transfers"},
		{"look_ahead", &c.LookAhead, "frames built or replayed ahead"},
		{"max_frame_data_size", &c.MaxFrameDataSize, "max payload bytes per frame"},
		{"max_frame_blocks", &c.MaxFrameBlocks, "max blocks per frame"},
		{"checksum", &c.Checksum, "file checksum algorithm (sha512, sha256, xxhash64, crc32c)"},
		{"recovery_delay", &c.RecoveryDelay, "delay before retrying a failed call"},
		{"recovery_max_attempts", &c.RecoveryMaxAttempts, "max attempts per call (0 = unbounded)"},
		{"request_timeout", &c.RequestTimeout, "timeout of one call"},
		{"spool_dir", &c.SpoolDir, "directory for staged frame payloads"},
		{"spool_memory_limit", &c.SpoolMemoryLimit, "largest payload staged in memory"},
		{"tls_insecure", &c.TLSInsecure, "skip server certificate verification (quic)"},
	}
}
