package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/lightcomp/filetransfer-sub000/internal/checksum"
	"github.com/lightcomp/filetransfer-sub000/internal/logging"
)

// ValidationError holds multiple validation failures.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

func validationError(errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	return &ValidationError{Errors: errs}
}

// ValidateServer checks a ServerConfig for semantic correctness.
func ValidateServer(cfg *ServerConfig) error {
	var errs []string
	errs = append(errs, validateCommon(cfg.Transport, cfg.LogLevel, cfg.LogFormat, cfg.Checksum)...)
	if cfg.Addr == "" {
		errs = append(errs, "'addr' is required")
	}
	if cfg.Dir == "" {
		errs = append(errs, "'dir' is required")
	}
	errs = append(errs, positive("pool_size", int64(cfg.PoolSize))...)
	errs = append(errs, positive("look_ahead", int64(cfg.LookAhead))...)
	errs = append(errs, positive("max_queued_frames", int64(cfg.MaxQueuedFrames))...)
	errs = append(errs, positive("max_frame_data_size", cfg.MaxFrameDataSize)...)
	errs = append(errs, positive("max_frame_blocks", int64(cfg.MaxFrameBlocks))...)
	if cfg.MaxTransfers < 0 {
		errs = append(errs, fmt.Sprintf("'max_transfers' must not be negative, got %d", cfg.MaxTransfers))
	}
	if cfg.InactiveTimeout == 0 {
		errs = append(errs, "'inactive_timeout' must be non-zero; use a negative value to disable")
	}
	errs = append(errs, positive("inactive_check_interval", int64(cfg.InactiveCheckInterval))...)
	errs = append(errs, positive("status_retention", int64(cfg.StatusRetention))...)
	errs = append(errs, positive("cancel_wait_interval", int64(cfg.CancelWaitInterval))...)
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		errs = append(errs, "'tls_cert' and 'tls_key' must be set together")
	}
	return validationError(errs)
}

// ValidateClient checks a ClientConfig for semantic correctness.
func ValidateClient(cfg *ClientConfig) error {
	var errs []string
	errs = append(errs, validateCommon(cfg.Transport, cfg.LogLevel, cfg.LogFormat, cfg.Checksum)...)
	switch {
	case cfg.ServerURL == "":
		errs = append(errs, "'server_url' is required")
	case cfg.Transport == TransportWS:
		u, err := url.Parse(cfg.ServerURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			errs = append(errs, fmt.Sprintf("'server_url' %q must be a ws:// or wss:// URL for the ws transport", cfg.ServerURL))
		}
	case cfg.Transport == TransportQUIC:
		if _, _, err := net.SplitHostPort(cfg.ServerURL); err != nil || strings.Contains(cfg.ServerURL, "/") {
			errs = append(errs, fmt.Sprintf("'server_url' %q must be host:port for the quic transport", cfg.ServerURL))
		}
	}
	errs = append(errs, positive("pool_size", int64(cfg.PoolSize))...)
	errs = append(errs, positive("look_ahead", int64(cfg.LookAhead))...)
	errs = append(errs, positive("max_frame_data_size", cfg.MaxFrameDataSize)...)
	errs = append(errs, positive("max_frame_blocks", int64(cfg.MaxFrameBlocks))...)
	errs = append(errs, positive("recovery_delay", int64(cfg.RecoveryDelay))...)
	errs = append(errs, positive("request_timeout", int64(cfg.RequestTimeout))...)
	if cfg.RecoveryMaxAttempts < 0 {
		errs = append(errs, fmt.Sprintf("'recovery_max_attempts' must not be negative, got %d", cfg.RecoveryMaxAttempts))
	}
	return validationError(errs)
}

func validateCommon(transport, level, format, alg string) []string {
	var errs []string
	switch transport {
	case TransportWS, TransportQUIC:
	default:
		errs = append(errs, fmt.Sprintf("invalid transport '%s', must be one of: ws, quic", transport))
	}
	if !logging.ValidLevel(level) {
		errs = append(errs, fmt.Sprintf("invalid log_level '%s', must be one of: debug, info, warn, error", level))
	}
	switch format {
	case logging.FormatText, logging.FormatJSON:
	default:
		errs = append(errs, fmt.Sprintf("invalid log_format '%s', must be one of: text, json", format))
	}
	if _, err := checksum.Parse(alg); err != nil {
		errs = append(errs, fmt.Sprintf("invalid checksum: %v", err))
	}
	return errs
}

func positive(key string, v int64) []string {
	if v > 0 {
		return nil
	}
	return []string{fmt.Sprintf("'%s' must be positive, got %d", key, v)}
}
