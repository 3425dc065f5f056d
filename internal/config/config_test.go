package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func env(vars map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func loadServer(t *testing.T, args []string, vars map[string]string) (ServerConfig, error) {
	t.Helper()
	cfg := DefaultServerConfig()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindServerFlags(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse(%v) error = %v", args, err)
	}
	err := LoadServer(fs, &cfg, env(vars))
	return cfg, err
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ft.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadServer_Defaults(t *testing.T) {
	cfg, err := loadServer(t, nil, nil)
	if err != nil {
		t.Fatalf("LoadServer() error = %v", err)
	}
	if cfg != DefaultServerConfig() {
		t.Errorf("LoadServer() = %+v, want defaults", cfg)
	}
}

func TestLoadServer_Precedence(t *testing.T) {
	path := writeFile(t, `
addr: ":7000"
log_level: warn
pool_size: 3
inactive_timeout: 45s
metrics_addr: ":9100"
`)
	cfg, err := loadServer(t,
		[]string{"--config", path, "--pool-size", "5"},
		map[string]string{"FT_LOG_LEVEL": "debug", "FT_POOL_SIZE": "4", "FT_DIR": "/srv/ft"})
	if err != nil {
		t.Fatalf("LoadServer() error = %v", err)
	}
	// file over defaults
	if cfg.Addr != ":7000" || cfg.InactiveTimeout != 45*time.Second || cfg.MetricsAddr != ":9100" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	// env over file
	if cfg.LogLevel != "debug" || cfg.Dir != "/srv/ft" {
		t.Errorf("env values not applied: log_level=%s dir=%s", cfg.LogLevel, cfg.Dir)
	}
	// flags over env
	if cfg.PoolSize != 5 {
		t.Errorf("PoolSize = %d, want 5", cfg.PoolSize)
	}
	if cfg.ConfigFile != path {
		t.Errorf("ConfigFile = %q, want %q", cfg.ConfigFile, path)
	}
	// untouched keys keep defaults
	if cfg.MaxFrameBlocks != 1024 {
		t.Errorf("MaxFrameBlocks = %d, want 1024", cfg.MaxFrameBlocks)
	}
}

func TestLoadServer_ConfigFromEnv(t *testing.T) {
	path := writeFile(t, "transport: quic\n")
	cfg, err := loadServer(t, nil, map[string]string{"FT_CONFIG": path})
	if err != nil {
		t.Fatalf("LoadServer() error = %v", err)
	}
	if cfg.Transport != TransportQUIC {
		t.Errorf("Transport = %s, want quic", cfg.Transport)
	}
}

func TestLoadServer_FileErrors(t *testing.T) {
	if _, err := loadServer(t, []string{"--config", filepath.Join(t.TempDir(), "missing.yaml")}, nil); err == nil {
		t.Error("missing file accepted")
	}
	path := writeFile(t, "adress: \":1\"\n")
	_, err := loadServer(t, []string{"--config", path}, nil)
	if err == nil || !strings.Contains(err.Error(), "adress") {
		t.Errorf("unknown key error = %v", err)
	}
	if _, err := loadServer(t, []string{"--config", writeFile(t, "")}, nil); err != nil {
		t.Errorf("empty file error = %v", err)
	}
}

func TestLoadServer_BadEnv(t *testing.T) {
	_, err := loadServer(t, nil, map[string]string{"FT_POOL_SIZE": "many", "FT_STATUS_RETENTION": "soon"})
	if err == nil {
		t.Fatal("invalid env accepted")
	}
	for _, key := range []string{"FT_POOL_SIZE", "FT_STATUS_RETENTION"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q does not name %s", err, key)
		}
	}
}

func TestLoadServer_Validation(t *testing.T) {
	_, err := loadServer(t,
		[]string{"--transport", "carrier-pigeon", "--checksum", "md5", "--pool-size", "0", "--tls-cert", "a.pem"},
		nil)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("LoadServer() error = %v, want *ValidationError", err)
	}
	for _, want := range []string{"transport", "checksum", "pool_size", "tls_cert"} {
		if !containsSubstring(verr.Errors, want) {
			t.Errorf("validation errors %v missing %q", verr.Errors, want)
		}
	}
}

func TestLoadClient(t *testing.T) {
	cfg := DefaultClientConfig()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindClientFlags(fs, &cfg)
	if err := fs.Parse([]string{"--transport", "quic", "--server-url", "files.example:4433", "--tls-insecure"}); err != nil {
		t.Fatal(err)
	}
	err := LoadClient(fs, &cfg, env(map[string]string{"FT_RECOVERY_MAX_ATTEMPTS": "7", "FT_REQUEST_TIMEOUT": "5s"}))
	if err != nil {
		t.Fatalf("LoadClient() error = %v", err)
	}
	if cfg.Transport != TransportQUIC || cfg.ServerURL != "files.example:4433" || !cfg.TLSInsecure {
		t.Errorf("flags not applied: %+v", cfg)
	}
	if cfg.RecoveryMaxAttempts != 7 || cfg.RequestTimeout != 5*time.Second {
		t.Errorf("env not applied: %+v", cfg)
	}
}

func TestValidateClient(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ClientConfig)
		want   string
	}{
		{"ws needs ws url", func(c *ClientConfig) { c.ServerURL = "http://host/rpc" }, "server_url"},
		{"quic needs host port", func(c *ClientConfig) { c.Transport = TransportQUIC; c.ServerURL = "ws://host/rpc" }, "host:port"},
		{"negative attempts", func(c *ClientConfig) { c.RecoveryMaxAttempts = -1 }, "recovery_max_attempts"},
		{"zero delay", func(c *ClientConfig) { c.RecoveryDelay = 0 }, "recovery_delay"},
		{"bad format", func(c *ClientConfig) { c.LogFormat = "xml" }, "log_format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultClientConfig()
			tt.mutate(&cfg)
			err := ValidateClient(&cfg)
			var verr *ValidationError
			if !errors.As(err, &verr) || !containsSubstring(verr.Errors, tt.want) {
				t.Errorf("ValidateClient() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
	cfg := DefaultClientConfig()
	if err := ValidateClient(&cfg); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
}

func TestValidationErrorFormat(t *testing.T) {
	verr := &ValidationError{Errors: []string{"error one", "error two"}}
	msg := verr.Error()
	if !strings.Contains(msg, "error one") || !strings.Contains(msg, "error two") {
		t.Errorf("error message missing details: %s", msg)
	}
}

func containsSubstring(errs []string, substr string) bool {
	for _, e := range errs {
		if strings.Contains(e, substr) {
			return true
		}
	}
	return false
}
