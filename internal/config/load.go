package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// LookupFunc reads an environment variable, like os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// BindServerFlags registers server flags on fs, writing into cfg.
func BindServerFlags(fs *pflag.FlagSet, cfg *ServerConfig) {
	bindFlags(fs, &cfg.ConfigFile, cfg.settings())
}

// BindClientFlags registers client flags on fs, writing into cfg.
func BindClientFlags(fs *pflag.FlagSet, cfg *ClientConfig) {
	bindFlags(fs, &cfg.ConfigFile, cfg.settings())
}

// LoadServer resolves cfg after fs was parsed: defaults, then the YAML file
// named by --config or FT_CONFIG, then environment, then the flags that
// were set explicitly. The result is validated.
func LoadServer(fs *pflag.FlagSet, cfg *ServerConfig, lookup LookupFunc) error {
	return load(fs, cfg, lookup, func() {
		*cfg = DefaultServerConfig()
	}, func() []setting { return cfg.settings() }, func() error {
		return ValidateServer(cfg)
	})
}

// LoadClient is LoadServer for client settings.
func LoadClient(fs *pflag.FlagSet, cfg *ClientConfig, lookup LookupFunc) error {
	return load(fs, cfg, lookup, func() {
		*cfg = DefaultClientConfig()
	}, func() []setting { return cfg.settings() }, func() error {
		return ValidateClient(cfg)
	})
}

func load(fs *pflag.FlagSet, cfg any, lookup LookupFunc, reset func(), settings func() []setting, validate func() error) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	changed := map[string]string{}
	if fs != nil {
		fs.Visit(func(f *pflag.Flag) { changed[f.Name] = f.Value.String() })
	}
	path, ok := changed["config"]
	if !ok {
		path, _ = lookup(EnvPrefix + "CONFIG")
	}

	reset()
	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return err
		}
	}
	if err := applyEnv(settings(), lookup); err != nil {
		return err
	}
	for name, value := range changed {
		if err := fs.Set(name, value); err != nil {
			return fmt.Errorf("flag --%s: %w", name, err)
		}
	}
	return validate()
}

func loadFile(path string, cfg any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

func envKey(key string) string { return EnvPrefix + strings.ToUpper(key) }

func flagName(key string) string { return strings.ReplaceAll(key, "_", "-") }

func applyEnv(settings []setting, lookup LookupFunc) error {
	var errs []error
	for _, s := range settings {
		value, ok := lookup(envKey(s.key))
		if !ok || value == "" {
			continue
		}
		if err := set(s.ptr, value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", envKey(s.key), err))
		}
	}
	return errors.Join(errs...)
}

func set(ptr any, value string) error {
	switch p := ptr.(type) {
	case *string:
		*p = value
	case *int:
		v, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		*p = v
	case *int64:
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		*p = v
	case *bool:
		v, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		*p = v
	case *time.Duration:
		v, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*p = v
	default:
		return fmt.Errorf("unsupported setting type %T", ptr)
	}
	return nil
}

func bindFlags(fs *pflag.FlagSet, configFile *string, settings []setting) {
	fs.StringVar(configFile, "config", *configFile, "YAML config file (env "+EnvPrefix+"CONFIG)")
	for _, s := range settings {
		name := flagName(s.key)
		usage := s.usage + " (env " + envKey(s.key) + ")"
		switch p := s.ptr.(type) {
		case *string:
			fs.StringVar(p, name, *p, usage)
		case *int:
			fs.IntVar(p, name, *p, usage)
		case *int64:
			fs.Int64Var(p, name, *p, usage)
		case *bool:
			fs.BoolVar(p, name, *p, usage)
		case *time.Duration:
			fs.DurationVar(p, name, *p, usage)
		}
	}
}
