// Package config loads this supervisor's own operating knobs: defaults
// first, then an optional YAML file for values an operator wants versioned,
// then env vars, which override the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of knobs the supervisor process itself reads at
// startup — not per-run options (those are pkg/sandbox.Options, supplied
// per request), but how the daemon behaves.
type Config struct {
	// ListenAddr is the diagnostics HTTP server's bind address.
	ListenAddr string `yaml:"listen_addr"`

	// DefaultTimeout bounds a run when the caller doesn't specify one.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// DumpDirectory is where timed-out runs' tree dumps are written.
	DumpDirectory string `yaml:"dump_directory"`

	// PipeRetryBound is the report-pipe read retry count (spec §4.C). It is
	// loaded but not passed to any run: detour.Process always drains with
	// reportreader.DefaultRetryBound.
	PipeRetryBound int `yaml:"pipe_retry_bound"`

	// AccountingPollInterval is a job-container accounting refresh interval.
	// It is loaded but nothing reads it; a run takes one accounting snapshot
	// when it finishes.
	AccountingPollInterval time.Duration `yaml:"accounting_poll_interval"`

	// RedisAddr / RedisDB locate the result archive.
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`

	// Dev enables permissive CORS for local frontend development.
	Dev bool `yaml:"dev"`
}

// Default returns the baseline configuration before env or file overrides.
func Default() Config {
	return Config{
		ListenAddr:             "127.0.0.1:8080",
		DefaultTimeout:         10 * time.Minute,
		DumpDirectory:          "/var/lib/pipsupervisor/dumps",
		PipeRetryBound:         10_000,
		AccountingPollInterval: 2 * time.Second,
		RedisAddr:              "127.0.0.1:6379",
		RedisDB:                0,
		Dev:                    false,
	}
}

// Load builds a Config by starting from Default, applying
// PIPSUP_CONFIG_FILE (a YAML file, if set) and then environment variables,
// env taking precedence so an operator can always override the file
// without re-deploying it.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("PIPSUP_CONFIG_FILE"); path != "" {
		if err := applyYAMLFile(&cfg, path); err != nil {
			return Config{}, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("PIPSUP_LISTEN_ADDR"); ok {
		cfg.ListenAddr = v
	}
	if v, ok := envDuration("PIPSUP_DEFAULT_TIMEOUT"); ok {
		cfg.DefaultTimeout = v
	}
	if v, ok := os.LookupEnv("PIPSUP_DUMP_DIRECTORY"); ok {
		cfg.DumpDirectory = v
	}
	if v, ok := envInt("PIPSUP_PIPE_RETRY_BOUND"); ok {
		cfg.PipeRetryBound = v
	}
	if v, ok := envDuration("PIPSUP_ACCOUNTING_POLL_INTERVAL"); ok {
		cfg.AccountingPollInterval = v
	}
	if v, ok := os.LookupEnv("PIPSUP_REDIS_ADDR"); ok {
		cfg.RedisAddr = v
	}
	if v, ok := envInt("PIPSUP_REDIS_DB"); ok {
		cfg.RedisDB = v
	}
	if v, ok := os.LookupEnv("PIPSUP_ENV"); ok {
		cfg.Dev = v == "dev"
	}
}

func envInt(key string) (int, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envDuration(key string) (time.Duration, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}
