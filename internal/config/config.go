// Package config loads classes-api settings. Values are layered: built-in
// defaults, then an optional YAML file, then CLASSES_API_* environment
// variables. Command line flags are applied on top by cmd/server.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"classes-api/internal/observability/logging"
)

const EnvPrefix = "CLASSES_API_"

type Config struct {
	Addr      string          `yaml:"addr"`
	TLS       TLSConfig       `yaml:"tls"`
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	Bus       BusConfig       `yaml:"bus"`
	Jobs      JobsConfig      `yaml:"jobs"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	CORS      CORSConfig      `yaml:"cors"`
	Audit     bool            `yaml:"audit"`

	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type TLSConfig struct {
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
	// HSTSMaxAge is advertised in Strict-Transport-Security while serving TLS.
	HSTSMaxAge time.Duration `yaml:"hstsMaxAge"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type StorageConfig struct {
	Driver   string         `yaml:"driver"`
	DataPath string         `yaml:"dataPath"`
	Postgres PostgresConfig `yaml:"postgres"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	// ApplySchema runs the embedded migrations when a SQL store opens.
	ApplySchema bool `yaml:"applySchema"`
}

type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"maxConns"`
	MinConns        int32         `yaml:"minConns"`
	MaxConnLifetime time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdle     time.Duration `yaml:"maxConnIdle"`
	HealthInterval  time.Duration `yaml:"healthInterval"`
	AcquireTimeout  time.Duration `yaml:"acquireTimeout"`
	AppName         string        `yaml:"appName"`
}

type SQLiteConfig struct {
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busyTimeout"`
}

// RedisConfig is shared by every Redis-backed component.
type RedisConfig struct {
	Addr       string         `yaml:"addr"`
	Addrs      []string       `yaml:"addrs"`
	Username   string         `yaml:"username"`
	Password   string         `yaml:"password"`
	DB         int            `yaml:"db"`
	MasterName string         `yaml:"masterName"`
	PoolSize   int            `yaml:"poolSize"`
	Timeout    time.Duration  `yaml:"timeout"`
	Prefix     string         `yaml:"prefix"`
	TLS        RedisTLSConfig `yaml:"tls"`
}

type RedisTLSConfig struct {
	CAFile             string `yaml:"caFile"`
	CertFile           string `yaml:"certFile"`
	KeyFile            string `yaml:"keyFile"`
	ServerName         string `yaml:"serverName"`
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`
}

// Enabled reports whether a Redis address was configured.
func (c RedisConfig) Enabled() bool {
	if strings.TrimSpace(c.Addr) != "" {
		return true
	}
	for _, addr := range c.Addrs {
		if strings.TrimSpace(addr) != "" {
			return true
		}
	}
	return false
}

type BusConfig struct {
	Driver    string `yaml:"driver"`
	Buffer    int    `yaml:"buffer"`
	StreamLen int64  `yaml:"streamMaxLen"`
}

type JobsConfig struct {
	Registry       string        `yaml:"registry"`
	Concurrency    int           `yaml:"concurrency"`
	Retention      string        `yaml:"retention"`
	MaxJobs        int           `yaml:"maxJobs"`
	MaxAge         time.Duration `yaml:"maxAge"`
	JanitorCron    string        `yaml:"janitorSchedule"`
	TerminalTTL    time.Duration `yaml:"terminalTTL"`
	KeepAlive      time.Duration `yaml:"eventKeepAlive"`
	RegistryShards int           `yaml:"registryShards"`
}

type RateLimitConfig struct {
	GlobalRPS    float64       `yaml:"globalRPS"`
	GlobalBurst  int           `yaml:"globalBurst"`
	TenantRPS    float64       `yaml:"tenantRPS"`
	TenantBurst  int           `yaml:"tenantBurst"`
	TenantLimit  int           `yaml:"tenantLimit"`
	TenantWindow time.Duration `yaml:"tenantWindow"`
	// Distributed moves the tenant window into Redis.
	Distributed bool `yaml:"distributed"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// Default returns the settings used when nothing else is configured.
func Default() Config {
	return Config{
		Addr: ":8080",
		Log:  LogConfig{Level: "info", Format: "json"},
		Storage: StorageConfig{
			Driver:      "json",
			DataPath:    "data/classes.json",
			SQLite:      SQLiteConfig{Path: "data/classes.db"},
			ApplySchema: true,
		},
		Redis: RedisConfig{Prefix: "classes"},
		Bus:   BusConfig{Driver: "memory", Buffer: 64, StreamLen: 10000},
		Jobs: JobsConfig{
			Registry:    "memory",
			Concurrency: 4,
			Retention:   "max-age",
			MaxAge:      24 * time.Hour,
			JanitorCron: "@every 5m",
			TerminalTTL: 24 * time.Hour,
			KeepAlive:   15 * time.Second,
		},
		RateLimit:       RateLimitConfig{TenantWindow: time.Minute},
		ShutdownTimeout: 10 * time.Second,
	}
}

// Load builds the effective configuration from defaults, the YAML file at
// path (skipped when empty) and the environment.
func Load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate rejects combinations that cannot start a server.
func (c Config) Validate() error {
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if _, err := logging.ParseFormat(c.Log.Format); err != nil {
		return err
	}
	switch strings.ToLower(c.Storage.Driver) {
	case "json", "sqlite":
	case "postgres":
		if strings.TrimSpace(c.Storage.Postgres.DSN) == "" {
			return errors.New("postgres storage requires a DSN")
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}

	needsRedis := false
	switch strings.ToLower(c.Bus.Driver) {
	case "memory", "none":
	case "redis":
		needsRedis = true
	default:
		return fmt.Errorf("unsupported bus driver %q", c.Bus.Driver)
	}
	switch strings.ToLower(c.Jobs.Registry) {
	case "memory":
	case "redis":
		needsRedis = true
	default:
		return fmt.Errorf("unsupported job registry %q", c.Jobs.Registry)
	}
	if c.RateLimit.Distributed {
		needsRedis = true
		if c.RateLimit.TenantLimit <= 0 {
			return errors.New("distributed rate limiting requires a tenant limit")
		}
	}
	if needsRedis && !c.Redis.Enabled() {
		return errors.New("redis address is required by the configured drivers")
	}

	if c.Jobs.Concurrency <= 0 {
		return fmt.Errorf("job concurrency must be positive, got %d", c.Jobs.Concurrency)
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return errors.New("both TLS cert file and key file must be provided")
	}
	return nil
}
