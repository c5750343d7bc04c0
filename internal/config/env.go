package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type envBinding struct {
	name  string
	apply func(raw string) error
}

// ApplyEnv overlays CLASSES_API_* variables. Empty values are ignored so an
// exported but blank variable never clears a file setting.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	for _, binding := range c.envBindings() {
		raw, ok := lookup(EnvPrefix + binding.name)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		if err := binding.apply(strings.TrimSpace(raw)); err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, binding.name, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) envBindings() []envBinding {
	return []envBinding{
		{"ADDR", setString(&c.Addr)},
		{"TLS_CERT", setString(&c.TLS.CertFile)},
		{"TLS_KEY", setString(&c.TLS.KeyFile)},
		{"TLS_HSTS_MAX_AGE", setDuration(&c.TLS.HSTSMaxAge)},
		{"LOG_LEVEL", setString(&c.Log.Level)},
		{"LOG_FORMAT", setString(&c.Log.Format)},
		{"AUDIT", setBool(&c.Audit)},
		{"SHUTDOWN_TIMEOUT", setDuration(&c.ShutdownTimeout)},

		{"STORAGE_DRIVER", setString(&c.Storage.Driver)},
		{"DATA", setString(&c.Storage.DataPath)},
		{"APPLY_SCHEMA", setBool(&c.Storage.ApplySchema)},
		{"POSTGRES_DSN", setString(&c.Storage.Postgres.DSN)},
		{"POSTGRES_MAX_CONNS", setInt32(&c.Storage.Postgres.MaxConns)},
		{"POSTGRES_MIN_CONNS", setInt32(&c.Storage.Postgres.MinConns)},
		{"POSTGRES_MAX_CONN_LIFETIME", setDuration(&c.Storage.Postgres.MaxConnLifetime)},
		{"POSTGRES_MAX_CONN_IDLE", setDuration(&c.Storage.Postgres.MaxConnIdle)},
		{"POSTGRES_HEALTH_INTERVAL", setDuration(&c.Storage.Postgres.HealthInterval)},
		{"POSTGRES_ACQUIRE_TIMEOUT", setDuration(&c.Storage.Postgres.AcquireTimeout)},
		{"POSTGRES_APP_NAME", setString(&c.Storage.Postgres.AppName)},
		{"SQLITE_PATH", setString(&c.Storage.SQLite.Path)},
		{"SQLITE_BUSY_TIMEOUT", setDuration(&c.Storage.SQLite.BusyTimeout)},

		{"REDIS_ADDR", setString(&c.Redis.Addr)},
		{"REDIS_ADDRS", setList(&c.Redis.Addrs)},
		{"REDIS_USERNAME", setString(&c.Redis.Username)},
		{"REDIS_PASSWORD", setString(&c.Redis.Password)},
		{"REDIS_DB", setInt(&c.Redis.DB)},
		{"REDIS_MASTER_NAME", setString(&c.Redis.MasterName)},
		{"REDIS_POOL_SIZE", setInt(&c.Redis.PoolSize)},
		{"REDIS_TIMEOUT", setDuration(&c.Redis.Timeout)},
		{"REDIS_PREFIX", setString(&c.Redis.Prefix)},
		{"REDIS_TLS_CA", setString(&c.Redis.TLS.CAFile)},
		{"REDIS_TLS_CERT", setString(&c.Redis.TLS.CertFile)},
		{"REDIS_TLS_KEY", setString(&c.Redis.TLS.KeyFile)},
		{"REDIS_TLS_SERVER_NAME", setString(&c.Redis.TLS.ServerName)},
		{"REDIS_TLS_SKIP_VERIFY", setBool(&c.Redis.TLS.InsecureSkipVerify)},

		{"BUS_DRIVER", setString(&c.Bus.Driver)},
		{"BUS_BUFFER", setInt(&c.Bus.Buffer)},
		{"BUS_STREAM_MAX_LEN", setInt64(&c.Bus.StreamLen)},

		{"JOB_REGISTRY", setString(&c.Jobs.Registry)},
		{"JOB_CONCURRENCY", setInt(&c.Jobs.Concurrency)},
		{"JOB_RETENTION", setString(&c.Jobs.Retention)},
		{"JOB_MAX_JOBS", setInt(&c.Jobs.MaxJobs)},
		{"JOB_MAX_AGE", setDuration(&c.Jobs.MaxAge)},
		{"JOB_JANITOR_SCHEDULE", setString(&c.Jobs.JanitorCron)},
		{"JOB_TERMINAL_TTL", setDuration(&c.Jobs.TerminalTTL)},
		{"JOB_REGISTRY_SHARDS", setInt(&c.Jobs.RegistryShards)},
		{"EVENT_KEEPALIVE", setDuration(&c.Jobs.KeepAlive)},

		{"RATE_GLOBAL_RPS", setFloat(&c.RateLimit.GlobalRPS)},
		{"RATE_GLOBAL_BURST", setInt(&c.RateLimit.GlobalBurst)},
		{"RATE_TENANT_RPS", setFloat(&c.RateLimit.TenantRPS)},
		{"RATE_TENANT_BURST", setInt(&c.RateLimit.TenantBurst)},
		{"RATE_TENANT_LIMIT", setInt(&c.RateLimit.TenantLimit)},
		{"RATE_TENANT_WINDOW", setDuration(&c.RateLimit.TenantWindow)},
		{"RATE_DISTRIBUTED", setBool(&c.RateLimit.Distributed)},

		{"CORS_ORIGINS", setList(&c.CORS.AllowedOrigins)},
	}
}

func setString(dest *string) func(string) error {
	return func(raw string) error {
		*dest = raw
		return nil
	}
}

func setInt(dest *int) func(string) error {
	return func(raw string) error {
		value, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid integer %q", raw)
		}
		*dest = value
		return nil
	}
}

func setInt32(dest *int32) func(string) error {
	return func(raw string) error {
		value, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid integer %q", raw)
		}
		*dest = int32(value)
		return nil
	}
}

func setInt64(dest *int64) func(string) error {
	return func(raw string) error {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer %q", raw)
		}
		*dest = value
		return nil
	}
}

func setFloat(dest *float64) func(string) error {
	return func(raw string) error {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q", raw)
		}
		*dest = value
		return nil
	}
}

func setBool(dest *bool) func(string) error {
	return func(raw string) error {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid boolean %q", raw)
		}
		*dest = value
		return nil
	}
}

func setDuration(dest *time.Duration) func(string) error {
	return func(raw string) error {
		value, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q", raw)
		}
		*dest = value
		return nil
	}
}

// setList splits comma separated values and drops empty entries.
func setList(dest *[]string) func(string) error {
	return func(raw string) error {
		parts := strings.Split(raw, ",")
		values := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				values = append(values, trimmed)
			}
		}
		*dest = values
		return nil
	}
}
