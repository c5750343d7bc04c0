package storage

import "time"

const defaultPostgresApplicationName = "classes-api"

// PostgresConfig is the resolved pool configuration for the Postgres
// repository. Zero durations and limits keep pgxpool's own defaults; a
// negative MinConnections does too.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
	ApplySchema         bool
	Clock               func() time.Time
}

func newPostgresConfig(dsn string, opts ...Option) PostgresConfig {
	s := collectSettings(opts)
	appName := s.appName
	if appName == "" {
		appName = defaultPostgresApplicationName
	}
	return PostgresConfig{
		DSN:                 dsn,
		MaxConnections:      s.maxConns,
		MinConnections:      s.minConns,
		MaxConnLifetime:     s.maxLifetime,
		MaxConnIdleTime:     s.maxIdle,
		HealthCheckInterval: s.healthInterval,
		AcquireTimeout:      s.acquireTimeout,
		ApplicationName:     appName,
		ApplySchema:         s.schema(false),
		Clock:               s.clock,
	}
}
