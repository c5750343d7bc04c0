package storage

import (
	"strings"
	"time"
)

// Option tunes a datastore as it opens. One option list can be handed to any
// constructor; each driver reads only the settings that concern it.
type Option func(*settings)

type settings struct {
	clock       func() time.Time
	applySchema *bool

	maxConns       int32
	minConns       int32
	maxLifetime    time.Duration
	maxIdle        time.Duration
	healthInterval time.Duration
	acquireTimeout time.Duration
	appName        string

	busyTimeout time.Duration
}

func collectSettings(opts []Option) settings {
	s := settings{
		clock:    func() time.Time { return time.Now().UTC() },
		minConns: -1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	return s
}

// schema reports whether migrations should run, using the driver's default
// when no option decided it.
func (s settings) schema(driverDefault bool) bool {
	if s.applySchema == nil {
		return driverDefault
	}
	return *s.applySchema
}

// WithClock overrides the timestamp source used for createdAt/updatedAt and
// class id generation.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.clock = now
		}
	}
}

// WithSchemaMigration decides whether the SQL stores apply the embedded
// classes schema on open. Postgres defaults to off, SQLite to on.
func WithSchemaMigration(enabled bool) Option {
	return func(s *settings) { s.applySchema = &enabled }
}

func WithPostgresPoolLimits(maxConns, minConns int32) Option {
	return func(s *settings) {
		if maxConns > 0 {
			s.maxConns = maxConns
		}
		if minConns >= 0 {
			s.minConns = minConns
		}
	}
}

// WithPostgresAcquireTimeout bounds how long a call waits for a pooled
// connection and the statement it then runs.
func WithPostgresAcquireTimeout(timeout time.Duration) Option {
	return func(s *settings) {
		if timeout > 0 {
			s.acquireTimeout = timeout
		}
	}
}

func WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval time.Duration) Option {
	return func(s *settings) {
		if maxLifetime > 0 {
			s.maxLifetime = maxLifetime
		}
		if maxIdle > 0 {
			s.maxIdle = maxIdle
		}
		if healthInterval > 0 {
			s.healthInterval = healthInterval
		}
	}
}

func WithPostgresApplicationName(name string) Option {
	return func(s *settings) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			s.appName = trimmed
		}
	}
}

// WithSQLiteBusyTimeout sets how long SQLite waits on a locked database file.
func WithSQLiteBusyTimeout(timeout time.Duration) Option {
	return func(s *settings) {
		if timeout > 0 {
			s.busyTimeout = timeout
		}
	}
}
