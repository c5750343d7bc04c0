// Command server starts the classes API HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"

	"classes-api/internal/api"
	"classes-api/internal/classes"
	"classes-api/internal/config"
	"classes-api/internal/jobs"
	"classes-api/internal/notify"
	"classes-api/internal/observability/logging"
	"classes-api/internal/observability/metrics"
	"classes-api/internal/redisclient"
	"classes-api/internal/server"
	"classes-api/internal/storage"
)

type flagValues struct {
	configPath    string
	addr          string
	dataPath      string
	storageDriver string
	postgresDSN   string
	sqlitePath    string
	busDriver     string
	jobRegistry   string
	redisAddr     string
	logLevel      string
	logFormat     string
	tlsCert       string
	tlsKey        string
	concurrency   int
	globalRPS     float64
	tenantRPS     float64
	audit         bool
}

func parseFlags(args []string) (flagValues, error) {
	var values flagValues
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.StringVar(&values.configPath, "config", "", "path to a YAML configuration file")
	fs.StringVar(&values.addr, "addr", "", "HTTP listen address")
	fs.StringVar(&values.dataPath, "data", "", "path to JSON datastore")
	fs.StringVar(&values.storageDriver, "storage-driver", "", "datastore driver (json, postgres or sqlite)")
	fs.StringVar(&values.postgresDSN, "postgres-dsn", "", "Postgres connection string")
	fs.StringVar(&values.sqlitePath, "sqlite-path", "", "path to the SQLite database file")
	fs.StringVar(&values.busDriver, "bus", "", "notification bus driver (memory, redis or none)")
	fs.StringVar(&values.jobRegistry, "job-registry", "", "job registry driver (memory or redis)")
	fs.StringVar(&values.redisAddr, "redis-addr", "", "Redis address shared by the bus, registry and rate limiter")
	fs.StringVar(&values.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	fs.StringVar(&values.logFormat, "log-format", "", "log format (json or text)")
	fs.StringVar(&values.tlsCert, "tls-cert", "", "path to TLS certificate file")
	fs.StringVar(&values.tlsKey, "tls-key", "", "path to TLS private key file")
	fs.IntVar(&values.concurrency, "job-concurrency", 0, "workers per batch job")
	fs.Float64Var(&values.globalRPS, "rate-global-rps", 0, "global request rate limit in requests per second")
	fs.Float64Var(&values.tenantRPS, "rate-tenant-rps", 0, "per-tenant request rate limit in requests per second")
	fs.BoolVar(&values.audit, "audit", false, "emit audit log entries for mutating requests")
	if err := fs.Parse(args); err != nil {
		return flagValues{}, err
	}
	return values, nil
}

// applyFlags overrides cfg with every flag that was set.
func applyFlags(cfg *config.Config, values flagValues) {
	cfg.Addr = firstNonEmpty(values.addr, cfg.Addr)
	cfg.Storage.DataPath = firstNonEmpty(values.dataPath, cfg.Storage.DataPath)
	cfg.Storage.Driver = strings.ToLower(firstNonEmpty(values.storageDriver, cfg.Storage.Driver))
	cfg.Storage.Postgres.DSN = firstNonEmpty(values.postgresDSN, cfg.Storage.Postgres.DSN)
	cfg.Storage.SQLite.Path = firstNonEmpty(values.sqlitePath, cfg.Storage.SQLite.Path)
	cfg.Bus.Driver = strings.ToLower(firstNonEmpty(values.busDriver, cfg.Bus.Driver))
	cfg.Jobs.Registry = strings.ToLower(firstNonEmpty(values.jobRegistry, cfg.Jobs.Registry))
	cfg.Redis.Addr = firstNonEmpty(values.redisAddr, cfg.Redis.Addr)
	cfg.Log.Level = firstNonEmpty(values.logLevel, cfg.Log.Level)
	cfg.Log.Format = firstNonEmpty(values.logFormat, cfg.Log.Format)
	cfg.TLS.CertFile = firstNonEmpty(values.tlsCert, cfg.TLS.CertFile)
	cfg.TLS.KeyFile = firstNonEmpty(values.tlsKey, cfg.TLS.KeyFile)
	if values.concurrency > 0 {
		cfg.Jobs.Concurrency = values.concurrency
	}
	if values.globalRPS > 0 {
		cfg.RateLimit.GlobalRPS = values.globalRPS
	}
	if values.tenantRPS > 0 {
		cfg.RateLimit.TenantRPS = values.tenantRPS
	}
	if values.audit {
		cfg.Audit = true
	}
}

func main() {
	values, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	cfg, err := config.Load(firstNonEmpty(values.configPath, os.Getenv(config.EnvPrefix+"CONFIG")), os.LookupEnv)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	applyFlags(&cfg, values)

	logger := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, nil); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// app holds every long-lived component so shutdown can release them in
// dependency order.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	recorder *metrics.Recorder
	store    storage.Repository
	redis    redis.UniversalClient
	bus      notify.Bus
	registry jobs.Registry
	executor *jobs.Executor
	janitor  *jobs.Janitor
	handler  *api.Handler
	server   *server.Server
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, ready chan<- struct{}) error {
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	logger.Info("classes API starting", newStartupSummary(cfg).LogArgs()...)
	if a.janitor != nil {
		a.janitor.Start()
	}

	serveErr := a.server.Run(ctx, ready)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	a.drain(shutdownCtx)
	return serveErr
}

func newApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, recorder: metrics.New()}
	metrics.SetDefault(a.recorder)

	var err error
	if a.store, err = openStore(cfg.Storage); err != nil {
		a.close()
		return nil, fmt.Errorf("open datastore: %w", err)
	}
	if a.redis, err = openRedis(cfg); err != nil {
		a.close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	if a.bus, err = newBus(cfg, a.redis, logger); err != nil {
		a.close()
		return nil, fmt.Errorf("configure notification bus: %w", err)
	}

	var sweeper jobs.Sweeper
	a.registry, sweeper, err = newRegistry(cfg, a.redis)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("configure job registry: %w", err)
	}
	if sweeper != nil {
		a.janitor, err = jobs.NewJanitor(jobs.JanitorConfig{
			Sweeper:  sweeper,
			Schedule: cfg.Jobs.JanitorCron,
			Logger:   logging.WithComponent(logger, "job-janitor"),
		})
		if err != nil {
			a.close()
			return nil, err
		}
	}

	a.executor, err = jobs.NewExecutor(jobs.ExecutorConfig{
		Registry:    a.registry,
		Concurrency: cfg.Jobs.Concurrency,
		Logger:      logging.WithComponent(logger, "jobs"),
		Metrics:     a.recorder,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	service, err := classes.NewService(classes.Config{
		Store:    a.store,
		Runner:   a.executor,
		Registry: a.registry,
		Bus:      a.bus,
		Logger:   logging.WithComponent(logger, "classes"),
		Events:   a.recorder,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	a.handler = api.NewHandler(service, logging.WithComponent(logger, "api"))
	a.handler.Jobs = a.executor
	a.handler.KeepAlive = cfg.Jobs.KeepAlive
	if a.redis != nil && a.bus != nil && cfg.Bus.Driver == "redis" {
		a.handler.Bus = api.PingFunc(func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		})
	}

	var auditLogger *slog.Logger
	if cfg.Audit {
		auditLogger = logging.WithComponent(logger, "audit")
	}
	serverCfg := server.Config{
		Addr: cfg.Addr,
		TLS:  server.TLSConfig{CertFile: cfg.TLS.CertFile, KeyFile: cfg.TLS.KeyFile},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:    cfg.RateLimit.GlobalRPS,
			GlobalBurst:  cfg.RateLimit.GlobalBurst,
			TenantRPS:    cfg.RateLimit.TenantRPS,
			TenantBurst:  cfg.RateLimit.TenantBurst,
			TenantLimit:  cfg.RateLimit.TenantLimit,
			TenantWindow: cfg.RateLimit.TenantWindow,
		},
		CORS:            server.CORSConfig{AllowedOrigins: cfg.CORS.AllowedOrigins},
		Security:        server.SecurityConfig{HSTSMaxAge: cfg.TLS.HSTSMaxAge},
		Logger:          logger,
		AuditLogger:     auditLogger,
		Metrics:         a.recorder,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}
	if cfg.RateLimit.Distributed {
		serverCfg.Redis = a.redis
		serverCfg.RedisPrefix = cfg.Redis.Prefix
	}
	a.server, err = server.New(a.handler, serverCfg)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("initialise server: %w", err)
	}
	return a, nil
}

// drain lets accepted batch jobs finish after the listener has stopped.
func (a *app) drain(ctx context.Context) {
	if a.executor != nil {
		if err := a.executor.Shutdown(ctx); err != nil {
			a.logger.Warn("batch jobs still running at shutdown", "active", a.executor.Active(), "error", err)
		}
	}
	if a.janitor != nil {
		if err := a.janitor.Stop(ctx); err != nil {
			a.logger.Warn("failed to stop job janitor", "error", err)
		}
	}
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.logger.Warn("failed to close notification bus", "error", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis client", "error", err)
		}
	}
	if closer, ok := a.store.(interface{ Close(context.Context) error }); ok {
		if err := closer.Close(ctx); err != nil {
			a.logger.Warn("failed to close datastore", "error", err)
		}
	} else if closer, ok := a.store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			a.logger.Warn("failed to close datastore", "error", err)
		}
	}
}

func openStore(cfg config.StorageConfig) (storage.Repository, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "json":
		return storage.NewJSONRepository(firstNonEmpty(cfg.DataPath, "data/classes.json"))
	case "postgres":
		pg := cfg.Postgres
		if strings.TrimSpace(pg.DSN) == "" {
			return nil, errors.New("postgres storage selected without DSN")
		}
		return storage.NewPostgresRepository(pg.DSN,
			storage.WithSchemaMigration(cfg.ApplySchema),
			storage.WithPostgresPoolLimits(pg.MaxConns, pg.MinConns),
			storage.WithPostgresPoolDurations(pg.MaxConnLifetime, pg.MaxConnIdle, pg.HealthInterval),
			storage.WithPostgresAcquireTimeout(pg.AcquireTimeout),
			storage.WithPostgresApplicationName(firstNonEmpty(pg.AppName, "classes-api")),
		)
	case "sqlite":
		return storage.NewSQLiteRepository(firstNonEmpty(cfg.SQLite.Path, "data/classes.db"),
			storage.WithSchemaMigration(cfg.ApplySchema),
			storage.WithSQLiteBusyTimeout(cfg.SQLite.BusyTimeout),
		)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// openRedis connects only when a component needs Redis.
func openRedis(cfg config.Config) (redis.UniversalClient, error) {
	if !usesRedis(cfg) {
		return nil, nil
	}
	rc := cfg.Redis
	return redisclient.New(redisclient.Config{
		Addr:         rc.Addr,
		Addrs:        rc.Addrs,
		Username:     rc.Username,
		Password:     rc.Password,
		DB:           rc.DB,
		MasterName:   rc.MasterName,
		DialTimeout:  rc.Timeout,
		ReadTimeout:  rc.Timeout,
		WriteTimeout: rc.Timeout,
		PoolSize:     rc.PoolSize,
		TLS: redisclient.TLSConfig{
			CAFile:             rc.TLS.CAFile,
			CertFile:           rc.TLS.CertFile,
			KeyFile:            rc.TLS.KeyFile,
			ServerName:         rc.TLS.ServerName,
			InsecureSkipVerify: rc.TLS.InsecureSkipVerify,
		},
	})
}

func usesRedis(cfg config.Config) bool {
	return cfg.Bus.Driver == "redis" || cfg.Jobs.Registry == "redis" || cfg.RateLimit.Distributed
}

func newBus(cfg config.Config, client redis.UniversalClient, logger *slog.Logger) (notify.Bus, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Bus.Driver)) {
	case "", "memory":
		return notify.NewMemoryBus(cfg.Bus.Buffer), nil
	case "none":
		return nil, nil
	case "redis":
		if client == nil {
			return nil, errors.New("redis bus selected without a redis address")
		}
		return notify.NewRedisBus(notify.RedisBusConfig{
			Client: client,
			Prefix: cfg.Redis.Prefix,
			MaxLen: cfg.Bus.StreamLen,
			Buffer: cfg.Bus.Buffer,
			Logger: logging.WithComponent(logger, "notify"),
		})
	default:
		return nil, fmt.Errorf("unsupported bus driver %q", cfg.Bus.Driver)
	}
}

// newRegistry returns the job registry and, for in-process registries, the
// sweeper the janitor should run. Redis registries expire jobs by TTL.
func newRegistry(cfg config.Config, client redis.UniversalClient) (jobs.Registry, jobs.Sweeper, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Jobs.Registry)) {
	case "", "memory":
		retention, err := jobs.ParseRetention(cfg.Jobs.Retention, cfg.Jobs.MaxJobs, cfg.Jobs.MaxAge)
		if err != nil {
			return nil, nil, err
		}
		registry := jobs.NewMemoryRegistry(jobs.MemoryRegistryConfig{
			Shards:    cfg.Jobs.RegistryShards,
			Retention: retention,
		})
		if _, keepAll := retention.(jobs.KeepAll); keepAll {
			return registry, nil, nil
		}
		return registry, registry, nil
	case "redis":
		if client == nil {
			return nil, nil, errors.New("redis job registry selected without a redis address")
		}
		registry, err := jobs.NewRedisRegistry(jobs.RedisRegistryConfig{
			Client:      client,
			Prefix:      cfg.Redis.Prefix,
			TerminalTTL: cfg.Jobs.TerminalTTL,
		})
		return registry, nil, err
	default:
		return nil, nil, fmt.Errorf("unsupported job registry %q", cfg.Jobs.Registry)
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}
