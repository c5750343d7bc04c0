package main

import (
	"net/url"
	"strings"

	"classes-api/internal/config"
)

// startupSummary groups the effective configuration into log attributes.
// Credentials never appear in it.
type startupSummary struct {
	sections []summarySection
}

type summarySection struct {
	name   string
	fields map[string]any
}

func newStartupSummary(cfg config.Config) startupSummary {
	datastore := map[string]any{"driver": cfg.Storage.Driver}
	switch cfg.Storage.Driver {
	case "postgres":
		datastore["dsn"] = redactDSN(cfg.Storage.Postgres.DSN)
		if cfg.Storage.Postgres.MaxConns > 0 {
			datastore["max_conns"] = cfg.Storage.Postgres.MaxConns
		}
	case "sqlite":
		datastore["path"] = cfg.Storage.SQLite.Path
	default:
		datastore["path"] = cfg.Storage.DataPath
	}

	bus := map[string]any{"driver": cfg.Bus.Driver}
	if cfg.Bus.Driver == "redis" {
		bus["stream_max_len"] = cfg.Bus.StreamLen
	}

	jobsSection := map[string]any{
		"registry":    cfg.Jobs.Registry,
		"concurrency": cfg.Jobs.Concurrency,
		"retention":   cfg.Jobs.Retention,
	}
	if cfg.Jobs.Registry == "redis" {
		jobsSection["terminal_ttl"] = cfg.Jobs.TerminalTTL.String()
	} else {
		jobsSection["janitor_schedule"] = cfg.Jobs.JanitorCron
	}

	rateDriver := "memory"
	if cfg.RateLimit.Distributed {
		rateDriver = "redis"
	}
	rate := map[string]any{
		"driver":     rateDriver,
		"global_rps": cfg.RateLimit.GlobalRPS,
		"tenant_rps": cfg.RateLimit.TenantRPS,
	}

	sections := []summarySection{
		{name: "http", fields: map[string]any{"addr": cfg.Addr, "tls": cfg.TLS.CertFile != ""}},
		{name: "datastore", fields: datastore},
		{name: "event_bus", fields: bus},
		{name: "jobs", fields: jobsSection},
		{name: "rate_limit", fields: rate},
	}
	if cfg.Redis.Enabled() && usesRedis(cfg) {
		redisSection := map[string]any{"prefix": cfg.Redis.Prefix}
		if cfg.Redis.Addr != "" {
			redisSection["addr"] = cfg.Redis.Addr
		}
		if len(cfg.Redis.Addrs) > 0 {
			redisSection["addrs"] = strings.Join(cfg.Redis.Addrs, ",")
		}
		if cfg.Redis.MasterName != "" {
			redisSection["master_name"] = cfg.Redis.MasterName
		}
		sections = append(sections, summarySection{name: "redis", fields: redisSection})
	}
	return startupSummary{sections: sections}
}

func (s startupSummary) LogArgs() []any {
	args := make([]any, 0, len(s.sections)*2)
	for _, section := range s.sections {
		args = append(args, section.name, section.fields)
	}
	return args
}

// redactDSN masks the password of URL-style DSNs. Keyword DSNs are reduced
// to their host so a password=... pair cannot leak.
func redactDSN(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return ""
	}
	parsed, err := url.Parse(dsn)
	if err != nil || parsed.Scheme == "" {
		for _, field := range strings.Fields(dsn) {
			if strings.HasPrefix(field, "host=") {
				return field
			}
		}
		return "xxxxx"
	}
	return parsed.Redacted()
}
