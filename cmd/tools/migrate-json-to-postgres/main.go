// Command migrate-json-to-postgres copies a JSON classes datastore into Postgres.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"classes-api/internal/storage"
)

func main() {
	jsonPath := flag.String("json", "data/classes.json", "path to the JSON datastore to migrate")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	dryRun := flag.Bool("dry-run", false, "load and summarise the snapshot without writing")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	snapshot, err := storage.LoadSnapshotFromJSON(*jsonPath)
	if err != nil {
		logger.Error("failed to load JSON snapshot", "error", err)
		os.Exit(1)
	}
	counts := snapshot.Counts()
	logger.Info("loaded JSON snapshot", "path", *jsonPath, "tenants", counts.Tenants, "classes", counts.Classes)
	if *dryRun {
		return
	}

	dsn := firstNonEmpty(*postgresDSN, os.Getenv("CLASSES_API_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
	if dsn == "" {
		logger.Error("postgres DSN required", "hint", "set --postgres-dsn, CLASSES_API_POSTGRES_DSN, or DATABASE_URL")
		os.Exit(1)
	}

	ctx := context.Background()
	repo, err := storage.NewPostgresRepository(dsn, storage.WithSchemaMigration(true), storage.WithPostgresApplicationName("classes-migrate"))
	if err != nil {
		logger.Error("failed to open postgres repository", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closer, ok := repo.(interface{ Close(context.Context) error }); ok {
			_ = closer.Close(context.Background())
		}
	}()

	if err := storage.ImportSnapshot(ctx, repo, snapshot); err != nil {
		logger.Error("failed to import snapshot", "error", err)
		os.Exit(1)
	}

	if err := verifyCounts(ctx, dsn, snapshot); err != nil {
		logger.Error("verification failed", "error", err)
		os.Exit(1)
	}

	logger.Info("migration completed", "tenants", counts.Tenants, "classes", counts.Classes)
}

// verifyCounts checks every imported id is present. Existing rows outside the
// snapshot are left alone and not counted.
func verifyCounts(ctx context.Context, dsn string, snapshot *storage.Snapshot) error {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parse verification config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open verification connection: %w", err)
	}
	defer pool.Close()

	tenants := make([]string, 0, len(snapshot.Classes))
	for tenant := range snapshot.Classes {
		tenants = append(tenants, tenant)
	}
	sort.Strings(tenants)

	for _, tenant := range tenants {
		ids := make([]string, 0, len(snapshot.Classes[tenant]))
		for id := range snapshot.Classes[tenant] {
			ids = append(ids, id)
		}
		if len(ids) == 0 {
			continue
		}
		var actual int
		if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM classes WHERE tenant_id = $1 AND id = ANY($2)", tenant, ids).Scan(&actual); err != nil {
			return fmt.Errorf("count classes for %s: %w", tenant, err)
		}
		if actual != len(ids) {
			return fmt.Errorf("mismatch for tenant %s: expected %d, got %d", tenant, len(ids), actual)
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
