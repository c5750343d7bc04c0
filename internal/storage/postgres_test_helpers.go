//go:build postgres

package storage

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
)

// postgresRepositoryFactory opens a Postgres-backed repository against
// CLASSES_TEST_POSTGRES_DSN, which must point at a database dedicated to
// automated runs. The classes table is truncated before and after each test.
func postgresRepositoryFactory(t *testing.T, opts ...Option) (Repository, func(), error) {
	t.Helper()

	dsn := os.Getenv("CLASSES_TEST_POSTGRES_DSN")
	if strings.TrimSpace(dsn) == "" {
		t.Skip("CLASSES_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres pool: %v", err)
	}

	opts = append([]Option{WithSchemaMigration(true)}, opts...)
	repo, err := NewPostgresRepository(dsn, opts...)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if _, err := pool.Exec(ctx, "TRUNCATE TABLE classes"); err != nil {
		pool.Close()
		t.Fatalf("truncate classes: %v", err)
	}

	cleanup := func() {
		if _, err := pool.Exec(context.Background(), "TRUNCATE TABLE classes"); err != nil {
			t.Errorf("truncate classes: %v", err)
		}
		if closer, ok := repo.(interface{ Close(context.Context) error }); ok {
			if err := closer.Close(context.Background()); err != nil {
				t.Errorf("close repository: %v", err)
			}
		}
		pool.Close()
	}
	return repo, cleanup, nil
}
