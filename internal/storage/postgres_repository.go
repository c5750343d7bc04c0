package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"classes-api/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const classColumns = `id, tenant_id, name, attributes, etag, revision, created_at, updated_at`

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a Postgres-backed repository. Unless
// WithSchemaMigration(true) is supplied the classes table must already exist.
func NewPostgresRepository(dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	repo := &postgresRepository{pool: pool, cfg: cfg}
	if cfg.ApplySchema {
		if err := repo.applySchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return repo, nil
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) applySchema(ctx context.Context) error {
	statements, err := schemaStatements("postgres.sql")
	if err != nil {
		return err
	}
	for _, stmt := range statements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply postgres schema: %w", err)
		}
	}
	return nil
}

// withConn acquires a pooled connection under the configured acquire timeout
// and hands it to fn with the same deadline.
func (r *postgresRepository) withConn(ctx context.Context, fn func(context.Context, *pgxpool.Conn) error) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("postgres repository not initialised")
	}
	if r.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.AcquireTimeout)
		defer cancel()
	}
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire postgres connection: %w", err)
	}
	defer conn.Release()
	return fn(ctx, conn)
}

// rollbackTx is deferred after BeginTx; once the transaction committed the
// rollback is a no-op returning pgx.ErrTxClosed.
func rollbackTx(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}

// clock truncates to the microsecond precision timestamptz stores.
func (r *postgresRepository) clock() time.Time {
	return r.cfg.Clock().Truncate(time.Microsecond)
}

func scanClass(row pgx.Row) (models.Class, error) {
	var (
		class models.Class
		raw   []byte
	)
	if err := row.Scan(&class.ID, &class.TenantID, &class.Name, &raw, &class.ETag, &class.Revision, &class.CreatedAt, &class.UpdatedAt); err != nil {
		return models.Class{}, err
	}
	attrs, err := decodeAttributes(raw)
	if err != nil {
		return models.Class{}, err
	}
	class.Attributes = attrs
	class.CreatedAt = class.CreatedAt.UTC()
	class.UpdatedAt = class.UpdatedAt.UTC()
	return class, nil
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		return conn.Ping(ctx)
	})
}

func (r *postgresRepository) ListClasses(ctx context.Context, tenantID string, opts ListOptions) ([]models.Class, error) {
	opts = opts.normalized()
	classes := make([]models.Class, 0)
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx,
			`SELECT `+classColumns+` FROM classes WHERE tenant_id = $1 ORDER BY created_at, id OFFSET $2 LIMIT $3`,
			tenantID, opts.Skip, opts.Limit,
		)
		if err != nil {
			return fmt.Errorf("list classes: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			class, err := scanClass(rows)
			if err != nil {
				return fmt.Errorf("scan class: %w", err)
			}
			classes = append(classes, class)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return classes, nil
}

func (r *postgresRepository) CountClasses(ctx context.Context, tenantID string) (int, error) {
	var count int
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM classes WHERE tenant_id = $1`, tenantID).Scan(&count); err != nil {
			return fmt.Errorf("count classes: %w", err)
		}
		return nil
	})
	return count, err
}

func (r *postgresRepository) GetClass(ctx context.Context, tenantID, id string) (models.Class, error) {
	var class models.Class
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx, `SELECT `+classColumns+` FROM classes WHERE tenant_id = $1 AND id = $2`, tenantID, id)
		found, err := scanClass(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get class: %w", err)
		}
		class = found
		return nil
	})
	return class, err
}

func (r *postgresRepository) CreateClass(ctx context.Context, tenantID string, params CreateClassParams) (models.Class, error) {
	if normalizeName(params.Name) == "" {
		return models.Class{}, fmt.Errorf("%w: name is required", ErrInvalid)
	}
	now := r.clock()
	id, err := newClassID(now)
	if err != nil {
		return models.Class{}, err
	}
	class := models.Class{
		ID:         id,
		TenantID:   tenantID,
		Name:       params.Name,
		Attributes: params.Attributes,
		Revision:   1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := stampClass(&class); err != nil {
		return models.Class{}, err
	}
	attrs, err := encodeAttributes(class.Attributes)
	if err != nil {
		return models.Class{}, err
	}

	err = r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx,
			`INSERT INTO classes (`+classColumns+`) VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8)`,
			class.ID, class.TenantID, class.Name, string(attrs), class.ETag, class.Revision, class.CreatedAt, class.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert class: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.Class{}, err
	}
	return class.Clone(), nil
}

func (r *postgresRepository) ReplaceClass(ctx context.Context, tenantID string, params ReplaceClassParams, etag string) (models.Class, error) {
	if normalizeName(params.Name) == "" {
		return models.Class{}, fmt.Errorf("%w: name is required", ErrInvalid)
	}
	var updated models.Class
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin replace transaction: %w", err)
		}
		defer rollbackTx(ctx, tx)

		row := tx.QueryRow(ctx, `SELECT `+classColumns+` FROM classes WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenantID, params.ID)
		current, err := scanClass(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load class: %w", err)
		}
		if !etagMatches(etag, current.ETag) {
			return ErrConflict
		}

		next := models.Class{
			ID:         current.ID,
			TenantID:   tenantID,
			Name:       params.Name,
			Attributes: params.Attributes,
			Revision:   current.Revision + 1,
			CreatedAt:  current.CreatedAt,
			UpdatedAt:  r.clock(),
		}
		if err := stampClass(&next); err != nil {
			return err
		}
		attrs, err := encodeAttributes(next.Attributes)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE classes SET name = $3, attributes = $4::jsonb, etag = $5, revision = $6, updated_at = $7 WHERE tenant_id = $1 AND id = $2`,
			tenantID, next.ID, next.Name, string(attrs), next.ETag, next.Revision, next.UpdatedAt,
		); err != nil {
			return fmt.Errorf("update class: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit replace: %w", err)
		}
		updated = next
		return nil
	})
	if err != nil {
		return models.Class{}, err
	}
	return updated.Clone(), nil
}

func (r *postgresRepository) DeleteClass(ctx context.Context, tenantID, id, etag string) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx,
			`DELETE FROM classes WHERE tenant_id = $1 AND id = $2 AND ($3::text = '*' OR etag = $3::text)`,
			tenantID, id, etag,
		)
		if err != nil {
			return fmt.Errorf("delete class: %w", err)
		}
		if tag.RowsAffected() > 0 {
			return nil
		}
		var exists bool
		if err := conn.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM classes WHERE tenant_id = $1 AND id = $2)`, tenantID, id,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check class: %w", err)
		}
		if exists {
			return ErrConflict
		}
		return ErrNotFound
	})
}
