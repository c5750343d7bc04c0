package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"classes-api/internal/models"
	_ "modernc.org/sqlite"
)

// SQLiteConfig describes the single-file SQL datastore.
type SQLiteConfig struct {
	Path        string
	BusyTimeout time.Duration
	ApplySchema bool
	Clock       func() time.Time
}

func newSQLiteConfig(path string, opts ...Option) SQLiteConfig {
	s := collectSettings(opts)
	cfg := SQLiteConfig{
		Path:        path,
		BusyTimeout: 5 * time.Second,
		ApplySchema: s.schema(true),
		Clock:       s.clock,
	}
	if s.busyTimeout > 0 {
		cfg.BusyTimeout = s.busyTimeout
	}
	return cfg
}

type sqliteRepository struct {
	db  *sql.DB
	cfg SQLiteConfig
}

// NewSQLiteRepository opens the SQLite datastore at path, creating the file
// and schema when missing.
func NewSQLiteRepository(path string, opts ...Option) (Repository, error) {
	cfg := newSQLiteConfig(path, opts...)
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serialises writers, so the replace transaction below is
	// never interleaved with another mutation.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	repo := &sqliteRepository{db: db, cfg: cfg}
	if cfg.ApplySchema {
		if err := repo.migrate(context.Background()); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return repo, nil
}

func (r *sqliteRepository) migrate(ctx context.Context) error {
	statements, err := schemaStatements("sqlite.sql")
	if err != nil {
		return err
	}
	for _, stmt := range statements {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply sqlite schema: %w", err)
		}
	}
	return nil
}

func (r *sqliteRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteClass(row rowScanner) (models.Class, error) {
	var (
		class            models.Class
		raw              string
		created, updated int64
	)
	if err := row.Scan(&class.ID, &class.TenantID, &class.Name, &raw, &class.ETag, &class.Revision, &created, &updated); err != nil {
		return models.Class{}, err
	}
	attrs, err := decodeAttributes([]byte(raw))
	if err != nil {
		return models.Class{}, err
	}
	class.Attributes = attrs
	class.CreatedAt = time.Unix(0, created).UTC()
	class.UpdatedAt = time.Unix(0, updated).UTC()
	return class, nil
}

func (r *sqliteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *sqliteRepository) ListClasses(ctx context.Context, tenantID string, opts ListOptions) ([]models.Class, error) {
	opts = opts.normalized()
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+classColumns+` FROM classes WHERE tenant_id = ? ORDER BY created_at, id LIMIT ? OFFSET ?`,
		tenantID, opts.Limit, opts.Skip,
	)
	if err != nil {
		return nil, fmt.Errorf("list classes: %w", err)
	}
	defer rows.Close()

	classes := make([]models.Class, 0)
	for rows.Next() {
		class, err := scanSQLiteClass(rows)
		if err != nil {
			return nil, fmt.Errorf("scan class: %w", err)
		}
		classes = append(classes, class)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate classes: %w", err)
	}
	return classes, nil
}

func (r *sqliteRepository) CountClasses(ctx context.Context, tenantID string) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM classes WHERE tenant_id = ?`, tenantID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count classes: %w", err)
	}
	return count, nil
}

func (r *sqliteRepository) GetClass(ctx context.Context, tenantID, id string) (models.Class, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+classColumns+` FROM classes WHERE tenant_id = ? AND id = ?`, tenantID, id)
	class, err := scanSQLiteClass(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Class{}, ErrNotFound
	}
	if err != nil {
		return models.Class{}, fmt.Errorf("get class: %w", err)
	}
	return class, nil
}

func (r *sqliteRepository) CreateClass(ctx context.Context, tenantID string, params CreateClassParams) (models.Class, error) {
	if normalizeName(params.Name) == "" {
		return models.Class{}, fmt.Errorf("%w: name is required", ErrInvalid)
	}
	now := r.cfg.Clock()
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
	if err := insertSQLiteClass(ctx, r.db, class); err != nil {
		return models.Class{}, err
	}
	return class.Clone(), nil
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertSQLiteClass(ctx context.Context, db sqlExecer, class models.Class) error {
	attrs, err := encodeAttributes(class.Attributes)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO classes (`+classColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, id) DO UPDATE SET name = excluded.name, attributes = excluded.attributes,
		 etag = excluded.etag, revision = excluded.revision, created_at = excluded.created_at, updated_at = excluded.updated_at`,
		class.ID, class.TenantID, class.Name, string(attrs), class.ETag, class.Revision,
		class.CreatedAt.UnixNano(), class.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert class: %w", err)
	}
	return nil
}

func (r *sqliteRepository) ReplaceClass(ctx context.Context, tenantID string, params ReplaceClassParams, etag string) (models.Class, error) {
	if normalizeName(params.Name) == "" {
		return models.Class{}, fmt.Errorf("%w: name is required", ErrInvalid)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Class{}, fmt.Errorf("begin replace transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+classColumns+` FROM classes WHERE tenant_id = ? AND id = ?`, tenantID, params.ID)
	current, err := scanSQLiteClass(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Class{}, ErrNotFound
	}
	if err != nil {
		return models.Class{}, fmt.Errorf("load class: %w", err)
	}
	if !etagMatches(etag, current.ETag) {
		return models.Class{}, ErrConflict
	}

	updated := models.Class{
		ID:         current.ID,
		TenantID:   tenantID,
		Name:       params.Name,
		Attributes: params.Attributes,
		Revision:   current.Revision + 1,
		CreatedAt:  current.CreatedAt,
		UpdatedAt:  r.cfg.Clock(),
	}
	if err := stampClass(&updated); err != nil {
		return models.Class{}, err
	}
	if err := insertSQLiteClass(ctx, tx, updated); err != nil {
		return models.Class{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Class{}, fmt.Errorf("commit replace: %w", err)
	}
	return updated.Clone(), nil
}

func (r *sqliteRepository) DeleteClass(ctx context.Context, tenantID, id, etag string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM classes WHERE tenant_id = ? AND id = ? AND (? = '*' OR etag = ?)`,
		tenantID, id, etag, etag,
	)
	if err != nil {
		return fmt.Errorf("delete class: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete class: %w", err)
	}
	if affected > 0 {
		return nil
	}
	var exists int
	if err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM classes WHERE tenant_id = ? AND id = ?)`, tenantID, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check class: %w", err)
	}
	if exists != 0 {
		return ErrConflict
	}
	return ErrNotFound
}
