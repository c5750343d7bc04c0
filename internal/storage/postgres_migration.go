package storage

import (
	"context"
	"fmt"

	"classes-api/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// prepareImported fills derived fields missing from hand-edited snapshots.
func prepareImported(class models.Class) (models.Class, error) {
	if class.Revision <= 0 {
		class.Revision = 1
	}
	if class.UpdatedAt.IsZero() {
		class.UpdatedAt = class.CreatedAt
	}
	if class.ETag == "" {
		if err := stampClass(&class); err != nil {
			return models.Class{}, fmt.Errorf("class %s/%s: %w", class.TenantID, class.ID, err)
		}
	}
	return class, nil
}

func (r *postgresRepository) importSnapshot(ctx context.Context, snapshot *Snapshot) error {
	classes := snapshotClasses(snapshot)
	if len(classes) == 0 {
		return nil
	}
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin snapshot transaction: %w", err)
		}
		defer rollbackTx(ctx, tx)

		batch := &pgx.Batch{}
		for _, class := range classes {
			class, err := prepareImported(class)
			if err != nil {
				return err
			}
			attrs, err := encodeAttributes(class.Attributes)
			if err != nil {
				return err
			}
			batch.Queue(
				`INSERT INTO classes (`+classColumns+`) VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8)
				 ON CONFLICT (tenant_id, id) DO UPDATE SET name = EXCLUDED.name, attributes = EXCLUDED.attributes,
				 etag = EXCLUDED.etag, revision = EXCLUDED.revision, created_at = EXCLUDED.created_at, updated_at = EXCLUDED.updated_at`,
				class.ID, class.TenantID, class.Name, string(attrs), class.ETag, class.Revision, class.CreatedAt, class.UpdatedAt,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("import classes: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit snapshot import: %w", err)
		}
		return nil
	})
}

func (r *sqliteRepository) importSnapshot(ctx context.Context, snapshot *Snapshot) error {
	classes := snapshotClasses(snapshot)
	if len(classes) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, class := range classes {
		class, err := prepareImported(class)
		if err != nil {
			return err
		}
		if err := insertSQLiteClass(ctx, tx, class); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot import: %w", err)
	}
	return nil
}
