package storage

import (
	"context"

	"classes-api/internal/models"
)

// Repository exposes the class document operations required by the API
// handlers and the batch job executor. Every mutating call takes the caller's
// version token; AnyETag skips the comparison.
type Repository interface {
	Ping(ctx context.Context) error

	ListClasses(ctx context.Context, tenantID string, opts ListOptions) ([]models.Class, error)
	CountClasses(ctx context.Context, tenantID string) (int, error)
	GetClass(ctx context.Context, tenantID, id string) (models.Class, error)
	CreateClass(ctx context.Context, tenantID string, params CreateClassParams) (models.Class, error)
	ReplaceClass(ctx context.Context, tenantID string, params ReplaceClassParams, etag string) (models.Class, error)
	DeleteClass(ctx context.Context, tenantID, id, etag string) error
}

// ListOptions controls which slice of a tenant's classes is returned.
type ListOptions struct {
	Skip  int
	Limit int
}

// CreateClassParams captures the attributes that can be set when creating a class.
type CreateClassParams struct {
	Name       string
	Attributes map[string]interface{}
}

// ReplaceClassParams captures the full replacement document for a class.
type ReplaceClassParams struct {
	ID         string
	Name       string
	Attributes map[string]interface{}
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func (o ListOptions) normalized() ListOptions {
	if o.Skip < 0 {
		o.Skip = 0
	}
	if o.Limit <= 0 {
		o.Limit = defaultListLimit
	}
	if o.Limit > maxListLimit {
		o.Limit = maxListLimit
	}
	return o
}

var (
	_ Repository = (*Storage)(nil)
	_ Repository = (*postgresRepository)(nil)
	_ Repository = (*sqliteRepository)(nil)
)
