package classes

import (
	"errors"
	"fmt"
	"strings"

	"classes-api/internal/storage"
)

var (
	// ErrBadRequest is returned for requests rejected before reaching the
	// store: missing bodies, invalid tenants or mismatched ids.
	ErrBadRequest = errors.New("bad request")
	// ErrMissingPrecondition is returned when a single-item mutation arrives
	// without a version token.
	ErrMissingPrecondition = errors.New("version token required")
)

// Document is the client supplied body of a create or replace.
type Document struct {
	ID         string                 `json:"id,omitempty"`
	Name       string                 `json:"name"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// checkReplace validates a replace before the store is touched. The checks
// run in a fixed order: body, version token, id. The returned params always
// carry the path id.
func checkReplace(id, etag string, doc *Document) (storage.ReplaceClassParams, error) {
	if doc == nil {
		return storage.ReplaceClassParams{}, fmt.Errorf("%w: missing request body", ErrBadRequest)
	}
	if strings.TrimSpace(etag) == "" {
		return storage.ReplaceClassParams{}, ErrMissingPrecondition
	}
	if doc.ID != "" && doc.ID != id {
		return storage.ReplaceClassParams{}, fmt.Errorf("%w: payload id %q does not match %q", ErrBadRequest, doc.ID, id)
	}
	return storage.ReplaceClassParams{
		ID:         id,
		Name:       doc.Name,
		Attributes: doc.Attributes,
	}, nil
}

func checkDelete(etag string) error {
	if strings.TrimSpace(etag) == "" {
		return ErrMissingPrecondition
	}
	return nil
}
