package storage

import "errors"

// AnyETag matches whatever version the stored class currently has.
const AnyETag = "*"

var (
	// ErrNotFound is returned when the tenant has no class with the given id.
	ErrNotFound = errors.New("class not found")
	// ErrConflict is returned when the supplied etag does not match the
	// stored version.
	ErrConflict = errors.New("class version mismatch")
	// ErrInvalid is returned for documents the store refuses to persist.
	ErrInvalid = errors.New("invalid class document")
)

func etagMatches(supplied, current string) bool {
	return supplied == AnyETag || (supplied != "" && supplied == current)
}
