package storage

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// newClassID returns a lower-case ULID stamped with the creation time so ids
// from the same store sort in creation order.
func newClassID(createdAt time.Time) (string, error) {
	id, err := ulid.New(ulid.Timestamp(createdAt), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate class id: %w", err)
	}
	return strings.ToLower(id.String()), nil
}
