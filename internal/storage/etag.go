package storage

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"classes-api/internal/models"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/unicode/norm"
)

// computeETag derives the version token from the document content and its
// revision, so two writes of identical content still produce distinct tags.
func computeETag(class models.Class) (string, error) {
	hash, err := blake2b.New(16, nil)
	if err != nil {
		return "", fmt.Errorf("init etag hash: %w", err)
	}
	payload, err := json.Marshal(struct {
		Name       string                 `json:"name"`
		Attributes map[string]interface{} `json:"attributes"`
	}{class.Name, class.Attributes})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	fmt.Fprintf(hash, "%s\x00%s\x00%d\x00", class.TenantID, class.ID, class.Revision)
	hash.Write(payload)
	return hex.EncodeToString(hash.Sum(nil)), nil
}

func normalizeName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

// stampClass fills the fields every driver derives on write.
func stampClass(class *models.Class) error {
	class.Name = normalizeName(class.Name)
	if len(class.Attributes) == 0 {
		class.Attributes = nil
	}
	etag, err := computeETag(*class)
	if err != nil {
		return err
	}
	class.ETag = etag
	return nil
}
