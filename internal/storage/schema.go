package storage

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func schemaStatements(name string) ([]string, error) {
	data, err := migrationsFS.ReadFile("migrations/" + name)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", name, err)
	}
	parts := strings.Split(string(data), ";")
	statements := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements, nil
}

func encodeAttributes(attrs map[string]interface{}) ([]byte, error) {
	if attrs == nil {
		return []byte("{}"), nil
	}
	payload, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("%w: encode attributes: %v", ErrInvalid, err)
	}
	return payload, nil
}

func decodeAttributes(raw []byte) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var attrs map[string]interface{}
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return nil, fmt.Errorf("decode attributes: %w", err)
	}
	if len(attrs) == 0 {
		return nil, nil
	}
	return attrs, nil
}
