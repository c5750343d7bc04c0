package models

import "time"

// Class is a tenant-scoped document. ETag changes on every successful
// mutation and must accompany replace and delete requests.
type Class struct {
	ID         string                 `json:"id"`
	TenantID   string                 `json:"tenantId"`
	Name       string                 `json:"name"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	ETag       string                 `json:"etag"`
	Revision   int64                  `json:"revision"`
	CreatedAt  time.Time              `json:"createdAt"`
	UpdatedAt  time.Time              `json:"updatedAt"`
}

// Clone returns a copy whose attribute map can be mutated independently.
func (c Class) Clone() Class {
	out := c
	if c.Attributes != nil {
		out.Attributes = cloneAttributes(c.Attributes)
	}
	return out
}

func cloneAttributes(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for key, value := range in {
		switch typed := value.(type) {
		case map[string]interface{}:
			out[key] = cloneAttributes(typed)
		case []interface{}:
			out[key] = append([]interface{}(nil), typed...)
		default:
			out[key] = value
		}
	}
	return out
}
