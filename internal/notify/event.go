package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event names published for class mutations.
const (
	EventCreate = "create"
	EventUpdate = "update"
	EventDelete = "delete"
)

// Event is a tenant scoped notification. Payload is the resulting resource on
// success or a Failure on error.
type Event struct {
	// ID is assigned by the bus that delivered the event.
	ID         string          `json:"id,omitempty"`
	Tenant     string          `json:"tenant"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// Failure is the payload of an event describing a failed mutation.
type Failure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// NewEvent encodes payload into a timestamped event.
func NewEvent(tenant, name string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", name, err)
	}
	return Event{
		Tenant:     tenant,
		Name:       name,
		Payload:    raw,
		OccurredAt: time.Now().UTC(),
	}, nil
}

func (e Event) validate() error {
	if e.Tenant == "" {
		return errors.New("event tenant is required")
	}
	if e.Name == "" {
		return errors.New("event name is required")
	}
	return nil
}
