package attrstore

import (
	"context"
	"time"
)

// Value is one entry of an attribute's history.
type Value struct {
	Data      string    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is the attribute store the control plane persists its state in.
// Attributes are multi-valued: Append adds a history entry, Set replaces
// the whole history with a single value, Get returns the full history
// oldest first. Callers needing set semantics de-duplicate on read.
type Store interface {
	// Open ensures the object exists, creating it if needed, and reports
	// whether it already existed.
	Open(ctx context.Context, id string) (bool, error)

	// Get returns the attribute's history, oldest first. A missing
	// attribute yields an empty history, not an error.
	Get(ctx context.Context, id, attribute string) ([]Value, error)

	// Set replaces the attribute's history with a single value.
	Set(ctx context.Context, id, attribute, value string) error

	// Append adds one history entry.
	Append(ctx context.Context, id, attribute, value string) error

	Close() error
}

// ReadSet reads an attribute history as a de-duplicated set.
func ReadSet(ctx context.Context, s Store, id, attribute string) (map[string]struct{}, error) {
	values, err := s.Get(ctx, id, attribute)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v.Data] = struct{}{}
	}
	return set, nil
}

// ReadLatest returns the most recent value of an attribute, or "" when the
// attribute has no history.
func ReadLatest(ctx context.Context, s Store, id, attribute string) (string, error) {
	values, err := s.Get(ctx, id, attribute)
	if err != nil {
		return "", err
	}
	if len(values) == 0 {
		return "", nil
	}
	return values[len(values)-1].Data, nil
}
