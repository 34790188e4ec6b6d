package audit

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Append(ctx context.Context, e *LogEntry) error
	// ListBySubject returns entries for one entity in insertion order.
	ListBySubject(ctx context.Context, modelName string, modelID uuid.UUID) ([]*LogEntry, error)
}

// KeyLookup resolves encryption key handles to raw key material.
type KeyLookup interface {
	Get(ctx context.Context, id uuid.UUID) ([]byte, error)
}
