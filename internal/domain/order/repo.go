package order

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("order not found")

// Sources looks up locally placed orders by archetype and id.
type Sources interface {
	Get(ctx context.Context, archetype string, id int64) (*Prior, error)
}

// Repository persists synthesized acts.
type Repository interface {
	// Save persists every act and item of the aggregate, or none of them.
	Save(ctx context.Context, agg *Aggregate) error
	ListByMessage(ctx context.Context, messageID uuid.UUID) ([]Act, error)
}
