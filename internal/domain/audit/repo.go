package audit

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("message not found")

type Repository interface {
	Create(ctx context.Context, m *Message) error
	GetByID(ctx context.Context, id uuid.UUID) (*Message, error)
	// UpdateStatus persists the status, processed time and error of m.
	UpdateStatus(ctx context.Context, m *Message) error
	List(ctx context.Context, f Filter, limit, offset int) ([]*Message, int, error)
}
