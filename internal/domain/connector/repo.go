package connector

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("connector not found")

type Repository interface {
	GetByID(ctx context.Context, id int64) (*Connector, error)
	List(ctx context.Context) ([]*Connector, error)
}
