package services

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("service not found")

type Repository interface {
	GetByID(ctx context.Context, id int64) (*Service, error)
	List(ctx context.Context) ([]*Service, error)
}
