package directory

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("not found")

type Repository interface {
	GetPatient(ctx context.Context, id int64) (*Patient, error)
	GetCustomer(ctx context.Context, id int64) (*Customer, error)
	GetUser(ctx context.Context, id int64) (*User, error)
	GetProduct(ctx context.Context, id int64) (*Product, error)
	GetLocation(ctx context.Context, id int64) (*Location, error)
}
