package directory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
)

// ErrNotClinician is returned by Clinician for a user without the clinician
// flag.
var ErrNotClinician = errors.New("user is not a clinician")

// Directory resolves identifiers received in messages to local parties and
// products. Lookups are cached for ttl; misses are not cached.
type Directory struct {
	repo  Repository
	cache *cache.Cache
}

// New returns a Directory over repo. A ttl of zero disables caching.
func New(repo Repository, ttl time.Duration) *Directory {
	d := &Directory{repo: repo}
	if ttl > 0 {
		d.cache = cache.New(ttl, 2*ttl)
	}
	return d
}

// ParseID parses a numeric identifier as sent by a peer. Identifiers that are
// not positive integers cannot refer to a local record.
func ParseID(s string) (int64, bool) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func lookup[T any](d *Directory, kind string, id int64, fetch func() (*T, error)) (*T, error) {
	key := kind + ":" + strconv.FormatInt(id, 10)
	if d.cache != nil {
		if v, found := d.cache.Get(key); found {
			return v.(*T), nil
		}
	}
	v, err := fetch()
	if err != nil {
		return nil, err
	}
	if d.cache != nil {
		d.cache.Set(key, v, cache.DefaultExpiration)
	}
	return v, nil
}

func (d *Directory) Patient(ctx context.Context, id int64) (*Patient, error) {
	return lookup(d, "patient", id, func() (*Patient, error) { return d.repo.GetPatient(ctx, id) })
}

func (d *Directory) Customer(ctx context.Context, id int64) (*Customer, error) {
	return lookup(d, "customer", id, func() (*Customer, error) { return d.repo.GetCustomer(ctx, id) })
}

// Owner returns the customer that owns p.
func (d *Directory) Owner(ctx context.Context, p *Patient) (*Customer, error) {
	if p.OwnerID == nil {
		return nil, fmt.Errorf("patient %d has no owner: %w", p.ID, ErrNotFound)
	}
	return d.Customer(ctx, *p.OwnerID)
}

func (d *Directory) User(ctx context.Context, id int64) (*User, error) {
	return lookup(d, "user", id, func() (*User, error) { return d.repo.GetUser(ctx, id) })
}

// Clinician returns the user with the given id if it is an active clinician.
func (d *Directory) Clinician(ctx context.Context, id int64) (*User, error) {
	u, err := d.User(ctx, id)
	if err != nil {
		return nil, err
	}
	if !u.Clinician || !u.Active {
		return nil, fmt.Errorf("user %d: %w", id, ErrNotClinician)
	}
	return u, nil
}

func (d *Directory) Product(ctx context.Context, id int64) (*Product, error) {
	return lookup(d, "product", id, func() (*Product, error) { return d.repo.GetProduct(ctx, id) })
}

func (d *Directory) Location(ctx context.Context, id int64) (*Location, error) {
	return lookup(d, "location", id, func() (*Location, error) { return d.repo.GetLocation(ctx, id) })
}

// Flush drops every cached entry.
func (d *Directory) Flush() {
	if d.cache != nil {
		d.cache.Flush()
	}
}
