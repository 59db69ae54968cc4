package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/hl7hub/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

// get maps a missing row to ErrNotFound.
func get(kind string, id int64, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get %s %d: %w", kind, id, err)
	}
	return nil
}

func (r *repoPG) GetPatient(ctx context.Context, id int64) (*Patient, error) {
	var p Patient
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, name, species, sex, birth_date, owner_id, active
		FROM patient WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Species, &p.Sex, &p.BirthDate, &p.OwnerID, &p.Active)
	if err := get("patient", id, err); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *repoPG) GetCustomer(ctx context.Context, id int64) (*Customer, error) {
	var c Customer
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, first_name, last_name, active FROM customer WHERE id = $1`, id).
		Scan(&c.ID, &c.FirstName, &c.LastName, &c.Active)
	if err := get("customer", id, err); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *repoPG) GetUser(ctx context.Context, id int64) (*User, error) {
	var u User
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, username, name, clinician, active FROM user_account WHERE id = $1`, id).
		Scan(&u.ID, &u.Username, &u.Name, &u.Clinician, &u.Active)
	if err := get("user", id, err); err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *repoPG) GetProduct(ctx context.Context, id int64) (*Product, error) {
	var p Product
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, name, COALESCE(selling_units, ''), COALESCE(dispensing_units, ''), active
		FROM product WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.SellingUnits, &p.DispensingUnits, &p.Active)
	if err := get("product", id, err); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *repoPG) GetLocation(ctx context.Context, id int64) (*Location, error) {
	var l Location
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, name, active FROM practice_location WHERE id = $1`, id).
		Scan(&l.ID, &l.Name, &l.Active)
	if err := get("location", id, err); err != nil {
		return nil, err
	}
	return &l, nil
}
