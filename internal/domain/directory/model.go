package directory

import (
	"strings"
	"time"
)

type Customer struct {
	ID        int64   `db:"id" json:"id"`
	FirstName *string `db:"first_name" json:"first_name,omitempty"`
	LastName  string  `db:"last_name" json:"last_name"`
	Active    bool    `db:"active" json:"active"`
}

// Name returns "first last", or just the last name.
func (c *Customer) Name() string {
	if c.FirstName == nil || *c.FirstName == "" {
		return c.LastName
	}
	return *c.FirstName + " " + c.LastName
}

type Patient struct {
	ID        int64      `db:"id" json:"id"`
	Name      string     `db:"name" json:"name"`
	Species   *string    `db:"species" json:"species,omitempty"`
	Sex       *string    `db:"sex" json:"sex,omitempty"`
	BirthDate *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	OwnerID   *int64     `db:"owner_id" json:"owner_id,omitempty"`
	Active    bool       `db:"active" json:"active"`
}

// User is a practice user. Connectors process messages as a user, and
// clinicians are users with the clinician flag set.
type User struct {
	ID        int64  `db:"id" json:"id"`
	Username  string `db:"username" json:"username"`
	Name      string `db:"name" json:"name"`
	Clinician bool   `db:"clinician" json:"clinician"`
	Active    bool   `db:"active" json:"active"`
}

type Product struct {
	ID              int64  `db:"id" json:"id"`
	Name            string `db:"name" json:"name"`
	SellingUnits    string `db:"selling_units" json:"selling_units,omitempty"`
	DispensingUnits string `db:"dispensing_units" json:"dispensing_units,omitempty"`
	Active          bool   `db:"active" json:"active"`
}

// SellsIn reports whether units matches the product's selling units. Units
// are compared case-insensitively; a product without selling units matches
// anything.
func (p *Product) SellsIn(units string) bool {
	return p.SellingUnits == "" || strings.EqualFold(p.SellingUnits, units)
}

type Location struct {
	ID     int64  `db:"id" json:"id"`
	Name   string `db:"name" json:"name"`
	Active bool   `db:"active" json:"active"`
}
