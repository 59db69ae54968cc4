package services

import (
	"time"
)

// Kind is the kind of service a connector is bound to. It selects how
// inbound orders are reconciled.
type Kind string

const (
	KindLaboratory Kind = "laboratory"
	KindPharmacy   Kind = "pharmacy"
)

func (k Kind) Valid() bool {
	return k == KindLaboratory || k == KindPharmacy
}

// Service is a laboratory or pharmacy configuration. A service receives
// messages once it has both a connector and a user to process them as.
type Service struct {
	ID          int64     `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Kind        Kind      `db:"kind" json:"kind"`
	ConnectorID *int64    `db:"connector_id" json:"connector_id,omitempty"`
	UserID      *int64    `db:"user_id" json:"user_id,omitempty"`
	LocationID  *int64    `db:"location_id" json:"location_id,omitempty"`
	Active      bool      `db:"active" json:"active"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

type EventType string

const (
	EventAdded   EventType = "added"
	EventUpdated EventType = "updated"
	EventRemoved EventType = "removed"
)

// Event reports a change to a service configuration.
type Event struct {
	Type EventType `json:"op"`
	ID   int64     `json:"id"`
}
