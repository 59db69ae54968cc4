package connector

import (
	"fmt"
	"maps"
	"time"

	"github.com/ehr/hl7hub/internal/platform/hl7v2"
)

// Identity is the MSH-3..MSH-6 tuple a peer addresses its messages with.
// An empty string means the field is not set; it only matches another empty
// field. Identity is comparable and is used as a map key.
type Identity struct {
	SendingApplication   string `json:"sending_application"`
	SendingFacility      string `json:"sending_facility"`
	ReceivingApplication string `json:"receiving_application"`
	ReceivingFacility    string `json:"receiving_facility"`
}

// IdentityOf returns the identity a message header was addressed with.
func IdentityOf(h hl7v2.Header) Identity {
	return Identity{
		SendingApplication:   h.SendingApplication,
		SendingFacility:      h.SendingFacility,
		ReceivingApplication: h.ReceivingApplication,
		ReceivingFacility:    h.ReceivingFacility,
	}
}

func (i Identity) String() string {
	return fmt.Sprintf("sendingApplication=%s, sendingFacility=%s, receivingApplication=%s, receivingFacility=%s",
		i.SendingApplication, i.SendingFacility, i.ReceivingApplication, i.ReceivingFacility)
}

// Mapping holds the per-peer message population and formatting options.
type Mapping struct {
	IncludeMillis   bool              `json:"include_millis"`
	IncludeTimeZone bool              `json:"include_timezone"`
	PopulatePID3    bool              `json:"populate_pid3"`
	PopulatePID2    bool              `json:"populate_pid2"`
	SexMapping      map[string]string `json:"sex_mapping,omitempty"`
	SpeciesMapping  map[string]string `json:"species_mapping,omitempty"`
}

func (m Mapping) Equal(o Mapping) bool {
	return m.IncludeMillis == o.IncludeMillis &&
		m.IncludeTimeZone == o.IncludeTimeZone &&
		m.PopulatePID3 == o.PopulatePID3 &&
		m.PopulatePID2 == o.PopulatePID2 &&
		maps.Equal(m.SexMapping, o.SexMapping) &&
		maps.Equal(m.SpeciesMapping, o.SpeciesMapping)
}

// Connector is a receiving MLLP connector. Connectors are not modified once
// loaded; a configuration change produces a new Connector.
type Connector struct {
	ID        int64     `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Port      int       `db:"port" json:"port"`
	Identity  Identity  `json:"identity"`
	Mapping   Mapping   `json:"mapping"`
	Active    bool      `db:"active" json:"active"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Equal reports whether two connectors would accept and format messages the
// same way. Name and audit timestamps are ignored.
func (c *Connector) Equal(o *Connector) bool {
	if c == nil || o == nil {
		return c == o
	}
	return c.ID == o.ID &&
		c.Port == o.Port &&
		c.Identity == o.Identity &&
		c.Mapping.Equal(o.Mapping)
}

// Accepts reports whether a message header is addressed to this connector.
func (c *Connector) Accepts(h hl7v2.Header) bool {
	return IdentityOf(h) == c.Identity
}

func (c *Connector) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("connector %d: name is required", c.ID)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("connector %s: invalid port %d", c.Name, c.Port)
	}
	return nil
}

func (c *Connector) String() string {
	return fmt.Sprintf("%s (%d) port=%d %s", c.Name, c.ID, c.Port, c.Identity)
}
