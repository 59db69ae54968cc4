package order

import (
	"time"

	"github.com/google/uuid"
)

const StatusInProgress = "IN_PROGRESS"

// Family names the archetypes one kind of service reconciles with: the
// locally placed order a message refers back to, and the order and return
// records synthesized from the message.
type Family struct {
	Kind string
	// Prior is the archetype of locally placed orders.
	Prior string
	// PriorName is the display name of Prior used in notes.
	PriorName  string
	Order      string
	OrderItem  string
	Return     string
	ReturnItem string
}

var (
	Pharmacy = Family{
		Kind:       "pharmacy",
		Prior:      "act.customerAccountInvoiceItem",
		PriorName:  "Customer Invoice Item",
		Order:      "act.customerOrderPharmacy",
		OrderItem:  "act.customerOrderItemPharmacy",
		Return:     "act.customerReturnPharmacy",
		ReturnItem: "act.customerReturnItemPharmacy",
	}
	Laboratory = Family{
		Kind:       "laboratory",
		Prior:      "act.patientInvestigation",
		PriorName:  "Investigation",
		Order:      "act.customerOrderInvestigation",
		OrderItem:  "act.customerOrderItemInvestigation",
		Return:     "act.customerReturnInvestigation",
		ReturnItem: "act.customerReturnItemInvestigation",
	}
)

// Prior is a locally placed order that inbound messages correlate with.
type Prior struct {
	ID          int64     `db:"id" json:"id"`
	Archetype   string    `db:"archetype" json:"archetype"`
	PatientID   *int64    `db:"patient_id" json:"patient_id,omitempty"`
	ProductID   *int64    `db:"product_id" json:"product_id,omitempty"`
	ClinicianID *int64    `db:"clinician_id" json:"clinician_id,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Act is a synthesized order or return.
type Act struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	Archetype   string     `db:"archetype" json:"archetype"`
	Status      string     `db:"status" json:"status"`
	StartTime   time.Time  `db:"start_time" json:"start_time"`
	CustomerID  *int64     `db:"customer_id" json:"customer_id,omitempty"`
	LocationID  *int64     `db:"location_id" json:"location_id,omitempty"`
	ClinicianID *int64     `db:"clinician_id" json:"clinician_id,omitempty"`
	Notes       string     `db:"notes" json:"notes,omitempty"`
	MessageID   *uuid.UUID `db:"message_id" json:"message_id,omitempty"`
	CreatedBy   *int64     `db:"created_by" json:"created_by,omitempty"`
	Items       []Item     `json:"items"`
}

// Item is an order or return line.
type Item struct {
	ID              uuid.UUID `db:"id" json:"id"`
	Archetype       string    `db:"archetype" json:"archetype"`
	PatientID       *int64    `db:"patient_id" json:"patient_id,omitempty"`
	ProductID       *int64    `db:"product_id" json:"product_id,omitempty"`
	ClinicianID     *int64    `db:"clinician_id" json:"clinician_id,omitempty"`
	Quantity        float64   `db:"quantity" json:"quantity"`
	Reference       string    `db:"reference" json:"reference,omitempty"`
	SourceArchetype string    `db:"source_archetype" json:"source_archetype,omitempty"`
	SourceID        *int64    `db:"source_id" json:"source_id,omitempty"`
}
