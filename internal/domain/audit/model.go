package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/hl7hub/internal/platform/hl7v2"
)

type Status string

const (
	StatusReceived Status = "RECEIVED"
	StatusAccepted Status = "ACCEPTED"
	StatusError    Status = "ERROR"
)

func (s Status) Valid() bool {
	switch s {
	case StatusReceived, StatusAccepted, StatusError:
		return true
	}
	return false
}

// Message is the audit record of one inbound message routed to a connector.
type Message struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	ConnectorID   int64      `db:"connector_id" json:"connector_id"`
	ConnectorName string     `db:"connector_name" json:"connector_name"`
	UserID        *int64     `db:"user_id" json:"user_id,omitempty"`
	MessageType   string     `db:"message_type" json:"message_type"`
	ControlID     string     `db:"control_id" json:"control_id"`
	Content       string     `db:"content" json:"content"`
	Status        Status     `db:"status" json:"status"`
	Error         *string    `db:"error" json:"error,omitempty"`
	ReceivedAt    time.Time  `db:"received_at" json:"received_at"`
	ProcessedAt   *time.Time `db:"processed_at" json:"processed_at,omitempty"`
}

// Finalized reports whether the outcome of the message has been recorded.
func (m *Message) Finalized() bool {
	return m.Status != StatusReceived
}

type Filter struct {
	Status      Status
	ConnectorID *int64
}

const metadataKey = "audit.message"

// Attach stores m in the exchange metadata.
func Attach(meta *hl7v2.Metadata, m *Message) {
	meta.Set(metadataKey, m)
}

// FromMetadata returns the audit record attached to an exchange, if any.
func FromMetadata(meta *hl7v2.Metadata) (*Message, bool) {
	v, ok := meta.Get(metadataKey)
	if !ok {
		return nil, false
	}
	m, ok := v.(*Message)
	return m, ok
}
