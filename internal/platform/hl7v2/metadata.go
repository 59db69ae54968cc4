package hl7v2

import "time"

// Metadata is the per-exchange context passed alongside a message. It carries
// transport details and lets handlers in a chain hand values to one another,
// e.g. the receiver selected by routing or the audit record of the exchange.
//
// A Metadata is owned by a single exchange and is not safe for concurrent use.
type Metadata struct {
	RemoteAddr string
	LocalAddr  string
	ReceivedAt time.Time

	values map[string]interface{}
}

// NewMetadata creates metadata for an exchange received from remote on local.
func NewMetadata(remote, local string) *Metadata {
	return &Metadata{
		RemoteAddr: remote,
		LocalAddr:  local,
		ReceivedAt: time.Now(),
		values:     make(map[string]interface{}),
	}
}

// Set stores a value under key.
func (m *Metadata) Set(key string, value interface{}) {
	if m.values == nil {
		m.values = make(map[string]interface{})
	}
	m.values[key] = value
}

// Get returns the value stored under key.
func (m *Metadata) Get(key string) (interface{}, bool) {
	if m == nil || m.values == nil {
		return nil, false
	}
	v, ok := m.values[key]
	return v, ok
}

// Delete removes key.
func (m *Metadata) Delete(key string) {
	if m != nil {
		delete(m.values, key)
	}
}
