package reconcile

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/hl7hub/internal/domain/directory"
	"github.com/ehr/hl7hub/internal/domain/order"
)

type phase int

const (
	phaseStart phase = iota
	phasePatientResolved
	phaseItemAdded
	phaseDone
)

func (p phase) String() string {
	switch p {
	case phaseStart:
		return "start"
	case phasePatientResolved:
		return "patientResolved"
	case phaseItemAdded:
		return "itemAdded"
	case phaseDone:
		return "done"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

var transitions = map[phase][]phase{
	phaseStart:           {phasePatientResolved},
	phasePatientResolved: {phaseItemAdded, phaseDone},
	phaseItemAdded:       {phaseItemAdded, phaseDone},
}

// Env carries the values a message is reconciled with that do not come from
// the message itself.
type Env struct {
	LocationID *int64
	MessageID  *uuid.UUID
	UserID     *int64
	Now        time.Time
}

// state is the reconciliation state of a single message.
type state struct {
	phase    phase
	patient  *directory.Patient
	customer *directory.Customer
	builder  *order.Builder
}

func (s *state) transition(to phase) error {
	for _, allowed := range transitions[s.phase] {
		if allowed == to {
			s.phase = to
			return nil
		}
	}
	return fmt.Errorf("reconcile: invalid transition %s -> %s", s.phase, to)
}

func (s *state) patientID() *int64 {
	if s.patient == nil {
		return nil
	}
	id := s.patient.ID
	return &id
}
