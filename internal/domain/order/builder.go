package order

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrBuilt = errors.New("order: builder already built")

// Header holds the values shared by every act a Builder creates.
type Header struct {
	CustomerID *int64
	LocationID *int64
	MessageID  *uuid.UUID
	CreatedBy  *int64
	StartTime  time.Time
}

// Builder accumulates order and return items for one inbound message. The
// order and return acts are only created when their first item is added.
// A Builder is not safe for concurrent use.
type Builder struct {
	family Family
	header Header
	order  *Act
	ret    *Act
	notes  []string
	built  bool
}

func NewBuilder(family Family, header Header) *Builder {
	if header.StartTime.IsZero() {
		header.StartTime = time.Now()
	}
	return &Builder{family: family, header: header}
}

func (b *Builder) Family() Family { return b.family }

// AddNote appends a note to the acts. Duplicate notes are kept once.
func (b *Builder) AddNote(note string) {
	for _, n := range b.notes {
		if n == note {
			return
		}
	}
	b.notes = append(b.notes, note)
}

func (b *Builder) Notes() []string {
	return append([]string(nil), b.notes...)
}

// AddOrderItem adds item to the order act, creating it if required.
func (b *Builder) AddOrderItem(item Item) error {
	if b.built {
		return ErrBuilt
	}
	if b.order == nil {
		b.order = b.newAct(b.family.Order)
	}
	b.add(b.order, b.family.OrderItem, item)
	return nil
}

// AddReturnItem adds item to the return act, creating it if required.
func (b *Builder) AddReturnItem(item Item) error {
	if b.built {
		return ErrBuilt
	}
	if b.ret == nil {
		b.ret = b.newAct(b.family.Return)
	}
	b.add(b.ret, b.family.ReturnItem, item)
	return nil
}

func (b *Builder) newAct(archetype string) *Act {
	return &Act{
		ID:         uuid.New(),
		Archetype:  archetype,
		Status:     StatusInProgress,
		StartTime:  b.header.StartTime,
		CustomerID: b.header.CustomerID,
		LocationID: b.header.LocationID,
		MessageID:  b.header.MessageID,
		CreatedBy:  b.header.CreatedBy,
	}
}

func (b *Builder) add(act *Act, archetype string, item Item) {
	item.ID = uuid.New()
	item.Archetype = archetype
	// the act takes the first clinician seen
	if act.ClinicianID == nil && item.ClinicianID != nil {
		id := *item.ClinicianID
		act.ClinicianID = &id
	}
	act.Items = append(act.Items, item)
}

// Build returns the aggregate. The builder cannot be used afterwards.
func (b *Builder) Build() (*Aggregate, error) {
	if b.built {
		return nil, ErrBuilt
	}
	b.built = true
	notes := strings.Join(b.notes, "\n")
	agg := &Aggregate{}
	if b.order != nil {
		b.order.Notes = notes
		agg.order = b.order
	}
	if b.ret != nil {
		b.ret.Notes = notes
		agg.ret = b.ret
	}
	return agg, nil
}

// Aggregate is the set of acts synthesized from one message, saved as a
// unit. Accessors return copies.
type Aggregate struct {
	order *Act
	ret   *Act
}

func (a *Aggregate) Empty() bool {
	return a.order == nil && a.ret == nil
}

func (a *Aggregate) Order() (Act, bool) {
	return copyAct(a.order)
}

func (a *Aggregate) Return() (Act, bool) {
	return copyAct(a.ret)
}

// Acts returns the order then the return, whichever exist.
func (a *Aggregate) Acts() []Act {
	var acts []Act
	if act, ok := a.Order(); ok {
		acts = append(acts, act)
	}
	if act, ok := a.Return(); ok {
		acts = append(acts, act)
	}
	return acts
}

func copyAct(act *Act) (Act, bool) {
	if act == nil {
		return Act{}, false
	}
	cp := *act
	cp.Items = append([]Item(nil), act.Items...)
	return cp, true
}
