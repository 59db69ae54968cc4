package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/ehr/hl7hub/internal/domain/directory"
	"github.com/ehr/hl7hub/internal/domain/order"
	"github.com/ehr/hl7hub/internal/platform/hl7v2"
)

// Directory resolves identifiers in messages to local records.
// *directory.Directory implements it.
type Directory interface {
	Patient(ctx context.Context, id int64) (*directory.Patient, error)
	Owner(ctx context.Context, p *directory.Patient) (*directory.Customer, error)
	Clinician(ctx context.Context, id int64) (*directory.User, error)
	Product(ctx context.Context, id int64) (*directory.Product, error)
}

// Reconciler holds what the message processors share: the archetype family
// of the service and the lookups used to correlate a message with local
// records.
type Reconciler struct {
	family  order.Family
	dir     Directory
	sources order.Sources
	// system is the name of this system used in notes.
	system string
	logger zerolog.Logger
}

func NewReconciler(family order.Family, dir Directory, sources order.Sources, system string, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		family:  family,
		dir:     dir,
		sources: sources,
		system:  system,
		logger:  logger.With().Str("component", "reconcile").Str("family", family.Kind).Logger(),
	}
}

// begin resolves the patient and customer of msg and returns the state
// items are added to.
func (r *Reconciler) begin(ctx context.Context, msg *hl7v2.Message, env Env) (*state, error) {
	s := &state{}
	var note string

	idText := msg.PatientID()
	if id, ok := directory.ParseID(idText); ok {
		p, err := r.dir.Patient(ctx, id)
		switch {
		case err == nil:
			s.patient = p
		case !errors.Is(err, directory.ErrNotFound):
			return nil, fmt.Errorf("resolve patient %d: %w", id, err)
		}
	}
	if s.patient != nil {
		c, err := r.dir.Owner(ctx, s.patient)
		switch {
		case err == nil:
			s.customer = c
		case !errors.Is(err, directory.ErrNotFound):
			return nil, fmt.Errorf("resolve owner of patient %d: %w", s.patient.ID, err)
		}
	} else {
		family, given := msg.PatientName()
		note = unknownPatientNote(idText, given, family)
	}

	header := order.Header{
		LocationID: env.LocationID,
		MessageID:  env.MessageID,
		CreatedBy:  env.UserID,
		StartTime:  env.Now,
	}
	if s.customer != nil {
		id := s.customer.ID
		header.CustomerID = &id
	}
	s.builder = order.NewBuilder(r.family, header)
	if note != "" {
		s.builder.AddNote(note)
	}
	return s, s.transition(phasePatientResolved)
}

// correlate finds the prior order p refers to. Anything that prevents
// correlation is recorded as a note and nil is returned.
func (r *Reconciler) correlate(ctx context.Context, s *state, p PlacerOrderNumber) (*order.Prior, error) {
	if p.Empty() {
		s.builder.AddNote(noPlacerNote(r.system))
		return nil, nil
	}
	id, ok := directory.ParseID(p.ID)
	if !ok {
		s.builder.AddNote(placedOutsideNote(p, r.system))
		return nil, nil
	}
	prior, err := r.sources.Get(ctx, r.family.Prior, id)
	if errors.Is(err, order.ErrNotFound) {
		s.builder.AddNote(noCorrespondingNote(p, r.family.PriorName))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("look up %s %d: %w", r.family.PriorName, id, err)
	}

	if s.patient != nil && prior.PatientID != nil && *prior.PatientID != s.patient.ID {
		was, err := r.dir.Patient(ctx, *prior.PatientID)
		if err != nil {
			was = &directory.Patient{ID: *prior.PatientID}
		}
		s.builder.AddNote(patientChangedNote(r.family.PriorName, was, s.patient))
		r.logger.Warn().Int64("prior", prior.ID).Int64("was", was.ID).Int64("now", s.patient.ID).
			Msg("patient differs from original order")
	}
	return prior, nil
}

// coded is a coded element received in a message.
type coded struct {
	ID   string
	Text string
}

func codedAt(seg *hl7v2.Segment, field int) coded {
	if seg == nil {
		return coded{}
	}
	return coded{ID: seg.GetComponent(field, 1), Text: seg.GetComponent(field, 2)}
}

// line describes one item of a message before it is resolved.
type line struct {
	Return       bool
	Quantity     float64
	Product      coded
	ProductLabel string
	// Units are the dispensed units, checked against the product's selling
	// units when present.
	Units     coded
	Clinician string
	Reference string
	Prior     *order.Prior
}

func (r *Reconciler) addItem(ctx context.Context, s *state, l line) error {
	item := order.Item{
		PatientID: s.patientID(),
		Quantity:  math.Abs(l.Quantity),
		Reference: l.Reference,
	}

	switch {
	case l.Product.ID != "":
		product, err := r.product(ctx, l.Product.ID)
		if err != nil {
			return err
		}
		if product == nil {
			s.builder.AddNote(unknownNote(l.ProductLabel, l.Product.ID, l.Product.Text))
			break
		}
		id := product.ID
		item.ProductID = &id
		if l.Units.ID != "" && !product.SellsIn(l.Units.ID) {
			s.builder.AddNote(unitsNote(l.Units.ID, l.Units.Text, product.SellingUnits))
		}
	case l.Prior != nil:
		item.ProductID = l.Prior.ProductID
	}

	if id, ok := directory.ParseID(l.Clinician); ok {
		c, err := r.dir.Clinician(ctx, id)
		switch {
		case err == nil:
			cid := c.ID
			item.ClinicianID = &cid
		case !errors.Is(err, directory.ErrNotFound) && !errors.Is(err, directory.ErrNotClinician):
			return fmt.Errorf("resolve clinician %d: %w", id, err)
		}
	}
	if l.Prior != nil {
		if item.ClinicianID == nil {
			item.ClinicianID = l.Prior.ClinicianID
		}
		sid := l.Prior.ID
		item.SourceArchetype = l.Prior.Archetype
		item.SourceID = &sid
	}

	var err error
	if l.Return {
		err = s.builder.AddReturnItem(item)
	} else {
		err = s.builder.AddOrderItem(item)
	}
	if err != nil {
		return err
	}
	return s.transition(phaseItemAdded)
}

// product returns nil if id does not identify a product.
func (r *Reconciler) product(ctx context.Context, text string) (*directory.Product, error) {
	id, ok := directory.ParseID(text)
	if !ok {
		return nil, nil
	}
	p, err := r.dir.Product(ctx, id)
	if errors.Is(err, directory.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve product %d: %w", id, err)
	}
	return p, nil
}

func (r *Reconciler) finish(s *state) (*order.Aggregate, error) {
	if err := s.transition(phaseDone); err != nil {
		return nil, err
	}
	return s.builder.Build()
}
