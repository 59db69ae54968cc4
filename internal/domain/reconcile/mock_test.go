package reconcile

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/hl7hub/internal/domain/directory"
	"github.com/ehr/hl7hub/internal/domain/order"
	"github.com/ehr/hl7hub/internal/platform/hl7v2"
)

type mockDirectory struct {
	patients  map[int64]*directory.Patient
	customers map[int64]*directory.Customer
	users     map[int64]*directory.User
	products  map[int64]*directory.Product
}

func int64p(v int64) *int64 { return &v }

func newMockDirectory() *mockDirectory {
	return &mockDirectory{
		patients: map[int64]*directory.Patient{
			1001: {ID: 1001, Name: "Fido", OwnerID: int64p(10), Active: true},
			1002: {ID: 1002, Name: "Spot", OwnerID: int64p(10), Active: true},
		},
		customers: map[int64]*directory.Customer{10: {ID: 10, LastName: "Bar", Active: true}},
		users: map[int64]*directory.User{
			5: {ID: 5, Name: "Joe Blogs", Clinician: true, Active: true},
			6: {ID: 6, Name: "Jane Vet", Clinician: true, Active: true},
			7: {ID: 7, Name: "Front Desk", Active: true},
		},
		products: map[int64]*directory.Product{
			4001: {ID: 4001, Name: "Valium 2mg", SellingUnits: "TAB", Active: true},
			4002: {ID: 4002, Name: "Biochemistry panel", Active: true},
		},
	}
}

func (m *mockDirectory) Patient(_ context.Context, id int64) (*directory.Patient, error) {
	if p, ok := m.patients[id]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("patient %d: %w", id, directory.ErrNotFound)
}

func (m *mockDirectory) Owner(_ context.Context, p *directory.Patient) (*directory.Customer, error) {
	if p.OwnerID != nil {
		if c, ok := m.customers[*p.OwnerID]; ok {
			return c, nil
		}
	}
	return nil, directory.ErrNotFound
}

func (m *mockDirectory) Clinician(_ context.Context, id int64) (*directory.User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, directory.ErrNotFound
	}
	if !u.Clinician {
		return nil, directory.ErrNotClinician
	}
	return u, nil
}

func (m *mockDirectory) Product(_ context.Context, id int64) (*directory.Product, error) {
	if p, ok := m.products[id]; ok {
		return p, nil
	}
	return nil, directory.ErrNotFound
}

type mockSources struct {
	mu     sync.Mutex
	priors map[string]*order.Prior
	calls  int
}

func newMockSources(priors ...*order.Prior) *mockSources {
	s := &mockSources{priors: make(map[string]*order.Prior)}
	for _, p := range priors {
		s.priors[fmt.Sprintf("%s/%d", p.Archetype, p.ID)] = p
	}
	return s
}

func (m *mockSources) Get(_ context.Context, archetype string, id int64) (*order.Prior, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if p, ok := m.priors[fmt.Sprintf("%s/%d", archetype, id)]; ok {
		return p, nil
	}
	return nil, order.ErrNotFound
}

type mockOrders struct {
	mu    sync.Mutex
	saved []*order.Aggregate
	err   error
}

func (m *mockOrders) Save(_ context.Context, agg *order.Aggregate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, agg)
	return nil
}

func (m *mockOrders) ListByMessage(_ context.Context, _ uuid.UUID) ([]order.Act, error) {
	return nil, nil
}

const testSystem = "OpenVPMS"

func newReconciler(family order.Family, sources *mockSources) *Reconciler {
	return NewReconciler(family, newMockDirectory(), sources, testSystem, zerolog.Nop())
}

// rdsMessage builds a dispense for patient, referring to placer, of qty of
// product in units.
func rdsMessage(patient, placer, qty, product, units string) string {
	return strings.Join([]string{
		`MSH|^~\&|Cubex|Cubex|VPMS|Main Clinic|20140825085900+1000||RDS^O13^RDS_O13|1200022|P|2.5`,
		"PID|1||" + patient + "||Bar^Fido||20140701|M",
		"ORC|RE|" + placer + "||||||||||5^Blogs^Joe",
		"RXD|1|" + product + "^Valium 2mg|20140825085900|" + qty + "|" + units + "||90032145|||5^Blogs^Joe",
	}, "\r") + "\r"
}

// ormMessage builds a laboratory order with the given control code.
func ormMessage(control, patient, placer string) string {
	return strings.Join([]string{
		`MSH|^~\&|LAB1|CLINIC|VPMS|MAIN|20240102030405||ORM^O01^ORM_O01|MSG0001|P|2.5`,
		"PID|1||" + patient + "||Bar^Fido",
		"ORC|" + control + "|" + placer + "|F-1",
		"OBR|1|" + placer + "||4002^Biochemistry panel",
	}, "\r") + "\r"
}

func parse(t *testing.T, raw string) *hl7v2.Message {
	t.Helper()
	msg, err := hl7v2.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return msg
}
