package inbound

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/hl7hub/internal/domain/audit"
	"github.com/ehr/hl7hub/internal/domain/connector"
	"github.com/ehr/hl7hub/internal/domain/directory"
	"github.com/ehr/hl7hub/internal/platform/hl7v2"
)

// =========== Mock MessageService ===========

type mockMessages struct {
	mu       sync.Mutex
	saved    []*audit.Message
	accepted int
	errors   []string
	saveErr  error
	doneCtx  []context.Context
}

func (m *mockMessages) Save(_ context.Context, msg *hl7v2.Message, c *connector.Connector, user *directory.User) (*audit.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return nil, m.saveErr
	}
	rec := &audit.Message{
		ID:            uuid.New(),
		ConnectorID:   c.ID,
		ConnectorName: c.Name,
		UserID:        &user.ID,
		MessageType:   msg.TypeKey(),
		ControlID:     msg.ControlID,
		Status:        audit.StatusReceived,
		ReceivedAt:    time.Now(),
	}
	m.saved = append(m.saved, rec)
	return rec, nil
}

func (m *mockMessages) Accepted(ctx context.Context, rec *audit.Message, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Status = audit.StatusAccepted
	rec.ProcessedAt = &at
	m.accepted++
	m.doneCtx = append(m.doneCtx, ctx)
	return nil
}

func (m *mockMessages) Error(ctx context.Context, rec *audit.Message, status audit.Status, at time.Time, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Status = status
	rec.ProcessedAt = &at
	rec.Error = &text
	m.errors = append(m.errors, text)
	m.doneCtx = append(m.doneCtx, ctx)
	return nil
}

func (m *mockMessages) savedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saved)
}

// =========== Applications ===========

type appFunc func(ctx context.Context, msg *hl7v2.Message, meta *hl7v2.Metadata) (*hl7v2.Message, error)

func (f appFunc) ProcessMessage(ctx context.Context, msg *hl7v2.Message, meta *hl7v2.Metadata) (*hl7v2.Message, error) {
	return f(ctx, msg, meta)
}

// countingApp acknowledges every message and counts them.
type countingApp struct {
	mu    sync.Mutex
	calls int
}

func (a *countingApp) ProcessMessage(_ context.Context, msg *hl7v2.Message, _ *hl7v2.Metadata) (*hl7v2.Message, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	return hl7v2.GenerateACK(msg, hl7v2.AckAccept), nil
}

func (a *countingApp) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func acceptApp() Application {
	return &countingApp{}
}

func failingApp(err error) Application {
	return appFunc(func(context.Context, *hl7v2.Message, *hl7v2.Metadata) (*hl7v2.Message, error) {
		return nil, err
	})
}

var errBoom = errors.New("boom")

// =========== Fixtures ===========

var cubex = connector.Identity{
	SendingApplication:   "Cubex",
	SendingFacility:      "Cubex",
	ReceivingApplication: "VPMS",
	ReceivingFacility:    "Main Clinic",
}

var testUser = &directory.User{ID: 42, Username: "cubex", Name: "Cubex Interface", Active: true}

func testConnector(id int64, identity connector.Identity) *connector.Connector {
	return &connector.Connector{
		ID:       id,
		Name:     "Cubex " + identity.ReceivingFacility,
		Port:     10001,
		Identity: identity,
		Active:   true,
	}
}

func rawMessage(id connector.Identity, control string) string {
	return "MSH|^~\\&|" + id.SendingApplication + "|" + id.SendingFacility + "|" +
		id.ReceivingApplication + "|" + id.ReceivingFacility +
		"|20240115120000.123+1000||RDS^O13^RDS_O13|" + control + "|P|2.5\r" +
		"PID|1||1001||Fido\r" +
		"ORC|RE|3001\r" +
		"RXD|1|4001^Valium 2mg^VPMS||2"
}

func mustParse(raw string) *hl7v2.Message {
	msg, err := hl7v2.Parse([]byte(raw))
	if err != nil {
		panic(err)
	}
	return msg
}
