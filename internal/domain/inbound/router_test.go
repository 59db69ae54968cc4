package inbound

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/hl7hub/internal/domain/connector"
	"github.com/ehr/hl7hub/internal/platform/hl7v2"
)

func newTestRouter() (*Router, *mockMessages) {
	msgs := &mockMessages{}
	return NewRouter("127.0.0.1:0", msgs, zerolog.Nop()), msgs
}

func TestRouter_RoutesByExactIdentity(t *testing.T) {
	r, _ := newTestRouter()

	target := &countingApp{}
	if _, err := r.Register(testConnector(1, cubex), target, testUser); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	// One connector per identity field, each differing from the target in
	// only that field.
	variants := []func(id *connector.Identity){
		func(id *connector.Identity) { id.SendingApplication = "Other" },
		func(id *connector.Identity) { id.SendingFacility = "Other" },
		func(id *connector.Identity) { id.ReceivingApplication = "Other" },
		func(id *connector.Identity) { id.ReceivingFacility = "Other" },
		func(id *connector.Identity) { id.ReceivingFacility = "" },
	}
	others := make([]*countingApp, len(variants))
	for i, mutate := range variants {
		id := cubex
		mutate(&id)
		others[i] = &countingApp{}
		if _, err := r.Register(testConnector(int64(i+2), id), others[i], testUser); err != nil {
			t.Fatalf("Register variant %d failed: %v", i, err)
		}
	}

	resp, err := r.ProcessMessage(context.Background(), mustParse(rawMessage(cubex, "C1")), hl7v2.NewMetadata("", ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !hl7v2.IsAccepted(resp) {
		t.Errorf("expected AA, got %s", hl7v2.AckCode(resp))
	}
	if target.count() != 1 {
		t.Errorf("expected target connector to receive the message, got %d calls", target.count())
	}
	for i, app := range others {
		if app.count() != 0 {
			t.Errorf("variant %d received the message", i)
		}
	}
}

func TestRouter_DuplicateRegistration(t *testing.T) {
	r, _ := newTestRouter()
	if _, err := r.Register(testConnector(1, cubex), acceptApp(), testUser); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	_, err := r.Register(testConnector(2, cubex), acceptApp(), testUser)
	if !errors.Is(err, ErrConnectorRegistered) {
		t.Fatalf("expected ErrConnectorRegistered, got %v", err)
	}
	if got := len(r.Receivers()); got != 1 {
		t.Errorf("expected 1 receiver, got %d", got)
	}
}

func TestRouter_NoRoute(t *testing.T) {
	r, msgs := newTestRouter()
	if _, err := r.Register(testConnector(1, cubex), acceptApp(), testUser); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	other := cubex
	other.SendingApplication = "Unknown"
	msg := mustParse(rawMessage(other, "C1"))
	meta := hl7v2.NewMetadata("", "")

	_, err := r.ProcessMessage(context.Background(), msg, meta)
	if !errors.Is(err, ErrNoRoute) {
		t.Fatalf("expected ErrNoRoute, got %v", err)
	}
	if msgs.savedCount() != 0 {
		t.Errorf("expected no audit records, got %d", msgs.savedCount())
	}

	nak := hl7v2.GenerateNAK(msg, err)
	if hl7v2.AckCode(nak) != hl7v2.AckReject {
		t.Errorf("expected AR, got %s", hl7v2.AckCode(nak))
	}
	outgoing := string(hl7v2.SerializeMessage(nak))
	if out := r.ProcessException(context.Background(), msg.String(), meta, outgoing, err); out != outgoing {
		t.Errorf("expected outgoing to be returned unchanged")
	}
}

func TestRouter_MalformedHeader(t *testing.T) {
	r, msgs := newTestRouter()
	msg := mustParse("MSH|^~\\&|Cubex|Cubex|VPMS|Main Clinic|20240115||")

	_, err := r.ProcessMessage(context.Background(), msg, hl7v2.NewMetadata("", ""))
	if !errors.Is(err, ErrMalformedHeader) {
		t.Fatalf("expected ErrMalformedHeader, got %v", err)
	}
	if msgs.savedCount() != 0 {
		t.Errorf("expected no audit records, got %d", msgs.savedCount())
	}
}

func TestRouter_Deregister(t *testing.T) {
	r, _ := newTestRouter()
	c := testConnector(1, cubex)
	rec, err := r.Register(c, acceptApp(), testUser)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if r.IsEmpty() || !rec.Statistics().Active {
		t.Fatal("expected an active receiver")
	}

	r.Deregister(c)
	r.Deregister(c)
	if !r.IsEmpty() {
		t.Error("expected router to be empty")
	}
	if rec.Statistics().Active {
		t.Error("expected receiver to be inactive")
	}

	// the identity can be reused
	if _, err := r.Register(testConnector(2, cubex), acceptApp(), testUser); err != nil {
		t.Errorf("expected re-registration to succeed, got %v", err)
	}
}

func TestRouter_DeregisterIgnoresOtherConnector(t *testing.T) {
	r, _ := newTestRouter()
	if _, err := r.Register(testConnector(1, cubex), acceptApp(), testUser); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	r.Deregister(testConnector(2, cubex))
	if r.IsEmpty() {
		t.Error("expected the registered connector to remain")
	}
}

func TestRouter_ReplayIsAuditedTwice(t *testing.T) {
	r, msgs := newTestRouter()
	app := &countingApp{}
	if _, err := r.Register(testConnector(1, cubex), app, testUser); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := r.ProcessMessage(context.Background(), mustParse(rawMessage(cubex, "C1")), hl7v2.NewMetadata("", "")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if msgs.savedCount() != 2 || app.count() != 2 {
		t.Errorf("expected two audit records and two deliveries, got %d and %d", msgs.savedCount(), app.count())
	}
}

// =========== Loopback Tests ===========

func exchange(t *testing.T, conn net.Conn, raw string) string {
	t.Helper()
	if _, err := conn.Write(hl7v2.FrameMessage([]byte(raw))); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var buf []byte
	chunk := make([]byte, 4096)
	for {
		n, err := conn.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if msg, _, found := hl7v2.UnframeMessage(buf); found {
			return string(msg)
		}
		if err != nil {
			t.Fatalf("read failed: %v (got %q)", err, buf)
		}
	}
}

func TestRouter_Loopback(t *testing.T) {
	r, msgs := newTestRouter()
	if _, err := r.Register(testConnector(1, cubex), acceptApp(), testUser); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := r.Start(); err != nil {
		t.Fatalf("second Start should be a no-op, got %v", err)
	}
	t.Cleanup(func() { _ = r.Stop(context.Background()) })

	conn, err := net.DialTimeout("tcp", r.Addr(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	ack := exchange(t, conn, rawMessage(cubex, "C1"))
	if !strings.Contains(ack, "MSA|AA|C1") {
		t.Errorf("expected AA for C1, got %q", ack)
	}

	other := cubex
	other.ReceivingFacility = "Branch"
	nak := exchange(t, conn, rawMessage(other, "C2"))
	if !strings.Contains(nak, "MSA|AR|C2") {
		t.Errorf("expected AR for C2, got %q", nak)
	}
	if !strings.Contains(nak, "No appropriate destination") {
		t.Errorf("expected routing failure text, got %q", nak)
	}
	if msgs.savedCount() != 1 {
		t.Errorf("expected one audit record, got %d", msgs.savedCount())
	}
}

func TestRouter_StopRefusesConnections(t *testing.T) {
	r, _ := newTestRouter()
	if err := r.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	addr := r.Addr()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := r.Stop(ctx); err != nil {
		t.Errorf("second Stop should be a no-op, got %v", err)
	}

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err == nil {
		// Some platforms accept briefly; the server must not answer.
		_, _ = conn.Write(hl7v2.FrameMessage([]byte(rawMessage(cubex, "C1"))))
		_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		conn.Close()
		if bytes.Contains(buf[:n], []byte("MSA")) {
			t.Error("expected no response after Stop")
		}
	}
}
