package inbound

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/hl7hub/internal/domain/audit"
	"github.com/ehr/hl7hub/internal/domain/connector"
	"github.com/ehr/hl7hub/internal/platform/auth"
	"github.com/ehr/hl7hub/internal/platform/hl7v2"
)

func newTestReceiver(app Application) (*Receiver, *mockMessages) {
	msgs := &mockMessages{}
	return NewReceiver(testConnector(1, cubex), app, testUser, msgs, zerolog.Nop()), msgs
}

func TestReceiver_Accepted(t *testing.T) {
	r, msgs := newTestReceiver(acceptApp())
	meta := hl7v2.NewMetadata("remote", "local")

	resp, err := r.ProcessMessage(context.Background(), mustParse(rawMessage(cubex, "C1")), meta)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !hl7v2.IsAccepted(resp) {
		t.Fatalf("expected AA, got %s", hl7v2.AckCode(resp))
	}
	if msgs.savedCount() != 1 || msgs.accepted != 1 || len(msgs.errors) != 0 {
		t.Errorf("expected 1 saved and accepted record, got saved=%d accepted=%d errors=%v",
			msgs.savedCount(), msgs.accepted, msgs.errors)
	}
	record, ok := audit.FromMetadata(meta)
	if !ok || record.Status != audit.StatusAccepted {
		t.Errorf("expected accepted audit record in metadata, got %+v", record)
	}

	stats := r.Statistics()
	if stats.ProcessedAt == nil || stats.ErrorAt != nil || stats.ErrorMessage != "" {
		t.Errorf("unexpected statistics %+v", stats)
	}
}

func TestReceiver_ReformatsTimestamp(t *testing.T) {
	r, _ := newTestReceiver(acceptApp())

	resp, err := r.ProcessMessage(context.Background(), mustParse(rawMessage(cubex, "C1")), hl7v2.NewMetadata("", ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ts := resp.GetSegment("MSH").GetField(7)
	if len(ts) != 14 || strings.ContainsAny(ts, ".+-") {
		t.Errorf("expected second precision without zone, got %q", ts)
	}
}

func TestReceiver_KeepsPrecisionWhenConfigured(t *testing.T) {
	c := testConnector(1, cubex)
	c.Mapping = connector.Mapping{IncludeMillis: true, IncludeTimeZone: true}
	r := NewReceiver(c, acceptApp(), testUser, &mockMessages{}, zerolog.Nop())

	resp, err := r.ProcessMessage(context.Background(), mustParse(rawMessage(cubex, "C1")), hl7v2.NewMetadata("", ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ts := resp.GetSegment("MSH").GetField(7)
	if !strings.Contains(ts, ".") || len(ts) != 23 {
		t.Errorf("expected millisecond precision with zone, got %q", ts)
	}
}

func TestReceiver_RunsAsConnectorUser(t *testing.T) {
	var got auth.Principal
	app := appFunc(func(ctx context.Context, msg *hl7v2.Message, _ *hl7v2.Metadata) (*hl7v2.Message, error) {
		got, _ = auth.PrincipalFromContext(ctx)
		return hl7v2.GenerateACK(msg, hl7v2.AckAccept), nil
	})
	r, _ := newTestReceiver(app)

	if _, err := r.ProcessMessage(context.Background(), mustParse(rawMessage(cubex, "C1")), hl7v2.NewMetadata("", "")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != "42" || got.Username != "cubex" {
		t.Errorf("expected to run as user 42, got %+v", got)
	}
}

func TestReceiver_NegativeAcknowledgement(t *testing.T) {
	app := appFunc(func(_ context.Context, msg *hl7v2.Message, _ *hl7v2.Metadata) (*hl7v2.Message, error) {
		return hl7v2.GenerateNAK(msg, hl7v2.NewError(hl7v2.ErrUnknownKey, "Unknown product")), nil
	})
	r, msgs := newTestReceiver(app)

	resp, err := r.ProcessMessage(context.Background(), mustParse(rawMessage(cubex, "C1")), hl7v2.NewMetadata("", ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hl7v2.AckCode(resp) != hl7v2.AckError {
		t.Errorf("expected AE to be passed through, got %s", hl7v2.AckCode(resp))
	}
	if len(msgs.errors) != 1 || !strings.Contains(msgs.errors[0], "Unknown product") {
		t.Errorf("expected error text from the NAK, got %v", msgs.errors)
	}
	stats := r.Statistics()
	if stats.ErrorAt == nil || !strings.Contains(stats.ErrorMessage, "Unknown product") {
		t.Errorf("unexpected statistics %+v", stats)
	}
}

func TestReceiver_ApplicationError(t *testing.T) {
	r, msgs := newTestReceiver(failingApp(errBoom))
	meta := hl7v2.NewMetadata("", "")
	msg := mustParse(rawMessage(cubex, "C1"))

	_, err := r.ProcessMessage(context.Background(), msg, meta)
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected application error, got %v", err)
	}
	if len(msgs.errors) != 1 || msgs.errors[0] != "boom" {
		t.Errorf("expected audit error boom, got %v", msgs.errors)
	}

	// The server follows up with ProcessException; the record is already final.
	nak := string(hl7v2.SerializeMessage(hl7v2.GenerateNAK(msg, err)))
	out := r.ProcessException(context.Background(), msg.String(), meta, nak, err)
	if len(msgs.errors) != 1 {
		t.Errorf("expected no second audit update, got %v", msgs.errors)
	}
	resp := mustParse(out)
	if hl7v2.AckCode(resp) != hl7v2.AckError {
		t.Errorf("expected AE, got %s", hl7v2.AckCode(resp))
	}
	if ts := resp.GetSegment("MSH").GetField(7); len(ts) != 14 {
		t.Errorf("expected reformatted timestamp, got %q", ts)
	}
}

func TestReceiver_ApplicationPanic(t *testing.T) {
	app := appFunc(func(context.Context, *hl7v2.Message, *hl7v2.Metadata) (*hl7v2.Message, error) {
		panic("nil product")
	})
	r, msgs := newTestReceiver(app)

	_, err := r.ProcessMessage(context.Background(), mustParse(rawMessage(cubex, "C1")), hl7v2.NewMetadata("", ""))
	if err == nil || !strings.Contains(err.Error(), "nil product") {
		t.Fatalf("expected panic converted to error, got %v", err)
	}
	if len(msgs.errors) != 1 {
		t.Errorf("expected audit error, got %v", msgs.errors)
	}
}

func TestReceiver_OutcomeRecordedAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	app := appFunc(func(_ context.Context, msg *hl7v2.Message, _ *hl7v2.Metadata) (*hl7v2.Message, error) {
		cancel()
		return hl7v2.GenerateACK(msg, hl7v2.AckAccept), nil
	})
	r, msgs := newTestReceiver(app)

	if _, err := r.ProcessMessage(ctx, mustParse(rawMessage(cubex, "C1")), hl7v2.NewMetadata("", "")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs.doneCtx) != 1 || msgs.doneCtx[0].Err() != nil {
		t.Errorf("expected the outcome to be recorded with a live context")
	}
}

func TestReceiver_HeaderMismatch(t *testing.T) {
	r, msgs := newTestReceiver(acceptApp())
	other := cubex
	other.ReceivingFacility = "Branch"

	_, err := r.ProcessMessage(context.Background(), mustParse(rawMessage(other, "C1")), hl7v2.NewMetadata("", ""))
	var hl7Err *hl7v2.Error
	if !errors.As(err, &hl7Err) || !hl7Err.Reject {
		t.Fatalf("expected rejection, got %v", err)
	}
	if msgs.savedCount() != 0 {
		t.Errorf("expected no audit record, got %d", msgs.savedCount())
	}
}

func TestReceiver_SaveFailure(t *testing.T) {
	app := &countingApp{}
	r, msgs := newTestReceiver(app)
	msgs.saveErr = errors.New("db down")

	_, err := r.ProcessMessage(context.Background(), mustParse(rawMessage(cubex, "C1")), hl7v2.NewMetadata("", ""))
	if err == nil || !strings.Contains(err.Error(), "db down") {
		t.Fatalf("expected save error, got %v", err)
	}
	if app.count() != 0 {
		t.Error("expected the application not to be invoked")
	}
	if r.Statistics().ErrorAt == nil {
		t.Error("expected error statistics")
	}
}

func TestReceiver_ExceptionWithoutRecord(t *testing.T) {
	r, msgs := newTestReceiver(acceptApp())
	msg := mustParse(rawMessage(cubex, "C1"))
	nak := string(hl7v2.SerializeMessage(hl7v2.GenerateNAK(msg, errBoom)))

	out := r.ProcessException(context.Background(), msg.String(), hl7v2.NewMetadata("", ""), nak, errBoom)
	if !strings.Contains(out, "MSA|AE") {
		t.Errorf("expected the NAK to be returned, got %q", out)
	}
	if len(msgs.errors) != 0 {
		t.Errorf("expected no audit update, got %v", msgs.errors)
	}
	if stats := r.Statistics(); stats.ErrorMessage != "boom" {
		t.Errorf("expected error statistics, got %+v", stats)
	}
}
