package inbound

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/hl7hub/internal/domain/audit"
	"github.com/ehr/hl7hub/internal/domain/connector"
	"github.com/ehr/hl7hub/internal/domain/directory"
	"github.com/ehr/hl7hub/internal/platform/auth"
	"github.com/ehr/hl7hub/internal/platform/hl7v2"
)

// Application handles messages once they have been routed to a connector and
// audited. It returns the acknowledgement to send back.
type Application interface {
	ProcessMessage(ctx context.Context, msg *hl7v2.Message, meta *hl7v2.Metadata) (*hl7v2.Message, error)
}

// MessageService records inbound messages and their outcome.
type MessageService interface {
	Save(ctx context.Context, msg *hl7v2.Message, c *connector.Connector, user *directory.User) (*audit.Message, error)
	Accepted(ctx context.Context, m *audit.Message, at time.Time) error
	Error(ctx context.Context, m *audit.Message, status audit.Status, at time.Time, text string) error
}

// Statistics is a snapshot of a receiver's activity.
type Statistics struct {
	ConnectorID  int64              `json:"connector_id"`
	Connector    string             `json:"connector"`
	Port         int                `json:"port"`
	Identity     connector.Identity `json:"identity"`
	ProcessedAt  *time.Time         `json:"processed_at,omitempty"`
	ErrorAt      *time.Time         `json:"error_at,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
	Active       bool               `json:"active"`
}

// Receiver handles the messages addressed to a single connector. Every
// message is audited and processed as the connector's user.
type Receiver struct {
	connector *connector.Connector
	app       Application
	user      *directory.User
	messages  MessageService
	logger    zerolog.Logger
	now       func() time.Time

	mu           sync.RWMutex
	processedAt  *time.Time
	errorAt      *time.Time
	errorMessage string
	active       bool
}

func NewReceiver(c *connector.Connector, app Application, user *directory.User, messages MessageService, logger zerolog.Logger) *Receiver {
	return &Receiver{
		connector: c,
		app:       app,
		user:      user,
		messages:  messages,
		logger: logger.With().
			Int64("connector_id", c.ID).
			Str("connector", c.Name).
			Logger(),
		now: time.Now,
	}
}

func (r *Receiver) Connector() *connector.Connector {
	return r.connector
}

// ProcessMessage audits msg, hands it to the application and records the
// outcome. The acknowledgement is returned with MSH-7 at the connector's
// timestamp precision.
func (r *Receiver) ProcessMessage(ctx context.Context, msg *hl7v2.Message, meta *hl7v2.Metadata) (*hl7v2.Message, error) {
	h, err := msg.Header()
	if err != nil {
		return nil, &hl7v2.Error{Code: hl7v2.ErrApplicationInternal, Reject: true, Err: fmt.Errorf("%w: %v", ErrMalformedHeader, err)}
	}
	if !r.connector.Accepts(h) {
		return nil, hl7v2.NewRejection(hl7v2.ErrApplicationInternal,
			"Message header (%s) does not match connector %s (%s)", connector.IdentityOf(h), r.connector.Name, r.connector.Identity)
	}

	ctx = auth.WithPrincipal(ctx, principal(r.user))

	record, err := r.messages.Save(ctx, msg, r.connector, r.user)
	if err != nil {
		r.failed(r.now(), err.Error())
		return nil, fmt.Errorf("save message %s: %w", msg.ControlID, err)
	}
	audit.Attach(meta, record)

	resp, err := r.invoke(ctx, msg, meta)

	// The outcome is recorded even if the exchange was cancelled.
	done := context.WithoutCancel(ctx)
	at := r.now()
	switch {
	case err != nil:
		r.recordError(done, record, at, err.Error())
		return nil, err
	case resp == nil:
		err = fmt.Errorf("no acknowledgement for message %s", msg.ControlID)
		r.recordError(done, record, at, err.Error())
		return nil, err
	case hl7v2.IsAccepted(resp):
		if err := r.messages.Accepted(done, record, at); err != nil {
			r.logger.Error().Err(err).Str("message_id", record.ID.String()).Msg("failed to mark message accepted")
		}
		r.succeeded(at)
	default:
		r.recordError(done, record, at, hl7v2.ErrorMessage(resp))
	}

	resp.ReformatTimestamp(r.connector.Mapping.IncludeMillis, r.connector.Mapping.IncludeTimeZone)
	return resp, nil
}

// ProcessException records a failure the application reported by error and
// returns outgoing at the connector's timestamp precision.
func (r *Receiver) ProcessException(ctx context.Context, incoming string, meta *hl7v2.Metadata, outgoing string, err error) string {
	text := "Unknown error"
	if err != nil {
		text = err.Error()
	}
	if record, ok := audit.FromMetadata(meta); ok {
		if !record.Finalized() {
			r.recordError(context.WithoutCancel(ctx), record, r.now(), text)
		}
	} else {
		r.logger.Error().Err(err).Msg("failed to process message")
		r.failed(r.now(), text)
	}
	return r.reformat(outgoing)
}

// Statistics returns a snapshot of the receiver's activity.
func (r *Receiver) Statistics() Statistics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Statistics{
		ConnectorID:  r.connector.ID,
		Connector:    r.connector.Name,
		Port:         r.connector.Port,
		Identity:     r.connector.Identity,
		ProcessedAt:  r.processedAt,
		ErrorAt:      r.errorAt,
		ErrorMessage: r.errorMessage,
		Active:       r.active,
	}
}

func (r *Receiver) invoke(ctx context.Context, msg *hl7v2.Message, meta *hl7v2.Metadata) (resp *hl7v2.Message, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Str("control_id", msg.ControlID).Msg("application panicked")
			resp, err = nil, fmt.Errorf("failed to process message %s: %v", msg.ControlID, p)
		}
	}()
	return r.app.ProcessMessage(ctx, msg, meta)
}

func (r *Receiver) recordError(ctx context.Context, record *audit.Message, at time.Time, text string) {
	if err := r.messages.Error(ctx, record, audit.StatusError, at, text); err != nil {
		r.logger.Error().Err(err).Str("message_id", record.ID.String()).Msg("failed to mark message in error")
	}
	r.failed(at, text)
}

func (r *Receiver) succeeded(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processedAt = &at
	r.errorAt = nil
	r.errorMessage = ""
}

func (r *Receiver) failed(at time.Time, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errorAt = &at
	r.errorMessage = text
}

func (r *Receiver) setActive(active bool) {
	r.mu.Lock()
	r.active = active
	r.mu.Unlock()
}

func (r *Receiver) reformat(outgoing string) string {
	msg, err := hl7v2.Parse([]byte(outgoing))
	if err != nil {
		return outgoing
	}
	msg.ReformatTimestamp(r.connector.Mapping.IncludeMillis, r.connector.Mapping.IncludeTimeZone)
	return string(hl7v2.SerializeMessage(msg))
}

func principal(u *directory.User) auth.Principal {
	return auth.Principal{
		ID:       strconv.FormatInt(u.ID, 10),
		Username: u.Username,
	}
}
