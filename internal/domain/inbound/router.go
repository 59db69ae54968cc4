package inbound

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/hl7hub/internal/domain/connector"
	"github.com/ehr/hl7hub/internal/domain/directory"
	"github.com/ehr/hl7hub/internal/platform/hl7v2"
)

var (
	// ErrNoRoute is returned when no connector is registered for the
	// identity a message was addressed with.
	ErrNoRoute = errors.New("No appropriate destination could be found to which this message could be routed.")

	// ErrMalformedHeader is returned when a message has no usable MSH.
	ErrMalformedHeader = errors.New("malformed message header")

	// ErrConnectorRegistered is returned when registering a connector whose
	// identity is already registered with the router.
	ErrConnectorRegistered = errors.New("connector already registered")
)

const receiverKey = "inbound.receiver"

// Router owns the MLLP listener for one port and routes each message to the
// receiver registered for the identity in its header.
//
// Register and Deregister may be called while messages are being routed.
type Router struct {
	server   *hl7v2.MLLPServer
	messages MessageService
	logger   zerolog.Logger

	mu        sync.RWMutex
	receivers map[connector.Identity]*Receiver

	startMu sync.Mutex
	started bool
}

// NewRouter creates a router that will listen on addr once started.
func NewRouter(addr string, messages MessageService, logger zerolog.Logger) *Router {
	r := &Router{
		messages:  messages,
		logger:    logger.With().Str("component", "router").Str("addr", addr).Logger(),
		receivers: make(map[connector.Identity]*Receiver),
	}
	r.server = hl7v2.NewMLLPServer(addr, r, logger)
	return r
}

// SetReadTimeout sets the idle timeout of the listener's connections. It must
// be called before Start.
func (r *Router) SetReadTimeout(d time.Duration) {
	r.server.ReadTimeout = d
}

// Register adds a receiver for c. Messages addressed with c's identity are
// processed by app as user.
func (r *Router) Register(c *connector.Connector, app Application, user *directory.User) (*Receiver, error) {
	if c == nil || app == nil || user == nil {
		return nil, fmt.Errorf("register: connector, application and user are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.receivers[c.Identity]; ok {
		return nil, fmt.Errorf("%w: %s conflicts with %s", ErrConnectorRegistered, c, existing.connector.Name)
	}
	rec := NewReceiver(c, app, user, r.messages, r.logger)
	rec.setActive(true)
	r.receivers[c.Identity] = rec
	r.logger.Info().Str("connector", c.Name).Str("identity", c.Identity.String()).Msg("connector registered")
	return rec, nil
}

// Deregister removes the receiver for c, if any.
func (r *Router) Deregister(c *connector.Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.receivers[c.Identity]
	if !ok || rec.connector.ID != c.ID {
		return
	}
	delete(r.receivers, c.Identity)
	rec.setActive(false)
	r.logger.Info().Str("connector", c.Name).Msg("connector deregistered")
}

func (r *Router) IsEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.receivers) == 0
}

// Receivers returns the registered receivers ordered by connector name.
func (r *Router) Receivers() []*Receiver {
	r.mu.RLock()
	out := make([]*Receiver, 0, len(r.receivers))
	for _, rec := range r.receivers {
		out = append(out, rec)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].connector.Name < out[j].connector.Name })
	return out
}

// Start starts the listener. Calling Start on a running router does nothing.
// A stopped router cannot be restarted.
func (r *Router) Start() error {
	r.startMu.Lock()
	defer r.startMu.Unlock()
	if r.started {
		return nil
	}
	if err := r.server.Start(); err != nil {
		return err
	}
	r.started = true
	return nil
}

// Stop closes the listener and waits for exchanges in progress until ctx ends.
func (r *Router) Stop(ctx context.Context) error {
	r.startMu.Lock()
	defer r.startMu.Unlock()
	if !r.started {
		return nil
	}
	r.started = false
	return r.server.Shutdown(ctx)
}

// Addr returns the address the router listens on.
func (r *Router) Addr() string {
	return r.server.Addr()
}

func (r *Router) ProcessMessage(ctx context.Context, msg *hl7v2.Message, meta *hl7v2.Metadata) (*hl7v2.Message, error) {
	h, err := msg.Header()
	if err != nil {
		r.logger.Warn().Err(err).Str("remote", meta.RemoteAddr).Msg("message has no usable header")
		return nil, &hl7v2.Error{Code: hl7v2.ErrApplicationInternal, Reject: true, Err: fmt.Errorf("%w: %v", ErrMalformedHeader, err)}
	}

	id := connector.IdentityOf(h)
	r.mu.RLock()
	rec := r.receivers[id]
	r.mu.RUnlock()

	if rec == nil {
		r.logger.Warn().
			Str("message_type", msg.TypeKey()).
			Str("control_id", msg.ControlID).
			Str("sending_application", id.SendingApplication).
			Str("sending_facility", id.SendingFacility).
			Str("receiving_application", id.ReceivingApplication).
			Str("receiving_facility", id.ReceivingFacility).
			Msg("no connector for message")
		return nil, &hl7v2.Error{Code: hl7v2.ErrApplicationInternal, Reject: true, Err: ErrNoRoute}
	}

	meta.Set(receiverKey, rec)
	return rec.ProcessMessage(ctx, msg, meta)
}

func (r *Router) ProcessException(ctx context.Context, incoming string, meta *hl7v2.Metadata, outgoing string, err error) string {
	if v, ok := meta.Get(receiverKey); ok {
		if rec, ok := v.(*Receiver); ok {
			return rec.ProcessException(ctx, incoming, meta, outgoing, err)
		}
	}
	r.logger.Error().Err(err).Msg("failed to route message")
	return outgoing
}
