package reconcile

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/hl7hub/internal/domain/audit"
	"github.com/ehr/hl7hub/internal/domain/order"
	"github.com/ehr/hl7hub/internal/platform/auth"
	"github.com/ehr/hl7hub/internal/platform/hl7v2"
)

// Application reconciles the messages received for one service and
// acknowledges them. Messages are processed as the principal in the
// context.
type Application struct {
	registry   *Registry
	orders     order.Repository
	locationID *int64
	now        func() time.Time
	logger     zerolog.Logger
}

func NewApplication(registry *Registry, orders order.Repository, locationID *int64, logger zerolog.Logger) *Application {
	return &Application{
		registry:   registry,
		orders:     orders,
		locationID: locationID,
		now:        time.Now,
		logger:     logger.With().Str("component", "reconcile").Logger(),
	}
}

// ProcessMessage reconciles msg and saves the resulting acts. It returns an
// AA acknowledgement on success; failures are returned as errors and nothing
// is saved.
func (a *Application) ProcessMessage(ctx context.Context, msg *hl7v2.Message, meta *hl7v2.Metadata) (*hl7v2.Message, error) {
	messageType := msg.TypeKey()
	p, ok := a.registry.Lookup(messageType)
	if !ok {
		return nil, hl7v2.NewError(hl7v2.ErrUnsupportedMessage, "Unsupported message type: %s", messageType)
	}

	env := Env{LocationID: a.locationID, Now: a.now()}
	if m, ok := audit.FromMetadata(meta); ok {
		id := m.ID
		env.MessageID = &id
	}
	if uid, err := strconv.ParseInt(auth.UserIDFromContext(ctx), 10, 64); err == nil {
		env.UserID = &uid
	}

	agg, err := p.Process(ctx, msg, env)
	if err != nil {
		return nil, err
	}
	if err := a.orders.Save(ctx, agg); err != nil {
		return nil, fmt.Errorf("save %s: %w", messageType, err)
	}

	ev := a.logger.Info().Str("type", messageType).Str("control_id", msg.ControlID)
	if act, ok := agg.Order(); ok {
		ev = ev.Str("order", act.ID.String()).Int("order_items", len(act.Items))
	}
	if act, ok := agg.Return(); ok {
		ev = ev.Str("return", act.ID.String()).Int("return_items", len(act.Items))
	}
	ev.Msg("message reconciled")

	return hl7v2.GenerateACK(msg, hl7v2.AckAccept), nil
}
