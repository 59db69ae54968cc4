package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/hl7hub/internal/domain/connector"
	"github.com/ehr/hl7hub/internal/domain/directory"
	"github.com/ehr/hl7hub/internal/platform/hl7v2"
)

// Service records the receipt and outcome of inbound messages.
type Service struct {
	repo Repository
	now  func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// Save records msg as RECEIVED by c, processed as user.
func (s *Service) Save(ctx context.Context, msg *hl7v2.Message, c *connector.Connector, user *directory.User) (*Message, error) {
	if msg == nil || c == nil {
		return nil, fmt.Errorf("audit: message and connector are required")
	}
	m := &Message{
		ID:            uuid.New(),
		ConnectorID:   c.ID,
		ConnectorName: c.Name,
		MessageType:   msg.TypeKey(),
		ControlID:     msg.ControlID,
		Content:       msg.Raw(),
		Status:        StatusReceived,
		ReceivedAt:    s.now(),
	}
	if user != nil {
		m.UserID = &user.ID
	}
	if err := s.repo.Create(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Accepted marks m as successfully processed at the given time.
func (s *Service) Accepted(ctx context.Context, m *Message, at time.Time) error {
	m.Status = StatusAccepted
	m.ProcessedAt = &at
	m.Error = nil
	return s.repo.UpdateStatus(ctx, m)
}

// Error marks m as failed. status must not be RECEIVED.
func (s *Service) Error(ctx context.Context, m *Message, status Status, at time.Time, text string) error {
	if !status.Valid() || status == StatusReceived {
		return fmt.Errorf("audit: invalid outcome status %q", status)
	}
	m.Status = status
	m.ProcessedAt = &at
	m.Error = &text
	return s.repo.UpdateStatus(ctx, m)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Message, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*Message, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, fmt.Errorf("invalid status: %s", f.Status)
	}
	return s.repo.List(ctx, f, limit, offset)
}
