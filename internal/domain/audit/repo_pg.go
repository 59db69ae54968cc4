package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/hl7hub/internal/platform/db"
)

type messageRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &messageRepoPG{pool: pool}
}

func (r *messageRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const messageCols = `id, connector_id, connector_name, user_id, COALESCE(message_type, ''),
	COALESCE(control_id, ''), content, status, error, received_at, processed_at`

func (r *messageRepoPG) scan(row pgx.Row) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.ConnectorID, &m.ConnectorName, &m.UserID, &m.MessageType,
		&m.ControlID, &m.Content, &m.Status, &m.Error, &m.ReceivedAt, &m.ProcessedAt)
	return &m, err
}

func (r *messageRepoPG) Create(ctx context.Context, m *Message) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO hl7_message (id, connector_id, connector_name, user_id, message_type,
			control_id, content, status, error, received_at, processed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		m.ID, m.ConnectorID, m.ConnectorName, m.UserID, m.MessageType,
		m.ControlID, m.Content, m.Status, m.Error, m.ReceivedAt, m.ProcessedAt)
	if err != nil {
		return fmt.Errorf("insert hl7_message: %w", err)
	}
	return nil
}

func (r *messageRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Message, error) {
	m, err := r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+messageCols+` FROM hl7_message WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get hl7_message %s: %w", id, err)
	}
	return m, nil
}

func (r *messageRepoPG) UpdateStatus(ctx context.Context, m *Message) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE hl7_message SET status = $2, error = $3, processed_at = $4
		WHERE id = $1`,
		m.ID, m.Status, m.Error, m.ProcessedAt)
	if err != nil {
		return fmt.Errorf("update hl7_message %s: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *messageRepoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Message, int, error) {
	var where []string
	var args []interface{}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.ConnectorID != nil {
		args = append(args, *f.ConnectorID)
		where = append(where, fmt.Sprintf("connector_id = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM hl7_message`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count hl7_message: %w", err)
	}

	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM hl7_message%s ORDER BY received_at DESC LIMIT $%d OFFSET $%d`,
		messageCols, clause, len(args)-1, len(args))
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list hl7_message: %w", err)
	}
	defer rows.Close()
	var items []*Message
	for rows.Next() {
		m, err := r.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, m)
	}
	return items, total, rows.Err()
}
