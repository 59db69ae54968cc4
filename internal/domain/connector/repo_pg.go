package connector

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/hl7hub/internal/platform/db"
)

type connectorRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &connectorRepoPG{pool: pool}
}

func (r *connectorRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const connectorCols = `id, name, port, sending_application, sending_facility,
	receiving_application, receiving_facility, include_millis, include_timezone,
	populate_pid3, populate_pid2, sex_mapping, species_mapping, active, updated_at`

func (r *connectorRepoPG) scan(row pgx.Row) (*Connector, error) {
	var c Connector
	err := row.Scan(&c.ID, &c.Name, &c.Port,
		&c.Identity.SendingApplication, &c.Identity.SendingFacility,
		&c.Identity.ReceivingApplication, &c.Identity.ReceivingFacility,
		&c.Mapping.IncludeMillis, &c.Mapping.IncludeTimeZone,
		&c.Mapping.PopulatePID3, &c.Mapping.PopulatePID2,
		&c.Mapping.SexMapping, &c.Mapping.SpeciesMapping,
		&c.Active, &c.UpdatedAt)
	return &c, err
}

func (r *connectorRepoPG) GetByID(ctx context.Context, id int64) (*Connector, error) {
	c, err := r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+connectorCols+` FROM hl7_connector WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get connector %d: %w", id, err)
	}
	return c, nil
}

func (r *connectorRepoPG) List(ctx context.Context) ([]*Connector, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+connectorCols+` FROM hl7_connector ORDER BY port, name`)
	if err != nil {
		return nil, fmt.Errorf("list connectors: %w", err)
	}
	defer rows.Close()
	var items []*Connector
	for rows.Next() {
		c, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}
