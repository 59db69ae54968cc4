package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/hl7hub/internal/platform/db"
)

// =========== Prior Order Sources ===========

type sourcesPG struct{ pool *pgxpool.Pool }

func NewSourcesPG(pool *pgxpool.Pool) Sources {
	return &sourcesPG{pool: pool}
}

func (r *sourcesPG) Get(ctx context.Context, archetype string, id int64) (*Prior, error) {
	var p Prior
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT id, archetype, patient_id, product_id, clinician_id, created_at
		FROM prior_order WHERE archetype = $1 AND id = $2`, archetype, id).
		Scan(&p.ID, &p.Archetype, &p.PatientID, &p.ProductID, &p.ClinicianID, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s %d: %w", archetype, id, err)
	}
	return &p, nil
}

// =========== Act Repository ===========

type actRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &actRepoPG{pool: pool}
}

func (r *actRepoPG) Save(ctx context.Context, agg *Aggregate) error {
	if agg == nil || agg.Empty() {
		return nil
	}
	return db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		tx := db.TxFromContext(ctx)
		for _, act := range agg.Acts() {
			if err := insertAct(ctx, tx, act); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertAct(ctx context.Context, q db.Queryable, act Act) error {
	_, err := q.Exec(ctx, `
		INSERT INTO order_act (id, archetype, status, start_time, customer_id, location_id,
			clinician_id, notes, message_id, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		act.ID, act.Archetype, act.Status, act.StartTime, act.CustomerID, act.LocationID,
		act.ClinicianID, act.Notes, act.MessageID, act.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert %s: %w", act.Archetype, err)
	}
	for i, item := range act.Items {
		_, err := q.Exec(ctx, `
			INSERT INTO order_act_item (id, parent_id, archetype, patient_id, product_id,
				clinician_id, quantity, reference, source_archetype, source_id, sequence)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NULLIF($9, ''),$10,$11)`,
			item.ID, act.ID, item.Archetype, item.PatientID, item.ProductID,
			item.ClinicianID, item.Quantity, item.Reference, item.SourceArchetype, item.SourceID, i)
		if err != nil {
			return fmt.Errorf("insert %s: %w", item.Archetype, err)
		}
	}
	return nil
}

const actCols = `id, archetype, status, start_time, customer_id, location_id, clinician_id,
	COALESCE(notes, ''), message_id, created_by`

func (r *actRepoPG) ListByMessage(ctx context.Context, messageID uuid.UUID) ([]Act, error) {
	q := db.Conn(ctx, r.pool)
	rows, err := q.Query(ctx, `SELECT `+actCols+` FROM order_act WHERE message_id = $1 ORDER BY created_at, archetype`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list acts for message %s: %w", messageID, err)
	}
	var acts []Act
	for rows.Next() {
		var a Act
		if err := rows.Scan(&a.ID, &a.Archetype, &a.Status, &a.StartTime, &a.CustomerID,
			&a.LocationID, &a.ClinicianID, &a.Notes, &a.MessageID, &a.CreatedBy); err != nil {
			rows.Close()
			return nil, err
		}
		acts = append(acts, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range acts {
		items, err := r.listItems(ctx, q, acts[i].ID)
		if err != nil {
			return nil, err
		}
		acts[i].Items = items
	}
	return acts, nil
}

func (r *actRepoPG) listItems(ctx context.Context, q db.Queryable, parentID uuid.UUID) ([]Item, error) {
	rows, err := q.Query(ctx, `
		SELECT id, archetype, patient_id, product_id, clinician_id, quantity,
			COALESCE(reference, ''), COALESCE(source_archetype, ''), source_id
		FROM order_act_item WHERE parent_id = $1 ORDER BY sequence`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list items of %s: %w", parentID, err)
	}
	defer rows.Close()
	var items []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.Archetype, &it.PatientID, &it.ProductID, &it.ClinicianID,
			&it.Quantity, &it.Reference, &it.SourceArchetype, &it.SourceID); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}
