package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/iliyamo/trip-booking/internal/model"
)

// OutboxRepo stores domain events next to the state changes that produced
// them.  Append is meant to run inside the caller's transaction.
type OutboxRepo struct {
	*Store
}

// NewOutboxRepo returns a new OutboxRepo bound to the given database.
func NewOutboxRepo(db *sql.DB) *OutboxRepo { return &OutboxRepo{Store: NewStore(db)} }

// Append writes one event.
func (r *OutboxRepo) Append(ctx context.Context, e model.OutboxEvent) error {
	const q = `INSERT INTO outbox_events (id, aggregate_id, event_type, payload, created_at) VALUES (?, ?, ?, ?, ?)`
	_, err := r.conn(ctx).ExecContext(ctx, q, e.ID, e.AggregateID, e.EventType, e.Payload, mysqlTime(e.CreatedAt))
	return classify(err)
}

// ListUnpublished returns up to limit unpublished events in creation order.
func (r *OutboxRepo) ListUnpublished(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	const q = `SELECT id, aggregate_id, event_type, payload, created_at FROM outbox_events
               WHERE published_at IS NULL ORDER BY created_at, id LIMIT ?`
	rows, err := r.conn(ctx).QueryContext(ctx, q, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []model.OutboxEvent
	for rows.Next() {
		var e model.OutboxEvent
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.EventType, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkPublished stamps the event as delivered to the broker.
func (r *OutboxRepo) MarkPublished(ctx context.Context, id string, at time.Time) error {
	_, err := r.conn(ctx).ExecContext(ctx, `UPDATE outbox_events SET published_at = ? WHERE id = ?`, mysqlTime(at), id)
	return classify(err)
}
