package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"mao/internal/model"
)

// Events is the append-only event log. No update, no delete: the table only
// ever grows, and a transition's legality is never checked here.
type Events struct {
	pool *pgxpool.Pool
}

func NewEvents(pool *pgxpool.Pool) *Events {
	return &Events{pool: pool}
}

// Append writes one event record and returns its id.
func (r *Events) Append(ctx context.Context, ev model.OrderEvent) (string, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	const stmt = `
INSERT INTO order_events (id, order_id, actor_id, event_type, payload, occurred_at)
VALUES ($1,$2,$3,$4,$5,$6)`
	var err error
	if tx := txFromContext(ctx); tx != nil {
		_, err = tx.Exec(ctx, stmt, ev.ID, ev.OrderID, ev.ActorID, ev.Type, ev.Payload, ev.OccurredAt)
	} else {
		_, err = r.pool.Exec(ctx, stmt, ev.ID, ev.OrderID, ev.ActorID, ev.Type, ev.Payload, ev.OccurredAt)
	}
	if err != nil {
		return "", &model.PersistenceError{Op: "append event", Err: err}
	}
	return ev.ID, nil
}

// ListByOrder returns an order's events in creation order.
func (r *Events) ListByOrder(ctx context.Context, orderID string) ([]model.OrderEvent, error) {
	const query = `
SELECT id, order_id, actor_id, event_type, payload, occurred_at
FROM order_events WHERE order_id = $1 ORDER BY occurred_at, id`
	rows, err := r.pool.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var out []model.OrderEvent
	for rows.Next() {
		var ev model.OrderEvent
		if err := rows.Scan(&ev.ID, &ev.OrderID, &ev.ActorID, &ev.Type, &ev.Payload, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return out, nil
}
