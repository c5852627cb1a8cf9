package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"mao/internal/model"
)

// Orders is the repository for order rows, line items and the type-specific
// extension tables.
type Orders struct {
	pool *pgxpool.Pool
}

func NewOrders(pool *pgxpool.Pool) *Orders {
	return &Orders{pool: pool}
}

// WithTx scopes fn to one transaction.
func (r *Orders) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.pool, fn)
}

const orderColumns = `id, order_no, order_type, state, state_label, summary, payment, promotion,
user_id, insured_id, quotation_id, vehicle_id,
expect_at, start_at, stop_at, paid_at, created_at, updated_at, removed`

// Create inserts the order, all line items in one multi-row statement, and
// the type-specific extension row.
func (r *Orders) Create(ctx context.Context, o model.Order, items []model.OrderItem) error {
	return withTx(ctx, r.pool, func(ctx context.Context) error {
		const stmt = `
INSERT INTO orders (` + orderColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`
		_, err := r.exec(ctx, stmt,
			o.ID, o.OrderNo, o.Type, o.State, o.StateLabel, o.Summary, o.Payment, o.Promotion,
			o.UserID, o.InsuredID, o.QuotationID, o.VehicleID,
			o.ExpectAt, o.StartAt, o.StopAt, o.PaidAt, o.CreatedAt, o.UpdatedAt, o.Removed)
		if err != nil {
			if isUniqueViolation(err) {
				// Same id means a redelivered create; the first delivery won.
				return model.ErrOrderExists
			}
			return fmt.Errorf("insert order: %w", err)
		}
		if err := r.insertItems(ctx, items); err != nil {
			return err
		}
		return r.insertExtension(ctx, o)
	})
}

func (r *Orders) insertItems(ctx context.Context, items []model.OrderItem) error {
	if len(items) == 0 {
		return nil
	}
	stmt := `INSERT INTO order_items (id, order_id, plan_item_id, price) VALUES `
	args := make([]any, 0, len(items)*4)
	for i, it := range items {
		if i > 0 {
			stmt += ","
		}
		n := i * 4
		stmt += fmt.Sprintf("($%d,$%d,$%d,$%d)", n+1, n+2, n+3, n+4)
		args = append(args, it.ID, it.OrderID, it.PlanItemID, it.Price)
	}
	if _, err := r.exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("insert items: %w", err)
	}
	return nil
}

func (r *Orders) insertExtension(ctx context.Context, o model.Order) error {
	var stmt string
	switch o.Type {
	case model.TypePlan:
		stmt = `INSERT INTO plan_orders (order_id, quotation_id, vehicle_id) VALUES ($1,$2,$3)`
	case model.TypeDriver:
		stmt = `INSERT INTO driver_orders (order_id, quotation_id, vehicle_id) VALUES ($1,$2,$3)`
	case model.TypeSale:
		stmt = `INSERT INTO sale_orders (order_id, quotation_id, vehicle_id) VALUES ($1,$2,$3)`
	default:
		return fmt.Errorf("unknown order type %d", o.Type)
	}
	if _, err := r.exec(ctx, stmt, o.ID, o.QuotationID, o.VehicleID); err != nil {
		return fmt.Errorf("insert extension: %w", err)
	}
	return nil
}

// Get reads one order by id.
func (r *Orders) Get(ctx context.Context, id string) (model.Order, error) {
	const query = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	o, err := scanOrder(r.queryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return model.Order{}, model.ErrOrderNotFound
	}
	if err != nil {
		return model.Order{}, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// UpdateState flips an order's state with a compare-and-swap on the observed
// state. Zero rows affected means a concurrent transition won and the caller
// must treat its read as stale.
func (r *Orders) UpdateState(ctx context.Context, id string, observed, next model.State, label string, now time.Time) error {
	const stmt = `
UPDATE orders SET state = $3, state_label = $4, updated_at = $5
WHERE id = $1 AND state = $2`
	tag, err := r.exec(ctx, stmt, id, observed, next, label, now)
	if err != nil {
		return fmt.Errorf("update state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrStateConflict
	}
	return nil
}

// MarkPaid is UpdateState plus the paid-at column, one statement.
func (r *Orders) MarkPaid(ctx context.Context, id string, observed, next model.State, label string, now time.Time) error {
	const stmt = `
UPDATE orders SET state = $3, state_label = $4, paid_at = $5, updated_at = $5
WHERE id = $1 AND state = $2`
	tag, err := r.exec(ctx, stmt, id, observed, next, label, now)
	if err != nil {
		return fmt.Errorf("mark paid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrStateConflict
	}
	return nil
}

// MarkRemoved flips state and sets the logical-removal flag. The row stays.
func (r *Orders) MarkRemoved(ctx context.Context, id string, observed, next model.State, label string, now time.Time) error {
	const stmt = `
UPDATE orders SET state = $3, state_label = $4, removed = TRUE, updated_at = $5
WHERE id = $1 AND state = $2`
	tag, err := r.exec(ctx, stmt, id, observed, next, label, now)
	if err != nil {
		return fmt.Errorf("mark removed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrStateConflict
	}
	return nil
}

// Rename assigns a fresh order number; only legal while pending payment,
// enforced by the same CAS shape.
func (r *Orders) Rename(ctx context.Context, id, newNo string, observed model.State, now time.Time) error {
	const stmt = `
UPDATE orders SET order_no = $3, updated_at = $4
WHERE id = $1 AND state = $2`
	tag, err := r.exec(ctx, stmt, id, observed, newNo, now)
	if err != nil {
		if isUniqueViolation(err) {
			// Retrying cannot free the number; surface it as a bad request.
			return &model.ValidationError{Field: "orderNo", Reason: "already in use"}
		}
		return fmt.Errorf("rename order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrStateConflict
	}
	return nil
}

// OrderWithItems is one join-read result row group.
type OrderWithItems struct {
	Order model.Order
	Items []model.OrderItem
}

// ListWithItems reads orders and their line items in a single join query and
// groups rows by order id. Nil ids means every order that still owns a view
// (not logically removed).
func (r *Orders) ListWithItems(ctx context.Context, ids []string) ([]OrderWithItems, error) {
	query := `
SELECT o.id, o.order_no, o.order_type, o.state, o.state_label, o.summary, o.payment, o.promotion,
       o.user_id, o.insured_id, o.quotation_id, o.vehicle_id,
       o.expect_at, o.start_at, o.stop_at, o.paid_at, o.created_at, o.updated_at, o.removed,
       i.id, i.plan_item_id, i.price
FROM orders o
LEFT JOIN order_items i ON i.order_id = o.id`
	var args []any
	if ids != nil {
		query += ` WHERE o.id = ANY($1)`
		args = append(args, ids)
	} else {
		query += ` WHERE o.removed = FALSE`
	}
	query += ` ORDER BY o.id`

	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list with items: %w", err)
	}
	defer rows.Close()

	var out []OrderWithItems
	byID := make(map[string]int)
	for rows.Next() {
		var o model.Order
		var itemID, planItemID *string
		var price *int64
		if err := rows.Scan(
			&o.ID, &o.OrderNo, &o.Type, &o.State, &o.StateLabel, &o.Summary, &o.Payment, &o.Promotion,
			&o.UserID, &o.InsuredID, &o.QuotationID, &o.VehicleID,
			&o.ExpectAt, &o.StartAt, &o.StopAt, &o.PaidAt, &o.CreatedAt, &o.UpdatedAt, &o.Removed,
			&itemID, &planItemID, &price,
		); err != nil {
			return nil, fmt.Errorf("scan join row: %w", err)
		}
		idx, ok := byID[o.ID]
		if !ok {
			idx = len(out)
			byID[o.ID] = idx
			out = append(out, OrderWithItems{Order: o})
		}
		if itemID != nil {
			out[idx].Items = append(out[idx].Items, model.OrderItem{
				ID:         *itemID,
				OrderID:    o.ID,
				PlanItemID: *planItemID,
				Price:      *price,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list with items: %w", err)
	}
	return out, nil
}

// DueForActivation selects orders whose start time has passed and that are
// still in the pre-activation state.
func (r *Orders) DueForActivation(ctx context.Context, now time.Time) ([]model.Order, error) {
	const query = `SELECT ` + orderColumns + ` FROM orders WHERE state = $1 AND start_at <= $2`
	return r.selectOrders(ctx, query, model.StateUnderwritten, now)
}

// StalePendingPayment selects orders created before cutoff and never paid.
func (r *Orders) StalePendingPayment(ctx context.Context, cutoff time.Time) ([]model.Order, error) {
	const query = `SELECT ` + orderColumns + ` FROM orders WHERE state = $1 AND created_at < $2`
	return r.selectOrders(ctx, query, model.StatePendingPayment, cutoff)
}

func (r *Orders) selectOrders(ctx context.Context, query string, args ...any) ([]model.Order, error) {
	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()
	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	return out, nil
}

// AddItems appends line items for driver-add events.
func (r *Orders) AddItems(ctx context.Context, items []model.OrderItem) error {
	return r.insertItems(ctx, items)
}

// RemoveItems deletes the line items referencing the given plan items.
func (r *Orders) RemoveItems(ctx context.Context, orderID string, planItemIDs []string) error {
	const stmt = `DELETE FROM order_items WHERE order_id = $1 AND plan_item_id = ANY($2)`
	if _, err := r.exec(ctx, stmt, orderID, planItemIDs); err != nil {
		return fmt.Errorf("remove items: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (model.Order, error) {
	var o model.Order
	err := row.Scan(
		&o.ID, &o.OrderNo, &o.Type, &o.State, &o.StateLabel, &o.Summary, &o.Payment, &o.Promotion,
		&o.UserID, &o.InsuredID, &o.QuotationID, &o.VehicleID,
		&o.ExpectAt, &o.StartAt, &o.StopAt, &o.PaidAt, &o.CreatedAt, &o.UpdatedAt, &o.Removed)
	return o, err
}

func (r *Orders) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Exec(ctx, sql, args...)
	}
	return r.pool.Exec(ctx, sql, args...)
}

func (r *Orders) query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Query(ctx, sql, args...)
	}
	return r.pool.Query(ctx, sql, args...)
}

func (r *Orders) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if tx := txFromContext(ctx); tx != nil {
		return tx.QueryRow(ctx, sql, args...)
	}
	return r.pool.QueryRow(ctx, sql, args...)
}
