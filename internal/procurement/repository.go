package procurement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/medstock/internal/platform/db"
)

// Repository persists purchase orders in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	CreateOrder(ctx context.Context, order Order) (Order, error)
	InsertLine(ctx context.Context, line Line) (Line, error)
	GetOrderForUpdate(ctx context.Context, id int64) (Order, []Line, error)
	AddReceived(ctx context.Context, lineID, quantity int64) error
	FillReceived(ctx context.Context, lineID int64) error
	UpdateStatus(ctx context.Context, id int64, status Status) error
	SetApproval(ctx context.Context, id, approvedBy int64, notes string, at time.Time) error
	InsertStatusChange(ctx context.Context, change StatusChange) error
}

type txRepository struct {
	tx pgx.Tx
}

const (
	orderColumns = `id, supplier_id, location_id, status, expected_delivery_date, COALESCE(approved_by, 0), approval_notes, approved_at, created_at, updated_at`
	lineColumns  = `id, header_id, product_id, ordered_qty, received_qty, unit_cost::text, batch_reference, expiration_date`
)

// WithTx executes fn inside a transaction, joining an ambient one if present.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("procurement repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// GetOrder loads a header and its lines.
func (r *Repository) GetOrder(ctx context.Context, id int64) (Order, []Line, error) {
	return loadOrder(ctx, db.Conn(ctx, r.pool), id, false)
}

// ListStatusHistory returns the transitions of an order, oldest first.
func (r *Repository) ListStatusHistory(ctx context.Context, id int64) ([]StatusChange, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT id, header_id, from_status, to_status, event, actor_id, note, changed_at
FROM purchase_order_status_history WHERE header_id=$1 ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (StatusChange, error) {
		var c StatusChange
		var from, to, event string
		err := row.Scan(&c.ID, &c.OrderID, &from, &to, &event, &c.ActorID, &c.Note, &c.ChangedAt)
		c.From, c.To, c.Event = Status(from), Status(to), Event(event)
		return c, err
	})
}

func (r *txRepository) CreateOrder(ctx context.Context, order Order) (Order, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO purchase_order_headers (supplier_id, location_id, status, expected_delivery_date)
VALUES ($1, $2, $3, $4) RETURNING id, created_at, updated_at`,
		order.SupplierID, order.LocationID, string(order.Status), order.ExpectedDeliveryDate).
		Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return Order{}, err
	}
	return order, nil
}

func (r *txRepository) InsertLine(ctx context.Context, line Line) (Line, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO purchase_order_lines (header_id, product_id, ordered_qty, received_qty, unit_cost, batch_reference, expiration_date)
VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		line.OrderID, line.ProductID, line.OrderedQty, line.ReceivedQty, line.UnitCost.String(), line.BatchReference, line.ExpirationDate).
		Scan(&line.ID)
	if err != nil {
		return Line{}, err
	}
	return line, nil
}

func (r *txRepository) GetOrderForUpdate(ctx context.Context, id int64) (Order, []Line, error) {
	return loadOrder(ctx, r.tx, id, true)
}

// AddReceived accumulates a receipt, refusing to pass the ordered quantity.
func (r *txRepository) AddReceived(ctx context.Context, lineID, quantity int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE purchase_order_lines SET received_qty = received_qty + $2
WHERE id=$1 AND received_qty + $2 <= ordered_qty`, lineID, quantity)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("line %d: %w", lineID, ErrReceiptExceedsOrdered)
	}
	return nil
}

func (r *txRepository) FillReceived(ctx context.Context, lineID int64) error {
	_, err := r.tx.Exec(ctx, `UPDATE purchase_order_lines SET received_qty = GREATEST(received_qty, ordered_qty) WHERE id=$1`, lineID)
	return err
}

func (r *txRepository) UpdateStatus(ctx context.Context, id int64, status Status) error {
	_, err := r.tx.Exec(ctx, `UPDATE purchase_order_headers SET status=$2, updated_at=NOW() WHERE id=$1`, id, string(status))
	return err
}

func (r *txRepository) SetApproval(ctx context.Context, id, approvedBy int64, notes string, at time.Time) error {
	_, err := r.tx.Exec(ctx, `UPDATE purchase_order_headers SET approved_by=$2, approval_notes=$3, approved_at=$4, updated_at=NOW() WHERE id=$1`,
		id, approvedBy, notes, at)
	return err
}

func (r *txRepository) InsertStatusChange(ctx context.Context, change StatusChange) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO purchase_order_status_history (header_id, from_status, to_status, event, actor_id, note, changed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		change.OrderID, string(change.From), string(change.To), string(change.Event), change.ActorID, change.Note, change.ChangedAt)
	return err
}

func loadOrder(ctx context.Context, q db.Querier, id int64, forUpdate bool) (Order, []Line, error) {
	query := `SELECT ` + orderColumns + ` FROM purchase_order_headers WHERE id=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var o Order
	var status string
	err := q.QueryRow(ctx, query, id).Scan(&o.ID, &o.SupplierID, &o.LocationID, &status, &o.ExpectedDeliveryDate,
		&o.ApprovedBy, &o.ApprovalNotes, &o.ApprovedAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, nil, fmt.Errorf("purchase order %d: %w", id, ErrNotFound)
		}
		return Order{}, nil, err
	}
	o.Status = Status(status)

	lineQuery := `SELECT ` + lineColumns + ` FROM purchase_order_lines WHERE header_id=$1 ORDER BY id`
	if forUpdate {
		lineQuery += ` FOR UPDATE`
	}
	rows, err := q.Query(ctx, lineQuery, id)
	if err != nil {
		return Order{}, nil, err
	}
	lines, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Line, error) {
		var l Line
		var cost string
		if err := row.Scan(&l.ID, &l.OrderID, &l.ProductID, &l.OrderedQty, &l.ReceivedQty, &cost, &l.BatchReference, &l.ExpirationDate); err != nil {
			return Line{}, err
		}
		var err error
		l.UnitCost, err = decimal.NewFromString(cost)
		return l, err
	})
	if err != nil {
		return Order{}, nil, err
	}
	return o, lines, nil
}
