package inventory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/medstock/internal/platform/db"
	"github.com/odyssey-erp/medstock/internal/shared"
)

// Repository persists the batch ledger in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	FindTransferByKey(ctx context.Context, key string) (int64, bool, error)
	InsertTransfer(ctx context.Context, t Transfer) (int64, error)
	InsertTransferItem(ctx context.Context, item TransferItemRecord) error
	ListBatchesForUpdate(ctx context.Context, productID, locationID int64) ([]Batch, error)
	ConsumeBatch(ctx context.Context, batchID, expectedRemaining, quantity int64) error
	InsertBatch(ctx context.Context, b Batch) (Batch, error)
	InsertMovement(ctx context.Context, m BatchConsumption) (BatchConsumption, error)
}

type txRepository struct {
	tx pgx.Tx
}

const batchColumns = `id, product_id, location_id, batch_reference, entry_date, expiration_date, unit_cost::text, received_quantity, remaining_quantity, created_at`

// WithTx executes the callback inside a repeatable-read transaction, joining
// the caller's transaction when one is already open.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("inventory repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// ListBatches returns batches of a product at a location in FIFO order.
func (r *Repository) ListBatches(ctx context.Context, filter BatchFilter) ([]Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE product_id=$1 AND location_id=$2`
	if filter.AvailableOnly {
		query += ` AND remaining_quantity > 0`
	}
	query += ` ORDER BY entry_date ASC, id ASC`
	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, filter.ProductID, filter.LocationID)
	if err != nil {
		return nil, err
	}
	return collectBatches(rows)
}

// ListExpiringBatches returns batches with stock left expiring before the cutoff.
func (r *Repository) ListExpiringBatches(ctx context.Context, filter ExpiryFilter) ([]Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE remaining_quantity > 0 AND expiration_date IS NOT NULL AND expiration_date < $1`
	args := []any{filter.Before}
	if filter.LocationID != 0 {
		args = append(args, filter.LocationID)
		query += ` AND location_id = $` + strconv.Itoa(len(args))
	}
	if filter.ProductID != 0 {
		args = append(args, filter.ProductID)
		query += ` AND product_id = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY expiration_date ASC, id ASC`
	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectBatches(rows)
}

// ListStockedLocations returns ids of locations holding any stock.
func (r *Repository) ListStockedLocations(ctx context.Context) ([]int64, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT DISTINCT location_id FROM batches WHERE remaining_quantity > 0 ORDER BY location_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetTransfer loads a transfer with its items and ledger rows.
func (r *Repository) GetTransfer(ctx context.Context, id int64) (TransferDetail, error) {
	conn := db.Conn(ctx, r.pool)
	var detail TransferDetail
	var key *string
	err := conn.QueryRow(ctx, `SELECT id, idempotency_key, source_location_id, destination_location_id, employee_id, note, created_at
FROM transfers WHERE id=$1`, id).Scan(&detail.Transfer.ID, &key, &detail.Transfer.SourceLocationID,
		&detail.Transfer.DestinationLocationID, &detail.Transfer.EmployeeID, &detail.Transfer.Note, &detail.Transfer.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TransferDetail{}, fmt.Errorf("transfer %d: %w", id, shared.ErrNotFound)
		}
		return TransferDetail{}, err
	}
	if key != nil {
		detail.Transfer.IdempotencyKey = *key
	}

	rows, err := conn.Query(ctx, `SELECT transfer_id, product_id, requested_quantity, allocated_quantity
FROM transfer_items WHERE transfer_id=$1 ORDER BY product_id`, id)
	if err != nil {
		return TransferDetail{}, err
	}
	detail.Items, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (TransferItemRecord, error) {
		var it TransferItemRecord
		err := row.Scan(&it.TransferID, &it.ProductID, &it.RequestedQuantity, &it.AllocatedQuantity)
		return it, err
	})
	if err != nil {
		return TransferDetail{}, err
	}

	rows, err = conn.Query(ctx, `SELECT id, movement, COALESCE(transfer_id, 0), COALESCE(purchase_dtl_id, 0), product_id, batch_id,
COALESCE(destination_batch_id, 0), batch_reference, quantity, unit_cost::text, expiration_date, source_depleted, created_at
FROM batch_consumptions WHERE transfer_id=$1 ORDER BY id`, id)
	if err != nil {
		return TransferDetail{}, err
	}
	detail.Consumptions, err = pgx.CollectRows(rows, scanMovement)
	if err != nil {
		return TransferDetail{}, err
	}
	return detail, nil
}

func (r *txRepository) FindTransferByKey(ctx context.Context, key string) (int64, bool, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `SELECT id FROM transfers WHERE idempotency_key=$1`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (r *txRepository) InsertTransfer(ctx context.Context, t Transfer) (int64, error) {
	var key any
	if t.IdempotencyKey != "" {
		key = t.IdempotencyKey
	}
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO transfers (idempotency_key, source_location_id, destination_location_id, employee_id, note, created_at)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`, key, t.SourceLocationID, t.DestinationLocationID, t.EmployeeID, t.Note, t.CreatedAt).Scan(&id)
	if err != nil {
		if db.IsUniqueViolation(err, "transfers_idempotency_key_key") {
			return 0, fmt.Errorf("%w: transfer key %q committed concurrently", shared.ErrConcurrencyConflict, t.IdempotencyKey)
		}
		return 0, err
	}
	return id, nil
}

func (r *txRepository) InsertTransferItem(ctx context.Context, item TransferItemRecord) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO transfer_items (transfer_id, product_id, requested_quantity, allocated_quantity)
VALUES ($1, $2, $3, $4)`, item.TransferID, item.ProductID, item.RequestedQuantity, item.AllocatedQuantity)
	return err
}

func (r *txRepository) ListBatchesForUpdate(ctx context.Context, productID, locationID int64) ([]Batch, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+batchColumns+` FROM batches
WHERE product_id=$1 AND location_id=$2 AND remaining_quantity > 0
ORDER BY entry_date ASC, id ASC FOR UPDATE`, productID, locationID)
	if err != nil {
		return nil, err
	}
	return collectBatches(rows)
}

// ConsumeBatch decrements a batch only if nobody changed it since it was read.
func (r *txRepository) ConsumeBatch(ctx context.Context, batchID, expectedRemaining, quantity int64) error {
	if quantity <= 0 || quantity > expectedRemaining {
		return fmt.Errorf("inventory: consume %d from batch %d holding %d: %w", quantity, batchID, expectedRemaining, ErrInvalidQuantity)
	}
	tag, err := r.tx.Exec(ctx, `UPDATE batches SET remaining_quantity = remaining_quantity - $3, updated_at = NOW()
WHERE id=$1 AND remaining_quantity=$2`, batchID, expectedRemaining, quantity)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: batch %d changed during commit", shared.ErrConcurrencyConflict, batchID)
	}
	return nil
}

func (r *txRepository) InsertBatch(ctx context.Context, b Batch) (Batch, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO batches (product_id, location_id, batch_reference, entry_date, expiration_date, unit_cost, received_quantity, remaining_quantity)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7) RETURNING id, created_at`,
		b.ProductID, b.LocationID, b.Reference, b.EntryDate, b.ExpirationDate, b.UnitCost.String(), b.ReceivedQuantity).
		Scan(&b.ID, &b.CreatedAt)
	if err != nil {
		return Batch{}, err
	}
	b.RemainingQuantity = b.ReceivedQuantity
	return b, nil
}

func (r *txRepository) InsertMovement(ctx context.Context, m BatchConsumption) (BatchConsumption, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO batch_consumptions (movement, transfer_id, purchase_dtl_id, product_id, batch_id, destination_batch_id,
batch_reference, quantity, unit_cost, expiration_date, source_depleted)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id, created_at`,
		string(m.Movement), nullInt(m.TransferID), nullInt(m.PurchaseDtlID), m.ProductID, m.BatchID, nullInt(m.DestinationBatchID),
		m.BatchReference, m.Quantity, m.UnitCost.String(), m.ExpirationDate, m.SourceDepleted).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return BatchConsumption{}, err
	}
	return m, nil
}

func collectBatches(rows pgx.Rows) ([]Batch, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Batch, error) {
		var b Batch
		var cost string
		if err := row.Scan(&b.ID, &b.ProductID, &b.LocationID, &b.Reference, &b.EntryDate, &b.ExpirationDate,
			&cost, &b.ReceivedQuantity, &b.RemainingQuantity, &b.CreatedAt); err != nil {
			return Batch{}, err
		}
		var err error
		b.UnitCost, err = decimal.NewFromString(cost)
		return b, err
	})
}

func scanMovement(row pgx.CollectableRow) (BatchConsumption, error) {
	var m BatchConsumption
	var movement, cost string
	if err := row.Scan(&m.ID, &movement, &m.TransferID, &m.PurchaseDtlID, &m.ProductID, &m.BatchID,
		&m.DestinationBatchID, &m.BatchReference, &m.Quantity, &cost, &m.ExpirationDate, &m.SourceDepleted, &m.CreatedAt); err != nil {
		return BatchConsumption{}, err
	}
	m.Movement = MovementType(movement)
	var err error
	m.UnitCost, err = decimal.NewFromString(cost)
	return m, err
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

// dateOnly drops the clock so DATE columns round-trip.
func dateOnly(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	d := truncateDay(*t)
	return &d
}
