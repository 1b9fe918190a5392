package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/stockledger/internal/platform/db"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// SlotNonNegativeConstraint is the schema check backing the qty >= 0 rule.
const SlotNonNegativeConstraint = "stock_slots_qty_non_negative"

// TxRepository exposes the slot, ledger and batch operations available inside
// an open transaction.
type TxRepository interface {
	FindEntry(ctx context.Context, key IdempotencyKey) (Entry, error)
	FindEntriesByRef(ctx context.Context, itemID, warehouseID int64, reason ReasonKind, ref, refLine string) ([]Entry, error)
	InsertEntry(ctx context.Context, entry Entry) (int64, bool, error)
	EnsureSlot(ctx context.Context, key SlotKey) error
	LockSlot(ctx context.Context, key SlotKey) (Slot, error)
	GetSlot(ctx context.Context, key SlotKey) (Slot, error)
	ListSlotKeys(ctx context.Context, itemID, warehouseID int64) ([]SlotKey, error)
	UpdateSlotQty(ctx context.Context, key SlotKey, qty int64) error
	EnsureBatch(ctx context.Context, batch Batch) error
	ListBatches(ctx context.Context, itemID, warehouseID int64) ([]Batch, error)
	HoldActive(ctx context.Context, warehouseID int64) (bool, error)
	// ReservedQty sums open reservation lines for an (item, warehouse) pool,
	// ignoring the reservation identified by exclude.
	ReservedQty(ctx context.Context, itemID, warehouseID int64, exclude uuid.UUID) (int64, error)
}

// Repository persists ledger data in PostgreSQL.
type Repository struct {
	runner *db.Runner
}

// NewRepository constructs Repository.
func NewRepository(runner *db.Runner) *Repository {
	return &Repository{runner: runner}
}

// WithTx executes the callback inside a read-committed transaction with
// bounded retry on lock contention.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("ledger repository not initialised")
	}
	return r.runner.InTx(ctx, func(tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	})
}

// GetSlot reads a slot outside any transaction.
func (r *Repository) GetSlot(ctx context.Context, key SlotKey) (Slot, error) {
	return scanSlot(r.runner.Pool().QueryRow(ctx, selectSlotSQL, key.ItemID, key.WarehouseID, key.BatchCode), key)
}

// ListEntries returns ledger history of a slot in posting order.
func (r *Repository) ListEntries(ctx context.Context, filter EntryFilter) ([]Entry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.runner.Pool().Query(ctx, `SELECT `+entryColumns+`
FROM stock_ledger
WHERE item_id=$1 AND warehouse_id=$2 AND batch_code=$3
  AND occurred_at BETWEEN COALESCE($4, '-infinity'::timestamptz) AND COALESCE($5, 'infinity'::timestamptz)
ORDER BY id ASC
LIMIT $6`, filter.Slot.ItemID, filter.Slot.WarehouseID, filter.Slot.BatchCode, nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

// PgTxRepository implements TxRepository on a pgx transaction. Other
// packages embed it to share one transaction with the ledger.
type PgTxRepository struct {
	tx pgx.Tx
}

// NewTxRepository wraps tx.
func NewTxRepository(tx pgx.Tx) *PgTxRepository {
	return &PgTxRepository{tx: tx}
}

// Tx returns the wrapped transaction.
func (r *PgTxRepository) Tx() pgx.Tx {
	return r.tx
}

const (
	entryColumns  = `id, item_id, warehouse_id, batch_code, delta, reason, sub_reason, ref, ref_line, occurred_at, after_qty, trace_id, created_at`
	selectSlotSQL = `SELECT item_id, warehouse_id, batch_code, qty, updated_at FROM stock_slots WHERE item_id=$1 AND warehouse_id=$2 AND batch_code=$3`
)

func (r *PgTxRepository) FindEntry(ctx context.Context, key IdempotencyKey) (Entry, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+entryColumns+`
FROM stock_ledger
WHERE warehouse_id=$1 AND batch_code=$2 AND item_id=$3 AND reason=$4 AND ref=$5 AND ref_line=$6`,
		key.Slot.WarehouseID, key.Slot.BatchCode, key.Slot.ItemID, string(key.Reason), key.Ref, key.RefLine)
	if err != nil {
		return Entry{}, err
	}
	entries, err := collectEntries(rows)
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, ErrEntryNotFound
	}
	return entries[0], nil
}

func (r *PgTxRepository) FindEntriesByRef(ctx context.Context, itemID, warehouseID int64, reason ReasonKind, ref, refLine string) ([]Entry, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+entryColumns+`
FROM stock_ledger
WHERE item_id=$1 AND warehouse_id=$2 AND reason=$3 AND ref=$4
  AND (ref_line=$5 OR left(ref_line, length($5)+1) = $5 || '@')
ORDER BY id ASC`, itemID, warehouseID, string(reason), ref, refLine)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (r *PgTxRepository) InsertEntry(ctx context.Context, e Entry) (int64, bool, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_ledger (item_id, warehouse_id, batch_code, delta, reason, sub_reason, ref, ref_line, occurred_at, after_qty, trace_id, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW())
ON CONFLICT (warehouse_id, batch_code, item_id, reason, ref, ref_line) DO NOTHING
RETURNING id`, e.Slot.ItemID, e.Slot.WarehouseID, e.Slot.BatchCode, e.Delta, string(e.Reason), e.SubReason, e.Ref, e.RefLine, e.OccurredAt, e.AfterQty, e.TraceID).Scan(&id)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return 0, false, nil
	case db.IsUniqueViolation(err, ""):
		return 0, false, nil
	case err != nil:
		return 0, false, err
	}
	return id, true, nil
}

func (r *PgTxRepository) EnsureSlot(ctx context.Context, key SlotKey) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_slots (item_id, warehouse_id, batch_code, qty, updated_at)
VALUES ($1,$2,$3,0,NOW())
ON CONFLICT (item_id, warehouse_id, batch_code) DO NOTHING`, key.ItemID, key.WarehouseID, key.BatchCode)
	return err
}

func (r *PgTxRepository) LockSlot(ctx context.Context, key SlotKey) (Slot, error) {
	return scanSlot(r.tx.QueryRow(ctx, selectSlotSQL+` FOR UPDATE`, key.ItemID, key.WarehouseID, key.BatchCode), key)
}

func (r *PgTxRepository) GetSlot(ctx context.Context, key SlotKey) (Slot, error) {
	return scanSlot(r.tx.QueryRow(ctx, selectSlotSQL, key.ItemID, key.WarehouseID, key.BatchCode), key)
}

func (r *PgTxRepository) ListSlotKeys(ctx context.Context, itemID, warehouseID int64) ([]SlotKey, error) {
	rows, err := r.tx.Query(ctx, `SELECT batch_code FROM stock_slots WHERE item_id=$1 AND warehouse_id=$2 ORDER BY batch_code`, itemID, warehouseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []SlotKey
	for rows.Next() {
		key := SlotKey{ItemID: itemID, WarehouseID: warehouseID}
		if err := rows.Scan(&key.BatchCode); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (r *PgTxRepository) UpdateSlotQty(ctx context.Context, key SlotKey, qty int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE stock_slots SET qty=$4, updated_at=NOW() WHERE item_id=$1 AND warehouse_id=$2 AND batch_code=$3`,
		key.ItemID, key.WarehouseID, key.BatchCode, qty)
	if err != nil {
		return slotWriteError(key, qty, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("ledger: update slot %s: %w", key, ErrSlotNotFound)
	}
	return nil
}

// slotWriteError turns a trip of the non-negative check into the same error
// the service-level guard reports.
func slotWriteError(key SlotKey, qty int64, err error) error {
	if db.IsCheckViolation(err, SlotNonNegativeConstraint) {
		return fmt.Errorf("ledger: slot %s rejected qty %d: %w", key, qty, shared.ErrInsufficientStock)
	}
	return err
}

func (r *PgTxRepository) EnsureBatch(ctx context.Context, b Batch) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_batches (batch_code, item_id, warehouse_id, production_date, expiry_date, created_at)
VALUES ($1,$2,$3,$4,$5,NOW())
ON CONFLICT (item_id, warehouse_id, batch_code) DO NOTHING`, b.Code, b.ItemID, b.WarehouseID, b.ProductionDate, b.ExpiryDate)
	return err
}

func (r *PgTxRepository) ListBatches(ctx context.Context, itemID, warehouseID int64) ([]Batch, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, batch_code, item_id, warehouse_id, production_date, expiry_date
FROM stock_batches
WHERE item_id=$1 AND warehouse_id=$2
ORDER BY expiry_date ASC NULLS LAST, id ASC`, itemID, warehouseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var batches []Batch
	for rows.Next() {
		var b Batch
		if err := rows.Scan(&b.ID, &b.Code, &b.ItemID, &b.WarehouseID, &b.ProductionDate, &b.ExpiryDate); err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func (r *PgTxRepository) ReservedQty(ctx context.Context, itemID, warehouseID int64, exclude uuid.UUID) (int64, error) {
	var qty int64
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(SUM(l.qty - l.consumed_qty), 0)
FROM reservation_lines l
JOIN reservations r ON r.id = l.reservation_id
WHERE r.status = 'RESERVED' AND r.warehouse_id = $2 AND l.item_id = $1 AND r.id <> $3`, itemID, warehouseID, exclude).Scan(&qty)
	return qty, err
}

func (r *PgTxRepository) HoldActive(ctx context.Context, warehouseID int64) (bool, error) {
	var held bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM integrity_holds WHERE warehouse_id=$1 AND cleared_at IS NULL)`, warehouseID).Scan(&held)
	return held, err
}

func scanSlot(row pgx.Row, key SlotKey) (Slot, error) {
	var slot Slot
	err := row.Scan(&slot.Key.ItemID, &slot.Key.WarehouseID, &slot.Key.BatchCode, &slot.Qty, &slot.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Slot{Key: key}, ErrSlotNotFound
		}
		return Slot{}, err
	}
	return slot, nil
}

func collectEntries(rows pgx.Rows) ([]Entry, error) {
	defer rows.Close()
	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var reason string
		if err := rows.Scan(&e.ID, &e.Slot.ItemID, &e.Slot.WarehouseID, &e.Slot.BatchCode, &e.Delta, &reason, &e.SubReason,
			&e.Ref, &e.RefLine, &e.OccurredAt, &e.AfterQty, &e.TraceID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Reason = ReasonKind(reason)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// ListItemSlots returns every batch slot of an (item, warehouse) pool.
func (r *Repository) ListItemSlots(ctx context.Context, itemID, warehouseID int64) ([]Slot, error) {
	rows, err := r.runner.Pool().Query(ctx, `SELECT item_id, warehouse_id, batch_code, qty, updated_at
FROM stock_slots
WHERE item_id=$1 AND warehouse_id=$2
ORDER BY batch_code`, itemID, warehouseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	slots := []Slot{}
	for rows.Next() {
		var slot Slot
		if err := rows.Scan(&slot.Key.ItemID, &slot.Key.WarehouseID, &slot.Key.BatchCode, &slot.Qty, &slot.UpdatedAt); err != nil {
			return nil, err
		}
		slots = append(slots, slot)
	}
	return slots, rows.Err()
}
