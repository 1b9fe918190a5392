package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/stockledger/internal/platform/db"
)

// TxRepository exposes the three books and integrity holds inside one transaction.
type TxRepository interface {
	// InsertSnapshot creates the snapshot header for date. It returns false
	// when that day already has one.
	InsertSnapshot(ctx context.Context, date, asOf time.Time) (int64, bool, error)
	CopySlotsToSnapshot(ctx context.Context, snapshotID int64) (int64, error)
	SnapshotByDate(ctx context.Context, date time.Time) (Snapshot, error)
	LatestSnapshot(ctx context.Context) (Snapshot, error)
	SnapshotOnHand(ctx context.Context, snapshotID int64, scope Scope) (int64, error)
	SlotTotals(ctx context.Context, scope Scope) ([]SlotTotal, error)
	LedgerTotals(ctx context.Context, scope Scope) ([]SlotTotal, error)
	// RaiseHold records a hold unless the warehouse already has an active one.
	RaiseHold(ctx context.Context, warehouseID int64, details string, at time.Time) (bool, error)
	ClearHolds(ctx context.Context, warehouseID int64, by string, at time.Time) (int64, error)
	ListActiveHolds(ctx context.Context) ([]Hold, error)
}

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	// ReadConsistent runs fn against one read-only snapshot of the database.
	ReadConsistent(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// Repository is the PostgreSQL implementation.
type Repository struct {
	runner *db.Runner
}

// NewRepository constructs Repository.
func NewRepository(runner *db.Runner) *Repository {
	return &Repository{runner: runner}
}

// WithTx executes the callback inside a read-committed transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("reconcile repository not initialised")
	}
	return r.runner.InTx(ctx, func(tx pgx.Tx) error {
		return fn(ctx, &pgTxRepository{tx: tx})
	})
}

// ReadConsistent executes the callback in a repeatable-read, read-only transaction.
func (r *Repository) ReadConsistent(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("reconcile repository not initialised")
	}
	return r.runner.InSnapshot(ctx, func(tx pgx.Tx) error {
		return fn(ctx, &pgTxRepository{tx: tx})
	})
}

type pgTxRepository struct {
	tx pgx.Tx
}

func (r *pgTxRepository) InsertSnapshot(ctx context.Context, date, asOf time.Time) (int64, bool, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_snapshots (snapshot_date, as_of_ts)
VALUES ($1, $2)
ON CONFLICT (snapshot_date) DO NOTHING
RETURNING id`, date, asOf).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) || db.IsUniqueViolation(err, "") {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (r *pgTxRepository) CopySlotsToSnapshot(ctx context.Context, snapshotID int64) (int64, error) {
	tag, err := r.tx.Exec(ctx, `INSERT INTO stock_snapshot_lines (snapshot_id, item_id, warehouse_id, batch_code, on_hand)
SELECT $1, item_id, warehouse_id, batch_code, qty FROM stock_slots`, snapshotID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const snapshotSelect = `SELECT s.id, s.snapshot_date, s.as_of_ts,
       (SELECT COUNT(*) FROM stock_snapshot_lines l WHERE l.snapshot_id = s.id)
FROM stock_snapshots s`

func (r *pgTxRepository) SnapshotByDate(ctx context.Context, date time.Time) (Snapshot, error) {
	return scanSnapshot(r.tx.QueryRow(ctx, snapshotSelect+` WHERE s.snapshot_date = $1`, date))
}

func (r *pgTxRepository) LatestSnapshot(ctx context.Context) (Snapshot, error) {
	return scanSnapshot(r.tx.QueryRow(ctx, snapshotSelect+` ORDER BY s.snapshot_date DESC LIMIT 1`))
}

func scanSnapshot(row pgx.Row) (Snapshot, error) {
	var s Snapshot
	if err := row.Scan(&s.ID, &s.Date, &s.AsOf, &s.Lines); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Snapshot{}, ErrSnapshotNotFound
		}
		return Snapshot{}, err
	}
	return s, nil
}

// Zero scope fields disable the corresponding filter.
const scopeFilter = `($1::bigint = 0 OR warehouse_id = $1) AND ($2::bigint = 0 OR item_id = $2)`

func (r *pgTxRepository) SnapshotOnHand(ctx context.Context, snapshotID int64, scope Scope) (int64, error) {
	var total int64
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(SUM(on_hand), 0)::bigint FROM stock_snapshot_lines
WHERE `+scopeFilter+` AND snapshot_id = $3`, scope.WarehouseID, scope.ItemID, snapshotID).Scan(&total)
	return total, err
}

func (r *pgTxRepository) SlotTotals(ctx context.Context, scope Scope) ([]SlotTotal, error) {
	rows, err := r.tx.Query(ctx, `SELECT item_id, warehouse_id, batch_code, qty FROM stock_slots
WHERE `+scopeFilter, scope.WarehouseID, scope.ItemID)
	if err != nil {
		return nil, err
	}
	return collectTotals(rows)
}

func (r *pgTxRepository) LedgerTotals(ctx context.Context, scope Scope) ([]SlotTotal, error) {
	rows, err := r.tx.Query(ctx, `SELECT item_id, warehouse_id, batch_code, SUM(delta)::bigint FROM stock_ledger
WHERE `+scopeFilter+`
GROUP BY item_id, warehouse_id, batch_code`, scope.WarehouseID, scope.ItemID)
	if err != nil {
		return nil, err
	}
	return collectTotals(rows)
}

func collectTotals(rows pgx.Rows) ([]SlotTotal, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (SlotTotal, error) {
		var t SlotTotal
		err := row.Scan(&t.Key.ItemID, &t.Key.WarehouseID, &t.Key.BatchCode, &t.Qty)
		return t, err
	})
}

func (r *pgTxRepository) RaiseHold(ctx context.Context, warehouseID int64, details string, at time.Time) (bool, error) {
	tag, err := r.tx.Exec(ctx, `INSERT INTO integrity_holds (warehouse_id, raised_at, details)
VALUES ($1, $2, $3)
ON CONFLICT (warehouse_id) WHERE cleared_at IS NULL DO NOTHING`,
		warehouseID, at, details)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *pgTxRepository) ClearHolds(ctx context.Context, warehouseID int64, by string, at time.Time) (int64, error) {
	tag, err := r.tx.Exec(ctx, `UPDATE integrity_holds SET cleared_at = $2, cleared_by = $3
WHERE warehouse_id = $1 AND cleared_at IS NULL`, warehouseID, at, by)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *pgTxRepository) ListActiveHolds(ctx context.Context) ([]Hold, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, warehouse_id, raised_at, details, cleared_at, COALESCE(cleared_by, '')
FROM integrity_holds
WHERE cleared_at IS NULL
ORDER BY warehouse_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[Hold])
}
