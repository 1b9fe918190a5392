package reservation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/stockledger/internal/ledger"
	"github.com/odyssey-erp/stockledger/internal/platform/db"
)

// TxRepository exposes reservation rows alongside the slot and ledger
// operations of the same transaction.
type TxRepository interface {
	ledger.TxRepository
	FindByKey(ctx context.Context, key Key) (Reservation, error)
	Get(ctx context.Context, id uuid.UUID) (Reservation, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (Reservation, error)
	// Insert stores r and its lines. It returns false without error when the
	// idempotency key already exists.
	Insert(ctx context.Context, r Reservation) (bool, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status, reason string, at time.Time) error
	MarkLinesConsumed(ctx context.Context, id uuid.UUID) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// Repository persists reservations in PostgreSQL.
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
		return errors.New("reservation repository not initialised")
	}
	return r.runner.InTx(ctx, func(tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	})
}

// PgTxRepository implements TxRepository on a pgx transaction.
type PgTxRepository struct {
	*ledger.PgTxRepository
}

// NewTxRepository wraps tx.
func NewTxRepository(tx pgx.Tx) *PgTxRepository {
	return &PgTxRepository{PgTxRepository: ledger.NewTxRepository(tx)}
}

const reservationColumns = `id, platform, shop_id, warehouse_id, ref, status, COALESCE(release_reason, ''), expires_at, created_at, updated_at`

func (r *PgTxRepository) FindByKey(ctx context.Context, key Key) (Reservation, error) {
	row := r.Tx().QueryRow(ctx, `SELECT `+reservationColumns+`
FROM reservations
WHERE platform=$1 AND shop_id=$2 AND warehouse_id=$3 AND ref=$4`, key.Platform, key.ShopID, key.WarehouseID, key.Ref)
	return r.load(ctx, row)
}

func (r *PgTxRepository) Get(ctx context.Context, id uuid.UUID) (Reservation, error) {
	return r.load(ctx, r.Tx().QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id=$1`, id))
}

func (r *PgTxRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (Reservation, error) {
	return r.load(ctx, r.Tx().QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id=$1 FOR UPDATE`, id))
}

func (r *PgTxRepository) Insert(ctx context.Context, res Reservation) (bool, error) {
	var id uuid.UUID
	err := r.Tx().QueryRow(ctx, `INSERT INTO reservations (id, platform, shop_id, warehouse_id, ref, status, expires_at, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
ON CONFLICT (platform, shop_id, warehouse_id, ref) DO NOTHING
RETURNING id`, res.ID, res.Platform, res.ShopID, res.WarehouseID, res.Ref, string(res.Status), res.ExpiresAt, res.CreatedAt).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) || db.IsUniqueViolation(err, "") {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	batch := &pgx.Batch{}
	for _, line := range res.Lines {
		batch.Queue(`INSERT INTO reservation_lines (reservation_id, item_id, qty, consumed_qty) VALUES ($1,$2,$3,$4)`,
			res.ID, line.ItemID, line.Qty, line.ConsumedQty)
	}
	if err := r.Tx().SendBatch(ctx, batch).Close(); err != nil {
		return false, err
	}
	return true, nil
}

func (r *PgTxRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status Status, reason string, at time.Time) error {
	tag, err := r.Tx().Exec(ctx, `UPDATE reservations SET status=$2, release_reason=NULLIF($3, ''), updated_at=$4 WHERE id=$1`,
		id, string(status), reason, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrReservationNotFound
	}
	return nil
}

func (r *PgTxRepository) MarkLinesConsumed(ctx context.Context, id uuid.UUID) error {
	_, err := r.Tx().Exec(ctx, `UPDATE reservation_lines SET consumed_qty=qty WHERE reservation_id=$1`, id)
	return err
}

func (r *PgTxRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.Tx().Query(ctx, `SELECT id FROM reservations
WHERE status='RESERVED' AND expires_at <= $1
ORDER BY expires_at ASC
LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

func (r *PgTxRepository) load(ctx context.Context, row pgx.Row) (Reservation, error) {
	var res Reservation
	var status string
	err := row.Scan(&res.ID, &res.Platform, &res.ShopID, &res.WarehouseID, &res.Ref, &status, &res.ReleaseReason,
		&res.ExpiresAt, &res.CreatedAt, &res.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, ErrReservationNotFound
	}
	if err != nil {
		return Reservation{}, err
	}
	res.Status = Status(status)
	rows, err := r.Tx().Query(ctx, `SELECT item_id, qty, consumed_qty FROM reservation_lines WHERE reservation_id=$1 ORDER BY item_id`, res.ID)
	if err != nil {
		return Reservation{}, err
	}
	res.Lines, err = pgx.CollectRows(rows, pgx.RowToStructByPos[Line])
	if err != nil {
		return Reservation{}, err
	}
	return res, nil
}
