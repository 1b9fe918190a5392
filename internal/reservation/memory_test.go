package reservation

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/stockledger/internal/ledger/ledgertest"
)

type memTable struct {
	rows map[uuid.UUID]Reservation
}

func (m *memTable) CloneTable() ledgertest.Table {
	out := &memTable{rows: make(map[uuid.UUID]Reservation, len(m.rows))}
	for id, r := range m.rows {
		r.Lines = append([]Line(nil), r.Lines...)
		out.rows[id] = r
	}
	return out
}

func (m *memTable) ReservedQty(itemID, warehouseID int64, exclude uuid.UUID) int64 {
	var total int64
	for id, r := range m.rows {
		if id == exclude || r.Status != StatusReserved || r.WarehouseID != warehouseID {
			continue
		}
		for _, l := range r.Lines {
			if l.ItemID == itemID {
				total += l.Outstanding()
			}
		}
	}
	return total
}

type memoryRepo struct {
	store *ledgertest.Store
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{store: ledgertest.NewStore()}
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return m.store.Do(ctx, func(tx *ledgertest.Tx) error {
		return fn(ctx, &memoryTx{Tx: tx})
	})
}

type memoryTx struct {
	*ledgertest.Tx
}

func (t *memoryTx) table() *memTable {
	return t.Table("reservations", func() ledgertest.Table {
		return &memTable{rows: map[uuid.UUID]Reservation{}}
	}).(*memTable)
}

func (t *memoryTx) FindByKey(_ context.Context, key Key) (Reservation, error) {
	for _, r := range t.table().rows {
		if r.Key() == key {
			return r, nil
		}
	}
	return Reservation{}, ErrReservationNotFound
}

func (t *memoryTx) Get(_ context.Context, id uuid.UUID) (Reservation, error) {
	r, ok := t.table().rows[id]
	if !ok {
		return Reservation{}, ErrReservationNotFound
	}
	return r, nil
}

func (t *memoryTx) GetForUpdate(ctx context.Context, id uuid.UUID) (Reservation, error) {
	return t.Get(ctx, id)
}

func (t *memoryTx) Insert(ctx context.Context, r Reservation) (bool, error) {
	if _, err := t.FindByKey(ctx, r.Key()); err == nil {
		return false, nil
	}
	r.Lines = append([]Line(nil), r.Lines...)
	t.table().rows[r.ID] = r
	return true, nil
}

func (t *memoryTx) UpdateStatus(_ context.Context, id uuid.UUID, status Status, reason string, at time.Time) error {
	r, ok := t.table().rows[id]
	if !ok {
		return ErrReservationNotFound
	}
	r.Status, r.ReleaseReason, r.UpdatedAt = status, reason, at
	t.table().rows[id] = r
	return nil
}

func (t *memoryTx) MarkLinesConsumed(_ context.Context, id uuid.UUID) error {
	r, ok := t.table().rows[id]
	if !ok {
		return ErrReservationNotFound
	}
	for i := range r.Lines {
		r.Lines[i].ConsumedQty = r.Lines[i].Qty
	}
	t.table().rows[id] = r
	return nil
}

func (t *memoryTx) ListDue(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	var due []Reservation
	for _, r := range t.table().rows {
		if r.Status == StatusReserved && !r.ExpiresAt.After(now) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })
	ids := []uuid.UUID{}
	for _, r := range due {
		if len(ids) == limit {
			break
		}
		ids = append(ids, r.ID)
	}
	return ids, nil
}
