package reconcile

import (
	"context"
	"sort"
	"time"

	"github.com/odyssey-erp/stockledger/internal/ledger"
	"github.com/odyssey-erp/stockledger/internal/ledger/ledgertest"
)

type snapshotRow struct {
	snap  Snapshot
	lines []SlotTotal
}

type memTables struct {
	snapshots []snapshotRow
	holds     []Hold
}

func (m *memTables) CloneTable() ledgertest.Table {
	out := &memTables{holds: append([]Hold(nil), m.holds...)}
	for _, row := range m.snapshots {
		row.lines = append([]SlotTotal(nil), row.lines...)
		out.snapshots = append(out.snapshots, row)
	}
	return out
}

type memoryRepo struct {
	store *ledgertest.Store
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{store: ledgertest.NewStore()}
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return m.store.Do(ctx, func(tx *ledgertest.Tx) error {
		return fn(ctx, &memoryTx{tx: tx})
	})
}

func (m *memoryRepo) ReadConsistent(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return m.WithTx(ctx, fn)
}

type memoryTx struct {
	tx *ledgertest.Tx
}

func (t *memoryTx) tables() *memTables {
	return t.tx.Table("reconcile", func() ledgertest.Table { return &memTables{} }).(*memTables)
}

func inScope(key ledger.SlotKey, scope Scope) bool {
	return (scope.WarehouseID == 0 || key.WarehouseID == scope.WarehouseID) &&
		(scope.ItemID == 0 || key.ItemID == scope.ItemID)
}

func (t *memoryTx) InsertSnapshot(_ context.Context, date, asOf time.Time) (int64, bool, error) {
	tbl := t.tables()
	for _, row := range tbl.snapshots {
		if row.snap.Date.Equal(date) {
			return 0, false, nil
		}
	}
	id := int64(len(tbl.snapshots) + 1)
	tbl.snapshots = append(tbl.snapshots, snapshotRow{snap: Snapshot{ID: id, Date: date, AsOf: asOf}})
	return id, true, nil
}

func (t *memoryTx) CopySlotsToSnapshot(_ context.Context, snapshotID int64) (int64, error) {
	tbl := t.tables()
	row := &tbl.snapshots[snapshotID-1]
	for key, slot := range t.tx.State().Slots {
		row.lines = append(row.lines, SlotTotal{Key: key, Qty: slot.Qty})
	}
	row.snap.Lines = int64(len(row.lines))
	return row.snap.Lines, nil
}

func (t *memoryTx) SnapshotByDate(_ context.Context, date time.Time) (Snapshot, error) {
	for _, row := range t.tables().snapshots {
		if row.snap.Date.Equal(date) {
			return row.snap, nil
		}
	}
	return Snapshot{}, ErrSnapshotNotFound
}

func (t *memoryTx) LatestSnapshot(context.Context) (Snapshot, error) {
	var latest *Snapshot
	for i := range t.tables().snapshots {
		snap := &t.tables().snapshots[i].snap
		if latest == nil || snap.Date.After(latest.Date) {
			latest = snap
		}
	}
	if latest == nil {
		return Snapshot{}, ErrSnapshotNotFound
	}
	return *latest, nil
}

func (t *memoryTx) SnapshotOnHand(_ context.Context, snapshotID int64, scope Scope) (int64, error) {
	var total int64
	for _, line := range t.tables().snapshots[snapshotID-1].lines {
		if inScope(line.Key, scope) {
			total += line.Qty
		}
	}
	return total, nil
}

func (t *memoryTx) SlotTotals(_ context.Context, scope Scope) ([]SlotTotal, error) {
	var out []SlotTotal
	for key, slot := range t.tx.State().Slots {
		if inScope(key, scope) {
			out = append(out, SlotTotal{Key: key, Qty: slot.Qty})
		}
	}
	return out, nil
}

func (t *memoryTx) LedgerTotals(_ context.Context, scope Scope) ([]SlotTotal, error) {
	sums := map[ledger.SlotKey]int64{}
	for _, e := range t.tx.State().Entries {
		if inScope(e.Slot, scope) {
			sums[e.Slot] += e.Delta
		}
	}
	out := make([]SlotTotal, 0, len(sums))
	for key, qty := range sums {
		out = append(out, SlotTotal{Key: key, Qty: qty})
	}
	return out, nil
}

func (t *memoryTx) RaiseHold(_ context.Context, warehouseID int64, details string, at time.Time) (bool, error) {
	state := t.tx.State()
	if _, held := state.Holds[warehouseID]; held {
		return false, nil
	}
	state.Holds[warehouseID] = details
	tbl := t.tables()
	tbl.holds = append(tbl.holds, Hold{ID: int64(len(tbl.holds) + 1), WarehouseID: warehouseID, RaisedAt: at, Details: details})
	return true, nil
}

func (t *memoryTx) ClearHolds(_ context.Context, warehouseID int64, by string, at time.Time) (int64, error) {
	delete(t.tx.State().Holds, warehouseID)
	var cleared int64
	tbl := t.tables()
	for i := range tbl.holds {
		h := &tbl.holds[i]
		if h.WarehouseID == warehouseID && h.ClearedAt == nil {
			clearedAt := at
			h.ClearedAt, h.ClearedBy = &clearedAt, by
			cleared++
		}
	}
	return cleared, nil
}

func (t *memoryTx) ListActiveHolds(context.Context) ([]Hold, error) {
	var out []Hold
	for _, h := range t.tables().holds {
		if h.ClearedAt == nil {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WarehouseID < out[j].WarehouseID })
	return out, nil
}
