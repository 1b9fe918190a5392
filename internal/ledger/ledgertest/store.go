// Package ledgertest provides an in-memory ledger store for tests. Transactions
// are serialised and work on a copy of the state that is only published on
// success, so rollback and slot locking behave like the database. Interleave
// lets a test commit a competing transaction while another waits on a slot lock.
package ledgertest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/stockledger/internal/ledger"
)

// Table is extra transactional state layered on the store by other packages'
// fakes (reservations, snapshots).
type Table interface {
	CloneTable() Table
}

// ReservedCounter is implemented by tables holding open reservations so that
// the ledger's free-stock check sees them.
type ReservedCounter interface {
	ReservedQty(itemID, warehouseID int64, exclude uuid.UUID) int64
}

// State is the full store content.
type State struct {
	Slots       map[ledger.SlotKey]ledger.Slot
	Batches     map[ledger.SlotKey]ledger.Batch
	Entries     []ledger.Entry
	Holds       map[int64]string
	Tables      map[string]Table
	nextEntryID int64
	nextBatchID int64
}

func newState() *State {
	return &State{
		Slots:   map[ledger.SlotKey]ledger.Slot{},
		Batches: map[ledger.SlotKey]ledger.Batch{},
		Holds:   map[int64]string{},
		Tables:  map[string]Table{},
	}
}

func (s *State) clone() *State {
	out := newState()
	for k, v := range s.Slots {
		out.Slots[k] = v
	}
	for k, v := range s.Batches {
		out.Batches[k] = v
	}
	for k, v := range s.Holds {
		out.Holds[k] = v
	}
	for k, v := range s.Tables {
		out.Tables[k] = v.CloneTable()
	}
	out.Entries = append([]ledger.Entry(nil), s.Entries...)
	out.nextEntryID = s.nextEntryID
	out.nextBatchID = s.nextBatchID
	return out
}

// Store is an in-memory ledger.RepositoryPort.
type Store struct {
	mu     sync.Mutex
	state  *State
	onLock func()
	Now    func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{state: newState(), Now: func() time.Time { return time.Now().UTC() }}
}

// Do runs fn in a serialised transaction. The state is committed only when fn
// returns nil.
func (s *Store) Do(ctx context.Context, fn func(*Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &Tx{store: s, state: s.state.clone(), now: s.Now}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

// Interleave runs fn once, the next time any transaction asks for a slot lock.
// fn may run whole transactions against the store; they commit before the lock
// is granted, and the waiting transaction then reads the committed state the
// way a read-committed row lock does.
func (s *Store) Interleave(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLock = fn
}

// WithTx implements ledger.RepositoryPort.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, ledger.TxRepository) error) error {
	return s.Do(ctx, func(tx *Tx) error {
		return fn(ctx, tx)
	})
}

// GetSlot implements ledger.RepositoryPort.
func (s *Store) GetSlot(_ context.Context, key ledger.SlotKey) (ledger.Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.state.Slots[key]
	if !ok {
		return ledger.Slot{Key: key}, ledger.ErrSlotNotFound
	}
	return slot, nil
}

// ListEntries implements ledger.RepositoryPort.
func (s *Store) ListEntries(_ context.Context, filter ledger.EntryFilter) ([]ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []ledger.Entry{}
	for _, e := range s.state.Entries {
		if e.Slot != filter.Slot {
			continue
		}
		if !filter.From.IsZero() && e.OccurredAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && e.OccurredAt.After(filter.To) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// ListItemSlots implements ledger.RepositoryPort.
func (s *Store) ListItemSlots(_ context.Context, itemID, warehouseID int64) ([]ledger.Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slots := []ledger.Slot{}
	for _, slot := range s.state.Slots {
		if slot.Key.ItemID == itemID && slot.Key.WarehouseID == warehouseID {
			slots = append(slots, slot)
		}
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].Key.BatchCode < slots[j].Key.BatchCode })
	return slots, nil
}

// Entries returns a copy of every committed ledger row.
func (s *Store) Entries() []ledger.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ledger.Entry(nil), s.state.Entries...)
}

// Qty returns the committed quantity of a slot.
func (s *Store) Qty(key ledger.SlotKey) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Slots[key].Qty
}

// SetQty overwrites a slot without a ledger row, simulating a bypass write.
func (s *Store) SetQty(key ledger.SlotKey, qty int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Slots[key] = ledger.Slot{Key: key, Qty: qty, UpdatedAt: s.Now()}
}

// Tx is one in-flight transaction.
type Tx struct {
	store *Store
	state *State
	now   func() time.Time
}

// State exposes the transaction's working copy.
func (t *Tx) State() *State {
	return t.state
}

// Table returns the named extension table, creating it with init when absent.
func (t *Tx) Table(name string, init func() Table) Table {
	tbl, ok := t.state.Tables[name]
	if !ok {
		tbl = init()
		t.state.Tables[name] = tbl
	}
	return tbl
}

// Now returns the store clock.
func (t *Tx) Now() time.Time {
	return t.now()
}

func (t *Tx) FindEntry(_ context.Context, key ledger.IdempotencyKey) (ledger.Entry, error) {
	for _, e := range t.state.Entries {
		if e.Key() == key {
			return e, nil
		}
	}
	return ledger.Entry{}, ledger.ErrEntryNotFound
}

func (t *Tx) FindEntriesByRef(_ context.Context, itemID, warehouseID int64, reason ledger.ReasonKind, ref, refLine string) ([]ledger.Entry, error) {
	out := []ledger.Entry{}
	for _, e := range t.state.Entries {
		if e.Slot.ItemID != itemID || e.Slot.WarehouseID != warehouseID || e.Reason != reason || e.Ref != ref {
			continue
		}
		if e.RefLine == refLine || strings.HasPrefix(e.RefLine, refLine+"@") {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *Tx) InsertEntry(_ context.Context, e ledger.Entry) (int64, bool, error) {
	for _, existing := range t.state.Entries {
		if existing.Key() == e.Key() {
			return 0, false, nil
		}
	}
	t.state.nextEntryID++
	e.ID = t.state.nextEntryID
	e.CreatedAt = t.now()
	t.state.Entries = append(t.state.Entries, e)
	return e.ID, true, nil
}

func (t *Tx) EnsureSlot(_ context.Context, key ledger.SlotKey) error {
	if _, ok := t.state.Slots[key]; !ok {
		t.state.Slots[key] = ledger.Slot{Key: key, UpdatedAt: t.now()}
	}
	return nil
}

func (t *Tx) LockSlot(ctx context.Context, key ledger.SlotKey) (ledger.Slot, error) {
	if fn := t.store.onLock; fn != nil {
		t.store.onLock = nil
		t.store.mu.Unlock()
		fn()
		t.store.mu.Lock()
		t.rebase()
	}
	return t.GetSlot(ctx, key)
}

// rebase moves the transaction onto the latest committed state. Slots it
// created itself are kept; interleavings happen at the first lock, before any
// other write.
func (t *Tx) rebase() {
	next := t.store.state.clone()
	for key, slot := range t.state.Slots {
		if _, ok := next.Slots[key]; !ok {
			next.Slots[key] = slot
		}
	}
	t.state = next
}

func (t *Tx) GetSlot(_ context.Context, key ledger.SlotKey) (ledger.Slot, error) {
	slot, ok := t.state.Slots[key]
	if !ok {
		return ledger.Slot{Key: key}, ledger.ErrSlotNotFound
	}
	return slot, nil
}

func (t *Tx) ListSlotKeys(_ context.Context, itemID, warehouseID int64) ([]ledger.SlotKey, error) {
	var keys []ledger.SlotKey
	for key := range t.state.Slots {
		if key.ItemID == itemID && key.WarehouseID == warehouseID {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].BatchCode < keys[j].BatchCode })
	return keys, nil
}

func (t *Tx) UpdateSlotQty(_ context.Context, key ledger.SlotKey, qty int64) error {
	slot, ok := t.state.Slots[key]
	if !ok {
		return ledger.ErrSlotNotFound
	}
	slot.Qty = qty
	slot.UpdatedAt = t.now()
	t.state.Slots[key] = slot
	return nil
}

func (t *Tx) EnsureBatch(_ context.Context, b ledger.Batch) error {
	key := ledger.SlotKey{ItemID: b.ItemID, WarehouseID: b.WarehouseID, BatchCode: b.Code}
	if _, ok := t.state.Batches[key]; ok {
		return nil
	}
	t.state.nextBatchID++
	b.ID = t.state.nextBatchID
	t.state.Batches[key] = b
	return nil
}

func (t *Tx) ListBatches(_ context.Context, itemID, warehouseID int64) ([]ledger.Batch, error) {
	var batches []ledger.Batch
	for _, b := range t.state.Batches {
		if b.ItemID == itemID && b.WarehouseID == warehouseID {
			batches = append(batches, b)
		}
	}
	sort.Slice(batches, func(i, j int) bool { return batches[i].ID < batches[j].ID })
	return batches, nil
}

func (t *Tx) ReservedQty(_ context.Context, itemID, warehouseID int64, exclude uuid.UUID) (int64, error) {
	var total int64
	for _, tbl := range t.state.Tables {
		if counter, ok := tbl.(ReservedCounter); ok {
			total += counter.ReservedQty(itemID, warehouseID, exclude)
		}
	}
	return total, nil
}

func (t *Tx) HoldActive(_ context.Context, warehouseID int64) (bool, error) {
	_, held := t.state.Holds[warehouseID]
	return held, nil
}
