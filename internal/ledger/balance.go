package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// GetBalance returns the slot quantity. With forUpdate the slot row is locked
// until the enclosing transaction ends; an unseen slot is created at zero
// first so concurrent first writers serialise on the same row.
func GetBalance(ctx context.Context, tx TxRepository, key SlotKey, forUpdate bool) (int64, error) {
	if !forUpdate {
		slot, err := tx.GetSlot(ctx, key)
		if errors.Is(err, ErrSlotNotFound) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		return slot.Qty, nil
	}
	slot, err := lockSlot(ctx, tx, key)
	if err != nil {
		return 0, err
	}
	return slot.Qty, nil
}

// LockSlots locks every distinct key in SlotKey order and returns the slots in
// that order.
func LockSlots(ctx context.Context, tx TxRepository, keys []SlotKey) ([]Slot, error) {
	sorted := SortKeys(keys)
	slots := make([]Slot, 0, len(sorted))
	for _, key := range sorted {
		slot, err := lockSlot(ctx, tx, key)
		if err != nil {
			return nil, err
		}
		slots = append(slots, slot)
	}
	return slots, nil
}

// LockItemSlots locks every existing batch slot of an (item, warehouse) pool.
func LockItemSlots(ctx context.Context, tx TxRepository, itemID, warehouseID int64) ([]Slot, error) {
	keys, err := tx.ListSlotKeys(ctx, itemID, warehouseID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list slots %d/%d: %w", itemID, warehouseID, err)
	}
	return LockSlots(ctx, tx, keys)
}

// SortKeys returns a sorted copy of keys without duplicates.
func SortKeys(keys []SlotKey) []SlotKey {
	out := make([]SlotKey, 0, len(keys))
	seen := make(map[SlotKey]struct{}, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// TotalQty sums slot quantities.
func TotalQty(slots []Slot) int64 {
	var total int64
	for _, slot := range slots {
		total += slot.Qty
	}
	return total
}

func lockSlot(ctx context.Context, tx TxRepository, key SlotKey) (Slot, error) {
	if err := tx.EnsureSlot(ctx, key); err != nil {
		return Slot{}, fmt.Errorf("ledger: ensure slot %s: %w", key, err)
	}
	slot, err := tx.LockSlot(ctx, key)
	if err != nil {
		return Slot{}, fmt.Errorf("ledger: lock slot %s: %w", key, err)
	}
	return slot, nil
}
