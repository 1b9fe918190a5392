package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SlotKey identifies the (item, warehouse, batch) triple a balance is tracked against.
type SlotKey struct {
	ItemID      int64  `json:"item_id" validate:"gt=0"`
	WarehouseID int64  `json:"warehouse_id" validate:"gt=0"`
	BatchCode   string `json:"batch_code" validate:"required,max=64"`
}

// Less orders slot keys by warehouse, item then batch. Multi-slot operations
// acquire locks in this order.
func (k SlotKey) Less(other SlotKey) bool {
	if k.WarehouseID != other.WarehouseID {
		return k.WarehouseID < other.WarehouseID
	}
	if k.ItemID != other.ItemID {
		return k.ItemID < other.ItemID
	}
	return k.BatchCode < other.BatchCode
}

func (k SlotKey) String() string {
	return fmt.Sprintf("%d/%d/%s", k.ItemID, k.WarehouseID, k.BatchCode)
}

// Slot is the materialised on-hand quantity of a SlotKey.
type Slot struct {
	Key       SlotKey   `json:"key"`
	Qty       int64     `json:"qty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Batch carries production metadata. A nil ExpiryDate never expires.
type Batch struct {
	ID             int64      `json:"id"`
	Code           string     `json:"batch_code"`
	ItemID         int64      `json:"item_id"`
	WarehouseID    int64      `json:"warehouse_id"`
	ProductionDate *time.Time `json:"production_date,omitempty"`
	ExpiryDate     *time.Time `json:"expiry_date,omitempty"`
}

// Entry is one immutable ledger row.
type Entry struct {
	ID         int64      `json:"id"`
	Slot       SlotKey    `json:"slot"`
	Delta      int64      `json:"delta"`
	Reason     ReasonKind `json:"reason"`
	SubReason  string     `json:"sub_reason"`
	Ref        string     `json:"ref"`
	RefLine    string     `json:"ref_line"`
	OccurredAt time.Time  `json:"occurred_at"`
	AfterQty   int64      `json:"after_qty"`
	TraceID    string     `json:"trace_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Key returns the idempotency key of the entry.
func (e Entry) Key() IdempotencyKey {
	return IdempotencyKey{Slot: e.Slot, Reason: e.Reason, Ref: e.Ref, RefLine: e.RefLine}
}

// IdempotencyKey is unique across the ledger: (warehouse, batch, item, reason, ref, ref_line).
type IdempotencyKey struct {
	Slot    SlotKey
	Reason  ReasonKind
	Ref     string
	RefLine string
}

// Movement is a request to change a slot by Delta.
type Movement struct {
	Slot       SlotKey `validate:"required"`
	Delta      int64
	Reason     Reason `validate:"required"`
	Ref        string `validate:"required,max=128"`
	RefLine    string `validate:"max=128"`
	OccurredAt time.Time
	TraceID    string
	// Reservation is the reservation this movement fulfils. Its own hold is
	// not counted against free stock on the way out.
	Reservation uuid.UUID
}

// Key returns the idempotency key of the movement.
func (m Movement) Key() IdempotencyKey {
	var kind ReasonKind
	if m.Reason != nil {
		kind = m.Reason.Kind()
	}
	return IdempotencyKey{Slot: m.Slot, Reason: kind, Ref: m.Ref, RefLine: m.RefLine}
}

// Result reports the outcome of ApplyMovement. Applied is false for replays.
type Result struct {
	LedgerID int64   `json:"ledger_id"`
	AfterQty int64   `json:"after_qty"`
	Applied  bool    `json:"applied"`
	Slot     SlotKey `json:"slot"`
	Delta    int64   `json:"delta"`
}

// EntryFilter narrows ledger history reads.
type EntryFilter struct {
	Slot  SlotKey
	From  time.Time
	To    time.Time
	Limit int
}

var (
	// ErrEntryNotFound indicates no ledger row exists for an idempotency key.
	ErrEntryNotFound = errors.New("ledger entry not found")
	// ErrSlotNotFound indicates the slot has never received a movement.
	ErrSlotNotFound = errors.New("stock slot not found")
)
