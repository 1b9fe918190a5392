// Package reservation holds soft claims against available stock until they
// are shipped, cancelled or expire.
package reservation

import (
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Status is the reservation lifecycle state.
type Status string

const (
	StatusReserved Status = "RESERVED"
	StatusConsumed Status = "CONSUMED"
	StatusReleased Status = "RELEASED"
	StatusExpired  Status = "EXPIRED"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s != StatusReserved
}

// Release reasons recorded on RELEASED and EXPIRED reservations.
const (
	ReasonCancelled = "cancelled"
	ReasonTTL       = "ttl"
)

// Line is the quantity of one item held by a reservation.
type Line struct {
	ItemID      int64 `json:"item_id" validate:"gt=0"`
	Qty         int64 `json:"qty" validate:"gt=0"`
	ConsumedQty int64 `json:"consumed_qty"`
}

// Outstanding is the part of the line still held against stock.
func (l Line) Outstanding() int64 {
	return l.Qty - l.ConsumedQty
}

// Reservation is a soft claim for one marketplace order in one warehouse.
type Reservation struct {
	ID            uuid.UUID `json:"id"`
	Platform      string    `json:"platform"`
	ShopID        string    `json:"shop_id"`
	WarehouseID   int64     `json:"warehouse_id"`
	Ref           string    `json:"ref"`
	Status        Status    `json:"status"`
	ReleaseReason string    `json:"release_reason,omitempty"`
	Lines         []Line    `json:"lines"`
	ExpiresAt     time.Time `json:"expires_at"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Key returns the idempotency key of the reservation.
func (r Reservation) Key() Key {
	return Key{Platform: r.Platform, ShopID: r.ShopID, WarehouseID: r.WarehouseID, Ref: r.Ref}
}

// Key is unique across reservations.
type Key struct {
	Platform    string
	ShopID      string
	WarehouseID int64
	Ref         string
}

// ReserveRequest creates a reservation. TTL falls back to the service default.
type ReserveRequest struct {
	Platform    string        `json:"platform" validate:"required,max=32"`
	ShopID      string        `json:"shop_id" validate:"required,max=64"`
	WarehouseID int64         `json:"warehouse_id" validate:"gt=0"`
	Ref         string        `json:"ref" validate:"required,max=120"`
	Lines       []Line        `json:"lines" validate:"required,min=1,dive"`
	TTL         time.Duration `json:"-"`
}

func (r ReserveRequest) key() Key {
	return Key{Platform: r.Platform, ShopID: r.ShopID, WarehouseID: r.WarehouseID, Ref: r.Ref}
}

// Availability is the reservable stock of an (item, warehouse) pool.
type Availability struct {
	ItemID      int64 `json:"item_id"`
	WarehouseID int64 `json:"warehouse_id"`
	OnHand      int64 `json:"on_hand"`
	Reserved    int64 `json:"reserved"`
	Available   int64 `json:"available"`
}

// ErrReservationNotFound indicates an unknown reservation id or key.
var ErrReservationNotFound = errors.New("reservation not found")

// mergeLines sums duplicate items and orders lines by item id, which is also
// the order their slots are locked in.
func mergeLines(lines []Line) []Line {
	byItem := make(map[int64]int64, len(lines))
	for _, l := range lines {
		byItem[l.ItemID] += l.Qty
	}
	out := make([]Line, 0, len(byItem))
	for item, qty := range byItem {
		out = append(out, Line{ItemID: item, Qty: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out
}
