// Package ingest turns queued marketplace events into ledger movements and
// reservation calls. Events that cannot be parsed are dropped here and never
// reach the ledger.
package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

// TaskMarketplaceEvent is the asynq task type carrying one Event.
const TaskMarketplaceEvent = "ingest:marketplace_event"

// Kind names the marketplace event.
type Kind string

const (
	KindOrderCreated   Kind = "order_created"
	KindOrderCancelled Kind = "order_cancelled"
	KindOrderShipped   Kind = "order_shipped"
	KindStockReceived  Kind = "stock_received"
)

// Line is one item of an order or receipt.
type Line struct {
	ItemID     int64      `json:"item_id" validate:"gt=0"`
	Qty        int64      `json:"qty" validate:"gt=0"`
	BatchCode  string     `json:"batch_code,omitempty" validate:"max=64"`
	ExpiryDate *time.Time `json:"expiry_date,omitempty"`
}

// Event is the normalised payload published by marketplace connectors.
type Event struct {
	Platform    string    `json:"platform" validate:"required,max=32"`
	ShopID      string    `json:"shop_id" validate:"required,max=64"`
	Kind        Kind      `json:"kind" validate:"required,oneof=order_created order_cancelled order_shipped stock_received"`
	WarehouseID int64     `json:"warehouse_id" validate:"gt=0"`
	Ref         string    `json:"ref" validate:"required,max=80"`
	Lines       []Line    `json:"lines" validate:"dive"`
	TTLSeconds  int64     `json:"ttl_seconds,omitempty" validate:"gte=0"`
	OccurredAt  time.Time `json:"occurred_at"`
	TraceID     string    `json:"trace_id,omitempty"`
}

// Validate checks field rules and the per-kind line requirements.
func (e Event) Validate() error {
	if err := shared.ValidateStruct(e); err != nil {
		return err
	}
	switch e.Kind {
	case KindOrderCreated, KindStockReceived:
		if len(e.Lines) == 0 {
			return shared.NewValidationError("lines", "must not be empty for "+string(e.Kind))
		}
	}
	if e.Kind == KindStockReceived {
		for i, l := range e.Lines {
			if l.BatchCode == "" {
				return shared.NewValidationError(fmt.Sprintf("lines[%d].batch_code", i), "is required for stock_received")
			}
		}
	}
	return nil
}

// NewTask encodes e as an asynq task.
func NewTask(e Event) (*asynq.Task, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskMarketplaceEvent, body), nil
}

// Decode parses and validates a task payload.
func Decode(payload []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return Event{}, shared.NewValidationError("payload", "is not valid JSON: "+err.Error())
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}
