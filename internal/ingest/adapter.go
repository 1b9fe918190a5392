package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockledger/internal/allocation"
	"github.com/odyssey-erp/stockledger/internal/ledger"
	"github.com/odyssey-erp/stockledger/internal/reservation"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// ReleaseReasonMarketplace is recorded when the marketplace cancels an order.
const ReleaseReasonMarketplace = "marketplace_cancelled"

// Reservations is the reservation surface used by the adapter.
type Reservations interface {
	Reserve(ctx context.Context, req reservation.ReserveRequest) (reservation.Reservation, error)
	Lookup(ctx context.Context, key reservation.Key) (reservation.Reservation, error)
	Consume(ctx context.Context, id uuid.UUID) (reservation.Reservation, error)
	Release(ctx context.Context, id uuid.UUID, reason string) (reservation.Reservation, error)
}

// Outbound ships stock that was never reserved.
type Outbound interface {
	Ship(ctx context.Context, req allocation.ShipRequest) (allocation.ShipResult, error)
}

// Ledger posts receipts.
type Ledger interface {
	ApplyMovement(ctx context.Context, m ledger.Movement) (ledger.Result, error)
}

// Adapter handles TaskMarketplaceEvent tasks.
type Adapter struct {
	reservations Reservations
	outbound     Outbound
	ledger       Ledger
	logger       *slog.Logger
}

// NewAdapter constructs Adapter.
func NewAdapter(reservations Reservations, outbound Outbound, ledgerSvc Ledger, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{reservations: reservations, outbound: outbound, ledger: ledgerSvc, logger: logger}
}

// Handle implements asynq.HandlerFunc. Malformed payloads and permanent
// business failures are logged and skipped; everything else is returned so
// asynq retries the task.
func (a *Adapter) Handle(ctx context.Context, task *asynq.Task) error {
	event, err := Decode(task.Payload())
	if err != nil {
		a.logger.Warn("marketplace event dropped", slog.String("task", task.Type()), slog.Any("error", err))
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	ctx = shared.ContextWithTraceID(ctx, event.TraceID)
	logger := a.logger.With(
		slog.String("platform", event.Platform),
		slog.String("shop_id", event.ShopID),
		slog.String("kind", string(event.Kind)),
		slog.String("ref", event.Ref))

	err = a.Apply(ctx, event)
	switch {
	case err == nil:
		logger.Debug("marketplace event applied")
		return nil
	case permanent(err):
		logger.Error("marketplace event rejected", slog.Any("error", err))
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	default:
		logger.Warn("marketplace event failed, will retry", slog.Any("error", err))
		return err
	}
}

// Apply routes one validated event to the core.
func (a *Adapter) Apply(ctx context.Context, e Event) error {
	switch e.Kind {
	case KindOrderCreated:
		return a.orderCreated(ctx, e)
	case KindOrderCancelled:
		return a.orderCancelled(ctx, e)
	case KindOrderShipped:
		return a.orderShipped(ctx, e)
	case KindStockReceived:
		return a.stockReceived(ctx, e)
	default:
		return shared.NewValidationError("kind", "is not supported")
	}
}

func (a *Adapter) key(e Event) reservation.Key {
	return reservation.Key{Platform: e.Platform, ShopID: e.ShopID, WarehouseID: e.WarehouseID, Ref: e.Ref}
}

func (a *Adapter) orderCreated(ctx context.Context, e Event) error {
	lines := make([]reservation.Line, 0, len(e.Lines))
	for _, l := range e.Lines {
		lines = append(lines, reservation.Line{ItemID: l.ItemID, Qty: l.Qty})
	}
	_, err := a.reservations.Reserve(ctx, reservation.ReserveRequest{
		Platform:    e.Platform,
		ShopID:      e.ShopID,
		WarehouseID: e.WarehouseID,
		Ref:         e.Ref,
		Lines:       lines,
		TTL:         time.Duration(e.TTLSeconds) * time.Second,
	})
	return err
}

func (a *Adapter) orderCancelled(ctx context.Context, e Event) error {
	res, err := a.reservations.Lookup(ctx, a.key(e))
	if errors.Is(err, shared.ErrNotFound) {
		// Cancelled before it was ever reserved: nothing is held.
		return nil
	}
	if err != nil {
		return err
	}
	_, err = a.reservations.Release(ctx, res.ID, ReleaseReasonMarketplace)
	return err
}

// orderShipped consumes the order's reservation. Orders shipped without one
// go straight through FEFO outbound under the order ref.
func (a *Adapter) orderShipped(ctx context.Context, e Event) error {
	res, err := a.reservations.Lookup(ctx, a.key(e))
	if err == nil {
		_, err = a.reservations.Consume(ctx, res.ID)
		return err
	}
	if !errors.Is(err, shared.ErrNotFound) {
		return err
	}
	for _, l := range e.Lines {
		_, err := a.outbound.Ship(ctx, allocation.ShipRequest{
			ItemID:      l.ItemID,
			WarehouseID: e.WarehouseID,
			Qty:         l.Qty,
			Policy:      allocation.PolicyStrict,
			Sub:         ledger.SubOrderShip,
			Ref:         e.Platform + ":" + e.Ref,
			RefLine:     strconv.FormatInt(l.ItemID, 10),
			OccurredAt:  e.OccurredAt,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) stockReceived(ctx context.Context, e Event) error {
	for _, l := range e.Lines {
		_, err := a.ledger.ApplyMovement(ctx, ledger.Movement{
			Slot:       ledger.SlotKey{ItemID: l.ItemID, WarehouseID: e.WarehouseID, BatchCode: l.BatchCode},
			Delta:      l.Qty,
			Reason:     ledger.Receipt{Sub: ledger.SubPOReceipt, ExpiryDate: l.ExpiryDate},
			Ref:        e.Platform + ":" + e.Ref,
			RefLine:    strconv.FormatInt(l.ItemID, 10) + "@" + l.BatchCode,
			OccurredAt: e.OccurredAt,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func permanent(err error) bool {
	return errors.Is(err, shared.ErrValidation) ||
		errors.Is(err, shared.ErrInsufficientStock) ||
		errors.Is(err, shared.ErrInvalidTransition)
}
