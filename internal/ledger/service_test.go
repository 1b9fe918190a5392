package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/ledger"
	"github.com/odyssey-erp/stockledger/internal/ledger/ledgertest"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

var slotB1 = ledger.SlotKey{ItemID: 42, WarehouseID: 1, BatchCode: "B1"}

func newService() (*ledger.Service, *ledgertest.Store) {
	store := ledgertest.NewStore()
	return ledger.NewService(store, nil, nil), store
}

func date(s string) *time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return &t
}

func sumDeltas(entries []ledger.Entry, key ledger.SlotKey) int64 {
	var total int64
	for _, e := range entries {
		if e.Slot == key {
			total += e.Delta
		}
	}
	return total
}

func TestReceivePickReplayScenario(t *testing.T) {
	svc, store := newService()
	ctx := context.Background()

	received, err := svc.ApplyMovement(ctx, ledger.Movement{
		Slot:   slotB1,
		Delta:  10,
		Reason: ledger.Receipt{Sub: ledger.SubPOReceipt, ExpiryDate: date("2030-01-01")},
		Ref:    "PO-1",
	})
	require.NoError(t, err)
	require.True(t, received.Applied)
	require.Equal(t, int64(10), received.AfterQty)
	require.Equal(t, int64(10), store.Qty(slotB1))
	require.Len(t, store.Entries(), 1)

	pick := ledger.Movement{Slot: slotB1, Delta: -4, Reason: ledger.Shipment{Sub: ledger.SubPick}, Ref: "PICK-1"}
	picked, err := svc.ApplyMovement(ctx, pick)
	require.NoError(t, err)
	require.True(t, picked.Applied)
	require.Equal(t, int64(6), picked.AfterQty)
	require.Equal(t, int64(6), store.Qty(slotB1))

	replayed, err := svc.ApplyMovement(ctx, pick)
	require.NoError(t, err)
	require.False(t, replayed.Applied)
	require.Equal(t, picked.LedgerID, replayed.LedgerID)
	require.Equal(t, picked.AfterQty, replayed.AfterQty)
	require.Equal(t, int64(6), store.Qty(slotB1))
	require.Len(t, store.Entries(), 2)
	require.Equal(t, store.Qty(slotB1), sumDeltas(store.Entries(), slotB1))
}

func TestReceiptRegistersBatchOnce(t *testing.T) {
	svc, store := newService()
	ctx := context.Background()

	_, err := svc.ApplyMovement(ctx, ledger.Movement{Slot: slotB1, Delta: 5, Reason: ledger.Receipt{Sub: ledger.SubPOReceipt, ExpiryDate: date("2030-01-01")}, Ref: "PO-1"})
	require.NoError(t, err)
	_, err = svc.ApplyMovement(ctx, ledger.Movement{Slot: slotB1, Delta: 5, Reason: ledger.Receipt{Sub: ledger.SubPOReceipt, ExpiryDate: date("2031-01-01")}, Ref: "PO-2"})
	require.NoError(t, err)

	err = store.Do(ctx, func(tx *ledgertest.Tx) error {
		batches, err := tx.ListBatches(ctx, 42, 1)
		require.NoError(t, err)
		require.Len(t, batches, 1)
		require.Equal(t, *date("2030-01-01"), *batches[0].ExpiryDate)
		return nil
	})
	require.NoError(t, err)
}

func TestInsufficientStockWritesNothing(t *testing.T) {
	svc, store := newService()
	ctx := context.Background()

	_, err := svc.ApplyMovement(ctx, ledger.Movement{Slot: slotB1, Delta: 3, Reason: ledger.Receipt{Sub: ledger.SubPOReceipt}, Ref: "PO-1"})
	require.NoError(t, err)

	_, err = svc.ApplyMovement(ctx, ledger.Movement{Slot: slotB1, Delta: -4, Reason: ledger.Shipment{Sub: ledger.SubOrderShip}, Ref: "SO-1"})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)
	require.Equal(t, int64(3), store.Qty(slotB1))
	require.Len(t, store.Entries(), 1)
}

func TestZeroDeltaIsIdempotentConfirmation(t *testing.T) {
	svc, store := newService()
	ctx := context.Background()
	count := ledger.Movement{Slot: slotB1, Delta: 0, Reason: ledger.Adjustment{Sub: ledger.SubCountAdjust}, Ref: "COUNT-7", RefLine: "1"}

	first, err := svc.ApplyMovement(ctx, count)
	require.NoError(t, err)
	require.True(t, first.Applied)
	require.Equal(t, int64(0), first.AfterQty)

	second, err := svc.ApplyMovement(ctx, count)
	require.NoError(t, err)
	require.False(t, second.Applied)
	require.Equal(t, first.LedgerID, second.LedgerID)
	require.Len(t, store.Entries(), 1)
}

func TestValidationRejectsBeforeWrite(t *testing.T) {
	svc, store := newService()
	ctx := context.Background()

	cases := map[string]ledger.Movement{
		"missing ref":       {Slot: slotB1, Delta: 1, Reason: ledger.Receipt{Sub: ledger.SubPOReceipt}},
		"missing reason":    {Slot: slotB1, Delta: 1, Ref: "X"},
		"missing batch":     {Slot: ledger.SlotKey{ItemID: 1, WarehouseID: 1}, Delta: 1, Reason: ledger.Receipt{Sub: ledger.SubPOReceipt}, Ref: "X"},
		"negative receipt":  {Slot: slotB1, Delta: -1, Reason: ledger.Receipt{Sub: ledger.SubPOReceipt}, Ref: "X"},
		"positive shipment": {Slot: slotB1, Delta: 1, Reason: ledger.Shipment{Sub: ledger.SubOrderShip}, Ref: "X"},
		"bad sub reason":    {Slot: slotB1, Delta: 1, Reason: ledger.Adjustment{Sub: "SHRUG"}, Ref: "X"},
		"expiry before production": {Slot: slotB1, Delta: 1, Ref: "X", Reason: ledger.Receipt{
			Sub: ledger.SubPOReceipt, ProductionDate: date("2030-01-02"), ExpiryDate: date("2030-01-01"),
		}},
	}
	for name, m := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.ApplyMovement(ctx, m)
			require.ErrorIs(t, err, shared.ErrValidation)
		})
	}
	require.Empty(t, store.Entries())
}

func TestHoldBlocksNewMovementsButNotReplays(t *testing.T) {
	svc, store := newService()
	ctx := context.Background()
	receipt := ledger.Movement{Slot: slotB1, Delta: 5, Reason: ledger.Receipt{Sub: ledger.SubPOReceipt}, Ref: "PO-1"}
	_, err := svc.ApplyMovement(ctx, receipt)
	require.NoError(t, err)

	require.NoError(t, store.Do(ctx, func(tx *ledgertest.Tx) error {
		tx.State().Holds[1] = "mismatch"
		return nil
	}))

	_, err = svc.ApplyMovement(ctx, ledger.Movement{Slot: slotB1, Delta: -1, Reason: ledger.Shipment{Sub: ledger.SubPick}, Ref: "PICK-1"})
	require.ErrorIs(t, err, shared.ErrScopeHalted)

	res, err := svc.ApplyMovement(ctx, receipt)
	require.NoError(t, err)
	require.False(t, res.Applied)

	other := ledger.SlotKey{ItemID: 42, WarehouseID: 2, BatchCode: "B1"}
	_, err = svc.ApplyMovement(ctx, ledger.Movement{Slot: other, Delta: 1, Reason: ledger.Receipt{Sub: ledger.SubPOReceipt}, Ref: "PO-9"})
	require.NoError(t, err)
}

type heldStock map[uuid.UUID]int64

func (h heldStock) CloneTable() ledgertest.Table { return h }

func (h heldStock) ReservedQty(_, _ int64, exclude uuid.UUID) int64 {
	var total int64
	for id, qty := range h {
		if id != exclude {
			total += qty
		}
	}
	return total
}

func TestOutboundCannotTakeReservedStock(t *testing.T) {
	svc, store := newService()
	ctx := context.Background()
	slotB2 := ledger.SlotKey{ItemID: 42, WarehouseID: 1, BatchCode: "B2"}
	_, err := svc.ApplyMovement(ctx, ledger.Movement{Slot: slotB1, Delta: 3, Reason: ledger.Receipt{Sub: ledger.SubPOReceipt}, Ref: "PO-1"})
	require.NoError(t, err)
	_, err = svc.ApplyMovement(ctx, ledger.Movement{Slot: slotB2, Delta: 2, Reason: ledger.Receipt{Sub: ledger.SubPOReceipt}, Ref: "PO-2"})
	require.NoError(t, err)

	order := uuid.New()
	require.NoError(t, store.Do(ctx, func(tx *ledgertest.Tx) error {
		tx.Table("held", func() ledgertest.Table { return heldStock{order: 4} })
		return nil
	}))

	// Pool holds 5 with 4 reserved: B1 alone has 3 but only 1 is free.
	_, err = svc.ApplyMovement(ctx, ledger.Movement{Slot: slotB1, Delta: -2, Reason: ledger.Shipment{Sub: ledger.SubPick}, Ref: "PICK-1"})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)
	_, err = svc.ApplyMovement(ctx, ledger.Movement{Slot: slotB1, Delta: -2, Reason: ledger.Adjustment{Sub: ledger.SubDamage}, Ref: "DMG-1"})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)
	require.Equal(t, int64(3), store.Qty(slotB1))

	_, err = svc.ApplyMovement(ctx, ledger.Movement{Slot: slotB1, Delta: -1, Reason: ledger.Shipment{Sub: ledger.SubPick}, Ref: "PICK-2"})
	require.NoError(t, err)

	// The reservation's own shipment does not count its hold against itself.
	res, err := svc.ApplyMovement(ctx, ledger.Movement{Slot: slotB1, Delta: -2, Reason: ledger.Shipment{Sub: ledger.SubOrderShip}, Ref: "SO-1", Reservation: order})
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Zero(t, store.Qty(slotB1))
	require.Equal(t, int64(2), store.Qty(slotB2))
}

func TestConcurrentIdenticalMovementsApplyOnce(t *testing.T) {
	svc, store := newService()
	ctx := context.Background()
	_, err := svc.ApplyMovement(ctx, ledger.Movement{Slot: slotB1, Delta: 100, Reason: ledger.Receipt{Sub: ledger.SubPOReceipt}, Ref: "PO-1"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]ledger.Result, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.ApplyMovement(ctx, ledger.Movement{Slot: slotB1, Delta: -10, Reason: ledger.Shipment{Sub: ledger.SubOrderShip}, Ref: "SO-1", RefLine: "1"})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, res := range results {
		if res.Applied {
			applied++
		}
		require.Equal(t, int64(90), res.AfterQty)
	}
	require.Equal(t, 1, applied)
	require.Equal(t, int64(90), store.Qty(slotB1))
	require.Equal(t, store.Qty(slotB1), sumDeltas(store.Entries(), slotB1))
}

func TestGetBalanceOfUnseenSlotIsZero(t *testing.T) {
	svc, _ := newService()
	slot, err := svc.GetBalance(context.Background(), ledger.SlotKey{ItemID: 9, WarehouseID: 9, BatchCode: "NONE"})
	require.NoError(t, err)
	require.Zero(t, slot.Qty)
}

func TestTraceIDStampedFromContext(t *testing.T) {
	svc, store := newService()
	ctx := shared.ContextWithTraceID(context.Background(), "trace-abc")
	_, err := svc.ApplyMovement(ctx, ledger.Movement{Slot: slotB1, Delta: 1, Reason: ledger.Receipt{Sub: ledger.SubReturnReceipt}, Ref: "RMA-1"})
	require.NoError(t, err)
	require.Equal(t, "trace-abc", store.Entries()[0].TraceID)
}

func TestParseReason(t *testing.T) {
	reason, err := ledger.ParseReason("SHIPMENT", "ORDER_SHIP")
	require.NoError(t, err)
	require.Equal(t, ledger.ReasonShipment, reason.Kind())

	_, err = ledger.ParseReason("SHIPMENT", "PO_RECEIPT")
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = ledger.ParseReason("TELEPORT", "")
	require.ErrorIs(t, err, shared.ErrValidation)
}
