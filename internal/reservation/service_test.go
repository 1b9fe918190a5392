package reservation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/allocation"
	"github.com/odyssey-erp/stockledger/internal/ledger"
	"github.com/odyssey-erp/stockledger/internal/ledger/ledgertest"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

type allocationRepo struct {
	repo *memoryRepo
}

func (a allocationRepo) WithTx(ctx context.Context, fn func(context.Context, allocation.TxRepository) error) error {
	return a.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return fn(ctx, tx)
	})
}

type fixture struct {
	ctx    context.Context
	repo   *memoryRepo
	ledger *ledger.Service
	svc    *Service
	clock  time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := newMemoryRepo()
	ledgerSvc := ledger.NewService(repo.store, nil, nil)
	allocator := allocation.NewService(allocationRepo{repo: repo}, ledgerSvc, nil, allocation.ServiceConfig{})
	f := &fixture{
		ctx:    context.Background(),
		repo:   repo,
		ledger: ledgerSvc,
		svc:    NewService(repo, allocator, nil, nil, ServiceConfig{DefaultTTL: 30 * time.Minute}),
		clock:  time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) receive(t *testing.T, item int64, batch string, qty int64) {
	t.Helper()
	_, err := f.ledger.ApplyMovement(f.ctx, ledger.Movement{
		Slot:   ledger.SlotKey{ItemID: item, WarehouseID: 1, BatchCode: batch},
		Delta:  qty,
		Reason: ledger.Receipt{Sub: ledger.SubPOReceipt},
		Ref:    "PO-" + batch,
	})
	require.NoError(t, err)
}

func order(ref string, lines ...Line) ReserveRequest {
	return ReserveRequest{Platform: "shopee", ShopID: "S1", WarehouseID: 1, Ref: ref, Lines: lines}
}

func TestReserveIsIdempotentOnKey(t *testing.T) {
	f := newFixture(t)
	f.receive(t, 42, "B1", 5)

	first, err := f.svc.Reserve(f.ctx, order("ORD-1", Line{ItemID: 42, Qty: 3}))
	require.NoError(t, err)
	require.Equal(t, StatusReserved, first.Status)
	require.Equal(t, f.clock.Add(30*time.Minute), first.ExpiresAt)

	again, err := f.svc.Reserve(f.ctx, order("ORD-1", Line{ItemID: 42, Qty: 3}))
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)

	avail, err := f.svc.Availability(f.ctx, 42, 1)
	require.NoError(t, err)
	require.Equal(t, Availability{ItemID: 42, WarehouseID: 1, OnHand: 5, Reserved: 3, Available: 2}, avail)
}

func TestReserveResubmittedWhileWaitingOnLocksReturnsExisting(t *testing.T) {
	f := newFixture(t)
	f.receive(t, 42, "B1", 5)
	req := order("ORD-1", Line{ItemID: 42, Qty: 3})

	// The first submission commits while the second waits on the pool lock.
	var first Reservation
	var firstErr error
	f.repo.store.Interleave(func() {
		first, firstErr = f.svc.Reserve(f.ctx, req)
	})

	second, err := f.svc.Reserve(f.ctx, req)
	require.NoError(t, err)
	require.NoError(t, firstErr)
	require.Equal(t, first.ID, second.ID)

	avail, err := f.svc.Availability(f.ctx, 42, 1)
	require.NoError(t, err)
	require.Equal(t, int64(3), avail.Reserved)
}

func TestDirectPickCannotTakeReservedStock(t *testing.T) {
	f := newFixture(t)
	f.receive(t, 42, "B1", 5)
	res, err := f.svc.Reserve(f.ctx, order("ORD-1", Line{ItemID: 42, Qty: 5}))
	require.NoError(t, err)

	_, err = f.ledger.ApplyMovement(f.ctx, ledger.Movement{
		Slot:   ledger.SlotKey{ItemID: 42, WarehouseID: 1, BatchCode: "B1"},
		Delta:  -3,
		Reason: ledger.Shipment{Sub: ledger.SubPick},
		Ref:    "WALKIN-1",
	})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	avail, err := f.svc.Availability(f.ctx, 42, 1)
	require.NoError(t, err)
	require.Equal(t, Availability{ItemID: 42, WarehouseID: 1, OnHand: 5, Reserved: 5, Available: 0}, avail)

	consumed, err := f.svc.Consume(f.ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, StatusConsumed, consumed.Status)
	require.Zero(t, f.repo.store.Qty(ledger.SlotKey{ItemID: 42, WarehouseID: 1, BatchCode: "B1"}))
}

func TestReserveMergesDuplicateLines(t *testing.T) {
	f := newFixture(t)
	f.receive(t, 42, "B1", 5)

	res, err := f.svc.Reserve(f.ctx, order("ORD-1", Line{ItemID: 42, Qty: 2}, Line{ItemID: 42, Qty: 2}))
	require.NoError(t, err)
	require.Equal(t, []Line{{ItemID: 42, Qty: 4}}, res.Lines)
}

func TestReserveRejectsOversell(t *testing.T) {
	f := newFixture(t)
	f.receive(t, 42, "B1", 5)
	f.receive(t, 43, "B1", 1)

	_, err := f.svc.Reserve(f.ctx, order("ORD-1", Line{ItemID: 42, Qty: 3}))
	require.NoError(t, err)

	_, err = f.svc.Reserve(f.ctx, order("ORD-2", Line{ItemID: 42, Qty: 3}))
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	// All lines or nothing.
	_, err = f.svc.Reserve(f.ctx, order("ORD-3", Line{ItemID: 42, Qty: 2}, Line{ItemID: 43, Qty: 2}))
	require.ErrorIs(t, err, shared.ErrInsufficientStock)
	avail, err := f.svc.Availability(f.ctx, 42, 1)
	require.NoError(t, err)
	require.Equal(t, int64(2), avail.Available)
}

func TestConcurrentReservationsNeverExceedOnHand(t *testing.T) {
	f := newFixture(t)
	f.receive(t, 42, "B1", 5)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, ref := range []string{"ORD-A", "ORD-B"} {
		wg.Add(1)
		go func(i int, ref string) {
			defer wg.Done()
			_, errs[i] = f.svc.Reserve(f.ctx, order(ref, Line{ItemID: 42, Qty: 3}))
		}(i, ref)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, shared.ErrInsufficientStock)
	}
	require.Equal(t, 1, succeeded)

	avail, err := f.svc.Availability(f.ctx, 42, 1)
	require.NoError(t, err)
	require.LessOrEqual(t, avail.Reserved, avail.OnHand)
}

func TestConsumeShipsFEFOAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.receive(t, 42, "B1", 2)
	f.receive(t, 42, "B2", 5)
	res, err := f.svc.Reserve(f.ctx, order("ORD-1", Line{ItemID: 42, Qty: 4}))
	require.NoError(t, err)

	consumed, err := f.svc.Consume(f.ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, StatusConsumed, consumed.Status)
	require.Equal(t, int64(4), consumed.Lines[0].ConsumedQty)
	require.Zero(t, f.repo.store.Qty(ledger.SlotKey{ItemID: 42, WarehouseID: 1, BatchCode: "B1"}))
	require.Equal(t, int64(3), f.repo.store.Qty(ledger.SlotKey{ItemID: 42, WarehouseID: 1, BatchCode: "B2"}))
	entries := len(f.repo.store.Entries())

	again, err := f.svc.Consume(f.ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, StatusConsumed, again.Status)
	require.Len(t, f.repo.store.Entries(), entries)

	avail, err := f.svc.Availability(f.ctx, 42, 1)
	require.NoError(t, err)
	require.Equal(t, Availability{ItemID: 42, WarehouseID: 1, OnHand: 3, Reserved: 0, Available: 3}, avail)
}

func TestConsumeAfterReleaseIsInvalid(t *testing.T) {
	f := newFixture(t)
	f.receive(t, 42, "B1", 5)
	res, err := f.svc.Reserve(f.ctx, order("ORD-1", Line{ItemID: 42, Qty: 1}))
	require.NoError(t, err)

	released, err := f.svc.Release(f.ctx, res.ID, "")
	require.NoError(t, err)
	require.Equal(t, StatusReleased, released.Status)
	require.Equal(t, ReasonCancelled, released.ReleaseReason)

	_, err = f.svc.Consume(f.ctx, res.ID)
	require.ErrorIs(t, err, shared.ErrInvalidTransition)

	// Re-reserving the same order after a terminal state returns the old record.
	again, err := f.svc.Reserve(f.ctx, order("ORD-1", Line{ItemID: 42, Qty: 1}))
	require.NoError(t, err)
	require.Equal(t, StatusReleased, again.Status)
}

func TestReleaseAndExpiryRaceHasOneWinner(t *testing.T) {
	f := newFixture(t)
	f.receive(t, 42, "B1", 5)
	res, err := f.svc.Reserve(f.ctx, order("ORD-1", Line{ItemID: 42, Qty: 2}))
	require.NoError(t, err)
	f.clock = f.clock.Add(time.Hour)

	var wg sync.WaitGroup
	var expired int
	var released Reservation
	var expireErr, releaseErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		expired, expireErr = f.svc.ExpireDue(f.ctx, 10)
	}()
	go func() {
		defer wg.Done()
		released, releaseErr = f.svc.Release(f.ctx, res.ID, "")
	}()
	wg.Wait()
	require.NoError(t, expireErr)
	require.NoError(t, releaseErr)

	final, err := f.svc.Get(f.ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, final.Status, released.Status)
	if final.Status == StatusExpired {
		require.Equal(t, 1, expired)
		require.Equal(t, ReasonTTL, final.ReleaseReason)
	} else {
		require.Equal(t, StatusReleased, final.Status)
		require.Zero(t, expired)
	}
}

func TestExpireDueSkipsFreshAndConsumed(t *testing.T) {
	f := newFixture(t)
	f.receive(t, 42, "B1", 10)
	stale, err := f.svc.Reserve(f.ctx, order("ORD-OLD", Line{ItemID: 42, Qty: 1}))
	require.NoError(t, err)
	shipped, err := f.svc.Reserve(f.ctx, order("ORD-SHIP", Line{ItemID: 42, Qty: 1}))
	require.NoError(t, err)
	_, err = f.svc.Consume(f.ctx, shipped.ID)
	require.NoError(t, err)

	f.clock = f.clock.Add(45 * time.Minute)
	fresh, err := f.svc.Reserve(f.ctx, order("ORD-NEW", Line{ItemID: 42, Qty: 1}))
	require.NoError(t, err)

	n, err := f.svc.ExpireDue(f.ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := f.svc.Get(f.ctx, stale.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, got.Status)
	got, err = f.svc.Get(f.ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, StatusReserved, got.Status)
	got, err = f.svc.Get(f.ctx, shipped.ID)
	require.NoError(t, err)
	require.Equal(t, StatusConsumed, got.Status)
}

func TestReserveBlockedByHold(t *testing.T) {
	f := newFixture(t)
	f.receive(t, 42, "B1", 5)
	require.NoError(t, f.repo.store.Do(f.ctx, func(tx *ledgertest.Tx) error {
		tx.State().Holds[1] = "mismatch"
		return nil
	}))

	_, err := f.svc.Reserve(f.ctx, order("ORD-1", Line{ItemID: 42, Qty: 1}))
	require.ErrorIs(t, err, shared.ErrScopeHalted)
}

func TestGetUnknownReservation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Release(f.ctx, uuid.New(), "")
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestReserveValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Reserve(f.ctx, order("ORD-1"))
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = f.svc.Reserve(f.ctx, order("ORD-1", Line{ItemID: 42, Qty: 0}))
	require.ErrorIs(t, err, shared.ErrValidation)
}
