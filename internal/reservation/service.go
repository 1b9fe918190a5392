package reservation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/odyssey-erp/stockledger/internal/allocation"
	"github.com/odyssey-erp/stockledger/internal/ledger"
	"github.com/odyssey-erp/stockledger/internal/observability"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	DefaultTTL time.Duration
}

// Service runs the reservation state machine.
type Service struct {
	repo       RepositoryPort
	allocator  *allocation.Service
	logger     *slog.Logger
	metrics    *observability.Metrics
	defaultTTL time.Duration
	now        func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, allocator *allocation.Service, logger *slog.Logger, metrics *observability.Metrics, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 30 * time.Minute
	}
	return &Service{
		repo:       repo,
		allocator:  allocator,
		logger:     logger,
		metrics:    metrics,
		defaultTTL: cfg.DefaultTTL,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Reserve holds stock for an order. Re-submitting the same (platform, shop,
// warehouse, ref) returns the stored reservation unchanged.
func (s *Service) Reserve(ctx context.Context, req ReserveRequest) (Reservation, error) {
	if err := shared.ValidateStruct(req); err != nil {
		return Reservation{}, err
	}
	if req.TTL < 0 {
		return Reservation{}, shared.NewValidationError("ttl_seconds", "must not be negative")
	}
	lines := mergeLines(req.Lines)
	ttl := req.TTL
	if ttl == 0 {
		ttl = s.defaultTTL
	}

	var out Reservation
	replayed := false
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		existing, err := tx.FindByKey(ctx, req.key())
		if err == nil {
			out, replayed = existing, true
			return nil
		}
		if !errors.Is(err, ErrReservationNotFound) {
			return fmt.Errorf("reservation: find by key: %w", err)
		}

		held, err := tx.HoldActive(ctx, req.WarehouseID)
		if err != nil {
			return fmt.Errorf("reservation: check hold: %w", err)
		}
		if held {
			return fmt.Errorf("reservation: warehouse %d: %w", req.WarehouseID, shared.ErrScopeHalted)
		}

		// Lines are sorted by item, so pools are locked in SlotKey order.
		avails := make([]Availability, len(lines))
		for i, line := range lines {
			if avails[i], err = availability(ctx, tx, line.ItemID, req.WarehouseID, true); err != nil {
				return err
			}
		}

		// A re-submission of the same key may have committed while we waited
		// on the pools; its hold must not count against itself.
		if existing, err := tx.FindByKey(ctx, req.key()); err == nil {
			out, replayed = existing, true
			return nil
		} else if !errors.Is(err, ErrReservationNotFound) {
			return fmt.Errorf("reservation: find by key: %w", err)
		}

		for i, line := range lines {
			if avail := avails[i]; avail.Available < line.Qty {
				return fmt.Errorf("reservation: item %d in warehouse %d: need %d, %d available: %w",
					line.ItemID, req.WarehouseID, line.Qty, avail.Available, shared.ErrInsufficientStock)
			}
		}

		now := s.now()
		res := Reservation{
			ID:          uuid.New(),
			Platform:    req.Platform,
			ShopID:      req.ShopID,
			WarehouseID: req.WarehouseID,
			Ref:         req.Ref,
			Status:      StatusReserved,
			Lines:       lines,
			ExpiresAt:   now.Add(ttl),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		inserted, err := tx.Insert(ctx, res)
		if err != nil {
			return fmt.Errorf("reservation: insert: %w", err)
		}
		if !inserted {
			winner, err := tx.FindByKey(ctx, req.key())
			if err != nil {
				return fmt.Errorf("reservation: re-read duplicate: %w", err)
			}
			out, replayed = winner, true
			return nil
		}
		out = res
		return nil
	})
	s.observe("reserve", replayed, err)
	if err != nil {
		return Reservation{}, err
	}
	if !replayed {
		s.logger.Info("reservation created",
			slog.String("reservation_id", out.ID.String()),
			slog.String("platform", out.Platform),
			slog.String("ref", out.Ref),
			slog.Int64("warehouse_id", out.WarehouseID))
	}
	return out, nil
}

// Consume ships every line through the FEFO allocator and marks the
// reservation CONSUMED. Consuming a CONSUMED reservation is a no-op.
func (s *Service) Consume(ctx context.Context, id uuid.UUID) (Reservation, error) {
	var out Reservation
	noop := false
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		res, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return wrapNotFound(id, err)
		}
		switch res.Status {
		case StatusConsumed:
			out, noop = res, true
			return nil
		case StatusReleased, StatusExpired:
			return fmt.Errorf("reservation %s is %s: %w", id, res.Status, shared.ErrInvalidTransition)
		}

		for _, line := range res.Lines {
			if line.Outstanding() == 0 {
				continue
			}
			_, err := s.allocator.ShipInTx(ctx, tx, allocation.ShipRequest{
				ItemID:      line.ItemID,
				WarehouseID: res.WarehouseID,
				Qty:         line.Outstanding(),
				Policy:      allocation.PolicyStrict,
				Sub:         ledger.SubOrderShip,
				Ref:         ShipmentRef(res.ID),
				RefLine:     strconv.FormatInt(line.ItemID, 10),
				Reservation: res.ID,
			})
			if err != nil {
				return err
			}
		}
		now := s.now()
		if err := tx.MarkLinesConsumed(ctx, res.ID); err != nil {
			return fmt.Errorf("reservation: mark lines consumed: %w", err)
		}
		if err := tx.UpdateStatus(ctx, res.ID, StatusConsumed, "", now); err != nil {
			return fmt.Errorf("reservation: update status: %w", err)
		}
		out, err = tx.Get(ctx, res.ID)
		return err
	})
	s.observe("consume", noop, err)
	if err != nil {
		return Reservation{}, err
	}
	return out, nil
}

// Release cancels a reservation. A reservation that is already terminal is
// returned unchanged.
func (s *Service) Release(ctx context.Context, id uuid.UUID, reason string) (Reservation, error) {
	if reason == "" {
		reason = ReasonCancelled
	}
	var out Reservation
	changed := false
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		out, changed, err = s.transition(ctx, tx, id, StatusReleased, reason, time.Time{})
		return err
	})
	s.observe("release", !changed, err)
	if err != nil {
		return Reservation{}, err
	}
	return out, nil
}

// ExpireDue moves up to limit reservations whose TTL passed to EXPIRED, one
// transaction each, through the same transition as Release.
func (s *Service) ExpireDue(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 200
	}
	now := s.now()
	var due []uuid.UUID
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		due, err = tx.ListDue(ctx, now, limit)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("reservation: list due: %w", err)
	}

	expired := 0
	var errs error
	for _, id := range due {
		if err := ctx.Err(); err != nil {
			return expired, multierr.Append(errs, err)
		}
		changed := false
		err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			var err error
			_, changed, err = s.transition(ctx, tx, id, StatusExpired, ReasonTTL, now)
			return err
		})
		s.observe("expire", !changed, err)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("reservation %s: %w", id, err))
			continue
		}
		if changed {
			expired++
		}
	}
	return expired, errs
}

// Get returns one reservation.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Reservation, error) {
	var out Reservation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		res, err := tx.Get(ctx, id)
		if err != nil {
			return wrapNotFound(id, err)
		}
		out = res
		return nil
	})
	return out, err
}

// Lookup finds a reservation by its idempotency key.
func (s *Service) Lookup(ctx context.Context, key Key) (Reservation, error) {
	var out Reservation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		res, err := tx.FindByKey(ctx, key)
		if errors.Is(err, ErrReservationNotFound) {
			return fmt.Errorf("reservation %s/%s/%d/%s: %w", key.Platform, key.ShopID, key.WarehouseID, key.Ref, shared.ErrNotFound)
		}
		out = res
		return err
	})
	return out, err
}

// Availability reports on-hand, reserved and available stock for an item.
func (s *Service) Availability(ctx context.Context, itemID, warehouseID int64) (Availability, error) {
	if itemID <= 0 || warehouseID <= 0 {
		return Availability{}, shared.NewValidationError("item_id", "and warehouse_id must be positive")
	}
	var out Availability
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		out, err = availability(ctx, tx, itemID, warehouseID, false)
		return err
	})
	return out, err
}

// transition is the single path out of RESERVED for both cancellation and
// expiry. The row lock serialises racing callers; whoever arrives second sees
// a terminal status and does nothing. A non-zero dueBy additionally requires
// the TTL to have passed.
func (s *Service) transition(ctx context.Context, tx TxRepository, id uuid.UUID, to Status, reason string, dueBy time.Time) (Reservation, bool, error) {
	res, err := tx.GetForUpdate(ctx, id)
	if err != nil {
		return Reservation{}, false, wrapNotFound(id, err)
	}
	if res.Status.Terminal() {
		return res, false, nil
	}
	if !dueBy.IsZero() && res.ExpiresAt.After(dueBy) {
		return res, false, nil
	}
	now := s.now()
	if err := tx.UpdateStatus(ctx, id, to, reason, now); err != nil {
		return Reservation{}, false, fmt.Errorf("reservation: update status: %w", err)
	}
	res.Status, res.ReleaseReason, res.UpdatedAt = to, reason, now
	s.logger.Info("reservation closed",
		slog.String("reservation_id", id.String()),
		slog.String("status", string(to)),
		slog.String("reason", reason))
	return res, true, nil
}

// ShipmentRef is the ledger ref used for the movements of a consumed reservation.
func ShipmentRef(id uuid.UUID) string {
	return "RSV-" + id.String()
}

func availability(ctx context.Context, tx TxRepository, itemID, warehouseID int64, lock bool) (Availability, error) {
	var slots []ledger.Slot
	var err error
	if lock {
		slots, err = ledger.LockItemSlots(ctx, tx, itemID, warehouseID)
	} else {
		var keys []ledger.SlotKey
		keys, err = tx.ListSlotKeys(ctx, itemID, warehouseID)
		for _, key := range keys {
			if err != nil {
				break
			}
			var qty int64
			qty, err = ledger.GetBalance(ctx, tx, key, false)
			slots = append(slots, ledger.Slot{Key: key, Qty: qty})
		}
	}
	if err != nil {
		return Availability{}, fmt.Errorf("reservation: read slots: %w", err)
	}
	reserved, err := tx.ReservedQty(ctx, itemID, warehouseID, uuid.Nil)
	if err != nil {
		return Availability{}, fmt.Errorf("reservation: reserved qty: %w", err)
	}
	onHand := ledger.TotalQty(slots)
	return Availability{
		ItemID:      itemID,
		WarehouseID: warehouseID,
		OnHand:      onHand,
		Reserved:    reserved,
		Available:   max(onHand-reserved, 0),
	}, nil
}

func (s *Service) observe(op string, noop bool, err error) {
	outcome := "ok"
	switch {
	case err == nil && noop:
		outcome = "noop"
	case errors.Is(err, shared.ErrInsufficientStock):
		outcome = "insufficient"
	case errors.Is(err, shared.ErrInvalidTransition):
		outcome = "invalid_transition"
	case errors.Is(err, shared.ErrValidation):
		outcome = "invalid"
	case err != nil:
		outcome = "error"
	}
	s.metrics.ObserveReservation(op, outcome)
}

func wrapNotFound(id uuid.UUID, err error) error {
	if errors.Is(err, ErrReservationNotFound) {
		return fmt.Errorf("reservation %s: %w", id, shared.ErrNotFound)
	}
	return err
}
