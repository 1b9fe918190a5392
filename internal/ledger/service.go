package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/odyssey-erp/stockledger/internal/observability"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetSlot(ctx context.Context, key SlotKey) (Slot, error)
	ListEntries(ctx context.Context, filter EntryFilter) ([]Entry, error)
	ListItemSlots(ctx context.Context, itemID, warehouseID int64) ([]Slot, error)
}

// Service is the single write path into the ledger.
type Service struct {
	repo    RepositoryPort
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, logger *slog.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger, metrics: metrics, now: func() time.Time { return time.Now().UTC() }}
}

// ApplyMovement applies m exactly once in its own transaction. Re-submitting
// the same idempotency key returns the stored result with Applied=false.
func (s *Service) ApplyMovement(ctx context.Context, m Movement) (Result, error) {
	var res Result
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		res, err = s.ApplyInTx(ctx, tx, m)
		return err
	})
	s.observe(m, res, err)
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// ApplyInTx applies m inside a transaction owned by the caller. Callers that
// touch more than one slot must lock them with LockSlots first.
func (s *Service) ApplyInTx(ctx context.Context, tx TxRepository, m Movement) (Result, error) {
	if err := s.prepare(ctx, &m); err != nil {
		return Result{}, err
	}
	key := m.Key()

	if entry, err := tx.FindEntry(ctx, key); err == nil {
		return replay(entry), nil
	} else if !errors.Is(err, ErrEntryNotFound) {
		return Result{}, fmt.Errorf("ledger: find entry: %w", err)
	}

	held, err := tx.HoldActive(ctx, m.Slot.WarehouseID)
	if err != nil {
		return Result{}, fmt.Errorf("ledger: check hold: %w", err)
	}
	if held {
		return Result{}, fmt.Errorf("ledger: warehouse %d: %w", m.Slot.WarehouseID, shared.ErrScopeHalted)
	}

	if receipt, ok := m.Reason.(Receipt); ok {
		batch := Batch{
			Code:           m.Slot.BatchCode,
			ItemID:         m.Slot.ItemID,
			WarehouseID:    m.Slot.WarehouseID,
			ProductionDate: receipt.ProductionDate,
			ExpiryDate:     receipt.ExpiryDate,
		}
		if err := tx.EnsureBatch(ctx, batch); err != nil {
			return Result{}, fmt.Errorf("ledger: ensure batch: %w", err)
		}
	}

	// Stock leaving the slot must not eat into what reservations hold on the
	// pool, so the whole pool is locked before the slot itself.
	var pool []Slot
	if m.Delta < 0 {
		if pool, err = LockItemSlots(ctx, tx, m.Slot.ItemID, m.Slot.WarehouseID); err != nil {
			return Result{}, err
		}
	}
	slot, err := lockSlot(ctx, tx, m.Slot)
	if err != nil {
		return Result{}, err
	}

	// A concurrent writer may have committed the same key while we waited on the lock.
	if entry, err := tx.FindEntry(ctx, key); err == nil {
		return replay(entry), nil
	} else if !errors.Is(err, ErrEntryNotFound) {
		return Result{}, fmt.Errorf("ledger: find entry: %w", err)
	}

	newQty := slot.Qty + m.Delta
	if newQty < 0 {
		return Result{}, fmt.Errorf("ledger: slot %s has %d, delta %d: %w", m.Slot, slot.Qty, m.Delta, shared.ErrInsufficientStock)
	}
	if m.Delta < 0 {
		reserved, err := tx.ReservedQty(ctx, m.Slot.ItemID, m.Slot.WarehouseID, m.Reservation)
		if err != nil {
			return Result{}, fmt.Errorf("ledger: reserved qty: %w", err)
		}
		if free := TotalQty(pool) - reserved; free < -m.Delta {
			return Result{}, fmt.Errorf("ledger: pool %d/%d has %d free after %d reserved, delta %d: %w",
				m.Slot.ItemID, m.Slot.WarehouseID, max(free, 0), reserved, m.Delta, shared.ErrInsufficientStock)
		}
	}

	entry := Entry{
		Slot:       m.Slot,
		Delta:      m.Delta,
		Reason:     m.Reason.Kind(),
		SubReason:  m.Reason.SubReason(),
		Ref:        m.Ref,
		RefLine:    m.RefLine,
		OccurredAt: m.OccurredAt,
		AfterQty:   newQty,
		TraceID:    m.TraceID,
	}
	id, inserted, err := tx.InsertEntry(ctx, entry)
	if err != nil {
		return Result{}, fmt.Errorf("ledger: insert entry: %w", err)
	}
	if !inserted {
		winner, err := tx.FindEntry(ctx, key)
		if err != nil {
			return Result{}, fmt.Errorf("ledger: re-read duplicate entry: %w", err)
		}
		return replay(winner), nil
	}
	if err := tx.UpdateSlotQty(ctx, m.Slot, newQty); err != nil {
		return Result{}, fmt.Errorf("ledger: update slot: %w", err)
	}
	return Result{LedgerID: id, AfterQty: newQty, Applied: true, Slot: m.Slot, Delta: m.Delta}, nil
}

// GetBalance reads the current quantity of a slot. Unseen slots report zero.
func (s *Service) GetBalance(ctx context.Context, key SlotKey) (Slot, error) {
	if err := shared.ValidateStruct(key); err != nil {
		return Slot{}, err
	}
	slot, err := s.repo.GetSlot(ctx, key)
	if errors.Is(err, ErrSlotNotFound) {
		return Slot{Key: key}, nil
	}
	return slot, err
}

// ListEntries returns ledger history for one slot.
func (s *Service) ListEntries(ctx context.Context, filter EntryFilter) ([]Entry, error) {
	if err := shared.ValidateStruct(filter.Slot); err != nil {
		return nil, err
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, shared.NewValidationError("to", "must not precede from")
	}
	return s.repo.ListEntries(ctx, filter)
}

// ListItemSlots returns every batch slot of an (item, warehouse) pool.
func (s *Service) ListItemSlots(ctx context.Context, itemID, warehouseID int64) ([]Slot, error) {
	if itemID <= 0 || warehouseID <= 0 {
		return nil, shared.NewValidationError("item_id", "and warehouse_id must be positive")
	}
	return s.repo.ListItemSlots(ctx, itemID, warehouseID)
}

func (s *Service) prepare(ctx context.Context, m *Movement) error {
	if err := shared.ValidateStruct(m); err != nil {
		return err
	}
	if err := m.Reason.checkDelta(m.Delta); err != nil {
		return err
	}
	if m.OccurredAt.IsZero() {
		m.OccurredAt = s.now()
	}
	if m.TraceID == "" {
		m.TraceID = shared.TraceIDFromContext(ctx)
	}
	return nil
}

func (s *Service) observe(m Movement, res Result, err error) {
	reason := "unknown"
	if m.Reason != nil {
		reason = string(m.Reason.Kind())
	}
	outcome := outcomeOf(res, err)
	s.metrics.ObserveMovement(reason, outcome)
	attrs := []any{
		slog.String("slot", m.Slot.String()),
		slog.String("reason", reason),
		slog.String("ref", m.Ref),
		slog.String("ref_line", m.RefLine),
		slog.Int64("delta", m.Delta),
	}
	switch outcome {
	case "applied":
		s.logger.Info("ledger movement applied", append(attrs, slog.Int64("ledger_id", res.LedgerID), slog.Int64("after_qty", res.AfterQty))...)
	case "replayed":
		s.logger.Debug("ledger movement replayed", append(attrs, slog.Int64("ledger_id", res.LedgerID))...)
	case "error":
		s.logger.Error("ledger movement failed", append(attrs, slog.Any("error", err))...)
	default:
		s.logger.Warn("ledger movement rejected", append(attrs, slog.String("outcome", outcome), slog.Any("error", err))...)
	}
}

func outcomeOf(res Result, err error) string {
	switch {
	case err == nil && res.Applied:
		return "applied"
	case err == nil:
		return "replayed"
	case errors.Is(err, shared.ErrValidation):
		return "invalid"
	case errors.Is(err, shared.ErrInsufficientStock):
		return "insufficient"
	case errors.Is(err, shared.ErrScopeHalted):
		return "halted"
	case errors.Is(err, shared.ErrConcurrentModification):
		return "conflict"
	default:
		return "error"
	}
}

func replay(e Entry) Result {
	return Result{LedgerID: e.ID, AfterQty: e.AfterQty, Applied: false, Slot: e.Slot, Delta: e.Delta}
}
