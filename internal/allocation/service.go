package allocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/stockledger/internal/ledger"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// unregisteredBatchID sorts slots without a batch row after every registered batch.
const unregisteredBatchID = math.MaxInt64

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	DefaultPolicy Policy
}

// Service plans and posts FEFO outbound movements.
type Service struct {
	repo          RepositoryPort
	ledger        *ledger.Service
	logger        *slog.Logger
	defaultPolicy Policy
}

// NewService builds Service.
func NewService(repo RepositoryPort, ledgerSvc *ledger.Service, logger *slog.Logger, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultPolicy == "" {
		cfg.DefaultPolicy = PolicyStrict
	}
	return &Service{repo: repo, ledger: ledgerSvc, logger: logger, defaultPolicy: cfg.DefaultPolicy}
}

// DefaultPolicy reports the policy used when a request leaves it empty.
func (s *Service) DefaultPolicy() Policy {
	return s.defaultPolicy
}

// AllocateRequest asks for a FEFO plan without writing anything.
type AllocateRequest struct {
	ItemID      int64  `json:"item_id" validate:"gt=0"`
	WarehouseID int64  `json:"warehouse_id" validate:"gt=0"`
	Qty         int64  `json:"qty" validate:"gte=0"`
	Policy      Policy `json:"policy"`
}

// ShipRequest removes Qty of an item from a warehouse, one movement per batch.
type ShipRequest struct {
	ItemID      int64              `json:"item_id" validate:"gt=0"`
	WarehouseID int64              `json:"warehouse_id" validate:"gt=0"`
	Qty         int64              `json:"qty" validate:"gte=0"`
	Policy      Policy             `json:"policy"`
	Sub         ledger.ShipmentSub `json:"sub_reason"`
	Ref         string             `json:"ref" validate:"required,max=120"`
	RefLine     string             `json:"ref_line" validate:"max=60"`
	OccurredAt  time.Time          `json:"occurred_at"`
	// Reservation is the reservation being consumed; its own hold does not
	// count against free stock.
	Reservation uuid.UUID `json:"-"`
}

// ShipResult reports the plan and the movements posted for it.
type ShipResult struct {
	Plan      Plan            `json:"plan"`
	Movements []ledger.Result `json:"movements"`
	Replayed  bool            `json:"replayed"`
}

// Preview computes the plan Ship would execute right now.
func (s *Service) Preview(ctx context.Context, req AllocateRequest) (Plan, error) {
	if err := shared.ValidateStruct(req); err != nil {
		return Plan{}, err
	}
	policy, err := ParsePolicy(string(req.Policy), s.defaultPolicy)
	if err != nil {
		return Plan{}, err
	}
	var plan Plan
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		slots, err := readSlots(ctx, tx, req.ItemID, req.WarehouseID)
		if err != nil {
			return err
		}
		plan, err = s.plan(ctx, tx, slots, req.ItemID, req.WarehouseID, req.Qty, policy, uuid.Nil)
		return err
	})
	return plan, err
}

// Ship allocates and posts the outbound in its own transaction.
func (s *Service) Ship(ctx context.Context, req ShipRequest) (ShipResult, error) {
	var res ShipResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		res, err = s.ShipInTx(ctx, tx, req)
		return err
	})
	if err != nil {
		s.logger.Warn("outbound rejected",
			slog.Int64("item_id", req.ItemID),
			slog.Int64("warehouse_id", req.WarehouseID),
			slog.String("ref", req.Ref),
			slog.Int64("qty", req.Qty),
			slog.Any("error", err))
		return ShipResult{}, err
	}
	s.logger.Info("outbound posted",
		slog.Int64("item_id", req.ItemID),
		slog.Int64("warehouse_id", req.WarehouseID),
		slog.String("ref", req.Ref),
		slog.Int64("allocated", res.Plan.Allocated),
		slog.Bool("replayed", res.Replayed))
	return res, nil
}

// ShipInTx runs the outbound inside a caller-owned transaction. Every batch
// slot of the pool is locked in SlotKey order before anything is read.
func (s *Service) ShipInTx(ctx context.Context, tx TxRepository, req ShipRequest) (ShipResult, error) {
	if err := shared.ValidateStruct(req); err != nil {
		return ShipResult{}, err
	}
	policy, err := ParsePolicy(string(req.Policy), s.defaultPolicy)
	if err != nil {
		return ShipResult{}, err
	}
	if req.Sub == "" {
		req.Sub = ledger.SubOrderShip
	}
	if _, err := ledger.ParseReason(string(ledger.ReasonShipment), string(req.Sub)); err != nil {
		return ShipResult{}, err
	}

	prior, err := tx.FindEntriesByRef(ctx, req.ItemID, req.WarehouseID, ledger.ReasonShipment, req.Ref, req.RefLine)
	if err != nil {
		return ShipResult{}, fmt.Errorf("allocation: find prior movements: %w", err)
	}
	if len(prior) > 0 {
		return replayResult(req.Qty, prior), nil
	}

	slots, err := ledger.LockItemSlots(ctx, tx, req.ItemID, req.WarehouseID)
	if err != nil {
		return ShipResult{}, err
	}
	// The same outbound may have committed while we waited on the pool.
	prior, err = tx.FindEntriesByRef(ctx, req.ItemID, req.WarehouseID, ledger.ReasonShipment, req.Ref, req.RefLine)
	if err != nil {
		return ShipResult{}, fmt.Errorf("allocation: find prior movements: %w", err)
	}
	if len(prior) > 0 {
		return replayResult(req.Qty, prior), nil
	}
	plan, err := s.plan(ctx, tx, slots, req.ItemID, req.WarehouseID, req.Qty, policy, req.Reservation)
	if err != nil {
		return ShipResult{}, err
	}

	res := ShipResult{Plan: plan, Movements: make([]ledger.Result, 0, len(plan.Picks))}
	for _, pick := range plan.Picks {
		moved, err := s.ledger.ApplyInTx(ctx, tx, ledger.Movement{
			Slot:        ledger.SlotKey{ItemID: req.ItemID, WarehouseID: req.WarehouseID, BatchCode: pick.BatchCode},
			Delta:       -pick.Qty,
			Reason:      ledger.Shipment{Sub: req.Sub},
			Ref:         req.Ref,
			RefLine:     BatchRefLine(req.RefLine, pick.BatchCode),
			OccurredAt:  req.OccurredAt,
			Reservation: req.Reservation,
		})
		if err != nil {
			return ShipResult{}, err
		}
		res.Movements = append(res.Movements, moved)
	}
	return res, nil
}

// BatchRefLine discriminates the per-batch movements of one outbound line.
func BatchRefLine(refLine, batchCode string) string {
	return refLine + "@" + batchCode
}

func (s *Service) plan(ctx context.Context, tx TxRepository, slots []ledger.Slot, itemID, warehouseID, qty int64, policy Policy, exclude uuid.UUID) (Plan, error) {
	batches, err := tx.ListBatches(ctx, itemID, warehouseID)
	if err != nil {
		return Plan{}, fmt.Errorf("allocation: list batches: %w", err)
	}
	reserved, err := tx.ReservedQty(ctx, itemID, warehouseID, exclude)
	if err != nil {
		return Plan{}, fmt.Errorf("allocation: reserved qty: %w", err)
	}
	free := ledger.TotalQty(slots) - reserved
	if free < 0 {
		free = 0
	}
	return PlanFEFO(candidates(slots, batches), qty, free, policy)
}

func candidates(slots []ledger.Slot, batches []ledger.Batch) []Candidate {
	byCode := make(map[string]ledger.Batch, len(batches))
	for _, b := range batches {
		byCode[b.Code] = b
	}
	out := make([]Candidate, 0, len(slots))
	for _, slot := range slots {
		c := Candidate{BatchID: unregisteredBatchID, BatchCode: slot.Key.BatchCode, Qty: slot.Qty}
		if b, ok := byCode[slot.Key.BatchCode]; ok {
			c.BatchID = b.ID
			c.ExpiryDate = b.ExpiryDate
		}
		out = append(out, c)
	}
	return out
}

func readSlots(ctx context.Context, tx TxRepository, itemID, warehouseID int64) ([]ledger.Slot, error) {
	keys, err := tx.ListSlotKeys(ctx, itemID, warehouseID)
	if err != nil {
		return nil, err
	}
	slots := make([]ledger.Slot, 0, len(keys))
	for _, key := range keys {
		slot, err := tx.GetSlot(ctx, key)
		if errors.Is(err, ledger.ErrSlotNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		slots = append(slots, slot)
	}
	return slots, nil
}

func replayResult(required int64, entries []ledger.Entry) ShipResult {
	res := ShipResult{Plan: Plan{Required: required, Picks: []Pick{}}, Replayed: true}
	for _, e := range entries {
		res.Plan.Picks = append(res.Plan.Picks, Pick{BatchCode: e.Slot.BatchCode, Qty: -e.Delta})
		res.Plan.Allocated -= e.Delta
		res.Movements = append(res.Movements, ledger.Result{LedgerID: e.ID, AfterQty: e.AfterQty, Slot: e.Slot, Delta: e.Delta})
	}
	return res
}
