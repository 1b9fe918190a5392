package ledger

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/stockledger/internal/platform/httpx"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// Handler wires HTTP endpoints for scan receive/pick/count and ledger reads.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs ledger handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/movements", h.handleMovement)
	r.Get("/slots/{item}/{warehouse}/{batch}", h.handleSlot)
	r.Get("/slots/{item}/{warehouse}/{batch}/entries", h.handleEntries)
	r.Get("/items/{item}/warehouses/{warehouse}", h.handleItemSlots)
}

type movementRequest struct {
	ItemID         int64      `json:"item_id" validate:"gt=0"`
	WarehouseID    int64      `json:"warehouse_id" validate:"gt=0"`
	BatchCode      string     `json:"batch_code" validate:"required,max=64"`
	Delta          int64      `json:"delta"`
	Reason         string     `json:"reason" validate:"required,oneof=RECEIPT SHIPMENT ADJUSTMENT"`
	SubReason      string     `json:"sub_reason" validate:"required"`
	Ref            string     `json:"ref" validate:"required,max=128"`
	RefLine        string     `json:"ref_line" validate:"max=128"`
	OccurredAt     *time.Time `json:"occurred_at"`
	ProductionDate *time.Time `json:"production_date"`
	ExpiryDate     *time.Time `json:"expiry_date"`
}

func (req movementRequest) toMovement() (Movement, error) {
	reason, err := ParseReason(req.Reason, req.SubReason)
	if err != nil {
		return Movement{}, err
	}
	if receipt, ok := reason.(Receipt); ok {
		receipt.ProductionDate = req.ProductionDate
		receipt.ExpiryDate = req.ExpiryDate
		reason = receipt
	} else if req.ProductionDate != nil || req.ExpiryDate != nil {
		return Movement{}, shared.NewValidationError("expiry_date", "is only accepted on receipts")
	}
	m := Movement{
		Slot:    SlotKey{ItemID: req.ItemID, WarehouseID: req.WarehouseID, BatchCode: req.BatchCode},
		Delta:   req.Delta,
		Reason:  reason,
		Ref:     req.Ref,
		RefLine: req.RefLine,
	}
	if req.OccurredAt != nil {
		m.OccurredAt = req.OccurredAt.UTC()
	}
	return m, nil
}

func (h *Handler) handleMovement(w http.ResponseWriter, r *http.Request) {
	var req movementRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	m, err := req.toMovement()
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := h.service.ApplyMovement(r.Context(), m)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	// Replays answer exactly like the original success.
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) handleSlot(w http.ResponseWriter, r *http.Request) {
	key, err := slotKeyFromPath(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	slot, err := h.service.GetBalance(r.Context(), key)
	if err != nil {
		h.logger.Error("get slot balance", slog.String("slot", key.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, slot)
}

func (h *Handler) handleEntries(w http.ResponseWriter, r *http.Request) {
	key, err := slotKeyFromPath(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	filter := EntryFilter{Slot: key, Limit: 500}
	q := r.URL.Query()
	if from := q.Get("from"); from != "" {
		if filter.From, err = time.Parse("2006-01-02", from); err != nil {
			httpx.RespondError(w, shared.NewValidationError("from", "must be YYYY-MM-DD"))
			return
		}
	}
	if to := q.Get("to"); to != "" {
		if filter.To, err = time.Parse("2006-01-02", to); err != nil {
			httpx.RespondError(w, shared.NewValidationError("to", "must be YYYY-MM-DD"))
			return
		}
		filter.To = filter.To.Add(24*time.Hour - time.Nanosecond)
	}
	entries, err := h.service.ListEntries(r.Context(), filter)
	if err != nil {
		h.logger.Error("list ledger entries", slog.String("slot", key.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"slot": key, "entries": entries})
}

func (h *Handler) handleItemSlots(w http.ResponseWriter, r *http.Request) {
	itemID, err := httpx.Int64Param(r, "item")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	warehouseID, err := httpx.Int64Param(r, "warehouse")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	slots, err := h.service.ListItemSlots(r.Context(), itemID, warehouseID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"item_id":      itemID,
		"warehouse_id": warehouseID,
		"on_hand":      TotalQty(slots),
		"slots":        slots,
	})
}

func slotKeyFromPath(r *http.Request) (SlotKey, error) {
	itemID, err := httpx.Int64Param(r, "item")
	if err != nil {
		return SlotKey{}, err
	}
	warehouseID, err := httpx.Int64Param(r, "warehouse")
	if err != nil {
		return SlotKey{}, err
	}
	return SlotKey{ItemID: itemID, WarehouseID: warehouseID, BatchCode: chi.URLParam(r, "batch")}, nil
}
