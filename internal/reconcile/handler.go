package reconcile

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/stockledger/internal/platform/httpx"
)

// Handler exposes reconciliation endpoints for operators.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs reconciliation handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers reconciliation routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/snapshots", h.handleSnapshot)
	r.Get("/three-books", h.handleThreeBooks)
	r.Get("/holds", h.handleHolds)
	r.Post("/holds/{warehouse}/clear", h.handleClearHold)
}

type clearHoldRequest struct {
	ClearedBy string `json:"cleared_by" validate:"required,max=64"`
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.SnapshotToday(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	status := http.StatusOK
	if snap.Created {
		status = http.StatusCreated
	}
	httpx.JSON(w, status, snap)
}

func (h *Handler) handleThreeBooks(w http.ResponseWriter, r *http.Request) {
	warehouse, err := httpx.Int64Query(r, "warehouse_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	item, err := httpx.Int64Query(r, "item_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	report, err := h.service.ThreeBooks(r.Context(), Scope{WarehouseID: warehouse, ItemID: item})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) handleHolds(w http.ResponseWriter, r *http.Request) {
	holds, err := h.service.ActiveHolds(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"holds": holds})
}

func (h *Handler) handleClearHold(w http.ResponseWriter, r *http.Request) {
	warehouse, err := httpx.Int64Param(r, "warehouse")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req clearHoldRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.ClearHold(r.Context(), warehouse, req.ClearedBy); err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.logger.Info("hold cleared via api", slog.Int64("warehouse_id", warehouse))
	w.WriteHeader(http.StatusNoContent)
}
