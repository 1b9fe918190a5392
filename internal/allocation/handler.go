package allocation

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/stockledger/internal/platform/httpx"
)

// Handler exposes FEFO preview and outbound ship endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs allocation handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers outbound routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/preview", h.handlePreview)
	r.Post("/ship", h.handleShip)
}

func (h *Handler) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req AllocateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	plan, err := h.service.Preview(r.Context(), req)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, plan)
}

func (h *Handler) handleShip(w http.ResponseWriter, r *http.Request) {
	var req ShipRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := h.service.Ship(r.Context(), req)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}
