package reservation

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/odyssey-erp/stockledger/internal/platform/httpx"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// Handler exposes reservation endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs reservation handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers reservation routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.handleReserve)
	r.Get("/availability/{item}/{warehouse}", h.handleAvailability)
	r.Get("/{id}", h.handleGet)
	r.Post("/{id}/consume", h.handleConsume)
	r.Post("/{id}/release", h.handleRelease)
}

type reserveBody struct {
	ReserveRequest
	TTLSeconds int64 `json:"ttl_seconds" validate:"gte=0"`
}

type releaseBody struct {
	Reason string `json:"reason" validate:"max=64"`
}

func (h *Handler) handleReserve(w http.ResponseWriter, r *http.Request) {
	var body reserveBody
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	req := body.ReserveRequest
	req.TTL = time.Duration(body.TTLSeconds) * time.Second
	res, err := h.service.Reserve(r.Context(), req)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := reservationID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) handleConsume(w http.ResponseWriter, r *http.Request) {
	id, err := reservationID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := h.service.Consume(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	id, err := reservationID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var body releaseBody
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &body); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	res, err := h.service.Release(r.Context(), id, body.Reason)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) handleAvailability(w http.ResponseWriter, r *http.Request) {
	item, err := httpx.Int64Param(r, "item")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	warehouse, err := httpx.Int64Param(r, "warehouse")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	avail, err := h.service.Availability(r.Context(), item, warehouse)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, avail)
}

func reservationID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, shared.NewValidationError("id", "must be a UUID")
	}
	return id, nil
}
