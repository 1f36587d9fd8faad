package admission

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-clinic/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-clinic/internal/shared"
)

// Handler exposes admission endpoints to the reception desk.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers admission routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/patients/{id}", h.check)
	r.Post("/tokens/{token}/consume", h.consume)
}

type consumeResponse struct {
	PatientID int64 `json:"patient_id"`
	InvoiceID int64 `json:"invoice_id"`
	Consumed  bool  `json:"consumed"`
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	id, ok := httpx.IDParam(r, "id")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "patient id must be a positive integer")
		return
	}
	gate, err := h.service.Check(r.Context(), id)
	if err != nil {
		h.logger.Debug("admission check", slog.Int64("patient_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, gate)
}

func (h *Handler) consume(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "actor required")
		return
	}
	value := chi.URLParam(r, "token")
	if err := h.validator.Var(value, "required,len=32,hexadecimal"); err != nil {
		httpx.ValidationProblem(w, map[string]string{"token": "must be a 32 character hex token"})
		return
	}
	token, err := h.service.Consume(r.Context(), value, actor)
	if err != nil {
		h.logger.Info("consume token rejected", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, consumeResponse{PatientID: token.PatientID, InvoiceID: token.InvoiceID, Consumed: true})
}
