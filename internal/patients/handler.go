package patients

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-clinic/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-clinic/internal/shared"
)

// Reader loads patients.
type Reader interface {
	Get(ctx context.Context, id int64) (Patient, error)
}

// Store loads and registers patients.
type Store interface {
	Reader
	Register(ctx context.Context, input RegisterInput) (Patient, error)
}

// Handler exposes patient registration and lookup.
type Handler struct {
	logger    *slog.Logger
	store     Store
	validator *validator.Validate
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, store Store) *Handler {
	return &Handler{logger: logger, store: store, validator: validator.New()}
}

// MountRoutes registers patient routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.register)
	r.Get("/{id}", h.get)
}

type patientResponse struct {
	Patient
	Debt int64 `json:"debt"`
}

// RegisterRequest is the registration payload.
type RegisterRequest struct {
	Number         string `json:"number" validate:"required,max=32"`
	FullName       string `json:"full_name" validate:"required,max=200"`
	Phone          string `json:"phone" validate:"omitempty,e164"`
	TelegramChatID *int64 `json:"telegram_chat_id"`
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, shared.ErrUnauthenticated)
		return
	}
	switch actor.Role {
	case shared.RoleReceptionist, shared.RoleCashier, shared.RoleAdmin:
	default:
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "role may not register patients")
		return
	}

	var req RegisterRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	req.Number = strings.TrimSpace(req.Number)
	req.FullName = strings.TrimSpace(req.FullName)
	if err := h.validator.Struct(req); err != nil {
		fields := make(map[string]string)
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fieldErr := range verrs {
				fields[fieldErr.Field()] = fieldErr.Tag()
			}
		}
		httpx.ValidationProblem(w, fields)
		return
	}

	p, err := h.store.Register(r.Context(), RegisterInput{
		Number:         req.Number,
		FullName:       req.FullName,
		Phone:          req.Phone,
		TelegramChatID: req.TelegramChatID,
	})
	if err != nil {
		h.logger.Info("register patient rejected", slog.String("number", req.Number), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	h.logger.Info("patient registered", slog.Int64("patient_id", p.ID), slog.Int64("actor_id", actor.ID))
	httpx.JSON(w, http.StatusCreated, patientResponse{Patient: p, Debt: p.Debt()})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := httpx.IDParam(r, "id")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "patient id must be a positive integer")
		return
	}
	p, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.logger.Debug("get patient", slog.Int64("patient_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, patientResponse{Patient: p, Debt: p.Debt()})
}
