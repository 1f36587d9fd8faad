package billing

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-clinic/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-clinic/internal/shared"
)

// Handler wires HTTP endpoints for the billing ledger.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs the billing handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers billing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/invoices", h.createInvoice)
	r.Get("/invoices/{id}", h.getInvoice)
	r.Post("/invoices/{id}/payments", h.applyPayment)
	r.Post("/invoices/{id}/cancel", h.cancelInvoice)
	r.Get("/patients/{patientID}/invoices", h.listPatientInvoices)
	r.Post("/patients/{patientID}/recompute", h.recomputeBalance)
}

func (h *Handler) createInvoice(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, ErrActorRequired)
		return
	}
	var req CreateInvoiceRequest
	if !h.decode(w, r, &req) {
		return
	}
	inv, err := h.service.CreateInvoice(r.Context(), req.ToInput(), actor)
	if err != nil {
		h.logFailure("create invoice", err, slog.Int64("patient_id", req.PatientID))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, inv)
}

func (h *Handler) getInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := httpx.IDParam(r, "id")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "invoice id must be a positive integer")
		return
	}
	detail, err := h.service.GetInvoice(r.Context(), id)
	if err != nil {
		h.logFailure("get invoice", err, slog.Int64("invoice_id", id))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, detail)
}

func (h *Handler) applyPayment(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, ErrActorRequired)
		return
	}
	id, ok := httpx.IDParam(r, "id")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "invoice id must be a positive integer")
		return
	}
	var req ApplyPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	inv, err := h.service.ApplyPayment(r.Context(), ApplyPaymentInput{
		InvoiceID: id,
		Amount:    req.Amount,
		Method:    PaymentMethod(req.Method),
		Reference: req.Reference,
	}, actor)
	if err != nil {
		h.logFailure("apply payment", err, slog.Int64("invoice_id", id))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) cancelInvoice(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, ErrActorRequired)
		return
	}
	id, ok := httpx.IDParam(r, "id")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "invoice id must be a positive integer")
		return
	}
	inv, err := h.service.Cancel(r.Context(), id, actor)
	if err != nil {
		h.logFailure("cancel invoice", err, slog.Int64("invoice_id", id))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) listPatientInvoices(w http.ResponseWriter, r *http.Request) {
	patientID, ok := httpx.IDParam(r, "patientID")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "patient id must be a positive integer")
		return
	}
	q := r.URL.Query()
	filter := ListFilter{Status: Status(q.Get("status"))}
	if page, err := strconv.Atoi(q.Get("page")); err == nil {
		filter.Page = page
	}
	if perPage, err := strconv.Atoi(q.Get("per_page")); err == nil {
		filter.PerPage = perPage
	}
	items, page, err := h.service.ListPatientInvoices(r.Context(), patientID, filter)
	if err != nil {
		h.logFailure("list invoices", err, slog.Int64("patient_id", patientID))
		httpx.RespondError(w, err)
		return
	}
	if items == nil {
		items = []Invoice{}
	}
	httpx.JSON(w, http.StatusOK, InvoiceListResponse{Invoices: items, Pagination: page})
}

func (h *Handler) recomputeBalance(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, ErrActorRequired)
		return
	}
	if actor.Role != shared.RoleAdmin && actor.Role != shared.RoleCashier {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "balance recomputation requires the cashier or admin role")
		return
	}
	patientID, ok := httpx.IDParam(r, "patientID")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "patient id must be a positive integer")
		return
	}
	balance, err := h.service.RecomputeBalance(r.Context(), patientID)
	if err != nil {
		h.logFailure("recompute balance", err, slog.Int64("patient_id", patientID))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, BalanceResponse{PatientID: patientID, Balance: balance})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		fields := make(map[string]string)
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fieldErr := range verrs {
				fields[fieldErr.Namespace()] = fieldErr.Tag()
			}
		} else {
			fields["general"] = err.Error()
		}
		httpx.ValidationProblem(w, fields)
		return false
	}
	return true
}

func (h *Handler) logFailure(op string, err error, attrs ...any) {
	args := append([]any{slog.Any("error", err)}, attrs...)
	if Outcome(err) == "error" || Outcome(err) == "upstream" {
		h.logger.Error(op+" failed", args...)
		return
	}
	h.logger.Info(op+" rejected", args...)
}
