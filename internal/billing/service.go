package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-clinic/internal/billing/discount"
	"github.com/odyssey-erp/odyssey-clinic/internal/patients"
	"github.com/odyssey-erp/odyssey-clinic/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetInvoiceDetail(ctx context.Context, id int64) (InvoiceDetail, error)
	ListPatientInvoices(ctx context.Context, patientID int64, filter ListFilter) ([]Invoice, int, error)
	ListPatientIDs(ctx context.Context, afterID int64, limit int) ([]int64, error)
}

// TxRepository exposes the writes of one ledger transaction. Methods named
// ForUpdate take a row lock held until commit.
type TxRepository interface {
	BalanceStore
	TokenStore
	GetPatientForUpdate(ctx context.Context, id int64) (patients.Patient, error)
	NextInvoiceNumber(ctx context.Context, at time.Time) (string, error)
	InsertInvoice(ctx context.Context, inv Invoice) (Invoice, error)
	GetInvoiceForUpdate(ctx context.Context, id int64) (Invoice, error)
	UpdateInvoiceState(ctx context.Context, update StateUpdate) error
	InsertTransaction(ctx context.Context, txn Transaction) (Transaction, error)
	InsertOutboxEvent(ctx context.Context, evt OutboxEvent) (OutboxEvent, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort guards payment references against double submission.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key, module string) error
}

// EventDispatcher delivers outbox events after commit.
type EventDispatcher interface {
	Dispatch(ctx context.Context, events []OutboxEvent)
}

// MetricsPort counts ledger operations by outcome.
type MetricsPort interface {
	ObserveLedgerOp(op, outcome string)
}

const idempotencyModulePayment = "billing.payment"

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	Location *time.Location
}

// Service coordinates invoice creation, payments and cancellation. Every
// operation commits its invoice, transactions, token and patient balance
// together or not at all.
type Service struct {
	repo        RepositoryPort
	lines       *LineBuilder
	policy      discount.Policy
	balances    BalanceEngine
	tokens      TokenIssuer
	audit       AuditPort
	idempotency IdempotencyPort
	events      EventDispatcher
	metrics     MetricsPort
	logger      *slog.Logger
	now         func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, catalog ServiceCatalog, audit AuditPort, cfg ServiceConfig) *Service {
	return &Service{
		repo:   repo,
		lines:  NewLineBuilder(catalog),
		policy: discount.NewPolicy(cfg.Location),
		audit:  audit,
		logger: slog.Default(),
		now:    time.Now,
	}
}

// WithNow overrides the clock, used in tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// SetLogger replaces the logger.
func (s *Service) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetEvents wires the post-commit dispatcher.
func (s *Service) SetEvents(events EventDispatcher) { s.events = events }

// SetIdempotency wires the payment reference guard.
func (s *Service) SetIdempotency(store IdempotencyPort) { s.idempotency = store }

// SetMetrics wires operation counters.
func (s *Service) SetMetrics(metrics MetricsPort) { s.metrics = metrics }

// CreateInvoice bills a patient for catalog services, applies the revisit and
// manual discounts, records an optional initial payment and rewrites the
// patient balance in one transaction. The debt notification is queued in the
// same transaction and delivered after commit.
func (s *Service) CreateInvoice(ctx context.Context, input CreateInvoiceInput, actor shared.Actor) (Invoice, error) {
	if err := validateCreate(input, actor); err != nil {
		s.observe("create_invoice", err)
		return Invoice{}, err
	}
	now := s.now()
	var (
		created Invoice
		token   *AccessToken
		balance int64
		events  []OutboxEvent
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		patient, err := tx.GetPatientForUpdate(ctx, input.PatientID)
		if err != nil {
			return err
		}
		if patient.Status == patients.StatusInactive {
			return ErrPatientInactive
		}

		lines, subtotal, err := s.lines.Build(ctx, input.Items)
		if err != nil {
			return err
		}

		// The stored last visit is read before this transaction rewrites it.
		decision, err := s.policy.Evaluate(patient.LastVisitDate, now, actor.Role, input.ManualDiscount, subtotal)
		if err != nil {
			return err
		}
		discountAmount := decision.Total(subtotal)
		total := subtotal - discountAmount
		if input.InitialPaid > total {
			return fmt.Errorf("%w: initial payment %d, total %d", ErrOverpayment, input.InitialPaid, total)
		}

		number, err := tx.NextInvoiceNumber(ctx, now)
		if err != nil {
			return fmt.Errorf("billing: allocate invoice number: %w", err)
		}
		inv := Invoice{
			Number:             number,
			PatientID:          patient.ID,
			Source:             input.Source,
			Subtotal:           subtotal,
			AutoDiscount:       decision.AutoDiscount,
			ManualDiscount:     decision.ManualDiscount,
			DiscountAmount:     discountAmount,
			TotalAmount:        total,
			PaidAmount:         input.InitialPaid,
			Status:             deriveStatus(input.InitialPaid, total),
			DiscountTier:       decision.Tier,
			DiscountReason:     decision.Reason,
			DaysSinceLastVisit: decision.DaysSinceLastVisit,
			Notes:              strings.TrimSpace(input.Notes),
			Version:            1,
			CreatedBy:          actor.ID,
			CreatedAt:          now,
			UpdatedAt:          now,
			Lines:              lines,
		}
		if err := inv.CheckInvariants(); err != nil {
			return err
		}
		inv, err = tx.InsertInvoice(ctx, inv)
		if err != nil {
			return fmt.Errorf("billing: insert invoice: %w", err)
		}

		if input.InitialPaid > 0 {
			if _, err := tx.InsertTransaction(ctx, Transaction{
				InvoiceID: inv.ID,
				PatientID: patient.ID,
				Amount:    input.InitialPaid,
				Method:    input.PaymentMethod,
				ActorID:   actor.ID,
				CreatedAt: now,
			}); err != nil {
				return fmt.Errorf("billing: insert transaction: %w", err)
			}
		}

		if inv.Status == StatusPaid {
			issued, err := s.tokens.IssueOrActivate(ctx, tx, inv, patient, now)
			if err != nil {
				return err
			}
			token = &issued
		}

		balance, err = s.balances.RecomputeWithVisit(ctx, tx, patient.ID, &now)
		if err != nil {
			return err
		}

		if inv.Status != StatusPaid {
			evt, err := NewDebtNoticeEvent(DebtNotice{
				PatientID:     patient.ID,
				InvoiceID:     inv.ID,
				InvoiceNumber: inv.Number,
				Outstanding:   inv.Outstanding(),
				Balance:       balance,
			}, now)
			if err != nil {
				return err
			}
			evt, err = tx.InsertOutboxEvent(ctx, evt)
			if err != nil {
				return fmt.Errorf("billing: queue debt notice: %w", err)
			}
			events = append(events, evt)
		}

		created = inv
		return nil
	})
	s.observe("create_invoice", err)
	if err != nil {
		return Invoice{}, err
	}

	s.logger.Info("invoice created",
		slog.Int64("invoice_id", created.ID),
		slog.String("number", created.Number),
		slog.Int64("patient_id", created.PatientID),
		slog.Int64("total", created.TotalAmount),
		slog.String("status", string(created.Status)),
		slog.Int64("balance", balance))
	meta := map[string]any{
		"number":          created.Number,
		"subtotal":        created.Subtotal,
		"discount":        created.DiscountAmount,
		"discount_tier":   string(created.DiscountTier),
		"discount_reason": created.DiscountReason,
		"total":           created.TotalAmount,
		"paid":            created.PaidAmount,
		"status":          string(created.Status),
		"balance":         balance,
	}
	if token != nil {
		meta["access_token_id"] = token.ID
	}
	s.record(ctx, actor, "billing.invoice.create", created.ID, meta)
	s.dispatch(ctx, events)
	return created, nil
}

// ApplyPayment records money received against an invoice. A payment that
// would exceed the invoice total is rejected, never clamped. Concurrent
// payments on the same invoice serialize on the invoice row lock.
func (s *Service) ApplyPayment(ctx context.Context, input ApplyPaymentInput, actor shared.Actor) (Invoice, error) {
	if err := validatePayment(input, actor); err != nil {
		s.observe("apply_payment", err)
		return Invoice{}, err
	}
	reference := strings.TrimSpace(input.Reference)
	if reference != "" && s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, reference, idempotencyModulePayment); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				err = fmt.Errorf("%w: %s", ErrDuplicatePayment, reference)
			}
			s.observe("apply_payment", err)
			return Invoice{}, err
		}
	}

	now := s.now()
	var (
		updated Invoice
		balance int64
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, input.InvoiceID)
		if err != nil {
			return err
		}
		if inv.Status == StatusCancelled {
			return ErrInvoiceCancelled
		}
		newPaid := inv.PaidAmount + input.Amount
		if newPaid > inv.TotalAmount {
			return fmt.Errorf("%w: outstanding %d, payment %d", ErrOverpayment, inv.Outstanding(), input.Amount)
		}
		status := StatusPartial
		if newPaid == inv.TotalAmount {
			status = StatusPaid
		}

		if err := tx.UpdateInvoiceState(ctx, StateUpdate{
			ID:              inv.ID,
			ExpectedVersion: inv.Version,
			PaidAmount:      newPaid,
			Status:          status,
			At:              now,
		}); err != nil {
			return err
		}
		inv.PaidAmount = newPaid
		inv.Status = status
		inv.Version++
		inv.UpdatedAt = now

		if _, err := tx.InsertTransaction(ctx, Transaction{
			InvoiceID: inv.ID,
			PatientID: inv.PatientID,
			Amount:    input.Amount,
			Method:    input.Method,
			Reference: reference,
			ActorID:   actor.ID,
			CreatedAt: now,
		}); err != nil {
			return fmt.Errorf("billing: insert transaction: %w", err)
		}

		patient, err := tx.GetPatientForUpdate(ctx, inv.PatientID)
		if err != nil {
			return err
		}
		if status == StatusPaid {
			if _, err := s.tokens.IssueOrActivate(ctx, tx, inv, patient, now); err != nil {
				return err
			}
		}
		balance, err = s.balances.Recompute(ctx, tx, patient.ID)
		if err != nil {
			return err
		}
		updated = inv
		return nil
	})
	s.observe("apply_payment", err)
	if err != nil {
		if reference != "" && s.idempotency != nil {
			if delErr := s.idempotency.Delete(context.WithoutCancel(ctx), reference, idempotencyModulePayment); delErr != nil {
				s.logger.Warn("release payment reference", slog.String("reference", reference), slog.Any("error", delErr))
			}
		}
		return Invoice{}, err
	}

	s.logger.Info("payment applied",
		slog.Int64("invoice_id", updated.ID),
		slog.Int64("amount", input.Amount),
		slog.Int64("paid", updated.PaidAmount),
		slog.String("status", string(updated.Status)),
		slog.Int64("balance", balance))
	s.record(ctx, actor, "billing.invoice.payment", updated.ID, map[string]any{
		"amount":    input.Amount,
		"method":    string(input.Method),
		"reference": reference,
		"paid":      updated.PaidAmount,
		"status":    string(updated.Status),
		"balance":   balance,
	})
	return updated, nil
}

// Cancel voids a pending or partially paid invoice. The invoice row is kept
// and drops out of the patient's balance.
func (s *Service) Cancel(ctx context.Context, invoiceID int64, actor shared.Actor) (Invoice, error) {
	if actor.ID <= 0 && actor.Role != shared.RoleSystem {
		s.observe("cancel_invoice", ErrActorRequired)
		return Invoice{}, ErrActorRequired
	}
	now := s.now()
	var (
		cancelled Invoice
		balance   int64
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		switch inv.Status {
		case StatusPaid:
			return ErrCannotCancelPaid
		case StatusCancelled:
			return ErrInvoiceCancelled
		}
		actorID := actor.ID
		if err := tx.UpdateInvoiceState(ctx, StateUpdate{
			ID:              inv.ID,
			ExpectedVersion: inv.Version,
			PaidAmount:      inv.PaidAmount,
			Status:          StatusCancelled,
			CancelledBy:     &actorID,
			CancelledAt:     &now,
			At:              now,
		}); err != nil {
			return err
		}
		inv.Status = StatusCancelled
		inv.CancelledBy = &actorID
		inv.CancelledAt = &now
		inv.Version++
		inv.UpdatedAt = now

		if _, err := tx.GetPatientForUpdate(ctx, inv.PatientID); err != nil {
			return err
		}
		balance, err = s.balances.Recompute(ctx, tx, inv.PatientID)
		if err != nil {
			return err
		}
		cancelled = inv
		return nil
	})
	s.observe("cancel_invoice", err)
	if err != nil {
		return Invoice{}, err
	}
	s.logger.Info("invoice cancelled", slog.Int64("invoice_id", cancelled.ID), slog.Int64("balance", balance))
	s.record(ctx, actor, "billing.invoice.cancel", cancelled.ID, map[string]any{
		"number":  cancelled.Number,
		"paid":    cancelled.PaidAmount,
		"balance": balance,
	})
	return cancelled, nil
}

// RecomputeBalance rewrites one patient's cached balance from the ledger.
func (s *Service) RecomputeBalance(ctx context.Context, patientID int64) (int64, error) {
	result, err := s.reconcilePatient(ctx, patientID)
	s.observe("recompute_balance", err)
	if err != nil {
		return 0, err
	}
	return result.After, nil
}

// ReconcileReport summarises a reconciliation run.
type ReconcileReport struct {
	Checked   int
	Corrected int
	Failed    int
}

type reconcileResult struct {
	Before int64
	After  int64
}

// ReconcileAll recomputes every patient balance and reports drift.
func (s *Service) ReconcileAll(ctx context.Context, batchSize int) (ReconcileReport, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	var report ReconcileReport
	var cursor int64
	for {
		ids, err := s.repo.ListPatientIDs(ctx, cursor, batchSize)
		if err != nil {
			return report, fmt.Errorf("billing: list patients: %w", err)
		}
		if len(ids) == 0 {
			return report, nil
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			report.Checked++
			res, err := s.reconcilePatient(ctx, id)
			if err != nil {
				report.Failed++
				s.logger.Warn("reconcile balance", slog.Int64("patient_id", id), slog.Any("error", err))
				continue
			}
			if res.Before != res.After {
				report.Corrected++
				s.logger.Warn("balance drift corrected",
					slog.Int64("patient_id", id),
					slog.Int64("cached", res.Before),
					slog.Int64("derived", res.After))
			}
		}
		cursor = ids[len(ids)-1]
	}
}

func (s *Service) reconcilePatient(ctx context.Context, patientID int64) (reconcileResult, error) {
	var res reconcileResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		patient, err := tx.GetPatientForUpdate(ctx, patientID)
		if err != nil {
			return err
		}
		res.Before = patient.Balance
		res.After, err = s.balances.Recompute(ctx, tx, patientID)
		return err
	})
	return res, err
}

// GetInvoice returns an invoice with its transactions and access token.
func (s *Service) GetInvoice(ctx context.Context, id int64) (InvoiceDetail, error) {
	return s.repo.GetInvoiceDetail(ctx, id)
}

// ListPatientInvoices lists a patient's invoices, newest first.
func (s *Service) ListPatientInvoices(ctx context.Context, patientID int64, filter ListFilter) ([]Invoice, shared.Pagination, error) {
	filter.Page, filter.PerPage = shared.NormalizePage(filter.Page, filter.PerPage)
	items, total, err := s.repo.ListPatientInvoices(ctx, patientID, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return items, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

func (s *Service) record(ctx context.Context, actor shared.Actor, action string, invoiceID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor.ID,
		Role:     actor.Role,
		Action:   action,
		Entity:   "invoice",
		EntityID: strconv.FormatInt(invoiceID, 10),
		Meta:     meta,
		At:       s.now(),
	}); err != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}

func (s *Service) dispatch(ctx context.Context, events []OutboxEvent) {
	if len(events) == 0 || s.events == nil {
		return
	}
	go s.events.Dispatch(context.WithoutCancel(ctx), events)
}

func (s *Service) observe(op string, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveLedgerOp(op, Outcome(err))
}

// Outcome classifies an operation result for metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, shared.ErrNotFound):
		return "not_found"
	case errors.Is(err, shared.ErrValidation), errors.Is(err, shared.ErrUnauthenticated):
		return "validation"
	case errors.Is(err, shared.ErrPolicyViolation):
		return "policy"
	case errors.Is(err, shared.ErrConflict):
		return "conflict"
	case errors.Is(err, shared.ErrUpstream):
		return "upstream"
	default:
		return "error"
	}
}

func deriveStatus(paid, total int64) Status {
	switch {
	case paid >= total:
		return StatusPaid
	case paid > 0:
		return StatusPartial
	default:
		return StatusPending
	}
}

func validateCreate(input CreateInvoiceInput, actor shared.Actor) error {
	if actor.ID <= 0 && actor.Role != shared.RoleSystem {
		return ErrActorRequired
	}
	if input.PatientID <= 0 {
		return ErrPatientNotFound
	}
	if !input.Source.Valid() {
		return ErrInvalidSource
	}
	if input.InitialPaid < 0 {
		return fmt.Errorf("%w: initial payment %d", ErrInvalidAmount, input.InitialPaid)
	}
	if input.InitialPaid > 0 && !input.PaymentMethod.Valid() {
		return ErrInvalidMethod
	}
	return nil
}

func validatePayment(input ApplyPaymentInput, actor shared.Actor) error {
	if actor.ID <= 0 && actor.Role != shared.RoleSystem {
		return ErrActorRequired
	}
	if input.InvoiceID <= 0 {
		return ErrInvoiceNotFound
	}
	if input.Amount <= 0 {
		return ErrInvalidAmount
	}
	if !input.Method.Valid() {
		return ErrInvalidMethod
	}
	return nil
}
