package admission

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/odyssey-erp/odyssey-clinic/internal/shared"
)

// RepositoryPort abstracts token storage.
type RepositoryPort interface {
	PatientExists(ctx context.Context, patientID int64) (bool, error)
	FindActiveToken(ctx context.Context, patientID int64) (Token, error)
	DeactivateToken(ctx context.Context, value string, at time.Time) (Token, error)
}

// AuditPort records consumed tokens.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service evaluates and consumes admission gates.
type Service struct {
	repo   RepositoryPort
	audit  AuditPort
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs the service.
func NewService(repo RepositoryPort, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, logger: logger, now: time.Now}
}

// Check reports whether the patient holds an active visit token.
func (s *Service) Check(ctx context.Context, patientID int64) (Gate, error) {
	exists, err := s.repo.PatientExists(ctx, patientID)
	if err != nil {
		return Gate{}, err
	}
	if !exists {
		return Gate{}, ErrPatientNotFound
	}
	gate := Gate{PatientID: patientID}
	token, err := s.repo.FindActiveToken(ctx, patientID)
	switch {
	case err == nil:
		gate.MayStartVisit = true
		gate.Token = token.Value
		gate.InvoiceID = token.InvoiceID
	case errors.Is(err, ErrTokenNotFound):
	default:
		return Gate{}, err
	}
	return gate, nil
}

// Consume marks a token used when the visit starts. A token authorises one
// visit; billing re-activates it only when the invoice is paid again.
func (s *Service) Consume(ctx context.Context, value string, actor shared.Actor) (Token, error) {
	if len(value) != 32 {
		return Token{}, ErrInvalidToken
	}
	token, err := s.repo.DeactivateToken(ctx, value, s.now())
	if err != nil {
		return Token{}, err
	}
	s.logger.Info("visit token consumed",
		slog.Int64("patient_id", token.PatientID),
		slog.Int64("invoice_id", token.InvoiceID))
	if s.audit != nil {
		if err := s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actor.ID,
			Role:     actor.Role,
			Action:   "admission.token.consume",
			Entity:   "invoice",
			EntityID: strconv.FormatInt(token.InvoiceID, 10),
			Meta:     map[string]any{"patient_id": token.PatientID},
			At:       s.now(),
		}); err != nil {
			s.logger.Warn("audit record failed", slog.Any("error", err))
		}
	}
	return token, nil
}
