package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-clinic/internal/patients"
)

// accessTokenNamespace scopes derived token values to this ledger.
var accessTokenNamespace = uuid.NewSHA1(uuid.Nil, []byte("clinic:access-token"))

// TokenStore is the slice of a ledger transaction the issuer needs.
type TokenStore interface {
	GetAccessTokenByInvoice(ctx context.Context, invoiceID int64) (AccessToken, error)
	InsertAccessToken(ctx context.Context, token AccessToken) (AccessToken, error)
	SetAccessTokenActive(ctx context.Context, id int64, active bool, at time.Time) error
}

// DeriveToken returns the deterministic token value for a patient invoice.
func DeriveToken(patientNumber, invoiceNumber string) string {
	id := uuid.NewSHA1(accessTokenNamespace, []byte(fmt.Sprintf("%s:%s", patientNumber, invoiceNumber)))
	return strings.ReplaceAll(id.String(), "-", "")
}

// TokenIssuer issues visit-authorization tokens for paid invoices.
type TokenIssuer struct{}

// IssueOrActivate returns the active token of the invoice, creating it on
// first use and re-activating it otherwise. The value never changes.
func (TokenIssuer) IssueOrActivate(ctx context.Context, tx TokenStore, inv Invoice, patient patients.Patient, now time.Time) (AccessToken, error) {
	existing, err := tx.GetAccessTokenByInvoice(ctx, inv.ID)
	switch {
	case err == nil:
		if existing.Active {
			return existing, nil
		}
		if err := tx.SetAccessTokenActive(ctx, existing.ID, true, now); err != nil {
			return AccessToken{}, fmt.Errorf("billing: activate access token: %w", err)
		}
		existing.Active = true
		existing.UpdatedAt = now
		return existing, nil
	case errors.Is(err, ErrTokenNotFound):
	default:
		return AccessToken{}, fmt.Errorf("billing: load access token: %w", err)
	}

	token := AccessToken{
		InvoiceID: inv.ID,
		PatientID: patient.ID,
		Token:     DeriveToken(patient.Number, inv.Number),
		Active:    true,
		IssuedAt:  now,
		UpdatedAt: now,
	}
	created, err := tx.InsertAccessToken(ctx, token)
	if err != nil {
		return AccessToken{}, fmt.Errorf("billing: insert access token: %w", err)
	}
	return created, nil
}
