package admission

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads and consumes access tokens.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// PatientExists reports whether the patient row exists.
func (r *Repository) PatientExists(ctx context.Context, patientID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM patients WHERE id = $1)`, patientID).Scan(&exists)
	return exists, err
}

// FindActiveToken returns the most recently issued active token of a patient.
func (r *Repository) FindActiveToken(ctx context.Context, patientID int64) (Token, error) {
	var t Token
	err := r.pool.QueryRow(ctx, `SELECT id, invoice_id, patient_id, token, active, issued_at
		FROM access_tokens
		WHERE patient_id = $1 AND active
		ORDER BY issued_at DESC, id DESC
		LIMIT 1`, patientID).Scan(&t.ID, &t.InvoiceID, &t.PatientID, &t.Value, &t.Active, &t.IssuedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Token{}, ErrTokenNotFound
	}
	return t, err
}

// DeactivateToken flips an active token off. A token that exists but is
// already inactive yields ErrTokenConsumed.
func (r *Repository) DeactivateToken(ctx context.Context, value string, at time.Time) (Token, error) {
	var t Token
	err := r.pool.QueryRow(ctx, `UPDATE access_tokens SET active = FALSE, updated_at = $2
		WHERE token = $1 AND active
		RETURNING id, invoice_id, patient_id, token, active, issued_at`, value, at).
		Scan(&t.ID, &t.InvoiceID, &t.PatientID, &t.Value, &t.Active, &t.IssuedAt)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Token{}, err
	}
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM access_tokens WHERE token = $1)`, value).Scan(&exists); err != nil {
		return Token{}, err
	}
	if exists {
		return Token{}, ErrTokenConsumed
	}
	return Token{}, ErrTokenNotFound
}
