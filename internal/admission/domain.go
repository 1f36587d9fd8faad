// Package admission answers the reception desk's "has this patient paid?"
// question from visit tokens issued by billing.
package admission

import (
	"fmt"
	"time"

	"github.com/odyssey-erp/odyssey-clinic/internal/shared"
)

// Token is the admission view of a billing access token.
type Token struct {
	ID        int64
	InvoiceID int64
	PatientID int64
	Value     string
	Active    bool
	IssuedAt  time.Time
}

// Gate is the admission decision for a patient.
type Gate struct {
	PatientID     int64  `json:"patient_id"`
	MayStartVisit bool   `json:"may_start_visit"`
	Token         string `json:"token,omitempty"`
	InvoiceID     int64  `json:"invoice_id,omitempty"`
}

var (
	ErrPatientNotFound = fmt.Errorf("admission: patient not found: %w", shared.ErrNotFound)
	ErrTokenNotFound   = fmt.Errorf("admission: token not found: %w", shared.ErrNotFound)
	ErrTokenConsumed   = fmt.Errorf("admission: token already used: %w", shared.ErrConflict)
	ErrInvalidToken    = fmt.Errorf("admission: malformed token: %w", shared.ErrValidation)
)
