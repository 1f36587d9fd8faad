package billing

import (
	"fmt"

	"github.com/odyssey-erp/odyssey-clinic/internal/billing/discount"
	"github.com/odyssey-erp/odyssey-clinic/internal/shared"
)

// Domain errors for the ledger. Each wraps one error class from shared.
var (
	// Not found.
	ErrPatientNotFound = fmt.Errorf("billing: patient not found: %w", shared.ErrNotFound)
	ErrInvoiceNotFound = fmt.Errorf("billing: invoice not found: %w", shared.ErrNotFound)
	ErrServiceNotFound = fmt.Errorf("billing: service not found: %w", shared.ErrNotFound)
	ErrTokenNotFound   = fmt.Errorf("billing: access token not found: %w", shared.ErrNotFound)

	// Validation.
	ErrServiceInactive = fmt.Errorf("billing: service is inactive: %w", shared.ErrValidation)
	ErrNoLineItems     = fmt.Errorf("billing: at least one line item is required: %w", shared.ErrValidation)
	ErrInvalidQuantity = fmt.Errorf("billing: quantity must be positive: %w", shared.ErrValidation)
	ErrInvalidAmount   = fmt.Errorf("billing: amount must be positive: %w", shared.ErrValidation)
	ErrAmountOverflow  = fmt.Errorf("billing: amount out of range: %w", shared.ErrValidation)
	ErrInvalidMethod   = fmt.Errorf("billing: unknown payment method: %w", shared.ErrValidation)
	ErrInvalidSource   = fmt.Errorf("billing: unknown invoice source: %w", shared.ErrValidation)
	ErrPatientInactive = fmt.Errorf("billing: patient record is inactive: %w", shared.ErrValidation)
	ErrActorRequired   = fmt.Errorf("billing: actor required: %w", shared.ErrUnauthenticated)

	// Policy.
	ErrDiscountExceedsCap = discount.ErrDiscountExceedsCap

	// State conflicts.
	ErrInvoiceCancelled = fmt.Errorf("billing: invoice is cancelled: %w", shared.ErrConflict)
	ErrOverpayment      = fmt.Errorf("billing: payment exceeds outstanding amount: %w", shared.ErrConflict)
	ErrCannotCancelPaid = fmt.Errorf("billing: paid invoice cannot be cancelled: %w", shared.ErrConflict)
	ErrConcurrentUpdate = fmt.Errorf("billing: invoice changed concurrently: %w", shared.ErrConflict)
	ErrDuplicatePayment = fmt.Errorf("billing: payment reference already processed: %w", shared.ErrConflict)
	ErrInvariant        = fmt.Errorf("billing: invoice amounts inconsistent: %w", shared.ErrConflict)

	// External dependencies.
	ErrCatalogUnavailable = fmt.Errorf("billing: service catalog unavailable: %w", shared.ErrUpstream)
)
