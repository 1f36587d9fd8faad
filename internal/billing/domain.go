package billing

import (
	"time"

	"github.com/odyssey-erp/odyssey-clinic/internal/billing/discount"
)

// Status enumerates invoice payment states.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPartial   Status = "partial"
	StatusPaid      Status = "paid"
	StatusCancelled Status = "cancelled"
)

// Source identifies the workflow that created an invoice.
type Source string

const (
	SourceReception Source = "reception"
	SourceDoctor    Source = "doctor"
	SourceLab       Source = "lab"
	SourcePharmacy  Source = "pharmacy"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourceReception, SourceDoctor, SourceLab, SourcePharmacy:
		return true
	}
	return false
}

// PaymentMethod enumerates accepted payment channels.
type PaymentMethod string

const (
	MethodCash     PaymentMethod = "cash"
	MethodCard     PaymentMethod = "card"
	MethodTransfer PaymentMethod = "transfer"
	MethodOnline   PaymentMethod = "online"
)

// Valid reports whether m is a known payment method.
func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCash, MethodCard, MethodTransfer, MethodOnline:
		return true
	}
	return false
}

// Invoice is a billing document. Amounts are in the smallest currency unit.
// Rows are never deleted; cancellation is a status.
type Invoice struct {
	ID                 int64         `json:"id"`
	Number             string        `json:"number"`
	PatientID          int64         `json:"patient_id"`
	Source             Source        `json:"source"`
	Subtotal           int64         `json:"subtotal"`
	AutoDiscount       int64         `json:"auto_discount"`
	ManualDiscount     int64         `json:"manual_discount"`
	DiscountAmount     int64         `json:"discount_amount"`
	TotalAmount        int64         `json:"total_amount"`
	PaidAmount         int64         `json:"paid_amount"`
	Status             Status        `json:"status"`
	DiscountTier       discount.Tier `json:"discount_tier"`
	DiscountReason     string        `json:"discount_reason,omitempty"`
	DaysSinceLastVisit *int          `json:"days_since_last_visit,omitempty"`
	Notes              string        `json:"notes,omitempty"`
	Version            int64         `json:"version"`
	CreatedBy          int64         `json:"created_by"`
	CancelledBy        *int64        `json:"cancelled_by,omitempty"`
	CancelledAt        *time.Time    `json:"cancelled_at,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
	Lines              []LineItem    `json:"lines,omitempty"`
}

// Outstanding returns the unpaid remainder.
func (inv Invoice) Outstanding() int64 {
	if inv.Status == StatusCancelled {
		return 0
	}
	return inv.TotalAmount - inv.PaidAmount
}

// CheckInvariants verifies the amount relations every stored invoice must satisfy.
func (inv Invoice) CheckInvariants() error {
	var lineTotal int64
	for _, line := range inv.Lines {
		lineTotal += line.Total
	}
	switch {
	case inv.PaidAmount < 0 || inv.PaidAmount > inv.TotalAmount:
		return ErrInvariant
	case inv.DiscountAmount < 0 || inv.DiscountAmount > inv.Subtotal:
		return ErrInvariant
	case inv.TotalAmount != inv.Subtotal-inv.DiscountAmount:
		return ErrInvariant
	case len(inv.Lines) > 0 && lineTotal != inv.Subtotal:
		return ErrInvariant
	}
	return nil
}

// LineItem is one billed service on an invoice.
type LineItem struct {
	ID          int64  `json:"id"`
	InvoiceID   int64  `json:"invoice_id"`
	Position    int    `json:"position"`
	ServiceID   int64  `json:"service_id"`
	Description string `json:"description"`
	Quantity    int64  `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
	Total       int64  `json:"total"`
}

// Transaction is an append-only record of money received against an invoice.
type Transaction struct {
	ID        int64         `json:"id"`
	InvoiceID int64         `json:"invoice_id"`
	PatientID int64         `json:"patient_id"`
	Amount    int64         `json:"amount"`
	Method    PaymentMethod `json:"method"`
	Reference string        `json:"reference,omitempty"`
	ActorID   int64         `json:"actor_id"`
	CreatedAt time.Time     `json:"created_at"`
}

// AccessToken authorises one visit for a fully paid invoice. The value is
// derived from stable identifiers and is toggled, never regenerated.
type AccessToken struct {
	ID        int64     `json:"id"`
	InvoiceID int64     `json:"invoice_id"`
	PatientID int64     `json:"patient_id"`
	Token     string    `json:"token"`
	Active    bool      `json:"active"`
	IssuedAt  time.Time `json:"issued_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InvoiceDetail bundles an invoice with its ledger history.
type InvoiceDetail struct {
	Invoice      Invoice       `json:"invoice"`
	Transactions []Transaction `json:"transactions"`
	AccessToken  *AccessToken  `json:"access_token,omitempty"`
}

// LineRequest asks for a catalog service on a new invoice.
type LineRequest struct {
	ServiceID int64
	Quantity  int64
}

// CreateInvoiceInput is the request to bill a patient.
type CreateInvoiceInput struct {
	PatientID      int64
	Items          []LineRequest
	PaymentMethod  PaymentMethod
	InitialPaid    int64
	ManualDiscount int64
	Source         Source
	Notes          string
}

// ApplyPaymentInput records money received against an invoice. A non-empty
// Reference makes the request idempotent.
type ApplyPaymentInput struct {
	InvoiceID int64
	Amount    int64
	Method    PaymentMethod
	Reference string
}

// StateUpdate is the mutable part of an invoice written under a row lock.
type StateUpdate struct {
	ID              int64
	ExpectedVersion int64
	PaidAmount      int64
	Status          Status
	CancelledBy     *int64
	CancelledAt     *time.Time
	At              time.Time
}

// LedgerTotals sums a patient's non-cancelled invoices.
type LedgerTotals struct {
	Paid  int64
	Total int64
}

// ListFilter narrows a patient's invoice listing.
type ListFilter struct {
	Status  Status
	Page    int
	PerPage int
}

// DebtNotice is emitted after commit when a patient leaves with an unpaid invoice.
type DebtNotice struct {
	OutboxID      int64  `json:"outbox_id"`
	PatientID     int64  `json:"patient_id"`
	InvoiceID     int64  `json:"invoice_id"`
	InvoiceNumber string `json:"invoice_number"`
	Outstanding   int64  `json:"outstanding"`
	Balance       int64  `json:"balance"`
}
