package patients

import (
	"fmt"
	"time"

	"github.com/odyssey-erp/odyssey-clinic/internal/shared"
)

// Status is the soft lifecycle state of a patient record.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Patient is the billing view of a patient. Balance is a cached projection of
// the ledger (paid minus billed over non-cancelled invoices), so debt is
// negative. Only the ledger rewrites Balance and LastVisitDate.
type Patient struct {
	ID             int64      `json:"id"`
	Number         string     `json:"number"`
	FullName       string     `json:"full_name"`
	Phone          string     `json:"phone,omitempty"`
	TelegramChatID *int64     `json:"telegram_chat_id,omitempty"`
	LastVisitDate  *time.Time `json:"last_visit_date,omitempty"`
	Balance        int64      `json:"balance"`
	Status         Status     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Debt returns the outstanding amount as a positive number.
func (p Patient) Debt() int64 {
	if p.Balance >= 0 {
		return 0
	}
	return -p.Balance
}

// RegisterInput captures the fields needed to create a patient.
type RegisterInput struct {
	Number         string
	FullName       string
	Phone          string
	TelegramChatID *int64
}

var (
	// ErrNotFound indicates the patient does not exist.
	ErrNotFound = fmt.Errorf("patient not found: %w", shared.ErrNotFound)
	// ErrDuplicateNumber indicates the medical record number is taken.
	ErrDuplicateNumber = fmt.Errorf("patient number already registered: %w", shared.ErrConflict)
)
