package catalog

import (
	"fmt"
	"time"

	"github.com/odyssey-erp/odyssey-clinic/internal/shared"
)

// Category groups billable services.
type Category string

const (
	CategoryConsultation Category = "consultation"
	CategoryLab          Category = "lab"
	CategoryProcedure    Category = "procedure"
	CategoryPharmacy     Category = "pharmacy"
)

// Item is a billable clinic service. UnitPrice is in the smallest currency unit.
type Item struct {
	ID        int64     `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	Category  Category  `json:"category"`
	UnitPrice int64     `json:"unit_price"`
	IsActive  bool      `json:"is_active"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UpsertInput carries catalog changes from administrators.
type UpsertInput struct {
	ID        int64
	Code      string
	Name      string
	Category  Category
	UnitPrice int64
	IsActive  bool
}

// ListFilter narrows catalog listings.
type ListFilter struct {
	Category   Category
	ActiveOnly bool
}

var (
	// ErrNotFound indicates the service id is unknown.
	ErrNotFound = fmt.Errorf("catalog: service not found: %w", shared.ErrNotFound)
	// ErrDuplicateCode indicates another service already uses the code.
	ErrDuplicateCode = fmt.Errorf("catalog: service code already used: %w", shared.ErrConflict)
	// ErrInvalidPrice indicates a negative price.
	ErrInvalidPrice = fmt.Errorf("catalog: unit price must not be negative: %w", shared.ErrValidation)
)
