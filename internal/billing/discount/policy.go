// Package discount evaluates the revisit discount and the manual discount cap
// applied when an invoice is created. It has no collaborators.
package discount

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-clinic/internal/shared"
)

// Tier names the automatic discount band.
type Tier string

const (
	TierNone Tier = "none"
	TierFree Tier = "free"
	TierHalf Tier = "half"
)

const (
	freeWindowDays = 3
	halfWindowDays = 7
)

var (
	rateFree = decimal.NewFromInt(1)
	rateHalf = decimal.NewFromFloat(0.5)
	// DefaultManualCapRate limits manual discounts for capped roles.
	DefaultManualCapRate = decimal.NewFromFloat(0.20)
)

var (
	// ErrDiscountExceedsCap is returned when a capped role requests more than allowed.
	ErrDiscountExceedsCap = fmt.Errorf("discount: manual discount exceeds cap: %w", shared.ErrPolicyViolation)
	// ErrInvalidDiscount is returned for negative manual discounts.
	ErrInvalidDiscount = fmt.Errorf("discount: manual discount must not be negative: %w", shared.ErrValidation)
	// ErrInvalidSubtotal is returned for negative subtotals.
	ErrInvalidSubtotal = fmt.Errorf("discount: subtotal must not be negative: %w", shared.ErrValidation)
)

// CapError carries the maximum manual discount the actor may grant.
type CapError struct {
	Requested  int64
	MaxAllowed int64
}

func (e *CapError) Error() string {
	return fmt.Sprintf("%s (requested %d, max allowed %d)", ErrDiscountExceedsCap.Error(), e.Requested, e.MaxAllowed)
}

// Unwrap links the error to ErrDiscountExceedsCap.
func (e *CapError) Unwrap() error { return ErrDiscountExceedsCap }

// ProblemFields exposes the cap to HTTP clients.
func (e *CapError) ProblemFields() map[string]any {
	return map[string]any{"requested": e.Requested, "max_allowed": e.MaxAllowed}
}

// Decision is the outcome of a policy evaluation. It is stored on the invoice
// as audit fields and never recomputed.
type Decision struct {
	AutoDiscount       int64
	Reason             string
	ManualDiscount     int64
	Tier               Tier
	DaysSinceLastVisit *int
}

// Total is the discount applied to the invoice, never more than subtotal.
func (d Decision) Total(subtotal int64) int64 {
	total := d.AutoDiscount + d.ManualDiscount
	if total > subtotal {
		return subtotal
	}
	return total
}

// Policy evaluates discounts. Day boundaries are local midnight in Location.
type Policy struct {
	Location      *time.Location
	ManualCapRate decimal.Decimal
}

// NewPolicy returns a policy with the default cap rate.
func NewPolicy(loc *time.Location) Policy {
	if loc == nil {
		loc = time.UTC
	}
	return Policy{Location: loc, ManualCapRate: DefaultManualCapRate}
}

// Evaluate computes the automatic revisit discount and validates the manual
// discount requested by role. A request above the cap is an error, never clamped.
func (p Policy) Evaluate(lastVisit *time.Time, today time.Time, role shared.Role, requestedManual, subtotal int64) (Decision, error) {
	if subtotal < 0 {
		return Decision{}, ErrInvalidSubtotal
	}
	if requestedManual < 0 {
		return Decision{}, ErrInvalidDiscount
	}

	decision := Decision{Tier: TierNone}
	if lastVisit != nil {
		days := p.DaysBetween(*lastVisit, today)
		decision.DaysSinceLastVisit = &days
		switch {
		case days <= 0:
			decision.Tier = TierFree
			decision.AutoDiscount = applyRate(subtotal, rateFree)
			decision.Reason = "same-day revisit, free"
		case days <= freeWindowDays:
			decision.Tier = TierFree
			decision.AutoDiscount = applyRate(subtotal, rateFree)
			decision.Reason = fmt.Sprintf("revisit within %d days, free", days)
		case days <= halfWindowDays:
			decision.Tier = TierHalf
			decision.AutoDiscount = applyRate(subtotal, rateHalf)
			decision.Reason = fmt.Sprintf("revisit within %d days, half price", days)
		}
	}

	if requestedManual > 0 && !Uncapped(role) {
		maxAllowed := applyRate(subtotal, p.capRate())
		if requestedManual > maxAllowed {
			return Decision{}, &CapError{Requested: requestedManual, MaxAllowed: maxAllowed}
		}
	}
	// Only the part of the manual discount that fits under the subtotal is recorded.
	decision.ManualDiscount = min(requestedManual, subtotal-decision.AutoDiscount)
	return decision, nil
}

// DaysBetween counts calendar days between two instants after truncating both
// to local midnight.
func (p Policy) DaysBetween(from, to time.Time) int {
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	// Calendar arithmetic keeps DST days from rounding down.
	fy, fm, fd := from.In(loc).Date()
	ty, tm, td := to.In(loc).Date()
	fu := time.Date(fy, fm, fd, 0, 0, 0, 0, time.UTC)
	tu := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
	return int(tu.Sub(fu).Hours() / 24)
}

// Uncapped reports whether role may grant any manual discount.
func Uncapped(role shared.Role) bool {
	return role == shared.RoleCashier || role == shared.RoleAdmin
}

func (p Policy) capRate() decimal.Decimal {
	if p.ManualCapRate.IsZero() {
		return DefaultManualCapRate
	}
	return p.ManualCapRate
}

func applyRate(amount int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).Mul(rate).Floor().IntPart()
}

// IsCapError reports whether err is a cap violation and returns its details.
func IsCapError(err error) (*CapError, bool) {
	var capErr *CapError
	if errors.As(err, &capErr) {
		return capErr, true
	}
	return nil, false
}
