package billing

import (
	"context"
	"fmt"
	"time"
)

// BalanceStore is the slice of a ledger transaction needed to rewrite a
// patient's cached balance.
type BalanceStore interface {
	SumPatientLedger(ctx context.Context, patientID int64) (LedgerTotals, error)
	UpdatePatientLedger(ctx context.Context, patientID int64, balance int64, visitDate *time.Time) error
}

// BalanceEngine re-derives patient balances from invoices.
type BalanceEngine struct{}

// Recompute sets the patient's balance to paid minus billed over all
// non-cancelled invoices. It always re-derives the full sum, so running it
// twice yields the same value and drift heals itself. It must run inside the
// transaction that changed the invoices.
func (BalanceEngine) Recompute(ctx context.Context, tx BalanceStore, patientID int64) (int64, error) {
	return BalanceEngine{}.RecomputeWithVisit(ctx, tx, patientID, nil)
}

// RecomputeWithVisit is Recompute that also stamps the last visit date.
func (BalanceEngine) RecomputeWithVisit(ctx context.Context, tx BalanceStore, patientID int64, visitDate *time.Time) (int64, error) {
	totals, err := tx.SumPatientLedger(ctx, patientID)
	if err != nil {
		return 0, fmt.Errorf("billing: sum ledger for patient %d: %w", patientID, err)
	}
	balance := totals.Paid - totals.Total
	if err := tx.UpdatePatientLedger(ctx, patientID, balance, visitDate); err != nil {
		return 0, fmt.Errorf("billing: update balance for patient %d: %w", patientID, err)
	}
	return balance, nil
}
