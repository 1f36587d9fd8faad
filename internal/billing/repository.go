package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-clinic/internal/billing/discount"
	"github.com/odyssey-erp/odyssey-clinic/internal/patients"
	"github.com/odyssey-erp/odyssey-clinic/internal/platform/db"
	"github.com/odyssey-erp/odyssey-clinic/internal/shared"
)

// Repository persists the ledger in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx runs fn at read-committed isolation. Invoice and patient rows are
// locked explicitly, so a waiting writer re-reads the committed row once the
// lock is granted. Serialization failures and deadlocks surface as
// ErrConcurrentUpdate.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := db.WithTx(ctx, r.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
	if err != nil && shared.IsRetryableTxError(err) {
		return fmt.Errorf("%w: %v", ErrConcurrentUpdate, err)
	}
	return err
}

const invoiceColumns = `id, number, patient_id, source, subtotal, auto_discount, manual_discount, discount_amount,
	total_amount, paid_amount, status, discount_tier, discount_reason, days_since_last_visit, notes, version,
	created_by, cancelled_by, cancelled_at, created_at, updated_at`

func scanInvoice(row pgx.Row) (Invoice, error) {
	var inv Invoice
	var source, status, tier string
	err := row.Scan(&inv.ID, &inv.Number, &inv.PatientID, &source, &inv.Subtotal, &inv.AutoDiscount, &inv.ManualDiscount,
		&inv.DiscountAmount, &inv.TotalAmount, &inv.PaidAmount, &status, &tier, &inv.DiscountReason, &inv.DaysSinceLastVisit,
		&inv.Notes, &inv.Version, &inv.CreatedBy, &inv.CancelledBy, &inv.CancelledAt, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return Invoice{}, err
	}
	inv.Source = Source(source)
	inv.Status = Status(status)
	inv.DiscountTier = discount.Tier(tier)
	return inv, nil
}

const tokenColumns = `id, invoice_id, patient_id, token, active, issued_at, updated_at`

func scanToken(row pgx.Row) (AccessToken, error) {
	var t AccessToken
	err := row.Scan(&t.ID, &t.InvoiceID, &t.PatientID, &t.Token, &t.Active, &t.IssuedAt, &t.UpdatedAt)
	return t, err
}

// GetPatientForUpdate locks the patient row until commit.
func (t *txRepo) GetPatientForUpdate(ctx context.Context, id int64) (patients.Patient, error) {
	p, err := patients.Scan(t.tx.QueryRow(ctx, `SELECT `+patients.Columns+` FROM patients WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return patients.Patient{}, ErrPatientNotFound
	}
	return p, err
}

// UpdatePatientLedger writes the cached balance and, when given, the visit date.
func (t *txRepo) UpdatePatientLedger(ctx context.Context, patientID int64, balance int64, visitDate *time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE patients
		SET balance = $1, last_visit_date = COALESCE($2, last_visit_date), updated_at = NOW()
		WHERE id = $3`, balance, visitDate, patientID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPatientNotFound
	}
	return nil
}

// SumPatientLedger sums paid and billed amounts over non-cancelled invoices.
func (t *txRepo) SumPatientLedger(ctx context.Context, patientID int64) (LedgerTotals, error) {
	var totals LedgerTotals
	err := t.tx.QueryRow(ctx, `SELECT COALESCE(SUM(paid_amount), 0), COALESCE(SUM(total_amount), 0)
		FROM invoices WHERE patient_id = $1 AND status <> 'cancelled'`, patientID).Scan(&totals.Paid, &totals.Total)
	return totals, err
}

// NextInvoiceNumber allocates a document number such as INV-20260310-000042.
func (t *txRepo) NextInvoiceNumber(ctx context.Context, at time.Time) (string, error) {
	var seq int64
	if err := t.tx.QueryRow(ctx, `SELECT nextval('invoice_number_seq')`).Scan(&seq); err != nil {
		return "", err
	}
	return fmt.Sprintf("INV-%s-%06d", at.Format("20060102"), seq), nil
}

// InsertInvoice inserts the header and its lines.
func (t *txRepo) InsertInvoice(ctx context.Context, inv Invoice) (Invoice, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO invoices (
			number, patient_id, source, subtotal, auto_discount, manual_discount, discount_amount,
			total_amount, paid_amount, status, discount_tier, discount_reason, days_since_last_visit,
			notes, version, created_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING id`,
		inv.Number, inv.PatientID, string(inv.Source), inv.Subtotal, inv.AutoDiscount, inv.ManualDiscount, inv.DiscountAmount,
		inv.TotalAmount, inv.PaidAmount, string(inv.Status), string(inv.DiscountTier), inv.DiscountReason, inv.DaysSinceLastVisit,
		inv.Notes, inv.Version, inv.CreatedBy, inv.CreatedAt, inv.UpdatedAt,
	).Scan(&inv.ID)
	if err != nil {
		return Invoice{}, err
	}
	if len(inv.Lines) == 0 {
		return inv, nil
	}

	batch := &pgx.Batch{}
	for i := range inv.Lines {
		line := inv.Lines[i]
		batch.Queue(`INSERT INTO invoice_lines (invoice_id, position, service_id, description, quantity, unit_price, total)
			VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
			inv.ID, line.Position, line.ServiceID, line.Description, line.Quantity, line.UnitPrice, line.Total)
	}
	br := t.tx.SendBatch(ctx, batch)
	for i := range inv.Lines {
		inv.Lines[i].InvoiceID = inv.ID
		if err := br.QueryRow().Scan(&inv.Lines[i].ID); err != nil {
			_ = br.Close()
			return Invoice{}, fmt.Errorf("insert line %d: %w", i+1, err)
		}
	}
	if err := br.Close(); err != nil {
		return Invoice{}, err
	}
	return inv, nil
}

// GetInvoiceForUpdate locks the invoice row until commit.
func (t *txRepo) GetInvoiceForUpdate(ctx context.Context, id int64) (Invoice, error) {
	inv, err := scanInvoice(t.tx.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, ErrInvoiceNotFound
	}
	return inv, err
}

// UpdateInvoiceState writes paid amount and status guarded by the version.
func (t *txRepo) UpdateInvoiceState(ctx context.Context, update StateUpdate) error {
	tag, err := t.tx.Exec(ctx, `UPDATE invoices
		SET paid_amount = $1, status = $2,
			cancelled_by = COALESCE($3, cancelled_by), cancelled_at = COALESCE($4, cancelled_at),
			version = version + 1, updated_at = $5
		WHERE id = $6 AND version = $7`,
		update.PaidAmount, string(update.Status), update.CancelledBy, update.CancelledAt, update.At, update.ID, update.ExpectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentUpdate
	}
	return nil
}

// InsertTransaction appends a payment record.
func (t *txRepo) InsertTransaction(ctx context.Context, txn Transaction) (Transaction, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO ledger_transactions (invoice_id, patient_id, amount, method, reference, actor_id, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7) RETURNING id`,
		txn.InvoiceID, txn.PatientID, txn.Amount, string(txn.Method), txn.Reference, txn.ActorID, txn.CreatedAt).Scan(&txn.ID)
	return txn, err
}

// GetAccessTokenByInvoice loads the token of an invoice.
func (t *txRepo) GetAccessTokenByInvoice(ctx context.Context, invoiceID int64) (AccessToken, error) {
	tok, err := scanToken(t.tx.QueryRow(ctx, `SELECT `+tokenColumns+` FROM access_tokens WHERE invoice_id = $1`, invoiceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return AccessToken{}, ErrTokenNotFound
	}
	return tok, err
}

// InsertAccessToken stores a new token.
func (t *txRepo) InsertAccessToken(ctx context.Context, token AccessToken) (AccessToken, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO access_tokens (invoice_id, patient_id, token, active, issued_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		token.InvoiceID, token.PatientID, token.Token, token.Active, token.IssuedAt, token.UpdatedAt).Scan(&token.ID)
	return token, err
}

// SetAccessTokenActive toggles a token.
func (t *txRepo) SetAccessTokenActive(ctx context.Context, id int64, active bool, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE access_tokens SET active = $1, updated_at = $2 WHERE id = $3`, active, at, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTokenNotFound
	}
	return nil
}

// InsertOutboxEvent queues a post-commit side effect.
func (t *txRepo) InsertOutboxEvent(ctx context.Context, evt OutboxEvent) (OutboxEvent, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO billing_outbox (kind, aggregate_id, payload, created_at)
		VALUES ($1, $2, $3, $4) RETURNING id`, evt.Kind, evt.AggregateID, []byte(evt.Payload), evt.CreatedAt).Scan(&evt.ID)
	return evt, err
}

// GetInvoiceDetail loads an invoice with lines, transactions and token.
func (r *Repository) GetInvoiceDetail(ctx context.Context, id int64) (InvoiceDetail, error) {
	inv, err := scanInvoice(r.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return InvoiceDetail{}, ErrInvoiceNotFound
	}
	if err != nil {
		return InvoiceDetail{}, err
	}
	detail := InvoiceDetail{Invoice: inv}

	rows, err := r.pool.Query(ctx, `SELECT id, invoice_id, position, service_id, description, quantity, unit_price, total
		FROM invoice_lines WHERE invoice_id = $1 ORDER BY position`, id)
	if err != nil {
		return InvoiceDetail{}, err
	}
	detail.Invoice.Lines, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (LineItem, error) {
		var l LineItem
		err := row.Scan(&l.ID, &l.InvoiceID, &l.Position, &l.ServiceID, &l.Description, &l.Quantity, &l.UnitPrice, &l.Total)
		return l, err
	})
	if err != nil {
		return InvoiceDetail{}, err
	}

	rows, err = r.pool.Query(ctx, `SELECT id, invoice_id, patient_id, amount, method, COALESCE(reference, ''), actor_id, created_at
		FROM ledger_transactions WHERE invoice_id = $1 ORDER BY id`, id)
	if err != nil {
		return InvoiceDetail{}, err
	}
	detail.Transactions, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (Transaction, error) {
		var txn Transaction
		var method string
		err := row.Scan(&txn.ID, &txn.InvoiceID, &txn.PatientID, &txn.Amount, &method, &txn.Reference, &txn.ActorID, &txn.CreatedAt)
		txn.Method = PaymentMethod(method)
		return txn, err
	})
	if err != nil {
		return InvoiceDetail{}, err
	}

	tok, err := scanToken(r.pool.QueryRow(ctx, `SELECT `+tokenColumns+` FROM access_tokens WHERE invoice_id = $1`, id))
	switch {
	case err == nil:
		detail.AccessToken = &tok
	case !errors.Is(err, pgx.ErrNoRows):
		return InvoiceDetail{}, err
	}
	return detail, nil
}

// ListPatientInvoices pages a patient's invoices, newest first.
func (r *Repository) ListPatientInvoices(ctx context.Context, patientID int64, filter ListFilter) ([]Invoice, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM invoices WHERE patient_id = $1 AND ($2 = '' OR status = $2)`,
		patientID, string(filter.Status)).Scan(&total); err != nil {
		return nil, 0, err
	}
	page := shared.NewPagination(filter.Page, filter.PerPage, total)
	rows, err := r.pool.Query(ctx, `SELECT `+invoiceColumns+` FROM invoices
		WHERE patient_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, id DESC LIMIT $3 OFFSET $4`,
		patientID, string(filter.Status), page.PerPage, page.Offset())
	if err != nil {
		return nil, 0, err
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Invoice, error) {
		return scanInvoice(row)
	})
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// ListPatientIDs returns patient ids after the cursor.
func (r *Repository) ListPatientIDs(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM patients WHERE id > $1 ORDER BY id LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// ListPendingOutbox returns undelivered events created before olderThan.
func (r *Repository) ListPendingOutbox(ctx context.Context, olderThan time.Time, limit int) ([]OutboxEvent, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, kind, aggregate_id, payload, created_at
		FROM billing_outbox WHERE dispatched_at IS NULL AND created_at < $1
		ORDER BY id LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (OutboxEvent, error) {
		var evt OutboxEvent
		var payload []byte
		err := row.Scan(&evt.ID, &evt.Kind, &evt.AggregateID, &payload, &evt.CreatedAt)
		evt.Payload = payload
		return evt, err
	})
}

// MarkOutboxDispatched acknowledges an event.
func (r *Repository) MarkOutboxDispatched(ctx context.Context, id int64, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE billing_outbox SET dispatched_at = $1 WHERE id = $2 AND dispatched_at IS NULL`, at, id)
	return err
}
