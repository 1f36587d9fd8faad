package patients

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-clinic/internal/shared"
)

// Columns selects a patient row in the order expected by Scan.
const Columns = `id, number, full_name, phone, telegram_chat_id, last_visit_date, balance, status, created_at, updated_at`

// Scan reads a patient row selected with Columns.
func Scan(row pgx.Row) (Patient, error) {
	var p Patient
	var status string
	if err := row.Scan(&p.ID, &p.Number, &p.FullName, &p.Phone, &p.TelegramChatID, &p.LastVisitDate, &p.Balance, &status, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return Patient{}, err
	}
	p.Status = Status(status)
	return p, nil
}

// Repository reads patients outside ledger transactions.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get loads a patient by id.
func (r *Repository) Get(ctx context.Context, id int64) (Patient, error) {
	p, err := Scan(r.pool.QueryRow(ctx, `SELECT `+Columns+` FROM patients WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Patient{}, ErrNotFound
	}
	return p, err
}

// Register inserts a new patient with a zero balance.
func (r *Repository) Register(ctx context.Context, input RegisterInput) (Patient, error) {
	p, err := Scan(r.pool.QueryRow(ctx, `INSERT INTO patients (number, full_name, phone, telegram_chat_id, balance, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, 'active', NOW(), NOW())
		RETURNING `+Columns, input.Number, input.FullName, input.Phone, input.TelegramChatID))
	if err != nil {
		if shared.IsUniqueViolation(err) {
			return Patient{}, ErrDuplicateNumber
		}
		return Patient{}, err
	}
	return p, nil
}
