package catalog

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-clinic/internal/shared"
)

// Repository reads and writes clinic_services.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const itemColumns = `id, code, name, category, unit_price, is_active, updated_at`

func scanItem(row pgx.Row) (Item, error) {
	var item Item
	var category string
	if err := row.Scan(&item.ID, &item.Code, &item.Name, &category, &item.UnitPrice, &item.IsActive, &item.UpdatedAt); err != nil {
		return Item{}, err
	}
	item.Category = Category(category)
	return item, nil
}

// Get loads a service by id.
func (r *Repository) Get(ctx context.Context, id int64) (Item, error) {
	item, err := scanItem(r.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM clinic_services WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	return item, err
}

// List returns services ordered by category and name.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Item, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+itemColumns+` FROM clinic_services
		WHERE ($1 = '' OR category = $1) AND (NOT $2 OR is_active)
		ORDER BY category, name`, string(filter.Category), filter.ActiveOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Upsert inserts or updates a service keyed by id. A zero id inserts.
func (r *Repository) Upsert(ctx context.Context, input UpsertInput) (Item, error) {
	var row pgx.Row
	if input.ID == 0 {
		row = r.pool.QueryRow(ctx, `INSERT INTO clinic_services (code, name, category, unit_price, is_active, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			RETURNING `+itemColumns, input.Code, input.Name, string(input.Category), input.UnitPrice, input.IsActive)
	} else {
		row = r.pool.QueryRow(ctx, `INSERT INTO clinic_services (id, code, name, category, unit_price, is_active, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW())
			ON CONFLICT (id) DO UPDATE SET code = EXCLUDED.code, name = EXCLUDED.name, category = EXCLUDED.category,
				unit_price = EXCLUDED.unit_price, is_active = EXCLUDED.is_active, updated_at = NOW()
			RETURNING `+itemColumns, input.ID, input.Code, input.Name, string(input.Category), input.UnitPrice, input.IsActive)
	}
	item, err := scanItem(row)
	if err != nil {
		if shared.IsUniqueViolation(err) {
			return Item{}, ErrDuplicateCode
		}
		return Item{}, err
	}
	return item, nil
}
