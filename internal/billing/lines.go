package billing

import (
	"context"
	"errors"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-clinic/internal/catalog"
)

// ServiceCatalog resolves billable services.
type ServiceCatalog interface {
	Lookup(ctx context.Context, serviceID int64) (catalog.Item, error)
}

// maxConcurrentLookups bounds catalog fan-out per invoice.
const maxConcurrentLookups = 8

// LineBuilder turns requested services into priced invoice lines.
type LineBuilder struct {
	catalog ServiceCatalog
}

// NewLineBuilder constructs a LineBuilder.
func NewLineBuilder(c ServiceCatalog) *LineBuilder {
	return &LineBuilder{catalog: c}
}

// Build resolves every request against the catalog and returns the lines in
// request order together with their subtotal. Any failure aborts the build.
func (b *LineBuilder) Build(ctx context.Context, requests []LineRequest) ([]LineItem, int64, error) {
	if len(requests) == 0 {
		return nil, 0, ErrNoLineItems
	}
	for _, req := range requests {
		if req.Quantity < 0 {
			return nil, 0, fmt.Errorf("%w: service %d quantity %d", ErrInvalidQuantity, req.ServiceID, req.Quantity)
		}
	}

	lines := make([]LineItem, len(requests))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentLookups)
	for i, req := range requests {
		g.Go(func() error {
			item, err := b.catalog.Lookup(gctx, req.ServiceID)
			if err != nil {
				return mapCatalogError(req.ServiceID, err)
			}
			if !item.IsActive {
				return fmt.Errorf("%w: %s", ErrServiceInactive, item.Name)
			}
			qty := req.Quantity
			if qty == 0 {
				qty = 1
			}
			if item.UnitPrice > 0 && qty > math.MaxInt64/item.UnitPrice {
				return fmt.Errorf("%w: service %d price %d x %d", ErrAmountOverflow, item.ID, item.UnitPrice, qty)
			}
			lines[i] = LineItem{
				Position:    i + 1,
				ServiceID:   item.ID,
				Description: item.Name,
				Quantity:    qty,
				UnitPrice:   item.UnitPrice,
				Total:       item.UnitPrice * qty,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	var subtotal int64
	for _, line := range lines {
		if subtotal > math.MaxInt64-line.Total {
			return nil, 0, fmt.Errorf("%w: subtotal", ErrAmountOverflow)
		}
		subtotal += line.Total
	}
	return lines, subtotal, nil
}

func mapCatalogError(serviceID int64, err error) error {
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		return fmt.Errorf("%w: id %d", ErrServiceNotFound, serviceID)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}
}
