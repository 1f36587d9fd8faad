package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-clinic/internal/shared"
)

// Store abstracts persistence for the service.
type Store interface {
	Get(ctx context.Context, id int64) (Item, error)
	List(ctx context.Context, filter ListFilter) ([]Item, error)
	Upsert(ctx context.Context, input UpsertInput) (Item, error)
}

// Service resolves billable services with a read-through cache.
type Service struct {
	store  Store
	cache  *Cache
	group  singleflight.Group
	logger *slog.Logger
}

// NewService builds Service. cache may be nil.
func NewService(store Store, cache *Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, cache: cache, logger: logger}
}

// Lookup returns the service with the given id. Inactive services are
// returned as-is; callers decide whether they may be billed.
func (s *Service) Lookup(ctx context.Context, id int64) (Item, error) {
	if id <= 0 {
		return Item{}, ErrNotFound
	}
	// The shared call outlives any single caller; each caller only stops waiting.
	detached := context.WithoutCancel(ctx)
	ch := s.group.DoChan(strconv.FormatInt(id, 10), func() (any, error) {
		return s.lookup(detached, id)
	})
	select {
	case <-ctx.Done():
		return Item{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Item{}, res.Err
		}
		return res.Val.(Item), nil
	}
}

func (s *Service) lookup(ctx context.Context, id int64) (Item, error) {
	loader := func(ctx context.Context) (any, error) {
		return s.store.Get(ctx, id)
	}
	key, err := s.cache.BuildKey(ctx, keyService(id))
	if err != nil {
		s.logger.Warn("catalog cache unavailable", slog.Any("error", err))
		return s.store.Get(ctx, id)
	}
	var item Item
	if err := s.cache.FetchJSON(ctx, key, &item, loader); err != nil {
		if errors.Is(err, ErrNotFound) {
			return Item{}, err
		}
		// Redis trouble must not block billing; fall back to the database.
		s.logger.Warn("catalog cache fetch", slog.Int64("service_id", id), slog.Any("error", err))
		return s.store.Get(ctx, id)
	}
	return item, nil
}

// List returns catalog entries straight from the store.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Item, error) {
	return s.store.List(ctx, filter)
}

// Upsert validates and stores a service, then invalidates cached lookups.
func (s *Service) Upsert(ctx context.Context, input UpsertInput) (Item, error) {
	input.Code = strings.TrimSpace(input.Code)
	input.Name = strings.TrimSpace(input.Name)
	if input.Code == "" || input.Name == "" {
		return Item{}, fmt.Errorf("catalog: code and name required: %w", shared.ErrValidation)
	}
	if input.UnitPrice < 0 {
		return Item{}, ErrInvalidPrice
	}
	switch input.Category {
	case CategoryConsultation, CategoryLab, CategoryProcedure, CategoryPharmacy:
	default:
		return Item{}, fmt.Errorf("catalog: unknown category %q: %w", input.Category, shared.ErrValidation)
	}
	item, err := s.store.Upsert(ctx, input)
	if err != nil {
		return Item{}, err
	}
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("catalog cache bump", slog.Any("error", err))
	}
	return item, nil
}
