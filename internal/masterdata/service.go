package masterdata

import (
	"context"
	"errors"

	"github.com/odyssey-erp/medstock/internal/shared"
)

// service implements Service interface
type service struct {
	repo Repository
}

// NewService creates a new master data service
func NewService(repo Repository) Service {
	return &service{repo: repo}
}

func (s *service) ListLocations(ctx context.Context, filters ListFilters) ([]Location, int, error) {
	if filters.Kind != "" && !filters.Kind.Valid() {
		return nil, 0, shared.Invalid("kind", "unknown location kind %q", filters.Kind)
	}
	if filters.Limit < 0 || filters.Offset < 0 {
		return nil, 0, shared.Invalid("limit", "paging values must not be negative")
	}
	if filters.Limit == 0 || filters.Limit > 500 {
		filters.Limit = 500
	}
	return s.repo.ListLocations(ctx, filters)
}

func (s *service) GetLocation(ctx context.Context, id int64) (Location, error) {
	if id <= 0 {
		return Location{}, shared.Invalid("id", "invalid location ID")
	}
	return s.repo.GetLocation(ctx, id)
}

// LocationExists reports whether an active location with id exists.
func (s *service) LocationExists(ctx context.Context, id int64) (bool, error) {
	if id <= 0 {
		return false, nil
	}
	loc, err := s.repo.GetLocation(ctx, id)
	return exists(loc.IsActive, err)
}

// ProductExists reports whether an active product with id exists.
func (s *service) ProductExists(ctx context.Context, id int64) (bool, error) {
	if id <= 0 {
		return false, nil
	}
	p, err := s.repo.GetProduct(ctx, id)
	return exists(p.IsActive, err)
}

// EmployeeExists reports whether an active employee with id exists.
func (s *service) EmployeeExists(ctx context.Context, id int64) (bool, error) {
	if id <= 0 {
		return false, nil
	}
	e, err := s.repo.GetEmployee(ctx, id)
	return exists(e.IsActive, err)
}

func exists(active bool, err error) (bool, error) {
	if errors.Is(err, shared.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return active, nil
}
