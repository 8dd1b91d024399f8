package masterdata

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/medstock/internal/shared"
)

type memoryRepo struct {
	locations map[int64]Location
	products  map[int64]Product
	employees map[int64]Employee
	lastList  ListFilters
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		locations: map[int64]Location{
			1: {ID: 1, Code: "WH-01", Name: "Central Warehouse", Kind: LocationWarehouse, IsActive: true},
			2: {ID: 2, Code: "PH-01", Name: "Pharmacy North", Kind: LocationPharmacy, IsActive: true},
			3: {ID: 3, Code: "CV-01", Name: "Closed Kiosk", Kind: LocationConvenience, IsActive: false},
		},
		products:  map[int64]Product{10: {ID: 10, SKU: "AMOX-500", Name: "Amoxicillin 500mg", IsActive: true}},
		employees: map[int64]Employee{7: {ID: 7, Code: "E007", Name: "Staff", IsActive: true}},
	}
}

func (m *memoryRepo) ListLocations(_ context.Context, f ListFilters) ([]Location, int, error) {
	m.lastList = f
	var out []Location
	for id := int64(1); id <= 3; id++ {
		loc := m.locations[id]
		if f.Kind != "" && loc.Kind != f.Kind {
			continue
		}
		out = append(out, loc)
	}
	return out, len(out), nil
}

func (m *memoryRepo) GetLocation(_ context.Context, id int64) (Location, error) {
	if loc, ok := m.locations[id]; ok {
		return loc, nil
	}
	return Location{}, fmt.Errorf("location %d: %w", id, shared.ErrNotFound)
}

func (m *memoryRepo) GetProduct(_ context.Context, id int64) (Product, error) {
	if p, ok := m.products[id]; ok {
		return p, nil
	}
	return Product{}, fmt.Errorf("product %d: %w", id, shared.ErrNotFound)
}

func (m *memoryRepo) GetEmployee(_ context.Context, id int64) (Employee, error) {
	if e, ok := m.employees[id]; ok {
		return e, nil
	}
	return Employee{}, fmt.Errorf("employee %d: %w", id, shared.ErrNotFound)
}

func TestReferenceChecks(t *testing.T) {
	svc := NewService(newMemoryRepo())
	ctx := context.Background()

	ok, err := svc.LocationExists(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = svc.LocationExists(ctx, 3)
	require.NoError(t, err)
	require.False(t, ok, "inactive locations are not valid references")

	ok, err = svc.LocationExists(ctx, 99)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = svc.ProductExists(ctx, 10)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = svc.EmployeeExists(ctx, 0)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestListLocationsValidatesKindAndCapsLimit(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo)

	_, _, err := svc.ListLocations(context.Background(), ListFilters{Kind: "garage"})
	require.ErrorIs(t, err, shared.ErrValidation)

	items, total, err := svc.ListLocations(context.Background(), ListFilters{Kind: LocationPharmacy})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, "PH-01", items[0].Code)
	require.Equal(t, 500, repo.lastList.Limit)
}

func TestHandlerShowLocation(t *testing.T) {
	h := NewHandler(nil, NewService(newMemoryRepo()))
	r := chi.NewRouter()
	h.MountRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/locations/2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"kind":"pharmacy"`)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/locations/42", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/locations?kind=warehouse", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"total":1`)
}
