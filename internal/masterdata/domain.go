package masterdata

import (
	"context"
	"time"
)

// LocationKind classifies a stock holding location.
type LocationKind string

const (
	LocationWarehouse   LocationKind = "warehouse"
	LocationPharmacy    LocationKind = "pharmacy"
	LocationConvenience LocationKind = "convenience"
)

// Valid reports whether k is a known kind.
func (k LocationKind) Valid() bool {
	switch k {
	case LocationWarehouse, LocationPharmacy, LocationConvenience:
		return true
	}
	return false
}

// ListFilters represents location list filters
type ListFilters struct {
	Kind     LocationKind
	Search   string
	IsActive *bool
	Limit    int
	Offset   int
}

// Location represents a warehouse or store that holds batches
type Location struct {
	ID        int64        `json:"id"`
	Code      string       `json:"code"`
	Name      string       `json:"name"`
	Kind      LocationKind `json:"kind"`
	Address   string       `json:"address"`
	IsActive  bool         `json:"is_active"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Product represents a stocked item
type Product struct {
	ID       int64  `json:"id"`
	SKU      string `json:"sku"`
	Name     string `json:"name"`
	UOM      string `json:"uom"`
	IsActive bool   `json:"is_active"`
}

// Employee represents staff referenced by transfers and approvals
type Employee struct {
	ID       int64  `json:"id"`
	Code     string `json:"code"`
	Name     string `json:"name"`
	IsActive bool   `json:"is_active"`
}

// Repository defines master data persistence
type Repository interface {
	ListLocations(ctx context.Context, filters ListFilters) ([]Location, int, error)
	GetLocation(ctx context.Context, id int64) (Location, error)
	GetProduct(ctx context.Context, id int64) (Product, error)
	GetEmployee(ctx context.Context, id int64) (Employee, error)
}

// Service defines master data lookups
type Service interface {
	ListLocations(ctx context.Context, filters ListFilters) ([]Location, int, error)
	GetLocation(ctx context.Context, id int64) (Location, error)
	LocationExists(ctx context.Context, id int64) (bool, error)
	ProductExists(ctx context.Context, id int64) (bool, error)
	EmployeeExists(ctx context.Context, id int64) (bool, error)
}
