package masterdata

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/medstock/internal/shared"
)

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository builds the PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

func (r *repository) ListLocations(ctx context.Context, filters ListFilters) ([]Location, int, error) {
	where := ` WHERE 1=1`
	args := []any{}
	if filters.Kind != "" {
		args = append(args, string(filters.Kind))
		where += ` AND kind = $` + strconv.Itoa(len(args))
	}
	if filters.Search != "" {
		args = append(args, "%"+filters.Search+"%")
		n := strconv.Itoa(len(args))
		where += ` AND (name ILIKE $` + n + ` OR code ILIKE $` + n + `)`
	}
	if filters.IsActive != nil {
		args = append(args, *filters.IsActive)
		where += ` AND is_active = $` + strconv.Itoa(len(args))
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM locations`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT id, code, name, kind, address, is_active, created_at, updated_at FROM locations` + where + ` ORDER BY code ASC`
	if filters.Limit > 0 {
		args = append(args, filters.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}
	if filters.Offset > 0 {
		args = append(args, filters.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []Location
	for rows.Next() {
		var loc Location
		var kind string
		if err := rows.Scan(&loc.ID, &loc.Code, &loc.Name, &kind, &loc.Address, &loc.IsActive, &loc.CreatedAt, &loc.UpdatedAt); err != nil {
			return nil, 0, err
		}
		loc.Kind = LocationKind(kind)
		out = append(out, loc)
	}
	return out, total, rows.Err()
}

func (r *repository) GetLocation(ctx context.Context, id int64) (Location, error) {
	var loc Location
	var kind string
	err := r.pool.QueryRow(ctx, `SELECT id, code, name, kind, address, is_active, created_at, updated_at FROM locations WHERE id=$1`, id).
		Scan(&loc.ID, &loc.Code, &loc.Name, &kind, &loc.Address, &loc.IsActive, &loc.CreatedAt, &loc.UpdatedAt)
	if err != nil {
		return Location{}, notFound("location", id, err)
	}
	loc.Kind = LocationKind(kind)
	return loc, nil
}

func (r *repository) GetProduct(ctx context.Context, id int64) (Product, error) {
	var p Product
	err := r.pool.QueryRow(ctx, `SELECT id, sku, name, uom, is_active FROM products WHERE id=$1`, id).
		Scan(&p.ID, &p.SKU, &p.Name, &p.UOM, &p.IsActive)
	if err != nil {
		return Product{}, notFound("product", id, err)
	}
	return p, nil
}

func (r *repository) GetEmployee(ctx context.Context, id int64) (Employee, error) {
	var e Employee
	err := r.pool.QueryRow(ctx, `SELECT id, code, name, is_active FROM employees WHERE id=$1`, id).
		Scan(&e.ID, &e.Code, &e.Name, &e.IsActive)
	if err != nil {
		return Employee{}, notFound("employee", id, err)
	}
	return e, nil
}

func notFound(entity string, id int64, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %d: %w", entity, id, shared.ErrNotFound)
	}
	return err
}
