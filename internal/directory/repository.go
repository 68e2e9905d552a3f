package directory

import (
	"context"
	"errors"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads directory entities from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetLocation fetches a location by numeric id or code.
func (r *Repository) GetLocation(ctx context.Context, ref string) (Location, error) {
	if r == nil {
		return Location{}, errors.New("directory repository not initialised")
	}
	var row pgx.Row
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		row = r.pool.QueryRow(ctx, `SELECT id, kind, code, name FROM locations WHERE id = $1`, id)
	} else {
		row = r.pool.QueryRow(ctx, `SELECT id, kind, code, name FROM locations WHERE code = $1`, ref)
	}
	var loc Location
	if err := row.Scan(&loc.ID, &loc.Kind, &loc.Code, &loc.Name); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Location{}, ErrNotFound
		}
		return Location{}, err
	}
	return loc, nil
}

// GetProduct fetches a product by numeric id or SKU.
func (r *Repository) GetProduct(ctx context.Context, ref string) (Product, error) {
	if r == nil {
		return Product{}, errors.New("directory repository not initialised")
	}
	var row pgx.Row
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		row = r.pool.QueryRow(ctx, `SELECT id, sku, name FROM products WHERE id = $1`, id)
	} else {
		row = r.pool.QueryRow(ctx, `SELECT id, sku, name FROM products WHERE sku = $1`, ref)
	}
	var p Product
	if err := row.Scan(&p.ID, &p.SKU, &p.Name); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, ErrNotFound
		}
		return Product{}, err
	}
	return p, nil
}

// SearchProducts returns products whose name or SKU matches the substring.
func (r *Repository) SearchProducts(ctx context.Context, query string, limit int) ([]Product, error) {
	if r == nil {
		return nil, errors.New("directory repository not initialised")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, sku, name FROM products WHERE name ILIKE $1 OR sku ILIKE $1 ORDER BY name LIMIT $2`,
		"%"+query+"%", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}
