package repository

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/digigoods-checkout/internal/domain/product"
)

const (
	productColumns = `id, name, price, stock`

	listProductsSQL = `SELECT ` + productColumns + ` FROM products ORDER BY id`

	getProductsByIDsSQL = `SELECT ` + productColumns + ` FROM products WHERE id = ANY($1) ORDER BY id`

	lockProductsByIDsSQL = `SELECT ` + productColumns + ` FROM products WHERE id = ANY($1) ORDER BY id FOR UPDATE`

	decrementStockSQL = `UPDATE products SET stock = stock - $2
		WHERE id = $1 AND stock >= $2
		RETURNING ` + productColumns

	upsertProductSQL = `INSERT INTO products (name, price, stock) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET price = EXCLUDED.price, stock = EXCLUDED.stock
		RETURNING id`
)

var _ product.Repository = (*ProductRepository)(nil)

// ProductRepository implements product.Repository backed by PostgreSQL.
type ProductRepository struct {
	pool *pgxpool.Pool
}

// NewProductRepository returns a ProductRepository that uses the given pool.
func NewProductRepository(pool *pgxpool.Pool) *ProductRepository {
	return &ProductRepository{pool: pool}
}

// List returns the whole catalog ordered by id.
func (r *ProductRepository) List(ctx context.Context) ([]product.Product, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, listProductsSQL)
	if err != nil {
		return nil, errors.Wrap(err, "list products")
	}
	return pgx.CollectRows(rows, scanProduct)
}

// GetByIDs returns the products matching ids, ordered by id.
func (r *ProductRepository) GetByIDs(ctx context.Context, ids []int64) ([]product.Product, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, getProductsByIDsSQL, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get products by ids")
	}
	return pgx.CollectRows(rows, scanProduct)
}

// GetByIDsForUpdate locks the matching rows in id order until the enclosing
// transaction ends.
func (r *ProductRepository) GetByIDsForUpdate(ctx context.Context, ids []int64) ([]product.Product, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, lockProductsByIDsSQL, ids)
	if err != nil {
		return nil, errors.Wrap(err, "lock products by ids")
	}
	return pgx.CollectRows(rows, scanProduct)
}

// DecrementStock removes qty units, refusing to take stock below zero.
func (r *ProductRepository) DecrementStock(ctx context.Context, id int64, qty int) (product.Product, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, decrementStockSQL, id, qty)
	if err != nil {
		return product.Product{}, errors.Wrapf(err, "decrement stock of product %d", id)
	}
	p, err := pgx.CollectExactlyOneRow(rows, scanProduct)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return product.Product{}, product.ErrStockConflict
		}
		return product.Product{}, errors.Wrapf(err, "decrement stock of product %d", id)
	}
	return p, nil
}

// Upsert inserts or updates a product by name and returns its id.
func (r *ProductRepository) Upsert(ctx context.Context, p product.Product) (int64, error) {
	var id int64
	if err := conn(ctx, r.pool).QueryRow(ctx, upsertProductSQL, p.Name, p.Price, p.Stock).Scan(&id); err != nil {
		return 0, errors.Wrapf(err, "upsert product %q", p.Name)
	}
	return id, nil
}

func scanProduct(row pgx.CollectableRow) (product.Product, error) {
	var p product.Product
	err := row.Scan(&p.ID, &p.Name, &p.Price, &p.Stock)
	return p, err
}
