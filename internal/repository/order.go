package repository

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/digigoods-checkout/internal/domain/order"
)

const (
	createOrderSQL = `INSERT INTO orders (id, user_id, original_subtotal, final_price, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	createOrderProductsSQL = `INSERT INTO order_products (order_id, position, product_id)
		SELECT $1, p.position, p.product_id
		FROM unnest($2::bigint[]) WITH ORDINALITY AS p(product_id, position)`

	createOrderDiscountsSQL = `INSERT INTO order_discounts (order_id, discount_id)
		SELECT $1, unnest($2::bigint[])`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create persists the order with its product and discount links. Outside
// Transactor.InTx the three inserts are not atomic.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	q := conn(ctx, r.pool)

	if _, err := q.Exec(ctx, createOrderSQL,
		o.ID, o.UserID, o.OriginalSubtotal, o.FinalPrice, o.CreatedAt,
	); err != nil {
		return errors.Wrapf(err, "insert order %q", o.ID)
	}
	if _, err := q.Exec(ctx, createOrderProductsSQL, o.ID, o.ProductIDs); err != nil {
		return errors.Wrapf(err, "insert products of order %q", o.ID)
	}
	if len(o.DiscountIDs) > 0 {
		if _, err := q.Exec(ctx, createOrderDiscountsSQL, o.ID, o.DiscountIDs); err != nil {
			return errors.Wrapf(err, "insert discounts of order %q", o.ID)
		}
	}
	return nil
}
