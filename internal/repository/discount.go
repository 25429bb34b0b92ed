package repository

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/digigoods-checkout/internal/domain/discount"
)

const (
	discountColumns = `d.id, d.code, d.percentage, d.type, d.valid_from, d.valid_until, d.remaining_uses,
		ARRAY(SELECT dp.product_id FROM discount_products dp WHERE dp.discount_id = d.id ORDER BY dp.product_id)`

	listDiscountsSQL = `SELECT ` + discountColumns + ` FROM discounts d ORDER BY d.id`

	getDiscountsByCodesSQL = `SELECT ` + discountColumns + ` FROM discounts d WHERE d.code = ANY($1) ORDER BY d.id`

	decrementUsesSQL = `WITH d AS (
			UPDATE discounts SET remaining_uses = remaining_uses - 1
			WHERE id = $1 AND remaining_uses > 0
			RETURNING *
		)
		SELECT ` + discountColumns + ` FROM d`

	upsertDiscountSQL = `INSERT INTO discounts (code, percentage, type, valid_from, valid_until, remaining_uses)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (code) DO UPDATE SET
			percentage = EXCLUDED.percentage,
			type = EXCLUDED.type,
			valid_from = EXCLUDED.valid_from,
			valid_until = EXCLUDED.valid_until,
			remaining_uses = EXCLUDED.remaining_uses
		RETURNING id`

	clearDiscountProductsSQL = `DELETE FROM discount_products WHERE discount_id = $1`

	linkDiscountProductsSQL = `INSERT INTO discount_products (discount_id, product_id)
		SELECT $1, unnest($2::bigint[])`
)

var _ discount.Repository = (*DiscountRepository)(nil)

// DiscountRepository implements discount.Repository backed by PostgreSQL.
type DiscountRepository struct {
	pool *pgxpool.Pool
}

// NewDiscountRepository returns a DiscountRepository that uses the given pool.
func NewDiscountRepository(pool *pgxpool.Pool) *DiscountRepository {
	return &DiscountRepository{pool: pool}
}

// List returns all discounts ordered by id.
func (r *DiscountRepository) List(ctx context.Context) ([]discount.Discount, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, listDiscountsSQL)
	if err != nil {
		return nil, errors.Wrap(err, "list discounts")
	}
	return pgx.CollectRows(rows, scanDiscount)
}

// GetByCodes returns the discounts whose code is in codes, ordered by id.
func (r *DiscountRepository) GetByCodes(ctx context.Context, codes []string) ([]discount.Discount, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, getDiscountsByCodesSQL, codes)
	if err != nil {
		return nil, errors.Wrap(err, "get discounts by codes")
	}
	return pgx.CollectRows(rows, scanDiscount)
}

// DecrementUses consumes one use in a single conditional update, so
// concurrent checkouts can never take the counter below zero.
func (r *DiscountRepository) DecrementUses(ctx context.Context, id int64) (discount.Discount, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, decrementUsesSQL, id)
	if err != nil {
		return discount.Discount{}, errors.Wrapf(err, "decrement uses of discount %d", id)
	}
	d, err := pgx.CollectExactlyOneRow(rows, scanDiscount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return discount.Discount{}, discount.ErrExhausted
		}
		return discount.Discount{}, errors.Wrapf(err, "decrement uses of discount %d", id)
	}
	return d, nil
}

// Upsert inserts or replaces a discount by code, including its applicable
// products, and returns its id. Call it inside Transactor.InTx to keep the
// product links consistent.
func (r *DiscountRepository) Upsert(ctx context.Context, d discount.Discount) (int64, error) {
	q := conn(ctx, r.pool)

	var id int64
	err := q.QueryRow(ctx, upsertDiscountSQL,
		d.Code, d.Percentage, string(d.Type), d.ValidFrom, d.ValidUntil, d.RemainingUses,
	).Scan(&id)
	if err != nil {
		return 0, errors.Wrapf(err, "upsert discount %q", d.Code)
	}

	if _, err := q.Exec(ctx, clearDiscountProductsSQL, id); err != nil {
		return 0, errors.Wrapf(err, "clear products of discount %q", d.Code)
	}
	if len(d.ProductIDs) > 0 {
		if _, err := q.Exec(ctx, linkDiscountProductsSQL, id, d.ProductIDs); err != nil {
			return 0, errors.Wrapf(err, "link products of discount %q", d.Code)
		}
	}
	return id, nil
}

func scanDiscount(row pgx.CollectableRow) (discount.Discount, error) {
	var (
		d   discount.Discount
		typ string
	)
	err := row.Scan(
		&d.ID, &d.Code, &d.Percentage, &typ,
		&d.ValidFrom, &d.ValidUntil, &d.RemainingUses, &d.ProductIDs,
	)
	d.Type = discount.Type(typ)
	return d, err
}
