package product

import (
	"context"
	"slices"

	"github.com/go-faster/errors"
)

// StockReserver checks and decrements inventory for a checkout. It must run
// inside the checkout transaction so the row locks it takes are held until
// commit.
type StockReserver struct {
	repo Repository
}

// NewStockReserver returns a StockReserver backed by repo.
func NewStockReserver(repo Repository) *StockReserver {
	return &StockReserver{repo: repo}
}

// Reserve takes the flattened list of requested product ids, where repeats
// mean quantity. Every product is checked before any stock is touched, so a
// shortfall on one product leaves all of them unchanged.
func (r *StockReserver) Reserve(ctx context.Context, productIDs []int64) error {
	if len(productIDs) == 0 {
		return nil
	}

	required := Quantities(productIDs)
	order := Distinct(productIDs)

	// Locks are taken in ascending id order so that concurrent checkouts
	// over overlapping products cannot deadlock.
	locked := slices.Clone(order)
	slices.Sort(locked)

	products, err := r.repo.GetByIDsForUpdate(ctx, locked)
	if err != nil {
		return errors.Wrap(err, "lock products")
	}
	byID := Index(products)
	if missing := Missing(order, byID); len(missing) > 0 {
		return &NotFoundError{IDs: missing}
	}

	for _, id := range order {
		if p := byID[id]; p.Stock < required[id] {
			return &InsufficientStockError{ProductID: id, Requested: required[id], Available: p.Stock}
		}
	}

	for _, id := range locked {
		if _, err := r.repo.DecrementStock(ctx, id, required[id]); err != nil {
			if errors.Is(err, ErrStockConflict) {
				return &InsufficientStockError{ProductID: id, Requested: required[id], Available: byID[id].Stock}
			}
			return errors.Wrapf(err, "decrement stock of product %d", id)
		}
	}
	return nil
}

// Quantities counts occurrences of each product id.
func Quantities(productIDs []int64) map[int64]int {
	qty := make(map[int64]int, len(productIDs))
	for _, id := range productIDs {
		qty[id]++
	}
	return qty
}
