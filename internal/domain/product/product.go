// Package product holds catalog products and stock reservation.
package product

import (
	"context"
	"fmt"
	"slices"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrStockConflict is returned by Repository.DecrementStock when the
// conditional update matched no row because stock ran out concurrently.
var ErrStockConflict = errors.New("stock changed concurrently")

// Product is a snapshot of a catalog item.
type Product struct {
	ID    int64
	Name  string
	Price decimal.Decimal
	Stock int
}

// Repository provides read and write access to the product catalog.
type Repository interface {
	List(ctx context.Context) ([]Product, error)
	GetByIDs(ctx context.Context, ids []int64) ([]Product, error)
	// GetByIDsForUpdate is like GetByIDs but row-locks the products for the
	// rest of the enclosing transaction.
	GetByIDsForUpdate(ctx context.Context, ids []int64) ([]Product, error)
	// DecrementStock subtracts qty from the product stock only if enough is
	// left, and returns the updated product.
	DecrementStock(ctx context.Context, id int64, qty int) (Product, error)
}

// NotFoundError reports requested product ids absent from the catalog.
type NotFoundError struct {
	IDs []int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("products not found with ids: %v", e.IDs)
}

// InsufficientStockError reports a product that cannot cover the requested quantity.
type InsufficientStockError struct {
	ProductID int64
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

// Index maps products by id.
func Index(products []Product) map[int64]Product {
	byID := make(map[int64]Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}
	return byID
}

// Distinct returns ids without repeats, keeping first-occurrence order.
func Distinct(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Missing returns the sorted distinct ids that have no entry in byID.
func Missing(ids []int64, byID map[int64]Product) []int64 {
	var missing []int64
	for _, id := range Distinct(ids) {
		if _, ok := byID[id]; !ok {
			missing = append(missing, id)
		}
	}
	slices.Sort(missing)
	return missing
}
