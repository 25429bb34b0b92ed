// Package order implements the checkout pipeline and the order entity.
package order

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/digigoods-checkout/internal/domain/discount"
)

// SuccessMessage is returned with every created order.
const SuccessMessage = "Order created successfully!"

// MaxDiscountPercentage is the largest share of the subtotal, in percent,
// that discounts may take off an order.
var MaxDiscountPercentage = decimal.NewFromInt(75)

// ErrEmptyProducts rejects a checkout without products.
var ErrEmptyProducts = errors.New("product ids must not be empty")

// Order is a committed purchase. It is never modified after creation.
type Order struct {
	ID     string
	UserID int64
	// ProductIDs lists purchased products in request order; repeats are quantity.
	ProductIDs       []int64
	DiscountIDs      []int64
	OriginalSubtotal decimal.Decimal
	FinalPrice       decimal.Decimal
	CreatedAt        time.Time
}

// Request is the checkout input.
type Request struct {
	UserID        int64
	ProductIDs    []int64
	DiscountCodes []string
}

// Result describes a successful checkout.
type Result struct {
	Message    string
	OrderID    string
	FinalPrice decimal.Decimal
}

// Repository defines persistence operations for orders.
type Repository interface {
	Create(ctx context.Context, order *Order) error
}

// Transactor runs fn in a single database transaction. Repositories called
// with the context passed to fn take part in that transaction.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Discounts validates requested codes and consumes their uses.
type Discounts interface {
	ValidateAndGet(ctx context.Context, codes []string) ([]discount.Discount, error)
	DecrementUsage(ctx context.Context, discounts []discount.Discount) error
}

// Stock reserves inventory for the requested products.
type Stock interface {
	Reserve(ctx context.Context, productIDs []int64) error
}

// Events records domain events in the order transaction.
type Events interface {
	OrderCreated(ctx context.Context, o *Order) error
}

// UnauthorizedError rejects an order placed on behalf of another user.
type UnauthorizedError struct {
	CallerID int64
	UserID   int64
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("user %d is not allowed to place orders for user %d", e.CallerID, e.UserID)
}

// ExcessiveDiscountError rejects an order whose discounts exceed
// MaxDiscountPercentage.
type ExcessiveDiscountError struct {
	Percentage decimal.Decimal
}

func (e *ExcessiveDiscountError) Error() string {
	return fmt.Sprintf("total discount of %s%% exceeds the maximum allowed %s%%",
		e.Percentage.StringFixed(2), MaxDiscountPercentage.StringFixed(2))
}
