// Package discount defines discount codes and their validation rules.
package discount

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Type classifies how a discount is applied.
type Type string

const (
	// General discounts reduce the whole order.
	General Type = "GENERAL"
	// ProductSpecific discounts reduce only units of their applicable products.
	ProductSpecific Type = "PRODUCT_SPECIFIC"
)

// Valid reports whether t is a known discount type.
func (t Type) Valid() bool {
	return t == General || t == ProductSpecific
}

// Rejection reasons carried by InvalidError.
const (
	ReasonNotFound        = "not found"
	ReasonDuplicate       = "duplicate code"
	ReasonNotYetValid     = "not yet valid"
	ReasonExpired         = "expired"
	ReasonNoRemainingUses = "no remaining uses"
)

// ErrExhausted is returned by Repository.DecrementUses when the discount had
// no uses left at the time of the update.
var ErrExhausted = errors.New("discount exhausted")

// Discount is a snapshot of a discount code. ValidFrom and ValidUntil are
// calendar dates (midnight UTC) and both bounds are inclusive.
type Discount struct {
	ID            int64
	Code          string
	Percentage    decimal.Decimal
	Type          Type
	ValidFrom     time.Time
	ValidUntil    time.Time
	RemainingUses int
	// ProductIDs lists applicable products; only meaningful for ProductSpecific.
	ProductIDs []int64
}

// AppliesTo reports whether a product-specific discount covers productID.
func (d Discount) AppliesTo(productID int64) bool {
	return d.Type == ProductSpecific && slices.Contains(d.ProductIDs, productID)
}

// Repository provides access to stored discounts.
type Repository interface {
	List(ctx context.Context) ([]Discount, error)
	// GetByCodes returns the discounts matching any of codes, ordered by id.
	GetByCodes(ctx context.Context, codes []string) ([]Discount, error)
	// DecrementUses consumes one use and returns the updated discount, or
	// ErrExhausted if none were left.
	DecrementUses(ctx context.Context, id int64) (Discount, error)
}

// InvalidError rejects a requested discount code.
type InvalidError struct {
	Code   string
	Reason string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid discount code %q: %s", e.Code, e.Reason)
}
