// Package pricing computes order totals from already-fetched products and
// discounts. Every percentage-to-amount conversion is rounded half-up to two
// decimal places at the point it is computed.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/xenking/digigoods-checkout/internal/domain/discount"
	"github.com/xenking/digigoods-checkout/internal/domain/product"
)

const scale = 2

var hundred = decimal.NewFromInt(100)

// Subtotal sums the unit price of every requested id, counting repeats as
// quantity.
func Subtotal(productIDs []int64, products map[int64]product.Product) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, id := range productIDs {
		p, ok := products[id]
		if !ok {
			return decimal.Zero, &product.NotFoundError{IDs: product.Missing(productIDs, products)}
		}
		total = total.Add(p.Price)
	}
	return total, nil
}

// FinalPrice applies discounts to the requested products.
//
// Product-specific percentages covering the same product are summed and
// taken off each unit separately. General discounts then compound over the
// running total in the order given. A line may go negative when specific
// discounts add up to more than 100%.
func FinalPrice(productIDs []int64, products map[int64]product.Product, discounts []discount.Discount) (decimal.Decimal, error) {
	specific, general := partition(discounts)

	running := decimal.Zero
	for _, id := range productIDs {
		p, ok := products[id]
		if !ok {
			return decimal.Zero, &product.NotFoundError{IDs: product.Missing(productIDs, products)}
		}
		running = running.Add(unitPrice(p, specific))
	}

	for _, d := range general {
		running = running.Sub(percentOf(running, d.Percentage))
	}
	return running, nil
}

// DiscountPercentage returns how much of subtotal was taken off to reach
// final, as a percentage rounded half-up to two decimals. A zero subtotal
// has nothing to discount and yields zero.
func DiscountPercentage(subtotal, final decimal.Decimal) decimal.Decimal {
	if subtotal.IsZero() {
		return decimal.Zero
	}
	return subtotal.Sub(final).Mul(hundred).DivRound(subtotal, scale)
}

func unitPrice(p product.Product, specific []discount.Discount) decimal.Decimal {
	pct := decimal.Zero
	for _, d := range specific {
		if d.AppliesTo(p.ID) {
			pct = pct.Add(d.Percentage)
		}
	}
	if !pct.IsPositive() {
		return p.Price
	}
	return p.Price.Sub(percentOf(p.Price, pct))
}

// percentOf returns pct percent of amount, rounded half away from zero.
func percentOf(amount, pct decimal.Decimal) decimal.Decimal {
	return amount.Mul(pct).DivRound(hundred, scale)
}

func partition(discounts []discount.Discount) (specific, general []discount.Discount) {
	for _, d := range discounts {
		if d.Type == discount.ProductSpecific {
			specific = append(specific, d)
		} else {
			general = append(general, d)
		}
	}
	return specific, general
}
