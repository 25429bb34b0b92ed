package main

import (
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/digigoods-checkout/internal/domain/discount"
)

// Columns of a campaign export row. products is a ';' separated list of
// product names and must be empty for GENERAL discounts.
const (
	colCode = iota
	colPercentage
	colType
	colValidFrom
	colValidUntil
	colRemainingUses
	colProducts
	numColumns
)

var (
	hundred = decimal.NewFromInt(100)

	errHeader = errors.New("header row")
)

// row is one parsed export line.
type row struct {
	file     int
	line     int
	discount discount.Discount
	products []string
}

// parseRow validates a CSV record. It returns errHeader for the optional
// header line.
func parseRow(rec []string) (discount.Discount, []string, error) {
	if len(rec) != numColumns {
		return discount.Discount{}, nil, errors.Errorf("expected %d columns, got %d", numColumns, len(rec))
	}
	for i := range rec {
		rec[i] = strings.TrimSpace(rec[i])
	}
	if strings.EqualFold(rec[colCode], "code") {
		return discount.Discount{}, nil, errHeader
	}

	d := discount.Discount{
		Code: strings.ToUpper(rec[colCode]),
		Type: discount.Type(strings.ToUpper(rec[colType])),
	}
	if d.Code == "" {
		return discount.Discount{}, nil, errors.New("empty code")
	}
	if !d.Type.Valid() {
		return discount.Discount{}, nil, errors.Errorf("unknown type %q", rec[colType])
	}

	var err error
	if d.Percentage, err = decimal.NewFromString(rec[colPercentage]); err != nil {
		return discount.Discount{}, nil, errors.Wrap(err, "percentage")
	}
	if d.Percentage.IsNegative() || d.Percentage.GreaterThan(hundred) {
		return discount.Discount{}, nil, errors.Errorf("percentage %s out of range", d.Percentage)
	}
	if !d.Percentage.Equal(d.Percentage.Truncate(2)) {
		return discount.Discount{}, nil, errors.Errorf("percentage %s has more than 2 decimal places", d.Percentage)
	}
	if d.ValidFrom, err = time.Parse(time.DateOnly, rec[colValidFrom]); err != nil {
		return discount.Discount{}, nil, errors.Wrap(err, "valid from")
	}
	if d.ValidUntil, err = time.Parse(time.DateOnly, rec[colValidUntil]); err != nil {
		return discount.Discount{}, nil, errors.Wrap(err, "valid until")
	}
	if d.ValidUntil.Before(d.ValidFrom) {
		return discount.Discount{}, nil, errors.New("valid until is before valid from")
	}
	if d.RemainingUses, err = strconv.Atoi(rec[colRemainingUses]); err != nil {
		return discount.Discount{}, nil, errors.Wrap(err, "remaining uses")
	}
	if d.RemainingUses < 0 {
		return discount.Discount{}, nil, errors.New("remaining uses is negative")
	}

	var products []string
	if rec[colProducts] != "" {
		for _, name := range strings.Split(rec[colProducts], ";") {
			if name = strings.TrimSpace(name); name != "" {
				products = append(products, name)
			}
		}
	}
	switch {
	case d.Type == discount.General && len(products) > 0:
		return discount.Discount{}, nil, errors.New("general discount lists products")
	case d.Type == discount.ProductSpecific && len(products) == 0:
		return discount.Discount{}, nil, errors.New("product specific discount lists no products")
	}
	return d, products, nil
}

// resolveProducts maps product names to ids.
func resolveProducts(d *discount.Discount, names []string, ids map[string]int64) error {
	d.ProductIDs = d.ProductIDs[:0]
	for _, name := range names {
		id, ok := ids[name]
		if !ok {
			return errors.Errorf("unknown product %q", name)
		}
		d.ProductIDs = append(d.ProductIDs, id)
	}
	return nil
}
