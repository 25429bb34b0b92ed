package handler

import (
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/digigoods-checkout/internal/domain/discount"
	"github.com/xenking/digigoods-checkout/internal/domain/product"
)

// ListProducts handles GET /products.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.products.List(r.Context())
	if err != nil {
		h.fail(w, r, errors.Wrap(err, "list products"))
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ArrStart()
		for _, p := range products {
			encodeProduct(e, p)
		}
		e.ArrEnd()
	})
}

// ListDiscounts handles GET /discounts.
func (h *Handler) ListDiscounts(w http.ResponseWriter, r *http.Request) {
	discounts, err := h.discounts.List(r.Context())
	if err != nil {
		h.fail(w, r, errors.Wrap(err, "list discounts"))
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ArrStart()
		for _, d := range discounts {
			encodeDiscount(e, d)
		}
		e.ArrEnd()
	})
}

func encodeProduct(e *jx.Encoder, p product.Product) {
	e.ObjStart()
	e.FieldStart("id")
	e.Int64(p.ID)
	e.FieldStart("name")
	e.Str(p.Name)
	e.FieldStart("price")
	e.Raw([]byte(p.Price.StringFixed(2)))
	e.FieldStart("stock")
	e.Int(p.Stock)
	e.ObjEnd()
}

func encodeDiscount(e *jx.Encoder, d discount.Discount) {
	e.ObjStart()
	e.FieldStart("id")
	e.Int64(d.ID)
	e.FieldStart("code")
	e.Str(d.Code)
	e.FieldStart("percentage")
	e.Raw([]byte(d.Percentage.StringFixed(2)))
	e.FieldStart("type")
	e.Str(string(d.Type))
	e.FieldStart("validFrom")
	e.Str(d.ValidFrom.Format(time.DateOnly))
	e.FieldStart("validUntil")
	e.Str(d.ValidUntil.Format(time.DateOnly))
	e.FieldStart("remainingUses")
	e.Int(d.RemainingUses)
	e.FieldStart("productIds")
	e.ArrStart()
	for _, id := range d.ProductIDs {
		e.Int64(id)
	}
	e.ArrEnd()
	e.ObjEnd()
}
