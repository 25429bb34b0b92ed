package handler

import (
	"net/http"

	"github.com/go-faster/jx"

	"github.com/xenking/digigoods-checkout/internal/domain/order"
)

const maxBodyBytes = 1 << 20

// CreateOrder handles POST /orders. The caller must be the user the order
// is placed for.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	callerID, ok := CallerFromContext(r.Context())
	if !ok {
		h.fail(w, r, errMissingToken)
		return
	}

	req, err := decodeCheckout(jx.Decode(http.MaxBytesReader(w, r.Body, maxBodyBytes), 4096))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.checkout.Checkout(r.Context(), callerID, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("message")
		e.Str(res.Message)
		e.FieldStart("orderId")
		e.Str(res.OrderID)
		e.FieldStart("finalPrice")
		e.Raw([]byte(res.FinalPrice.StringFixed(2)))
		e.ObjEnd()
	})
}

// decodeCheckout reads {userId, productIds, discountCodes}. discountCodes
// may be absent or null.
func decodeCheckout(d *jx.Decoder) (order.Request, error) {
	var (
		req     order.Request
		hasUser bool
	)
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		if d.Next() == jx.Null {
			return d.Null()
		}
		switch string(key) {
		case "userId":
			v, err := d.Int64()
			if err != nil {
				return err
			}
			req.UserID, hasUser = v, true
			return nil
		case "productIds":
			return d.Arr(func(d *jx.Decoder) error {
				v, err := d.Int64()
				if err != nil {
					return err
				}
				req.ProductIDs = append(req.ProductIDs, v)
				return nil
			})
		case "discountCodes":
			return d.Arr(func(d *jx.Decoder) error {
				v, err := d.Str()
				if err != nil {
					return err
				}
				req.DiscountCodes = append(req.DiscountCodes, v)
				return nil
			})
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return order.Request{}, &malformedBodyError{err: err}
	}

	var verr validationError
	if !hasUser {
		verr.add("User ID is required")
	}
	if len(req.ProductIDs) == 0 {
		verr.add("Product IDs cannot be empty")
	}
	return req, verr.orNil()
}
