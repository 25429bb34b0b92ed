package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/digigoods-checkout/internal/domain/auth"
	"github.com/xenking/digigoods-checkout/internal/domain/discount"
	"github.com/xenking/digigoods-checkout/internal/domain/order"
	"github.com/xenking/digigoods-checkout/internal/domain/product"
)

const internalErrorMessage = "An unexpected error occurred"

// validationError lists every field rule a request body broke.
type validationError struct {
	messages []string
}

func (e *validationError) Error() string {
	return strings.Join(e.messages, ", ")
}

func (e *validationError) add(msg string) {
	e.messages = append(e.messages, msg)
}

func (e *validationError) orNil() error {
	if len(e.messages) == 0 {
		return nil
	}
	return e
}

// malformedBodyError is returned when the request body is not the expected
// JSON. It wraps the decoder error.
type malformedBodyError struct {
	err error
}

func (e *malformedBodyError) Error() string {
	return "malformed request body: " + e.err.Error()
}

func (e *malformedBodyError) Unwrap() error {
	return e.err
}

// statusOf maps err to an HTTP status and the message exposed to clients.
func statusOf(err error) (int, string) {
	var (
		unauthorized *order.UnauthorizedError
		notFound     *product.NotFoundError
		invalid      *discount.InvalidError
		excessive    *order.ExcessiveDiscountError
		stock        *product.InsufficientStockError
		validation   *validationError
		malformed    *malformedBodyError
	)

	switch {
	case errors.As(err, &unauthorized):
		return http.StatusForbidden, unauthorized.Error()
	case errors.As(err, &notFound):
		return http.StatusNotFound, notFound.Error()
	case errors.As(err, &invalid):
		return http.StatusBadRequest, invalid.Error()
	case errors.As(err, &excessive):
		return http.StatusBadRequest, excessive.Error()
	case errors.As(err, &stock):
		return http.StatusBadRequest, stock.Error()
	case errors.As(err, &validation):
		return http.StatusBadRequest, validation.Error()
	case errors.Is(err, order.ErrEmptyProducts):
		return http.StatusBadRequest, "Product IDs cannot be empty"
	case errors.As(err, &malformed):
		return http.StatusBadRequest, "Malformed request body"
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, "Invalid username or password"
	case errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, "Invalid or expired token"
	case errors.Is(err, errMissingToken):
		return http.StatusUnauthorized, "Missing or malformed Authorization header"
	default:
		return http.StatusInternalServerError, internalErrorMessage
	}
}

// fail writes the error response for err. Unexpected errors are logged with
// the request logger and hidden from the client.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusOf(err)
	if status == http.StatusInternalServerError {
		zctx.From(r.Context()).Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	h.writeError(w, r, status, msg)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("timestamp")
		e.Str(h.now().UTC().Format(time.RFC3339Nano))
		e.FieldStart("status")
		e.Int(status)
		e.FieldStart("error")
		e.Str(http.StatusText(status))
		e.FieldStart("message")
		e.Str(msg)
		e.FieldStart("path")
		e.Str(r.URL.Path)
		e.ObjEnd()
	})
}

func writeJSON(w http.ResponseWriter, status int, encode func(e *jx.Encoder)) {
	var e jx.Encoder
	encode(&e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}
