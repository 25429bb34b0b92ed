// Package handler exposes the checkout API over HTTP.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/digigoods-checkout/internal/domain/auth"
	"github.com/xenking/digigoods-checkout/internal/domain/discount"
	"github.com/xenking/digigoods-checkout/internal/domain/order"
	"github.com/xenking/digigoods-checkout/internal/domain/product"
)

// Checkout places orders.
type Checkout interface {
	Checkout(ctx context.Context, callerID int64, req order.Request) (*order.Result, error)
}

// Products lists the catalog.
type Products interface {
	List(ctx context.Context) ([]product.Product, error)
}

// Discounts lists the configured discounts.
type Discounts interface {
	List(ctx context.Context) ([]discount.Discount, error)
}

// Authenticator exchanges credentials for a session.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (*auth.Session, error)
}

// TokenVerifier resolves a bearer token to a user id.
type TokenVerifier interface {
	Verify(token string) (int64, error)
}

// Handler serves the HTTP API, delegating business logic to the domain
// services.
type Handler struct {
	checkout  Checkout
	products  Products
	discounts Discounts
	auth      Authenticator
	tokens    TokenVerifier
	now       func() time.Time
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(
	checkout Checkout,
	products Products,
	discounts Discounts,
	authenticator Authenticator,
	tokens TokenVerifier,
) *Handler {
	return &Handler{
		checkout:  checkout,
		products:  products,
		discounts: discounts,
		auth:      authenticator,
		tokens:    tokens,
		now:       time.Now,
	}
}

// Routes registers the API endpoints on r. loginLimits wrap only the login
// endpoint.
func (h *Handler) Routes(r chi.Router, loginLimits ...func(http.Handler) http.Handler) {
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.writeError(w, r, http.StatusNotFound, "No handler for "+r.Method+" "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		h.writeError(w, r, http.StatusMethodNotAllowed, "Method "+r.Method+" is not supported")
	})

	r.With(loginLimits...).Post("/auth/login", h.Login)
	r.Get("/products", h.ListProducts)
	r.Get("/discounts", h.ListDiscounts)

	r.Group(func(r chi.Router) {
		r.Use(h.Authenticate)
		r.Post("/orders", h.CreateOrder)
	})
}
