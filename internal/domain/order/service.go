package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/digigoods-checkout/internal/domain/discount"
	"github.com/xenking/digigoods-checkout/internal/domain/pricing"
	"github.com/xenking/digigoods-checkout/internal/domain/product"
	"github.com/xenking/digigoods-checkout/internal/domain/user"
)

const instrumentationName = "github.com/xenking/digigoods-checkout/internal/domain/order"

// Deps are the collaborators of the checkout Service. Events is optional.
type Deps struct {
	Products  product.Repository
	Users     user.Repository
	Discounts Discounts
	Stock     Stock
	Orders    Repository
	Events    Events
	Tx        Transactor
}

// Service runs the checkout pipeline.
type Service struct {
	deps Deps
	now  func() time.Time

	tracer          trace.Tracer
	ordersCounter   metric.Int64Counter
	discountPercent metric.Float64Histogram
}

// NewService creates a checkout Service.
func NewService(deps Deps, tp trace.TracerProvider, mp metric.MeterProvider) (*Service, error) {
	meter := mp.Meter(instrumentationName)

	ordersCounter, err := meter.Int64Counter("checkout.orders",
		metric.WithDescription("Checkout attempts by result"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create orders counter")
	}
	discountPercent, err := meter.Float64Histogram("checkout.discount_percent",
		metric.WithDescription("Share of the subtotal taken off by discounts"),
		metric.WithUnit("%"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create discount histogram")
	}

	return &Service{
		deps:            deps,
		now:             time.Now,
		tracer:          tp.Tracer(instrumentationName),
		ordersCounter:   ordersCounter,
		discountPercent: discountPercent,
	}, nil
}

// Checkout prices the request and, if every business rule passes, commits
// the order together with its stock and discount usage changes.
//
// Business rule violations are returned as *UnauthorizedError,
// *product.NotFoundError, *discount.InvalidError, *ExcessiveDiscountError,
// *product.InsufficientStockError or ErrEmptyProducts. Any other error is an
// infrastructure failure after which nothing was persisted.
func (s *Service) Checkout(ctx context.Context, callerID int64, req Request) (_ *Result, rerr error) {
	ctx, span := s.tracer.Start(ctx, "order.Checkout", trace.WithAttributes(
		attribute.Int64("user.id", req.UserID),
		attribute.Int("order.products", len(req.ProductIDs)),
		attribute.Int("order.discount_codes", len(req.DiscountCodes)),
	))
	defer func() {
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		span.End()
	}()

	res, err := s.checkout(ctx, callerID, req)
	s.ordersCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", outcome(err))))
	return res, err
}

func (s *Service) checkout(ctx context.Context, callerID int64, req Request) (*Result, error) {
	lg := zctx.From(ctx)

	if callerID != req.UserID {
		return nil, &UnauthorizedError{CallerID: callerID, UserID: req.UserID}
	}
	if len(req.ProductIDs) == 0 {
		return nil, ErrEmptyProducts
	}

	products, err := s.deps.Products.GetByIDs(ctx, product.Distinct(req.ProductIDs))
	if err != nil {
		return nil, errors.Wrap(err, "get products")
	}
	byID := product.Index(products)
	if missing := product.Missing(req.ProductIDs, byID); len(missing) > 0 {
		return nil, &product.NotFoundError{IDs: missing}
	}

	subtotal, err := pricing.Subtotal(req.ProductIDs, byID)
	if err != nil {
		return nil, err
	}

	discounts, err := s.deps.Discounts.ValidateAndGet(ctx, req.DiscountCodes)
	if err != nil {
		return nil, err
	}

	final, err := pricing.FinalPrice(req.ProductIDs, byID, discounts)
	if err != nil {
		return nil, err
	}

	pct := pricing.DiscountPercentage(subtotal, final)
	s.discountPercent.Record(ctx, pct.InexactFloat64())
	if pct.GreaterThan(MaxDiscountPercentage) {
		return nil, &ExcessiveDiscountError{Percentage: pct}
	}

	o := &Order{
		ID:               uuid.New().String(),
		UserID:           req.UserID,
		ProductIDs:       req.ProductIDs,
		DiscountIDs:      discountIDs(discounts),
		OriginalSubtotal: subtotal,
		FinalPrice:       final,
		CreatedAt:        s.now().UTC(),
	}

	if err := s.deps.Tx.InTx(ctx, func(ctx context.Context) error {
		return s.commit(ctx, o, discounts)
	}); err != nil {
		return nil, err
	}

	lg.Info("Order created",
		zap.String("order_id", o.ID),
		zap.Int64("user_id", o.UserID),
		zap.Int("items", len(o.ProductIDs)),
		zap.Stringer("subtotal", o.OriginalSubtotal),
		zap.Stringer("final_price", o.FinalPrice),
	)

	return &Result{
		Message:    SuccessMessage,
		OrderID:    o.ID,
		FinalPrice: final,
	}, nil
}

// commit persists the order and consumes stock and discount uses. It runs
// inside a transaction; any error rolls all of it back.
func (s *Service) commit(ctx context.Context, o *Order, discounts []discount.Discount) error {
	if _, err := s.deps.Users.FindByID(ctx, o.UserID); err != nil {
		return errors.Wrapf(err, "find user %d", o.UserID)
	}
	if err := s.deps.Orders.Create(ctx, o); err != nil {
		return errors.Wrap(err, "create order")
	}
	if err := s.deps.Stock.Reserve(ctx, o.ProductIDs); err != nil {
		return err
	}
	if err := s.deps.Discounts.DecrementUsage(ctx, discounts); err != nil {
		return err
	}
	if s.deps.Events != nil {
		if err := s.deps.Events.OrderCreated(ctx, o); err != nil {
			return errors.Wrap(err, "record order event")
		}
	}
	return nil
}

// IsRejection reports whether err is a business rule violation rather than
// an infrastructure failure.
func IsRejection(err error) bool {
	var (
		unauthorized *UnauthorizedError
		excessive    *ExcessiveDiscountError
		notFound     *product.NotFoundError
		stock        *product.InsufficientStockError
		invalid      *discount.InvalidError
	)
	return errors.Is(err, ErrEmptyProducts) ||
		errors.As(err, &unauthorized) ||
		errors.As(err, &excessive) ||
		errors.As(err, &notFound) ||
		errors.As(err, &stock) ||
		errors.As(err, &invalid)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "created"
	case IsRejection(err):
		return "rejected"
	default:
		return "failed"
	}
}

func discountIDs(discounts []discount.Discount) []int64 {
	ids := make([]int64, 0, len(discounts))
	for _, d := range discounts {
		ids = append(ids, d.ID)
	}
	return ids
}
