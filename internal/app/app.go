// Package app wires the checkout API server.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/xenking/digigoods-checkout/internal/domain/auth"
	"github.com/xenking/digigoods-checkout/internal/domain/discount"
	"github.com/xenking/digigoods-checkout/internal/domain/order"
	"github.com/xenking/digigoods-checkout/internal/domain/product"
	"github.com/xenking/digigoods-checkout/internal/handler"
	"github.com/xenking/digigoods-checkout/internal/outbox"
	"github.com/xenking/digigoods-checkout/internal/repository"
	"github.com/xenking/digigoods-checkout/pkg/health"
	"github.com/xenking/digigoods-checkout/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server and the outbox relay,
// and handles graceful shutdown. It is the single wiring point for the
// application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	loc, err := cfg.Checkout.Location()
	if err != nil {
		return err
	}
	loginKey, err := cfg.LoginLimit.KeyFunc()
	if err != nil {
		return err
	}

	// PostgreSQL pool + migrations.
	pool, err := repository.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.Start(ctx, 10*time.Second)
	defer healthSvc.Stop()

	// Repositories.
	productRepo := repository.NewProductRepository(pool)
	discountRepo := repository.NewDiscountRepository(pool)
	userRepo := repository.NewUserRepository(pool)
	orderRepo := repository.NewOrderRepository(pool)
	outboxRepo := repository.NewOutboxRepository(pool)
	tx := repository.NewTransactor(pool, repository.TxOptions{
		Attempts: cfg.Checkout.TxAttempts,
		Backoff:  cfg.Checkout.TxBackoff,
		Timeout:  cfg.Checkout.TxTimeout,
	})

	// Domain services.
	orderService, err := order.NewService(order.Deps{
		Products:  productRepo,
		Users:     userRepo,
		Discounts: discount.NewValidator(discountRepo, loc),
		Stock:     product.NewStockReserver(productRepo),
		Orders:    orderRepo,
		Events:    outbox.NewWriter(outboxRepo, cfg.Kafka.Topic),
		Tx:        tx,
	}, m.TracerProvider(), m.MeterProvider())
	if err != nil {
		return errors.Wrap(err, "create order service")
	}
	tokens := auth.NewTokens([]byte(cfg.Auth.Secret), cfg.Auth.TokenTTL)
	authService := auth.NewService(userRepo, tokens)

	h := handler.NewHandler(orderService, productRepo, discountRepo, authService, tokens)

	// Router: health endpoints + API routes on one server.
	r := chi.NewRouter()
	r.Get("/livez", healthSvc.LiveEndpoint)
	r.Get("/readyz", healthSvc.ReadyEndpoint)
	h.Routes(r, httpmiddleware.RateLimit(ctx, httpmiddleware.RateLimitConfig{
		Rate:    cfg.LoginLimit.Rate,
		Burst:   cfg.LoginLimit.Burst,
		IdleTTL: 10 * time.Minute,
		KeyFunc: loginKey,
	}))

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      cfg.Checkout.TxTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: otelhttp.NewHandler(
			httpmiddleware.Wrap(r,
				httpmiddleware.RequestID(),
				httpmiddleware.InjectLogger(zctx.From(ctx)),
				httpmiddleware.Recovery(),
				httpmiddleware.LogRequests(),
			),
			"checkout-api",
			otelhttp.WithTracerProvider(m.TracerProvider()),
			otelhttp.WithMeterProvider(m.MeterProvider()),
		),
	}

	relayDone := make(chan struct{})
	if len(cfg.Kafka.Brokers) > 0 {
		publisher := outbox.NewKafkaPublisher(cfg.Kafka.Brokers)
		relay := outbox.NewRelay(outboxRepo, publisher, cfg.Outbox.Interval, cfg.Outbox.BatchSize)
		go func() {
			defer close(relayDone)
			defer func() {
				if err := publisher.Close(); err != nil {
					lg.Warn("Close kafka publisher", zap.Error(err))
				}
			}()
			lg.Info("Outbox relay started", zap.Strings("brokers", cfg.Kafka.Brokers))
			if err := relay.Run(zctx.Base(ctx, lg.Named("outbox"))); err != nil {
				lg.Error("Outbox relay stopped", zap.Error(err))
			}
		}()
	} else {
		lg.Info("No kafka brokers configured, order events stay in the outbox")
		close(relayDone)
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
	}()

	healthSvc.SetReady(true)
	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	<-relayDone
	return nil
}
