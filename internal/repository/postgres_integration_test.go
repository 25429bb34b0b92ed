//go:build integration

package repository

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/digigoods-checkout/internal/domain/discount"
	"github.com/xenking/digigoods-checkout/internal/domain/order"
	"github.com/xenking/digigoods-checkout/internal/domain/product"
	"github.com/xenking/digigoods-checkout/internal/domain/user"
	"github.com/xenking/digigoods-checkout/internal/outbox"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:17-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "checkout",
				"POSTGRES_PASSWORD": "checkout",
				"POSTGRES_DB":       "checkout",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}
	defer func() { _ = container.Terminate(context.Background()) }()

	host, err := container.Host(ctx)
	if err != nil {
		log.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Fatalf("mapped port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://checkout:checkout@%s:%s/checkout?sslmode=disable", host, port.Port())
	testPool, err = NewPool(ctx, dsn)
	if err != nil {
		log.Fatalf("pool: %v", err)
	}
	defer testPool.Close()

	if err := RunMigrations(ctx, testPool); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	return m.Run()
}

type world struct {
	products  *ProductRepository
	discounts *DiscountRepository
	users     *UserRepository
	orders    *OrderRepository
	outbox    *OutboxRepository
	tx        *Transactor
	svc       *order.Service
	userID    int64
}

func newWorld(t *testing.T) *world {
	t.Helper()
	ctx := context.Background()

	_, err := testPool.Exec(ctx, `TRUNCATE users, products, discounts, discount_products,
		orders, order_products, order_discounts, outbox RESTART IDENTITY CASCADE`)
	require.NoError(t, err)

	w := &world{
		products:  NewProductRepository(testPool),
		discounts: NewDiscountRepository(testPool),
		users:     NewUserRepository(testPool),
		orders:    NewOrderRepository(testPool),
		outbox:    NewOutboxRepository(testPool),
		tx:        NewTransactor(testPool, TxOptions{Attempts: 5, Backoff: 10 * time.Millisecond, Timeout: 10 * time.Second}),
	}

	w.userID, err = w.users.Upsert(ctx, "testuser", "hash")
	require.NoError(t, err)

	w.svc, err = order.NewService(order.Deps{
		Products:  w.products,
		Users:     w.users,
		Discounts: discount.NewValidator(w.discounts, time.UTC),
		Stock:     product.NewStockReserver(w.products),
		Orders:    w.orders,
		Events:    outbox.NewWriter(w.outbox, "orders"),
		Tx:        w.tx,
	}, tracenoop.NewTracerProvider(), metricnoop.NewMeterProvider())
	require.NoError(t, err)

	return w
}

func (w *world) addProduct(t *testing.T, name, price string, stock int) int64 {
	t.Helper()
	id, err := w.products.Upsert(context.Background(), product.Product{
		Name: name, Price: decimal.RequireFromString(price), Stock: stock,
	})
	require.NoError(t, err)
	return id
}

func (w *world) addDiscount(t *testing.T, code, pct string, typ discount.Type, uses int, productIDs ...int64) int64 {
	t.Helper()
	today := time.Now().UTC()
	var id int64
	err := w.tx.InTx(context.Background(), func(ctx context.Context) error {
		var err error
		id, err = w.discounts.Upsert(ctx, discount.Discount{
			Code:          code,
			Percentage:    decimal.RequireFromString(pct),
			Type:          typ,
			ValidFrom:     today.AddDate(0, 0, -1),
			ValidUntil:    today.AddDate(0, 0, 30),
			RemainingUses: uses,
			ProductIDs:    productIDs,
		})
		return err
	})
	require.NoError(t, err)
	return id
}

func (w *world) count(t *testing.T, table string) int {
	t.Helper()
	var n int
	require.NoError(t, testPool.QueryRow(context.Background(), `SELECT count(*) FROM `+table).Scan(&n))
	return n
}

func (w *world) stock(t *testing.T, id int64) int {
	t.Helper()
	ps, err := w.products.GetByIDs(context.Background(), []int64{id})
	require.NoError(t, err)
	require.Len(t, ps, 1)
	return ps[0].Stock
}

func (w *world) uses(t *testing.T, code string) int {
	t.Helper()
	ds, err := w.discounts.GetByCodes(context.Background(), []string{code})
	require.NoError(t, err)
	require.Len(t, ds, 1)
	return ds[0].RemainingUses
}

func TestCheckout_CommitsOrderStockAndUsage(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	p1 := w.addProduct(t, "Product 1", "100.00", 10)
	p2 := w.addProduct(t, "Product 2", "50.00", 5)
	w.addDiscount(t, "GENERAL20", "20.00", discount.General, 3)
	w.addDiscount(t, "P2HALF", "10.00", discount.ProductSpecific, 3, p2)

	res, err := w.svc.Checkout(ctx, w.userID, order.Request{
		UserID:        w.userID,
		ProductIDs:    []int64{p1, p2, p2},
		DiscountCodes: []string{"P2HALF", "GENERAL20"},
	})
	require.NoError(t, err)

	// (100 + 45 + 45) * 0.8
	assert.True(t, decimal.RequireFromString("152.00").Equal(res.FinalPrice), "got %s", res.FinalPrice)
	assert.Equal(t, 9, w.stock(t, p1))
	assert.Equal(t, 3, w.stock(t, p2))
	assert.Equal(t, 2, w.uses(t, "GENERAL20"))
	assert.Equal(t, 2, w.uses(t, "P2HALF"))

	var subtotal, final decimal.Decimal
	require.NoError(t, testPool.QueryRow(ctx,
		`SELECT original_subtotal, final_price FROM orders WHERE id = $1`, res.OrderID,
	).Scan(&subtotal, &final))
	assert.True(t, decimal.RequireFromString("200.00").Equal(subtotal))
	assert.True(t, res.FinalPrice.Equal(final))
	assert.Equal(t, 3, w.count(t, "order_products"))
	assert.Equal(t, 2, w.count(t, "order_discounts"))

	pending, err := w.outbox.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, res.OrderID, pending[0].Key)
	assert.Equal(t, "orders", pending[0].Topic)

	require.NoError(t, w.outbox.MarkSent(ctx, pending[0].Seq))
	pending, err = w.outbox.FetchPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCheckout_InsufficientStockRollsBack(t *testing.T) {
	w := newWorld(t)

	p1 := w.addProduct(t, "Product 1", "100.00", 10)
	p2 := w.addProduct(t, "Product 2", "10.00", 5)
	w.addDiscount(t, "GENERAL20", "20.00", discount.General, 3)

	_, err := w.svc.Checkout(context.Background(), w.userID, order.Request{
		UserID:        w.userID,
		ProductIDs:    []int64{p1, p2, p2, p2, p2, p2, p2},
		DiscountCodes: []string{"GENERAL20"},
	})

	var stockErr *product.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, p2, stockErr.ProductID)
	assert.Equal(t, 6, stockErr.Requested)
	assert.Equal(t, 5, stockErr.Available)

	assert.Zero(t, w.count(t, "orders"))
	assert.Zero(t, w.count(t, "outbox"))
	assert.Equal(t, 10, w.stock(t, p1))
	assert.Equal(t, 5, w.stock(t, p2))
	assert.Equal(t, 3, w.uses(t, "GENERAL20"))
}

func TestCheckout_ConcurrentBuyersNeverOversell(t *testing.T) {
	w := newWorld(t)

	const buyers = 12
	p := w.addProduct(t, "Limited", "10.00", 5)
	w.addDiscount(t, "FEW", "5.00", discount.General, 3)

	var g errgroup.Group
	results := make([]error, buyers)
	for i := range buyers {
		g.Go(func() error {
			req := order.Request{UserID: w.userID, ProductIDs: []int64{p}}
			if i%2 == 0 {
				req.DiscountCodes = []string{"FEW"}
			}
			_, results[i] = w.svc.Checkout(context.Background(), w.userID, req)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var created int
	for _, err := range results {
		if err == nil {
			created++
			continue
		}
		require.True(t, order.IsRejection(err), "unexpected failure: %v", err)
	}

	assert.Equal(t, 5, created)
	assert.Equal(t, 0, w.stock(t, p))
	assert.Equal(t, created, w.count(t, "orders"))
	assert.GreaterOrEqual(t, w.uses(t, "FEW"), 0)

	var redeemed int
	require.NoError(t, testPool.QueryRow(context.Background(),
		`SELECT count(*) FROM order_discounts`).Scan(&redeemed))
	assert.Equal(t, 3-w.uses(t, "FEW"), redeemed)
}

func TestDiscountRepository_DecrementUsesStopsAtZero(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	id := w.addDiscount(t, "ONCE", "10.00", discount.General, 1)

	d, err := w.discounts.DecrementUses(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, d.RemainingUses)
	assert.Equal(t, "ONCE", d.Code)

	_, err = w.discounts.DecrementUses(ctx, id)
	require.ErrorIs(t, err, discount.ErrExhausted)
}

func TestDiscountRepository_ProductLinks(t *testing.T) {
	w := newWorld(t)
	p1 := w.addProduct(t, "A", "1.00", 1)
	p2 := w.addProduct(t, "B", "1.00", 1)
	w.addDiscount(t, "AB", "10.00", discount.ProductSpecific, 1, p2, p1)

	all, err := w.discounts.List(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, []int64{p1, p2}, all[0].ProductIDs)
	assert.Equal(t, discount.ProductSpecific, all[0].Type)

	w.addDiscount(t, "AB", "10.00", discount.ProductSpecific, 1, p2)
	all, err = w.discounts.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{p2}, all[0].ProductIDs)
}

func TestProductRepository_DecrementStockConflict(t *testing.T) {
	w := newWorld(t)
	id := w.addProduct(t, "Scarce", "1.00", 2)

	_, err := w.products.DecrementStock(context.Background(), id, 3)
	require.ErrorIs(t, err, product.ErrStockConflict)

	p, err := w.products.DecrementStock(context.Background(), id, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Stock)
}

func TestUserRepository_NotFound(t *testing.T) {
	w := newWorld(t)

	u, err := w.users.FindByUsername(context.Background(), "testuser")
	require.NoError(t, err)
	assert.Equal(t, w.userID, u.ID)

	_, err = w.users.FindByID(context.Background(), w.userID+100)
	require.ErrorIs(t, err, user.ErrNotFound)
}
