package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/digigoods-checkout/internal/domain/auth"
	"github.com/xenking/digigoods-checkout/internal/domain/discount"
	"github.com/xenking/digigoods-checkout/internal/domain/product"
	"github.com/xenking/digigoods-checkout/internal/repository"
)

type catalog struct {
	Users []struct {
		Username string `json:"username"`
		Password string `json:"password"`
	} `json:"users"`
	Products []struct {
		Name  string          `json:"name"`
		Price decimal.Decimal `json:"price"`
		Stock int             `json:"stock"`
	} `json:"products"`
	Discounts []discountJSON `json:"discounts"`
}

type discountJSON struct {
	Code          string          `json:"code"`
	Percentage    decimal.Decimal `json:"percentage"`
	Type          discount.Type   `json:"type"`
	ValidFrom     string          `json:"validFrom"`
	ValidUntil    string          `json:"validUntil"`
	RemainingUses int             `json:"remainingUses"`
	Products      []string        `json:"products"`
}

func main() {
	var (
		databaseURL string
		catalogFile string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&catalogFile, "catalog-file", "db/seed/catalog.json", "path to the users/products/discounts JSON file")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, catalogFile); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, catalogFile string) error {
	data, err := os.ReadFile(catalogFile)
	if err != nil {
		return errors.Wrap(err, "read catalog file")
	}
	var c catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return errors.Wrap(err, "parse catalog JSON")
	}

	slog.Info("connecting to database")

	pool, err := repository.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	var (
		users     = repository.NewUserRepository(pool)
		products  = repository.NewProductRepository(pool)
		discounts = repository.NewDiscountRepository(pool)
		tx        = repository.NewTransactor(pool, repository.TxOptions{Attempts: 3, Backoff: 50 * time.Millisecond})
	)

	// Users and products are independent; bcrypt dominates the run time.
	productIDs := make([]int64, len(c.Products))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, u := range c.Users {
		g.Go(func() error {
			hash, err := auth.HashPassword(u.Password)
			if err != nil {
				return errors.Wrapf(err, "hash password of %s", u.Username)
			}
			id, err := users.Upsert(gctx, u.Username, hash)
			if err != nil {
				return err
			}
			slog.Info("upserted user", slog.Int64("id", id), slog.String("username", u.Username))
			return nil
		})
	}
	for i, p := range c.Products {
		g.Go(func() error {
			id, err := products.Upsert(gctx, product.Product{Name: p.Name, Price: p.Price, Stock: p.Stock})
			if err != nil {
				return err
			}
			productIDs[i] = id
			slog.Info("upserted product", slog.Int64("id", id), slog.String("name", p.Name))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "seed users and products")
	}

	byName := make(map[string]int64, len(c.Products))
	for i, p := range c.Products {
		byName[p.Name] = productIDs[i]
	}

	return tx.InTx(ctx, func(ctx context.Context) error {
		for _, dj := range c.Discounts {
			d, err := dj.toDomain(byName)
			if err != nil {
				return err
			}
			id, err := discounts.Upsert(ctx, d)
			if err != nil {
				return err
			}
			slog.Info("upserted discount", slog.Int64("id", id), slog.String("code", d.Code))
		}
		return nil
	})
}

func (dj discountJSON) toDomain(productIDs map[string]int64) (discount.Discount, error) {
	if !dj.Type.Valid() {
		return discount.Discount{}, errors.Errorf("discount %s: unknown type %q", dj.Code, dj.Type)
	}
	from, err := time.Parse(time.DateOnly, dj.ValidFrom)
	if err != nil {
		return discount.Discount{}, errors.Wrapf(err, "discount %s: valid from", dj.Code)
	}
	until, err := time.Parse(time.DateOnly, dj.ValidUntil)
	if err != nil {
		return discount.Discount{}, errors.Wrapf(err, "discount %s: valid until", dj.Code)
	}

	d := discount.Discount{
		Code:          dj.Code,
		Percentage:    dj.Percentage,
		Type:          dj.Type,
		ValidFrom:     from,
		ValidUntil:    until,
		RemainingUses: dj.RemainingUses,
	}
	for _, name := range dj.Products {
		id, ok := productIDs[name]
		if !ok {
			return discount.Discount{}, errors.Errorf("discount %s: unknown product %q", dj.Code, name)
		}
		d.ProductIDs = append(d.ProductIDs, id)
	}
	return d, nil
}
