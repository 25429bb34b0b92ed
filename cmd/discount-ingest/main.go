// Command discount-ingest bulk loads discount campaigns from gzip-compressed
// CSV exports.
//
// A code must be defined exactly once across all files. Pass 1 builds a bloom
// filter of the codes of every file. Pass 2 upserts rows whose code no other
// filter knows and sets the rest aside; those are checked exactly at the end
// and dropped when the code really is defined more than once.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/digigoods-checkout/internal/domain/discount"
	"github.com/xenking/digigoods-checkout/internal/repository"
)

const (
	bloomFPR      = 0.001
	progressEvery = 100_000
)

type options struct {
	pattern     string
	databaseURL string
	capacity    uint
	batchSize   int
	dryRun      bool
}

// store persists discounts in batches.
type store interface {
	UpsertBatch(ctx context.Context, ds []discount.Discount) error
}

func main() {
	var opts options

	flag.StringVar(&opts.pattern, "files", "data/discounts-*.csv.gz", "glob of gzip-compressed CSV exports")
	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.UintVar(&opts.capacity, "expected-codes", 1_000_000, "expected number of codes per file, sizes the bloom filters")
	flag.IntVar(&opts.batchSize, "batch-size", 500, "discounts upserted per transaction")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "validate the files without writing to the database")
	flag.Parse()

	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}
	if opts.databaseURL == "" && !opts.dryRun {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		slog.Error("discount ingest failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("discount ingest completed successfully")
}

func run(ctx context.Context, opts options) error {
	files, err := filepath.Glob(opts.pattern)
	if err != nil {
		return errors.Wrap(err, "match files")
	}
	if len(files) == 0 {
		return errors.Errorf("no files match %s", opts.pattern)
	}

	var (
		st       store = discardStore{}
		products       = map[string]int64{}
	)
	if !opts.dryRun {
		slog.Info("connecting to database")

		pool, err := repository.NewPool(ctx, opts.databaseURL)
		if err != nil {
			return errors.Wrap(err, "connect to database")
		}
		defer pool.Close()

		if err := repository.RunMigrations(ctx, pool); err != nil {
			return errors.Wrap(err, "run migrations")
		}

		catalog, err := repository.NewProductRepository(pool).List(ctx)
		if err != nil {
			return errors.Wrap(err, "load products")
		}
		for _, p := range catalog {
			products[p.Name] = p.ID
		}

		st = &pgStore{
			discounts: repository.NewDiscountRepository(pool),
			tx:        repository.NewTransactor(pool, repository.TxOptions{Attempts: 3, Backoff: 50 * time.Millisecond}),
		}
	}

	in := &ingester{
		files:     files,
		capacity:  opts.capacity,
		batchSize: opts.batchSize,
		products:  products,
		resolve:   !opts.dryRun,
		store:     st,
	}
	stats, err := in.ingest(ctx)
	if err != nil {
		return err
	}

	slog.Info("ingest summary",
		slog.Int("files", len(files)),
		slog.Int("written", stats.written),
		slog.Int("invalid", stats.invalid),
		slog.Int("conflicts", stats.conflicts),
	)
	return nil
}

type stats struct {
	written   int
	invalid   int
	conflicts int
}

type ingester struct {
	files     []string
	capacity  uint
	batchSize int
	products  map[string]int64
	resolve   bool
	store     store

	mu       sync.Mutex
	stats    stats
	suspects map[string][]row
}

func (in *ingester) ingest(ctx context.Context) (stats, error) {
	slog.Info("pass 1: building bloom filters", slog.Int("files", len(in.files)))

	filters, dups, err := in.buildFilters(ctx)
	if err != nil {
		return stats{}, errors.Wrap(err, "build bloom filters")
	}

	slog.Info("pass 2: writing discounts")

	in.suspects = make(map[string][]row)
	g, gctx := errgroup.WithContext(ctx)
	for i := range in.files {
		g.Go(func() error {
			return in.writeFile(gctx, i, filters, dups[i])
		})
	}
	if err := g.Wait(); err != nil {
		return stats{}, err
	}

	if err := in.writeSuspects(ctx); err != nil {
		return stats{}, err
	}
	return in.stats, nil
}

// buildFilters returns one filter per file plus, per file, the codes that
// may repeat inside it.
func (in *ingester) buildFilters(ctx context.Context) ([]*bloom.BloomFilter, []map[string]struct{}, error) {
	filters := make([]*bloom.BloomFilter, len(in.files))
	dups := make([]map[string]struct{}, len(in.files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range in.files {
		g.Go(func() error {
			filter := bloom.NewWithEstimates(in.capacity, bloomFPR)
			repeated := make(map[string]struct{})
			var count int

			err := streamFile(ctx, path, func(_ int, rec []string) {
				d, _, err := parseRow(rec)
				if err != nil {
					return
				}
				if filter.TestAndAddString(d.Code) {
					repeated[d.Code] = struct{}{}
				}
				count++
			})
			if err != nil {
				return errors.Wrapf(err, "build filter for %s", path)
			}

			slog.Info("pass 1 complete", slog.String("file", path), slog.Int("codes", count))
			filters[i], dups[i] = filter, repeated
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return filters, dups, nil
}

func (in *ingester) writeFile(ctx context.Context, idx int, filters []*bloom.BloomFilter, repeated map[string]struct{}) error {
	path := in.files[idx]
	batch := make([]discount.Discount, 0, in.batchSize)
	var written, invalid int

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := in.store.UpsertBatch(ctx, batch); err != nil {
			return err
		}
		written += len(batch)
		batch = batch[:0]
		return nil
	}

	var flushErr error
	err := streamFile(ctx, path, func(line int, rec []string) {
		if flushErr != nil {
			return
		}
		d, names, err := parseRow(rec)
		if errors.Is(err, errHeader) {
			return
		}
		if err == nil && in.resolve {
			err = resolveProducts(&d, names, in.products)
		}
		if err != nil {
			invalid++
			slog.Warn("skipping invalid row", slog.String("file", path), slog.Int("line", line), slog.String("error", err.Error()))
			return
		}

		if in.suspect(idx, d.Code, filters, repeated) {
			in.mu.Lock()
			in.suspects[d.Code] = append(in.suspects[d.Code], row{file: idx, line: line, discount: d, products: names})
			in.mu.Unlock()
			return
		}

		batch = append(batch, d)
		if len(batch) >= in.batchSize {
			flushErr = flush()
		}
		if (written+len(batch))%progressEvery == 0 {
			slog.Info("pass 2 progress", slog.String("file", path), slog.Int("written", written+len(batch)))
		}
	})
	if err == nil {
		err = flushErr
	}
	if err == nil {
		err = flush()
	}
	if err != nil {
		return errors.Wrapf(err, "write %s", path)
	}

	slog.Info("pass 2 complete", slog.String("file", path), slog.Int("written", written), slog.Int("invalid", invalid))

	in.mu.Lock()
	in.stats.written += written
	in.stats.invalid += invalid
	in.mu.Unlock()
	return nil
}

// suspect reports whether code may be defined more than once.
func (in *ingester) suspect(idx int, code string, filters []*bloom.BloomFilter, repeated map[string]struct{}) bool {
	if _, ok := repeated[code]; ok {
		return true
	}
	for j, f := range filters {
		if j != idx && f.TestString(code) {
			return true
		}
	}
	return false
}

// writeSuspects upserts the set-aside codes that turned out to be bloom
// false positives and reports the real conflicts.
func (in *ingester) writeSuspects(ctx context.Context) error {
	var unique []discount.Discount
	for code, rows := range in.suspects {
		if len(rows) == 1 {
			unique = append(unique, rows[0].discount)
			continue
		}
		in.stats.conflicts++
		locations := make([]string, len(rows))
		for i, r := range rows {
			locations[i] = in.files[r.file] + ":" + strconv.Itoa(r.line)
		}
		slog.Warn("skipping code defined more than once", slog.String("code", code), slog.Any("at", locations))
	}

	for start := 0; start < len(unique); start += in.batchSize {
		end := min(start+in.batchSize, len(unique))
		if err := in.store.UpsertBatch(ctx, unique[start:end]); err != nil {
			return errors.Wrap(err, "write set-aside codes")
		}
	}
	in.stats.written += len(unique)
	return nil
}

// streamFile decodes a gzip-compressed CSV file and calls fn for every
// record with its 1-based line number.
func streamFile(ctx context.Context, path string, fn func(line int, rec []string)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	r := csv.NewReader(gz)
	r.FieldsPerRecord = -1
	r.ReuseRecord = true
	for line := 1; ; line++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "read %s", path)
		}
		fn(line, rec)
	}
}

// pgStore upserts each batch in one transaction.
type pgStore struct {
	discounts *repository.DiscountRepository
	tx        *repository.Transactor
}

func (s *pgStore) UpsertBatch(ctx context.Context, ds []discount.Discount) error {
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		for _, d := range ds {
			if _, err := s.discounts.Upsert(ctx, d); err != nil {
				return err
			}
		}
		return nil
	})
}

type discardStore struct{}

func (discardStore) UpsertBatch(context.Context, []discount.Discount) error { return nil }
