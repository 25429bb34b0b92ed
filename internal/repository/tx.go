package repository

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xenking/digigoods-checkout/internal/domain/order"
)

// SQLSTATE codes after which the whole transaction may simply be run again.
const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
)

var _ order.Transactor = (*Transactor)(nil)

// TxOptions tunes Transactor.
type TxOptions struct {
	// Attempts is the total number of tries for a unit of work that keeps
	// failing with a serialization failure or deadlock.
	Attempts int
	// Backoff is multiplied by the attempt number between tries.
	Backoff time.Duration
	// Timeout bounds a single attempt. Zero means no limit.
	Timeout time.Duration
}

type beginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// Transactor runs units of work in a database transaction.
type Transactor struct {
	db   beginner
	opts TxOptions
}

// NewTransactor returns a Transactor over db, usually a *pgxpool.Pool.
func NewTransactor(db beginner, opts TxOptions) *Transactor {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	return &Transactor{db: db, opts: opts}
}

// InTx runs fn in a transaction that is committed if fn returns nil and
// rolled back otherwise. Repositories given the context passed to fn use the
// transaction. A call made while a transaction is already bound to ctx joins
// it instead of starting a new one.
func (t *Transactor) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}

	for attempt := 1; ; attempt++ {
		err := t.run(ctx, fn)
		if err == nil || !isRetryable(err) || attempt >= t.opts.Attempts {
			return err
		}

		delay := time.Duration(attempt) * t.opts.Backoff
		zctx.From(ctx).Warn("Transaction conflict, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (t *Transactor) run(ctx context.Context, fn func(ctx context.Context) error) error {
	if t.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.Timeout)
		defer cancel()
	}

	tx, err := t.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit transaction")
	}
	return nil
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == sqlStateSerializationFailure || pgErr.Code == sqlStateDeadlockDetected
}
