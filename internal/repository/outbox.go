package repository

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/digigoods-checkout/internal/outbox"
)

const (
	insertOutboxSQL = `INSERT INTO outbox (event_id, topic, key, payload) VALUES ($1, $2, $3, $4)`

	fetchPendingOutboxSQL = `SELECT id, event_id, topic, key, payload, created_at
		FROM outbox WHERE sent_at IS NULL ORDER BY id LIMIT $1`

	markOutboxSentSQL = `UPDATE outbox SET sent_at = now() WHERE id = $1`
)

var _ outbox.Store = (*OutboxRepository)(nil)

// OutboxRepository implements outbox.Store backed by PostgreSQL.
type OutboxRepository struct {
	pool *pgxpool.Pool
}

// NewOutboxRepository returns an OutboxRepository that uses the given pool.
func NewOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool}
}

// Insert stores an event on the transaction bound to ctx, if any.
func (r *OutboxRepository) Insert(ctx context.Context, e outbox.Event) error {
	if _, err := conn(ctx, r.pool).Exec(ctx, insertOutboxSQL, e.ID, e.Topic, e.Key, e.Payload); err != nil {
		return errors.Wrapf(err, "insert outbox event %s", e.ID)
	}
	return nil
}

// FetchPending returns up to limit unsent events, oldest first.
func (r *OutboxRepository) FetchPending(ctx context.Context, limit int) ([]outbox.Record, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, fetchPendingOutboxSQL, limit)
	if err != nil {
		return nil, errors.Wrap(err, "fetch pending outbox events")
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (outbox.Record, error) {
		var rec outbox.Record
		err := row.Scan(&rec.Seq, &rec.ID, &rec.Topic, &rec.Key, &rec.Payload, &rec.CreatedAt)
		return rec, err
	})
}

// MarkSent flags the event as published.
func (r *OutboxRepository) MarkSent(ctx context.Context, seq int64) error {
	if _, err := conn(ctx, r.pool).Exec(ctx, markOutboxSentSQL, seq); err != nil {
		return errors.Wrapf(err, "mark outbox event %d sent", seq)
	}
	return nil
}
