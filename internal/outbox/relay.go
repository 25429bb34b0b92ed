package outbox

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// Publisher delivers an event to the message broker.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

// Relay moves pending outbox events to a Publisher.
type Relay struct {
	store     Store
	pub       Publisher
	interval  time.Duration
	batchSize int
}

// NewRelay creates a Relay that polls store every interval. A non-positive
// interval falls back to one second.
func NewRelay(store Store, pub Publisher, interval time.Duration, batchSize int) *Relay {
	if interval <= 0 {
		interval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Relay{store: store, pub: pub, interval: interval, batchSize: batchSize}
}

// Run flushes pending events until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	lg := zctx.From(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if n, err := r.Flush(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			lg.Warn("Outbox flush failed", zap.Int("sent", n), zap.Error(err))
		} else if n > 0 {
			lg.Debug("Outbox flushed", zap.Int("sent", n))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Flush publishes one batch in order and returns how many events were sent.
// It stops at the first failure so events are never published out of order.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	records, err := r.store.FetchPending(ctx, r.batchSize)
	if err != nil {
		return 0, errors.Wrap(err, "fetch pending events")
	}

	for i, rec := range records {
		if err := r.pub.Publish(ctx, rec.Topic, rec.Key, rec.Payload); err != nil {
			return i, errors.Wrapf(err, "publish event %s", rec.ID)
		}
		if err := r.store.MarkSent(ctx, rec.Seq); err != nil {
			return i, errors.Wrapf(err, "mark event %s sent", rec.ID)
		}
	}
	return len(records), nil
}
