// Package outbox records order events in the checkout transaction and relays
// them to Kafka afterwards.
package outbox

import (
	"context"
	"time"

	"github.com/go-faster/jx"
	"github.com/google/uuid"

	"github.com/xenking/digigoods-checkout/internal/domain/order"
)

// DefaultTopic receives order.created events unless configured otherwise.
const DefaultTopic = "order.created"

// Event is a message waiting to be published.
type Event struct {
	ID      string
	Topic   string
	Key     string
	Payload []byte
}

// Record is a stored Event.
type Record struct {
	Event
	Seq       int64
	CreatedAt time.Time
}

// Store persists events. Insert must join the transaction bound to ctx.
type Store interface {
	Insert(ctx context.Context, e Event) error
	FetchPending(ctx context.Context, limit int) ([]Record, error)
	MarkSent(ctx context.Context, seq int64) error
}

var _ order.Events = (*Writer)(nil)

// Writer turns committed orders into outbox events.
type Writer struct {
	store Store
	topic string
}

// NewWriter returns a Writer publishing to topic.
func NewWriter(store Store, topic string) *Writer {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Writer{store: store, topic: topic}
}

// OrderCreated stores an event describing o, keyed by the order id.
func (w *Writer) OrderCreated(ctx context.Context, o *order.Order) error {
	return w.store.Insert(ctx, Event{
		ID:      uuid.New().String(),
		Topic:   w.topic,
		Key:     o.ID,
		Payload: EncodeOrder(o),
	})
}

// EncodeOrder renders o as the JSON event payload.
func EncodeOrder(o *order.Order) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("orderId")
	e.Str(o.ID)
	e.FieldStart("userId")
	e.Int64(o.UserID)
	e.FieldStart("productIds")
	encodeIDs(&e, o.ProductIDs)
	e.FieldStart("discountIds")
	encodeIDs(&e, o.DiscountIDs)
	e.FieldStart("originalSubtotal")
	e.Raw([]byte(o.OriginalSubtotal.StringFixed(2)))
	e.FieldStart("finalPrice")
	e.Raw([]byte(o.FinalPrice.StringFixed(2)))
	e.FieldStart("createdAt")
	e.Str(o.CreatedAt.UTC().Format(time.RFC3339Nano))
	e.ObjEnd()
	return e.Bytes()
}

func encodeIDs(e *jx.Encoder, ids []int64) {
	e.ArrStart()
	for _, id := range ids {
		e.Int64(id)
	}
	e.ArrEnd()
}
