package outbox

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/digigoods-checkout/internal/domain/order"
)

type memStore struct {
	mu       sync.Mutex
	records  []Record
	sent     []int64
	fetchErr error
}

func (m *memStore) Insert(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, Record{Event: e, Seq: int64(len(m.records) + 1), CreatedAt: time.Now()})
	return nil
}

func (m *memStore) FetchPending(_ context.Context, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	var out []Record
	for _, r := range m.records {
		if !slices.Contains(m.sent, r.Seq) && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) MarkSent(_ context.Context, seq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, seq)
	return nil
}

func (m *memStore) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type recordingPublisher struct {
	keys   []string
	failOn string
}

func (p *recordingPublisher) Publish(_ context.Context, topic, key string, _ []byte) error {
	if key == p.failOn {
		return errors.New("broker unavailable")
	}
	p.keys = append(p.keys, topic+"/"+key)
	return nil
}

func testOrder(id string) *order.Order {
	return &order.Order{
		ID:               id,
		UserID:           1,
		ProductIDs:       []int64{1, 2, 2},
		DiscountIDs:      []int64{5},
		OriginalSubtotal: decimal.RequireFromString("150"),
		FinalPrice:       decimal.RequireFromString("120.5"),
		CreatedAt:        time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC),
	}
}

func TestEncodeOrder(t *testing.T) {
	got := EncodeOrder(testOrder("o-1"))

	assert.JSONEq(t, `{
		"orderId": "o-1",
		"userId": 1,
		"productIds": [1, 2, 2],
		"discountIds": [5],
		"originalSubtotal": 150.00,
		"finalPrice": 120.50,
		"createdAt": "2025-06-15T12:00:00Z"
	}`, string(got))
	assert.Contains(t, string(got), `"finalPrice":120.50`)
}

func TestEncodeOrder_NoDiscounts(t *testing.T) {
	o := testOrder("o-2")
	o.DiscountIDs = nil

	assert.Contains(t, string(EncodeOrder(o)), `"discountIds":[]`)
}

func TestWriter_OrderCreated(t *testing.T) {
	store := &memStore{}
	w := NewWriter(store, "")

	require.NoError(t, w.OrderCreated(context.Background(), testOrder("o-1")))

	require.Len(t, store.records, 1)
	rec := store.records[0]
	assert.Equal(t, DefaultTopic, rec.Topic)
	assert.Equal(t, "o-1", rec.Key)
	assert.NotEmpty(t, rec.ID)
	assert.JSONEq(t, string(EncodeOrder(testOrder("o-1"))), string(rec.Payload))
}

func TestRelay_Flush(t *testing.T) {
	store := &memStore{}
	w := NewWriter(store, "orders")
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, w.OrderCreated(context.Background(), testOrder(id)))
	}

	pub := &recordingPublisher{failOn: "b"}
	relay := NewRelay(store, pub, time.Second, 10)

	n, err := relay.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"orders/a"}, pub.keys)
	assert.Equal(t, []int64{1}, store.sent)

	pub.failOn = ""
	n, err = relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"orders/a", "orders/b", "orders/c"}, pub.keys)

	n, err = relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRelay_FlushFetchError(t *testing.T) {
	store := &memStore{fetchErr: errors.New("db down")}
	relay := NewRelay(store, &recordingPublisher{}, time.Second, 0)

	_, err := relay.Flush(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch pending events")
}

func TestRelay_RunStopsOnCancel(t *testing.T) {
	store := &memStore{}
	require.NoError(t, NewWriter(store, "orders").OrderCreated(context.Background(), testOrder("a")))
	pub := &recordingPublisher{}
	relay := NewRelay(store, pub, 10*time.Millisecond, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	require.Eventually(t, func() bool { return store.sentCount() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestRelay_RunWithZeroInterval(t *testing.T) {
	store := &memStore{}
	require.NoError(t, NewWriter(store, "orders").OrderCreated(context.Background(), testOrder("a")))
	relay := NewRelay(store, &recordingPublisher{}, 0, 10)
	assert.Equal(t, time.Second, relay.interval)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	require.Eventually(t, func() bool { return store.sentCount() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
