package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"possync/internal/domain/sync"
	"possync/internal/infrastructure/storage/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  gosync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestQueue(t *testing.T, maxRetries int) (*Queue, *testClock) {
	t.Helper()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := &testClock{now: t0}
	q, err := New(context.Background(), db, Config{MaxRetries: maxRetries, Now: clock.Now},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return q, clock
}

func productCreate(localID, name string) *Operation {
	return &Operation{
		LocalID:    localID,
		EntityType: sync.EntityProduct,
		Kind:       sync.OpCreate,
		Payload:    json.RawMessage(`{"name":"` + name + `","price_cents":100}`),
	}
}

func productUpdate(localID, entityID, entityRef, name string) *Operation {
	base := t0
	return &Operation{
		LocalID:       localID,
		EntityType:    sync.EntityProduct,
		EntityID:      entityID,
		EntityRef:     entityRef,
		Kind:          sync.OpUpdate,
		Payload:       json.RawMessage(`{"name":"` + name + `","price_cents":150}`),
		BaseUpdatedAt: &base,
	}
}

func localIDs(ops []Operation) []string {
	ids := make([]string, 0, len(ops))
	for _, op := range ops {
		ids = append(ids, op.LocalID)
	}
	return ids
}

func TestQueue_EnqueueDefaults(t *testing.T) {
	q, _ := newTestQueue(t, 0)
	ctx := context.Background()

	op := productCreate("", "Milk")
	require.NoError(t, q.Enqueue(ctx, op))

	assert.NotEmpty(t, op.LocalID)
	assert.Equal(t, op.LocalID, op.EntityRef)

	stored, err := q.Get(ctx, op.LocalID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)
	assert.Equal(t, DefaultMaxRetries, stored.MaxRetries)
	assert.Equal(t, DefaultPriority(sync.EntityProduct), stored.Priority)
	assert.True(t, t0.Equal(stored.ClientTimestamp))
	assert.True(t, t0.Equal(stored.ScheduledAt))
	assert.JSONEq(t, `{"name":"Milk","price_cents":100}`, string(stored.Payload))
}

func TestQueue_EnqueueDuplicate(t *testing.T) {
	q, _ := newTestQueue(t, 0)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, productCreate("l1", "Milk")))
	err := q.Enqueue(ctx, productCreate("l1", "Bread"))
	assert.ErrorIs(t, err, ErrDuplicateOperation)

	ops, err := q.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Contains(t, string(ops[0].Payload), "Milk")
}

func TestQueue_EnqueueInvalid(t *testing.T) {
	q, _ := newTestQueue(t, 0)
	ctx := context.Background()

	tests := []struct {
		name string
		op   *Operation
	}{
		{name: "entity type", op: &Operation{EntityType: "CUSTOMER", Kind: sync.OpCreate}},
		{name: "kind", op: &Operation{EntityType: sync.EntityProduct, Kind: "UPSERT"}},
		{name: "update without target", op: &Operation{EntityType: sync.EntityProduct, Kind: sync.OpUpdate, Payload: json.RawMessage(`{"name":"x"}`)}},
		{name: "payload", op: &Operation{EntityType: sync.EntityProduct, Kind: sync.OpCreate, Payload: json.RawMessage(`{"title":"x"}`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, q.Enqueue(ctx, tt.op), ErrInvalidOperation)
		})
	}
}

func TestQueue_NextBatchOrdering(t *testing.T) {
	q, clock := newTestQueue(t, 0)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, productCreate("p1", "Milk")))
	clock.Advance(time.Second)
	require.NoError(t, q.Enqueue(ctx, &Operation{
		LocalID:    "s1",
		EntityType: sync.EntitySale,
		Kind:       sync.OpCreate,
		Payload:    json.RawMessage(`{"receipt_no":"R-1","items":[{"product_id":"srv-9","quantity":1,"unit_price_cents":100}],"total_cents":100}`),
	}))
	clock.Advance(time.Second)
	require.NoError(t, q.Enqueue(ctx, productCreate("p2", "Bread")))

	batch, err := q.NextBatch(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "p1", "p2"}, localIDs(batch))
	for _, op := range batch {
		assert.Equal(t, StatusInFlight, op.Status)
	}

	again, err := q.NextBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestQueue_NextBatchLimit(t *testing.T) {
	q, clock := newTestQueue(t, 0)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, productCreate(id, "Item "+id)))
		clock.Advance(time.Millisecond)
	}

	batch, err := q.NextBatch(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, localIDs(batch))

	rest, err := q.NextBatch(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, localIDs(rest))
}

func TestQueue_OneOperationPerEntity(t *testing.T) {
	q, clock := newTestQueue(t, 0)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, productUpdate("u1", "srv-1", "", "Milk 1")))
	clock.Advance(time.Second)
	require.NoError(t, q.Enqueue(ctx, productUpdate("u2", "srv-1", "", "Milk 2")))

	batch, err := q.NextBatch(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, localIDs(batch))

	updatedAt := t0.Add(time.Minute)
	require.NoError(t, q.MarkSynced(ctx, "u1", "srv-1", &updatedAt))

	batch, err = q.NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"u2"}, localIDs(batch))
	require.NotNil(t, batch[0].BaseUpdatedAt)
	assert.True(t, updatedAt.Equal(*batch[0].BaseUpdatedAt), "base advanced to the result of the previous op")
}

func TestQueue_DependentsWaitForCreate(t *testing.T) {
	q, clock := newTestQueue(t, 0)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, productCreate("p1", "Milk")))
	clock.Advance(time.Second)
	require.NoError(t, q.Enqueue(ctx, &Operation{
		LocalID:    "u1",
		EntityType: sync.EntityProduct,
		EntityRef:  "p1",
		Kind:       sync.OpUpdate,
		Payload:    json.RawMessage(`{"name":"Milk 2%"}`),
	}))
	clock.Advance(time.Second)
	require.NoError(t, q.Enqueue(ctx, &Operation{
		LocalID:    "m1",
		EntityType: sync.EntityStockMovement,
		Kind:       sync.OpCreate,
		Payload:    json.RawMessage(`{"product_id":"p1","quantity":5,"reason":"delivery"}`),
	}))

	batch, err := q.NextBatch(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, localIDs(batch), "update and movement wait for the create")

	updatedAt := t0.Add(time.Minute)
	require.NoError(t, q.MarkSynced(ctx, "p1", "srv-1", &updatedAt))

	batch, err = q.NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"m1", "u1"}, localIDs(batch))

	movement, update := batch[0], batch[1]
	assert.JSONEq(t, `{"product_id":"srv-1","quantity":5,"reason":"delivery"}`, string(movement.Payload))
	assert.Equal(t, "srv-1", update.EntityID)
	require.NotNil(t, update.BaseUpdatedAt)
	assert.True(t, updatedAt.Equal(*update.BaseUpdatedAt))
}

func TestQueue_MarkFailedBackoffAndMaxRetries(t *testing.T) {
	q, clock := newTestQueue(t, 3)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, productCreate("p1", "Milk")))

	for attempt := 1; attempt < 3; attempt++ {
		batch, err := q.NextBatch(ctx, 10)
		require.NoError(t, err)
		require.Len(t, batch, 1, "attempt %d", attempt)

		status, err := q.MarkFailed(ctx, "p1", errors.New("timeout"))
		require.NoError(t, err)
		assert.Equal(t, StatusPending, status)

		op, err := q.Get(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, attempt, op.RetryCount)
		wantDelay := Backoff(attempt, DefaultBackoffBase, DefaultBackoffMax)
		assert.True(t, clock.Now().Add(wantDelay).Equal(op.ScheduledAt))

		early, err := q.NextBatch(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, early, "not eligible before scheduled_at")

		clock.Advance(wantDelay)
	}

	batch, err := q.NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	status, err := q.MarkFailed(ctx, "p1", errors.New("timeout"))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)

	op, err := q.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, op.RetryCount)
	assert.Contains(t, op.ErrorMessage, ErrMaxRetriesExceeded.Error())

	clock.Advance(time.Hour)
	batch, err = q.NextBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch, "failed operations are never retried automatically")
}

func TestQueue_RejectedCreateCascades(t *testing.T) {
	q, clock := newTestQueue(t, 0)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, productCreate("p1", "Milk")))
	clock.Advance(time.Second)
	require.NoError(t, q.Enqueue(ctx, &Operation{
		LocalID:    "u1",
		EntityType: sync.EntityProduct,
		EntityRef:  "p1",
		Kind:       sync.OpUpdate,
		Payload:    json.RawMessage(`{"name":"Milk 2%"}`),
	}))
	require.NoError(t, q.Enqueue(ctx, productCreate("p2", "Bread")))

	_, err := q.NextBatch(ctx, 10)
	require.NoError(t, err)
	require.NoError(t, q.MarkRejected(ctx, "p1", "invalid_payload: name is required"))

	p1, err := q.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, p1.Status)
	assert.Equal(t, 0, p1.RetryCount)

	u1, err := q.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, u1.Status)
	assert.Contains(t, u1.ErrorMessage, "p1")

	require.NoError(t, q.MarkSynced(ctx, "p2", "srv-2", nil))
	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Synced: 1, Failed: 2}, counts)
}

func TestQueue_EnqueueAgainstFailedCreate(t *testing.T) {
	q, _ := newTestQueue(t, 0)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, productCreate("c1", "Milk")))
	require.NoError(t, q.Enqueue(ctx, productCreate("c2", "Bread")))
	_, err := q.NextBatch(ctx, 10)
	require.NoError(t, err)
	require.NoError(t, q.MarkRejected(ctx, "c1", "invalid_payload: name is required"))
	require.NoError(t, q.MarkSynced(ctx, "c2", "srv-2", nil))

	err = q.Enqueue(ctx, productUpdate("u1", "", "c1", "Milk"))
	assert.ErrorIs(t, err, ErrDependencyFailed)
	_, err = q.Get(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, q.Enqueue(ctx, productUpdate("u2", "", "c2", "Bread")))
	u2, err := q.Get(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, "srv-2", u2.EntityID, "ref to a synced create resolves at enqueue")
}

func TestQueue_NextBatchFailsOrphans(t *testing.T) {
	q, _ := newTestQueue(t, 0)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, productUpdate("u1", "", "ghost", "Milk")))
	require.NoError(t, q.Enqueue(ctx, productCreate("c1", "Bread")))
	require.NoError(t, q.Enqueue(ctx, productUpdate("u2", "", "c1", "Bread 2")))

	for i := 0; i < 3; i++ {
		batch, err := q.NextBatch(ctx, 10)
		require.NoError(t, err)
		assert.NotContains(t, localIDs(batch), "u1")
		_, err = q.RecoverInFlight(ctx)
		require.NoError(t, err)
	}

	u1, err := q.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, u1.Status)
	assert.Contains(t, u1.ErrorMessage, "ghost")

	u2, err := q.Get(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, u2.Status, "ops behind a pending create keep waiting")
}

func TestQueue_MarkConflict(t *testing.T) {
	q, _ := newTestQueue(t, 0)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, productUpdate("u1", "srv-1", "", "Milk")))
	_, err := q.NextBatch(ctx, 10)
	require.NoError(t, err)

	require.NoError(t, q.MarkConflict(ctx, "u1", "c-1", "VERSION_MISMATCH"))

	op, err := q.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, StatusConflict, op.Status)
	assert.Equal(t, "c-1", op.ConflictID)
}

func TestQueue_InvalidTransitions(t *testing.T) {
	q, _ := newTestQueue(t, 0)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, productCreate("p1", "Milk")))

	assert.ErrorIs(t, q.MarkSynced(ctx, "p1", "srv-1", nil), ErrInvalidTransition, "pending cannot become synced")
	_, err := q.MarkFailed(ctx, "p1", errors.New("x"))
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, q.Requeue(ctx, "p1"), ErrInvalidTransition)
	assert.ErrorIs(t, q.MarkSynced(ctx, "missing", "srv-1", nil), ErrNotFound)

	_, err = q.NextBatch(ctx, 10)
	require.NoError(t, err)
	require.NoError(t, q.MarkSynced(ctx, "p1", "srv-1", nil))
	assert.ErrorIs(t, q.MarkConflict(ctx, "p1", "c", "x"), ErrInvalidTransition, "synced is terminal")
}

func TestQueue_RecoverInFlightAndRequeue(t *testing.T) {
	q, _ := newTestQueue(t, 0)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, productCreate("p1", "Milk")))
	require.NoError(t, q.Enqueue(ctx, productCreate("p2", "Bread")))
	_, err := q.NextBatch(ctx, 10)
	require.NoError(t, err)
	require.NoError(t, q.MarkRejected(ctx, "p2", "rejected"))

	n, err := q.RecoverInFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p1, err := q.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, p1.Status)
	assert.Equal(t, 0, p1.RetryCount, "crash recovery does not consume a retry")

	require.NoError(t, q.Requeue(ctx, "p2"))
	p2, err := q.Get(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, p2.Status)
	assert.Empty(t, p2.ErrorMessage)

	batch, err := q.NextBatch(ctx, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"p1", "p2"}, localIDs(batch))
}

func TestQueue_ListFilter(t *testing.T) {
	q, _ := newTestQueue(t, 0)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, productCreate("p1", "Milk")))
	require.NoError(t, q.Enqueue(ctx, productCreate("p2", "Bread")))
	_, err := q.NextBatch(ctx, 1)
	require.NoError(t, err)

	pending, err := q.List(ctx, Filter{Status: StatusPending})
	require.NoError(t, err)
	assert.Equal(t, []string{"p2"}, localIDs(pending))

	limited, err := q.List(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, localIDs(limited))

	sales, err := q.List(ctx, Filter{EntityType: sync.EntitySale})
	require.NoError(t, err)
	assert.Empty(t, sales)
}

func TestQueue_RewriteReferences(t *testing.T) {
	q, _ := newTestQueue(t, 0)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &Operation{
		LocalID:    "d1",
		EntityType: sync.EntityProduct,
		EntityRef:  "loc-1",
		Kind:       sync.OpDelete,
	}))
	require.NoError(t, q.Enqueue(ctx, &Operation{
		LocalID:    "s1",
		EntityType: sync.EntitySale,
		Kind:       sync.OpCreate,
		Payload:    json.RawMessage(`{"receipt_no":"R-1","items":[{"product_id":"loc-1","quantity":1,"unit_price_cents":100}],"total_cents":100}`),
	}))
	require.NoError(t, q.Enqueue(ctx, productCreate("p9", "Unrelated")))

	n, err := q.RewriteReferences(ctx, "loc-1", "srv-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	d1, err := q.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "srv-1", d1.EntityID)

	s1, err := q.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Contains(t, string(s1.Payload), `"product_id":"srv-1"`)

	n, err = q.RewriteReferences(ctx, "loc-1", "srv-1")
	require.NoError(t, err)
	assert.Zero(t, n, "rewrite is idempotent")
}

func TestReplaceJSONString(t *testing.T) {
	in := json.RawMessage(`{"product_id":"loc-1","note":"loc-1 is here","items":[{"product_id":"loc-1","quantity":2}]}`)
	out := replaceJSONString(in, "loc-1", "srv-1")

	assert.JSONEq(t, `{"product_id":"srv-1","note":"loc-1 is here","items":[{"product_id":"srv-1","quantity":2}]}`, string(out))
}
