package orderqueue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-posync/localstore"
	"github.com/mobiletoly/go-posync/posapi"
)

func newTestQueue(t *testing.T) (*Queue, *localstore.Store) {
	t.Helper()
	s, err := localstore.New(localstore.DefaultConfig(
		filepath.Join(t.TempDir(), "queue.db"), 1, []localstore.CollectionSchema{CollectionSchema()}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return NewQueue(s, nil), s
}

func sampleOrder(customerID int64) NewOrder {
	return NewOrder{
		CustomerID:   customerID,
		CustomerName: "Acme",
		Items: []Item{
			{ProductID: 10, Name: "Tea", Quantity: 2, Price: 3.5, BasePrice: 4, UnitType: UnitPiece, PiecesPerBox: 12, VatRate: 9},
			{ProductID: 11, Name: "Cups", Quantity: 1, Price: 20, BasePrice: 20, UnitType: UnitBox, VatRate: 21},
		},
		Subtotal: 27,
		VatTotal: 4.83,
		Total:    31.83,
	}
}

type onlineFlag struct{ v atomic.Bool }

func (o *onlineFlag) IsOnline() bool { return o.v.Load() }

func online() *onlineFlag {
	o := &onlineFlag{}
	o.v.Store(true)
	return o
}

type submitFunc func(ctx context.Context, req posapi.CreateOrderRequest, key string) (*posapi.CreateOrderResponse, error)

func (f submitFunc) CreateOrder(ctx context.Context, req posapi.CreateOrderRequest, key string) (*posapi.CreateOrderResponse, error) {
	return f(ctx, req, key)
}

func accept(context.Context, posapi.CreateOrderRequest, string) (*posapi.CreateOrderResponse, error) {
	return &posapi.CreateOrderResponse{Success: true, OrderID: 1, OrderNumber: "SO-1"}, nil
}

type memMeta struct {
	mu   sync.Mutex
	vals map[string]int64
}

func (m *memMeta) Set(_ context.Context, key string, ts int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.vals == nil {
		m.vals = map[string]int64{}
	}
	m.vals[key] = ts
}

func TestEnqueue(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	q.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }

	id1, err := q.Enqueue(ctx, sampleOrder(7))
	require.NoError(t, err)
	id2, err := q.Enqueue(ctx, sampleOrder(8))
	require.NoError(t, err)
	require.Greater(t, id2, id1)

	o, err := q.Get(ctx, id1)
	require.NoError(t, err)
	require.Equal(t, id1, o.LocalID)
	require.Equal(t, StatusPending, o.SyncStatus)
	require.Zero(t, o.RetryCount)
	require.Equal(t, OrderTypeSale, o.Type)
	require.Equal(t, int64(1_700_000_000_000), o.CreatedAt)
	require.NotEmpty(t, o.ClientRef)
	require.Len(t, o.Items, 2)

	n, err := q.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	byCustomer, err := q.ListByCustomer(ctx, 8)
	require.NoError(t, err)
	require.Len(t, byCustomer, 1)

	_, err = q.Get(ctx, 999)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEnqueueRejectsInvalidOrders(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	bad := []NewOrder{
		{},
		{CustomerID: 1},
		{CustomerID: 1, Type: "gift", Items: sampleOrder(1).Items},
		{CustomerID: 1, Items: []Item{{ProductID: 1, Quantity: 0, UnitType: UnitPiece}}},
		{CustomerID: 1, Items: []Item{{ProductID: 1, Quantity: 1, UnitType: "crate"}}},
	}
	for _, o := range bad {
		_, err := q.Enqueue(ctx, o)
		require.ErrorIs(t, err, ErrInvalidOrder)
	}
	n, err := q.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRequestNormalizesItems(t *testing.T) {
	ref := int64(55)
	o := PendingOrder{
		CustomerID:             3,
		Type:                   OrderTypeReturn,
		ReturnReferenceOrderID: &ref,
		Notes:                  "back door",
		Items:                  []Item{{ProductID: 1, Name: "x", Quantity: 2, Price: 1, BasePrice: 2, UnitType: UnitBox, VatRate: 21}},
	}
	req := o.Request()
	require.Equal(t, "return", req.Type)
	require.Equal(t, &ref, req.ReturnReferenceOrderID)
	require.Equal(t, []posapi.OrderItem{{ProductID: 1, Quantity: 2, Price: 1, BasePrice: 2, UnitType: "box", PiecesPerBox: 1, VatRate: 21}}, req.Items)
	require.NotNil(t, req.AppliedPromotions)

	o.Type = OrderTypeSale
	req = o.Request()
	require.Empty(t, req.Type)
	require.Nil(t, req.ReturnReferenceOrderID)
}

func TestReconcileQueueLifecycle(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	meta := &memMeta{}

	id, err := q.Enqueue(ctx, sampleOrder(7))
	require.NoError(t, err)
	stored, err := q.Get(ctx, id)
	require.NoError(t, err)

	var gotKey string
	api := submitFunc(func(ctx context.Context, req posapi.CreateOrderRequest, key string) (*posapi.CreateOrderResponse, error) {
		gotKey = key
		// The record is marked syncing while the submission is in flight.
		o, err := q.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, StatusSyncing, o.SyncStatus)
		require.Equal(t, int64(7), req.CustomerID)
		return accept(ctx, req, key)
	})
	r := NewReconciler(q, api, online(), Options{Meta: meta})
	counts, cancel := r.Events()
	defer cancel()

	res, err := r.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{Succeeded: 1}, res)
	require.Equal(t, stored.ClientRef, gotKey)

	all, err := q.List(ctx)
	require.NoError(t, err)
	require.Empty(t, all)

	st := r.Status()
	require.Equal(t, StateIdle, st.State)
	require.Zero(t, st.PendingCount)
	require.Empty(t, st.LastError)
	require.False(t, st.LastRun.IsZero())
	require.Contains(t, meta.vals, LastRunKey)
	require.Equal(t, PendingCountChanged{Count: 0}, <-counts)
}

func TestReconcilePartialFailure(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	var ids []int64
	for i := 1; i <= 3; i++ {
		id, err := q.Enqueue(ctx, sampleOrder(int64(i)))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	var seen []int64
	api := submitFunc(func(ctx context.Context, req posapi.CreateOrderRequest, key string) (*posapi.CreateOrderResponse, error) {
		seen = append(seen, req.CustomerID)
		switch req.CustomerID {
		case 1:
			return &posapi.CreateOrderResponse{Success: true}, nil
		case 2:
			return &posapi.CreateOrderResponse{Success: false, Message: "Customer is blocked"}, nil
		default:
			return nil, &posapi.RemoteError{Op: "create order", Kind: posapi.ErrRemoteUnreachable, Err: errors.New("timeout")}
		}
	})
	r := NewReconciler(q, api, online(), Options{})

	res, err := r.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{Succeeded: 1, Failed: 2}, res)
	require.Equal(t, []int64{1, 2, 3}, seen, "orders are submitted in local id order")

	failed, err := q.ListByStatus(ctx, StatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	for _, o := range failed {
		require.Equal(t, 1, o.RetryCount)
	}
	require.Equal(t, ids[1], failed[0].LocalID)
	require.Equal(t, "Customer is blocked", failed[0].SyncError)
	require.Contains(t, failed[1].SyncError, "timeout")

	st := r.Status()
	require.Equal(t, 2, st.PendingCount)
	require.Equal(t, "2 order(s) could not be sent", st.LastError)

	// Failed orders are retried on the next pass.
	r.api = submitFunc(accept)
	res, err = r.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{Succeeded: 2}, res)
	require.Empty(t, r.Status().LastError)
	require.Zero(t, r.PendingCount())
}

func TestReconcileSkipsSyncingRecords(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	stuck, err := q.Enqueue(ctx, sampleOrder(1))
	require.NoError(t, err)
	o, err := q.Get(ctx, stuck)
	require.NoError(t, err)
	o.SyncStatus = StatusSyncing
	require.NoError(t, q.Update(ctx, o))

	_, err = q.Enqueue(ctx, sampleOrder(2))
	require.NoError(t, err)

	var submitted []int64
	api := submitFunc(func(ctx context.Context, req posapi.CreateOrderRequest, key string) (*posapi.CreateOrderResponse, error) {
		submitted = append(submitted, req.CustomerID)
		return accept(ctx, req, key)
	})
	r := NewReconciler(q, api, online(), Options{})
	res, err := r.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{Succeeded: 1}, res)
	require.Equal(t, []int64{2}, submitted)

	left, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, left, 1)
	require.Equal(t, StatusSyncing, left[0].SyncStatus)

	// A manual requeue releases it for the next pass.
	require.NoError(t, q.Requeue(ctx, stuck))
	res, err = r.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{Succeeded: 1}, res)
}

func TestReconcileRecordsFailureWhenContextCancelled(t *testing.T) {
	q, _ := newTestQueue(t)
	first, err := q.Enqueue(context.Background(), sampleOrder(1))
	require.NoError(t, err)
	second, err := q.Enqueue(context.Background(), sampleOrder(2))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls int
	api := submitFunc(func(ctx context.Context, req posapi.CreateOrderRequest, key string) (*posapi.CreateOrderResponse, error) {
		calls++
		cancel()
		return nil, ctx.Err()
	})
	r := NewReconciler(q, api, online(), Options{})
	res, err := r.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{Failed: 1}, res)
	require.Equal(t, 1, calls, "the pass stops before the next order")

	o, err := q.Get(context.Background(), first)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, o.SyncStatus)
	require.Equal(t, 1, o.RetryCount)
	require.Equal(t, context.Canceled.Error(), o.SyncError)

	o, err = q.Get(context.Background(), second)
	require.NoError(t, err)
	require.Equal(t, StatusPending, o.SyncStatus)
	require.Equal(t, 2, r.PendingCount())

	r = NewReconciler(q, submitFunc(accept), online(), Options{})
	res, err = r.Reconcile(context.Background())
	require.NoError(t, err)
	require.Equal(t, Result{Succeeded: 2}, res)
	n, err := q.Count(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestReconcileIsNotReentrant(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, sampleOrder(1))
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	api := submitFunc(func(ctx context.Context, req posapi.CreateOrderRequest, key string) (*posapi.CreateOrderResponse, error) {
		close(entered)
		<-release
		return accept(ctx, req, key)
	})
	r := NewReconciler(q, api, online(), Options{})

	done := make(chan Result)
	go func() {
		res, _ := r.Reconcile(ctx)
		done <- res
	}()
	<-entered
	require.Equal(t, StateRunning, r.State())

	res, err := r.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{}, res)

	close(release)
	require.Equal(t, Result{Succeeded: 1}, <-done)
	require.Equal(t, StateIdle, r.State())
}

type sessionFunc func(context.Context) bool

func (f sessionFunc) SessionActive(ctx context.Context) bool { return f(ctx) }

func TestReconcileSkipsWhenOfflineOrSignedOut(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, sampleOrder(1))
	require.NoError(t, err)

	calls := 0
	api := submitFunc(func(ctx context.Context, req posapi.CreateOrderRequest, key string) (*posapi.CreateOrderResponse, error) {
		calls++
		return accept(ctx, req, key)
	})

	net := &onlineFlag{}
	r := NewReconciler(q, api, net, Options{})
	res, err := r.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{}, res)

	net.v.Store(true)
	r = NewReconciler(q, api, net, Options{Session: sessionFunc(func(context.Context) bool { return false })})
	res, err = r.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{}, res)
	require.Zero(t, calls)

	n, err := q.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestRequeueRejectsPending(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	id, err := q.Enqueue(ctx, sampleOrder(1))
	require.NoError(t, err)

	require.NoError(t, q.Requeue(ctx, id), "pending is already eligible")

	o, err := q.Get(ctx, id)
	require.NoError(t, err)
	o.SyncStatus = StatusSynced
	require.NoError(t, q.Update(ctx, o))
	require.ErrorIs(t, q.Requeue(ctx, id), ErrInvalidOrder)

	require.ErrorIs(t, q.Requeue(ctx, 404), ErrNotFound)
}

type countingRecorder struct {
	succeeded, failed, pending int
}

func (c *countingRecorder) RecordReconcile(_ context.Context, s, f int, _ time.Duration) {
	c.succeeded += s
	c.failed += f
}
func (c *countingRecorder) RecordPending(_ context.Context, n int) { c.pending = n }

func TestReconcileReportsToRecorder(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, sampleOrder(1))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, sampleOrder(2))
	require.NoError(t, err)

	rec := &countingRecorder{}
	api := submitFunc(func(ctx context.Context, req posapi.CreateOrderRequest, key string) (*posapi.CreateOrderResponse, error) {
		if req.CustomerID == 2 {
			return nil, errors.New("connection reset")
		}
		return accept(ctx, req, key)
	})
	r := NewReconciler(q, api, online(), Options{Recorder: rec})
	_, err = r.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, &countingRecorder{succeeded: 1, failed: 1, pending: 1}, rec)
}
