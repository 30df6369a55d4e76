// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package orderqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mobiletoly/go-posync/internal/notify"
	"github.com/mobiletoly/go-posync/posapi"
)

// LastRunKey is the sync meta key holding the time of the last finished pass.
const LastRunKey = "pending_orders_last_sync"

// recordTimeout bounds the local writes that record an outcome after the
// caller's context is gone.
const recordTimeout = 5 * time.Second

// State is the reconciler's run state.
type State int32

const (
	StateIdle State = iota
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Submitter creates orders on the server.
type Submitter interface {
	CreateOrder(ctx context.Context, order posapi.CreateOrderRequest, idempotencyKey string) (*posapi.CreateOrderResponse, error)
}

// Connectivity reports the current online state.
type Connectivity interface {
	IsOnline() bool
}

// Session reports whether API credentials are usable.
type Session interface {
	SessionActive(ctx context.Context) bool
}

// MetaStore persists the last run timestamp.
type MetaStore interface {
	Set(ctx context.Context, key string, timestampMs int64)
}

// Recorder receives reconciliation outcomes, e.g. for metrics.
type Recorder interface {
	RecordReconcile(ctx context.Context, succeeded, failed int, elapsed time.Duration)
	RecordPending(ctx context.Context, pending int)
}

// Result counts the outcome of one pass.
type Result struct {
	Succeeded int `json:"success"`
	Failed    int `json:"failed"`
}

// PendingCountChanged is published whenever the pending count is refreshed.
type PendingCountChanged struct {
	Count int
}

// Status is a snapshot of the reconciler for display.
type Status struct {
	State        State     `json:"-"`
	StateName    string    `json:"state"`
	PendingCount int       `json:"pending_count"`
	LastRun      time.Time `json:"last_run"`
	LastError    string    `json:"last_error,omitempty"`
}

// Options configures a Reconciler. Only Logger has a default; nil hooks are skipped.
type Options struct {
	Session  Session
	Meta     MetaStore
	Recorder Recorder
	Logger   *slog.Logger
}

// Reconciler submits queued orders, one at a time, in local id order.
type Reconciler struct {
	queue   *Queue
	api     Submitter
	network Connectivity
	opts    Options
	logger  *slog.Logger
	now     func() time.Time

	state atomic.Int32

	mu        sync.RWMutex // guards fields below
	pending   int
	lastRun   time.Time
	lastError string

	events *notify.Hub[PendingCountChanged]
}

// NewReconciler creates a reconciler.
func NewReconciler(queue *Queue, api Submitter, network Connectivity, opts Options) *Reconciler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Reconciler{
		queue:   queue,
		api:     api,
		network: network,
		opts:    opts,
		logger:  opts.Logger,
		now:     time.Now,
		events:  notify.NewHub[PendingCountChanged](0),
	}
}

// Events subscribes to pending count refreshes.
func (r *Reconciler) Events() (<-chan PendingCountChanged, func()) { return r.events.Subscribe() }

// State returns the current run state.
func (r *Reconciler) State() State { return State(r.state.Load()) }

// Status returns a snapshot for display.
func (r *Reconciler) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := r.State()
	return Status{
		State:        st,
		StateName:    st.String(),
		PendingCount: r.pending,
		LastRun:      r.lastRun,
		LastError:    r.lastError,
	}
}

// PendingCount returns the last refreshed pending count.
func (r *Reconciler) PendingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pending
}

// RefreshPendingCount recounts pending and failed orders and publishes the
// result. On a storage failure the previous count is kept.
func (r *Reconciler) RefreshPendingCount(ctx context.Context) int {
	n, err := r.queue.Count(ctx)
	if err != nil {
		r.logger.Warn("failed to refresh pending order count", "error", err)
		return r.PendingCount()
	}
	r.mu.Lock()
	r.pending = n
	r.mu.Unlock()

	r.events.Publish(PendingCountChanged{Count: n})
	if r.opts.Recorder != nil {
		r.opts.Recorder.RecordPending(ctx, n)
	}
	return n
}

// Reconcile runs one pass over pending and failed orders. It returns a zero
// Result without doing anything when a pass is already running, when offline
// or when there is no usable session. A single order's failure never stops
// the pass; the only error returned is a failure to read the queue.
func (r *Reconciler) Reconcile(ctx context.Context) (Result, error) {
	if !r.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		r.logger.Debug("reconcile already running, skipping")
		return Result{}, nil
	}
	defer r.state.Store(int32(StateIdle))

	if !r.network.IsOnline() {
		r.logger.Debug("offline, skipping reconcile")
		return Result{}, nil
	}
	if r.opts.Session != nil && !r.opts.Session.SessionActive(ctx) {
		r.logger.Debug("no active session, skipping reconcile")
		return Result{}, nil
	}

	r.mu.Lock()
	r.lastError = ""
	r.mu.Unlock()

	start := r.now()
	orders, err := r.queue.eligible(ctx)
	if err != nil {
		r.mu.Lock()
		r.lastError = "sync failed: could not read pending orders"
		r.mu.Unlock()
		return Result{}, err
	}

	var res Result
	for i, o := range orders {
		if ctx.Err() != nil {
			r.logger.Info("reconcile interrupted", "remaining", len(orders)-i, "error", ctx.Err())
			break
		}
		if r.submit(ctx, o) {
			res.Succeeded++
		} else {
			res.Failed++
		}
	}

	finished := r.now()
	r.mu.Lock()
	r.lastRun = finished
	if res.Failed > 0 {
		r.lastError = fmt.Sprintf("%d order(s) could not be sent", res.Failed)
	}
	r.mu.Unlock()

	rctx, cancel := recordContext(ctx)
	defer cancel()
	if r.opts.Meta != nil {
		r.opts.Meta.Set(rctx, LastRunKey, finished.UnixMilli())
	}
	r.RefreshPendingCount(rctx)
	if r.opts.Recorder != nil {
		r.opts.Recorder.RecordReconcile(rctx, res.Succeeded, res.Failed, finished.Sub(start))
	}

	if len(orders) > 0 {
		r.logger.Info("reconcile finished", "succeeded", res.Succeeded, "failed", res.Failed, "elapsed", finished.Sub(start))
	}
	return res, nil
}

// recordContext detaches ctx for writing an outcome, so that an order
// submitted under a cancelled context never stays in syncing.
func recordContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
}

// submit processes one order and reports whether the server accepted it.
func (r *Reconciler) submit(ctx context.Context, o PendingOrder) bool {
	syncing := o
	syncing.SyncStatus = StatusSyncing
	if err := r.queue.Update(ctx, syncing); err != nil {
		// Without the syncing mark a crash could resubmit the order; leave it for the next pass.
		r.logger.Error("failed to mark order syncing", "local_id", o.LocalID, "error", err)
		return false
	}

	resp, err := r.api.CreateOrder(ctx, o.Request(), o.ClientRef)
	rctx, cancel := recordContext(ctx)
	defer cancel()
	if err == nil && resp != nil && resp.Success {
		if err := r.queue.Delete(rctx, o.LocalID); err != nil {
			// The record stays in syncing, so no later pass submits it again.
			r.logger.Error("order accepted but local record not removed", "local_id", o.LocalID, "order_number", resp.OrderNumber, "error", err)
		} else {
			r.logger.Info("order synced", "local_id", o.LocalID, "order_number", resp.OrderNumber)
		}
		return true
	}

	msg := failureMessage(resp, err)
	failed := o
	failed.SyncStatus = StatusFailed
	failed.RetryCount = o.RetryCount + 1
	failed.SyncError = msg
	r.logger.Warn("order sync failed", "local_id", o.LocalID, "retry_count", failed.RetryCount, "error", msg)
	if err := r.queue.Update(rctx, failed); err != nil {
		r.logger.Error("failed to mark order failed", "local_id", o.LocalID, "error", err)
	}
	return false
}

func failureMessage(resp *posapi.CreateOrderResponse, err error) string {
	if err != nil {
		var re *posapi.RemoteError
		if errors.As(err, &re) && re.Message != "" {
			return re.Message
		}
		if msg := err.Error(); msg != "" {
			return msg
		}
		return "Unknown error"
	}
	if resp != nil && resp.Message != "" {
		return resp.Message
	}
	return "Failed to create order"
}
