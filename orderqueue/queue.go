// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package orderqueue persists orders placed without a server confirmation
// and submits them once the remote API is reachable.
package orderqueue

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/mobiletoly/go-posync/localstore"
)

// ErrInvalidOrder is returned by Enqueue for orders that cannot be submitted later.
var ErrInvalidOrder = errors.New("invalid order")

// ErrNotFound is returned for unknown local ids.
var ErrNotFound = errors.New("pending order not found")

// Store is the subset of *localstore.Store the queue relies on.
type Store interface {
	Get(ctx context.Context, collection string, key localstore.Key, dst any) (bool, error)
	GetAll(ctx context.Context, collection string, dst any) error
	GetAllByIndex(ctx context.Context, collection, index string, value any, dst any) error
	Put(ctx context.Context, collection string, record any) error
	Add(ctx context.Context, collection string, record any) (int64, error)
	Delete(ctx context.Context, collection string, key localstore.Key) error
	CountByIndex(ctx context.Context, collection, index string, value any) (int, error)
}

// Queue is the durable pending order collection.
type Queue struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewQueue creates a queue over store.
func NewQueue(store Store, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{store: store, logger: logger, now: time.Now}
}

func validate(o NewOrder) error {
	if o.CustomerID <= 0 {
		return fmt.Errorf("%w: customer id is required", ErrInvalidOrder)
	}
	if len(o.Items) == 0 {
		return fmt.Errorf("%w: order has no items", ErrInvalidOrder)
	}
	switch o.Type {
	case "", OrderTypeSale, OrderTypeReturn:
	default:
		return fmt.Errorf("%w: unknown order type %q", ErrInvalidOrder, o.Type)
	}
	for i, it := range o.Items {
		if it.ProductID <= 0 {
			return fmt.Errorf("%w: item %d has no product", ErrInvalidOrder, i)
		}
		if it.Quantity <= 0 {
			return fmt.Errorf("%w: item %d has non-positive quantity", ErrInvalidOrder, i)
		}
		if it.UnitType != UnitPiece && it.UnitType != UnitBox {
			return fmt.Errorf("%w: item %d has unit type %q", ErrInvalidOrder, i, it.UnitType)
		}
	}
	return nil
}

// Enqueue persists o as a pending order and returns its local id once the
// write has committed. Storage failures are returned to the caller.
func (q *Queue) Enqueue(ctx context.Context, o NewOrder) (int64, error) {
	if err := validate(o); err != nil {
		return 0, err
	}
	rec := o.pending()
	if rec.ClientRef == "" {
		rec.ClientRef = uuid.NewString()
	}
	rec.CreatedAt = q.now().UnixMilli()
	id, err := q.store.Add(ctx, Collection, rec)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue order: %w", err)
	}
	q.logger.Info("order queued", "local_id", id, "customer_id", o.CustomerID, "items", len(o.Items))
	return id, nil
}

// List returns every queued order in local id order.
func (q *Queue) List(ctx context.Context) ([]PendingOrder, error) {
	var out []PendingOrder
	if err := q.store.GetAll(ctx, Collection, &out); err != nil {
		return nil, fmt.Errorf("failed to list pending orders: %w", err)
	}
	slices.SortFunc(out, byLocalID)
	return out, nil
}

// ListByStatus returns the queued orders with the given status in local id order.
func (q *Queue) ListByStatus(ctx context.Context, status SyncStatus) ([]PendingOrder, error) {
	var out []PendingOrder
	if err := q.store.GetAllByIndex(ctx, Collection, "sync_status", string(status), &out); err != nil {
		return nil, fmt.Errorf("failed to list %s orders: %w", status, err)
	}
	slices.SortFunc(out, byLocalID)
	return out, nil
}

// ListByCustomer returns the queued orders of one customer.
func (q *Queue) ListByCustomer(ctx context.Context, customerID int64) ([]PendingOrder, error) {
	var out []PendingOrder
	if err := q.store.GetAllByIndex(ctx, Collection, "customer_id", customerID, &out); err != nil {
		return nil, fmt.Errorf("failed to list orders of customer %d: %w", customerID, err)
	}
	slices.SortFunc(out, byLocalID)
	return out, nil
}

func byLocalID(a, b PendingOrder) int { return cmp.Compare(a.LocalID, b.LocalID) }

// eligible returns pending and failed orders in local id order. Orders left
// in syncing by an interrupted pass are excluded.
func (q *Queue) eligible(ctx context.Context) ([]PendingOrder, error) {
	pending, err := q.ListByStatus(ctx, StatusPending)
	if err != nil {
		return nil, err
	}
	failed, err := q.ListByStatus(ctx, StatusFailed)
	if err != nil {
		return nil, err
	}
	out := append(pending, failed...)
	slices.SortFunc(out, byLocalID)
	return out, nil
}

// Get returns one queued order.
func (q *Queue) Get(ctx context.Context, localID int64) (PendingOrder, error) {
	var o PendingOrder
	ok, err := q.store.Get(ctx, Collection, localstore.K(localID), &o)
	if err != nil {
		return PendingOrder{}, fmt.Errorf("failed to load pending order %d: %w", localID, err)
	}
	if !ok {
		return PendingOrder{}, fmt.Errorf("%w: %d", ErrNotFound, localID)
	}
	return o, nil
}

// Update stores o in place of the record with the same local id.
func (q *Queue) Update(ctx context.Context, o PendingOrder) error {
	if o.LocalID <= 0 {
		return fmt.Errorf("%w: local id is required", ErrInvalidOrder)
	}
	if err := q.store.Put(ctx, Collection, o); err != nil {
		return fmt.Errorf("failed to update pending order %d: %w", o.LocalID, err)
	}
	return nil
}

// Delete removes a queued order.
func (q *Queue) Delete(ctx context.Context, localID int64) error {
	if err := q.store.Delete(ctx, Collection, localstore.K(localID)); err != nil {
		return fmt.Errorf("failed to delete pending order %d: %w", localID, err)
	}
	return nil
}

// Count returns the number of orders awaiting submission (pending or failed).
func (q *Queue) Count(ctx context.Context) (int, error) {
	pending, err := q.store.CountByIndex(ctx, Collection, "sync_status", string(StatusPending))
	if err != nil {
		return 0, fmt.Errorf("failed to count pending orders: %w", err)
	}
	failed, err := q.store.CountByIndex(ctx, Collection, "sync_status", string(StatusFailed))
	if err != nil {
		return 0, fmt.Errorf("failed to count failed orders: %w", err)
	}
	return pending + failed, nil
}

// Requeue moves a failed order, or one stuck in syncing after an interrupted
// pass, back to pending. It is the manual release for orders the automatic
// passes no longer pick up; retry count and last error are kept.
func (q *Queue) Requeue(ctx context.Context, localID int64) error {
	o, err := q.Get(ctx, localID)
	if err != nil {
		return err
	}
	if o.SyncStatus == StatusPending {
		return nil
	}
	if o.SyncStatus != StatusFailed && o.SyncStatus != StatusSyncing {
		return fmt.Errorf("%w: order %d is %s", ErrInvalidOrder, localID, o.SyncStatus)
	}
	prev := o.SyncStatus
	o.SyncStatus = StatusPending
	if err := q.Update(ctx, o); err != nil {
		return err
	}
	q.logger.Info("order requeued", "local_id", localID, "previous_status", prev)
	return nil
}
