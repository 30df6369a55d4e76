// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cachestore

import (
	"context"
	"fmt"
	"time"

	"github.com/mobiletoly/go-posync/localstore"
)

// DefaultMaxAge is the age after which cached data counts as stale.
const DefaultMaxAge = 24 * time.Hour

// Freshness keys of the cached data sets.
const (
	KeyCustomers  = "customers"
	KeyCategories = "categories"
	KeyOrders     = "orders"
)

// ProductsKey is the freshness key of the product cache for scope.
func ProductsKey(scope int64) string { return fmt.Sprintf("products_%d", scope) }

// Freshness records when each data set was last refreshed. It is advisory:
// nothing in the store enforces it.
type Freshness struct {
	base
}

// Set stores the last refresh time of key in epoch milliseconds.
func (f *Freshness) Set(ctx context.Context, key string, timestampMs int64) {
	if err := f.store.Put(ctx, CollectionSyncMeta, SyncMeta{Key: key, Timestamp: timestampMs}); err != nil {
		f.logger.Warn("failed to store sync meta", "key", key, "error", err)
	}
}

// Touch records now as the last refresh time of key.
func (f *Freshness) Touch(ctx context.Context, key string) { f.Set(ctx, key, f.nowMs()) }

// Get returns the last refresh time of key, or false when none is recorded.
func (f *Freshness) Get(ctx context.Context, key string) (int64, bool) {
	var m SyncMeta
	ok, err := f.store.Get(ctx, CollectionSyncMeta, localstore.K(key), &m)
	if err != nil {
		f.logger.Warn("failed to read sync meta", "key", key, "error", err)
		return 0, false
	}
	if !ok {
		return 0, false
	}
	return m.Timestamp, true
}

// IsStale reports whether key was never refreshed or was refreshed at least
// maxAge ago. A non-positive maxAge means DefaultMaxAge.
func (f *Freshness) IsStale(ctx context.Context, key string, maxAge time.Duration) bool {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	ts, ok := f.Get(ctx, key)
	if !ok {
		return true
	}
	return f.nowMs()-ts >= maxAge.Milliseconds()
}

// Delete forgets the refresh time of key.
func (f *Freshness) Delete(ctx context.Context, key string) {
	if err := f.store.Delete(ctx, CollectionSyncMeta, localstore.K(key)); err != nil {
		f.logger.Warn("failed to delete sync meta", "key", key, "error", err)
	}
}

// Clear forgets every refresh time.
func (f *Freshness) Clear(ctx context.Context) {
	if err := f.store.Clear(ctx, CollectionSyncMeta); err != nil {
		f.logger.Warn("failed to clear sync meta", "error", err)
	}
}
