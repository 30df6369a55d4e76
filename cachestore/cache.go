// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package cachestore maps API reference data (products, customers,
// categories, recent orders) to local store records and back.
//
// The cache is an optimization: every repository swallows storage failures,
// logs them and answers with an empty result or a no-op so callers never fail
// because of it.
package cachestore

import (
	"context"
	"log/slog"
	"time"

	"github.com/mobiletoly/go-posync/localstore"
)

// Store is the subset of *localstore.Store the repositories rely on.
type Store interface {
	Get(ctx context.Context, collection string, key localstore.Key, dst any) (bool, error)
	GetAll(ctx context.Context, collection string, dst any) error
	GetAllByIndex(ctx context.Context, collection, index string, value any, dst any) error
	Put(ctx context.Context, collection string, record any) error
	PutMany(ctx context.Context, collection string, records any) (int, error)
	ReplaceAll(ctx context.Context, collection string, records any) (int, error)
	Delete(ctx context.Context, collection string, key localstore.Key) error
	DeleteByIndex(ctx context.Context, collection, index string, value any) (int64, error)
	Clear(ctx context.Context, collection string) error
	Count(ctx context.Context, collection string) (int, error)
	CountByIndex(ctx context.Context, collection, index string, value any) (int, error)
}

// Options configures the repositories.
type Options struct {
	Logger *slog.Logger
	Now    func() time.Time
	// GlobalFallback makes product reads for an empty scope fall back to the
	// global (scope 0) cache.
	GlobalFallback bool
}

// Cache bundles the repositories sharing one store.
type Cache struct {
	Products   *Products
	Customers  *Customers
	Categories *Categories
	Orders     *Orders
	Meta       *Freshness

	store  Store
	logger *slog.Logger
}

type base struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

func (b base) nowMs() int64 { return b.now().UnixMilli() }

// New creates the repositories over store.
func New(store Store, opts Options) *Cache {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	b := base{store: store, logger: opts.Logger, now: opts.Now}
	meta := &Freshness{base: b}
	return &Cache{
		Products:   &Products{base: b, meta: meta, globalFallback: opts.GlobalFallback},
		Customers:  &Customers{base: b, meta: meta},
		Categories: &Categories{base: b, meta: meta},
		Orders:     &Orders{base: b, meta: meta},
		Meta:       meta,
		store:      store,
		logger:     opts.Logger,
	}
}

// ClearAllCache empties products, customers, categories and freshness
// metadata. Pending orders and the order mirror are left untouched.
func (c *Cache) ClearAllCache(ctx context.Context) {
	for _, coll := range []string{CollectionProducts, CollectionCustomers, CollectionCategories, CollectionSyncMeta} {
		if err := c.store.Clear(ctx, coll); err != nil {
			c.logger.Warn("failed to clear cache collection", "collection", coll, "error", err)
		}
	}
}

// Size reports record counts for diagnostics.
type Size struct {
	Products      int `json:"products"`
	Customers     int `json:"customers"`
	PendingOrders int `json:"pending_orders"`
}

// DatabaseSize counts products, customers and records in pendingCollection.
func (c *Cache) DatabaseSize(ctx context.Context, pendingCollection string) Size {
	var s Size
	s.Products = c.count(ctx, CollectionProducts)
	s.Customers = c.count(ctx, CollectionCustomers)
	if pendingCollection != "" {
		s.PendingOrders = c.count(ctx, pendingCollection)
	}
	return s
}

func (c *Cache) count(ctx context.Context, coll string) int {
	n, err := c.store.Count(ctx, coll)
	if err != nil {
		c.logger.Warn("failed to count collection", "collection", coll, "error", err)
		return 0
	}
	return n
}
