// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cachestore

import (
	"cmp"
	"context"
	"errors"
	"slices"

	"github.com/mobiletoly/go-posync/localstore"
	"github.com/mobiletoly/go-posync/posapi"
)

// Products caches products per scope.
type Products struct {
	base
	meta           *Freshness
	globalFallback bool
}

// Cache stores products for scope in one atomic write and stamps the
// scope's freshness key. It returns the number of records written.
func (r *Products) Cache(ctx context.Context, products []posapi.Product, scope int64) int {
	now := r.nowMs()
	records := make([]CachedProduct, 0, len(products))
	for _, p := range products {
		records = append(records, ToCachedProduct(p, scope, now))
	}
	n, err := r.store.PutMany(ctx, CollectionProducts, records)
	if err != nil {
		r.logger.Warn("failed to cache products", "scope", scope, "count", len(records), "error", err)
		return 0
	}
	r.meta.Set(ctx, ProductsKey(scope), now)
	return n
}

// Get returns the products cached for scope. With global fallback enabled,
// an empty scope answers with the global cache instead.
func (r *Products) Get(ctx context.Context, scope int64) []CachedProduct {
	out := r.byScope(ctx, scope)
	if len(out) == 0 && r.globalFallback && scope != GlobalScope {
		out = r.byScope(ctx, GlobalScope)
	}
	return out
}

func (r *Products) byScope(ctx context.Context, scope int64) []CachedProduct {
	var out []CachedProduct
	if err := r.store.GetAllByIndex(ctx, CollectionProducts, "customer_id", scope, &out); err != nil {
		r.logger.Warn("failed to read cached products", "scope", scope, "error", err)
		return nil
	}
	slices.SortFunc(out, func(a, b CachedProduct) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// ByCategory filters the scope's products by category.
func (r *Products) ByCategory(ctx context.Context, scope, categoryID int64) []CachedProduct {
	var out []CachedProduct
	for _, p := range r.Get(ctx, scope) {
		if p.CategoryID != nil && *p.CategoryID == categoryID {
			out = append(out, p)
		}
	}
	return out
}

// Count returns the number of products cached for scope.
func (r *Products) Count(ctx context.Context, scope int64) int {
	n, err := r.store.CountByIndex(ctx, CollectionProducts, "customer_id", scope)
	if err != nil {
		r.logger.Warn("failed to count cached products", "scope", scope, "error", err)
		return 0
	}
	return n
}

// Clear removes the products of one scope, or all products when scope is nil.
func (r *Products) Clear(ctx context.Context, scope *int64) {
	if scope == nil {
		if err := r.store.Clear(ctx, CollectionProducts); err != nil {
			r.logger.Warn("failed to clear products", "error", err)
		}
		return
	}
	if _, err := r.store.DeleteByIndex(ctx, CollectionProducts, "customer_id", *scope); err != nil {
		r.logger.Warn("failed to clear products", "scope", *scope, "error", err)
	}
}

// Customers caches the customer list.
type Customers struct {
	base
	meta *Freshness
}

// Cache stores customers in one atomic write and stamps the customers key.
func (r *Customers) Cache(ctx context.Context, customers []posapi.Customer) int {
	now := r.nowMs()
	records := make([]CachedCustomer, 0, len(customers))
	for _, c := range customers {
		records = append(records, ToCachedCustomer(c, now))
	}
	n, err := r.store.PutMany(ctx, CollectionCustomers, records)
	if err != nil {
		r.logger.Warn("failed to cache customers", "count", len(records), "error", err)
		return 0
	}
	r.meta.Set(ctx, KeyCustomers, now)
	return n
}

// Get returns all cached customers ordered by company name.
func (r *Customers) Get(ctx context.Context) []CachedCustomer {
	var out []CachedCustomer
	if err := r.store.GetAll(ctx, CollectionCustomers, &out); err != nil {
		r.logger.Warn("failed to read cached customers", "error", err)
		return nil
	}
	slices.SortFunc(out, func(a, b CachedCustomer) int {
		return cmp.Or(cmp.Compare(a.CompanyName, b.CompanyName), cmp.Compare(a.ID, b.ID))
	})
	return out
}

// ByID returns one cached customer.
func (r *Customers) ByID(ctx context.Context, id int64) (CachedCustomer, bool) {
	var c CachedCustomer
	ok, err := r.store.Get(ctx, CollectionCustomers, localstore.K(id), &c)
	if err != nil {
		r.logger.Warn("failed to read cached customer", "id", id, "error", err)
		return CachedCustomer{}, false
	}
	return c, ok
}

// Count returns the number of cached customers.
func (r *Customers) Count(ctx context.Context) int {
	n, err := r.store.Count(ctx, CollectionCustomers)
	if err != nil {
		r.logger.Warn("failed to count cached customers", "error", err)
		return 0
	}
	return n
}

// Clear removes all cached customers.
func (r *Customers) Clear(ctx context.Context) {
	if err := r.store.Clear(ctx, CollectionCustomers); err != nil {
		r.logger.Warn("failed to clear customers", "error", err)
	}
}

// Categories caches the category tree as a flat list.
type Categories struct {
	base
	meta *Freshness
}

// Cache flattens tree and stores it in one atomic write.
func (r *Categories) Cache(ctx context.Context, tree []posapi.Category) int {
	now := r.nowMs()
	records := FlattenCategories(tree, now)
	n, err := r.store.PutMany(ctx, CollectionCategories, records)
	if err != nil {
		r.logger.Warn("failed to cache categories", "count", len(records), "error", err)
		return 0
	}
	r.meta.Set(ctx, KeyCategories, now)
	return n
}

// Get returns all cached categories ordered by id.
func (r *Categories) Get(ctx context.Context) []CachedCategory {
	var out []CachedCategory
	if err := r.store.GetAll(ctx, CollectionCategories, &out); err != nil {
		r.logger.Warn("failed to read cached categories", "error", err)
		return nil
	}
	slices.SortFunc(out, func(a, b CachedCategory) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Children returns the cached categories whose parent is parentID.
func (r *Categories) Children(ctx context.Context, parentID int64) []CachedCategory {
	var out []CachedCategory
	if err := r.store.GetAllByIndex(ctx, CollectionCategories, "parent_id", parentID, &out); err != nil {
		r.logger.Warn("failed to read cached categories", "parent_id", parentID, "error", err)
		return nil
	}
	return out
}

// Count returns the number of cached categories.
func (r *Categories) Count(ctx context.Context) int {
	n, err := r.store.Count(ctx, CollectionCategories)
	if err != nil {
		r.logger.Warn("failed to count cached categories", "error", err)
		return 0
	}
	return n
}

// Clear removes all cached categories.
func (r *Categories) Clear(ctx context.Context) {
	if err := r.store.Clear(ctx, CollectionCategories); err != nil {
		r.logger.Warn("failed to clear categories", "error", err)
	}
}

// Orders mirrors recent server orders for offline viewing.
type Orders struct {
	base
	meta *Freshness
}

// Cache replaces the whole mirror with orders in one transaction.
func (r *Orders) Cache(ctx context.Context, orders []posapi.Order) int {
	now := r.nowMs()
	records := make([]CachedOrder, 0, len(orders))
	for _, o := range orders {
		records = append(records, ToCachedOrder(o, now))
	}
	n, err := r.store.ReplaceAll(ctx, CollectionOrders, records)
	if err != nil {
		if errors.Is(err, localstore.ErrCollectionMissing) {
			r.logger.Warn("orders collection missing, skipping order cache")
		} else {
			r.logger.Warn("failed to cache orders", "count", len(records), "error", err)
		}
		return 0
	}
	r.meta.Set(ctx, KeyOrders, now)
	return n
}

// Get returns the mirrored orders, newest first.
func (r *Orders) Get(ctx context.Context) []CachedOrder {
	var out []CachedOrder
	if err := r.store.GetAll(ctx, CollectionOrders, &out); err != nil {
		r.logger.Warn("failed to read cached orders", "error", err)
		return nil
	}
	slices.SortFunc(out, func(a, b CachedOrder) int {
		return cmp.Or(cmp.Compare(b.CreatedAt, a.CreatedAt), cmp.Compare(b.ID, a.ID))
	})
	return out
}

// ByCustomer returns the mirrored orders of one customer.
func (r *Orders) ByCustomer(ctx context.Context, customerID int64) []CachedOrder {
	var out []CachedOrder
	if err := r.store.GetAllByIndex(ctx, CollectionOrders, "customer_id", customerID, &out); err != nil {
		r.logger.Warn("failed to read cached orders", "customer_id", customerID, "error", err)
		return nil
	}
	return out
}

// Count returns the number of mirrored orders.
func (r *Orders) Count(ctx context.Context) int {
	n, err := r.store.Count(ctx, CollectionOrders)
	if err != nil {
		r.logger.Warn("failed to count cached orders", "error", err)
		return 0
	}
	return n
}

// Clear removes the mirror.
func (r *Orders) Clear(ctx context.Context) {
	if err := r.store.Clear(ctx, CollectionOrders); err != nil {
		r.logger.Warn("failed to clear orders", "error", err)
	}
}
