// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"context"
	"slices"

	"github.com/mobiletoly/go-posync/cachestore"
)

// Products returns the cached products for scope, keeping the answer in
// memory until the scope is invalidated. Empty answers are not memoized so a
// later download becomes visible immediately. Callers get their own copy.
func (s *Service) Products(ctx context.Context, scope int64) []cachestore.CachedProduct {
	s.productsMu.RLock()
	cached, ok := s.products[scope]
	s.productsMu.RUnlock()
	if ok {
		return slices.Clone(cached)
	}

	out := s.cache.Products.Get(ctx, scope)
	if len(out) > 0 {
		s.productsMu.Lock()
		s.products[scope] = slices.Clone(out)
		s.productsMu.Unlock()
	}
	return out
}

// InvalidateProducts drops the in-memory products of scope. Invalidating the
// global scope drops every scope, since any of them may be answered from it.
func (s *Service) InvalidateProducts(scope int64) {
	s.productsMu.Lock()
	defer s.productsMu.Unlock()
	if scope == cachestore.GlobalScope {
		clear(s.products)
		return
	}
	delete(s.products, scope)
}

// SetScope switches the active customer scope and forgets all in-memory
// products.
func (s *Service) SetScope(scope int64) {
	s.productsMu.Lock()
	defer s.productsMu.Unlock()
	s.scope = scope
	clear(s.products)
}

// Scope returns the active customer scope.
func (s *Service) Scope() int64 {
	s.productsMu.RLock()
	defer s.productsMu.RUnlock()
	return s.scope
}

func (s *Service) resetProducts() {
	s.productsMu.Lock()
	clear(s.products)
	s.productsMu.Unlock()
}
