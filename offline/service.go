// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package offline wires the local store, cache repositories, pending order
// queue, network monitor and remote API into one offline-first service.
package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mobiletoly/go-posync/cachestore"
	"github.com/mobiletoly/go-posync/localstore"
	"github.com/mobiletoly/go-posync/netmon"
	"github.com/mobiletoly/go-posync/orderqueue"
	"github.com/mobiletoly/go-posync/posapi"
)

// SchemaVersion is the local database schema version of this release.
const SchemaVersion = 2

// Collections returns every collection the service stores.
func Collections() []localstore.CollectionSchema {
	return append(cachestore.Collections(), orderqueue.CollectionSchema())
}

// API is the subset of the remote API the service talks to.
type API interface {
	CreateOrder(ctx context.Context, order posapi.CreateOrderRequest, idempotencyKey string) (*posapi.CreateOrderResponse, error)
	ListCustomers(ctx context.Context, page, perPage int, search string) (*posapi.CustomerPage, error)
	ListProducts(ctx context.Context, customerID int64, limit, offset int) (*posapi.ProductPage, error)
	ListOrders(ctx context.Context, page, perPage int) (*posapi.OrderPage, error)
	CategoryTree(ctx context.Context) ([]posapi.Category, error)
	SessionActive(ctx context.Context) bool
}

// Network is the connectivity monitor used by the service.
type Network interface {
	Start(ctx context.Context) error
	IsOnline() bool
	Events() (<-chan netmon.ConnectivityChanged, func())
	Cleanup()
}

// Recorder receives sync and download metrics.
type Recorder interface {
	orderqueue.Recorder
	RecordDownload(ctx context.Context, kind string, records int)
}

// Options tunes a Service. The zero value is usable.
type Options struct {
	Logger         *slog.Logger
	Recorder       Recorder
	GlobalFallback bool          // serve global products when a customer scope is empty
	MaxAge         time.Duration // staleness threshold, cachestore.DefaultMaxAge when zero
}

// Service is the offline-first ordering core.
type Service struct {
	store      *localstore.Store
	cache      *cachestore.Cache
	queue      *orderqueue.Queue
	reconciler *orderqueue.Reconciler
	network    Network
	api        API
	opts       Options
	logger     *slog.Logger

	initMu sync.Mutex // serializes Initialize

	mu          sync.Mutex // guards the fields below
	initialized bool
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup

	download downloadTracker

	productsMu sync.RWMutex
	scope      int64
	products   map[int64][]cachestore.CachedProduct
}

// New assembles a Service. Nothing touches the database until Initialize.
func New(store *localstore.Store, api API, network Network, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = cachestore.DefaultMaxAge
	}
	cache := cachestore.New(store, cachestore.Options{Logger: opts.Logger, GlobalFallback: opts.GlobalFallback})
	queue := orderqueue.NewQueue(store, opts.Logger)

	qopts := orderqueue.Options{Session: api, Meta: cache.Meta, Logger: opts.Logger}
	if opts.Recorder != nil {
		qopts.Recorder = opts.Recorder
	}
	return &Service{
		store:      store,
		cache:      cache,
		queue:      queue,
		reconciler: orderqueue.NewReconciler(queue, api, network, qopts),
		network:    network,
		api:        api,
		opts:       opts,
		logger:     opts.Logger,
		products:   make(map[int64][]cachestore.CachedProduct),
	}
}

// Cache exposes the cache repositories.
func (s *Service) Cache() *cachestore.Cache { return s.cache }

// Queue exposes the pending order queue.
func (s *Service) Queue() *orderqueue.Queue { return s.queue }

// Reconciler exposes the reconciliation loop.
func (s *Service) Reconciler() *orderqueue.Reconciler { return s.reconciler }

// Initialize opens and if necessary repairs the local database, starts the
// network monitor and reconciles on every transition to online. Setup runs
// once per Service; later calls return nil, also after Cleanup. The monitor
// and the connectivity watcher outlive ctx and stop only in Cleanup.
func (s *Service) Initialize(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.isInitialized() {
		return nil
	}

	if _, err := s.store.Open(ctx); err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}
	if err := s.repairSchema(ctx); err != nil {
		return err
	}

	events, unsubscribe := s.network.Events()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := s.network.Start(runCtx); err != nil {
		cancel()
		unsubscribe()
		return fmt.Errorf("failed to start network monitor: %w", err)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watchConnectivity(runCtx, events)
	}()

	s.mu.Lock()
	s.cancel = cancel
	s.unsubscribe = unsubscribe
	s.initialized = true
	s.mu.Unlock()

	pending := s.reconciler.RefreshPendingCount(ctx)
	s.logger.Info("offline service initialized", "online", s.network.IsOnline(), "pending_orders", pending)
	if pending > 0 && s.network.IsOnline() {
		if _, err := s.reconciler.Reconcile(ctx); err != nil {
			s.logger.Warn("initial reconcile failed", "error", err)
		}
	}
	return nil
}

func (s *Service) isInitialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// repairSchema recreates the database when the orders collection is missing.
// Such a database predates the current layout and cannot be upgraded in place.
func (s *Service) repairSchema(ctx context.Context) error {
	ok, err := s.store.HasCollection(ctx, cachestore.CollectionOrders)
	if err != nil {
		return fmt.Errorf("failed to inspect local store: %w", err)
	}
	if ok {
		return nil
	}

	s.logger.Warn("local database is outdated, recreating", "missing_collection", cachestore.CollectionOrders)
	s.cache.Meta.Clear(ctx)
	if err := s.store.Destroy(ctx); err != nil {
		return fmt.Errorf("failed to destroy outdated local store: %w", err)
	}
	if _, err := s.store.Open(ctx); err != nil {
		return fmt.Errorf("failed to reopen local store: %w", err)
	}
	s.resetProducts()
	return nil
}

func (s *Service) watchConnectivity(ctx context.Context, events <-chan netmon.ConnectivityChanged) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !ev.Online {
				continue
			}
			s.logger.Info("back online, reconciling pending orders", "source", ev.Source)
			if _, err := s.reconciler.Reconcile(ctx); err != nil {
				s.logger.Warn("reconcile after reconnect failed", "error", err)
			}
		}
	}
}

// Cleanup stops the monitor and drops event subscriptions. It is safe to
// call more than once and before Initialize. It does not rearm Initialize.
func (s *Service) Cleanup() {
	s.mu.Lock()
	cancel, unsubscribe := s.cancel, s.unsubscribe
	s.cancel, s.unsubscribe = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	s.network.Cleanup()
	s.wg.Wait()
}

// SyncNow runs a reconciliation pass immediately.
func (s *Service) SyncNow(ctx context.Context) (orderqueue.Result, error) {
	return s.reconciler.Reconcile(ctx)
}

// PlaceResult describes where an order ended up.
type PlaceResult struct {
	Response      *posapi.CreateOrderResponse `json:"response,omitempty"`
	SavedOffline  bool                        `json:"saved_offline"`
	LocalID       int64                       `json:"local_id,omitempty"`
	OfflineNumber string                      `json:"offline_number,omitempty"`
}

// OfflineNumber is the provisional order number shown for a queued order.
func OfflineNumber(localID int64) string { return fmt.Sprintf("OFFLINE-%d", localID) }

// PlaceOrder submits o directly when online. An explicit rejection by the
// server is returned to the caller as is. When offline, or when the server
// could not be reached, the order is queued for the next reconciliation.
func (s *Service) PlaceOrder(ctx context.Context, o orderqueue.NewOrder) (PlaceResult, error) {
	if o.ClientRef == "" {
		o.ClientRef = uuid.NewString()
	}

	if s.network.IsOnline() {
		resp, err := s.api.CreateOrder(ctx, o.Request(), o.ClientRef)
		switch {
		case err == nil:
			if resp != nil && resp.Success {
				s.logger.Info("order placed", "order_number", resp.OrderNumber, "customer_id", o.CustomerID)
			}
			return PlaceResult{Response: resp}, nil
		case errors.Is(err, posapi.ErrRemoteRejected):
			return PlaceResult{}, err
		default:
			s.logger.Warn("order submission failed, saving offline", "customer_id", o.CustomerID, "error", err)
		}
	}

	id, err := s.queue.Enqueue(ctx, o)
	if err != nil {
		return PlaceResult{}, err
	}
	s.reconciler.RefreshPendingCount(ctx)
	return PlaceResult{SavedOffline: true, LocalID: id, OfflineNumber: OfflineNumber(id)}, nil
}

// IsDataStale reports whether the download stamped under key is missing or
// older than the configured maximum age.
func (s *Service) IsDataStale(ctx context.Context, key string) bool {
	return s.cache.Meta.IsStale(ctx, key, s.opts.MaxAge)
}

// ClearCache drops all cached reference data. Pending orders survive.
func (s *Service) ClearCache(ctx context.Context) {
	s.cache.ClearAllCache(ctx)
	s.resetProducts()
	s.logger.Info("cache cleared")
}

// Status is a snapshot of the service for diagnostics.
type Status struct {
	Initialized bool              `json:"initialized"`
	Online      bool              `json:"online"`
	Sync        orderqueue.Status `json:"sync"`
	Download    DownloadStatus    `json:"download"`
	Cache       cachestore.Size   `json:"cache"`
}

// Status reports the current state of the service.
func (s *Service) Status(ctx context.Context) Status {
	return Status{
		Initialized: s.isInitialized(),
		Online:      s.network.IsOnline(),
		Sync:        s.reconciler.Status(),
		Download:    s.download.status(),
		Cache:       s.cache.DatabaseSize(ctx, orderqueue.Collection),
	}
}
