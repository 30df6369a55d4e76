// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mobiletoly/go-posync/cachestore"
	"github.com/mobiletoly/go-posync/posapi"
)

// Page sizes and limits of the bulk downloads.
const (
	ProductPageSize  = 100
	CustomerPageSize = 21
	OrderPageSize    = 50
	MaxOrderPages    = 10
)

// Download kinds reported in DownloadStatus and metrics.
const (
	KindProducts   = "products"
	KindCustomers  = "customers"
	KindOrders     = "orders"
	KindCategories = "categories"
)

var (
	// ErrOffline is returned by operations that need the network.
	ErrOffline = errors.New("offline")
	// ErrDownloadInProgress is returned while another download runs.
	ErrDownloadInProgress = errors.New("download already in progress")
)

// DownloadState is the state of the download guard.
type DownloadState int32

const (
	DownloadIdle DownloadState = iota
	Downloading
)

func (s DownloadState) String() string {
	switch s {
	case DownloadIdle:
		return "idle"
	case Downloading:
		return "downloading"
	default:
		return fmt.Sprintf("DownloadState(%d)", int32(s))
	}
}

// DownloadStatus reports the running download, if any.
type DownloadStatus struct {
	State     DownloadState `json:"-"`
	StateName string        `json:"state"`
	Kind      string        `json:"kind,omitempty"`
	Progress  int           `json:"progress"` // 0..100
}

// DownloadResult summarizes a finished download.
type DownloadResult struct {
	Count      int  `json:"count"`
	NeedsReset bool `json:"needs_reset,omitempty"`
}

type downloadTracker struct {
	state    atomic.Int32
	progress atomic.Int32

	mu   sync.Mutex
	kind string
}

func (t *downloadTracker) begin(kind string) bool {
	if !t.state.CompareAndSwap(int32(DownloadIdle), int32(Downloading)) {
		return false
	}
	t.progress.Store(0)
	t.mu.Lock()
	t.kind = kind
	t.mu.Unlock()
	return true
}

func (t *downloadTracker) end() {
	t.mu.Lock()
	t.kind = ""
	t.mu.Unlock()
	t.state.Store(int32(DownloadIdle))
}

// report stores an intermediate progress value, capped below completion.
func (t *downloadTracker) report(p int) { t.progress.Store(int32(min(95, max(0, p)))) }

func (t *downloadTracker) status() DownloadStatus {
	st := DownloadState(t.state.Load())
	t.mu.Lock()
	kind := t.kind
	t.mu.Unlock()
	return DownloadStatus{State: st, StateName: st.String(), Kind: kind, Progress: int(t.progress.Load())}
}

// DownloadStatus reports the progress of the running download.
func (s *Service) DownloadStatus() DownloadStatus { return s.download.status() }

func (s *Service) beginDownload(kind string) error {
	if !s.network.IsOnline() {
		return ErrOffline
	}
	if !s.download.begin(kind) {
		return ErrDownloadInProgress
	}
	s.logger.Info("download started", "kind", kind)
	return nil
}

func (s *Service) finishDownload(ctx context.Context, kind string, n int) {
	s.download.progress.Store(100)
	if s.opts.Recorder != nil {
		s.opts.Recorder.RecordDownload(ctx, kind, n)
	}
	s.logger.Info("download finished", "kind", kind, "count", n)
}

// DownloadAllProducts fetches every product priced for apiCustomerID and
// caches them under scope. Scope 0 is the global cache shared by all
// customers. Nothing is cached when any page fails.
func (s *Service) DownloadAllProducts(ctx context.Context, apiCustomerID, scope int64) (DownloadResult, error) {
	if err := s.beginDownload(KindProducts); err != nil {
		return DownloadResult{}, err
	}
	defer s.download.end()

	var all []posapi.Product
	progress := 0
	for offset := 0; ; offset += ProductPageSize {
		page, err := s.api.ListProducts(ctx, apiCustomerID, ProductPageSize, offset)
		if err != nil {
			return DownloadResult{}, fmt.Errorf("failed to download products: %w", err)
		}
		all = append(all, page.Products...)

		if page.Total != nil && *page.Total > 0 {
			progress = len(all) * 100 / *page.Total
		} else {
			progress += 10
		}
		s.download.report(progress)

		if !page.HasMore || len(page.Products) == 0 {
			break
		}
	}

	n := s.cache.Products.Cache(ctx, all, scope)
	s.InvalidateProducts(scope)
	s.finishDownload(ctx, KindProducts, n)
	return DownloadResult{Count: n}, nil
}

// DownloadAllCustomers walks every customer page. An invalid page ends the
// walk and whatever was collected so far is cached.
func (s *Service) DownloadAllCustomers(ctx context.Context) (DownloadResult, error) {
	if err := s.beginDownload(KindCustomers); err != nil {
		return DownloadResult{}, err
	}
	defer s.download.end()

	var all []posapi.Customer
	for page := 1; ; page++ {
		resp, err := s.api.ListCustomers(ctx, page, CustomerPageSize, "")
		if err != nil {
			return DownloadResult{}, fmt.Errorf("failed to download customers: %w", err)
		}
		if resp == nil || resp.Data == nil || resp.Meta == nil {
			s.logger.Warn("invalid customer page, stopping download", "page", page)
			break
		}
		all = append(all, resp.Data...)
		if resp.Meta.LastPage > 0 {
			s.download.report(resp.Meta.CurrentPage * 100 / resp.Meta.LastPage)
		}
		if resp.Meta.CurrentPage >= resp.Meta.LastPage {
			break
		}
	}

	n := s.cache.Customers.Cache(ctx, all)
	s.finishDownload(ctx, KindCustomers, n)
	return DownloadResult{Count: n}, nil
}

// DownloadRecentOrders mirrors up to MaxOrderPages pages of recent orders,
// replacing the previous mirror. When the orders collection is missing the
// result asks for a database reset instead.
func (s *Service) DownloadRecentOrders(ctx context.Context) (DownloadResult, error) {
	if !s.network.IsOnline() {
		return DownloadResult{}, ErrOffline
	}
	ok, err := s.store.HasCollection(ctx, cachestore.CollectionOrders)
	if err != nil {
		return DownloadResult{}, fmt.Errorf("failed to inspect local store: %w", err)
	}
	if !ok {
		s.logger.Error("orders collection not found, local database needs a reset")
		return DownloadResult{NeedsReset: true}, nil
	}

	if err := s.beginDownload(KindOrders); err != nil {
		return DownloadResult{}, err
	}
	defer s.download.end()

	var all []posapi.Order
	for page := 1; page <= MaxOrderPages; page++ {
		resp, err := s.api.ListOrders(ctx, page, OrderPageSize)
		if err != nil {
			return DownloadResult{}, fmt.Errorf("failed to download orders: %w", err)
		}
		if resp == nil || resp.Data == nil || resp.Meta == nil {
			s.logger.Warn("invalid order page, stopping download", "page", page)
			break
		}
		all = append(all, resp.Data...)
		if resp.Meta.CurrentPage >= resp.Meta.LastPage {
			break
		}
		s.download.report((page + 1) * 100 / min(resp.Meta.LastPage, MaxOrderPages))
	}

	n := s.cache.Orders.Cache(ctx, all)
	s.finishDownload(ctx, KindOrders, n)
	return DownloadResult{Count: n}, nil
}

// DownloadCategories caches the category tree as flat records.
func (s *Service) DownloadCategories(ctx context.Context) (DownloadResult, error) {
	if err := s.beginDownload(KindCategories); err != nil {
		return DownloadResult{}, err
	}
	defer s.download.end()

	tree, err := s.api.CategoryTree(ctx)
	if err != nil {
		return DownloadResult{}, fmt.Errorf("failed to download categories: %w", err)
	}
	n := s.cache.Categories.Cache(ctx, tree)
	s.finishDownload(ctx, KindCategories, n)
	return DownloadResult{Count: n}, nil
}
