// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cachestore

import (
	"encoding/json"

	"github.com/mobiletoly/go-posync/localstore"
)

// Collection names owned by the cache.
const (
	CollectionProducts   = "products"
	CollectionCustomers  = "customers"
	CollectionCategories = "categories"
	CollectionOrders     = "orders"
	CollectionSyncMeta   = "sync_meta"
)

// Collections returns the schema of every cache collection.
func Collections() []localstore.CollectionSchema {
	return []localstore.CollectionSchema{
		{
			Name:      CollectionProducts,
			KeyFields: []string{"id", "customer_id"},
			Indexes:   []localstore.IndexSchema{{Name: "customer_id"}, {Name: "category_id"}},
		},
		{
			Name:      CollectionCustomers,
			KeyFields: []string{"id"},
			Indexes:   []localstore.IndexSchema{{Name: "company_name"}},
		},
		{
			Name:      CollectionCategories,
			KeyFields: []string{"id"},
			Indexes:   []localstore.IndexSchema{{Name: "parent_id"}},
		},
		{
			Name:      CollectionOrders,
			KeyFields: []string{"id"},
			Indexes:   []localstore.IndexSchema{{Name: "customer_id"}, {Name: "created_at"}},
		},
		{
			Name:      CollectionSyncMeta,
			KeyFields: []string{"key"},
		},
	}
}

// Tier is a customer pricing tier.
type Tier string

const (
	TierBronze   Tier = "bronze"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
)

// CachedVatRate is the stored VAT rate of a product.
type CachedVatRate struct {
	ID   int64   `json:"id"`
	Name string  `json:"name,omitempty"`
	Rate float64 `json:"rate"`
}

// CachedProduct is a product stored for one scope (customer id, or 0 for global).
type CachedProduct struct {
	ID                   int64          `json:"id"`
	Scope                int64          `json:"customer_id"`
	Name                 string         `json:"name"`
	SKU                  string         `json:"sku"`
	Barcode              string         `json:"barcode,omitempty"`
	BarcodeBox           string         `json:"barcode_box,omitempty"`
	ImageURL             string         `json:"image_url,omitempty"`
	BasePrice            float64        `json:"base_price"`
	BoxPrice             float64        `json:"box_price"`
	PiecePrice           float64        `json:"piece_price"`
	BrokenCasePiecePrice float64        `json:"broken_case_piece_price"`
	TotalDiscount        float64        `json:"total_discount"`
	TotalDiscountPercent float64        `json:"total_discount_percent"`
	PiecesPerBox         int            `json:"pieces_per_box"`
	AllowBrokenCase      bool           `json:"allow_broken_case"`
	VatRate              *CachedVatRate `json:"vat_rate"`
	CategoryID           *int64         `json:"category_id"`
	AvailabilityStatus   string         `json:"availability_status"`
	CanPurchase          bool           `json:"can_purchase"`
	AllowBackorder       bool           `json:"allow_backorder"`
	IsPreorder           bool           `json:"is_preorder"`
	CachedAt             int64          `json:"cached_at"`
}

// CachedCustomer is a stored customer.
type CachedCustomer struct {
	ID           int64   `json:"id"`
	CompanyName  string  `json:"company_name"`
	ContactName  string  `json:"contact_name"`
	ContactEmail string  `json:"contact_email"`
	ContactPhone string  `json:"contact_phone"`
	Tier         Tier    `json:"customer_tier"`
	AfasID       *string `json:"afas_id,omitempty"`
	CachedAt     int64   `json:"cached_at"`
}

// CachedCategory is one stored category. Trees are stored flat; hierarchy
// is recovered from ParentID.
type CachedCategory struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	ParentID     *int64 `json:"parent_id"`
	ProductCount *int   `json:"product_count,omitempty"`
	CachedAt     int64  `json:"cached_at"`
}

// CachedOrder is a read-only copy of a server order kept for offline viewing.
type CachedOrder struct {
	ID          int64           `json:"id"`
	OrderNumber string          `json:"order_number"`
	CustomerID  *int64          `json:"customer_id"`
	CreatedAt   string          `json:"created_at"`
	Order       json.RawMessage `json:"order"`
	CachedAt    int64           `json:"cached_at"`
}

// SyncMeta is the last successful refresh time of one cached data set.
type SyncMeta struct {
	Key       string `json:"key"`
	Timestamp int64  `json:"timestamp"` // epoch milliseconds
}
