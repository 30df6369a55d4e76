// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package orderqueue

import (
	"github.com/mobiletoly/go-posync/localstore"
	"github.com/mobiletoly/go-posync/posapi"
)

// Collection is the name of the pending order collection.
const Collection = "pending_orders"

// CollectionSchema returns the schema of the pending order collection.
func CollectionSchema() localstore.CollectionSchema {
	return localstore.CollectionSchema{
		Name:          Collection,
		KeyFields:     []string{"local_id"},
		AutoIncrement: true,
		Indexes: []localstore.IndexSchema{
			{Name: "customer_id"},
			{Name: "created_at"},
			{Name: "sync_status"},
		},
	}
}

// SyncStatus is the lifecycle state of a pending order.
type SyncStatus string

const (
	StatusPending SyncStatus = "pending"
	StatusSyncing SyncStatus = "syncing"
	StatusSynced  SyncStatus = "synced"
	StatusFailed  SyncStatus = "failed"
)

// OrderType distinguishes sales from returns.
type OrderType string

const (
	OrderTypeSale   OrderType = "sale"
	OrderTypeReturn OrderType = "return"
)

// UnitType is the unit an order line is sold in.
type UnitType string

const (
	UnitPiece UnitType = "piece"
	UnitBox   UnitType = "box"
)

// Item is one order line.
type Item struct {
	ProductID    int64    `json:"product_id"`
	Name         string   `json:"name"`
	Quantity     float64  `json:"quantity"`
	Price        float64  `json:"price"`
	BasePrice    float64  `json:"base_price"`
	UnitType     UnitType `json:"unit_type"`
	PiecesPerBox int      `json:"pieces_per_box"`
	VatRate      float64  `json:"vat_rate"`
}

// NewOrder is an order as placed at the point of sale.
type NewOrder struct {
	CustomerID             int64     `json:"customer_id"`
	CustomerName           string    `json:"customer_name"`
	Type                   OrderType `json:"order_type,omitempty"`
	ReturnReferenceOrderID *int64    `json:"return_reference_order_id,omitempty"`
	Items                  []Item    `json:"items"`
	Subtotal               float64   `json:"subtotal"`
	VatTotal               float64   `json:"vat_total"`
	Total                  float64   `json:"total"`
	Notes                  string    `json:"notes,omitempty"`

	// ClientRef is the idempotency key; Enqueue generates one when empty.
	ClientRef string `json:"client_ref,omitempty"`
}

func (o NewOrder) pending() PendingOrder {
	if o.Type == "" {
		o.Type = OrderTypeSale
	}
	return PendingOrder{
		ClientRef:              o.ClientRef,
		CustomerID:             o.CustomerID,
		CustomerName:           o.CustomerName,
		Type:                   o.Type,
		ReturnReferenceOrderID: o.ReturnReferenceOrderID,
		Items:                  o.Items,
		Subtotal:               o.Subtotal,
		VatTotal:               o.VatTotal,
		Total:                  o.Total,
		Notes:                  o.Notes,
		SyncStatus:             StatusPending,
	}
}

// Request builds the create-order payload for an order submitted directly.
func (o NewOrder) Request() posapi.CreateOrderRequest { return o.pending().Request() }

// PendingOrder is an order accepted locally and not yet confirmed by the server.
type PendingOrder struct {
	LocalID                int64      `json:"local_id,omitempty"`
	ClientRef              string     `json:"client_ref"`
	CustomerID             int64      `json:"customer_id"`
	CustomerName           string     `json:"customer_name"`
	Type                   OrderType  `json:"order_type"`
	ReturnReferenceOrderID *int64     `json:"return_reference_order_id,omitempty"`
	Items                  []Item     `json:"items"`
	Subtotal               float64    `json:"subtotal"`
	VatTotal               float64    `json:"vat_total"`
	Total                  float64    `json:"total"`
	Notes                  string     `json:"notes"`
	CreatedAt              int64      `json:"created_at"` // epoch milliseconds
	SyncStatus             SyncStatus `json:"sync_status"`
	RetryCount             int        `json:"retry_count"`
	SyncError              string     `json:"sync_error,omitempty"`
}

// Eligible reports whether the order may be submitted by a reconciliation pass.
func (o PendingOrder) Eligible() bool {
	return o.SyncStatus == StatusPending || o.SyncStatus == StatusFailed
}

// Request builds the create-order payload with normalized line items.
func (o PendingOrder) Request() posapi.CreateOrderRequest {
	req := posapi.CreateOrderRequest{
		CustomerID:        o.CustomerID,
		Notes:             o.Notes,
		Items:             make([]posapi.OrderItem, 0, len(o.Items)),
		AppliedPromotions: []posapi.AppliedPromotion{},
	}
	if o.Type == OrderTypeReturn {
		req.Type = string(OrderTypeReturn)
		req.ReturnReferenceOrderID = o.ReturnReferenceOrderID
	}
	for _, it := range o.Items {
		ppb := it.PiecesPerBox
		if ppb <= 0 {
			ppb = 1
		}
		req.Items = append(req.Items, posapi.OrderItem{
			ProductID:    it.ProductID,
			Quantity:     it.Quantity,
			Price:        it.Price,
			BasePrice:    it.BasePrice,
			UnitType:     string(it.UnitType),
			PiecesPerBox: ppb,
			VatRate:      it.VatRate,
		})
	}
	return req
}
