// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package posapi

import "encoding/json"

// VatRate is the VAT rate attached to a product.
type VatRate struct {
	ID   int64   `json:"id"`
	Name string  `json:"name,omitempty"`
	Rate float64 `json:"rate"`
}

// Product is a product as priced for one customer by the remote API.
type Product struct {
	ID                   int64    `json:"id"`
	Name                 string   `json:"name"`
	SKU                  string   `json:"sku"`
	Barcode              *string  `json:"barcode"`
	BarcodeBox           *string  `json:"barcode_box"`
	ImageURL             *string  `json:"image_url"`
	BasePrice            float64  `json:"base_price"`
	CustomerPrice        float64  `json:"customer_price"`
	TotalDiscount        float64  `json:"total_discount"`
	TotalDiscountPercent float64  `json:"total_discount_percent"`
	PiecesPerBox         int      `json:"pieces_per_box"`
	PiecePrice           float64  `json:"piece_price"`
	BoxPrice             float64  `json:"box_price"`
	AllowBrokenCase      bool     `json:"allow_broken_case"`
	BrokenCasePiecePrice float64  `json:"broken_case_piece_price"`
	VatRate              *VatRate `json:"vat_rate"`
	CategoryID           *int64   `json:"category_id,omitempty"`
	StockQuantity        float64  `json:"stock_quantity"`
	AvailabilityStatus   string   `json:"availability_status"`
	CanPurchase          bool     `json:"can_purchase"`
	AllowBackorder       *bool    `json:"allow_backorder,omitempty"`
	IsPreorder           *bool    `json:"is_preorder,omitempty"`
}

// Customer is a customer account as returned by the customer list.
type Customer struct {
	ID           int64   `json:"id"`
	CompanyName  string  `json:"company_name"`
	ContactName  string  `json:"contact_name"`
	ContactEmail string  `json:"contact_email"`
	ContactPhone string  `json:"contact_phone"`
	CustomerTier string  `json:"customer_tier,omitempty"`
	AfasID       *string `json:"afas_id,omitempty"`
	City         string  `json:"city,omitempty"`
}

// Category is a product category; Children is populated by the tree endpoint.
type Category struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	Slug         string     `json:"slug,omitempty"`
	ParentID     *int64     `json:"parent_id,omitempty"`
	ProductCount *int       `json:"product_count,omitempty"`
	Children     []Category `json:"children,omitempty"`
}

// Order is a server order. Raw keeps the full payload for offline viewing.
type Order struct {
	ID          int64   `json:"id"`
	OrderNumber string  `json:"order_number"`
	CustomerID  *int64  `json:"customer_id,omitempty"`
	Total       float64 `json:"total"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at"`

	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON decodes the known fields and retains the raw document.
func (o *Order) UnmarshalJSON(b []byte) error {
	type plain Order
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*o = Order(p)
	o.Raw = append(json.RawMessage(nil), b...)
	return nil
}

// PageMeta is the pagination block of list responses.
type PageMeta struct {
	CurrentPage int `json:"current_page"`
	LastPage    int `json:"last_page"`
	PerPage     int `json:"per_page,omitempty"`
	Total       int `json:"total"`
}

// CustomerPage is one page of ListCustomers.
type CustomerPage struct {
	Data []Customer `json:"data"`
	Meta *PageMeta  `json:"meta"`
}

// OrderPage is one page of ListOrders.
type OrderPage struct {
	Data []Order  `json:"data"`
	Meta *PageMeta `json:"meta"`
}

// ProductPage is one offset page of ListProducts.
type ProductPage struct {
	Products []Product `json:"products"`
	HasMore  bool      `json:"hasMore"`
	Total    *int      `json:"total,omitempty"`
}

// OrderItem is a normalized order line sent to CreateOrder.
type OrderItem struct {
	ProductID    int64   `json:"product_id"`
	Quantity     float64 `json:"quantity"`
	Price        float64 `json:"price"`
	BasePrice    float64 `json:"base_price"`
	UnitType     string  `json:"unit_type"`
	PiecesPerBox int     `json:"pieces_per_box"`
	VatRate      float64 `json:"vat_rate"`
}

// AppliedPromotion is a promotion discount applied to an order.
type AppliedPromotion struct {
	PromotionID    int64   `json:"promotion_id"`
	DiscountAmount float64 `json:"discount_amount"`
}

// CreateOrderRequest is the body of POST /orders.
type CreateOrderRequest struct {
	CustomerID             int64              `json:"customer_id"`
	Type                   string             `json:"type,omitempty"` // "return" or empty for a sale
	ReturnReferenceOrderID *int64             `json:"return_reference_order_id,omitempty"`
	Items                  []OrderItem        `json:"items"`
	Notes                  string             `json:"notes,omitempty"`
	AppliedPromotions      []AppliedPromotion `json:"applied_promotions"`
}

// CreateOrderResponse is the server answer to CreateOrder.
type CreateOrderResponse struct {
	Success     bool   `json:"success"`
	OrderID     int64  `json:"order_id,omitempty"`
	OrderNumber string `json:"order_number,omitempty"`
	Message     string `json:"message,omitempty"`
}
