// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cachestore

import (
	"encoding/json"
	"strings"

	"github.com/mobiletoly/go-posync/posapi"
)

// Defaults applied when the API omits an optional field.
const (
	DefaultTier               = TierBronze
	DefaultAvailability       = "in_stock"
	DefaultPiecesPerBox       = 1
	GlobalScope         int64 = 0
)

// ParseTier maps an API tier string to a Tier, falling back to DefaultTier.
func ParseTier(s string) Tier {
	switch t := Tier(strings.ToLower(strings.TrimSpace(s))); t {
	case TierBronze, TierSilver, TierGold, TierPlatinum:
		return t
	default:
		return DefaultTier
	}
}

func deref[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}

// ToCachedProduct maps an API product to its stored form for scope.
func ToCachedProduct(p posapi.Product, scope, cachedAt int64) CachedProduct {
	cp := CachedProduct{
		ID:                   p.ID,
		Scope:                scope,
		Name:                 p.Name,
		SKU:                  p.SKU,
		Barcode:              deref(p.Barcode, ""),
		BarcodeBox:           deref(p.BarcodeBox, ""),
		ImageURL:             deref(p.ImageURL, ""),
		BasePrice:            p.BasePrice,
		BoxPrice:             p.BoxPrice,
		PiecePrice:           p.PiecePrice,
		BrokenCasePiecePrice: p.BrokenCasePiecePrice,
		TotalDiscount:        p.TotalDiscount,
		TotalDiscountPercent: p.TotalDiscountPercent,
		PiecesPerBox:         p.PiecesPerBox,
		AllowBrokenCase:      p.AllowBrokenCase,
		CategoryID:           p.CategoryID,
		AvailabilityStatus:   p.AvailabilityStatus,
		CanPurchase:          p.CanPurchase,
		AllowBackorder:       deref(p.AllowBackorder, false),
		IsPreorder:           deref(p.IsPreorder, false),
		CachedAt:             cachedAt,
	}
	if cp.PiecesPerBox <= 0 {
		cp.PiecesPerBox = DefaultPiecesPerBox
	}
	if cp.AvailabilityStatus == "" {
		cp.AvailabilityStatus = DefaultAvailability
	}
	if p.VatRate != nil {
		cp.VatRate = &CachedVatRate{ID: p.VatRate.ID, Name: p.VatRate.Name, Rate: p.VatRate.Rate}
	}
	return cp
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Product maps a stored product back to the API shape used by callers.
// Fields the cache does not keep are left at their zero value.
func (cp CachedProduct) Product() posapi.Product {
	p := posapi.Product{
		ID:                   cp.ID,
		Name:                 cp.Name,
		SKU:                  cp.SKU,
		Barcode:              optString(cp.Barcode),
		BarcodeBox:           optString(cp.BarcodeBox),
		ImageURL:             optString(cp.ImageURL),
		BasePrice:            cp.BasePrice,
		BoxPrice:             cp.BoxPrice,
		PiecePrice:           cp.PiecePrice,
		BrokenCasePiecePrice: cp.BrokenCasePiecePrice,
		TotalDiscount:        cp.TotalDiscount,
		TotalDiscountPercent: cp.TotalDiscountPercent,
		PiecesPerBox:         cp.PiecesPerBox,
		AllowBrokenCase:      cp.AllowBrokenCase,
		CategoryID:           cp.CategoryID,
		AvailabilityStatus:   cp.AvailabilityStatus,
		CanPurchase:          cp.CanPurchase,
		AllowBackorder:       &cp.AllowBackorder,
		IsPreorder:           &cp.IsPreorder,
	}
	if cp.VatRate != nil {
		p.VatRate = &posapi.VatRate{ID: cp.VatRate.ID, Name: cp.VatRate.Name, Rate: cp.VatRate.Rate}
	}
	return p
}

// ToCachedCustomer maps an API customer to its stored form.
func ToCachedCustomer(c posapi.Customer, cachedAt int64) CachedCustomer {
	return CachedCustomer{
		ID:           c.ID,
		CompanyName:  c.CompanyName,
		ContactName:  c.ContactName,
		ContactEmail: c.ContactEmail,
		ContactPhone: c.ContactPhone,
		Tier:         ParseTier(c.CustomerTier),
		AfasID:       c.AfasID,
		CachedAt:     cachedAt,
	}
}

// Customer maps a stored customer back to the API shape.
func (cc CachedCustomer) Customer() posapi.Customer {
	return posapi.Customer{
		ID:           cc.ID,
		CompanyName:  cc.CompanyName,
		ContactName:  cc.ContactName,
		ContactEmail: cc.ContactEmail,
		ContactPhone: cc.ContactPhone,
		CustomerTier: string(cc.Tier),
		AfasID:       cc.AfasID,
	}
}

// FlattenCategories turns a category tree into sibling records, parents
// before their children. A child without an explicit parent id inherits the
// id of the node it was nested under.
func FlattenCategories(tree []posapi.Category, cachedAt int64) []CachedCategory {
	var out []CachedCategory
	var walk func(nodes []posapi.Category, parent *int64)
	walk = func(nodes []posapi.Category, parent *int64) {
		for _, n := range nodes {
			parentID := n.ParentID
			if parentID == nil && parent != nil {
				id := *parent
				parentID = &id
			}
			out = append(out, CachedCategory{
				ID:           n.ID,
				Name:         n.Name,
				ParentID:     parentID,
				ProductCount: n.ProductCount,
				CachedAt:     cachedAt,
			})
			if len(n.Children) > 0 {
				id := n.ID
				walk(n.Children, &id)
			}
		}
	}
	walk(tree, nil)
	return out
}

// ToCachedOrder maps a server order to its stored form, keeping the raw payload.
func ToCachedOrder(o posapi.Order, cachedAt int64) CachedOrder {
	raw := o.Raw
	if len(raw) == 0 {
		raw, _ = json.Marshal(o)
	}
	return CachedOrder{
		ID:          o.ID,
		OrderNumber: o.OrderNumber,
		CustomerID:  o.CustomerID,
		CreatedAt:   o.CreatedAt,
		Order:       raw,
		CachedAt:    cachedAt,
	}
}
