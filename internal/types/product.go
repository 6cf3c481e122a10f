// Package types provides type definitions for the records shared across discovery, monitoring and storage.
package types

import "time"

// Product is a catalog listing found by discovery. SKU is the identity key.
type Product struct {
	SKU           int64      `json:"sku"`
	Name          string     `json:"name"`
	URL           string     `json:"url,omitempty"`
	ImageURL      string     `json:"image_url,omitempty"`
	Description   string     `json:"description,omitempty"`
	DiscoveredAt  time.Time  `json:"discovered_at"`
	LastCheckedAt *time.Time `json:"last_checked_at,omitempty"`
}

// StatusRecord is one stock/price observation for a SKU. History is append-only,
// keyed by (SKU, ObservedAt).
type StatusRecord struct {
	SKU             int64     `json:"sku"`
	InStock         bool      `json:"in_stock"`
	Price           *float64  `json:"price,omitempty"`
	FinalPrice      *float64  `json:"final_price,omitempty"`
	DiscountPercent *float64  `json:"discount_percent,omitempty"`
	Stock           *int      `json:"stock,omitempty"`
	Availability    string    `json:"availability,omitempty"`
	Points          *int      `json:"points,omitempty"`
	ObservedAt      time.Time `json:"observed_at"`
}

// ProductFilter selects products from the store.
// Keywords are OR'ed and matched case-insensitively against the name or the SKU.
type ProductFilter struct {
	Keywords []string `json:"keywords,omitempty"`
	SKUs     []int64  `json:"skus,omitempty"`
	Limit    int      `json:"limit,omitempty" validate:"gte=0"`
	Offset   int      `json:"offset,omitempty" validate:"gte=0"`
}
