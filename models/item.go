// Package models defines data structures for the crawler.
package models

import (
	"maps"
	"time"
)

// Item represents a product record assembled from listing and detail pages.
type Item struct {
	ID          string            `json:"id"`
	Title       string            `json:"name"`
	Price       float64           `json:"price"`
	Brand       string            `json:"brand"`
	Rating      *float64          `json:"rating,omitempty"`
	ReviewCount int               `json:"review_count"`
	URL         string            `json:"url"`
	ImageURL    string            `json:"image_url,omitempty"`
	Category    string            `json:"category"`
	IsAd        bool              `json:"is_ad"`
	Specs       map[string]string `json:"specs,omitempty"`
	Description string            `json:"description,omitempty"`
	ScrapedAt   time.Time         `json:"scraped_at"`
}

// Merge overlays the non-default fields of other onto a copy of i.
// Specs are merged key by key; IsAd is sticky once set.
func (i Item) Merge(other Item) Item {
	out := i
	if other.ID != "" {
		out.ID = other.ID
	}
	if other.Title != "" {
		out.Title = other.Title
	}
	if other.Price > 0 {
		out.Price = other.Price
	}
	if other.Brand != "" {
		out.Brand = other.Brand
	}
	if other.Rating != nil {
		r := *other.Rating
		out.Rating = &r
	}
	if other.ReviewCount > 0 {
		out.ReviewCount = other.ReviewCount
	}
	if other.URL != "" {
		out.URL = other.URL
	}
	if other.ImageURL != "" {
		out.ImageURL = other.ImageURL
	}
	if other.Category != "" {
		out.Category = other.Category
	}
	out.IsAd = i.IsAd || other.IsAd
	if len(other.Specs) > 0 {
		merged := make(map[string]string, len(i.Specs)+len(other.Specs))
		maps.Copy(merged, i.Specs)
		maps.Copy(merged, other.Specs)
		out.Specs = merged
	}
	if other.Description != "" {
		out.Description = other.Description
	}
	if !other.ScrapedAt.IsZero() {
		out.ScrapedAt = other.ScrapedAt
	}
	return out
}

// Review is a user review attached to an item by id and URL.
type Review struct {
	ItemID  string   `json:"item_id"`
	ItemURL string   `json:"product_url"`
	Comment string   `json:"comment"`
	Rating  *float64 `json:"rating,omitempty"`
	Date    string   `json:"date,omitempty"`
}

// FailureRecord is a work unit URL that exhausted its retries.
type FailureRecord struct {
	URL    string `json:"url"`
	Reason string `json:"reason,omitempty"`
}

// Float returns a pointer to v, for optional numeric fields.
func Float(v float64) *float64 {
	return &v
}
