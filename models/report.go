package models

import "time"

// Stats summarises a numeric column over its positive values.
type Stats struct {
	Count int     `json:"count"`
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// CrawlReport is derived from the persisted data at the end of a run.
type CrawlReport struct {
	TotalItems           int             `json:"total_items"`
	TotalAds             int             `json:"total_ads"`
	TotalReviews         int             `json:"total_reviews"`
	OrphanReviews        int             `json:"orphan_reviews"`
	FailedCount          int             `json:"failed_urls"`
	Failures             []FailureRecord `json:"failures"`
	Categories           []string        `json:"categories"`
	ExecutionTimeSeconds float64         `json:"execution_time"`
	Timestamp            time.Time       `json:"timestamp"`
	PriceStats           Stats           `json:"price_stats"`
	RatingStats          Stats           `json:"rating_stats"`
	Warnings             []string        `json:"warnings"`
}

// ScraperResult holds the overall result of a crawl run.
type ScraperResult struct {
	StartTime     time.Time
	EndTime       time.Time
	AcceptedItems int
	Duplicates    int
	ErrorCount    int
	FailedURLs    []string
	ErrorsByType  map[string]int
	RetryCount    int
	RequestCount  int
	PageCount     int
	DetailCount   int
	Categories    []string
	StopReason    string
}
