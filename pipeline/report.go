package pipeline

import (
	"time"

	"github.com/aluiziolira/go-scrape-products/models"
)

// Snapshot is the content of the persistence sink at report time.
type Snapshot struct {
	Items   []models.Item
	Reviews []models.Review
}

// RunMeta carries the run facts that are not in the sink.
type RunMeta struct {
	Start      time.Time
	End        time.Time
	Failures   []models.FailureRecord
	Categories []string

	LowVolumeThreshold   int
	HighFailureThreshold int
}

// Warning texts emitted by BuildReport.
const (
	WarnLowVolume   = "low item volume"
	WarnHighFailure = "high failure count"
)

// BuildReport derives the crawl report from a snapshot. It is a pure
// function: the same inputs always give the same report. Zero prices and
// absent or zero ratings are left out of the statistics.
func BuildReport(snap Snapshot, meta RunMeta) models.CrawlReport {
	report := models.CrawlReport{
		TotalItems:   len(snap.Items),
		TotalReviews: len(snap.Reviews),
		FailedCount:  len(meta.Failures),
		Failures:     append([]models.FailureRecord{}, meta.Failures...),
		Categories:   meta.Categories,
		Timestamp:    meta.End,
		Warnings:     []string{},
	}
	if !meta.Start.IsZero() && meta.End.After(meta.Start) {
		report.ExecutionTimeSeconds = meta.End.Sub(meta.Start).Seconds()
	}

	ids := make(map[string]struct{}, len(snap.Items))
	var prices, ratings []float64
	for _, it := range snap.Items {
		ids[it.ID] = struct{}{}
		if it.IsAd {
			report.TotalAds++
		}
		if it.Price > 0 {
			prices = append(prices, it.Price)
		}
		if it.Rating != nil && *it.Rating > 0 {
			ratings = append(ratings, *it.Rating)
		}
	}
	for _, r := range snap.Reviews {
		if _, ok := ids[r.ItemID]; !ok {
			report.OrphanReviews++
		}
	}
	if len(report.Categories) == 0 {
		report.Categories = itemCategories(snap.Items)
	}

	report.PriceStats = stats(prices)
	report.RatingStats = stats(ratings)

	if report.TotalItems < meta.LowVolumeThreshold {
		report.Warnings = append(report.Warnings, WarnLowVolume)
	}
	if report.FailedCount > meta.HighFailureThreshold {
		report.Warnings = append(report.Warnings, WarnHighFailure)
	}
	return report
}

func stats(values []float64) models.Stats {
	if len(values) == 0 {
		return models.Stats{}
	}
	s := models.Stats{Count: len(values), Min: values[0], Max: values[0]}
	var sum float64
	for _, v := range values {
		sum += v
		s.Min = min(s.Min, v)
		s.Max = max(s.Max, v)
	}
	s.Avg = sum / float64(len(values))
	return s
}

func itemCategories(items []models.Item) []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, it := range items {
		if it.Category == "" {
			continue
		}
		if _, ok := seen[it.Category]; ok {
			continue
		}
		seen[it.Category] = struct{}{}
		out = append(out, it.Category)
	}
	return out
}
