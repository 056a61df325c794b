package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aluiziolira/go-scrape-products/config"
	"github.com/aluiziolira/go-scrape-products/models"
	"github.com/aluiziolira/go-scrape-products/parser"
	"github.com/aluiziolira/go-scrape-products/pipeline"
	"github.com/aluiziolira/go-scrape-products/scraper"
	"github.com/aluiziolira/go-scrape-products/store"
)

// runCrawl crawls, then reports and exports whatever was persisted. Only
// startup problems are returned as errors; partial failures end up in the
// ledger and the summary.
func runCrawl(ctx context.Context, cfg *config.Config) error {
	schema, err := parser.LoadSchema(cfg.Schema)
	if err != nil {
		slog.Error("loading schema", slog.String("schema", cfg.Schema), slog.Any("error", err))
		return err
	}
	applyBaseURL(schema, cfg)

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		slog.Error("opening store", slog.String("path", cfg.DatabasePath), slog.Any("error", err))
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("close store", slog.Any("error", err))
		}
	}()
	if cfg.Resume {
		items, reviews, err := db.Counts(ctx)
		if err != nil {
			slog.Error("reading store", slog.Any("error", err))
			return err
		}
		slog.Info("resuming into existing store",
			slog.String("path", db.Path()),
			slog.Int("items", items),
			slog.Int("reviews", reviews),
		)
	} else if err := db.Reset(ctx); err != nil {
		slog.Error("resetting store", slog.Any("error", err))
		return err
	}

	metrics := scraper.NewMetrics()
	fetcher, err := scraper.NewCollyFetcher(cfg, metrics)
	if err != nil {
		slog.Error("initialising fetcher", slog.Any("error", err))
		return err
	}

	p := pipeline.NewPipeline(ctx, db, cfg)
	p.Start()
	metrics.RegisterCounterFunc("scraper_persistence_data_loss_total",
		"Writes dropped after a failed retry.",
		func() float64 { return float64(p.DataLoss()) },
	)
	if cfg.Verbose {
		p.StartMetricsReporting(10 * time.Second)
	}

	metricsServer := startMetricsServer(cfg.MetricsAddr, metrics)
	defer stopMetricsServer(metricsServer)

	slog.Info("starting crawl",
		slog.String("schema", schema.Name),
		slog.Int("max_pages", cfg.MaxPages),
		slog.Int("max_items", cfg.MaxItems),
		slog.Int("workers", cfg.Parallelism),
		slog.Bool("resume", cfg.Resume),
	)

	engine := scraper.NewEngine(cfg, schema, fetcher, p, nil, metrics)
	ledger := engine.Ledger()
	result, runErr := engine.Run(ctx)

	if err := p.Close(); err != nil {
		slog.Error("pipeline shutdown failed", slog.Any("error", err))
	}
	if runErr != nil {
		slog.Error("crawl could not start", slog.Any("error", runErr))
		return runErr
	}

	// reporting runs after an interrupt too
	rctx := context.WithoutCancel(ctx)
	items, reviews, err := db.QueryAll(rctx)
	if err != nil {
		slog.Error("reading persisted items", slog.Any("error", err))
		return err
	}
	snap := pipeline.Snapshot{Items: items, Reviews: reviews}
	report := pipeline.BuildReport(snap, pipeline.RunMeta{
		Start:                result.StartTime,
		End:                  result.EndTime,
		Failures:             ledger.Records(),
		Categories:           result.Categories,
		LowVolumeThreshold:   cfg.LowVolumeThreshold,
		HighFailureThreshold: cfg.HighFailureThreshold,
	})
	for _, w := range report.Warnings {
		slog.Warn("crawl report warning", slog.String("warning", w))
	}

	exporter := pipeline.NewExporter(cfg.OutputDir)
	if err := exporter.Export(snap, report); err != nil {
		slog.Error("export failed", slog.Any("error", err))
	}
	if err := ledger.Save(cfg.FailedURLsFile); err != nil {
		slog.Error("saving failure ledger", slog.Any("error", err))
	}

	printSummary(result, report, p.GetMetrics(), cfg)
	return nil
}

// applyBaseURL points relative links at cfg.BaseURL instead of the schema's
// site_url, for mirrors and staging hosts.
func applyBaseURL(schema *parser.Schema, cfg *config.Config) {
	if cfg.BaseURL == "" {
		return
	}
	schema.SiteURL = strings.TrimRight(cfg.BaseURL, "/")
	slog.Debug("site url overridden", slog.String("site_url", schema.SiteURL))
}

func startMetricsServer(addr string, metrics *scraper.Metrics) *http.Server {
	if addr == "" || metrics == nil {
		return nil
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	slog.Info("metrics server enabled", slog.String("addr", addr))
	return server
}

func stopMetricsServer(server *http.Server) {
	if server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("metrics server shutdown failed", slog.Any("error", err))
	}
}

func printSummary(result *models.ScraperResult, report models.CrawlReport, metrics map[string]interface{}, cfg *config.Config) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Printf("Crawl %s\n", result.StopReason)

	fmt.Printf("  Items:         %d (%d ads)\n", report.TotalItems, report.TotalAds)
	fmt.Printf("  Reviews:       %d (%d orphan)\n", report.TotalReviews, report.OrphanReviews)
	fmt.Printf("  Categories:    %d\n", len(report.Categories))
	fmt.Printf("  Pages:         %d\n", result.PageCount)
	fmt.Printf("  Details:       %d\n", result.DetailCount)
	fmt.Printf("  Duplicates:    %d\n", result.Duplicates)

	successRate := 0.0
	if result.RequestCount > 0 {
		successRate = float64(result.RequestCount-result.ErrorCount) / float64(result.RequestCount) * 100
	}
	fmt.Printf("  Requests:      %d\n", result.RequestCount)
	fmt.Printf("  Success rate:  %.2f%%\n", successRate)
	fmt.Printf("  Retries:       %d\n", result.RetryCount)
	fmt.Printf("  Failed URLs:   %d\n", report.FailedCount)
	if len(result.ErrorsByType) > 0 {
		fmt.Printf("  Error types:   %v\n", result.ErrorsByType)
	}
	if valErrors, ok := metrics["validation_errors"].(map[string]int); ok && len(valErrors) > 0 {
		fmt.Printf("  Validation:    %v\n", valErrors)
	}
	if lost, ok := metrics["data_loss"].(int64); ok && lost > 0 {
		fmt.Printf("  Lost writes:   %d\n", lost)
	}
	if report.PriceStats.Count > 0 {
		fmt.Printf("  Price:         avg %.0f, min %.0f, max %.0f\n", report.PriceStats.Avg, report.PriceStats.Min, report.PriceStats.Max)
	}
	if report.RatingStats.Count > 0 {
		fmt.Printf("  Rating:        avg %.2f over %d items\n", report.RatingStats.Avg, report.RatingStats.Count)
	}
	for _, w := range report.Warnings {
		fmt.Printf("  Warning:       %s\n", w)
	}
	fmt.Printf("  Duration:      %s\n", formatDuration(result.EndTime.Sub(result.StartTime)))
	fmt.Printf("  Output dir:    %s\n", cfg.OutputDir)
	fmt.Printf("  Failure ledger: %s\n", cfg.FailedURLsFile)
	fmt.Println(separator)
}
