package scraper

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aluiziolira/go-scrape-products/config"
	"github.com/aluiziolira/go-scrape-products/models"
	"github.com/aluiziolira/go-scrape-products/parser"
)

// Phase is the lifecycle state of a crawl run. Phases only move forward.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseDiscoverCategories
	PhaseCrawling
	PhaseDraining
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDiscoverCategories:
		return "discover_categories"
	case PhaseCrawling:
		return "crawling"
	case PhaseDraining:
		return "draining"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}

// Stop reasons reported in the run result.
const (
	StopCompleted   = "completed"
	StopMaxItems    = "max items reached"
	StopInterrupted = "interrupted"
)

// ItemSink receives accepted records. *pipeline.Pipeline implements it.
type ItemSink interface {
	UpsertItem(it models.Item) error
	MergeItem(it models.Item) error
	AppendReview(r models.Review) error
}

// fetchStats is implemented by fetchers that count their own traffic.
type fetchStats interface {
	Requests() int
	Retries() int
}

// Engine walks categories, listing pages, product details and reviews.
type Engine struct {
	cfg     *config.Config
	schema  *parser.Schema
	fetcher Fetcher
	sink    ItemSink
	ledger  *FailureLedger
	metrics *Metrics

	now func() time.Time
}

// NewEngine wires an engine. ledger collects failed units and may be shared
// with the caller, which saves it after the run.
func NewEngine(cfg *config.Config, schema *parser.Schema, fetcher Fetcher, sink ItemSink, ledger *FailureLedger, metrics *Metrics) *Engine {
	if ledger == nil {
		ledger = NewFailureLedger()
	}
	return &Engine{
		cfg:     cfg,
		schema:  schema,
		fetcher: fetcher,
		sink:    sink,
		ledger:  ledger,
		metrics: metrics,
		now:     time.Now,
	}
}

// Ledger returns the failure ledger of the engine.
func (e *Engine) Ledger() *FailureLedger {
	return e.ledger
}

// runState is everything one Run mutates.
type runState struct {
	phase      atomic.Int32
	accepted   atomic.Int64
	duplicates atomic.Int64
	invalid    atomic.Int64
	pages      atomic.Int64
	details    atomic.Int64
	errorCount atomic.Int64

	dedup   *Deduplicator
	detailQ chan detailJob

	mu           sync.Mutex
	errorsByType map[string]int
	stopReason   string
}

type detailJob struct {
	unit models.WorkUnit
	item models.Item
}

func newRunState(cfg *config.Config) (*runState, error) {
	dedup, err := NewDeduplicator(cfg.DedupeMaxSize)
	if err != nil {
		return nil, err
	}
	return &runState{
		dedup:        dedup,
		detailQ:      make(chan detailJob, cfg.Parallelism*8),
		errorsByType: make(map[string]int),
	}, nil
}

// reserve claims one of the limit item slots.
func (st *runState) reserve(limit int64) bool {
	for {
		cur := st.accepted.Load()
		if cur >= limit {
			return false
		}
		if st.accepted.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (st *runState) current() Phase {
	return Phase(st.phase.Load())
}

func (st *runState) stopping(ctx context.Context) bool {
	return ctx.Err() != nil || st.current() >= PhaseDraining
}

func (st *runState) recordError(label string) {
	st.errorCount.Add(1)
	st.mu.Lock()
	st.errorsByType[label]++
	st.mu.Unlock()
}

func (st *runState) setStopReason(reason string) {
	st.mu.Lock()
	if st.stopReason == "" {
		st.stopReason = reason
	}
	st.mu.Unlock()
}

func (e *Engine) setPhase(st *runState, p Phase) {
	for {
		cur := st.current()
		if p <= cur {
			return
		}
		if st.phase.CompareAndSwap(int32(cur), int32(p)) {
			break
		}
	}
	e.metrics.SetPhase(p)
	slog.Info("crawl phase", slog.String("phase", p.String()))
}

// Run performs one crawl. It returns an error only when the crawl cannot
// start; fetch failures are recorded in the ledger and the run goes on.
// Cancelling ctx stops new work; the partial result is still returned.
func (e *Engine) Run(ctx context.Context) (*models.ScraperResult, error) {
	st, err := newRunState(e.cfg)
	if err != nil {
		return nil, err
	}
	start := e.now()

	seeds, categories, err := e.seeds(ctx, st)
	if err != nil {
		e.setPhase(st, PhaseDone)
		return nil, err
	}

	e.setPhase(st, PhaseCrawling)

	var workers sync.WaitGroup
	for i := 0; i < e.cfg.Parallelism; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for job := range st.detailQ {
				if ctx.Err() != nil {
					continue
				}
				e.crawlDetail(ctx, st, job.unit, job.item)
			}
		}()
	}

	var g errgroup.Group
	g.SetLimit(e.cfg.Parallelism)
	for _, unit := range seeds {
		if st.stopping(ctx) {
			break
		}
		g.Go(func() error {
			switch unit.Kind {
			case models.UnitPage:
				e.crawlCategory(ctx, st, unit)
			case models.UnitProductDetail:
				e.resumeDetail(ctx, st, unit)
			case models.UnitReviewPage:
				e.crawlReviews(ctx, st, unit, models.Item{ID: unit.Meta("id")})
			}
			return nil
		})
	}
	_ = g.Wait()

	e.setPhase(st, PhaseDraining)
	close(st.detailQ)
	workers.Wait()
	e.setPhase(st, PhaseDone)

	if ctx.Err() != nil {
		st.setStopReason(StopInterrupted)
	}
	st.setStopReason(StopCompleted)

	result := &models.ScraperResult{
		StartTime:     start,
		EndTime:       e.now(),
		AcceptedItems: int(st.accepted.Load()),
		Duplicates:    int(st.duplicates.Load()),
		ErrorCount:    int(st.errorCount.Load()),
		FailedURLs:    e.ledger.URLs(),
		PageCount:     int(st.pages.Load()),
		DetailCount:   int(st.details.Load()),
		Categories:    categories,
	}
	st.mu.Lock()
	result.ErrorsByType = make(map[string]int, len(st.errorsByType))
	for k, v := range st.errorsByType {
		result.ErrorsByType[k] = v
	}
	result.StopReason = st.stopReason
	st.mu.Unlock()
	if stats, ok := e.fetcher.(fetchStats); ok {
		result.RequestCount = stats.Requests()
		result.RetryCount = stats.Retries()
	}

	slog.Info("crawl finished",
		slog.String("stop_reason", result.StopReason),
		slog.Int("items", result.AcceptedItems),
		slog.Int("duplicates", result.Duplicates),
		slog.Int64("invalid", st.invalid.Load()),
		slog.Int("pages", result.PageCount),
		slog.Int("details", result.DetailCount),
		slog.Int("failed", len(result.FailedURLs)),
	)
	return result, nil
}

// seeds returns the initial work units: the ledger URLs when resuming,
// otherwise page one of every discovered category.
func (e *Engine) seeds(ctx context.Context, st *runState) ([]models.WorkUnit, []string, error) {
	if e.cfg.Resume {
		urls, err := LoadLedger(e.cfg.FailedURLsFile)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			slog.Warn("no failure ledger to resume from, running a full crawl",
				slog.String("path", e.cfg.FailedURLsFile),
			)
		case err != nil:
			return nil, nil, fmt.Errorf("%w: %w", ErrStartup, err)
		default:
			units := make([]models.WorkUnit, 0, len(urls))
			for _, u := range urls {
				unit := e.schema.Classify(u)
				if unit.Kind == models.UnitPage {
					unit = unit.With(metaSinglePage, "true")
				}
				units = append(units, unit)
			}
			slog.Info("resuming from failure ledger",
				slog.String("path", e.cfg.FailedURLsFile),
				slog.Int("units", len(units)),
			)
			return units, e.cfg.Categories, nil
		}
	}

	e.setPhase(st, PhaseDiscoverCategories)
	categories, err := e.discover(ctx)
	if err != nil {
		return nil, nil, err
	}
	units := make([]models.WorkUnit, 0, len(categories))
	for _, c := range categories {
		units = append(units, models.PageUnit(c, e.schema.ListingPageURL(c, 1), 1))
	}
	return units, categories, nil
}

// discover returns the configured categories, or extracts them from the
// schema's start document.
func (e *Engine) discover(ctx context.Context) ([]string, error) {
	if len(e.cfg.Categories) > 0 {
		return e.cfg.Categories, nil
	}
	if e.schema.StartURL == "" {
		return nil, fmt.Errorf("%w: schema %q has no start_url and no categories are configured", ErrStartup, e.schema.Name)
	}

	resp, err := e.fetcher.Fetch(ctx, Request{
		URL:        e.schema.StartURL,
		Headers:    e.schema.Headers,
		ExpectJSON: e.schema.StartFormat == parser.FormatJSON,
		Phase:      models.UnitCategory.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: fetch category tree: %w", ErrStartup, err)
	}
	doc, err := parser.Parse(resp.Body, e.schema.StartFormat)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStartup, err)
	}
	categories := parser.ExtractCategories(doc, e.schema)
	if len(categories) == 0 {
		return nil, fmt.Errorf("%w: no categories found at %s", ErrStartup, e.schema.StartURL)
	}
	slog.Info("categories discovered", slog.Int("count", len(categories)))
	return categories, nil
}

// metaSinglePage marks a page unit that is fetched on its own, without
// following pagination. Ledger retries are single pages.
const metaSinglePage = "single_page"

// crawlCategory walks listing pages sequentially from unit. The unit's own
// URL is always fetched; later pages stop at MaxPages.
func (e *Engine) crawlCategory(ctx context.Context, st *runState, unit models.WorkUnit) {
	category := unit.Meta("category")
	pageURL := unit.Key
	for page := max(unit.Page, 1); ; page++ {
		if st.stopping(ctx) {
			return
		}
		current := models.PageUnit(category, pageURL, page)
		doc, ok := e.fetchDoc(ctx, st, current)
		if !ok {
			return
		}
		st.pages.Add(1)

		items := parser.ExtractListing(doc, e.schema, pageURL)
		slog.Debug("listing page",
			slog.String("category", category),
			slog.Int("page", page),
			slog.Int("items", len(items)),
		)
		if len(items) == 0 {
			return
		}
		for _, it := range items {
			if !e.accept(ctx, st, category, it) {
				return
			}
		}

		if page >= e.cfg.MaxPages || unit.Meta(metaSinglePage) != "" {
			return
		}
		if e.schema.HasNextPageRule() {
			next := parser.NextPageURL(doc, e.schema, pageURL)
			if next == "" {
				return
			}
			pageURL = next
		} else {
			pageURL = e.schema.NextListingURL(pageURL, page+1)
		}
	}
}

// accept runs one listing item through validation, dedup and the item cap.
// It returns false once the cap is reached.
func (e *Engine) accept(ctx context.Context, st *runState, category string, it models.Item) bool {
	if err := parser.ValidateItem(&it); err != nil {
		st.invalid.Add(1)
		slog.Debug("listing item rejected", slog.Any("error", err))
		return true
	}
	if !st.dedup.MarkNew(it.ID) {
		st.duplicates.Add(1)
		e.metrics.IncDuplicates()
		return true
	}
	limit := int64(e.cfg.MaxItems)
	if !st.reserve(limit) {
		st.setStopReason(StopMaxItems)
		e.setPhase(st, PhaseDraining)
		return false
	}

	it.Category = category
	it.ScrapedAt = e.now().UTC()
	if err := e.sink.UpsertItem(it); err != nil {
		slog.Error("item not queued for persistence",
			slog.String("id", it.ID),
			slog.Any("error", err),
		)
		return true
	}
	e.metrics.IncItems()

	if e.schema.HasDetail() && e.cfg.FetchDetails {
		unit := models.NewWorkUnit(models.UnitProductDetail, e.schema.DetailURL(it), map[string]string{"id": it.ID})
		select {
		case st.detailQ <- detailJob{unit: unit, item: it}:
		case <-ctx.Done():
		}
	}

	if st.accepted.Load() >= limit {
		st.setStopReason(StopMaxItems)
		e.setPhase(st, PhaseDraining)
		return false
	}
	return true
}

// resumeDetail re-fetches a product detail unit taken from the ledger.
func (e *Engine) resumeDetail(ctx context.Context, st *runState, unit models.WorkUnit) {
	id := unit.Meta("id")
	if id == "" || !st.dedup.MarkNew(id) {
		return
	}
	it := models.Item{ID: id}
	if e.schema.Detail == nil || e.schema.Detail.URL == "" {
		it.URL = parser.CanonicalURL(unit.Key)
	}
	e.crawlDetail(ctx, st, unit, it)
}

// crawlDetail fetches a product detail page, merges its fields into the
// stored item and appends its reviews.
func (e *Engine) crawlDetail(ctx context.Context, st *runState, unit models.WorkUnit, it models.Item) {
	doc, ok := e.fetchDoc(ctx, st, unit)
	if !ok {
		return
	}
	st.details.Add(1)

	fields := parser.ExtractDetail(doc, e.schema, unit.Key)
	merged := fields.Apply(it)
	merged.ScrapedAt = e.now().UTC()
	if err := e.sink.MergeItem(merged); err != nil {
		slog.Error("detail not queued for persistence",
			slog.String("id", it.ID),
			slog.Any("error", err),
		)
		return
	}

	e.appendReviews(merged, fields.Reviews)

	if reviewsURL := e.schema.ReviewsURL(merged); reviewsURL != "" && ctx.Err() == nil {
		ru := models.NewWorkUnit(models.UnitReviewPage, reviewsURL, map[string]string{"id": merged.ID})
		e.crawlReviews(ctx, st, ru, merged)
	}
}

// crawlReviews fetches a separate review page for it.
func (e *Engine) crawlReviews(ctx context.Context, st *runState, unit models.WorkUnit, it models.Item) {
	if it.ID == "" {
		return
	}
	doc, ok := e.fetchDoc(ctx, st, unit)
	if !ok {
		return
	}
	e.appendReviews(it, parser.ExtractReviews(doc, e.schema))
}

func (e *Engine) appendReviews(it models.Item, reviews []parser.ReviewFields) {
	for _, r := range reviews {
		if err := e.sink.AppendReview(r.Review(it)); err != nil {
			slog.Error("review not queued for persistence",
				slog.String("item_id", it.ID),
				slog.Any("error", err),
			)
			return
		}
	}
}

// fetchDoc fetches and parses the document of a unit. A failed fetch is
// recorded in the ledger and reported as !ok; an unparseable body counts as
// an empty document.
func (e *Engine) fetchDoc(ctx context.Context, st *runState, unit models.WorkUnit) (*parser.Document, bool) {
	resp, err := e.fetcher.Fetch(ctx, Request{
		URL:        unit.Key,
		Headers:    e.schema.Headers,
		ExpectJSON: e.schema.Format == parser.FormatJSON,
		Phase:      unit.Kind.String(),
	})
	if err != nil {
		label := errorTypeLabel(err)
		st.recordError(label)
		e.ledger.Record(unit.Key, err)
		slog.Warn("work unit failed",
			slog.String("unit", unit.String()),
			slog.String("category", label),
			slog.Any("error", err),
		)
		return nil, false
	}

	doc, err := parser.Parse(resp.Body, e.schema.Format)
	if err != nil {
		st.recordError("parse")
		slog.Warn("unparseable document",
			slog.String("unit", unit.String()),
			slog.Any("error", err),
		)
		return parser.EmptyDocument(e.schema.Format), true
	}
	return doc, true
}
