package scraper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/aluiziolira/go-scrape-products/config"
	"github.com/aluiziolira/go-scrape-products/models"
	"github.com/aluiziolira/go-scrape-products/parser"
	"github.com/aluiziolira/go-scrape-products/pipeline"
	"github.com/aluiziolira/go-scrape-products/store"
)

const testSchemaYAML = `
name: test-shop
format: json
site_url: https://shop.test
start_url: https://api.shop.test/categories
categories:
  - {kind: json, expr: "categories.*.code"}
listing_url: https://api.shop.test/categories/{category}/search/
items:
  - {kind: json, expr: products}
fields:
  id: [{kind: json, expr: id}]
  title: [{kind: json, expr: title}]
  price: [{kind: json, expr: price}]
  url: [{kind: json, expr: url}]
product_url_pattern: /product/dkp-(\d+)
detail:
  url: https://api.shop.test/product/{id}/
  description: [{kind: json, expr: data.description}]
  reviews:
    items: [{kind: json, expr: data.comments}]
    comment: [{kind: json, expr: body}]
    rating: [{kind: json, expr: rate}]
`

const startURL = "https://api.shop.test/categories"

// stubFetcher serves canned bodies by URL and records every request in order.
type stubFetcher struct {
	mu     sync.Mutex
	bodies map[string]string
	fail   map[string]error
	calls  []string
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{bodies: map[string]string{}, fail: map[string]error{}}
}

func (s *stubFetcher) Fetch(_ context.Context, req Request) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req.URL)
	if err, ok := s.fail[req.URL]; ok {
		return nil, &FetchError{URL: req.URL, Err: err}
	}
	body, ok := s.bodies[req.URL]
	if !ok {
		return nil, &FetchError{URL: req.URL, StatusCode: 404, Err: ErrNotFound{Err: errors.New("http status 404")}}
	}
	return &Response{URL: req.URL, StatusCode: 200, Body: []byte(body)}, nil
}

func (s *stubFetcher) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *stubFetcher) Retries() int { return 0 }

func (s *stubFetcher) requested() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

func (s *stubFetcher) matching(substr string) []string {
	var out []string
	for _, u := range s.requested() {
		if strings.Contains(u, substr) {
			out = append(out, u)
		}
	}
	return out
}

func testSchema(t *testing.T, reviewsURL bool) *parser.Schema {
	t.Helper()
	raw := testSchemaYAML
	if reviewsURL {
		raw = strings.Replace(raw, "  description:", "  reviews_url: https://api.shop.test/reviews/{id}/\n  description:", 1)
	}
	s, err := parser.ParseSchema([]byte(raw))
	if err != nil {
		t.Fatalf("parse schema: %v", err)
	}
	return s
}

func testEngineConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Parallelism = 1
	cfg.MaxPages = 10
	cfg.MaxItems = 1000
	cfg.DedupeMaxSize = 1000
	cfg.PipelineBufferSize = 64
	cfg.FetchDetails = false
	cfg.OutputDir = dir
	cfg.DatabasePath = filepath.Join(dir, "crawl.db")
	cfg.FailedURLsFile = filepath.Join(dir, "failed_urls.txt")
	return cfg
}

func listingBody(ids ...int) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf(`{"id":%d,"title":"Item %d","price":"%d","url":"https://shop.test/product/dkp-%d/"}`, id, id, id*1000, id))
	}
	return `{"products":[` + strings.Join(parts, ",") + `]}`
}

type engineRun struct {
	result  *models.ScraperResult
	items   []models.Item
	reviews []models.Review
	ledger  *FailureLedger
}

func runEngine(t *testing.T, ctx context.Context, cfg *config.Config, schema *parser.Schema, f Fetcher) (engineRun, error) {
	t.Helper()
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	p := pipeline.NewPipeline(ctx, st, cfg)
	p.Start()

	ledger := NewFailureLedger()
	engine := NewEngine(cfg, schema, f, p, ledger, NewMetrics())
	result, runErr := engine.Run(ctx)
	if err := p.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}

	items, reviews, err := st.QueryAll(context.Background())
	if err != nil {
		t.Fatalf("query store: %v", err)
	}
	return engineRun{result: result, items: items, reviews: reviews, ledger: ledger}, runErr
}

func TestEnginePaginatesUntilEmptyPage(t *testing.T) {
	cfg := testEngineConfig(t)
	schema := testSchema(t, false)
	f := newStubFetcher()
	f.bodies[startURL] = `{"categories":[{"code":"mobile"}]}`
	f.bodies[schema.ListingPageURL("mobile", 1)] = listingBody(1, 2)
	f.bodies[schema.ListingPageURL("mobile", 2)] = listingBody(3, 4)
	f.bodies[schema.ListingPageURL("mobile", 3)] = listingBody(5, 6)
	f.bodies[schema.ListingPageURL("mobile", 4)] = listingBody()

	run, err := runEngine(t, context.Background(), cfg, schema, f)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	want := []string{
		startURL,
		schema.ListingPageURL("mobile", 1),
		schema.ListingPageURL("mobile", 2),
		schema.ListingPageURL("mobile", 3),
		schema.ListingPageURL("mobile", 4),
	}
	if diff := cmp.Diff(want, f.requested()); diff != "" {
		t.Fatalf("requests mismatch (-want +got):\n%s", diff)
	}
	if len(run.items) != 6 {
		t.Fatalf("items = %d, want 6", len(run.items))
	}
	if run.items[0].Category != "mobile" || run.items[0].Price != 1000 || run.items[0].URL != "https://shop.test/product/dkp-1" {
		t.Fatalf("unexpected first item: %+v", run.items[0])
	}
	if run.result.PageCount != 4 || run.result.StopReason != StopCompleted {
		t.Fatalf("pages=%d stop=%q", run.result.PageCount, run.result.StopReason)
	}
	if diff := cmp.Diff([]string{"mobile"}, run.result.Categories); diff != "" {
		t.Fatalf("categories mismatch:\n%s", diff)
	}
}

func TestEngineRespectsMaxPages(t *testing.T) {
	cfg := testEngineConfig(t)
	cfg.MaxPages = 2
	cfg.Categories = []string{"mobile"}
	schema := testSchema(t, false)
	f := newStubFetcher()
	for page := 1; page <= 5; page++ {
		f.bodies[schema.ListingPageURL("mobile", page)] = listingBody(page)
	}

	run, err := runEngine(t, context.Background(), cfg, schema, f)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := len(f.requested()); got != 2 {
		t.Fatalf("requests = %d, want 2", got)
	}
	if len(run.items) != 2 {
		t.Fatalf("items = %d, want 2", len(run.items))
	}
}

func TestEngineStopsAtMaxItems(t *testing.T) {
	cfg := testEngineConfig(t)
	cfg.MaxItems = 3
	cfg.FetchDetails = true
	cfg.Categories = []string{"mobile"}
	schema := testSchema(t, true)
	f := newStubFetcher()
	f.bodies[schema.ListingPageURL("mobile", 1)] = listingBody(1, 2, 3, 4, 5)
	f.bodies[schema.ListingPageURL("mobile", 2)] = listingBody(6, 7)
	for id := 1; id <= 7; id++ {
		f.bodies[fmt.Sprintf("https://api.shop.test/product/%d/", id)] = fmt.Sprintf(`{"data":{"description":"about %d"}}`, id)
		f.bodies[fmt.Sprintf("https://api.shop.test/reviews/%d/", id)] = `{"data":{"comments":[{"body":"nice","rate":4}]}}`
	}

	run, err := runEngine(t, context.Background(), cfg, schema, f)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(run.items) != 3 {
		t.Fatalf("items = %d, want exactly 3", len(run.items))
	}
	if got := len(f.matching("/product/")); got != 3 {
		t.Fatalf("detail fetches = %d, want 3", got)
	}
	if got := len(f.matching("page=2")); got != 0 {
		t.Fatalf("page 2 must not be fetched after the cap")
	}
	if run.result.StopReason != StopMaxItems || run.result.AcceptedItems != 3 {
		t.Fatalf("stop=%q accepted=%d", run.result.StopReason, run.result.AcceptedItems)
	}
	for _, it := range run.items {
		if !strings.HasPrefix(it.Description, "about ") {
			t.Fatalf("detail not merged into %s: %+v", it.ID, it)
		}
	}
	if len(run.reviews) != 3 {
		t.Fatalf("reviews = %d, want 3", len(run.reviews))
	}
}

func TestEngineDropsDuplicates(t *testing.T) {
	cfg := testEngineConfig(t)
	cfg.Categories = []string{"mobile", "phones"}
	schema := testSchema(t, false)
	f := newStubFetcher()
	f.bodies[schema.ListingPageURL("mobile", 1)] = listingBody(1, 2)
	f.bodies[schema.ListingPageURL("mobile", 2)] = listingBody()
	f.bodies[schema.ListingPageURL("phones", 1)] = listingBody(2, 3)
	f.bodies[schema.ListingPageURL("phones", 2)] = listingBody()

	run, err := runEngine(t, context.Background(), cfg, schema, f)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(run.items) != 3 || run.result.Duplicates != 1 {
		t.Fatalf("items=%d duplicates=%d, want 3 and 1", len(run.items), run.result.Duplicates)
	}
}

func TestEngineRecordsFailuresAndContinues(t *testing.T) {
	cfg := testEngineConfig(t)
	cfg.Categories = []string{"broken", "mobile"}
	cfg.FetchDetails = true
	schema := testSchema(t, false)
	f := newStubFetcher()
	f.bodies[schema.ListingPageURL("mobile", 1)] = listingBody(1, 2)
	f.bodies[schema.ListingPageURL("mobile", 2)] = listingBody()
	f.bodies["https://api.shop.test/product/1/"] = `{"data":{"description":"first"}}`
	f.fail["https://api.shop.test/product/2/"] = ErrServer{Err: errors.New("http status 503")}

	run, err := runEngine(t, context.Background(), cfg, schema, f)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(run.items) != 2 {
		t.Fatalf("items = %d, want 2", len(run.items))
	}
	want := []string{schema.ListingPageURL("broken", 1), "https://api.shop.test/product/2/"}
	got := run.ledger.URLs()
	slices.Sort(want)
	slices.Sort(got)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ledger mismatch (-want +got):\n%s", diff)
	}
	if run.result.ErrorsByType["not_found"] != 1 || run.result.ErrorsByType["server"] != 1 {
		t.Fatalf("errors by type = %v", run.result.ErrorsByType)
	}
}

func TestEngineResumesFromLedger(t *testing.T) {
	cfg := testEngineConfig(t)
	cfg.Resume = true
	schema := testSchema(t, false)

	detailURL := "https://api.shop.test/product/7/"
	pageURL := schema.ListingPageURL("laptop", 2)
	if err := os.WriteFile(cfg.FailedURLsFile, []byte(detailURL+"\n\n"+pageURL+"\n"), 0o644); err != nil {
		t.Fatalf("write ledger: %v", err)
	}

	f := newStubFetcher()
	f.bodies[detailURL] = `{"data":{"description":"resumed","comments":[{"body":"late review","rate":5}]}}`
	// a full page: pagination must not continue past the ledger URL
	f.bodies[pageURL] = listingBody(20, 21)

	run, err := runEngine(t, context.Background(), cfg, schema, f)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	got := f.requested()
	slices.Sort(got)
	want := []string{detailURL, pageURL}
	slices.Sort(want)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("resume requests mismatch (-want +got):\n%s", diff)
	}
	if run.ledger.Len() != 0 {
		t.Fatalf("resume recorded new failures: %v", run.ledger.URLs())
	}
	ids := make(map[string]models.Item, len(run.items))
	for _, it := range run.items {
		ids[it.ID] = it
	}
	if len(ids) != 3 || ids["7"].Description != "resumed" || ids["20"].Category != "laptop" {
		t.Fatalf("unexpected items: %+v", run.items)
	}
	if len(run.reviews) != 1 || run.reviews[0].ItemID != "7" {
		t.Fatalf("unexpected reviews: %+v", run.reviews)
	}
}

func TestEngineResumeWithoutLedgerRunsFullCrawl(t *testing.T) {
	cfg := testEngineConfig(t)
	cfg.Resume = true
	schema := testSchema(t, false)
	f := newStubFetcher()
	f.bodies[startURL] = `{"categories":[{"code":"mobile"}]}`
	f.bodies[schema.ListingPageURL("mobile", 1)] = listingBody()

	if _, err := runEngine(t, context.Background(), cfg, schema, f); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := f.requested(); len(got) != 2 || got[0] != startURL {
		t.Fatalf("expected discovery then one listing page, got %v", got)
	}
}

func TestEngineDiscoveryFailure(t *testing.T) {
	tests := []struct {
		name string
		body string
		fail error
	}{
		{name: "unreachable", fail: ErrServer{Err: errors.New("http status 503")}},
		{name: "no categories", body: `{"categories":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testEngineConfig(t)
			schema := testSchema(t, false)
			f := newStubFetcher()
			if tt.fail != nil {
				f.fail[startURL] = tt.fail
			} else {
				f.bodies[startURL] = tt.body
			}

			_, err := runEngine(t, context.Background(), cfg, schema, f)
			if !errors.Is(err, ErrStartup) {
				t.Fatalf("expected ErrStartup, got %v", err)
			}
		})
	}
}

func TestEngineInterrupted(t *testing.T) {
	cfg := testEngineConfig(t)
	cfg.Categories = []string{"mobile"}
	schema := testSchema(t, false)
	f := newStubFetcher()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	run, err := runEngine(t, ctx, cfg, schema, f)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(f.requested()) != 0 {
		t.Fatalf("no units should start after interrupt, got %v", f.requested())
	}
	if run.result.StopReason != StopInterrupted {
		t.Fatalf("stop reason = %q", run.result.StopReason)
	}
}

func TestPhaseOnlyMovesForward(t *testing.T) {
	e := NewEngine(config.DefaultConfig(), nil, nil, nil, nil, nil)
	st := &runState{}
	e.setPhase(st, PhaseCrawling)
	e.setPhase(st, PhaseDiscoverCategories)
	if st.current() != PhaseCrawling {
		t.Fatalf("phase = %s, want crawling", st.current())
	}
	if PhaseDraining.String() != "draining" {
		t.Fatalf("unexpected phase name %q", PhaseDraining.String())
	}
}
