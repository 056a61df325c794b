package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/aluiziolira/go-scrape-products/models"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "nested", "crawl.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenCreatesDirectory(t *testing.T) {
	s := setupTestStore(t)
	if _, err := os.Stat(s.Path()); err != nil {
		t.Fatalf("database file was not created: %v", err)
	}
}

func TestUpsertItemMergesByID(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	scraped := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	listing := models.Item{
		ID:        "1001",
		Title:     "Phone",
		Price:     12500,
		URL:       "https://www.digikala.com/product/dkp-1001",
		Category:  "mobile",
		IsAd:      true,
		ScrapedAt: scraped,
	}
	if _, err := s.UpsertItem(ctx, listing); err != nil {
		t.Fatalf("upsert listing: %v", err)
	}

	detail := models.Item{
		ID:          "1001",
		Title:       "Phone Pro",
		Rating:      models.Float(4.5),
		ReviewCount: 20,
		Specs:       map[string]string{"RAM": "8 GB"},
		Description: "A phone.",
	}
	merged, err := s.UpsertItem(ctx, detail)
	if err != nil {
		t.Fatalf("upsert detail: %v", err)
	}

	want := models.Item{
		ID:          "1001",
		Title:       "Phone Pro",
		Price:       12500,
		Rating:      models.Float(4.5),
		ReviewCount: 20,
		URL:         "https://www.digikala.com/product/dkp-1001",
		Category:    "mobile",
		IsAd:        true,
		Specs:       map[string]string{"RAM": "8 GB"},
		Description: "A phone.",
		ScrapedAt:   scraped,
	}
	if diff := cmp.Diff(want, merged); diff != "" {
		t.Fatalf("merged item (-want +got):\n%s", diff)
	}

	items, _, err := s.QueryAll(ctx)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 stored item, got %d", len(items))
	}
	if diff := cmp.Diff(want, items[0]); diff != "" {
		t.Fatalf("stored item (-want +got):\n%s", diff)
	}
}

func TestQueryAllKeepsInsertionOrder(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	for _, id := range []string{"b", "a", "c"} {
		if _, err := s.UpsertItem(ctx, models.Item{ID: id, Title: id, URL: "https://x/" + id}); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}
	// updating an existing item does not move it
	if _, err := s.UpsertItem(ctx, models.Item{ID: "b", Price: 10}); err != nil {
		t.Fatalf("update: %v", err)
	}

	items, _, err := s.QueryAll(ctx)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	var ids []string
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	if diff := cmp.Diff([]string{"b", "a", "c"}, ids); diff != "" {
		t.Fatalf("order (-want +got):\n%s", diff)
	}
}

func TestAppendReviewKeepsEveryReview(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	if _, err := s.UpsertItem(ctx, models.Item{ID: "1", Title: "Phone", URL: "https://x/1"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	review := models.Review{ItemID: "1", ItemURL: "https://x/1", Comment: "good", Rating: models.Float(4), Date: "2024-01-01"}
	appended := []models.Review{
		review,
		// same text on the same day from another user
		review,
		// rating-only reviews share an empty comment and date
		{ItemID: "1", Rating: models.Float(5)},
		{ItemID: "1", Rating: models.Float(1)},
		{ItemID: "1", Rating: models.Float(3)},
	}
	for _, r := range appended {
		orphan, err := s.AppendReview(ctx, r)
		if err != nil || orphan {
			t.Fatalf("append review %+v: orphan=%v err=%v", r, orphan, err)
		}
	}

	orphan, err := s.AppendReview(ctx, models.Review{ItemID: "missing", Comment: "lost"})
	if err != nil {
		t.Fatalf("append orphan: %v", err)
	}
	if !orphan {
		t.Fatalf("review for unknown item should be reported as orphan")
	}

	_, reviews, err := s.QueryAll(ctx)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	want := append(appended, models.Review{ItemID: "missing", Comment: "lost"})
	if diff := cmp.Diff(want, reviews); diff != "" {
		t.Fatalf("reviews (-want +got):\n%s", diff)
	}

	items, count, err := s.Counts(ctx)
	if err != nil || items != 1 || count != len(want) {
		t.Fatalf("counts = %d, %d, %v", items, count, err)
	}
}

func TestResetAndErrors(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	if _, err := s.UpsertItem(ctx, models.Item{ID: "1", Title: "Phone", URL: "https://x/1"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n, _, err := s.Counts(ctx); err != nil || n != 0 {
		t.Fatalf("items survived reset: %d %v", n, err)
	}

	_, err := s.UpsertItem(ctx, models.Item{Title: "no id"})
	var pe *PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
}
