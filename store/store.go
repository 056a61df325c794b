// Package store persists crawled items and reviews in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/aluiziolira/go-scrape-products/models"
)

// PersistenceError reports a failed write or read against the store.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Store is the persistence sink. It holds a single connection; callers are
// expected to funnel writes through one goroutine.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at path, creating parent directories.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, &PersistenceError{Op: "open", Key: path, Err: fmt.Errorf("create directory: %w", err)}
		}
	}

	db, err := sql.Open("sqlite", path+"?mode=rwc")
	if err != nil {
		return nil, &PersistenceError{Op: "open", Key: path, Err: err}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, path: path}
	if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, &PersistenceError{Op: "open", Key: path, Err: fmt.Errorf("enable WAL mode: %w", err)}
	}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, &PersistenceError{Op: "open", Key: path, Err: fmt.Errorf("create tables: %w", err)}
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		price REAL NOT NULL DEFAULT 0,
		brand TEXT NOT NULL DEFAULT '',
		rating REAL,
		review_count INTEGER NOT NULL DEFAULT 0,
		url TEXT NOT NULL DEFAULT '',
		image_url TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		is_ad INTEGER NOT NULL DEFAULT 0,
		specs TEXT NOT NULL DEFAULT '{}',
		description TEXT NOT NULL DEFAULT '',
		scraped_at TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_items_url ON items(url);
	CREATE INDEX IF NOT EXISTS idx_items_category ON items(category);

	-- reviews reference items softly; orphans are allowed and reported
	CREATE TABLE IF NOT EXISTS reviews (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		item_id TEXT NOT NULL,
		item_url TEXT NOT NULL DEFAULT '',
		comment TEXT NOT NULL DEFAULT '',
		rating REAL,
		date TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_reviews_item ON reviews(item_id);
	`
	_, err := s.db.ExecContext(context.Background(), schema)
	return err
}

// Reset removes every stored item and review, for a fresh run.
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM reviews; DELETE FROM items;`); err != nil {
		return &PersistenceError{Op: "reset", Err: err}
	}
	return nil
}

// UpsertItem inserts it, or merges it into the stored record with the same
// id, and returns the stored result.
func (s *Store) UpsertItem(ctx context.Context, it models.Item) (models.Item, error) {
	if it.ID == "" {
		return models.Item{}, &PersistenceError{Op: "upsert", Err: errors.New("item id is empty")}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Item{}, &PersistenceError{Op: "upsert", Key: it.ID, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	merged := it
	existing, found, err := getItem(ctx, tx, it.ID)
	if err != nil {
		return models.Item{}, &PersistenceError{Op: "upsert", Key: it.ID, Err: err}
	}
	if found {
		merged = existing.Merge(it)
	}

	specs, err := json.Marshal(merged.Specs)
	if err != nil {
		return models.Item{}, &PersistenceError{Op: "upsert", Key: it.ID, Err: fmt.Errorf("serialize specs: %w", err)}
	}

	query := `
	INSERT INTO items (id, title, price, brand, rating, review_count, url, image_url, category, is_ad, specs, description, scraped_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		title = excluded.title,
		price = excluded.price,
		brand = excluded.brand,
		rating = excluded.rating,
		review_count = excluded.review_count,
		url = excluded.url,
		image_url = excluded.image_url,
		category = excluded.category,
		is_ad = excluded.is_ad,
		specs = excluded.specs,
		description = excluded.description,
		scraped_at = excluded.scraped_at
	`
	_, err = tx.ExecContext(ctx, query,
		merged.ID,
		merged.Title,
		merged.Price,
		merged.Brand,
		nullFloat(merged.Rating),
		merged.ReviewCount,
		merged.URL,
		merged.ImageURL,
		merged.Category,
		merged.IsAd,
		string(specs),
		merged.Description,
		formatTime(merged.ScrapedAt),
	)
	if err != nil {
		return models.Item{}, &PersistenceError{Op: "upsert", Key: it.ID, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return models.Item{}, &PersistenceError{Op: "upsert", Key: it.ID, Err: err}
	}
	return merged, nil
}

// AppendReview stores a review. Every call adds a row, so identical reviews
// from different users are all kept. A review whose item is not stored is
// kept and reported as an orphan.
func (s *Store) AppendReview(ctx context.Context, r models.Review) (orphan bool, err error) {
	if r.ItemID == "" {
		return false, &PersistenceError{Op: "append review", Err: errors.New("review item id is empty")}
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items WHERE id = ?`, r.ItemID).Scan(&exists)
	if err != nil {
		return false, &PersistenceError{Op: "append review", Key: r.ItemID, Err: err}
	}
	orphan = exists == 0
	if orphan {
		slog.Warn("orphan review",
			slog.String("item_id", r.ItemID),
			slog.String("item_url", r.ItemURL),
		)
	}

	_, err = s.db.ExecContext(ctx, `
	INSERT INTO reviews (item_id, item_url, comment, rating, date)
	VALUES (?, ?, ?, ?, ?)
	`, r.ItemID, r.ItemURL, r.Comment, nullFloat(r.Rating), r.Date)
	if err != nil {
		return orphan, &PersistenceError{Op: "append review", Key: r.ItemID, Err: err}
	}
	return orphan, nil
}

// QueryAll returns every item in insertion order and every review.
func (s *Store) QueryAll(ctx context.Context) ([]models.Item, []models.Review, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM items ORDER BY rowid`)
	if err != nil {
		return nil, nil, &PersistenceError{Op: "query items", Err: err}
	}
	var items []models.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			rows.Close()
			return nil, nil, &PersistenceError{Op: "query items", Err: err}
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, nil, &PersistenceError{Op: "query items", Err: err}
	}
	rows.Close()

	reviews, err := s.queryReviews(ctx)
	if err != nil {
		return nil, nil, err
	}
	return items, reviews, nil
}

func (s *Store) queryReviews(ctx context.Context) ([]models.Review, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT item_id, item_url, comment, rating, date FROM reviews ORDER BY id`)
	if err != nil {
		return nil, &PersistenceError{Op: "query reviews", Err: err}
	}
	defer rows.Close()

	var reviews []models.Review
	for rows.Next() {
		var (
			r      models.Review
			rating sql.NullFloat64
		)
		if err := rows.Scan(&r.ItemID, &r.ItemURL, &r.Comment, &rating, &r.Date); err != nil {
			return nil, &PersistenceError{Op: "query reviews", Err: err}
		}
		if rating.Valid {
			r.Rating = models.Float(rating.Float64)
		}
		reviews = append(reviews, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "query reviews", Err: err}
	}
	return reviews, nil
}

// Counts returns the number of stored items and reviews.
func (s *Store) Counts(ctx context.Context) (items, reviews int, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT (SELECT COUNT(*) FROM items), (SELECT COUNT(*) FROM reviews)`).Scan(&items, &reviews)
	if err != nil {
		return 0, 0, &PersistenceError{Op: "count", Err: err}
	}
	return items, reviews, nil
}

const itemColumns = `id, title, price, brand, rating, review_count, url, image_url, category, is_ad, specs, description, scraped_at`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func getItem(ctx context.Context, q queryer, id string) (models.Item, bool, error) {
	it, err := scanItem(q.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Item{}, false, nil
	}
	if err != nil {
		return models.Item{}, false, err
	}
	return it, true, nil
}

func scanItem(row scanner) (models.Item, error) {
	var (
		it        models.Item
		rating    sql.NullFloat64
		specs     string
		scrapedAt string
	)
	err := row.Scan(
		&it.ID,
		&it.Title,
		&it.Price,
		&it.Brand,
		&rating,
		&it.ReviewCount,
		&it.URL,
		&it.ImageURL,
		&it.Category,
		&it.IsAd,
		&specs,
		&it.Description,
		&scrapedAt,
	)
	if err != nil {
		return models.Item{}, err
	}
	if rating.Valid {
		it.Rating = models.Float(rating.Float64)
	}
	if specs != "" && specs != "null" && specs != "{}" {
		if err := json.Unmarshal([]byte(specs), &it.Specs); err != nil {
			return models.Item{}, fmt.Errorf("parse specs: %w", err)
		}
	}
	it.ScrapedAt = parseTime(scrapedAt)
	return it, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
