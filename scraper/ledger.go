package scraper

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aluiziolira/go-scrape-products/models"
)

// FailureLedger collects the URLs of work units that failed permanently or
// exhausted their retries. It is persisted as one URL per line so a later
// run can resume from it.
type FailureLedger struct {
	mu      sync.Mutex
	records []models.FailureRecord
	index   map[string]struct{}
}

// NewFailureLedger returns an empty ledger.
func NewFailureLedger() *FailureLedger {
	return &FailureLedger{index: make(map[string]struct{})}
}

// Record adds a failed URL. Repeated URLs are kept once.
func (l *FailureLedger) Record(url string, err error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return
	}
	reason := ""
	if err != nil {
		reason = err.Error()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.index[url]; ok {
		return
	}
	l.index[url] = struct{}{}
	l.records = append(l.records, models.FailureRecord{URL: url, Reason: reason})
}

// Records returns a copy of the recorded failures in insertion order.
func (l *FailureLedger) Records() []models.FailureRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.FailureRecord, len(l.records))
	copy(out, l.records)
	return out
}

// URLs returns the failed URLs in insertion order.
func (l *FailureLedger) URLs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, r.URL)
	}
	return out
}

// Len returns the number of distinct failed URLs.
func (l *FailureLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Save writes the ledger to path, replacing any previous ledger. An empty
// ledger produces an empty file.
func (l *FailureLedger) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create ledger dir: %w", err)
		}
	}
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create ledger: %w", err)
	}
	w := bufio.NewWriter(file)
	for _, u := range l.URLs() {
		if _, err := w.WriteString(u + "\n"); err != nil {
			file.Close()
			return fmt.Errorf("write ledger: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return fmt.Errorf("flush ledger: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close ledger: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadLedger reads a ledger file written by Save. Blank lines are skipped
// and duplicates collapsed. A missing file yields fs.ErrNotExist.
func LoadLedger(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("open ledger %s: %w", path, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer file.Close()

	seen := make(map[string]struct{})
	var urls []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if _, dup := seen[line]; dup {
			continue
		}
		seen[line] = struct{}{}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	return urls, nil
}
